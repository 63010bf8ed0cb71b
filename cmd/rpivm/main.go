// Command rpivm stages the boot image for an emulated Raspberry Pi machine:
// it validates the memory configuration, synthesizes the firmware-provided
// boot artifacts (secondary-core stubs, spin table, secure setup code,
// revision word), loads the kernel or a raw firmware image, and reports the
// resulting layout. The prepared guest RAM can be dumped for inspection or
// for consumption by a hypervisor backend.
package main

import (
	"flag"
	"fmt"
	"log/slog"
	"os"

	"github.com/dustin/go-humanize"

	"github.com/tinyrange/rpivm/internal/board"
	"github.com/tinyrange/rpivm/internal/boot"
	"github.com/tinyrange/rpivm/internal/hv"
	"github.com/tinyrange/rpivm/internal/hv/ram"
	"github.com/tinyrange/rpivm/internal/machine"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "rpivm: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	machineName := flag.String("machine", "", "Machine type (raspi2, raspi3, raspi4; default raspi3)")
	memory := flag.String("m", "", "RAM size (e.g. 1GiB; default per machine)")
	smp := flag.Int("smp", 0, "Number of cores (default per machine)")
	kernel := flag.String("kernel", "", "Kernel image path")
	initrd := flag.String("initrd", "", "Initial ramdisk path")
	cmdline := flag.String("append", "", "Kernel command line")
	firmware := flag.String("firmware", "", "Raw firmware image; bypasses the normal kernel boot")
	configPath := flag.String("config", "", "YAML machine definition")
	dumpPath := flag.String("dump", "", "Write the staged boot image to this file")
	debug := flag.Bool("debug", false, "Enable debug logging")
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s [flags]\n\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "Stage the boot image for a Raspberry Pi machine.\n\n")
		fmt.Fprintf(os.Stderr, "Examples:\n")
		fmt.Fprintf(os.Stderr, "  %s -machine raspi3 -kernel Image -append 'console=ttyAMA0'\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "  %s -machine raspi4 -m 2GiB -firmware RPI_EFI.fd\n\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "Flags:\n")
		flag.PrintDefaults()
	}
	flag.Parse()

	level := slog.LevelInfo
	if *debug {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	cfg := &machine.Config{}
	if *configPath != "" {
		loaded, err := machine.LoadConfig(*configPath)
		if err != nil {
			return err
		}
		cfg = loaded
	}
	overrides := flagOverrides{
		Machine:  *machineName,
		Memory:   *memory,
		CPUs:     *smp,
		Kernel:   *kernel,
		Initrd:   *initrd,
		Cmdline:  *cmdline,
		Firmware: *firmware,
	}
	overrides.apply(cfg)

	opts, err := cfg.Resolve()
	if err != nil {
		return err
	}

	m, err := machine.New(opts)
	if err != nil {
		return err
	}

	hypervisor := ram.New(m.Architecture())
	defer hypervisor.Close()

	vm, err := hypervisor.NewVirtualMachine(m)
	if err != nil {
		return err
	}
	defer vm.Close()

	desc := m.BootDescriptor()
	rev := board.DecodeRevision(desc.RevisionWord)
	slog.Info("board revision",
		"word", fmt.Sprintf("%#08x", desc.RevisionWord),
		"type", fmt.Sprintf("%#x", rev.Type),
		"rev", uint32(rev.Rev),
		"chip", uint32(rev.Chip),
		"manufacturer", uint32(rev.Manufacturer),
		"ram", humanize.IBytes((uint64(1)<<rev.SizeExp)*board.MiB))
	for _, p := range desc.Placements {
		slog.Info("placement", "name", p.Name,
			"gpa", fmt.Sprintf("%#x", p.GPA),
			"size", humanize.IBytes(uint64(len(p.Data))))
	}

	if *dumpPath != "" {
		if err := dumpBootImage(vm, desc, *dumpPath); err != nil {
			return err
		}
		slog.Info("boot image dumped", "path", *dumpPath)
	}

	return nil
}

// flagOverrides are the command line values layered on top of a loaded config
// file. Unset flags leave the config field alone, so a config file can select
// the machine while a flag still wins when both are given.
type flagOverrides struct {
	Machine  string
	Memory   string
	CPUs     int
	Kernel   string
	Initrd   string
	Cmdline  string
	Firmware string
}

func (o flagOverrides) apply(cfg *machine.Config) {
	if o.Machine != "" {
		cfg.Machine = o.Machine
	}
	if o.Memory != "" {
		cfg.Memory = o.Memory
	}
	if o.CPUs > 0 {
		cfg.CPUs = o.CPUs
	}
	if o.Kernel != "" {
		cfg.Kernel = o.Kernel
	}
	if o.Initrd != "" {
		cfg.Initrd = o.Initrd
	}
	if o.Cmdline != "" {
		cfg.Cmdline = o.Cmdline
	}
	if o.Firmware != "" {
		cfg.Firmware = o.Firmware
	}
}

// dumpBootImage writes guest RAM up to the highest placement, which is the
// part of memory the boot synthesis actually populated.
func dumpBootImage(vm hv.VirtualMachine, desc *boot.Descriptor, path string) error {
	size := desc.PlacementCeiling()
	buf := make([]byte, size)
	if _, err := vm.ReadAt(buf, 0); err != nil {
		return fmt.Errorf("read staged memory: %w", err)
	}
	if err := os.WriteFile(path, buf, 0o644); err != nil {
		return fmt.Errorf("write boot image %s: %w", path, err)
	}
	return nil
}
