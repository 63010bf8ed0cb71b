// Package machine ties the board catalog, the boot-image synthesis, and the
// guest memory backend together into startable Raspberry Pi machine
// definitions.
package machine

import (
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/tinyrange/rpivm/internal/board"
	"github.com/tinyrange/rpivm/internal/boot"
	"github.com/tinyrange/rpivm/internal/hv"
)

// DefaultVCRAMSize is the RAM carve-out reserved for the VideoCore; the boot
// path only sees what remains below it.
const DefaultVCRAMSize = 64 * board.MiB

// SoC models the processor/peripheral complex for one board generation. The
// realized device models live outside this subsystem; the boot path only
// needs the VideoCore carve-out the complex claims.
type SoC interface {
	VCRAMSize() uint64
}

// SoCBuilder constructs the complex for a chip with the given core count.
type SoCBuilder func(chip board.Chip, numCPUs int) (SoC, error)

type stubSoC struct {
	vcram uint64
}

func (s *stubSoC) VCRAMSize() uint64 { return s.vcram }

func defaultSoCBuilder(chip board.Chip, numCPUs int) (SoC, error) {
	return &stubSoC{vcram: DefaultVCRAMSize}, nil
}

// Options configures one machine instantiation.
type Options struct {
	Version board.Version
	RAMSize uint64
	NumCPUs int

	Kernel  string
	Initrd  string
	Cmdline string

	// Firmware is a raw image (e.g. UEFI) that bypasses the normal kernel
	// boot when set.
	Firmware string

	// NewSoC overrides the SoC construction; nil uses a stub complex with
	// the default VideoCore carve-out.
	NewSoC SoCBuilder
}

// Machine is a configured Raspberry Pi machine. It implements the VM config
// and loader surfaces, so handing it to a hypervisor backend stages the whole
// boot image during VM construction.
type Machine struct {
	opts Options
	desc *boot.Descriptor
}

func New(opts Options) (*Machine, error) {
	if opts.RAMSize == 0 {
		return nil, errors.New("machine requires a RAM size")
	}
	if opts.NumCPUs <= 0 {
		opts.NumCPUs = 1
	}
	if opts.NewSoC == nil {
		opts.NewSoC = defaultSoCBuilder
	}
	return &Machine{opts: opts}, nil
}

// Architecture returns the guest architecture the machine's board requires.
func (m *Machine) Architecture() hv.CpuArchitecture {
	if board.Lookup(m.opts.Version).InstructionWidth == board.Width64 {
		return hv.ArchitectureARM64
	}
	return hv.ArchitectureARM
}

// BootDescriptor returns the staged boot state. Nil before Load has run.
func (m *Machine) BootDescriptor() *boot.Descriptor { return m.desc }

// implements hv.VMConfig.
func (m *Machine) CPUCount() int             { return m.opts.NumCPUs }
func (m *Machine) MemorySize() uint64        { return m.opts.RAMSize }
func (m *Machine) MemoryBase() uint64        { return 0 }
func (m *Machine) Callbacks() hv.VMCallbacks { return m }
func (m *Machine) Loader() hv.VMLoader       { return m }

// OnCreateVM implements hv.VMCallbacks.
func (m *Machine) OnCreateVM(vm hv.VirtualMachine) error { return nil }

// OnCreateVCPU implements hv.VMCallbacks.
func (m *Machine) OnCreateVCPU(vcpu hv.VirtualCPU) error { return nil }

// Load implements hv.VMLoader: it synthesizes the boot image, writes it into
// guest memory, and programs every core. Any error fails the machine start;
// there is no partial or degraded boot.
func (m *Machine) Load(vm hv.VirtualMachine) error {
	desc, err := m.prepareBoot()
	if err != nil {
		return err
	}

	if err := desc.Apply(vm); err != nil {
		return fmt.Errorf("apply boot placements: %w", err)
	}
	m.desc = desc

	for id := 0; id < vm.CPUCount(); id++ {
		err := vm.VirtualCPUCall(id, func(vcpu hv.VirtualCPU) error {
			if vcpu.ID() == 0 {
				return desc.ConfigurePrimary(vcpu)
			}
			return desc.ResetSecondary(vcpu)
		})
		if err != nil {
			return fmt.Errorf("configure vCPU %d: %w", id, err)
		}
	}

	slog.Info("machine boot staged",
		"machine", m.opts.Version.String(),
		"revision", fmt.Sprintf("%#x", desc.RevisionWord),
		"entry", fmt.Sprintf("%#x", desc.PrimaryEntryGPA()),
		"secureBoot", desc.SecureBoot,
		"firmwareBoot", desc.BypassNormalBoot)
	return nil
}

// prepareBoot runs the boot sequencing: board lookup, RAM validation,
// revision encoding, stub selection, and the kernel or firmware staging. The
// returned descriptor is complete and never mutated afterwards.
func (m *Machine) prepareBoot() (*boot.Descriptor, error) {
	bd := board.Lookup(m.opts.Version)

	if err := bd.ValidateRAMSize(m.opts.RAMSize); err != nil {
		return nil, err
	}

	soc, err := m.opts.NewSoC(bd.Revision.Chip, m.opts.NumCPUs)
	if err != nil {
		return nil, fmt.Errorf("create SoC complex: %w", err)
	}
	vcram := soc.VCRAMSize()
	if vcram >= m.opts.RAMSize {
		return nil, fmt.Errorf("VideoCore carve-out (%#x) leaves no boot RAM", vcram)
	}

	desc := &boot.Descriptor{
		Board:        bd,
		RevisionWord: bd.EncodeRevision(m.opts.RAMSize),
		RAMSize:      m.opts.RAMSize - vcram,
		NumCPUs:      m.opts.NumCPUs,
		Cmdline:      m.opts.Cmdline,
	}

	if bd.NeedsSecureSetup {
		desc.Placements = append(desc.Placements, boot.SecureBoardSetup()...)
		desc.SecureBoot = true
		desc.BoardSetupGPA = boot.BoardSetupGPA
	}

	var stubs []boot.Placement
	switch bd.InstructionWidth {
	case board.Width32:
		stubs, desc.SecondaryEntryGPA = boot.SecondaryBoot32()
	case board.Width64:
		stubs, desc.SecondaryEntryGPA = boot.SecondaryBoot64()
	}
	desc.Placements = append(desc.Placements, stubs...)

	if m.opts.Firmware != "" {
		firmware, err := os.ReadFile(m.opts.Firmware)
		if err != nil {
			return nil, fmt.Errorf("failed to load firmware from %s: %w", m.opts.Firmware, err)
		}
		if err := desc.PrepareFirmware(firmware); err != nil {
			return nil, fmt.Errorf("failed to load firmware from %s: %w", m.opts.Firmware, err)
		}
		return desc, nil
	}

	if m.opts.Kernel == "" {
		return nil, errors.New("machine requires a kernel or firmware image")
	}
	kernel, err := os.Open(m.opts.Kernel)
	if err != nil {
		return nil, fmt.Errorf("open kernel %s: %w", m.opts.Kernel, err)
	}
	defer kernel.Close()
	info, err := kernel.Stat()
	if err != nil {
		return nil, fmt.Errorf("stat kernel %s: %w", m.opts.Kernel, err)
	}

	var initrd []byte
	if m.opts.Initrd != "" {
		initrd, err = os.ReadFile(m.opts.Initrd)
		if err != nil {
			return nil, fmt.Errorf("read initrd %s: %w", m.opts.Initrd, err)
		}
	}

	if err := desc.PrepareKernel(boot.KernelOptions{
		Kernel:     kernel,
		KernelSize: info.Size(),
		Initrd:     initrd,
	}); err != nil {
		return nil, fmt.Errorf("prepare kernel boot: %w", err)
	}
	return desc, nil
}

var (
	_ hv.VMConfig    = &Machine{}
	_ hv.VMLoader    = &Machine{}
	_ hv.VMCallbacks = &Machine{}
)
