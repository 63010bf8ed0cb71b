package machine

import (
	"bytes"
	"encoding/binary"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/tinyrange/rpivm/internal/board"
	"github.com/tinyrange/rpivm/internal/boot"
	"github.com/tinyrange/rpivm/internal/hv"
	"github.com/tinyrange/rpivm/internal/hv/ram"
)

func writeTestKernel64(t *testing.T) string {
	t.Helper()

	header := make([]byte, 64)
	binary.LittleEndian.PutUint32(header[0:4], 0xe59f0000)
	binary.LittleEndian.PutUint64(header[8:16], 0x80000) // text_offset
	binary.LittleEndian.PutUint64(header[16:24], 0x200000)
	binary.LittleEndian.PutUint32(header[56:60], 0x644d5241) // "ARM\x64"

	path := filepath.Join(t.TempDir(), "Image")
	if err := os.WriteFile(path, header, 0o644); err != nil {
		t.Fatalf("write kernel: %v", err)
	}
	return path
}

func startMachine(t *testing.T, opts Options) (*Machine, hv.VirtualMachine) {
	t.Helper()

	m, err := New(opts)
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}
	hypervisor := ram.New(m.Architecture())
	vm, err := hypervisor.NewVirtualMachine(m)
	if err != nil {
		t.Fatalf("NewVirtualMachine returned error: %v", err)
	}
	t.Cleanup(func() { vm.Close() })
	return m, vm
}

func TestRaspi3KernelBoot(t *testing.T) {
	m, vm := startMachine(t, Options{
		Version: board.Raspi3B,
		RAMSize: 1 * board.GiB,
		NumCPUs: 4,
		Kernel:  writeTestKernel64(t),
		Cmdline: "console=ttyAMA0",
	})

	desc := m.BootDescriptor()
	if desc == nil {
		t.Fatalf("no boot descriptor after load")
	}
	if desc.RevisionWord != 0x00a02082 {
		t.Fatalf("revision word = %#08x, want 0x00a02082", desc.RevisionWord)
	}
	if desc.SecureBoot {
		t.Fatalf("raspi3 must not use secure boot")
	}
	if desc.SecondaryEntryGPA != boot.SMPBootGPA {
		t.Fatalf("secondary entry = %#x, want %#x", desc.SecondaryEntryGPA, uint64(boot.SMPBootGPA))
	}
	if desc.BypassNormalBoot {
		t.Fatalf("kernel boot flagged as firmware bypass")
	}

	// The wake stub must be in guest RAM before any core could run.
	stub := make([]byte, 4)
	if _, err := vm.ReadAt(stub, boot.SMPBootGPA); err != nil {
		t.Fatalf("read stub: %v", err)
	}
	if got := binary.LittleEndian.Uint32(stub); got != 0xd2801b05 {
		t.Fatalf("stub word = %#08x, want 0xd2801b05", got)
	}
}

func TestRaspi2UsesSecureSetup(t *testing.T) {
	kernel := filepath.Join(t.TempDir(), "kernel.img")
	if err := os.WriteFile(kernel, bytes.Repeat([]byte{0xe5}, 0x100), 0o644); err != nil {
		t.Fatalf("write kernel: %v", err)
	}

	m, vm := startMachine(t, Options{
		Version: board.Raspi2B,
		RAMSize: 1 * board.GiB,
		NumCPUs: 4,
		Kernel:  kernel,
	})

	desc := m.BootDescriptor()
	if !desc.SecureBoot {
		t.Fatalf("raspi2 must use secure boot")
	}
	if desc.BoardSetupGPA != boot.BoardSetupGPA {
		t.Fatalf("board setup GPA = %#x, want %#x", desc.BoardSetupGPA, uint64(boot.BoardSetupGPA))
	}

	vectors := make([]byte, 4)
	if _, err := vm.ReadAt(vectors, boot.MVBarGPA); err != nil {
		t.Fatalf("read vectors: %v", err)
	}
	if got := binary.LittleEndian.Uint32(vectors); got != 0xeafffffe {
		t.Fatalf("vector word = %#08x, want 0xeafffffe", got)
	}
}

func TestRAMTooSmallFailsMachineStart(t *testing.T) {
	m, err := New(Options{
		Version: board.Raspi4B,
		RAMSize: 512 * board.MiB,
		NumCPUs: 4,
		Kernel:  writeTestKernel64(t),
	})
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}
	hypervisor := ram.New(m.Architecture())
	_, err = hypervisor.NewVirtualMachine(m)
	if !errors.Is(err, board.ErrRAMTooSmall) {
		t.Fatalf("error = %v, want %v", err, board.ErrRAMTooSmall)
	}
	if !strings.Contains(err.Error(), "1.0 GiB") {
		t.Fatalf("error %q does not name the violated bound", err)
	}
}

func TestFirmwareBypassesNormalBoot(t *testing.T) {
	firmware := bytes.Repeat([]byte{0xfe, 0xed}, 0x800)
	path := filepath.Join(t.TempDir(), "RPI_EFI.fd")
	if err := os.WriteFile(path, firmware, 0o644); err != nil {
		t.Fatalf("write firmware: %v", err)
	}

	m, vm := startMachine(t, Options{
		Version:  board.Raspi3B,
		RAMSize:  1 * board.GiB,
		NumCPUs:  4,
		Firmware: path,
	})

	desc := m.BootDescriptor()
	if !desc.BypassNormalBoot {
		t.Fatalf("BypassNormalBoot = false with firmware image")
	}
	if desc.KernelEntryGPA != boot.FirmwareGPA64 {
		t.Fatalf("entry = %#x, want %#x", desc.KernelEntryGPA, uint64(boot.FirmwareGPA64))
	}
	// The revision word is still computed in this mode.
	if desc.RevisionWord != 0x00a02082 {
		t.Fatalf("revision word = %#08x, want 0x00a02082", desc.RevisionWord)
	}

	got := make([]byte, len(firmware))
	if _, err := vm.ReadAt(got, boot.FirmwareGPA64); err != nil {
		t.Fatalf("read firmware back: %v", err)
	}
	if !bytes.Equal(got, firmware) {
		t.Fatalf("firmware bytes in RAM do not match image")
	}
}

func TestMissingFirmwareReportsPath(t *testing.T) {
	m, err := New(Options{
		Version:  board.Raspi3B,
		RAMSize:  1 * board.GiB,
		NumCPUs:  4,
		Firmware: "/nonexistent/firmware.bin",
	})
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}
	hypervisor := ram.New(m.Architecture())
	_, err = hypervisor.NewVirtualMachine(m)
	if err == nil {
		t.Fatalf("machine start succeeded with a missing firmware image")
	}
	if !strings.Contains(err.Error(), "/nonexistent/firmware.bin") {
		t.Fatalf("error %q does not name the firmware path", err)
	}
}

func TestSecondaryCoresStartAtWakeStub(t *testing.T) {
	_, vm := startMachine(t, Options{
		Version: board.Raspi3B,
		RAMSize: 1 * board.GiB,
		NumCPUs: 4,
		Kernel:  writeTestKernel64(t),
	})

	for id := 1; id < 4; id++ {
		err := vm.VirtualCPUCall(id, func(vcpu hv.VirtualCPU) error {
			regs := map[hv.Register]hv.RegisterValue{hv.RegisterARM64Pc: hv.Register64(0)}
			if err := vcpu.GetRegisters(regs); err != nil {
				return err
			}
			if got := regs[hv.RegisterARM64Pc]; got != hv.Register64(boot.SMPBootGPA) {
				t.Errorf("vCPU %d PC = %#x, want %#x", id, got, uint64(boot.SMPBootGPA))
			}
			return nil
		})
		if err != nil {
			t.Fatalf("vCPU %d: %v", id, err)
		}
	}
}

func TestMachineRequiresKernelOrFirmware(t *testing.T) {
	m, err := New(Options{
		Version: board.Raspi3B,
		RAMSize: 1 * board.GiB,
		NumCPUs: 4,
	})
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}
	hypervisor := ram.New(m.Architecture())
	if _, err := hypervisor.NewVirtualMachine(m); err == nil {
		t.Fatalf("machine start succeeded without a kernel or firmware image")
	}
}

func TestArchitectureFollowsInstructionWidth(t *testing.T) {
	m2, err := New(Options{Version: board.Raspi2B, RAMSize: 1 * board.GiB})
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}
	if got := m2.Architecture(); got != hv.ArchitectureARM {
		t.Fatalf("raspi2 architecture = %v, want %v", got, hv.ArchitectureARM)
	}
	m3, err := New(Options{Version: board.Raspi3B, RAMSize: 1 * board.GiB})
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}
	if got := m3.Architecture(); got != hv.ArchitectureARM64 {
		t.Fatalf("raspi3 architecture = %v, want %v", got, hv.ArchitectureARM64)
	}
}
