package boot

import (
	"bytes"
	"context"
	"encoding/binary"
	"testing"

	"github.com/tinyrange/rpivm/internal/board"
	"github.com/tinyrange/rpivm/internal/hv"
)

// memVM is a plain in-memory guest for placement tests.
type memVM struct {
	mem []byte
}

func newMemVM(size uint64) *memVM { return &memVM{mem: make([]byte, size)} }

func (vm *memVM) Hypervisor() hv.Hypervisor { return nil }
func (vm *memVM) MemoryBase() uint64        { return 0 }
func (vm *memVM) MemorySize() uint64        { return uint64(len(vm.mem)) }
func (vm *memVM) CPUCount() int             { return 4 }
func (vm *memVM) Close() error              { return nil }

func (vm *memVM) ReadAt(p []byte, off int64) (int, error) {
	return copy(p, vm.mem[off:]), nil
}

func (vm *memVM) WriteAt(p []byte, off int64) (int, error) {
	return copy(vm.mem[off:], p), nil
}

func (vm *memVM) VirtualCPUCall(id int, f func(vcpu hv.VirtualCPU) error) error {
	return f(&memCPU{vm: vm, id: id, regs: make(map[hv.Register]hv.RegisterValue)})
}

type memCPU struct {
	vm   *memVM
	id   int
	regs map[hv.Register]hv.RegisterValue
}

func (c *memCPU) VirtualMachine() hv.VirtualMachine { return c.vm }
func (c *memCPU) ID() int                           { return c.id }
func (c *memCPU) Run(ctx context.Context) error     { return hv.ErrHypervisorUnsupported }

func (c *memCPU) SetRegisters(regs map[hv.Register]hv.RegisterValue) error {
	for reg, value := range regs {
		c.regs[reg] = value
	}
	return nil
}

func (c *memCPU) GetRegisters(regs map[hv.Register]hv.RegisterValue) error {
	for reg := range regs {
		regs[reg] = c.regs[reg]
	}
	return nil
}

func newDescriptor64(t *testing.T) *Descriptor {
	t.Helper()
	bd := board.Lookup(board.Raspi3B)
	d := &Descriptor{
		Board:        bd,
		RevisionWord: bd.EncodeRevision(1 * board.GiB),
		RAMSize:      1*board.GiB - 64*board.MiB,
		NumCPUs:      4,
		Cmdline:      "console=ttyAMA0",
	}
	stubs, entry := SecondaryBoot64()
	d.Placements = stubs
	d.SecondaryEntryGPA = entry
	return d
}

func newDescriptor32(t *testing.T) *Descriptor {
	t.Helper()
	bd := board.Lookup(board.Raspi2B)
	d := &Descriptor{
		Board:        bd,
		RevisionWord: bd.EncodeRevision(1 * board.GiB),
		RAMSize:      1*board.GiB - 64*board.MiB,
		NumCPUs:      4,
		SecureBoot:   true,
	}
	d.Placements = append(d.Placements, SecureBoardSetup()...)
	d.BoardSetupGPA = BoardSetupGPA
	stubs, entry := SecondaryBoot32()
	d.Placements = append(d.Placements, stubs...)
	d.SecondaryEntryGPA = entry
	return d
}

func TestPrepareKernel64(t *testing.T) {
	const textOffset = 0x80000
	kernel := buildTestImage(t, textOffset)
	initrd := bytes.Repeat([]byte{0x11}, 64)

	d := newDescriptor64(t)
	err := d.PrepareKernel(KernelOptions{
		Kernel:     bytes.NewReader(kernel),
		KernelSize: int64(len(kernel)),
		Initrd:     initrd,
	})
	if err != nil {
		t.Fatalf("PrepareKernel returned error: %v", err)
	}

	if d.KernelEntryGPA != textOffset {
		t.Fatalf("kernel entry = %#x, want %#x", d.KernelEntryGPA, uint64(textOffset))
	}
	if d.PrimaryEntryGPA() != textOffset {
		t.Fatalf("primary entry = %#x, want %#x", d.PrimaryEntryGPA(), uint64(textOffset))
	}
	if d.InitrdStart%0x1000 != 0 {
		t.Fatalf("initrd start %#x is not page aligned", d.InitrdStart)
	}
	if d.InitrdEnd-d.InitrdStart != uint64(len(initrd)) {
		t.Fatalf("initrd range [%#x, %#x) does not match %d bytes", d.InitrdStart, d.InitrdEnd, len(initrd))
	}
	if d.DeviceTreeGPA < d.InitrdEnd {
		t.Fatalf("device tree at %#x overlaps initrd ending at %#x", d.DeviceTreeGPA, d.InitrdEnd)
	}

	vm := newMemVM(alignUp(d.PlacementCeiling(), board.MiB))
	if err := d.Apply(vm); err != nil {
		t.Fatalf("Apply returned error: %v", err)
	}

	got := make([]byte, len(kernel))
	if _, err := vm.ReadAt(got, textOffset); err != nil {
		t.Fatalf("read kernel back: %v", err)
	}
	if !bytes.Equal(got, kernel) {
		t.Fatalf("kernel bytes in RAM do not match image")
	}

	table := make([]byte, 32)
	if _, err := vm.ReadAt(table, SpinTableGPA); err != nil {
		t.Fatalf("read spin table: %v", err)
	}
	if !bytes.Equal(table, make([]byte, 32)) {
		t.Fatalf("spin table not zeroed in RAM: % x", table)
	}

	dtbMagic := make([]byte, 4)
	if _, err := vm.ReadAt(dtbMagic, int64(d.DeviceTreeGPA)); err != nil {
		t.Fatalf("read dtb magic: %v", err)
	}
	if got := binary.BigEndian.Uint32(dtbMagic); got != fdtMagic {
		t.Fatalf("dtb magic = %#x, want %#x", got, fdtMagic)
	}
}

func TestPrepareKernel32BootloaderShim(t *testing.T) {
	kernel := bytes.Repeat([]byte{0xe5}, 0x1000)

	d := newDescriptor32(t)
	err := d.PrepareKernel(KernelOptions{
		Kernel:     bytes.NewReader(kernel),
		KernelSize: int64(len(kernel)),
	})
	if err != nil {
		t.Fatalf("PrepareKernel returned error: %v", err)
	}

	if d.KernelEntryGPA != FirmwareGPA32 {
		t.Fatalf("kernel entry = %#x, want %#x", d.KernelEntryGPA, uint64(FirmwareGPA32))
	}
	// Secure boards enter through the board setup call at the top of the shim.
	if d.PrimaryEntryGPA() != loaderGPA {
		t.Fatalf("primary entry = %#x, want %#x", d.PrimaryEntryGPA(), uint64(loaderGPA))
	}

	var shim *Placement
	for i := range d.Placements {
		if d.Placements[i].Name == "bootloader" {
			shim = &d.Placements[i]
		}
	}
	if shim == nil {
		t.Fatalf("no bootloader placement")
	}
	words := make([]uint32, len(shim.Data)/4)
	for i := range words {
		words[i] = binary.LittleEndian.Uint32(shim.Data[i*4:])
	}
	if words[2] != uint32(BoardSetupGPA) {
		t.Fatalf("board setup literal = %#x, want %#x", words[2], uint64(BoardSetupGPA))
	}
	if words[7] != 0xc43 {
		t.Fatalf("board ID literal = %#x, want 0xc43", words[7])
	}
	if words[8] != uint32(d.DeviceTreeGPA) {
		t.Fatalf("device tree literal = %#x, want %#x", words[8], d.DeviceTreeGPA)
	}
	if words[9] != uint32(d.KernelEntryGPA) {
		t.Fatalf("entry literal = %#x, want %#x", words[9], d.KernelEntryGPA)
	}

	if err := checkDisjoint(d.Placements); err != nil {
		t.Fatalf("placements overlap: %v", err)
	}
}

func TestPrepareFirmwareBypassesKernelBoot(t *testing.T) {
	firmware := bytes.Repeat([]byte{0xfe}, 0x2000)

	d64 := newDescriptor64(t)
	if err := d64.PrepareFirmware(firmware); err != nil {
		t.Fatalf("PrepareFirmware returned error: %v", err)
	}
	if !d64.BypassNormalBoot {
		t.Fatalf("BypassNormalBoot = false after firmware load")
	}
	if d64.KernelEntryGPA != FirmwareGPA64 {
		t.Fatalf("entry = %#x, want %#x", d64.KernelEntryGPA, uint64(FirmwareGPA64))
	}

	d32 := newDescriptor32(t)
	if err := d32.PrepareFirmware(firmware); err != nil {
		t.Fatalf("PrepareFirmware returned error: %v", err)
	}
	if d32.KernelEntryGPA != FirmwareGPA32 {
		t.Fatalf("entry = %#x, want %#x", d32.KernelEntryGPA, uint64(FirmwareGPA32))
	}
}

func TestPrepareFirmwareRejectsOversizedImage(t *testing.T) {
	d := newDescriptor64(t)
	d.RAMSize = FirmwareGPA64 + 0x1000
	firmware := make([]byte, 0x2000)
	if err := d.PrepareFirmware(firmware); err == nil {
		t.Fatalf("PrepareFirmware accepted an image larger than remaining RAM")
	}
}

func TestConfigurePrimary64(t *testing.T) {
	kernel := buildTestImage(t, 0x80000)
	d := newDescriptor64(t)
	if err := d.PrepareKernel(KernelOptions{Kernel: bytes.NewReader(kernel), KernelSize: int64(len(kernel))}); err != nil {
		t.Fatalf("PrepareKernel returned error: %v", err)
	}

	vm := newMemVM(board.MiB)
	err := vm.VirtualCPUCall(0, func(vcpu hv.VirtualCPU) error {
		if err := d.ConfigurePrimary(vcpu); err != nil {
			return err
		}
		regs := map[hv.Register]hv.RegisterValue{
			hv.RegisterARM64Pc: hv.Register64(0),
			hv.RegisterARM64X0: hv.Register64(0),
		}
		if err := vcpu.GetRegisters(regs); err != nil {
			return err
		}
		if got := regs[hv.RegisterARM64Pc]; got != hv.Register64(0x80000) {
			t.Errorf("PC = %#x, want 0x80000", got)
		}
		if got := regs[hv.RegisterARM64X0]; got != hv.Register64(d.DeviceTreeGPA) {
			t.Errorf("X0 = %#x, want %#x (device tree)", got, d.DeviceTreeGPA)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("configure primary: %v", err)
	}
}

func TestResetSecondaryPointsAtWakeStub(t *testing.T) {
	d := newDescriptor64(t)
	vm := newMemVM(board.MiB)
	err := vm.VirtualCPUCall(1, func(vcpu hv.VirtualCPU) error {
		if err := d.ResetSecondary(vcpu); err != nil {
			return err
		}
		regs := map[hv.Register]hv.RegisterValue{hv.RegisterARM64Pc: hv.Register64(0)}
		if err := vcpu.GetRegisters(regs); err != nil {
			return err
		}
		if got := regs[hv.RegisterARM64Pc]; got != hv.Register64(SMPBootGPA) {
			t.Errorf("secondary PC = %#x, want %#x", got, uint64(SMPBootGPA))
		}
		return nil
	})
	if err != nil {
		t.Fatalf("reset secondary: %v", err)
	}
}

func TestApplyRejectsOverlappingPlacements(t *testing.T) {
	d := &Descriptor{
		Placements: []Placement{
			{Name: "a", GPA: 0x100, Data: make([]byte, 0x20)},
			{Name: "b", GPA: 0x110, Data: make([]byte, 0x20)},
		},
	}
	if err := d.Apply(newMemVM(board.MiB)); err == nil {
		t.Fatalf("Apply accepted overlapping placements")
	}
}

func TestApplyRejectsPlacementOutsideRAM(t *testing.T) {
	d := &Descriptor{
		Placements: []Placement{
			{Name: "a", GPA: board.MiB - 4, Data: make([]byte, 8)},
		},
	}
	if err := d.Apply(newMemVM(board.MiB)); err == nil {
		t.Fatalf("Apply accepted a placement past the end of RAM")
	}
}
