package boot

import (
	"errors"
	"fmt"
	"io"

	"github.com/tinyrange/rpivm/internal/board"
	"github.com/tinyrange/rpivm/internal/hv"
)

const (
	initrdAlignment = 0x1000
	dtbAlignment    = 0x8

	// loaderGPA holds the 32-bit primary bootloader shim that sets up the
	// kernel's register contract before jumping in.
	loaderGPA = 0x0

	// Offset of the shim's non-secure entry point, past the board setup call.
	loaderNonSecureOffset = 0xc
)

// KernelOptions names the images fed into the normal kernel boot path.
type KernelOptions struct {
	Kernel     io.ReaderAt
	KernelSize int64
	Initrd     []byte
}

// PrepareKernel stages the kernel, initrd, and synthesized device tree as
// placements and records the primary entry state. The secondary boot stubs
// must already be in place on the descriptor.
func (d *Descriptor) PrepareKernel(opts KernelOptions) error {
	if opts.Kernel == nil {
		return errors.New("kernel boot requires a kernel image")
	}
	if d.BypassNormalBoot {
		return errors.New("kernel boot requested on a firmware-bypass descriptor")
	}

	switch d.Board.InstructionWidth {
	case board.Width32:
		return d.prepareKernel32(opts)
	case board.Width64:
		return d.prepareKernel64(opts)
	default:
		panic(fmt.Sprintf("unsupported instruction width %d", d.Board.InstructionWidth))
	}
}

func (d *Descriptor) prepareKernel64(opts KernelOptions) error {
	img, err := LoadImage(opts.Kernel, opts.KernelSize)
	if err != nil {
		return fmt.Errorf("load kernel: %w", err)
	}

	loadAddr := uint64(0) + img.Header.TextOffset
	entry, err := img.Entry(0)
	if err != nil {
		return fmt.Errorf("kernel entry: %w", err)
	}
	kernelEnd := loadAddr + uint64(len(img.Payload))
	if kernelEnd > d.RAMSize {
		return fmt.Errorf("kernel [%#x, %#x) outside boot RAM of %#x bytes", loadAddr, kernelEnd, d.RAMSize)
	}
	d.Place("kernel", loadAddr, img.Payload)
	d.KernelEntryGPA = entry
	d.primaryEntry = entry

	next := kernelEnd
	if len(opts.Initrd) > 0 {
		d.InitrdStart = alignUp(next, initrdAlignment)
		d.InitrdEnd = d.InitrdStart + uint64(len(opts.Initrd))
		if d.InitrdEnd > d.RAMSize {
			return fmt.Errorf("initrd [%#x, %#x) outside boot RAM of %#x bytes", d.InitrdStart, d.InitrdEnd, d.RAMSize)
		}
		d.Place("initrd", d.InitrdStart, opts.Initrd)
		next = d.InitrdEnd
	}

	return d.placeDeviceTree(next)
}

func (d *Descriptor) prepareKernel32(opts KernelOptions) error {
	kernel := make([]byte, int(opts.KernelSize))
	if _, err := opts.Kernel.ReadAt(kernel, 0); err != nil {
		return fmt.Errorf("read kernel: %w", err)
	}

	loadAddr := uint64(FirmwareGPA32)
	kernelEnd := loadAddr + uint64(len(kernel))
	if kernelEnd > d.RAMSize {
		return fmt.Errorf("kernel [%#x, %#x) outside boot RAM of %#x bytes", loadAddr, kernelEnd, d.RAMSize)
	}
	d.Place("kernel", loadAddr, kernel)
	d.KernelEntryGPA = loadAddr

	next := kernelEnd
	if len(opts.Initrd) > 0 {
		d.InitrdStart = alignUp(next, initrdAlignment)
		d.InitrdEnd = d.InitrdStart + uint64(len(opts.Initrd))
		if d.InitrdEnd > d.RAMSize {
			return fmt.Errorf("initrd [%#x, %#x) outside boot RAM of %#x bytes", d.InitrdStart, d.InitrdEnd, d.RAMSize)
		}
		d.Place("initrd", d.InitrdStart, opts.Initrd)
		next = d.InitrdEnd
	}

	if err := d.placeDeviceTree(next); err != nil {
		return err
	}

	d.Place("bootloader", loaderGPA, wordsToBytes(d.loaderShim()))
	if d.SecureBoot {
		d.primaryEntry = loaderGPA
	} else {
		d.primaryEntry = loaderGPA + loaderNonSecureOffset
	}
	return nil
}

// loaderShim is the primary-core bootloader: an optional call into the secure
// board setup code, then the Linux register contract (r0 = 0, r1 = board ID,
// r2 = device tree) and a jump to the kernel. Literal pool layout is fixed by
// the pc-relative loads.
func (d *Descriptor) loaderShim() []uint32 {
	return []uint32{
		0xe28fe004, // add     lr, pc, #4
		0xe51ff004, // ldr     pc, [pc, #-4]
		uint32(d.BoardSetupGPA),
		0xe3a00000, // mov     r0, #0
		0xe59f1004, // ldr     r1, [pc, #4]
		0xe59f2004, // ldr     r2, [pc, #4]
		0xe59ff004, // ldr     pc, [pc, #4]
		d.Board.BoardID,
		uint32(d.DeviceTreeGPA),
		uint32(d.KernelEntryGPA),
	}
}

func (d *Descriptor) placeDeviceTree(after uint64) error {
	d.DeviceTreeGPA = alignUp(after, dtbAlignment)
	dtb, err := d.buildDeviceTree()
	if err != nil {
		return fmt.Errorf("build device tree: %w", err)
	}
	dtbEnd := d.DeviceTreeGPA + uint64(len(dtb))
	if dtbEnd > d.RAMSize {
		return fmt.Errorf("device tree [%#x, %#x) outside boot RAM of %#x bytes", d.DeviceTreeGPA, dtbEnd, d.RAMSize)
	}
	d.Place("dtb", d.DeviceTreeGPA, dtb)
	return nil
}

// PrepareFirmware stages a raw firmware image at the board's fixed firmware
// address, bypassing the normal board-ID based kernel boot.
func (d *Descriptor) PrepareFirmware(firmware []byte) error {
	gpa := uint64(FirmwareGPA32)
	if d.Board.InstructionWidth == board.Width64 {
		gpa = FirmwareGPA64
	}
	if gpa >= d.RAMSize || uint64(len(firmware)) > d.RAMSize-gpa {
		return fmt.Errorf("firmware image (%d bytes) does not fit in RAM above %#x", len(firmware), gpa)
	}
	d.Place("firmware", gpa, firmware)
	d.KernelEntryGPA = gpa
	d.primaryEntry = gpa
	d.BypassNormalBoot = true
	return nil
}

const (
	// AArch64: EL1h with DAIF masked.
	pstateModeEL1h    = 0x5
	defaultPstateBits = pstateModeEL1h | 0x200 | 0x100 | 0x80 | 0x40

	// AArch32: SVC mode with asynchronous aborts, IRQ, and FIQ masked.
	defaultCpsrBits = 0x1d3
)

// ConfigurePrimary programs the first core for entry into the staged boot
// path.
func (d *Descriptor) ConfigurePrimary(vcpu hv.VirtualCPU) error {
	if vcpu == nil {
		return errors.New("configure primary requires a vCPU")
	}

	var regs map[hv.Register]hv.RegisterValue
	switch d.Board.InstructionWidth {
	case board.Width64:
		dtb := uint64(0)
		if !d.BypassNormalBoot {
			dtb = d.DeviceTreeGPA
		}
		regs = map[hv.Register]hv.RegisterValue{
			hv.RegisterARM64Pc:     hv.Register64(d.primaryEntry),
			hv.RegisterARM64X0:     hv.Register64(dtb),
			hv.RegisterARM64X1:     hv.Register64(0),
			hv.RegisterARM64X2:     hv.Register64(0),
			hv.RegisterARM64X3:     hv.Register64(0),
			hv.RegisterARM64Pstate: hv.Register64(defaultPstateBits),
		}
	case board.Width32:
		regs = map[hv.Register]hv.RegisterValue{
			hv.RegisterARMPc:   hv.Register64(d.primaryEntry),
			hv.RegisterARMR0:   hv.Register64(0),
			hv.RegisterARMR1:   hv.Register64(0),
			hv.RegisterARMR2:   hv.Register64(0),
			hv.RegisterARMCpsr: hv.Register64(defaultCpsrBits),
		}
	default:
		panic(fmt.Sprintf("unsupported instruction width %d", d.Board.InstructionWidth))
	}

	if err := vcpu.SetRegisters(regs); err != nil {
		return fmt.Errorf("set primary registers: %w", err)
	}
	return nil
}

// ResetSecondary points a secondary core at the wake stub. It runs whenever a
// secondary core is (re)started, strictly before any guest code executes.
func (d *Descriptor) ResetSecondary(vcpu hv.VirtualCPU) error {
	if d.SecondaryEntryGPA == 0 {
		return errors.New("machine has no secondary boot stub")
	}
	pc := hv.RegisterARM64Pc
	if d.Board.InstructionWidth == board.Width32 {
		pc = hv.RegisterARMPc
	}
	if err := vcpu.SetRegisters(map[hv.Register]hv.RegisterValue{
		pc: hv.Register64(d.SecondaryEntryGPA),
	}); err != nil {
		return fmt.Errorf("set secondary program counter: %w", err)
	}
	return nil
}

func alignUp(value, align uint64) uint64 {
	if align == 0 {
		return value
	}
	mask := align - 1
	return (value + mask) &^ mask
}
