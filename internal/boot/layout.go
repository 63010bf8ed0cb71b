// Package boot synthesizes the in-RAM artifacts that real Raspberry Pi
// firmware would have left behind for a directly-booted kernel: the
// secondary-core wake stubs, the 64-bit spin table, the secure board-setup
// code, and the packed revision word. It also carries those artifacts into
// guest memory and programs the vCPUs for kernel entry.
package boot

import (
	"fmt"
	"sort"

	"github.com/tinyrange/rpivm/internal/board"
	"github.com/tinyrange/rpivm/internal/hv"
)

// Fixed guest-physical layout. Guest software depends on these bit-for-bit;
// they cannot move.
const (
	// SMPBootGPA holds the secondary-core wake stub. Placing it at 0x300
	// leaves enough space below for ATAGS.
	SMPBootGPA = 0x300

	// MVBarGPA holds the secure monitor vector table.
	MVBarGPA = 0x400

	// BoardSetupGPA holds the secure board setup code.
	BoardSetupGPA = MVBarGPA + 0x20

	// FirmwareGPA32 and FirmwareGPA64 are where the boards load a raw
	// firmware image (kernel.img) by default.
	FirmwareGPA32 = 0x8000
	FirmwareGPA64 = 0x80000

	// SpinTableGPA is the base of the 64-bit bootloader spin table.
	SpinTableGPA = 0xd8

	spinTableEntries   = 4
	spinTableEntrySize = 8
)

// Placement is a byte blob pinned to a guest physical address.
type Placement struct {
	Name string
	GPA  uint64
	Data []byte
}

// End returns the first guest physical address past the placement.
func (p Placement) End() uint64 {
	return p.GPA + uint64(len(p.Data))
}

// Descriptor is the fully assembled boot state for one machine start. It is
// built once by the orchestrator, applied to guest memory, and never mutated
// afterwards.
type Descriptor struct {
	Board        board.Descriptor
	RevisionWord uint32

	// RAMSize is the boot-visible RAM size (total RAM minus the VideoCore
	// carve-out).
	RAMSize uint64
	NumCPUs int
	Cmdline string

	Placements []Placement

	// SecondaryEntryGPA is where a secondary core's program counter is
	// pointed when it is (re)started. Zero when the machine has no
	// secondary boot stub.
	SecondaryEntryGPA uint64

	SecureBoot    bool
	BoardSetupGPA uint64

	KernelEntryGPA uint64
	DeviceTreeGPA  uint64
	InitrdStart    uint64
	InitrdEnd      uint64

	// BypassNormalBoot is set when a raw firmware image replaces the
	// board-ID based kernel boot.
	BypassNormalBoot bool

	// primaryEntry is where the first core's program counter is pointed.
	// For 32-bit kernel boots this is the bootloader shim, not the kernel.
	primaryEntry uint64
}

// PrimaryEntryGPA returns the address the first core starts executing at.
func (d *Descriptor) PrimaryEntryGPA() uint64 { return d.primaryEntry }

// PlacementCeiling returns the first guest physical address past every
// placement.
func (d *Descriptor) PlacementCeiling() uint64 {
	var ceiling uint64
	for _, p := range d.Placements {
		if p.End() > ceiling {
			ceiling = p.End()
		}
	}
	return ceiling
}

// Place appends a placement.
func (d *Descriptor) Place(name string, gpa uint64, data []byte) {
	d.Placements = append(d.Placements, Placement{Name: name, GPA: gpa, Data: data})
}

// Apply writes every placement into guest memory. Placements must be disjoint
// and inside guest RAM; overlap indicates a defect in the boot synthesis
// itself, not bad input.
func (d *Descriptor) Apply(vm hv.VirtualMachine) error {
	if err := checkDisjoint(d.Placements); err != nil {
		return err
	}

	memStart := vm.MemoryBase()
	memEnd := memStart + vm.MemorySize()
	for _, p := range d.Placements {
		if len(p.Data) == 0 {
			continue
		}
		if p.GPA < memStart || p.End() > memEnd {
			return fmt.Errorf("placement %q [%#x, %#x) outside RAM [%#x, %#x)", p.Name, p.GPA, p.End(), memStart, memEnd)
		}
		if _, err := vm.WriteAt(p.Data, int64(p.GPA)); err != nil {
			return fmt.Errorf("write placement %q at %#x: %w", p.Name, p.GPA, err)
		}
	}
	return nil
}

func checkDisjoint(placements []Placement) error {
	sorted := append([]Placement(nil), placements...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].GPA < sorted[j].GPA })
	for i := 1; i < len(sorted); i++ {
		prev, cur := sorted[i-1], sorted[i]
		if cur.GPA < prev.End() {
			return fmt.Errorf("placement %q [%#x, %#x) overlaps %q [%#x, %#x)",
				cur.Name, cur.GPA, cur.End(), prev.Name, prev.GPA, prev.End())
		}
	}
	return nil
}
