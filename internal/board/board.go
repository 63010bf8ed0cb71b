// Package board holds the static metadata for the supported Raspberry Pi
// board generations: the Linux board ID, the packed revision fields, and the
// per-board RAM limits that every requested memory configuration is checked
// against.
package board

import (
	"errors"
	"fmt"

	"github.com/dustin/go-humanize"
)

const (
	MiB = 1 << 20
	GiB = 1 << 30
)

// Manufacturer is the manufacturer field of a board revision code.
type Manufacturer uint32

const (
	SonyUK Manufacturer = 0
	Embest Manufacturer = 2
)

// Chip is the SoC field of a board revision code.
type Chip uint32

const (
	BCM2835 Chip = 0
	BCM2836 Chip = 1
	BCM2837 Chip = 2
	BCM2711 Chip = 3
)

// Type is the board-type field of a board revision code.
type Type uint32

const (
	Type2B Type = 0x04
	Type3B Type = 0x08
	Type4B Type = 0x11
)

// Rev is the minor-revision field of a board revision code.
type Rev uint32

const (
	Rev1_0 Rev = 0
	Rev1_1 Rev = 1
	Rev1_2 Rev = 2
	Rev1_3 Rev = 3
)

// Width selects which bootstrap flavor a board uses.
type Width int

const (
	Width32 Width = 32
	Width64 Width = 64
)

// Revision carries the four fields packed into the revision word read by
// guest kernels. See
// www.raspberrypi.org/documentation/hardware/raspberrypi/revision-codes/
type Revision struct {
	Type         Type
	Rev          Rev
	Chip         Chip
	Manufacturer Manufacturer
}

// Descriptor is the immutable metadata for one supported board generation.
type Descriptor struct {
	// BoardID is the Linux board ID handed to the kernel loader.
	BoardID uint32

	Revision Revision

	RAMMin uint64
	RAMMax uint64

	// InstructionWidth selects the 32-bit or 64-bit secondary boot stub.
	InstructionWidth Width

	// NeedsSecureSetup is set for boards that run custom setup code in
	// Secure mode before booting a kernel (to install no-op SMC vectors
	// that Linux calls for cache maintenance).
	NeedsSecureSetup bool
}

// Version identifies a supported board generation.
type Version int

const (
	Raspi2B Version = 2
	Raspi3B Version = 3
	Raspi4B Version = 4
)

func (v Version) String() string {
	switch v {
	case Raspi2B:
		return "raspi2b"
	case Raspi3B:
		return "raspi3b"
	case Raspi4B:
		return "raspi4b"
	default:
		return fmt.Sprintf("version(%d)", int(v))
	}
}

var descriptors = map[Version]Descriptor{
	Raspi2B: {
		BoardID:          0xc43,
		Revision:         Revision{Type2B, Rev1_1, BCM2836, Embest},
		RAMMin:           1 * GiB,
		RAMMax:           1 * GiB,
		InstructionWidth: Width32,
		NeedsSecureSetup: true,
	},
	Raspi3B: {
		BoardID:          0xc44,
		Revision:         Revision{Type3B, Rev1_2, BCM2837, SonyUK},
		RAMMin:           1 * GiB,
		RAMMax:           1 * GiB,
		InstructionWidth: Width64,
	},
	Raspi4B: {
		BoardID:          0xc42,
		Revision:         Revision{Type4B, Rev1_1, BCM2711, SonyUK},
		RAMMin:           1 * GiB,
		RAMMax:           8 * GiB,
		InstructionWidth: Width64,
	},
}

// Lookup returns the descriptor for a supported board version. Versions are
// fixed by the machine definitions that call in here; asking for anything
// else is a programming error and panics.
func Lookup(v Version) Descriptor {
	desc, ok := descriptors[v]
	if !ok {
		panic(fmt.Sprintf("no board descriptor for %s", v))
	}
	return desc
}

// Versions returns the supported board versions in ascending order.
func Versions() []Version {
	return []Version{Raspi2B, Raspi3B, Raspi4B}
}

var (
	ErrRAMTooSmall      = errors.New("requested ram size is too small for this machine")
	ErrRAMTooLarge      = errors.New("requested ram size is too large for this machine")
	ErrRAMNotPowerOfTwo = errors.New("requested ram size is not a power of 2")
)

// ValidateRAMSize checks a requested RAM size against the board's limits.
// Checks run in order and the first violation is reported.
func (d Descriptor) ValidateRAMSize(size uint64) error {
	if size < d.RAMMin {
		return fmt.Errorf("%w: minimum is %s", ErrRAMTooSmall, humanize.IBytes(d.RAMMin))
	}
	if size > d.RAMMax {
		return fmt.Errorf("%w: maximum is %s", ErrRAMTooLarge, humanize.IBytes(d.RAMMax))
	}
	if size&(size-1) != 0 {
		return fmt.Errorf("%w: got %s", ErrRAMNotPowerOfTwo, humanize.IBytes(size))
	}
	return nil
}
