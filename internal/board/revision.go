package board

import (
	"fmt"
	"math/bits"
)

// Bit layout of the packed revision word. The exact widths and offsets are
// read verbatim by Raspberry Pi kernels and firmware-aware tools; they cannot
// change independently of that contract.
const (
	revShift  = 0
	revBits   = 4
	typeShift = 4
	typeBits  = 8
	chipShift = 12
	chipBits  = 4
	mfrShift  = 16
	mfrBits   = 4
	sizeShift = 20
)

// EncodeRevision packs the board revision fields and the RAM size into the
// revision word read by guest kernels. The size field is log2 of the RAM
// size in MiB, so ramSize must be a power-of-two multiple of 1 MiB; the RAM
// validator guarantees that for every tabulated board, and anything else here
// is a defect in the caller.
func (d Descriptor) EncodeRevision(ramSize uint64) uint32 {
	if ramSize < MiB || ramSize&(ramSize-1) != 0 {
		panic(fmt.Sprintf("revision word requires a power-of-two RAM size >= 1 MiB, got %#x", ramSize))
	}
	sizeExp := uint32(63 - bits.LeadingZeros64(ramSize/MiB))
	return sizeExp<<sizeShift |
		uint32(d.Revision.Manufacturer)<<mfrShift |
		uint32(d.Revision.Chip)<<chipShift |
		uint32(d.Revision.Type)<<typeShift |
		uint32(d.Revision.Rev)<<revShift
}

// DecodedRevision is the unpacked form of a revision word.
type DecodedRevision struct {
	Revision
	SizeExp uint32
}

// DecodeRevision unpacks a revision word into its fields.
func DecodeRevision(word uint32) DecodedRevision {
	return DecodedRevision{
		Revision: Revision{
			Type:         Type(word >> typeShift & (1<<typeBits - 1)),
			Rev:          Rev(word >> revShift & (1<<revBits - 1)),
			Chip:         Chip(word >> chipShift & (1<<chipBits - 1)),
			Manufacturer: Manufacturer(word >> mfrShift & (1<<mfrBits - 1)),
		},
		SizeExp: word >> sizeShift,
	}
}
