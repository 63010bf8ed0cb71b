package boot

import "encoding/binary"

// The stub word sequences below are guest-architecture instruction encodings.
// They are external-format artifacts that guest software depends on
// bit-for-bit; treat them as fixed data, not as logic.

const smpBoot32Words = 12

// The 32-bit stub must sit wholly below the secure vector table. A negative
// result here fails to compile.
const _ = uint64(MVBarGPA - (SMPBootGPA + 4*smpBoot32Words))

// The board setup address is encoded into a mov immediate shifted left by
// four; it must be 16-byte aligned and fit in eight bits after the shift.
const _ = uint64(0x100 - (BoardSetupGPA >> 4) - 1)
const _ = uint64(0 - (BoardSetupGPA & 0xf))

var smpBoot32 = [smpBoot32Words]uint32{
	0xe1a0e00f, //    mov     lr, pc
	0xe3a0fe00 + (BoardSetupGPA >> 4), // mov pc, BoardSetupGPA
	0xee100fb0, //    mrc     p15, 0, r0, c0, c0, 5;get core ID
	0xe7e10050, //    ubfx    r0, r0, #0, #2       ;extract LSB
	0xe59f5014, //    ldr     r5, =0x400000CC      ;load mbox base
	0xe320f001, // 1: yield
	0xe7953200, //    ldr     r3, [r5, r0, lsl #4] ;read mbox for our core
	0xe3530000, //    cmp     r3, #0               ;spin while zero
	0x0afffffb, //    beq     1b
	0xe7853200, //    str     r3, [r5, r0, lsl #4] ;clear mbox
	0xe12fff13, //    bx      r3                   ;jump to target
	0x400000cc, // (constant: mailbox 3 read/clear base)
}

// Unlike the 32-bit version there is no board setup call here and the
// spin-table mechanism is entirely different: four 64-bit flag words live at
// absolute addresses 0xd8..0xf0 and must read zero until the primary CPU (or
// loader) publishes real entry addresses into them.
var smpBoot64 = [11]uint32{
	0xd2801b05, //        mov     x5, 0xd8
	0xd53800a6, //        mrs     x6, mpidr_el1
	0x924004c6, //        and     x6, x6, #0x3
	0xd503205f, // spin:  wfe
	0xf86678a4, //        ldr     x4, [x5,x6,lsl #3]
	0xb4ffffc4, //        cbz     x4, spin
	0xd2800000, //        mov     x0, #0x0
	0xd2800001, //        mov     x1, #0x0
	0xd2800002, //        mov     x2, #0x0
	0xd2800003, //        mov     x3, #0x0
	0xd61f0080, //        br      x4
}

// Secure monitor vectors: everything spins except the SMC entry, which
// returns immediately so the guest sees a no-op monitor call.
var mvbarVectors = [8]uint32{
	0xeafffffe, // (spin)
	0xeafffffe, // (spin)
	0xe1b0f00e, // movs pc, lr ;SMC exception return
	0xeafffffe, // (spin)
	0xeafffffe, // (spin)
	0xeafffffe, // (spin)
	0xeafffffe, // (spin)
	0xeafffffe, // (spin)
}

// Board setup code run once in Secure mode: grant Non-secure access to the
// FP/NEON coprocessors, point MVBAR at the dummy vectors, drop to Non-secure
// state, and issue one SMC so the path is exercised before the kernel runs.
var boardSetup = [11]uint32{
	0xee110f51, // mrc     p15, 0, r0, c1, c1, 2  ;read NSACR
	0xe3800b03, // orr     r0, r0, #0xc00         ;set CP11, CP10
	0xee010f51, // mcr     p15, 0, r0, c1, c1, 2  ;write NSACR
	0xe3a00e00 + (MVBarGPA >> 4), // mov r0, #MVBarGPA
	0xee0c0f30, // mcr     p15, 0, r0, c12, c0, 1 ;set MVBAR
	0xee110f11, // mrc     p15, 0, r0, c1, c1, 0  ;read SCR
	0xe3800031, // orr     r0, r0, #0x31          ;enable AW, FW, NS
	0xee010f11, // mcr     p15, 0, r0, c1, c1, 0  ;write SCR
	0xe1a0100e, // mov     r1, lr                 ;save LR across SMC
	0xe1600070, // smc     #0                     ;monitor call
	0xe1a0f001, // mov     pc, r1                 ;return
}

func wordsToBytes(words []uint32) []byte {
	data := make([]byte, len(words)*4)
	for i, w := range words {
		binary.LittleEndian.PutUint32(data[i*4:], w)
	}
	return data
}

// SecondaryBoot32 returns the 32-bit secondary-core wake stub placement and
// the address secondary cores start at.
func SecondaryBoot32() ([]Placement, uint64) {
	return []Placement{
		{Name: "smpboot", GPA: SMPBootGPA, Data: wordsToBytes(smpBoot32[:])},
	}, SMPBootGPA
}

// SecondaryBoot64 returns the 64-bit secondary-core wake stub plus the
// zero-initialized spin table, and the address secondary cores start at. The
// spin table slots are handshake storage for the guest: this subsystem only
// guarantees they start at zero and sit at the fixed base.
func SecondaryBoot64() ([]Placement, uint64) {
	return []Placement{
		{Name: "smpboot", GPA: SMPBootGPA, Data: wordsToBytes(smpBoot64[:])},
		{Name: "spintable", GPA: SpinTableGPA, Data: make([]byte, spinTableEntries*spinTableEntrySize)},
	}, SMPBootGPA
}

// SecureBoardSetup returns the secure monitor vector table and the dummy-SMC
// board setup stub placements.
func SecureBoardSetup() []Placement {
	return []Placement{
		{Name: "mvbar", GPA: MVBarGPA, Data: wordsToBytes(mvbarVectors[:])},
		{Name: "board-setup", GPA: BoardSetupGPA, Data: wordsToBytes(boardSetup[:])},
	}
}
