// SPDX-License-Identifier: Unlicense OR MIT

package dma

// SBOX DMA register block. Each channel owns a 0x40-byte bank of
// registers at regBankStride times its channel number past the base
// offsets below.
const (
	regDRARLo = 0xa000 // ring base, low 32 bits
	regDRARHi = 0xa004 // ring size class, high base bits, system flag
	regDTPR   = 0xa008 // tail pointer, hardware consumption point
	regDHPR   = 0xa00c // head pointer, software doorbell

	regBankStride = 0x40
)

// DRAR-HI fields.
const (
	drarHiBAShift   = 0 // base address bits 32..35
	drarHiBAMask    = 0xf
	drarHiSizeShift = 4 // descriptor count
	drarHiSizeMask  = 0x1ffff
	drarHiPageShift = 21 // base address bits 34..42
	drarHiPageMask  = 0x1ff
	drarHiSysBit    = 1 << 30 // ring lives in system (host) memory
)

// drarHi builds the DRAR-HI register value for a ring of count
// descriptors based at the device-visible address base.
func drarHi(base uint64, count int) uint32 {
	v := uint32(base>>32&drarHiBAMask) << drarHiBAShift
	v |= uint32(count&drarHiSizeMask) << drarHiSizeShift
	v |= uint32(base>>34&drarHiPageMask) << drarHiPageShift
	v |= drarHiSysBit
	return v
}

// drarBase recovers the device-visible ring base from the register
// pair. The BA and PAGE fields overlap at base bits 34..35; bits 36
// and up come only from PAGE.
func drarBase(lo, hi uint32) uint64 {
	ba := uint64(hi >> drarHiBAShift & drarHiBAMask)
	page := uint64(hi >> drarHiPageShift & drarHiPageMask)
	return uint64(lo) | ba<<32 | page>>2<<36
}

// drarCount recovers the descriptor count from DRAR-HI.
func drarCount(hi uint32) int {
	return int(hi >> drarHiSizeShift & drarHiSizeMask)
}
