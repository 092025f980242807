// SPDX-License-Identifier: Unlicense OR MIT

package kernel

import (
	"sync"
)

// BitmapAllocator is the general physical page allocator: one bit per
// page of the declared window, set while the page is handed out. It
// is installed into a Memory context at the end of boot and serves
// every later page request.
type BitmapAllocator struct {
	layout *Layout

	mu sync.Mutex
	// bits holds one bit per page, MSB first within each word.
	bits []uint64
	// npages is the window size in pages; free counts the clear bits.
	npages int
	free   int
	// last is the search hint: the word index after the most recent
	// allocation.
	last int
}

// NewBitmapAllocator builds an allocator covering the window of mem,
// marks every boot-reserved region as handed out, and installs itself
// as the delegated allocator.
func NewBitmapAllocator(mem *Memory) *BitmapAllocator {
	l := mem.Layout()
	npages := int(l.WindowSize() >> PageShift)
	b := &BitmapAllocator{
		layout: l,
		bits:   make([]uint64, (npages+63)/64),
		npages: npages,
		free:   npages,
	}
	// Pages past the window end do not exist; keep them marked.
	for i := npages; i < len(b.bits)*64; i++ {
		b.bits[i>>6] |= 1 << (63 - uint(i&63))
	}
	mem.ReserveBootRegions(l.MapStart, l.MapEnd, b.Reserve)
	mem.InstallAllocator(b)
	return b
}

// Reserve marks the physical range [start, end) as permanently handed
// out. Partial pages reserve the whole page.
func (b *BitmapAllocator) Reserve(start, end PhysAddr, flags int) {
	if end <= b.layout.MapStart || start >= b.layout.MapEnd {
		return
	}
	if start < b.layout.MapStart {
		start = b.layout.MapStart
	}
	if end > b.layout.MapEnd {
		end = b.layout.MapEnd
	}
	first := int(start.Align()-b.layout.MapStart) >> PageShift
	last := int(end.AlignUp()-b.layout.MapStart) >> PageShift

	b.mu.Lock()
	defer b.mu.Unlock()
	for i := first; i < last; i++ {
		b.setBit(i)
	}
}

// AllocPages returns the straight-map address of n contiguous pages,
// or 0 when no run of n free pages exists.
func (b *BitmapAllocator) AllocPages(n int, flag AllocFlag) VirtAddr {
	if n <= 0 {
		return 0
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if n > b.free {
		return 0
	}
	if idx := b.findRun(b.last*64, n); idx >= 0 {
		return b.take(idx, n)
	}
	if idx := b.findRun(0, n); idx >= 0 {
		return b.take(idx, n)
	}
	return 0
}

// FreePages returns n pages starting at the straight-map address v.
func (b *BitmapAllocator) FreePages(v VirtAddr, n int) {
	first := int(b.layout.VirtToPhys(v).Align()-b.layout.MapStart) >> PageShift
	b.mu.Lock()
	defer b.mu.Unlock()
	for i := first; i < first+n; i++ {
		if b.bit(i) {
			b.clearBit(i)
		}
	}
}

// NumFree returns the number of pages currently available.
func (b *BitmapAllocator) NumFree() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.free
}

func (b *BitmapAllocator) take(idx, n int) VirtAddr {
	for i := idx; i < idx+n; i++ {
		b.setBit(i)
	}
	b.last = (idx + n) / 64
	phys := b.layout.MapStart + PhysAddr(idx)<<PageShift
	return b.layout.PhysToVirt(phys)
}

// findRun scans for n consecutive clear bits starting at page index
// from; it returns the first page of the run or -1.
func (b *BitmapAllocator) findRun(from, n int) int {
	run := 0
	for i := from; i < b.npages; i++ {
		if b.bit(i) {
			run = 0
			continue
		}
		run++
		if run == n {
			return i - n + 1
		}
	}
	return -1
}

func (b *BitmapAllocator) bit(i int) bool {
	return b.bits[i>>6]&(1<<(63-uint(i&63))) != 0
}

func (b *BitmapAllocator) setBit(i int) {
	if !b.bit(i) {
		b.bits[i>>6] |= 1 << (63 - uint(i&63))
		b.free--
	}
}

func (b *BitmapAllocator) clearBit(i int) {
	b.bits[i>>6] &^= 1 << (63 - uint(i&63))
	b.free++
}
