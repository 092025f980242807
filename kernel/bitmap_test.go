// SPDX-License-Identifier: Unlicense OR MIT

package kernel

import (
	"testing"
)

func newTestBitmap(t *testing.T) (*Memory, *BitmapAllocator) {
	t.Helper()
	m := newTestMemory(t)
	// Burn a few bootstrap pages so the reserved heap is non-trivial.
	m.AllocPage(AllocWait)
	m.AllocPage(AllocWait)
	return m, NewBitmapAllocator(m)
}

func TestBitmapInstalls(t *testing.T) {
	m, _ := newTestBitmap(t)
	if got := m.AllocPages(4, AllocWait); got == 0 {
		t.Fatal("AllocPages after install returned 0")
	}
	mustPanic(t, "InstallAllocator twice", func() { m.InstallAllocator(&fakeOps{}) })
}

func TestBitmapAvoidsReservations(t *testing.T) {
	m, b := newTestBitmap(t)
	l := m.Layout()

	heapEnd := l.VirtToPhys(m.LastEarlyHeap())
	reserved := func(p PhysAddr) bool {
		switch {
		case p < PageSize:
			return true
		case p >= l.TrampolineStart && p < l.TrampolineStart+PhysAddr(l.TrampolineSize):
			return true
		case p >= l.KernelPhysBase && p < heapEnd:
			return true
		}
		return false
	}

	seen := make(map[VirtAddr]bool)
	for i := 0; i < 1024; i++ {
		v := b.AllocPages(1, AllocWait)
		if v == 0 {
			t.Fatalf("allocation %d failed with %d pages free", i, b.NumFree())
		}
		if seen[v] {
			t.Fatalf("page %#x handed out twice", v)
		}
		seen[v] = true
		if p := l.VirtToPhys(v); reserved(p) {
			t.Fatalf("allocated reserved page %#x", p)
		}
	}
}

func TestBitmapContiguity(t *testing.T) {
	m, b := newTestBitmap(t)
	l := m.Layout()

	v := b.AllocPages(8, AllocWait)
	if v == 0 {
		t.Fatal("AllocPages(8) failed")
	}
	base := l.VirtToPhys(v)
	for i := 0; i < 8; i++ {
		if got := l.VirtToPhys(v + VirtAddr(i)*PageSize); got != base+PhysAddr(i)*PageSize {
			t.Fatalf("page %d not contiguous: %#x", i, got)
		}
	}
}

func TestBitmapFreeAndReuse(t *testing.T) {
	_, b := newTestBitmap(t)

	before := b.NumFree()
	v := b.AllocPages(16, AllocWait)
	if v == 0 {
		t.Fatal("AllocPages(16) failed")
	}
	if got := b.NumFree(); got != before-16 {
		t.Fatalf("NumFree after alloc = %d, want %d", got, before-16)
	}
	b.FreePages(v, 16)
	if got := b.NumFree(); got != before {
		t.Fatalf("NumFree after free = %d, want %d", got, before)
	}
	// Double free must not inflate the free count.
	b.FreePages(v, 16)
	if got := b.NumFree(); got != before {
		t.Fatalf("NumFree after double free = %d, want %d", got, before)
	}
}

func TestBitmapExhaustion(t *testing.T) {
	_, b := newTestBitmap(t)
	if got := b.AllocPages(b.NumFree()+1, AllocWait); got != 0 {
		t.Fatalf("oversized allocation = %#x, want 0", got)
	}
	// The window holds no contiguous run larger than itself.
	if got := b.AllocPages(1<<30, AllocWait); got != 0 {
		t.Fatalf("absurd allocation = %#x, want 0", got)
	}
}
