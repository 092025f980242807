// SPDX-License-Identifier: Unlicense OR MIT

package kernel

import (
	"testing"
)

func newTestMemory(t *testing.T) *Memory {
	t.Helper()
	l := DefaultLayout()
	a, err := NewArena(l)
	if err != nil {
		t.Fatalf("NewArena: %v", err)
	}
	t.Cleanup(func() { a.Close() })
	return NewMemory(l, a)
}

func mustPanic(t *testing.T, name string, fn func()) {
	t.Helper()
	defer func() {
		if recover() == nil {
			t.Fatalf("%s did not abort", name)
		}
	}()
	fn()
}

func TestBootstrapBump(t *testing.T) {
	m := newTestMemory(t)
	first := m.AllocPage(AllocWait)
	want := m.Layout().PhysToVirt(m.Layout().VirtToPhys(m.Layout().ImageEnd().AlignUp()))
	if first != want {
		t.Fatalf("first bootstrap page = %#x, want %#x", first, want)
	}
	second := m.AllocPage(AllocWait)
	if second != first+PageSize {
		t.Fatalf("second bootstrap page = %#x, want %#x", second, first+PageSize)
	}
	if got := m.LastEarlyHeap(); got != second+PageSize {
		t.Fatalf("LastEarlyHeap = %#x, want %#x", got, second+PageSize)
	}
	// Bootstrap memory is never individually freed.
	m.FreePage(first)
	if got := m.AllocPage(AllocWait); got != second+PageSize {
		t.Fatalf("bump cursor moved backwards: %#x", got)
	}
}

func TestMultiPageNeedsDelegate(t *testing.T) {
	m := newTestMemory(t)
	if got := m.AllocPages(4, AllocWait); got != 0 {
		t.Fatalf("AllocPages without a delegate = %#x, want 0", got)
	}
}

// fakeOps counts delegated calls.
type fakeOps struct {
	allocs int
	frees  int
}

func (f *fakeOps) AllocPages(n int, flag AllocFlag) VirtAddr {
	f.allocs++
	return MapStraightStart + VirtAddr(n)*PageSize
}

func (f *fakeOps) FreePages(v VirtAddr, n int) { f.frees++ }

func TestInstallAllocator(t *testing.T) {
	m := newTestMemory(t)
	ops := &fakeOps{}
	m.InstallAllocator(ops)

	if got := m.AllocPage(AllocWait); got == 0 {
		t.Fatal("delegated AllocPage returned 0")
	}
	m.AllocPages(4, AllocWait)
	m.FreePages(MapStraightStart, 4)
	if ops.allocs != 2 || ops.frees != 1 {
		t.Fatalf("delegate saw %d allocs, %d frees; want 2, 1", ops.allocs, ops.frees)
	}

	mustPanic(t, "second InstallAllocator", func() { m.InstallAllocator(&fakeOps{}) })
}

func TestFinalizedBootstrapAborts(t *testing.T) {
	m := newTestMemory(t)
	m.AllocPage(AllocWait)
	m.FinalizeBootstrap()
	mustPanic(t, "AllocPage after FinalizeBootstrap", func() { m.AllocPage(AllocWait) })
}

func TestReserveBootRegions(t *testing.T) {
	m := newTestMemory(t)
	m.AllocPage(AllocWait)
	l := m.Layout()

	extraCalled := false
	m.ReserveExtra = func(start, end PhysAddr, cb ReserveFunc) {
		extraCalled = true
		cb(l.MapEnd-PageSize, l.MapEnd, 0)
	}

	type region struct{ start, end PhysAddr }
	var got []region
	m.ReserveBootRegions(l.MapStart, l.MapEnd, func(start, end PhysAddr, flags int) {
		got = append(got, region{start, end})
	})

	want := []region{
		{l.KernelPhysBase, l.VirtToPhys(m.LastEarlyHeap())},
		{l.TrampolineStart, l.TrampolineStart + PhysAddr(l.TrampolineSize)},
		{0, PageSize},
		{l.MapEnd - PageSize, l.MapEnd},
	}
	if !extraCalled {
		t.Fatal("platform extension was not invoked")
	}
	if len(got) != len(want) {
		t.Fatalf("got %d regions, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("region %d = %#x-%#x, want %#x-%#x",
				i, got[i].start, got[i].end, want[i].start, want[i].end)
		}
	}
}
