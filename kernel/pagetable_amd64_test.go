// SPDX-License-Identifier: Unlicense OR MIT

//go:build amd64

package kernel

import (
	"testing"
)

func newTestManager(t *testing.T) (*Memory, *Manager) {
	t.Helper()
	m := newTestMemory(t)
	return m, InitPageTable(m)
}

func TestBootMappings(t *testing.T) {
	m, pt := newTestManager(t)
	l := m.Layout()

	for _, tc := range []struct {
		name  string
		virt  VirtAddr
		phys  PhysAddr
		large bool
	}{
		{"straight base", MapStraightStart, l.MapStart, true},
		{"straight offset", MapStraightStart + 0x123456, l.MapStart + 0x123456, true},
		{"identity", VirtAddr(l.MapStart) + 0x5000, l.MapStart + 0x5000, true},
		{"low guard", 0, 0, true},
		{"kernel text", MapKernelStart, l.KernelPhysBase, true},
		{"kernel text offset", MapKernelStart + 0x1000, l.KernelPhysBase + 0x1000, true},
	} {
		phys, large, err := pt.Query(nil, tc.virt)
		if err != nil {
			t.Errorf("%s: Query(%#x): %v", tc.name, tc.virt, err)
			continue
		}
		if phys != tc.phys || large != tc.large {
			t.Errorf("%s: Query(%#x) = %#x large=%v, want %#x large=%v",
				tc.name, tc.virt, phys, large, tc.phys, tc.large)
		}
	}
}

func TestSharedSubTables(t *testing.T) {
	m, pt := newTestManager(t)
	l := m.Layout()

	identIdx := int(l.MapStart >> ptl4Shift)
	virtIdx := ptIndex(MapStraightStart, ptl4Shift)
	if pt.root[identIdx] != pt.root[virtIdx] {
		t.Fatalf("top-level slots differ: identity %#x, straight %#x",
			pt.root[identIdx], pt.root[virtIdx])
	}
	if pt.root[identIdx] == 0 {
		t.Fatal("shared top-level slot is empty")
	}
}

func TestSetPageIdempotentAndConflict(t *testing.T) {
	_, pt := newTestManager(t)

	virt := MapFixedStart + 0x100000*PageSize
	if err := pt.SetPage(nil, virt, 0x5000, AttrWritable); err != nil {
		t.Fatalf("SetPage: %v", err)
	}
	if err := pt.SetPage(nil, virt, 0x5000, AttrWritable); err != nil {
		t.Fatalf("idempotent SetPage: %v", err)
	}
	if err := pt.SetPage(nil, virt, 0x6000, AttrWritable); err != ErrConflict {
		t.Fatalf("conflicting SetPage = %v, want %v", err, ErrConflict)
	}
	// The losing mapping must not change the table.
	phys, _, err := pt.Query(nil, virt)
	if err != nil || phys != 0x5000 {
		t.Fatalf("Query after conflict = %#x, %v; want 0x5000", phys, err)
	}
}

func TestClearAndRemap(t *testing.T) {
	_, pt := newTestManager(t)

	virt := MapFixedStart + 0x200000*PageSize
	if err := pt.ClearPage(nil, virt); err != ErrNotMapped {
		t.Fatalf("ClearPage on absent mapping = %v, want %v", err, ErrNotMapped)
	}
	if err := pt.SetPage(nil, virt, 0x5000, AttrWritable); err != nil {
		t.Fatalf("SetPage: %v", err)
	}
	if err := pt.ClearPage(nil, virt); err != nil {
		t.Fatalf("ClearPage: %v", err)
	}
	if _, _, err := pt.Query(nil, virt); err != ErrNotMapped {
		t.Fatalf("Query after clear = %v, want %v", err, ErrNotMapped)
	}
	// No stale conflict after a clear.
	if err := pt.SetPage(nil, virt, 0x6000, AttrWritable); err != nil {
		t.Fatalf("SetPage after clear: %v", err)
	}
	phys, _, err := pt.Query(nil, virt)
	if err != nil || phys != 0x6000 {
		t.Fatalf("Query after remap = %#x, %v; want 0x6000", phys, err)
	}
}

func TestLargePageConflict(t *testing.T) {
	m, pt := newTestManager(t)
	l := m.Layout()

	// The straight map is built from large pages.
	virt := MapStraightStart + VirtAddr(LargePageSize)
	want := l.MapStart + LargePageSize
	if err := pt.SetLargePage(nil, virt, want, AttrWritable); err != nil {
		t.Fatalf("matching SetLargePage: %v", err)
	}
	if err := pt.SetLargePage(nil, virt, want+LargePageSize, AttrWritable); err != ErrConflict {
		t.Fatalf("conflicting SetLargePage = %v, want %v", err, ErrConflict)
	}
	phys, large, err := pt.Query(nil, virt)
	if err != nil || !large || phys != want {
		t.Fatalf("Query after conflict = %#x large=%v %v; want %#x large", phys, large, err, want)
	}

	// A 4KB walk cannot descend through a large-page terminal.
	if err := pt.SetPage(nil, virt, want, AttrWritable); err != ErrConflict {
		t.Fatalf("4KB SetPage into large slot = %v, want %v", err, ErrConflict)
	}
}

func TestMapFixed(t *testing.T) {
	_, pt := newTestManager(t)

	loads := 0
	pt.LoadHook = func(PhysAddr) { loads++ }

	v1 := pt.MapFixed(0x1000, PageSize, true)
	if v1 != MapFixedStart {
		t.Fatalf("first MapFixed = %#x, want %#x", v1, MapFixedStart)
	}
	if loads != 1 {
		t.Fatalf("MapFixed reloaded the table %d times, want 1", loads)
	}

	// Sub-page offsets survive the mapping.
	v2 := pt.MapFixed(0x2abc, 0x100, false)
	if v2 != MapFixedStart+PageSize+0xabc {
		t.Fatalf("second MapFixed = %#x, want %#x", v2, MapFixedStart+PageSize+0xabc)
	}

	phys, _, err := pt.Query(nil, v2)
	if err != nil || phys != 0x2abc {
		t.Fatalf("Query(%#x) = %#x, %v; want 0x2abc", v2, phys, err)
	}

	// The region only grows.
	v3 := pt.MapFixed(0x4000, 2*PageSize, false)
	if v3 <= v2 {
		t.Fatalf("fixed-map region went backwards: %#x after %#x", v3, v2)
	}
}

func TestActivate(t *testing.T) {
	_, pt := newTestManager(t)

	var last PhysAddr
	pt.LoadHook = func(p PhysAddr) { last = p }

	other := pt.NewTable()
	pt.Activate(other)
	if last == 0 || last != pt.ActiveRoot() {
		t.Fatalf("Activate reported root %#x, ActiveRoot %#x", last, pt.ActiveRoot())
	}
	otherRoot := last

	pt.Activate(nil)
	if last == otherRoot {
		t.Fatal("Activate(nil) did not switch back to the init root")
	}
}

func TestVerifyBootTable(t *testing.T) {
	_, pt := newTestManager(t)
	if err := pt.Verify(nil); err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if len(pt.Ranges(nil)) == 0 {
		t.Fatal("boot table has no mappings")
	}
}

func TestVerifyCatchesSharedBacking(t *testing.T) {
	_, pt := newTestManager(t)

	// Two distinct low virtual pages backed by the same physical
	// page. Each mapping is individually legal.
	lowA := VirtAddr(0x40000000)
	lowB := VirtAddr(0x40001000)
	if err := pt.SetPage(nil, lowA, 0x5000, AttrWritable); err != nil {
		t.Fatalf("SetPage: %v", err)
	}
	if err := pt.SetPage(nil, lowB, 0x5000, AttrWritable); err != nil {
		t.Fatalf("SetPage: %v", err)
	}
	if err := pt.Verify(nil); err == nil {
		t.Fatal("Verify missed the shared backing")
	}
}

func TestNewTableIsEmpty(t *testing.T) {
	_, pt := newTestManager(t)
	fresh := pt.NewTable()
	if got := pt.Ranges(fresh); len(got) != 0 {
		t.Fatalf("fresh table has %d mappings", len(got))
	}
	if _, _, err := pt.Query(fresh, MapStraightStart); err != ErrNotMapped {
		t.Fatalf("Query on fresh table = %v, want %v", err, ErrNotMapped)
	}
}
