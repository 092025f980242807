// SPDX-License-Identifier: Unlicense OR MIT

//go:build amd64

package kernel

import (
	"fmt"

	"golang.org/x/exp/slices"
)

// Range is one terminal mapping found by walking a page table tree.
type Range struct {
	Virt VirtAddr
	Phys PhysAddr
	Size uint64
}

const maxVirtAddr = VirtAddr(1) << 48

// Ranges walks t (nil selects the init root) and returns every
// terminal mapping, canonical-form sign extended.
func (m *Manager) Ranges(t *Table) []Range {
	var entries []Range
	l4 := m.tableFor(t)
	for i4, e4 := range l4 {
		if !e4.present() {
			continue
		}
		vaddr := VirtAddr(i4) << ptl4Shift
		// Sign extend.
		if vaddr&(maxVirtAddr>>1) != 0 {
			vaddr |= ^(maxVirtAddr - 1)
		}
		l3 := m.tableAt(m.layout.PhysToVirt(e4.addr()))
		for i3, e3 := range l3 {
			if !e3.present() {
				continue
			}
			vaddr := vaddr + VirtAddr(i3)<<ptl3Shift
			l2 := m.tableAt(m.layout.PhysToVirt(e3.addr()))
			for i2, e2 := range l2 {
				if !e2.present() {
					continue
				}
				vaddr := vaddr + VirtAddr(i2)<<ptl2Shift
				if e2.large() {
					paddr := PhysAddr(e2) & (maxPhysAddr - 1) &^ (LargePageSize - 1)
					entries = append(entries, Range{vaddr, paddr, LargePageSize})
					continue
				}
				l1 := m.tableAt(m.layout.PhysToVirt(e2.addr()))
				for i1, e1 := range l1 {
					if !e1.present() {
						continue
					}
					vaddr := vaddr + VirtAddr(i1)<<ptl1Shift
					entries = append(entries, Range{vaddr, e1.addr(), PageSize})
				}
			}
		}
	}
	return entries
}

// Verify checks that no two terminal mappings of t back distinct
// virtual pages with overlapping physical ranges. The straight-map,
// fixed and kernel-text regions are aliasing views, so only mappings
// below MapStraightStart are considered.
func (m *Manager) Verify(t *Table) error {
	var entries []Range
	for _, r := range m.Ranges(t) {
		if r.Virt >= MapStraightStart {
			continue
		}
		entries = append(entries, r)
	}
	slices.SortFunc(entries, func(a, b Range) int {
		switch {
		case a.Phys < b.Phys:
			return -1
		case a.Phys > b.Phys:
			return 1
		default:
			return 0
		}
	})
	for i := 0; i+1 < len(entries); i++ {
		r1, r2 := entries[i], entries[i+1]
		if r1.Phys+PhysAddr(r1.Size) > r2.Phys {
			return kernError(fmt.Sprintf(
				"pagetable: %#x and %#x share backing at %#x",
				r1.Virt, r2.Virt, r2.Phys))
		}
	}
	return nil
}
