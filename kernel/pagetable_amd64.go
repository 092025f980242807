// SPDX-License-Identifier: Unlicense OR MIT

//go:build amd64

package kernel

import (
	"unsafe"
)

// pageTable is the hardware representation of one radix level: 512
// 64-bit entries. Four levels (L4 to L1) form the tree. L4 and L3
// entries always point at child tables; an L2 entry either terminates
// as a 2MB page or points at an L1 table; L1 entries terminate as 4KB
// pages.
type pageTable [ptEntries]pageTableEntry

// pageTableEntry is the hardware representation of a page table
// entry: a physical page or table address plus attribute bits.
type pageTableEntry uint64

const (
	ptEntries = 512

	ptl1Shift = 12
	ptl2Shift = 21
	ptl3Shift = 30
	ptl4Shift = 39

	ptl2Size = PhysAddr(1) << ptl2Shift
	ptl3Size = PhysAddr(1) << ptl3Shift
	ptl4Size = PhysAddr(1) << ptl4Shift

	maxPhysAddr = PhysAddr(1) << 52
)

// Hardware attribute bits.
const (
	pteFlagPresent      pageTableEntry = 1 << 0
	pteFlagWritable     pageTableEntry = 1 << 1
	pteFlagUser         pageTableEntry = 1 << 2
	pteFlagWriteThrough pageTableEntry = 1 << 3
	pteFlagNoCache      pageTableEntry = 1 << 4
	pteFlagSize         pageTableEntry = 1 << 7

	// Non-leaf tables built at boot are present and writable.
	kernTableAttr = pteFlagPresent | pteFlagWritable
	kernLargeAttr = pteFlagPresent | pteFlagWritable
)

func (e pageTableEntry) present() bool {
	return e&pteFlagPresent != 0
}

func (e pageTableEntry) large() bool {
	return e&pteFlagSize != 0
}

// addr extracts the physical page or table address from the entry.
func (e pageTableEntry) addr() PhysAddr {
	return PhysAddr(e) & (maxPhysAddr - 1) &^ (PageSize - 1)
}

// PTAttr is the caller-facing attribute set for a mapping. It is
// translated into hardware bits per level; the present bit is implied
// at leaf levels.
type PTAttr uint32

const (
	AttrWritable PTAttr = 1 << iota
	AttrUser
	AttrUncachable
	AttrLargePage
)

// hardware translates the pass-through attributes.
func (a PTAttr) hardware() pageTableEntry {
	var e pageTableEntry
	if a&AttrWritable != 0 {
		e |= pteFlagWritable
	}
	if a&AttrUser != 0 {
		e |= pteFlagUser
	}
	return e
}

func attrToL4(a PTAttr) pageTableEntry {
	return a.hardware() | pteFlagPresent
}

func attrToL3(a PTAttr) pageTableEntry {
	return a.hardware() | pteFlagPresent
}

func attrToL2(a PTAttr) pageTableEntry {
	e := a.hardware() | pteFlagPresent
	if a&AttrUncachable != 0 && a&AttrLargePage != 0 {
		// Large uncachable pages disable caching and write combine.
		e |= pteFlagNoCache | pteFlagWriteThrough
	}
	return e
}

func attrToL1(a PTAttr) pageTableEntry {
	e := a.hardware() | pteFlagPresent
	if a&AttrUncachable != 0 {
		// 4KB leaves encode uncachable as write-through only.
		e |= pteFlagWriteThrough
	}
	return e
}

// Table is an opaque handle to one page table tree. A nil *Table in
// the Manager operations selects the initialization-time root.
type Table struct {
	pt *pageTable
}

// Manager builds and mutates page table trees over one allocator
// context. Tables only grow: non-leaf tables are never reclaimed, and
// the fixed-map region never shrinks.
type Manager struct {
	mem    *Memory
	layout *Layout
	arena  *Arena

	root      *pageTable
	fixedVirt VirtAddr

	activeRoot PhysAddr
	// LoadHook, when set, receives the physical root on every
	// Activate. On bare metal it is the CR3 write.
	LoadHook func(PhysAddr)
}

// InitPageTable builds the boot address space: the straight and
// identity views of the declared window, the low guard page, and the
// relocated kernel text, then activates the new root.
func InitPageTable(mem *Memory) *Manager {
	m := &Manager{
		mem:       mem,
		layout:    mem.Layout(),
		arena:     mem.Arena(),
		fixedVirt: MapFixedStart,
	}
	m.root, _ = m.newTable()
	m.initNormalArea(m.root)
	m.mapLowGuard(m.root)
	m.initTextArea(m.root)
	m.Activate(nil)
	return m
}

// InitTable returns the initialization-time root table.
func (m *Manager) InitTable() *Table {
	return &Table{pt: m.root}
}

// NewTable allocates an empty page table tree.
func (m *Manager) NewTable() *Table {
	pt, _ := m.newTable()
	return &Table{pt: pt}
}

// newTable allocates and zeroes one table page. Allocation failure
// here is fatal: table growth happens in contexts with no fallback.
func (m *Manager) newTable() (*pageTable, PhysAddr) {
	v := m.mem.AllocPage(AllocWait)
	if v == 0 {
		fatal("pagetable: out of memory growing a table")
	}
	pt := m.tableAt(v)
	for i := range pt {
		pt[i] = 0
	}
	return pt, m.layout.VirtToPhys(v)
}

// tableAt returns the table stored at the straight-map address v.
func (m *Manager) tableAt(v VirtAddr) *pageTable {
	return (*pageTable)(m.arena.pointer(v))
}

func (m *Manager) tableFor(t *Table) *pageTable {
	if t == nil || t.pt == nil {
		return m.root
	}
	return t.pt
}

func ptIndex(v VirtAddr, shift uint) int {
	return int(v>>shift) & (ptEntries - 1)
}

// descend returns the child table of entry e, creating it when
// absent.
func (m *Manager) descend(pt *pageTable, idx int, attr pageTableEntry) *pageTable {
	if e := pt[idx]; e.present() {
		return m.tableAt(m.layout.PhysToVirt(e.addr()))
	}
	child, phys := m.newTable()
	pt[idx] = pageTableEntry(phys) | attr
	return child
}

// SetPage installs a mapping from virt to phys in t (nil selects the
// init root), creating intermediate tables as needed. Re-installing
// an identical mapping succeeds; a present leaf backed by a different
// physical address is ErrConflict and leaves the table unchanged.
func (m *Manager) SetPage(t *Table, virt VirtAddr, phys PhysAddr, attr PTAttr) error {
	return m.setPage(m.tableFor(t), virt, phys, attr)
}

// SetLargePage is SetPage with the 2MB terminal at L2.
func (m *Manager) SetLargePage(t *Table, virt VirtAddr, phys PhysAddr, attr PTAttr) error {
	return m.setPage(m.tableFor(t), virt, phys, attr|AttrLargePage)
}

func (m *Manager) setPage(pt *pageTable, virt VirtAddr, phys PhysAddr, attr PTAttr) error {
	if attr&AttrLargePage != 0 {
		phys = phys.AlignLarge()
	} else {
		phys = phys.Align()
	}

	pt = m.descend(pt, ptIndex(virt, ptl4Shift), attrToL4(attr))
	pt = m.descend(pt, ptIndex(virt, ptl3Shift), attrToL3(attr))

	l2idx := ptIndex(virt, ptl2Shift)
	if attr&AttrLargePage != 0 {
		if e := pt[l2idx]; e.present() {
			if e.addr() != phys {
				return ErrConflict
			}
			return nil
		}
		pt[l2idx] = pageTableEntry(phys) | attrToL2(attr) | pteFlagSize
		return nil
	}

	if e := pt[l2idx]; e.present() && e.large() {
		// A 2MB page already terminates this slot.
		return ErrConflict
	}
	pt = m.descend(pt, l2idx, attrToL2(attr))

	l1idx := ptIndex(virt, ptl1Shift)
	if e := pt[l1idx]; e.present() {
		if e.addr() != phys {
			return ErrConflict
		}
		return nil
	}
	pt[l1idx] = pageTableEntry(phys) | attrToL1(attr)
	return nil
}

// ClearPage removes the 4KB mapping at virt. Absent intermediate
// levels are ErrNotMapped; non-leaf tables are never reclaimed.
func (m *Manager) ClearPage(t *Table, virt VirtAddr) error {
	return m.clearPage(m.tableFor(t), virt, false)
}

func (m *Manager) clearPage(pt *pageTable, virt VirtAddr, large bool) error {
	if large {
		virt = virt.AlignLarge()
	} else {
		virt = virt.Align()
	}

	e := pt[ptIndex(virt, ptl4Shift)]
	if !e.present() {
		return ErrNotMapped
	}
	pt = m.tableAt(m.layout.PhysToVirt(e.addr()))

	e = pt[ptIndex(virt, ptl3Shift)]
	if !e.present() {
		return ErrNotMapped
	}
	pt = m.tableAt(m.layout.PhysToVirt(e.addr()))

	l2idx := ptIndex(virt, ptl2Shift)
	e = pt[l2idx]
	if !e.present() {
		return ErrNotMapped
	}
	if large {
		if !e.large() {
			return ErrNotMapped
		}
		pt[l2idx] = 0
		return nil
	}
	if e.large() {
		return ErrNotMapped
	}
	pt = m.tableAt(m.layout.PhysToVirt(e.addr()))

	l1idx := ptIndex(virt, ptl1Shift)
	if !pt[l1idx].present() {
		return ErrNotMapped
	}
	pt[l1idx] = 0
	return nil
}

// Query walks t and returns the physical backing of virt and whether
// the terminal mapping is a large page.
func (m *Manager) Query(t *Table, virt VirtAddr) (PhysAddr, bool, error) {
	pt := m.tableFor(t)

	e := pt[ptIndex(virt, ptl4Shift)]
	if !e.present() {
		return 0, false, ErrNotMapped
	}
	pt = m.tableAt(m.layout.PhysToVirt(e.addr()))

	e = pt[ptIndex(virt, ptl3Shift)]
	if !e.present() {
		return 0, false, ErrNotMapped
	}
	pt = m.tableAt(m.layout.PhysToVirt(e.addr()))

	e = pt[ptIndex(virt, ptl2Shift)]
	if !e.present() {
		return 0, false, ErrNotMapped
	}
	if e.large() {
		base := PhysAddr(e) & (maxPhysAddr - 1) &^ (LargePageSize - 1)
		return base + PhysAddr(virt&(LargePageSize-1)), true, nil
	}
	pt = m.tableAt(m.layout.PhysToVirt(e.addr()))

	e = pt[ptIndex(virt, ptl1Shift)]
	if !e.present() {
		return 0, false, ErrNotMapped
	}
	return e.addr() + PhysAddr(virt&(PageSize-1)), false, nil
}

// initNormalArea builds straight mappings of the declared window into
// the identity region and the straight-map region. The two top-level
// slots share the same child tables, so the views cannot diverge.
func (m *Manager) initNormalArea(pt *pageTable) {
	mapStart, mapEnd := m.layout.MapStart, m.layout.MapEnd

	identIdx := int(mapStart >> ptl4Shift)
	virtIdx := ptIndex(MapStraightStart, ptl4Shift)

	for phys := mapStart &^ (ptl4Size - 1); phys < mapEnd; phys += ptl4Size {
		l3phys := m.setupL3(phys, mapStart, mapEnd)
		e := pageTableEntry(l3phys) | kernTableAttr
		pt[identIdx] = e
		pt[virtIdx] = e
		identIdx++
		virtIdx++
	}
}

// setupL3 builds one L3 table covering [pageHead, pageHead+512GB),
// populating only the slots intersecting the window.
func (m *Manager) setupL3(pageHead, start, end PhysAddr) PhysAddr {
	pt, ptPhys := m.newTable()
	for i := range pt {
		phys := pageHead + PhysAddr(i)<<ptl3Shift
		if phys+ptl3Size <= start || phys >= end {
			pt[i] = 0
			continue
		}
		pt[i] = pageTableEntry(m.setupL2(phys, start, end)) | kernTableAttr
	}
	return ptPhys
}

// setupL2 builds one L2 table of 2MB mappings for the window slice
// under it.
func (m *Manager) setupL2(pageHead, start, end PhysAddr) PhysAddr {
	pt, ptPhys := m.newTable()
	for i := range pt {
		phys := pageHead + PhysAddr(i)<<ptl2Shift
		if phys+ptl2Size <= start || phys >= end {
			pt[i] = 0
			continue
		}
		pt[i] = pageTableEntry(phys) | kernLargeAttr | pteFlagSize
	}
	return ptPhys
}

// mapLowGuard maps virtual 0 to physical 0 as one writable large
// page. Callers must not dereference through it without explicit
// intent; it exists for legacy firmware structures in low memory.
func (m *Manager) mapLowGuard(pt *pageTable) {
	if err := m.setPage(pt, 0, 0, AttrWritable|AttrLargePage); err != nil {
		fatal("pagetable: low guard mapping conflicts")
	}
}

// initTextArea maps the loaded image from its physical base to the
// kernel-text virtual base in large pages, with two large pages of
// slack past the image end.
func (m *Manager) initTextArea(pt *pageTable) {
	end := (m.layout.ImageEnd() + 2*LargePageSize - 1) &^ (LargePageSize - 1)
	nlpages := int(end-MapKernelStart) >> LargePageShift

	phys := m.layout.KernelPhysBase
	virt := MapKernelStart
	for i := 0; i < nlpages; i++ {
		if err := m.setPage(pt, virt, phys, AttrWritable|AttrLargePage); err != nil {
			fatal("pagetable: kernel text mapping conflicts")
		}
		virt += LargePageSize
		phys += LargePageSize
	}
}

// MapFixed maps size bytes of physical MMIO space at the next
// fixed-map addresses and returns the virtual address of phys. The
// region grows monotonically and is never reclaimed. The active table
// is reloaded before returning so the mapping is visible to the
// caller immediately.
func (m *Manager) MapFixed(phys PhysAddr, size uint64, uncachable bool) VirtAddr {
	poffset := phys & (PageSize - 1)
	paligned := phys.Align()
	npages := int((uint64(poffset) + size + PageSize - 1) >> PageShift)

	attr := AttrWritable
	if uncachable {
		attr |= AttrUncachable
	}

	v := m.fixedVirt
	for i := 0; i < npages; i++ {
		if err := m.setPage(m.root, m.fixedVirt, paligned, attr); err != nil {
			fatal("pagetable: fixed-map region conflicts")
		}
		m.fixedVirt += PageSize
		paligned += PageSize
	}

	m.Activate(nil)
	return v + VirtAddr(poffset)
}

// Activate installs t (nil selects the init root) as the active
// address translation root.
func (m *Manager) Activate(t *Table) {
	pt := m.tableFor(t)
	phys := m.arena.physOf(unsafe.Pointer(pt))
	m.activeRoot = phys
	if m.LoadHook != nil {
		m.LoadHook(phys)
	}
}

// ActiveRoot returns the physical address of the last activated root.
func (m *Manager) ActiveRoot() PhysAddr {
	return m.activeRoot
}
