// SPDX-License-Identifier: Unlicense OR MIT

package kernel

// PageOps is the capability installed by a full physical page
// allocator once the boot sequence has one. Addresses are
// straight-map virtual.
type PageOps interface {
	// AllocPages returns n contiguous pages, or 0 if the allocator
	// is exhausted.
	AllocPages(n int, flag AllocFlag) VirtAddr
	// FreePages returns n pages starting at v to the allocator.
	FreePages(v VirtAddr, n int)
}

// ByteOps is the optional byte-granular extension of PageOps.
type ByteOps interface {
	Alloc(size int, flag AllocFlag) VirtAddr
	Free(v VirtAddr)
}

// ReserveFunc receives one physical region that the general
// allocator must not hand out.
type ReserveFunc func(start, end PhysAddr, flags int)

type allocPhase uint8

const (
	// phaseBootstrap satisfies page requests from the memory
	// immediately following the loaded image.
	phaseBootstrap allocPhase = iota
	// phaseDelegated routes all requests to the installed PageOps.
	phaseDelegated
	// phaseFinalized marks the bootstrap allocator retired with no
	// delegate; any further bootstrap request is a fatal usage error.
	phaseFinalized
)

// Memory is the allocator context for one physical window. It starts
// in the bootstrap phase, a monotonic page cursor seeded from the end
// of the loaded image, and transitions exactly once to a delegated
// allocator. The transition is irreversible.
type Memory struct {
	layout *Layout
	arena  *Arena

	phase allocPhase
	// cursor is the bootstrap bump pointer in straight-map space;
	// zero until the first bootstrap allocation derives it.
	cursor VirtAddr
	// heapEnd records the end of the bootstrap heap; it survives the
	// phase transition so boot reservations can cover it.
	heapEnd VirtAddr
	ops     PageOps

	// ReserveExtra is the platform extension invoked at the end of
	// ReserveBootRegions for micro-architecture specific regions.
	ReserveExtra func(start, end PhysAddr, cb ReserveFunc)
}

// NewMemory returns an allocator context in the bootstrap phase.
func NewMemory(l *Layout, a *Arena) *Memory {
	return &Memory{layout: l, arena: a}
}

// Layout returns the platform layout the context was built over.
func (m *Memory) Layout() *Layout { return m.layout }

// Arena returns the window backing storage.
func (m *Memory) Arena() *Arena { return m.arena }

// AllocPage returns one page. During bootstrap the page comes from
// the bump cursor; afterwards from the installed allocator. The page
// contents are undefined.
func (m *Memory) AllocPage(flag AllocFlag) VirtAddr {
	if m.phase == phaseDelegated {
		return m.ops.AllocPages(1, flag)
	}
	return m.earlyAllocPage()
}

// earlyAllocPage advances the bootstrap cursor by one page. On first
// use the cursor is derived from the image end by translating the
// text-space address into the straight map; it is never re-derived.
func (m *Memory) earlyAllocPage() VirtAddr {
	switch {
	case m.phase == phaseFinalized:
		fatal("alloc: bootstrap allocator is finalized, do not use it")
	case m.cursor == 0:
		end := m.layout.ImageEnd().AlignUp()
		m.cursor = m.layout.PhysToVirt(m.layout.VirtToPhys(end))
	}
	v := m.cursor
	m.cursor += PageSize
	m.heapEnd = m.cursor
	return v
}

// FreePage returns one page. Bootstrap pages are never individually
// freed, so this is a no-op until an allocator is installed.
func (m *Memory) FreePage(v VirtAddr) {
	if m.phase == phaseDelegated {
		m.ops.FreePages(v, 1)
	}
}

// AllocPages returns n contiguous pages, or 0 if no allocator is
// installed yet. There is no bootstrap fallback for multi-page
// requests.
func (m *Memory) AllocPages(n int, flag AllocFlag) VirtAddr {
	if m.phase == phaseDelegated {
		return m.ops.AllocPages(n, flag)
	}
	return 0
}

// FreePages returns n pages; a no-op without an installed allocator.
func (m *Memory) FreePages(v VirtAddr, n int) {
	if m.phase == phaseDelegated {
		m.ops.FreePages(v, n)
	}
}

// Allocate returns size bytes through the installed allocator's
// byte-granular path when it has one; otherwise the request rounds up
// to one page.
func (m *Memory) Allocate(size int, flag AllocFlag) VirtAddr {
	if m.phase == phaseDelegated {
		if b, ok := m.ops.(ByteOps); ok {
			return b.Alloc(size, flag)
		}
	}
	return m.AllocPages(1, flag)
}

// Free releases an allocation made by Allocate.
func (m *Memory) Free(v VirtAddr) {
	if m.phase == phaseDelegated {
		if b, ok := m.ops.(ByteOps); ok {
			b.Free(v)
			return
		}
	}
	m.FreePages(v, 1)
}

// InstallAllocator transitions the context to the delegated phase.
// The transition is one-shot; the bootstrap cursor is invalidated.
func (m *Memory) InstallAllocator(ops PageOps) {
	if m.phase == phaseDelegated {
		fatal("alloc: allocator already installed")
	}
	if ops == nil {
		fatal("alloc: nil allocator")
	}
	m.cursor = 0
	m.ops = ops
	m.phase = phaseDelegated
}

// FinalizeBootstrap retires the bootstrap allocator without
// installing a delegate. Later bootstrap allocations abort.
func (m *Memory) FinalizeBootstrap() {
	if m.phase == phaseBootstrap {
		m.phase = phaseFinalized
	}
}

// LastEarlyHeap returns the end of the bootstrap heap.
func (m *Memory) LastEarlyHeap() VirtAddr {
	if m.heapEnd != 0 {
		return m.heapEnd
	}
	return m.layout.PhysToVirt(m.layout.VirtToPhys(m.layout.ImageEnd().AlignUp()))
}

// ReserveBootRegions reports every physical region the general
// allocator must treat as off limits: the image together with the
// bootstrap heap, the AP-bringup trampoline, and the null page, then
// whatever the platform extension adds.
func (m *Memory) ReserveBootRegions(start, end PhysAddr, cb ReserveFunc) {
	cb(m.layout.KernelPhysBase, m.layout.VirtToPhys(m.LastEarlyHeap()), 0)
	cb(m.layout.TrampolineStart, m.layout.TrampolineStart+PhysAddr(m.layout.TrampolineSize), 0)
	cb(0, PageSize, 0)
	if m.ReserveExtra != nil {
		m.ReserveExtra(start, end, cb)
	}
}
