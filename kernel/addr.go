// SPDX-License-Identifier: Unlicense OR MIT

package kernel

// PhysAddr is an address in the declared physical window.
type PhysAddr uintptr

// VirtAddr is an address in the secondary kernel's virtual address
// space. PhysAddr and VirtAddr are distinct types so that a missing
// translation is a compile error rather than a corrupted mapping.
type VirtAddr uintptr

// Page granularities of the managed address space.
const (
	PageShift = 12
	PageSize  = 1 << PageShift

	LargePageShift = 21
	LargePageSize  = 1 << LargePageShift
)

// Fixed virtual regions of the secondary kernel's address space.
const (
	// MapStraightStart is the base of the straight map: every
	// physical address p in the window is visible at
	// MapStraightStart+p.
	MapStraightStart VirtAddr = 0xffff800000000000
	// MapFixedStart is the base of the fixed-map region used for
	// device MMIO mappings. It only ever grows.
	MapFixedStart VirtAddr = 0xffff860000000000
	// MapKernelStart is the virtual base the kernel image is linked
	// against; the image's physical load address is relocatable.
	MapKernelStart VirtAddr = 0xffffffff80000000
)

// Align rounds the address down to the page size.
func (a VirtAddr) Align() VirtAddr {
	return a &^ (PageSize - 1)
}

// AlignUp rounds the address up to the page size.
func (a VirtAddr) AlignUp() VirtAddr {
	return (a + PageSize - 1) &^ (PageSize - 1)
}

// AlignLarge rounds the address down to the large page size.
func (a VirtAddr) AlignLarge() VirtAddr {
	return a &^ (LargePageSize - 1)
}

// Align rounds the address down to the page size.
func (p PhysAddr) Align() PhysAddr {
	return p &^ (PageSize - 1)
}

// AlignUp rounds the address up to the page size.
func (p PhysAddr) AlignUp() PhysAddr {
	return (p + PageSize - 1) &^ (PageSize - 1)
}

// AlignLarge rounds the address down to the large page size.
func (p PhysAddr) AlignLarge() PhysAddr {
	return p &^ (LargePageSize - 1)
}

// VirtToPhys translates a kernel virtual address to its physical
// address. Addresses in the kernel-text region use the image
// relocation offset; everything else is assumed to be in the
// straight map.
func (l *Layout) VirtToPhys(v VirtAddr) PhysAddr {
	if v >= MapKernelStart {
		return l.KernelPhysBase + PhysAddr(v-MapKernelStart)
	}
	return PhysAddr(v - MapStraightStart)
}

// PhysToVirt translates a physical address to its straight-map
// virtual address.
func (l *Layout) PhysToVirt(p PhysAddr) VirtAddr {
	return MapStraightStart + VirtAddr(p)
}
