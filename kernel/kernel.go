// SPDX-License-Identifier: Unlicense OR MIT

// Package kernel manages the private physical memory slice and the
// address space of a partitioned secondary kernel: the boot-time
// physical page allocator, the 4-level page table built over the
// reserved window, the address translators for the straight-map and
// relocated kernel-text regions, and the DMA completion interrupt
// entry point.
package kernel

// kernError is an error type usable in kernel code.
type kernError string

func (k kernError) Error() string {
	return string(k)
}

// Recoverable mapping errors returned by the page table manager.
const (
	// ErrConflict reports an attempt to remap a committed virtual
	// address to a different backing page.
	ErrConflict = kernError("kernel: page mapping conflict")
	// ErrNotMapped reports a clear or query of an absent mapping.
	ErrNotMapped = kernError("kernel: page not mapped")
)

// AllocFlag qualifies an allocation request. The bootstrap allocator
// ignores flags; installed allocators may use them to select a
// behavior under memory pressure.
type AllocFlag uint32

const (
	// AllocWait is the default allocation behavior.
	AllocWait AllocFlag = iota
	// AllocAtomic requests an allocation that must not block.
	AllocAtomic
)

// fatal aborts on errors that have no recovery path, such as
// allocation failure during mandatory page table growth.
func fatal(msg string) {
	panic(kernError(msg))
}
