// SPDX-License-Identifier: Unlicense OR MIT

package kernel

import (
	"unsafe"

	"golang.org/x/sys/unix"
)

// Arena is the backing storage for the declared physical window. On a
// deployed host it is the reserved physical slice mapped into the
// driver; hosted runs back it with an anonymous mapping. Pages are
// faulted in lazily, so a sparse window costs only the pages actually
// touched.
type Arena struct {
	layout *Layout
	mem    []byte
}

// NewArena maps backing storage for the whole physical window.
func NewArena(l *Layout) (*Arena, error) {
	mem, err := unix.Mmap(-1, 0, int(l.WindowSize()),
		unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		return nil, err
	}
	return &Arena{layout: l, mem: mem}, nil
}

// Close releases the backing storage. No address derived from the
// arena may be used afterwards.
func (a *Arena) Close() error {
	mem := a.mem
	a.mem = nil
	return unix.Munmap(mem)
}

// Bytes returns the n bytes of window storage starting at p.
func (a *Arena) Bytes(p PhysAddr, n int) []byte {
	off := a.offset(p)
	if off+n > len(a.mem) {
		fatal("arena: range extends past the physical window")
	}
	return a.mem[off : off+n : off+n]
}

// BytesVirt returns the n bytes of window storage backing the
// straight-map or kernel-text virtual address v.
func (a *Arena) BytesVirt(v VirtAddr, n int) []byte {
	return a.Bytes(a.layout.VirtToPhys(v), n)
}

// pointer returns the host pointer backing the kernel virtual
// address v.
func (a *Arena) pointer(v VirtAddr) unsafe.Pointer {
	return unsafe.Pointer(&a.mem[a.offset(a.layout.VirtToPhys(v))])
}

// physOf recovers the physical address of a host pointer previously
// obtained from the arena.
func (a *Arena) physOf(p unsafe.Pointer) PhysAddr {
	off := uintptr(p) - uintptr(unsafe.Pointer(&a.mem[0]))
	if off >= uintptr(len(a.mem)) {
		fatal("arena: pointer outside the physical window")
	}
	return a.layout.MapStart + PhysAddr(off)
}

func (a *Arena) offset(p PhysAddr) int {
	if p < a.layout.MapStart || p >= a.layout.MapEnd {
		fatal("arena: physical address outside the declared window")
	}
	return int(p - a.layout.MapStart)
}
