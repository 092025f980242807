// SPDX-License-Identifier: Unlicense OR MIT

// Package mmio provides 32-bit register access to memory mapped
// device windows.
package mmio

import (
	"os"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/unix"
)

// RegisterFile is a device register window. Offsets are in bytes and
// must be 4-byte aligned; accesses are single, uncombined 32-bit
// loads and stores.
type RegisterFile interface {
	ReadRegister(off uint32) uint32
	WriteRegister(off uint32, val uint32)
}

// Window is a RegisterFile over mapped memory.
type Window struct {
	mem    []byte
	mapped bool
}

// NewWindow wraps an existing byte slice as a register window. The
// slice must be 4-byte aligned and live at least as long as the
// window.
func NewWindow(mem []byte) *Window {
	return &Window{mem: mem}
}

// MapResource maps size bytes of a device resource file (a PCI BAR
// under sysfs, or /dev/mem with an offset) as a register window.
func MapResource(path string, offset int64, size int) (*Window, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	mem, err := unix.Mmap(int(f.Fd()), offset, size,
		unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, err
	}
	return &Window{mem: mem, mapped: true}, nil
}

// Close unmaps a window created by MapResource.
func (w *Window) Close() error {
	mem := w.mem
	w.mem = nil
	if !w.mapped {
		return nil
	}
	return unix.Munmap(mem)
}

// ReadRegister performs one 32-bit load at off.
func (w *Window) ReadRegister(off uint32) uint32 {
	return atomic.LoadUint32(w.reg(off))
}

// WriteRegister performs one 32-bit store at off.
func (w *Window) WriteRegister(off uint32, val uint32) {
	atomic.StoreUint32(w.reg(off), val)
}

func (w *Window) reg(off uint32) *uint32 {
	if off&3 != 0 || int(off)+4 > len(w.mem) {
		panic("mmio: misaligned or out of range register access")
	}
	return (*uint32)(unsafe.Pointer(&w.mem[off]))
}
