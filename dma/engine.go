// SPDX-License-Identifier: Unlicense OR MIT

package dma

import (
	"encoding/binary"
	"sync"

	"cokernel.dev/cokernel/kernel"
)

// Engine is a software model of the DMA hardware for hosted runs: a
// register file whose doorbell writes consume descriptor rings
// against an Arena-backed host aperture. It follows the hardware
// contract visible to the driver: descriptors are consumed in ring
// order, the tail-pointer register tracks consumption, and status
// descriptors raise interrupts or write notification qwords.
type Engine struct {
	arena *kernel.Arena
	base  uint64 // system aperture offset of host memory

	// Manual suspends consumption on doorbell writes; tests drive
	// the ring with Consume to model a slow device.
	Manual bool
	// OnInterrupt receives interrupt-flagged status completions. It
	// is called from a fresh goroutine, as a hardware interrupt would
	// arrive asynchronously.
	OnInterrupt func()

	mu       sync.Mutex
	regs     map[uint32]uint32
	devLocal []byte
}

// NewEngine models a device whose aperture exposes host memory at
// offset base and which carries devLocalSize bytes of on-device
// memory at device address 0.
func NewEngine(arena *kernel.Arena, base kernel.PhysAddr, devLocalSize int) *Engine {
	return &Engine{
		arena:    arena,
		base:     uint64(base),
		regs:     make(map[uint32]uint32),
		devLocal: make([]byte, devLocalSize),
	}
}

// DeviceMemory exposes the modeled on-device memory.
func (e *Engine) DeviceMemory() []byte {
	return e.devLocal
}

// ReadRegister implements mmio.RegisterFile.
func (e *Engine) ReadRegister(off uint32) uint32 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.regs[off]
}

// WriteRegister implements mmio.RegisterFile. A head-pointer write is
// the doorbell: unless Manual is set, the engine consumes every
// outstanding descriptor before returning.
func (e *Engine) WriteRegister(off uint32, val uint32) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.regs[off] = val
	if e.Manual {
		return
	}
	if off >= regDHPR && (off-regDHPR)%regBankStride == 0 {
		bank := off - regDHPR
		e.consume(bank, int(e.regs[regDHPR+bank]))
	}
}

// Consume processes up to n descriptors on hardware channel ch,
// advancing the tail pointer. It drives Manual-mode rings.
func (e *Engine) Consume(ch int, n int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	bank := uint32(ch) * regBankStride
	tail := int(e.regs[regDTPR+bank])
	head := int(e.regs[regDHPR+bank])
	count := drarCount(e.regs[regDRARHi+bank])
	if count == 0 {
		return
	}
	for i := 0; i < n && tail != head; i++ {
		tail = e.step(bank, tail, count)
	}
}

// consume drains the ring of the bank whose head register was just
// written.
func (e *Engine) consume(bank uint32, head int) {
	count := drarCount(e.regs[regDRARHi+bank])
	if count == 0 {
		return
	}
	tail := int(e.regs[regDTPR+bank])
	for tail != head {
		tail = e.step(bank, tail, count)
	}
}

// step executes the descriptor at tail and returns the advanced tail,
// with the tail-pointer register updated.
func (e *Engine) step(bank uint32, tail, count int) int {
	ring := drarBase(e.regs[regDRARLo+bank], e.regs[regDRARHi+bank])
	d := e.readDesc(ring, tail)

	switch d.descType() {
	case descTypeTransfer:
		t := decodeTransfer(d)
		n := int(t.Units) << unitShift
		copy(e.bytes(t.Dst, n), e.bytes(t.Src, n))
	case descTypeStatus:
		s := decodeStatus(d)
		if s.Interrupt {
			if fn := e.OnInterrupt; fn != nil {
				go fn()
			}
		} else {
			binary.LittleEndian.PutUint64(e.bytes(s.Notify, 8), s.Tag)
		}
	}

	tail++
	if tail >= count {
		tail = 0
	}
	e.regs[regDTPR+bank] = uint32(tail)
	return tail
}

func (e *Engine) readDesc(ring uint64, slot int) hwDesc {
	b := e.bytes(ring+uint64(slot*descSize), descSize)
	return hwDesc{
		qw0: binary.LittleEndian.Uint64(b[0:8]),
		qw1: binary.LittleEndian.Uint64(b[8:16]),
	}
}

// bytes resolves a device-visible address: addresses past the system
// aperture land in host memory, the rest in on-device memory.
func (e *Engine) bytes(addr uint64, n int) []byte {
	if addr >= e.base {
		return e.arena.Bytes(kernel.PhysAddr(addr-e.base), n)
	}
	if int(addr)+n > len(e.devLocal) {
		panic("dma: engine access outside modeled device memory")
	}
	return e.devLocal[addr : addr+uint64(n)]
}
