// SPDX-License-Identifier: Unlicense OR MIT

package dma

import (
	"sync"

	"golang.org/x/sys/unix"

	"cokernel.dev/cokernel/kernel"
)

// Channel is one hardware descriptor ring. head is the next slot the
// producer writes; tail is the last-known hardware consumption point,
// refreshed from the tail-pointer register. One slot always stays
// free so head and tail are unambiguous when equal.
type Channel struct {
	dev     *Device
	channel int
	owner   bool

	mu        sync.Mutex
	desc      []hwDesc
	descCount int
	ringDev   uint64
	head      int
	tail      int
}

// Request describes one DMA transfer. Src, Dst and Notify are host
// physical addresses unless the matching Device flag marks them as
// already device-native. A completion signal is appended when
// Interrupt is set or Notify is non-zero; Tag rides along with the
// notification write.
type Request struct {
	Src       kernel.PhysAddr
	SrcDevice bool
	Dst       kernel.PhysAddr
	DstDevice bool
	Size      uint64

	Interrupt    bool
	Notify       kernel.PhysAddr
	NotifyDevice bool
	Tag          uint64
}

// Submit enqueues req on the channel and rings the doorbell. It
// returns unix.EINVAL on a channel with no ring and unix.EBUSY when
// the ring has no room for the whole request; backpressure is the
// caller's problem. No request is ever partially enqueued.
func (c *Channel) Submit(req *Request) error {
	if c.desc == nil {
		return unix.EINVAL
	}

	// One transfer descriptor per 64KiB fragment.
	cdesc := int((req.Size + fragmentSize - 1) / fragmentSize)
	ndesc := cdesc
	if req.Interrupt || req.Notify != 0 {
		ndesc++
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.checkRoom(ndesc) {
		return unix.EBUSY
	}

	src := uint64(req.Src)
	if !req.SrcDevice {
		src = c.dev.toDeviceAddr(req.Src)
	}
	dst := uint64(req.Dst)
	if !req.DstDevice {
		dst = c.dev.toDeviceAddr(req.Dst)
	}

	units := int((req.Size + (1 << unitShift) - 1) >> unitShift)
	for i := 0; i < cdesc; i++ {
		n := units
		if n > maxUnits {
			n = maxUnits
			units -= maxUnits
		}
		off := uint64(i) << 16
		*c.proceedHead() = encodeTransfer(Transfer{
			Src:   src + off,
			Dst:   dst + off,
			Units: uint32(n),
		})
	}

	if req.Interrupt || req.Notify != 0 {
		s := Status{Interrupt: req.Interrupt}
		if !req.Interrupt {
			s.Notify = uint64(req.Notify)
			if !req.NotifyDevice {
				s.Notify = c.dev.toDeviceAddr(req.Notify)
			}
			s.Tag = req.Tag
		}
		*c.proceedHead() = encodeStatus(s)
	}

	// The device may start consuming at this write; every descriptor
	// field must be complete before it.
	c.writeReg(regDHPR, uint32(c.head))
	return nil
}

// checkRoom reports whether ndesc slots are free, unwrapping the tail
// past the head so the comparison is a linear distance. The cached
// tail is refreshed from hardware exactly once if the first check
// fails. Strict less-than keeps one slot as padding.
func (c *Channel) checkRoom(ndesc int) bool {
	h, t := c.head, c.tail
	for refreshed := false; ; refreshed = true {
		if t <= h {
			t += c.descCount
		}
		if h+ndesc < t {
			return true
		}
		if refreshed {
			return false
		}
		c.tail = int(c.readReg(regDTPR))
		t = c.tail
	}
}

// proceedHead advances the head and returns the zeroed slot at the
// original position.
func (c *Channel) proceedHead() *hwDesc {
	d := &c.desc[c.head]
	c.head++
	if c.head >= c.descCount {
		c.head = 0
	}
	*d = hwDesc{}
	return d
}

func (c *Channel) readReg(off uint32) uint32 {
	return c.dev.regs.ReadRegister(off + regBankStride*uint32(c.channel))
}

func (c *Channel) writeReg(off uint32, val uint32) {
	c.dev.regs.WriteRegister(off+regBankStride*uint32(c.channel), val)
}
