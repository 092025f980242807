// SPDX-License-Identifier: Unlicense OR MIT

package dma

import (
	"unsafe"

	"golang.org/x/sys/unix"

	"cokernel.dev/cokernel/kernel"
	"cokernel.dev/cokernel/mmio"
)

const (
	numChannels = 8
	// Channels below hostChannelBase belong to the card side; the
	// host programs only the upper bank.
	hostChannelBase = 4

	// fragmentSize is the most one transfer descriptor can cover.
	fragmentSize = 64 << 10
	// unitShift converts byte lengths to 64-byte device units;
	// maxUnits is the largest unit count one descriptor encodes.
	unitShift = 6
	maxUnits  = 1024
)

// Device is one DMA engine: its SBOX register window, the allocator
// context its rings come from, and the channel bank. SystemBase is
// the offset at which the device's aperture exposes host physical
// memory; every host address crossing the engine gets it added.
type Device struct {
	regs       mmio.RegisterFile
	mem        *kernel.Memory
	layout     *kernel.Layout
	systemBase kernel.PhysAddr

	channels [numChannels]Channel

	onComplete func()
}

// NewDevice wires a DMA engine over the register window regs, drawing
// ring storage from mem.
func NewDevice(mem *kernel.Memory, regs mmio.RegisterFile, systemBase kernel.PhysAddr) *Device {
	return &Device{
		regs:       regs,
		mem:        mem,
		layout:     mem.Layout(),
		systemBase: systemBase,
	}
}

// Init allocates descriptor rings for the host-owned channels and
// programs their ring registers. Currently only the first host
// channel is brought up.
func (d *Device) Init() error {
	return d.initChannel(hostChannelBase)
}

// initChannel gives channel n one page of descriptor storage and
// resets its ring registers.
func (d *Device) initChannel(n int) error {
	ring := d.mem.AllocPage(kernel.AllocWait)
	if ring == 0 {
		return unix.ENOMEM
	}
	c := &d.channels[n]
	c.dev = d
	c.channel = n
	c.owner = true
	c.descCount = kernel.PageSize / descSize
	c.desc = unsafe.Slice(
		(*hwDesc)(unsafe.Pointer(&d.mem.Arena().BytesVirt(ring, kernel.PageSize)[0])),
		c.descCount)
	c.ringDev = d.toDeviceAddr(d.layout.VirtToPhys(ring))
	d.resetChannel(c)
	return nil
}

// resetChannel programs the ring base and zeroes both pointers. The
// base registers must be valid before the first doorbell write.
func (d *Device) resetChannel(c *Channel) {
	c.writeReg(regDRARLo, uint32(c.ringDev&0xffffffff))
	c.writeReg(regDRARHi, drarHi(c.ringDev, c.descCount))
	c.writeReg(regDTPR, 0)
	c.writeReg(regDHPR, 0)
	c.head, c.tail = 0, 0
}

// Channel returns host channel n. Host channel numbering starts at 0;
// the hardware bank offset is internal.
func (d *Device) Channel(n int) (*Channel, error) {
	if n < 0 || n >= numChannels-hostChannelBase {
		return nil, unix.EINVAL
	}
	return &d.channels[n+hostChannelBase], nil
}

// toDeviceAddr converts a host physical address into the device's
// address space through the system aperture.
func (d *Device) toDeviceAddr(p kernel.PhysAddr) uint64 {
	return uint64(p + d.systemBase)
}

// SetCompletionHandler registers fn to run after every completion
// interrupt, once the cached tails have been refreshed.
func (d *Device) SetCompletionHandler(fn func()) {
	d.onComplete = fn
}

// Start hooks the device into the DMA interrupt dispatch path.
func (d *Device) Start() {
	kernel.SetDMAHandler(d.HandleCompletion)
}

// HandleCompletion is the completion interrupt handler: it refreshes
// every owned channel's cached tail from the hardware consumption
// register, then runs the registered handler.
func (d *Device) HandleCompletion() {
	for i := range d.channels {
		c := &d.channels[i]
		if !c.owner {
			continue
		}
		c.mu.Lock()
		c.tail = int(c.readReg(regDTPR))
		c.mu.Unlock()
	}
	if d.onComplete != nil {
		d.onComplete()
	}
}
