// SPDX-License-Identifier: Unlicense OR MIT

package dma

import (
	"bytes"
	"encoding/binary"
	"runtime"
	"time"

	"github.com/cenkalti/backoff"
	"golang.org/x/sys/unix"

	"cokernel.dev/cokernel/kernel"
	"cokernel.dev/cokernel/mmio"
)

const (
	// selfTestMax bounds the buffers the test is willing to allocate.
	selfTestMax = 4 << 20
	// selfTestTag is the opaque value the status descriptor delivers.
	selfTestTag = 29
	// selfTestTimeout is the polling budget in cycles.
	selfTestTimeout = 3 << 30
)

// SelfTest pushes size bytes through host channel 0 and waits for the
// notification write. It returns the cycle count from doorbell to
// notification. unix.ENOMEM reports an oversized or unallocatable
// request, unix.ETIMEDOUT a device that never signalled, unix.EIO a
// completed transfer with corrupt data.
func SelfTest(dev *Device, size uint64) (uint64, error) {
	if size > selfTestMax {
		return 0, unix.ENOMEM
	}
	ch, err := dev.Channel(0)
	if err != nil {
		return 0, err
	}

	mem := dev.mem
	arena := mem.Arena()
	layout := dev.layout

	npages := int((size + kernel.PageSize - 1) >> kernel.PageShift)
	src := mem.AllocPages(npages, kernel.AllocWait)
	if src == 0 {
		return 0, unix.ENOMEM
	}
	defer mem.FreePages(src, npages)
	dst := mem.AllocPages(npages, kernel.AllocWait)
	if dst == 0 {
		return 0, unix.ENOMEM
	}
	defer mem.FreePages(dst, npages)
	notify := mem.AllocPages(1, kernel.AllocWait)
	if notify == 0 {
		return 0, unix.ENOMEM
	}
	defer mem.FreePages(notify, 1)

	sbuf := arena.BytesVirt(src, int(size))
	for i := range sbuf {
		sbuf[i] = byte(i)
	}
	dbuf := arena.BytesVirt(dst, int(size))
	for i := range dbuf {
		dbuf[i] = 0
	}
	fin := arena.BytesVirt(notify, 8)
	for i := range fin {
		fin[i] = 0
	}

	req := Request{
		Src:    layout.VirtToPhys(src),
		Dst:    layout.VirtToPhys(dst),
		Size:   size,
		Notify: layout.VirtToPhys(notify),
		Tag:    selfTestTag,
	}

	start := mmio.Cycles()
	submit := func() error {
		err := ch.Submit(&req)
		if err == unix.EBUSY {
			// Transient: the ring may drain.
			return err
		}
		if err != nil {
			return backoff.Permanent(err)
		}
		return nil
	}
	policy := backoff.NewExponentialBackOff()
	policy.MaxElapsedTime = 3 * time.Second
	if err := backoff.Retry(submit, policy); err != nil {
		return 0, err
	}

	deadline := start + selfTestTimeout
	for binary.LittleEndian.Uint64(fin) != selfTestTag {
		if mmio.Cycles() > deadline {
			return 0, unix.ETIMEDOUT
		}
		runtime.Gosched()
	}
	elapsed := mmio.Cycles() - start

	if !bytes.Equal(sbuf, dbuf) {
		return elapsed, unix.EIO
	}
	return elapsed, nil
}
