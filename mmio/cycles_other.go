// SPDX-License-Identifier: Unlicense OR MIT

//go:build !amd64

package mmio

import "time"

var epoch = time.Now()

// Cycles returns a monotonic nanosecond count standing in for the
// timestamp counter.
func Cycles() uint64 {
	return uint64(time.Since(epoch))
}
