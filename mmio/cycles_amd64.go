// SPDX-License-Identifier: Unlicense OR MIT

//go:build amd64

package mmio

// Cycles returns the CPU timestamp counter. Deadline arithmetic on
// the result must tolerate unsynchronized counters across packages.
func Cycles() uint64
