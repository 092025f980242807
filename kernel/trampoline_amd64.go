// SPDX-License-Identifier: Unlicense OR MIT

//go:build amd64

package kernel

// Flat kernel data segment selector (GDT slot 2, ring 0).
const kernelDataSelector = 2 << 3

// dmaInterruptTrampoline is the interrupt entry for DMA completion
// vectors. It saves all general purpose registers and the caller's
// data segment, switches to the kernel data segment, calls
// dmaCompletion, and returns with IRETQ.
func dmaInterruptTrampoline()

// AddrOfDMAInterruptTrampoline returns the entry address to install
// into an interrupt gate.
func AddrOfDMAInterruptTrampoline() uintptr
