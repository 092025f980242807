// SPDX-License-Identifier: Unlicense OR MIT

package kernel

// dmaHandler is the registered completion handler; the interrupt
// trampoline calls through it with interrupts still disabled.
var dmaHandler func()

// SetDMAHandler registers the handler invoked for every DMA
// completion interrupt. It must be set before the engine raises its
// first interrupt.
func SetDMAHandler(fn func()) {
	dmaHandler = fn
}

// dmaCompletion is the Go half of the DMA interrupt path. The asm
// trampoline has already saved the caller's registers and loaded the
// kernel data segment.
//
//go:nosplit
func dmaCompletion() {
	if dmaHandler != nil {
		dmaHandler()
	}
}

// DispatchDMACompletion delivers a completion exactly as the
// interrupt path would. Hosted device models call it in place of a
// hardware interrupt.
func DispatchDMACompletion() {
	dmaCompletion()
}
