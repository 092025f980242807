// SPDX-License-Identifier: Unlicense OR MIT

package kernel

import (
	"testing"
)

func TestDMACompletionDispatch(t *testing.T) {
	calls := 0
	SetDMAHandler(func() { calls++ })
	defer SetDMAHandler(nil)

	DispatchDMACompletion()
	DispatchDMACompletion()
	if calls != 2 {
		t.Fatalf("handler ran %d times, want 2", calls)
	}

	// An unset handler is not an error.
	SetDMAHandler(nil)
	DispatchDMACompletion()
}
