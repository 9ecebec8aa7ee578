package sync

import "sync/atomic"

// archAcquireSpinlock busy-waits until state can be swapped from 0 to 1.
// After attemptsBeforeYielding failed attempts it calls yieldFn (when set)
// to give other goroutines a chance to run; this matters for the Go test
// suite, which runs spinlocks across real OS threads, and is harmless on
// bare metal where yieldFn is nil.
func archAcquireSpinlock(state *uint32, attemptsBeforeYielding uint32) {
	var attempts uint32
	for !atomic.CompareAndSwapUint32(state, 0, 1) {
		attempts++
		if attempts >= attemptsBeforeYielding && yieldFn != nil {
			yieldFn()
			attempts = 0
		}
	}
}
