// Package timer implements spec.md §4.6's monotonic tick source: a 64-bit
// tick counter advanced by a periodic hardware interrupt, plus an ordered
// set of one-shot timeouts serviced in fire-tick order on each tick.
package timer

import (
	"container/heap"
	"sync/atomic"

	"github.com/open-computing-kit/ockernel/kernel/sync"
)

// Callback is invoked when a Timeout fires, passed the tick it fired on. It
// may register new timeouts on the same Timer (spec.md §4.6).
type Callback func(now uint64)

// Timeout is a single registered callback keyed on a fire tick. Disabling a
// timeout does not remove it from the timer's internal heap; spec.md §4.6
// specifies "setting it to u64::MAX effectively disables the timeout
// without removing it" — here a separate atomic flag plays that role so the
// registered fire tick used for heap ordering never needs to change.
type Timeout struct {
	fireTick uint64
	seq      uint64
	disabled uint32
	callback Callback
}

// Disable makes this timeout a no-op the next time it would otherwise fire,
// without touching the timer's internal ordering.
func (t *Timeout) Disable() {
	atomic.StoreUint32(&t.disabled, 1)
}

func (t *Timeout) isDisabled() bool {
	return atomic.LoadUint32(&t.disabled) != 0
}

// timeoutHeap orders Timeouts by fire tick, ties broken by registration
// order, so repeated Pop calls while the root is due yield exactly the
// fire-tick-then-registration-order sequence spec.md §4.6 requires.
type timeoutHeap []*Timeout

func (h timeoutHeap) Len() int { return len(h) }
func (h timeoutHeap) Less(i, j int) bool {
	if h[i].fireTick != h[j].fireTick {
		return h[i].fireTick < h[j].fireTick
	}
	return h[i].seq < h[j].seq
}
func (h timeoutHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *timeoutHeap) Push(x interface{}) {
	*h = append(*h, x.(*Timeout))
}
func (h *timeoutHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return item
}

// Timer is a single monotonic tick source with an associated min-heap of
// pending timeouts. One instance is created per scheduler (spec.md §4.7's
// "per-CPU scheduler list"), each driven by the same hardware rate.
type Timer struct {
	mu sync.Spinlock

	tick uint64
	hz   uint64
	seq  uint64

	pending timeoutHeap
}

// New creates a Timer advanced at the given rate (ticks per second).
func New(hz uint64) *Timer {
	if hz == 0 {
		hz = 1
	}
	return &Timer{hz: hz}
}

// Hz returns the configured tick rate.
func (t *Timer) Hz() uint64 { return t.hz }

// Millis returns how many ticks make up one millisecond, rounded down to a
// minimum of one tick; spec.md §4.7's TIME_SLICE is expressed in units of
// whatever this yields.
func (t *Timer) Millis() uint64 {
	m := t.hz / 1000
	if m == 0 {
		return 1
	}
	return m
}

// Now returns the current tick count.
func (t *Timer) Now() uint64 {
	return atomic.LoadUint64(&t.tick)
}

// TimeoutAt registers a callback to fire once the tick counter reaches (or
// has already passed) fireTick.
func (t *Timer) TimeoutAt(fireTick uint64, cb Callback) *Timeout {
	t.mu.Acquire()
	defer t.mu.Release()

	to := &Timeout{fireTick: fireTick, seq: t.seq, callback: cb}
	t.seq++
	heap.Push(&t.pending, to)
	return to
}

// TimeoutIn registers a callback to fire delta ticks from now.
func (t *Timer) TimeoutIn(delta uint64, cb Callback) *Timeout {
	return t.TimeoutAt(t.Now()+delta, cb)
}

// Tick advances the tick counter by one and services every timeout whose
// fire tick is now due, in fire-tick order with ties broken by registration
// order, per spec.md §4.6. Runs with interrupts disabled in a tick-service
// context that completes before the next tick, per spec.md §5 — callers are
// expected to call this from the timer IRQ handler.
func (t *Timer) Tick() {
	now := atomic.AddUint64(&t.tick, 1)

	for {
		t.mu.Acquire()
		if len(t.pending) == 0 || t.pending[0].fireTick > now {
			t.mu.Release()
			return
		}
		due := heap.Pop(&t.pending).(*Timeout)
		t.mu.Release()

		if !due.isDisabled() {
			due.callback(now)
		}
	}
}
