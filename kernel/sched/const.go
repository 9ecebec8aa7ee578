// Package sched implements spec.md §4.7's 4.4BSD-style multi-level feedback
// queue scheduler: priority run queues keyed on a decaying CPU-time
// estimate and a nice value, fork/exec/exit semantics, and the
// block-until-async-completes primitive used by blocking syscalls.
package sched

// MaxPriority is the highest (most favorable) run-queue index; spec.md §3
// specifies MAX_PRIORITY+1 = 64 queues.
const MaxPriority = 63

// NumQueues is the number of FIFO run queues, one per priority level.
const NumQueues = MaxPriority + 1

// TimeSlice is the number of ticks a task runs before being preempted,
// spec.md §4.7.
const TimeSlice = 6

// fixedPointOne is 1.0 in Q17.14 fixed point.
const fixedPointOne = int64(1 << 14)

// WaitStackSize is the size of the dedicated idle/"wait around" stack the
// scheduler switches to when no task is runnable (spec.md §4.7's "Idle").
const WaitStackSize = 0x1000
