package sched

import (
	"github.com/open-computing-kit/ockernel/kernel/gate"
	"github.com/open-computing-kit/ockernel/kernel/mm/vmm"
)

// Pid identifies a task within a ProcessTable. Zero is never a valid,
// assigned pid.
type Pid int32

// ExecMode is a task's run state, spec.md §3's exec_mode field.
type ExecMode int

const (
	// Running means the task is eligible to be scheduled (it may
	// currently be sitting on a run queue, or be the one executing).
	Running ExecMode = iota
	// Blocked means the task is waiting on an async operation to
	// complete (kernel/sched.BlockUntil) and must not be queued.
	Blocked
	// Exited means the task has terminated; its record is about to be
	// (or has been) removed from the process table.
	Exited
)

func (m ExecMode) String() string {
	switch m {
	case Running:
		return "running"
	case Blocked:
		return "blocked"
	case Exited:
		return "exited"
	default:
		return "unknown"
	}
}

// Task is spec.md §3's schedulable entity: in this system synonymous with
// "process," since there are no kernel threads.
type Task struct {
	Pid Pid

	// Registers holds the saved CPU register snapshot for this task while
	// it is not the one currently executing.
	Registers gate.Registers

	ExecMode ExecMode

	// Niceness biases priority; lower is more favorable, range [-20, 20].
	Niceness int32

	// CPUTime is a decaying estimate of recent CPU usage, Q17.14 fixed
	// point (spec.md §4.7).
	CPUTime int64

	// Dir is the task's owning page directory. The scheduler only ever
	// borrows this reference while the task is on a run queue; the
	// process table is the sole owner (spec.md §3's ownership rules).
	Dir *vmm.PageDirectory

	ParentPid Pid
	Children  []Pid

	// pending holds the in-flight block descriptor while ExecMode is
	// Blocked, nil otherwise.
	pending *BlockToken

	// expectedSliceTicks is the tick at which the slice this task was
	// picked for ends (pick tick plus TimeSlice). A full slice is charged
	// to CPUTime at pick time and corrected to the actual elapsed ticks at
	// preemption (spec.md §4.7's "Time slice").
	expectedSliceTicks uint64
}

// priority implements spec.md §4.7's priority-assignment formula:
//
//	priority = clamp(MAX_PRIORITY - (cpu_time/4 + niceness*2), 0, MAX_PRIORITY)
//
// evaluated in Q17.14 and then shifted down to an integer queue index.
func (t *Task) priority() int {
	niceQ := int64(t.Niceness) * 2 * fixedPointOne
	raw := int64(MaxPriority)*fixedPointOne - (t.CPUTime/4 + niceQ)
	p := int(raw >> 14)

	if p < 0 {
		return 0
	}
	if p > MaxPriority {
		return MaxPriority
	}
	return p
}
