// Package global holds spec.md §3's global state singleton: shared
// references to the kernel page directory, the process table, and the
// per-CPU list of scheduler instances. Exactly one instance exists,
// constructed once before interrupts are enabled; after that it is never
// reassigned, only read (spec.md §7's "Global singletons ... treat them as
// read-only references with internal locking").
package global

import (
	"github.com/open-computing-kit/ockernel/kernel"
	"github.com/open-computing-kit/ockernel/kernel/mm/vmm"
	"github.com/open-computing-kit/ockernel/kernel/sched"
	"github.com/open-computing-kit/ockernel/kernel/sync"
)

var errAlreadyInitialized = &kernel.Error{Module: "global", Message: "global state already initialized"}
var errNotInitialized = &kernel.Error{Module: "global", Message: "global state not initialized"}

// State is the singleton's payload. Fields are set once by Init and never
// mutated afterward; the types it points to (PageDirectory, ProcessTable,
// Scheduler) carry their own internal locking for the mutation that does
// happen during normal operation.
type State struct {
	KernelDir  *vmm.PageDirectory
	ProcTable  *sched.ProcessTable
	Schedulers []*sched.Scheduler
}

var (
	mu    sync.Spinlock
	state *State
)

// Init constructs the singleton. Calling it twice is a programming error and
// returns errAlreadyInitialized rather than silently replacing the existing
// state out from under readers that may already hold a *State.
func Init(kernelDir *vmm.PageDirectory, procTable *sched.ProcessTable, schedulers []*sched.Scheduler) *kernel.Error {
	mu.Acquire()
	defer mu.Release()

	if state != nil {
		return errAlreadyInitialized
	}
	state = &State{
		KernelDir:  kernelDir,
		ProcTable:  procTable,
		Schedulers: schedulers,
	}
	return nil
}

// Get returns the singleton, or errNotInitialized if Init has not run yet.
func Get() (*State, *kernel.Error) {
	mu.Acquire()
	defer mu.Release()

	if state == nil {
		return nil, errNotInitialized
	}
	return state, nil
}

// SchedulerFor returns the scheduler instance assigned to cpu, the per-CPU
// list spec.md's global state holds a reference to. This kernel never runs
// more than one CPU, so cpu is always 0 in practice, but the list shape is
// kept to match spec.md's literal "per-CPU scheduler list" wording rather
// than special-cased down to a single pointer.
func (s *State) SchedulerFor(cpu int) (*sched.Scheduler, bool) {
	if cpu < 0 || cpu >= len(s.Schedulers) {
		return nil, false
	}
	return s.Schedulers[cpu], true
}

// reset clears the singleton. Test-only: production code never un-inits
// global state (spec.md: "Lifetime = process lifetime; it is never
// destroyed").
func reset() {
	mu.Acquire()
	state = nil
	mu.Release()
}
