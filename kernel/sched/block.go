package sched

import "github.com/open-computing-kit/ockernel/kernel/sync"

// BlockToken is the handle a blocking syscall hands to the code that will
// eventually complete it (an IRQ handler, a device driver callback, another
// task). Completing it is the only way the blocked task becomes Running
// again, per spec.md §4.7's "Blocking" contract.
type BlockToken struct {
	mu sync.Spinlock

	sched *Scheduler
	pid   Pid

	// fired is set once Complete has run; a second call is a no-op so a
	// retired token that outlives its task (or fires twice from racing
	// completions) can never double-requeue.
	fired bool

	// used records whether setup actually needed the token, i.e. the
	// operation did not complete synchronously. BlockUntil consults this
	// after setup returns to decide whether to restore Running immediately.
	used bool
}

// BlockUntil marks task Blocked and invokes setup with a token that, when
// Complete is called, resumes it. If setup completes the operation
// synchronously without ever needing the token (it never touches it at
// all), the task is Running again by the time BlockUntil returns and the
// scheduler is never asked to requeue it — spec.md §4.7's S6 scenario.
// setup must call Arm before Complete can requeue the task; a setup that
// calls Complete without ever calling Arm leaves the token unused and
// Complete becomes a no-op (see Complete's own doc comment).
func BlockUntil(s *Scheduler, task *Task, setup func(*BlockToken)) {
	token := &BlockToken{sched: s, pid: task.Pid}

	task.ExecMode = Blocked
	task.pending = token

	setup(token)

	if !token.used {
		task.ExecMode = Running
		task.pending = nil
	}
}

// markUsed records that the caller intends to complete asynchronously; it
// must be called by setup before it returns if it is not completing
// synchronously (e.g. because it registered a device callback that will
// call Complete later, from a different stack).
func (tok *BlockToken) markUsed() {
	tok.mu.Acquire()
	tok.used = true
	tok.mu.Release()
}

// Arm is the method setup calls to hand off to an asynchronous completer;
// it both marks the token used and returns it for the completer to hold.
func (tok *BlockToken) Arm() *BlockToken {
	tok.markUsed()
	return tok
}

// Complete resumes the blocked task with the given return value written
// into EAX (spec.md's syscall ABI convention), and requeues it unless the
// task was destroyed while the token was outstanding — spec.md §5's "a task
// destroyed while holding outstanding block tokens observes those tokens as
// no-ops when they fire." Complete only requeues a token that Arm actually
// armed: a setup that calls Complete directly, without ever calling Arm,
// never gave up ownership of the task to begin with (BlockUntil's own
// fallback already restores it to Running), so requeuing here too would
// push the task onto a run queue twice.
func (tok *BlockToken) Complete(retval uint32) {
	tok.mu.Acquire()
	if tok.fired || !tok.used {
		tok.mu.Release()
		return
	}
	tok.fired = true
	tok.mu.Release()

	task, ok := tok.sched.tasks.Get(tok.pid)
	if !ok || task.pending != tok || task.ExecMode == Exited {
		return
	}

	task.Registers.EAX = retval
	task.ExecMode = Running
	task.pending = nil
	tok.sched.Push(tok.pid)
}
