package sched

import (
	"sync/atomic"

	"github.com/open-computing-kit/ockernel/kernel/gate"
	"github.com/open-computing-kit/ockernel/kernel/mm"
	"github.com/open-computing-kit/ockernel/kernel/mm/vmm"
	"github.com/open-computing-kit/ockernel/kernel/sync"
	"github.com/open-computing-kit/ockernel/kernel/timer"
)

// Scheduler is spec.md §4.7's 4.4BSD-style MLFQ run-queue set: one FIFO
// queue per priority level, a decaying per-task CPU-time estimate and
// system-wide load average, and a timer-driven preemption hook.
type Scheduler struct {
	mu sync.Spinlock

	queues [NumQueues]runQueue
	tasks  *ProcessTable
	tm     *timer.Timer

	current Pid  // 0 while idle
	idle    bool // parked on waitStack, no task owns the CPU

	readyTasks int64 // atomic: tasks currently sitting on a queue
	loadAvg    int64 // atomic, Q17.14: spec.md §4.7's decaying load average

	forceContextSwitch uint32 // atomic bool; consumed by the next Preempt

	kernelDir *vmm.PageDirectory
	waitStack []byte
}

// switchDirectoryFn installs a directory into the MMU. Replaced in tests,
// which cannot otherwise exercise switchFrom without tripping real,
// privileged CR3-load machine code (the same reason kernel/mm/vmm mocks its
// own switchToFn internally).
var switchDirectoryFn = func(dir *vmm.PageDirectory) { dir.SwitchTo() }

// NewScheduler builds an idle scheduler and arms the per-second load decay.
func NewScheduler(tm *timer.Timer, tasks *ProcessTable, kernelDir *vmm.PageDirectory) *Scheduler {
	s := &Scheduler{
		tasks:     tasks,
		tm:        tm,
		kernelDir: kernelDir,
		waitStack: make([]byte, WaitStackSize),
		idle:      true,
	}
	tm.TimeoutIn(tm.Hz(), s.everySecond)
	return s
}

// everySecond decays the load average and every task's CPU-time estimate,
// then re-arms itself a second later (spec.md §4.7's "Priority decay").
func (s *Scheduler) everySecond(uint64) {
	ready := atomic.LoadInt64(&s.readyTasks)
	cur := atomic.LoadInt64(&s.loadAvg)
	newAvg := (59*cur + (ready << 14)) / 60
	atomic.StoreInt64(&s.loadAvg, newAvg)

	decayNum := 2 * newAvg
	decayDen := 2*newAvg + fixedPointOne
	ratio := fixedPointDiv(decayNum, decayDen)

	s.tasks.ForEach(func(t *Task) {
		if t.ExecMode == Exited {
			return
		}
		t.CPUTime = fixedPointMul(ratio, t.CPUTime) + int64(t.Niceness)*fixedPointOne
	})

	s.tm.TimeoutIn(s.tm.Hz(), s.everySecond)
}

func fixedPointDiv(a, b int64) int64 {
	if b == 0 {
		return 0
	}
	return (a << 14) / b
}

func fixedPointMul(a, b int64) int64 { return (a * b) >> 14 }

// Push makes a Running task eligible to be picked, filed under the queue
// its current priority() maps to. Blocked and Exited tasks are silently
// ignored: a stale Push racing a task's own exit is a no-op, not an error.
func (s *Scheduler) Push(pid Pid) {
	task, ok := s.tasks.Get(pid)
	if !ok || task.ExecMode != Running {
		return
	}

	s.mu.Acquire()
	s.queues[task.priority()].push(pid)
	s.mu.Release()

	atomic.AddInt64(&s.readyTasks, 1)
}

// pop scans queues from MaxPriority down to 0 and returns the first pid
// that still names a Running task, discarding any that have since blocked
// or exited without crediting them against readyTasks twice.
func (s *Scheduler) pop() (Pid, bool) {
	s.mu.Acquire()
	defer s.mu.Release()

	for p := MaxPriority; p >= 0; p-- {
		for {
			pid, ok := s.queues[p].pop()
			if !ok {
				break
			}
			task, exists := s.tasks.Get(pid)
			if !exists || task.ExecMode != Running {
				continue
			}
			atomic.AddInt64(&s.readyTasks, -1)
			return pid, true
		}
	}
	return 0, false
}

// SetForceContextSwitch arms an unconditional switch on the next Preempt
// call, bypassing the kernel-region guard. Exit and Block use this to make
// sure giving up the CPU isn't deferred just because the syscall that
// triggered it hasn't returned to user space yet.
func (s *Scheduler) SetForceContextSwitch() {
	atomic.StoreUint32(&s.forceContextSwitch, 1)
}

func (s *Scheduler) consumeForceContextSwitch() bool {
	return atomic.CompareAndSwapUint32(&s.forceContextSwitch, 1, 0)
}

// Current returns the pid of the task currently owning the CPU, or (0,
// false) while idle.
func (s *Scheduler) Current() (Pid, bool) {
	if s.idle {
		return 0, false
	}
	return s.current, true
}

// Preempt is the scheduler's timer-driven context-switch callback (spec.md
// §4.7's "Preemption hook"). regs is the interrupted task's saved register
// snapshot, or nil while the CPU is idle. Unless force_context_switch is
// set, a saved instruction pointer inside the kernel region defers the
// switch by checking back one tick later instead of cutting a syscall or
// fault handler off mid-flight.
func (s *Scheduler) Preempt(now uint64, regs *gate.Registers) {
	force := s.consumeForceContextSwitch()
	if !force && !s.idle && regs != nil && uintptr(regs.EIP) >= mm.LinkedBase {
		s.tm.TimeoutIn(1, func(n uint64) { s.Preempt(n, regs) })
		return
	}
	s.switchFrom(regs)
}

// switchFrom saves the outgoing task (if any), picks the next runnable
// task (or parks on the idle stack if none are ready), installs its page
// directory, and arms the next preemption a full time slice out.
func (s *Scheduler) switchFrom(regs *gate.Registers) {
	if !s.idle {
		if cur, ok := s.tasks.Get(s.current); ok && cur.ExecMode == Running {
			if regs != nil {
				cur.Registers = *regs
			}

			// cur.expectedSliceTicks was set to pickTime+TimeSlice when
			// this task was picked, and a full slice was charged then;
			// replace that charge with one for the ticks it actually
			// ran, so a task preempted early isn't billed the same as
			// one that ran the whole TimeSlice. A task that is no longer
			// Running (Exit, Block) keeps the full-slice charge.
			pickTime := cur.expectedSliceTicks - TimeSlice
			elapsed := s.tm.Now() - pickTime
			cur.CPUTime += fixedPointOne*int64(elapsed)/int64(TimeSlice) - fixedPointOne
			s.Push(s.current)
		}
	}

	pid, ok := s.pop()
	if !ok {
		s.current = 0
		s.idle = true
		switchDirectoryFn(s.kernelDir)
		s.tm.TimeoutIn(TimeSlice, func(n uint64) { s.Preempt(n, nil) })
		return
	}

	task, _ := s.tasks.Get(pid)
	s.current = pid
	s.idle = false
	task.ExecMode = Running
	task.expectedSliceTicks = s.tm.Now() + TimeSlice
	task.CPUTime += fixedPointOne // expected full slice, corrected at preemption
	switchDirectoryFn(task.Dir)

	s.tm.TimeoutIn(TimeSlice, func(n uint64) { s.Preempt(n, &task.Registers) })
}

// ForceSwitchNow switches away from the current task immediately, without
// waiting for the next Preempt tick. Used by Exit and Block: the current
// task is no longer Running by the time this is called, so switchFrom will
// not requeue it.
func (s *Scheduler) ForceSwitchNow(regs *gate.Registers) {
	s.switchFrom(regs)
}

// Start hands the CPU to the highest-priority runnable task, or parks on
// the idle stack if none exists yet. Called once, after the first tasks
// have been pushed.
func (s *Scheduler) Start() {
	s.switchFrom(nil)
}
