package sched

import (
	"testing"

	"github.com/open-computing-kit/ockernel/kernel/gate"
	"github.com/open-computing-kit/ockernel/kernel/mm/vmm"
	"github.com/open-computing-kit/ockernel/kernel/timer"
)

func mockSwitchDirectory(t *testing.T) {
	t.Helper()
	orig := switchDirectoryFn
	switchDirectoryFn = func(*vmm.PageDirectory) {}
	t.Cleanup(func() { switchDirectoryFn = orig })
}

func newTestScheduler(t *testing.T) (*Scheduler, *ProcessTable, *timer.Timer) {
	t.Helper()
	mockSwitchDirectory(t)
	tm := timer.New(1000)
	tasks := &ProcessTable{}
	s := NewScheduler(tm, tasks, &vmm.PageDirectory{})
	return s, tasks, tm
}

func runningTask(tasks *ProcessTable, niceness int32) Pid {
	return tasks.Insert(&Task{ExecMode: Running, Niceness: niceness, Dir: &vmm.PageDirectory{}})
}

func TestPushPopOrdersByPriority(t *testing.T) {
	s, tasks, _ := newTestScheduler(t)

	lowPrio := runningTask(tasks, 20)   // worse niceness -> lower priority
	highPrio := runningTask(tasks, -20) // better niceness -> higher priority

	s.Push(lowPrio)
	s.Push(highPrio)

	pid, ok := s.pop()
	if !ok || pid != highPrio {
		t.Fatalf("expected the higher-priority task to pop first, got pid=%d ok=%t", pid, ok)
	}
	pid, ok = s.pop()
	if !ok || pid != lowPrio {
		t.Fatalf("expected the remaining task to pop second, got pid=%d ok=%t", pid, ok)
	}
}

func TestPopDiscardsNonRunningTasks(t *testing.T) {
	s, tasks, _ := newTestScheduler(t)

	blocked := runningTask(tasks, 0)
	task, _ := tasks.Get(blocked)
	s.Push(blocked)
	task.ExecMode = Blocked

	if _, ok := s.pop(); ok {
		t.Fatal("expected pop to discard a task that has since blocked, not return it")
	}
}

func TestFIFOWithinSamePriority(t *testing.T) {
	s, tasks, _ := newTestScheduler(t)

	a := runningTask(tasks, 0)
	b := runningTask(tasks, 0)

	s.Push(a)
	s.Push(b)

	first, _ := s.pop()
	second, _ := s.pop()
	if first != a || second != b {
		t.Fatalf("expected FIFO order within a priority level: got %d then %d", first, second)
	}
}

func TestStartPicksHighestPriorityAndArmsNextSwitch(t *testing.T) {
	s, tasks, _ := newTestScheduler(t)

	pid := runningTask(tasks, 0)
	s.Push(pid)

	s.Start()

	cur, ok := s.Current()
	if !ok || cur != pid {
		t.Fatalf("expected task %d to be current, got %d ok=%t", pid, cur, ok)
	}
}

func TestStartParksIdleWhenNothingRunnable(t *testing.T) {
	s, _, _ := newTestScheduler(t)

	s.Start()

	if _, ok := s.Current(); ok {
		t.Fatal("expected scheduler to be idle with no tasks pushed")
	}
}

func TestPreemptDefersWhileInsideKernel(t *testing.T) {
	s, tasks, _ := newTestScheduler(t)

	a := runningTask(tasks, 0)
	b := runningTask(tasks, 0)
	s.Push(a)
	s.Start()
	s.Push(b)

	regs := &gate.Registers{EIP: 0xC0100000} // inside the kernel region
	s.Preempt(0, regs)

	cur, _ := s.Current()
	if cur != a {
		t.Fatalf("expected task %d to still be running while EIP is in-kernel, got %d", a, cur)
	}
}

func TestPreemptSwitchesWhenOutsideKernel(t *testing.T) {
	s, tasks, tm := newTestScheduler(t)

	a := runningTask(tasks, 0)
	b := runningTask(tasks, 0)
	s.Push(a)
	s.Start()
	s.Push(b)

	tm.Tick() // let one tick elapse so task a has run time to be charged for
	regs := &gate.Registers{EIP: 0x08048000} // user-space address
	s.Preempt(tm.Now(), regs)

	cur, _ := s.Current()
	if cur != b {
		t.Fatalf("expected task %d to be picked after preemption, got %d", b, cur)
	}
	taskA, _ := tasks.Get(a)
	if taskA.CPUTime == 0 {
		t.Fatal("expected the preempted task's CPUTime to be charged")
	}
}

func TestForceContextSwitchBypassesKernelGuard(t *testing.T) {
	s, tasks, _ := newTestScheduler(t)

	a := runningTask(tasks, 0)
	b := runningTask(tasks, 0)
	s.Push(a)
	s.Start()
	s.Push(b)

	s.SetForceContextSwitch()
	regs := &gate.Registers{EIP: 0xC0100000} // inside the kernel region
	s.Preempt(0, regs)

	cur, _ := s.Current()
	if cur != b {
		t.Fatalf("expected force_context_switch to bypass the kernel-region guard, got %d", cur)
	}
}
