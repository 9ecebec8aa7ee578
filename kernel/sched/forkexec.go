package sched

import (
	"github.com/open-computing-kit/ockernel/kernel"
	"github.com/open-computing-kit/ockernel/kernel/mm/vmm"
)

var errNoSuchTask = &kernel.Error{Module: "sched", Message: "no such task"}

// Fork implements spec.md §4.7's fork: the child gets a new page directory
// whose kernel half is shared by reference and whose user half is CoW-fied
// against the parent (vmm.ForkCopyOnWrite), a fresh pid, a copy of the
// parent's saved registers, and is linked into the parent's Children list.
// The parent observes the child's pid as fork's return value; the child
// observes 0, set directly into its copied register snapshot's EAX.
func Fork(s *Scheduler, parentPid Pid) (Pid, *kernel.Error) {
	parent, ok := s.tasks.Get(parentPid)
	if !ok {
		return 0, errNoSuchTask
	}

	childDir, err := vmm.NewPageDirectory(true)
	if err != nil {
		return 0, err
	}

	child := &Task{
		Registers: parent.Registers,
		ExecMode:  Running,
		Niceness:  parent.Niceness,
		Dir:       childDir,
		ParentPid: parentPid,
	}
	child.Registers.EAX = 0

	childPid := s.tasks.Insert(child)

	if err := vmm.ForkCopyOnWrite(parent.Dir, childDir, uint32(childPid)); err != nil {
		s.tasks.Remove(childPid)
		vmm.DropDirectory(childDir)
		return 0, err
	}

	parent.Children = append(parent.Children, childPid)
	s.Push(childPid)

	return childPid, nil
}

// Exit implements spec.md §4.7's exit: the task is marked Exited (so any
// BlockToken that later fires against it observes a no-op, and pop()
// silently discards it if it is still sitting on a run queue), its page
// directory is released, and its slot is freed for pid reuse. The caller is
// responsible for forcing a context switch afterward; Exit never runs the
// exiting task's own code again so there is nothing useful to return to.
func Exit(s *Scheduler, pid Pid) *kernel.Error {
	task, ok := s.tasks.Get(pid)
	if !ok {
		return errNoSuchTask
	}

	task.ExecMode = Exited
	if task.Dir != nil {
		vmm.DropDirectory(task.Dir)
		task.Dir = nil
	}
	s.tasks.Remove(pid)

	if parent, ok := s.tasks.Get(task.ParentPid); ok {
		for i, c := range parent.Children {
			if c == pid {
				parent.Children = append(parent.Children[:i], parent.Children[i+1:]...)
				break
			}
		}
	}

	return nil
}
