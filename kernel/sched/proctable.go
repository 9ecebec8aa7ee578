package sched

import "github.com/open-computing-kit/ockernel/kernel/sync"

// ProcessTable is spec.md §3's index-stable pid -> Task mapping: once a pid
// is assigned, its slot never moves until the task is removed. Slots are
// reused after removal (SPEC_FULL.md §D, grounded on
// original_source/kernel/src/mm/mod.rs's global-state pid free list) rather
// than growing without bound.
type ProcessTable struct {
	mu sync.Spinlock

	slots    []*Task
	freeList []Pid
}

// Insert assigns t a pid (reusing a freed slot if one is available) and
// returns it.
func (pt *ProcessTable) Insert(t *Task) Pid {
	pt.mu.Acquire()
	defer pt.mu.Release()

	if n := len(pt.freeList); n > 0 {
		pid := pt.freeList[n-1]
		pt.freeList = pt.freeList[:n-1]
		t.Pid = pid
		pt.slots[pid-1] = t
		return pid
	}

	pt.slots = append(pt.slots, t)
	pid := Pid(len(pt.slots))
	t.Pid = pid
	return pid
}

// Get returns the task at pid, if its slot is currently occupied.
func (pt *ProcessTable) Get(pid Pid) (*Task, bool) {
	pt.mu.Acquire()
	defer pt.mu.Release()

	if pid < 1 || int(pid) > len(pt.slots) {
		return nil, false
	}
	t := pt.slots[pid-1]
	return t, t != nil
}

// Remove frees pid's slot so it may be reused by a future Insert.
func (pt *ProcessTable) Remove(pid Pid) {
	pt.mu.Acquire()
	defer pt.mu.Release()

	if pid < 1 || int(pid) > len(pt.slots) {
		return
	}
	if pt.slots[pid-1] == nil {
		return
	}
	pt.slots[pid-1] = nil
	pt.freeList = append(pt.freeList, pid)
}

// ForEach invokes fn for every occupied slot. fn must not call back into the
// ProcessTable (Insert/Get/Remove), since the lock is held for the
// duration.
func (pt *ProcessTable) ForEach(fn func(*Task)) {
	pt.mu.Acquire()
	defer pt.mu.Release()

	for _, t := range pt.slots {
		if t != nil {
			fn(t)
		}
	}
}

// Len returns the number of live (non-removed) tasks.
func (pt *ProcessTable) Len() int {
	pt.mu.Acquire()
	defer pt.mu.Release()

	return len(pt.slots) - len(pt.freeList)
}
