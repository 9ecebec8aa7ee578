package pmm

import "github.com/open-computing-kit/ockernel/kernel/sync"

// refEntry tracks a shared frame's reference count and the pid that most
// recently touched it, for debugging and for free_pages-on-exit decisions.
// The owner tag is informational only; it does not affect correctness.
type refEntry struct {
	count uint32
	owner uint32
}

// RefTable is a concurrent mapping physAddr -> refcount, used exclusively by
// copy-on-write fork to decide when a shared frame becomes freeable again.
// A frame only has an entry here while it is shared by more than one
// address space; dropping to a single owner removes the entry entirely, per
// spec.md's frame reference table contract.
type RefTable struct {
	mu      sync.Spinlock
	entries map[uintptr]*refEntry
}

// Add registers owner as an additional holder of the frame at physAddr,
// returning the resulting reference count. The first call for a given
// physAddr starts the count at 2 (the original owner plus this new one);
// callers are expected to only call Add when a frame transitions from
// exclusively-owned to shared.
func (t *RefTable) Add(physAddr uintptr, owner uint32) uint32 {
	t.mu.Acquire()
	defer t.mu.Release()

	if t.entries == nil {
		t.entries = make(map[uintptr]*refEntry)
	}

	e, ok := t.entries[physAddr]
	if !ok {
		e = &refEntry{count: 1, owner: owner}
		t.entries[physAddr] = e
	}
	e.count++
	e.owner = owner
	return e.count
}

// Remove decrements the reference count for physAddr and returns the count
// that remains. If the count would drop to 1 (sole ownership), the entry is
// removed entirely and Remove returns 1. Removing an address with no entry
// is a no-op that returns 1 (the conventional "not shared" value).
func (t *RefTable) Remove(physAddr uintptr) uint32 {
	t.mu.Acquire()
	defer t.mu.Release()
	return t.remove(physAddr)
}

func (t *RefTable) remove(physAddr uintptr) uint32 {
	if t.entries == nil {
		return 1
	}

	e, ok := t.entries[physAddr]
	if !ok {
		return 1
	}

	e.count--
	if e.count <= 1 {
		delete(t.entries, physAddr)
		return 1
	}

	return e.count
}

// Contains reports whether physAddr is currently shared by more than one
// address space.
func (t *RefTable) Contains(physAddr uintptr) bool {
	t.mu.Acquire()
	defer t.mu.Release()
	return t.contains(physAddr)
}

func (t *RefTable) contains(physAddr uintptr) bool {
	if t.entries == nil {
		return false
	}
	_, ok := t.entries[physAddr]
	return ok
}

// Count returns the current reference count for physAddr, or 1 if it is not
// tracked (i.e. exclusively owned).
func (t *RefTable) Count(physAddr uintptr) uint32 {
	t.mu.Acquire()
	defer t.mu.Release()

	if t.entries == nil {
		return 1
	}
	if e, ok := t.entries[physAddr]; ok {
		return e.count
	}
	return 1
}
