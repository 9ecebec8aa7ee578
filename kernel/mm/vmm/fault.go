package vmm

import (
	"github.com/open-computing-kit/ockernel/kernel"
	"github.com/open-computing-kit/ockernel/kernel/mm"
	"github.com/open-computing-kit/ockernel/kernel/mm/pmm"
)

var errBadFault = &kernel.Error{Module: "vmm", Message: "page fault at non-copy-on-write page"}

// HandleWriteFault implements spec.md §4.2's write-fault handler: invoked by
// the page-fault trap when a write targets a present, non-writable,
// copy-on-write page. If the frame is no longer shared, the directory
// reclaims it outright; otherwise it copies the page's contents into a
// fresh frame and drops the old frame's reference count by one.
func (pd *PageDirectory) HandleWriteFault(faultAddr uintptr) *kernel.Error {
	page := faultAddr &^ flagsMask

	entry, ok := pd.Get(page)
	if !ok || entry.Writable || !entry.CopyOnWrite {
		return errBadFault
	}

	if entry.Frame == ReservedZeroedFrame {
		// Every unwritten reservation aliases this one frame; it is never
		// safe to reclaim it in place no matter what the ref table reports.
		return pd.copyAndReplace(page, entry)
	}

	refCount := pmm.Refs().Count(entry.Frame.Address())
	if refCount <= 1 {
		return pd.reclaimExclusive(page, entry)
	}

	return pd.copyAndReplace(page, entry)
}

// reclaimExclusive handles the case where this task turns out to be the
// sole remaining owner of the frame: it simply regains write access.
func (pd *PageDirectory) reclaimExclusive(page uintptr, entry Entry) *kernel.Error {
	entry.Writable = true
	entry.CopyOnWrite = false

	flags := FlagRW
	if entry.User {
		flags |= FlagUser
	}

	pd.mu.Acquire()
	dirIndex, tblIndex := dirIndexOf(page), tableIndexOf(page)
	pd.tables[dirIndex].entries[tblIndex] = makePTE(entry.Frame, flags|FlagPresent)
	pd.mu.Release()

	pd.FlushPage(page)
	return nil
}

// copyAndReplace allocates a private frame, copies the shared page's
// contents into it, and installs it in place of the shared mapping.
func (pd *PageDirectory) copyAndReplace(page uintptr, entry Entry) *kernel.Error {
	newFrame, err := mm.AllocFrame()
	if err != nil {
		return err
	}

	// entry.Frame may lie above the bounded direct physical-map window
	// (pmm.AllocFrame spreads allocations across the full 4 GiB bitmap),
	// so the copy must go through the foreign mapper rather than
	// mm.PhysToVirt, exactly like the syscall-argument copy case.
	if ferr := foreignMapper.WithMapped([]mm.Frame{entry.Frame, newFrame}, func(window []byte) {
		copy(window[int(mm.PageSize):], window[:int(mm.PageSize)])
	}); ferr != nil {
		return ferr
	}

	flags := FlagRW
	if entry.User {
		flags |= FlagUser
	}

	pd.mu.Acquire()
	dirIndex, tblIndex := dirIndexOf(page), tableIndexOf(page)
	pd.tables[dirIndex].entries[tblIndex] = makePTE(newFrame, flags|FlagPresent)
	pd.mu.Release()

	pd.FlushPage(page)
	pmm.Refs().Remove(entry.Frame.Address())

	return nil
}
