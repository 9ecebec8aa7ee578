package vmm

import (
	"github.com/open-computing-kit/ockernel/kernel"
	"github.com/open-computing-kit/ockernel/kernel/mm"
	"github.com/open-computing-kit/ockernel/kernel/mm/pmm"
)

// ForkCopyOnWrite implements spec.md §4.2's fork contract: for every
// user-space virtual page present in the parent, the same frame is shared
// with the child. Both the parent's and the child's entry for that page lose
// FlagRW and gain FlagCopyOnWrite, and the frame's reference count is bumped
// so neither side frees it prematurely. The kernel half is not touched here;
// the child already has it by reference via NewPageDirectory(true).
func ForkCopyOnWrite(parent, child *PageDirectory, childOwner uint32) *kernel.Error {
	parent.mu.Acquire()
	defer parent.mu.Release()

	for dirIndex := 0; dirIndex < mm.LinkedBaseDirIndex; dirIndex++ {
		table := parent.tables[dirIndex]
		if table == nil {
			continue
		}

		for tblIndex := range table.entries {
			e := table.entries[tblIndex]
			if !e.Present() {
				continue
			}

			virt := uintptr(dirIndex)<<mm.PdeShift | uintptr(tblIndex)<<mm.PteShift
			shared := e
			shared.clearFlags(FlagRW)
			shared.setFlags(FlagCopyOnWrite)

			table.entries[tblIndex] = shared

			if err := child.mapUserEntry(virt, shared); err != nil {
				return err
			}

			pmm.Refs().Add(e.Frame().Address(), childOwner)
		}
	}

	return nil
}

// mapUserEntry installs a fully-formed entry (used by fork, which already
// knows the exact flag bits to use and must not let Map silently add
// FlagRW back).
func (pd *PageDirectory) mapUserEntry(virt uintptr, e pageTableEntry) *kernel.Error {
	flags := PageTableEntryFlag(0)
	if e.Writable() {
		flags |= FlagRW
	}
	if e.User() {
		flags |= FlagUser
	}
	if e.CopyOnWrite() {
		flags |= FlagCopyOnWrite
	}

	return pd.mapWithReserve(virt, e.Frame(), flags, mm.AllocFrame)
}
