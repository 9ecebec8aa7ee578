package vmm

import (
	"github.com/open-computing-kit/ockernel/kernel"
	"github.com/open-computing-kit/ockernel/kernel/mm"
)

var foreignMapper *ForeignMapper

// Init builds the initial kernel page directory and installs it as both the
// active MMU directory and the canonical "kernel half" every other
// directory clones from. It must run after the physical frame allocator is
// up (kernel/mm/pmm.Init) and before any call to NewPageDirectory.
func Init() *kernel.Error {
	dir, err := NewPageDirectory(false)
	if err != nil {
		return err
	}
	dir.isKernel = true

	kernelDir = dir
	foreignMapper = NewForeignMapper(dir)

	dir.SwitchTo()

	if ReservedZeroedFrame, err = mm.AllocFrame(); err != nil {
		return err
	}
	if zerr := foreignMapper.WithMapped([]mm.Frame{ReservedZeroedFrame}, func(window []byte) {
		for i := range window {
			window[i] = 0
		}
	}); zerr != nil {
		return zerr
	}

	return nil
}

// KernelDirectory returns the singleton kernel page directory installed by
// Init. It is the directory every task-local directory's kernel half is
// cloned from and lazily resynced against.
func KernelDirectory() *PageDirectory { return kernelDir }

// Foreign returns the kernel-wide foreign-memory mapper bound to the kernel
// directory.
func Foreign() *ForeignMapper { return foreignMapper }

// HandlePageFault is the entry point the IRQ layer calls on a page-fault
// trap. errCode follows the x86 convention: bit 0 set means the faulting
// access found a present page (so this is a protection fault, the only case
// spec.md's write-fault handler covers); bit 1 set means the fault was
// caused by a write.
func HandlePageFault(dir *PageDirectory, faultAddr uintptr, errCode uint32) *kernel.Error {
	const (
		errPresent = 1 << 0
		errWrite   = 1 << 1
	)

	if errCode&errPresent == 0 || errCode&errWrite == 0 {
		return &kernel.Error{Module: "vmm", Message: "unhandled page fault"}
	}

	return dir.HandleWriteFault(faultAddr)
}

// DropDirectory releases every present user-space frame referenced by dir,
// consulting the frame reference table so a still-shared frame is
// decremented rather than freed outright, then frees the directory's own
// backing frame. Matches spec.md §3's ownership rule: "Dropping a directory
// iterates every present user-space entry and either (a) decrements the ref
// count, or (b) frees the frame if uncounted."
func DropDirectory(dir *PageDirectory) {
	dir.mu.Acquire()
	for dirIndex := 0; dirIndex < mm.LinkedBaseDirIndex; dirIndex++ {
		table := dir.tables[dirIndex]
		if table == nil {
			continue
		}

		for _, e := range table.entries {
			if e.Present() {
				mm.FreeFrame(e.Frame())
			}
		}

		tableFrame := mm.FrameFromAddress(uintptr(dir.tablesPhysical[dirIndex]))
		mm.FreeFrame(tableFrame)
	}
	dir.mu.Release()

	mm.FreeFrame(dir.dirFrame)
}
