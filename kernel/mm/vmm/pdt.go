// Package vmm implements spec.md's page directory abstraction: a two-level,
// 32-bit x86 paging structure with copy-on-write fork support, a kernel-half
// generation counter, and the foreign-memory mapper used to touch a
// not-currently-loaded address space's pages.
package vmm

import (
	"sync/atomic"
	"unsafe"

	"github.com/open-computing-kit/ockernel/kernel"
	"github.com/open-computing-kit/ockernel/kernel/cpu"
	"github.com/open-computing-kit/ockernel/kernel/mm"
	"github.com/open-computing-kit/ockernel/kernel/sync"
)

var (
	errAlloc = &kernel.Error{Module: "vmm", Message: "no physical frame available"}

	// kernelGeneration is bumped every time a kernel-shared directory
	// entry (index >= mm.LinkedBaseDirIndex) changes in any directory.
	// Task-local directories compare their observed snapshot against
	// this value to detect staleness (spec.md §4.2, "kernel-shared
	// region").
	kernelGeneration uint32

	// kernelDir is the directory installed by Init, shared (by value, not
	// by copy-on-write) across every task's directory's kernel half.
	kernelDir *PageDirectory

	// flushTLBEntryFn invalidates a single TLB entry for a virtual
	// address. Replaced in tests; inlined by the compiler otherwise.
	flushTLBEntryFn = cpu.FlushTLBEntry

	// switchToFn installs a directory's physical image into the MMU's
	// page-directory base register. Replaced in tests.
	switchToFn = cpu.SwitchPDT
)

// StubHardwareForTesting replaces the INVLPG/MOV-CR3-backed hooks used by
// Map, Unmap, ForkCopyOnWrite and SwitchTo with no-ops, returning a function
// that restores the originals. A *PageDirectory built with a host-backed
// frame allocator is otherwise real enough for a caller outside this
// package to fork, map and tear down under go test; only these two
// privileged instructions need stubbing. Mirrors this package's own
// resetTestState.
func StubHardwareForTesting() (restore func()) {
	origFlush, origSwitch := flushTLBEntryFn, switchToFn
	flushTLBEntryFn = func(uintptr) {}
	switchToFn = func(uintptr) {}
	return func() {
		flushTLBEntryFn = origFlush
		switchToFn = origSwitch
	}
}

// pageTable is one 1024-entry, 4 KiB page table.
type pageTable struct {
	entries [mm.EntriesPerTable]pageTableEntry
}

// PageDirectory is a per-address-space mapping, matching spec.md §3's "Page
// directory" data model: a table-of-pointers for kernel-side access, a
// physical image installed into the MMU, and a generation counter.
type PageDirectory struct {
	mu sync.Spinlock

	// tables holds kernel-virtual pointers to each present page table,
	// nil for directory entries that are not present. This is the
	// "table-of-pointers" half used for kernel-side reads/writes.
	tables [mm.EntriesPerTable]*pageTable

	// tablesPhysical is the actual, MMU-visible directory: each slot is
	// either 0 or (physical frame of the corresponding page table |
	// flags). This is the "physical image" half; its own backing frame
	// is dirFrame.
	tablesPhysical *[mm.EntriesPerTable]uint32
	dirFrame       mm.Frame

	// observedGeneration is the kernel generation this directory's
	// kernel-half entries were last synced from. A task-local directory
	// resyncs lazily when this falls behind kernelGeneration.
	observedGeneration uint32

	// isKernel marks the one directory that owns the canonical
	// kernel-half entries; only it may bump kernelGeneration.
	isKernel bool
}

// NewPageDirectory allocates a fresh, empty page directory. If cloneKernel is
// true (the common case for any non-bootstrap directory) the kernel-shared
// half (indices >= mm.LinkedBaseDirIndex) is copied by reference from the
// running kernel directory, matching spec.md §4.2: "The kernel-half is
// copied by reference ... and does not use copy-on-write."
func NewPageDirectory(cloneKernel bool) (*PageDirectory, *kernel.Error) {
	frame, err := mm.AllocFrame()
	if err != nil {
		return nil, errAlloc
	}

	pd := &PageDirectory{
		dirFrame:       frame,
		tablesPhysical: (*[mm.EntriesPerTable]uint32)(physPtr(frame.Address())),
	}

	for i := range pd.tablesPhysical {
		pd.tablesPhysical[i] = 0
	}

	if cloneKernel && kernelDir != nil {
		kernelDir.mu.Acquire()
		for i := mm.LinkedBaseDirIndex; i < mm.EntriesPerTable; i++ {
			pd.tables[i] = kernelDir.tables[i]
			pd.tablesPhysical[i] = kernelDir.tablesPhysical[i]
		}
		pd.observedGeneration = atomic.LoadUint32(&kernelGeneration)
		kernelDir.mu.Release()
	}

	return pd, nil
}

// PhysAddr returns the physical address of this directory's MMU-visible
// image, the value that goes into CR3 on switch.
func (pd *PageDirectory) PhysAddr() uintptr {
	return pd.dirFrame.Address()
}

// SwitchTo installs this directory in the MMU. If the directory's observed
// kernel generation is stale, its kernel-half entries are resynced first, as
// required by spec.md §4.2.
func (pd *PageDirectory) SwitchTo() {
	pd.resyncKernelHalf()
	switchToFn(pd.PhysAddr())
}

func (pd *PageDirectory) resyncKernelHalf() {
	if pd.isKernel || kernelDir == nil {
		return
	}

	gen := atomic.LoadUint32(&kernelGeneration)
	if gen == atomic.LoadUint32(&pd.observedGeneration) {
		return
	}

	pd.mu.Acquire()
	kernelDir.mu.Acquire()
	for i := mm.LinkedBaseDirIndex; i < mm.EntriesPerTable; i++ {
		pd.tables[i] = kernelDir.tables[i]
		pd.tablesPhysical[i] = kernelDir.tablesPhysical[i]
	}
	kernelDir.mu.Release()
	atomic.StoreUint32(&pd.observedGeneration, gen)
	pd.mu.Release()
}

// Map installs a mapping from virt to phys with the given flags, allocating
// a backing page table if the covering directory entry is not yet present.
func (pd *PageDirectory) Map(virt uintptr, phys mm.Frame, flags PageTableEntryFlag) *kernel.Error {
	if phys == ReservedZeroedFrame && flags.has(FlagRW) {
		return errAttemptToRWMapReservedZeroedFrame
	}

	return pd.mapWithReserve(virt, phys, flags, mm.AllocFrame)
}

// mapWithReserve is the shared implementation behind Map and
// SetPageNoAlloc: allocFn supplies the frame for a new page table only if
// one is actually needed, letting the heap pass in its pre-reserved frame
// instead of calling the general allocator (spec.md §4.5's reserved-memory
// trick).
func (pd *PageDirectory) mapWithReserve(virt uintptr, phys mm.Frame, flags PageTableEntryFlag, allocFn func() (mm.Frame, *kernel.Error)) *kernel.Error {
	dirIndex := dirIndexOf(virt)
	tblIndex := tableIndexOf(virt)

	pd.mu.Acquire()
	defer pd.mu.Release()

	if pd.tables[dirIndex] == nil {
		tableFrame, ferr := allocFn()
		if ferr != nil {
			return errAlloc
		}

		table := (*pageTable)(physPtr(tableFrame.Address()))
		for i := range table.entries {
			table.entries[i] = 0
		}

		pd.tables[dirIndex] = table
		pd.tablesPhysical[dirIndex] = uint32(tableFrame.Address()) | uint32(FlagPresent|FlagRW|flagsUser(flags))
	}

	pd.tables[dirIndex].entries[tblIndex] = makePTE(phys, flags|FlagPresent)
	flushTLBEntryFn(virt)

	if pd.isKernel && dirIndex >= mm.LinkedBaseDirIndex {
		atomic.AddUint32(&kernelGeneration, 1)
	}

	return nil
}

func flagsUser(flags PageTableEntryFlag) PageTableEntryFlag {
	if flags.has(FlagUser) {
		return FlagUser
	}
	return 0
}

func (f PageTableEntryFlag) has(flag PageTableEntryFlag) bool { return f&flag != 0 }

// SetPageNoAlloc installs entry directly, consuming reserved (a
// caller-supplied frame) instead of the general allocator if a new page
// table must be created. Used exclusively by the heap during growth so that
// heap expansion never recurses back into the heap (spec.md §4.5). consumed
// reports whether reserved was actually consumed.
func (pd *PageDirectory) SetPageNoAlloc(virt uintptr, entry Entry, reserved mm.Frame) (consumed bool, kerr *kernel.Error) {
	dirIndex := dirIndexOf(virt)

	pd.mu.Acquire()
	needsTable := pd.tables[dirIndex] == nil
	pd.mu.Release()

	if needsTable && !reserved.Valid() {
		return false, errAlloc
	}

	flags := PageTableEntryFlag(0)
	if entry.Writable {
		flags |= FlagRW
	}
	if entry.User {
		flags |= FlagUser
	}
	if entry.CopyOnWrite {
		flags |= FlagCopyOnWrite
	}

	kerr = pd.mapWithReserve(virt, entry.Frame, flags, func() (mm.Frame, *kernel.Error) { return reserved, nil })
	return needsTable, kerr
}

// Unmap clears the mapping for virt, if any, and flushes its TLB entry.
func (pd *PageDirectory) Unmap(virt uintptr) {
	dirIndex := dirIndexOf(virt)
	tblIndex := tableIndexOf(virt)

	pd.mu.Acquire()
	defer pd.mu.Release()

	if pd.tables[dirIndex] == nil {
		return
	}

	pd.tables[dirIndex].entries[tblIndex] = 0
	flushTLBEntryFn(virt)
}

// Get returns the current mapping for virt, if present.
func (pd *PageDirectory) Get(virt uintptr) (Entry, bool) {
	dirIndex := dirIndexOf(virt)
	tblIndex := tableIndexOf(virt)

	pd.mu.Acquire()
	defer pd.mu.Release()

	if pd.tables[dirIndex] == nil {
		return Entry{}, false
	}

	e := pd.tables[dirIndex].entries[tblIndex]
	if !e.Present() {
		return Entry{}, false
	}
	return e.toEntry(), true
}

// VirtToPhys returns the physical address currently mapped for virt.
func (pd *PageDirectory) VirtToPhys(virt uintptr) (uintptr, bool) {
	e, ok := pd.Get(virt)
	if !ok {
		return 0, false
	}
	return e.Frame.Address() + (virt & flagsMask), true
}

// FlushPage invalidates the TLB entry for a single virtual address.
func (pd *PageDirectory) FlushPage(virt uintptr) { flushTLBEntryFn(virt) }

func dirIndexOf(virt uintptr) int   { return int(virt >> mm.PdeShift) }
func tableIndexOf(virt uintptr) int { return int((virt >> mm.PteShift) & (mm.EntriesPerTable - 1)) }

// physPtr returns a usable Go pointer to kernel bookkeeping memory located
// at the given physical address, via the bounded direct-map window (see
// SPEC_FULL.md §E.1). Only ever used for memory the kernel itself owns
// (page tables, directory images); task pages go through the foreign-memory
// mapper instead.
func physPtr(phys uintptr) unsafe.Pointer {
	return unsafe.Pointer(mm.PhysToVirt(phys))
}
