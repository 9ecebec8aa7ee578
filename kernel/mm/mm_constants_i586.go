package mm

// Constants describing the paging layout of a 32-bit, non-PAE x86 machine:
// two levels of 1024-entry tables, 4 KiB pages.
const (
	// PointerShift is equal to log2(unsafe.Sizeof(uintptr)) for this
	// architecture.
	PointerShift = uintptr(2)

	// PageShift is equal to log2(PageSize). Used to convert an address to
	// a page/frame number and back.
	PageShift = uintptr(12)

	// PageSize defines the system's page size in bytes.
	PageSize = uintptr(1 << PageShift)

	// PdeShift is the shift that isolates the page-directory index (bits
	// 22-31) of a 32-bit virtual address.
	PdeShift = uintptr(22)

	// PteShift is the shift that isolates the page-table index (bits
	// 12-21) of a 32-bit virtual address.
	PteShift = PageShift

	// EntriesPerTable is the number of entries in both a page directory
	// and a page table on this architecture.
	EntriesPerTable = 1024

	// LinkedBase is the virtual address at which the kernel image is
	// linked. Directory entries at or above this address belong to the
	// kernel-shared half of every address space.
	LinkedBase = uintptr(0xC0000000)

	// LinkedBaseDirIndex is the page-directory index corresponding to
	// LinkedBase; every index at or above this one is kernel-shared.
	LinkedBaseDirIndex = int(LinkedBase >> PdeShift)

	// PhysMapBase is the start of the bounded virtual window that is
	// always identity-offset-mapped to physical memory, used for kernel
	// bookkeeping (page tables, heap backing pages, the pmm bitmap).
	// General task memory is not guaranteed to live inside it; reaching
	// it from kernel code goes through the foreign-memory mapper instead.
	PhysMapBase = LinkedBase

	// PhysMapMaxBytes bounds how much physical memory PhysToVirt can
	// address directly. It is sized generously for kernel bookkeeping
	// structures but deliberately does not cover all of RAM.
	PhysMapMaxBytes = uintptr(256 * 1024 * 1024)

	// HeapBase is the virtual address the kernel heap begins at,
	// immediately above the direct physical-map window so the two never
	// overlap.
	HeapBase = PhysMapBase + PhysMapMaxBytes

	// HeapMinBytes is the heap's initial size, mapped in full by
	// heap.Allocator.Init before any allocation is served.
	HeapMinBytes = uintptr(256 * 1024)

	// HeapMaxBytes bounds how far the heap is allowed to grow.
	HeapMaxBytes = uintptr(64 * 1024 * 1024)
)

// PhysToVirt returns the kernel virtual address that directly maps the given
// physical address, assuming it falls within the direct-map window. Callers
// must not use this for arbitrary task memory; see the foreign-memory mapper.
func PhysToVirt(phys uintptr) uintptr {
	return PhysMapBase + phys
}

// VirtToPhysDirect is the inverse of PhysToVirt for addresses known to lie
// inside the direct-map window.
func VirtToPhysDirect(virt uintptr) uintptr {
	return virt - PhysMapBase
}
