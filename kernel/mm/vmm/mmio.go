package vmm

import (
	"github.com/open-computing-kit/ockernel/kernel"
	"github.com/open-computing-kit/ockernel/kernel/mm"
	"github.com/open-computing-kit/ockernel/kernel/sync"
)

// mmioWindowBase starts right after the foreign-memory scratch window and
// extends for the rest of the kernel's linked-base half. Device drivers that
// need a permanent mapping for memory outside the direct physical-map window
// (e.g. a high VBE linear framebuffer) carve space out of it; unlike the
// foreign-memory window, these mappings are never reclaimed.
const mmioWindowBase = foreignWindowBase + foreignWindowPages*mm.PageSize

var (
	mmioMu   sync.Spinlock
	mmioNext uintptr = mmioWindowBase
)

// MapMMIORegion permanently maps size bytes of physical memory starting at
// physAddr into the kernel directory's virtual address space and returns the
// virtual address the mapping starts at. It rounds size up to a whole number
// of pages and physAddr down to its containing page. Intended for
// device drivers whose MMIO region may sit outside the kernel's bounded
// direct physical-map window (spec.md §4.3's reasoning for the
// foreign-memory mapper applies equally here: not every physical address the
// kernel must touch falls inside PhysMapBase..PhysMapBase+PhysMapMaxBytes).
func MapMMIORegion(physAddr uintptr, size uintptr, flags PageTableEntryFlag) (uintptr, *kernel.Error) {
	base := physAddr &^ (mm.PageSize - 1)
	misalignment := physAddr - base
	pageCount := (misalignment + size + mm.PageSize - 1) / mm.PageSize

	mmioMu.Acquire()
	virtBase := mmioNext
	mmioNext += pageCount * mm.PageSize
	mmioMu.Release()

	for i := uintptr(0); i < pageCount; i++ {
		phys := mm.FrameFromAddress(base + i*mm.PageSize)
		if err := kernelDir.Map(virtBase+i*mm.PageSize, phys, flags|FlagPresent); err != nil {
			return 0, err
		}
	}

	return virtBase + misalignment, nil
}
