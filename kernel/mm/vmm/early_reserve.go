package vmm

import (
	"github.com/open-computing-kit/ockernel/kernel"
	"github.com/open-computing-kit/ockernel/kernel/mm"
	"github.com/open-computing-kit/ockernel/kernel/sync"
)

// earlyReserveTop is the highest virtual address EarlyReserveRegion will ever
// hand out, one page below the top of the 32-bit address space so the
// returned range never wraps.
const earlyReserveTop = ^uintptr(0) - mm.PageSize + 1

var (
	earlyReserveMu       sync.Spinlock
	earlyReserveLastUsed = earlyReserveTop

	errEarlyReserveNoSpace = &kernel.Error{Module: "vmm", Message: "remaining virtual address space not large enough to satisfy reservation request"}
)

// EarlyReserveRegion reserves a page-aligned contiguous virtual memory region
// of the requested size and returns its starting address. Size is rounded up
// to a whole number of pages. Regions are handed out from the top of the
// address space downward; callers are responsible for establishing their own
// page table entries for the returned range (this call reserves address
// space only, it does not map anything). Intended for early kernel
// initialization, most notably the Go runtime's sysReserve/sysAlloc hooks.
func EarlyReserveRegion(size uintptr) (uintptr, *kernel.Error) {
	size = (size + (mm.PageSize - 1)) &^ (mm.PageSize - 1)

	earlyReserveMu.Acquire()
	defer earlyReserveMu.Release()

	if size > earlyReserveLastUsed {
		return 0, errEarlyReserveNoSpace
	}

	earlyReserveLastUsed -= size
	return earlyReserveLastUsed, nil
}
