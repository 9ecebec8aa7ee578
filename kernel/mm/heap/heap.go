package heap

import (
	"io"
	"unsafe"

	"github.com/open-computing-kit/ockernel/kernel"
	"github.com/open-computing-kit/ockernel/kernel/kfmt"
	"github.com/open-computing-kit/ockernel/kernel/mm"
	"github.com/open-computing-kit/ockernel/kernel/mm/vmm"
	"github.com/open-computing-kit/ockernel/kernel/sync"
)

// ptrSize is the width of the back-pointer stored just before every
// allocation returned to a caller, letting Free locate the owning block's
// header even when alignment pushed the returned address past it.
const ptrSize = unsafe.Sizeof(uintptr(0))

// blockHeader precedes every block (free or in use) in the heap's address
// range. Blocks are singly linked in address order; free blocks coalesce
// with an adjacent free neighbor on Free, per spec.md §4.5.
type blockHeader struct {
	size uintptr // usable bytes following this header, not counting it
	free bool
	next uintptr // address of the next block's header, 0 if none
}

var headerSize = unsafe.Sizeof(blockHeader{})

func headerAt(addr uintptr) *blockHeader {
	return (*blockHeader)(unsafe.Pointer(addr))
}

var (
	errOutOfRange  = &kernel.Error{Module: "heap", Message: "pointer does not belong to this heap"}
	errMaxTop      = &kernel.Error{Module: "heap", Message: "allocation would grow the heap past its maximum size"}
	errGrowthAlloc = &kernel.Error{Module: "heap", Message: "heap growth failed to allocate a backing frame"}
)

// Directory is the subset of *vmm.PageDirectory the heap needs to grow
// itself. Declared locally (rather than depending on the concrete type) so
// tests can supply a pure bookkeeping fake instead of a real page directory,
// which relies on package-vmm-private hardware hooks (TLB flush, CR3 load)
// that only vmm's own tests can safely mock.
type Directory interface {
	Map(virt uintptr, phys mm.Frame, flags vmm.PageTableEntryFlag) *kernel.Error
	Unmap(virt uintptr)
	VirtToPhys(virt uintptr) (uintptr, bool)
	SetPageNoAlloc(virt uintptr, entry vmm.Entry, reserved mm.Frame) (bool, *kernel.Error)
}

// Allocator is spec.md §4.5's page-backed, self-expanding kernel heap: a
// first-fit allocator over [base, top) that grows by whole pages on demand,
// holding back one reserved physical frame so that growth's own page-table
// allocation never needs to call back into the heap.
//
// Grounded on original_source/kernel/src/mm/heap.rs's HeapAllocator; the
// free-block bookkeeping here is a from-scratch first-fit list (the
// original defers to the linked_list_allocator crate, which has no Go
// equivalent in the retrieved examples).
type Allocator struct {
	mu sync.Spinlock

	dir Directory

	base   uintptr
	top    uintptr
	maxTop uintptr

	head uintptr // address of the first block's header

	// reserved is the spare physical frame held back for the
	// reserved-memory trick (spec.md §4.5). Invalid when empty.
	reserved mm.Frame
}

// Init maps heapMin bytes starting at base into dir with write permission,
// lays down a single free block spanning that whole region, and allocates
// the initial reserved frame. Must run after the physical frame allocator
// is up and before any call to Alloc.
func (a *Allocator) Init(dir Directory, base, heapMin, heapMax uintptr) *kernel.Error {
	a.dir = dir
	a.base = base
	a.maxTop = base + heapMax

	heapMin = roundUpPage(heapMin)
	for virt := base; virt < base+heapMin; virt += mm.PageSize {
		frame, err := mm.AllocFrame()
		if err != nil {
			return errGrowthAlloc
		}
		if err := dir.Map(virt, frame, vmm.FlagRW); err != nil {
			mm.FreeFrame(frame)
			return err
		}
	}
	a.top = base + heapMin

	h := headerAt(base)
	h.size = heapMin - headerSize
	h.free = true
	h.next = 0
	a.head = base

	reserved, err := mm.AllocFrame()
	if err != nil {
		return errGrowthAlloc
	}
	a.reserved = reserved
	return nil
}

// Alloc reserves size bytes aligned to align (0 or 1 for no alignment
// requirement), growing the heap if no free block
// fits. Matches spec.md §4.5: "Standard first-fit over free blocks. Failure
// triggers growth."
func (a *Allocator) Alloc(size, align uintptr) (uintptr, *kernel.Error) {
	if align == 0 {
		align = 1
	}

	a.mu.Acquire()
	defer a.mu.Release()

	if ret, ok := a.findFit(size, align); ok {
		return ret, nil
	}

	if err := a.grow(size, align); err != nil {
		return 0, err
	}

	if ret, ok := a.findFit(size, align); ok {
		return ret, nil
	}
	return 0, errMaxTop
}

// findFit scans the block list for the first free block able to hold size
// bytes at an address aligned to align, splitting off a trailing free
// remainder when there is enough of one left to be worth tracking
// separately.
func (a *Allocator) findFit(size, align uintptr) (uintptr, bool) {
	for cur := a.head; cur != 0; {
		h := headerAt(cur)
		if h.free {
			dataStart := cur + headerSize
			retAddr := roundUp(dataStart+ptrSize, align)
			need := (retAddr + size) - dataStart

			if h.size >= need {
				a.carve(cur, h, need)
				*(*uintptr)(unsafe.Pointer(retAddr - ptrSize)) = cur
				return retAddr, true
			}
		}
		cur = h.next
	}
	return 0, false
}

// minSplitBlock is the smallest remainder worth carving into its own free
// block; anything smaller is left attached to the allocation as internal
// fragmentation instead.
const minSplitBlock = 16

func (a *Allocator) carve(blockAddr uintptr, h *blockHeader, used uintptr) {
	remainder := h.size - used
	if remainder > headerSize+minSplitBlock {
		newAddr := blockAddr + headerSize + used
		nh := headerAt(newAddr)
		nh.size = remainder - headerSize
		nh.free = true
		nh.next = h.next

		h.next = newAddr
		h.size = used
	}
	h.free = false
}

// Free releases a previously allocated pointer back to the heap, coalescing
// it with an immediately following free neighbor. The heap never shrinks;
// the freed space simply becomes available for reuse (spec.md §4.5).
func (a *Allocator) Free(ptr uintptr) *kernel.Error {
	if ptr < a.base+headerSize+ptrSize || ptr >= a.top {
		return errOutOfRange
	}

	a.mu.Acquire()
	defer a.mu.Release()

	blockAddr := *(*uintptr)(unsafe.Pointer(ptr - ptrSize))
	h := headerAt(blockAddr)
	h.free = true

	if h.next != 0 {
		next := headerAt(h.next)
		if next.free {
			h.size += headerSize + next.size
			h.next = next.next
		}
	}

	for cur := a.head; cur != 0; {
		ch := headerAt(cur)
		if ch.next == blockAddr && ch.free {
			ch.size += headerSize + h.size
			ch.next = h.next
			break
		}
		cur = ch.next
	}

	return nil
}

// grow extends the heap so that it can satisfy an allocation of size bytes
// aligned to align, implementing spec.md §4.5's growth and
// reserved-memory-trick contracts.
func (a *Allocator) grow(size, align uintptr) *kernel.Error {
	oldTop := a.top
	growth := roundUpPage((align - 1) + size + mm.PageSize)
	newTop := oldTop + growth

	if newTop > a.maxTop {
		return errMaxTop
	}

	usedReserve := false
	mapped := oldTop

	cleanup := func() {
		for virt := oldTop; virt < mapped; virt += mm.PageSize {
			if phys, ok := a.dir.VirtToPhys(virt); ok {
				mm.FreeFrame(mm.FrameFromAddress(phys))
				a.dir.Unmap(virt)
			}
		}
	}

	for virt := oldTop; virt < newTop; virt += mm.PageSize {
		frame, err := mm.AllocFrame()
		if err != nil {
			cleanup()
			return errGrowthAlloc
		}

		entry := vmm.Entry{Frame: frame, Writable: true}
		consumed, serr := a.dir.SetPageNoAlloc(virt, entry, a.reserved)
		if serr != nil {
			mm.FreeFrame(frame)
			cleanup()
			return serr
		}

		mapped = virt + mm.PageSize
		if consumed {
			usedReserve = true
			a.reserved = mm.InvalidFrame
		}
	}

	a.extend(oldTop, growth)
	a.top = newTop

	if usedReserve {
		if reserved, err := mm.AllocFrame(); err == nil {
			a.reserved = reserved
		} else {
			kfmt.Printf("heap: failed to replenish reserved frame: %s\n", err.Message)
		}
	}

	return nil
}

// extend grows the tail block (or appends a new one) to cover the freshly
// mapped [oldTop, oldTop+growth) range.
func (a *Allocator) extend(oldTop, growth uintptr) {
	var tail *blockHeader
	var tailAddr uintptr
	for cur := a.head; cur != 0; {
		h := headerAt(cur)
		if h.next == 0 {
			tail, tailAddr = h, cur
			break
		}
		cur = h.next
	}

	if tail != nil && tail.free && tailAddr+headerSize+tail.size == oldTop {
		tail.size += growth
		return
	}

	nh := headerAt(oldTop)
	nh.size = growth - headerSize
	nh.free = true
	nh.next = 0
	if tail != nil {
		tail.next = oldTop
	} else {
		a.head = oldTop
	}
}

// DebugDump writes the current free/used block layout to w, mirroring
// heap.rs's print_free_list debug helper.
func (a *Allocator) DebugDump(w io.Writer) {
	a.mu.Acquire()
	defer a.mu.Release()

	kfmt.Fprintf(w, "heap: base=0x%x top=0x%x maxTop=0x%x reserved=%t\n", a.base, a.top, a.maxTop, a.reserved.Valid())
	for cur := a.head; cur != 0; {
		h := headerAt(cur)
		state := "used"
		if h.free {
			state = "free"
		}
		kfmt.Fprintf(w, "  block 0x%x size=%d %s\n", cur, h.size, state)
		cur = h.next
	}
}

func roundUp(v, align uintptr) uintptr {
	return (v + align - 1) &^ (align - 1)
}

func roundUpPage(v uintptr) uintptr {
	return roundUp(v, mm.PageSize)
}
