// Package heap implements spec.md's kernel heap module: a small bump
// allocator used only during early kernel init (before the frame allocator
// and the page-backed heap are available), and the self-expanding,
// page-backed heap allocator that serves every allocation after that.
package heap

import (
	"unsafe"

	"github.com/open-computing-kit/ockernel/kernel"
	"github.com/open-computing-kit/ockernel/kernel/mm"
)

// BumpSize bounds the static backing region the bump allocator hands out of.
// Matches original_source's BUMP_ALLOC_SIZE: generous enough to cover the
// handful of structures built before pmm/vmm/the real heap exist, never
// intended to hold anything long-lived.
const BumpSize = 256 * 1024

// BumpAllocator is a linear, never-freed-individually allocator over a
// fixed-size static backing array, usable before the Go runtime's own
// allocator is bootstrapped (kernel/goruntime) and before the physical frame
// allocator exists. It must never be used once those are up; its only job is
// breaking the self-reference where building the first real allocator's
// bookkeeping structures would otherwise itself require an allocator.
type BumpAllocator struct {
	area      [BumpSize]byte
	offset    uintptr
	allocAddr uintptr
}

// errBumpOOM is an invariant violation, not a recoverable allocation
// failure: this allocator is only ever used for a handful of known,
// small, fixed-size structures during boot, so exhausting it means the boot
// sequence itself is wrong.
var errBumpOOM = &kernel.Error{Module: "heap", Message: "bump allocator exhausted"}

// Init prepares the allocator for use. physOffset is added to every address
// handed out by Alloc to recover a physical address (pass 0 if the backing
// array's own address already is the physical address, i.e. it sits inside
// the kernel's identity-offset region).
func (b *BumpAllocator) Init(physOffset uintptr) {
	b.offset = physOffset
	b.allocAddr = uintptr(unsafe.Pointer(&b.area[0]))
}

// Alloc reserves size bytes aligned to align (which must be a power of two,
// or 0/1 for no alignment) and returns both the virtual pointer and the
// corresponding physical address. Panics via kernel.Panic if the backing
// area is exhausted: this allocator only ever serves a small, known set of
// boot-time structures, so running out is a boot-sequence bug, not a
// runtime condition callers should plan around.
func (b *BumpAllocator) Alloc(size, align uintptr) (virt uintptr, phys uintptr) {
	base := uintptr(unsafe.Pointer(&b.area[0]))

	if align > 1 {
		if rem := b.allocAddr % align; rem != 0 {
			b.allocAddr += align - rem
		}
	}

	addr := b.allocAddr
	b.allocAddr += size

	if b.allocAddr-base > BumpSize {
		kernel.Panic(errBumpOOM)
	}

	return addr, addr + b.offset
}

// FreeUnused returns every whole page between the allocator's current
// cursor and the end of its backing area to the physical frame allocator via
// releaseFn (ordinarily mm.FreeFrame), unmapping each one from dir first.
// Called once, after the real physical frame allocator and a kernel page
// directory both exist, since the bump allocator itself is never used again
// past that point.
func (b *BumpAllocator) FreeUnused(dir PageUnmapper, releaseFn mm.FrameReleaserFn) {
	base := uintptr(unsafe.Pointer(&b.area[0]))

	start := (b.allocAddr + mm.PageSize - 1) &^ (mm.PageSize - 1)
	end := (base + BumpSize) &^ (mm.PageSize - 1)

	for virt := start; virt < end; virt += mm.PageSize {
		if frame, ok := dir.VirtToPhys(virt); ok {
			releaseFn(mm.FrameFromAddress(frame))
			dir.Unmap(virt)
		}
	}
}

// PageUnmapper is the subset of *vmm.PageDirectory the bump allocator's
// cleanup step needs. Declared locally (rather than importing vmm directly)
// to avoid a dependency cycle: vmm's own early setup is one of this
// allocator's callers.
type PageUnmapper interface {
	VirtToPhys(virt uintptr) (uintptr, bool)
	Unmap(virt uintptr)
}
