// Package pmm implements the kernel's physical frame allocator: a bitmap over
// every 4 KiB frame of physical memory, plus the frame reference table used
// by copy-on-write page sharing.
package pmm

import (
	"github.com/open-computing-kit/ockernel/kernel"
	"github.com/open-computing-kit/ockernel/kernel/hal/multiboot"
	"github.com/open-computing-kit/ockernel/kernel/kfmt/early"
	"github.com/open-computing-kit/ockernel/kernel/mm"
	"github.com/open-computing-kit/ockernel/kernel/sync"
)

var (
	errOutOfMemory = &kernel.Error{Module: "pmm", Message: "out of memory"}
	errInUse       = &kernel.Error{Module: "pmm", Message: "frame already in use"}

	// bitmapAllocator is the system-wide physical frame allocator,
	// installed as mm's frame allocator/releaser once Init runs.
	bitmapAllocator BitmapAllocator
)

const (
	wordBits = 32

	// maxFrames bounds the physical address space this allocator can
	// describe: a full 4 GiB, non-PAE 32-bit machine. The backing bitmap
	// is a static array sized for this bound so that Init (which runs
	// before the Go heap exists) never needs to allocate.
	maxFrames      = uint32(1048576) // (4 GiB address space) / (4 KiB page)
	maxBitmapWords = maxFrames / wordBits
)

// BitmapAllocator implements spec.md's physical frame allocator: a bitset of
// length ceil(total_memory/PageSize), one bit per frame, set meaning "in
// use." reserve marks ranges used without bookkeeping; free_frame consults
// the frame reference table so a shared frame is decremented rather than
// actually freed.
type BitmapAllocator struct {
	mu bootLock

	// bitmapStorage is a statically sized backing array: Init runs
	// before the Go heap exists so it cannot call make(). bitmap is the
	// slice view actually used, trimmed to numFrames.
	bitmapStorage [maxBitmapWords]uint32
	bitmap        []uint32
	numFrames     uint32

	// cursor is the word index the next free scan starts from, rotated
	// forward on every successful allocation to spread allocations
	// across the bitmap instead of always clustering at the bottom.
	cursor uint32

	refs RefTable
}

// bootLock is a thin alias kept so the allocator's lock is visibly the same
// spin lock type used everywhere else in the kernel.
type bootLock = sync.Spinlock

// Init builds the bitmap allocator from the memory map the bootloader
// reported and reserves the kernel image plus every non-available region.
// It must run after the bump allocator has set up a kernel directory capable
// of holding the bitmap itself.
func Init(kernelStart, kernelEnd uintptr) *kernel.Error {
	var highestFrame mm.Frame

	multiboot.VisitMemRegions(func(region *multiboot.MemoryMapEntry) bool {
		end := mm.FrameFromAddress(uintptr(region.PhysAddress + region.Length))
		if end > highestFrame {
			highestFrame = end
		}
		return true
	})

	bitmapAllocator.numFrames = uint32(highestFrame) + 1
	if bitmapAllocator.numFrames > maxFrames {
		bitmapAllocator.numFrames = maxFrames
	}
	words := (bitmapAllocator.numFrames + wordBits - 1) / wordBits
	bitmapAllocator.bitmap = bitmapAllocator.bitmapStorage[:words]

	// Reserve everything by default; VisitMergedAvailableRegions below
	// clears the bits for frames inside an Available region.
	for i := range bitmapAllocator.bitmap {
		bitmapAllocator.bitmap[i] = ^uint32(0)
	}

	mm.VisitMergedAvailableRegions(func(region mm.BootRegion) bool {
		start := mm.FrameFromAddress(uintptr(region.Base))
		end := mm.FrameFromAddress(uintptr(region.Base + region.Length))
		for f := start; f < end; f++ {
			bitmapAllocator.clearBit(uint32(f))
		}
		return true
	})

	// Re-reserve the kernel image itself: it lies inside an Available
	// region but must never be handed out.
	startFrame := uint32(mm.FrameFromAddress(kernelStart))
	endFrame := uint32(mm.FrameFromAddress(kernelEnd + mm.PageSize - 1))
	bitmapAllocator.reserveRange(startFrame, endFrame)

	early.Printf("[pmm] %d frames total, kernel occupies frames %d-%d\n", bitmapAllocator.numFrames, startFrame, endFrame)

	mm.SetFrameAllocator(AllocFrame)
	mm.SetFrameReleaser(FreeFrame)

	return nil
}

// AllocFrame reserves and returns the next free physical frame.
func AllocFrame() (mm.Frame, *kernel.Error) {
	return bitmapAllocator.AllocFrame()
}

// FreeFrame releases f back to the allocator, honoring the frame reference
// table: a frame shared by more than one owner has its count decremented
// instead of being marked free.
func FreeFrame(f mm.Frame) {
	bitmapAllocator.FreeFrame(f)
}

// Reserve marks every frame covering [addr, addr+length) as used without
// any allocation bookkeeping. Used once at boot for multiboot-reported
// unusable regions and loader structures.
func Reserve(addr, length uintptr) {
	start := uint32(mm.FrameFromAddress(addr))
	end := uint32(mm.FrameFromAddress(addr + length + mm.PageSize - 1))
	bitmapAllocator.mu.Acquire()
	bitmapAllocator.reserveRange(start, end)
	bitmapAllocator.mu.Release()
}

// IsFree reports whether the frame at addr is currently unallocated.
func IsFree(addr uintptr) bool {
	return bitmapAllocator.IsFree(mm.FrameFromAddress(addr))
}

// Refs exposes the frame reference table backing this allocator's
// free_frame/alloc_frame_at decisions.
func Refs() *RefTable { return &bitmapAllocator.refs }

func (a *BitmapAllocator) reserveRange(start, end uint32) {
	for f := start; f < end; f++ {
		a.setBit(f)
	}
}

// AllocFrame scans the bitmap from a rotating cursor looking for a clear
// bit, sets it and returns the corresponding frame.
func (a *BitmapAllocator) AllocFrame() (mm.Frame, *kernel.Error) {
	a.mu.Acquire()
	defer a.mu.Release()

	wordCount := uint32(len(a.bitmap))
	for i := uint32(0); i < wordCount; i++ {
		idx := (a.cursor + i) % wordCount
		word := a.bitmap[idx]
		if word == ^uint32(0) {
			continue
		}

		for bit := uint32(0); bit < wordBits; bit++ {
			frameIndex := idx*wordBits + bit
			if frameIndex >= a.numFrames {
				break
			}

			if word&(1<<bit) == 0 {
				a.bitmap[idx] |= 1 << bit
				a.cursor = idx
				return mm.Frame(frameIndex), nil
			}
		}
	}

	return mm.InvalidFrame, errOutOfMemory
}

// AllocFrameAt allocates the specific frame f, failing with errInUse if it
// is already marked as used.
func (a *BitmapAllocator) AllocFrameAt(f mm.Frame) *kernel.Error {
	a.mu.Acquire()
	defer a.mu.Release()

	if a.testBit(uint32(f)) {
		return errInUse
	}

	a.setBit(uint32(f))
	return nil
}

// FreeFrame clears f's bit, unless the frame reference table shows other
// holders, in which case it decrements the shared count instead.
func (a *BitmapAllocator) FreeFrame(f mm.Frame) {
	if !f.Valid() {
		return
	}

	if a.refs.Contains(f.Address()) {
		a.refs.Remove(f.Address())
		return
	}

	a.mu.Acquire()
	a.clearBit(uint32(f))
	a.mu.Release()
}

// IsFree reports whether f is currently unallocated.
func (a *BitmapAllocator) IsFree(f mm.Frame) bool {
	a.mu.Acquire()
	defer a.mu.Release()
	return !a.testBit(uint32(f))
}

func (a *BitmapAllocator) setBit(i uint32)        { a.bitmap[i/wordBits] |= 1 << (i % wordBits) }
func (a *BitmapAllocator) clearBit(i uint32)       { a.bitmap[i/wordBits] &^= 1 << (i % wordBits) }
func (a *BitmapAllocator) testBit(i uint32) bool {
	return a.bitmap[i/wordBits]&(1<<(i%wordBits)) != 0
}
