package pmm

import (
	"testing"

	"github.com/open-computing-kit/ockernel/kernel/mm"
)

func newTestAllocator(numFrames uint32) *BitmapAllocator {
	a := &BitmapAllocator{numFrames: numFrames}
	words := (numFrames + wordBits - 1) / wordBits
	a.bitmap = a.bitmapStorage[:words]
	return a
}

func TestAllocFreeRoundTrip(t *testing.T) {
	a := newTestAllocator(64)

	f, err := a.AllocFrame()
	if err != nil {
		t.Fatalf("unexpected error: %s", err)
	}
	if a.IsFree(f) {
		t.Fatal("expected allocated frame to no longer be free")
	}

	a.FreeFrame(f)
	if !a.IsFree(f) {
		t.Fatal("expected freed frame to be free again")
	}
}

func TestAllocFrameAtInUse(t *testing.T) {
	a := newTestAllocator(8)

	if err := a.AllocFrameAt(mm.Frame(3)); err != nil {
		t.Fatalf("unexpected error: %s", err)
	}

	if err := a.AllocFrameAt(mm.Frame(3)); err != errInUse {
		t.Fatalf("expected errInUse; got %v", err)
	}
}

func TestAllocExhaustion(t *testing.T) {
	a := newTestAllocator(4)

	for i := 0; i < 4; i++ {
		if _, err := a.AllocFrame(); err != nil {
			t.Fatalf("unexpected error on alloc %d: %s", i, err)
		}
	}

	if _, err := a.AllocFrame(); err != errOutOfMemory {
		t.Fatalf("expected errOutOfMemory; got %v", err)
	}
}

func TestFreeFrameHonorsRefCount(t *testing.T) {
	a := newTestAllocator(8)

	f, err := a.AllocFrame()
	if err != nil {
		t.Fatalf("unexpected error: %s", err)
	}

	// Two Add calls on an unshared frame leave three holders: the original
	// owner plus the two new ones.
	a.refs.Add(f.Address(), 1)
	a.refs.Add(f.Address(), 2)

	a.FreeFrame(f)
	if a.IsFree(f) {
		t.Fatal("expected shared frame to remain allocated after one FreeFrame call")
	}

	a.FreeFrame(f)
	if a.IsFree(f) {
		t.Fatal("expected frame to remain allocated while its last holder still owns it")
	}

	a.FreeFrame(f)
	if !a.IsFree(f) {
		t.Fatal("expected frame to become free once the last reference is dropped")
	}
}

func TestReserveRange(t *testing.T) {
	a := newTestAllocator(16)
	a.reserveRange(4, 8)

	for i := uint32(4); i < 8; i++ {
		if a.IsFree(mm.Frame(i)) {
			t.Fatalf("expected frame %d to be reserved", i)
		}
	}
	if !a.IsFree(mm.Frame(8)) {
		t.Fatal("expected frame 8 to remain free")
	}
}
