package vmm

import (
	"testing"

	"github.com/open-computing-kit/ockernel/kernel/mm"
)

func newTestForeignMapper(t *testing.T) *ForeignMapper {
	t.Helper()
	dir, err := NewPageDirectory(false)
	if err != nil {
		t.Fatalf("unexpected error: %s", err)
	}
	dir.isKernel = true
	kernelDir = dir
	return NewForeignMapper(dir)
}

func TestWithMappedRoundTrip(t *testing.T) {
	defer resetTestState()()
	m := newTestForeignMapper(t)

	a, _ := mm.AllocFrame()
	b, _ := mm.AllocFrame()

	var windowLen int
	err := m.WithMapped([]mm.Frame{a, b}, func(window []byte) {
		windowLen = len(window)

		for i := 0; i < 2; i++ {
			virt := foreignWindowBase + uintptr(i)*mm.PageSize
			e, ok := m.kernelDir.Get(virt)
			if !ok || !e.Writable {
				t.Fatalf("expected slot %d to be mapped writable while f runs", i)
			}
		}
	})
	if err != nil {
		t.Fatalf("unexpected error: %s", err)
	}
	if windowLen != 2*int(mm.PageSize) {
		t.Fatalf("expected a 2-page window, got %d bytes", windowLen)
	}

	// the window must be fully restored (unmapped) once WithMapped returns
	if _, ok := m.kernelDir.Get(foreignWindowBase); ok {
		t.Fatal("expected scratch window to be unmapped again after WithMapped returns")
	}
}

func TestWithMappedRejectsOversizedRequest(t *testing.T) {
	defer resetTestState()()
	m := newTestForeignMapper(t)

	frames := make([]mm.Frame, foreignWindowPages+1)
	for i := range frames {
		frames[i], _ = mm.AllocFrame()
	}

	if err := m.WithMapped(frames, func(window []byte) {}); err == nil {
		t.Fatal("expected an oversized request to be rejected")
	}
}

func TestWithMappedDetectsOverlapWithExistingWindowMapping(t *testing.T) {
	defer resetTestState()()
	m := newTestForeignMapper(t)

	a, _ := mm.AllocFrame()
	if err := m.kernelDir.Map(foreignWindowBase, a, FlagRW); err != nil {
		t.Fatalf("unexpected error: %s", err)
	}

	if err := m.WithMapped([]mm.Frame{a}, func(window []byte) {}); err == nil {
		t.Fatal("expected WithMapped to detect that the requested frame already sits in the scratch window")
	}

	m.kernelDir.Unmap(foreignWindowBase)
}

func TestWithMappedRestoresOnPanic(t *testing.T) {
	defer resetTestState()()
	m := newTestForeignMapper(t)

	a, _ := mm.AllocFrame()
	prior, _ := mm.AllocFrame()
	_ = m.kernelDir.Map(foreignWindowBase, prior, FlagRW)
	m.kernelDir.Unmap(foreignWindowBase)
	_ = m.kernelDir.Map(foreignWindowBase, prior, FlagRW)

	func() {
		defer func() { recover() }()
		_ = m.WithMapped([]mm.Frame{a}, func(window []byte) {
			panic("boom")
		})
	}()

	e, ok := m.kernelDir.Get(foreignWindowBase)
	if !ok || e.Frame != prior {
		t.Fatalf("expected the window's prior mapping to be restored after a panic, got %+v ok=%v", e, ok)
	}
}
