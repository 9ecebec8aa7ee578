package vmm

import (
	"unsafe"

	"github.com/open-computing-kit/ockernel/kernel"
	"github.com/open-computing-kit/ockernel/kernel/mm"
)

var errOverlap = &kernel.Error{Module: "vmm", Message: "foreign frame overlaps kernel's own mapping"}

// foreignWindowBase is the start of a small, fixed virtual range in the
// kernel directory reserved for temporary foreign mappings. It sits just
// above the direct physical-map window.
const foreignWindowBase = mm.PhysMapBase + mm.PhysMapMaxBytes

// foreignWindowPages bounds how many physical pages a single WithMapped call
// can touch at once.
const foreignWindowPages = 16

// ForeignMapper implements spec.md §4.3: temporarily mapping another address
// space's pages into the running kernel's view so the kernel can copy data
// in or out without switching MMU state. The directory parameter is
// currently unused by the mapping step itself (every physical frame is
// reachable from the kernel directory once mapped in) but is threaded
// through the API to make the caller's intent explicit and to leave room
// for a future per-directory window.
type ForeignMapper struct {
	kernelDir *PageDirectory
}

// NewForeignMapper binds a mapper to the kernel directory, the only
// directory that is ever active when with_mapped runs (the kernel never
// switches into a user directory to service a foreign-memory request).
func NewForeignMapper(kernelDir *PageDirectory) *ForeignMapper {
	return &ForeignMapper{kernelDir: kernelDir}
}

// WithMapped maps phys (up to foreignWindowPages frames) into a scratch
// kernel-virtual window, invokes f with a byte slice view of exactly
// len(phys)*PageSize bytes, then restores the window's original mappings on
// every exit path, including a panic unwinding through f. It asserts that no
// physical page in phys aliases a page already resident in the window
// itself, which would otherwise let the kernel corrupt its own state.
func (m *ForeignMapper) WithMapped(phys []mm.Frame, f func(window []byte)) *kernel.Error {
	if len(phys) == 0 {
		return nil
	}
	if len(phys) > foreignWindowPages {
		return &kernel.Error{Module: "vmm", Message: "foreign mapping request exceeds window size"}
	}

	saved := make([]Entry, len(phys))
	for i, frame := range phys {
		virt := foreignWindowBase + uintptr(i)*mm.PageSize

		if prev, ok := m.kernelDir.Get(virt); ok {
			for _, other := range phys {
				if other == prev.Frame {
					return errOverlap
				}
			}
			saved[i] = prev
		} else {
			saved[i] = Entry{}
		}

		if err := m.kernelDir.Map(virt, frame, FlagRW); err != nil {
			m.restore(i, saved)
			return err
		}
	}

	defer m.restore(len(phys), saved)

	windowPtr := (*[foreignWindowPages * int(mm.PageSize)]byte)(unsafe.Pointer(foreignWindowBase))
	f(windowPtr[:len(phys)*int(mm.PageSize)])

	return nil
}

// restore reinstates the first n saved entries over the scratch window,
// unmapping slots that had nothing mapped before WithMapped ran.
func (m *ForeignMapper) restore(n int, saved []Entry) {
	for i := 0; i < n; i++ {
		virt := foreignWindowBase + uintptr(i)*mm.PageSize
		if saved[i].Frame == 0 && !saved[i].Present {
			m.kernelDir.Unmap(virt)
			continue
		}

		flags := PageTableEntryFlag(0)
		if saved[i].Writable {
			flags |= FlagRW
		}
		if saved[i].User {
			flags |= FlagUser
		}
		if saved[i].CopyOnWrite {
			flags |= FlagCopyOnWrite
		}
		_ = m.kernelDir.Map(virt, saved[i].Frame, flags)
	}
}
