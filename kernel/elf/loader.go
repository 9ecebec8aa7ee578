// Package elf implements spec.md §6's "ELF kernel loader": a minimal ELF32
// loader that maps PT_LOAD segments into a fresh page directory and hands
// back the entry point, with no dynamic-linking or interpreter support.
package elf

import (
	"bytes"
	stdelf "debug/elf"

	"github.com/open-computing-kit/ockernel/kernel"
	"github.com/open-computing-kit/ockernel/kernel/mm"
	"github.com/open-computing-kit/ockernel/kernel/mm/vmm"
)

var (
	errNotELF         = &kernel.Error{Module: "elf", Message: "not a recognizable ELF image"}
	errWrongClass     = &kernel.Error{Module: "elf", Message: "not a 32-bit i586 executable image"}
	errNoLoadSegments = &kernel.Error{Module: "elf", Message: "image has no PT_LOAD segments"}
)

// Loader implements kernel/sched's ExecLoader interface against a
// kernel-wide foreign mapper, so segment bytes can be copied into a
// freshly built, not-yet-active page directory's frames through the
// physical-map window (spec.md §4.3) rather than requiring the directory
// to already be loaded into CR3.
type Loader struct {
	mapper *vmm.ForeignMapper
}

// NewLoader binds a Loader to the kernel-wide foreign mapper used to reach
// a not-currently-active directory's frames.
func NewLoader(mapper *vmm.ForeignMapper) *Loader {
	return &Loader{mapper: mapper}
}

// Load accepts a 32-bit ELF with no dynamic section and no interpreter.
// Every page touched by a PT_LOAD segment is allocated once and mapped
// with the union of the segment's write permissions (conservative: if two
// segments share a page, the page is writable if either wants it
// writable), the memsz-filesz tail of each segment is zeroed, and the
// entry point is returned for the caller to install as the resumed
// task's EIP. Placing a trampoline at the top of the address space that
// switches page tables and jumps to entry is kernel/sched.Exec's job, not
// this package's — it already owns the task's registers and directory
// swap.
func (l *Loader) Load(dir *vmm.PageDirectory, image []byte) (uintptr, *kernel.Error) {
	f, err := stdelf.NewFile(bytes.NewReader(image))
	if err != nil {
		return 0, errNotELF
	}
	if f.Class != stdelf.ELFCLASS32 || f.Machine != stdelf.EM_386 || f.Type != stdelf.ET_EXEC {
		return 0, errWrongClass
	}

	loads := make([]*stdelf.Prog, 0, len(f.Progs))
	for _, p := range f.Progs {
		if p.Type == stdelf.PT_LOAD {
			loads = append(loads, p)
		}
	}
	if len(loads) == 0 {
		return 0, errNoLoadSegments
	}

	pages := pagesFor(loads)

	frames, ferr := l.allocateAndMap(dir, pages)
	if ferr != nil {
		l.releaseAll(frames)
		return 0, ferr
	}

	if err := l.zeroAll(frames); err != nil {
		l.releaseAll(frames)
		return 0, err
	}

	for _, p := range loads {
		if err := l.copySegment(p, image, frames); err != nil {
			l.releaseAll(frames)
			return 0, err
		}
	}

	return uintptr(f.Entry), nil
}

// pagesFor computes, for every page-aligned virtual address touched by any
// PT_LOAD segment, the union of the requested mapping flags.
func pagesFor(loads []*stdelf.Prog) map[uintptr]vmm.PageTableEntryFlag {
	pages := make(map[uintptr]vmm.PageTableEntryFlag)
	for _, p := range loads {
		flags := vmm.FlagUser
		if p.Flags&stdelf.PF_W != 0 {
			flags |= vmm.FlagRW
		}

		start := uintptr(p.Vaddr) &^ (mm.PageSize - 1)
		end := (uintptr(p.Vaddr+p.Memsz) + mm.PageSize - 1) &^ (mm.PageSize - 1)
		for pg := start; pg < end; pg += mm.PageSize {
			pages[pg] |= flags
		}
	}
	return pages
}

// allocateAndMap allocates one frame per page in pages and installs it
// into dir with that page's union flags.
func (l *Loader) allocateAndMap(dir *vmm.PageDirectory, pages map[uintptr]vmm.PageTableEntryFlag) (map[uintptr]mm.Frame, *kernel.Error) {
	frames := make(map[uintptr]mm.Frame, len(pages))
	for pg, flags := range pages {
		frame, err := mm.AllocFrame()
		if err != nil {
			return frames, err
		}
		if err := dir.Map(pg, frame, flags); err != nil {
			mm.FreeFrame(frame)
			return frames, err
		}
		frames[pg] = frame
	}
	return frames, nil
}

// zeroAll clears every allocated frame before segment data is copied in,
// so a segment's memsz-filesz tail (and any padding page never touched by
// a segment's file bytes) reads as zero.
func (l *Loader) zeroAll(frames map[uintptr]mm.Frame) *kernel.Error {
	for _, frame := range frames {
		if err := l.mapper.WithMapped([]mm.Frame{frame}, func(window []byte) {
			for i := range window {
				window[i] = 0
			}
		}); err != nil {
			return err
		}
	}
	return nil
}

// copySegment writes p's file-backed bytes into the frames covering its
// virtual range. Bytes beyond p.Filesz within p.Memsz are left as the
// zero fill already installed by zeroAll.
func (l *Loader) copySegment(p *stdelf.Prog, image []byte, frames map[uintptr]mm.Frame) *kernel.Error {
	if p.Filesz == 0 {
		return nil
	}
	if p.Off+p.Filesz > uint64(len(image)) {
		return &kernel.Error{Module: "elf", Message: "segment extends past end of image"}
	}
	data := image[p.Off : p.Off+p.Filesz]

	vaddr := uintptr(p.Vaddr)
	for written := uintptr(0); written < uintptr(len(data)); {
		pg := (vaddr + written) &^ (mm.PageSize - 1)
		frame, ok := frames[pg]
		if !ok {
			return &kernel.Error{Module: "elf", Message: "segment page was not mapped"}
		}

		offInPage := (vaddr + written) - pg
		n := mm.PageSize - offInPage
		if remaining := uintptr(len(data)) - written; n > remaining {
			n = remaining
		}

		chunk := data[written : written+n]
		if err := l.mapper.WithMapped([]mm.Frame{frame}, func(window []byte) {
			copy(window[offInPage:], chunk)
		}); err != nil {
			return err
		}

		written += n
	}
	return nil
}

// releaseAll frees every frame this Load call allocated; used on every
// failure path so a rejected image leaves no frames behind for the
// caller to notice and clean up twice.
func (l *Loader) releaseAll(frames map[uintptr]mm.Frame) {
	for _, frame := range frames {
		mm.FreeFrame(frame)
	}
}
