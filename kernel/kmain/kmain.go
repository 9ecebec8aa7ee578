// Package kmain wires every kernel subsystem together into the boot
// sequence: boot handoff, bump allocator, kernel page directory, frame
// allocator, address-space switch, heap, initrd, global state, interrupts,
// timer, and finally the scheduler. Grounded on
// gopheros/kernel/kmain/kmain.go's chained Init/panic structure, extended
// with the additional steps this kernel's boot sequence needs that
// gopher-os's did not (a pre-heap bump allocator, initrd parsing, global
// state, and starting a scheduler).
package kmain

import (
	"unsafe"

	"github.com/open-computing-kit/ockernel/device/serial"
	"github.com/open-computing-kit/ockernel/initrd"
	"github.com/open-computing-kit/ockernel/kernel"
	"github.com/open-computing-kit/ockernel/kernel/cpu"
	"github.com/open-computing-kit/ockernel/kernel/elf"
	"github.com/open-computing-kit/ockernel/kernel/global"
	"github.com/open-computing-kit/ockernel/kernel/goruntime"
	"github.com/open-computing-kit/ockernel/kernel/hal"
	"github.com/open-computing-kit/ockernel/kernel/hal/multiboot"
	"github.com/open-computing-kit/ockernel/kernel/irq"
	"github.com/open-computing-kit/ockernel/kernel/kfmt"
	"github.com/open-computing-kit/ockernel/kernel/kfmt/early"
	"github.com/open-computing-kit/ockernel/kernel/mm"
	"github.com/open-computing-kit/ockernel/kernel/mm/heap"
	"github.com/open-computing-kit/ockernel/kernel/mm/pmm"
	"github.com/open-computing-kit/ockernel/kernel/mm/vmm"
	"github.com/open-computing-kit/ockernel/kernel/sched"
	"github.com/open-computing-kit/ockernel/kernel/timer"
)

var errKmainReturned = &kernel.Error{Module: "kmain", Message: "Kmain returned"}

// timerHz is the preemption tick rate: spec.md's MLFQ re-evaluates priority
// on a one-second boundary, but context switches need a much finer grain to
// feel preemptive at all.
const timerHz = 100

// initrdModuleName is the boot module name the loader passes for the USTAR
// archive, matching spec.md §6's "USTAR initrd" glue.
const initrdModuleName = "initrd.tar"

var bump heap.BumpAllocator
var kheap heap.Allocator

// Kmain is the kernel's entry point, called once by the assembly trampoline
// with the raw multiboot2 info pointer and the kernel image's link-time
// bounds. It never returns: either boot fails and it panics, or the
// scheduler takes over the CPU permanently.
//
//go:noinline
func Kmain(multibootInfoPtr, kernelStart, kernelEnd uintptr) {
	multiboot.SetInfoPtr(multibootInfoPtr)

	sink := serial.New()
	early.SetSink(func(b byte) { _ = sink.WriteByte(b) })
	kfmt.SetOutputSink(sink)

	early.Printf("booting\n")

	// The bump allocator's backing array lives inside the kernel image,
	// linked (and hence addressed by Go) at mm.LinkedBase; the loader
	// places that image at physical address 0. physOffset must satisfy
	// phys = virt + physOffset, so it is computed through a variable
	// (rather than as a constant expression) so the unsigned wraparound
	// is a runtime operation, not a compile-time overflow.
	var linkedBase uintptr = mm.LinkedBase
	bump.Init(0 - linkedBase)

	var err *kernel.Error
	if err = pmm.Init(kernelStart, kernelEnd); err != nil {
		kernel.Panic(err)
	} else if err = vmm.Init(); err != nil {
		kernel.Panic(err)
	} else if err = goruntime.Init(); err != nil {
		kernel.Panic(err)
	}

	bump.FreeUnused(vmm.KernelDirectory(), mm.FreeFrame)

	kernelDir := vmm.KernelDirectory()
	if err = kheap.Init(kernelDir, mm.HeapBase, mm.HeapMinBytes, mm.HeapMaxBytes); err != nil {
		kernel.Panic(err)
	}

	hal.DetectHardware()
	early.Printf("console ready\n")

	entries := loadInitrd()

	procTable := &sched.ProcessTable{}
	tm := timer.New(timerHz)
	scheduler := sched.NewScheduler(tm, procTable, kernelDir)

	if err = global.Init(kernelDir, procTable, []*sched.Scheduler{scheduler}); err != nil {
		kernel.Panic(err)
	}

	irq.HandleExceptionWithCode(irq.PageFaultException, handlePageFault)

	cpu.EnableInterrupts()

	loadInitTask(scheduler, entries)

	scheduler.Start()

	kernel.Panic(errKmainReturned)
}

// loadInitrd locates the boot module the loader tagged as the USTAR initrd
// and parses it. A missing or malformed initrd is not fatal to booting
// (there may legitimately be nothing to run yet), so failures are logged
// rather than panicking.
func loadInitrd() []initrd.Entry {
	var modData []byte
	multiboot.VisitModules(func(mod *multiboot.Module) bool {
		if mod.Name == initrdModuleName {
			modData = physBytes(mod.DataStart, mod.DataLength)
			return false
		}
		return true
	})

	if modData == nil {
		early.Printf("no initrd module found\n")
		return nil
	}

	entries, err := initrd.Parse(modData)
	if err != nil {
		kfmt.Fprintf(kfmt.GetOutputSink(), "initrd: %s\n", err.Message)
		return nil
	}
	return entries
}

// loadInitTask execs the first regular file in entries as pid 1's program
// image. With nothing to run, the scheduler is left with no runnable tasks
// and simply idles.
func loadInitTask(s *sched.Scheduler, entries []initrd.Entry) {
	var initImage []byte
	for _, e := range entries {
		if e.Kind == initrd.KindRegular {
			initImage = e.Contents
			break
		}
	}
	if initImage == nil {
		return
	}

	pid, err := sched.Fork(s, 0)
	if err != nil {
		kfmt.Fprintf(kfmt.GetOutputSink(), "fork init: %s\n", err.Message)
		return
	}

	loader := elf.NewLoader(vmm.Foreign())
	const userStackTop = mm.LinkedBase - mm.PageSize
	if err := sched.Exec(s, pid, loader, initImage, userStackTop, nil, nil, vmm.Foreign()); err != nil {
		kfmt.Fprintf(kfmt.GetOutputSink(), "exec init: %s\n", err.Message)
		return
	}

	s.Push(pid)
}

// physBytes returns a Go byte slice viewing size bytes of physical memory
// starting at start, using the kernel's direct physical-map window. Boot
// modules are always placed well inside that window by the loader.
func physBytes(start uintptr, size uint32) []byte {
	return unsafe.Slice((*byte)(unsafe.Pointer(mm.PhysToVirt(start))), int(size))
}

// handlePageFault adapts vmm's page-fault handler to the signature
// irq.HandleExceptionWithCode expects, resolving the currently active
// directory from the global singleton rather than threading it through the
// interrupt glue.
func handlePageFault(errCode uint32, frame *irq.Frame, regs *irq.Regs) {
	state, gerr := global.Get()
	if gerr != nil {
		return
	}

	faultAddr := cpu.ReadCR2()
	if verr := vmm.HandlePageFault(state.KernelDir, faultAddr, errCode); verr != nil {
		kfmt.Fprintf(kfmt.GetOutputSink(), "unhandled page fault at %x: %s\n", faultAddr, verr.Message)
		kernel.Panic(verr)
	}
}
