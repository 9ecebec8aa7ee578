package sched

import (
	"encoding/binary"

	"github.com/open-computing-kit/ockernel/kernel"
	"github.com/open-computing-kit/ockernel/kernel/mm"
	"github.com/open-computing-kit/ockernel/kernel/mm/vmm"
)

// ExecLoader loads an ELF image into freshly-mapped pages of dir and
// returns the entry point to resume at. Supplied by the ELF loader; kept as
// an interface here so sched does not import it directly.
type ExecLoader interface {
	Load(dir *vmm.PageDirectory, image []byte) (entry uintptr, err *kernel.Error)
}

// Exec implements spec.md §4.7's exec: the task's existing page directory
// is discarded (vmm.DropDirectory, which walks the ref table so a still-CoW
// -shared frame is decremented rather than freed under the caller), a fresh
// one replaces it, the program image is loaded into it, and the task's
// saved registers are replaced wholesale with the new entry point and a
// fresh user stack. argv/envp are copied into that stack below the entry
// point (not present in original_source/src/arch/i586/tasks.rs, which has
// no exec at all; this follows spec.md §4.7's "a fresh user stack" and the
// syscall ABI's register-argument convention, §6). The pid, parent and
// children links are unchanged. mapper is the kernel-wide foreign-memory
// mapper (vmm.Foreign()); it is threaded through explicitly rather than
// read from vmm's package-level singleton so callers (and tests) are not
// forced through vmm.Init()'s full bootstrap sequence just to exec a task.
func Exec(s *Scheduler, pid Pid, loader ExecLoader, image []byte, userStackTop uintptr, argv, envp []string, mapper *vmm.ForeignMapper) *kernel.Error {
	task, ok := s.tasks.Get(pid)
	if !ok {
		return errNoSuchTask
	}

	newDir, err := vmm.NewPageDirectory(true)
	if err != nil {
		return err
	}

	entry, err := loader.Load(newDir, image)
	if err != nil {
		vmm.DropDirectory(newDir)
		return err
	}

	stackFrame, err := mm.AllocFrame()
	if err != nil {
		vmm.DropDirectory(newDir)
		return err
	}

	windowBase := userStackTop - mm.PageSize
	if err := newDir.Map(windowBase, stackFrame, vmm.FlagRW|vmm.FlagUser); err != nil {
		mm.FreeFrame(stackFrame)
		vmm.DropDirectory(newDir)
		return err
	}

	buf, esp, argvPtr := buildUserStack(uint32(windowBase), argv, envp)
	if err := mapper.WithMapped([]mm.Frame{stackFrame}, func(window []byte) {
		copy(window, buf)
	}); err != nil {
		vmm.DropDirectory(newDir)
		return err
	}

	oldDir := task.Dir
	task.Dir = newDir

	task.Registers.EIP = uint32(entry)
	task.Registers.ESP = esp
	task.Registers.EBX = argvPtr
	task.Registers.EAX = 0
	task.Registers.ECX = 0
	task.Registers.EDX = 0
	task.Registers.ESI = 0
	task.Registers.EDI = 0
	task.Registers.EBP = 0

	if oldDir != nil {
		vmm.DropDirectory(oldDir)
	}

	return nil
}

// buildUserStack lays out argv and envp (each a NUL-terminated string
// followed by a NULL-terminated pointer array, envp below argv) into a
// single page's worth of bytes addressed starting at windowBase, growing
// down from the top of the page. It returns the page's contents, the
// resulting stack pointer, and the address of the argv pointer array (the
// value handed to the task in its designated argument register).
func buildUserStack(windowBase uint32, argv, envp []string) (buf []byte, esp uint32, argvPtr uint32) {
	buf = make([]byte, mm.PageSize)
	cursor := uint32(mm.PageSize)

	writeStr := func(str string) uint32 {
		b := append([]byte(str), 0)
		cursor -= uint32(len(b))
		copy(buf[cursor:], b)
		return windowBase + cursor
	}

	argvAddrs := make([]uint32, len(argv))
	for i, str := range argv {
		argvAddrs[i] = writeStr(str)
	}
	envpAddrs := make([]uint32, len(envp))
	for i, str := range envp {
		envpAddrs[i] = writeStr(str)
	}

	cursor &^= 3 // align the pointer arrays to a 4-byte boundary

	writePtrArray := func(addrs []uint32) uint32 {
		cursor -= uint32(len(addrs)+1) * 4
		base := cursor
		for i, addr := range addrs {
			binary.LittleEndian.PutUint32(buf[base+uint32(i)*4:], addr)
		}
		binary.LittleEndian.PutUint32(buf[base+uint32(len(addrs))*4:], 0)
		return windowBase + base
	}

	writePtrArray(envpAddrs)
	argvPtr = writePtrArray(argvAddrs)

	esp = windowBase + cursor
	return buf, esp, argvPtr
}
