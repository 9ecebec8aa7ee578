package vmm

import "github.com/open-computing-kit/ockernel/kernel/mm"

// PageTableEntryFlag enumerates the bits a page table or page directory
// entry carries. FlagCopyOnWrite is a software-defined flag stored in one of
// the hardware-ignored bits (bits 9-11 on x86) the MMU never interprets.
type PageTableEntryFlag uint32

const (
	// FlagPresent marks the entry as valid; the MMU faults on access
	// otherwise.
	FlagPresent PageTableEntryFlag = 1 << iota

	// FlagRW marks the page writable. Per spec.md's data model,
	// writable and FlagCopyOnWrite are mutually exclusive: the hardware
	// writable bit must be clear whenever the software CoW bit is set.
	FlagRW

	// FlagUser marks the page accessible from user mode.
	FlagUser

	_ // bit 3: write-through, unused
	_ // bit 4: cache disable, unused

	// FlagAccessed and FlagDirty mirror the hardware-maintained status
	// bits; kept for completeness even though this implementation does
	// not currently consult them.
	FlagAccessed
	FlagDirty

	_ // bit 7: PAT/PS, unused in this non-PAE, 4 KiB-page design
	_ // bit 8: Global, unused (no PAE/PGE reliance in this design)

	// FlagCopyOnWrite is a software-only flag (bit 9, one of the three
	// bits the x86 architecture guarantees are ignored by the MMU) set
	// on both the parent's and child's entry for a page shared by fork.
	FlagCopyOnWrite
)

const (
	flagsMask = uintptr(mm.PageSize - 1)
	addrMask  = ^flagsMask
)

// pageTableEntry is the in-memory representation of one page-table (or
// page-directory) slot: a frame address plus flag bits, packed the way the
// MMU expects.
type pageTableEntry uint32

func (e pageTableEntry) has(flag PageTableEntryFlag) bool {
	return uint32(e)&uint32(flag) != 0
}

func (e *pageTableEntry) setFlags(flags PageTableEntryFlag) {
	*e |= pageTableEntry(flags)
}

func (e *pageTableEntry) clearFlags(flags PageTableEntryFlag) {
	*e &^= pageTableEntry(flags)
}

// Present reports whether this entry currently maps a frame.
func (e pageTableEntry) Present() bool { return e.has(FlagPresent) }

// Writable reports whether writes through this entry are permitted by
// hardware.
func (e pageTableEntry) Writable() bool { return e.has(FlagRW) }

// User reports whether this entry is accessible from user mode.
func (e pageTableEntry) User() bool { return e.has(FlagUser) }

// CopyOnWrite reports whether the software CoW bit is set. Invariant (spec.md
// §8, I2): whenever this is true, Writable() must be false.
func (e pageTableEntry) CopyOnWrite() bool { return e.has(FlagCopyOnWrite) }

// Frame returns the physical frame this entry currently points at.
func (e pageTableEntry) Frame() mm.Frame {
	return mm.Frame((uintptr(e) & addrMask) >> mm.PageShift)
}

// setFrame replaces the frame portion of the entry, leaving flags untouched.
func (e *pageTableEntry) setFrame(f mm.Frame) {
	*e = pageTableEntry(uintptr(*e)&flagsMask | (f.Address() & addrMask))
}

// makePTE builds an entry pointing at frame f with the given flags.
func makePTE(f mm.Frame, flags PageTableEntryFlag) pageTableEntry {
	return pageTableEntry(f.Address()&addrMask | uintptr(flags))
}

// Entry is the externally visible view of a single mapping, returned by
// PageDirectory.Get. It decouples callers from the packed representation.
type Entry struct {
	Frame       mm.Frame
	Present     bool
	Writable    bool
	User        bool
	CopyOnWrite bool
}

func (e pageTableEntry) toEntry() Entry {
	return Entry{
		Frame:       e.Frame(),
		Present:     e.Present(),
		Writable:    e.Writable(),
		User:        e.User(),
		CopyOnWrite: e.CopyOnWrite(),
	}
}
