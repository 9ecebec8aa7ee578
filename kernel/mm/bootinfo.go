package mm

import "github.com/open-computing-kit/ockernel/kernel/hal/multiboot"

// maxBootRegions bounds how many merged Available regions
// VisitMergedAvailableRegions tracks at once, sized well above what any real
// multiboot memory map reports. A fixed-size backing array is used instead
// of a growable slice because this runs before goruntime.Init brings up the
// Go allocator (pmm.Init, the sole caller, must complete before that).
const maxBootRegions = 64

// BootRegion is a single coalesced span of Available physical memory.
type BootRegion struct {
	Base, Length uint64
}

// VisitMergedAvailableRegions visits the bootloader's memory map once,
// coalescing adjacent (directly touching) Available regions into single
// spans before invoking visitor, and restores a step original_source's
// mm/mod.rs performs before handing regions to the frame allocator's
// reserve: spec.md only specifies the raw {base, length, kind} triples the
// loader reports, which may describe one physically contiguous stretch of
// usable memory as several back-to-back entries.
func VisitMergedAvailableRegions(visitor func(r BootRegion) bool) {
	var regions [maxBootRegions]BootRegion
	var n int

	multiboot.VisitMemRegions(func(entry *multiboot.MemoryMapEntry) bool {
		if entry.Type != multiboot.MemAvailable {
			return true
		}

		base, length := entry.PhysAddress, entry.Length

		for i := 0; i < n; i++ {
			switch {
			case regions[i].Base+regions[i].Length == base:
				regions[i].Length += length
				return true
			case base+length == regions[i].Base:
				regions[i].Base = base
				regions[i].Length += length
				return true
			}
		}

		if n < maxBootRegions {
			regions[n] = BootRegion{Base: base, Length: length}
			n++
		}

		return true
	})

	for i := 0; i < n; i++ {
		if !visitor(regions[i]) {
			return
		}
	}
}
