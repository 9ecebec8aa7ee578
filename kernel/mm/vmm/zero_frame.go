package vmm

import (
	"github.com/open-computing-kit/ockernel/kernel"
	"github.com/open-computing-kit/ockernel/kernel/mm"
)

// ReservedZeroedFrame is a single always-zero physical frame shared by every
// copy-on-write mapping created for a reservation that has not been written
// to yet (see EarlyReserveRegion and the Go runtime's sysMap hook). It is
// allocated once by Init and never freed.
//
// Because every such mapping aliases the very same frame, it must never be
// reachable through a writable mapping, and a write fault against it must
// always take the copy path in HandleWriteFault rather than the
// reclaim-in-place path that a normal, honestly-refcounted CoW frame would
// take.
var ReservedZeroedFrame = mm.InvalidFrame

var errAttemptToRWMapReservedZeroedFrame = &kernel.Error{Module: "vmm", Message: "attempted to establish a writable mapping to the reserved zeroed frame"}
