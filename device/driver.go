package device

import (
	"io"

	"github.com/open-computing-kit/ockernel/kernel"
)

// Driver is an interface implemented by all drivers.
type Driver interface {
	// DriverName returns the name of the driver.
	DriverName() string

	// DriverVersion returns the driver version.
	DriverVersion() (major uint16, minor uint16, patch uint16)

	// DriverInit initializes the device driver, logging progress (and any
	// failure) to w.
	DriverInit(w io.Writer) *kernel.Error
}

// ProbeFn attempts to detect a particular piece of hardware, returning a
// ready-to-init Driver if found or nil otherwise.
type ProbeFn func() Driver

// DetectOrder ranks DriverInfo entries so hal.DetectHardware probes the
// most foundational hardware first: an ACPI-dependent driver, for
// instance, needs ACPI itself to have already run.
type DetectOrder int

const (
	// DetectOrderEarly runs before everything else, e.g. the devices the
	// bootloader already set up (VGA text mode, the legacy PIT).
	DetectOrderEarly DetectOrder = iota

	// DetectOrderBeforeACPI runs after DetectOrderEarly but before ACPI
	// itself, e.g. ACPI's own table scan.
	DetectOrderBeforeACPI

	// DetectOrderACPI runs after ACPI has located and parsed its tables.
	DetectOrderACPI

	// DetectOrderLast runs after every other driver, e.g. drivers that
	// depend on ACPI-enumerated devices.
	DetectOrderLast
)

// DriverInfo pairs a probe function with the order hal.DetectHardware
// should run it in.
type DriverInfo struct {
	Order DetectOrder
	Probe ProbeFn
}

// DriverInfoList implements sort.Interface, ordering by Order ascending.
type DriverInfoList []*DriverInfo

func (l DriverInfoList) Len() int           { return len(l) }
func (l DriverInfoList) Less(i, j int) bool { return l[i].Order < l[j].Order }
func (l DriverInfoList) Swap(i, j int)      { l[i], l[j] = l[j], l[i] }

var registeredDrivers DriverInfoList

// RegisterDriver adds info to the set of drivers hal.DetectHardware probes.
// Drivers call this from an init() function.
func RegisterDriver(info *DriverInfo) {
	registeredDrivers = append(registeredDrivers, info)
}

// DriverList returns every driver registered so far via RegisterDriver.
func DriverList() DriverInfoList {
	return registeredDrivers
}
