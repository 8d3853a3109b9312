// Package device defines the interface implemented by device drivers and
// the registry the boot code uses to probe and initialize them.
package device

import (
	"io"

	"ringos/kernel"
)

// Driver is an interface implemented by all drivers.
type Driver interface {
	// DriverName returns the name of the driver.
	DriverName() string

	// DriverVersion returns the driver version.
	DriverVersion() (major uint16, minor uint16, patch uint16)

	// DriverInit initializes the device driver. If the driver init code
	// needs to log some output, it can use the supplied io.Writer in
	// conjunction with a call to kfmt.Fprintf.
	DriverInit(io.Writer) *kernel.Error
}

// ProbeFn is a function that scans for the presence of a particular
// piece of hardware and returns a driver for it.
type ProbeFn func() Driver

// DetectOrder specifies when each driver's probe function will be invoked
// by the boot code.
type DetectOrder int8

const (
	// DetectOrderEarly specifies that the driver's probe function should
	// be executed before any other driver. The console uses it so that
	// the output of later drivers reaches the screen.
	DetectOrderEarly DetectOrder = -128

	// DetectOrderNormal is the default detection order.
	DetectOrderNormal DetectOrder = 0

	// DetectOrderLast specifies that the driver's probe function should
	// be executed after all other drivers.
	DetectOrderLast DetectOrder = 127
)

// DriverInfo is a driver-defined struct that is passed to calls to
// RegisterDriver.
type DriverInfo struct {
	// Order specifies at which stage of the boot process should this
	// driver get initialized.
	Order DetectOrder

	// Probe is a function that probes for the driver's hardware.
	Probe ProbeFn
}

// DriverInfoList is a list of registered drivers that implements
// sort.Interface.
type DriverInfoList []*DriverInfo

// Len returns the length of the driver info list.
func (l DriverInfoList) Len() int { return len(l) }

// Swap exchanges 2 elements in the driver info list.
func (l DriverInfoList) Swap(i, j int) { l[i], l[j] = l[j], l[i] }

// Less compares 2 elements of the driver info list.
func (l DriverInfoList) Less(i, j int) bool { return l[i].Order < l[j].Order }

var registeredDrivers DriverInfoList

// RegisterDriver adds the supplied driver info to the list of registered
// drivers. Drivers register themselves from their package init function.
func RegisterDriver(info *DriverInfo) {
	registeredDrivers = append(registeredDrivers, info)
}

// DriverList returns the list of registered drivers.
func DriverList() DriverInfoList {
	return registeredDrivers
}
