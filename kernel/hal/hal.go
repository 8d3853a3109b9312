// Package hal probes the registered device drivers and attaches the devices
// they find to the rest of the kernel.
package hal

import (
	"bytes"
	"sort"

	"ringos/device"
	"ringos/device/tty"
	"ringos/kernel/fs"
	"ringos/kernel/kfmt"
)

// managedDevices contains the devices discovered by the HAL.
type managedDevices struct {
	activeConsole *tty.Console

	// activeDrivers tracks all initialized device drivers.
	activeDrivers []device.Driver
}

var (
	devices managedDevices
	strBuf  bytes.Buffer
)

// ActiveConsole returns the console bound to descriptors 0, 1 and 2 or nil
// if no console was detected.
func ActiveConsole() *tty.Console {
	return devices.activeConsole
}

// ActiveDrivers returns the drivers that were successfully initialized.
func ActiveDrivers() []device.Driver {
	return devices.activeDrivers
}

// DetectHardware probes for hardware devices and initializes the appropriate
// drivers.
func DetectHardware() {
	devices = managedDevices{}

	// Get driver list and sort by detection priority
	drivers := device.DriverList()
	sort.Sort(drivers)

	probe(drivers)
}

// probe executes the probe function for each driver and invokes
// onDriverInit for each successfully initialized driver.
func probe(driverInfoList device.DriverInfoList) {
	var w = kfmt.PrefixWriter{Sink: kfmt.Sink()}

	for _, info := range driverInfoList {
		drv := info.Probe()
		if drv == nil {
			continue
		}

		strBuf.Reset()
		major, minor, patch := drv.DriverVersion()
		kfmt.Fprintf(&strBuf, "[hal] %s(%d.%d.%d): ", drv.DriverName(), major, minor, patch)
		w.Prefix = strBuf.Bytes()

		if err := drv.DriverInit(&w); err != nil {
			kfmt.Fprintf(&w, "init failed: %s\n", err.Message)
			continue
		}

		kfmt.Fprintf(&w, "initialized\n")
		onDriverInit(drv)
		devices.activeDrivers = append(devices.activeDrivers, drv)
	}
}

// onDriverInit is invoked by probe() whenever a piece of hardware is detected
// and successfully initialized. The first console becomes the target of the
// standard descriptors and of the kernel output.
func onDriverInit(drv device.Driver) {
	cons, ok := drv.(*tty.Console)
	if !ok || devices.activeConsole != nil {
		return
	}

	devices.activeConsole = cons
	fs.SetConsole(cons)
	kfmt.SetOutputSink(cons.Output())
}
