// Package mmio implements a bus of memory-mapped devices.
package mmio

// Device handles guest accesses to its window. off is relative to the start of the window.
type Device interface {

	// Name identifies the device.
	Name() string

	// HandleMMIO reads into or writes from data at off.
	HandleMMIO(off int, data []byte, isWrite bool) error
}

// DeviceInfo describes an installed device.
type DeviceInfo struct {
	Name string
	IRQ  int
	Addr uint64
	Size uint64
}

// bus layout

const (
	FirstIRQ   = 5
	BaseAddr   = 0xd0000000
	WindowSize = 0x1000
)
