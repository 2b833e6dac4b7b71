package mmio

import "fmt"

type Bus struct {
	devices []*device
}

type device struct {
	info DeviceInfo
	dev  Device
}

// NewBus creates a new bus and installs the given devices. Devices are
// assigned an IRQ and a 4K memory region in order. See the Devices method.
func NewBus(devices ...Device) *Bus {
	var (
		irq  = FirstIRQ
		addr = uint64(BaseAddr)
	)

	b := &Bus{
		devices: make([]*device, len(devices)),
	}

	for i, dev := range devices {
		b.devices[i] = &device{
			info: DeviceInfo{
				Name: dev.Name(),
				IRQ:  irq,
				Addr: addr,
				Size: WindowSize,
			},

			dev: dev,
		}

		irq++
		addr += WindowSize
	}

	return b
}

// HandleMMIO routes an MMIO access to the appropriate device.
// It returns (found=false, err=nil) if no device is found.
func (b *Bus) HandleMMIO(addr uint64, data []byte, isWrite bool) (found bool, err error) {
	var d *device
	for _, dd := range b.devices {
		if addr >= dd.info.Addr && addr < dd.info.Addr+dd.info.Size {
			d = dd
			break
		}
	}

	if d == nil {
		return false, nil
	}

	off := int(addr - d.info.Addr)
	if err := d.dev.HandleMMIO(off, data, isWrite); err != nil {
		return true, fmt.Errorf("%s at %#x: %w", d.info.Name, addr, err)
	}

	return true, nil
}

// Devices returns a slice describing the installed devices.
func (b *Bus) Devices() []DeviceInfo {
	dd := make([]DeviceInfo, len(b.devices))
	for i, d := range b.devices {
		dd[i] = d.info
	}

	return dd
}

// Lookup returns the first installed device with the given name.
func (b *Bus) Lookup(name string) (DeviceInfo, bool) {
	for _, d := range b.devices {
		if d.info.Name == name {
			return d.info, true
		}
	}

	return DeviceInfo{}, false
}
