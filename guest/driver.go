// Package guest implements the guest side of the vCPU hotplug protocol, the
// way a guest kernel driver would drive the device's registers.
package guest

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/c35s/cpuhp/hotplug"
)

// Accessor performs guest-physical MMIO accesses.
type Accessor interface {
	HandleMMIO(addr uint64, data []byte, isWrite bool) error
}

// Driver talks to one hotplug device mapped at base.
type Driver struct {
	mem  Accessor
	base uint64
	log  *slog.Logger

	maskSize int
	online   *hotplug.BitMask
}

// Probe reads the device's mask size and returns a driver that considers only
// the boot vCPU online.
func Probe(mem Accessor, base uint64, log *slog.Logger) (*Driver, error) {
	if log == nil {
		log = slog.Default()
	}

	d := &Driver{
		mem:  mem,
		base: base,
		log:  log,
	}

	sz, err := d.readByte(hotplug.RegMaskSize)
	if err != nil {
		return nil, fmt.Errorf("guest: probe: %w", err)
	}

	if sz == 0 {
		return nil, fmt.Errorf("guest: probe: device reports an empty mask")
	}

	d.maskSize = int(sz)
	d.online = hotplug.NewBitMask(d.maskSize)
	d.online.Set(0)

	return d, nil
}

func (d *Driver) MaskSize() int {
	return d.maskSize
}

// Online returns the vCPUs the driver has brought online.
func (d *Driver) Online() []int {
	return d.online.Indices()
}

func (d *Driver) Control() (hotplug.Control, error) {
	v, err := d.readByte(hotplug.RegControl)
	return hotplug.Control(v), err
}

// Requested reads the request mask.
func (d *Driver) Requested() (*hotplug.BitMask, error) {
	return d.readMask(hotplug.RegRequestMask)
}

// Responded reads back the response mask.
func (d *Driver) Responded() (*hotplug.BitMask, error) {
	return d.readMask(hotplug.RegRequestMask + d.maskSize)
}

// Service handles one hotplug interrupt. It acknowledges the interrupt, calls
// apply for every vCPU whose requested state differs from the driver's, reports
// the result in the response mask and completes the hotplug. It returns false
// if no hotplug was pending.
//
// If apply fails for a vCPU, that vCPU keeps its old state in the response.
func (d *Driver) Service(apply func(id int, online bool) error) (bool, error) {
	ctl, err := d.Control()
	if err != nil {
		return false, err
	}

	if !ctl.Has(hotplug.HPR) {
		return false, nil
	}

	if ctl.Has(hotplug.IPR) {
		if err := d.writeByte(hotplug.RegControl, byte(ctl&^hotplug.IPR)); err != nil {
			return false, err
		}
	}

	req, err := d.Requested()
	if err != nil {
		return false, err
	}

	for id := 0; id < 8*d.maskSize; id++ {
		want := req.IsSet(id)
		if want == d.online.IsSet(id) {
			continue
		}

		if err := apply(id, want); err != nil {
			d.log.Warn("guest: vcpu transition failed", "vcpu", id, "online", want, "err", err)
			continue
		}

		if want {
			d.online.Set(id)
		} else {
			d.online.Clear(id)
		}
	}

	respOff := hotplug.RegRequestMask + d.maskSize
	for n, b := range d.online.Bytes() {
		if err := d.writeByte(respOff+n, b); err != nil {
			return false, err
		}
	}

	if err := d.writeByte(hotplug.RegControl, 0); err != nil {
		return false, err
	}

	return true, nil
}

// Run services the device each time wait returns, until wait or Service fails.
func (d *Driver) Run(ctx context.Context, wait func(context.Context) error, apply func(id int, online bool) error) error {
	for {
		if err := wait(ctx); err != nil {
			return err
		}

		if _, err := d.Service(apply); err != nil {
			return err
		}
	}
}

func (d *Driver) readMask(off int) (*hotplug.BitMask, error) {
	m := hotplug.NewBitMask(d.maskSize)
	for n := 0; n < d.maskSize; n++ {
		b, err := d.readByte(off + n)
		if err != nil {
			return nil, err
		}

		m.SetByte(n, b)
	}

	return m, nil
}

func (d *Driver) readByte(off int) (byte, error) {
	p := []byte{0}
	if err := d.mem.HandleMMIO(d.base+uint64(off), p, false); err != nil {
		return 0, err
	}

	return p[0], nil
}

func (d *Driver) writeByte(off int, v byte) error {
	return d.mem.HandleMMIO(d.base+uint64(off), []byte{v}, true)
}
