package hotplug

import "fmt"

// HandleMMIO performs a guest access at off, relative to the start of the
// device's window. Every access must be exactly one byte wide; anything else
// means the device was attached to a bus wrongly, and HandleMMIO panics.
//
// Guest accesses that break the register layout return a *FaultError. The
// platform is expected to stop the guest when it sees one.
func (c *Controller) HandleMMIO(off int, data []byte, isWrite bool) (err error) {
	if len(data) != 1 {
		panic(fmt.Sprintf("vcpu_hp: %d-byte access at offset %#x", len(data), off))
	}

	var done *BitMask

	c.mu.Lock()
	defer func() {
		if err != nil {
			c.stats.WildAccesses++
			c.log.Error("vcpu_hp: rejected guest access", "err", err)
		}

		c.mu.Unlock()

		if done != nil {
			c.done.HotplugComplete(done)
		}
	}()

	if isWrite {
		done, err = c.writeMMIO(off, data[0])
		return err
	}

	data[0], err = c.readMMIO(off)
	return err
}

func (c *Controller) readMMIO(off int) (byte, error) {
	switch {
	case off < 0:
		return 0, &FaultError{Op: "read", Off: off, Region: "unmapped space"}

	case off < RegRequestMask:
		return c.readHeader(off), nil

	case off < c.respOff():
		n := off - RegRequestMask
		c.log.Debug("vcpu_hp: guest read of request mask", "byte", n)
		return c.req.Byte(n), nil

	case off < c.endOff():
		n := off - c.respOff()
		c.log.Debug("vcpu_hp: guest read of response mask", "byte", n)
		return c.resp.Byte(n), nil

	default:
		return 0, &FaultError{Op: "read", Off: off, Region: "unmapped space"}
	}
}

func (c *Controller) readHeader(off int) byte {
	switch off {
	case RegMaskSize:
		c.log.Debug("vcpu_hp: guest read of mask size")
		return byte(c.maskSize)

	case RegControl:
		c.log.Debug("vcpu_hp: guest read of control", "control", c.ctl)
		return c.ctl.Byte()

	default:
		// reserved
		return 0
	}
}

// writeMMIO returns a snapshot of the request mask if the write completed a hotplug.
func (c *Controller) writeMMIO(off int, v byte) (*BitMask, error) {
	switch {
	case off == RegControl:
		return c.writeControl(v), nil

	case off == RegMaskSize:
		return nil, &FaultError{Op: "write", Off: off, Region: "mask size"}

	case off > RegControl && off < RegRequestMask:
		return nil, &FaultError{Op: "write", Off: off, Region: "reserved header"}

	case off >= RegRequestMask && off < c.respOff():
		// read-only for the guest
		return nil, &FaultError{Op: "write", Off: off, Region: "request mask"}

	case off >= c.respOff() && off < c.endOff():
		n := off - c.respOff()
		c.log.Debug("vcpu_hp: guest write of response mask", "byte", n, "value", v)
		c.resp.SetByte(n, v)
		return nil, nil

	default:
		return nil, &FaultError{Op: "write", Off: off, Region: "unmapped space"}
	}
}

func (c *Controller) writeControl(v byte) *BitMask {
	next, tr := c.ctl.GuestWrite(v)
	c.ctl = next

	if tr.IPRCleared {
		c.log.Info("vcpu_hp: guest clearing IPR")
		c.line.SetLevel(false)
	}

	if tr.HPRCleared {
		c.log.Info("vcpu_hp: guest clearing HPR", "request", c.req, "response", c.resp)
		c.stats.Completions++
		return c.req.Clone()
	}

	return nil
}

func (c *Controller) respOff() int {
	return RegRequestMask + c.maskSize
}

func (c *Controller) endOff() int {
	return RegRequestMask + 2*c.maskSize
}
