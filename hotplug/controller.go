package hotplug

import (
	"fmt"
	"log/slog"
	"sync"
)

// Controller is the hotplug device. Its host-facing methods may be called from
// any goroutine; they're serialized with MMIO dispatch by the device lock.
//
// A nil *Controller stands for a device that isn't attached (yet, or any more).
// Every host-facing method on it is a no-op that reports false or zero.
type Controller struct {
	mu sync.Mutex

	maskSize int
	req      *BitMask
	resp     *BitMask
	ctl      Control
	stats    Stats

	line       Line
	done       Completer
	log        *slog.Logger
	legacyResp bool
}

// New creates a Controller in its reset state.
func New(cfg Config) (*Controller, error) {
	cfg = cfg.withDefaults()
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConfig, err)
	}

	sz := MaskSize(cfg.MaxVCPUs)
	c := &Controller{
		maskSize:   sz,
		req:        NewBitMask(sz),
		resp:       NewBitMask(sz),
		line:       cfg.Line,
		done:       cfg.Completer,
		log:        cfg.Logger,
		legacyResp: cfg.LegacyResponseQuery,
	}

	c.Reset()
	return c, nil
}

// Name identifies the device on a bus.
func (*Controller) Name() string {
	return "vcpu_hp"
}

// MaskSize returns the size of each mask in bytes.
func (c *Controller) MaskSize() int {
	if c == nil {
		absent("mask size")
		return 0
	}

	return c.maskSize
}

// RequestSet asks for vCPU i to be online after the next hotplug.
func (c *Controller) RequestSet(i int) {
	if c == nil {
		absent("request set")
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.req.Set(i)
}

// RequestClear asks for vCPU i to be offline after the next hotplug.
func (c *Controller) RequestClear(i int) {
	if c == nil {
		absent("request clear")
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.req.Clear(i)
}

func (c *Controller) RequestIsSet(i int) bool {
	if c == nil {
		absent("request query")
		return false
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	return c.req.IsSet(i)
}

// ResponseIsSet reports whether the guest has acknowledged vCPU i as online.
// With Config.LegacyResponseQuery it reports the request mask instead.
func (c *Controller) ResponseIsSet(i int) bool {
	if c == nil {
		absent("response query")
		return false
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.legacyResp {
		return c.req.IsSet(i)
	}

	return c.resp.IsSet(i)
}

// Fire raises the hotplug interrupt for the staged request. It returns false,
// changing nothing, if the previous hotplug is still pending.
func (c *Controller) Fire() bool {
	if c == nil {
		absent("fire")
		return false
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	return c.fire()
}

// Stage replaces the request mask with want and fires it. It returns false,
// changing nothing, if the previous hotplug is still pending. Bits of want
// past the end of the request mask are ignored.
func (c *Controller) Stage(want *BitMask) bool {
	if c == nil {
		absent("stage")
		return false
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	// a pending request stays as the guest may be reading it
	if !c.ctl.Has(HPR) {
		for n := 0; n < c.maskSize; n++ {
			c.req.SetByte(n, want.Byte(n))
		}
	}

	return c.fire()
}

func (c *Controller) fire() bool {
	next, ok := c.ctl.Fire()
	if !ok {
		c.stats.FireRejects++
		c.log.Warn("vcpu_hp: cannot fire, previous hotplug still pending",
			"control", c.ctl)

		return false
	}

	c.log.Info("vcpu_hp: firing hotplug request", "request", c.req)

	// the guest may complete a hotplug without clearing IPR, leaving the line high
	stale := c.ctl.Has(IPR)

	c.ctl = next
	c.stats.Fires++
	c.line.SetLevel(true)

	if stale {
		c.line.Resample()
	}

	return true
}

// IsPending reports whether a fired hotplug hasn't been completed by the guest.
func (c *Controller) IsPending() bool {
	if c == nil {
		absent("pending query")
		return false
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ctl.Has(HPR)
}

// Reset returns the device to its power-on state: only vCPU 0 requested, an
// empty response and a clear control byte. It overrides any pending hotplug.
func (c *Controller) Reset() {
	if c == nil {
		absent("reset")
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.req.Zero()
	c.resp.Zero()

	// by default, only the boot vCPU is requested
	c.req.Set(0)

	c.ctl = 0
	c.line.SetLevel(false)
}

func (c *Controller) Control() Control {
	if c == nil {
		absent("control query")
		return 0
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ctl
}

// Requested returns a copy of the request mask.
func (c *Controller) Requested() *BitMask {
	if c == nil {
		absent("request snapshot")
		return NewBitMask(0)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	return c.req.Clone()
}

// Responded returns a copy of the response mask.
func (c *Controller) Responded() *BitMask {
	if c == nil {
		absent("response snapshot")
		return NewBitMask(0)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	return c.resp.Clone()
}

func (c *Controller) Stats() Stats {
	if c == nil {
		absent("stats")
		return Stats{}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stats
}

func absent(op string) {
	slog.Debug("vcpu_hp: no device attached", "op", op)
}
