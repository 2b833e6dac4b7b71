// Package hotplug implements a paravirtualized vCPU hotplug device.
//
// The host stages a request mask and fires it. The guest is interrupted, reads the
// request mask, brings vCPUs online or offline, writes the response mask and clears the
// pending bits in the control byte. The device is a 4K MMIO window of 1-byte registers:
//
//	offset     access  meaning
//	0          R       mask size in bytes (N)
//	1          RW      control byte
//	2-7        -       reserved, reads 0
//	8          R       request mask, N bytes
//	8+N        RW      response mask, N bytes
//
// Any other access is a wild access and is fatal to the guest.
package hotplug

import (
	"errors"
	"fmt"
	"log/slog"
)

// register offsets

const (
	RegMaskSize    = 0 // mask size in bytes (R)
	RegControl     = 1 // control byte (RW)
	RegRequestMask = 8 // request mask, followed by the response mask

	// WindowSize is the size of the device's MMIO window.
	WindowSize = 0x1000
)

const (
	MaxVCPUsDefault = 8
	MaxVCPUsMax     = 8 * maxMaskSize

	// the mask size has to fit in the header byte at RegMaskSize
	maxMaskSize = 0xff
)

var (
	ErrConfig     = errors.New("hotplug: invalid config")
	ErrWildAccess = errors.New("hotplug: guest wild access")
)

// FaultError describes a guest access outside the rules of the register window.
// It matches ErrWildAccess.
type FaultError struct {
	Op     string // "read" or "write"
	Off    int    // offset into the window
	Region string // what lives at Off
}

func (e *FaultError) Error() string {
	return fmt.Sprintf("vcpu_hp: guest wild %s of %s at offset %#x", e.Op, e.Region, e.Off)
}

func (e *FaultError) Unwrap() error {
	return ErrWildAccess
}

// Line is the device's interrupt output. *irq.Line implements it.
type Line interface {
	SetLevel(high bool)

	// Resample re-signals an asserted line.
	Resample()
}

// Completer is notified each time the guest completes a hotplug cycle by
// clearing HPR. It's passed a copy of the request mask. It's called without
// the device lock held, so it may call back into the Controller.
type Completer interface {
	HotplugComplete(requested *BitMask)
}

// CompleterFunc adapts a func to a Completer.
type CompleterFunc func(requested *BitMask)

func (f CompleterFunc) HotplugComplete(requested *BitMask) {
	f(requested)
}

// Config describes a new Controller.
type Config struct {

	// MaxVCPUs is the number of vCPUs the masks describe.
	// If MaxVCPUs is 0, the device describes 8 vCPUs.
	MaxVCPUs int

	// Line is the device's level-triggered interrupt output.
	// If Line is nil, the interrupt goes nowhere.
	Line Line

	// Completer is notified when the guest finishes a hotplug cycle.
	Completer Completer

	// Logger receives diagnostics. If Logger is nil, slog.Default is used.
	Logger *slog.Logger

	// LegacyResponseQuery makes ResponseIsSet read the request mask, like
	// the first implementation of this device did.
	LegacyResponseQuery bool
}

// Stats counts protocol events since the Controller was created.
type Stats struct {
	Fires        uint64 // accepted Fire calls
	FireRejects  uint64 // Fire calls rejected because a hotplug was pending
	Completions  uint64 // HPR cleared by the guest
	WildAccesses uint64 // guest accesses rejected as wild
}

func (cfg Config) validate() error {
	if cfg.MaxVCPUs < 1 {
		return fmt.Errorf("max vCPUs must be positive: %d", cfg.MaxVCPUs)
	}

	if cfg.MaxVCPUs > MaxVCPUsMax {
		return fmt.Errorf("too many vCPUs: %d > %d", cfg.MaxVCPUs, MaxVCPUsMax)
	}

	return nil
}

func (cfg Config) withDefaults() Config {
	if cfg.MaxVCPUs == 0 {
		cfg.MaxVCPUs = MaxVCPUsDefault
	}

	if cfg.Line == nil {
		cfg.Line = nopLine{}
	}

	if cfg.Completer == nil {
		cfg.Completer = CompleterFunc(func(*BitMask) {})
	}

	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return cfg
}

// MaskSize returns the number of bytes needed for a mask of n vCPUs.
func MaskSize(n int) int {
	return (n + 7) / 8
}

type nopLine struct{}

func (nopLine) SetLevel(bool) {}
func (nopLine) Resample()     {}
