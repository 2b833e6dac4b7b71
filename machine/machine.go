//go:build linux

// Package machine assembles the vCPU hotplug device, its interrupt line and the
// vCPU lifecycle manager into a platform that a guest can drive through MMIO.
package machine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/c35s/cpuhp/cpus"
	"github.com/c35s/cpuhp/hotplug"
	"github.com/c35s/cpuhp/irq"
	"github.com/c35s/cpuhp/mmio"
)

// Config describes a new Machine.
type Config struct {

	// MaxVCPUs is the number of hotpluggable vCPU slots, including the boot vCPU.
	// If MaxVCPUs is 0, the machine has 8 slots.
	MaxVCPUs int

	// Runner starts and stops vCPUs when a hotplug completes.
	// If Runner is nil, vCPU state is only tracked.
	Runner cpus.Runner

	// Logger receives diagnostics. If Logger is nil, slog.Default is used.
	Logger *slog.Logger

	// LegacyResponseQuery is passed on to the hotplug device.
	LegacyResponseQuery bool
}

type Machine struct {
	log  *slog.Logger
	bus  *mmio.Bus
	hp   *hotplug.Controller
	cpus *cpus.Manager
	irqf map[int]*irq.EventFD // irq:fd

	mu     sync.Mutex
	halted error
	resets []func()
}

var (
	ErrConfig     = errors.New("machine: invalid config")
	ErrIRQ        = errors.New("machine: irq setup failed")
	ErrCreate     = errors.New("machine: device create failed")
	ErrGuestFault = errors.New("machine: guest fault")
	ErrHalted     = errors.New("machine: halted")
	ErrBusy       = errors.New("machine: previous hotplug still pending")
	ErrNoDevice   = errors.New("machine: no device at address")
)

// New creates a new machine with a hotplug device on its MMIO bus.
func New(cfg Config) (*Machine, error) {
	cfg = cfg.withDefaults()
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConfig, err)
	}

	efd, err := irq.NewEventFD()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrIRQ, err)
	}

	mgr, err := cpus.New(cpus.Config{
		MaxVCPUs: cfg.MaxVCPUs,
		Runner:   cfg.Runner,
		Logger:   cfg.Logger,
	})

	if err != nil {
		efd.Close()
		return nil, fmt.Errorf("%w: %w", ErrCreate, err)
	}

	hp, err := hotplug.New(hotplug.Config{
		MaxVCPUs:            cfg.MaxVCPUs,
		Line:                irq.NewLine(efd, cfg.Logger),
		Completer:           mgr,
		Logger:              cfg.Logger,
		LegacyResponseQuery: cfg.LegacyResponseQuery,
	})

	if err != nil {
		efd.Close()
		return nil, fmt.Errorf("%w: %w", ErrCreate, err)
	}

	m := &Machine{
		log:  cfg.Logger,
		bus:  mmio.NewBus(hp),
		hp:   hp,
		cpus: mgr,
		irqf: make(map[int]*irq.EventFD),
	}

	info, _ := m.bus.Lookup(hp.Name())
	m.irqf[info.IRQ] = efd

	m.OnReset(hp.Reset)
	m.OnReset(mgr.Reset)

	return m, nil
}

// Run reconciles vCPUs with completed hotplugs until ctx is done.
func (m *Machine) Run(ctx context.Context) error {
	return m.cpus.Run(ctx)
}

// HandleMMIO performs a guest access at a guest-physical address. A wild access
// halts the machine: it returns an ErrGuestFault and every later access returns
// ErrHalted until Reset.
func (m *Machine) HandleMMIO(addr uint64, data []byte, isWrite bool) error {
	m.mu.Lock()
	halted := m.halted
	m.mu.Unlock()

	if halted != nil {
		return fmt.Errorf("%w: %w", ErrHalted, halted)
	}

	found, err := m.bus.HandleMMIO(addr, data, isWrite)
	if !found {
		err = fmt.Errorf("%w: %#x", ErrNoDevice, addr)
	}

	if err != nil {
		return m.halt(err)
	}

	return nil
}

// Hotplug returns the machine's hotplug device.
func (m *Machine) Hotplug() *hotplug.Controller {
	return m.hp
}

// CPUs returns the machine's vCPU manager.
func (m *Machine) CPUs() *cpus.Manager {
	return m.cpus
}

// Devices describes the devices on the machine's MMIO bus.
func (m *Machine) Devices() []mmio.DeviceInfo {
	return m.bus.Devices()
}

// SetOnline requests that exactly the given vCPUs be online and fires the
// hotplug. It returns ErrBusy, changing nothing, if the previous hotplug is
// still pending.
func (m *Machine) SetOnline(ids ...int) error {
	if err := m.CheckVCPUs(ids...); err != nil {
		return err
	}

	want := hotplug.NewBitMask(m.hp.MaskSize())
	for _, id := range ids {
		want.Set(id)
	}

	if !m.hp.Stage(want) {
		return ErrBusy
	}

	return nil
}

// CheckVCPUs returns a cpus.ErrRange if any id isn't one of the machine's vCPU slots.
func (m *Machine) CheckVCPUs(ids ...int) error {
	return m.cpus.Check(ids...)
}

// WaitIRQ blocks until irq is raised or ctx is done.
func (m *Machine) WaitIRQ(ctx context.Context, irq int) error {
	efd, ok := m.irqf[irq]
	if !ok {
		return fmt.Errorf("machine: no such irq %d", irq)
	}

	_, err := efd.Wait(ctx)
	return err
}

// OnReset registers fn to run when the machine is reset.
// Reset handlers run in registration order.
func (m *Machine) OnReset(fn func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.resets = append(m.resets, fn)
}

// Reset runs the reset handlers and clears a halt. The hotplug device returns
// to its power-on state and every vCPU but the boot vCPU is stopped.
func (m *Machine) Reset() {
	m.mu.Lock()
	resets := append([]func(){}, m.resets...)
	m.halted = nil
	m.mu.Unlock()

	m.log.Info("machine reset")

	for _, fn := range resets {
		fn()
	}
}

// Halted returns the fault that halted the machine, if any.
func (m *Machine) Halted() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.halted
}

func (m *Machine) Close() error {
	var errs []error
	for _, efd := range m.irqf {
		errs = append(errs, efd.Close())
	}

	return errors.Join(errs...)
}

func (m *Machine) halt(cause error) error {
	err := fmt.Errorf("%w: %w", ErrGuestFault, cause)

	m.mu.Lock()
	if m.halted == nil {
		m.halted = err
	}
	m.mu.Unlock()

	m.log.Error("machine halted", "err", err)
	return err
}

func (cfg Config) validate() error {
	if cfg.MaxVCPUs < 1 {
		return fmt.Errorf("max vCPUs must be positive: %d", cfg.MaxVCPUs)
	}

	if cfg.MaxVCPUs > hotplug.MaxVCPUsMax {
		return fmt.Errorf("too many vCPUs: %d > %d", cfg.MaxVCPUs, hotplug.MaxVCPUsMax)
	}

	return nil
}

func (cfg Config) withDefaults() Config {
	if cfg.MaxVCPUs == 0 {
		cfg.MaxVCPUs = hotplug.MaxVCPUsDefault
	}

	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return cfg
}
