// Package cpus tracks which vCPUs are running and reconciles them with
// completed hotplug requests.
package cpus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/bits-and-blooms/bitset"
	"github.com/c35s/cpuhp/hotplug"
	"golang.org/x/sync/errgroup"
)

// Runner starts and stops vCPU execution contexts.
type Runner interface {
	StartVCPU(ctx context.Context, id int) error
	StopVCPU(ctx context.Context, id int) error
}

// Config describes a new Manager.
type Config struct {

	// MaxVCPUs is the number of vCPU slots.
	// If MaxVCPUs is 0, there are 8 slots.
	MaxVCPUs int

	// Runner starts and stops vCPUs. If Runner is nil, vCPUs are only tracked.
	Runner Runner

	// Logger receives diagnostics. If Logger is nil, slog.Default is used.
	Logger *slog.Logger
}

var (
	ErrConfig = errors.New("cpus: invalid config")
	ErrRange  = errors.New("cpus: vCPU index out of range")
)

// Manager is the vCPU lifecycle side of the hotplug device. It implements
// hotplug.Completer. Completions are coalesced and handled by Run, so
// HotplugComplete never blocks the guest.
type Manager struct {
	max    int
	runner Runner
	log    *slog.Logger

	mu      sync.Mutex
	online  *bitset.BitSet
	pending *hotplug.BitMask
	passes  uint64

	kickC chan struct{}
}

// New creates a Manager with only the boot vCPU (0) online.
func New(cfg Config) (*Manager, error) {
	cfg = cfg.withDefaults()
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConfig, err)
	}

	m := &Manager{
		max:    cfg.MaxVCPUs,
		runner: cfg.Runner,
		log:    cfg.Logger,
		online: bitset.New(uint(cfg.MaxVCPUs)),
		kickC:  make(chan struct{}, 1),
	}

	m.online.Set(0)
	return m, nil
}

// HotplugComplete queues a reconcile against requested.
func (m *Manager) HotplugComplete(requested *hotplug.BitMask) {
	m.mu.Lock()
	m.pending = requested
	m.mu.Unlock()

	select {
	case m.kickC <- struct{}{}:
	default:
	}
}

// Run reconciles queued completions until ctx is done. Reconcile errors are
// logged; the next completion retries whatever is still out of step.
func (m *Manager) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case <-m.kickC:
		}

		m.mu.Lock()
		req := m.pending
		m.pending = nil
		m.mu.Unlock()

		if req == nil {
			continue
		}

		if err := m.Reconcile(ctx, req); err != nil {
			m.log.Error("vcpu reconcile failed", "request", req, "err", err)
		}
	}
}

// Reconcile starts the vCPUs that are requested but not running and stops the
// ones that are running but not requested. Starts and stops run concurrently.
func (m *Manager) Reconcile(ctx context.Context, requested *hotplug.BitMask) error {
	var up, down []int

	m.mu.Lock()
	m.passes++
	for id := 0; id < m.max; id++ {
		want, have := requested.IsSet(id), m.online.Test(uint(id))
		switch {
		case want && !have:
			up = append(up, id)

		case !want && have:
			down = append(down, id)
		}
	}
	m.mu.Unlock()

	m.log.Info("reconciling vcpus", "start", up, "stop", down)

	g, ctx := errgroup.WithContext(ctx)

	for _, id := range up {
		id := id
		g.Go(func() error {
			if err := m.runner.StartVCPU(ctx, id); err != nil {
				return fmt.Errorf("start vCPU %d: %w", id, err)
			}

			m.setOnline(id, true)
			return nil
		})
	}

	for _, id := range down {
		id := id
		g.Go(func() error {
			if err := m.runner.StopVCPU(ctx, id); err != nil {
				return fmt.Errorf("stop vCPU %d: %w", id, err)
			}

			m.setOnline(id, false)
			return nil
		})
	}

	return g.Wait()
}

// Reset stops every vCPU but the boot vCPU and drops any queued completion.
// Stop failures are logged; the vCPU is considered offline regardless.
func (m *Manager) Reset() {
	m.mu.Lock()
	var down []int
	for i, ok := m.online.NextSet(1); ok; i, ok = m.online.NextSet(i + 1) {
		down = append(down, int(i))
	}

	m.online.ClearAll()
	m.online.Set(0)
	m.pending = nil
	m.mu.Unlock()

	m.log.Info("resetting vcpus", "stop", down)

	for _, id := range down {
		if err := m.runner.StopVCPU(context.Background(), id); err != nil {
			m.log.Error("vcpu stop failed during reset", "vcpu", id, "err", err)
		}
	}
}

// Online returns the running vCPUs in ascending order.
func (m *Manager) Online() []int {
	m.mu.Lock()
	defer m.mu.Unlock()

	var ids []int
	for i, ok := m.online.NextSet(0); ok; i, ok = m.online.NextSet(i + 1) {
		ids = append(ids, int(i))
	}

	return ids
}

func (m *Manager) IsOnline(id int) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return id >= 0 && m.online.Test(uint(id))
}

// Passes returns the number of reconcile passes so far.
func (m *Manager) Passes() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.passes
}

// Check returns ErrRange if any id isn't a valid vCPU slot.
func (m *Manager) Check(ids ...int) error {
	for _, id := range ids {
		if id < 0 || id >= m.max {
			return fmt.Errorf("%w: %d not in [0, %d)", ErrRange, id, m.max)
		}
	}

	return nil
}

// MaxVCPUs returns the number of vCPU slots.
func (m *Manager) MaxVCPUs() int {
	return m.max
}

func (m *Manager) setOnline(id int, on bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.online.SetTo(uint(id), on)
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

	if cfg.Runner == nil {
		cfg.Runner = nopRunner{}
	}

	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return cfg
}

type nopRunner struct{}

func (nopRunner) StartVCPU(context.Context, int) error { return nil }
func (nopRunner) StopVCPU(context.Context, int) error  { return nil }
