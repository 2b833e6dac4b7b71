//go:build linux

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"

	"github.com/c35s/cpuhp/ctl"
	"github.com/c35s/cpuhp/guest"
	"github.com/c35s/cpuhp/machine"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"
)

type options struct {
	configPath  string
	maxVCPUs    int
	logLevel    string
	legacy      bool
	listen      string
	metricsAddr string
}

func newRootCmd() *cobra.Command {
	var opts options

	root := &cobra.Command{
		Use:          "cpuhp",
		Short:        "Drive a paravirtualized vCPU hotplug device",
		SilenceUsage: true,
	}

	opts.bind(root)
	root.AddCommand(newRunCmd(&opts), newServeCmd(&opts))
	return root
}

func newRunCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run a machine and drive it from an interactive prompt",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.resolve(cmd)
			if err != nil {
				return err
			}

			con, err := openConsole(os.Stdin, os.Stdout)
			if err != nil {
				return err
			}

			defer con.Close()

			log, err := newLogger(cfg, con)
			if err != nil {
				return err
			}

			m, err := newMachine(cfg, log)
			if err != nil {
				return err
			}

			defer m.Close()

			ctx, cancel := context.WithCancel(cmd.Context())
			g, ctx := errgroup.WithContext(ctx)

			g.Go(func() error { return m.Run(ctx) })
			g.Go(func() error { return runGuest(ctx, m, log) })

			err = con.Serve(m)
			cancel()

			if werr := g.Wait(); werr != nil && !errors.Is(werr, context.Canceled) {
				return werr
			}

			return err
		},
	}
}

func newServeCmd(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run a machine and serve the control protocol",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.resolve(cmd)
			if err != nil {
				return err
			}

			log, err := newLogger(cfg, os.Stderr)
			if err != nil {
				return err
			}

			m, err := newMachine(cfg, log)
			if err != nil {
				return err
			}

			defer m.Close()

			lis, err := ctl.Listen(cfg.Listen)
			if err != nil {
				return err
			}

			log.Info("serving control protocol", "addr", lis.Addr())

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, unix.SIGTERM)
			defer stop()

			g, ctx := errgroup.WithContext(ctx)

			g.Go(func() error { return m.Run(ctx) })
			g.Go(func() error { return runGuest(ctx, m, log) })
			g.Go(func() error { return ctl.NewServer(m, log).Serve(ctx, lis) })

			if cfg.MetricsAddr != "" {
				reg := prometheus.NewRegistry()
				reg.MustRegister(ctl.NewCollector(m.Hotplug()), collectors.NewGoCollector())

				srv := &http.Server{
					Addr:    cfg.MetricsAddr,
					Handler: promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
				}

				g.Go(func() error {
					log.Info("serving metrics", "addr", cfg.MetricsAddr)
					if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
						return err
					}

					return nil
				})

				g.Go(func() error {
					<-ctx.Done()
					return srv.Shutdown(context.Background())
				})
			}

			if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}

			return nil
		},
	}

	f := cmd.Flags()
	f.StringVar(&opts.listen, "listen", "", "serve the control protocol on unix:PATH, tcp:HOST:PORT or vsock:PORT")
	f.StringVar(&opts.metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this HTTP address")

	return cmd
}

// bind installs the flags shared by every subcommand.
func (o *options) bind(cmd *cobra.Command) {
	pf := cmd.PersistentFlags()
	pf.StringVarP(&o.configPath, "config", "c", "", "read config from a TOML file")
	pf.IntVar(&o.maxVCPUs, "max-vcpus", 0, "set the number of vCPU slots")
	pf.StringVar(&o.logLevel, "log-level", "", "set the log level (debug, info, warn, error)")
	pf.BoolVar(&o.legacy, "legacy-response-query", false, "answer response queries from the request mask")
}

// resolve loads the config file and applies any flags that were set.
func (o *options) resolve(cmd *cobra.Command) (config, error) {
	cfg, err := loadConfig(o.configPath)
	if err != nil {
		return cfg, err
	}

	f := cmd.Flags()

	if f.Changed("max-vcpus") {
		cfg.MaxVCPUs = o.maxVCPUs
	}

	if f.Changed("log-level") {
		cfg.LogLevel = o.logLevel
	}

	if f.Changed("legacy-response-query") {
		cfg.LegacyResponseQuery = o.legacy
	}

	if f.Changed("listen") {
		cfg.Listen = o.listen
	}

	if f.Changed("metrics-addr") {
		cfg.MetricsAddr = o.metricsAddr
	}

	return cfg, nil
}

func newLogger(cfg config, w io.Writer) (*slog.Logger, error) {
	level, err := cfg.level()
	if err != nil {
		return nil, err
	}

	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level})), nil
}

func newMachine(cfg config, log *slog.Logger) (*machine.Machine, error) {
	return machine.New(machine.Config{
		MaxVCPUs:            cfg.MaxVCPUs,
		Runner:              logRunner{log},
		Logger:              log,
		LegacyResponseQuery: cfg.LegacyResponseQuery,
	})
}

var errMachineReset = errors.New("cpuhp: machine reset")

// runGuest drives the machine's hotplug device the way a guest kernel would.
// When the machine is reset the guest probes the device again. A guest stopped
// by a fault waits for the reset that clears it.
func runGuest(ctx context.Context, m *machine.Machine, log *slog.Logger) error {
	info := m.Devices()[0]

	resetC := make(chan struct{}, 1)
	m.OnReset(func() {
		select {
		case resetC <- struct{}{}:
		default:
		}
	})

	wait := func(ctx context.Context) error {
		if err := m.WaitIRQ(ctx, info.IRQ); err != nil {
			return err
		}

		select {
		case <-resetC:
			return errMachineReset
		default:
			return nil
		}
	}

	apply := func(id int, online bool) error {
		log.Info("guest: vcpu transition", "vcpu", id, "online", online)
		return nil
	}

	for {
		d, err := guest.Probe(m, info.Addr, log)
		if err == nil {
			// the interrupt for a hotplug fired before the probe is already consumed
			_, err = d.Service(apply)
		}

		if err == nil {
			err = d.Run(ctx, wait, apply)
		}

		switch {
		case errors.Is(err, errMachineReset):
			log.Info("guest: machine reset, probing again")

		case errors.Is(err, machine.ErrGuestFault), errors.Is(err, machine.ErrHalted):
			log.Error("guest stopped until reset", "err", err)

			select {
			case <-ctx.Done():
				return ctx.Err()

			case <-resetC:
			}

		default:
			return fmt.Errorf("cpuhp: guest: %w", err)
		}
	}
}

// logRunner stands in for real vCPU threads.
type logRunner struct {
	log *slog.Logger
}

func (r logRunner) StartVCPU(_ context.Context, id int) error {
	r.log.Info("vcpu started", "vcpu", id)
	return nil
}

func (r logRunner) StopVCPU(_ context.Context, id int) error {
	r.log.Info("vcpu stopped", "vcpu", id)
	return nil
}
