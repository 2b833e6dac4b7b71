package guest_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/c35s/cpuhp/guest"
	"github.com/c35s/cpuhp/hotplug"
	"github.com/c35s/cpuhp/irq"
	"github.com/google/go-cmp/cmp"
)

var quiet = slog.New(slog.NewTextHandler(io.Discard, nil))

// direct maps a controller at guest-physical address 0.
type direct struct {
	c *hotplug.Controller
}

func (d direct) HandleMMIO(addr uint64, data []byte, isWrite bool) error {
	return d.c.HandleMMIO(int(addr), data, isWrite)
}

type transition struct {
	ID     int
	Online bool
}

func setup(t *testing.T, maxVCPUs int) (*hotplug.Controller, *irq.Line, *int, *guest.Driver) {
	t.Helper()

	var (
		line        = irq.Detached()
		completions int
	)

	c, err := hotplug.New(hotplug.Config{
		MaxVCPUs:  maxVCPUs,
		Line:      line,
		Logger:    quiet,
		Completer: hotplug.CompleterFunc(func(*hotplug.BitMask) { completions++ }),
	})

	if err != nil {
		t.Fatal(err)
	}

	d, err := guest.Probe(direct{c}, 0, quiet)
	if err != nil {
		t.Fatal(err)
	}

	return c, line, &completions, d
}

func TestProbe(t *testing.T) {
	_, _, _, d := setup(t, 20)

	if d.MaskSize() != 3 {
		t.Errorf("mask size %d != 3", d.MaskSize())
	}

	if diff := cmp.Diff([]int{0}, d.Online()); diff != "" {
		t.Errorf("online (-want +got):\n%s", diff)
	}
}

func TestServiceNothingPending(t *testing.T) {
	_, _, completions, d := setup(t, 8)

	ok, err := d.Service(func(int, bool) error {
		t.Error("apply called")
		return nil
	})

	if err != nil {
		t.Fatal(err)
	}

	if ok {
		t.Error("serviced a hotplug that wasn't pending")
	}

	if *completions != 0 {
		t.Errorf("completions %d != 0", *completions)
	}
}

func TestService(t *testing.T) {
	c, line, completions, d := setup(t, 16)

	c.RequestSet(5)
	c.RequestSet(11)
	c.Fire()

	var got []transition
	ok, err := d.Service(func(id int, online bool) error {
		got = append(got, transition{id, online})
		return nil
	})

	if err != nil {
		t.Fatal(err)
	}

	if !ok {
		t.Fatal("not serviced")
	}

	if diff := cmp.Diff([]transition{{5, true}, {11, true}}, got); diff != "" {
		t.Errorf("transitions (-want +got):\n%s", diff)
	}

	if line.Level() {
		t.Error("irq still asserted")
	}

	if c.IsPending() {
		t.Error("hotplug still pending")
	}

	if *completions != 1 {
		t.Errorf("completions %d != 1", *completions)
	}

	for _, id := range []int{0, 5, 11} {
		if !c.ResponseIsSet(id) {
			t.Errorf("vCPU %d not acknowledged", id)
		}
	}

	resp, err := d.Responded()
	if err != nil {
		t.Fatal(err)
	}

	if diff := cmp.Diff(c.Responded().Bytes(), resp.Bytes()); diff != "" {
		t.Errorf("response (-host +guest):\n%s", diff)
	}

	// offline 5
	c.RequestClear(5)
	c.Fire()

	got = nil
	if _, err := d.Service(func(id int, online bool) error {
		got = append(got, transition{id, online})
		return nil
	}); err != nil {
		t.Fatal(err)
	}

	if diff := cmp.Diff([]transition{{5, false}}, got); diff != "" {
		t.Errorf("transitions (-want +got):\n%s", diff)
	}

	if c.ResponseIsSet(5) {
		t.Error("vCPU 5 still acknowledged")
	}
}

func TestServiceApplyFails(t *testing.T) {
	c, _, _, d := setup(t, 8)

	c.RequestSet(1)
	c.RequestSet(2)
	c.Fire()

	if _, err := d.Service(func(id int, online bool) error {
		if id == 2 {
			return errors.New("boom")
		}

		return nil
	}); err != nil {
		t.Fatal(err)
	}

	if !c.ResponseIsSet(1) || c.ResponseIsSet(2) {
		t.Errorf("response %v", c.Responded())
	}

	if c.IsPending() {
		t.Error("hotplug still pending")
	}
}

func TestRun(t *testing.T) {
	c, _, completions, d := setup(t, 8)

	c.RequestSet(3)
	c.Fire()

	stop := errors.New("stop")
	calls := 0
	wait := func(context.Context) error {
		calls++
		if calls > 1 {
			return stop
		}

		return nil
	}

	err := d.Run(context.Background(), wait, func(int, bool) error { return nil })
	if !errors.Is(err, stop) {
		t.Errorf("run: %v", err)
	}

	if *completions != 1 {
		t.Errorf("completions %d != 1", *completions)
	}
}

func TestProbeError(t *testing.T) {
	c, err := hotplug.New(hotplug.Config{Logger: quiet})
	if err != nil {
		t.Fatal(err)
	}

	// nothing is mapped past the end of the window
	if _, err := guest.Probe(direct{c}, hotplug.WindowSize, quiet); !errors.Is(err, hotplug.ErrWildAccess) {
		t.Errorf("error isn't ErrWildAccess: %v", err)
	}
}
