//go:build linux

package irq_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/c35s/cpuhp/irq"
)

func TestEventFDWait(t *testing.T) {
	efd, err := irq.NewEventFD()
	if err != nil {
		t.Fatal(err)
	}

	defer efd.Close()

	l := irq.NewLine(efd, nil)
	l.SetLevel(true)
	l.SetLevel(false)
	l.SetLevel(true)

	n, err := efd.Wait(context.Background())
	if err != nil {
		t.Fatal(err)
	}

	if n != 2 {
		t.Errorf("edges %d != 2", n)
	}
}

func TestEventFDWaitCanceled(t *testing.T) {
	efd, err := irq.NewEventFD()
	if err != nil {
		t.Fatal(err)
	}

	defer efd.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	if _, err := efd.Wait(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("error isn't DeadlineExceeded: %v", err)
	}
}

func TestEventFDFallingEdgeIsSilent(t *testing.T) {
	efd, err := irq.NewEventFD()
	if err != nil {
		t.Fatal(err)
	}

	defer efd.Close()

	if err := efd.Signal(false); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Millisecond)
	defer cancel()

	if n, err := efd.Wait(ctx); err == nil {
		t.Errorf("woke up with %d edges", n)
	}
}

func TestEventFDResample(t *testing.T) {
	efd, err := irq.NewEventFD()
	if err != nil {
		t.Fatal(err)
	}

	defer efd.Close()

	l := irq.NewLine(efd, nil)
	l.SetLevel(true)

	if _, err := efd.Wait(context.Background()); err != nil {
		t.Fatal(err)
	}

	l.Resample()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	n, err := efd.Wait(ctx)
	if err != nil {
		t.Fatalf("resampled line didn't wake the reader: %v", err)
	}

	if n != 1 {
		t.Errorf("edges %d != 1", n)
	}
}
