package irq_test

import (
	"bytes"
	"errors"
	"log/slog"
	"strings"
	"testing"

	"github.com/c35s/cpuhp/irq"
	"github.com/google/go-cmp/cmp"
)

type recordingSink struct {
	edges []bool
	err   error
}

func (s *recordingSink) Signal(high bool) error {
	s.edges = append(s.edges, high)
	return s.err
}

func TestLineEdges(t *testing.T) {
	sink := &recordingSink{}
	l := irq.NewLine(sink, nil)

	if l.Level() {
		t.Fatal("new line is asserted")
	}

	l.SetLevel(true)
	l.SetLevel(true)
	l.SetLevel(false)
	l.SetLevel(false)
	l.SetLevel(true)

	if diff := cmp.Diff([]bool{true, false, true}, sink.edges); diff != "" {
		t.Errorf("edges (-want +got):\n%s", diff)
	}

	if !l.Level() {
		t.Error("line is not asserted")
	}
}

func TestLineSinkError(t *testing.T) {
	var buf bytes.Buffer
	sink := &recordingSink{err: errors.New("boom")}
	l := irq.NewLine(sink, slog.New(slog.NewTextHandler(&buf, nil)))

	l.SetLevel(true)

	if !l.Level() {
		t.Error("level not updated after sink error")
	}

	if !strings.Contains(buf.String(), "boom") {
		t.Errorf("sink error not logged: %q", buf.String())
	}
}

func TestLineResample(t *testing.T) {
	sink := &recordingSink{}
	l := irq.NewLine(sink, nil)

	// a deasserted line has nothing to resample
	l.Resample()

	l.SetLevel(true)
	l.Resample()
	l.SetLevel(false)
	l.Resample()

	if diff := cmp.Diff([]bool{true, true, false}, sink.edges); diff != "" {
		t.Errorf("edges (-want +got):\n%s", diff)
	}
}

func TestDetached(t *testing.T) {
	l := irq.Detached()
	l.SetLevel(true)

	if !l.Level() {
		t.Error("detached line doesn't track its level")
	}
}

func TestSinkFunc(t *testing.T) {
	var got []bool
	l := irq.NewLine(irq.SinkFunc(func(high bool) error {
		got = append(got, high)
		return nil
	}), nil)

	l.SetLevel(true)
	l.SetLevel(false)

	if len(got) != 2 {
		t.Errorf("edges %d != 2", len(got))
	}
}
