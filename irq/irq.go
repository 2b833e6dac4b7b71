// Package irq models level-triggered interrupt lines.
package irq

import (
	"log/slog"
	"sync"
)

// Sink receives level changes from a Line. It is only called on edges.
type Sink interface {
	Signal(high bool) error
}

// SinkFunc adapts a func to a Sink.
type SinkFunc func(high bool) error

func (f SinkFunc) Signal(high bool) error {
	return f(high)
}

// Line is a level-triggered interrupt output.
type Line struct {
	mu   sync.Mutex
	high bool
	sink Sink
	log  *slog.Logger
}

// NewLine creates a deasserted line that forwards edges to sink.
// A nil sink gives a detached line that only tracks its level.
// If log is nil, slog.Default is used.
func NewLine(sink Sink, log *slog.Logger) *Line {
	if log == nil {
		log = slog.Default()
	}

	return &Line{sink: sink, log: log}
}

// Detached returns a line that isn't connected to anything.
func Detached() *Line {
	return NewLine(nil, nil)
}

// SetLevel asserts or deasserts the line. Setting the current level again is a no-op.
func (l *Line) SetLevel(high bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.high == high {
		return
	}

	l.high = high
	l.signal(high)
}

// Resample signals the sink again if the line is asserted. A sink that only
// counts rising edges sees a new interrupt for a level that never dropped.
func (l *Line) Resample() {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.high {
		l.signal(true)
	}
}

func (l *Line) signal(high bool) {
	if l.sink == nil {
		return
	}

	if err := l.sink.Signal(high); err != nil {
		l.log.Error("irq notification failed", "level", high, "err", err)
	}
}

// Level reports whether the line is asserted.
func (l *Line) Level() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.high
}
