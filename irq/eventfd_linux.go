//go:build linux

package irq

import (
	"context"
	"encoding/binary"
	"time"

	"golang.org/x/sys/unix"
)

// EventFD is a Sink backed by an eventfd. Rising edges increment the counter,
// which is how KVM irqfds inject interrupts. Falling edges are not written.
type EventFD struct {
	fd int
}

// pollInterval bounds how long Wait blocks between context checks.
const pollInterval = 50 * time.Millisecond

// NewEventFD creates a non-blocking eventfd.
func NewEventFD() (*EventFD, error) {
	fd, err := unix.Eventfd(0, unix.EFD_CLOEXEC|unix.EFD_NONBLOCK)
	if err != nil {
		return nil, err
	}

	return &EventFD{fd: fd}, nil
}

// Fd returns the eventfd's file descriptor, e.g. for KVM_IRQFD.
func (e *EventFD) Fd() int {
	return e.fd
}

func (e *EventFD) Signal(high bool) error {
	if !high {
		return nil
	}

	var b [8]byte
	binary.NativeEndian.PutUint64(b[:], 1)

	// EAGAIN means the counter is saturated, so a reader is already due a wakeup.
	if _, err := unix.Write(e.fd, b[:]); err != nil && err != unix.EAGAIN {
		return err
	}

	return nil
}

// Wait blocks until at least one rising edge has been signalled or ctx is done.
// It returns the number of edges consumed.
func (e *EventFD) Wait(ctx context.Context) (uint64, error) {
	var b [8]byte
	for {
		_, err := unix.Read(e.fd, b[:])
		switch err {
		case nil:
			return binary.NativeEndian.Uint64(b[:]), nil

		case unix.EAGAIN, unix.EINTR:

		default:
			return 0, err
		}

		if err := ctx.Err(); err != nil {
			return 0, err
		}

		pfd := []unix.PollFd{{Fd: int32(e.fd), Events: unix.POLLIN}}
		if _, err := unix.Poll(pfd, int(pollInterval/time.Millisecond)); err != nil && err != unix.EINTR {
			return 0, err
		}
	}
}

func (e *EventFD) Close() error {
	return unix.Close(e.fd)
}
