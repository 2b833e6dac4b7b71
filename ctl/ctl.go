// Package ctl serves a line-oriented control protocol for the hotplug host API.
//
// Each request is one line: a command followed by space-separated arguments.
// Each response is one line, "ok" with optional output or "err" with a message.
//
//	status           show control byte and masks
//	set ID...        add vCPUs to the request mask
//	clear ID...      remove vCPUs from the request mask
//	fire             raise the hotplug interrupt
//	online ID...     request exactly these vCPUs and fire
//	reset            reset the machine
package ctl

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/c35s/cpuhp/hotplug"
)

// Host is the host side of a machine with a hotplug device.
type Host interface {
	Hotplug() *hotplug.Controller
	SetOnline(ids ...int) error
	Reset()

	// CheckVCPUs fails if any id isn't one of the host's vCPU slots.
	CheckVCPUs(ids ...int) error
}

var (
	ErrUnknownCommand = errors.New("ctl: unknown command")
	ErrUsage          = errors.New("ctl: bad arguments")
	ErrRejected       = errors.New("ctl: previous hotplug still pending")
)

// Exec runs one command line against h and returns its output.
func Exec(h Host, line string) (string, error) {
	f := strings.Fields(line)
	if len(f) == 0 {
		return "", nil
	}

	cmd, args := f[0], f[1:]
	hp := h.Hotplug()

	switch cmd {
	case "status":
		return status(hp), nil

	case "set", "clear":
		ids, err := parseIDs(args)
		if err != nil {
			return "", err
		}

		if err := h.CheckVCPUs(ids...); err != nil {
			return "", err
		}

		for _, id := range ids {
			if cmd == "set" {
				hp.RequestSet(id)
			} else {
				hp.RequestClear(id)
			}
		}

		return hp.Requested().String(), nil

	case "fire":
		if !hp.Fire() {
			return "", ErrRejected
		}

		return "", nil

	case "online":
		ids, err := parseIDs(args)
		if err != nil {
			return "", err
		}

		return "", h.SetOnline(ids...)

	case "reset":
		h.Reset()
		return "", nil

	case "help":
		return "status | set ID... | clear ID... | fire | online ID... | reset", nil

	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownCommand, cmd)
	}
}

func status(hp *hotplug.Controller) string {
	return fmt.Sprintf("control=%v pending=%t request=%v response=%v",
		hp.Control(), hp.IsPending(), hp.Requested(), hp.Responded())
}

func parseIDs(args []string) ([]int, error) {
	if len(args) == 0 {
		return nil, fmt.Errorf("%w: missing vCPU id", ErrUsage)
	}

	ids := make([]int, len(args))
	for i, a := range args {
		id, err := strconv.Atoi(a)
		if err != nil || id < 0 {
			return nil, fmt.Errorf("%w: bad vCPU id %q", ErrUsage, a)
		}

		ids[i] = id
	}

	return ids, nil
}
