//go:build linux

// cpuhp runs a machine with a paravirtualized vCPU hotplug device and a
// simulated guest driver, and lets the host drive hotplugs from a terminal or a
// control socket.
package main

import (
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
