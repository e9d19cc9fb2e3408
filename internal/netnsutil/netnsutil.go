// Package netnsutil runs kernel-mutating calls inside a named network
// namespace. Grounded on
// controlplane/telemetry/internal/netns/switching.go, which locks the OS
// thread, swaps namespaces around the call, and restores the original
// namespace before unlocking — the same shape used here for loopback
// setup and the firewall and tunnel calls when the agent is deployed with
// the overlay isolated into its own namespace (spec.md §6's
// NETWORK_NAMESPACE setting). Routing-daemon control-socket calls are not
// wrapped.
package netnsutil

import (
	"fmt"
	"runtime"

	"github.com/vishvananda/netns"
)

// Run executes fn inside the named network namespace. An empty name runs fn
// directly in the caller's current namespace, so callers need not branch on
// whether namespace isolation is configured.
func Run(name string, fn func() error) error {
	if name == "" {
		return fn()
	}

	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	origNS, err := netns.Get()
	if err != nil {
		return fmt.Errorf("netnsutil: get current namespace: %w", err)
	}
	defer origNS.Close()

	targetNS, err := netns.GetFromName(name)
	if err != nil {
		return fmt.Errorf("netnsutil: get namespace %q: %w", name, err)
	}
	defer targetNS.Close()

	if err := netns.Set(targetNS); err != nil {
		return fmt.Errorf("netnsutil: switch to %q: %w", name, err)
	}

	fnErr := fn()

	if err := netns.Set(origNS); err != nil {
		return fmt.Errorf("netnsutil: restore original namespace: %w", err)
	}

	return fnErr
}
