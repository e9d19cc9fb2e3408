// Package firewall manages iptables/ip6tables rules opening the UDP
// listener ports tunnel interfaces bind to (spec.md §4.6). Adapted from
// the moenet-agent firewall executor to run commands through
// internal/execctl rather than os/exec directly, so rule mutation is
// testable with a fake runner the way the rest of this repo's executors
// are.
package firewall

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/dn42fabric/fabric-agent/internal/execctl"
)

const commentPrefix = "moenet-dn42"

var dptRegex = regexp.MustCompile(`dpt:(\d+)`)

// Executor manages tagged iptables/ip6tables rules for tunnel listener
// ports.
type Executor struct {
	runner  execctl.Runner
	chain   string
	logger  *slog.Logger
	timeout time.Duration
}

// NewExecutor constructs an Executor targeting the INPUT chain.
func NewExecutor(runner execctl.Runner, logger *slog.Logger) *Executor {
	return &Executor{runner: runner, chain: "INPUT", logger: logger, timeout: 10 * time.Second}
}

func (e *Executor) ctx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), e.timeout)
}

func (e *Executor) comment(port int) string {
	return fmt.Sprintf("%s-%d", commentPrefix, port)
}

// AllowPort opens UDP port in both iptables and ip6tables, tagged with the
// stable comment the agent uses to identify its own rules, then persists
// to the standard save files. Idempotent.
func (e *Executor) AllowPort(port int) error {
	if e.portExists(port) {
		e.logger.Debug("port already open", "port", port)
		return nil
	}

	comment := e.comment(port)
	ctx, cancel := e.ctx()
	defer cancel()

	if _, stderr, err := execctl.Run(ctx, e.runner, "iptables", "-A", e.chain, "-p", "udp",
		"--dport", strconv.Itoa(port), "-m", "comment", "--comment", comment, "-j", "ACCEPT"); err != nil {
		return fmt.Errorf("firewall: iptables allow %d: %w (%s)", port, err, stderr)
	}
	if _, stderr, err := execctl.Run(ctx, e.runner, "ip6tables", "-A", e.chain, "-p", "udp",
		"--dport", strconv.Itoa(port), "-m", "comment", "--comment", comment, "-j", "ACCEPT"); err != nil {
		_, _, _ = execctl.Run(ctx, e.runner, "iptables", "-D", e.chain, "-p", "udp",
			"--dport", strconv.Itoa(port), "-m", "comment", "--comment", comment, "-j", "ACCEPT")
		return fmt.Errorf("firewall: ip6tables allow %d: %w (%s)", port, err, stderr)
	}

	e.logger.Info("opened firewall port", "port", port)
	e.saveRules()
	return nil
}

// RemovePort removes the tagged rule for port from both families, ignoring
// absence. Idempotent.
func (e *Executor) RemovePort(port int) error {
	comment := e.comment(port)
	ctx, cancel := e.ctx()
	defer cancel()

	_, _, _ = execctl.Run(ctx, e.runner, "iptables", "-D", e.chain, "-p", "udp",
		"--dport", strconv.Itoa(port), "-m", "comment", "--comment", comment, "-j", "ACCEPT")
	_, _, _ = execctl.Run(ctx, e.runner, "ip6tables", "-D", e.chain, "-p", "udp",
		"--dport", strconv.Itoa(port), "-m", "comment", "--comment", comment, "-j", "ACCEPT")

	e.logger.Info("removed firewall port", "port", port)
	e.saveRules()
	return nil
}

// TaggedPorts enumerates the ports currently open via rules carrying this
// agent's comment prefix.
func (e *Executor) TaggedPorts() ([]int, error) {
	ctx, cancel := e.ctx()
	defer cancel()

	stdout, _, err := execctl.Run(ctx, e.runner, "iptables", "-L", e.chain, "-n", "--line-numbers")
	if err != nil {
		return nil, fmt.Errorf("firewall: list rules: %w", err)
	}

	set := make(map[int]struct{})
	for _, line := range strings.Split(stdout, "\n") {
		if !strings.Contains(line, commentPrefix) {
			continue
		}
		if m := dptRegex.FindStringSubmatch(line); len(m) == 2 {
			if port, err := strconv.Atoi(m[1]); err == nil {
				set[port] = struct{}{}
			}
		}
	}

	ports := make([]int, 0, len(set))
	for p := range set {
		ports = append(ports, p)
	}
	sort.Ints(ports)
	return ports, nil
}

// SyncPorts converges the firewall's tagged rules to exactly expected,
// computing the symmetric difference against the currently enumerated
// tagged ports (spec.md §4.6).
func (e *Executor) SyncPorts(expected []int) (added, removed int, err error) {
	current, err := e.TaggedPorts()
	if err != nil {
		return 0, 0, err
	}

	currentSet := toSet(current)
	expectedSet := toSet(expected)

	for _, port := range expected {
		if _, ok := currentSet[port]; !ok {
			if err := e.AllowPort(port); err != nil {
				e.logger.Error("failed to add firewall port", "port", port, "error", err)
				continue
			}
			added++
		}
	}
	for _, port := range current {
		if _, ok := expectedSet[port]; !ok {
			if err := e.RemovePort(port); err != nil {
				e.logger.Error("failed to remove firewall port", "port", port, "error", err)
				continue
			}
			removed++
		}
	}

	if added > 0 || removed > 0 {
		e.logger.Info("synced firewall ports", "added", added, "removed", removed)
	}
	return added, removed, nil
}

func (e *Executor) portExists(port int) bool {
	ctx, cancel := e.ctx()
	defer cancel()
	_, _, err := execctl.Run(ctx, e.runner, "iptables", "-C", e.chain, "-p", "udp",
		"--dport", strconv.Itoa(port), "-m", "comment", "--comment", e.comment(port), "-j", "ACCEPT")
	return err == nil
}

// saveRules persists rules to the standard save files. Failures here are
// non-fatal: the in-kernel ruleset is already correct, only reboot
// survival is at stake.
func (e *Executor) saveRules() {
	ctx, cancel := e.ctx()
	defer cancel()
	_, _, _ = execctl.Run(ctx, e.runner, "sh", "-c", "iptables-save > /etc/iptables/rules.v4 2>/dev/null || true")
	_, _, _ = execctl.Run(ctx, e.runner, "sh", "-c", "ip6tables-save > /etc/iptables/rules.v6 2>/dev/null || true")
}

func toSet(ports []int) map[int]struct{} {
	set := make(map[int]struct{}, len(ports))
	for _, p := range ports {
		set[p] = struct{}{}
	}
	return set
}
