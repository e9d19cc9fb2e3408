// Package loopback manages addresses on the dummy interface used for DN42
// BGP peering's stable source IP (spec.md §4.7). Grounded structurally on
// the moenet-agent loopback executor, adapted to drive addresses through
// vishvananda/netlink instead of shelling out to the ip(8) tool, matching
// this repository's netlink-first convention elsewhere (internal/tunnel).
package loopback

import (
	"fmt"
	"log/slog"
	"net"
	"strings"

	nl "github.com/vishvananda/netlink"

	"github.com/dn42fabric/fabric-agent/internal/meshlayout"
)

const ifname = "dummy0"

// Executor manages loopback addresses on the dummy interface.
type Executor struct {
	logger *slog.Logger
}

// NewExecutor constructs an Executor.
func NewExecutor(logger *slog.Logger) *Executor {
	return &Executor{logger: logger}
}

// EnsureInterfaceUp creates dummy0 if absent and brings it up. Idempotent.
func (e *Executor) EnsureInterfaceUp() error {
	link, err := nl.LinkByName(ifname)
	if err != nil {
		dummy := &nl.Dummy{LinkAttrs: nl.LinkAttrs{Name: ifname}}
		if addErr := nl.LinkAdd(dummy); addErr != nil {
			return fmt.Errorf("loopback: create %s: %w", ifname, addErr)
		}
		e.logger.Info("created loopback interface", "interface", ifname)
		link = dummy
	}
	if err := nl.LinkSetUp(link); err != nil {
		return fmt.Errorf("loopback: bring up %s: %w", ifname, err)
	}
	return nil
}

// SetupLoopback configures dummy0 with the overlay addresses for nodeID,
// and removes any address whose host part belongs to neither nodeID nor
// the broader overlay prefix's network address. Removing stale addresses
// is the mechanism that keeps an identity change (spec.md concrete
// scenario 4) from leaking a previous node's address onto the interface.
func (e *Executor) SetupLoopback(ipv4Prefix, ipv6Prefix string, nodeID int) error {
	if err := e.EnsureInterfaceUp(); err != nil {
		return err
	}

	v4, err := meshlayout.LoopbackV4(ipv4Prefix, nodeID)
	if err != nil {
		return fmt.Errorf("loopback: derive ipv4: %w", err)
	}
	v6, err := meshlayout.LoopbackV6(ipv6Prefix, nodeID)
	if err != nil {
		return fmt.Errorf("loopback: derive ipv6: %w", err)
	}

	if err := e.addAddress(v4); err != nil {
		return err
	}
	if err := e.addAddress(v6); err != nil {
		return err
	}

	return e.pruneStale(ipv4Prefix, ipv6Prefix, []string{v4, v6})
}

func (e *Executor) addAddress(cidr string) error {
	link, err := nl.LinkByName(ifname)
	if err != nil {
		return fmt.Errorf("loopback: lookup %s: %w", ifname, err)
	}
	addr, err := nl.ParseAddr(cidr)
	if err != nil {
		return fmt.Errorf("loopback: parse %q: %w", cidr, err)
	}

	existing, err := nl.AddrList(link, familyOf(cidr))
	if err != nil {
		return fmt.Errorf("loopback: list addrs: %w", err)
	}
	for _, a := range existing {
		if a.IPNet.String() == addr.IPNet.String() {
			e.logger.Debug("address already configured", "addr", cidr)
			return nil
		}
	}

	if err := nl.AddrAdd(link, addr); err != nil {
		return fmt.Errorf("loopback: add %s: %w", cidr, err)
	}
	e.logger.Info("added loopback address", "addr", cidr)
	return nil
}

// pruneStale removes any /32 or /128 address on dummy0 that falls inside
// either overlay prefix but is neither one of the addresses in keep nor
// the prefix's own network address.
func (e *Executor) pruneStale(ipv4Prefix, ipv6Prefix string, keep []string) error {
	link, err := nl.LinkByName(ifname)
	if err != nil {
		return fmt.Errorf("loopback: lookup %s: %w", ifname, err)
	}

	_, v4net, err := net.ParseCIDR(ipv4Prefix)
	if err != nil {
		return fmt.Errorf("loopback: parse ipv4 prefix: %w", err)
	}
	_, v6net, err := net.ParseCIDR(ipv6Prefix)
	if err != nil {
		return fmt.Errorf("loopback: parse ipv6 prefix: %w", err)
	}

	keepSet := make(map[string]struct{}, len(keep))
	for _, k := range keep {
		keepSet[k] = struct{}{}
	}
	keepSet[v4net.IP.String()+"/32"] = struct{}{}
	keepSet[v6net.IP.String()+"/128"] = struct{}{}

	addrs, err := nl.AddrList(link, nl.FAMILY_ALL)
	if err != nil {
		return fmt.Errorf("loopback: list addrs: %w", err)
	}

	for _, a := range addrs {
		cidr := a.IPNet.String()
		if _, ok := keepSet[cidr]; ok {
			continue
		}
		ones, _ := a.IPNet.Mask.Size()
		isHostRoute := ones == 32 || ones == 128
		if !isHostRoute {
			continue
		}
		if !v4net.Contains(a.IPNet.IP) && !v6net.Contains(a.IPNet.IP) {
			continue
		}
		if err := nl.AddrDel(link, &a); err != nil {
			return fmt.Errorf("loopback: remove stale %s: %w", cidr, err)
		}
		e.logger.Info("removed stale loopback address", "addr", cidr)
	}
	return nil
}

func familyOf(cidr string) int {
	if strings.Contains(cidr, ":") {
		return nl.FAMILY_V6
	}
	return nl.FAMILY_V4
}
