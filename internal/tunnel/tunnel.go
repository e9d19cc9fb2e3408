// Package tunnel implements the agent's idempotent tunnel executor
// (spec.md §4.5). It avoids the WireGuard CLI's own interface-management
// wrapper because that tool installs routes that conflict with the dummy
// loopback addresses (see internal/loopback); instead it drives link
// creation directly through netlink and drives WireGuard's own peer/key
// configuration through its userland control tool, in the order the tool
// requires.
package tunnel

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	nl "github.com/vishvananda/netlink"

	"github.com/dn42fabric/fabric-agent/internal/execctl"
)

// Config is the desired state of one tunnel interface.
type Config struct {
	Ifname       string
	ConfigText   string // rendered WireGuard-style config, written verbatim
	PrivateKey   string
	ListenPort   int
	MTU          int
	Address      string // interface address to ensure present, CIDR form
}

var (
	ErrTunnelExists  = errors.New("tunnel: interface already exists")
	ErrAddressExists = errors.New("tunnel: address already exists")
)

// Executor drives tunnel interfaces into the desired Config, idempotently.
type Executor struct {
	runner  execctl.Runner
	cfgDir  string
	timeout time.Duration
}

// NewExecutor constructs an Executor. cfgDir is the tunnel config directory
// (spec.md §6, "<tunnel_cfg_dir>").
func NewExecutor(runner execctl.Runner, cfgDir string) *Executor {
	return &Executor{runner: runner, cfgDir: cfgDir, timeout: 15 * time.Second}
}

func (e *Executor) confPath(ifname string) string {
	return filepath.Join(e.cfgDir, ifname+".conf")
}

// ConfPath exposes the canonical on-disk config path for ifname, so
// callers outside this package (the reconciler, computing an on-disk
// digest) don't need to duplicate the naming convention.
func (e *Executor) ConfPath(ifname string) string {
	return e.confPath(ifname)
}

// Up ensures the tunnel interface named by cfg.Ifname exists and matches
// cfg, per the four-step contract in spec.md §4.5. "Bring up" is always
// invoked even when the on-disk digest is unchanged upstream — that check
// lives in the caller; this function itself is unconditionally idempotent.
func (e *Executor) Up(ctx context.Context, cfg Config) error {
	if err := e.writeConfigFile(cfg); err != nil {
		return fmt.Errorf("tunnel: write config for %s: %w", cfg.Ifname, err)
	}

	existed := e.linkExists(cfg.Ifname)
	if !existed {
		if err := e.createLink(cfg.Ifname); err != nil {
			return fmt.Errorf("tunnel: create link %s: %w", cfg.Ifname, err)
		}
	}

	// setconf resets all non-peer attributes (private key, listen port), so
	// the explicit re-apply of both below must come after it, every time.
	if _, stderr, err := execctl.Run(ctx, e.runner, "wg", "setconf", cfg.Ifname, e.confPath(cfg.Ifname)); err != nil {
		return fmt.Errorf("tunnel: wg setconf %s: %w (%s)", cfg.Ifname, err, stderr)
	}
	if err := e.reapplyPrivateKeyAndPort(ctx, cfg); err != nil {
		return err
	}

	if !existed {
		if err := e.ensureAddress(cfg.Ifname, cfg.Address); err != nil && !errors.Is(err, ErrAddressExists) {
			return fmt.Errorf("tunnel: set address on %s: %w", cfg.Ifname, err)
		}
		if err := e.setMTUAndUp(cfg.Ifname, cfg.MTU); err != nil {
			return fmt.Errorf("tunnel: mtu/up %s: %w", cfg.Ifname, err)
		}
	} else {
		if err := e.ensureAddress(cfg.Ifname, cfg.Address); err != nil && !errors.Is(err, ErrAddressExists) {
			return fmt.Errorf("tunnel: ensure address on %s: %w", cfg.Ifname, err)
		}
	}

	return nil
}

func (e *Executor) reapplyPrivateKeyAndPort(ctx context.Context, cfg Config) error {
	if cfg.PrivateKey != "" {
		keyPath := filepath.Join(e.cfgDir, "."+cfg.Ifname+".key")
		if err := os.WriteFile(keyPath, []byte(cfg.PrivateKey+"\n"), 0o600); err != nil {
			return fmt.Errorf("tunnel: write private key: %w", err)
		}
		defer os.Remove(keyPath)
		if _, stderr, err := execctl.Run(ctx, e.runner, "wg", "set", cfg.Ifname, "private-key", keyPath); err != nil {
			return fmt.Errorf("tunnel: wg set private-key %s: %w (%s)", cfg.Ifname, err, stderr)
		}
	}
	if cfg.ListenPort != 0 {
		port := fmt.Sprintf("%d", cfg.ListenPort)
		if _, stderr, err := execctl.Run(ctx, e.runner, "wg", "set", cfg.Ifname, "listen-port", port); err != nil {
			return fmt.Errorf("tunnel: wg set listen-port %s: %w (%s)", cfg.Ifname, err, stderr)
		}
	}
	return nil
}

// Down deletes the tunnel interface if present. Always succeeds if the
// interface is already absent.
func (e *Executor) Down(ifname string) error {
	link, err := nl.LinkByName(ifname)
	if err != nil {
		if errors.As(err, &nl.LinkNotFoundError{}) {
			return nil
		}
		return fmt.Errorf("tunnel: lookup %s: %w", ifname, err)
	}
	if err := nl.LinkDel(link); err != nil {
		return fmt.Errorf("tunnel: delete %s: %w", ifname, err)
	}
	_ = os.Remove(e.confPath(ifname))
	return nil
}

func (e *Executor) linkExists(ifname string) bool {
	_, err := nl.LinkByName(ifname)
	return err == nil
}

func (e *Executor) createLink(ifname string) error {
	link := &nl.GenericLink{
		LinkAttrs: nl.LinkAttrs{Name: ifname},
		LinkType:  "wireguard",
	}
	err := nl.LinkAdd(link)
	if err != nil && errors.Is(err, syscall.EEXIST) {
		return nil
	}
	return err
}

func (e *Executor) ensureAddress(ifname, address string) error {
	if address == "" {
		return nil
	}
	link, err := nl.LinkByName(ifname)
	if err != nil {
		return fmt.Errorf("lookup %s: %w", ifname, err)
	}
	addr, err := nl.ParseAddr(address)
	if err != nil {
		return fmt.Errorf("parse address %q: %w", address, err)
	}
	// Address family routed by form: colon means v6, else v4 — matches
	// ParseAddr's own behavior, stated explicitly for the benefit of
	// whoever extends this later.
	_ = strings.Contains(address, ":")

	err = nl.AddrAdd(link, addr)
	if err != nil && errors.Is(err, syscall.EEXIST) {
		return ErrAddressExists
	}
	return err
}

func (e *Executor) setMTUAndUp(ifname string, mtu int) error {
	link, err := nl.LinkByName(ifname)
	if err != nil {
		return fmt.Errorf("lookup %s: %w", ifname, err)
	}
	if mtu > 0 {
		if err := nl.LinkSetMTU(link, mtu); err != nil {
			return fmt.Errorf("set mtu: %w", err)
		}
	}
	return nl.LinkSetUp(link)
}

func (e *Executor) writeConfigFile(cfg Config) error {
	if err := os.MkdirAll(e.cfgDir, 0o755); err != nil {
		return err
	}
	path := e.confPath(cfg.Ifname)
	tmp, err := os.CreateTemp(e.cfgDir, "."+cfg.Ifname+"-*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.WriteString(cfg.ConfigText); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return err
	}
	if err := os.Chmod(tmpName, 0o600); err != nil {
		_ = os.Remove(tmpName)
		return err
	}
	return os.Rename(tmpName, path)
}
