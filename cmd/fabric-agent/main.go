// Command fabric-agent is the DN42 fabric node agent (spec.md §4.1): it
// establishes node identity, reconciles local kernel/daemon state against
// the control plane's desired configuration on a ticker, and serves the
// operator HTTP surface. Wiring order and flag/signal handling are grounded
// on doublezerod's cmd/doublezerod/main.go.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/lmittmann/tint"

	"github.com/dn42fabric/fabric-agent/internal/api"
	"github.com/dn42fabric/fabric-agent/internal/community"
	"github.com/dn42fabric/fabric-agent/internal/config"
	"github.com/dn42fabric/fabric-agent/internal/controlplane"
	"github.com/dn42fabric/fabric-agent/internal/execctl"
	"github.com/dn42fabric/fabric-agent/internal/firewall"
	"github.com/dn42fabric/fabric-agent/internal/keymgmt"
	"github.com/dn42fabric/fabric-agent/internal/loopback"
	"github.com/dn42fabric/fabric-agent/internal/manager"
	"github.com/dn42fabric/fabric-agent/internal/netnsutil"
	"github.com/dn42fabric/fabric-agent/internal/probing"
	"github.com/dn42fabric/fabric-agent/internal/routingd"
	"github.com/dn42fabric/fabric-agent/internal/state"
	"github.com/dn42fabric/fabric-agent/internal/tunnel"
)

var (
	configPath  = flag.String("config", os.Getenv("AGENT_CONFIG"), "path to agent YAML config file")
	versionFlag = flag.Bool("version", false, "print build version and exit")

	// set by LDFLAGS
	version = "dev"
	commit  = "none"
)

func main() {
	flag.Parse()

	if *versionFlag {
		fmt.Printf("fabric-agent %s (%s)\n", version, commit)
		os.Exit(0)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid config", "error", err)
		os.Exit(1)
	}

	logger := newLogger(cfg.LogFormat)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("fatal error", "error", err)
		os.Exit(1)
	}
}

func newLogger(format string) *slog.Logger {
	var w io.Writer = os.Stdout
	switch format {
	case "tint":
		return slog.New(tint.NewHandler(w, &tint.Options{Level: slog.LevelInfo}))
	default:
		return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
}

func run(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	cp := controlplane.New(cfg.ControlPlaneURL, cfg.ControlPlaneToken)
	store := state.New(cfg.StatePath)

	runner := execctl.NewExecRunner(10 * time.Second)
	tunnels := tunnel.NewExecutor(runner, cfg.TunnelCfgDir)
	fw := firewall.NewExecutor(runner, logger)
	lb := loopback.NewExecutor(logger)
	reloader := routingd.New(cfg.BirdCtlSocket, routingd.DefaultCoalesceDelay, logger)

	ebgpKey, err := keymgmt.LoadOrCreate(ctx, runner, cfg.EBGPPrivateKeyPath)
	if err != nil {
		return fmt.Errorf("load ebgp private key: %w", err)
	}
	cfg.EBGPPrivateKey = ebgpKey

	blacklistPath := filepath.Join(cfg.RoutingCfgDir, "blacklist.conf")
	var comm *community.Manager
	comm = community.NewManager(func() {
		policy := community.RenderBlacklistPolicy(comm.Blacklist())
		if err := os.WriteFile(blacklistPath, []byte(policy), 0o644); err != nil {
			logger.Error("failed to write blacklist policy", "path", blacklistPath, "error", err)
		}
		reloader.Reload()
	})

	mgr := manager.New(cfg, cp, store, tunnels, fw, lb, reloader, comm, logger, version)

	go reloader.Run(ctx)

	if err := mgr.EstablishIdentity(ctx); err != nil {
		return fmt.Errorf("establish identity: %w", err)
	}
	identity := mgr.Identity()

	err = netnsutil.Run(cfg.NetworkNamespace, func() error {
		return lb.SetupLoopback(cfg.OverlayIPv4Prefix, cfg.OverlayIPv6Prefix, identity.NodeID)
	})
	if err != nil {
		return fmt.Errorf("setup loopback: %w", err)
	}
	logger.Info("node identity established", "node_id", identity.NodeID, "node_name", identity.NodeName)

	if !mgr.SyncConfig(ctx) {
		logger.Warn("initial sync_config failed, continuing with prior applied state")
	}
	if !mgr.SyncMesh(ctx) {
		logger.Warn("initial mesh sync failed, continuing with prior applied state")
	}

	var prober *probing.Prober
	prober = probing.New(logger, func(asn uint32, tier int) {
		_, rttMs, _, _ := prober.Snapshot(asn)
		comm.SetPeerTier(asn, tier, rttMs)
	})
	if cfg.ProbeEnabled {
		go prober.Run(ctx)
	}

	maintenanceFlagPath := filepath.Join(cfg.RoutingCfgDir, "maintenance.conf")
	srv := api.New(ctx, cfg.APIHost, cfg.APIPort, cfg.APIToken, mgr, comm, prober, runner, maintenanceFlagPath, logger)

	apiErr := make(chan error, 1)
	go func() { apiErr <- srv.ListenAndServe() }()

	go mgr.Run(ctx)

	select {
	case <-ctx.Done():
	case err := <-apiErr:
		if err != nil {
			logger.Error("operator API server stopped", "error", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
	reloader.Wait()

	return nil
}
