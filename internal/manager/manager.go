// Package manager implements the reconciliation loop (spec.md §4.1): the
// single long-running activity that establishes node identity, drives
// eBGP peer state toward the control plane's desired configuration, and
// runs the heartbeat/sync ticker. Its two-cadence ticker and single
// in-flight-cycle guard are grounded on the ticker-plus-reconcile shape of
// doublezerod's onchain manager, generalized from Solana account
// subscriptions to control-plane HTTP polling.
package manager

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/dn42fabric/fabric-agent/internal/community"
	"github.com/dn42fabric/fabric-agent/internal/config"
	"github.com/dn42fabric/fabric-agent/internal/controlplane"
	"github.com/dn42fabric/fabric-agent/internal/firewall"
	"github.com/dn42fabric/fabric-agent/internal/loopback"
	"github.com/dn42fabric/fabric-agent/internal/meshlayout"
	"github.com/dn42fabric/fabric-agent/internal/metrics"
	"github.com/dn42fabric/fabric-agent/internal/model"
	"github.com/dn42fabric/fabric-agent/internal/peerconf"
	"github.com/dn42fabric/fabric-agent/internal/routingd"
	"github.com/dn42fabric/fabric-agent/internal/state"
	"github.com/dn42fabric/fabric-agent/internal/tunnel"
)

// Manager owns the reconciliation loop and the executors it drives.
type Manager struct {
	cfg      config.Config
	cp       *controlplane.Client
	store    *state.Store
	tunnels  *tunnel.Executor
	firewall *firewall.Executor
	loopback *loopback.Executor
	reloader *routingd.Reloader
	communities *community.Manager
	logger   *slog.Logger

	identity model.NodeIdentity

	cycleMu  sync.Mutex // at most one in-flight sync_config (spec.md §5)
	peerMu   sync.Mutex
	peerLock map[uint32]*sync.Mutex

	agentVersion string
}

// New constructs a Manager from its already-constructed dependencies.
func New(
	cfg config.Config,
	cp *controlplane.Client,
	store *state.Store,
	tunnels *tunnel.Executor,
	fw *firewall.Executor,
	lb *loopback.Executor,
	reloader *routingd.Reloader,
	communities *community.Manager,
	logger *slog.Logger,
	agentVersion string,
) *Manager {
	return &Manager{
		cfg:          cfg,
		cp:           cp,
		store:        store,
		tunnels:      tunnels,
		firewall:     fw,
		loopback:     lb,
		reloader:     reloader,
		communities:  communities,
		logger:       logger,
		peerLock:     make(map[uint32]*sync.Mutex),
		agentVersion: agentVersion,
	}
}

// PeerLock returns the per-peer lock for asn, creating it on first use. The
// operator API's restart endpoint holds this across its BGP-down -> tunnel
// cycle so a concurrent reconciler pass cannot interleave (spec.md §9's
// fix for the source's unlocked restart sequence).
func (m *Manager) PeerLock(asn uint32) *sync.Mutex {
	m.peerMu.Lock()
	defer m.peerMu.Unlock()
	lock, ok := m.peerLock[asn]
	if !ok {
		lock = &sync.Mutex{}
		m.peerLock[asn] = lock
	}
	return lock
}

// EstablishIdentity registers this node with the control plane unless a
// node identity is already persisted in the state store, per spec.md
// §4.1's fail-fast startup contract.
func (m *Manager) EstablishIdentity(ctx context.Context) error {
	snap, err := m.store.Snapshot()
	if err != nil {
		return fmt.Errorf("%w: read state store: %v", model.ErrConfigFatal, err)
	}
	if snap.NodeID != 0 {
		m.identity = model.NodeIdentity{NodeID: snap.NodeID, NodeName: m.cfg.NodeName}
		return nil
	}

	resp, err := m.cp.RegisterNode(ctx, controlplane.RegisterRequest{
		Hostname:     m.cfg.NodeName,
		AgentVersion: m.agentVersion,
	})
	if err != nil {
		return fmt.Errorf("%w: register node: %v", model.ErrConfigFatal, err)
	}
	m.identity = model.NodeIdentity{NodeID: resp.NumericNodeID, NodeName: resp.NodeName}
	if !m.identity.Valid(m.maxNodeID()) {
		return fmt.Errorf("%w: node id %d out of range", model.ErrConfigFatal, m.identity.NodeID)
	}
	return nil
}

// maxNodeID derives N_MAX from the configured overlay IPv4 prefix length.
func (m *Manager) maxNodeID() int {
	_, ipnet, err := net.ParseCIDR(m.cfg.OverlayIPv4Prefix)
	if err != nil {
		return 0
	}
	ones, _ := ipnet.Mask.Size()
	return meshlayout.MaxNodeID(ones)
}

// Identity returns the currently established node identity.
func (m *Manager) Identity() model.NodeIdentity { return m.identity }

// Run starts the two-cadence ticker: every heartbeat interval a heartbeat
// fires; every syncEvery-th heartbeat tick additionally runs SyncConfig.
// Blocks until ctx is canceled.
func (m *Manager) Run(ctx context.Context) {
	syncEvery := 1
	if m.cfg.HeartbeatInterval > 0 {
		syncEvery = int(m.cfg.SyncInterval / m.cfg.HeartbeatInterval)
		if syncEvery < 1 {
			syncEvery = 1
		}
	}

	ticker := time.NewTicker(m.cfg.HeartbeatInterval)
	defer ticker.Stop()

	tick := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			tick++
			m.heartbeat(ctx)
			if tick%syncEvery == 0 {
				m.SyncConfig(ctx)
				m.SyncMesh(ctx)
			}
		}
	}
}

func (m *Manager) heartbeat(ctx context.Context) {
	snap, err := m.store.Snapshot()
	if err != nil {
		m.logger.Warn("heartbeat skipped, state store unreadable", "error", err)
		return
	}
	if err := m.cp.SendHeartbeat(ctx, controlplane.HeartbeatRequest{
		NodeID:            m.identity.NodeID,
		AgentVersion:      m.agentVersion,
		ConfigVersionHash: snap.ConfigVersionHash,
		Status:            snap.HealthStatus,
	}); err != nil {
		m.logger.Warn("heartbeat failed", "error", err)
	}
}

// SyncConfig implements the sync_config() contract of spec.md §4.1. It
// returns false when the control-plane fetch failed or the state store is
// unreadable (prior state is kept unchanged) and true otherwise, including
// the no-op "already converged" case.
func (m *Manager) SyncConfig(ctx context.Context) bool {
	m.cycleMu.Lock()
	defer m.cycleMu.Unlock()

	start := time.Now()
	defer func() { metrics.SyncDuration.Observe(time.Since(start).Seconds()) }()

	resp, err := m.cp.GetConfig(ctx, m.identity.NodeName)
	if err != nil {
		m.logger.Error("control plane fetch failed, keeping prior state", "error", err)
		metrics.SyncTotal.WithLabelValues(metrics.StatusError).Inc()
		return false
	}

	remoteHash := resp.VersionHash
	if remoteHash == "" {
		if h, err := controlplane.ComputeConfigHash(resp.Peers); err == nil {
			remoteHash = h
		}
	}

	snap, err := m.store.Snapshot()
	if err != nil {
		m.logger.Error("state store unreadable, keeping prior state", "error", err)
		return false
	}
	if remoteHash == snap.ConfigVersionHash && m.allPeerFilesPresent(resp.Peers) {
		m.logger.Debug("config unchanged and healthy, skipping apply", "hash", remoteHash)
		return true
	}

	desired := make(map[uint32]model.PeerSpec, len(resp.Peers))
	for _, p := range resp.Peers {
		desired[p.ASN] = p
	}
	applied := make(map[uint32]model.PeerSpec, len(snap.AppliedConfig.Peers))
	for _, p := range snap.AppliedConfig.Peers {
		applied[p.ASN] = p
	}

	var added, retained []model.PeerSpec
	var removed []uint32
	for asn, p := range desired {
		if _, ok := applied[asn]; ok {
			retained = append(retained, p)
		} else {
			added = append(added, p)
		}
	}
	for asn := range applied {
		if _, ok := desired[asn]; !ok {
			removed = append(removed, asn)
		}
	}

	toApply := peerconf.SortedPeersByASN(append(added, retained...))

	reloadNeeded := false
	applyFailures := 0
	for _, p := range toApply {
		lock := m.PeerLock(p.ASN)
		lock.Lock()
		changed, err := m.applyPeer(ctx, p)
		lock.Unlock()
		if err != nil {
			m.logger.Error("apply_peer failed", "asn", p.ASN, "error", fmt.Errorf("%w: %v", model.ErrPeerApplyPartial, err))
			applyFailures++
			continue
		}
		reloadNeeded = reloadNeeded || changed
	}

	for _, asn := range sortASNs(removed) {
		lock := m.PeerLock(asn)
		lock.Lock()
		err := m.retractPeer(asn)
		lock.Unlock()
		if err != nil {
			m.logger.Error("retract_peer failed", "asn", asn, "error", err)
			continue
		}
		reloadNeeded = true
	}

	if reloadNeeded {
		m.reloader.Reload()
	}

	health := "healthy"
	if applyFailures > 0 {
		health = "degraded"
	}
	if err := m.store.Commit(m.identity.NodeID, remoteHash, resp.Peers, health); err != nil {
		m.logger.Error("state commit failed", "error", err)
	}

	metrics.PeersConfigured.Set(float64(len(resp.Peers)))
	status := metrics.StatusSuccess
	if applyFailures > 0 {
		status = metrics.StatusError
	}
	metrics.SyncTotal.WithLabelValues(status).Inc()

	return true
}

func sortASNs(asns []uint32) []uint32 {
	out := append([]uint32(nil), asns...)
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j-1] > out[j]; j-- {
			out[j-1], out[j] = out[j], out[j-1]
		}
	}
	return out
}

// allPeerFilesPresent forces regeneration when either on-disk file for any
// desired peer is missing, even if the remote hash is unchanged — the
// mechanism that makes the loop self-healing after manual file deletion
// (spec.md §4.1).
func (m *Manager) allPeerFilesPresent(peers []model.PeerSpec) bool {
	for _, p := range peers {
		ifname := meshlayout.TunnelIfname(p.ASN)
		if _, err := os.Stat(m.tunnels.ConfPath(ifname)); err != nil {
			return false
		}
		if _, err := os.Stat(m.birdPeerPath(p.ASN)); err != nil {
			return false
		}
	}
	return true
}

func (m *Manager) birdPeerPath(asn uint32) string {
	return filepath.Join(m.cfg.RoutingCfgDir, "peers.d", meshlayout.RoutingProtocolName(asn)+".conf")
}
