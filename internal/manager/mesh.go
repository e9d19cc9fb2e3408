package manager

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/dn42fabric/fabric-agent/internal/meshlayout"
	"github.com/dn42fabric/fabric-agent/internal/metrics"
	"github.com/dn42fabric/fabric-agent/internal/model"
	"github.com/dn42fabric/fabric-agent/internal/netnsutil"
	"github.com/dn42fabric/fabric-agent/internal/peerconf"
	"github.com/dn42fabric/fabric-agent/internal/tunnel"
)

// SyncMesh implements the mesh layout engine's reconciliation half (spec.md
// §4.2): fetch the desired iBGP/IGP mesh peer set, diff it against the
// last-applied mesh peers, bring up/tear down mesh tunnel interfaces and
// their routing-daemon stanzas, and persist the new applied set. It mirrors
// SyncConfig's per-peer apply/retract/reload shape, narrowed to the mesh
// peer set. It does not take SyncConfig's cycle lock; Run calls it on the
// same tick as SyncConfig, right after it.
func (m *Manager) SyncMesh(ctx context.Context) bool {
	resp, err := m.cp.GetMeshConfig(ctx, m.identity.NodeName)
	if err != nil {
		m.logger.Error("mesh control plane fetch failed, keeping prior state", "error", err)
		return false
	}

	snap, err := m.store.Snapshot()
	if err != nil {
		m.logger.Error("state store unreadable, keeping prior mesh state", "error", err)
		return false
	}

	desired := make(map[int]model.MeshPeerSpec, len(resp.Peers))
	for _, p := range resp.Peers {
		desired[p.NodeID] = p
	}
	applied := make(map[int]model.MeshPeerSpec, len(snap.AppliedConfig.MeshPeers))
	for _, p := range snap.AppliedConfig.MeshPeers {
		applied[p.NodeID] = p
	}

	reloadNeeded := false
	applyFailures := 0
	for _, p := range resp.Peers {
		lock := m.PeerLock(meshPeerLockKey(p.NodeID))
		lock.Lock()
		changed, err := m.applyMeshPeer(ctx, p)
		lock.Unlock()
		if err != nil {
			m.logger.Error("apply_mesh_peer failed", "node_id", p.NodeID, "error", err)
			applyFailures++
			continue
		}
		reloadNeeded = reloadNeeded || changed
	}

	for nodeID := range applied {
		if _, ok := desired[nodeID]; ok {
			continue
		}
		lock := m.PeerLock(meshPeerLockKey(nodeID))
		lock.Lock()
		err := m.retractMeshPeer(nodeID)
		lock.Unlock()
		if err != nil {
			m.logger.Error("retract_mesh_peer failed", "node_id", nodeID, "error", err)
			continue
		}
		reloadNeeded = true
	}

	if reloadNeeded {
		m.reloader.Reload()
	}

	if err := m.store.CommitMesh(resp.Peers); err != nil {
		m.logger.Error("mesh state commit failed", "error", err)
	}

	status := metrics.StatusSuccess
	if applyFailures > 0 {
		status = metrics.StatusError
	}
	metrics.SyncTotal.WithLabelValues(status).Inc()

	return true
}

// meshPeerLockKey maps a mesh peer's node ID into the same per-ASN lock map
// PeerLock already uses, counting down from the top of the uint32 range.
// A mesh key coincides with an eBGP peer's key only when that peer's ASN
// lies at the very top of the 32-bit range, far above the DN42 ASN block.
func meshPeerLockKey(nodeID int) uint32 {
	return 1<<32 - 1 - uint32(nodeID)
}

func (m *Manager) applyMeshPeer(ctx context.Context, p model.MeshPeerSpec) (birdChanged bool, err error) {
	ifname := meshlayout.MeshIfname(p.NodeID)

	expectedTunnelText := peerconf.RenderMeshTunnelConfig(m.identity.NodeID, p)
	expectedBirdText := peerconf.RenderMeshBirdConfig(p)

	tunnelPath := m.tunnels.ConfPath(ifname)
	tunnelDigestChanged := peerconf.Digest(expectedTunnelText) != peerconf.Digest(readFileOrEmpty(tunnelPath))

	birdPath := m.meshBirdPeerPath(p.NodeID)
	birdDigestChanged := peerconf.Digest(expectedBirdText) != peerconf.Digest(readFileOrEmpty(birdPath))

	err = netnsutil.Run(m.cfg.NetworkNamespace, func() error {
		cfg := tunnel.Config{
			Ifname:     ifname,
			ConfigText: expectedTunnelText,
			PrivateKey: m.cfg.MeshPrivateKey,
			ListenPort: meshlayout.MeshListenPort(p.NodeID),
			MTU:        1420,
			Address:    meshlayout.MeshLinkLocal(m.identity.NodeID),
		}
		if err := m.tunnels.Up(ctx, cfg); err != nil {
			return fmt.Errorf("bring up mesh tunnel %s: %w", ifname, err)
		}
		return nil
	})
	if err != nil {
		return false, err
	}

	if birdDigestChanged {
		if err := writeAtomic(birdPath, expectedBirdText); err != nil {
			return false, fmt.Errorf("write mesh routing-daemon peer file: %w", err)
		}
	}

	return tunnelDigestChanged || birdDigestChanged, nil
}

func (m *Manager) retractMeshPeer(nodeID int) error {
	ifname := meshlayout.MeshIfname(nodeID)

	err := netnsutil.Run(m.cfg.NetworkNamespace, func() error {
		return m.tunnels.Down(ifname)
	})
	if err != nil {
		return fmt.Errorf("tear down mesh tunnel %s: %w", ifname, err)
	}
	_ = os.Remove(m.tunnels.ConfPath(ifname))
	_ = os.Remove(m.meshBirdPeerPath(nodeID))
	return nil
}

func (m *Manager) meshBirdPeerPath(nodeID int) string {
	return filepath.Join(m.cfg.RoutingCfgDir, "peers.d", fmt.Sprintf("ibgp_%d.conf", nodeID))
}
