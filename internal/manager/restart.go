package manager

import (
	"context"
	"fmt"

	"github.com/dn42fabric/fabric-agent/internal/meshlayout"
	"github.com/dn42fabric/fabric-agent/internal/metrics"
	"github.com/dn42fabric/fabric-agent/internal/model"
	"github.com/dn42fabric/fabric-agent/internal/netnsutil"
)

// RestartPeer implements the operator API's peer restart sequence (spec.md
// §4.10(ii) and §9): BGP down, tunnel down, tunnel up, BGP up, never
// reversed, all under the peer's lock so a concurrent reconciler pass
// cannot interleave and drop a firewall rule.
func (m *Manager) RestartPeer(ctx context.Context, asn uint32) error {
	lock := m.PeerLock(asn)
	lock.Lock()
	defer lock.Unlock()

	if err := m.restartPeerLocked(ctx, asn); err != nil {
		metrics.RestartsTotal.WithLabelValues(metrics.StatusError).Inc()
		return err
	}
	metrics.RestartsTotal.WithLabelValues(metrics.StatusSuccess).Inc()
	return nil
}

func (m *Manager) restartPeerLocked(ctx context.Context, asn uint32) error {
	protoName := meshlayout.RoutingProtocolName(asn)
	ifname := meshlayout.TunnelIfname(asn)

	if err := m.reloader.DisableProtocol(ctx, protoName); err != nil {
		return fmt.Errorf("restart_peer %d: bgp down: %w", asn, err)
	}
	if err := netnsutil.Run(m.cfg.NetworkNamespace, func() error { return m.tunnels.Down(ifname) }); err != nil {
		return fmt.Errorf("restart_peer %d: tunnel down: %w", asn, err)
	}

	snap, err := m.store.Snapshot()
	if err != nil {
		return fmt.Errorf("restart_peer %d: read state: %w", asn, err)
	}
	var peer *model.PeerSpec
	for i := range snap.AppliedConfig.Peers {
		if snap.AppliedConfig.Peers[i].ASN == asn {
			peer = &snap.AppliedConfig.Peers[i]
			break
		}
	}
	if peer == nil {
		return fmt.Errorf("restart_peer %d: not in applied config", asn)
	}

	if _, err := m.applyPeer(ctx, *peer); err != nil {
		return fmt.Errorf("restart_peer %d: tunnel up: %w", asn, err)
	}

	if err := m.reloader.EnableProtocol(ctx, protoName); err != nil {
		return fmt.Errorf("restart_peer %d: bgp up: %w", asn, err)
	}
	return nil
}
