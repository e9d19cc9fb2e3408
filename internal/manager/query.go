package manager

import (
	"github.com/dn42fabric/fabric-agent/internal/community"
	"github.com/dn42fabric/fabric-agent/internal/model"
	"github.com/dn42fabric/fabric-agent/internal/routingd"
)

// ListPeers returns the peers from the last committed applied config, for
// the operator API's peer-listing endpoint.
func (m *Manager) ListPeers() ([]model.PeerSpec, error) {
	snap, err := m.store.Snapshot()
	if err != nil {
		return nil, err
	}
	return snap.AppliedConfig.Peers, nil
}

// Snapshot returns the full applied-state document, for the statistics
// endpoint.
func (m *Manager) Snapshot() (model.AppliedSnapshot, error) {
	return m.store.Snapshot()
}

// Communities exposes the community manager so the operator API can wire
// its blacklist/filter-rule/per-peer-settings endpoints directly.
func (m *Manager) Communities() *community.Manager {
	return m.communities
}

// Reloader exposes the debounced reloader for the maintenance-mode endpoint.
func (m *Manager) Reloader() *routingd.Reloader {
	return m.reloader
}
