package api

import "net/http"

// handleNodeStatistics reports node-wide applied-config and per-peer
// community-class histograms (spec.md §4.10(iii)).
func (s *Server) handleNodeStatistics(w http.ResponseWriter, r *http.Request) {
	snap, err := s.mgr.Snapshot()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	settings := s.comm.AllPeerSettings()

	byBandwidth := map[string]int{}
	byCrypto := map[string]int{}
	byTier := map[int]int{}
	for _, st := range settings {
		if st.Bandwidth != "" {
			byBandwidth[string(st.Bandwidth)]++
		}
		if st.Crypto != "" {
			byCrypto[string(st.Crypto)]++
		}
		byTier[st.LatencyTier]++
	}

	writeResult(w, "stats", map[string]any{
		"node_id":             snap.NodeID,
		"health_status":       snap.HealthStatus,
		"peer_count":          len(snap.AppliedConfig.Peers),
		"config_version_hash": snap.ConfigVersionHash,
		"by_bandwidth":        byBandwidth,
		"by_crypto":           byCrypto,
		"by_latency_tier":     byTier,
	})
}

func (s *Server) handlePeerStatistics(w http.ResponseWriter, r *http.Request) {
	asn, ok := parseASN(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid asn")
		return
	}
	settings, found := s.comm.PeerSettings(asn)
	if !found {
		writeError(w, http.StatusNotFound, "no settings recorded for peer")
		return
	}
	writeResult(w, "stats", map[string]any{"peer": settings})
}
