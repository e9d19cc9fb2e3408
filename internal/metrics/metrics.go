// Package metrics holds the Prometheus collectors exported by the agent:
// reconciliation outcomes, peer/tunnel state, and probe latency. Grounded on
// doublezerod's internal/manager/metrics.go and internal/latency/metrics.go,
// which register one promauto collector per concern rather than a shared
// registry wrapper.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	labelStatus = "status"

	StatusSuccess = "success"
	StatusError   = "error"
)

var (
	// SyncTotal counts reconciliation cycles by outcome.
	SyncTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fabric_agent_sync_total",
			Help: "Total number of reconciliation cycles, by outcome.",
		},
		[]string{labelStatus},
	)

	// SyncDuration measures how long one reconciliation cycle takes.
	SyncDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "fabric_agent_sync_duration_seconds",
			Help:    "Duration of a reconciliation cycle.",
			Buckets: prometheus.DefBuckets,
		},
	)

	// ReloadsTotal counts routing-daemon reloads triggered by the debounced
	// reloader, by outcome.
	ReloadsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fabric_agent_routingd_reloads_total",
			Help: "Total number of routing-daemon reload attempts, by outcome.",
		},
		[]string{labelStatus},
	)

	// PeersConfigured reports the number of eBGP peers currently applied.
	PeersConfigured = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "fabric_agent_peers_configured",
			Help: "Number of eBGP peers in the currently applied configuration.",
		},
	)

	// ProbeRTT reports the last measured round-trip time to a peer, by ASN.
	ProbeRTT = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "fabric_agent_probe_rtt_seconds",
			Help: "Last measured round-trip time to a peer, in seconds.",
		},
		[]string{"asn"},
	)

	// ProbeReachable reports peer reachability, by ASN (1 reachable, 0 not).
	ProbeReachable = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "fabric_agent_probe_reachable",
			Help: "Whether the last probe to a peer succeeded.",
		},
		[]string{"asn"},
	)

	// RestartsTotal counts operator-triggered peer restarts, by outcome.
	RestartsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fabric_agent_peer_restarts_total",
			Help: "Total number of operator-triggered peer restarts, by outcome.",
		},
		[]string{labelStatus},
	)
)
