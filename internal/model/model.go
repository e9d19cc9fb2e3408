package model

import "time"

// TunnelType enumerates the supported encrypted tunnel kinds for an eBGP
// peer. Exactly one is carried per PeerSpec.
type TunnelType string

const (
	TunnelWireGuard TunnelType = "wg"
	TunnelGRE       TunnelType = "gre"
)

// TunnelSpec is the tunnel sub-record of a PeerSpec.
type TunnelSpec struct {
	Type         TunnelType `json:"type"`
	PublicKey    string     `json:"public_key"`
	PresharedKey string     `json:"preshared_key,omitempty"`
	Endpoint     string     `json:"endpoint,omitempty"`
	ListenPort   int        `json:"listen_port,omitempty"`
}

// BGPSpec is the bgp sub-record of a PeerSpec.
type BGPSpec struct {
	LocalIPv4         string `json:"local_ipv4,omitempty"`
	LocalIPv6         string `json:"local_ipv6,omitempty"`
	PeerIPv4          string `json:"peer_ipv4,omitempty"`
	PeerIPv6          string `json:"peer_ipv6,omitempty"`
	Multihop          bool   `json:"multihop,omitempty"`
	ExtendedNextHop   bool   `json:"extended_next_hop,omitempty"`
}

// PeerSpec describes one eBGP peer, keyed by ASN.
type PeerSpec struct {
	ASN    uint32     `json:"asn"`
	Tunnel TunnelSpec `json:"tunnel"`
	BGP    BGPSpec    `json:"bgp"`
}

// MeshPeerSpec describes one iBGP/IGP mesh peer, keyed by NodeID.
type MeshPeerSpec struct {
	NodeID    int    `json:"node_id"`
	Name      string `json:"name"`
	PublicKey string `json:"public_key"`
	Loopback  string `json:"loopback"`
	Endpoint  string `json:"endpoint,omitempty"`
	Port      int    `json:"port,omitempty"`
}

// DesiredConfig is the remotely-supplied document fetched from the control
// plane. Peers are keyed by ASN; duplicates in the wire payload are an
// upstream bug and the last one wins.
type DesiredConfig struct {
	VersionHash string         `json:"version_hash"`
	Peers       []PeerSpec     `json:"peers"`
	IBGPPeers   []MeshPeerSpec `json:"ibgp_peers"`
	DN42IPv4    string         `json:"dn42_ipv4,omitempty"`
	DN42IPv6    string         `json:"dn42_ipv6,omitempty"`
	Loopback    string         `json:"loopback,omitempty"`
}

// PeerByASN returns the desired config's peers indexed by ASN.
func (d *DesiredConfig) PeerByASN() map[uint32]PeerSpec {
	out := make(map[uint32]PeerSpec, len(d.Peers))
	for _, p := range d.Peers {
		out[p.ASN] = p
	}
	return out
}

// RollbackSnapshot records the previous applied hash, captured whenever a
// new apply overwrites a non-empty applied config.
type RollbackSnapshot struct {
	PreviousHash string    `json:"previous_hash"`
	CreatedAt    time.Time `json:"created_at"`
}

// AppliedConfig is the subset of a DesiredConfig actually committed to the
// state store after a successful cycle.
type AppliedConfig struct {
	Peers     []PeerSpec     `json:"peers"`
	MeshPeers []MeshPeerSpec `json:"mesh_peers,omitempty"`
}

// AppliedSnapshot is the full persisted state-store document.
type AppliedSnapshot struct {
	Version           int              `json:"version"`
	NodeID            int              `json:"node_id"`
	LastUpdate        time.Time        `json:"last_update"`
	ConfigVersionHash string           `json:"config_version_hash"`
	AppliedConfig     AppliedConfig    `json:"applied_config"`
	HealthStatus      string           `json:"health_status"`
	RollbackSnapshot  RollbackSnapshot `json:"rollback_snapshot"`
}

// Community classes advertised per peer, derived from probed latency and
// control-plane supplied attributes.
type CryptoClass string

const (
	CryptoNone      CryptoClass = "none"
	CryptoUnsafe    CryptoClass = "unsafe"
	CryptoEncrypted CryptoClass = "encrypted"
	CryptoLatency   CryptoClass = "latency"
)

type BandwidthClass string

const (
	Bandwidth100k BandwidthClass = "100k"
	Bandwidth10m  BandwidthClass = "10m"
	Bandwidth100m BandwidthClass = "100m"
	Bandwidth1g   BandwidthClass = "1g"
	Bandwidth10g  BandwidthClass = "10g"
)

// PeerCommunitySettings is the per-peer runtime community view (spec.md §3,
// "Route attributes").
type PeerCommunitySettings struct {
	ASN         uint32         `json:"asn"`
	LatencyTier int            `json:"latency_tier"`
	Bandwidth   BandwidthClass `json:"bandwidth,omitempty"`
	Crypto      CryptoClass    `json:"crypto,omitempty"`
	Region      string         `json:"region,omitempty"`
	LastRTTMs   float64        `json:"last_rtt_ms"`
}

// ProbeResult is one sample in a peer's probe history.
type ProbeResult struct {
	RTTMs     float64   `json:"rtt_ms"`
	Tier      int       `json:"tier"`
	Success   bool      `json:"success"`
	Timestamp time.Time `json:"timestamp"`
}

// NodeIdentity is the small-integer node identifier established once per
// node via control-plane registration.
type NodeIdentity struct {
	NodeID   int    `json:"node_id"`
	NodeName string `json:"node_name"`
}

// Valid reports whether id is within [1, nMax], per spec.md §3.
func (id NodeIdentity) Valid(nMax int) bool {
	return id.NodeID >= 1 && id.NodeID <= nMax
}
