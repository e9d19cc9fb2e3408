// Package peerconf renders eBGP PeerSpecs into the tunnel and routing-daemon
// configuration texts the executors write to disk. Every renderer here is a
// pure function: same input, same bytes, forever — no timestamps, no map
// iteration without an explicit sort, per spec.md §4.3's "deterministic,
// byte-stable output" requirement (this is what makes digest-based diffing
// in the reconciler sound).
package peerconf

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"

	"github.com/dn42fabric/fabric-agent/internal/meshlayout"
	"github.com/dn42fabric/fabric-agent/internal/model"
)

// baseAllowedIPs covers all of IPv4, the overlay IPv6 ULA, and link-local
// IPv6 — the base allowed-address set for every eBGP tunnel, per spec.md
// §4.3.
var baseAllowedIPs = []string{"0.0.0.0/0", "fd00::/8", "fe80::/64"}

// RenderTunnelConfig renders the WireGuard-style peer config text for p.
// If p exposes a public IPv6 endpoint address, its /128 is appended to the
// allowed-address set.
func RenderTunnelConfig(p model.PeerSpec) string {
	port := p.Tunnel.ListenPort
	if port == 0 {
		port = meshlayout.EBGPListenPort(p.ASN)
	}

	allowed := append([]string(nil), baseAllowedIPs...)
	if ip6 := publicIPv6Host(p.Tunnel.Endpoint); ip6 != "" {
		allowed = append(allowed, ip6+"/128")
	}

	var b strings.Builder
	fmt.Fprintf(&b, "[Interface]\n")
	fmt.Fprintf(&b, "ListenPort = %d\n", port)
	fmt.Fprintf(&b, "\n[Peer]\n")
	fmt.Fprintf(&b, "PublicKey = %s\n", p.Tunnel.PublicKey)
	if p.Tunnel.PresharedKey != "" {
		fmt.Fprintf(&b, "PresharedKey = %s\n", p.Tunnel.PresharedKey)
	}
	if p.Tunnel.Endpoint != "" {
		fmt.Fprintf(&b, "Endpoint = %s\n", p.Tunnel.Endpoint)
	}
	fmt.Fprintf(&b, "AllowedIPs = %s\n", strings.Join(allowed, ", "))
	fmt.Fprintf(&b, "PersistentKeepalive = 25\n")
	return b.String()
}

// publicIPv6Host extracts the host part of a "host:port" endpoint when host
// looks like an IPv6 literal (contains a colon once bracket-stripped).
// Returns "" for IPv4 endpoints or malformed input.
func publicIPv6Host(endpoint string) string {
	if endpoint == "" {
		return ""
	}
	host := endpoint
	if i := strings.LastIndex(endpoint, ":"); i >= 0 {
		candidate := endpoint[:i]
		if strings.HasPrefix(candidate, "[") && strings.HasSuffix(candidate, "]") {
			host = strings.Trim(candidate, "[]")
		} else {
			return "" // IPv4 host:port, not IPv6
		}
	}
	if strings.Count(host, ":") < 2 {
		return ""
	}
	return host
}

// RenderBirdPeerConfig renders the routing-daemon protocol stanza for an
// eBGP peer, named per meshlayout.RoutingProtocolName.
func RenderBirdPeerConfig(p model.PeerSpec) string {
	name := meshlayout.RoutingProtocolName(p.ASN)

	var b strings.Builder
	fmt.Fprintf(&b, "protocol bgp %s {\n", name)
	fmt.Fprintf(&b, "\tlocal as OWN_ASN;\n")
	fmt.Fprintf(&b, "\tneighbor as %d;\n", p.ASN)
	if p.BGP.PeerIPv4 != "" {
		fmt.Fprintf(&b, "\tneighbor %s;\n", p.BGP.PeerIPv4)
	}
	if p.BGP.PeerIPv6 != "" {
		fmt.Fprintf(&b, "\tneighbor %s;\n", p.BGP.PeerIPv6)
	}
	if p.BGP.LocalIPv4 != "" {
		fmt.Fprintf(&b, "\tsource address %s;\n", p.BGP.LocalIPv4)
	}
	if p.BGP.Multihop {
		fmt.Fprintf(&b, "\tmultihop;\n")
	}
	if p.BGP.ExtendedNextHop {
		fmt.Fprintf(&b, "\textended next hop on;\n")
	}
	fmt.Fprintf(&b, "\timport filter dn42_import;\n")
	fmt.Fprintf(&b, "\texport filter dn42_export;\n")
	fmt.Fprintf(&b, "}\n")
	return b.String()
}

// RenderMeshTunnelConfig renders the WireGuard-style tunnel config text for
// a mesh peer, symmetric with RenderTunnelConfig's shape but keyed by node
// ID port derivation instead of the eBGP ASN scheme (spec.md §4.2).
func RenderMeshTunnelConfig(ownNodeID int, peer model.MeshPeerSpec) string {
	var b strings.Builder
	fmt.Fprintf(&b, "[Interface]\n")
	fmt.Fprintf(&b, "ListenPort = %d\n", meshlayout.MeshListenPort(peer.NodeID))
	fmt.Fprintf(&b, "\n[Peer]\n")
	fmt.Fprintf(&b, "PublicKey = %s\n", peer.PublicKey)
	if peer.Endpoint != "" {
		port := peer.Port
		if port == 0 {
			port = meshlayout.MeshConnectPort(ownNodeID)
		}
		fmt.Fprintf(&b, "Endpoint = %s:%d\n", peer.Endpoint, port)
	}
	fmt.Fprintf(&b, "AllowedIPs = fe80::/64, %s\n", peer.Loopback)
	fmt.Fprintf(&b, "PersistentKeepalive = 25\n")
	return b.String()
}

// RenderMeshBirdConfig renders the iBGP/IGP protocol stanza for a mesh peer.
func RenderMeshBirdConfig(peer model.MeshPeerSpec) string {
	var b strings.Builder
	fmt.Fprintf(&b, "protocol bgp ibgp_%d {\n", peer.NodeID)
	fmt.Fprintf(&b, "\tlocal as OWN_ASN;\n")
	fmt.Fprintf(&b, "\tneighbor %s as OWN_ASN;\n", strings.TrimSuffix(peer.Loopback, "/128"))
	fmt.Fprintf(&b, "\timport all;\n")
	fmt.Fprintf(&b, "\texport all;\n")
	fmt.Fprintf(&b, "}\n")
	return b.String()
}

// Digest returns the SHA-256 digest of text, hex-encoded. The digest of an
// absent file is the digest of the empty string, matching spec.md §4.3's
// "absent = empty digest".
func Digest(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}

// SortedPeersByASN returns a copy of peers sorted by ASN, for deterministic
// per-peer apply ordering (spec.md §5: "per-peer applies happen
// sequentially in ASN order").
func SortedPeersByASN(peers []model.PeerSpec) []model.PeerSpec {
	out := append([]model.PeerSpec(nil), peers...)
	sort.Slice(out, func(i, j int) bool { return out[i].ASN < out[j].ASN })
	return out
}
