// Package meshlayout implements the agent's mesh layout engine: a set of
// pure, total functions over the node-ID and ASN spaces that every other
// component calls into for interface names, ports, and addresses. Nothing
// here touches the network or the filesystem.
package meshlayout

import (
	"fmt"
	"net"
)

// Port ranges for ebgp_listen_port, piecewise by ASN range (spec.md §4.2).
const (
	privateRangeALo, privateRangeAHi = 4242420000, 4242429999
	privateRangeBLo, privateRangeBHi = 4201270000, 4201279999

	basePortA       = 30000
	basePortB       = 40000
	basePortDefault = 50000

	portMod = 10000

	// MeshBasePort is the base_port used for symmetric mesh tunnel ports.
	MeshBasePort = 51820
)

// TunnelIfname returns the eBGP tunnel interface name for asn.
func TunnelIfname(asn uint32) string {
	return fmt.Sprintf("dn42-%d", asn)
}

// RoutingProtocolName returns the routing-daemon protocol name for asn.
// Underscore, not hyphen: the routing daemon disallows hyphens in protocol
// names, so this is load-bearing, not cosmetic.
func RoutingProtocolName(asn uint32) string {
	return fmt.Sprintf("dn42_%d", asn)
}

// MeshIfname returns the mesh/IGP tunnel interface name for a peer node ID.
func MeshIfname(peerNodeID int) string {
	return fmt.Sprintf("dn42-wg-igp-%d", peerNodeID)
}

// EBGPListenPort derives the deterministic eBGP tunnel listen port for asn
// when the control plane does not supply one explicitly. Injective within
// any one range; collisions across ranges on the same node are a
// control-plane configuration bug, not something this function can prevent.
func EBGPListenPort(asn uint32) int {
	switch {
	case asn >= privateRangeALo && asn <= privateRangeAHi:
		return basePortA + int(asn%portMod)
	case asn >= privateRangeBLo && asn <= privateRangeBHi:
		return basePortB + int(asn%portMod)
	default:
		return basePortDefault + int(asn%portMod)
	}
}

// MeshListenPort returns the UDP port a node with ownNodeID listens on for
// its tunnel to peerNodeID: base_port + peer_node_id. Symmetric by
// construction — see MeshConnectPort and the property test.
func MeshListenPort(peerNodeID int) int {
	return MeshBasePort + peerNodeID
}

// MeshConnectPort returns the UDP port a node connects to on peerNodeID,
// which is simply peerNodeID's own listen port for us: base_port + our own
// node ID, from the peer's perspective base_port + peerNodeID's notion of
// "its peer" (i.e. ownNodeID). Provided for symmetry at call sites that
// think in terms of "the port I dial on the other side".
func MeshConnectPort(ownNodeID int) int {
	return MeshBasePort + ownNodeID
}

// MeshLinkLocal returns the link-local /64 address assigned to a node's end
// of every mesh tunnel interface: fe80::<node_id>/64.
func MeshLinkLocal(ownNodeID int) string {
	return fmt.Sprintf("fe80::%d/64", ownNodeID)
}

// MaxNodeID returns N_MAX for a given overlay IPv4 prefix length: the
// number of usable host addresses in that prefix, minus network and
// broadcast.
func MaxNodeID(prefixLen int) int {
	if prefixLen <= 0 || prefixLen >= 32 {
		return 0
	}
	return (1 << uint(32-prefixLen)) - 2
}

// ValidNodeID rejects node ID 0, the broadcast index, and anything outside
// [1, nMax].
func ValidNodeID(nodeID, nMax int) bool {
	return nodeID >= 1 && nodeID <= nMax
}

// LoopbackV4 returns the /32 loopback address for nodeID within the given
// overlay IPv4 prefix (e.g. "172.22.188.0/26"), at index nodeID.
func LoopbackV4(prefix string, nodeID int) (string, error) {
	ip, ipnet, err := net.ParseCIDR(prefix)
	if err != nil {
		return "", fmt.Errorf("meshlayout: invalid ipv4 prefix %q: %w", prefix, err)
	}
	ip4 := ip.To4()
	if ip4 == nil {
		return "", fmt.Errorf("meshlayout: prefix %q is not ipv4", prefix)
	}
	ones, bits := ipnet.Mask.Size()
	maxID := MaxNodeID(ones)
	if !ValidNodeID(nodeID, maxID) {
		return "", fmt.Errorf("meshlayout: node id %d out of range [1,%d] for prefix %q", nodeID, maxID, prefix)
	}
	addr := make(net.IP, len(ip4))
	copy(addr, ip4)
	addBigEndian(addr, nodeID)
	_ = bits
	return fmt.Sprintf("%s/32", addr.String()), nil
}

// LoopbackV6 returns the /128 loopback address for nodeID within the given
// overlay IPv6 prefix (e.g. "fd00:4242:7777::/48"), at index ::nodeID.
func LoopbackV6(prefix string, nodeID int) (string, error) {
	ip, ipnet, err := net.ParseCIDR(prefix)
	if err != nil {
		return "", fmt.Errorf("meshlayout: invalid ipv6 prefix %q: %w", prefix, err)
	}
	ip16 := ip.To16()
	if ip16 == nil || ip.To4() != nil {
		return "", fmt.Errorf("meshlayout: prefix %q is not ipv6", prefix)
	}
	// The node-ID upper bound is governed by the IPv4 overlay prefix
	// (spec.md §3); callers validate that bound once via MaxNodeID and
	// ValidNodeID before deriving both loopback addresses, so this function
	// only rejects values that could never be valid in any prefix.
	if nodeID < 1 {
		return "", fmt.Errorf("meshlayout: node id %d must be >= 1", nodeID)
	}
	_, _ = ipnet.Mask.Size()
	addr := make(net.IP, len(ip16))
	copy(addr, ip16)
	addBigEndian(addr, nodeID)
	return fmt.Sprintf("%s/128", addr.String()), nil
}

// addBigEndian adds n to the big-endian integer represented by ip, in place.
func addBigEndian(ip net.IP, n int) {
	carry := n
	for i := len(ip) - 1; i >= 0 && carry > 0; i-- {
		sum := int(ip[i]) + carry
		ip[i] = byte(sum & 0xff)
		carry = sum >> 8
	}
}
