package meshlayout

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEBGPListenPortDeterministic(t *testing.T) {
	for _, asn := range []uint32{4242420337, 4201270042, 64512, 1} {
		p1 := EBGPListenPort(asn)
		p2 := EBGPListenPort(asn)
		assert.Equal(t, p1, p2, "port must be deterministic for asn %d", asn)
	}
}

func TestEBGPListenPortRanges(t *testing.T) {
	tests := []struct {
		asn      uint32
		wantPort int
	}{
		{4242420337, 30000 + 337},
		{4201270042, 40000 + 42},
		{64512, 50000 + 4512},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.wantPort, EBGPListenPort(tt.asn))
	}
}

func TestTunnelAndProtocolNaming(t *testing.T) {
	assert.Equal(t, "dn42-4242420337", TunnelIfname(4242420337))
	assert.Equal(t, "dn42_4242420337", RoutingProtocolName(4242420337))
}

func TestMeshPortSymmetry(t *testing.T) {
	// Node a's listen port for peer b equals base+b; node b's connect port
	// toward a (from a's perspective, the port a dials) equals base+a.
	a, b := 3, 7
	aListensFor := MeshListenPort(b)
	bConnectsFromA := MeshConnectPort(a)
	assert.Equal(t, MeshBasePort+b, aListensFor)
	assert.Equal(t, MeshBasePort+a, bConnectsFromA)

	// Cross construction: b's own listen port for peer a must equal the
	// port a expects to connect to.
	bListensFor := MeshListenPort(a)
	aConnectsFromB := MeshConnectPort(b)
	assert.Equal(t, bListensFor, aConnectsFromB)
}

func TestValidNodeID(t *testing.T) {
	nMax := MaxNodeID(26)
	require.Equal(t, 62, nMax)
	assert.False(t, ValidNodeID(0, nMax))
	assert.True(t, ValidNodeID(1, nMax))
	assert.True(t, ValidNodeID(62, nMax))
	assert.False(t, ValidNodeID(63, nMax))
	assert.False(t, ValidNodeID(-1, nMax))
}

func TestLoopbackV4(t *testing.T) {
	addr, err := LoopbackV4("172.22.188.0/26", 4)
	require.NoError(t, err)
	assert.Equal(t, "172.22.188.4/32", addr)
}

func TestLoopbackV4RejectsOutOfRange(t *testing.T) {
	_, err := LoopbackV4("172.22.188.0/26", 63)
	assert.Error(t, err)
}

func TestLoopbackV6(t *testing.T) {
	addr, err := LoopbackV6("fd00:4242:7777::/48", 4)
	require.NoError(t, err)
	assert.Equal(t, "fd00:4242:7777::4/128", addr)
}

func TestMeshLinkLocal(t *testing.T) {
	assert.Equal(t, "fe80::4/64", MeshLinkLocal(4))
}
