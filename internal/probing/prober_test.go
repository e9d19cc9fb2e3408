package probing

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(discardWriter{}, nil))
}

type discardWriter struct{}

func (discardWriter) Write(p []byte) (int, error) { return len(p), nil }

// echoing against an address this environment cannot reach (or lacks raw
// socket privilege for) should fail closed rather than hang — mirrors
// doublezerod's own udpPing cancellation test.
func TestProbeOneUnreachableMarksWorstTierWithoutHanging(t *testing.T) {
	var lastASN uint32
	var lastTier int
	p := New(discardLogger(), func(asn uint32, tier int) { lastASN, lastTier = asn, tier })
	p.AddPeer(4242420337, "192.0.2.1")

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	start := time.Now()
	p.RunOnce(ctx)
	elapsed := time.Since(start)

	assert.Less(t, elapsed, 3*time.Second)
	tier, _, failCount, found := p.Snapshot(4242420337)
	require.True(t, found)
	assert.Equal(t, 8, tier) // worst tier on failure/no privilege
	assert.Equal(t, 1, failCount)
	assert.Equal(t, uint32(4242420337), lastASN)
	assert.Equal(t, 8, lastTier)
}

func TestAddPeerPreservesStateOnReRegister(t *testing.T) {
	p := New(discardLogger(), nil)
	p.AddPeer(100, "192.0.2.1")
	p.peers[100].lastRTTMs = 12.5
	p.peers[100].tier = 2

	p.AddPeer(100, "192.0.2.2") // same ASN, new endpoint: state must survive

	assert.Equal(t, "192.0.2.2", p.peers[100].endpoint)
	assert.Equal(t, 12.5, p.peers[100].lastRTTMs)
	assert.Equal(t, 2, p.peers[100].tier)
}

func TestRemovePeerDropsSnapshot(t *testing.T) {
	p := New(discardLogger(), nil)
	p.AddPeer(200, "192.0.2.1")
	p.RemovePeer(200)

	_, _, _, found := p.Snapshot(200)
	assert.False(t, found)
}

func TestFirstSuccessfulProbeSeedsRTTWithoutSmoothing(t *testing.T) {
	p := New(discardLogger(), nil)
	p.AddPeer(300, "198.51.100.1")
	p.echoFunc = func(ctx context.Context, endpoint string) (float64, bool) { return 30, true }

	p.RunOnce(context.Background())

	tier, rtt, failCount, found := p.Snapshot(300)
	require.True(t, found)
	assert.Equal(t, 30.0, rtt) // unknown -> sampling seeds directly, no EWMA blend yet
	assert.Equal(t, 3, tier)   // 30ms falls in tier 3 ([20,55))
	assert.Equal(t, 0, failCount)
}

func TestSecondProbeAppliesEWMAAndFiresOnTierChange(t *testing.T) {
	// Reproduces spec.md §8's scenario: last_rtt=5ms (tier 1), new probe
	// 30ms -> EWMA = 0.3*30 + 0.7*5 = 12.5ms -> tier 2.
	var changedASN uint32
	var changedTier int
	changeCount := 0
	p := New(discardLogger(), func(asn uint32, tier int) {
		changeCount++
		changedASN, changedTier = asn, tier
	})
	p.AddPeer(400, "198.51.100.1")
	p.mu.Lock()
	p.peers[400].lastRTTMs = 5
	p.peers[400].tier = 1
	p.peers[400].phase = stateSampling
	p.mu.Unlock()
	p.echoFunc = func(ctx context.Context, endpoint string) (float64, bool) { return 30, true }

	p.RunOnce(context.Background())

	tier, rtt, _, found := p.Snapshot(400)
	require.True(t, found)
	assert.InDelta(t, 12.5, rtt, 0.001)
	assert.Equal(t, 2, tier)
	assert.Equal(t, 1, changeCount)
	assert.Equal(t, uint32(400), changedASN)
	assert.Equal(t, 2, changedTier)
}

func TestOnChangeDoesNotFireWhenTierIsUnchanged(t *testing.T) {
	changeCount := 0
	p := New(discardLogger(), func(asn uint32, tier int) { changeCount++ })
	p.AddPeer(500, "198.51.100.1")
	p.mu.Lock()
	p.peers[500].lastRTTMs = 5
	p.peers[500].tier = 1
	p.peers[500].phase = stateSampling
	p.mu.Unlock()
	// An RTT that smooths to the same tier 1 bucket should not fire.
	p.echoFunc = func(ctx context.Context, endpoint string) (float64, bool) { return 5, true }

	p.RunOnce(context.Background())

	assert.Equal(t, 0, changeCount)
}
