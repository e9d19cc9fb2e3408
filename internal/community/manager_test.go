package community

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBlacklistRoundTrip(t *testing.T) {
	m := NewManager(nil)
	in := []uint32{4242420100, 4242420001, 4242420050}
	m.LoadBlacklist(in)

	got := m.Blacklist()
	require.Len(t, got, 3)
	want := []uint32{4242420001, 4242420050, 4242420100}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("blacklist round trip mismatch (-want +got):\n%s", diff)
	}
}

func TestAddRemoveBlacklistNotifiesOnChangeOnly(t *testing.T) {
	notifications := 0
	m := NewManager(func() { notifications++ })

	m.AddBlacklist(100)
	assert.Equal(t, 1, notifications)

	m.AddBlacklist(100) // duplicate: no change, no notify
	assert.Equal(t, 1, notifications)

	m.RemoveBlacklist(100)
	assert.Equal(t, 2, notifications)

	m.RemoveBlacklist(100) // already absent: no notify
	assert.Equal(t, 2, notifications)
}

func TestFilterRuleUpsertAndDelete(t *testing.T) {
	m := NewManager(nil)
	m.AddFilterRule(FilterRule{Name: "r1", MatchType: "large_community", MatchValue: "(64511, 1..9)", Action: "accept"})
	m.AddFilterRule(FilterRule{Name: "r1", MatchType: "large_community", MatchValue: "(64511, 65281)", Action: "reject"})

	rules := m.FilterRules()
	require.Len(t, rules, 1)
	assert.Equal(t, "reject", rules[0].Action)

	assert.True(t, m.DeleteFilterRule("r1"))
	assert.False(t, m.DeleteFilterRule("r1"))
}

func TestClassifyRoute(t *testing.T) {
	rc := Classify("172.22.188.0/26", []int{4242420337}, []LargeCommunity{
		{GlobalASN: ASN, Data1: LatencyTierBase + 2, Data2: 0},
		{GlobalASN: ASN, Data1: 24, Data2: 0}, // bandwidth 1g
		{GlobalASN: ASN, Data1: 33, Data2: 0}, // crypto encrypted
		{GlobalASN: ASN, Data1: 41, Data2: 0}, // region eu
		{GlobalASN: ASN, Data1: ActionNoExport, Data2: 0},
	})

	require.NotNil(t, rc.LatencyTier)
	assert.Equal(t, 2, *rc.LatencyTier)
	assert.Equal(t, "1g", rc.Bandwidth)
	assert.Equal(t, "encrypted", rc.Crypto)
	assert.Equal(t, "eu", rc.Region)
	assert.Contains(t, rc.Actions, "no_export")
}

func TestRenderBlacklistPolicyDeterministic(t *testing.T) {
	p1 := RenderBlacklistPolicy([]uint32{300, 100, 200})
	p2 := RenderBlacklistPolicy([]uint32{100, 200, 300})
	assert.Equal(t, p1, p2)
	assert.Contains(t, p1, "100, 200, 300")
}
