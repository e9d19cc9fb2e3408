package community

import "testing"

func TestLatencyToTierMonotonic(t *testing.T) {
	samples := []float64{0, 1, 2.7, 5, 7.3, 19.9, 148, 2980, 2981, 5000}
	for i := 1; i < len(samples); i++ {
		if LatencyToTier(samples[i-1]) > LatencyToTier(samples[i]) {
			t.Fatalf("tier not monotonic: tier(%v)=%d > tier(%v)=%d",
				samples[i-1], LatencyToTier(samples[i-1]), samples[i], LatencyToTier(samples[i]))
		}
	}
}

func TestLatencyToTierBounds(t *testing.T) {
	cases := []struct {
		rtt  float64
		tier int
	}{
		{0, 0},
		{2.69, 0},
		{2.7, 1},
		{2981, 8},
		{10000, 8},
	}
	for _, c := range cases {
		if got := LatencyToTier(c.rtt); got != c.tier {
			t.Errorf("LatencyToTier(%v) = %d, want %d", c.rtt, got, c.tier)
		}
	}
}

func TestScenarioTierChange(t *testing.T) {
	// Concrete scenario 6 from spec.md §8: last_rtt=5ms tier=1, new probe 30ms,
	// EWMA(0.3) -> ~12.5ms -> tier 2.
	ewma := 0.3*30 + 0.7*5
	if got, want := LatencyToTier(ewma), 2; got != want {
		t.Fatalf("tier(%v) = %d, want %d", ewma, got, want)
	}
}

func TestWellKnownTuples(t *testing.T) {
	if v, ok := BandwidthCommunityValue("1g"); !ok || v.Data1 != 24 {
		t.Fatalf("bandwidth 1g = %+v, ok=%v", v, ok)
	}
	if v, ok := CryptoCommunityValue("encrypted"); !ok || v.Data1 != 33 {
		t.Fatalf("crypto encrypted = %+v, ok=%v", v, ok)
	}
	if v, ok := RegionCommunityValue("as-se"); !ok || v.Data1 != 49 {
		t.Fatalf("region as-se = %+v, ok=%v", v, ok)
	}
	if _, ok := BandwidthCommunityValue("bogus"); ok {
		t.Fatalf("expected unrecognized bandwidth class to fail")
	}
}
