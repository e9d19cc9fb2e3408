// Package community implements the DN42 large-community tagging scheme:
// classification of measured latency into tiers, the well-known numeric
// tuples for bandwidth/crypto/region/action communities, per-route
// classification, and a small filter-rule model. Grounded on
// original_source/src/services/community_constants.py and community.py.
package community

// ASN is the DN42 large-community prefix used by every tuple below.
const ASN = 64511

// LatencyTier is a large-community second value, (ASN, LatencyTier, 0),
// tiers 0..8.
const (
	LatencyTierBase = 1 // tier 0 -> (ASN, 1), tier 8 -> (ASN, 9)
)

// LatencyThresholdsMs is the fixed tier-boundary table from spec.md §4.8.
// Tier 8 covers >= the last threshold, or probe failure.
var LatencyThresholdsMs = [8]float64{2.7, 7.3, 20, 55, 148, 403, 1097, 2981}

// TierWorst is the worst-latency bucket, assigned on sustained probe
// failure regardless of any prior measured RTT.
const TierWorst = len(LatencyThresholdsMs)

// BandwidthCommunity maps a bandwidth class to its large-community value.
var BandwidthCommunity = map[string]int{
	"100k": 21,
	"10m":  22,
	"100m": 23,
	"1g":   24,
	"10g":  25,
}

// CryptoCommunity maps a crypto class to its large-community value.
var CryptoCommunity = map[string]int{
	"none":      31,
	"unsafe":    32,
	"encrypted": 33,
	"latency":   34,
}

// RegionCommunity maps a DN42 region code to its large-community value.
var RegionCommunity = map[string]int{
	"eu":    41,
	"na-e":  42,
	"na-c":  43,
	"na-w":  44,
	"ca":    45,
	"sa":    46,
	"af":    47,
	"as-s":  48,
	"as-se": 49,
	"as-e":  50,
	"oc":    51,
	"me":    52,
	"as-n":  53,
}

// Action large-communities.
const (
	ActionNoExport   = 65281
	ActionNoAnnounce = 65282
)

// LatencyToTier derives a tier in [0,8] from a measured RTT in
// milliseconds, per the fixed threshold table. Monotonic: rtt1 <= rtt2
// implies LatencyToTier(rtt1) <= LatencyToTier(rtt2) (invariant 8, spec.md
// §8).
func LatencyToTier(rttMs float64) int {
	for i, threshold := range LatencyThresholdsMs {
		if rttMs < threshold {
			return i
		}
	}
	return len(LatencyThresholdsMs)
}

// LargeCommunity is a (global_asn, local_data1, local_data2) triple.
type LargeCommunity struct {
	GlobalASN int
	Data1     int
	Data2     int
}

// LatencyTierCommunity returns the large community for a latency tier.
func LatencyTierCommunity(tier int) LargeCommunity {
	return LargeCommunity{GlobalASN: ASN, Data1: LatencyTierBase + tier, Data2: 0}
}

// BandwidthCommunityValue returns the large community for a bandwidth class,
// and whether the class was recognized.
func BandwidthCommunityValue(class string) (LargeCommunity, bool) {
	v, ok := BandwidthCommunity[class]
	if !ok {
		return LargeCommunity{}, false
	}
	return LargeCommunity{GlobalASN: ASN, Data1: v, Data2: 0}, true
}

// CryptoCommunityValue returns the large community for a crypto class, and
// whether the class was recognized.
func CryptoCommunityValue(class string) (LargeCommunity, bool) {
	v, ok := CryptoCommunity[class]
	if !ok {
		return LargeCommunity{}, false
	}
	return LargeCommunity{GlobalASN: ASN, Data1: v, Data2: 0}, true
}

// RegionCommunityValue returns the large community for a region code, and
// whether the region was recognized.
func RegionCommunityValue(region string) (LargeCommunity, bool) {
	v, ok := RegionCommunity[region]
	if !ok {
		return LargeCommunity{}, false
	}
	return LargeCommunity{GlobalASN: ASN, Data1: v, Data2: 0}, true
}
