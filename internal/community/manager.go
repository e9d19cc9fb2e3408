package community

import (
	"fmt"
	"sort"
	"sync"

	"github.com/dn42fabric/fabric-agent/internal/model"
)

// RouteCommunities is the parsed large-community view of one route,
// classified into the latency/bandwidth/crypto/region taxonomy. Grounded on
// community.py's RouteCommunities dataclass.
type RouteCommunities struct {
	Prefix          string
	ASPath          []int
	LargeCommunities []LargeCommunity
	LatencyTier     *int
	Bandwidth       string
	Crypto          string
	Region          string
	Actions         []string
}

// Classify turns a raw list of large communities into a RouteCommunities
// classification for prefix, matching each tuple against the well-known
// registry in constants.go.
func Classify(prefix string, asPath []int, communities []LargeCommunity) RouteCommunities {
	rc := RouteCommunities{Prefix: prefix, ASPath: asPath, LargeCommunities: communities}

	for _, c := range communities {
		switch {
		case c.GlobalASN != ASN:
			continue
		case c.Data1 >= LatencyTierBase && c.Data1 <= LatencyTierBase+8:
			tier := c.Data1 - LatencyTierBase
			rc.LatencyTier = &tier
		case matchValue(BandwidthCommunity, c.Data1, &rc.Bandwidth):
		case matchValue(CryptoCommunity, c.Data1, &rc.Crypto):
		case matchValue(RegionCommunity, c.Data1, &rc.Region):
		case c.Data1 == ActionNoExport:
			rc.Actions = append(rc.Actions, "no_export")
		case c.Data1 == ActionNoAnnounce:
			rc.Actions = append(rc.Actions, "no_announce")
		}
	}
	return rc
}

func matchValue(table map[string]int, v int, out *string) bool {
	for name, val := range table {
		if val == v {
			*out = name
			return true
		}
	}
	return false
}

// FilterRule is a named community-based filter rule, matching
// community.py's FilterRule dataclass.
type FilterRule struct {
	Name           string
	MatchType      string // "community", "large_community", "as_path"
	MatchValue     string
	Action         string // "accept", "reject", "modify"
	ModifyCommands []string
}

// Manager owns per-peer community settings, the forbidden-origin-ASN
// blacklist, and a set of named filter rules. It is constructed once at
// startup and injected into the reconciler and operator API, replacing the
// source's global-singleton community manager per spec.md §9.
type Manager struct {
	mu sync.Mutex

	peerSettings map[uint32]model.PeerCommunitySettings
	blacklist    map[uint32]struct{}
	filterRules  []FilterRule

	onBlacklistChanged func()
}

// NewManager constructs an empty Manager. onBlacklistChanged, if non-nil,
// is invoked after AddBlacklist or RemoveBlacklist actually changes the set
// so the caller can persist the policy and request a debounced
// routing-daemon reload (spec.md §4.8). LoadBlacklist does not invoke it.
func NewManager(onBlacklistChanged func()) *Manager {
	return &Manager{
		peerSettings:       make(map[uint32]model.PeerCommunitySettings),
		blacklist:          make(map[uint32]struct{}),
		onBlacklistChanged: onBlacklistChanged,
	}
}

// SetPeerTier updates a peer's latency tier and RTT, called by the prober's
// tier-change callback.
func (m *Manager) SetPeerTier(asn uint32, tier int, rttMs float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.peerSettings[asn]
	s.ASN = asn
	s.LatencyTier = tier
	s.LastRTTMs = rttMs
	m.peerSettings[asn] = s
}

// PeerSettings returns the current settings for asn, and whether any have
// been recorded.
func (m *Manager) PeerSettings(asn uint32) (model.PeerCommunitySettings, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.peerSettings[asn]
	return s, ok
}

// SetPeerSettings overwrites a peer's bandwidth/crypto/region classes as
// supplied by the control plane.
func (m *Manager) SetPeerSettings(s model.PeerCommunitySettings) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.peerSettings[s.ASN] = s
}

// AllPeerSettings returns a stable-ordered snapshot of every peer's
// settings, for statistics and diagnostics endpoints.
func (m *Manager) AllPeerSettings() []model.PeerCommunitySettings {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]model.PeerCommunitySettings, 0, len(m.peerSettings))
	for _, s := range m.peerSettings {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ASN < out[j].ASN })
	return out
}

// Blacklist returns the sorted list of forbidden origin ASNs.
func (m *Manager) Blacklist() []uint32 {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]uint32, 0, len(m.blacklist))
	for asn := range m.blacklist {
		out = append(out, asn)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// AddBlacklist adds asn to the blacklist and triggers onBlacklistChanged if
// the set actually changed.
func (m *Manager) AddBlacklist(asn uint32) {
	m.mu.Lock()
	_, already := m.blacklist[asn]
	m.blacklist[asn] = struct{}{}
	m.mu.Unlock()
	if !already {
		m.notifyBlacklistChanged()
	}
}

// RemoveBlacklist removes asn from the blacklist and triggers
// onBlacklistChanged if present.
func (m *Manager) RemoveBlacklist(asn uint32) {
	m.mu.Lock()
	_, present := m.blacklist[asn]
	delete(m.blacklist, asn)
	m.mu.Unlock()
	if present {
		m.notifyBlacklistChanged()
	}
}

// LoadBlacklist replaces the blacklist wholesale without invoking
// onBlacklistChanged. Nothing in the agent calls it at startup, and no
// parser for the on-disk policy file exists. Per the round-trip law in spec.md §8,
// save then load must return the identical set.
func (m *Manager) LoadBlacklist(asns []uint32) {
	m.mu.Lock()
	m.blacklist = make(map[uint32]struct{}, len(asns))
	for _, asn := range asns {
		m.blacklist[asn] = struct{}{}
	}
	m.mu.Unlock()
}

func (m *Manager) notifyBlacklistChanged() {
	if m.onBlacklistChanged != nil {
		m.onBlacklistChanged()
	}
}

// AddFilterRule appends a named filter rule, replacing any existing rule of
// the same name.
func (m *Manager) AddFilterRule(r FilterRule) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, existing := range m.filterRules {
		if existing.Name == r.Name {
			m.filterRules[i] = r
			return
		}
	}
	m.filterRules = append(m.filterRules, r)
}

// DeleteFilterRule removes a named filter rule, returning whether it was
// present.
func (m *Manager) DeleteFilterRule(name string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, existing := range m.filterRules {
		if existing.Name == name {
			m.filterRules = append(m.filterRules[:i], m.filterRules[i+1:]...)
			return true
		}
	}
	return false
}

// FilterRules returns the current list of named filter rules.
func (m *Manager) FilterRules() []FilterRule {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]FilterRule(nil), m.filterRules...)
}

// RenderBlacklistPolicy renders the blacklist as a routing-daemon policy
// function fragment. This is the sole authoritative representation per
// spec.md §9 ("this spec picks the file-based one as authoritative").
func RenderBlacklistPolicy(asns []uint32) string {
	sorted := append([]uint32(nil), asns...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	out := "function blacklisted_origin() {\n\treturn bgp_path.last = ["
	for i, asn := range sorted {
		if i > 0 {
			out += ", "
		}
		out += fmt.Sprintf("%d", asn)
	}
	out += "];\n}\n"
	return out
}
