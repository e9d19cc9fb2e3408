// Package probing implements the latency prober (spec.md §4.8): periodic
// ICMP echo to every peer endpoint, EWMA smoothing of the observed RTT,
// and tier derivation feeding the community manager. The ICMP invocation
// itself is grounded on doublezerod's latency package, which drives
// pro-bing the same way (3+ packets, a bounded per-call timeout, reading
// back AvgRtt/PacketLoss from Statistics()).
package probing

import (
	"context"
	"log/slog"
	"strconv"
	"sync"
	"time"

	probing "github.com/prometheus-community/pro-bing"

	"github.com/dn42fabric/fabric-agent/internal/community"
	"github.com/dn42fabric/fabric-agent/internal/metrics"
)

// DefaultInterval is the wake interval between probe rounds (spec.md §4.8).
const DefaultInterval = 300 * time.Second

// DefaultAlpha is the EWMA smoothing factor.
const DefaultAlpha = 0.3

// packetCount and perPacketWindow carry the "5 packets, short per-reply
// timeout" contract from spec.md §4.8: perPacketWindow is the spacing
// between echo requests, and a round's overall deadline is packetCount
// windows plus two seconds.
const (
	packetCount     = 5
	perPacketWindow = 500 * time.Millisecond
)

type probeState int

const (
	stateUnknown probeState = iota
	stateSampling
	stateTiered
)

// peerState is the prober's per-ASN memory: last smoothed RTT, current
// tier, failure count, and state-machine phase (spec.md §4.8: "unknown ->
// sampling -> tier_k").
type peerState struct {
	endpoint  string
	lastRTTMs float64
	tier      int
	failCount int
	phase     probeState
}

// TierChangeFunc is invoked whenever a peer's derived tier changes.
type TierChangeFunc func(asn uint32, newTier int)

// Prober owns the {asn -> (endpoint, probe_state)} set and runs probe
// rounds on a ticker.
type Prober struct {
	mu       sync.Mutex
	peers    map[uint32]*peerState
	alpha    float64
	interval time.Duration
	logger   *slog.Logger
	onChange TierChangeFunc

	// echoFunc is overridable in tests so the EWMA/tier/callback logic in
	// probeOne can be exercised without a real ICMP round-trip.
	echoFunc func(ctx context.Context, endpoint string) (rttMs float64, ok bool)
}

// New constructs a Prober. onChange is called synchronously from the probe
// round's goroutine whenever a peer's tier changes — callers needing
// asynchrony should make onChange non-blocking themselves.
func New(logger *slog.Logger, onChange TierChangeFunc) *Prober {
	p := &Prober{
		peers:    make(map[uint32]*peerState),
		alpha:    DefaultAlpha,
		interval: DefaultInterval,
		logger:   logger,
		onChange: onChange,
	}
	p.echoFunc = p.echo
	return p
}

// AddPeer registers asn for probing against endpoint (host, no port — ICMP
// has none). A peer already registered keeps its accumulated state.
func (p *Prober) AddPeer(asn uint32, endpoint string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.peers[asn]; ok {
		p.peers[asn].endpoint = endpoint
		return
	}
	p.peers[asn] = &peerState{endpoint: endpoint, phase: stateUnknown}
}

// RemovePeer drops asn from the probe set.
func (p *Prober) RemovePeer(asn uint32) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.peers, asn)
}

// Run blocks running probe rounds every interval until ctx is canceled.
func (p *Prober) Run(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.RunOnce(ctx)
		}
	}
}

// RunOnce launches one concurrent probe round against every registered
// peer and applies results. Exported so the operator API's force-probe
// endpoint can trigger an out-of-band round (spec.md §4.10).
func (p *Prober) RunOnce(ctx context.Context) {
	p.mu.Lock()
	targets := make(map[uint32]string, len(p.peers))
	for asn, st := range p.peers {
		targets[asn] = st.endpoint
	}
	p.mu.Unlock()

	var wg sync.WaitGroup
	for asn, endpoint := range targets {
		wg.Add(1)
		go func(asn uint32, endpoint string) {
			defer wg.Done()
			p.probeOne(ctx, asn, endpoint)
		}(asn, endpoint)
	}
	wg.Wait()
}

func (p *Prober) probeOne(ctx context.Context, asn uint32, endpoint string) {
	rtt, ok := p.echoFunc(ctx, endpoint)

	p.mu.Lock()
	st, exists := p.peers[asn]
	if !exists {
		p.mu.Unlock()
		return // removed mid-round
	}

	oldTier := st.tier
	if !ok {
		st.failCount++
		st.tier = community.TierWorst
		st.phase = stateTiered
	} else {
		if st.phase == stateUnknown {
			st.lastRTTMs = rtt
		} else {
			st.lastRTTMs = p.alpha*rtt + (1-p.alpha)*st.lastRTTMs
		}
		st.phase = stateSampling
		st.tier = community.LatencyToTier(st.lastRTTMs)
		st.phase = stateTiered
		st.failCount = 0
	}
	changed := st.tier != oldTier
	newTier := st.tier
	rttMs := st.lastRTTMs
	p.mu.Unlock()

	label := strconv.FormatUint(uint64(asn), 10)
	metrics.ProbeRTT.WithLabelValues(label).Set(rttMs / 1000)
	if ok {
		metrics.ProbeReachable.WithLabelValues(label).Set(1)
	} else {
		metrics.ProbeReachable.WithLabelValues(label).Set(0)
	}

	if changed && p.onChange != nil {
		p.onChange(asn, newTier)
	}
}

// echo runs packetCount ICMP echoes against endpoint and returns the mean
// RTT in milliseconds, or ok=false on total failure (spec.md: "Sustained
// failure promotes to tier 8 immediately").
func (p *Prober) echo(ctx context.Context, endpoint string) (rttMs float64, ok bool) {
	pinger, err := probing.NewPinger(endpoint)
	if err != nil {
		p.logger.Error("pinger create failed", "endpoint", endpoint, "error", err)
		return 0, false
	}
	pinger.SetPrivileged(true)
	pinger.Count = packetCount
	pinger.Interval = perPacketWindow
	pinger.Timeout = time.Duration(packetCount)*perPacketWindow + 2*time.Second

	if deadline, has := ctx.Deadline(); has {
		if rem := time.Until(deadline); rem < pinger.Timeout {
			pinger.Timeout = rem
		}
	}

	done := make(chan struct{})
	go func() { _ = pinger.Run(); close(done) }()
	select {
	case <-ctx.Done():
		pinger.Stop()
		<-done
	case <-done:
	}

	stats := pinger.Statistics()
	if stats.PacketsRecv == 0 {
		return 0, false
	}
	return float64(stats.AvgRtt) / float64(time.Millisecond), true
}

// Snapshot returns the current tier and last smoothed RTT for asn, and
// whether it is registered at all.
func (p *Prober) Snapshot(asn uint32) (tier int, lastRTTMs float64, failCount int, found bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	st, ok := p.peers[asn]
	if !ok {
		return 0, 0, 0, false
	}
	return st.tier, st.lastRTTMs, st.failCount, true
}
