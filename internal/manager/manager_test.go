package manager

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"slices"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dn42fabric/fabric-agent/internal/community"
	"github.com/dn42fabric/fabric-agent/internal/config"
	"github.com/dn42fabric/fabric-agent/internal/controlplane"
	"github.com/dn42fabric/fabric-agent/internal/execctl"
	"github.com/dn42fabric/fabric-agent/internal/firewall"
	"github.com/dn42fabric/fabric-agent/internal/loopback"
	"github.com/dn42fabric/fabric-agent/internal/model"
	"github.com/dn42fabric/fabric-agent/internal/routingd"
	"github.com/dn42fabric/fabric-agent/internal/state"
	"github.com/dn42fabric/fabric-agent/internal/tunnel"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(discardWriter{}, nil))
}

type discardWriter struct{}

func (discardWriter) Write(p []byte) (int, error) { return len(p), nil }

// testDaemon is a minimal control-socket stub so the reloader can dial
// something real during manager tests.
func testDaemon(t *testing.T) string {
	t.Helper()
	sock := filepath.Join(t.TempDir(), "control.sock")
	ln, err := net.Listen("unix", sock)
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func(c net.Conn) {
				defer c.Close()
				c.Write([]byte("0001 ready.\n"))
				buf := make([]byte, 256)
				for {
					n, err := c.Read(buf)
					if err != nil {
						return
					}
					_ = n
					c.Write([]byte("0003 Reconfigured\n"))
				}
			}(conn)
		}
	}()
	return sock
}

func newTestManager(t *testing.T, cpHandler http.HandlerFunc) (*Manager, *execctl.FakeRunner, *execctl.FakeRunner) {
	t.Helper()
	dir := t.TempDir()

	srv := httptest.NewServer(cpHandler)
	t.Cleanup(srv.Close)

	cfg := config.Default()
	cfg.NodeName = "node-a"
	cfg.ControlPlaneURL = srv.URL
	cfg.ControlPlaneToken = "tok"
	cfg.StatePath = filepath.Join(dir, "last_state.json")
	cfg.RoutingCfgDir = filepath.Join(dir, "bird")
	cfg.TunnelCfgDir = filepath.Join(dir, "tunnels")
	cfg.BirdCtlSocket = testDaemon(t)

	cp := controlplane.New(cfg.ControlPlaneURL, cfg.ControlPlaneToken)
	store := state.New(cfg.StatePath)
	tunnelRunner := execctl.NewFakeRunner()
	tunnels := tunnel.NewExecutor(tunnelRunner, cfg.TunnelCfgDir)
	fwRunner := execctl.NewFakeRunner()
	fw := firewall.NewExecutor(fwRunner, discardLogger())
	lb := loopback.NewExecutor(discardLogger())
	reloader := routingd.New(cfg.BirdCtlSocket, 20*time.Millisecond, discardLogger())
	communities := community.NewManager(nil)

	m := New(cfg, cp, store, tunnels, fw, lb, reloader, communities, discardLogger(), "test")
	m.identity = model.NodeIdentity{NodeID: 1, NodeName: "node-a"}

	ctx, cancel := context.WithCancel(context.Background())
	go reloader.Run(ctx)
	t.Cleanup(func() {
		cancel()
		reloader.Wait()
	})

	return m, fwRunner, tunnelRunner
}

func configHandler(t *testing.T, resp controlplane.ConfigResponse) http.HandlerFunc {
	t.Helper()
	return func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(resp)
	}
}

func TestSyncConfigColdStartWritesFilesAndCommitsHash(t *testing.T) {
	resp := controlplane.ConfigResponse{
		VersionHash: "v1",
		Peers: []model.PeerSpec{{
			ASN: 4242420337,
			Tunnel: model.TunnelSpec{Type: model.TunnelWireGuard, PublicKey: "K1", Endpoint: "198.51.100.7:51820"},
			BGP:    model.BGPSpec{PeerIPv4: "172.22.188.42"},
		}},
	}
	m, _, tunnelRunner := newTestManager(t, configHandler(t, resp))

	ok := m.SyncConfig(t.Context())
	require.True(t, ok)

	tunnelPath := filepath.Join(m.cfg.TunnelCfgDir, "dn42-4242420337.conf")
	_, err := os.Stat(tunnelPath)
	require.NoError(t, err)

	birdPath := m.birdPeerPath(4242420337)
	data, err := os.ReadFile(birdPath)
	require.NoError(t, err)
	assert.Contains(t, string(data), "protocol bgp dn42_4242420337")

	snap, err := m.store.Snapshot()
	require.NoError(t, err)
	assert.Equal(t, "v1", snap.ConfigVersionHash)
	require.Len(t, snap.AppliedConfig.Peers, 1)

	var sawSetconf bool
	for _, c := range tunnelRunner.Calls {
		if c.Name == "wg" && len(c.Args) > 0 && c.Args[0] == "setconf" {
			sawSetconf = true
		}
	}
	assert.True(t, sawSetconf)
}

func TestSyncConfigAppliesNodePrivateKeyNotPeerPresharedKey(t *testing.T) {
	resp := controlplane.ConfigResponse{
		VersionHash: "v1",
		Peers: []model.PeerSpec{{
			ASN:    4242420337,
			Tunnel: model.TunnelSpec{Type: model.TunnelWireGuard, PublicKey: "K1", PresharedKey: "PSK1"},
			BGP:    model.BGPSpec{PeerIPv4: "172.22.188.42"},
		}},
	}
	m, _, tunnelRunner := newTestManager(t, configHandler(t, resp))
	m.cfg.EBGPPrivateKey = "node-ebgp-private-key"

	require.True(t, m.SyncConfig(t.Context()))

	var sawPrivateKeySet bool
	for _, c := range tunnelRunner.Calls {
		if c.Name == "wg" && len(c.Args) >= 3 && c.Args[0] == "set" && c.Args[2] == "private-key" {
			sawPrivateKeySet = true
		}
	}
	assert.True(t, sawPrivateKeySet, "node's eBGP private key must be applied via wg set private-key")

	tunnelPath := filepath.Join(m.cfg.TunnelCfgDir, "dn42-4242420337.conf")
	data, err := os.ReadFile(tunnelPath)
	require.NoError(t, err)
	assert.Contains(t, string(data), "PSK1", "peer's preshared key must still be rendered into the tunnel config")
}

func TestSyncConfigIsNoOpWhenHashUnchangedAndFilesPresent(t *testing.T) {
	resp := controlplane.ConfigResponse{
		VersionHash: "v1",
		Peers: []model.PeerSpec{{
			ASN:    4242420337,
			Tunnel: model.TunnelSpec{Type: model.TunnelWireGuard, PublicKey: "K1"},
		}},
	}
	m, _, tunnelRunner := newTestManager(t, configHandler(t, resp))

	require.True(t, m.SyncConfig(t.Context()))
	firstCallCount := len(tunnelRunner.Calls)

	require.True(t, m.SyncConfig(t.Context()))
	assert.Equal(t, firstCallCount, len(tunnelRunner.Calls), "no new subprocess calls on a converged cycle")
}

func TestSyncConfigRetractsRemovedPeers(t *testing.T) {
	handlerCalls := 0
	peer := model.PeerSpec{ASN: 4242420337, Tunnel: model.TunnelSpec{Type: model.TunnelWireGuard, PublicKey: "K1"}}

	m, fwRunner, _ := newTestManager(t, func(w http.ResponseWriter, r *http.Request) {
		handlerCalls++
		if handlerCalls == 1 {
			json.NewEncoder(w).Encode(controlplane.ConfigResponse{VersionHash: "v1", Peers: []model.PeerSpec{peer}})
			return
		}
		json.NewEncoder(w).Encode(controlplane.ConfigResponse{VersionHash: "v2", Peers: nil})
	})
	// The fake runner keeps no rule table: script the "-C" existence check
	// to report the rule absent so AllowPort actually adds it.
	fwRunner.Responses["iptables -C INPUT -p udp --dport 30337 -m comment --comment moenet-dn42-30337 -j ACCEPT"] =
		execctl.FakeResponse{Err: errors.New("exit status 1")}

	sawRule := func(op string) bool {
		for _, c := range fwRunner.Calls {
			if c.Name == "iptables" && len(c.Args) > 0 && c.Args[0] == op && slices.Contains(c.Args, "moenet-dn42-30337") {
				return true
			}
		}
		return false
	}

	require.True(t, m.SyncConfig(t.Context()))
	require.True(t, sawRule("-A"), "first sync must open the tagged firewall rule for port 30337")

	require.True(t, m.SyncConfig(t.Context()))
	assert.True(t, sawRule("-D"), "retraction must remove the tagged firewall rule for port 30337")

	tunnelPath := filepath.Join(m.cfg.TunnelCfgDir, "dn42-4242420337.conf")
	_, err := os.Stat(tunnelPath)
	assert.True(t, os.IsNotExist(err))

	birdPath := m.birdPeerPath(4242420337)
	_, err = os.Stat(birdPath)
	assert.True(t, os.IsNotExist(err))

	snap, err := m.store.Snapshot()
	require.NoError(t, err)
	assert.Equal(t, "v2", snap.ConfigVersionHash)
	assert.Empty(t, snap.AppliedConfig.Peers)
}

func TestSyncConfigReturnsFalseOnControlPlaneError(t *testing.T) {
	m, _, _ := newTestManager(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})
	assert.False(t, m.SyncConfig(t.Context()))
}
