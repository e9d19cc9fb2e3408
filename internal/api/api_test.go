package api

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
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
	"github.com/dn42fabric/fabric-agent/internal/manager"
	"github.com/dn42fabric/fabric-agent/internal/model"
	"github.com/dn42fabric/fabric-agent/internal/probing"
	"github.com/dn42fabric/fabric-agent/internal/routingd"
	"github.com/dn42fabric/fabric-agent/internal/state"
	"github.com/dn42fabric/fabric-agent/internal/tunnel"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(discardWriter{}, nil))
}

type discardWriter struct{}

func (discardWriter) Write(p []byte) (int, error) { return len(p), nil }

func testControlSocket(t *testing.T) string {
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
					if _, err := c.Read(buf); err != nil {
						return
					}
					c.Write([]byte("0003 Reconfigured\n"))
				}
			}(conn)
		}
	}()
	return sock
}

func newTestServer(t *testing.T, token string) (*Server, *execctl.FakeRunner) {
	t.Helper()
	dir := t.TempDir()

	cfg := config.Default()
	cfg.StatePath = filepath.Join(dir, "last_state.json")
	cfg.RoutingCfgDir = filepath.Join(dir, "bird")
	cfg.TunnelCfgDir = filepath.Join(dir, "tunnels")
	cfg.BirdCtlSocket = testControlSocket(t)

	cp := controlplane.New("http://127.0.0.1:0", "tok")
	store := state.New(cfg.StatePath)
	tunnelRunner := execctl.NewFakeRunner()
	tunnels := tunnel.NewExecutor(tunnelRunner, cfg.TunnelCfgDir)
	fw := firewall.NewExecutor(execctl.NewFakeRunner(), discardLogger())
	lb := loopback.NewExecutor(discardLogger())
	reloader := routingd.New(cfg.BirdCtlSocket, 20*time.Millisecond, discardLogger())
	comm := community.NewManager(nil)

	mgr := manager.New(cfg, cp, store, tunnels, fw, lb, reloader, comm, discardLogger(), "test")
	prober := probing.New(discardLogger(), nil)
	diagRunner := execctl.NewFakeRunner()

	ctx, cancel := context.WithCancel(context.Background())
	go reloader.Run(ctx)
	t.Cleanup(func() {
		cancel()
		reloader.Wait()
	})

	srv := New(ctx, "127.0.0.1", 0, token, mgr, comm, prober, diagRunner,
		filepath.Join(dir, "maintenance.conf"), discardLogger())
	return srv, diagRunner
}

func doRequest(t *testing.T, srv *Server, token, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var req *http.Request
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		req = httptest.NewRequest(method, path, bytes.NewReader(data))
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	srv.Handler.ServeHTTP(rec, req)
	return rec
}

func TestAuthMiddlewareRejectsMissingAndWrongToken(t *testing.T) {
	srv, _ := newTestServer(t, "correct-token")

	rec := doRequest(t, srv, "", http.MethodGet, "/api/v1/peers", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = doRequest(t, srv, "wrong-token", http.MethodGet, "/api/v1/peers", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = doRequest(t, srv, "correct-token", http.MethodGet, "/api/v1/peers", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestAuthMiddlewareFailsClosedWhenTokenUnconfigured(t *testing.T) {
	srv, _ := newTestServer(t, "")
	rec := doRequest(t, srv, "anything", http.MethodGet, "/api/v1/peers", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestBlacklistAddListRemove(t *testing.T) {
	srv, _ := newTestServer(t, "tok")

	rec := doRequest(t, srv, "tok", http.MethodPost, "/api/v1/blacklist", blacklistRequest{ASN: 4242420099})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doRequest(t, srv, "tok", http.MethodGet, "/api/v1/blacklist", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var got struct {
		Result string `json:"result"`
		Blacklist []uint32 `json:"blacklist"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Contains(t, got.Blacklist, uint32(4242420099))

	rec = doRequest(t, srv, "tok", http.MethodDelete, "/api/v1/blacklist/4242420099", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doRequest(t, srv, "tok", http.MethodGet, "/api/v1/blacklist", nil)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.NotContains(t, got.Blacklist, uint32(4242420099))
}

func TestProbeControlAddRemove(t *testing.T) {
	srv, _ := newTestServer(t, "tok")

	rec := doRequest(t, srv, "tok", http.MethodPost, "/api/v1/probes", probeRequest{ASN: 4242420337, Endpoint: "198.51.100.7"})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doRequest(t, srv, "tok", http.MethodDelete, "/api/v1/probes/4242420337", nil)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestMaintenanceStartWritesFlagAndTriggersReload(t *testing.T) {
	srv, _ := newTestServer(t, "tok")
	rec := doRequest(t, srv, "tok", http.MethodPost, "/api/v1/maintenance/start", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	data, err := os.ReadFile(srv.maintenanceFlagPath)
	require.NoError(t, err)
	assert.Equal(t, maintenanceFlagOn, string(data))
}

func TestDiagnosticsPingReturnsStdout(t *testing.T) {
	srv, diagRunner := newTestServer(t, "tok")
	diagRunner.Responses["ping -c 4 -W 2 198.51.100.7"] = execctl.FakeResponse{Stdout: "4 packets transmitted"}

	rec := doRequest(t, srv, "tok", http.MethodPost, "/api/v1/diag/ping", diagRequest{Target: "198.51.100.7"})
	require.Equal(t, http.StatusOK, rec.Code)
	var got struct {
		Result string `json:"result"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Contains(t, got.Result, "4 packets transmitted")
}

func TestCommunitiesSetAndGetPeer(t *testing.T) {
	srv, _ := newTestServer(t, "tok")

	settings := model.PeerCommunitySettings{Bandwidth: model.Bandwidth1g, Region: "eu"}
	rec := doRequest(t, srv, "tok", http.MethodPut, "/api/v1/communities/peers/4242420337", settings)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doRequest(t, srv, "tok", http.MethodGet, "/api/v1/communities/peers/4242420337", nil)
	require.Equal(t, http.StatusOK, rec.Code)
}
