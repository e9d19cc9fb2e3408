// Package api implements the operator HTTP surface (spec.md §4.10 and §6):
// a single bearer-token-guarded listener exposing diagnostics, peer
// management, statistics, blacklist, communities, probe-control, and
// maintenance-mode endpoints. The server shape — a *http.Server wrapped in
// a small struct that New builds from positional parameters, driven by an
// *http.ServeMux — is grounded on doublezerod's internal/api.ApiServer;
// unlike that server this one listens on TCP, not a unix socket, per
// spec.md §6 ("single TCP listener").
package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/dn42fabric/fabric-agent/internal/community"
	"github.com/dn42fabric/fabric-agent/internal/execctl"
	"github.com/dn42fabric/fabric-agent/internal/manager"
	"github.com/dn42fabric/fabric-agent/internal/probing"
)

// Server is the operator HTTP surface.
type Server struct {
	*http.Server

	mgr    *manager.Manager
	comm   *community.Manager
	prober *probing.Prober
	runner execctl.Runner
	logger *slog.Logger
	token  string

	maintenanceFlagPath string
}

// New constructs a Server. token is compared by exact string equality
// against every request's bearer token (spec.md §6).
func New(
	ctx context.Context,
	host string,
	port int,
	token string,
	mgr *manager.Manager,
	comm *community.Manager,
	prober *probing.Prober,
	runner execctl.Runner,
	maintenanceFlagPath string,
	logger *slog.Logger,
) *Server {
	s := &Server{
		mgr:                 mgr,
		comm:                comm,
		prober:              prober,
		runner:              runner,
		logger:              logger,
		token:               token,
		maintenanceFlagPath: maintenanceFlagPath,
	}

	mux := http.NewServeMux()
	s.registerRoutes(mux)

	s.Server = &http.Server{
		Addr:        net.JoinHostPort(host, strconv.Itoa(port)),
		Handler:     s.authMiddleware(mux),
		BaseContext: func(net.Listener) context.Context { return ctx },
	}
	return s
}

// authMiddleware rejects every request whose bearer token does not match
// exactly, per spec.md §4.10 ("404/401 on token mismatch, plaintext-only
// otherwise"). A configured empty token disables the server entirely
// (fails closed) rather than accepting everything.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	const prefix = "Bearer "
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.token == "" {
			http.NotFound(w, r)
			return
		}
		auth := r.Header.Get("Authorization")
		if len(auth) <= len(prefix) || auth[:len(prefix)] != prefix || auth[len(prefix):] != s.token {
			s.logger.Warn("operator API auth rejected", "path", r.URL.Path, "remote", r.RemoteAddr)
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) registerRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/v1/diag/ping", s.handlePing)
	mux.HandleFunc("POST /api/v1/diag/traceroute", s.handleTraceroute)
	mux.HandleFunc("POST /api/v1/diag/tcping", s.handleTCPing)
	mux.HandleFunc("POST /api/v1/diag/route-lookup", s.handleRouteLookup)

	mux.HandleFunc("GET /api/v1/peers", s.handleListPeers)
	mux.HandleFunc("POST /api/v1/peers/{asn}/restart", s.handleRestartPeer)

	mux.HandleFunc("GET /api/v1/stats", s.handleNodeStatistics)
	mux.HandleFunc("GET /api/v1/stats/peers/{asn}", s.handlePeerStatistics)

	mux.HandleFunc("GET /api/v1/blacklist", s.handleGetBlacklist)
	mux.HandleFunc("POST /api/v1/blacklist", s.handleAddBlacklist)
	mux.HandleFunc("DELETE /api/v1/blacklist/{asn}", s.handleRemoveBlacklist)

	mux.HandleFunc("GET /api/v1/communities/peers/{asn}", s.handleGetPeerCommunity)
	mux.HandleFunc("PUT /api/v1/communities/peers/{asn}", s.handleSetPeerCommunity)
	mux.HandleFunc("GET /api/v1/communities/filters", s.handleListFilterRules)
	mux.HandleFunc("POST /api/v1/communities/filters", s.handleAddFilterRule)
	mux.HandleFunc("DELETE /api/v1/communities/filters/{name}", s.handleDeleteFilterRule)
	mux.HandleFunc("POST /api/v1/communities/classify", s.handleClassifyRoute)

	mux.HandleFunc("POST /api/v1/probes", s.handleAddProbe)
	mux.HandleFunc("DELETE /api/v1/probes/{asn}", s.handleRemoveProbe)
	mux.HandleFunc("POST /api/v1/probes/force", s.handleForceProbe)

	mux.HandleFunc("POST /api/v1/maintenance/start", s.handleMaintenanceStart)
	mux.HandleFunc("POST /api/v1/maintenance/stop", s.handleMaintenanceStop)

	mux.Handle("GET /metrics", promhttp.Handler())
}

// writeResult writes a successful JSON response, {"result": verb|text, ...}
// per spec.md §6, merging any extra fields supplied.
func writeResult(w http.ResponseWriter, result any, extra map[string]any) {
	w.Header().Set("Content-Type", "application/json")
	body := map[string]any{"result": result}
	for k, v := range extra {
		body[k] = v
	}
	json.NewEncoder(w).Encode(body)
}

// writeError writes {"error": msg} at the given status code.
func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

func decodeJSON(r *http.Request, out any) error {
	defer r.Body.Close()
	return json.NewDecoder(r.Body).Decode(out)
}
