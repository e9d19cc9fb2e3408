package api

import (
	"context"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/dn42fabric/fabric-agent/internal/execctl"
)

// diagTimeout bounds every diagnostic subprocess invocation (spec.md §5:
// "every subprocess has a wall-clock timeout").
const diagTimeout = 10 * time.Second

type diagRequest struct {
	Target string `json:"target"`
}

// runDiagnostic shells out to name with args, returning stdout on success
// or the "Timeout" sentinel on a deadline exceeded (spec.md §4.10(i)).
func (s *Server) runDiagnostic(w http.ResponseWriter, r *http.Request, name string, args []string) {
	ctx, cancel := context.WithTimeout(r.Context(), diagTimeout)
	defer cancel()

	stdout, _, err := execctl.Run(ctx, s.runner, name, args...)
	if ctx.Err() != nil {
		writeResult(w, "Timeout", nil)
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeResult(w, stdout, nil)
}

func (s *Server) handlePing(w http.ResponseWriter, r *http.Request) {
	var req diagRequest
	if err := decodeJSON(r, &req); err != nil || req.Target == "" {
		writeError(w, http.StatusBadRequest, "missing target")
		return
	}
	s.runDiagnostic(w, r, "ping", []string{"-c", "4", "-W", "2", req.Target})
}

func (s *Server) handleTraceroute(w http.ResponseWriter, r *http.Request) {
	var req diagRequest
	if err := decodeJSON(r, &req); err != nil || req.Target == "" {
		writeError(w, http.StatusBadRequest, "missing target")
		return
	}
	s.runDiagnostic(w, r, "traceroute", []string{"-w", "2", "-q", "1", req.Target})
}

func (s *Server) handleTCPing(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Target string `json:"target"`
		Port   int    `json:"port"`
	}
	if err := decodeJSON(r, &req); err != nil || req.Target == "" || req.Port == 0 {
		writeError(w, http.StatusBadRequest, "missing target or port")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), diagTimeout)
	defer cancel()

	dialer := net.Dialer{}
	conn, err := dialer.DialContext(ctx, "tcp", net.JoinHostPort(req.Target, strconv.Itoa(req.Port)))
	if ctx.Err() != nil {
		writeResult(w, "Timeout", nil)
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	conn.Close()
	writeResult(w, "open", nil)
}

func (s *Server) handleRouteLookup(w http.ResponseWriter, r *http.Request) {
	var req diagRequest
	if err := decodeJSON(r, &req); err != nil || req.Target == "" {
		writeError(w, http.StatusBadRequest, "missing target")
		return
	}
	s.runDiagnostic(w, r, "ip", []string{"route", "get", req.Target})
}
