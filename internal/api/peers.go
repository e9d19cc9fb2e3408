package api

import (
	"net/http"
	"strconv"
)

func parseASN(r *http.Request) (uint32, bool) {
	asn, err := strconv.ParseUint(r.PathValue("asn"), 10, 32)
	if err != nil {
		return 0, false
	}
	return uint32(asn), true
}

func (s *Server) handleListPeers(w http.ResponseWriter, r *http.Request) {
	peers, err := s.mgr.ListPeers()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeResult(w, "list", map[string]any{"peers": peers})
}

// handleRestartPeer implements spec.md §4.10(ii): the restart sequence is
// BGP down, tunnel down, tunnel up, BGP up, never reversed.
func (s *Server) handleRestartPeer(w http.ResponseWriter, r *http.Request) {
	asn, ok := parseASN(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid asn")
		return
	}
	if err := s.mgr.RestartPeer(r.Context(), asn); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeResult(w, "restarted", map[string]any{"asn": asn})
}
