package api

import "net/http"

func (s *Server) handleGetBlacklist(w http.ResponseWriter, r *http.Request) {
	writeResult(w, "list", map[string]any{"blacklist": s.comm.Blacklist()})
}

type blacklistRequest struct {
	ASN uint32 `json:"asn"`
}

func (s *Server) handleAddBlacklist(w http.ResponseWriter, r *http.Request) {
	var req blacklistRequest
	if err := decodeJSON(r, &req); err != nil || req.ASN == 0 {
		writeError(w, http.StatusBadRequest, "missing asn")
		return
	}
	s.comm.AddBlacklist(req.ASN)
	writeResult(w, "added", map[string]any{"asn": req.ASN})
}

func (s *Server) handleRemoveBlacklist(w http.ResponseWriter, r *http.Request) {
	asn, ok := parseASN(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid asn")
		return
	}
	s.comm.RemoveBlacklist(asn)
	writeResult(w, "removed", map[string]any{"asn": asn})
}
