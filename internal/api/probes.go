package api

import "net/http"

type probeRequest struct {
	ASN      uint32 `json:"asn"`
	Endpoint string `json:"endpoint"`
}

func (s *Server) handleAddProbe(w http.ResponseWriter, r *http.Request) {
	var req probeRequest
	if err := decodeJSON(r, &req); err != nil || req.ASN == 0 || req.Endpoint == "" {
		writeError(w, http.StatusBadRequest, "missing asn or endpoint")
		return
	}
	s.prober.AddPeer(req.ASN, req.Endpoint)
	writeResult(w, "added", map[string]any{"asn": req.ASN})
}

func (s *Server) handleRemoveProbe(w http.ResponseWriter, r *http.Request) {
	asn, ok := parseASN(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid asn")
		return
	}
	s.prober.RemovePeer(asn)
	writeResult(w, "removed", map[string]any{"asn": asn})
}

// handleForceProbe triggers an out-of-band probe round, synchronously
// (spec.md §4.10(vi): "force-probe").
func (s *Server) handleForceProbe(w http.ResponseWriter, r *http.Request) {
	s.prober.RunOnce(r.Context())
	writeResult(w, "probed", nil)
}
