package api

import (
	"net/http"

	"github.com/dn42fabric/fabric-agent/internal/community"
	"github.com/dn42fabric/fabric-agent/internal/model"
)

func (s *Server) handleGetPeerCommunity(w http.ResponseWriter, r *http.Request) {
	asn, ok := parseASN(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid asn")
		return
	}
	settings, found := s.comm.PeerSettings(asn)
	if !found {
		writeError(w, http.StatusNotFound, "no settings recorded for peer")
		return
	}
	writeResult(w, "get", map[string]any{"peer": settings})
}

func (s *Server) handleSetPeerCommunity(w http.ResponseWriter, r *http.Request) {
	asn, ok := parseASN(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid asn")
		return
	}
	var settings model.PeerCommunitySettings
	if err := decodeJSON(r, &settings); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}
	settings.ASN = asn
	s.comm.SetPeerSettings(settings)
	writeResult(w, "set", map[string]any{"peer": settings})
}

func (s *Server) handleListFilterRules(w http.ResponseWriter, r *http.Request) {
	writeResult(w, "list", map[string]any{"rules": s.comm.FilterRules()})
}

func (s *Server) handleAddFilterRule(w http.ResponseWriter, r *http.Request) {
	var rule community.FilterRule
	if err := decodeJSON(r, &rule); err != nil || rule.Name == "" {
		writeError(w, http.StatusBadRequest, "invalid rule")
		return
	}
	s.comm.AddFilterRule(rule)
	writeResult(w, "added", map[string]any{"rule": rule})
}

func (s *Server) handleDeleteFilterRule(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	if !s.comm.DeleteFilterRule(name) {
		writeError(w, http.StatusNotFound, "no such rule")
		return
	}
	writeResult(w, "deleted", map[string]any{"name": name})
}

type classifyRequest struct {
	Prefix      string                   `json:"prefix"`
	ASPath      []int                    `json:"as_path"`
	Communities []community.LargeCommunity `json:"communities"`
}

func (s *Server) handleClassifyRoute(w http.ResponseWriter, r *http.Request) {
	var req classifyRequest
	if err := decodeJSON(r, &req); err != nil || req.Prefix == "" {
		writeError(w, http.StatusBadRequest, "missing prefix")
		return
	}
	rc := community.Classify(req.Prefix, req.ASPath, req.Communities)
	writeResult(w, "classify", map[string]any{"route": rc})
}
