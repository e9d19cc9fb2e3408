package api

import (
	"net/http"
	"os"
)

// maintenanceFlagOn and maintenanceFlagOff are the single-line policy
// fragments the routing daemon config includes: a boolean `define` the
// export filter tests to decide whether to attach a "graceful shutdown"
// community to every route (spec.md §4.10(vii)).
const (
	maintenanceFlagOn  = "define MAINTENANCE_MODE = true;\n"
	maintenanceFlagOff = "define MAINTENANCE_MODE = false;\n"
)

func (s *Server) writeMaintenanceFlag(content string) error {
	return os.WriteFile(s.maintenanceFlagPath, []byte(content), 0o644)
}

func (s *Server) handleMaintenanceStart(w http.ResponseWriter, r *http.Request) {
	if err := s.writeMaintenanceFlag(maintenanceFlagOn); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.mgr.Reloader().Reload()
	writeResult(w, "started", nil)
}

func (s *Server) handleMaintenanceStop(w http.ResponseWriter, r *http.Request) {
	if err := s.writeMaintenanceFlag(maintenanceFlagOff); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.mgr.Reloader().Reload()
	writeResult(w, "stopped", nil)
}
