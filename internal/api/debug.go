package api

import (
	"net/http"
	"time"

	"fieldroute/internal/buildinfo"
)

// DebugConfigHandler reports the build and the effective configuration
// with secrets reduced to presence flags.
func (s *Server) DebugConfigHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"build":  buildinfo.Get(),
		"time":   time.Now().UTC().Format(time.RFC3339),
		"config": s.Config.Public(),
	})
}
