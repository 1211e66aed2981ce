package api

import (
	"net/http"
)

// handleNodeManifest returns the node configuration without credentials.
func (s *Server) handleNodeManifest(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.node.Configuration().Redacted())
}

// handlePluginManifest returns the installed plugin package manifest.
func (s *Server) handlePluginManifest(w http.ResponseWriter, r *http.Request) {
	m := s.node.Manifest()
	if m == nil {
		writeError(w, r, http.StatusNotFound, ErrCodeNotFound, "no plugin package installed")
		return
	}
	writeJSON(w, http.StatusOK, m)
}
