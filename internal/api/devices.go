package api

import (
	"net/http"
)

// handleDeviceStatus lists the status of every device that has left the
// Unknown state, in registry order.
func (s *Server) handleDeviceStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.registry.Statuses())
}

// handleConfigurationTemplates lists one configuration template per device.
// Devices without a template of their own get a synthesized default.
func (s *Server) handleConfigurationTemplates(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.registry.Templates(r.Context()))
}
