package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/revolutionized-iot2/riot2-node/internal/plugin"
)

// buildRouter creates the HTTP router with all routes and middleware.
func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()

	r.Use(s.middlewares()...)
	r.NotFound(handleNotFound)
	r.MethodNotAllowed(handleMethodNotAllowed)

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", s.handleHealth)

		r.Route("/device", func(r chi.Router) {
			r.Get("/status", s.handleDeviceStatus)
			r.Get("/configuration/templates", s.handleConfigurationTemplates)
		})

		r.Route("/node", func(r chi.Router) {
			r.Get("/manifest", s.handleNodeManifest)
			r.Get("/plugin/manifest", s.handlePluginManifest)
			r.Get("/metrics", s.handleMetrics)
		})
	})

	// Event stream; the path is configurable
	r.Get(s.eventsPath(), s.handleWebSocket)

	s.mountPluginRoutes(r)

	return r
}

// mountPluginRoutes serves each loaded package's routes below
// /api/plugins/{package}. Handlers see the full request path.
func (s *Server) mountPluginRoutes(r chi.Router) {
	if s.routes == nil {
		return
	}
	for _, pkg := range s.routes.Packages() {
		for _, route := range s.routes.Routes(pkg) {
			pattern := plugin.MountPath(pkg) + route.Pattern
			if !knownMethod(route.Method) {
				s.logger.Warn("plugin route with unsupported method skipped",
					"package", pkg, "method", route.Method, "pattern", pattern)
				continue
			}
			r.Method(route.Method, pattern, route.Handler)
			s.logger.Debug("plugin route mounted", "package", pkg, "method", route.Method, "pattern", pattern)
		}
	}
}

func (s *Server) eventsPath() string {
	if s.wsCfg.Path != "" {
		return s.wsCfg.Path
	}
	return defaultEventsPath
}

// handleHealth returns the server health status. It answers 200 while the
// process is responsive; a disconnected bus only degrades the status.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	status := "ok"
	connected := false
	if bus := s.busStatus(); bus != nil {
		connected = bus.IsConnected()
	}
	if !connected {
		status = "degraded"
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":        status,
		"version":       s.version,
		"mqtt":          connected,
		"devices":       s.registry.Len(),
		"uptimeSeconds": int64(time.Since(s.startTime).Seconds()),
	})
}

// knownMethod reports whether chi routes the method without registration.
func knownMethod(m string) bool {
	switch m {
	case http.MethodGet, http.MethodHead, http.MethodPost, http.MethodPut, http.MethodPatch,
		http.MethodDelete, http.MethodOptions, http.MethodConnect, http.MethodTrace:
		return true
	}
	return false
}
