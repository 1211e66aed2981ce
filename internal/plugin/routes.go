package plugin

import (
	"net/http"
	"sort"
	"sync"
)

// MountPrefix is where package routes are served.
const MountPrefix = "/api/plugins/"

// MountPath returns the mount point of a package's routes.
func MountPath(pkg string) string {
	return MountPrefix + pkg
}

// Route is one HTTP route a plugin registered.
type Route struct {
	Method  string
	Pattern string
	Handler http.Handler
}

// RouteTable holds the routes of successfully loaded packages, keyed by
// package name. The API mounts each package under /api/plugins/{package}.
type RouteTable struct {
	mu     sync.RWMutex
	routes map[string][]Route
}

// NewRouteTable creates an empty table.
func NewRouteTable() *RouteTable {
	return &RouteTable{routes: make(map[string][]Route)}
}

// Packages returns the names of packages with at least one route, sorted.
func (t *RouteTable) Packages() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	names := make([]string, 0, len(t.routes))
	for name := range t.routes {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Routes returns a package's routes in registration order.
func (t *RouteTable) Routes(pkg string) []Route {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]Route, len(t.routes[pkg]))
	copy(out, t.routes[pkg])
	return out
}

// Len returns the total number of routes.
func (t *RouteTable) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	n := 0
	for _, rs := range t.routes {
		n += len(rs)
	}
	return n
}

func (t *RouteTable) commit(pkg string, routes []Route) {
	if len(routes) == 0 {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.routes[pkg] = append(t.routes[pkg], routes...)
}

// stagedRegistrar collects one package's routes until the package has
// loaded completely.
type stagedRegistrar struct {
	mu     sync.Mutex
	routes []Route
}

func (s *stagedRegistrar) Handle(method, pattern string, h http.Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.routes = append(s.routes, Route{Method: method, Pattern: pattern, Handler: h})
}

func (s *stagedRegistrar) staged() []Route {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.routes
}
