package api

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/revolutionized-iot2/riot2-node/internal/bridge"
	"github.com/revolutionized-iot2/riot2-node/internal/configsync"
	"github.com/revolutionized-iot2/riot2-node/internal/device"
	"github.com/revolutionized-iot2/riot2-node/internal/infrastructure/config"
	"github.com/revolutionized-iot2/riot2-node/internal/infrastructure/influxdb"
	"github.com/revolutionized-iot2/riot2-node/internal/infrastructure/logging"
	"github.com/revolutionized-iot2/riot2-node/internal/plugin"
)

// gracefulShutdownTimeout is the maximum time to wait for in-flight requests
// to complete during shutdown.
const gracefulShutdownTimeout = 10 * time.Second

// eventBuffer is the registry subscription buffer of the event relay.
const eventBuffer = 256

// Registry is the part of the device registry the API reads.
// *device.Registry satisfies it.
type Registry interface {
	Statuses() []device.Status
	Templates(ctx context.Context) []device.Configuration
	Subscribe(buffer int) (<-chan device.Event, func())
	Len() int
}

// Node provides the node identity and plugin manifest.
// *configsync.Service satisfies it.
type Node interface {
	Configuration() configsync.NodeConfiguration
	Manifest() *configsync.PluginManifest
}

// BusStatus reports the MQTT bridge state. *bridge.Bridge satisfies it.
type BusStatus interface {
	IsConnected() bool
	Stats() bridge.Stats
}

// SinkStats reports the optional report sink's counters.
// *influxdb.Client satisfies it.
type SinkStats interface {
	Stats() influxdb.Stats
}

// Deps holds the dependencies required by the API server.
type Deps struct {
	Config   config.APIConfig
	WS       config.WebSocketConfig
	Logger   *logging.Logger
	Registry Registry
	Node     Node
	Routes   *plugin.RouteTable // plugin routes; may be nil
	Bus      BusStatus          // may be nil until the bridge is started
	DB       *sql.DB            // for pool statistics; may be nil
	Sink     SinkStats          // report sink; may be nil
	Version  string
}

// Server is the node's HTTP API server.
//
// It manages the HTTP listener, routes, middleware, and the WebSocket
// event hub. The server is created with New() and started with Start().
type Server struct {
	cfg       config.APIConfig
	wsCfg     config.WebSocketConfig
	logger    *logging.Logger
	registry  Registry
	node      Node
	routes    *plugin.RouteTable
	db        *sql.DB
	sink      SinkStats
	version   string
	startTime time.Time

	busMu sync.RWMutex
	bus   BusStatus

	server   *http.Server
	listener net.Listener
	hub      *Hub
	cancel   context.CancelFunc // cancels background goroutines on Close()
	wg       sync.WaitGroup
}

// New creates a new API server with the given dependencies.
//
// The server is not started until Start() is called.
//
// Parameters:
//   - deps: Required dependencies (logger, registry, node)
//
// Returns:
//   - *Server: Configured server ready to start
//   - error: If required dependencies are missing
func New(deps Deps) (*Server, error) {
	if deps.Logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	if deps.Registry == nil {
		return nil, fmt.Errorf("device registry is required")
	}
	if deps.Node == nil {
		return nil, fmt.Errorf("node configuration is required")
	}

	return &Server{
		cfg:       deps.Config,
		wsCfg:     deps.WS,
		logger:    deps.Logger,
		registry:  deps.Registry,
		node:      deps.Node,
		routes:    deps.Routes,
		bus:       deps.Bus,
		db:        deps.DB,
		sink:      deps.Sink,
		version:   deps.Version,
		startTime: time.Now(),
		hub:       NewHub(deps.WS, deps.Logger),
	}, nil
}

// SetBus sets the bridge reported by the health and metrics endpoints.
// The bridge is started after the API, so it is attached late.
func (s *Server) SetBus(bus BusStatus) {
	s.busMu.Lock()
	defer s.busMu.Unlock()
	s.bus = bus
}

func (s *Server) busStatus() BusStatus {
	s.busMu.RLock()
	defer s.busMu.RUnlock()
	return s.bus
}

// Handler returns the router with all routes and middleware.
func (s *Server) Handler() http.Handler {
	return s.buildRouter()
}

// Start begins listening for HTTP connections.
//
// It starts the WebSocket hub, relays registry events to it and launches
// the HTTP listener in a background goroutine. The listen address is
// bound before Start returns. The server can be stopped with Close().
//
// Parameters:
//   - ctx: Parent of the background goroutines' context
//
// Returns:
//   - error: If the server fails to start (port in use, etc.)
func (s *Server) Start(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", addr, err)
	}

	// Create internal context so Close() can stop background goroutines
	// independently of the parent context.
	var srvCtx context.Context
	srvCtx, s.cancel = context.WithCancel(ctx)

	s.wg.Add(2)
	go func() {
		defer s.wg.Done()
		s.hub.Run(srvCtx)
	}()
	go func() {
		defer s.wg.Done()
		s.relayEvents(srvCtx)
	}()

	s.server = &http.Server{
		Handler:           s.buildRouter(),
		ReadTimeout:       time.Duration(s.cfg.Timeouts.Read) * time.Second,
		ReadHeaderTimeout: time.Duration(s.cfg.Timeouts.Read) * time.Second,
		WriteTimeout:      time.Duration(s.cfg.Timeouts.Write) * time.Second,
		IdleTimeout:       time.Duration(s.cfg.Timeouts.Idle) * time.Second,
	}

	s.listener = ln
	s.logger.Info("API server starting", "address", ln.Addr().String())
	go func() {
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("API server error", "error", err)
		}
	}()

	return nil
}

// Addr returns the bound listen address, or "" before Start.
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Close gracefully shuts down the API server.
//
// It waits up to 10 seconds for in-flight requests to complete,
// then forcefully closes remaining connections.
//
// Returns:
//   - error: If shutdown encounters an error
func (s *Server) Close() error {
	if s.server == nil {
		return nil
	}

	// Cancel background goroutines (hub, event relay)
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()

	ctx, cancel := context.WithTimeout(context.Background(), gracefulShutdownTimeout)
	defer cancel()

	s.logger.Info("API server shutting down")
	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutting down API server: %w", err)
	}
	return nil
}
