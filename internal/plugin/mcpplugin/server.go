package mcpplugin

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/revolutionized-iot2/riot2-node/internal/device"
	"github.com/revolutionized-iot2/riot2-node/internal/plugin"
)

var (
	errUnknownEntry  = errors.New("unknown entry")
	errUnknownDevice = errors.New("unknown device")
	errUnsupported   = errors.New("operation not supported by device")
)

// Server exposes plugin entries as an MCP server. It runs inside the
// plugin process; the node talks to it through Opener.
type Server struct {
	name    string
	version string
	mcp     *server.MCPServer

	entries []plugin.Entry

	mu      sync.RWMutex
	routers map[string]chi.Router
	devices map[string]device.Driver
}

// NewServer creates a Server for the given entries.
func NewServer(name, version string, entries ...plugin.Entry) *Server {
	s := &Server{
		name:    name,
		version: version,
		mcp:     server.NewMCPServer(name, version, server.WithToolCapabilities(false)),
		entries: entries,
		routers: make(map[string]chi.Router),
		devices: make(map[string]device.Driver),
	}
	s.registerTools()
	return s
}

// MCPServer returns the underlying MCP server.
func (s *Server) MCPServer() *server.MCPServer {
	return s.mcp
}

// Serve runs s over stdin and stdout until the node closes the pipe.
func Serve(s *Server) error {
	return server.ServeStdio(s.mcp)
}

func (s *Server) registerTools() {
	s.mcp.AddTool(mcp.NewTool(ToolDescribe,
		mcp.WithDescription("Describe the plugin package and its entries"),
	), s.handleDescribe)

	s.mcp.AddTool(mcp.NewTool(ToolInitialize,
		mcp.WithDescription("Initialise one entry and list its routes and devices"),
		mcp.WithString("entry", mcp.Required()),
	), s.handleInitialize)

	s.mcp.AddTool(mcp.NewTool(ToolHTTP,
		mcp.WithDescription("Serve one HTTP request on an entry's routes"),
		mcp.WithString("entry", mcp.Required()),
		mcp.WithString("method", mcp.Required()),
		mcp.WithString("path", mcp.Required()),
	), s.handleHTTP)

	deviceTool := func(name, desc string, extra ...mcp.ToolOption) mcp.Tool {
		opts := append([]mcp.ToolOption{
			mcp.WithDescription(desc),
			mcp.WithString("device", mcp.Required()),
		}, extra...)
		return mcp.NewTool(name, opts...)
	}

	s.mcp.AddTool(deviceTool(ToolStart, "Start a device"), s.handleStart)
	s.mcp.AddTool(deviceTool(ToolStop, "Stop a device"), s.handleStop)
	s.mcp.AddTool(deviceTool(ToolConfigure, "Apply a configuration to a device",
		mcp.WithObject("configuration", mcp.Required()),
	), s.handleConfigure)
	s.mcp.AddTool(deviceTool(ToolRefresh, "Refresh a report device"), s.handleRefresh)
	s.mcp.AddTool(deviceTool(ToolExecute, "Execute a command on a device",
		mcp.WithObject("command", mcp.Required()),
	), s.handleExecute)
	s.mcp.AddTool(deviceTool(ToolTemplate, "Describe a device's configuration template"), s.handleTemplate)
}

// =============================================================================
// Package tools
// =============================================================================

func (s *Server) handleDescribe(_ context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	res := describeResult{Name: s.name, Version: s.version}
	for _, e := range s.entries {
		res.Entries = append(res.Entries, e.Name())
	}
	return mcp.NewToolResultJSON(res)
}

func (s *Server) handleInitialize(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var args entryArgs
	if err := req.BindArguments(&args); err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	entry := s.entry(args.Entry)
	if entry == nil {
		return mcp.NewToolResultError(fmt.Sprintf("%v: %s", errUnknownEntry, args.Entry)), nil
	}

	reg := &routeRecorder{router: chi.NewRouter()}
	if err := entry.Initialize(ctx, reg); err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	res := initializeResult{Routes: reg.routes}
	s.mu.Lock()
	s.routers[entry.Name()] = reg.router
	for _, d := range entry.Devices() {
		s.devices[d.ID()] = d
		res.Devices = append(res.Devices, deviceDesc{
			ID:           d.ID(),
			Name:         d.Name(),
			Class:        d.Class(),
			Capabilities: implemented(d),
		})
	}
	s.mu.Unlock()

	return mcp.NewToolResultJSON(res)
}

func (s *Server) handleHTTP(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var args httpArgs
	if err := req.BindArguments(&args); err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	s.mu.RLock()
	router, ok := s.routers[args.Entry]
	s.mu.RUnlock()
	if !ok {
		return mcp.NewToolResultError(fmt.Sprintf("%v: %s", errUnknownEntry, args.Entry)), nil
	}

	target := args.Path
	if args.Query != "" {
		target += "?" + args.Query
	}
	r := httptest.NewRequestWithContext(ctx, args.Method, target, bytes.NewReader(args.Body))
	for k, vs := range args.Header {
		for _, v := range vs {
			r.Header.Add(k, v)
		}
	}

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, r)

	return mcp.NewToolResultJSON(httpResult{
		Status: rec.Code,
		Header: rec.Header(),
		Body:   rec.Body.Bytes(),
	})
}

// =============================================================================
// Device tools
// =============================================================================

func (s *Server) handleStart(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return s.withDevice(req, func(d device.Driver, _ deviceArgs) (any, error) {
		if err := d.Start(ctx); err != nil {
			return nil, err
		}
		return stateResult{Message: message(d)}, nil
	})
}

func (s *Server) handleStop(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return s.withDevice(req, func(d device.Driver, _ deviceArgs) (any, error) {
		if err := d.Stop(ctx); err != nil {
			return nil, err
		}
		return stateResult{Message: message(d)}, nil
	})
}

func (s *Server) handleConfigure(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return s.withDevice(req, func(d device.Driver, args deviceArgs) (any, error) {
		c, ok := d.(device.Configurable)
		if !ok || args.Configuration == nil {
			return nil, errUnsupported
		}
		if err := c.Configure(ctx, *args.Configuration); err != nil {
			return nil, err
		}
		return stateResult{Message: message(d)}, nil
	})
}

func (s *Server) handleRefresh(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return s.withDevice(req, func(d device.Driver, _ deviceArgs) (any, error) {
		r, ok := d.(device.Refresher)
		if !ok {
			return nil, errUnsupported
		}
		reports, err := r.Refresh(ctx)
		if err != nil {
			return nil, err
		}
		return refreshResult{Reports: reports, Message: message(d)}, nil
	})
}

func (s *Server) handleExecute(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return s.withDevice(req, func(d device.Driver, args deviceArgs) (any, error) {
		c, ok := d.(device.Commander)
		if !ok || args.Command == nil {
			return nil, errUnsupported
		}
		if err := c.Execute(ctx, *args.Command); err != nil {
			return nil, err
		}
		return stateResult{Message: message(d)}, nil
	})
}

func (s *Server) handleTemplate(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return s.withDevice(req, func(d device.Driver, _ deviceArgs) (any, error) {
		t, ok := d.(device.TemplateProvider)
		if !ok {
			return nil, errUnsupported
		}
		return t.ConfigurationTemplate(ctx)
	})
}

// withDevice resolves the device argument, runs fn and converts its
// outcome into a tool result. Driver errors become tool errors, never
// protocol errors, so the node sees them as failed device calls.
func (s *Server) withDevice(req mcp.CallToolRequest, fn func(device.Driver, deviceArgs) (any, error)) (res *mcp.CallToolResult, err error) {
	var args deviceArgs
	if err := req.BindArguments(&args); err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	s.mu.RLock()
	d, ok := s.devices[args.Device]
	s.mu.RUnlock()
	if !ok {
		return mcp.NewToolResultError(fmt.Sprintf("%v: %s", errUnknownDevice, args.Device)), nil
	}

	defer func() {
		if p := recover(); p != nil {
			res, err = mcp.NewToolResultError(fmt.Sprintf("panic in %s: %v", req.Params.Name, p)), nil
		}
	}()

	out, ferr := fn(d, args)
	if ferr != nil {
		return mcp.NewToolResultError(ferr.Error()), nil
	}
	return mcp.NewToolResultJSON(out)
}

func (s *Server) entry(name string) plugin.Entry {
	for _, e := range s.entries {
		if e.Name() == name {
			return e
		}
	}
	return nil
}

// routeRecorder registers entry routes on a local router and remembers
// them so the node can mount matching proxies.
type routeRecorder struct {
	router chi.Router
	routes []routeDesc
}

func (r *routeRecorder) Handle(method, pattern string, h http.Handler) {
	r.router.Method(method, pattern, h)
	r.routes = append(r.routes, routeDesc{Method: method, Pattern: pattern})
}

// implemented returns the capabilities a driver's method set provides,
// narrowed by its own declaration.
func implemented(d device.Driver) device.Capabilities {
	var cs device.Capabilities
	if _, ok := d.(device.Refresher); ok {
		cs = cs.With(device.CapReport)
	}
	if _, ok := d.(device.Commander); ok {
		cs = cs.With(device.CapCommand)
	}
	if _, ok := d.(device.TemplateProvider); ok {
		cs = cs.With(device.CapTemplate)
	}
	if _, ok := d.(device.Configurable); ok {
		cs = cs.With(device.CapConfigure)
	}
	if decl, ok := d.(device.CapabilityDeclarer); ok {
		cs = device.Capabilities(device.Capability(cs) & device.Capability(decl.Capabilities()))
	}
	return cs
}

func message(d device.Driver) string {
	if m, ok := d.(device.StateMessenger); ok {
		return m.StateMessage()
	}
	return ""
}
