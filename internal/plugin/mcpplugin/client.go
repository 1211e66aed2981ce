package mcpplugin

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/revolutionized-iot2/riot2-node/internal/device"
	"github.com/revolutionized-iot2/riot2-node/internal/plugin"
)

const (
	// clientName identifies the node in the MCP initialize handshake.
	clientName = "riot2-node"

	// closeTimeout bounds waiting for a plugin process to exit.
	closeTimeout = 5 * time.Second

	// maxProxyBody limits request bodies forwarded to a plugin.
	maxProxyBody = 1 << 20
)

// ErrNotExecutable is returned for package files without an execute bit.
var ErrNotExecutable = errors.New("mcpplugin: package file is not executable")

// Logger defines the logging interface used by this package.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// OpenerOptions configures an Opener.
type OpenerOptions struct {
	// Env is added to the node's environment for every plugin process.
	Env []string

	// Version is reported to plugins in the initialize handshake.
	Version string

	Logger Logger
}

// Opener starts each package file as a subprocess and connects to it
// over stdio.
type Opener struct {
	env     []string
	version string
	logger  Logger
}

// NewOpener creates an Opener.
func NewOpener(opts OpenerOptions) *Opener {
	o := &Opener{env: opts.Env, version: opts.Version, logger: opts.Logger}
	if o.logger == nil {
		o.logger = noopLogger{}
	}
	if o.version == "" {
		o.version = "dev"
	}
	return o
}

// Open starts the package executable and performs the handshake.
func (o *Opener) Open(ctx context.Context, path string) (plugin.Package, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if info.Mode()&0o111 == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNotExecutable, path)
	}

	c, err := client.NewStdioMCPClient(path, o.env)
	if err != nil {
		return nil, fmt.Errorf("starting plugin %s: %w", path, err)
	}

	name := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	if stderr, ok := client.GetStderr(c); ok {
		go captureStderr(name, stderr, o.logger)
	}

	pkg, err := Connect(ctx, c, name, o.version, o.logger)
	if err != nil {
		closeClient(c, o.logger) //nolint:errcheck // the handshake error is reported instead
		return nil, err
	}
	return pkg, nil
}

// Connect performs the MCP handshake on an already created client and
// describes the package behind it. fallbackName is used when the plugin
// does not name itself.
func Connect(ctx context.Context, c *client.Client, fallbackName, version string, logger Logger) (plugin.Package, error) {
	if logger == nil {
		logger = noopLogger{}
	}
	if err := c.Start(ctx); err != nil {
		return nil, fmt.Errorf("starting transport: %w", err)
	}

	initReq := mcp.InitializeRequest{}
	initReq.Params.ProtocolVersion = mcp.LATEST_PROTOCOL_VERSION
	initReq.Params.ClientInfo = mcp.Implementation{Name: clientName, Version: version}
	if _, err := c.Initialize(ctx, initReq); err != nil {
		return nil, fmt.Errorf("initialize handshake: %w", err)
	}

	rc := &remoteCaller{client: c}
	var desc describeResult
	if err := rc.call(ctx, ToolDescribe, struct{}{}, &desc); err != nil {
		return nil, err
	}

	pkg := &remotePackage{caller: rc, name: desc.Name, logger: logger}
	if pkg.name == "" {
		pkg.name = fallbackName
	}
	for _, name := range desc.Entries {
		pkg.entries = append(pkg.entries, &remoteEntry{pkg: pkg, name: name})
	}
	logger.Debug("plugin described", "package", pkg.name, "version", desc.Version, "entries", len(desc.Entries))
	return pkg, nil
}

// =============================================================================
// Transport
// =============================================================================

type remoteCaller struct {
	client *client.Client
}

// call invokes a tool and decodes its JSON text result into out.
// A tool-level error is returned as a plain error carrying the plugin's message.
func (rc *remoteCaller) call(ctx context.Context, tool string, args, out any) error {
	req := mcp.CallToolRequest{}
	req.Params.Name = tool
	req.Params.Arguments = args

	res, err := rc.client.CallTool(ctx, req)
	if err != nil {
		return fmt.Errorf("calling %s: %w", tool, err)
	}

	text := resultText(res)
	if res.IsError {
		if text == "" {
			text = tool + " failed"
		}
		return errors.New(text)
	}
	if out == nil || text == "" {
		return nil
	}
	if err := json.Unmarshal([]byte(text), out); err != nil {
		return fmt.Errorf("decoding %s result: %w", tool, err)
	}
	return nil
}

func resultText(res *mcp.CallToolResult) string {
	for _, c := range res.Content {
		if tc, ok := mcp.AsTextContent(c); ok {
			return tc.Text
		}
	}
	return ""
}

// =============================================================================
// Package and entries
// =============================================================================

type remotePackage struct {
	caller  *remoteCaller
	name    string
	entries []*remoteEntry
	logger  Logger

	closeOnce sync.Once
	closeErr  error
}

func (p *remotePackage) Name() string { return p.name }

func (p *remotePackage) Entries() []plugin.Entry {
	out := make([]plugin.Entry, len(p.entries))
	for i, e := range p.entries {
		out[i] = e
	}
	return out
}

// Close ends the session, which closes the plugin's stdin and waits for
// the process to exit.
func (p *remotePackage) Close() error {
	p.closeOnce.Do(func() {
		p.closeErr = closeClient(p.caller.client, p.logger)
	})
	return p.closeErr
}

type remoteEntry struct {
	pkg     *remotePackage
	name    string
	devices []device.Driver
}

func (e *remoteEntry) Name() string { return e.name }

func (e *remoteEntry) Initialize(ctx context.Context, reg plugin.Registrar) error {
	var res initializeResult
	if err := e.pkg.caller.call(ctx, ToolInitialize, entryArgs{Entry: e.name}, &res); err != nil {
		return err
	}

	for _, rt := range res.Routes {
		reg.Handle(rt.Method, rt.Pattern, &httpProxy{
			caller: e.pkg.caller,
			entry:  e.name,
			prefix: plugin.MountPath(e.pkg.name),
		})
	}

	e.devices = make([]device.Driver, 0, len(res.Devices))
	for _, d := range res.Devices {
		e.devices = append(e.devices, &remoteDevice{caller: e.pkg.caller, desc: d})
	}
	return nil
}

func (e *remoteEntry) Devices() []device.Driver {
	return e.devices
}

// =============================================================================
// Devices
// =============================================================================

// remoteDevice forwards driver calls to the plugin process. It implements
// every optional interface and declares the set the plugin reported, so
// the registry only calls what the remote driver supports.
type remoteDevice struct {
	caller *remoteCaller
	desc   deviceDesc

	mu      sync.RWMutex
	message string
}

func (d *remoteDevice) ID() string    { return d.desc.ID }
func (d *remoteDevice) Name() string  { return d.desc.Name }
func (d *remoteDevice) Class() string { return d.desc.Class }

func (d *remoteDevice) Capabilities() device.Capabilities { return d.desc.Capabilities }

func (d *remoteDevice) StateMessage() string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.message
}

func (d *remoteDevice) Start(ctx context.Context) error {
	return d.callState(ctx, ToolStart, deviceArgs{Device: d.desc.ID})
}

func (d *remoteDevice) Stop(ctx context.Context) error {
	return d.callState(ctx, ToolStop, deviceArgs{Device: d.desc.ID})
}

func (d *remoteDevice) Configure(ctx context.Context, cfg device.Configuration) error {
	return d.callState(ctx, ToolConfigure, deviceArgs{Device: d.desc.ID, Configuration: &cfg})
}

func (d *remoteDevice) Execute(ctx context.Context, cmd device.Command) error {
	return d.callState(ctx, ToolExecute, deviceArgs{Device: d.desc.ID, Command: &cmd})
}

func (d *remoteDevice) Refresh(ctx context.Context) ([]device.Report, error) {
	var res refreshResult
	if err := d.caller.call(ctx, ToolRefresh, deviceArgs{Device: d.desc.ID}, &res); err != nil {
		return nil, err
	}
	d.setMessage(res.Message)
	return res.Reports, nil
}

func (d *remoteDevice) ConfigurationTemplate(ctx context.Context) (device.Configuration, error) {
	var cfg device.Configuration
	err := d.caller.call(ctx, ToolTemplate, deviceArgs{Device: d.desc.ID}, &cfg)
	return cfg, err
}

func (d *remoteDevice) callState(ctx context.Context, tool string, args deviceArgs) error {
	var res stateResult
	if err := d.caller.call(ctx, tool, args, &res); err != nil {
		return err
	}
	d.setMessage(res.Message)
	return nil
}

func (d *remoteDevice) setMessage(msg string) {
	d.mu.Lock()
	d.message = msg
	d.mu.Unlock()
}

// =============================================================================
// HTTP proxy
// =============================================================================

// httpProxy forwards a request on a plugin route to the plugin process.
type httpProxy struct {
	caller *remoteCaller
	entry  string
	prefix string
}

func (h *httpProxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxProxyBody))
	if err != nil {
		http.Error(w, "reading request body", http.StatusBadRequest)
		return
	}

	path := strings.TrimPrefix(r.URL.Path, h.prefix)
	if path == "" {
		path = "/"
	}

	var res httpResult
	err = h.caller.call(r.Context(), ToolHTTP, httpArgs{
		Entry:  h.entry,
		Method: r.Method,
		Path:   path,
		Query:  r.URL.RawQuery,
		Header: r.Header,
		Body:   body,
	}, &res)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}

	for k, vs := range res.Header {
		for _, v := range vs {
			w.Header().Add(k, v)
		}
	}
	if res.Status == 0 {
		res.Status = http.StatusOK
	}
	w.WriteHeader(res.Status)
	w.Write(res.Body) //nolint:errcheck // client disconnects are not actionable
}

// =============================================================================
// Process helpers
// =============================================================================

func closeClient(c *client.Client, logger Logger) error {
	done := make(chan error, 1)
	go func() { done <- c.Close() }()
	select {
	case err := <-done:
		return err
	case <-time.After(closeTimeout):
		logger.Warn("plugin process did not exit in time", "timeout", closeTimeout)
		return fmt.Errorf("closing plugin: timed out after %v", closeTimeout)
	}
}

// captureStderr logs each line the plugin process writes to stderr.
func captureStderr(name string, r io.Reader, logger Logger) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		logger.Debug("plugin output", "package", name, "stream", "stderr", "output", scanner.Text())
	}
}
