package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/revolutionized-iot2/riot2-node/internal/bridge"
	"github.com/revolutionized-iot2/riot2-node/internal/configsync"
	"github.com/revolutionized-iot2/riot2-node/internal/device"
	"github.com/revolutionized-iot2/riot2-node/internal/infrastructure/config"
	"github.com/revolutionized-iot2/riot2-node/internal/infrastructure/logging"
	"github.com/revolutionized-iot2/riot2-node/internal/plugin"
	"github.com/revolutionized-iot2/riot2-node/internal/plugin/sim"
)

type fakeNode struct {
	cfg      configsync.NodeConfiguration
	manifest *configsync.PluginManifest
}

func (n *fakeNode) Configuration() configsync.NodeConfiguration { return n.cfg }
func (n *fakeNode) Manifest() *configsync.PluginManifest        { return n.manifest }

type fakeBus struct {
	connected bool
	stats     bridge.Stats
}

func (b *fakeBus) IsConnected() bool   { return b.connected }
func (b *fakeBus) Stats() bridge.Stats { return b.stats }

type fixedSource struct {
	cfg *device.NodeDeviceConfiguration
}

func (s *fixedSource) DeviceConfiguration() *device.NodeDeviceConfiguration { return s.cfg }

func testLogger() *logging.Logger {
	return logging.New(config.LoggingConfig{Level: "error", Format: "text", Output: "stdout"}, "test")
}

// testServer creates a Server over the simulated plugin package, loaded
// through the plugin loader so its routes are mounted.
func testServer(t *testing.T) (*Server, *device.Registry, *fakeNode) {
	t.Helper()

	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "sim"), []byte("x"), 0o600); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	routes := plugin.NewRouteTable()
	loader, err := plugin.NewLoader(plugin.Options{
		Opener: plugin.StaticOpener{
			"sim": func() plugin.Package { return plugin.NewPackage("sim", sim.NewEntry("t")) },
		},
		Routes: routes,
	})
	if err != nil {
		t.Fatalf("NewLoader() error = %v", err)
	}
	drivers, loadErrs := loader.LoadAll(context.Background(), dir)
	if len(loadErrs) != 0 {
		t.Fatalf("LoadAll() errors = %v", loadErrs)
	}

	registry, err := device.NewRegistry(drivers, device.Options{Source: &fixedSource{}})
	if err != nil {
		t.Fatalf("NewRegistry() error = %v", err)
	}

	node := &fakeNode{cfg: configsync.NodeConfiguration{
		ID:       "node-1",
		URL:      "http://node-1:8080",
		NodeType: "test",
		MQTT: configsync.MQTTConfiguration{
			ClientID:  "node-1",
			ServerURL: "broker:1883",
			Username:  "riot",
			Password:  "secret",
		},
	}}

	srv, err := New(Deps{
		Config: config.APIConfig{
			Host: "127.0.0.1",
			Port: 0,
			Timeouts: config.APITimeoutConfig{
				Read:  5,
				Write: 5,
				Idle:  5,
			},
		},
		WS: config.WebSocketConfig{
			MaxMessageSize: 8192,
			PingInterval:   30,
			PongTimeout:    10,
		},
		Logger:   testLogger(),
		Registry: registry,
		Node:     node,
		Routes:   routes,
		Version:  "test",
	})
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	return srv, registry, node
}

func get(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.Unmarshal(w.Body.Bytes(), v); err != nil {
		t.Fatalf("unmarshal %s: %v", w.Body.String(), err)
	}
}

func TestNew_RequiresDependencies(t *testing.T) {
	tests := []struct {
		name string
		deps Deps
	}{
		{"no logger", Deps{Registry: &device.Registry{}, Node: &fakeNode{}}},
		{"no registry", Deps{Logger: testLogger(), Node: &fakeNode{}}},
		{"no node", Deps{Logger: testLogger(), Registry: &device.Registry{}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := New(tt.deps); err == nil {
				t.Error("New() error = nil, want error")
			}
		})
	}
}

// ─── Health Endpoint Tests ─────────────────────────────────────────

func TestHealth(t *testing.T) {
	srv, _, _ := testServer(t)
	router := srv.Handler()

	w := get(t, router, "/api/health")
	if w.Code != http.StatusOK {
		t.Errorf("health status = %d, want %d", w.Code, http.StatusOK)
	}
	if ct := w.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q, want %q", ct, "application/json")
	}

	var resp map[string]any
	decode(t, w, &resp)
	if resp["status"] != "degraded" {
		t.Errorf("status without bus = %v, want degraded", resp["status"])
	}
	if resp["version"] != "test" {
		t.Errorf("version = %v, want test", resp["version"])
	}
	if resp["devices"] != float64(3) {
		t.Errorf("devices = %v, want 3", resp["devices"])
	}

	srv.SetBus(&fakeBus{connected: true})
	decode(t, get(t, router, "/api/health"), &resp)
	if resp["status"] != "ok" {
		t.Errorf("status with connected bus = %v, want ok", resp["status"])
	}
}

// ─── Middleware Tests ──────────────────────────────────────────────

func TestRequestID(t *testing.T) {
	srv, _, _ := testServer(t)
	router := srv.Handler()

	if got := get(t, router, "/api/health").Header().Get("X-Request-ID"); got == "" {
		t.Error("expected X-Request-ID header to be set")
	}

	req := httptest.NewRequest(http.MethodGet, "/api/health", nil)
	req.Header.Set("X-Request-ID", "client-123")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	if got := w.Header().Get("X-Request-ID"); got != "client-123" {
		t.Errorf("X-Request-ID = %q, want %q", got, "client-123")
	}
}

func TestCORS_Preflight(t *testing.T) {
	srv, _, _ := testServer(t)

	req := httptest.NewRequest(http.MethodOptions, "/api/device/status", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)

	if w.Code != http.StatusNoContent {
		t.Errorf("preflight status = %d, want %d", w.Code, http.StatusNoContent)
	}
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "http://localhost:3000" {
		t.Errorf("ACAO = %q, want %q", got, "http://localhost:3000")
	}
}

func TestNotFound(t *testing.T) {
	srv, _, _ := testServer(t)
	router := srv.Handler()

	tests := []struct {
		method string
		path   string
		status int
		code   string
	}{
		{http.MethodGet, "/api/nonexistent", http.StatusNotFound, ErrCodeNotFound},
		{http.MethodPost, "/api/device/status", http.StatusMethodNotAllowed, ErrCodeMethodNotAllowed},
	}
	for _, tt := range tests {
		req := httptest.NewRequest(tt.method, tt.path, nil)
		req.Header.Set("X-Request-ID", "req-1")
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)

		if w.Code != tt.status {
			t.Errorf("%s %s status = %d, want %d", tt.method, tt.path, w.Code, tt.status)
			continue
		}
		var body Error
		decode(t, w, &body)
		if body.Code != tt.code || body.RequestID != "req-1" {
			t.Errorf("%s %s body = %+v, want code %s and request id req-1", tt.method, tt.path, body, tt.code)
		}
	}
}

func TestRecoverPanics(t *testing.T) {
	srv, _, _ := testServer(t)
	h := srv.recoverPanics(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("plugin bug")
	}))

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/plugins/sim/devices", nil))
	if w.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", w.Code)
	}
}

// ─── Device Endpoint Tests ─────────────────────────────────────────

func TestDeviceStatus(t *testing.T) {
	srv, registry, _ := testServer(t)
	router := srv.Handler()

	// Every device is Unknown until the first configuration is applied.
	var statuses []device.Status
	decode(t, get(t, router, "/api/device/status"), &statuses)
	if statuses == nil || len(statuses) != 0 {
		t.Fatalf("status before configuration = %v, want empty list", statuses)
	}

	if err := registry.ApplyConfiguration(context.Background()); err != nil {
		t.Fatalf("ApplyConfiguration() error = %v", err)
	}
	if err := registry.Execute(context.Background(), "t-relay", device.Command{Name: "on"}); err != nil {
		t.Fatalf("Execute() error = %v", err)
	}

	decode(t, get(t, router, "/api/device/status"), &statuses)
	want := []device.Status{
		{ID: "t-clock", Name: "Simulated clock", State: device.StateRunning},
		{ID: "t-relay", Name: "Simulated relay", Message: "on", State: device.StateRunning},
		{ID: "t-counter", Name: "Simulated counter", State: device.StateRunning},
	}
	if len(statuses) != len(want) {
		t.Fatalf("status entries = %d, want %d", len(statuses), len(want))
	}
	for i := range want {
		if statuses[i] != want[i] {
			t.Errorf("status[%d] = %+v, want %+v", i, statuses[i], want[i])
		}
	}
}

func TestConfigurationTemplates(t *testing.T) {
	srv, _, _ := testServer(t)

	w := get(t, srv.Handler(), "/api/device/configuration/templates")
	if w.Code != http.StatusOK {
		t.Fatalf("templates status = %d, want 200", w.Code)
	}

	var raw []map[string]json.RawMessage
	decode(t, w, &raw)
	if len(raw) != 3 {
		t.Fatalf("templates = %d, want 3", len(raw))
	}

	tests := []struct {
		class        string
		wantSchedule string
		wantCommands string
	}{
		{sim.ClassClock, `"0 * * * *"`, "null"},
		{sim.ClassRelay, "", ""},
		{sim.ClassCounter, `"0 * * * *"`, "null"},
	}
	for i, tt := range tests {
		var class string
		if err := json.Unmarshal(raw[i]["classFullName"], &class); err != nil || class != tt.class {
			t.Errorf("template[%d] class = %s, want %s", i, raw[i]["classFullName"], tt.class)
			continue
		}
		if tt.class == sim.ClassRelay {
			// The relay describes itself.
			var cmds []device.CommandTemplate
			if err := json.Unmarshal(raw[i]["commandTemplates"], &cmds); err != nil || len(cmds) != 3 {
				t.Errorf("relay commandTemplates = %s, want 3 commands", raw[i]["commandTemplates"])
			}
			continue
		}
		if got := string(raw[i]["refreshSchedule"]); got != tt.wantSchedule {
			t.Errorf("%s refreshSchedule = %s, want %s", tt.class, got, tt.wantSchedule)
		}
		if got := string(raw[i]["commandTemplates"]); got != tt.wantCommands {
			t.Errorf("%s commandTemplates = %s, want %s", tt.class, got, tt.wantCommands)
		}
	}
}

// ─── Node Endpoint Tests ───────────────────────────────────────────

func TestNodeManifest_OmitsPassword(t *testing.T) {
	srv, _, _ := testServer(t)

	w := get(t, srv.Handler(), "/api/node/manifest")
	if w.Code != http.StatusOK {
		t.Fatalf("manifest status = %d, want 200", w.Code)
	}
	if strings.Contains(w.Body.String(), "secret") {
		t.Errorf("manifest leaks the password: %s", w.Body.String())
	}

	var got configsync.NodeConfiguration
	decode(t, w, &got)
	if got.ID != "node-1" || got.MQTT.Username != "riot" {
		t.Errorf("manifest = %+v", got)
	}
}

func TestPluginManifest(t *testing.T) {
	srv, _, node := testServer(t)
	router := srv.Handler()

	if w := get(t, router, "/api/node/plugin/manifest"); w.Code != http.StatusNotFound {
		t.Errorf("status without package = %d, want 404", w.Code)
	}

	installed := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	node.manifest = &configsync.PluginManifest{Filename: "plugins-1.2.0.bin", Version: "1.2.0", InstalledAt: installed}

	w := get(t, router, "/api/node/plugin/manifest")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	var got configsync.PluginManifest
	decode(t, w, &got)
	if got.Filename != "plugins-1.2.0.bin" || got.Version != "1.2.0" || !got.InstalledAt.Equal(installed) {
		t.Errorf("manifest = %+v", got)
	}
}

func TestMetrics(t *testing.T) {
	srv, _, node := testServer(t)
	srv.SetBus(&fakeBus{connected: true, stats: bridge.Stats{CommandsReceived: 4}})
	node.manifest = &configsync.PluginManifest{Filename: "plugins.bin"}

	var m NodeMetrics
	decode(t, get(t, srv.Handler(), "/api/node/metrics"), &m)

	if m.Devices.Total != 3 || m.Devices.ByState[string(device.StateUnknown)] != 3 {
		t.Errorf("devices = %+v, want 3 Unknown", m.Devices)
	}
	if !m.MQTT.Connected || m.MQTT.Bridge == nil || m.MQTT.Bridge.CommandsReceived != 4 {
		t.Errorf("mqtt = %+v", m.MQTT)
	}
	if m.Plugins.Package != "plugins.bin" || m.Plugins.Routes != 1 {
		t.Errorf("plugins = %+v", m.Plugins)
	}
}

// ─── Plugin Route Tests ────────────────────────────────────────────

func TestPluginRoutes(t *testing.T) {
	srv, _, _ := testServer(t)

	w := get(t, srv.Handler(), plugin.MountPath("sim")+"/devices")
	if w.Code != http.StatusOK {
		t.Fatalf("plugin route status = %d, want 200", w.Code)
	}
	if !strings.Contains(w.Body.String(), `"relay":"off"`) {
		t.Errorf("plugin route body = %s", w.Body.String())
	}
}

// ─── Server Lifecycle Tests ────────────────────────────────────────

func TestServer_StartAndClose(t *testing.T) {
	srv, _, _ := testServer(t)

	if srv.Addr() != "" {
		t.Errorf("Addr() before Start = %q, want empty", srv.Addr())
	}
	if err := srv.Start(context.Background()); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	addr := srv.Addr()

	resp, err := http.Get("http://" + addr + "/api/health")
	if err != nil {
		t.Fatalf("health check failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("health check status = %d, want 200", resp.StatusCode)
	}

	if err := srv.Close(); err != nil {
		t.Errorf("Close() error: %v", err)
	}
	if _, err := http.Get("http://" + addr + "/api/health"); err == nil {
		t.Error("server still responding after Close()")
	}
}
