package api

import (
	"net/http"
	"runtime"
	"time"

	"github.com/revolutionized-iot2/riot2-node/internal/bridge"
	"github.com/revolutionized-iot2/riot2-node/internal/device"
	"github.com/revolutionized-iot2/riot2-node/internal/infrastructure/influxdb"
)

// NodeMetrics represents the complete node metrics response.
type NodeMetrics struct {
	Timestamp     string           `json:"timestamp"`
	Version       string           `json:"version"`
	UptimeSeconds int64            `json:"uptime_seconds"`
	Runtime       RuntimeMetrics   `json:"runtime"`
	WebSocket     WSMetrics        `json:"websocket"`
	MQTT          MQTTMetrics      `json:"mqtt"`
	Devices       DeviceMetrics    `json:"devices"`
	Plugins       PluginMetrics    `json:"plugins"`
	Database      *DatabaseMetrics `json:"database,omitempty"`
	Reports       *influxdb.Stats  `json:"reports,omitempty"`
}

// RuntimeMetrics contains Go runtime statistics.
type RuntimeMetrics struct {
	Goroutines    int     `json:"goroutines"`
	MemoryAllocMB float64 `json:"memory_alloc_mb"`
	MemoryTotalMB float64 `json:"memory_total_mb"`
	NumGC         uint32  `json:"num_gc"`
}

// WSMetrics contains WebSocket hub statistics.
type WSMetrics struct {
	ConnectedClients int    `json:"connected_clients"`
	DroppedMessages  uint64 `json:"dropped_messages"`
}

// MQTTMetrics contains bus bridge statistics.
type MQTTMetrics struct {
	Connected bool          `json:"connected"`
	Bridge    *bridge.Stats `json:"bridge,omitempty"`
}

// DeviceMetrics contains device registry statistics.
type DeviceMetrics struct {
	Total   int            `json:"total"`
	ByState map[string]int `json:"by_state"`
}

// PluginMetrics describes the installed plugin package.
type PluginMetrics struct {
	Package string `json:"package,omitempty"`
	Version string `json:"version,omitempty"`
	Routes  int    `json:"routes"`
}

// DatabaseMetrics contains database connection pool statistics.
type DatabaseMetrics struct {
	OpenConnections int   `json:"open_connections"`
	InUse           int   `json:"in_use"`
	Idle            int   `json:"idle"`
	WaitCount       int64 `json:"wait_count"`
}

// handleMetrics returns node metrics.
func (s *Server) handleMetrics(w http.ResponseWriter, _ *http.Request) {
	// Collect runtime stats
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	metrics := NodeMetrics{
		Timestamp:     time.Now().UTC().Format(time.RFC3339),
		Version:       s.version,
		UptimeSeconds: int64(time.Since(s.startTime).Seconds()),
		Runtime: RuntimeMetrics{
			Goroutines:    runtime.NumGoroutine(),
			MemoryAllocMB: float64(memStats.Alloc) / 1024 / 1024,
			MemoryTotalMB: float64(memStats.TotalAlloc) / 1024 / 1024,
			NumGC:         memStats.NumGC,
		},
		WebSocket: WSMetrics{
			ConnectedClients: s.hub.ClientCount(),
			DroppedMessages:  s.hub.Dropped(),
		},
	}

	if bus := s.busStatus(); bus != nil {
		stats := bus.Stats()
		metrics.MQTT = MQTTMetrics{
			Connected: bus.IsConnected(),
			Bridge:    &stats,
		}
	}

	// Devices in Unknown are not part of the status list
	statuses := s.registry.Statuses()
	metrics.Devices = DeviceMetrics{
		Total:   s.registry.Len(),
		ByState: make(map[string]int),
	}
	for _, st := range statuses {
		metrics.Devices.ByState[string(st.State)]++
	}
	if unknown := metrics.Devices.Total - len(statuses); unknown > 0 {
		metrics.Devices.ByState[string(device.StateUnknown)] = unknown
	}

	if m := s.node.Manifest(); m != nil {
		metrics.Plugins.Package = m.Filename
		metrics.Plugins.Version = m.Version
	}
	if s.routes != nil {
		metrics.Plugins.Routes = s.routes.Len()
	}

	if s.db != nil {
		dbStats := s.db.Stats()
		metrics.Database = &DatabaseMetrics{
			OpenConnections: dbStats.OpenConnections,
			InUse:           dbStats.InUse,
			Idle:            dbStats.Idle,
			WaitCount:       dbStats.WaitCount,
		}
	}

	if s.sink != nil {
		reports := s.sink.Stats()
		metrics.Reports = &reports
	}

	writeJSON(w, http.StatusOK, metrics)
}
