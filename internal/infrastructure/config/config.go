package config

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration structure for the RIoT2 node agent.
// All configuration is loaded from YAML and can be overridden by environment variables.
type Config struct {
	Node      NodeConfig      `yaml:"node"`
	Database  DatabaseConfig  `yaml:"database"`
	MQTT      MQTTConfig      `yaml:"mqtt"`
	API       APIConfig       `yaml:"api"`
	WebSocket WebSocketConfig `yaml:"websocket"`
	InfluxDB  InfluxDBConfig  `yaml:"influxdb"`
	Logging   LoggingConfig   `yaml:"logging"`
	Devices   DevicesConfig   `yaml:"devices"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Sync      SyncConfig      `yaml:"sync"`
}

// NodeConfig contains the node identity and its local directories.
type NodeConfig struct {
	// ID identifies this node on the bus. It is also the MQTT client ID.
	ID string `yaml:"id"`

	// URL is the base URL the orchestrator uses to reach the node's HTTP surface.
	URL string `yaml:"url"`

	// Type is announced in the online handshake.
	Type string `yaml:"type"`

	// AppDir is the application folder. Relative plugin, staging and
	// local configuration paths are resolved against it.
	AppDir string `yaml:"app_dir"`

	// PluginDir holds the installed plugin packages.
	PluginDir string `yaml:"plugin_dir"`

	// StagingDir receives downloaded packages until the next boot installs them.
	StagingDir string `yaml:"staging_dir"`

	// DevMode loads LocalConfiguration instead of waiting for a bus push.
	DevMode bool `yaml:"dev_mode"`

	// LocalConfiguration is the development device configuration file.
	LocalConfiguration string `yaml:"local_configuration"`
}

// DatabaseConfig contains SQLite database settings.
type DatabaseConfig struct {
	Path        string `yaml:"path"`
	WALMode     bool   `yaml:"wal_mode"`
	BusyTimeout int    `yaml:"busy_timeout"`
}

// MQTTConfig contains MQTT broker connection settings.
type MQTTConfig struct {
	Broker    MQTTBrokerConfig    `yaml:"broker"`
	Auth      MQTTAuthConfig      `yaml:"auth"`
	QoS       int                 `yaml:"qos"`
	Reconnect MQTTReconnectConfig `yaml:"reconnect"`
}

// MQTTBrokerConfig contains MQTT broker connection details.
type MQTTBrokerConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	TLS      bool   `yaml:"tls"`
	ClientID string `yaml:"client_id"`
}

// MQTTAuthConfig contains MQTT authentication credentials.
type MQTTAuthConfig struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// MQTTReconnectConfig contains MQTT reconnection settings.
type MQTTReconnectConfig struct {
	InitialDelay int `yaml:"initial_delay"`
	MaxDelay     int `yaml:"max_delay"`
}

// APIConfig contains HTTP API server settings.
type APIConfig struct {
	Host     string           `yaml:"host"`
	Port     int              `yaml:"port"`
	Timeouts APITimeoutConfig `yaml:"timeouts"`
	CORS     CORSConfig       `yaml:"cors"`
}

// APITimeoutConfig contains HTTP timeout settings.
type APITimeoutConfig struct {
	Read  int `yaml:"read"`
	Write int `yaml:"write"`
	Idle  int `yaml:"idle"`
}

// CORSConfig contains Cross-Origin Resource Sharing settings.
type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// WebSocketConfig contains settings for the device event stream.
type WebSocketConfig struct {
	Path           string `yaml:"path"`
	MaxMessageSize int    `yaml:"max_message_size"`
	PingInterval   int    `yaml:"ping_interval"`
	PongTimeout    int    `yaml:"pong_timeout"`
}

// InfluxDBConfig contains InfluxDB connection settings for report telemetry.
type InfluxDBConfig struct {
	Enabled       bool   `yaml:"enabled"`
	URL           string `yaml:"url"`
	Token         string `yaml:"token"`
	Org           string `yaml:"org"`
	Bucket        string `yaml:"bucket"`
	BatchSize     int    `yaml:"batch_size"`
	FlushInterval int    `yaml:"flush_interval"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level  string            `yaml:"level"`
	Format string            `yaml:"format"`
	Output string            `yaml:"output"`
	File   FileLoggingConfig `yaml:"file"`
}

// FileLoggingConfig contains file-based logging settings.
type FileLoggingConfig struct {
	Path string `yaml:"path"`
}

// DevicesConfig bounds every call into driver code.
type DevicesConfig struct {
	// OperationTimeout is the per-device limit (seconds) for start, stop,
	// configure, refresh and template calls.
	OperationTimeout int `yaml:"operation_timeout"`

	// CommandTimeout is the limit (seconds) for a single inbound command.
	CommandTimeout int `yaml:"command_timeout"`

	// CommandWorkers is the number of concurrent command dispatchers.
	CommandWorkers int `yaml:"command_workers"`

	// CommandQueue is the number of commands buffered before new ones are dropped.
	CommandQueue int `yaml:"command_queue"`
}

// SchedulerConfig contains the refresh scheduler settings.
type SchedulerConfig struct {
	// Tick is the evaluation granularity in seconds.
	Tick int `yaml:"tick"`
}

// SyncConfig contains plugin package download settings.
type SyncConfig struct {
	HandshakeWait   int `yaml:"handshake_wait"`
	DownloadTimeout int `yaml:"download_timeout"`
	DownloadRetries int `yaml:"download_retries"`
}

// Load reads configuration from a YAML file and applies environment variable overrides.
//
// The configuration loading order is:
//  1. Default values (hardcoded)
//  2. YAML file values (override defaults)
//  3. Environment variables (override file values)
//
// The RIoT2 environment contract (RIOT2_NODE_ID, RIOT2_NODE_URL,
// RIOT2_MQTT_IP, RIOT2_MQTT_USERNAME, RIOT2_MQTT_PASSWORD) always wins over the file.
//
// Parameters:
//   - path: Path to the YAML configuration file
//
// Returns:
//   - *Config: Loaded and validated configuration
//   - error: If file cannot be read, parsed, or validation fails
func Load(path string) (*Config, error) {
	cfg := defaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	applyEnvOverrides(cfg)
	cfg.resolvePaths()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// FromEnv builds a configuration from defaults and the environment only.
// It is used when no configuration file exists, which is the normal case
// for containerised nodes.
func FromEnv() (*Config, error) {
	cfg := defaultConfig()
	applyEnvOverrides(cfg)
	cfg.resolvePaths()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return cfg, nil
}

// defaultConfig returns a Config with sensible defaults.
func defaultConfig() *Config {
	return &Config{
		Node: NodeConfig{
			Type:               "RIoT2.Net.Node",
			AppDir:             ".",
			PluginDir:          "plugins",
			StagingDir:         "plugins/.staged",
			LocalConfiguration: "data/local.configuration.json",
		},
		Database: DatabaseConfig{
			Path:        "./data/riot2-node.db",
			WALMode:     true,
			BusyTimeout: 5,
		},
		MQTT: MQTTConfig{
			Broker: MQTTBrokerConfig{
				Host: "localhost",
				Port: 1883,
			},
			QoS: 1,
			Reconnect: MQTTReconnectConfig{
				InitialDelay: 1,
				MaxDelay:     60,
			},
		},
		API: APIConfig{
			Host: "0.0.0.0",
			Port: 8080,
			Timeouts: APITimeoutConfig{
				Read:  30,
				Write: 30,
				Idle:  60,
			},
		},
		WebSocket: WebSocketConfig{
			Path:           "/api/device/events",
			MaxMessageSize: 8192,
			PingInterval:   30,
			PongTimeout:    10,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
			File: FileLoggingConfig{
				Path: "logs/riot2-node.log",
			},
		},
		Devices: DevicesConfig{
			OperationTimeout: 30,
			CommandTimeout:   10,
			CommandWorkers:   4,
			CommandQueue:     64,
		},
		Scheduler: SchedulerConfig{
			Tick: 60,
		},
		Sync: SyncConfig{
			HandshakeWait:   2,
			DownloadTimeout: 300,
			DownloadRetries: 3,
		},
	}
}

// applyEnvOverrides applies environment variable overrides to the configuration.
func applyEnvOverrides(cfg *Config) {
	// Node identity
	if v := os.Getenv("RIOT2_NODE_ID"); v != "" {
		cfg.Node.ID = v
		cfg.MQTT.Broker.ClientID = v
	}
	if v := os.Getenv("RIOT2_NODE_URL"); v != "" {
		cfg.Node.URL = v
	}
	if v := os.Getenv("RIOT2_APP_DIR"); v != "" {
		cfg.Node.AppDir = v
	}
	if v := os.Getenv("RIOT2_PLUGIN_DIR"); v != "" {
		cfg.Node.PluginDir = v
	}
	if v := os.Getenv("RIOT2_DEV_MODE"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Node.DevMode = b
		}
	}

	// Database
	if v := os.Getenv("RIOT2_DATABASE_PATH"); v != "" {
		cfg.Database.Path = v
	}

	// MQTT
	if v := os.Getenv("RIOT2_MQTT_IP"); v != "" {
		host, port, err := net.SplitHostPort(v)
		if err != nil {
			cfg.MQTT.Broker.Host = v
		} else {
			cfg.MQTT.Broker.Host = host
			if p, perr := strconv.Atoi(port); perr == nil {
				cfg.MQTT.Broker.Port = p
			}
		}
	}
	if v := os.Getenv("RIOT2_MQTT_USERNAME"); v != "" {
		cfg.MQTT.Auth.Username = v
	}
	if v := os.Getenv("RIOT2_MQTT_PASSWORD"); v != "" {
		cfg.MQTT.Auth.Password = v
	}

	// API
	if v := os.Getenv("RIOT2_API_HOST"); v != "" {
		cfg.API.Host = v
	}

	// InfluxDB
	if v := os.Getenv("RIOT2_INFLUXDB_TOKEN"); v != "" {
		cfg.InfluxDB.Token = v
	}

	if cfg.MQTT.Broker.ClientID == "" {
		cfg.MQTT.Broker.ClientID = cfg.Node.ID
	}
}

// resolvePaths anchors relative node directories at the application folder.
func (c *Config) resolvePaths() {
	c.Node.PluginDir = c.resolve(c.Node.PluginDir)
	c.Node.StagingDir = c.resolve(c.Node.StagingDir)
	c.Node.LocalConfiguration = c.resolve(c.Node.LocalConfiguration)
}

func (c *Config) resolve(p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(c.Node.AppDir, p)
}

// Validate checks the configuration for errors.
//
// Returns:
//   - error: Description of validation failure, or nil if valid
func (c *Config) Validate() error {
	var errs []string

	// Node validation
	if c.Node.ID == "" {
		errs = append(errs, "node.id is required (set RIOT2_NODE_ID environment variable)")
	}
	if c.Node.URL == "" {
		errs = append(errs, "node.url is required (set RIOT2_NODE_URL environment variable)")
	}
	if c.Node.PluginDir == "" {
		errs = append(errs, "node.plugin_dir is required")
	}

	// Database validation
	if c.Database.Path == "" {
		errs = append(errs, "database.path is required")
	}

	// MQTT validation
	if c.MQTT.Broker.Host == "" {
		errs = append(errs, "mqtt.broker.host is required (set RIOT2_MQTT_IP environment variable)")
	}
	if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
		errs = append(errs, "mqtt.qos must be 0, 1, or 2")
	}

	// API validation
	if c.API.Port < 1 || c.API.Port > 65535 {
		errs = append(errs, "api.port must be between 1 and 65535")
	}

	// Device call bounds
	if c.Devices.OperationTimeout < 1 {
		errs = append(errs, "devices.operation_timeout must be at least 1 second")
	}
	if c.Devices.CommandWorkers < 1 {
		errs = append(errs, "devices.command_workers must be at least 1")
	}

	if c.Scheduler.Tick < 1 {
		errs = append(errs, "scheduler.tick must be at least 1 second")
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors: %s", strings.Join(errs, "; "))
	}

	return nil
}

// GetReadTimeout returns the API read timeout as a Duration.
func (c *Config) GetReadTimeout() time.Duration {
	return time.Duration(c.API.Timeouts.Read) * time.Second
}

// GetWriteTimeout returns the API write timeout as a Duration.
func (c *Config) GetWriteTimeout() time.Duration {
	return time.Duration(c.API.Timeouts.Write) * time.Second
}

// GetIdleTimeout returns the API idle timeout as a Duration.
func (c *Config) GetIdleTimeout() time.Duration {
	return time.Duration(c.API.Timeouts.Idle) * time.Second
}

// GetOperationTimeout returns the per-device driver call limit.
func (c *Config) GetOperationTimeout() time.Duration {
	return time.Duration(c.Devices.OperationTimeout) * time.Second
}

// GetCommandTimeout returns the inbound command limit.
func (c *Config) GetCommandTimeout() time.Duration {
	return time.Duration(c.Devices.CommandTimeout) * time.Second
}

// GetSchedulerTick returns the scheduler evaluation granularity.
func (c *Config) GetSchedulerTick() time.Duration {
	return time.Duration(c.Scheduler.Tick) * time.Second
}

// GetHandshakeWait returns how long the bridge waits for a retained configuration.
func (c *Config) GetHandshakeWait() time.Duration {
	return time.Duration(c.Sync.HandshakeWait) * time.Second
}

// GetDownloadTimeout returns the limit for one plugin package download attempt.
func (c *Config) GetDownloadTimeout() time.Duration {
	return time.Duration(c.Sync.DownloadTimeout) * time.Second
}
