package configsync

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/revolutionized-iot2/riot2-node/internal/device"
	"github.com/revolutionized-iot2/riot2-node/internal/infrastructure/config"
)

// Logger defines the logging interface used by configuration sync.
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

// UpdateHandler is notified once per successful configuration replacement.
type UpdateHandler interface {
	DeviceConfigurationUpdated(ctx context.Context, cfg *device.NodeDeviceConfiguration) error
}

// UpdateHandlerFunc adapts a function to UpdateHandler.
type UpdateHandlerFunc func(ctx context.Context, cfg *device.NodeDeviceConfiguration) error

func (f UpdateHandlerFunc) DeviceConfigurationUpdated(ctx context.Context, cfg *device.NodeDeviceConfiguration) error {
	return f(ctx, cfg)
}

// Supervisor relaunches the node after a self-update.
type Supervisor interface {
	RequestRestart(reason string)
}

// IdentitySource produces the node identity on first access.
type IdentitySource func() (NodeConfiguration, error)

// EnvIdentity reads the identity from defaults and RIOT2_* variables.
func EnvIdentity() (NodeConfiguration, error) {
	cfg, err := config.FromEnv()
	if err != nil {
		return NodeConfiguration{}, err
	}
	return IdentityFromConfig(cfg), nil
}

// Options configures a Service.
type Options struct {
	// Identity defaults to EnvIdentity.
	Identity IdentitySource

	// Handlers are notified in order after each replacement. More can be
	// added with Handle during wiring.
	Handlers []UpdateHandler

	// Store persists manifests. Without a store the node never self-updates.
	Store ManifestStore

	// Fetcher reads remote package metadata and downloads packages.
	// Without a fetcher plugin URLs are ignored.
	Fetcher Fetcher

	Supervisor Supervisor

	PluginDir          string
	StagingDir         string
	LocalConfiguration string

	Logger Logger
}

// Service owns the node configuration and keeps the plugin package current.
//
// Thread Safety:
//   - Reads are safe from any goroutine.
//   - SetDeviceConfiguration has a single writer; concurrent calls are
//     serialised and each notifies the handlers for its own configuration.
type Service struct {
	identitySource IdentitySource
	store          ManifestStore
	fetcher        Fetcher
	supervisor     Supervisor
	pluginDir      string
	stagingDir     string
	localConfig    string
	logger         Logger

	identityOnce sync.Once
	identity     NodeConfiguration

	writeMu sync.Mutex

	mu        sync.RWMutex
	handlers  []UpdateHandler
	deviceCfg *device.NodeDeviceConfiguration
	manifest  *PluginManifest
	loaded    int
}

// New creates a configuration sync service.
func New(opts Options) *Service {
	if opts.Identity == nil {
		opts.Identity = EnvIdentity
	}
	if opts.Logger == nil {
		opts.Logger = noopLogger{}
	}
	return &Service{
		identitySource: opts.Identity,
		store:          opts.Store,
		fetcher:        opts.Fetcher,
		supervisor:     opts.Supervisor,
		pluginDir:      opts.PluginDir,
		stagingDir:     opts.StagingDir,
		localConfig:    opts.LocalConfiguration,
		logger:         opts.Logger,
		handlers:       append([]UpdateHandler(nil), opts.Handlers...),
	}
}

// Handle appends handlers after those given in Options.
func (s *Service) Handle(handlers ...UpdateHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers = append(s.handlers, handlers...)
}

// Configuration returns the node configuration. The identity part is read
// once on first access and stable afterwards.
func (s *Service) Configuration() NodeConfiguration {
	s.identityOnce.Do(func() {
		id, err := s.identitySource()
		if err != nil {
			s.logger.Error("reading node identity", "error", err)
		}
		s.identity = id
	})

	s.mu.RLock()
	defer s.mu.RUnlock()
	n := s.identity
	n.DeviceConfiguration = s.deviceCfg
	if s.manifest != nil {
		m := *s.manifest
		n.PluginManifest = &m
	}
	return n
}

// DeviceConfiguration returns the applied configuration, or nil before the
// first push. The returned value must not be modified.
func (s *Service) DeviceConfiguration() *device.NodeDeviceConfiguration {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.deviceCfg
}

// Manifest returns the installed plugin manifest, or nil.
func (s *Service) Manifest() *PluginManifest {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.manifest == nil {
		return nil
	}
	m := *s.manifest
	return &m
}

// OnlineMessage builds the bus handshake from the node identity.
func (s *Service) OnlineMessage() OnlineMessage {
	return newOnlineMessage(s.Configuration())
}

// SetLoadedPackages records how many plugin packages loaded at boot.
// With none loaded every plugin URL triggers a download.
func (s *Service) SetLoadedPackages(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.loaded = n
}

// SetDeviceConfiguration replaces the applied configuration and notifies
// every handler exactly once, in registration order. A failing handler
// does not stop the others.
//
// Parameters:
//   - ctx: Passed to the handlers
//   - cfg: New configuration; it must not be modified afterwards
//
// Returns:
//   - error: ErrNoConfiguration, or the joined handler errors. The
//     configuration is replaced even when handlers fail.
func (s *Service) SetDeviceConfiguration(ctx context.Context, cfg *device.NodeDeviceConfiguration) error {
	if cfg == nil {
		return ErrNoConfiguration
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.mu.Lock()
	s.deviceCfg = cfg
	handlers := append([]UpdateHandler(nil), s.handlers...)
	s.mu.Unlock()

	s.logger.Info("device configuration updated", "devices", len(cfg.Devices), "plugin_url", cfg.PluginURL)

	var errs []error
	for _, h := range handlers {
		if err := h.DeviceConfigurationUpdated(ctx, cfg); err != nil {
			s.logger.Error("configuration update handler failed", "error", err)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// LoadDeviceConfiguration reads a configuration file and applies it as if
// it had been pushed. Development nodes use it instead of the bus.
//
// Parameters:
//   - path: File to read; empty uses the configured local configuration
func (s *Service) LoadDeviceConfiguration(ctx context.Context, path string) error {
	if path == "" {
		path = s.localConfig
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading local configuration: %w", err)
	}
	cfg, err := ParseDeviceConfiguration(data)
	if err != nil {
		return fmt.Errorf("loading %s: %w", path, err)
	}
	return s.SetDeviceConfiguration(ctx, cfg)
}
