package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"golang.org/x/sync/errgroup"

	"github.com/revolutionized-iot2/riot2-node/internal/api"
	"github.com/revolutionized-iot2/riot2-node/internal/bridge"
	"github.com/revolutionized-iot2/riot2-node/internal/configsync"
	"github.com/revolutionized-iot2/riot2-node/internal/device"
	"github.com/revolutionized-iot2/riot2-node/internal/infrastructure/config"
	"github.com/revolutionized-iot2/riot2-node/internal/infrastructure/database"
	"github.com/revolutionized-iot2/riot2-node/internal/infrastructure/influxdb"
	"github.com/revolutionized-iot2/riot2-node/internal/infrastructure/logging"
	"github.com/revolutionized-iot2/riot2-node/internal/infrastructure/mqtt"
	"github.com/revolutionized-iot2/riot2-node/internal/plugin"
	"github.com/revolutionized-iot2/riot2-node/internal/process"
	"github.com/revolutionized-iot2/riot2-node/internal/scheduler"
	"github.com/revolutionized-iot2/riot2-node/migrations"
)

// shutdownTimeout bounds stopping devices and disconnecting from the bus.
const shutdownTimeout = 30 * time.Second

// run starts the node and blocks until ctx is cancelled or a component
// asks for a restart.
//
// Start-up order:
//  1. Configuration, logging, database
//  2. Install a staged plugin package
//  3. Load plugin packages and register their devices
//  4. MQTT connection, optional InfluxDB sink
//  5. HTTP API, bus bridge, scheduler
//
// Parameters:
//   - ctx: Cancelled on SIGINT/SIGTERM
//   - configPath: YAML configuration file; a missing file falls back to
//     defaults and the environment
//
// Returns:
//   - error: nil on clean shutdown, process.ErrRestartRequested after a
//     restart request, an errInvalidConfig wrap for configuration problems
func run(ctx context.Context, configPath string) error { //nolint:gocognit,gocyclo // start-up wiring: one step per component
	// Use default logger until config is loaded
	log := logging.Default()
	log.Info("starting RIoT2 node",
		"version", version,
		"commit", commit,
		"build_date", date,
	)

	cfg, err := loadConfig(configPath)
	if err != nil {
		return fmt.Errorf("%w: %w", errInvalidConfig, err)
	}

	// Reinitialise logger with config settings
	log = logging.New(cfg.Logging, version)
	defer log.Close() //nolint:errcheck // nothing left to log to
	log.Info("configuration loaded",
		"path", configPath,
		"node_id", cfg.Node.ID,
		"dev_mode", cfg.Node.DevMode,
	)

	// Open database
	db, err := database.Open(ctx, cfg.Database)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer func() {
		log.Info("closing database")
		if closeErr := db.Close(); closeErr != nil {
			log.Error("error closing database", "error", closeErr)
		}
	}()

	applied, err := db.Migrate(ctx, migrations.FS)
	if err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}
	log.Info("database ready", "path", cfg.Database.Path, "migrations_applied", applied)

	// Configuration sync owns the node identity and the plugin package
	restart := process.NewRestartSignal()
	identity := configsync.IdentityFromConfig(cfg)
	configSync := configsync.New(configsync.Options{
		Identity: func() (configsync.NodeConfiguration, error) { return identity, nil },
		Store:    configsync.NewSQLiteManifestStore(db.DB),
		Fetcher: configsync.NewHTTPFetcher(configsync.FetcherOptions{
			Timeout: cfg.GetDownloadTimeout(),
			Retries: cfg.Sync.DownloadRetries,
			Logger:  log.With("component", "fetcher"),
		}),
		Supervisor:         restart,
		PluginDir:          cfg.Node.PluginDir,
		StagingDir:         cfg.Node.StagingDir,
		LocalConfiguration: cfg.Node.LocalConfiguration,
		Logger:             log.With("component", "configsync"),
	})

	// A failed install keeps the previous package
	if installed, installErr := configSync.InstallPluginPackage(ctx); installErr != nil {
		log.Error("installing staged plugin package", "error", installErr)
	} else if installed {
		log.Info("staged plugin package installed", "manifest", configSync.Manifest())
	}

	// Load plugin packages
	if cfg.Node.DevMode {
		if err := ensureDevPackage(cfg.Node.PluginDir); err != nil {
			return fmt.Errorf("preparing development plugin: %w", err)
		}
	}
	routes := plugin.NewRouteTable()
	loader, err := plugin.NewLoader(plugin.Options{
		Opener: newPackageOpener(cfg, log.With("component", "mcpplugin")),
		Routes: routes,
		Logger: log.With("component", "plugin"),
	})
	if err != nil {
		return fmt.Errorf("creating plugin loader: %w", err)
	}
	defer func() {
		if closeErr := loader.Close(); closeErr != nil {
			log.Error("error closing plugin packages", "error", closeErr)
		}
	}()

	drivers, loadErrs := loader.LoadAll(ctx, cfg.Node.PluginDir)
	configSync.SetLoadedPackages(loader.Packages())
	log.Info("plugin packages loaded",
		"dir", cfg.Node.PluginDir,
		"packages", loader.Packages(),
		"excluded", len(loadErrs),
		"devices", len(drivers),
		"routes", routes.Len(),
	)
	if len(drivers) == 0 {
		return fmt.Errorf("%w from %s (%d packages excluded)", plugin.ErrNoDevices, cfg.Node.PluginDir, len(loadErrs))
	}

	registry, err := device.NewRegistry(drivers, device.Options{
		Source:           configSync,
		OperationTimeout: cfg.GetOperationTimeout(),
		Logger:           log.With("component", "registry"),
	})
	if err != nil {
		return fmt.Errorf("creating device registry: %w", err)
	}

	// Apply each configuration to the devices, then look for a new plugin package
	configSync.Handle(
		configsync.UpdateHandlerFunc(func(ctx context.Context, _ *device.NodeDeviceConfiguration) error {
			return registry.ApplyConfiguration(ctx)
		}),
		configSync.PluginUpdateHandler(),
	)

	// Connect to MQTT broker; the broker publishes the offline message if the node dies.
	// A broker that is down is retried until it answers or the node is stopped.
	topics := mqtt.NodeTopics{NodeID: cfg.Node.ID}
	offline, err := json.Marshal(configSync.OnlineMessage().Offline())
	if err != nil {
		return fmt.Errorf("encoding offline message: %w", err)
	}
	mqttClient, err := mqtt.Connect(ctx, cfg.MQTT, &mqtt.Presence{Topic: topics.Online(), Offline: offline})
	if err != nil {
		return fmt.Errorf("connecting to MQTT: %w", err)
	}
	mqttClient.SetLogger(log.With("component", "mqtt"))
	mqttClient.SetOnDisconnect(func(err error) {
		log.Warn("MQTT disconnected", "error", err)
	})
	log.Info("MQTT connected",
		"broker", fmt.Sprintf("%s:%d", cfg.MQTT.Broker.Host, cfg.MQTT.Broker.Port),
		"client_id", cfg.MQTT.Broker.ClientID,
	)

	// Connect to InfluxDB (optional)
	var (
		sink      bridge.ReportSink
		sinkStats api.SinkStats
	)
	if cfg.InfluxDB.Enabled {
		influxClient, influxErr := influxdb.Connect(ctx, influxdb.Options{
			Config: cfg.InfluxDB,
			NodeID: cfg.Node.ID,
			Logger: log.With("component", "influxdb"),
		})
		if influxErr != nil {
			mqttClient.Close() //nolint:errcheck // start-up already failed
			return fmt.Errorf("connecting to InfluxDB: %w", influxErr)
		}
		defer func() {
			log.Info("closing InfluxDB connection")
			if closeErr := influxClient.Close(); closeErr != nil {
				log.Error("error closing InfluxDB", "error", closeErr)
			}
		}()
		sink, sinkStats = influxClient, influxClient
		log.Info("InfluxDB connected", "url", cfg.InfluxDB.URL, "bucket", cfg.InfluxDB.Bucket)
	} else {
		log.Info("InfluxDB disabled")
	}

	// HTTP API
	apiServer, err := api.New(api.Deps{
		Config:   cfg.API,
		WS:       cfg.WebSocket,
		Logger:   log.With("component", "api"),
		Registry: registry,
		Node:     configSync,
		Routes:   routes,
		DB:       db.DB,
		Sink:     sinkStats,
		Version:  version,
	})
	if err != nil {
		mqttClient.Close() //nolint:errcheck // start-up already failed
		return fmt.Errorf("creating API server: %w", err)
	}
	if err := apiServer.Start(ctx); err != nil {
		mqttClient.Close() //nolint:errcheck // start-up already failed
		return fmt.Errorf("starting API server: %w", err)
	}
	defer func() {
		if closeErr := apiServer.Close(); closeErr != nil {
			log.Error("error closing API server", "error", closeErr)
		}
	}()

	// Bus bridge; from here on it owns the MQTT client and the devices
	bus, err := bridge.New(bridge.Options{
		MQTT:           mqttClient,
		Registry:       registry,
		Sync:           configSync,
		Topics:         topics,
		QoS:            byte(cfg.MQTT.QoS), //nolint:gosec // validated to 0..2
		HandshakeWait:  cfg.GetHandshakeWait(),
		CommandTimeout: cfg.GetCommandTimeout(),
		CommandWorkers: cfg.Devices.CommandWorkers,
		CommandQueue:   cfg.Devices.CommandQueue,
		Sink:           sink,
		Logger:         log.With("component", "bridge"),
	})
	if err != nil {
		mqttClient.Close() //nolint:errcheck // start-up already failed
		return fmt.Errorf("creating bus bridge: %w", err)
	}
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if stopErr := bus.Stop(stopCtx); stopErr != nil {
			log.Error("error stopping bus bridge", "error", stopErr)
		}
	}()
	if err := bus.Start(ctx); err != nil {
		return fmt.Errorf("starting bus bridge: %w", err)
	}
	apiServer.SetBus(bus)

	sched, err := scheduler.New(scheduler.Options{
		Registry: registry,
		Tick:     cfg.GetSchedulerTick(),
		Logger:   log.With("component", "scheduler"),
	})
	if err != nil {
		return fmt.Errorf("creating scheduler: %w", err)
	}

	if cfg.Node.DevMode {
		if err := configSync.LoadDeviceConfiguration(ctx, ""); err != nil {
			log.Warn("development configuration not applied", "path", cfg.Node.LocalConfiguration, "error", err)
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return sched.Run(gctx)
	})
	g.Go(func() error {
		select {
		case <-gctx.Done():
			return nil
		case <-restart.Requested():
			log.Info("restart requested", "reason", restart.Reason())
			return process.ErrRestartRequested
		}
	})

	notify(log, daemon.SdNotifyReady)
	log.Info("initialisation complete", "api", apiServer.Addr(), "devices", registry.Len())

	err = g.Wait()
	notify(log, daemon.SdNotifyStopping)
	log.Info("shutting down")

	// Deferred calls run in reverse order:
	// 1. Bus bridge (devices, then MQTT)
	// 2. API server
	// 3. InfluxDB (if enabled)
	// 4. Plugin packages
	// 5. Database
	return err
}

// loadConfig reads the YAML file at path. A missing file is not an error:
// containerised nodes are configured through the environment alone.
func loadConfig(path string) (*config.Config, error) {
	cfg, err := config.Load(path)
	if errors.Is(err, fs.ErrNotExist) {
		return config.FromEnv()
	}
	return cfg, err
}

// notify forwards a state to systemd. Outside systemd it does nothing.
func notify(log *logging.Logger, state string) {
	if _, err := daemon.SdNotify(false, state); err != nil {
		log.Warn("systemd notification failed", "state", state, "error", err)
	}
}
