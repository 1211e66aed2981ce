package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/revolutionized-iot2/riot2-node/internal/infrastructure/config"
	"github.com/revolutionized-iot2/riot2-node/internal/infrastructure/logging"
	"github.com/revolutionized-iot2/riot2-node/internal/process"
)

// supervise runs "riotnode run" as a child process until ctx is cancelled.
//
// The child is relaunched at once when it exits with
// process.RestartExitCode, and with backoff after a failure. A clean exit
// or a configuration error ends supervision. Once the child's API is up,
// /api/health is polled and a hung child is killed and relaunched.
//
// Returns:
//   - error: nil when the child exited cleanly or ctx was cancelled,
//     otherwise the child's last failure
func supervise(ctx context.Context, configPath string, maxRestarts int) error {
	log := logging.Default()

	exe, err := os.Executable()
	if err != nil {
		return fmt.Errorf("locating executable: %w", err)
	}

	// The supervisor only needs the API address; the child validates the rest.
	healthURL := ""
	if cfg, cfgErr := loadConfig(configPath); cfgErr == nil {
		log = logging.New(cfg.Logging, version)
		defer log.Close() //nolint:errcheck // nothing left to log to
		healthURL = healthEndpoint(cfg.API)
	} else {
		log.Warn("configuration unreadable, health checks disabled", "error", cfgErr)
	}

	pcfg := process.DefaultConfig("riotnode", exe, []string{"run", "--config", configPath})
	pcfg.Output = os.Stdout
	pcfg.MaxRestartAttempts = maxRestarts
	if healthURL != "" {
		pcfg.HealthCheckFunc = httpHealthCheck(healthURL)
		// The API only comes up once the broker has answered.
		pcfg.HealthCheckAfterFirstPass = true
	}
	pcfg.OnRestart = func(attempt int) {
		log.Warn("relaunching node after failure", "attempt", attempt)
	}

	mgr := process.NewManager(pcfg)
	mgr.SetLogger(log.With("component", "supervisor"))

	if err := mgr.Start(ctx); err != nil {
		return fmt.Errorf("starting node: %w", err)
	}
	log.Info("supervising node", "binary", exe, "config", configPath, "health", healthURL)

	select {
	case <-ctx.Done():
		if err := mgr.Stop(); err != nil {
			return fmt.Errorf("stopping node: %w", err)
		}
		return nil
	case <-mgr.Done():
	}

	stats := mgr.Stats()
	log.Info("supervision finished",
		"status", stats.Status,
		"restarts", stats.RestartCount,
		"restart_requests", stats.RestartRequests,
	)
	if stats.Status == process.StatusStopped {
		return nil
	}
	return mgr.LastError()
}

// healthEndpoint returns the URL of the node's health endpoint.
// A wildcard listen address is reached over loopback.
func healthEndpoint(cfg config.APIConfig) string {
	host := cfg.Host
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "127.0.0.1"
	}
	return "http://" + net.JoinHostPort(host, strconv.Itoa(cfg.Port)) + "/api/health"
}

// httpHealthCheck reports an error unless url answers 200.
func httpHealthCheck(url string) func(ctx context.Context) error {
	client := &http.Client{Timeout: 5 * time.Second}
	return func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return err
		}
		resp, err := client.Do(req)
		if err != nil {
			return fmt.Errorf("health check: %w", err)
		}
		resp.Body.Close() //nolint:errcheck // body unused
		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("health check: status %d", resp.StatusCode)
		}
		return nil
	}
}
