package influxdb

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"

	"github.com/revolutionized-iot2/riot2-node/internal/infrastructure/config"
)

const (
	connectTimeout = 10 * time.Second

	defaultBatchSize     = 100
	defaultFlushInterval = 10 * time.Second
)

// Logger is the logging surface of the sink. *logging.Logger satisfies it.
type Logger interface {
	Warn(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Warn(string, ...any) {}

// Options configures Connect.
type Options struct {
	Config config.InfluxDBConfig

	// NodeID is added as the node_id tag of every point.
	NodeID string

	// Logger receives asynchronous write failures. May be nil.
	Logger Logger
}

// Stats are the sink's point counters.
type Stats struct {
	Written uint64 `json:"written"`
	Skipped uint64 `json:"skipped"`
	Failed  uint64 `json:"failed"`
}

// Client is the optional time-series sink for device reports.
//
// Points are batched by the InfluxDB write API. WriteReport never blocks
// and never fails; write errors are logged and counted, so an unreachable
// InfluxDB cannot slow the bus bridge down.
type Client struct {
	client   influxdb2.Client
	writeAPI api.WriteAPI
	logger   Logger

	closed  atomic.Bool
	written atomic.Uint64
	skipped atomic.Uint64
	failed  atomic.Uint64
}

// Connect creates the sink and checks that the server answers a ping.
//
// Parameters:
//   - ctx: Bounds the ping together with the connect timeout
//   - opts: Server settings, node tag and logger
//
// Returns:
//   - *Client: Ready sink
//   - error: ErrDisabled when influxdb.enabled is false, or a wrapped
//     ErrConnectionFailed
func Connect(ctx context.Context, opts Options) (*Client, error) {
	cfg := opts.Config
	if !cfg.Enabled {
		return nil, ErrDisabled
	}
	if opts.Logger == nil {
		opts.Logger = noopLogger{}
	}

	clientOpts := influxdb2.DefaultOptions().
		SetBatchSize(uint(positiveOr(cfg.BatchSize, defaultBatchSize))).
		SetFlushInterval(uint(flushInterval(cfg).Milliseconds()))
	if opts.NodeID != "" {
		clientOpts.AddDefaultTag("node_id", opts.NodeID)
	}
	client := influxdb2.NewClientWithOptions(cfg.URL, cfg.Token, clientOpts)

	pingCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()
	if healthy, err := client.Ping(pingCtx); err != nil || !healthy {
		client.Close()
		if err == nil {
			err = fmt.Errorf("server at %s not ready", cfg.URL)
		}
		return nil, fmt.Errorf("%w: %w", ErrConnectionFailed, err)
	}

	c := &Client{
		client:   client,
		writeAPI: client.WriteAPI(cfg.Org, cfg.Bucket),
		logger:   opts.Logger,
	}
	go c.drainErrors(c.writeAPI.Errors())
	return c, nil
}

// drainErrors consumes the write API's error channel, which must be read
// for the write API not to block.
func (c *Client) drainErrors(errs <-chan error) {
	for err := range errs {
		c.failed.Add(1)
		c.logger.Warn("InfluxDB write failed", "error", err)
	}
}

// Close flushes buffered points and releases the client. It is safe on a
// zero Client and idempotent.
func (c *Client) Close() error {
	if c.client == nil || !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	c.writeAPI.Flush()
	c.client.Close()
	return nil
}

// Flush writes buffered points now.
func (c *Client) Flush() {
	if c.client == nil || c.closed.Load() {
		return
	}
	c.writeAPI.Flush()
}

// Stats returns a snapshot of the point counters.
func (c *Client) Stats() Stats {
	return Stats{
		Written: c.written.Load(),
		Skipped: c.skipped.Load(),
		Failed:  c.failed.Load(),
	}
}

func positiveOr(v, def int) int {
	if v > 0 {
		return v
	}
	return def
}

// flushInterval reads influxdb.flush_interval, given in seconds.
func flushInterval(cfg config.InfluxDBConfig) time.Duration {
	if cfg.FlushInterval > 0 {
		return time.Duration(cfg.FlushInterval) * time.Second
	}
	return defaultFlushInterval
}
