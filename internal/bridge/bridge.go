package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/revolutionized-iot2/riot2-node/internal/configsync"
	"github.com/revolutionized-iot2/riot2-node/internal/device"
	"github.com/revolutionized-iot2/riot2-node/internal/infrastructure/mqtt"
)

// Bridge defaults.
const (
	DefaultHandshakeWait  = 2 * time.Second
	DefaultCommandTimeout = 10 * time.Second
	DefaultCommandWorkers = 4
	DefaultCommandQueue   = 64

	// eventBuffer is the registry subscription buffer.
	eventBuffer = 256

	defaultQoS = 1
)

// MQTTClient is the part of the MQTT client the bridge uses.
// *mqtt.Client satisfies it.
type MQTTClient interface {
	Publish(topic string, payload []byte, qos byte, retained bool) error
	Subscribe(topic string, qos byte, handler mqtt.MessageHandler) error
	IsConnected() bool
	SetOnConnect(callback func())
	Close() error
}

// Registry is the part of the device registry the bridge drives.
type Registry interface {
	Execute(ctx context.Context, id string, cmd device.Command) error
	Subscribe(buffer int) (<-chan device.Event, func())
	Shutdown(ctx context.Context) error
}

// ConfigSync receives pushed configurations and provides the handshake.
type ConfigSync interface {
	OnlineMessage() configsync.OnlineMessage
	SetDeviceConfiguration(ctx context.Context, cfg *device.NodeDeviceConfiguration) error
}

// ReportSink stores reports outside the bus. *influxdb.Client satisfies it.
type ReportSink interface {
	WriteReport(deviceID, deviceName, report string, payload json.RawMessage, at time.Time)
}

// Logger defines the logging interface used by the bridge.
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

// Options holds the dependencies and settings of a bridge.
type Options struct {
	MQTT     MQTTClient
	Registry Registry
	Sync     ConfigSync
	Topics   mqtt.NodeTopics

	// QoS for every publish and subscribe. Defaults to 1.
	QoS byte

	// HandshakeWait is how long Start waits for a retained configuration
	// before announcing the node.
	HandshakeWait time.Duration

	CommandTimeout time.Duration
	CommandWorkers int
	CommandQueue   int

	// Sink optionally receives every report. May be nil.
	Sink ReportSink

	Logger Logger
}

// Stats are the bridge's message counters.
type Stats struct {
	CommandsReceived  uint64 `json:"commandsReceived"`
	CommandsDropped   uint64 `json:"commandsDropped"`
	CommandsFailed    uint64 `json:"commandsFailed"`
	ConfigsReceived   uint64 `json:"configsReceived"`
	ConfigsApplied    uint64 `json:"configsApplied"`
	MessagesMalformed uint64 `json:"messagesMalformed"`
	EventsPublished   uint64 `json:"eventsPublished"`

	// Transport holds the MQTT client's own counters when it keeps them.
	Transport *mqtt.ClientStats `json:"transport,omitempty"`
}

// transportStats is implemented by *mqtt.Client.
type transportStats interface {
	Stats() mqtt.ClientStats
}

// Bridge relays between the node's MQTT topics and the device registry.
//
// It handles:
//   - The online handshake, unless a retained configuration exists
//   - Inbound configurations, applied by a single worker
//   - Inbound commands, executed by a bounded worker pool with acks
//   - Outbound device state changes and reports
//
// Thread Safety: All methods are safe for concurrent use.
type Bridge struct {
	mqtt       MQTTClient
	registry   Registry
	configSync ConfigSync
	topics     mqtt.NodeTopics
	sink       ReportSink
	logger     Logger

	qos            byte
	handshakeWait  time.Duration
	commandTimeout time.Duration
	workers        int

	commands chan CommandMessage

	// Latest pending configuration; the worker always applies the newest.
	configMu      sync.Mutex
	pendingConfig *pendingConfig
	configSignal  chan struct{}

	configReceived atomic.Bool
	firstConfig    chan struct{}
	firstOnce      sync.Once
	handshakeDone  atomic.Bool

	stats struct {
		commandsReceived  atomic.Uint64
		commandsDropped   atomic.Uint64
		commandsFailed    atomic.Uint64
		configsReceived   atomic.Uint64
		configsApplied    atomic.Uint64
		messagesMalformed atomic.Uint64
		eventsPublished   atomic.Uint64
	}

	// Shutdown coordination
	done        chan struct{}
	eventsDone  chan struct{}
	workerWG    sync.WaitGroup
	eventWG     sync.WaitGroup
	unsubscribe func()
	stopOnce    sync.Once
	stopErr     error
	ctx         context.Context    // Bridge-level context, cancelled on Stop()
	ctxCancel   context.CancelFunc // Cancel function for ctx
}

type pendingConfig struct {
	raw []byte
	cfg *device.NodeDeviceConfiguration
}

// New creates a bridge. Call Start to begin operation.
//
// Returns:
//   - *Bridge: Ready to Start
//   - error: ErrMissingDependency when MQTT, Registry or Sync is nil
func New(opts Options) (*Bridge, error) {
	if opts.MQTT == nil {
		return nil, fmt.Errorf("%w: MQTT client", ErrMissingDependency)
	}
	if opts.Registry == nil {
		return nil, fmt.Errorf("%w: registry", ErrMissingDependency)
	}
	if opts.Sync == nil {
		return nil, fmt.Errorf("%w: configuration sync", ErrMissingDependency)
	}
	if opts.QoS == 0 {
		opts.QoS = defaultQoS
	}
	if opts.HandshakeWait <= 0 {
		opts.HandshakeWait = DefaultHandshakeWait
	}
	if opts.CommandTimeout <= 0 {
		opts.CommandTimeout = DefaultCommandTimeout
	}
	if opts.CommandWorkers <= 0 {
		opts.CommandWorkers = DefaultCommandWorkers
	}
	if opts.CommandQueue <= 0 {
		opts.CommandQueue = DefaultCommandQueue
	}
	if opts.Logger == nil {
		opts.Logger = noopLogger{}
	}

	// Bridge-level context for in-flight work, cancelled on Stop
	ctx, ctxCancel := context.WithCancel(context.Background())

	return &Bridge{
		mqtt:           opts.MQTT,
		registry:       opts.Registry,
		configSync:     opts.Sync,
		topics:         opts.Topics,
		sink:           opts.Sink,
		logger:         opts.Logger,
		qos:            opts.QoS,
		handshakeWait:  opts.HandshakeWait,
		commandTimeout: opts.CommandTimeout,
		workers:        opts.CommandWorkers,
		commands:       make(chan CommandMessage, opts.CommandQueue),
		configSignal:   make(chan struct{}, 1),
		firstConfig:    make(chan struct{}),
		done:           make(chan struct{}),
		eventsDone:     make(chan struct{}),
		ctx:            ctx,
		ctxCancel:      ctxCancel,
	}, nil
}

// Start subscribes to the node topics and performs the handshake.
//
// Sequence:
//  1. Subscribe to registry events and start publishing them
//  2. Subscribe to the configuration topic and start the configuration worker
//  3. Wait up to HandshakeWait for a retained configuration; announce the
//     node if none arrives
//  4. Subscribe to the command topic and start the command workers
//
// Parameters:
//   - ctx: Bounds the handshake wait
func (b *Bridge) Start(ctx context.Context) error {
	events, unsubscribe := b.registry.Subscribe(eventBuffer)
	b.unsubscribe = unsubscribe
	b.eventWG.Add(1)
	go b.publishEvents(events)

	b.workerWG.Add(1)
	go b.configWorker()

	if err := b.mqtt.Subscribe(b.topics.Configuration(), b.qos, b.handleConfiguration); err != nil {
		return fmt.Errorf("subscribe to configuration: %w", err)
	}
	b.logger.Info("subscribed to configuration", "topic", b.topics.Configuration())

	b.awaitHandshake(ctx)

	for i := 0; i < b.workers; i++ {
		b.workerWG.Add(1)
		go b.commandWorker()
	}
	if err := b.mqtt.Subscribe(b.topics.Command(), b.qos, b.handleCommand); err != nil {
		return fmt.Errorf("subscribe to commands: %w", err)
	}
	b.logger.Info("subscribed to commands", "topic", b.topics.Command(), "workers", b.workers)

	b.mqtt.SetOnConnect(b.handleReconnect)
	b.handshakeDone.Store(true)

	b.logger.Info("bridge started", "node_id", b.topics.NodeID)
	return nil
}

// awaitHandshake announces the node unless a retained configuration
// arrives within the handshake wait.
func (b *Bridge) awaitHandshake(ctx context.Context) {
	timer := time.NewTimer(b.handshakeWait)
	defer timer.Stop()

	select {
	case <-b.firstConfig:
		b.logger.Info("retained configuration received, skipping online handshake")
	case <-timer.C:
		b.publishOnline()
	case <-ctx.Done():
	}
}

// handleReconnect re-announces a node that has never been configured.
// The MQTT client restores subscriptions itself.
func (b *Bridge) handleReconnect() {
	if !b.handshakeDone.Load() || b.configReceived.Load() {
		return
	}
	b.logger.Info("reconnected without configuration, announcing node")
	b.publishOnline()
}

func (b *Bridge) publishOnline() {
	msg := b.configSync.OnlineMessage()
	payload, err := json.Marshal(msg)
	if err != nil {
		b.logger.Error("failed to marshal online message", "error", err)
		return
	}
	if err := b.mqtt.Publish(b.topics.Online(), payload, b.qos, true); err != nil {
		b.logger.Error("failed to publish online message", "error", err)
		return
	}
	b.logger.Info("online message published", "topic", b.topics.Online(), "url", msg.URL)
}

// Stop shuts the bridge down.
//
// Sequence:
//  1. Stop accepting messages and let in-flight commands and the
//     configuration worker finish. When ctx ends first their work is
//     cancelled and shutdown continues.
//  2. Stop every device through the registry
//  3. Publish the remaining events
//  4. Disconnect, which publishes the offline message
//
// Safe to call multiple times; later calls return the first result.
func (b *Bridge) Stop(ctx context.Context) error {
	b.stopOnce.Do(func() {
		close(b.done)
		var errs []error
		if !waitGroup(ctx, &b.workerWG) {
			b.logger.Warn("bridge workers still busy at shutdown deadline, cancelling them")
			errs = append(errs, fmt.Errorf("waiting for bridge workers: %w", ctx.Err()))
		}
		b.ctxCancel()

		if err := b.registry.Shutdown(ctx); err != nil {
			b.logger.Error("device shutdown incomplete", "error", err)
			errs = append(errs, err)
		}
		b.stopErr = errors.Join(errs...)

		close(b.eventsDone)
		b.eventWG.Wait()
		if b.unsubscribe != nil {
			b.unsubscribe()
		}

		if err := b.mqtt.Close(); err != nil {
			b.logger.Error("closing MQTT client", "error", err)
		}
		b.logger.Info("bridge stopped")
	})
	return b.stopErr
}

// waitGroup waits for wg until ctx ends. It reports whether wg finished.
func waitGroup(ctx context.Context, wg *sync.WaitGroup) bool {
	finished := make(chan struct{})
	go func() {
		wg.Wait()
		close(finished)
	}()
	select {
	case <-finished:
		return true
	case <-ctx.Done():
		return false
	}
}

// Stats returns a snapshot of the message counters.
func (b *Bridge) Stats() Stats {
	stats := Stats{
		CommandsReceived:  b.stats.commandsReceived.Load(),
		CommandsDropped:   b.stats.commandsDropped.Load(),
		CommandsFailed:    b.stats.commandsFailed.Load(),
		ConfigsReceived:   b.stats.configsReceived.Load(),
		ConfigsApplied:    b.stats.configsApplied.Load(),
		MessagesMalformed: b.stats.messagesMalformed.Load(),
		EventsPublished:   b.stats.eventsPublished.Load(),
	}
	if ts, ok := b.mqtt.(transportStats); ok {
		transport := ts.Stats()
		stats.Transport = &transport
	}
	return stats
}

// IsConnected reports whether the MQTT client is connected.
func (b *Bridge) IsConnected() bool {
	return b.mqtt.IsConnected()
}

func (b *Bridge) stopping() bool {
	select {
	case <-b.done:
		return true
	default:
		return false
	}
}

func (b *Bridge) publishJSON(topic string, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshalling %T: %w", v, err)
	}
	return b.mqtt.Publish(topic, payload, b.qos, false)
}
