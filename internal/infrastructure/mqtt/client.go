package mqtt

import (
	"context"
	"sync"
	"sync/atomic"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/revolutionized-iot2/riot2-node/internal/infrastructure/config"
)

// Client is the node's connection to the MQTT broker.
//
// Paho owns reconnection; Client remembers subscriptions so they survive
// a new session, keeps delivery and publish counters, and announces the
// node's offline presence both as the Last Will and on a graceful Close.
//
// Thread Safety: all methods are safe for concurrent use.
type Client struct {
	client   pahomqtt.Client
	cfg      config.MQTTConfig
	presence *Presence

	subscriptions map[string]subscription
	subMu         sync.RWMutex

	connected atomic.Bool
	hooks     hooks
	stats     counters
}

// Logger is the logging surface of the client. *logging.Logger satisfies it.
type Logger interface {
	Error(msg string, args ...any)
	Warn(msg string, args ...any)
}

// Presence is the node's retained presence topic and its offline payload.
type Presence struct {
	Topic   string
	Offline []byte
}

// MessageHandler handles one inbound message. It runs on the paho delivery
// goroutine and must not block; a returned error is logged and counted.
type MessageHandler func(topic string, payload []byte) error

// ClientStats are the client's message counters.
type ClientStats struct {
	Published     uint64 `json:"published"`
	PublishFailed uint64 `json:"publishFailed"`
	Received      uint64 `json:"received"`
	HandlerErrors uint64 `json:"handlerErrors"`
	Reconnects    uint64 `json:"reconnects"`
}

type subscription struct {
	qos     byte
	handler pahomqtt.MessageHandler
}

type counters struct {
	published     atomic.Uint64
	publishFailed atomic.Uint64
	received      atomic.Uint64
	handlerErrors atomic.Uint64
	sessions      atomic.Uint64
}

// hooks holds the callbacks and logger that may be replaced after Connect.
type hooks struct {
	mu           sync.RWMutex
	onConnect    func()
	onDisconnect func(err error)
	log          Logger
}

func (h *hooks) logger() Logger {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.log == nil {
		return noopLogger{}
	}
	return h.log
}

type noopLogger struct{}

func (noopLogger) Error(string, ...any) {}
func (noopLogger) Warn(string, ...any)  {}

// Connect dials the broker described by cfg and blocks until the first
// session is up or ctx ends. Paho keeps retrying a broker that is down,
// so a node booted before its broker simply waits.
//
// Parameters:
//   - ctx: Bounds the wait for the first session
//   - cfg: Broker address, credentials, QoS and reconnect delays
//   - presence: Registered as the Last Will when not nil
//
// Returns:
//   - *Client: Connected client
//   - error: Wrapped ErrConnectionFailed
func Connect(ctx context.Context, cfg config.MQTTConfig, presence *Presence) (*Client, error) {
	c := &Client{
		cfg:           cfg,
		presence:      presence,
		subscriptions: make(map[string]subscription),
	}

	opts := buildClientOptions(cfg)
	if presence != nil {
		configureLWT(opts, presence)
	}
	opts.SetOnConnectHandler(func(pahomqtt.Client) { c.sessionUp() })
	opts.SetConnectionLostHandler(func(_ pahomqtt.Client, err error) { c.sessionLost(err) })

	c.client = pahomqtt.NewClient(opts)
	if err := awaitContext(ctx, c.client.Connect(), ErrConnectionFailed); err != nil {
		// Stops the retry loop.
		c.client.Disconnect(0)
		return nil, err
	}

	// The connect handler may still be queued.
	c.connected.Store(true)
	return c, nil
}

// sessionUp runs on every successful (re)connect.
func (c *Client) sessionUp() {
	c.connected.Store(true)
	if c.stats.sessions.Add(1) > 1 {
		c.restoreSubscriptions()
	}

	c.hooks.mu.RLock()
	callback := c.hooks.onConnect
	c.hooks.mu.RUnlock()
	if callback != nil {
		callback()
	}
}

func (c *Client) sessionLost(err error) {
	c.connected.Store(false)
	c.hooks.logger().Warn("MQTT connection lost, reconnecting", "broker", c.cfg.Broker.Host, "error", err)

	c.hooks.mu.RLock()
	callback := c.hooks.onDisconnect
	c.hooks.mu.RUnlock()
	if callback != nil {
		callback(err)
	}
}

// Close publishes the offline presence, when configured, and disconnects.
// It is safe on a zero Client and idempotent.
func (c *Client) Close() error {
	if c.client == nil {
		return nil
	}
	if c.presence != nil && c.IsConnected() {
		token := c.client.Publish(c.presence.Topic, byte(c.cfg.QoS), true, c.presence.Offline)
		if err := await(token, defaultPublishTimeout, ErrPublishFailed); err != nil {
			c.hooks.logger().Warn("offline presence not published", "error", err)
		}
	}
	c.client.Disconnect(defaultDisconnectQuiesce)
	c.connected.Store(false)
	return nil
}

// IsConnected reports whether a broker session is currently up.
func (c *Client) IsConnected() bool {
	return c.client != nil && c.connected.Load() && c.client.IsConnected()
}

// Stats returns a snapshot of the message counters.
func (c *Client) Stats() ClientStats {
	reconnects := c.stats.sessions.Load()
	if reconnects > 0 {
		reconnects--
	}
	return ClientStats{
		Published:     c.stats.published.Load(),
		PublishFailed: c.stats.publishFailed.Load(),
		Received:      c.stats.received.Load(),
		HandlerErrors: c.stats.handlerErrors.Load(),
		Reconnects:    reconnects,
	}
}

// SetOnConnect sets the callback run after every successful (re)connect,
// once subscriptions have been replayed.
func (c *Client) SetOnConnect(callback func()) {
	c.hooks.mu.Lock()
	c.hooks.onConnect = callback
	c.hooks.mu.Unlock()
}

// SetOnDisconnect sets the callback run when the session drops.
func (c *Client) SetOnDisconnect(callback func(err error)) {
	c.hooks.mu.Lock()
	c.hooks.onDisconnect = callback
	c.hooks.mu.Unlock()
}

// SetLogger sets the logger for connection loss and handler failures.
func (c *Client) SetLogger(logger Logger) {
	c.hooks.mu.Lock()
	c.hooks.log = logger
	c.hooks.mu.Unlock()
}

// wrapHandler adapts a MessageHandler to paho, counting deliveries and
// keeping a panicking handler from killing the delivery goroutine.
func (c *Client) wrapHandler(handler MessageHandler) pahomqtt.MessageHandler {
	return func(_ pahomqtt.Client, msg pahomqtt.Message) {
		c.stats.received.Add(1)
		defer func() {
			if r := recover(); r != nil {
				c.stats.handlerErrors.Add(1)
				c.hooks.logger().Error("MQTT handler panic recovered", "topic", msg.Topic(), "panic", r)
			}
		}()

		if err := handler(msg.Topic(), msg.Payload()); err != nil {
			c.stats.handlerErrors.Add(1)
			c.hooks.logger().Warn("MQTT handler returned error", "topic", msg.Topic(), "error", err)
		}
	}
}
