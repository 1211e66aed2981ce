package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/revolutionized-iot2/riot2-node/internal/device"
	"github.com/revolutionized-iot2/riot2-node/internal/infrastructure/mqtt"
)

// orderLog records cross-component events in the order they happen.
type orderLog struct {
	mu      sync.Mutex
	entries []string
}

func (l *orderLog) add(e string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append(l.entries, e)
}

func (l *orderLog) list() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.entries...)
}

// MockMQTTClient implements MQTTClient for testing.
type MockMQTTClient struct {
	mu        sync.Mutex
	published []mockPublish
	handlers  map[string]mqtt.MessageHandler
	retained  map[string][]byte
	onConnect func()
	connected bool
	log       *orderLog
}

type mockPublish struct {
	Topic    string
	Payload  []byte
	QoS      byte
	Retained bool
}

func NewMockMQTTClient(log *orderLog) *MockMQTTClient {
	return &MockMQTTClient{
		handlers:  make(map[string]mqtt.MessageHandler),
		retained:  make(map[string][]byte),
		connected: true,
		log:       log,
	}
}

func (m *MockMQTTClient) Publish(topic string, payload []byte, qos byte, retained bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.connected {
		return mqtt.ErrNotConnected
	}
	m.published = append(m.published, mockPublish{Topic: topic, Payload: payload, QoS: qos, Retained: retained})
	return nil
}

// Subscribe registers the handler and, like a broker, delivers a retained
// message for the topic straight away.
func (m *MockMQTTClient) Subscribe(topic string, _ byte, handler mqtt.MessageHandler) error {
	m.mu.Lock()
	m.handlers[topic] = handler
	retained, ok := m.retained[topic]
	m.mu.Unlock()
	if ok {
		handler(topic, retained) //nolint:errcheck // mirrors the client, which only logs
	}
	return nil
}

func (m *MockMQTTClient) IsConnected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connected
}

func (m *MockMQTTClient) SetOnConnect(callback func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onConnect = callback
}

func (m *MockMQTTClient) Close() error {
	m.mu.Lock()
	m.connected = false
	m.mu.Unlock()
	if m.log != nil {
		m.log.add("mqtt-close")
	}
	return nil
}

// Retain stores a retained message delivered on the next Subscribe.
func (m *MockMQTTClient) Retain(topic string, payload []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.retained[topic] = payload
}

// SimulateMessage simulates receiving an MQTT message on a topic.
func (m *MockMQTTClient) SimulateMessage(topic string, payload []byte) error {
	m.mu.Lock()
	handler, ok := m.handlers[topic]
	m.mu.Unlock()
	if !ok {
		return errors.New("no subscription for " + topic)
	}
	return handler(topic, payload)
}

// SimulateReconnect invokes the OnConnect callback.
func (m *MockMQTTClient) SimulateReconnect() {
	m.mu.Lock()
	cb := m.onConnect
	m.mu.Unlock()
	if cb != nil {
		cb()
	}
}

func (m *MockMQTTClient) publishedTo(topic string) []mockPublish {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []mockPublish
	for _, p := range m.published {
		if p.Topic == topic {
			out = append(out, p)
		}
	}
	return out
}

func (m *MockMQTTClient) acks() []AckMessage {
	var out []AckMessage
	for _, p := range m.publishedTo(testTopics.Ack()) {
		var ack AckMessage
		if err := json.Unmarshal(p.Payload, &ack); err == nil {
			out = append(out, ack)
		}
	}
	return out
}

// testRelay is a command device. When block is set, Execute signals
// entered and waits for block to close.
type testRelay struct {
	id  string
	log *orderLog

	mu      sync.Mutex
	cmds    []string
	block   chan struct{}
	entered chan struct{}
}

func (r *testRelay) ID() string                  { return r.id }
func (r *testRelay) Name() string                { return "Relay " + r.id }
func (r *testRelay) Class() string               { return "Test.Relay" }
func (r *testRelay) Start(context.Context) error { return nil }

func (r *testRelay) Stop(context.Context) error {
	if r.log != nil {
		r.log.add("device-stop:" + r.id)
	}
	return nil
}

func (r *testRelay) Execute(ctx context.Context, cmd device.Command) error {
	r.mu.Lock()
	block, entered := r.block, r.entered
	r.mu.Unlock()
	if entered != nil {
		entered <- struct{}{}
	}
	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if cmd.Name == "explode" {
		return errors.New("relay jammed")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cmds = append(r.cmds, cmd.Name)
	return nil
}

func (r *testRelay) executed() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.cmds...)
}

// testSensor is a report device.
type testSensor struct{ id string }

func (s *testSensor) ID() string                  { return s.id }
func (s *testSensor) Name() string                { return "Sensor " + s.id }
func (s *testSensor) Class() string               { return "Test.Sensor" }
func (s *testSensor) Start(context.Context) error { return nil }
func (s *testSensor) Stop(context.Context) error  { return nil }

func (s *testSensor) Refresh(context.Context) ([]device.Report, error) {
	return []device.Report{{Name: "temperature", Payload: json.RawMessage(`{"value":21.5}`)}}, nil
}

// memorySink records reports.
type memorySink struct {
	mu      sync.Mutex
	reports []string
}

func (s *memorySink) WriteReport(deviceID, _, report string, _ json.RawMessage, _ time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reports = append(s.reports, deviceID+"/"+report)
}

func (s *memorySink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.reports)
}
