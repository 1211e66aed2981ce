package mqtt

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/revolutionized-iot2/riot2-node/internal/infrastructure/config"
)

// testConfig returns an MQTT configuration for a local broker at 127.0.0.1:1883.
func testConfig(clientID string) config.MQTTConfig {
	return config.MQTTConfig{
		Broker: config.MQTTBrokerConfig{
			Host:     "127.0.0.1",
			Port:     1883,
			ClientID: clientID,
		},
		QoS: 1,
		Reconnect: config.MQTTReconnectConfig{
			InitialDelay: 1,
			MaxDelay:     5,
		},
	}
}

// connectOrSkip connects to the local broker, skipping the test when none runs.
func connectOrSkip(t *testing.T, clientID string, presence *Presence) *Client {
	t.Helper()
	conn, err := net.DialTimeout("tcp", "127.0.0.1:1883", 200*time.Millisecond)
	if err != nil {
		t.Skip("no MQTT broker on 127.0.0.1:1883")
	}
	conn.Close()

	client, err := Connect(context.Background(), testConfig(clientID), presence)
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	t.Cleanup(func() { client.Close() })
	return client
}

// =============================================================================
// Topic Tests
// =============================================================================

func TestNodeTopics(t *testing.T) {
	topics := NodeTopics{NodeID: "node-7"}

	tests := []struct {
		name string
		got  string
		want string
	}{
		{"online", topics.Online(), "riot2/node/node-7/online"},
		{"command", topics.Command(), "riot2/node/node-7/command"},
		{"configuration", topics.Configuration(), "riot2/node/node-7/configuration"},
		{"report", topics.Report(), "riot2/node/node-7/report"},
		{"status", topics.Status(), "riot2/node/node-7/status"},
		{"ack", topics.Ack(), "riot2/node/node-7/ack"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.got != tt.want {
				t.Errorf("%s topic = %q, want %q", tt.name, tt.got, tt.want)
			}
		})
	}
}

// =============================================================================
// Validation Tests (no broker needed)
// =============================================================================

func TestPublish_Validation(t *testing.T) {
	client := &Client{subscriptions: make(map[string]subscription)}

	tests := []struct {
		name    string
		topic   string
		payload []byte
		qos     byte
		wantErr error
	}{
		{"empty topic", "", []byte("x"), 1, ErrInvalidTopic},
		{"wildcard topic", "riot2/node/+/report", []byte("x"), 1, ErrInvalidTopic},
		{"multi-level wildcard", "riot2/node/#", []byte("x"), 1, ErrInvalidTopic},
		{"bad qos", "riot2/node/n/report", []byte("x"), 3, ErrInvalidQoS},
		{"oversized payload", "riot2/node/n/report", make([]byte, maxPayloadSize+1), 1, ErrPayloadTooLarge},
		{"not connected", "riot2/node/n/report", []byte("x"), 1, ErrNotConnected},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := client.Publish(tt.topic, tt.payload, tt.qos, false)
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("Publish() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestSubscribe_Validation(t *testing.T) {
	client := &Client{subscriptions: make(map[string]subscription)}
	handler := func(string, []byte) error { return nil }

	if err := client.Subscribe("", 1, handler); !errors.Is(err, ErrInvalidTopic) {
		t.Errorf("Subscribe(empty) error = %v, want ErrInvalidTopic", err)
	}
	if err := client.Subscribe("t", 5, handler); !errors.Is(err, ErrInvalidQoS) {
		t.Errorf("Subscribe(qos 5) error = %v, want ErrInvalidQoS", err)
	}
	if err := client.Subscribe("t", 1, nil); !errors.Is(err, ErrSubscribeFailed) {
		t.Errorf("Subscribe(nil handler) error = %v, want ErrSubscribeFailed", err)
	}
	if err := client.Subscribe("t", 1, handler); !errors.Is(err, ErrNotConnected) {
		t.Errorf("Subscribe(disconnected) error = %v, want ErrNotConnected", err)
	}
	if got := client.Subscriptions(); len(got) != 0 {
		t.Errorf("Subscriptions() = %v, want none after failed subscribes", got)
	}
}

func TestCloseNil(t *testing.T) {
	client := &Client{}
	if err := client.Close(); err != nil {
		t.Errorf("Close() on nil client error = %v, want nil", err)
	}
}

type recordingLogger struct {
	errors []string
	warns  []string
}

func (l *recordingLogger) Error(msg string, _ ...any) { l.errors = append(l.errors, msg) }
func (l *recordingLogger) Warn(msg string, _ ...any)  { l.warns = append(l.warns, msg) }

type fakeMessage struct {
	topic   string
	payload []byte
}

func (m fakeMessage) Duplicate() bool   { return false }
func (m fakeMessage) Qos() byte         { return 1 }
func (m fakeMessage) Retained() bool    { return false }
func (m fakeMessage) Topic() string     { return m.topic }
func (m fakeMessage) MessageID() uint16 { return 1 }
func (m fakeMessage) Payload() []byte   { return m.payload }
func (m fakeMessage) Ack()              {}

func TestWrapHandler_RecoversPanicAndLogsErrors(t *testing.T) {
	logger := &recordingLogger{}
	client := &Client{}
	client.SetLogger(logger)

	panicking := client.wrapHandler(func(string, []byte) error { panic("driver bug") })
	failing := client.wrapHandler(func(string, []byte) error { return fmt.Errorf("bad payload") })

	panicking(nil, fakeMessage{topic: "riot2/node/n/command"})
	failing(nil, fakeMessage{topic: "riot2/node/n/command"})

	if len(logger.errors) != 1 || !strings.Contains(logger.errors[0], "panic") {
		t.Errorf("errors logged = %v, want one panic entry", logger.errors)
	}
	if len(logger.warns) != 1 {
		t.Errorf("warnings logged = %v, want one handler error", logger.warns)
	}

	stats := client.Stats()
	if stats.Received != 2 || stats.HandlerErrors != 2 {
		t.Errorf("Stats() = %+v, want 2 received and 2 handler errors", stats)
	}
}

func TestStats_ReconnectsExcludeFirstSession(t *testing.T) {
	client := &Client{subscriptions: make(map[string]subscription)}

	tests := []struct {
		sessions uint64
		want     uint64
	}{
		{0, 0},
		{1, 0},
		{4, 3},
	}
	for _, tt := range tests {
		client.stats.sessions.Store(tt.sessions)
		if got := client.Stats().Reconnects; got != tt.want {
			t.Errorf("Stats().Reconnects with %d sessions = %d, want %d", tt.sessions, got, tt.want)
		}
	}
}

// =============================================================================
// Broker Tests
// =============================================================================

func TestConnectInvalidBroker(t *testing.T) {
	cfg := testConfig("riot2-test-invalid")
	cfg.Broker.Port = unusedPort(t)

	// ConnectRetry keeps paho trying; only the context ends the wait.
	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	_, err := Connect(ctx, cfg, nil)
	if !errors.Is(err, ErrConnectionFailed) {
		t.Errorf("Connect() error = %v, want ErrConnectionFailed", err)
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Connect() error = %v, want context.DeadlineExceeded", err)
	}
}

func TestConnect_WaitsForLateBroker(t *testing.T) {
	port := unusedPort(t)
	cfg := testConfig("riot2-test-late")
	cfg.Broker.Port = port

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	type result struct {
		client *Client
		err    error
	}
	done := make(chan result, 1)
	go func() {
		c, err := Connect(ctx, cfg, nil)
		done <- result{c, err}
	}()

	// Let the first attempt fail before the broker appears.
	time.Sleep(300 * time.Millisecond)
	l, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
	if err != nil {
		t.Skipf("port %d taken before the broker could start: %v", port, err)
	}
	defer l.Close()
	go serveConnack(l)

	res := <-done
	if res.err != nil {
		t.Fatalf("Connect() error = %v, want a session once the broker is up", res.err)
	}
	defer res.client.Close()
	if !res.client.IsConnected() {
		t.Error("IsConnected() = false after Connect")
	}
}

// unusedPort returns a local TCP port nothing listens on.
func unusedPort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen() error = %v", err)
	}
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port
}

// serveConnack is a minimal MQTT 3.1.1 broker: it accepts every CONNECT,
// answers PINGREQ and ignores everything else.
func serveConnack(l net.Listener) {
	for {
		conn, err := l.Accept()
		if err != nil {
			return
		}
		go func(conn net.Conn) {
			defer conn.Close()
			r := bufio.NewReader(conn)
			for {
				packetType, err := readPacket(r)
				if err != nil {
					return
				}
				switch packetType {
				case 0x10: // CONNECT
					conn.Write([]byte{0x20, 0x02, 0x00, 0x00}) //nolint:errcheck // test broker
				case 0xC0: // PINGREQ
					conn.Write([]byte{0xD0, 0x00}) //nolint:errcheck // test broker
				case 0xE0: // DISCONNECT
					return
				}
			}
		}(conn)
	}
}

// readPacket consumes one control packet and returns its type nibble.
func readPacket(r *bufio.Reader) (byte, error) {
	header, err := r.ReadByte()
	if err != nil {
		return 0, err
	}
	length, multiplier := 0, 1
	for {
		b, err := r.ReadByte()
		if err != nil {
			return 0, err
		}
		length += int(b&0x7F) * multiplier
		if b&0x80 == 0 {
			break
		}
		multiplier *= 128
	}
	if _, err := r.Discard(length); err != nil {
		return 0, err
	}
	return header & 0xF0, nil
}

func TestRetainedConfigurationRedelivered(t *testing.T) {
	topics := NodeTopics{NodeID: fmt.Sprintf("test-%d", time.Now().UnixNano())}

	orchestrator := connectOrSkip(t, "riot2-test-orchestrator", nil)
	if err := orchestrator.Publish(topics.Configuration(), []byte(`{"devices":[]}`), 1, true); err != nil {
		t.Fatalf("Publish(retained) error = %v", err)
	}
	defer orchestrator.Publish(topics.Configuration(), nil, 1, true) //nolint:errcheck // clears the retained message

	node := connectOrSkip(t, "riot2-test-node", &Presence{Topic: topics.Online(), Offline: []byte(`{"isOnline":false}`)})

	received := make(chan []byte, 1)
	err := node.Subscribe(topics.Configuration(), 1, func(_ string, payload []byte) error {
		received <- payload
		return nil
	})
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}
	if got := node.Subscriptions(); len(got) != 1 || got[0] != topics.Configuration() {
		t.Errorf("Subscriptions() = %v, want [%s]", got, topics.Configuration())
	}

	select {
	case payload := <-received:
		if string(payload) != `{"devices":[]}` {
			t.Errorf("retained payload = %s", payload)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("retained configuration was not delivered")
	}
}
