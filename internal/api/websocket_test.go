package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/revolutionized-iot2/riot2-node/internal/device"
	"github.com/revolutionized-iot2/riot2-node/internal/infrastructure/config"
)

func newTestClient(h *Hub, channels ...string) *WSClient {
	c := &WSClient{
		hub:           h,
		send:          make(chan []byte, 4),
		subscriptions: make(map[string]struct{}),
	}
	for _, ch := range channels {
		c.subscriptions[ch] = struct{}{}
	}
	return c
}

func TestHub_BroadcastToSubscribers(t *testing.T) {
	hub := NewHub(config.WebSocketConfig{}, testLogger())
	state := newTestClient(hub, ChannelDeviceState)
	report := newTestClient(hub, ChannelDeviceReport)
	hub.Register(state)
	hub.Register(report)

	if got := hub.ClientCount(); got != 2 {
		t.Fatalf("ClientCount() = %d, want 2", got)
	}

	hub.Broadcast(ChannelDeviceState, map[string]string{"deviceId": "relay-1"})

	select {
	case data := <-state.send:
		var msg WSMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		if msg.Type != WSTypeEvent || msg.EventType != ChannelDeviceState {
			t.Errorf("message = %+v, want event on %s", msg, ChannelDeviceState)
		}
	default:
		t.Error("subscribed client received nothing")
	}

	select {
	case data := <-report.send:
		t.Errorf("unsubscribed client received %s", data)
	default:
	}
}

func TestHub_UnregisterClosesOnce(t *testing.T) {
	hub := NewHub(config.WebSocketConfig{}, testLogger())
	c := newTestClient(hub)
	hub.Register(c)

	hub.Unregister(c)
	hub.Unregister(c)

	if _, ok := <-c.send; ok {
		t.Error("send channel still open after Unregister()")
	}
	if got := hub.ClientCount(); got != 0 {
		t.Errorf("ClientCount() = %d, want 0", got)
	}

	// A broadcast racing with the disconnect must not panic.
	c.subscriptions[ChannelDeviceState] = struct{}{}
	c.trySend([]byte("late"))
}

func TestHub_FullQueueDropsAndCounts(t *testing.T) {
	hub := NewHub(config.WebSocketConfig{}, testLogger())
	c := newTestClient(hub, ChannelDeviceReport)
	hub.Register(c)

	for i := 0; i < cap(c.send)+2; i++ {
		hub.Broadcast(ChannelDeviceReport, i)
	}

	if got := len(c.send); got != cap(c.send) {
		t.Errorf("queued = %d, want %d", got, cap(c.send))
	}
	if got := hub.Dropped(); got != 2 {
		t.Errorf("Dropped() = %d, want 2", got)
	}
}

func TestHub_RunClosesClients(t *testing.T) {
	hub := NewHub(config.WebSocketConfig{}, testLogger())
	c := newTestClient(hub)
	hub.Register(c)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		hub.Run(ctx)
		close(done)
	}()
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run() did not return after cancel")
	}
	if got := hub.ClientCount(); got != 0 {
		t.Errorf("ClientCount() = %d, want 0", got)
	}
}

func TestNewHub_Defaults(t *testing.T) {
	hub := NewHub(config.WebSocketConfig{}, testLogger())
	if hub.cfg.MaxMessageSize != 8192 || hub.cfg.PingInterval != 30 || hub.cfg.PongTimeout != 10 {
		t.Errorf("defaults = %+v", hub.cfg)
	}
}

// ─── End-to-end WebSocket Tests ────────────────────────────────────

func dialEvents(t *testing.T, addr, query string) *websocket.Conn {
	t.Helper()
	u := url.URL{Scheme: "ws", Host: addr, Path: defaultEventsPath, RawQuery: query}
	conn, resp, err := websocket.DefaultDialer.Dial(u.String(), nil)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	resp.Body.Close()
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readMessage(t *testing.T, conn *websocket.Conn) WSMessage {
	t.Helper()
	//nolint:errcheck // test deadline
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg WSMessage
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("ReadJSON() error = %v", err)
	}
	return msg
}

func TestWebSocket_StreamsDeviceEvents(t *testing.T) {
	srv, registry, _ := testServer(t)
	if err := srv.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	t.Cleanup(func() { srv.Close() })

	conn := dialEvents(t, srv.Addr(), "")

	if err := conn.WriteJSON(WSMessage{Type: WSTypePing, ID: "p1"}); err != nil {
		t.Fatalf("WriteJSON() error = %v", err)
	}
	if msg := readMessage(t, conn); msg.Type != WSTypePong || msg.ID != "p1" {
		t.Fatalf("ping reply = %+v, want pong p1", msg)
	}

	if err := registry.ApplyConfiguration(context.Background()); err != nil {
		t.Fatalf("ApplyConfiguration() error = %v", err)
	}

	msg := readMessage(t, conn)
	if msg.Type != WSTypeEvent || msg.EventType != ChannelDeviceState {
		t.Fatalf("event = %+v, want %s event", msg, ChannelDeviceState)
	}
	payload, _ := json.Marshal(msg.Payload)
	var ev device.Event
	if err := json.Unmarshal(payload, &ev); err != nil {
		t.Fatalf("unmarshal event: %v", err)
	}
	if ev.DeviceID != "t-clock" || ev.State != device.StateRunning {
		t.Errorf("first event = %+v, want t-clock Running", ev)
	}
}

func TestWebSocket_Subscribe(t *testing.T) {
	srv, _, _ := testServer(t)
	if err := srv.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	t.Cleanup(func() { srv.Close() })

	conn := dialEvents(t, srv.Addr(), "channels="+ChannelDeviceReport)

	sub := WSMessage{Type: WSTypeSubscribe, ID: "s1", Payload: WSSubscribePayload{Channels: []string{ChannelDeviceState}}}
	if err := conn.WriteJSON(sub); err != nil {
		t.Fatalf("WriteJSON() error = %v", err)
	}
	msg := readMessage(t, conn)
	if msg.Type != WSTypeResponse || msg.ID != "s1" {
		t.Errorf("subscribe reply = %+v, want response s1", msg)
	}

	bad := WSMessage{Type: WSTypeSubscribe, ID: "s2", Payload: WSSubscribePayload{Channels: []string{"device.secrets"}}}
	if err := conn.WriteJSON(bad); err != nil {
		t.Fatalf("WriteJSON() error = %v", err)
	}
	if msg := readMessage(t, conn); msg.Type != WSTypeError || msg.ID != "s2" {
		t.Errorf("unknown channel reply = %+v, want error s2", msg)
	}

	if err := conn.WriteJSON(WSMessage{Type: "bogus", ID: "b1"}); err != nil {
		t.Fatalf("WriteJSON() error = %v", err)
	}
	if msg := readMessage(t, conn); msg.Type != WSTypeError {
		t.Errorf("unknown type reply = %+v, want error", msg)
	}
}

func TestWebSocket_RejectsUnknownChannel(t *testing.T) {
	srv, _, _ := testServer(t)
	if err := srv.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	t.Cleanup(func() { srv.Close() })

	u := url.URL{Scheme: "ws", Host: srv.Addr(), Path: defaultEventsPath, RawQuery: "channels=device.state,bogus"}
	conn, resp, err := websocket.DefaultDialer.Dial(u.String(), nil)
	if err == nil {
		conn.Close()
		t.Fatal("Dial() succeeded, want handshake rejected")
	}
	if resp == nil || resp.StatusCode != http.StatusBadRequest {
		t.Errorf("handshake response = %v, want 400", resp)
	}
}
