package hostlink

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestRedis(t *testing.T) *redis.Client {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return client
}

// dialWS returns a client-side websocket whose server side feeds every frame
// it reads into the returned channel.
func dialWS(t *testing.T) (*websocket.Conn, <-chan []byte) {
	t.Helper()
	frames := make(chan []byte, 16)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		upgrader := websocket.Upgrader{}
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer ws.Close()
		for {
			_, data, err := ws.ReadMessage()
			if err != nil {
				return
			}
			frames <- data
		}
	}))
	t.Cleanup(server.Close)

	ws, resp, err := websocket.DefaultDialer.Dial("ws"+server.URL[4:], nil)
	if err != nil {
		t.Fatalf("dial error: %v", err)
	}
	if resp != nil {
		resp.Body.Close()
	}
	t.Cleanup(func() { _ = ws.Close() })
	return ws, frames
}

func testConn(t *testing.T, hostID string, cameras []Camera) *HostConn {
	t.Helper()
	ws, _ := dialWS(t)
	return NewHostConn(ws, hostID, cameras, testLogger())
}

func TestRegistry_RegisterAndLookup(t *testing.T) {
	r := NewRegistry(newTestRedis(t), nil, testLogger())
	t.Cleanup(func() { _ = r.Close() })

	conn := testConn(t, "host-1", []Camera{{Device: "cam0", Formats: []string{"vp8"}}})
	if err := r.Register(conn); err != nil {
		t.Fatalf("Register: %v", err)
	}

	if _, ok := r.GetHost("host-1"); !ok {
		t.Error("host-1 should be registered")
	}
	if _, ok := r.GetHost("host-2"); ok {
		t.Error("host-2 should not exist")
	}

	if !r.HasCamera("host-1", "cam0") {
		t.Error("cam0 should be advertised")
	}
	if r.HasCamera("host-1", "cam9") {
		t.Error("cam9 should not be advertised")
	}
	if r.HasCamera("host-2", "cam0") {
		t.Error("unknown host should have no cameras")
	}

	total, online := r.HostCount()
	if total != 1 || online != 1 {
		t.Errorf("expected 1/1 hosts, got %d/%d", total, online)
	}
}

func TestRegistry_DuplicateRegistrationRejected(t *testing.T) {
	r := NewRegistry(newTestRedis(t), nil, testLogger())
	t.Cleanup(func() { _ = r.Close() })

	first := testConn(t, "host-1", nil)
	if err := r.Register(first); err != nil {
		t.Fatalf("Register: %v", err)
	}

	second := testConn(t, "host-1", nil)
	if err := r.Register(second); err != ErrHostAlreadyConnected {
		t.Errorf("expected ErrHostAlreadyConnected, got %v", err)
	}
}

func TestRegistry_ReplaceOfflineConnection(t *testing.T) {
	r := NewRegistry(newTestRedis(t), nil, testLogger())
	t.Cleanup(func() { _ = r.Close() })

	first := testConn(t, "host-1", nil)
	if err := r.Register(first); err != nil {
		t.Fatalf("Register: %v", err)
	}
	_ = first.Close()

	second := testConn(t, "host-1", nil)
	if err := r.Register(second); err != nil {
		t.Errorf("re-register after disconnect should succeed, got %v", err)
	}
}

func TestRegistry_Unregister(t *testing.T) {
	r := NewRegistry(newTestRedis(t), nil, testLogger())
	t.Cleanup(func() { _ = r.Close() })

	conn := testConn(t, "host-1", nil)
	if err := r.Register(conn); err != nil {
		t.Fatalf("Register: %v", err)
	}

	r.Unregister(conn)
	if _, ok := r.GetHost("host-1"); ok {
		t.Error("host-1 should be gone")
	}

	// connections that were never registered are a no-op
	r.Unregister(testConn(t, "never-registered", nil))
}

func TestRegistry_StaleUnregisterKeepsReplacement(t *testing.T) {
	r := NewRegistry(newTestRedis(t), nil, testLogger())
	t.Cleanup(func() { _ = r.Close() })

	first := testConn(t, "host-1", nil)
	if err := r.Register(first); err != nil {
		t.Fatalf("Register: %v", err)
	}
	_ = first.Close()

	second := testConn(t, "host-1", nil)
	if err := r.Register(second); err != nil {
		t.Fatalf("re-register: %v", err)
	}

	// the old connection's teardown runs after the replacement took the slot
	r.Unregister(first)

	got, ok := r.GetHost("host-1")
	if !ok {
		t.Fatal("replacement connection should still be registered")
	}
	if got.ConnID() != second.ConnID() {
		t.Errorf("registry holds conn %s, want %s", got.ConnID(), second.ConnID())
	}
}

func TestRegistry_ListHosts(t *testing.T) {
	r := NewRegistry(newTestRedis(t), nil, testLogger())
	t.Cleanup(func() { _ = r.Close() })

	conn := testConn(t, "host-1", []Camera{{Device: "cam0"}})
	if err := r.Register(conn); err != nil {
		t.Fatalf("Register: %v", err)
	}

	hosts := r.ListHosts()
	if len(hosts) != 1 {
		t.Fatalf("expected 1 host, got %d", len(hosts))
	}
	info := hosts[0]
	if info.HostID != "host-1" || !info.Online || len(info.Cameras) != 1 {
		t.Errorf("unexpected host info: %+v", info)
	}
	if info.ConnID == "" {
		t.Error("connection id should be set")
	}
}

func TestRegistry_ForwardsRequestsToHost(t *testing.T) {
	redisClient := newTestRedis(t)
	r := NewRegistry(redisClient, nil, testLogger())
	t.Cleanup(func() { _ = r.Close() })

	ws, frames := dialWS(t)
	conn := NewHostConn(ws, "host-1", nil, testLogger())
	if err := r.Register(conn); err != nil {
		t.Fatalf("Register: %v", err)
	}
	go conn.writePump(context.Background())

	// give the request subscription a moment to attach
	time.Sleep(50 * time.Millisecond)

	offer := &Message{Type: MessageTypeOffer, HostID: "host-1", SessionID: "neg-1", SDP: "offer-sdp"}
	data, _ := json.Marshal(offer)
	if err := redisClient.Publish(context.Background(), "host:host-1:requests", data).Err(); err != nil {
		t.Fatalf("publish: %v", err)
	}

	select {
	case frame := <-frames:
		var msg Message
		if err := json.Unmarshal(frame, &msg); err != nil {
			t.Fatalf("unmarshal forwarded frame: %v", err)
		}
		if msg.Type != MessageTypeOffer || msg.SessionID != "neg-1" || msg.SDP != "offer-sdp" {
			t.Errorf("unexpected forwarded message: %+v", msg)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("request never reached the host connection")
	}
}

func TestRegistry_PublishResponse(t *testing.T) {
	redisClient := newTestRedis(t)
	r := NewRegistry(redisClient, nil, testLogger())
	t.Cleanup(func() { _ = r.Close() })

	pubsub := redisClient.Subscribe(context.Background(), "session:neg-7:responses")
	t.Cleanup(func() { _ = pubsub.Close() })
	if _, err := pubsub.Receive(context.Background()); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	err := r.publishResponse(context.Background(), &Message{
		Type:      MessageTypeAnswer,
		HostID:    "host-1",
		SessionID: "neg-7",
		SDP:       "answer-sdp",
	})
	if err != nil {
		t.Fatalf("publishResponse: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	msg, err := pubsub.ReceiveMessage(ctx)
	if err != nil {
		t.Fatalf("ReceiveMessage: %v", err)
	}
	var got Message
	if err := json.Unmarshal([]byte(msg.Payload), &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got.Type != MessageTypeAnswer || got.SDP != "answer-sdp" {
		t.Errorf("unexpected relayed message: %+v", got)
	}
}
