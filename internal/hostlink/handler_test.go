package hostlink

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
)

func newTestHandlerServer(t *testing.T) (*httptest.Server, *Registry) {
	t.Helper()
	registry := NewRegistry(newTestRedis(t), nil, testLogger())
	t.Cleanup(func() { _ = registry.Close() })

	h := NewHandler(registry, testLogger())
	e := echo.New()
	h.RegisterRoutes(e.Group("/v1"))

	server := httptest.NewServer(e)
	t.Cleanup(server.Close)
	return server, registry
}

func TestHandler_HostRegistrationOverWebsocket(t *testing.T) {
	server, registry := newTestHandlerServer(t)

	ws, resp, err := websocket.DefaultDialer.Dial("ws"+server.URL[4:]+"/v1/hosts/connect", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	if resp != nil {
		resp.Body.Close()
	}
	defer ws.Close()

	reg := Message{
		Type:    MessageTypeRegister,
		HostID:  "host-1",
		Cameras: []Camera{{Device: "cam0", Formats: []string{"vp8", "h264"}}},
	}
	if err := ws.WriteJSON(reg); err != nil {
		t.Fatalf("write register: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		if _, ok := registry.GetHost("host-1"); ok {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("host never registered")
		}
		time.Sleep(10 * time.Millisecond)
	}

	if !registry.HasCamera("host-1", "cam0") {
		t.Error("registered cameras should be queryable")
	}
}

func TestHandler_RejectsInvalidRegistration(t *testing.T) {
	server, registry := newTestHandlerServer(t)

	ws, resp, err := websocket.DefaultDialer.Dial("ws"+server.URL[4:]+"/v1/hosts/connect", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	if resp != nil {
		resp.Body.Close()
	}
	defer ws.Close()

	// first frame must be a register message
	if err := ws.WriteJSON(Message{Type: MessageTypeAnswer, SessionID: "x"}); err != nil {
		t.Fatalf("write: %v", err)
	}

	// server closes the connection without registering
	_ = ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := ws.ReadMessage(); err == nil {
		t.Error("expected the server to close the connection")
	}
	if _, ok := registry.GetHost(""); ok {
		t.Error("nothing should be registered")
	}
}

func TestHandler_ListHosts(t *testing.T) {
	server, registry := newTestHandlerServer(t)

	conn := testConn(t, "host-1", []Camera{{Device: "cam0"}})
	if err := registry.Register(conn); err != nil {
		t.Fatalf("Register: %v", err)
	}

	resp, err := http.Get(server.URL + "/v1/hosts")
	if err != nil {
		t.Fatalf("GET /hosts: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}

	var list ListResponse
	if err := json.NewDecoder(resp.Body).Decode(&list); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if list.Total != 1 || len(list.Hosts) != 1 || list.Hosts[0].HostID != "host-1" {
		t.Errorf("unexpected list response: %+v", list)
	}
}
