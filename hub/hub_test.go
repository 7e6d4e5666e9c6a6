package hub

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/fleetcontrol/fleet-supervisor/wire"
)

func startTestHub(t *testing.T, onCommand CommandHandler) (*Hub, *httptest.Server) {
	t.Helper()
	h := New(onCommand, 50*time.Millisecond, nil)
	go h.Run()
	srv := httptest.NewServer(http.HandlerFunc(h.ServeHTTP))
	t.Cleanup(func() {
		h.Close()
		srv.Close()
	})
	return h, srv
}

func dial(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestBroadcast_DeliversToAllClients(t *testing.T) {
	h, srv := startTestHub(t, nil)

	c1 := dial(t, srv)
	c2 := dial(t, srv)
	time.Sleep(20 * time.Millisecond) // let both registrations land

	h.Broadcast(wire.WorkerStoppedEvent{WorkerID: "worker-1"})

	for _, c := range []*websocket.Conn{c1, c2} {
		c.SetReadDeadline(time.Now().Add(time.Second))
		_, msg, err := c.ReadMessage()
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		if !strings.Contains(string(msg), `"worker:stopped"`) {
			t.Errorf("expected worker:stopped, got %s", msg)
		}
	}
}

func TestSendToLogSubscribers_OnlyReachesSubscribedClient(t *testing.T) {
	h, srv := startTestHub(t, nil)

	subscriber := dial(t, srv)
	bystander := dial(t, srv)
	time.Sleep(20 * time.Millisecond)

	subscriber.WriteJSON(map[string]string{"type": "subscribe:logs", "workerId": "worker-1"})
	time.Sleep(20 * time.Millisecond)

	h.SendToLogSubscribers("worker-1", wire.LogEntryEvent{Log: wire.LogEntry{
		WorkerID: "worker-1",
		Message:  "hello",
	}})

	subscriber.SetReadDeadline(time.Now().Add(time.Second))
	_, msg, err := subscriber.ReadMessage()
	if err != nil {
		t.Fatalf("subscriber read: %v", err)
	}
	if !strings.Contains(string(msg), "hello") {
		t.Errorf("expected log entry, got %s", msg)
	}

	bystander.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
	if _, _, err := bystander.ReadMessage(); err == nil {
		t.Error("expected bystander to receive nothing")
	}
}

func TestSubscribeLogsCommand_NotForwardedToSupervisor(t *testing.T) {
	var forwarded []wire.Command
	h, srv := startTestHub(t, func(c wire.Command) { forwarded = append(forwarded, c) })
	_ = h

	conn := dial(t, srv)
	conn.WriteJSON(map[string]string{"type": "subscribe:logs", "workerId": "worker-1"})
	conn.WriteJSON(map[string]any{"type": "submit", "tool": "ping", "params": map[string]any{}})
	time.Sleep(30 * time.Millisecond)

	if len(forwarded) != 1 {
		t.Fatalf("expected exactly one forwarded command, got %d", len(forwarded))
	}
	if _, ok := forwarded[0].(wire.SubmitCommand); !ok {
		t.Errorf("expected the forwarded command to be submit, got %T", forwarded[0])
	}
}

func TestUnknownCommandType_LoggedAndIgnored(t *testing.T) {
	var forwarded []wire.Command
	_, srv := startTestHub(t, func(c wire.Command) { forwarded = append(forwarded, c) })

	conn := dial(t, srv)
	conn.WriteJSON(map[string]string{"type": "teleport"})
	conn.WriteJSON(map[string]string{"type": "kill", "workerId": "worker-1"})
	time.Sleep(30 * time.Millisecond)

	if len(forwarded) != 1 {
		t.Fatalf("expected the unknown command to be dropped, got %d forwarded", len(forwarded))
	}
}
