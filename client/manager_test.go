package client

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/fleetcontrol/fleet-supervisor/hub"
	"github.com/fleetcontrol/fleet-supervisor/wire"
)

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met within %s", timeout)
}

func startHubServer(t *testing.T, onCommand hub.CommandHandler) (*hub.Hub, *httptest.Server) {
	t.Helper()
	h := hub.New(onCommand, 0, nil)
	go h.Run()
	srv := httptest.NewServer(http.HandlerFunc(h.ServeHTTP))
	t.Cleanup(func() {
		h.Close()
		srv.Close()
	})
	return h, srv
}

func newConnectedManager(t *testing.T, srv *httptest.Server) (*Manager, context.CancelFunc) {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/"
	m := New(url, nil)
	ctx, cancel := context.WithCancel(context.Background())
	go m.Run(ctx)
	waitFor(t, time.Second, func() bool { return m.State() == Connected })
	return m, cancel
}

func TestManager_MirrorsWorkerAndTaskLifecycle(t *testing.T) {
	var gotSubmit chan wire.SubmitCommand = make(chan wire.SubmitCommand, 1)
	h, srv := startHubServer(t, func(cmd wire.Command) {
		if sc, ok := cmd.(wire.SubmitCommand); ok {
			gotSubmit <- sc
		}
	})
	m, cancel := newConnectedManager(t, srv)
	defer cancel()

	h.Broadcast(wire.WorkerStartedEvent{Worker: wire.WorkerSnapshot{
		ID: "w1", State: wire.WorkerStarting,
	}})
	waitFor(t, time.Second, func() bool {
		return len(m.Workers()) == 1
	})
	ws := m.Workers()[0]
	if ws.ID != "w1" || ws.State != wire.WorkerStarting {
		t.Fatalf("unexpected mirrored worker: %+v", ws)
	}

	h.Broadcast(wire.WorkerUpdatedEvent{WorkerID: "w1", Changes: map[string]any{"status": "idle"}})
	waitFor(t, time.Second, func() bool {
		w := m.Workers()[0]
		return w.State == wire.WorkerIdle
	})

	m.Submit("ping", map[string]any{"x": 1})
	select {
	case sc := <-gotSubmit:
		if sc.Tool != "ping" {
			t.Errorf("expected tool ping, got %q", sc.Tool)
		}
	case <-time.After(time.Second):
		t.Fatal("submit command never reached the hub")
	}

	h.Broadcast(wire.TaskQueuedEvent{Task: wire.TaskSnapshot{ID: "t1", Tool: "ping", State: wire.TaskQueued}})
	waitFor(t, time.Second, func() bool {
		_, ok := m.Task("t1")
		return ok
	})

	h.Broadcast(wire.TaskCompletedEvent{TaskID: "t1", Result: "pong"})
	waitFor(t, time.Second, func() bool {
		task, _ := m.Task("t1")
		return task.State == wire.TaskCompleted
	})
	task, _ := m.Task("t1")
	if task.Result != "pong" {
		t.Errorf("expected mirrored result pong, got %v", task.Result)
	}

	h.Broadcast(wire.WorkerStoppedEvent{WorkerID: "w1"})
	waitFor(t, time.Second, func() bool { return len(m.Workers()) == 0 })
}

func TestManager_LogsCapAtFiveHundredDroppingOldest(t *testing.T) {
	h, srv := startHubServer(t, nil)
	m, cancel := newConnectedManager(t, srv)
	defer cancel()

	h.Broadcast(wire.WorkerStartedEvent{Worker: wire.WorkerSnapshot{ID: "w1"}})
	waitFor(t, time.Second, func() bool { return len(m.Workers()) == 1 })
	m.SubscribeLogs("w1")
	waitFor(t, time.Second, func() bool { return m.IsSubscribed("w1") })

	for i := 0; i < 520; i++ {
		h.SendToLogSubscribers("w1", wire.LogEntryEvent{Log: wire.LogEntry{
			WorkerID: "w1",
			Message:  string(rune('a' + i%26)),
			Level:    wire.LogInfo,
		}})
	}

	waitFor(t, 2*time.Second, func() bool { return len(m.Logs("w1")) == maxLogsPerWorker })

	// Entry 519 ('a'+519%26 = "z") is the newest and must survive the cap.
	logs := m.Logs("w1")
	if last := logs[len(logs)-1].Message; last != "z" {
		t.Errorf("expected newest entry %q to be kept, got %q", "z", last)
	}
}

func TestManager_SendIsNoopWhenDisconnected(t *testing.T) {
	m := New("ws://127.0.0.1:0/unreachable", nil)
	if m.State() != Disconnected {
		t.Fatalf("expected initial state disconnected, got %s", m.State())
	}
	// No connection has ever been made; Submit must not panic or block.
	m.Submit("ping", nil)
}
