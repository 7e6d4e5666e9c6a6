// Package client is the control-side counterpart to the fan-out hub: a
// single persistent WebSocket connection that reconnects with exponential
// backoff, mirrors inbound events into a local read-only view of the
// fleet, and exposes one send method per wire command.
//
// Shaped directly after the teacher's overseer.Client — a connect loop
// driven by Run(ctx), a connMu-guarded conn pointer, and writes serialised
// by a separate mutex — generalised from a single-overseer control
// protocol to the fleet's worker/task event stream.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/fleetcontrol/fleet-supervisor/logging"
	"github.com/fleetcontrol/fleet-supervisor/wire"
)

// ConnState is the manager's connection lifecycle state.
type ConnState string

const (
	Disconnected ConnState = "disconnected"
	Connecting   ConnState = "connecting"
	Connected    ConnState = "connected"
)

const (
	backoffBase = time.Second
	backoffCap  = 30 * time.Second
	maxAttempts = 10

	maxLogsPerWorker = 500
)

// Manager maintains the control connection and the local mirror of fleet
// state it implies. Safe for concurrent use.
type Manager struct {
	url string
	log *zap.SugaredLogger

	mu            sync.RWMutex
	conn          *websocket.Conn
	state         ConnState
	attempt       int
	disconnectAt  time.Time
	subscriptions map[string]bool

	workers map[string]wire.WorkerSnapshot
	tasks   map[string]wire.TaskSnapshot
	logs    map[string][]wire.LogEntry

	writeMu sync.Mutex

	done chan struct{}
}

// New builds a Manager targeting url. log may be nil. Call Run in its own
// goroutine to begin connecting.
func New(url string, log *zap.SugaredLogger) *Manager {
	if log == nil {
		log = logging.Nop()
	}
	return &Manager{
		url:           url,
		log:           log,
		state:         Disconnected,
		subscriptions: make(map[string]bool),
		workers:       make(map[string]wire.WorkerSnapshot),
		tasks:         make(map[string]wire.TaskSnapshot),
		logs:          make(map[string][]wire.LogEntry),
		done:          make(chan struct{}),
	}
}

// State reports the current connection state.
func (m *Manager) State() ConnState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// DisconnectedFor reports how long the manager has been non-connected since
// its last connection dropped, or zero while connected and before the first
// connection is made. Drives a caller's "reconnecting" vs "disconnected"
// classification.
func (m *Manager) DisconnectedFor() time.Duration {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.state == Connected || m.disconnectAt.IsZero() {
		return 0
	}
	return time.Since(m.disconnectAt)
}

// Workers returns a snapshot of the local worker mirror.
func (m *Manager) Workers() []wire.WorkerSnapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]wire.WorkerSnapshot, 0, len(m.workers))
	for _, w := range m.workers {
		out = append(out, w)
	}
	return out
}

// Task returns the local mirror of one task.
func (m *Manager) Task(taskID string) (wire.TaskSnapshot, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.tasks[taskID]
	return t, ok
}

// Logs returns the capped local log buffer for workerID, oldest first.
func (m *Manager) Logs(workerID string) []wire.LogEntry {
	m.mu.RLock()
	defer m.mu.RUnlock()
	entries := m.logs[workerID]
	out := make([]wire.LogEntry, len(entries))
	copy(out, entries)
	return out
}

// Run connects and reconnects with exponential backoff until ctx is
// cancelled or the attempt cap is exhausted. Call it in a dedicated
// goroutine. Returns the terminal error, if any, once it gives up.
func (m *Manager) Run(ctx context.Context) error {
	defer close(m.done)
	for {
		if ctx.Err() != nil {
			return nil
		}

		m.setState(Connecting)
		err := m.connect(ctx)
		if ctx.Err() != nil {
			return nil
		}

		// setState(Connected) resets m.attempt, so the count (and the
		// backoff) restarts after every successful connection.
		m.mu.Lock()
		m.attempt++
		attempt := m.attempt
		m.mu.Unlock()

		if attempt >= maxAttempts {
			m.setState(Disconnected)
			return fmt.Errorf("client: giving up after %d attempts: %w", attempt, err)
		}

		delay := backoffBase * time.Duration(1<<uint(attempt-1))
		if delay > backoffCap {
			delay = backoffCap
		}
		m.log.Warnw("reconnecting after failure", "attempt", attempt, "delay", delay, "error", err)

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(delay):
		}
	}
}

func (m *Manager) setState(s ConnState) {
	m.mu.Lock()
	if s != Connected && m.state == Connected {
		m.disconnectAt = time.Now()
	}
	if s == Connected {
		m.attempt = 0
		m.disconnectAt = time.Time{}
	}
	m.state = s
	m.mu.Unlock()
}

func (m *Manager) connect(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, m.url, nil)
	if err != nil {
		return fmt.Errorf("client: dial %s: %w", m.url, err)
	}

	m.mu.Lock()
	m.conn = conn
	m.mu.Unlock()
	m.setState(Connected)
	m.log.Infow("connected", "url", m.url)

	defer func() {
		conn.Close()
		m.mu.Lock()
		if m.conn == conn {
			m.conn = nil
		}
		m.mu.Unlock()
		m.setState(Disconnected)
		m.log.Infow("disconnected", "url", m.url)
	}()

	for {
		if ctx.Err() != nil {
			conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return nil
		}
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		m.dispatch(raw)
	}
}

func (m *Manager) dispatch(raw []byte) {
	var tag struct {
		Type wire.EventType `json:"type"`
	}
	if err := json.Unmarshal(raw, &tag); err != nil {
		m.log.Warnw("malformed event", "error", err)
		return
	}

	switch tag.Type {
	case wire.EvWorkerStarted:
		var env struct {
			Worker wire.WorkerSnapshot `json:"worker"`
		}
		if err := json.Unmarshal(raw, &env); err != nil {
			return
		}
		m.mu.Lock()
		m.workers[env.Worker.ID] = env.Worker
		m.logs[env.Worker.ID] = nil
		m.mu.Unlock()

	case wire.EvWorkerUpdated:
		var env struct {
			WorkerID string         `json:"workerId"`
			Changes  map[string]any `json:"changes"`
		}
		if err := json.Unmarshal(raw, &env); err != nil {
			return
		}
		m.mu.Lock()
		if w, ok := m.workers[env.WorkerID]; ok {
			applyWorkerPatch(&w, env.Changes)
			m.workers[env.WorkerID] = w
		}
		m.mu.Unlock()

	case wire.EvWorkerStopped:
		var env struct {
			WorkerID string `json:"workerId"`
		}
		if err := json.Unmarshal(raw, &env); err != nil {
			return
		}
		m.mu.Lock()
		delete(m.workers, env.WorkerID)
		delete(m.logs, env.WorkerID)
		delete(m.subscriptions, env.WorkerID)
		m.mu.Unlock()

	case wire.EvTaskQueued:
		var env struct {
			Task wire.TaskSnapshot `json:"task"`
		}
		if err := json.Unmarshal(raw, &env); err != nil {
			return
		}
		m.mu.Lock()
		m.tasks[env.Task.ID] = env.Task
		m.mu.Unlock()

	case wire.EvTaskStarted:
		m.upsertTaskField(raw, func(t *wire.TaskSnapshot, env map[string]any) {
			t.State = wire.TaskRunning
			if wid, ok := env["workerId"].(string); ok {
				t.WorkerID = wid
			}
		})

	case wire.EvTaskProgress:
		m.upsertTaskField(raw, func(t *wire.TaskSnapshot, env map[string]any) {
			if p, ok := env["progress"].(float64); ok {
				v := int(p)
				t.Progress = &v
			}
		})

	case wire.EvTaskCompleted:
		m.upsertTaskField(raw, func(t *wire.TaskSnapshot, env map[string]any) {
			t.State = wire.TaskCompleted
			t.Result = env["result"]
		})

	case wire.EvTaskFailed:
		m.upsertTaskField(raw, func(t *wire.TaskSnapshot, env map[string]any) {
			t.State = wire.TaskFailed
			if e, ok := env["error"].(string); ok {
				t.Error = e
			}
		})

	case wire.EvLogEntry:
		var env struct {
			Log wire.LogEntry `json:"log"`
		}
		if err := json.Unmarshal(raw, &env); err != nil {
			return
		}
		m.mu.Lock()
		entries := append(m.logs[env.Log.WorkerID], env.Log)
		if len(entries) > maxLogsPerWorker {
			entries = entries[len(entries)-maxLogsPerWorker:]
		}
		m.logs[env.Log.WorkerID] = entries
		m.mu.Unlock()

	default:
		m.log.Debugw("unknown event type", "type", tag.Type)
	}
}

// upsertTaskField decodes env generically and applies patch to the task
// mirror, inserting a bare-bones entry if task:queued was missed (e.g. the
// client connected mid-task).
func (m *Manager) upsertTaskField(raw []byte, patch func(*wire.TaskSnapshot, map[string]any)) {
	var env map[string]any
	if err := json.Unmarshal(raw, &env); err != nil {
		return
	}
	taskID, _ := env["taskId"].(string)
	if taskID == "" {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[taskID]
	if !ok {
		t = wire.TaskSnapshot{ID: taskID}
	}
	patch(&t, env)
	m.tasks[taskID] = t
}

func applyWorkerPatch(w *wire.WorkerSnapshot, changes map[string]any) {
	if status, ok := changes["status"].(string); ok {
		w.State = wire.WorkerState(status)
	}
	if metrics, ok := changes["metrics"].(map[string]any); ok {
		if v, ok := metrics["tasksCompleted"].(float64); ok {
			w.Metrics.TasksCompleted = int(v)
		}
		if v, ok := metrics["tasksErrored"].(float64); ok {
			w.Metrics.TasksErrored = int(v)
		}
		if v, ok := metrics["avgLatencyMs"].(float64); ok {
			w.Metrics.AvgLatencyMs = v
		}
		if v, ok := metrics["tokensUsed"].(float64); ok {
			w.Metrics.TokensUsed = int(v)
		}
	}
}

// send marshals cmd with its type tag and writes it over the active
// connection. A silent no-op when not connected, per the spec's
// "repo behavior" note — callers are expected to check State().
func (m *Manager) send(cmd wire.Command) {
	m.mu.RLock()
	conn := m.conn
	connected := m.state == Connected
	m.mu.RUnlock()
	if !connected || conn == nil {
		return
	}

	payload, err := json.Marshal(cmd)
	if err != nil {
		m.log.Errorw("failed to marshal command", "error", err)
		return
	}
	var env map[string]any
	if err := json.Unmarshal(payload, &env); err != nil {
		return
	}
	env["type"] = string(cmd.CommandType())

	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	if err := conn.WriteJSON(env); err != nil {
		m.log.Warnw("send failed", "error", err)
	}
}

// Spawn requests a new worker.
func (m *Manager) Spawn(serverID, serverName, command string, argv []string) {
	m.send(wire.SpawnCommand{ServerID: serverID, ServerName: serverName, Command: command, Argv: argv})
}

// Kill requests a graceful stop of workerID.
func (m *Manager) Kill(workerID string) {
	m.send(wire.KillCommand{WorkerID: workerID})
}

// Submit queues a new task.
func (m *Manager) Submit(tool string, params map[string]any) {
	m.send(wire.SubmitCommand{Tool: tool, Params: params})
}

// Cancel marks taskID cancelled.
func (m *Manager) Cancel(taskID string) {
	m.send(wire.CancelCommand{TaskID: taskID})
}

// SubscribeLogs adds workerID to the local subscription set and asks the
// server to start forwarding its log:entry events.
func (m *Manager) SubscribeLogs(workerID string) {
	m.mu.Lock()
	m.subscriptions[workerID] = true
	m.mu.Unlock()
	m.send(wire.SubscribeLogsCommand{WorkerID: workerID})
}

// UnsubscribeLogs removes workerID from the local subscription set.
func (m *Manager) UnsubscribeLogs(workerID string) {
	m.mu.Lock()
	delete(m.subscriptions, workerID)
	m.mu.Unlock()
	m.send(wire.UnsubscribeLogsCommand{WorkerID: workerID})
}

// IsSubscribed reports whether workerID is in the local subscription set.
func (m *Manager) IsSubscribed(workerID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.subscriptions[workerID]
}
