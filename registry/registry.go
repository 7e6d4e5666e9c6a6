// Package registry is the authoritative, in-memory store of Workers and
// Tasks (§4.D). Every mutation is serialised through a single mutex — the
// "single ownership domain" the design notes call for — and every event is
// built while the lock is held but emitted only after it is released, so
// observers always see the event strictly after the state change it
// describes is committed, and the sink may call back into the registry
// (as the fleet supervisor does to dispatch work) without deadlocking.
//
// This mirrors the teacher's Manager, which guards its states/pidIndex
// maps with one mutex and treats the store as the single source of truth
// for subscription state; here the registry itself plays that role instead
// of delegating to a SQL-backed store, because task/worker history is
// explicitly out of scope for persistence (see Non-goals).
package registry

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/fleetcontrol/fleet-supervisor/wire"
)

// EventSink receives every event the registry (and, by injection, the
// worker runtime) emits. The fleet supervisor is the only subscriber in
// this repository; it fans events out to clients via the hub.
type EventSink func(wire.Event)

// Worker is the mutable, internal representation of a supervised worker.
type Worker struct {
	ID             string
	ServerID       string
	ServerName     string
	State          wire.WorkerState
	PID            int
	SpawnedAt      time.Time
	LastActivityAt time.Time
	CurrentTaskID  string
	Backlog        []string // task IDs, FIFO
	Metrics        wire.WorkerMetrics
}

// Snapshot returns the read-only API view of a worker.
func (w *Worker) Snapshot() wire.WorkerSnapshot {
	return wire.WorkerSnapshot{
		ID:             w.ID,
		ServerID:       w.ServerID,
		ServerName:     w.ServerName,
		State:          w.State,
		PID:            w.PID,
		SpawnedAt:      w.SpawnedAt,
		LastActivityAt: w.LastActivityAt,
		CurrentTaskID:  w.CurrentTaskID,
		Metrics:        w.Metrics,
	}
}

// Task is the mutable, internal representation of a submitted tool call.
type Task struct {
	ID          string
	WorkerID    string
	Tool        string
	Params      map[string]any
	State       wire.TaskState
	Progress    *int
	CreatedAt   time.Time
	StartedAt   *time.Time
	CompletedAt *time.Time
	Result      any
	Error       string
}

// Snapshot returns the read-only API view of a task.
func (t *Task) Snapshot() wire.TaskSnapshot {
	return wire.TaskSnapshot{
		ID:          t.ID,
		WorkerID:    t.WorkerID,
		Tool:        t.Tool,
		Params:      t.Params,
		State:       t.State,
		Progress:    t.Progress,
		CreatedAt:   t.CreatedAt,
		StartedAt:   t.StartedAt,
		CompletedAt: t.CompletedAt,
		Result:      t.Result,
		Error:       t.Error,
	}
}

// Registry owns all Worker and Task state.
type Registry struct {
	mu sync.Mutex

	workers   map[string]*Worker
	tasks     map[string]*Task
	taskOrder []string // creation order, for "oldest globally queued"

	workerSeq int
	taskSeq   int

	sink EventSink
}

// New creates an empty Registry. sink is called for every emitted event,
// after the registry's internal lock has been released.
func New(sink EventSink) *Registry {
	return &Registry{
		workers: make(map[string]*Worker),
		tasks:   make(map[string]*Task),
		sink:    sink,
	}
}

func (r *Registry) emit(events []wire.Event) {
	for _, ev := range events {
		r.sink(ev)
	}
}

// ---- workers ----

// CreateWorker registers a new worker in the "starting" state and emits
// worker:started immediately, before any stdin write can occur.
func (r *Registry) CreateWorker(serverID, serverName string) string {
	r.mu.Lock()
	r.workerSeq++
	w := &Worker{
		ID:             fmt.Sprintf("worker-%d", r.workerSeq),
		ServerID:       serverID,
		ServerName:     serverName,
		State:          wire.WorkerStarting,
		SpawnedAt:      time.Now(),
		LastActivityAt: time.Now(),
	}
	r.workers[w.ID] = w
	snap := w.Snapshot()
	r.mu.Unlock()

	r.emit([]wire.Event{wire.WorkerStartedEvent{Worker: snap}})
	return w.ID
}

// WorkerSpawned transitions starting -> idle once the child process is
// confirmed running.
func (r *Registry) WorkerSpawned(workerID string, pid int) error {
	r.mu.Lock()
	w, ok := r.workers[workerID]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("registry: unknown worker %s", workerID)
	}
	w.PID = pid
	w.State = wire.WorkerIdle
	w.LastActivityAt = time.Now()
	changes := map[string]any{"status": wire.WorkerIdle, "lastActivityAt": w.LastActivityAt, "pid": pid}
	r.mu.Unlock()

	r.emit([]wire.Event{wire.WorkerUpdatedEvent{WorkerID: workerID, Changes: changes}})
	return nil
}

// WorkerSpawnFailed transitions starting -> error when the child process
// could not be started at all.
func (r *Registry) WorkerSpawnFailed(workerID string, spawnErr error) error {
	return r.setWorkerState(workerID, wire.WorkerError, map[string]any{
		"status": wire.WorkerError,
		"error":  spawnErr.Error(),
	})
}

// WorkerStopping transitions idle|busy|error -> stopping. Any in-flight
// task and the worker's backlog are failed with reason, since no further
// response will ever arrive once the process is asked to exit.
func (r *Registry) WorkerStopping(workerID, reason string) error {
	r.mu.Lock()
	w, ok := r.workers[workerID]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("registry: unknown worker %s", workerID)
	}
	if w.State == wire.WorkerStopping || w.State == wire.WorkerTerminated {
		r.mu.Unlock()
		return nil // idempotent
	}

	events := r.drainWorkerTasksLocked(w, reason)
	w.State = wire.WorkerStopping
	events = append(events, wire.WorkerUpdatedEvent{
		WorkerID: workerID,
		Changes:  map[string]any{"status": wire.WorkerStopping},
	})
	r.mu.Unlock()

	r.emit(events)
	return nil
}

// WorkerCrashed handles an unexpected exit (state != stopping at the time
// the process died): it fails the in-flight task and the whole backlog,
// marks the worker errored, then immediately terminates it — the repo
// never leaves a crashed worker parked in "error" without also emitting
// worker:stopped, since the process really is gone.
func (r *Registry) WorkerCrashed(workerID, reason string) error {
	r.mu.Lock()
	w, ok := r.workers[workerID]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("registry: unknown worker %s", workerID)
	}

	events := r.drainWorkerTasksLocked(w, reason)
	w.State = wire.WorkerError
	events = append(events, wire.WorkerUpdatedEvent{
		WorkerID: workerID,
		Changes:  map[string]any{"status": wire.WorkerError, "error": reason},
	})
	delete(r.workers, workerID)
	events = append(events, wire.WorkerStoppedEvent{WorkerID: workerID})
	r.mu.Unlock()

	r.emit(events)
	return nil
}

// drainWorkerTasksLocked fails the worker's current task (if any) and its
// whole backlog, in that order, and clears both. Caller must hold r.mu.
func (r *Registry) drainWorkerTasksLocked(w *Worker, reason string) []wire.Event {
	var events []wire.Event

	if w.CurrentTaskID != "" {
		if t, ok := r.tasks[w.CurrentTaskID]; ok {
			if ev, ok := r.failLocked(t, reason); ok {
				events = append(events, ev)
			}
		}
		w.CurrentTaskID = ""
	}

	for _, taskID := range w.Backlog {
		if t, ok := r.tasks[taskID]; ok {
			if ev, ok := r.failLocked(t, reason); ok {
				events = append(events, ev)
			}
		}
	}
	w.Backlog = nil

	return events
}

// WorkerTerminated transitions stopping -> terminated once both stdout and
// stderr are observed closed, and removes the worker from the registry.
func (r *Registry) WorkerTerminated(workerID string) error {
	r.mu.Lock()
	_, ok := r.workers[workerID]
	if !ok {
		r.mu.Unlock()
		return nil // idempotent: kill()'s second call must not re-emit worker:stopped
	}
	delete(r.workers, workerID)
	r.mu.Unlock()

	r.emit([]wire.Event{wire.WorkerStoppedEvent{WorkerID: workerID}})
	return nil
}

// WorkerTaskFinished returns a worker to idle after a terminal response
// (or a discarded cancelled response) for its current task, regardless of
// whether that task's own state transition succeeded.
func (r *Registry) WorkerTaskFinished(workerID string) error {
	r.mu.Lock()
	w, ok := r.workers[workerID]
	if !ok || w.State != wire.WorkerBusy {
		r.mu.Unlock()
		return nil
	}
	w.CurrentTaskID = ""
	w.State = wire.WorkerIdle
	w.LastActivityAt = time.Now()
	changes := map[string]any{"status": wire.WorkerIdle, "lastActivityAt": w.LastActivityAt}
	r.mu.Unlock()

	r.emit([]wire.Event{wire.WorkerUpdatedEvent{WorkerID: workerID, Changes: changes}})
	return nil
}

// RecordMetrics updates a worker's rolling metrics after a task reaches a
// terminal state and emits the metrics-only worker:updated patch.
func (r *Registry) RecordMetrics(workerID string, success bool, latencyMs float64, tokensUsed int) error {
	r.mu.Lock()
	w, ok := r.workers[workerID]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("registry: unknown worker %s", workerID)
	}
	if success {
		w.Metrics.TasksCompleted++
	} else {
		w.Metrics.TasksErrored++
	}
	n := w.Metrics.TasksCompleted + w.Metrics.TasksErrored
	w.Metrics.AvgLatencyMs = (w.Metrics.AvgLatencyMs*float64(n-1) + latencyMs) / float64(n)
	w.Metrics.TokensUsed += tokensUsed
	metrics := w.Metrics
	r.mu.Unlock()

	r.emit([]wire.Event{wire.WorkerUpdatedEvent{
		WorkerID: workerID,
		Changes:  map[string]any{"metrics": metrics},
	}})
	return nil
}

func (r *Registry) setWorkerState(workerID string, state wire.WorkerState, changes map[string]any) error {
	r.mu.Lock()
	w, ok := r.workers[workerID]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("registry: unknown worker %s", workerID)
	}
	w.State = state
	r.mu.Unlock()

	r.emit([]wire.Event{wire.WorkerUpdatedEvent{WorkerID: workerID, Changes: changes}})
	return nil
}

// WorkerSnapshot returns a read-only copy of one worker's current state.
// The registry's mutex guards the live *Worker; every external reader gets
// a value copy instead, so nothing outside this package can race with a
// mutation in flight.
func (r *Registry) WorkerSnapshot(workerID string) (wire.WorkerSnapshot, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	w, ok := r.workers[workerID]
	if !ok {
		return wire.WorkerSnapshot{}, false
	}
	return w.Snapshot(), true
}

// ListWorkerSnapshots returns all workers ordered by ID (lexicographic,
// per the scheduler's tie-breaking rule).
func (r *Registry) ListWorkerSnapshots() []wire.WorkerSnapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]wire.WorkerSnapshot, 0, len(r.workers))
	for _, w := range r.workers {
		out = append(out, w.Snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// WorkerBacklogLen reports how many tasks are queued in a worker's own
// backlog. Returns 0, false for an unknown worker.
func (r *Registry) WorkerBacklogLen(workerID string) (int, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	w, ok := r.workers[workerID]
	if !ok {
		return 0, false
	}
	return len(w.Backlog), true
}

// WorkerBacklogHead returns the oldest task ID in a worker's backlog
// without removing it (Assign performs the removal).
func (r *Registry) WorkerBacklogHead(workerID string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	w, ok := r.workers[workerID]
	if !ok || len(w.Backlog) == 0 {
		return "", false
	}
	return w.Backlog[0], true
}

// ---- tasks ----

// CreateTask registers a new globally-queued task (workerID unset) and
// emits task:queued.
func (r *Registry) CreateTask(tool string, params map[string]any) string {
	r.mu.Lock()
	r.taskSeq++
	t := &Task{
		ID:        fmt.Sprintf("task-%d", r.taskSeq),
		Tool:      tool,
		Params:    params,
		State:     wire.TaskQueued,
		CreatedAt: time.Now(),
	}
	r.tasks[t.ID] = t
	r.taskOrder = append(r.taskOrder, t.ID)
	snap := t.Snapshot()
	r.mu.Unlock()

	r.emit([]wire.Event{wire.TaskQueuedEvent{Task: snap}})
	return t.ID
}

// EnqueueToWorker appends a queued, unassigned task to a worker's backlog.
// The task stays in state queued but its workerId becomes set.
func (r *Registry) EnqueueToWorker(taskID, workerID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	t, ok := r.tasks[taskID]
	if !ok || t.State != wire.TaskQueued || t.WorkerID != "" {
		return fmt.Errorf("registry: task %s not eligible for backlog assignment", taskID)
	}
	w, ok := r.workers[workerID]
	if !ok {
		return fmt.Errorf("registry: unknown worker %s", workerID)
	}
	t.WorkerID = workerID
	w.Backlog = append(w.Backlog, taskID)
	return nil
}

// Assign transitions a queued task to running on an idle worker. If the
// task was sitting in that worker's own backlog it is removed from it.
func (r *Registry) Assign(taskID, workerID string) error {
	r.mu.Lock()
	t, ok := r.tasks[taskID]
	if !ok || t.State != wire.TaskQueued {
		r.mu.Unlock()
		return fmt.Errorf("registry: task %s not queued", taskID)
	}
	w, ok := r.workers[workerID]
	if !ok || w.State != wire.WorkerIdle {
		r.mu.Unlock()
		return fmt.Errorf("registry: worker %s not idle", workerID)
	}

	for i, id := range w.Backlog {
		if id == taskID {
			w.Backlog = append(w.Backlog[:i], w.Backlog[i+1:]...)
			break
		}
	}

	now := time.Now()
	t.State = wire.TaskRunning
	t.StartedAt = &now
	t.WorkerID = workerID
	w.CurrentTaskID = taskID
	w.State = wire.WorkerBusy
	w.LastActivityAt = now

	events := []wire.Event{
		wire.TaskStartedEvent{TaskID: taskID, WorkerID: workerID},
		wire.WorkerUpdatedEvent{
			WorkerID: workerID,
			Changes:  map[string]any{"status": wire.WorkerBusy, "lastActivityAt": now},
		},
	}
	r.mu.Unlock()

	r.emit(events)
	return nil
}

// Progress emits task:progress for a running task. It never changes state
// and is a no-op (no error, no event) if the task is no longer running —
// a late progress line for an already-cancelled task is simply dropped.
func (r *Registry) Progress(taskID string, pct int) {
	r.mu.Lock()
	t, ok := r.tasks[taskID]
	if !ok || t.State != wire.TaskRunning {
		r.mu.Unlock()
		return
	}
	if t.Progress != nil && pct <= *t.Progress {
		r.mu.Unlock()
		return
	}
	t.Progress = &pct
	r.mu.Unlock()

	r.emit([]wire.Event{wire.TaskProgressEvent{TaskID: taskID, Progress: pct}})
}

// Complete moves a running task to completed. It is a no-op if the task is
// not running (e.g. it was already cancelled) — this is what lets a late
// child response for a cancelled task be silently discarded by the caller.
func (r *Registry) Complete(taskID string, result any) {
	r.mu.Lock()
	t, ok := r.tasks[taskID]
	if !ok || t.State != wire.TaskRunning {
		r.mu.Unlock()
		return
	}
	now := time.Now()
	t.State = wire.TaskCompleted
	t.CompletedAt = &now
	t.Result = result
	r.mu.Unlock()

	r.emit([]wire.Event{wire.TaskCompletedEvent{TaskID: taskID, Result: result}})
}

// Fail moves a running task to failed. Same no-op discipline as Complete.
func (r *Registry) Fail(taskID, errMsg string) {
	r.mu.Lock()
	t := mustTask(r, taskID)
	if t != nil && t.State != wire.TaskRunning {
		t = nil
	}
	ev, ok := r.failLocked(t, errMsg)
	r.mu.Unlock()
	if ok {
		r.emit([]wire.Event{ev})
	}
}

// failLocked is the shared implementation behind Fail and the crash/stop
// drain paths. Caller must hold r.mu. t may be nil (unknown task id).
func (r *Registry) failLocked(t *Task, errMsg string) (wire.Event, bool) {
	if t == nil || (t.State != wire.TaskQueued && t.State != wire.TaskRunning) {
		return nil, false
	}
	now := time.Now()
	t.State = wire.TaskFailed
	t.CompletedAt = &now
	t.Error = errMsg
	return wire.TaskFailedEvent{TaskID: t.ID, Error: errMsg}, true
}

func mustTask(r *Registry, taskID string) *Task {
	return r.tasks[taskID] // nil is a valid, handled input to failLocked
}

// Cancel transitions a non-terminal task to cancelled and emits task:failed
// with the repo's documented "Task cancelled" convention (see design
// notes — a distinct task:cancelled event was deliberately not introduced).
// Returns false with no event if the task is unknown or already terminal.
func (r *Registry) Cancel(taskID string) bool {
	r.mu.Lock()
	t, ok := r.tasks[taskID]
	if !ok || isTerminal(t.State) {
		r.mu.Unlock()
		return false
	}

	if t.State == wire.TaskQueued && t.WorkerID != "" {
		if w, ok := r.workers[t.WorkerID]; ok {
			for i, id := range w.Backlog {
				if id == taskID {
					w.Backlog = append(w.Backlog[:i], w.Backlog[i+1:]...)
					break
				}
			}
		}
	}

	now := time.Now()
	t.State = wire.TaskCancelled
	t.CompletedAt = &now
	t.Error = "Task cancelled"
	r.mu.Unlock()

	r.emit([]wire.Event{wire.TaskFailedEvent{TaskID: taskID, Error: "Task cancelled"}})
	return true
}

// TaskSnapshot returns a read-only copy of one task's current state.
func (r *Registry) TaskSnapshot(taskID string) (wire.TaskSnapshot, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tasks[taskID]
	if !ok {
		return wire.TaskSnapshot{}, false
	}
	return t.Snapshot(), true
}

// OldestGlobalQueuedID returns the ID of the longest-waiting task with no
// assigned worker, in creation order.
func (r *Registry) OldestGlobalQueuedID() (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, id := range r.taskOrder {
		t := r.tasks[id]
		if t.State == wire.TaskQueued && t.WorkerID == "" {
			return t.ID, true
		}
	}
	return "", false
}

// CountTasksInFlight reports how many tasks are currently queued or
// running, for the supervisor's gauge refresh.
func (r *Registry) CountTasksInFlight() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, t := range r.tasks {
		if t.State == wire.TaskQueued || t.State == wire.TaskRunning {
			n++
		}
	}
	return n
}

func isTerminal(s wire.TaskState) bool {
	switch s {
	case wire.TaskCompleted, wire.TaskFailed, wire.TaskCancelled:
		return true
	default:
		return false
	}
}
