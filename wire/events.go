package wire

import "encoding/json"

// EventType tags the server→client Event union (§4.A).
type EventType string

const (
	EvWorkerStarted EventType = "worker:started"
	EvWorkerUpdated EventType = "worker:updated"
	EvWorkerStopped EventType = "worker:stopped"
	EvTaskQueued    EventType = "task:queued"
	EvTaskStarted   EventType = "task:started"
	EvTaskProgress  EventType = "task:progress"
	EvTaskCompleted EventType = "task:completed"
	EvTaskFailed    EventType = "task:failed"
	EvLogEntry      EventType = "log:entry"
)

// Event is the sealed interface implemented by every concrete event.
// Implementations also implement json.Marshaler so the `type` tag and the
// payload are flattened into one wire object.
type Event interface {
	EventType() EventType
	json.Marshaler
}

// WorkerStartedEvent is emitted immediately on spawn, before stdin write.
type WorkerStartedEvent struct {
	Worker WorkerSnapshot
}

func (WorkerStartedEvent) EventType() EventType { return EvWorkerStarted }

func (e WorkerStartedEvent) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Type   EventType      `json:"type"`
		Worker WorkerSnapshot `json:"worker"`
	}{EvWorkerStarted, e.Worker})
}

// WorkerUpdatedEvent is a partial patch. Changes carries either a status
// patch or {metrics}, never both in the same event. Status patches for the
// idle and busy transitions include lastActivityAt; those for stopping and
// error carry only status (plus error for the error state) and do not
// include lastActivityAt.
type WorkerUpdatedEvent struct {
	WorkerID string
	Changes  map[string]any
}

func (WorkerUpdatedEvent) EventType() EventType { return EvWorkerUpdated }

func (e WorkerUpdatedEvent) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Type     EventType      `json:"type"`
		WorkerID string         `json:"workerId"`
		Changes  map[string]any `json:"changes"`
	}{EvWorkerUpdated, e.WorkerID, e.Changes})
}

// WorkerStoppedEvent is final; no further events follow for that workerId.
type WorkerStoppedEvent struct {
	WorkerID string
}

func (WorkerStoppedEvent) EventType() EventType { return EvWorkerStopped }

func (e WorkerStoppedEvent) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Type     EventType `json:"type"`
		WorkerID string    `json:"workerId"`
	}{EvWorkerStopped, e.WorkerID})
}

// TaskQueuedEvent carries the full snapshot of a newly created task.
type TaskQueuedEvent struct {
	Task TaskSnapshot
}

func (TaskQueuedEvent) EventType() EventType { return EvTaskQueued }

func (e TaskQueuedEvent) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Type EventType    `json:"type"`
		Task TaskSnapshot `json:"task"`
	}{EvTaskQueued, e.Task})
}

// TaskStartedEvent marks a task entering the running state.
type TaskStartedEvent struct {
	TaskID   string
	WorkerID string
}

func (TaskStartedEvent) EventType() EventType { return EvTaskStarted }

func (e TaskStartedEvent) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Type     EventType `json:"type"`
		TaskID   string    `json:"taskId"`
		WorkerID string    `json:"workerId"`
	}{EvTaskStarted, e.TaskID, e.WorkerID})
}

// TaskProgressEvent reports 0-100 progress, monotonic non-decreasing per task.
type TaskProgressEvent struct {
	TaskID   string
	Progress int
}

func (TaskProgressEvent) EventType() EventType { return EvTaskProgress }

func (e TaskProgressEvent) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Type     EventType `json:"type"`
		TaskID   string    `json:"taskId"`
		Progress int       `json:"progress"`
	}{EvTaskProgress, e.TaskID, e.Progress})
}

// TaskCompletedEvent carries the tool-call result.
type TaskCompletedEvent struct {
	TaskID string
	Result any
}

func (TaskCompletedEvent) EventType() EventType { return EvTaskCompleted }

func (e TaskCompletedEvent) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Type   EventType `json:"type"`
		TaskID string    `json:"taskId"`
		Result any       `json:"result"`
	}{EvTaskCompleted, e.TaskID, e.Result})
}

// TaskFailedEvent carries the failure message. Also used for the
// cancel-while-queued/running path with Error == "Task cancelled" and for
// the synthetic command-error report (TaskID == "command-error").
type TaskFailedEvent struct {
	TaskID string
	Error  string
}

func (TaskFailedEvent) EventType() EventType { return EvTaskFailed }

func (e TaskFailedEvent) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Type   EventType `json:"type"`
		TaskID string    `json:"taskId"`
		Error  string    `json:"error"`
	}{EvTaskFailed, e.TaskID, e.Error})
}

// LogEntryEvent is delivered only to clients subscribed to LogEntry.WorkerID.
type LogEntryEvent struct {
	Log LogEntry
}

func (LogEntryEvent) EventType() EventType { return EvLogEntry }

func (e LogEntryEvent) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Type EventType `json:"type"`
		Log  LogEntry  `json:"log"`
	}{EvLogEntry, e.Log})
}

// CommandErrorTaskID is the synthetic taskId used for unresolvable-spawn and
// unknown-command / handler-exception reports (§4.G, §7).
const CommandErrorTaskID = "command-error"
