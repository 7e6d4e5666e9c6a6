// Package wire defines the tagged-union Commands and Events that travel
// between control clients and the fleet supervisor, plus the serialisable
// snapshot views of the domain model those messages carry. The mutable
// domain model itself lives in package registry; these are the read-only,
// JSON-shaped views of it (same split as the teacher's store.Subscription
// vs manager.SubscriptionStatus).
package wire

import "time"

// WorkerState is the lifecycle state of a supervised worker process.
type WorkerState string

const (
	WorkerStarting   WorkerState = "starting"
	WorkerIdle       WorkerState = "idle"
	WorkerBusy       WorkerState = "busy"
	WorkerError      WorkerState = "error"
	WorkerStopping   WorkerState = "stopping"
	WorkerTerminated WorkerState = "terminated"
)

// TaskState is the lifecycle state of a submitted tool-call task.
type TaskState string

const (
	TaskQueued    TaskState = "queued"
	TaskRunning   TaskState = "running"
	TaskCompleted TaskState = "completed"
	TaskFailed    TaskState = "failed"
	TaskCancelled TaskState = "cancelled"
)

// LogLevel classifies a LogEntry by keyword match against its source line.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// WorkerMetrics is the rolling performance counters for one worker.
type WorkerMetrics struct {
	TasksCompleted int     `json:"tasksCompleted"`
	TasksErrored   int     `json:"tasksErrored"`
	AvgLatencyMs   float64 `json:"avgLatencyMs"`
	TokensUsed     int     `json:"tokensUsed"`
}

// WorkerSnapshot is the API-facing, read-only view of a worker.
type WorkerSnapshot struct {
	ID             string        `json:"id"`
	ServerID       string        `json:"serverId"`
	ServerName     string        `json:"serverName,omitempty"`
	State          WorkerState   `json:"state"`
	PID            int           `json:"pid,omitempty"`
	SpawnedAt      time.Time     `json:"spawnedAt"`
	LastActivityAt time.Time     `json:"lastActivityAt"`
	CurrentTaskID  string        `json:"currentTaskId,omitempty"`
	Metrics        WorkerMetrics `json:"metrics"`
}

// TaskSnapshot is the API-facing, read-only view of a task.
type TaskSnapshot struct {
	ID          string         `json:"id"`
	WorkerID    string         `json:"workerId,omitempty"`
	Tool        string         `json:"tool"`
	Params      map[string]any `json:"params,omitempty"`
	State       TaskState      `json:"state"`
	Progress    *int           `json:"progress,omitempty"`
	CreatedAt   time.Time      `json:"createdAt"`
	StartedAt   *time.Time     `json:"startedAt,omitempty"`
	CompletedAt *time.Time     `json:"completedAt,omitempty"`
	Result      any            `json:"result,omitempty"`
	Error       string         `json:"error,omitempty"`
}

// LogEntry is a single classified stderr/stdout line from a worker.
type LogEntry struct {
	ID        string         `json:"id"`
	WorkerID  string         `json:"workerId"`
	Timestamp time.Time      `json:"timestamp"`
	Level     LogLevel       `json:"level"`
	Message   string         `json:"message"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}
