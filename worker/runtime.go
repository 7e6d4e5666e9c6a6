// Package worker owns one supervised child process end to end: spawning
// it, turning its raw stdout/stderr byte streams into typed registry calls
// via framer.LineFramer, writing JSON-RPC 2.0 requests to its stdin, and
// driving it through the kill-escalation and stream-close sequence that
// ends in the registry's terminated transition.
//
// This is the direct analogue of the teacher's overseer.Client, except the
// teacher dials an already-running sticky-overseer process over its own
// control protocol, where here the runtime spawns and owns the child
// directly via os/exec — there is no standalone overseer process in this
// design, so the three pipes are wired in-process instead.
package worker

import (
	"encoding/json"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/fleetcontrol/fleet-supervisor/framer"
	"github.com/fleetcontrol/fleet-supervisor/logging"
	"github.com/fleetcontrol/fleet-supervisor/metrics"
	"github.com/fleetcontrol/fleet-supervisor/registry"
	"github.com/fleetcontrol/fleet-supervisor/wire"
)

// KillEscalation is the default grace period between SIGTERM and SIGKILL.
const KillEscalation = 5 * time.Second

// terminateSignal is sent on RequestStop before the SIGKILL escalation.
const terminateSignal = syscall.SIGTERM

// LogSink receives every classified stderr line (and every malformed
// stdout line, logged at info). The fleet supervisor wires this to the hub.
type LogSink func(wire.LogEntry)

// jsonrpcRequest is the tool-call request written to a child's stdin.
type jsonrpcRequest struct {
	JSONRPC string        `json:"jsonrpc"`
	ID      string        `json:"id"`
	Method  string        `json:"method"`
	Params  jsonrpcParams `json:"params"`
}

type jsonrpcParams struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

// Runtime supervises exactly one child process for the lifetime of one
// Worker record in the registry.
type Runtime struct {
	workerID string
	reg      *registry.Registry
	logSink  LogSink
	log      *zap.SugaredLogger

	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.ReadCloser
	stderr io.ReadCloser

	mu          sync.Mutex
	currentTask string // taskId currently assigned, "" if idle
	stopping    atomic.Bool

	streamsClosed int32 // count of stdout/stderr readers that have seen EOF
	exited        chan struct{}
}

// Spawn starts command with argv and wires its three pipes. It does not by
// itself advance the worker past "starting" — the caller is expected to
// register the returned Runtime (e.g. in a workerId -> *Runtime map) and
// only then call reg.WorkerSpawned, so that a task dispatched as a
// consequence of that event can never be sent to a runtime the caller
// hasn't finished registering yet.
func Spawn(reg *registry.Registry, workerID, command string, argv []string, logSink LogSink, log *zap.SugaredLogger) (*Runtime, error) {
	if log == nil {
		log = logging.Nop()
	}
	log = log.With(zap.String("worker_id", workerID))
	cmd := exec.Command(command, argv...)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		reg.WorkerSpawnFailed(workerID, err)
		return nil, fmt.Errorf("worker %s: stdin pipe: %w", workerID, err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		reg.WorkerSpawnFailed(workerID, err)
		return nil, fmt.Errorf("worker %s: stdout pipe: %w", workerID, err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		reg.WorkerSpawnFailed(workerID, err)
		return nil, fmt.Errorf("worker %s: stderr pipe: %w", workerID, err)
	}

	if err := cmd.Start(); err != nil {
		reg.WorkerSpawnFailed(workerID, err)
		return nil, fmt.Errorf("worker %s: start: %w", workerID, err)
	}

	r := &Runtime{
		workerID: workerID,
		reg:      reg,
		logSink:  logSink,
		log:      log,
		cmd:      cmd,
		stdin:    stdin,
		stdout:   stdout,
		stderr:   stderr,
		exited:   make(chan struct{}),
	}

	go r.readStdout()
	go r.readStderr()
	go r.awaitExit()

	return r, nil
}

// PID returns the spawned child's process id, for the WorkerSpawned call
// the caller makes once it has finished registering the Runtime.
func (r *Runtime) PID() int {
	return r.cmd.Process.Pid
}

// Send writes a tools/call JSON-RPC request for taskID to the child's
// stdin. On write failure the task is immediately failed and the worker
// returned to idle, per the stdin-write-failure error path.
func (r *Runtime) Send(taskID, tool string, params map[string]any) {
	req := jsonrpcRequest{
		JSONRPC: "2.0",
		ID:      taskID,
		Method:  "tools/call",
		Params:  jsonrpcParams{Name: tool, Arguments: params},
	}
	line, err := json.Marshal(req)
	if err != nil {
		r.reg.Fail(taskID, err.Error())
		r.reg.WorkerTaskFinished(r.workerID)
		return
	}
	line = append(line, '\n')

	r.mu.Lock()
	r.currentTask = taskID
	r.mu.Unlock()

	if _, err := r.stdin.Write(line); err != nil {
		r.log.Errorw("stdin write failed", "task_id", taskID, "error", err)
		r.reg.Fail(taskID, fmt.Sprintf("stdin write failed: %v", err))
		r.mu.Lock()
		r.currentTask = ""
		r.mu.Unlock()
		r.reg.WorkerTaskFinished(r.workerID)
	}
}

// RequestStop asks the child to exit gracefully, escalating to SIGKILL
// after KillEscalation if it hasn't exited by then. Idempotent.
func (r *Runtime) RequestStop(reason string) {
	if r.stopping.Swap(true) {
		return
	}
	r.reg.WorkerStopping(r.workerID, reason)

	if r.cmd.Process != nil {
		r.cmd.Process.Signal(terminateSignal)
	}

	go func() {
		select {
		case <-r.exited:
		case <-time.After(KillEscalation):
			if r.cmd.Process != nil {
				r.cmd.Process.Kill()
			}
		}
	}()
}

// readStdout classifies each framed line: progress patches, terminal
// responses (success/error), or — on decode failure — an info log line.
func (r *Runtime) readStdout() {
	var lf framer.LineFramer
	buf := make([]byte, 4096)
	for {
		n, err := r.stdout.Read(buf)
		if n > 0 {
			for _, line := range lf.Feed(buf[:n]) {
				r.handleStdoutLine(line)
			}
		}
		if err != nil {
			if line, ok := lf.Close(); ok {
				r.handleStdoutLine(line)
			}
			break
		}
	}
	r.streamClosed()
}

func (r *Runtime) handleStdoutLine(line string) {
	var raw map[string]any
	if err := json.Unmarshal([]byte(line), &raw); err != nil {
		r.emitLog(wire.LogInfo, line)
		return
	}

	if p, ok := raw["progress"]; ok {
		if f, ok := p.(float64); ok {
			r.withCurrentTask(func(taskID string) {
				r.reg.Progress(taskID, int(f))
			})
			return
		}
	}

	r.withCurrentTask(func(taskID string) {
		defer r.finishTask(taskID)

		snap, ok := r.reg.TaskSnapshot(taskID)
		if ok && snap.State == wire.TaskCancelled {
			return
		}

		if errObj, ok := raw["error"].(map[string]any); ok {
			msg, _ := errObj["message"].(string)
			r.reg.Fail(taskID, msg)
		} else if result, ok := raw["result"]; ok {
			r.reg.Complete(taskID, result)
		} else {
			r.reg.Complete(taskID, raw)
		}
		r.recordMetrics(taskID)
	})
}

// readStderr classifies every non-blank line into a log entry by keyword.
func (r *Runtime) readStderr() {
	var lf framer.LineFramer
	buf := make([]byte, 4096)
	for {
		n, err := r.stderr.Read(buf)
		if n > 0 {
			for _, line := range lf.Feed(buf[:n]) {
				r.emitLog(classifyLevel(line), line)
			}
		}
		if err != nil {
			if line, ok := lf.Close(); ok {
				r.emitLog(classifyLevel(line), line)
			}
			break
		}
	}
	r.streamClosed()
}

func classifyLevel(line string) wire.LogLevel {
	lower := strings.ToLower(line)
	switch {
	case strings.Contains(lower, "error"), strings.Contains(lower, "fatal"):
		return wire.LogError
	case strings.Contains(lower, "warn"):
		return wire.LogWarn
	case strings.Contains(lower, "debug"):
		return wire.LogDebug
	default:
		return wire.LogInfo
	}
}

func (r *Runtime) emitLog(level wire.LogLevel, message string) {
	if r.logSink == nil {
		return
	}
	r.logSink(wire.LogEntry{
		WorkerID:  r.workerID,
		Timestamp: time.Now(),
		Level:     level,
		Message:   message,
	})
}

func (r *Runtime) withCurrentTask(fn func(taskID string)) {
	r.mu.Lock()
	taskID := r.currentTask
	r.mu.Unlock()
	if taskID == "" {
		return
	}
	fn(taskID)
}

func (r *Runtime) finishTask(taskID string) {
	r.mu.Lock()
	if r.currentTask == taskID {
		r.currentTask = ""
	}
	r.mu.Unlock()
	r.reg.WorkerTaskFinished(r.workerID)
}

func (r *Runtime) recordMetrics(taskID string) {
	snap, ok := r.reg.TaskSnapshot(taskID)
	if !ok || snap.StartedAt == nil || snap.CompletedAt == nil {
		return
	}
	latency := float64(snap.CompletedAt.Sub(*snap.StartedAt).Milliseconds())
	metrics.TaskLatencyMs.Observe(latency)
	r.reg.RecordMetrics(r.workerID, snap.State == wire.TaskCompleted, latency, 0)
}

// streamClosed tracks stdout/stderr EOF; once both have fired, and the
// process has also exited, the worker is terminated.
func (r *Runtime) streamClosed() {
	if atomic.AddInt32(&r.streamsClosed, 1) == 2 {
		<-r.exited
		r.reg.WorkerTerminated(r.workerID)
	}
}

func (r *Runtime) awaitExit() {
	err := r.cmd.Wait()
	close(r.exited)

	if r.stopping.Load() {
		return
	}

	reason := "Worker crashed: unexpected exit"
	if err != nil {
		reason = fmt.Sprintf("Worker crashed: %v", err)
	}
	r.log.Warnw("worker exited unexpectedly", "error", err)
	r.reg.WorkerCrashed(r.workerID, reason)
}
