// Package fleet is the composition root (§4.G): it wires the registry,
// scheduler, hub and worker runtimes together, turns inbound Commands into
// calls against them, and fans every resulting Event out through the hub's
// broadcast-or-targeted routing rule.
package fleet

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/fleetcontrol/fleet-supervisor/hub"
	"github.com/fleetcontrol/fleet-supervisor/logging"
	"github.com/fleetcontrol/fleet-supervisor/metrics"
	"github.com/fleetcontrol/fleet-supervisor/registry"
	"github.com/fleetcontrol/fleet-supervisor/scheduler"
	"github.com/fleetcontrol/fleet-supervisor/wire"
	"github.com/fleetcontrol/fleet-supervisor/worker"
)

// ServerRegistry resolves a serverId into the spawn tuple the caller didn't
// supply directly. Optional: a Supervisor built with a nil ServerRegistry
// only accepts spawn commands that already carry command/argv.
type ServerRegistry interface {
	Resolve(serverID string) (name, command string, argv []string, ok bool)
}

// Config carries the supervisor-level timeouts the spec calls out as
// configurable defaults.
type Config struct {
	// KillEscalation is defaulted but not passed to worker runtimes: every
	// runtime escalates to SIGKILL after worker.KillEscalation.
	KillEscalation  time.Duration
	ShutdownTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.KillEscalation <= 0 {
		c.KillEscalation = worker.KillEscalation
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = 10 * time.Second
	}
	return c
}

// Supervisor is the fleet's composition root.
type Supervisor struct {
	cfg     Config
	servers ServerRegistry
	log     *zap.SugaredLogger

	reg   *registry.Registry
	sched *scheduler.Scheduler
	hub   *hub.Hub

	mu       sync.Mutex
	runtimes map[string]*worker.Runtime
}

// New builds a Supervisor. servers may be nil. heartbeat is passed straight
// through to the hub (0 selects hub.HeartbeatInterval). log may be nil, in
// which case log output is discarded.
func New(servers ServerRegistry, cfg Config, heartbeat time.Duration, log *zap.SugaredLogger) *Supervisor {
	if log == nil {
		log = logging.Nop()
	}
	s := &Supervisor{
		cfg:      cfg.withDefaults(),
		servers:  servers,
		log:      log,
		runtimes: make(map[string]*worker.Runtime),
	}
	s.reg = registry.New(s.routeEvent)
	s.sched = scheduler.New(s.reg)
	s.hub = hub.New(s.handleCommand, heartbeat, log)
	return s
}

// Hub exposes the fan-out hub so callers can mount ServeHTTP on a mux.
func (s *Supervisor) Hub() *hub.Hub { return s.hub }

// WorkersByState reports the current worker count for every lifecycle
// state, for the /health endpoint.
func (s *Supervisor) WorkersByState() map[wire.WorkerState]int {
	counts := make(map[wire.WorkerState]int)
	for _, w := range s.reg.ListWorkerSnapshots() {
		counts[w.State]++
	}
	return counts
}

// Run starts the hub's dispatch loop and a periodic gauge refresh. Blocks
// until Shutdown closes the hub.
func (s *Supervisor) Run() {
	go s.refreshGaugesUntilClosed()
	s.hub.Run()
}

// refreshGaugesUntilClosed keeps the /metrics gauges current until the hub
// is closed.
func (s *Supervisor) refreshGaugesUntilClosed() {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-s.hub.Done():
			return
		case <-ticker.C:
			metrics.WorkersActive.Set(float64(len(s.reg.ListWorkerSnapshots())))
			metrics.TasksInFlight.Set(float64(s.reg.CountTasksInFlight()))
			metrics.ClientsConnected.Set(float64(s.hub.ClientCount()))
		}
	}
}

// routeEvent implements the broadcast-or-targeted fan-out rule: log:entry
// goes only to subscribers, everything else broadcasts. It also watches for
// a worker becoming idle (spawn completion or task finalization) and asks
// the scheduler for its next unit of work — the registry has no notion of
// the scheduler, so this is the one seam where "worker idle" turns into
// "dispatch", per the worker-pull design.
func (s *Supervisor) routeEvent(ev wire.Event) {
	if le, ok := ev.(wire.LogEntryEvent); ok {
		s.hub.SendToLogSubscribers(le.Log.WorkerID, ev)
		return
	}
	s.hub.Broadcast(ev)

	if wu, ok := ev.(wire.WorkerUpdatedEvent); ok {
		if status, ok := wu.Changes["status"]; ok && status == wire.WorkerIdle {
			s.dispatchIfIdle(wu.WorkerID)
		}
	}
}

// handleCommand dispatches one inbound Command. Errors and unknown types
// are reported back as a synthetic task:failed("command-error") broadcast,
// since the hub doesn't track which client sent what once it's forwarded.
func (s *Supervisor) handleCommand(cmd wire.Command) {
	var err error
	switch c := cmd.(type) {
	case wire.SpawnCommand:
		err = s.handleSpawn(c)
	case wire.KillCommand:
		err = s.handleKill(c)
	case wire.SubmitCommand:
		err = s.handleSubmit(c)
	case wire.CancelCommand:
		s.reg.Cancel(c.TaskID) // false-return is a silent no-op per spec
	default:
		err = fmt.Errorf("unhandled command type %T", cmd)
	}

	if err != nil {
		s.hub.Broadcast(wire.TaskFailedEvent{TaskID: wire.CommandErrorTaskID, Error: err.Error()})
	}
}

func (s *Supervisor) handleSpawn(c wire.SpawnCommand) error {
	command, argv, name := c.Command, c.Argv, c.ServerName
	if command == "" {
		if s.servers == nil {
			return fmt.Errorf("no config found for server %q", c.ServerID)
		}
		resolvedName, resolvedCmd, resolvedArgv, ok := s.servers.Resolve(c.ServerID)
		if !ok {
			return fmt.Errorf("no config found for server %q", c.ServerID)
		}
		command, argv = resolvedCmd, resolvedArgv
		if name == "" {
			name = resolvedName
		}
	}
	if name == "" {
		name = c.ServerID
	}

	workerID := s.reg.CreateWorker(c.ServerID, name)

	logSink := func(entry wire.LogEntry) {
		s.hub.SendToLogSubscribers(entry.WorkerID, wire.LogEntryEvent{Log: entry})
	}

	rt, err := worker.Spawn(s.reg, workerID, command, argv, logSink, s.log)
	if err != nil {
		s.log.Errorf("fleet: spawn failed for worker %s: %v", workerID, err)
		return nil // WorkerSpawnFailed already emitted worker:updated(error)
	}

	s.mu.Lock()
	s.runtimes[workerID] = rt
	s.mu.Unlock()

	// Only now does the worker become eligible for dispatch: the runtime
	// is already registered, so a task assigned as a side effect of this
	// event can always find it.
	if err := s.reg.WorkerSpawned(workerID, rt.PID()); err != nil {
		s.log.Errorf("fleet: %v", err)
	}

	return nil
}

func (s *Supervisor) handleKill(c wire.KillCommand) error {
	s.mu.Lock()
	rt, ok := s.runtimes[c.WorkerID]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("unknown worker %q", c.WorkerID)
	}
	rt.RequestStop("Kill requested")
	return nil
}

func (s *Supervisor) handleSubmit(c wire.SubmitCommand) error {
	taskID := s.reg.CreateTask(c.Tool, c.Params)
	workerID, ok := s.sched.Submit(taskID)
	if !ok {
		return nil // stays globally queued; see Open Question
	}
	s.sendToWorker(workerID, taskID, c.Tool, c.Params)
	return nil
}

func (s *Supervisor) sendToWorker(workerID, taskID, tool string, params map[string]any) {
	s.mu.Lock()
	rt, ok := s.runtimes[workerID]
	s.mu.Unlock()
	if !ok {
		return
	}
	rt.Send(taskID, tool, params)
}

// dispatchIfIdle asks the scheduler for the next task for a worker that
// just became idle, whether that was on spawn completion or on task
// finalization — both paths emit the same worker:updated{status:idle}
// shape, which is what routeEvent watches for.
func (s *Supervisor) dispatchIfIdle(workerID string) {
	taskID, ok := s.sched.Dispatch(workerID)
	if !ok {
		return
	}
	snap, ok := s.reg.TaskSnapshot(taskID)
	if !ok {
		return
	}
	s.sendToWorker(workerID, taskID, snap.Tool, snap.Params)
}

// Shutdown requests every worker stop, waits up to the configured timeout
// for them all to terminate, then closes the hub.
func (s *Supervisor) Shutdown() {
	s.mu.Lock()
	runtimes := make([]*worker.Runtime, 0, len(s.runtimes))
	for _, rt := range s.runtimes {
		runtimes = append(runtimes, rt)
	}
	s.mu.Unlock()

	for _, rt := range runtimes {
		rt.RequestStop("Server shutting down")
	}

	deadline := time.After(s.cfg.ShutdownTimeout)
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()

loop:
	for len(s.reg.ListWorkerSnapshots()) > 0 {
		select {
		case <-deadline:
			break loop
		case <-ticker.C:
		}
	}

	s.hub.Close()
}
