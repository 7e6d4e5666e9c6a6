// Package scheduler implements the assignment policy (§4.E): which worker a
// newly submitted task goes to, and which task a newly-idle worker picks up
// next. It only ever reads and mutates state through the registry — it owns
// no IO and knows nothing about child processes or the wire protocol, the
// same separation the teacher draws between Manager (policy + state) and
// overseer.Client (the thing that actually talks to a process).
package scheduler

import (
	"github.com/fleetcontrol/fleet-supervisor/registry"
	"github.com/fleetcontrol/fleet-supervisor/wire"
)

// Scheduler holds no state of its own; every decision is derived from the
// registry at call time.
type Scheduler struct {
	reg *registry.Registry
}

// New returns a Scheduler backed by reg.
func New(reg *registry.Registry) *Scheduler {
	return &Scheduler{reg: reg}
}

// Submit decides where a freshly-queued task goes. It tries, in order:
//
//  1. an idle worker — the lowest worker ID wins ties;
//  2. the busy worker with the shortest backlog — again lowest ID on ties;
//  3. if every worker is saturated or none exist, the task is left globally
//     queued and ok is false.
//
// Submit never itself transitions the task; it calls Assign (idle case) or
// EnqueueToWorker (backlog case) on the registry, which is what actually
// commits the state change and emits the matching event.
func (s *Scheduler) Submit(taskID string) (workerID string, ok bool) {
	workers := s.reg.ListWorkerSnapshots()

	for _, w := range workers {
		if w.State == wire.WorkerIdle {
			if err := s.reg.Assign(taskID, w.ID); err != nil {
				continue
			}
			return w.ID, true
		}
	}

	best := ""
	bestLen := -1
	for _, w := range workers {
		if w.State != wire.WorkerBusy {
			continue
		}
		n, found := s.reg.WorkerBacklogLen(w.ID)
		if !found {
			continue
		}
		if best == "" || n < bestLen || (n == bestLen && w.ID < best) {
			best = w.ID
			bestLen = n
		}
	}
	if best == "" {
		return "", false
	}
	if err := s.reg.EnqueueToWorker(taskID, best); err != nil {
		return "", false
	}
	return best, true
}

// Dispatch picks the next task for a worker that just became idle. It
// prefers the worker's own backlog (FIFO, oldest first) so that tasks
// explicitly routed to this worker are never starved by the global queue;
// only once that backlog is empty does it fall back to the oldest
// unassigned task anywhere in the fleet.
func (s *Scheduler) Dispatch(workerID string) (taskID string, ok bool) {
	if head, found := s.reg.WorkerBacklogHead(workerID); found {
		if err := s.reg.Assign(head, workerID); err == nil {
			return head, true
		}
	}

	if id, found := s.reg.OldestGlobalQueuedID(); found {
		if err := s.reg.Assign(id, workerID); err == nil {
			return id, true
		}
	}

	return "", false
}
