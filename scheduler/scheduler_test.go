package scheduler

import (
	"testing"

	"github.com/fleetcontrol/fleet-supervisor/registry"
	"github.com/fleetcontrol/fleet-supervisor/wire"
)

func newFleet(t *testing.T, workerCount int) (*registry.Registry, *Scheduler, []string) {
	t.Helper()
	reg := registry.New(func(wire.Event) {})
	sched := New(reg)

	ids := make([]string, workerCount)
	for i := 0; i < workerCount; i++ {
		id := reg.CreateWorker("s1", "demo")
		if err := reg.WorkerSpawned(id, 1000+i); err != nil {
			t.Fatal(err)
		}
		ids[i] = id
	}
	return reg, sched, ids
}

func TestSubmit_PrefersIdleWorkerLowestID(t *testing.T) {
	reg, sched, ids := newFleet(t, 3)

	tid := reg.CreateTask("ping", nil)
	wid, ok := sched.Submit(tid)
	if !ok {
		t.Fatal("expected submit to find an idle worker")
	}
	if wid != ids[0] {
		t.Errorf("expected lowest-ID idle worker %s, got %s", ids[0], wid)
	}

	task, _ := reg.TaskSnapshot(tid)
	if task.State != wire.TaskRunning {
		t.Errorf("expected task running, got %s", task.State)
	}
}

func TestSubmit_FallsBackToShortestBacklog(t *testing.T) {
	reg, sched, ids := newFleet(t, 2)

	// Occupy both workers.
	a := reg.CreateTask("a", nil)
	sched.Submit(a)
	b := reg.CreateTask("b", nil)
	sched.Submit(b)

	// Give worker[1] an extra backlog entry directly so its backlog is longer.
	extra := reg.CreateTask("extra", nil)
	if err := reg.EnqueueToWorker(extra, ids[1]); err != nil {
		t.Fatal(err)
	}

	next := reg.CreateTask("next", nil)
	wid, ok := sched.Submit(next)
	if !ok {
		t.Fatal("expected a backlog assignment")
	}
	if wid != ids[0] {
		t.Errorf("expected shortest-backlog worker %s, got %s", ids[0], wid)
	}

	n, _ := reg.WorkerBacklogLen(ids[0])
	if n != 1 {
		t.Errorf("expected worker[0] backlog len 1, got %d", n)
	}
}

func TestSubmit_NoWorkersLeavesGloballyQueued(t *testing.T) {
	reg := registry.New(func(wire.Event) {})
	sched := New(reg)

	tid := reg.CreateTask("ping", nil)
	if _, ok := sched.Submit(tid); ok {
		t.Fatal("expected submit to fail with no workers")
	}

	task, _ := reg.TaskSnapshot(tid)
	if task.State != wire.TaskQueued || task.WorkerID != "" {
		t.Errorf("expected task to remain globally queued, got %+v", task)
	}
	id, found := reg.OldestGlobalQueuedID()
	if !found || id != tid {
		t.Errorf("expected %s to be the oldest globally queued task", tid)
	}
}

func TestDispatch_PrefersOwnBacklogOverGlobalQueue(t *testing.T) {
	reg, sched, ids := newFleet(t, 1)
	wid := ids[0]

	running := reg.CreateTask("running", nil)
	sched.Submit(running) // occupies the only worker

	backlogged := reg.CreateTask("backlogged", nil)
	if err := reg.EnqueueToWorker(backlogged, wid); err != nil {
		t.Fatal(err)
	}

	// A second, unrelated task that's never routed to this worker — it
	// should NOT jump ahead of the worker's own backlog entry.
	global := reg.CreateTask("global", nil)
	_ = global

	reg.Fail(running, "done")
	reg.WorkerTaskFinished(wid)

	got, ok := sched.Dispatch(wid)
	if !ok || got != backlogged {
		t.Errorf("expected Dispatch to pick the worker's own backlog task %s, got %s (ok=%v)", backlogged, got, ok)
	}
}

func TestDispatch_FallsBackToGlobalQueueWhenBacklogEmpty(t *testing.T) {
	reg, sched, ids := newFleet(t, 1)
	wid := ids[0]

	running := reg.CreateTask("running", nil)
	sched.Submit(running)

	global := reg.CreateTask("global", nil)

	reg.Fail(running, "done")
	reg.WorkerTaskFinished(wid)

	got, ok := sched.Dispatch(wid)
	if !ok || got != global {
		t.Errorf("expected Dispatch to fall back to global queue task %s, got %s (ok=%v)", global, got, ok)
	}
}

func TestDispatch_NoWorkReturnsFalse(t *testing.T) {
	_, sched, ids := newFleet(t, 1)
	if _, ok := sched.Dispatch(ids[0]); ok {
		t.Error("expected Dispatch to report no work available")
	}
}
