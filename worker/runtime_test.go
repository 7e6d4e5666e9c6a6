package worker

import (
	"testing"
	"time"

	"github.com/fleetcontrol/fleet-supervisor/registry"
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

func TestSpawn_EchoChildCompletesTask(t *testing.T) {
	var events []wire.Event
	reg := registry.New(func(ev wire.Event) { events = append(events, ev) })

	wid := reg.CreateWorker("s1", "demo")

	// A tiny shell pipeline that echoes back a canned pong for any stdin
	// line: this exercises the real pipe plumbing without depending on an
	// external binary beyond /bin/sh.
	script := `while read -r line; do echo '{"result":"pong"}'; done`
	rt, err := Spawn(reg, wid, "/bin/sh", []string{"-c", script}, nil, nil)
	if err != nil {
		t.Fatalf("spawn: %v", err)
	}
	defer rt.RequestStop("test cleanup")
	if err := reg.WorkerSpawned(wid, rt.PID()); err != nil {
		t.Fatal(err)
	}

	tid := reg.CreateTask("ping", nil)
	if err := reg.Assign(tid, wid); err != nil {
		t.Fatal(err)
	}
	rt.Send(tid, "ping", nil)

	waitFor(t, time.Second, func() bool {
		snap, _ := reg.TaskSnapshot(tid)
		return snap.State == wire.TaskCompleted
	})

	snap, _ := reg.TaskSnapshot(tid)
	if snap.Result != "pong" {
		t.Errorf("expected result %q, got %v", "pong", snap.Result)
	}

	waitFor(t, time.Second, func() bool {
		wsnap, _ := reg.WorkerSnapshot(wid)
		return wsnap.State == wire.WorkerIdle && wsnap.Metrics.TasksCompleted == 1
	})
}

func TestSpawn_MalformedStdoutLogsInfo(t *testing.T) {
	var logs []wire.LogEntry
	reg := registry.New(func(wire.Event) {})

	wid := reg.CreateWorker("s1", "demo")
	script := `echo 'not json at all'; while read -r line; do :; done`
	rt, err := Spawn(reg, wid, "/bin/sh", []string{"-c", script}, func(e wire.LogEntry) {
		logs = append(logs, e)
	}, nil)
	if err != nil {
		t.Fatalf("spawn: %v", err)
	}
	defer rt.RequestStop("test cleanup")
	reg.WorkerSpawned(wid, rt.PID())

	waitFor(t, time.Second, func() bool { return len(logs) > 0 })
	if logs[0].Level != wire.LogInfo {
		t.Errorf("expected malformed stdout to log at info, got %s", logs[0].Level)
	}
}

func TestSpawn_StderrClassifiedByKeyword(t *testing.T) {
	var logs []wire.LogEntry
	reg := registry.New(func(wire.Event) {})

	wid := reg.CreateWorker("s1", "demo")
	script := `echo "ERROR: boom" 1>&2; while read -r line; do :; done`
	rt, err := Spawn(reg, wid, "/bin/sh", []string{"-c", script}, func(e wire.LogEntry) {
		logs = append(logs, e)
	}, nil)
	if err != nil {
		t.Fatalf("spawn: %v", err)
	}
	defer rt.RequestStop("test cleanup")
	reg.WorkerSpawned(wid, rt.PID())

	waitFor(t, time.Second, func() bool { return len(logs) > 0 })
	if logs[0].Level != wire.LogError {
		t.Errorf("expected ERROR-keyword stderr line classified as error, got %s", logs[0].Level)
	}
}

func TestSpawn_UnexpectedExitFailsTasks(t *testing.T) {
	var events []wire.Event
	reg := registry.New(func(ev wire.Event) { events = append(events, ev) })

	wid := reg.CreateWorker("s1", "demo")
	// Exits as soon as it reads its first request, without being asked to.
	rt, err := Spawn(reg, wid, "/bin/sh", []string{"-c", "read -r line; exit 1"}, nil, nil)
	if err != nil {
		t.Fatalf("spawn: %v", err)
	}
	if err := reg.WorkerSpawned(wid, rt.PID()); err != nil {
		t.Fatal(err)
	}
	tid := reg.CreateTask("ping", nil)
	if err := reg.Assign(tid, wid); err != nil {
		t.Fatal(err)
	}
	rt.Send(tid, "ping", nil)

	waitFor(t, 2*time.Second, func() bool {
		_, ok := reg.WorkerSnapshot(wid)
		return !ok
	})

	if snap, _ := reg.TaskSnapshot(tid); snap.State != wire.TaskFailed {
		t.Errorf("expected the in-flight task to fail on unexpected exit, got %s", snap.State)
	}

	var sawStopped bool
	for _, ev := range events {
		if _, ok := ev.(wire.WorkerStoppedEvent); ok {
			sawStopped = true
		}
	}
	if !sawStopped {
		t.Error("expected worker:stopped after unexpected exit")
	}
}
