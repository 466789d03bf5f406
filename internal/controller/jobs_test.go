package controller

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/autobot-fleet/flm/internal/executor"
	"github.com/autobot-fleet/flm/internal/protocol"
)

func newTestJobEngine(t *testing.T, newExecutor func(node *Node) executor.Executor) (*JobEngine, *Registry, *UpdatePlanner) {
	t.Helper()
	db := newTestDB(t)
	registry := NewRegistry(db)
	planner := NewUpdatePlanner(db)
	events := NewEventLog(db, testLogger())
	hub := NewHub(testLogger(), nil)
	cfg := testConfig()
	engine := NewJobEngine(db, registry, planner, events, hub, cfg, nil, testLogger(), newExecutor)
	return engine, registry, planner
}

func seedNodeAndUpdates(t *testing.T, registry *Registry, planner *UpdatePlanner, nodeID string, packages ...string) []string {
	t.Helper()
	ctx := context.Background()
	if _, err := registry.UpsertOnHeartbeat(ctx, nodeID, newHeartbeat(nodeID+"-host", "")); err != nil {
		t.Fatalf("UpsertOnHeartbeat: %v", err)
	}
	var ids []string
	for i, pkg := range packages {
		id := pkg
		ids = append(ids, id)
		mustExecPlanner(t, planner, id, nodeID, pkg, i)
	}
	return ids
}

func mustExecPlanner(t *testing.T, planner *UpdatePlanner, updateID, nodeID, pkg string, _ int) {
	t.Helper()
	if _, err := planner.db.Exec(`
		INSERT INTO update_info (update_id, node_id, package_name, current_version, available_version, severity, is_applied)
		VALUES (?, ?, ?, '1.0', '2.0', 'info', 0)
	`, updateID, nodeID, pkg); err != nil {
		t.Fatalf("insert update_info: %v", err)
	}
}

func TestJobEngine_Apply_NodeNotFound(t *testing.T) {
	engine, _, _ := newTestJobEngine(t, noopExecutorFactory)
	_, err := engine.Apply(context.Background(), "missing-node", []string{"u1"})
	if err != ErrNodeNotFound {
		t.Fatalf("expected ErrNodeNotFound, got %v", err)
	}
}

func TestJobEngine_Apply_NoValidUpdates(t *testing.T) {
	engine, registry, _ := newTestJobEngine(t, noopExecutorFactory)
	ctx := context.Background()
	if _, err := registry.UpsertOnHeartbeat(ctx, "n1", newHeartbeat("h1", "")); err != nil {
		t.Fatalf("UpsertOnHeartbeat: %v", err)
	}

	_, err := engine.Apply(ctx, "n1", nil)
	if err != ErrNoValidUpdates {
		t.Fatalf("expected ErrNoValidUpdates for an empty update_ids list, got %v", err)
	}
}

func TestJobEngine_Apply_RunsToCompletion(t *testing.T) {
	newExecutor := func(node *Node) executor.Executor {
		return &fakeExecutor{
			run: func(ctx context.Context, cmd string, timeout time.Duration) (executor.Result, error) {
				return executor.Result{ExitCode: 0, Stdout: "installed"}, nil
			},
		}
	}
	engine, registry, planner := newTestJobEngine(t, newExecutor)
	ids := seedNodeAndUpdates(t, registry, planner, "n1", "curl", "vim")

	jobID, err := engine.Apply(context.Background(), "n1", ids)
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}

	var job *UpdateJob
	waitFor(t, 2*time.Second, func() bool {
		job, _ = engine.Get(context.Background(), jobID)
		return job != nil && job.Status == protocol.JobCompleted
	})

	if job.CompletedSteps != 2 {
		t.Errorf("expected completed_steps=2, got %d", job.CompletedSteps)
	}
	if job.Progress != 100 {
		t.Errorf("expected progress=100 on completion, got %d", job.Progress)
	}
	if !job.CompletedAt.Valid {
		t.Errorf("expected completed_at to be set on a terminal job")
	}

	for _, id := range ids {
		updates, err := planner.Get(context.Background(), []string{id})
		if err != nil {
			t.Fatalf("Get update %s: %v", id, err)
		}
		if len(updates) != 1 || !updates[0].IsApplied {
			t.Errorf("expected update %s to be marked applied", id)
		}
	}
}

// TestJobEngine_Apply_ContinuesPastFailedStep verifies that a failed
// package install does not stop the remaining steps.
func TestJobEngine_Apply_ContinuesPastFailedStep(t *testing.T) {
	var calls int32
	newExecutor := func(node *Node) executor.Executor {
		return &fakeExecutor{
			run: func(ctx context.Context, cmd string, timeout time.Duration) (executor.Result, error) {
				n := atomic.AddInt32(&calls, 1)
				if n == 1 {
					return executor.Result{ExitCode: 1, Stderr: "not found"}, nil
				}
				return executor.Result{ExitCode: 0}, nil
			},
		}
	}
	engine, registry, planner := newTestJobEngine(t, newExecutor)
	ids := seedNodeAndUpdates(t, registry, planner, "n1", "broken-pkg", "curl")

	jobID, err := engine.Apply(context.Background(), "n1", ids)
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}

	var job *UpdateJob
	waitFor(t, 2*time.Second, func() bool {
		job, _ = engine.Get(context.Background(), jobID)
		return job != nil && (job.Status == protocol.JobCompleted || job.Status == protocol.JobFailed)
	})

	if job.Status != protocol.JobFailed {
		t.Fatalf("expected job status=failed (one package failed), got %q", job.Status)
	}
	if job.CompletedSteps != 1 {
		t.Fatalf("expected one package to succeed despite the other failing, got completed_steps=%d", job.CompletedSteps)
	}
	if job.Progress != 100 {
		t.Fatalf("expected progress=100 even on a failed-after-all-steps job, got %d", job.Progress)
	}
}

// TestJobEngine_Cancel_MidRun verifies that cancelling a job while its
// second of three steps is in flight leaves the first package applied,
// the job cancelled, and the remaining steps untouched.
func TestJobEngine_Cancel_MidRun(t *testing.T) {
	started := make(chan struct{})
	var mu sync.Mutex
	var calls int

	newExecutor := func(node *Node) executor.Executor {
		return &fakeExecutor{
			run: func(ctx context.Context, cmd string, timeout time.Duration) (executor.Result, error) {
				mu.Lock()
				calls++
				n := calls
				mu.Unlock()
				if n == 2 {
					close(started)
					<-ctx.Done()
					return executor.Result{}, ctx.Err()
				}
				return executor.Result{ExitCode: 0}, nil
			},
		}
	}
	engine, registry, planner := newTestJobEngine(t, newExecutor)
	ids := seedNodeAndUpdates(t, registry, planner, "n1", "pkg-a", "pkg-b", "pkg-c")

	jobID, err := engine.Apply(context.Background(), "n1", ids)
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}

	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for the second install to start")
	}

	if err := engine.Cancel(context.Background(), jobID); err != nil {
		t.Fatalf("Cancel: %v", err)
	}

	var job *UpdateJob
	waitFor(t, 2*time.Second, func() bool {
		job, _ = engine.Get(context.Background(), jobID)
		return job != nil && job.Status == protocol.JobCancelled
	})

	if job.CompletedSteps != 1 {
		t.Errorf("expected exactly the first package to have completed, got completed_steps=%d", job.CompletedSteps)
	}

	firstUpdate, err := planner.Get(context.Background(), []string{ids[0]})
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if len(firstUpdate) != 1 || !firstUpdate[0].IsApplied {
		t.Errorf("expected the first package to remain applied after cancellation")
	}
	remaining, err := planner.Get(context.Background(), []string{ids[2]})
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if len(remaining) != 1 || remaining[0].IsApplied {
		t.Errorf("expected the never-attempted third package to remain unapplied")
	}
}

func TestJobEngine_Cancel_TerminalJobIsConflict(t *testing.T) {
	newExecutor := func(node *Node) executor.Executor {
		return &fakeExecutor{run: func(ctx context.Context, cmd string, timeout time.Duration) (executor.Result, error) {
			return executor.Result{ExitCode: 0}, nil
		}}
	}
	engine, registry, planner := newTestJobEngine(t, newExecutor)
	ids := seedNodeAndUpdates(t, registry, planner, "n1", "curl")

	jobID, err := engine.Apply(context.Background(), "n1", ids)
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	waitFor(t, 2*time.Second, func() bool {
		job, _ := engine.Get(context.Background(), jobID)
		return job != nil && job.Status == protocol.JobCompleted
	})

	err = engine.Cancel(context.Background(), jobID)
	if err != ErrJobNotCancellable {
		t.Fatalf("expected ErrJobNotCancellable for an already-terminal job, got %v", err)
	}
}

func TestJobEngine_Cancel_UnknownJob(t *testing.T) {
	engine, _, _ := newTestJobEngine(t, noopExecutorFactory)
	err := engine.Cancel(context.Background(), "does-not-exist")
	if err != ErrJobNotFound {
		t.Fatalf("expected ErrJobNotFound, got %v", err)
	}
}
