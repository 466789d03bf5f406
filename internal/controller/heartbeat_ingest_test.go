package controller

import (
	"context"
	"testing"

	"github.com/autobot-fleet/flm/internal/protocol"
)

func newTestIngest(t *testing.T, cfg *Config) (*HeartbeatIngest, *Registry, *EventLog, *Hub, *DriftDetector) {
	t.Helper()
	db := newTestDB(t)
	registry := NewRegistry(db)
	drift := NewDriftDetector(db)
	events := NewEventLog(db, testLogger())
	hub := NewHub(testLogger(), nil)
	planner := NewUpdatePlanner(db)
	ingest := NewHeartbeatIngest(registry, drift, events, hub, planner, cfg, nil, testLogger())
	return ingest, registry, events, hub, drift
}

// TestHeartbeatIngest_Join verifies that the first heartbeat for an
// unknown node registers it and emits node_registered; a replay does not
// re-register.
func TestHeartbeatIngest_Join(t *testing.T) {
	ingest, registry, events, _, _ := newTestIngest(t, testConfig())
	ctx := context.Background()

	resp, err := ingest.Ingest(ctx, "n1", newHeartbeat("n1-host", ""))
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	if resp == nil {
		t.Fatal("expected a response")
	}

	node, err := registry.Get(ctx, "n1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if node == nil {
		t.Fatal("expected node to be JIT-registered")
	}

	evs, err := events.List(ctx, "n1", 10)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	var registered int
	for _, ev := range evs {
		if ev.Type == protocol.EventNodeRegistered {
			registered++
		}
	}
	if registered != 1 {
		t.Fatalf("expected exactly one node_registered event, got %d", registered)
	}

	// Second heartbeat for the same node must not emit a second
	// node_registered event.
	if _, err := ingest.Ingest(ctx, "n1", newHeartbeat("n1-host", "")); err != nil {
		t.Fatalf("Ingest (2nd): %v", err)
	}
	evs2, err := events.List(ctx, "n1", 10)
	if err != nil {
		t.Fatalf("List (2nd): %v", err)
	}
	registered = 0
	for _, ev := range evs2 {
		if ev.Type == protocol.EventNodeRegistered {
			registered++
		}
	}
	if registered != 1 {
		t.Fatalf("expected still exactly one node_registered event after replay, got %d", registered)
	}
}

func TestHeartbeatIngest_UnseenNodeIsAbsentFromRegistry(t *testing.T) {
	// The HTTP layer (server.go) is what actually rejects unparseable
	// JSON with 422 before Ingest is ever called; this test instead
	// verifies the documented invariant that a node absent from the
	// registry never appears merely from inspecting it.
	_, registry, _, _, _ := newTestIngest(t, testConfig())
	node, err := registry.Get(context.Background(), "never-heartbeated")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if node != nil {
		t.Fatalf("expected no node row to exist without a heartbeat")
	}
}

// TestHeartbeatIngest_CodeDrift verifies that a code-source node's commit
// becomes canonical; another node reporting the old commit afterward is
// classified outdated and update_available flips true.
func TestHeartbeatIngest_CodeDrift(t *testing.T) {
	cfg := testConfig()
	cfg.CodeSourceNodeID = "n0"
	ingest, registry, events, _, drift := newTestIngest(t, cfg)
	ctx := context.Background()

	// n0 (code-source) reports commit A.
	if _, err := ingest.Ingest(ctx, "n0", newHeartbeat("n0-host", "A")); err != nil {
		t.Fatalf("Ingest n0: %v", err)
	}

	// n1 heartbeats with the same commit -> current.
	resp1, err := ingest.Ingest(ctx, "n1", newHeartbeat("n1-host", "A"))
	if err != nil {
		t.Fatalf("Ingest n1 (1st): %v", err)
	}
	n1, err := registry.Get(ctx, "n1")
	if err != nil {
		t.Fatalf("Get n1: %v", err)
	}
	if n1.CodeStatus != protocol.CodeStatusCurrent {
		t.Fatalf("expected n1 code_status=current, got %q", n1.CodeStatus)
	}
	if resp1.UpdateAvailable {
		t.Fatalf("expected update_available=false while current")
	}

	// n0's git hook advances the canonical commit to B.
	if err := drift.NotifyCodeSource(ctx, protocol.CodeSyncNotifyRequest{NodeID: "n0", Commit: "B", IsCodeSource: true}); err != nil {
		t.Fatalf("NotifyCodeSource: %v", err)
	}

	// n1's next heartbeat still reports commit A -> outdated, and a
	// code_drift_detected event is emitted with update_available=true.
	resp2, err := ingest.Ingest(ctx, "n1", newHeartbeat("n1-host", "A"))
	if err != nil {
		t.Fatalf("Ingest n1 (2nd): %v", err)
	}
	n1Again, err := registry.Get(ctx, "n1")
	if err != nil {
		t.Fatalf("Get n1 (2nd): %v", err)
	}
	if n1Again.CodeStatus != protocol.CodeStatusOutdated {
		t.Fatalf("expected n1 code_status=outdated after drift, got %q", n1Again.CodeStatus)
	}
	if !resp2.UpdateAvailable {
		t.Fatalf("expected update_available=true once code drifted")
	}

	evs, err := events.List(ctx, "n1", 10)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	var driftEvents int
	for _, ev := range evs {
		if ev.Type == protocol.EventCodeDriftDetected {
			driftEvents++
		}
	}
	if driftEvents != 1 {
		t.Fatalf("expected exactly one code_drift_detected event, got %d", driftEvents)
	}
}
