package controller

import (
	"context"
	"testing"

	"github.com/autobot-fleet/flm/internal/protocol"
)

// TestEventLog_RecordBuffered_IdempotentOnSourceEventID reproduces the
// at-least-once delivery contract from the buffered-event sync endpoint:
// replaying the same (node_id, source_event_id) pair — as happens when an
// agent retries a sync whose response was lost — must not mint a second
// node_events row.
func TestEventLog_RecordBuffered_IdempotentOnSourceEventID(t *testing.T) {
	db := newTestDB(t)
	events := NewEventLog(db, testLogger())
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if err := events.RecordBuffered(ctx, "n1", 42, protocol.EventHeartbeat, map[string]int{"cpu": 10}); err != nil {
			t.Fatalf("RecordBuffered (attempt %d): %v", i, err)
		}
	}

	list, err := events.List(ctx, "n1", 10)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(list) != 1 {
		t.Fatalf("expected exactly one event row for a 3x-retried sync of the same id, got %d", len(list))
	}
}

// TestEventLog_RecordBuffered_DistinctIDsAreIndependent confirms the
// idempotency key is scoped per (node_id, source_event_id), not a global
// dedupe — distinct buffered ids, and the same id from different nodes,
// must each record their own row.
func TestEventLog_RecordBuffered_DistinctIDsAreIndependent(t *testing.T) {
	db := newTestDB(t)
	events := NewEventLog(db, testLogger())
	ctx := context.Background()

	if err := events.RecordBuffered(ctx, "n1", 1, protocol.EventHeartbeat, nil); err != nil {
		t.Fatalf("RecordBuffered n1/1: %v", err)
	}
	if err := events.RecordBuffered(ctx, "n1", 2, protocol.EventHeartbeat, nil); err != nil {
		t.Fatalf("RecordBuffered n1/2: %v", err)
	}
	if err := events.RecordBuffered(ctx, "n2", 1, protocol.EventHeartbeat, nil); err != nil {
		t.Fatalf("RecordBuffered n2/1: %v", err)
	}

	n1Events, err := events.List(ctx, "n1", 10)
	if err != nil {
		t.Fatalf("List n1: %v", err)
	}
	if len(n1Events) != 2 {
		t.Fatalf("expected 2 distinct events for n1, got %d", len(n1Events))
	}

	n2Events, err := events.List(ctx, "n2", 10)
	if err != nil {
		t.Fatalf("List n2: %v", err)
	}
	if len(n2Events) != 1 {
		t.Fatalf("expected 1 event for n2, got %d", len(n2Events))
	}
}

// TestDriftDetector_ObserveHeartbeat_DedupesUnchangedCommit ensures a
// code-source node reporting the same commit on every heartbeat does not
// grow the code_versions table without bound.
func TestDriftDetector_ObserveHeartbeat_DedupesUnchangedCommit(t *testing.T) {
	db := newTestDB(t)
	drift := NewDriftDetector(db)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		status, err := drift.ObserveHeartbeat(ctx, "commitA", true)
		if err != nil {
			t.Fatalf("ObserveHeartbeat (attempt %d): %v", i, err)
		}
		if status != protocol.CodeStatusCurrent {
			t.Fatalf("expected code-source node to always report %q, got %q", protocol.CodeStatusCurrent, status)
		}
	}

	var count int
	if err := db.Get(&count, `SELECT COUNT(*) FROM code_versions`); err != nil {
		t.Fatalf("count code_versions: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected exactly one code_versions row after 5 identical heartbeats, got %d", count)
	}

	status, err := drift.ObserveHeartbeat(ctx, "commitB", true)
	if err != nil {
		t.Fatalf("ObserveHeartbeat (new commit): %v", err)
	}
	if status != protocol.CodeStatusCurrent {
		t.Fatalf("expected %q, got %q", protocol.CodeStatusCurrent, status)
	}

	if err := db.Get(&count, `SELECT COUNT(*) FROM code_versions`); err != nil {
		t.Fatalf("count code_versions: %v", err)
	}
	if count != 2 {
		t.Fatalf("expected a new row once the commit actually changes, got %d", count)
	}
}
