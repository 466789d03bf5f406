package controller

import (
	"context"
	"testing"
)

func TestRegistry_UpsertOnHeartbeat_CreatesThenUpdates(t *testing.T) {
	db := newTestDB(t)
	reg := NewRegistry(db)
	ctx := context.Background()

	req := newHeartbeat("node1.example", "abc123")
	result, err := reg.UpsertOnHeartbeat(ctx, "n1", req)
	if err != nil {
		t.Fatalf("UpsertOnHeartbeat: %v", err)
	}
	if !result.Created {
		t.Fatalf("expected first heartbeat to create the node")
	}

	node, err := reg.Get(ctx, "n1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if node == nil {
		t.Fatal("expected node to exist after first heartbeat")
	}
	firstSeen := node.LastSeen

	req2 := newHeartbeat("node1.example", "abc123")
	req2.CPUPercent = 99
	result2, err := reg.UpsertOnHeartbeat(ctx, "n1", req2)
	if err != nil {
		t.Fatalf("UpsertOnHeartbeat (2nd): %v", err)
	}
	if result2.Created {
		t.Fatalf("second heartbeat for the same node must not report Created")
	}

	node2, err := reg.Get(ctx, "n1")
	if err != nil {
		t.Fatalf("Get (2nd): %v", err)
	}
	if node2.CPUPercent != 99 {
		t.Errorf("expected updated cpu_percent=99, got %v", node2.CPUPercent)
	}
	if node2.LastSeen < firstSeen {
		t.Errorf("expected last_seen to advance, got %q then %q", firstSeen, node2.LastSeen)
	}

	// Replaying the same payload repeatedly must still yield exactly one
	// node row.
	var count int
	if err := db.Get(&count, `SELECT COUNT(*) FROM nodes`); err != nil {
		t.Fatalf("count nodes: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected exactly one node row, got %d", count)
	}
}

func TestRegistry_Get_UnknownNodeReturnsNil(t *testing.T) {
	db := newTestDB(t)
	reg := NewRegistry(db)

	node, err := reg.Get(context.Background(), "nonexistent")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if node != nil {
		t.Fatalf("expected nil for unknown node, got %+v", node)
	}
}

func TestRegistry_Delete_DoesNotCascade(t *testing.T) {
	db := newTestDB(t)
	reg := NewRegistry(db)
	events := NewEventLog(db, testLogger())
	ctx := context.Background()

	if _, err := reg.UpsertOnHeartbeat(ctx, "n1", newHeartbeat("h1", "c1")); err != nil {
		t.Fatalf("UpsertOnHeartbeat: %v", err)
	}
	if _, err := events.Record(ctx, "n1", "heartbeat", "info", "test event", nil); err != nil {
		t.Fatalf("Record: %v", err)
	}

	if err := reg.Delete(ctx, "n1"); err != nil {
		t.Fatalf("Delete: %v", err)
	}

	node, err := reg.Get(ctx, "n1")
	if err != nil {
		t.Fatalf("Get after delete: %v", err)
	}
	if node != nil {
		t.Fatalf("expected node to be gone after Delete")
	}

	// The node's events must survive the delete with a dangling node_id:
	// deletion of a Node does not cascade.
	evs, err := events.List(ctx, "n1", 10)
	if err != nil {
		t.Fatalf("List events: %v", err)
	}
	if len(evs) != 1 {
		t.Fatalf("expected orphaned event to survive node delete, got %d events", len(evs))
	}
}

func TestRegistry_SetCodeStatus(t *testing.T) {
	db := newTestDB(t)
	reg := NewRegistry(db)
	ctx := context.Background()

	if _, err := reg.UpsertOnHeartbeat(ctx, "n1", newHeartbeat("h1", "c1")); err != nil {
		t.Fatalf("UpsertOnHeartbeat: %v", err)
	}
	if err := reg.SetCodeStatus(ctx, "n1", "outdated"); err != nil {
		t.Fatalf("SetCodeStatus: %v", err)
	}

	node, err := reg.Get(ctx, "n1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if node.CodeStatus != "outdated" {
		t.Errorf("expected code_status=outdated, got %q", node.CodeStatus)
	}
}
