package controller

import (
	"context"
	"testing"

	"github.com/jmoiron/sqlx"

	"github.com/autobot-fleet/flm/internal/protocol"
)

func TestUpdatePlanner_FleetSummary_ZeroNodes(t *testing.T) {
	db := newTestDB(t)
	registry := NewRegistry(db)
	planner := NewUpdatePlanner(db)

	summary, err := planner.FleetSummary(context.Background(), registry)
	if err != nil {
		t.Fatalf("FleetSummary: %v", err)
	}
	if len(summary.Nodes) != 0 {
		t.Fatalf("expected no node rows, got %d", len(summary.Nodes))
	}
	if summary.Totals.Nodes != 0 || summary.Totals.SystemUpdates != 0 || summary.Totals.CodeOutdated != 0 {
		t.Fatalf("expected zeroed totals, got %+v", summary.Totals)
	}
}

// TestUpdatePlanner_FleetSummary_CountingRule verifies the exact counting
// rule: the fleet total is sum(node-specific rows) +
// count(global rows), never the sum of each node's already-global-
// inclusive per-node total (which would double-count every global row
// once per node).
func TestUpdatePlanner_FleetSummary_CountingRule(t *testing.T) {
	db := newTestDB(t)
	registry := NewRegistry(db)
	planner := NewUpdatePlanner(db)
	ctx := context.Background()

	if _, err := registry.UpsertOnHeartbeat(ctx, "n1", newHeartbeat("h1", "")); err != nil {
		t.Fatalf("UpsertOnHeartbeat n1: %v", err)
	}
	if _, err := registry.UpsertOnHeartbeat(ctx, "n2", newHeartbeat("h2", "")); err != nil {
		t.Fatalf("UpsertOnHeartbeat n2: %v", err)
	}

	mustExec(t, db, `INSERT INTO update_info (update_id, node_id, package_name, current_version, available_version, severity, is_applied) VALUES (?, ?, ?, ?, ?, 'info', 0)`,
		"u1", "n1", "curl", "7.88", "7.89")
	mustExec(t, db, `INSERT INTO update_info (update_id, node_id, package_name, current_version, available_version, severity, is_applied) VALUES (?, NULL, ?, ?, ?, 'info', 0)`,
		"u2", "openssl", "3.0", "3.1")

	summary, err := planner.FleetSummary(ctx, registry)
	if err != nil {
		t.Fatalf("FleetSummary: %v", err)
	}

	var n1Row, n2Row *protocol.FleetSummaryRow
	for i := range summary.Nodes {
		switch summary.Nodes[i].NodeID {
		case "n1":
			n1Row = &summary.Nodes[i]
		case "n2":
			n2Row = &summary.Nodes[i]
		}
	}
	if n1Row == nil || n2Row == nil {
		t.Fatalf("expected both nodes in summary, got %+v", summary.Nodes)
	}
	if n1Row.SystemUpdates != 2 {
		t.Errorf("expected n1 to see its own update plus the global one (2), got %d", n1Row.SystemUpdates)
	}
	if n2Row.SystemUpdates != 1 {
		t.Errorf("expected n2 to see only the global update (1), got %d", n2Row.SystemUpdates)
	}

	// The fleet aggregate must not be the sum of per-node totals (2+1=3);
	// it must count u1 and u2 once each = 2.
	if summary.Totals.SystemUpdates != 2 {
		t.Fatalf("expected fleet total SystemUpdates=2 (not sum-of-per-node), got %d", summary.Totals.SystemUpdates)
	}
}

func TestUpdatePlanner_Check_NodeScopeIncludesGlobal(t *testing.T) {
	db := newTestDB(t)
	planner := NewUpdatePlanner(db)
	ctx := context.Background()

	mustExec(t, db, `INSERT INTO update_info (update_id, node_id, package_name, current_version, available_version, severity, is_applied) VALUES (?, ?, ?, ?, ?, 'info', 0)`,
		"u1", "n1", "curl", "7.88", "7.89")
	mustExec(t, db, `INSERT INTO update_info (update_id, node_id, package_name, current_version, available_version, severity, is_applied) VALUES (?, NULL, ?, ?, ?, 'info', 0)`,
		"u2", "openssl", "3.0", "3.1")
	mustExec(t, db, `INSERT INTO update_info (update_id, node_id, package_name, current_version, available_version, severity, is_applied) VALUES (?, ?, ?, ?, ?, 'info', 0)`,
		"u3", "n2", "vim", "8.0", "8.1")

	updates, err := planner.Check(ctx, "n1")
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if len(updates) != 2 {
		t.Fatalf("expected n1 to see its own row + the global row (2), got %d", len(updates))
	}

	fleetWide, err := planner.Check(ctx, "")
	if err != nil {
		t.Fatalf("Check (fleet-wide): %v", err)
	}
	if len(fleetWide) != 3 {
		t.Fatalf("expected fleet-wide check to return every unapplied row (3), got %d", len(fleetWide))
	}
}

func mustExec(t *testing.T, db *sqlx.DB, query string, args ...any) {
	t.Helper()
	if _, err := db.Exec(query, args...); err != nil {
		t.Fatalf("exec %q: %v", query, err)
	}
}
