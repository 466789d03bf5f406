package controller

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/autobot-fleet/flm/internal/protocol"
)

// UpdatePlanner is the Update Planner (C7): tracks outstanding UpdateInfo
// rows (node-specific or fleet-global) and reports per-node and fleet-wide
// availability, grounded in autobot-slm-backend/api/updates.py's
// check_updates and get_fleet_update_summary handlers.
type UpdatePlanner struct {
	db *sqlx.DB
}

// NewUpdatePlanner builds an UpdatePlanner over db.
func NewUpdatePlanner(db *sqlx.DB) *UpdatePlanner {
	return &UpdatePlanner{db: db}
}

// Check returns the unapplied updates visible to nodeID: its own
// node-specific rows plus every global row. An empty nodeID returns every
// unapplied update in the system, mirroring check_updates' optional
// node_id query parameter.
func (p *UpdatePlanner) Check(ctx context.Context, nodeID string) ([]UpdateInfo, error) {
	var updates []UpdateInfo
	var err error
	if nodeID == "" {
		err = p.db.SelectContext(ctx, &updates, `
			SELECT * FROM update_info WHERE is_applied = 0
			ORDER BY severity DESC, created_at DESC
		`)
	} else {
		err = p.db.SelectContext(ctx, &updates, `
			SELECT * FROM update_info WHERE is_applied = 0 AND (node_id = ? OR node_id IS NULL)
			ORDER BY severity DESC, created_at DESC
		`, nodeID)
	}
	if err != nil {
		return nil, fmt.Errorf("check updates: %w", err)
	}
	return updates, nil
}

// Get fetches update_info rows by id, used by the Job Engine (C8) to
// resolve an ApplyUpdatesRequest's update_ids before planning a job.
func (p *UpdatePlanner) Get(ctx context.Context, updateIDs []string) ([]UpdateInfo, error) {
	if len(updateIDs) == 0 {
		return nil, nil
	}
	query, args, err := sqlx.In(`SELECT * FROM update_info WHERE update_id IN (?)`, updateIDs)
	if err != nil {
		return nil, fmt.Errorf("build update lookup query: %w", err)
	}
	query = p.db.Rebind(query)

	var updates []UpdateInfo
	if err := p.db.SelectContext(ctx, &updates, query, args...); err != nil {
		return nil, fmt.Errorf("get updates: %w", err)
	}
	return updates, nil
}

// MarkApplied flags one update as applied, called when a job step
// installs it successfully.
func (p *UpdatePlanner) MarkApplied(ctx context.Context, updateID string) error {
	now := time.Now().UTC().Format(time.RFC3339)
	_, err := p.db.ExecContext(ctx, `UPDATE update_info SET is_applied = 1, applied_at = ? WHERE update_id = ?`, now, updateID)
	if err != nil {
		return fmt.Errorf("mark update %s applied: %w", updateID, err)
	}
	return nil
}

// NodeHasUpdateAvailable reports whether nodeID currently has any
// unapplied system update (node-specific or global) or an outdated code
// status, the predicate the Heartbeat Ingest response's update_available
// field is built from.
func (p *UpdatePlanner) NodeHasUpdateAvailable(ctx context.Context, nodeID, codeStatus string) (bool, error) {
	if codeStatus == protocol.CodeStatusOutdated {
		return true, nil
	}
	var count int
	err := p.db.GetContext(ctx, &count, `
		SELECT COUNT(*) FROM update_info WHERE is_applied = 0 AND (node_id = ? OR node_id IS NULL)
	`, nodeID)
	if err != nil {
		return false, fmt.Errorf("count updates for %s: %w", nodeID, err)
	}
	return count > 0, nil
}

// FleetSummary builds the fleet-wide update summary, reproducing
// _build_node_summaries and get_fleet_update_summary's exact counting
// rule: total_sys is the sum of unique (node-specific + global) rows, not
// a sum of each node's already-global-inclusive per-node total.
func (p *UpdatePlanner) FleetSummary(ctx context.Context, registry *Registry) (protocol.FleetSummaryResponse, error) {
	nodes, err := registry.List(ctx, Filter{})
	if err != nil {
		return protocol.FleetSummaryResponse{}, fmt.Errorf("list nodes: %w", err)
	}

	var all []UpdateInfo
	if err := p.db.SelectContext(ctx, &all, `SELECT * FROM update_info WHERE is_applied = 0`); err != nil {
		return protocol.FleetSummaryResponse{}, fmt.Errorf("list unapplied updates: %w", err)
	}

	byNode := make(map[string][]UpdateInfo)
	var global []UpdateInfo
	for _, u := range all {
		if u.NodeID.Valid {
			byNode[u.NodeID.String] = append(byNode[u.NodeID.String], u)
		} else {
			global = append(global, u)
		}
	}

	rows := make([]protocol.FleetSummaryRow, 0, len(nodes))
	var needing int
	for _, n := range nodes {
		sysCount := len(byNode[n.NodeID]) + len(global)
		codeOutdated := n.CodeStatus == protocol.CodeStatusOutdated
		total := sysCount
		if codeOutdated {
			total++
		}
		if total > 0 {
			needing++
		}
		rows = append(rows, protocol.FleetSummaryRow{
			NodeID:              n.NodeID,
			Hostname:            n.Hostname,
			SystemUpdates:       sysCount,
			CodeUpdateAvailable: codeOutdated,
			CodeStatus:          n.CodeStatus,
			TotalUpdates:        total,
		})
	}

	// Unique total: node-specific rows counted once each, plus global rows
	// counted once each — never per-node totals summed, which would double
	// count every global update once per node that sees it.
	totalSys := 0
	for _, v := range byNode {
		totalSys += len(v)
	}
	totalSys += len(global)

	var totalCodeOutdated int
	for _, r := range rows {
		if r.CodeUpdateAvailable {
			totalCodeOutdated++
		}
	}

	return protocol.FleetSummaryResponse{
		Nodes: rows,
		Totals: protocol.FleetSummaryTotals{
			Nodes:         needing,
			SystemUpdates: totalSys,
			CodeOutdated:  totalCodeOutdated,
		},
	}, nil
}

// ToWire converts an UpdateInfo to its API representation.
func (u UpdateInfo) ToWire() protocol.UpdateInfoWire {
	var nodeID *string
	if u.NodeID.Valid {
		nodeID = &u.NodeID.String
	}
	var appliedAt *string
	if u.AppliedAt.Valid {
		appliedAt = &u.AppliedAt.String
	}
	return protocol.UpdateInfoWire{
		UpdateID:         u.UpdateID,
		NodeID:           nodeID,
		PackageName:      u.PackageName,
		CurrentVersion:   u.CurrentVersion,
		AvailableVersion: u.AvailableVersion,
		Severity:         u.Severity,
		IsApplied:        u.IsApplied,
		AppliedAt:        appliedAt,
	}
}

// marshalUpdateIDs JSON-encodes a list of update_ids for storage on
// UpdateJob.UpdateIDs.
func marshalUpdateIDs(ids []string) (string, error) {
	data, err := json.Marshal(ids)
	if err != nil {
		return "", fmt.Errorf("marshal update ids: %w", err)
	}
	return string(data), nil
}

// unmarshalUpdateIDs decodes an UpdateJob.UpdateIDs column back into a
// slice.
func unmarshalUpdateIDs(raw string) ([]string, error) {
	if raw == "" {
		return nil, nil
	}
	var ids []string
	if err := json.Unmarshal([]byte(raw), &ids); err != nil {
		return nil, fmt.Errorf("unmarshal update ids: %w", err)
	}
	return ids, nil
}
