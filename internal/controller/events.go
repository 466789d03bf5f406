package controller

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog"

	"github.com/autobot-fleet/flm/internal/protocol"
)

// EventLog persists NodeEvents, the append-only source of truth the Event
// Bus broadcasts from.
type EventLog struct {
	db  *sqlx.DB
	log zerolog.Logger
}

// NewEventLog builds an EventLog over db.
func NewEventLog(db *sqlx.DB, log zerolog.Logger) *EventLog {
	return &EventLog{db: db, log: log.With().Str("component", "event_log").Logger()}
}

// Record appends a NodeEvent and returns it with its generated event_id and
// timestamp, for the caller to then publish on the Event Bus.
func (e *EventLog) Record(ctx context.Context, nodeID, eventType, severity, message string, details any) (NodeEvent, error) {
	eventID := newShortID()
	now := time.Now().UTC().Format(time.RFC3339)

	var detailsJSON string
	if details != nil {
		data, err := json.Marshal(details)
		if err != nil {
			return NodeEvent{}, fmt.Errorf("marshal event details: %w", err)
		}
		detailsJSON = string(data)
	}

	_, err := e.db.ExecContext(ctx, `
		INSERT INTO node_events (event_id, node_id, type, severity, message, details, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, eventID, nodeID, eventType, severity, message, nullableString(detailsJSON), now)
	if err != nil {
		return NodeEvent{}, fmt.Errorf("record node event: %w", err)
	}

	return NodeEvent{
		EventID:   eventID,
		NodeID:    nodeID,
		Type:      eventType,
		Severity:  severity,
		Message:   message,
		CreatedAt: now,
	}, nil
}

// RecordBuffered appends a NodeEvent sourced from an agent's buffered
// event sync, idempotent on (node_id, source_event_id). The event-sync
// endpoint is at-least-once, so a retried sync of an id already recorded
// must not mint a second row; the unique partial index on
// node_events(node_id, source_event_id) makes the insert a no-op on
// conflict, and the caller still reports the id as accepted either way.
func (e *EventLog) RecordBuffered(ctx context.Context, nodeID string, sourceEventID int64, eventType string, details any) error {
	eventID := newShortID()
	now := time.Now().UTC().Format(time.RFC3339)

	var detailsJSON string
	if details != nil {
		data, err := json.Marshal(details)
		if err != nil {
			return fmt.Errorf("marshal event details: %w", err)
		}
		detailsJSON = string(data)
	}

	_, err := e.db.ExecContext(ctx, `
		INSERT INTO node_events (event_id, node_id, type, severity, message, details, source_event_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(node_id, source_event_id) WHERE source_event_id IS NOT NULL DO NOTHING
	`, eventID, nodeID, eventType, protocol.SeverityInfo, "buffered event", nullableString(detailsJSON), sourceEventID, now)
	if err != nil {
		return fmt.Errorf("record buffered event for %s: %w", nodeID, err)
	}
	return nil
}

// List returns recent events for a node, most recent first.
func (e *EventLog) List(ctx context.Context, nodeID string, limit int) ([]NodeEvent, error) {
	var events []NodeEvent
	err := e.db.SelectContext(ctx, &events, `
		SELECT * FROM node_events WHERE node_id = ? ORDER BY created_at DESC, event_id DESC LIMIT ?
	`, nodeID, limit)
	if err != nil {
		return nil, fmt.Errorf("list events for %s: %w", nodeID, err)
	}
	return events, nil
}

// Wire converts a NodeEvent to its API representation.
func (ev NodeEvent) Wire() protocol.NodeEventWire {
	return protocol.NodeEventWire{
		EventID:   ev.EventID,
		NodeID:    ev.NodeID,
		Type:      ev.Type,
		Severity:  ev.Severity,
		Message:   ev.Message,
		Details:   ev.Details.String,
		CreatedAt: ev.CreatedAt,
	}
}
