package controller

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/autobot-fleet/flm/internal/protocol"
)

// HeartbeatIngest implements C6: validate, upsert the Node Registry, run
// the Code-Drift Detector, emit events, and compute the update_available
// control response, all serialized per-node so events for one node are
// emitted in heartbeat-arrival order.
type HeartbeatIngest struct {
	registry *Registry
	drift    *DriftDetector
	events   *EventLog
	hub      *Hub
	planner  *UpdatePlanner
	cfg      *Config
	metrics  *Metrics
	log      zerolog.Logger

	perNode *keyedMutex
}

// NewHeartbeatIngest wires C6 from its collaborators. metrics may be nil.
func NewHeartbeatIngest(registry *Registry, drift *DriftDetector, events *EventLog, hub *Hub, planner *UpdatePlanner, cfg *Config, metrics *Metrics, log zerolog.Logger) *HeartbeatIngest {
	return &HeartbeatIngest{
		registry: registry,
		drift:    drift,
		events:   events,
		hub:      hub,
		planner:  planner,
		cfg:      cfg,
		metrics:  metrics,
		log:      log.With().Str("component", "heartbeat_ingest").Logger(),
		perNode:  newKeyedMutex(),
	}
}

// Ingest processes one heartbeat for nodeID and returns the control
// response to send back to the agent.
func (h *HeartbeatIngest) Ingest(ctx context.Context, nodeID string, req protocol.HeartbeatRequest) (*protocol.HeartbeatResponse, error) {
	start := time.Now()
	unlock := h.perNode.Lock(nodeID)
	defer unlock()

	upsert, err := h.registry.UpsertOnHeartbeat(ctx, nodeID, req)
	if err != nil {
		return nil, fmt.Errorf("upsert node: %w", err)
	}

	if upsert.Created {
		ev, err := h.events.Record(ctx, nodeID, protocol.EventNodeRegistered, protocol.SeverityInfo,
			fmt.Sprintf("node %s registered", nodeID), nil)
		if err != nil {
			h.log.Error().Err(err).Msg("failed to record node_registered event")
		} else {
			h.publish(nodeID, ev)
		}
	}

	isCodeSource := h.cfg.CodeSourceNodeID != "" && nodeID == h.cfg.CodeSourceNodeID
	newStatus, err := h.drift.ObserveHeartbeat(ctx, req.CodeVersion, isCodeSource)
	if err != nil {
		return nil, fmt.Errorf("observe code drift: %w", err)
	}

	previousStatus := protocol.CodeStatusUnknown
	if upsert.Previous != nil {
		previousStatus = upsert.Previous.CodeStatus
	}

	if newStatus != previousStatus {
		if err := h.registry.SetCodeStatus(ctx, nodeID, newStatus); err != nil {
			return nil, fmt.Errorf("set code status: %w", err)
		}
		if newStatus == protocol.CodeStatusOutdated {
			ev, err := h.events.Record(ctx, nodeID, protocol.EventCodeDriftDetected, protocol.SeverityWarning,
				fmt.Sprintf("node %s code drifted to %s", nodeID, req.CodeVersion), map[string]string{"reported_commit": req.CodeVersion})
			if err != nil {
				h.log.Error().Err(err).Msg("failed to record code_drift_detected event")
			} else {
				h.publish(nodeID, ev)
			}
		}
	}

	updateAvailable, err := h.planner.NodeHasUpdateAvailable(ctx, nodeID, newStatus)
	if err != nil {
		return nil, fmt.Errorf("check update availability: %w", err)
	}

	h.hub.Publish(TopicNode(nodeID), protocol.EventHeartbeat, protocol.NodeWire{
		NodeID:      nodeID,
		Hostname:    req.Hostname,
		CodeVersion: req.CodeVersion,
		CodeStatus:  newStatus,
		CPUPercent:  req.CPUPercent,
		MemPercent:  req.MemPercent,
		DiskPercent: req.DiskPercent,
	})
	h.hub.Publish(TopicGlobal, protocol.EventHeartbeat, protocol.NodeWire{
		NodeID:      nodeID,
		Hostname:    req.Hostname,
		CodeVersion: req.CodeVersion,
		CodeStatus:  newStatus,
		CPUPercent:  req.CPUPercent,
		MemPercent:  req.MemPercent,
		DiskPercent: req.DiskPercent,
	})

	resp := &protocol.HeartbeatResponse{UpdateAvailable: updateAvailable}
	if updateAvailable {
		if cv, err := h.drift.Canonical(ctx); err == nil && cv != nil {
			resp.LatestVersion = cv.CommitHash
		}
	}

	if h.metrics != nil {
		h.metrics.RecordHeartbeat(newStatus, time.Since(start))
	}
	return resp, nil
}

func (h *HeartbeatIngest) publish(nodeID string, ev NodeEvent) {
	h.hub.Publish(TopicNode(nodeID), ev.Type, ev.Wire())
	h.hub.Publish(TopicGlobal, ev.Type, ev.Wire())
}
