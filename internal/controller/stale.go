package controller

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/autobot-fleet/flm/internal/protocol"
)

// StaleSweeper periodically scans the Node Registry for nodes whose
// last_seen has fallen behind Config.StaleThreshold() and emits a
// one-shot node_stale event per node per transition, the same
// periodic-ticker shape as the agent's heartbeat loop in
// internal/agent/heartbeat.go.
type StaleSweeper struct {
	registry *Registry
	events   *EventLog
	hub      *Hub
	cfg      *Config
	log      zerolog.Logger

	alreadyStale map[string]bool
}

// NewStaleSweeper builds a StaleSweeper.
func NewStaleSweeper(registry *Registry, events *EventLog, hub *Hub, cfg *Config, log zerolog.Logger) *StaleSweeper {
	return &StaleSweeper{
		registry:     registry,
		events:       events,
		hub:          hub,
		cfg:          cfg,
		log:          log.With().Str("component", "stale_sweeper").Logger(),
		alreadyStale: make(map[string]bool),
	}
}

// Run blocks, sweeping every cfg.StaleCleanupInterval until ctx is
// cancelled.
func (s *StaleSweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.StaleCleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

func (s *StaleSweeper) sweep(ctx context.Context) {
	defer recoverPanic(s.log, "stale_sweeper.sweep")

	nodes, err := s.registry.List(ctx, Filter{})
	if err != nil {
		s.log.Error().Err(err).Msg("failed to list nodes for stale sweep")
		return
	}

	threshold := s.cfg.StaleThreshold()
	seen := make(map[string]bool, len(nodes))

	for _, n := range nodes {
		seen[n.NodeID] = true
		lastSeen, err := time.Parse(time.RFC3339, n.LastSeen)
		if err != nil {
			continue
		}
		isStale := time.Since(lastSeen) > threshold

		if isStale && !s.alreadyStale[n.NodeID] {
			s.alreadyStale[n.NodeID] = true
			ev, err := s.events.Record(ctx, n.NodeID, protocol.EventNodeStale, protocol.SeverityWarning,
				fmt.Sprintf("node %s has not reported a heartbeat in over %s", n.NodeID, threshold), nil)
			if err != nil {
				s.log.Error().Err(err).Msg("failed to record node_stale event")
				continue
			}
			s.hub.Publish(TopicNode(n.NodeID), ev.Type, ev.Wire())
			s.hub.Publish(TopicGlobal, ev.Type, ev.Wire())
		} else if !isStale {
			delete(s.alreadyStale, n.NodeID)
		}
	}

	for nodeID := range s.alreadyStale {
		if !seen[nodeID] {
			delete(s.alreadyStale, nodeID)
		}
	}
}
