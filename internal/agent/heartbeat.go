package agent

import (
	"context"
	"os"
	"runtime"
	"strings"
	"time"

	"github.com/autobot-fleet/flm/internal/protocol"
)

// maxSyncBatch bounds how many buffered events are flushed per sync call:
// events are synced in batches of at most 100.
const maxSyncBatch = 100

// safetyMargin is subtracted from the heartbeat interval: the loop must
// not block longer than interval minus this margin, issuing the next
// heartbeat anyway and cancelling the prior if it overruns.
const safetyMargin = 5 * time.Second

// heartbeatLoop sends periodic heartbeats to the controller. A heartbeat
// that has not returned by the time the next tick fires is cancelled and
// superseded, never allowed to stall the loop.
func (a *Agent) heartbeatLoop() {
	ticker := time.NewTicker(a.cfg.HeartbeatInterval)
	defer ticker.Stop()

	budget := a.cfg.HeartbeatInterval - safetyMargin
	if budget <= 0 {
		budget = a.cfg.HeartbeatInterval
	}

	a.sendHeartbeat(budget)

	for {
		select {
		case <-a.ctx.Done():
			return
		case <-ticker.C:
			a.sendHeartbeat(budget)
		}
	}
}

// sendHeartbeat builds and sends a single heartbeat, buffering it on
// failure and attempting an event-sync flush on success.
func (a *Agent) sendHeartbeat(budget time.Duration) {
	ctx, cancel := context.WithTimeout(a.ctx, budget)
	defer cancel()

	payload := a.buildHeartbeatPayload(ctx)

	resp, err := a.client.SendHeartbeat(ctx, a.cfg.NodeID, payload)
	if err != nil {
		a.log.Warn().Err(err).Msg("heartbeat failed, buffering")
		if _, berr := a.buffer.Append(protocol.EventHeartbeat, payload); berr != nil {
			a.log.Error().Err(berr).Msg("failed to buffer heartbeat event")
		}
		return
	}

	a.watchdog.NotifyAlive()
	a.setPendingUpdate(resp.UpdateAvailable)

	a.log.Debug().Bool("update_available", resp.UpdateAvailable).Msg("heartbeat sent")

	a.flushBufferedEvents(ctx)
}

// flushBufferedEvents drains unsynced buffered events to the controller in
// batches of at most maxSyncBatch, marking each batch synced on success.
func (a *Agent) flushBufferedEvents(ctx context.Context) {
	for {
		events, err := a.buffer.Peek(maxSyncBatch)
		if err != nil {
			a.log.Error().Err(err).Msg("failed to read buffered events")
			return
		}
		if len(events) == 0 {
			return
		}

		accepted, err := a.client.SyncEvents(ctx, a.cfg.NodeID, events)
		if err != nil {
			a.log.Warn().Err(err).Msg("event sync failed, will retry next heartbeat")
			return
		}
		if len(accepted) == 0 {
			return
		}
		if err := a.buffer.MarkSynced(accepted); err != nil {
			a.log.Error().Err(err).Msg("failed to mark events synced")
			return
		}
		if len(events) < maxSyncBatch {
			return
		}
	}
}

// buildHeartbeatPayload assembles the heartbeat request body from the
// Health Collector's sample plus cached system info.
func (a *Agent) buildHeartbeatPayload(ctx context.Context) protocol.HeartbeatRequest {
	cpuPct, _ := a.health.CPUPercent(ctx)
	memPct, _ := a.health.MemPercent(ctx)
	diskPct, _ := a.health.DiskPercent(ctx)
	extra := a.health.Sample(ctx)

	a.mu.RLock()
	codeVersion := a.codeVersion
	a.mu.RUnlock()

	return protocol.HeartbeatRequest{
		CPUPercent:   cpuPct,
		MemPercent:   memPct,
		DiskPercent:  diskPct,
		AgentVersion: Version,
		OSInfo:       detectOSInfo(),
		CodeVersion:  codeVersion,
		Hostname:     a.cfg.Hostname,
		Extra:        extra,
	}
}

// detectOSInfo returns a short OS identification string. NixOS systems read
// /etc/os-release; other platforms fall back to runtime.GOOS.
func detectOSInfo() string {
	data, err := os.ReadFile("/etc/os-release")
	if err == nil {
		for _, line := range strings.Split(string(data), "\n") {
			if strings.HasPrefix(line, "PRETTY_NAME=") {
				return strings.Trim(strings.TrimPrefix(line, "PRETTY_NAME="), "\"")
			}
		}
	}
	return runtime.GOOS
}
