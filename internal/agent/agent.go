// Package agent implements the Fleet Lifecycle Manager agent daemon: the
// heartbeat loop, local event buffer, code-change notification server, and
// watchdog integration (C1–C3).
package agent

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Version is the agent build version reported in every heartbeat.
const Version = "1.0.0"

// Agent is the main agent struct coordinating the Health Collector, Event
// Buffer, Transport client, notify-server, and watchdog.
type Agent struct {
	cfg *Config
	log zerolog.Logger

	client  *Client
	buffer  *EventBuffer
	health  *HealthCollector
	notify  *NotifyServer
	watchdog *Watchdog

	ctx    context.Context
	cancel context.CancelFunc

	mu         sync.RWMutex
	running    bool
	pendingUpdate bool
	codeVersion   string
}

// New creates a new agent with the given configuration. The Event Buffer is
// opened eagerly so a corrupt store is repaired before the first heartbeat
// is attempted.
func New(cfg *Config, log zerolog.Logger) (*Agent, error) {
	ctx, cancel := context.WithCancel(context.Background())
	scopedLog := log.With().Str("component", "agent").Str("node_id", cfg.NodeID).Logger()

	buffer, err := NewEventBuffer(cfg.BufferDBPath, scopedLog)
	if err != nil {
		cancel()
		return nil, err
	}

	a := &Agent{
		cfg:      cfg,
		log:      scopedLog,
		client:   NewClient(cfg.AdminURL, cfg.Insecure, cfg.AgentToken, scopedLog),
		buffer:   buffer,
		health:   NewHealthCollector(cfg.Services, scopedLog),
		watchdog: NewWatchdog(scopedLog),
		ctx:      ctx,
		cancel:   cancel,
	}
	if cfg.CodeSource {
		a.notify = NewNotifyServer(cfg.NotifyPort, a, scopedLog)
	}
	return a, nil
}

// Run starts the agent's cooperative task group and blocks until Shutdown
// is called or the process receives a terminal signal. It is a single
// task group: heartbeat loop, notify-server accept loop, and watchdog
// ticker all share one context.
func (a *Agent) Run() error {
	a.log.Info().Str("admin_url", a.cfg.AdminURL).Dur("interval", a.cfg.HeartbeatInterval).Msg("starting agent")

	a.mu.Lock()
	a.running = true
	a.mu.Unlock()

	a.watchdog.NotifyReady()

	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		a.heartbeatLoop()
	}()

	if a.notify != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := a.notify.Run(a.ctx); err != nil {
				a.log.Error().Err(err).Msg("notify server stopped")
			}
		}()
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		a.watchdogLoop()
	}()

	wg.Wait()
	a.log.Info().Msg("agent stopped")
	return nil
}

// Shutdown marks the agent as stopping, signals the watchdog, and cancels
// the run context so every cooperative task observes cancellation within a
// single round-trip.
func (a *Agent) Shutdown() {
	a.log.Info().Msg("shutting down")
	a.mu.Lock()
	a.running = false
	a.mu.Unlock()
	a.watchdog.NotifyStopping()
	a.cancel()
	if a.buffer != nil {
		if err := a.buffer.Close(); err != nil {
			a.log.Debug().Err(err).Msg("error closing event buffer")
		}
	}
}

// IsRunning reports whether the agent's main loop is active.
func (a *Agent) IsRunning() bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.running
}

// PendingUpdate reports the advisory flag set by the most recent heartbeat
// response's update_available field.
func (a *Agent) PendingUpdate() bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.pendingUpdate
}

func (a *Agent) setPendingUpdate(v bool) {
	a.mu.Lock()
	a.pendingUpdate = v
	a.mu.Unlock()
}

// setCodeVersion records a newly observed local commit, called by the
// notify-server when a git hook posts a code-change notification.
func (a *Agent) setCodeVersion(commit string) {
	a.mu.Lock()
	a.codeVersion = commit
	a.mu.Unlock()
}

// watchdogLoop signals "alive" at half the heartbeat interval; the
// heartbeat loop itself also signals alive on every successful send, so
// this loop is a floor, not the only signal source.
func (a *Agent) watchdogLoop() {
	interval := a.cfg.HeartbeatInterval / 2
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-a.ctx.Done():
			return
		case <-ticker.C:
			a.watchdog.NotifyAlive()
		}
	}
}
