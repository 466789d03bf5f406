package controller

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog"

	"github.com/autobot-fleet/flm/internal/executor"
	"github.com/autobot-fleet/flm/internal/protocol"
)

// Server is the Controller's HTTP server, wiring every component (C5-C11)
// into a chi router the way internal/dashboard/server.go wires the
// teacher's Hub/AuthService/LogStore into its own router.
type Server struct {
	cfg *Config
	log zerolog.Logger

	registry *Registry
	drift    *DriftDetector
	events   *EventLog
	hub      *Hub
	planner  *UpdatePlanner
	jobs     *JobEngine
	backups  *BackupExecutor
	ingest   *HeartbeatIngest
	metrics  *Metrics
	sweeper  *StaleSweeper

	router     *chi.Mux
	httpServer *http.Server

	sweepCtx    context.Context
	sweepCancel context.CancelFunc
}

// New builds a Server from an already-initialized database, following
// dashboard.New's "build every collaborator, then build the router"
// shape. newExecutor constructs a node's remote command executor
// (production: executor.NewSSHExecutor; tests: a fake).
func New(cfg *Config, db *sqlx.DB, registry *Registry, drift *DriftDetector, events *EventLog, hub *Hub, planner *UpdatePlanner, metrics *Metrics, log zerolog.Logger, newExecutor func(node *Node) executor.Executor) *Server {
	jobEngine := NewJobEngine(db, registry, planner, events, hub, cfg, metrics, log, newExecutor)
	backupExecutor := NewBackupExecutor(db, registry, events, hub, cfg.BackupDir, metrics, log, newExecutor)
	ingest := NewHeartbeatIngest(registry, drift, events, hub, planner, cfg, metrics, log)
	sweeper := NewStaleSweeper(registry, events, hub, cfg, log)

	sweepCtx, sweepCancel := context.WithCancel(context.Background())

	s := &Server{
		cfg:         cfg,
		log:         log.With().Str("component", "controller_server").Logger(),
		registry:    registry,
		drift:       drift,
		events:      events,
		hub:         hub,
		planner:     planner,
		jobs:        jobEngine,
		backups:     backupExecutor,
		ingest:      ingest,
		metrics:     metrics,
		sweeper:     sweeper,
		sweepCtx:    sweepCtx,
		sweepCancel: sweepCancel,
	}
	s.setupRouter()
	go sweeper.Run(sweepCtx)
	return s
}

func (s *Server) setupRouter() {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(securityHeaders)
	if s.metrics != nil {
		r.Use(s.metrics.Instrument)
	}

	r.Get("/health", s.handleHealth)
	if s.metrics != nil {
		r.Handle("/metrics", s.metrics.Handler())
	}

	r.Route("/", func(r chi.Router) {
		r.Use(requireAuth(s.cfg.AgentToken))

		r.Post("/api/nodes/{nodeID}/heartbeat", s.handleHeartbeat)
		r.Post("/api/v1/slm/events/sync", s.handleEventSync)
		r.Post("/api/code-sync/notify", s.handleCodeSyncNotify)

		r.Get("/api/nodes", s.handleListNodes)
		r.Get("/api/nodes/{nodeID}", s.handleGetNode)
		r.Delete("/api/nodes/{nodeID}", s.handleDeleteNode)

		r.Get("/updates/check", s.handleUpdatesCheck)
		r.Get("/updates/fleet-summary", s.handleFleetSummary)
		r.Post("/updates/apply", s.handleUpdatesApply)
		r.Get("/updates/jobs/{jobID}", s.handleGetJob)
		r.Get("/updates/jobs", s.handleListJobs)
		r.Post("/updates/jobs/{jobID}/cancel", s.handleCancelJob)

		r.Post("/backups/run", s.handleBackupRun)
		r.Post("/backups/restore", s.handleBackupRestore)
		r.Get("/backups/{backupID}/verify", s.handleBackupVerify)

		r.Get("/ws/events", s.handleWS)
	})

	s.router = r
}

func securityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
		next.ServeHTTP(w, r)
	})
}

// Router returns the HTTP router, for tests to exercise via httptest.
func (s *Server) Router() http.Handler { return s.router }

// Run starts the HTTP server and blocks until it stops.
func (s *Server) Run() error {
	s.httpServer = &http.Server{
		Addr:              s.cfg.ListenAddr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.log.Info().Str("addr", s.cfg.ListenAddr).Msg("starting controller server")
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully stops the HTTP server and the background stale
// sweeper.
func (s *Server) Shutdown(ctx context.Context) error {
	s.sweepCancel()
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, protocol.HealthResponse{Status: "ok"})
}

func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	nodeID := chi.URLParam(r, "nodeID")
	var req protocol.HeartbeatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusUnprocessableEntity, "invalid heartbeat payload")
		return
	}

	resp, err := s.ingest.Ingest(r.Context(), nodeID, req)
	if err != nil {
		s.log.Error().Err(err).Str("node_id", nodeID).Msg("heartbeat ingest failed")
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleEventSync(w http.ResponseWriter, r *http.Request) {
	var req protocol.EventSyncRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusUnprocessableEntity, "invalid event sync payload")
		return
	}

	accepted := make([]int64, 0, len(req.Events))
	for _, e := range req.Events {
		if err := s.events.RecordBuffered(r.Context(), req.NodeID, e.ID, e.Type, e.Data); err != nil {
			s.log.Error().Err(err).Int64("event_id", e.ID).Msg("failed to record buffered event")
			continue
		}
		accepted = append(accepted, e.ID)
	}
	writeJSON(w, http.StatusOK, protocol.EventSyncResponse{Accepted: accepted})
}

func (s *Server) handleCodeSyncNotify(w http.ResponseWriter, r *http.Request) {
	var req protocol.CodeSyncNotifyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusUnprocessableEntity, "invalid code-sync notify payload")
		return
	}
	if err := s.drift.NotifyCodeSource(r.Context(), req); err != nil {
		s.log.Error().Err(err).Msg("failed to record code-sync notification")
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleListNodes(w http.ResponseWriter, r *http.Request) {
	filter := Filter{CodeStatus: r.URL.Query().Get("code_status")}
	nodes, err := s.registry.List(r.Context(), filter)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	wire := make([]protocol.NodeWire, 0, len(nodes))
	for _, n := range nodes {
		wire = append(wire, nodeToWire(n))
	}
	writeJSON(w, http.StatusOK, wire)
}

func (s *Server) handleGetNode(w http.ResponseWriter, r *http.Request) {
	nodeID := chi.URLParam(r, "nodeID")
	node, err := s.registry.Get(r.Context(), nodeID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if node == nil {
		writeError(w, http.StatusNotFound, "node not found")
		return
	}
	writeJSON(w, http.StatusOK, nodeToWire(*node))
}

func (s *Server) handleDeleteNode(w http.ResponseWriter, r *http.Request) {
	nodeID := chi.URLParam(r, "nodeID")
	if err := s.registry.Delete(r.Context(), nodeID); err != nil {
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func (s *Server) handleUpdatesCheck(w http.ResponseWriter, r *http.Request) {
	nodeID := r.URL.Query().Get("node_id")
	updates, err := s.planner.Check(r.Context(), nodeID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	wire := make([]protocol.UpdateInfoWire, 0, len(updates))
	for _, u := range updates {
		wire = append(wire, u.ToWire())
	}
	writeJSON(w, http.StatusOK, protocol.UpdatesCheckResponse{Updates: wire, Total: len(wire)})
}

func (s *Server) handleFleetSummary(w http.ResponseWriter, r *http.Request) {
	summary, err := s.planner.FleetSummary(r.Context(), s.registry)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func (s *Server) handleUpdatesApply(w http.ResponseWriter, r *http.Request) {
	var req protocol.ApplyUpdatesRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusUnprocessableEntity, "invalid apply request")
		return
	}

	jobID, err := s.jobs.Apply(r.Context(), req.NodeID, req.UpdateIDs)
	if err != nil {
		switch {
		case errors.Is(err, ErrNodeNotFound):
			writeError(w, http.StatusNotFound, "node not found")
		case errors.Is(err, ErrNoValidUpdates):
			writeError(w, http.StatusNotFound, "no valid updates found")
		default:
			writeError(w, http.StatusInternalServerError, "internal error")
		}
		return
	}
	writeJSON(w, http.StatusOK, protocol.ApplyUpdatesResponse{Success: true, Message: "update job started", JobID: jobID})
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")
	job, err := s.jobs.Get(r.Context(), jobID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if job == nil {
		writeError(w, http.StatusNotFound, "update job not found")
		return
	}
	writeJSON(w, http.StatusOK, job.ToWire())
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	nodeID := r.URL.Query().Get("node_id")
	status := r.URL.Query().Get("status")
	limit := 20
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil && v > 0 && v <= 100 {
			limit = v
		}
	}

	jobs, err := s.jobs.List(r.Context(), nodeID, status, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	wire := make([]protocol.UpdateJobWire, 0, len(jobs))
	for _, j := range jobs {
		wire = append(wire, j.ToWire())
	}
	writeJSON(w, http.StatusOK, protocol.JobListResponse{Jobs: wire, Total: len(wire)})
}

func (s *Server) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")
	err := s.jobs.Cancel(r.Context(), jobID)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, protocol.SimpleResult{Success: true, Message: "job cancelled"})
	case errors.Is(err, ErrJobNotFound):
		writeError(w, http.StatusNotFound, "update job not found")
	case errors.Is(err, ErrJobNotCancellable):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func (s *Server) handleBackupRun(w http.ResponseWriter, r *http.Request) {
	var req protocol.RunBackupRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusUnprocessableEntity, "invalid backup request")
		return
	}
	backupID, err := s.backups.Run(r.Context(), req.NodeID, req.Service)
	if err != nil {
		if errors.Is(err, ErrNodeNotFound) {
			writeError(w, http.StatusNotFound, "node not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, protocol.RunBackupResponse{BackupID: backupID})
}

func (s *Server) handleBackupRestore(w http.ResponseWriter, r *http.Request) {
	var req protocol.RestoreBackupRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusUnprocessableEntity, "invalid restore request")
		return
	}
	result, err := s.backups.Restore(r.Context(), req.BackupID, req.TargetNodeID)
	if err != nil {
		switch {
		case errors.Is(err, ErrBackupNotFound):
			writeError(w, http.StatusNotFound, "backup not found")
		case errors.Is(err, ErrNodeNotFound):
			writeError(w, http.StatusNotFound, "target node not found")
		case errors.Is(err, ErrBackupNotRestoreable):
			writeError(w, http.StatusBadRequest, err.Error())
		default:
			writeError(w, http.StatusInternalServerError, "internal error")
		}
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleBackupVerify(w http.ResponseWriter, r *http.Request) {
	backupID := chi.URLParam(r, "backupID")
	result, err := s.backups.Verify(r.Context(), backupID)
	if err != nil {
		if errors.Is(err, ErrBackupNotFound) {
			writeError(w, http.StatusNotFound, "backup not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	topic := r.URL.Query().Get("topic")
	if topic == "" {
		topic = TopicGlobal
	}
	s.hub.ServeWS(r.Context(), w, r, topic)
}

func nodeToWire(n Node) protocol.NodeWire {
	wire := protocol.NodeWire{
		NodeID:       n.NodeID,
		Hostname:     n.Hostname,
		IP:           n.IP.String,
		SSHUser:      n.SSHUser.String,
		AgentVersion: n.AgentVersion,
		OSInfo:       n.OSInfo,
		CodeVersion:  n.CodeVersion,
		CodeStatus:   n.CodeStatus,
		LastSeen:     n.LastSeen,
		CPUPercent:   n.CPUPercent,
		MemPercent:   n.MemPercent,
		DiskPercent:  n.DiskPercent,
	}
	if n.SSHPort.Valid {
		wire.SSHPort = int(n.SSHPort.Int64)
	}
	return wire
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
