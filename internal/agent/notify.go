package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/autobot-fleet/flm/internal/protocol"
)

// NotifyServer is the agent's localhost-only code-change notification
// server (C3), active only when the agent is configured as the
// code-source node: it runs a local HTTP server on
// 127.0.0.1:notify_port.
type NotifyServer struct {
	port   int
	agent  *Agent
	log    zerolog.Logger
	server *http.Server
}

// NewNotifyServer builds a notify server bound to 127.0.0.1:port.
func NewNotifyServer(port int, agent *Agent, log zerolog.Logger) *NotifyServer {
	return &NotifyServer{port: port, agent: agent, log: log.With().Str("component", "notify_server").Logger()}
}

// Run starts the notify-server and blocks until ctx is cancelled.
func (n *NotifyServer) Run(ctx context.Context) error {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Post("/api/code-change", n.handleCodeChange)
	r.Get("/api/health", n.handleHealth)

	addr := fmt.Sprintf("127.0.0.1:%d", n.port)
	n.server = &http.Server{Addr: addr, Handler: r}

	errCh := make(chan error, 1)
	go func() {
		n.log.Info().Str("addr", addr).Msg("starting notify server")
		if err := n.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return n.server.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

// handleCodeChange updates the local CodeVersion, buffers a code_change
// event, and fires an out-of-band notification to the controller. The
// notification is fire-and-forget: its failure does not fail this
// request, since the next heartbeat will still carry the new commit.
func (n *NotifyServer) handleCodeChange(w http.ResponseWriter, r *http.Request) {
	var req protocol.CodeChangeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	n.agent.setCodeVersion(req.Commit)

	if _, err := n.agent.buffer.Append(protocol.EventCodeChange, req); err != nil {
		n.log.Error().Err(err).Msg("failed to buffer code_change event")
	}

	go n.notifyControllerAsync(req)

	writeJSON(w, http.StatusOK, protocol.CodeChangeResponse{Status: "ok", Commit: req.Commit})
}

func (n *NotifyServer) notifyControllerAsync(req protocol.CodeChangeRequest) {
	ctx, cancel := context.WithTimeout(context.Background(), transportNotifyTimeout)
	defer cancel()

	err := n.agent.client.NotifyCodeSource(ctx, protocol.CodeSyncNotifyRequest{
		NodeID:       n.agent.cfg.NodeID,
		Commit:       req.Commit,
		Branch:       req.Branch,
		Message:      req.Message,
		IsCodeSource: true,
		Timestamp:    time.Now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		n.log.Warn().Err(err).Msg("code-sync notify failed, will surface via next heartbeat")
	}
}

func (n *NotifyServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, protocol.HealthResponse{
		Status:  "ok",
		NodeID:  n.agent.cfg.NodeID,
		Version: Version,
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

const transportNotifyTimeout = 15 * time.Second
