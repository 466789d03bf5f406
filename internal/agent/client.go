package agent

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/autobot-fleet/flm/internal/protocol"
	"github.com/autobot-fleet/flm/internal/transport"
)

// Client is the agent's controller-facing transport: heartbeats, event
// sync, and code-sync notifications (C3's use of C4).
type Client struct {
	t *transport.Client
}

// NewClient builds an agent Client against baseURL.
func NewClient(baseURL string, insecure bool, token string, log zerolog.Logger) *Client {
	return &Client{t: transport.NewClient(baseURL, insecure, token, log, transport.NoopTracer())}
}

// SendHeartbeat posts a heartbeat for nodeID and returns the decoded
// response. Heartbeats are not retried by the Transport layer itself — the
// Agent buffers on failure instead.
func (c *Client) SendHeartbeat(ctx context.Context, nodeID string, payload protocol.HeartbeatRequest) (*protocol.HeartbeatResponse, error) {
	body, status, err := c.t.Do(ctx, transport.Request{
		Method:  "POST",
		Path:    "/api/nodes/" + nodeID + "/heartbeat",
		Body:    payload,
		Timeout: transport.HeartbeatTimeout,
		NodeID:  nodeID,
	})
	if err != nil {
		return nil, err
	}
	if status == 422 {
		return nil, fmt.Errorf("heartbeat rejected as malformed (422), not retrying")
	}

	var resp protocol.HeartbeatResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("decode heartbeat response: %w", err)
	}
	return &resp, nil
}

// SyncEvents flushes a batch of buffered events and returns the ids the
// controller accepted.
func (c *Client) SyncEvents(ctx context.Context, nodeID string, events []BufferedEvent) ([]int64, error) {
	wire := make([]protocol.BufferedEventWire, 0, len(events))
	for _, e := range events {
		wire = append(wire, protocol.BufferedEventWire{ID: e.ID, Type: e.Type, Data: e.Payload})
	}

	body, _, err := c.t.Do(ctx, transport.Request{
		Method:     "POST",
		Path:       "/api/v1/slm/events/sync",
		Body:       protocol.EventSyncRequest{NodeID: nodeID, Events: wire},
		Timeout:    transport.EventSyncTimeout,
		Idempotent: true,
		NodeID:     nodeID,
	})
	if err != nil {
		return nil, err
	}

	var resp protocol.EventSyncResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("decode event sync response: %w", err)
	}
	return resp.Accepted, nil
}

// NotifyCodeSource fires the out-of-band code-sync notification a
// code-source node sends on each local git-hook change.
func (c *Client) NotifyCodeSource(ctx context.Context, req protocol.CodeSyncNotifyRequest) error {
	_, _, err := c.t.Do(ctx, transport.Request{
		Method:  "POST",
		Path:    "/api/code-sync/notify",
		Body:    req,
		Timeout: transport.ConnectTimeout,
		NodeID:  req.NodeID,
	})
	return err
}
