package controller

import (
	"context"
	"encoding/json"
	"net/http"
	"runtime/debug"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/autobot-fleet/flm/internal/protocol"
)

// Topic name helpers.
const (
	TopicGlobal = "events:global"
)

// TopicNode returns the per-node topic name.
func TopicNode(nodeID string) string { return "events:node:" + nodeID }

// TopicJob returns the per-job topic name.
func TopicJob(jobID string) string { return "jobs:" + jobID }

const (
	subscriberQueueSize = 256
	writeWait           = 10 * time.Second
	pongWait            = 60 * time.Second
	pingPeriod          = (pongWait * 9) / 10
	maxMessageSize      = 16 * 1024
)

// subscriber is one topic subscription: a buffered channel the Hub
// publishes onto, following internal/dashboard/hub.go's Client.send
// pattern but generalized to an arbitrary number of topics per connection
// instead of one implicit "all browsers" stream.
type subscriber struct {
	ch     chan []byte
	topics map[string]bool
}

// Hub is the Event Bus & WebSocket Broadcaster (C10): topic-keyed
// publish/subscribe with best-effort delivery. A full subscriber buffer is
// dropped, never blocked on: publishing latency must not depend on the
// slowest subscriber.
type Hub struct {
	log     zerolog.Logger
	metrics *Metrics

	mu          sync.RWMutex
	subscribers map[string]map[*subscriber]bool // topic -> subscriber set

	upgrader websocket.Upgrader
}

// NewHub builds a Hub. metrics may be nil in tests.
func NewHub(log zerolog.Logger, metrics *Metrics) *Hub {
	return &Hub{
		log:         log.With().Str("component", "hub").Logger(),
		metrics:     metrics,
		subscribers: make(map[string]map[*subscriber]bool),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

// Subscribe registers a new subscriber to topics and returns it plus an
// unsubscribe function.
func (h *Hub) Subscribe(topics ...string) (*subscriber, func()) {
	sub := &subscriber{ch: make(chan []byte, subscriberQueueSize), topics: make(map[string]bool, len(topics))}

	h.mu.Lock()
	for _, topic := range topics {
		sub.topics[topic] = true
		if h.subscribers[topic] == nil {
			h.subscribers[topic] = make(map[*subscriber]bool)
		}
		h.subscribers[topic][sub] = true
	}
	h.mu.Unlock()

	return sub, func() { h.Unsubscribe(sub) }
}

// Unsubscribe removes sub from every topic it was registered on and closes
// its channel.
func (h *Hub) Unsubscribe(sub *subscriber) {
	h.mu.Lock()
	for topic := range sub.topics {
		if set, ok := h.subscribers[topic]; ok {
			delete(set, sub)
			if len(set) == 0 {
				delete(h.subscribers, topic)
			}
		}
	}
	h.mu.Unlock()
	close(sub.ch)
}

// Publish sends an event to every subscriber of topic, dropping (and
// logging) any whose buffer is full rather than blocking.
func (h *Hub) Publish(topic, eventType string, data any) {
	if h.metrics != nil {
		h.metrics.RecordEvent(eventType)
	}
	envelope, err := protocol.NewEnvelope(eventType, time.Now().UTC().Format(time.RFC3339), data)
	if err != nil {
		h.log.Error().Err(err).Str("topic", topic).Msg("failed to build envelope")
		return
	}
	payload, err := json.Marshal(envelope)
	if err != nil {
		h.log.Error().Err(err).Str("topic", topic).Msg("failed to marshal envelope")
		return
	}

	h.mu.RLock()
	subs := make([]*subscriber, 0, len(h.subscribers[topic]))
	for sub := range h.subscribers[topic] {
		subs = append(subs, sub)
	}
	h.mu.RUnlock()

	for _, sub := range subs {
		select {
		case sub.ch <- payload:
		default:
			h.log.Warn().Str("topic", topic).Msg("subscriber buffer full, dropping message")
		}
	}
}

// ServeWS upgrades the request to a WebSocket and streams messages for the
// requested topic until the client disconnects or ctx is cancelled.
func (h *Hub) ServeWS(ctx context.Context, w http.ResponseWriter, r *http.Request, topic string) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	sub, unsubscribe := h.Subscribe(topic)
	defer unsubscribe()

	conn.SetReadLimit(maxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	readerDone := make(chan struct{})
	go func() {
		defer close(readerDone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	defer func() { _ = conn.Close() }()

	for {
		select {
		case <-ctx.Done():
			return
		case <-readerDone:
			return
		case msg, ok := <-sub.ch:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// recoverPanic is used by background goroutines (jobs, backups) that must
// not take the whole controller down on an unexpected panic, following
// internal/dashboard/hub.go's runLoop/broadcastLoop recovery pattern.
func recoverPanic(log zerolog.Logger, where string) {
	if r := recover(); r != nil {
		log.Error().Interface("panic", r).Str("stack", string(debug.Stack())).Str("where", where).Msg("recovered from panic")
	}
}
