package controller

import (
	"bufio"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics is the Controller's Prometheus registry and collector set,
// grounded in r3e-network-service_layer's pkg/metrics package but scaled
// to this controller's own concerns: HTTP traffic, heartbeat latency, job
// outcomes, backup outcomes, and event-bus publish counts.
type Metrics struct {
	registry *prometheus.Registry

	httpInFlight prometheus.Gauge
	httpRequests *prometheus.CounterVec
	httpDuration *prometheus.HistogramVec

	heartbeats       *prometheus.CounterVec
	heartbeatLatency prometheus.Histogram

	jobRuns     *prometheus.CounterVec
	backupRuns  *prometheus.CounterVec
	eventsTotal *prometheus.CounterVec
}

// NewMetrics builds and registers the Controller's collectors.
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		httpInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "flm",
			Subsystem: "http",
			Name:      "inflight_requests",
			Help:      "Current number of in-flight HTTP requests.",
		}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "flm",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests handled, by method/path/status.",
		}, []string{"method", "path", "status"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "flm",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 10),
		}, []string{"method", "path"}),
		heartbeats: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "flm",
			Subsystem: "heartbeat",
			Name:      "received_total",
			Help:      "Total heartbeats ingested, by resulting code_status.",
		}, []string{"code_status"}),
		heartbeatLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "flm",
			Subsystem: "heartbeat",
			Name:      "ingest_duration_seconds",
			Help:      "Time to process one heartbeat end to end.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 12),
		}),
		jobRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "flm",
			Subsystem: "jobs",
			Name:      "runs_total",
			Help:      "Total update jobs by final status.",
		}, []string{"status"}),
		backupRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "flm",
			Subsystem: "backups",
			Name:      "runs_total",
			Help:      "Total backups by final status.",
		}, []string{"status"}),
		eventsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "flm",
			Subsystem: "events",
			Name:      "published_total",
			Help:      "Total events published to the event bus, by type.",
		}, []string{"type"}),
	}

	m.registry.MustRegister(
		m.httpInFlight,
		m.httpRequests,
		m.httpDuration,
		m.heartbeats,
		m.heartbeatLatency,
		m.jobRuns,
		m.backupRuns,
		m.eventsTotal,
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		collectors.NewGoCollector(),
	)
	return m
}

// Handler exposes the registry in Prometheus text exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Instrument wraps next with in-flight/request-count/duration tracking.
func (m *Metrics) Instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/metrics" {
			next.ServeHTTP(w, r)
			return
		}
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()

		m.httpInFlight.Inc()
		defer m.httpInFlight.Dec()

		next.ServeHTTP(rec, r)

		duration := time.Since(start)
		pattern := routePattern(r)
		m.httpRequests.WithLabelValues(r.Method, pattern, strconv.Itoa(rec.status)).Inc()
		m.httpDuration.WithLabelValues(r.Method, pattern).Observe(duration.Seconds())
	})
}

// routePattern returns the matched chi route template (e.g.
// "/updates/jobs/{jobID}") rather than the raw request path, so
// id-bearing routes don't blow up label cardinality. chi populates the
// pattern on its RouteContext as it matches, which is complete by the
// time the handler chain returns to this middleware. Falls back to the
// raw path if no route matched (e.g. a 404).
func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if p := rctx.RoutePattern(); p != "" {
			return p
		}
	}
	return r.URL.Path
}

// RecordHeartbeat records one ingested heartbeat's latency and resulting
// code status.
func (m *Metrics) RecordHeartbeat(codeStatus string, duration time.Duration) {
	m.heartbeats.WithLabelValues(codeStatus).Inc()
	m.heartbeatLatency.Observe(duration.Seconds())
}

// RecordJobRun records an update job's final status.
func (m *Metrics) RecordJobRun(status string) {
	m.jobRuns.WithLabelValues(status).Inc()
}

// RecordBackupRun records a backup's final status.
func (m *Metrics) RecordBackupRun(status string) {
	m.backupRuns.WithLabelValues(status).Inc()
}

// RecordEvent records an event-bus publish by event type.
func (m *Metrics) RecordEvent(eventType string) {
	m.eventsTotal.WithLabelValues(eventType).Inc()
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	return r.ResponseWriter.Write(b)
}

// Hijack forwards to the embedded ResponseWriter's http.Hijacker so
// Instrument can wrap a WebSocket upgrade (hub.go's h.upgrader.Upgrade)
// without breaking it; without this, gorilla/websocket's Upgrade fails
// with "response does not implement http.Hijacker" on every instrumented
// route.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hijacker, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("underlying ResponseWriter does not implement http.Hijacker")
	}
	return hijacker.Hijack()
}

// Flush forwards to the embedded ResponseWriter's http.Flusher, if any.
func (r *statusRecorder) Flush() {
	if flusher, ok := r.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}
