// Package telemetry provides structured metrics, tracing, and execution
// history for meridian control-plane and node processes. There is no
// external metrics client in this stack: the registry below is an
// in-process atomic-based implementation, exposed as JSON rather than
// Prometheus exposition format.
package telemetry

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// ------------------------------------------------------------------
// Metrics
// ------------------------------------------------------------------

// MetricType classifies a metric.
type MetricType string

const (
	MetricCounter   MetricType = "counter"
	MetricGauge     MetricType = "gauge"
	MetricHistogram MetricType = "histogram"
)

// Registry collects and exposes application metrics.
type Registry struct {
	mu         sync.RWMutex
	counters   map[string]*Counter
	gauges     map[string]*Gauge
	histograms map[string]*Histogram
}

// NewRegistry creates a metrics registry.
func NewRegistry() *Registry {
	return &Registry{
		counters:   make(map[string]*Counter),
		gauges:     make(map[string]*Gauge),
		histograms: make(map[string]*Histogram),
	}
}

// Counter is a monotonically increasing metric.
type Counter struct {
	name  string
	desc  string
	value atomic.Int64
}

// Gauge is a metric that can go up and down.
type Gauge struct {
	name  string
	desc  string
	value atomic.Int64
}

// Histogram tracks value distributions with pre-defined buckets.
type Histogram struct {
	mu      sync.Mutex
	name    string
	desc    string
	buckets []float64
	counts  []int64
	sum     float64
	count   int64
}

func (r *Registry) GetCounter(name, description string) *Counter {
	r.mu.RLock()
	c, ok := r.counters[name]
	r.mu.RUnlock()
	if ok {
		return c
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok = r.counters[name]; ok {
		return c
	}
	c = &Counter{name: name, desc: description}
	r.counters[name] = c
	return c
}

func (r *Registry) GetGauge(name, description string) *Gauge {
	r.mu.RLock()
	g, ok := r.gauges[name]
	r.mu.RUnlock()
	if ok {
		return g
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if g, ok = r.gauges[name]; ok {
		return g
	}
	g = &Gauge{name: name, desc: description}
	r.gauges[name] = g
	return g
}

func (r *Registry) GetHistogram(name, description string, buckets []float64) *Histogram {
	r.mu.RLock()
	h, ok := r.histograms[name]
	r.mu.RUnlock()
	if ok {
		return h
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if h, ok = r.histograms[name]; ok {
		return h
	}
	sorted := append([]float64(nil), buckets...)
	sort.Float64s(sorted)
	h = &Histogram{name: name, desc: description, buckets: sorted, counts: make([]int64, len(sorted)+1)}
	r.histograms[name] = h
	return h
}

func (c *Counter) Inc()             { c.value.Add(1) }
func (c *Counter) Add(n int64)      { c.value.Add(n) }
func (c *Counter) Value() int64     { return c.value.Load() }
func (g *Gauge) Set(v int64)        { g.value.Store(v) }
func (g *Gauge) Inc()               { g.value.Add(1) }
func (g *Gauge) Dec()               { g.value.Add(-1) }
func (g *Gauge) Value() int64       { return g.value.Load() }

// Observe records a value in the histogram.
func (h *Histogram) Observe(v float64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.sum += v
	h.count++
	for i, b := range h.buckets {
		if v <= b {
			h.counts[i]++
			return
		}
	}
	h.counts[len(h.buckets)]++
}

// ------------------------------------------------------------------
// Cluster metrics suite
// ------------------------------------------------------------------

// ClusterMetrics holds every metric meridian's control plane and node
// processes record.
type ClusterMetrics struct {
	Registry *Registry

	// Tick loop
	TicksTotal      *Counter
	TickDuration    *Histogram
	SystemDuration  *Histogram
	CommandsDrained *Counter

	// Snapshot pipeline
	SnapshotsFull  *Counter
	SnapshotsDelta *Counter
	SnapshotBytes  *Histogram
	StreamFanout   *Gauge

	// Node registry
	NodesTotal     *Gauge
	NodesHealthy   *Gauge
	NodesDegraded  *Gauge
	NodesExpired   *Gauge
	HeartbeatsSeen *Counter

	// Scheduler / router / autoscaler
	PlacementsTotal      *Counter
	PlacementFailures    *Counter
	AutoscaleRecommended *Counter
	CircuitBreakerTrips  *Counter
	ProxyRequests        *Counter
	ProxyErrors          *Counter

	// Auth
	TokensValidated *Counter
	TokensDenied    *Counter

	// System
	Uptime         *Gauge
	GoroutineCount *Gauge
}

// NewClusterMetrics creates the standard meridian metrics suite.
func NewClusterMetrics() *ClusterMetrics {
	r := NewRegistry()
	latency := []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5}
	sizeBuckets := []float64{256, 1024, 4096, 16384, 65536, 262144, 1048576}

	return &ClusterMetrics{
		Registry: r,

		TicksTotal:      r.GetCounter("meridian_ticks_total", "Total ticks executed"),
		TickDuration:    r.GetHistogram("meridian_tick_duration_seconds", "Tick duration", latency),
		SystemDuration:  r.GetHistogram("meridian_system_duration_seconds", "Per-system duration within a tick", latency),
		CommandsDrained: r.GetCounter("meridian_commands_drained_total", "Commands drained from a container's queue"),

		SnapshotsFull:  r.GetCounter("meridian_snapshots_full_total", "Full snapshot rebuilds"),
		SnapshotsDelta: r.GetCounter("meridian_snapshots_delta_total", "Delta snapshot rebuilds"),
		SnapshotBytes:  r.GetHistogram("meridian_snapshot_bytes", "Encoded snapshot/delta size", sizeBuckets),
		StreamFanout:   r.GetGauge("meridian_stream_fanout", "Open player streams currently being fanned out to"),

		NodesTotal:     r.GetGauge("meridian_nodes_total", "Registered engine nodes"),
		NodesHealthy:   r.GetGauge("meridian_nodes_healthy", "Healthy engine nodes"),
		NodesDegraded:  r.GetGauge("meridian_nodes_degraded", "Degraded engine nodes"),
		NodesExpired:   r.GetGauge("meridian_nodes_expired", "Expired engine nodes"),
		HeartbeatsSeen: r.GetCounter("meridian_heartbeats_total", "Heartbeats received"),

		PlacementsTotal:      r.GetCounter("meridian_placements_total", "Scheduler placement decisions"),
		PlacementFailures:    r.GetCounter("meridian_placement_failures_total", "Scheduler placement failures"),
		AutoscaleRecommended: r.GetCounter("meridian_autoscale_recommendations_total", "Autoscaler recommendations issued"),
		CircuitBreakerTrips:  r.GetCounter("meridian_circuit_breaker_trips_total", "Circuit breaker trip events"),
		ProxyRequests:        r.GetCounter("meridian_proxy_requests_total", "Node-proxy requests forwarded"),
		ProxyErrors:          r.GetCounter("meridian_proxy_errors_total", "Node-proxy forwarding errors"),

		TokensValidated: r.GetCounter("meridian_tokens_validated_total", "Capability tokens validated"),
		TokensDenied:    r.GetCounter("meridian_tokens_denied_total", "Capability tokens denied"),

		Uptime:         r.GetGauge("meridian_uptime_seconds", "Process uptime in seconds"),
		GoroutineCount: r.GetGauge("meridian_goroutine_count", "Number of goroutines"),
	}
}

// ------------------------------------------------------------------
// Metrics HTTP endpoint (JSON, not Prometheus exposition format)
// ------------------------------------------------------------------

type metricsDump struct {
	Counters   map[string]int64   `json:"counters"`
	Gauges     map[string]int64   `json:"gauges"`
	Histograms map[string]histDump `json:"histograms"`
}

type histDump struct {
	Buckets []float64 `json:"buckets"`
	Counts  []int64   `json:"counts"`
	Sum     float64   `json:"sum"`
	Count   int64     `json:"count"`
}

// Handler returns an HTTP handler that exports the registry as JSON.
func Handler(registry *Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		registry.mu.RLock()
		dump := metricsDump{
			Counters:   make(map[string]int64, len(registry.counters)),
			Gauges:     make(map[string]int64, len(registry.gauges)),
			Histograms: make(map[string]histDump, len(registry.histograms)),
		}
		for name, c := range registry.counters {
			dump.Counters[name] = c.Value()
		}
		for name, g := range registry.gauges {
			dump.Gauges[name] = g.Value()
		}
		for name, h := range registry.histograms {
			h.mu.Lock()
			dump.Histograms[name] = histDump{
				Buckets: append([]float64(nil), h.buckets...),
				Counts:  append([]int64(nil), h.counts...),
				Sum:     h.sum,
				Count:   h.count,
			}
			h.mu.Unlock()
		}
		registry.mu.RUnlock()

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(dump)
	}
}

// ------------------------------------------------------------------
// Structured tracing
// ------------------------------------------------------------------

// Span represents a unit of work in a trace (a tick, a snapshot build, a
// scheduler placement, an HTTP request).
type Span struct {
	TraceID    string            `json:"trace_id"`
	SpanID     string            `json:"span_id"`
	ParentID   string            `json:"parent_id,omitempty"`
	Name       string            `json:"name"`
	StartTime  time.Time         `json:"start_time"`
	EndTime    time.Time         `json:"end_time,omitempty"`
	Duration   time.Duration     `json:"duration,omitempty"`
	Status     string            `json:"status"`
	Attributes map[string]string `json:"attributes,omitempty"`
	Events     []SpanEvent       `json:"events,omitempty"`
}

// SpanEvent is a timestamped annotation within a span.
type SpanEvent struct {
	Name       string            `json:"name"`
	Timestamp  time.Time         `json:"timestamp"`
	Attributes map[string]string `json:"attributes,omitempty"`
}

// Tracer creates and manages spans, kept as a ring buffer in memory.
type Tracer struct {
	mu       sync.Mutex
	spans    []*Span
	maxSpans int
	logger   *slog.Logger
}

func NewTracer(maxSpans int, logger *slog.Logger) *Tracer {
	if maxSpans <= 0 {
		maxSpans = 10000
	}
	return &Tracer{spans: make([]*Span, 0, maxSpans), maxSpans: maxSpans, logger: logger}
}

type traceContextKey struct{}

// StartSpan begins a new span and attaches it to the context.
func (t *Tracer) StartSpan(ctx context.Context, name string, attrs map[string]string) (context.Context, *Span) {
	span := &Span{
		TraceID:    generateID(),
		SpanID:     generateID(),
		Name:       name,
		StartTime:  time.Now(),
		Status:     "ok",
		Attributes: attrs,
	}
	if parent, ok := ctx.Value(traceContextKey{}).(*Span); ok {
		span.TraceID = parent.TraceID
		span.ParentID = parent.SpanID
	}
	return context.WithValue(ctx, traceContextKey{}, span), span
}

// EndSpan completes a span and records it.
func (t *Tracer) EndSpan(span *Span, err error) {
	span.EndTime = time.Now()
	span.Duration = span.EndTime.Sub(span.StartTime)
	if err != nil {
		span.Status = "error"
		span.AddEvent("error", map[string]string{"message": err.Error()})
	}

	t.mu.Lock()
	if len(t.spans) >= t.maxSpans {
		t.spans = t.spans[t.maxSpans/10:]
	}
	t.spans = append(t.spans, span)
	t.mu.Unlock()

	if t.logger != nil {
		t.logger.Debug("span completed", "trace_id", span.TraceID, "span_id", span.SpanID,
			"name", span.Name, "duration", span.Duration, "status", span.Status)
	}
}

// AddEvent adds a timestamped event to a span.
func (s *Span) AddEvent(name string, attrs map[string]string) {
	s.Events = append(s.Events, SpanEvent{Name: name, Timestamp: time.Now(), Attributes: attrs})
}

// QuerySpans returns recent spans matching the filter.
func (t *Tracer) QuerySpans(opts SpanQueryOptions) []*Span {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []*Span
	for _, s := range t.spans {
		if opts.TraceID != "" && s.TraceID != opts.TraceID {
			continue
		}
		if opts.Name != "" && s.Name != opts.Name {
			continue
		}
		if !opts.Since.IsZero() && s.StartTime.Before(opts.Since) {
			continue
		}
		if opts.Status != "" && s.Status != opts.Status {
			continue
		}
		out = append(out, s)
		if opts.Limit > 0 && len(out) >= opts.Limit {
			break
		}
	}
	return out
}

// SpanQueryOptions filters trace queries.
type SpanQueryOptions struct {
	TraceID string
	Name    string
	Status  string
	Since   time.Time
	Limit   int
}

// ------------------------------------------------------------------
// Execution history (container command audit)
// ------------------------------------------------------------------

// ExecutionRecord is a persisted record of a dispatched container command,
// kept for ListExecutions-style audit queries.
type ExecutionRecord struct {
	ID          string          `json:"id"`
	TraceID     string          `json:"trace_id"`
	ContainerID string          `json:"container_id"`
	Requester   string          `json:"requester"`
	Kind        string          `json:"kind"`
	Input       json.RawMessage `json:"input"`
	Output      json.RawMessage `json:"output"`
	Error       string          `json:"error,omitempty"`
	Duration    time.Duration   `json:"duration"`
	Timestamp   time.Time       `json:"timestamp"`
}

// ExecutionHistory stores and queries execution records in a bounded
// ring buffer.
type ExecutionHistory struct {
	mu      sync.Mutex
	records []*ExecutionRecord
	maxSize int
}

func NewExecutionHistory(maxSize int) *ExecutionHistory {
	if maxSize <= 0 {
		maxSize = 50000
	}
	return &ExecutionHistory{records: make([]*ExecutionRecord, 0, maxSize), maxSize: maxSize}
}

// Record adds an execution record.
func (eh *ExecutionHistory) Record(rec *ExecutionRecord) {
	eh.mu.Lock()
	defer eh.mu.Unlock()
	if len(eh.records) >= eh.maxSize {
		eh.records = eh.records[eh.maxSize/10:]
	}
	eh.records = append(eh.records, rec)
}

// Query returns records matching the filter.
func (eh *ExecutionHistory) Query(opts ExecutionQueryOptions) []*ExecutionRecord {
	eh.mu.Lock()
	defer eh.mu.Unlock()
	var out []*ExecutionRecord
	for _, r := range eh.records {
		if opts.ContainerID != "" && r.ContainerID != opts.ContainerID {
			continue
		}
		if opts.Requester != "" && r.Requester != opts.Requester {
			continue
		}
		if opts.Kind != "" && r.Kind != opts.Kind {
			continue
		}
		if !opts.Since.IsZero() && r.Timestamp.Before(opts.Since) {
			continue
		}
		out = append(out, r)
		if opts.Limit > 0 && len(out) >= opts.Limit {
			break
		}
	}
	return out
}

// ExecutionQueryOptions filters execution history queries.
type ExecutionQueryOptions struct {
	ContainerID string
	Requester   string
	Kind        string
	Since       time.Time
	Limit       int
}

// ------------------------------------------------------------------
// Helpers
// ------------------------------------------------------------------

var idCounter atomic.Int64

func generateID() string {
	return fmt.Sprintf("%d-%d", time.Now().UnixNano(), idCounter.Add(1))
}
