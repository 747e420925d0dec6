// Copyright 2024-2026 Aiku AI

package bridge

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/aiku/mautrix-feishu/pkg/feishu"
)

// Metrics bundles the bridge's Prometheus collectors. Collectors live on a
// private registry so that several bridge instances (tests, mostly) never
// fight over the default one.
//
// Label cardinality is bounded by construction: sources, kinds, reasons,
// stages and API names are fixed sets chosen by the callers, and the failure
// code label only ever carries Feishu envelope codes.
type Metrics struct {
	registry *prometheus.Registry

	inboundEvents    *prometheus.CounterVec
	outboundRequests *prometheus.CounterVec
	outboundFailures *prometheus.CounterVec
	degradedEvents   *prometheus.CounterVec
	policyBlocked    *prometheus.CounterVec
	traceEvents      *prometheus.CounterVec
	cacheRequests    *prometheus.CounterVec

	queueDepth    prometheus.Gauge
	queueDepthMax prometheus.Gauge

	processingDuration *prometheus.HistogramVec
}

var _ feishu.MetricsHook = (*Metrics)(nil)

// NewMetrics builds and registers every collector on a fresh registry.
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		inboundEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bridge_inbound_events_total",
			Help: "Inbound events by origin platform and handling outcome kind.",
		}, []string{"source", "kind"}),
		outboundRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bridge_outbound_requests_total",
			Help: "Outbound remote API calls by operation name.",
		}, []string{"api"}),
		outboundFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bridge_outbound_failures_total_by_api_code",
			Help: "Failed outbound remote API calls by operation and error code.",
		}, []string{"api", "code"}),
		degradedEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bridge_degraded_events_total_by_reason",
			Help: "Messages delivered with reduced fidelity, by reason.",
		}, []string{"reason"}),
		policyBlocked: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bridge_policy_blocked_total_by_reason",
			Help: "Events dropped by the policy layer, by reason.",
		}, []string{"reason"}),
		traceEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bridge_trace_events_total_by_flow_status",
			Help: "Bridging flow completions by direction and terminal status.",
		}, []string{"flow", "status"}),
		cacheRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bridge_cache_requests_total",
			Help: "Mapping cache lookups by cache name and hit/miss result.",
		}, []string{"cache", "result"}),
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "bridge_queue_depth",
			Help: "Tasks currently waiting across all per-chat queues.",
		}),
		queueDepthMax: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "bridge_queue_depth_max",
			Help: "High-water mark of bridge_queue_depth since startup.",
		}),
		processingDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "bridge_processing_duration_ms",
			Help:    "Stage latency of event processing in milliseconds.",
			Buckets: []float64{5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000, 10000},
		}, []string{"stage"}),
	}
	m.registry.MustRegister(
		m.inboundEvents, m.outboundRequests, m.outboundFailures,
		m.degradedEvents, m.policyBlocked, m.traceEvents, m.cacheRequests,
		m.queueDepth, m.queueDepthMax, m.processingDuration,
	)
	return m
}

// Handler serves the private registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// OutboundRequest implements feishu.MetricsHook.
func (m *Metrics) OutboundRequest(api string) {
	m.outboundRequests.WithLabelValues(api).Inc()
}

// OutboundFailure implements feishu.MetricsHook.
func (m *Metrics) OutboundFailure(api, code string) {
	m.outboundFailures.WithLabelValues(api, code).Inc()
}

// Inbound counts one inbound event. kind is the handling outcome, e.g.
// "message", "duplicate", "backpressure" or "unsupported".
func (m *Metrics) Inbound(source, kind string) {
	m.inboundEvents.WithLabelValues(source, kind).Inc()
}

// Degraded counts a reduced-fidelity delivery.
func (m *Metrics) Degraded(reason string) {
	m.degradedEvents.WithLabelValues(reason).Inc()
}

// PolicyBlocked counts an event the policy layer refused to bridge.
func (m *Metrics) PolicyBlocked(reason string) {
	m.policyBlocked.WithLabelValues(reason).Inc()
}

// Trace counts a flow completion: flow is "f2m" or "m2f", status is
// "ok", "dead_letter", "dropped" or "divergence".
func (m *Metrics) Trace(flow, status string) {
	m.traceEvents.WithLabelValues(flow, status).Inc()
}

// Cache counts one mapping cache lookup.
func (m *Metrics) Cache(cache string, hit bool) {
	result := "miss"
	if hit {
		result = "hit"
	}
	m.cacheRequests.WithLabelValues(cache, result).Inc()
}

// SetQueueDepth publishes the current and high-water queue depths.
func (m *Metrics) SetQueueDepth(depth, max int) {
	m.queueDepth.Set(float64(depth))
	m.queueDepthMax.Set(float64(max))
}

// ObserveStage records how long one processing stage took.
func (m *Metrics) ObserveStage(stage string, d time.Duration) {
	m.processingDuration.WithLabelValues(stage).Observe(float64(d.Milliseconds()))
}
