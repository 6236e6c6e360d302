package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/zhaobenny/tokentracker/internal/model"
)

// Metrics holds the proxy's collectors. A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	RequestsTotal    *prometheus.CounterVec
	UpstreamFailures *prometheus.CounterVec
	TokensTotal      *prometheus.CounterVec
	InFlight         prometheus.Gauge
	RequestDuration  prometheus.Histogram
	RecordsWritten   prometheus.Counter
	RecordsDropped   prometheus.Counter
}

// New creates the collectors on a private registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		RequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tokentracker_requests_total",
				Help: "Proxied requests by upstream status code",
			},
			[]string{"code"},
		),
		UpstreamFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tokentracker_upstream_failures_total",
				Help: "Requests that never received an upstream response",
			},
			[]string{"reason"},
		),
		TokensTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tokentracker_tokens_total",
				Help: "Tokens observed in upstream responses",
			},
			[]string{"model", "type"},
		),
		InFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tokentracker_in_flight_requests",
			Help: "Proxied requests currently in progress",
		}),
		RequestDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "tokentracker_request_duration_seconds",
			Help:    "Wall time of proxied requests, including streaming",
			Buckets: []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300, 600},
		}),
		RecordsWritten: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tokentracker_records_written_total",
			Help: "Usage records persisted",
		}),
		RecordsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tokentracker_records_dropped_total",
			Help: "Usage records lost after a failed retry",
		}),
	}

	m.registry.MustRegister(
		m.RequestsTotal,
		m.UpstreamFailures,
		m.TokensTotal,
		m.InFlight,
		m.RequestDuration,
		m.RecordsWritten,
		m.RecordsDropped,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RequestStarted increments the in-flight gauge.
func (m *Metrics) RequestStarted() {
	if m == nil {
		return
	}
	m.InFlight.Inc()
}

// RequestFinished records the outcome of one proxied request.
func (m *Metrics) RequestFinished(rec *model.UsageRecord, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.InFlight.Dec()
	m.RequestDuration.Observe(elapsed.Seconds())
	m.RequestsTotal.WithLabelValues(strconv.Itoa(rec.StatusCode)).Inc()

	u := rec.Usage
	for typ, n := range map[string]int64{
		"input":          u.InputTokens,
		"output":         u.OutputTokens,
		"cache_creation": u.CacheCreationInputTokens,
		"cache_read":     u.CacheReadInputTokens,
	} {
		if n > 0 {
			m.TokensTotal.WithLabelValues(rec.Model, typ).Add(float64(n))
		}
	}
}

// UpstreamFailed counts a request that got no upstream response.
func (m *Metrics) UpstreamFailed(reason string) {
	if m == nil {
		return
	}
	m.UpstreamFailures.WithLabelValues(reason).Inc()
}

// RecordWritten counts a persisted record.
func (m *Metrics) RecordWritten() {
	if m == nil {
		return
	}
	m.RecordsWritten.Inc()
}

// RecordDropped counts a record lost to a storage failure.
func (m *Metrics) RecordDropped() {
	if m == nil {
		return
	}
	m.RecordsDropped.Inc()
}
