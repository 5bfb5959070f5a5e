package telemetry

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "agentcrew"

// Metrics holds the Prometheus collectors for pipeline execution. A nil
// *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	RunTransitions   *prometheus.CounterVec
	StageAttempts    *prometheus.CounterVec
	StageDuration    *prometheus.HistogramVec
	StageCost        *prometheus.CounterVec
	BudgetDenials    *prometheus.CounterVec
	ActiveRuns       prometheus.Gauge
	ServiceStatus    *prometheus.GaugeVec
	HTTPRequests     *prometheus.CounterVec
	HTTPRequestTimes *prometheus.HistogramVec
}

// NewMetrics creates collectors registered on a private registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		RunTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "run_transitions_total",
			Help:      "Pipeline run status transitions by target status",
		}, []string{"status"}),
		StageAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stage_attempts_total",
			Help:      "Stage execution attempts by stage and outcome",
		}, []string{"stage", "outcome"}),
		StageDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "stage_duration_seconds",
			Help:      "Duration of stage attempts in seconds",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600, 1200},
		}, []string{"stage"}),
		StageCost: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stage_cost_usd_total",
			Help:      "Reported agent spend in USD by stage",
		}, []string{"stage"}),
		BudgetDenials: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "budget_denials_total",
			Help:      "Stages refused by the cost guard by budget",
		}, []string{"budget"}),
		ActiveRuns: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_runs",
			Help:      "Pipeline runs currently advancing",
		}),
		ServiceStatus: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "service_healthy",
			Help:      "1 when the last probe of a service reported healthy",
		}, []string{"service"}),
		HTTPRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "API requests by route and status code",
		}, []string{"method", "route", "status_code"}),
		HTTPRequestTimes: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "API request latency in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route"}),
	}
	reg.MustRegister(
		m.RunTransitions,
		m.StageAttempts,
		m.StageDuration,
		m.StageCost,
		m.BudgetDenials,
		m.ActiveRuns,
		m.ServiceStatus,
		m.HTTPRequests,
		m.HTTPRequestTimes,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Registry exposes the underlying registry for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RecordTransition counts a run moving into status.
func (m *Metrics) RecordTransition(status string) {
	if m == nil {
		return
	}
	m.RunTransitions.WithLabelValues(status).Inc()
}

// RecordAttempt records one stage attempt.
func (m *Metrics) RecordAttempt(stage, outcome string, duration time.Duration, costUSD float64) {
	if m == nil {
		return
	}
	m.StageAttempts.WithLabelValues(stage, outcome).Inc()
	m.StageDuration.WithLabelValues(stage).Observe(duration.Seconds())
	if costUSD > 0 {
		m.StageCost.WithLabelValues(stage).Add(costUSD)
	}
}

// RecordDenial counts a cost guard refusal.
func (m *Metrics) RecordDenial(budget string) {
	if m == nil {
		return
	}
	m.BudgetDenials.WithLabelValues(budget).Inc()
}

// RunStarted and RunFinished bracket a run goroutine.
func (m *Metrics) RunStarted() {
	if m == nil {
		return
	}
	m.ActiveRuns.Inc()
}

func (m *Metrics) RunFinished() {
	if m == nil {
		return
	}
	m.ActiveRuns.Dec()
}

// RecordService stores the latest probe outcome for a service.
func (m *Metrics) RecordService(service string, healthy bool) {
	if m == nil {
		return
	}
	value := 0.0
	if healthy {
		value = 1
	}
	m.ServiceStatus.WithLabelValues(service).Set(value)
}

// RecordHTTPRequest records an API request.
func (m *Metrics) RecordHTTPRequest(method, route string, statusCode int, duration time.Duration) {
	if m == nil {
		return
	}
	m.HTTPRequests.WithLabelValues(method, route, strconv.Itoa(statusCode)).Inc()
	m.HTTPRequestTimes.WithLabelValues(method, route).Observe(duration.Seconds())
}
