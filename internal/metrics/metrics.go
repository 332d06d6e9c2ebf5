// internal/metrics/metrics.go
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/FairForge/aura/internal/rules"
)

const namespace = "aura"

// Metrics holds all Prometheus metrics of the rule engine and its API
type Metrics struct {
	Cycles             prometheus.Counter
	AuraEvaluations    *prometheus.CounterVec
	RuleTriggers       *prometheus.CounterVec
	RuleSkips          *prometheus.CounterVec
	EvaluationDuration prometheus.Histogram
	SenseFetchErrors   prometheus.Counter
	DispatchFailures   prometheus.Counter
	RateLimitHits      *prometheus.CounterVec
	RequestCounter     *prometheus.CounterVec
	LatencyHistogram   *prometheus.HistogramVec

	registry *prometheus.Registry
}

// New creates all metrics on a private registry
func New() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		Cycles: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "evaluation_cycles_total",
			Help:      "Total number of scheduler evaluation cycles",
		}),
		AuraEvaluations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "aura_evaluations_total",
			Help:      "Per-Aura evaluations by outcome",
		}, []string{"outcome"}),
		RuleTriggers: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rule_triggers_total",
			Help:      "Rules that fired, by action type",
		}, []string{"action_type"}),
		RuleSkips: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rule_skips_total",
			Help:      "Rules that did not fire, by reason",
		}, []string{"reason"}),
		EvaluationDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "aura_evaluation_duration_seconds",
			Help:      "Time to fetch sensor data and evaluate one Aura",
			Buckets:   prometheus.DefBuckets,
		}),
		SenseFetchErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sense_fetch_errors_total",
			Help:      "Failed sensor data fetches",
		}),
		DispatchFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dispatch_failures_total",
			Help:      "Failed notification dispatches",
		}),
		RateLimitHits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rate_limit_hits_total",
			Help:      "Operations deferred by rate limiting",
		}, []string{"operation"}),
		RequestCounter: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "Total number of HTTP requests",
		}, []string{"method", "route", "status"}),
		LatencyHistogram: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "request_duration_seconds",
			Help:      "HTTP request latency in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route"}),
		registry: registry,
	}

	registry.MustRegister(
		m.Cycles,
		m.AuraEvaluations,
		m.RuleTriggers,
		m.RuleSkips,
		m.EvaluationDuration,
		m.SenseFetchErrors,
		m.DispatchFailures,
		m.RateLimitHits,
		m.RequestCounter,
		m.LatencyHistogram,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Registry returns the private registry
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler returns the Prometheus metrics handler
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveOutcome counts one rule outcome
func (m *Metrics) ObserveOutcome(rule rules.BehaviorRule, outcome rules.Outcome) {
	if outcome.Triggered {
		m.RuleTriggers.WithLabelValues(string(rule.Action.Type)).Inc()
		return
	}
	m.RuleSkips.WithLabelValues(string(outcome.Reason)).Inc()
}

// Observer adapts ObserveOutcome to a rules.Observer
func (m *Metrics) Observer() rules.Observer {
	return m.ObserveOutcome
}

// Middleware records request counts and latency by chi route pattern
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if p := rctx.RoutePattern(); p != "" {
				route = p
			}
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}

		m.RequestCounter.WithLabelValues(r.Method, route, strconv.Itoa(status)).Inc()
		m.LatencyHistogram.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
	})
}
