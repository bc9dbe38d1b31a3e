// Package metrics provides a Prometheus metrics registry for the gateway.
//
// All metrics are scoped to a private registry (not the global default) so
// they don't interfere with host-level metrics when embedded in other
// applications. The /metrics HTTP handler is exposed via Handler().
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttpadaptor"
)

// Registry holds all exported metrics.
type Registry struct {
	reg *prometheus.Registry

	// gateway_inflight_requests
	inFlight prometheus.Gauge

	// gateway_http_requests_total{route,status}
	httpRequestsTotal *prometheus.CounterVec

	// gateway_http_request_duration_seconds{route}
	httpDuration *prometheus.HistogramVec

	// gateway_completions_total{backend,status}
	completionsTotal *prometheus.CounterVec

	// gateway_completion_duration_seconds{backend,cache}
	completionDuration *prometheus.HistogramVec

	// gateway_backend_attempts_total{backend,outcome}
	backendAttempts *prometheus.CounterVec

	// gateway_backend_attempt_duration_seconds{backend,outcome}
	backendDuration *prometheus.HistogramVec

	// gateway_retries_total{backend}
	retriesTotal *prometheus.CounterVec

	// gateway_failover_events_total{from,to,reason}
	failoverEvents *prometheus.CounterVec

	// gateway_failover_exhausted_total{primary}
	failoverExhausted *prometheus.CounterVec

	// cache_hits_total / cache_misses_total
	cacheHits   prometheus.Counter
	cacheMisses prometheus.Counter

	// gateway_cache_operations_total{op,result}
	cacheOps *prometheus.CounterVec

	// gateway_backend_errors_total{backend,error_type}
	backendErrors *prometheus.CounterVec

	// gateway_quota_decisions_total{tier,result}
	quotaDecisions *prometheus.CounterVec

	// gateway_tokens_total{backend,direction,cache}
	tokensTotal *prometheus.CounterVec

	// gateway_estimated_cost_usd_total{backend,model}
	costTotal *prometheus.CounterVec

	// gateway_backend_health{backend}
	backendHealth *prometheus.GaugeVec

	// gateway_build_info{version}
	buildInfo *prometheus.GaugeVec

	metricsHandler fasthttp.RequestHandler
}

func New() *Registry {
	reg := prometheus.NewRegistry()

	// Baseline runtime metrics even with a private registry.
	reg.MustRegister(prometheus.NewGoCollector())
	reg.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	r := &Registry{
		reg: reg,

		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "gateway_inflight_requests",
			Help: "Current number of in-flight HTTP requests handled by the gateway",
		}),

		httpRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_http_requests_total",
				Help: "Total number of HTTP requests handled by the gateway",
			},
			[]string{"route", "status"},
		),

		httpDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "gateway_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds (end-to-end, includes cache + backend)",
				Buckets: []float64{0.001, 0.002, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 20, 30, 60},
			},
			[]string{"route"},
		),

		completionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_completions_total",
				Help: "Total number of completion requests by serving backend and outcome",
			},
			[]string{"backend", "status"},
		),

		completionDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "gateway_completion_duration_seconds",
				Help:    "End-to-end completion duration (gateway perspective) in seconds",
				Buckets: []float64{0.001, 0.002, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 20, 30, 60},
			},
			[]string{"backend", "cache"},
		),

		backendAttempts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_backend_attempts_total",
				Help: "Total backend attempts (includes retries and failovers)",
			},
			[]string{"backend", "outcome"},
		),

		backendDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "gateway_backend_attempt_duration_seconds",
				Help:    "Backend attempt duration in seconds",
				Buckets: []float64{0.001, 0.002, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 20, 30, 60},
			},
			[]string{"backend", "outcome"},
		),

		retriesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_retries_total",
				Help: "Retry attempts against the same backend after a transient failure",
			},
			[]string{"backend"},
		),

		failoverEvents: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_failover_events_total",
				Help: "Failover events between backends (emitted when switching to a different backend)",
			},
			[]string{"from", "to", "reason"},
		),

		failoverExhausted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_failover_exhausted_total",
				Help: "Requests that exhausted all candidate backends without success",
			},
			[]string{"primary"},
		),

		cacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cache_hits_total",
			Help: "Total cache hits",
		}),

		cacheMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cache_misses_total",
			Help: "Total cache misses",
		}),

		cacheOps: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_cache_operations_total",
				Help: "Cache operations by type and result",
			},
			[]string{"op", "result"},
		),

		backendErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_backend_errors_total",
				Help: "Total backend errors by type",
			},
			[]string{"backend", "error_type"},
		),

		quotaDecisions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_quota_decisions_total",
				Help: "Quota admission decisions by tier",
			},
			[]string{"tier", "result"},
		),

		tokensTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_tokens_total",
				Help: "Token usage totals (reported by backends or estimated)",
			},
			[]string{"backend", "direction", "cache"},
		),

		costTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_estimated_cost_usd_total",
				Help: "Estimated spend in USD by backend and model",
			},
			[]string{"backend", "model"},
		),

		backendHealth: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "gateway_backend_health",
				Help: "Backend health status (1=ok, 0=degraded)",
			},
			[]string{"backend"},
		),

		buildInfo: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "gateway_build_info",
				Help: "Build information",
			},
			[]string{"version"},
		),
	}

	reg.MustRegister(
		r.inFlight,
		r.httpRequestsTotal,
		r.httpDuration,
		r.completionsTotal,
		r.completionDuration,
		r.backendAttempts,
		r.backendDuration,
		r.retriesTotal,
		r.failoverEvents,
		r.failoverExhausted,
		r.cacheHits,
		r.cacheMisses,
		r.cacheOps,
		r.backendErrors,
		r.quotaDecisions,
		r.tokensTotal,
		r.costTotal,
		r.backendHealth,
		r.buildInfo,
	)

	h := promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
	r.metricsHandler = fasthttpadaptor.NewFastHTTPHandler(h)

	return r
}

func (r *Registry) IncInFlight() { r.inFlight.Inc() }
func (r *Registry) DecInFlight() { r.inFlight.Dec() }

// ObserveHTTP records end-to-end HTTP metrics.
func (r *Registry) ObserveHTTP(route string, statusCode int, dur time.Duration) {
	status := strconv.Itoa(statusCode)
	r.httpRequestsTotal.WithLabelValues(route, status).Inc()
	r.httpDuration.WithLabelValues(route).Observe(dur.Seconds())
}

// ObserveCompletion records one completion request outcome.
func (r *Registry) ObserveCompletion(backend, status string, cached bool, dur time.Duration) {
	r.completionsTotal.WithLabelValues(backend, status).Inc()
	r.completionDuration.WithLabelValues(backend, cacheLabel(cached)).Observe(dur.Seconds())
}

// ObserveBackendAttempt records one backend attempt.
func (r *Registry) ObserveBackendAttempt(backend, outcome string, dur time.Duration) {
	r.backendAttempts.WithLabelValues(backend, outcome).Inc()
	r.backendDuration.WithLabelValues(backend, outcome).Observe(dur.Seconds())
}

func (r *Registry) RecordRetry(backend string) {
	r.retriesTotal.WithLabelValues(backend).Inc()
}

func (r *Registry) RecordFailover(from, to, reason string) {
	r.failoverEvents.WithLabelValues(from, to, reason).Inc()
}

func (r *Registry) RecordFailoverExhausted(primary string) {
	r.failoverExhausted.WithLabelValues(primary).Inc()
}

func (r *Registry) RecordQuota(tier string, allowed bool) {
	result := "denied"
	if allowed {
		result = "allowed"
	}
	r.quotaDecisions.WithLabelValues(tier, result).Inc()
}

func (r *Registry) CacheGetHit() {
	r.cacheHits.Inc()
	r.cacheOps.WithLabelValues("get", "hit").Inc()
}

func (r *Registry) CacheGetMiss() {
	r.cacheMisses.Inc()
	r.cacheOps.WithLabelValues("get", "miss").Inc()
}

func (r *Registry) CacheGetBypass() {
	r.cacheOps.WithLabelValues("get", "bypass").Inc()
}

func (r *Registry) CacheSetOK() {
	r.cacheOps.WithLabelValues("set", "ok").Inc()
}

func (r *Registry) CacheSetError() {
	r.cacheOps.WithLabelValues("set", "error").Inc()
}

func (r *Registry) AddTokens(backend string, promptTokens, completionTokens int, cached bool) {
	cache := cacheLabel(cached)
	if promptTokens > 0 {
		r.tokensTotal.WithLabelValues(backend, "prompt", cache).Add(float64(promptTokens))
	}
	if completionTokens > 0 {
		r.tokensTotal.WithLabelValues(backend, "completion", cache).Add(float64(completionTokens))
	}
	if promptTokens+completionTokens > 0 {
		r.tokensTotal.WithLabelValues(backend, "total", cache).Add(float64(promptTokens + completionTokens))
	}
}

func (r *Registry) AddCost(backend, model string, usd float64) {
	if usd > 0 {
		r.costTotal.WithLabelValues(backend, model).Add(usd)
	}
}

// RegisterDroppedUsageFunc exports the usage recorder's drop counter. Called
// once at wiring time; f must be safe for concurrent use.
func (r *Registry) RegisterDroppedUsageFunc(f func() float64) {
	r.reg.MustRegister(prometheus.NewCounterFunc(prometheus.CounterOpts{
		Name: "gateway_usage_events_dropped_total",
		Help: "Usage events dropped because the recorder buffer was full",
	}, f))
}

func (r *Registry) SetBackendHealth(backend string, ok bool) {
	if ok {
		r.backendHealth.WithLabelValues(backend).Set(1)
		return
	}
	r.backendHealth.WithLabelValues(backend).Set(0)
}

func (r *Registry) SetBuildInfo(version string) {
	// Gauge is used so the time series always exists.
	r.buildInfo.WithLabelValues(version).Set(1)
}

func (r *Registry) RecordError(backend, errType string) {
	r.backendErrors.WithLabelValues(backend, errType).Inc()
}

func (r *Registry) Handler() fasthttp.RequestHandler {
	return r.metricsHandler
}

func (r *Registry) PromRegistry() *prometheus.Registry { return r.reg }

func cacheLabel(cached bool) string {
	if cached {
		return "hit"
	}
	return "miss"
}
