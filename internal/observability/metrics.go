package observability

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Histogram bucket definitions.
var (
	httpDurationBuckets       = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}
	backendDurationBuckets    = []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}
	generationDurationBuckets = []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120, 300, 600}
)

// Metrics holds all Prometheus metric instruments.
type Metrics struct {
	// HTTP gateway
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// Tools
	ToolCallsTotal   *prometheus.CounterVec
	ToolCallDuration *prometheus.HistogramVec

	// Generations
	GenerationsTotal            *prometheus.CounterVec
	GenerationDuration          *prometheus.HistogramVec
	ParameterValidationFailures *prometheus.CounterVec
	ArtifactsProducedTotal      *prometheus.CounterVec

	// Backend
	BackendRequestsTotal       *prometheus.CounterVec
	BackendRequestDuration     *prometheus.HistogramVec
	BackendCircuitBreakerState prometheus.Gauge
	BackendRetriesTotal        *prometheus.CounterVec

	// Templates
	TemplateCacheHitsTotal   prometheus.Counter
	TemplateCacheMissesTotal prometheus.Counter
	TemplateReloadTotal      prometheus.Counter
	TemplatesLoaded          prometheus.Gauge
}

// InitMetrics creates and registers all Prometheus metric instruments.
func InitMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "comfyflow_http_requests_total",
			Help: "Total number of HTTP gateway requests.",
		}, []string{"method", "path_pattern", "status"}),
		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "comfyflow_http_request_duration_seconds",
			Help:    "HTTP gateway request duration in seconds.",
			Buckets: httpDurationBuckets,
		}, []string{"method", "path_pattern"}),

		ToolCallsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "comfyflow_tool_calls_total",
			Help: "Total number of tool invocations.",
		}, []string{"tool", "status"}),
		ToolCallDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "comfyflow_tool_call_duration_seconds",
			Help:    "Tool invocation duration in seconds.",
			Buckets: generationDurationBuckets,
		}, []string{"tool"}),

		GenerationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "comfyflow_generations_total",
			Help: "Total number of generation requests.",
		}, []string{"template_id", "status"}),
		GenerationDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "comfyflow_generation_duration_seconds",
			Help:    "End-to-end generation duration in seconds.",
			Buckets: generationDurationBuckets,
		}, []string{"template_id"}),
		ParameterValidationFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "comfyflow_parameter_validation_failures_total",
			Help: "Total number of template parameter validation failures.",
		}, []string{"template_id"}),
		ArtifactsProducedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "comfyflow_artifacts_produced_total",
			Help: "Total number of artifact paths returned by generations.",
		}, []string{"template_id"}),

		BackendRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "comfyflow_backend_requests_total",
			Help: "Total number of render backend requests.",
		}, []string{"operation", "status"}),
		BackendRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "comfyflow_backend_request_duration_seconds",
			Help:    "Render backend request duration in seconds.",
			Buckets: backendDurationBuckets,
		}, []string{"operation"}),
		BackendCircuitBreakerState: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "comfyflow_backend_circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=half-open, 2=open).",
		}),
		BackendRetriesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "comfyflow_backend_retries_total",
			Help: "Total number of render backend request retries.",
		}, []string{"operation"}),

		TemplateCacheHitsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "comfyflow_template_cache_hits_total",
			Help: "Total template cache hits.",
		}),
		TemplateCacheMissesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "comfyflow_template_cache_misses_total",
			Help: "Total template cache misses.",
		}),
		TemplateReloadTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "comfyflow_template_reload_total",
			Help: "Total template cache invalidations.",
		}),
		TemplatesLoaded: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "comfyflow_templates_loaded",
			Help: "Number of templates held in the cache.",
		}),
	}

	reg.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.ToolCallsTotal,
		m.ToolCallDuration,
		m.GenerationsTotal,
		m.GenerationDuration,
		m.ParameterValidationFailures,
		m.ArtifactsProducedTotal,
		m.BackendRequestsTotal,
		m.BackendRequestDuration,
		m.BackendCircuitBreakerState,
		m.BackendRetriesTotal,
		m.TemplateCacheHitsTotal,
		m.TemplateCacheMissesTotal,
		m.TemplateReloadTotal,
		m.TemplatesLoaded,
	)

	return m
}

// --- Recording helpers ---
//
// Every helper is safe to call on a nil *Metrics so components can run
// without instrumentation.

// RecordHTTPRequest records HTTP gateway request metrics.
func (m *Metrics) RecordHTTPRequest(method, pathPattern string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	m.HTTPRequestsTotal.WithLabelValues(method, pathPattern, strconv.Itoa(status)).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, pathPattern).Observe(duration.Seconds())
}

// RecordToolCall records a tool invocation.
func (m *Metrics) RecordToolCall(tool, status string, duration time.Duration) {
	if m == nil {
		return
	}
	m.ToolCallsTotal.WithLabelValues(tool, status).Inc()
	m.ToolCallDuration.WithLabelValues(tool).Observe(duration.Seconds())
}

// RecordGeneration records a finished generation and its artifact count.
func (m *Metrics) RecordGeneration(templateID, status string, duration time.Duration, artifacts int) {
	if m == nil {
		return
	}
	m.GenerationsTotal.WithLabelValues(templateID, status).Inc()
	m.GenerationDuration.WithLabelValues(templateID).Observe(duration.Seconds())
	if artifacts > 0 {
		m.ArtifactsProducedTotal.WithLabelValues(templateID).Add(float64(artifacts))
	}
}

// RecordParameterValidationFailure records a rejected instantiation.
func (m *Metrics) RecordParameterValidationFailure(templateID string) {
	if m == nil {
		return
	}
	m.ParameterValidationFailures.WithLabelValues(templateID).Inc()
}

// RecordBackendRequest records a render backend request.
func (m *Metrics) RecordBackendRequest(operation string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	m.BackendRequestsTotal.WithLabelValues(operation, strconv.Itoa(status)).Inc()
	m.BackendRequestDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

// SetBackendCircuitBreakerState sets the circuit breaker state.
// State: 0=closed, 1=half-open, 2=open.
func (m *Metrics) SetBackendCircuitBreakerState(state float64) {
	if m == nil {
		return
	}
	m.BackendCircuitBreakerState.Set(state)
}

// RecordBackendRetry records a render backend request retry.
func (m *Metrics) RecordBackendRetry(operation string) {
	if m == nil {
		return
	}
	m.BackendRetriesTotal.WithLabelValues(operation).Inc()
}

// RecordTemplateCacheHit records a template cache hit.
func (m *Metrics) RecordTemplateCacheHit() {
	if m == nil {
		return
	}
	m.TemplateCacheHitsTotal.Inc()
}

// RecordTemplateCacheMiss records a template cache miss.
func (m *Metrics) RecordTemplateCacheMiss() {
	if m == nil {
		return
	}
	m.TemplateCacheMissesTotal.Inc()
}

// RecordTemplateReload records a cache invalidation.
func (m *Metrics) RecordTemplateReload() {
	if m == nil {
		return
	}
	m.TemplateReloadTotal.Inc()
}

// SetTemplatesLoaded sets the number of cached templates.
func (m *Metrics) SetTemplatesLoaded(count int) {
	if m == nil {
		return
	}
	m.TemplatesLoaded.Set(float64(count))
}

// --- HTTP Middleware ---

// MetricsMiddleware returns HTTP middleware that records request metrics using
// chi's route pattern (not the actual URL path) to avoid label cardinality
// explosion.
func (m *Metrics) MetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(sw, r)

		m.RecordHTTPRequest(r.Method, routePattern(r), sw.status, time.Since(start))
	})
}

// Handler returns the Prometheus HTTP handler for the given gatherer.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

// routePattern extracts chi's route pattern from the request context.
// Falls back to the raw URL path if no pattern is found.
func routePattern(r *http.Request) string {
	rctx := chi.RouteContext(r.Context())
	if rctx == nil {
		return r.URL.Path
	}
	pattern := strings.Join(rctx.RoutePatterns, "")
	pattern = strings.TrimSuffix(pattern, "/*")
	if pattern == "" {
		return r.URL.Path
	}
	return pattern
}

// statusRecorder wraps http.ResponseWriter to capture the status code.
type statusRecorder struct {
	http.ResponseWriter
	status  int
	written bool
}

func (w *statusRecorder) WriteHeader(code int) {
	if !w.written {
		w.status = code
		w.written = true
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusRecorder) Write(b []byte) (int, error) {
	w.written = true
	return w.ResponseWriter.Write(b)
}

// Flush forwards to the underlying writer when it supports streaming.
func (w *statusRecorder) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}
