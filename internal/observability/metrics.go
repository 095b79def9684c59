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
	httpDurationBuckets   = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}
	stepDurationBuckets   = []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5}
	mailerDurationBuckets = []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}
)

// Metrics holds all Prometheus metric instruments for the engine.
type Metrics struct {
	// HTTP metrics
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// Trigger gateway metrics
	TriggersReceivedTotal *prometheus.CounterVec
	TriggersMatchedTotal  *prometheus.CounterVec
	ExecutionsCreated     *prometheus.CounterVec
	ExecutionsSkipped     *prometheus.CounterVec

	// Executor metrics
	ExecutionsProcessedTotal *prometheus.CounterVec
	ExecutionsCompletedTotal *prometheus.CounterVec
	ExecutionsFailedTotal    *prometheus.CounterVec
	ExecutorPassDuration     prometheus.Histogram
	ExecutorBatchSize        prometheus.Histogram
	StepDuration             *prometheus.HistogramVec

	// Mailer metrics
	MailerRequestsTotal       *prometheus.CounterVec
	MailerRequestDuration     prometheus.Histogram
	MailerRetriesTotal        prometheus.Counter
	MailerCircuitBreakerState prometheus.Gauge
}

// InitMetrics creates and registers all Prometheus metric instruments.
func InitMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		// HTTP
		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "flowline_http_requests_total",
			Help: "Total number of HTTP requests.",
		}, []string{"method", "path_pattern", "status"}),
		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "flowline_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds.",
			Buckets: httpDurationBuckets,
		}, []string{"method", "path_pattern"}),

		// Trigger gateway
		TriggersReceivedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "flowline_triggers_received_total",
			Help: "Total number of trigger requests received.",
		}, []string{"trigger_type"}),
		TriggersMatchedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "flowline_triggers_matched_total",
			Help: "Total number of flows matched by a trigger.",
		}, []string{"trigger_type"}),
		ExecutionsCreated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "flowline_executions_created_total",
			Help: "Total number of executions created by the trigger gateway.",
		}, []string{"trigger_type"}),
		ExecutionsSkipped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "flowline_executions_skipped_total",
			Help: "Total number of executions skipped because one already existed.",
		}, []string{"trigger_type"}),

		// Executor
		ExecutionsProcessedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "flowline_executions_processed_total",
			Help: "Total number of execution advances attempted.",
		}, []string{"result"}),
		ExecutionsCompletedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "flowline_executions_completed_total",
			Help: "Total number of executions that reached a terminal status.",
		}, []string{"final_status"}),
		ExecutionsFailedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "flowline_executions_failed_total",
			Help: "Total number of execution advances that ended in failure.",
		}, []string{"step_type"}),
		ExecutorPassDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "flowline_executor_pass_duration_seconds",
			Help:    "Executor pass duration in seconds.",
			Buckets: stepDurationBuckets,
		}),
		ExecutorBatchSize: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "flowline_executor_batch_size",
			Help:    "Number of due executions claimed per executor pass.",
			Buckets: []float64{0, 1, 5, 10, 25, 50, 100},
		}),
		StepDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "flowline_step_duration_seconds",
			Help:    "Step interpretation duration in seconds.",
			Buckets: stepDurationBuckets,
		}, []string{"step_type"}),

		// Mailer
		MailerRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "flowline_mailer_requests_total",
			Help: "Total number of transactional email requests.",
		}, []string{"email_type", "status"}),
		MailerRequestDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "flowline_mailer_request_duration_seconds",
			Help:    "Mailer request duration in seconds.",
			Buckets: mailerDurationBuckets,
		}),
		MailerRetriesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "flowline_mailer_retries_total",
			Help: "Total number of mailer request retries.",
		}),
		MailerCircuitBreakerState: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "flowline_mailer_circuit_breaker_state",
			Help: "Mailer circuit breaker state (0=closed, 1=half-open, 2=open).",
		}),
	}

	reg.MustRegister(
		// HTTP
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		// Trigger gateway
		m.TriggersReceivedTotal,
		m.TriggersMatchedTotal,
		m.ExecutionsCreated,
		m.ExecutionsSkipped,
		// Executor
		m.ExecutionsProcessedTotal,
		m.ExecutionsCompletedTotal,
		m.ExecutionsFailedTotal,
		m.ExecutorPassDuration,
		m.ExecutorBatchSize,
		m.StepDuration,
		// Mailer
		m.MailerRequestsTotal,
		m.MailerRequestDuration,
		m.MailerRetriesTotal,
		m.MailerCircuitBreakerState,
	)

	return m
}

// --- Recording helpers ---

// RecordHTTPRequest records HTTP request metrics.
func (m *Metrics) RecordHTTPRequest(method, pathPattern string, status int, duration time.Duration) {
	m.HTTPRequestsTotal.WithLabelValues(method, pathPattern, strconv.Itoa(status)).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, pathPattern).Observe(duration.Seconds())
}

// RecordTrigger records a received trigger and the number of flows it matched.
func (m *Metrics) RecordTrigger(triggerType string, matched int) {
	m.TriggersReceivedTotal.WithLabelValues(triggerType).Inc()
	m.TriggersMatchedTotal.WithLabelValues(triggerType).Add(float64(matched))
}

// RecordExecutionCreated records a newly created execution.
func (m *Metrics) RecordExecutionCreated(triggerType string) {
	m.ExecutionsCreated.WithLabelValues(triggerType).Inc()
}

// RecordExecutionSkipped records a trigger that matched an existing execution.
func (m *Metrics) RecordExecutionSkipped(triggerType string) {
	m.ExecutionsSkipped.WithLabelValues(triggerType).Inc()
}

// RecordExecutionProcessed records one execution advance attempt.
func (m *Metrics) RecordExecutionProcessed(result string) {
	m.ExecutionsProcessedTotal.WithLabelValues(result).Inc()
}

// RecordExecutionCompleted records an execution reaching a terminal status.
func (m *Metrics) RecordExecutionCompleted(finalStatus string) {
	m.ExecutionsCompletedTotal.WithLabelValues(finalStatus).Inc()
}

// RecordExecutionFailed records an advance that ended in failure.
func (m *Metrics) RecordExecutionFailed(stepType string) {
	m.ExecutionsFailedTotal.WithLabelValues(stepType).Inc()
}

// RecordExecutorPass records the duration and batch size of one executor pass.
func (m *Metrics) RecordExecutorPass(duration time.Duration, batchSize int) {
	m.ExecutorPassDuration.Observe(duration.Seconds())
	m.ExecutorBatchSize.Observe(float64(batchSize))
}

// RecordStepDuration records the duration of a single step interpretation.
func (m *Metrics) RecordStepDuration(stepType string, duration time.Duration) {
	m.StepDuration.WithLabelValues(stepType).Observe(duration.Seconds())
}

// RecordMailerRequest records a transactional email request.
func (m *Metrics) RecordMailerRequest(emailType string, status int, duration time.Duration) {
	m.MailerRequestsTotal.WithLabelValues(emailType, strconv.Itoa(status)).Inc()
	m.MailerRequestDuration.Observe(duration.Seconds())
}

// RecordMailerRetry records a mailer request retry.
func (m *Metrics) RecordMailerRetry() {
	m.MailerRetriesTotal.Inc()
}

// SetMailerCircuitBreakerState sets the mailer circuit breaker state.
// State: 0=closed, 1=half-open, 2=open.
func (m *Metrics) SetMailerCircuitBreakerState(state float64) {
	m.MailerCircuitBreakerState.Set(state)
}

// --- HTTP Middleware ---

// MetricsMiddleware returns HTTP middleware that records request metrics using
// chi's route pattern (not the actual URL path) to avoid label cardinality
// explosion.
func (m *Metrics) MetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &metricsResponseWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(sw, r)

		m.RecordHTTPRequest(r.Method, routePattern(r), sw.status, time.Since(start))
	})
}

// Handler returns the Prometheus HTTP handler for the /metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// routePattern extracts chi's route pattern from the request context.
// Falls back to the raw URL path if no pattern is found.
func routePattern(r *http.Request) string {
	rctx := chi.RouteContext(r.Context())
	if rctx == nil {
		return r.URL.Path
	}
	pattern := strings.Join(rctx.RoutePatterns, "")
	// chi route patterns have trailing /*, remove it.
	pattern = strings.TrimSuffix(pattern, "/*")
	if pattern == "" {
		return r.URL.Path
	}
	return pattern
}

// metricsResponseWriter wraps http.ResponseWriter to capture the status code.
type metricsResponseWriter struct {
	http.ResponseWriter
	status  int
	written bool
}

func (w *metricsResponseWriter) WriteHeader(code int) {
	if !w.written {
		w.status = code
		w.written = true
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *metricsResponseWriter) Write(b []byte) (int, error) {
	if !w.written {
		w.written = true
	}
	return w.ResponseWriter.Write(b)
}
