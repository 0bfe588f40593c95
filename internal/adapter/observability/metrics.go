package observability

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"route", "method", "status"},
	)
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		},
		[]string{"route", "method"},
	)

	EventsAppendedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "outbox_events_appended_total",
			Help: "Total number of events appended to the outbox log",
		},
	)
	EventsDispatchedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "outbox_events_dispatched_total",
			Help: "Total number of events observed by a listener batch",
		},
		[]string{"listener"},
	)
	DispatchBatchDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "outbox_dispatch_batch_duration_seconds",
			Help:    "Duration of one cursor-locked listener batch",
			Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		},
		[]string{"listener"},
	)
	DebounceFiresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "outbox_debounce_fires_total",
			Help: "Debouncer fires by cause",
		},
		[]string{"listener", "cause"},
	)
	LeaseAcquisitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cursor_lease_acquisitions_total",
			Help: "Cursor lease acquisition attempts by outcome",
		},
		[]string{"listener", "outcome"},
	)
	LeaseLostTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cursor_lease_lost_total",
			Help: "Cursor leases lost mid-batch (heartbeat extension failed)",
		},
		[]string{"listener"},
	)

	JobsEnqueuedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobs_enqueued_total",
			Help: "Total number of jobs enqueued",
		},
		[]string{"queue"},
	)
	JobsProcessing = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "jobs_processing",
			Help: "Number of jobs currently processing",
		},
		[]string{"queue"},
	)
	JobsCompletedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobs_completed_total",
			Help: "Total number of jobs completed",
		},
		[]string{"queue"},
	)
	JobsFailedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobs_failed_total",
			Help: "Total number of job attempts that failed",
		},
		[]string{"queue"},
	)
	JobsDeadTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobs_dead_total",
			Help: "Total number of jobs moved to the dead state",
		},
		[]string{"queue"},
	)
	JobsReapedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobs_reaped_total",
			Help: "Running jobs returned to pending after lease expiry",
		},
		[]string{"queue"},
	)
	JobDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "job_duration_seconds",
			Help:    "Job handler duration in seconds",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
		},
		[]string{"queue"},
	)

	AIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ai_requests_total",
			Help: "Total number of AI requests by provider and operation",
		},
		[]string{"provider", "operation"},
	)
	AIRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ai_request_duration_seconds",
			Help:    "AI request duration in seconds",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
		},
		[]string{"provider", "operation"},
	)
	AITokensTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ai_tokens_total",
			Help: "Tokens consumed by model and kind",
		},
		[]string{"model", "kind"},
	)
	AICostUSDTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ai_cost_usd_total",
			Help: "Cost in USD by model",
		},
		[]string{"model"},
	)
	BudgetChecksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "budget_checks_total",
			Help: "Budget checks by verdict",
		},
		[]string{"reason"},
	)

	RetrievalIterations = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "retrieval_iterations",
			Help:    "Iterations per retrieval loop invocation",
			Buckets: []float64{0, 1, 2, 3, 4, 5},
		},
	)
	RetrievalSearchesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "retrieval_searches_total",
			Help: "Executed retrieval searches by target and type",
		},
		[]string{"target", "type"},
	)
	RetrievalCacheTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "retrieval_cache_total",
			Help: "Retrieval cache lookups by outcome",
		},
		[]string{"outcome"},
	)

	RelayPublishedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "relay_events_published_total",
			Help: "Events mirrored to the external stream",
		},
	)

	PipelinePhaseDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "pipeline_phase_duration_seconds",
			Help:    "Duration of handler phases",
			Buckets: []float64{0.05, 0.1, 0.2, 0.5, 1, 2, 5, 10, 30, 60},
		},
		[]string{"task", "phase"},
	)

	CircuitBreakerGauge = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "circuit_breaker_state",
			Help: "Circuit breaker state (0 closed, 1 open, 2 half-open)",
		},
		[]string{"name"},
	)
)

func InitMetrics() {
	prometheus.MustRegister(HTTPRequestsTotal)
	prometheus.MustRegister(HTTPRequestDuration)
	prometheus.MustRegister(EventsAppendedTotal)
	prometheus.MustRegister(EventsDispatchedTotal)
	prometheus.MustRegister(DispatchBatchDuration)
	prometheus.MustRegister(DebounceFiresTotal)
	prometheus.MustRegister(LeaseAcquisitionsTotal)
	prometheus.MustRegister(LeaseLostTotal)
	prometheus.MustRegister(JobsEnqueuedTotal)
	prometheus.MustRegister(JobsProcessing)
	prometheus.MustRegister(JobsCompletedTotal)
	prometheus.MustRegister(JobsFailedTotal)
	prometheus.MustRegister(JobsDeadTotal)
	prometheus.MustRegister(JobsReapedTotal)
	prometheus.MustRegister(JobDuration)
	prometheus.MustRegister(AIRequestsTotal)
	prometheus.MustRegister(AIRequestDuration)
	prometheus.MustRegister(AITokensTotal)
	prometheus.MustRegister(AICostUSDTotal)
	prometheus.MustRegister(BudgetChecksTotal)
	prometheus.MustRegister(RetrievalIterations)
	prometheus.MustRegister(RetrievalSearchesTotal)
	prometheus.MustRegister(RetrievalCacheTotal)
	prometheus.MustRegister(RelayPublishedTotal)
	prometheus.MustRegister(PipelinePhaseDuration)
	prometheus.MustRegister(CircuitBreakerGauge)
}

// HTTPMetricsMiddleware records Prometheus metrics for each request.
func HTTPMetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		dur := time.Since(start).Seconds()
		// Route pattern may be unavailable outside chi router; guard nil
		var route string
		if rc := chi.RouteContext(r.Context()); rc != nil {
			route = rc.RoutePattern()
		}
		if route == "" {
			route = r.URL.Path
		}
		method := r.Method
		status := ww.Status()
		HTTPRequestsTotal.WithLabelValues(route, method, http.StatusText(status)).Inc()
		HTTPRequestDuration.WithLabelValues(route, method).Observe(dur)
	})
}

func EnqueueJob(queue string) {
	JobsEnqueuedTotal.WithLabelValues(queue).Inc()
}

func StartProcessingJob(queue string) {
	JobsProcessing.WithLabelValues(queue).Inc()
}

func CompleteJob(queue string) {
	JobsProcessing.WithLabelValues(queue).Dec()
	JobsCompletedTotal.WithLabelValues(queue).Inc()
}

func FailJob(queue string) {
	JobsProcessing.WithLabelValues(queue).Dec()
	JobsFailedTotal.WithLabelValues(queue).Inc()
}

// ObserveUsage records token and cost counters for one provider call.
func ObserveUsage(model string, promptTokens, completionTokens int, costUSD float64) {
	if promptTokens > 0 {
		AITokensTotal.WithLabelValues(model, "prompt").Add(float64(promptTokens))
	}
	if completionTokens > 0 {
		AITokensTotal.WithLabelValues(model, "completion").Add(float64(completionTokens))
	}
	if costUSD > 0 {
		AICostUSDTotal.WithLabelValues(model).Add(costUSD)
	}
}

// RecordCircuitBreakerStatus exports the state of a named breaker.
func RecordCircuitBreakerStatus(name string, state int) {
	CircuitBreakerGauge.WithLabelValues(name).Set(float64(state))
}
