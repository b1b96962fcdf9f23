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

	ProviderRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "provider_requests_total",
			Help: "Total number of LLM provider calls by provider and outcome",
		},
		[]string{"provider", "outcome"},
	)
	ProviderRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "provider_request_duration_seconds",
			Help:    "LLM provider call duration in seconds",
			Buckets: []float64{0.25, 0.5, 1, 2, 5, 10, 30, 60, 120},
		},
		[]string{"provider"},
	)
	ProviderTokensTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "provider_tokens_total",
			Help: "Tokens bought from providers by direction (in/out)",
		},
		[]string{"provider", "direction"},
	)

	JobsEnqueuedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobs_enqueued_total",
			Help: "Total number of jobs enqueued",
		},
		[]string{"type"},
	)
	JobsRunning = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "jobs_running",
			Help: "Number of jobs currently running",
		},
		[]string{"type"},
	)
	JobsCompletedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobs_completed_total",
			Help: "Total number of jobs completed",
		},
		[]string{"type"},
	)
	JobsFailedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobs_failed_total",
			Help: "Total number of failed job attempts by settlement kind",
		},
		[]string{"type", "kind"},
	)
	JobsDeadLetteredTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobs_dead_lettered_total",
			Help: "Total number of jobs parked on the dead-letter queue",
		},
		[]string{"type"},
	)
	JobsBlockedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobs_blocked_total",
			Help: "Total number of jobs blocked by budget enforcement",
		},
		[]string{"type"},
	)
	RetriesScheduledTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "retries_scheduled_total",
			Help: "Total number of retries pushed to the delayed queue",
		},
		[]string{"type"},
	)

	JobCostDollars = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "job_cost_dollars",
			Help:    "Distribution of per-job provider spend in USD",
			Buckets: []float64{0.001, 0.01, 0.05, 0.1, 0.5, 1, 5, 10, 50},
		},
	)
	JobIterations = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "job_agent_iterations",
			Help:    "Distribution of agent loop iterations per run",
			Buckets: []float64{1, 2, 3, 5, 8, 12, 16, 20},
		},
	)

	CircuitStateGauge = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "circuit_state",
			Help: "Circuit state per provider (0 closed, 1 half-open, 2 open)",
		},
		[]string{"provider"},
	)
	CircuitTransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "circuit_transitions_total",
			Help: "Circuit state transitions per provider",
		},
		[]string{"provider", "to"},
	)

	QueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "queue_depth",
			Help: "Broker structure depths (incoming, delayed, reserved, dead)",
		},
		[]string{"queue"},
	)

	SandboxLaunchesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sandbox_launches_total",
			Help: "Sandbox container launches by outcome",
		},
		[]string{"outcome"},
	)
	SandboxesActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "sandboxes_active",
			Help: "Sandbox containers currently running",
		},
	)
	ToolCallsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tool_calls_total",
			Help: "Tool executions by tool name and outcome",
		},
		[]string{"tool", "outcome"},
	)
	ToolOutputTruncatedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tool_output_truncated_total",
			Help: "Tool outputs cut at the byte ceiling",
		},
		[]string{"tool"},
	)
	CostDriftGauge = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "job_cost_drift",
			Help: "Relative drift of recent average job cost from its baseline, per provider and model",
		},
		[]string{"provider", "model"},
	)
)

func InitMetrics() {
	prometheus.MustRegister(HTTPRequestsTotal)
	prometheus.MustRegister(HTTPRequestDuration)
	prometheus.MustRegister(ProviderRequestsTotal)
	prometheus.MustRegister(ProviderRequestDuration)
	prometheus.MustRegister(ProviderTokensTotal)
	prometheus.MustRegister(JobsEnqueuedTotal)
	prometheus.MustRegister(JobsRunning)
	prometheus.MustRegister(JobsCompletedTotal)
	prometheus.MustRegister(JobsFailedTotal)
	prometheus.MustRegister(JobsDeadLetteredTotal)
	prometheus.MustRegister(JobsBlockedTotal)
	prometheus.MustRegister(RetriesScheduledTotal)
	prometheus.MustRegister(JobCostDollars)
	prometheus.MustRegister(JobIterations)
	prometheus.MustRegister(CircuitStateGauge)
	prometheus.MustRegister(CircuitTransitionsTotal)
	prometheus.MustRegister(QueueDepth)
	prometheus.MustRegister(SandboxLaunchesTotal)
	prometheus.MustRegister(SandboxesActive)
	prometheus.MustRegister(ToolCallsTotal)
	prometheus.MustRegister(ToolOutputTruncatedTotal)
	prometheus.MustRegister(CostDriftGauge)
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
			// fallback when route pattern is unavailable
			route = r.URL.Path
		}
		method := r.Method
		status := ww.Status()
		HTTPRequestsTotal.WithLabelValues(route, method, http.StatusText(status)).Inc()
		HTTPRequestDuration.WithLabelValues(route, method).Observe(dur)
	})
}

func EnqueueJob(jobType string) {
	JobsEnqueuedTotal.WithLabelValues(jobType).Inc()
}

func StartJob(jobType string) {
	JobsRunning.WithLabelValues(jobType).Inc()
}

func CompleteJob(jobType string, cost float64, iterations int) {
	JobsRunning.WithLabelValues(jobType).Dec()
	JobsCompletedTotal.WithLabelValues(jobType).Inc()
	JobCostDollars.Observe(cost)
	JobIterations.Observe(float64(iterations))
}

func FailJob(jobType, kind string) {
	JobsRunning.WithLabelValues(jobType).Dec()
	JobsFailedTotal.WithLabelValues(jobType, kind).Inc()
}

func DeadLetterJob(jobType string) {
	JobsDeadLetteredTotal.WithLabelValues(jobType).Inc()
}

func BlockJob(jobType string) {
	JobsRunning.WithLabelValues(jobType).Dec()
	JobsBlockedTotal.WithLabelValues(jobType).Inc()
}

func ScheduleRetry(jobType string) {
	RetriesScheduledTotal.WithLabelValues(jobType).Inc()
}

// RecordProviderCall records one gateway invocation. Outcome is one of
// ok, unavailable, rejected.
func RecordProviderCall(provider, outcome string, dur time.Duration) {
	ProviderRequestsTotal.WithLabelValues(provider, outcome).Inc()
	ProviderRequestDuration.WithLabelValues(provider).Observe(dur.Seconds())
}

func RecordProviderTokens(provider string, tokensIn, tokensOut int64) {
	ProviderTokensTotal.WithLabelValues(provider, "in").Add(float64(tokensIn))
	ProviderTokensTotal.WithLabelValues(provider, "out").Add(float64(tokensOut))
}

// SetCircuitState mirrors a circuit transition into the state gauge.
func SetCircuitState(provider string, state int, name string) {
	CircuitStateGauge.WithLabelValues(provider).Set(float64(state))
	CircuitTransitionsTotal.WithLabelValues(provider, name).Inc()
}

func SetQueueDepths(incoming, delayed, reserved, dead int64) {
	QueueDepth.WithLabelValues("incoming").Set(float64(incoming))
	QueueDepth.WithLabelValues("delayed").Set(float64(delayed))
	QueueDepth.WithLabelValues("reserved").Set(float64(reserved))
	QueueDepth.WithLabelValues("dead").Set(float64(dead))
}

func RecordSandboxLaunch(outcome string) {
	SandboxLaunchesTotal.WithLabelValues(outcome).Inc()
	if outcome == "ok" {
		SandboxesActive.Inc()
	}
}

func RecordSandboxClose() {
	SandboxesActive.Dec()
}

func RecordToolCall(tool string, isError bool) {
	outcome := "ok"
	if isError {
		outcome = "error"
	}
	ToolCallsTotal.WithLabelValues(tool, outcome).Inc()
}

func RecordToolTruncation(tool string) {
	ToolOutputTruncatedTotal.WithLabelValues(tool).Inc()
}
