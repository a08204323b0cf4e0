package observability

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// HTTP metrics
	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "concierge_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "concierge_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// Turn metrics
	turnsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "concierge_turns_total",
			Help: "Total number of conversational turns by terminal state",
		},
		[]string{"feature", "model", "state"},
	)

	turnStreamDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "concierge_turn_stream_duration_seconds",
			Help:    "Turn duration from admission to terminal frame",
			Buckets: []float64{0.25, 0.5, 1, 2, 5, 10, 30, 60},
		},
		[]string{"feature", "model"},
	)

	turnTokensTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "concierge_turn_tokens_total",
			Help: "Total tokens consumed by completed turns",
		},
		[]string{"model", "direction"},
	)

	// Tool metrics
	toolCallsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "concierge_tool_calls_total",
			Help: "Total number of tool invocations",
		},
		[]string{"tool", "status"},
	)

	toolCallDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "concierge_tool_call_duration_seconds",
			Help:    "Tool invocation duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"tool"},
	)

	toolReplaysTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "concierge_tool_replays_total",
			Help: "Idempotent tool invocations answered from the replay cache",
		},
		[]string{"tool"},
	)

	// Admission metrics
	rateLimitRejectionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "concierge_rate_limit_rejections_total",
			Help: "Requests rejected by the fixed-window rate limiter",
		},
		[]string{"purpose"},
	)

	budgetRejectionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "concierge_budget_rejections_total",
			Help: "Requests rejected by the spend ledger",
		},
		[]string{"feature"},
	)

	spendUSDTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "concierge_spend_usd_total",
			Help: "Cumulative reconciled provider spend in USD",
		},
	)

	// System metrics
	activeStreams = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "concierge_active_streams",
			Help: "Turns currently streaming",
		},
	)

	sessionEntries = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "concierge_session_entries",
			Help: "Sessions resident in the context store",
		},
	)

	initOnce sync.Once
)

// InitMetrics registers the Prometheus collectors. Safe to call more
// than once.
func InitMetrics() {
	initOnce.Do(func() {
		prometheus.MustRegister(
			httpRequestsTotal,
			httpRequestDuration,
			turnsTotal,
			turnStreamDuration,
			turnTokensTotal,
			toolCallsTotal,
			toolCallDuration,
			toolReplaysTotal,
			rateLimitRejectionsTotal,
			budgetRejectionsTotal,
			spendUSDTotal,
			activeStreams,
			sessionEntries,
		)
	})
}

// MetricsHandler returns the Prometheus scrape handler.
func MetricsHandler() http.Handler {
	return promhttp.Handler()
}

// RecordHTTPRequest records one HTTP request.
func RecordHTTPRequest(method, path, status string, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, path, status).Inc()
	httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// RecordTurn records one finished turn.
func RecordTurn(feature, model, state string, duration time.Duration) {
	turnsTotal.WithLabelValues(feature, model, state).Inc()
	turnStreamDuration.WithLabelValues(feature, model).Observe(duration.Seconds())
}

// RecordTurnTokens records token consumption for a completed turn.
func RecordTurnTokens(model string, inputTokens, outputTokens int) {
	turnTokensTotal.WithLabelValues(model, "input").Add(float64(inputTokens))
	turnTokensTotal.WithLabelValues(model, "output").Add(float64(outputTokens))
}

// RecordToolCall records one tool invocation.
func RecordToolCall(tool, status string, duration time.Duration) {
	toolCallsTotal.WithLabelValues(tool, status).Inc()
	toolCallDuration.WithLabelValues(tool).Observe(duration.Seconds())
}

// RecordToolReplay records an invocation answered from the replay cache.
func RecordToolReplay(tool string) {
	toolReplaysTotal.WithLabelValues(tool).Inc()
}

// RecordRateLimitRejection records a limiter rejection.
func RecordRateLimitRejection(purpose string) {
	rateLimitRejectionsTotal.WithLabelValues(purpose).Inc()
}

// RecordBudgetRejection records a ledger rejection.
func RecordBudgetRejection(feature string) {
	budgetRejectionsTotal.WithLabelValues(feature).Inc()
}

// RecordSpend adds reconciled spend.
func RecordSpend(usd float64) {
	if usd > 0 {
		spendUSDTotal.Add(usd)
	}
}

// IncActiveStreams marks one turn as streaming.
func IncActiveStreams() {
	activeStreams.Inc()
}

// DecActiveStreams marks one streaming turn as finished.
func DecActiveStreams() {
	activeStreams.Dec()
}

// SetSessionEntries sets the session store occupancy gauge.
func SetSessionEntries(count int) {
	sessionEntries.Set(float64(count))
}
