package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "notekeeper_http_requests_total",
			Help: "Total HTTP requests by method, route, and status",
		},
		[]string{"method", "route", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "notekeeper_http_request_duration_seconds",
			Help:    "HTTP request latency distribution",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"method", "route"},
	)

	remindersCreated = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "notekeeper_reminders_created_total",
			Help: "Total reminders created through the API",
		},
	)

	remindersCanceled = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "notekeeper_reminders_canceled_total",
			Help: "Total reminders canceled through the API",
		},
	)

	dispatchTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "notekeeper_reminder_dispatch_total",
			Help: "Reminder deliveries by outcome",
		},
		[]string{"outcome"},
	)

	dispatchDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "notekeeper_reminder_dispatch_duration_seconds",
			Help:    "Time spent in a single dispatch call",
			Buckets: []float64{.05, .1, .25, .5, 1, 2, 5, 10, 30},
		},
	)

	schedulerTicks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "notekeeper_scheduler_ticks_total",
			Help: "Scheduler ticks by outcome",
		},
		[]string{"outcome"},
	)

	dueBatchSize = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "notekeeper_scheduler_due_batch_size",
			Help:    "Due reminders fetched per tick",
			Buckets: []float64{0, 1, 5, 10, 25, 50, 100},
		},
	)

	remindersPurged = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "notekeeper_reminders_purged_total",
			Help: "SENT reminders removed by the retention policy",
		},
	)

	idempotencyHits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "notekeeper_idempotency_hits_total",
			Help: "Requests served from idempotency cache",
		},
	)

	rateLimitRejections = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "notekeeper_rate_limit_rejections_total",
			Help: "Requests rejected by rate limiter",
		},
	)

	breakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "notekeeper_circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=open, 2=half-open)",
		},
		[]string{"name"},
	)
)

// Handler returns the Prometheus metrics HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordRequest records HTTP request metrics
func RecordRequest(method, route string, status int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	httpRequestDuration.WithLabelValues(method, route).Observe(duration.Seconds())
}

func RecordReminderCreated() {
	remindersCreated.Inc()
}

func RecordReminderCanceled() {
	remindersCanceled.Inc()
}

// RecordDispatch records one delivery attempt. Outcome is one of sent,
// failed, timeout or not_configured.
func RecordDispatch(outcome string, duration time.Duration) {
	dispatchTotal.WithLabelValues(outcome).Inc()
	dispatchDuration.Observe(duration.Seconds())
}

// RecordTick records a scheduler tick outcome
func RecordTick(outcome string) {
	schedulerTicks.WithLabelValues(outcome).Inc()
}

func ObserveDueBatch(n int) {
	dueBatchSize.Observe(float64(n))
}

func RecordPurged(n int64) {
	remindersPurged.Add(float64(n))
}

// RecordIdempotencyHit records a cache hit for idempotency
func RecordIdempotencyHit() {
	idempotencyHits.Inc()
}

// RecordRateLimitRejection records a rate limit rejection
func RecordRateLimitRejection() {
	rateLimitRejections.Inc()
}

// SetBreakerState publishes a circuit breaker state as its numeric value.
func SetBreakerState(name string, state int) {
	breakerState.WithLabelValues(name).Set(float64(state))
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

// Middleware returns HTTP middleware that records request metrics, labeled
// by the matched chi route pattern rather than the raw path.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &responseWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		RecordRequest(r.Method, routePattern(r), wrapped.status, time.Since(start))
	})
}

func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if pattern := rctx.RoutePattern(); pattern != "" {
			return pattern
		}
	}
	return "unmatched"
}
