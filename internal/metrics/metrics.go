package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "beacon_http_requests_total",
			Help: "Total HTTP requests by method, path, and status",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "beacon_http_request_duration_seconds",
			Help:    "HTTP request latency distribution",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"method", "path"},
	)

	eventsPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "beacon_events_published_total",
			Help: "Notification events accepted for dispatch, by event slug",
		},
		[]string{"event"},
	)

	deliveriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "beacon_deliveries_total",
			Help: "Per-channel dispatch outcomes",
		},
		[]string{"channel", "provider", "status"},
	)

	dispatchDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "beacon_dispatch_duration_seconds",
			Help:    "Time spent dispatching one event to all channels",
			Buckets: []float64{.01, .05, .1, .25, .5, 1, 2, 5},
		},
		[]string{"event"},
	)

	activeConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "beacon_ws_active_connections",
			Help: "Authenticated websocket connections currently tracked",
		},
	)

	activeUsers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "beacon_ws_active_users",
			Help: "Users with at least one live websocket connection",
		},
	)

	connectionsEvicted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "beacon_ws_connections_evicted_total",
			Help: "Connections force-closed by the manager, by reason",
		},
		[]string{"reason"},
	)

	pushesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "beacon_ws_pushes_total",
			Help: "Live pushes attempted through the connection manager",
		},
		[]string{"category", "delivered"},
	)

	rateLimitRejections = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "beacon_rate_limit_rejections_total",
			Help: "Requests rejected by rate limiter",
		},
	)
)

// Handler returns the Prometheus metrics HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordRequest records HTTP request metrics
func RecordRequest(method, path string, status int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
	httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// RecordEventPublished records an accepted notification event
func RecordEventPublished(slug string) {
	eventsPublished.WithLabelValues(slug).Inc()
}

// RecordDelivery records one per-channel dispatch outcome
func RecordDelivery(channel, provider, status string) {
	deliveriesTotal.WithLabelValues(channel, provider, status).Inc()
}

// RecordDispatchDuration records end-to-end dispatch time for one event
func RecordDispatchDuration(slug string, d time.Duration) {
	dispatchDuration.WithLabelValues(slug).Observe(d.Seconds())
}

// SetActiveConnections sets the current websocket connection count
func SetActiveConnections(count int) {
	activeConnections.Set(float64(count))
}

// SetActiveUsers sets the current connected-user count
func SetActiveUsers(count int) {
	activeUsers.Set(float64(count))
}

// RecordConnectionEvicted records a forced disconnect
func RecordConnectionEvicted(reason string) {
	connectionsEvicted.WithLabelValues(reason).Inc()
}

// RecordPush records a live push attempt
func RecordPush(category string, delivered bool) {
	pushesTotal.WithLabelValues(category, strconv.FormatBool(delivered)).Inc()
}

// RecordRateLimitRejection records a rate limit rejection
func RecordRateLimitRejection() {
	rateLimitRejections.Inc()
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

// Middleware returns HTTP middleware that records request metrics
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &responseWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		RecordRequest(r.Method, r.URL.Path, wrapped.status, time.Since(start))
	})
}
