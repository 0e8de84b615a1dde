// Package metrics provides Prometheus instrumentation for the trading engine.
package metrics

import (
	"bufio"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// OrdersTotal counts resolved orders by side, status and reject reason.
	OrdersTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sim_orders_total",
		Help: "Total number of resolved orders",
	}, []string{"side", "status", "reason"})

	// TradesTotal counts fills, partitioned by market and side.
	TradesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sim_trades_total",
		Help: "Total number of trades executed",
	}, []string{"market", "side"})

	// OrderLatency tracks submit-to-resolution latency.
	OrderLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "sim_order_latency_seconds",
		Help:    "Order handling latency in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"status"})

	// CommissionTotal accumulates commission charged per market.
	CommissionTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sim_commission_total",
		Help: "Cumulative commission charged",
	}, []string{"market"})

	// NotionalTotal accumulates traded value per market.
	NotionalTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sim_notional_total",
		Help: "Cumulative traded value",
	}, []string{"market"})

	// ActiveSessions tracks connected, bootstrapped sessions.
	ActiveSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "sim_active_sessions",
		Help: "Number of active client sessions",
	})

	// OutboundDropped counts sessions closed because their send queue overflowed.
	OutboundDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sim_outbound_overflow_total",
		Help: "Sessions closed due to a full outbound queue",
	})

	// SnapshotsSent counts snapshots delivered, by trigger.
	SnapshotsSent = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sim_snapshots_sent_total",
		Help: "Snapshots pushed to sessions",
	}, []string{"trigger"})

	// ValuationTick tracks the duration of one valuation pass.
	ValuationTick = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "sim_valuation_tick_seconds",
		Help:    "Duration of a valuation and broadcast pass",
		Buckets: []float64{0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5},
	})

	// FeedErrors counts failed price refreshes by source.
	FeedErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sim_feed_errors_total",
		Help: "Failed price refreshes",
	}, []string{"source"})

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sim_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "sim_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
	}, []string{"method", "path"})
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Middleware returns an HTTP middleware that records request metrics.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &statusWriter{ResponseWriter: w, status: 200}
		next.ServeHTTP(wrapped, r)
		duration := time.Since(start).Seconds()

		// Use the route pattern for path label to avoid high cardinality.
		path := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				path = pattern
			}
		}
		HTTPRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(wrapped.status)).Inc()
		HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(duration)
	})
}

// statusWriter wraps http.ResponseWriter to capture the status code.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// Hijack passes through to the underlying writer so WebSocket upgrades work
// behind this middleware.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("metrics: response writer does not support hijacking")
	}
	return h.Hijack()
}

func (w *statusWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}
