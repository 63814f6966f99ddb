// Package metrics provides Prometheus instrumentation for the round engine.
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
	// TradesTotal counts executed trades, partitioned by type.
	TradesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "candle_trades_total",
		Help: "Total number of trades executed",
	}, []string{"type"})

	// TradeLatency tracks trade execution latency in seconds.
	TradeLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "candle_trade_latency_seconds",
		Help:    "Trade execution latency in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"type"})

	// RoundsStarted counts rounds created by the scheduler.
	RoundsStarted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "candle_rounds_started_total",
		Help: "Total rounds started",
	})

	// RoundsSettled counts rounds settled, with the number of
	// forfeitures accumulated separately.
	RoundsSettled = promauto.NewCounter(prometheus.CounterOpts{
		Name: "candle_rounds_settled_total",
		Help: "Total rounds settled",
	})

	// ForfeituresTotal counts positions forfeited at round end.
	ForfeituresTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "candle_forfeitures_total",
		Help: "Positions forfeited at round end",
	})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "candle_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// DepositsTotal counts deposit confirmations by outcome.
	DepositsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "candle_deposits_total",
		Help: "Deposit confirmation attempts by outcome",
	}, []string{"outcome"})

	// WithdrawalsTotal counts withdrawal attempts by outcome.
	WithdrawalsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "candle_withdrawals_total",
		Help: "Withdrawal attempts by outcome",
	}, []string{"outcome"})

	// ReconciliationFailures counts compensations that themselves failed:
	// ledger and chain state have diverged and an operator must intervene.
	ReconciliationFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "candle_reconciliation_failures_total",
		Help: "Failed withdrawal compensations requiring manual intervention",
	})

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "candle_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "candle_http_request_duration_seconds",
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

		// Use the raw path for the label; the route surface is small and
		// wallet segments are bounded by the game's participant count.
		path := r.URL.Path
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
