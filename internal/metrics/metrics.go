// Package metrics provides Prometheus instrumentation for the market simulator.
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
	// TicksTotal counts price engine ticks by outcome.
	TicksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "marketsim_ticks_total",
		Help: "Total number of price engine ticks",
	}, []string{"result"})

	// TickDuration tracks how long a full tick across all symbols takes.
	TickDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "marketsim_tick_duration_seconds",
		Help:    "Price engine tick duration in seconds",
		Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
	})

	// SymbolFailures counts per-symbol tick failures (isolated, not fatal).
	SymbolFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "marketsim_symbol_tick_failures_total",
		Help: "Per-symbol price update failures",
	}, []string{"symbol"})

	// Freezes counts circuit-breaker trips.
	Freezes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "marketsim_freezes_total",
		Help: "Daily circuit breaker trips per symbol",
	}, []string{"symbol"})

	// QuotePrice exposes the latest simulated price per symbol.
	QuotePrice = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "marketsim_quote_price",
		Help: "Current simulated price per symbol",
	}, []string{"symbol"})

	// TradesTotal counts total trades executed, partitioned by side.
	TradesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "marketsim_trades_total",
		Help: "Total number of trades executed",
	}, []string{"side"})

	// TradeLatency tracks trade execution latency.
	TradeLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "marketsim_trade_latency_seconds",
		Help:    "Trade execution latency in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"side"})

	// TradeRejections counts trades rejected by the ledger, by reason.
	TradeRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "marketsim_trade_rejections_total",
		Help: "Trades rejected by the ledger",
	}, []string{"reason"})

	// StoreFallback is 1 once the state store has degraded to memory.
	StoreFallback = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "marketsim_store_fallback",
		Help: "1 when the state store serves from the in-process backend",
	})

	// StoreFailures counts persistent-backend failures by operation.
	StoreFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "marketsim_store_failures_total",
		Help: "Persistent store failures by operation",
	}, []string{"op"})

	// BroadcastFailures counts dropped or failed notifications by sink.
	BroadcastFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "marketsim_broadcast_failures_total",
		Help: "Failed or dropped realtime notifications",
	}, []string{"sink"})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "marketsim_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "marketsim_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "marketsim_http_request_duration_seconds",
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

// Hijack passes through to the underlying writer so WebSocket upgrades
// work behind this middleware.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("metrics: response writer does not support hijacking")
	}
	return h.Hijack()
}
