// Package metrics provides Prometheus instrumentation for the simulator.
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
	// TicksTotal counts price engine steps, partitioned by outcome
	// ("ok", "recovered", "failed").
	TicksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fxsim_ticks_total",
		Help: "Total number of market ticks",
	}, []string{"outcome"})

	// CurrentPrice is the last published market price.
	CurrentPrice = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "fxsim_current_price",
		Help: "Last published market price",
	})

	// NewsEventsTotal counts news shocks applied to the price.
	NewsEventsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fxsim_news_events_total",
		Help: "Total number of news events fired",
	})

	// JumpsTotal counts jump shocks applied to the price.
	JumpsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fxsim_jumps_total",
		Help: "Total number of price jumps",
	})

	// TradesTotal counts fills, partitioned by side.
	TradesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fxsim_trades_total",
		Help: "Total number of fills",
	}, []string{"side"})

	// TradeLatency tracks the full load-mutate-save time of a trade.
	TradeLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "fxsim_trade_latency_seconds",
		Help:    "Trade execution latency in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"side"})

	// LedgerRejections counts trades refused by ledger rules.
	LedgerRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fxsim_ledger_rejections_total",
		Help: "Trades rejected by the ledger",
	}, []string{"reason"})

	// PersistenceFailures counts failed loads and saves.
	PersistenceFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fxsim_persistence_failures_total",
		Help: "Failed state loads and saves",
	}, []string{"op"})

	// RegisteredUsers tracks the number of accounts in the document.
	RegisteredUsers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "fxsim_registered_users",
		Help: "Number of registered users",
	})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "fxsim_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// SnapshotsTotal counts archived document snapshots by result.
	SnapshotsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fxsim_snapshots_total",
		Help: "Archived state snapshots",
	}, []string{"result"})

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fxsim_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "fxsim_http_request_duration_seconds",
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

		HTTPRequestsTotal.WithLabelValues(r.Method, routePattern(r), strconv.Itoa(wrapped.status)).Inc()
		HTTPRequestDuration.WithLabelValues(r.Method, routePattern(r)).Observe(duration)
	})
}

// routePattern uses the chi route pattern so user names in the path do not
// blow up label cardinality.
func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if p := rctx.RoutePattern(); p != "" {
			return p
		}
	}
	return "unmatched"
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

// Hijack passes through to the underlying writer for WebSocket upgrades.
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
