// Package metrics provides Prometheus instrumentation for the settlement
// engine.
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
	// QuotesRequested counts price-oracle quote requests.
	QuotesRequested = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pluvio_quotes_requested_total",
		Help: "Total premium quotes requested",
	})

	// PositionsCreated counts positions created, partitioned by option kind.
	PositionsCreated = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pluvio_positions_created_total",
		Help: "Total positions created",
	}, []string{"kind"})

	// Settlements counts finalized settlements, partitioned by outcome
	// (paid vs zero payout).
	Settlements = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pluvio_settlements_total",
		Help: "Total settlements finalized",
	}, []string{"outcome"})

	// Claims counts successful claims, partitioned by path (auto vs pull).
	Claims = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pluvio_claims_total",
		Help: "Total payout claims delivered",
	}, []string{"path"})

	// CapacityRejections counts underwriting rejections by the vault.
	CapacityRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pluvio_capacity_rejections_total",
		Help: "Locks rejected by vault capacity limits",
	}, []string{"reason"})

	// ReserveDraws counts reserve-pool draws into the vault.
	ReserveDraws = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pluvio_reserve_draws_total",
		Help: "Total reserve pool draws",
	})

	// VaultAssets tracks total vault capital.
	VaultAssets = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "pluvio_vault_assets",
		Help: "Total vault assets",
	})

	// VaultLocked tracks collateral reserved against open positions.
	VaultLocked = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "pluvio_vault_locked",
		Help: "Total locked collateral",
	})

	// WebSocketClients tracks connected event-stream clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "pluvio_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pluvio_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "pluvio_http_request_duration_seconds",
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
