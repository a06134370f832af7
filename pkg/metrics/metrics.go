// Package metrics exposes the engine's Prometheus collectors.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	BuildInfo = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "vestd_build_info",
			Help: "Build information of the vesting engine",
		},
		[]string{"version", "commit", "date"},
	)

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vestd_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "vestd_http_request_duration_seconds",
			Help:    "Duration of HTTP requests in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	ClaimsPreparedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "vestd_claims_prepared_total",
			Help: "Total number of claim intents prepared",
		},
	)

	ClaimsSettledTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "vestd_claims_settled_total",
			Help: "Total number of claims settled and recorded",
		},
	)

	SettlementFailuresTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vestd_settlement_failures_total",
			Help: "Total number of failed settlement attempts",
		},
		[]string{"stage"},
	)

	EscrowFallbacksTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "vestd_escrow_fallbacks_total",
			Help: "Aggregations that fell back to time-based vesting after an escrow read failure",
		},
	)

	ReconcilerResolvedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vestd_reconciler_resolved_total",
			Help: "Settlements resolved by the reconciliation pass",
		},
		[]string{"outcome"},
	)

	RPCRetriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vestd_rpc_retries_total",
			Help: "Retried ledger RPC calls by method",
		},
		[]string{"method"},
	)

	RateLimitedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "vestd_rate_limited_requests_total",
			Help: "Requests rejected by the per-wallet rate limiter",
		},
	)
)

// HTTPMiddleware records request counts and latencies per route pattern.
func HTTPMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &statusWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(ww, r)

		path := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			path = rctx.RoutePattern()
		}
		HTTPRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(ww.status)).Inc()
		HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(time.Since(start).Seconds())
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}
