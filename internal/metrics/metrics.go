package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

var (
	// API request metrics
	APIRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "manifold_etl_api_requests_total",
			Help: "Total number of API requests by endpoint and outcome",
		},
		[]string{"endpoint", "outcome"},
	)

	APIRetries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "manifold_etl_api_retries_total",
			Help: "Total number of retried API calls by error kind",
		},
		[]string{"kind"},
	)

	APIRequestDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "manifold_etl_api_request_duration_seconds",
			Help:    "Duration of single API calls in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Rate limiting metrics
	RateLimitWait = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "manifold_etl_rate_limit_wait_seconds",
			Help:    "Time spent waiting for a rate limiter permit",
			Buckets: []float64{0, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
		},
	)

	// Normalization metrics
	RecordsRejected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "manifold_etl_records_rejected_total",
			Help: "Total number of records rejected by validation",
		},
		[]string{"entity"},
	)

	// Storage metrics
	RecordsUpserted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "manifold_etl_records_upserted_total",
			Help: "Total number of records written, by entity and result",
		},
		[]string{"entity", "result"},
	)

	ChunkFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "manifold_etl_chunk_failures_total",
			Help: "Total number of failed upsert chunks",
		},
		[]string{"entity"},
	)

	// Bet ingestion metrics
	JobsFinished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "manifold_etl_bet_jobs_total",
			Help: "Total number of finished per-user bet jobs by status",
		},
		[]string{"status"},
	)

	JobsInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "manifold_etl_bet_jobs_in_flight",
			Help: "Number of per-user bet jobs currently running",
		},
	)
)

// Serve exposes /metrics on addr until ctx is cancelled. An empty addr disables the endpoint.
func Serve(ctx context.Context, addr string, logger zerolog.Logger) {
	if addr == "" {
		return
	}
	log := logger.With().Str("component", "metrics").Logger()

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	go func() {
		log.Info().Str("addr", addr).Msg("serving metrics")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("metrics server stopped")
		}
	}()
}
