package telemetry

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

var (
	RunsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "argus_runs_total",
		Help: "Polling runs by terminal status.",
	}, []string{"status"})

	RunDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "argus_run_duration_seconds",
		Help:    "Wall-clock duration of polling runs.",
		Buckets: prometheus.ExponentialBuckets(1, 2, 10),
	})

	EventsProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "argus_events_processed_total",
		Help: "Events evaluated, by source type.",
	}, []string{"source"})

	AlertsGenerated = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "argus_alerts_generated_total",
		Help: "Alerts emitted, by severity.",
	}, []string{"severity"})

	AlertsSuppressed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "argus_alerts_suppressed_total",
		Help: "Alerts suppressed by the dedup window.",
	})

	TenantFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "argus_tenant_failures_total",
		Help: "Per-tenant run failures, by error class.",
	}, []string{"class"})

	TicksSkipped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "argus_ticks_skipped_total",
		Help: "Schedule ticks skipped because the previous run was still going.",
	})
)

// Serve exposes /metrics on addr until ctx is cancelled. A no-op when addr
// is empty.
func Serve(ctx context.Context, addr string) {
	if addr == "" {
		return
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	go func() {
		log.Info().Str("addr", addr).Msg("Metrics listener started")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("Metrics listener failed")
		}
	}()
}
