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
	// Cycle metrics
	CyclesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "collateralwatcher_cycles_total",
			Help: "Evaluation cycles by outcome",
		},
		[]string{"outcome"},
	)

	CycleDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "collateralwatcher_cycle_duration_seconds",
			Help:    "Wall time of one evaluation cycle",
			Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60, 120},
		},
	)

	SkippedTicksTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "collateralwatcher_skipped_ticks_total",
			Help: "Scheduler ticks dropped because a cycle overran",
		},
	)

	OpenAlerts = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "collateralwatcher_open_alerts",
			Help: "Open alerts seen by the last cycle",
		},
	)

	// Fetch metrics
	GroupFetchesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "collateralwatcher_group_fetches_total",
			Help: "Margin group reads by outcome",
		},
		[]string{"outcome"},
	)

	// Evaluation and dispatch metrics
	EvaluationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "collateralwatcher_evaluations_total",
			Help: "Alert evaluations by result",
		},
		[]string{"result"},
	)

	DispatchesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "collateralwatcher_dispatches_total",
			Help: "Notification attempts by channel and outcome",
		},
		[]string{"channel", "outcome"},
	)

	PurgedAlertsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "collateralwatcher_purged_alerts_total",
			Help: "Unclaimed chat alerts removed by cleanup",
		},
	)

	ClaimsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "collateralwatcher_claims_total",
			Help: "Chat claim attempts by outcome",
		},
		[]string{"outcome"},
	)
)

// Handler exposes /metrics and /health.
func Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	return mux
}

// Serve runs the metrics server on addr until ctx is cancelled.
func Serve(ctx context.Context, addr string, logger zerolog.Logger) error {
	log := logger.With().Str("component", "metrics").Logger()
	srv := &http.Server{
		Addr:         addr,
		Handler:      Handler(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", addr).Msg("metrics server listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("metrics server shutdown error")
		}
		return nil
	}
}
