package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

var (
	SyncSweepDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "sync_sweep_duration_seconds",
		Help:    "Длительность полного обхода синхронизации",
		Buckets: prometheus.DefBuckets,
	})
	SyncServicesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "sync_services_total",
		Help: "Количество обработанных сервисов по результату",
	}, []string{"status"})
	SyncSourcesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "sync_sources_total",
		Help: "Количество обработанных источников по результату",
	}, []string{"status"})
	PostsUpdatedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "posts_updated_total",
		Help: "Количество постов с обновлённой статистикой по методу",
	}, []string{"method"})
	SourcePostsInsertedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "source_posts_inserted_total",
		Help: "Количество новых постов, сохранённых из источников",
	})
	ScrapeErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "scrape_errors_total",
		Help: "Ошибки при разборе публичных страниц t.me",
	})
	GatewayErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "userbot_gateway_errors_total",
		Help: "Ошибки запросов к шлюзу юзерботов",
	})

	NetworkRequestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "network_request_duration_seconds",
		Help:    "Длительность сетевых запросов",
		Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 15, 20, 25, 30, 35, 40, 45, 50, 55, 60, 65, 70, 75, 80, 85, 90, 95, 100, 105, 110, 115, 120, 125, 130, 135, 140, 145, 150, 155, 160, 165, 170, 175, 180, 185, 190, 195, 200, 250, 300, 350, 400, 450, 500, 550, 600},
	}, []string{"component", "operation", "target", "status"})

	NetworkRequestTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "network_request_total",
		Help: "Количество сетевых запросов",
	}, []string{"component", "operation", "target", "status"})
)

// MustRegister регистрирует метрики.
func MustRegister(registerer prometheus.Registerer) {
	registerer.MustRegister(
		SyncSweepDuration,
		SyncServicesTotal,
		SyncSourcesTotal,
		PostsUpdatedTotal,
		SourcePostsInsertedTotal,
		ScrapeErrors,
		GatewayErrors,
		NetworkRequestDuration,
		NetworkRequestTotal,
	)
}

// StartServer запускает HTTP сервер с эндпоинтом /metrics.
func StartServer(ctx context.Context, logger zerolog.Logger, addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
	}

	shutdownCtx, cancel := context.WithCancel(context.Background())
	go func() {
		select {
		case <-ctx.Done():
		case <-shutdownCtx.Done():
		}
		shutdownTimeout, timeoutCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer timeoutCancel()
		if err := srv.Shutdown(shutdownTimeout); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("metrics: graceful shutdown failed")
		}
	}()

	go func() {
		logger.Info().Str("addr", addr).Msg("metrics: server started")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("metrics: server stopped")
		}
		cancel()
	}()
}

// ObserveNetworkRequest записывает длительность и статус сетевого запроса.
func ObserveNetworkRequest(component, operation, target string, start time.Time, err error) {
	if component == "" {
		component = "unknown"
	}
	if operation == "" {
		operation = "unknown"
	}
	if target == "" {
		target = "unknown"
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	duration := time.Since(start).Seconds()
	NetworkRequestDuration.WithLabelValues(component, operation, target, status).Observe(duration)
	NetworkRequestTotal.WithLabelValues(component, operation, target, status).Inc()
}
