package sync

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"tg-stats-bot/internal/domain"
	"tg-stats-bot/internal/infra/metrics"
	"tg-stats-bot/internal/usecase/ingest"
	"tg-stats-bot/internal/usecase/stats"
)

// ErrSweepAlreadyRunning возвращается, когда блокировка обхода занята
// другим экземпляром.
var ErrSweepAlreadyRunning = errors.New("обход синхронизации уже выполняется")

// leaseKey — ключ блокировки обхода в Redis.
const leaseKey = "unified_sync:lease"

// maxReportedErrors ограничивает число ошибок в отчёте обхода.
const maxReportedErrors = 10

// StatsSyncer пересобирает статистику одного сервиса.
type StatsSyncer interface {
	SyncService(ctx context.Context, serviceID string, serviceType domain.ServiceType) (stats.SyncResult, error)
}

// SourceSyncer читает новые посты одного источника.
type SourceSyncer interface {
	SyncSource(ctx context.Context, sourceID string) (ingest.Result, error)
}

// Report — итог полного обхода.
type Report struct {
	StartedAt       time.Time     `json:"started_at"`
	Duration        time.Duration `json:"duration"`
	ServicesTotal   int           `json:"services_total"`
	ServicesSynced  int           `json:"services_synced"`
	ServicesSkipped int           `json:"services_skipped"`
	ServicesFailed  int           `json:"services_failed"`
	SourcesTotal    int           `json:"sources_total"`
	SourcesSynced   int           `json:"sources_synced"`
	SourcesSkipped  int           `json:"sources_skipped"`
	SourcesFailed   int           `json:"sources_failed"`
	PostsInserted   int           `json:"posts_inserted"`
	Errors          []string      `json:"errors,omitempty"`
	ErrorsTotal     int           `json:"errors_total"`
}

// Sweeper обходит все сервисы и источники за один запуск. Внешней
// cron-координации нет, поэтому от наложения запусков защищает
// необязательная Redis-блокировка.
type Sweeper struct {
	services  domain.ServiceRepo
	sources   domain.SourceChannelRepo
	stats     StatsSyncer
	ingest    SourceSyncer
	business  domain.BusinessMetricRepo
	cache     domain.Cache
	limiter   *rate.Limiter
	staleness time.Duration
	leaseTTL  time.Duration
	log       zerolog.Logger
}

// NewSweeper создаёт обходчик. cache может быть nil, тогда обход идёт
// без блокировки.
func NewSweeper(
	services domain.ServiceRepo,
	sources domain.SourceChannelRepo,
	statsSyncer StatsSyncer,
	sourceSyncer SourceSyncer,
	business domain.BusinessMetricRepo,
	cache domain.Cache,
	limiter *rate.Limiter,
	staleness, leaseTTL time.Duration,
	logger zerolog.Logger,
) *Sweeper {
	if staleness <= 0 {
		staleness = 30 * time.Minute
	}
	if leaseTTL <= 0 {
		leaseTTL = 10 * time.Minute
	}
	return &Sweeper{
		services:  services,
		sources:   sources,
		stats:     statsSyncer,
		ingest:    sourceSyncer,
		business:  business,
		cache:     cache,
		limiter:   limiter,
		staleness: staleness,
		leaseTTL:  leaseTTL,
		log:       logger.With().Str("component", "sweeper").Logger(),
	}
}

// Sweep выполняет полный обход: сначала статистика сервисов, затем
// захват постов из источников в пределах окна давности. Ошибка одного
// элемента не прерывает обход.
func (s *Sweeper) Sweep(ctx context.Context) (Report, error) {
	if s.cache != nil {
		acquired, err := s.cache.AcquireLease(ctx, leaseKey, s.leaseTTL)
		if err != nil {
			s.log.Warn().Err(err).Msg("блокировка обхода недоступна, продолжаем без неё")
		} else if !acquired {
			return Report{}, ErrSweepAlreadyRunning
		} else {
			defer func() {
				if err := s.cache.ReleaseLease(context.Background(), leaseKey); err != nil {
					s.log.Warn().Err(err).Msg("не удалось освободить блокировку обхода")
				}
			}()
		}
	}

	report := Report{StartedAt: time.Now().UTC()}
	start := time.Now()

	s.sweepServices(ctx, &report)
	s.sweepSources(ctx, &report)

	report.Duration = time.Since(start)
	metrics.SyncSweepDuration.Observe(report.Duration.Seconds())
	s.log.Info().
		Int("services_synced", report.ServicesSynced).
		Int("services_skipped", report.ServicesSkipped).
		Int("services_failed", report.ServicesFailed).
		Int("sources_synced", report.SourcesSynced).
		Int("sources_skipped", report.SourcesSkipped).
		Int("sources_failed", report.SourcesFailed).
		Dur("duration", report.Duration).
		Msg("обход завершён")
	s.recordMetric(ctx, report)
	return report, nil
}

func (s *Sweeper) sweepServices(ctx context.Context, report *Report) {
	services, err := s.services.ListServices(ctx)
	if err != nil {
		s.appendError(report, fmt.Sprintf("получение списка сервисов: %v", err))
		return
	}
	report.ServicesTotal = len(services)

	for _, svc := range services {
		if svc.SpyID == nil {
			report.ServicesSkipped++
			metrics.SyncServicesTotal.WithLabelValues("skipped").Inc()
			continue
		}
		if !s.pace(ctx, report) {
			return
		}
		result, err := s.stats.SyncService(ctx, svc.ID, svc.Type)
		if err != nil {
			report.ServicesFailed++
			metrics.SyncServicesTotal.WithLabelValues("failed").Inc()
			s.appendError(report, fmt.Sprintf("сервис %s: %v", svc.ID, err))
			continue
		}
		report.ServicesSynced++
		metrics.SyncServicesTotal.WithLabelValues("synced").Inc()
		if result.ErrorsTotal > 0 {
			s.log.Warn().Str("service_id", svc.ID).Int("errors", result.ErrorsTotal).Msg("сервис синхронизирован с ошибками")
		}
	}
}

func (s *Sweeper) sweepSources(ctx context.Context, report *Report) {
	sources, err := s.sources.ListActiveSources(ctx)
	if err != nil {
		s.appendError(report, fmt.Sprintf("получение списка источников: %v", err))
		return
	}
	report.SourcesTotal = len(sources)

	now := time.Now().UTC()
	for _, source := range sources {
		if source.LastSyncAt != nil && now.Sub(*source.LastSyncAt) < s.staleness {
			report.SourcesSkipped++
			metrics.SyncSourcesTotal.WithLabelValues("skipped").Inc()
			continue
		}
		if !s.pace(ctx, report) {
			return
		}
		result, err := s.ingest.SyncSource(ctx, source.ID)
		if err != nil {
			report.SourcesFailed++
			metrics.SyncSourcesTotal.WithLabelValues("failed").Inc()
			s.appendError(report, fmt.Sprintf("источник %s: %v", source.ID, err))
			continue
		}
		report.SourcesSynced++
		report.PostsInserted += result.Inserted
		metrics.SyncSourcesTotal.WithLabelValues("synced").Inc()
	}
}

func (s *Sweeper) pace(ctx context.Context, report *Report) bool {
	if s.limiter == nil {
		return true
	}
	if err := s.limiter.Wait(ctx); err != nil {
		s.appendError(report, fmt.Sprintf("ожидание лимитера: %v", err))
		return false
	}
	return true
}

func (s *Sweeper) appendError(report *Report, message string) {
	report.ErrorsTotal++
	if len(report.Errors) < maxReportedErrors {
		report.Errors = append(report.Errors, message)
	}
}

func (s *Sweeper) recordMetric(ctx context.Context, report Report) {
	if s.business == nil {
		return
	}
	metric := domain.BusinessMetric{
		Event: domain.BusinessMetricEventSweepFinished,
		Metadata: map[string]any{
			"services_synced":  report.ServicesSynced,
			"services_skipped": report.ServicesSkipped,
			"services_failed":  report.ServicesFailed,
			"sources_synced":   report.SourcesSynced,
			"sources_skipped":  report.SourcesSkipped,
			"sources_failed":   report.SourcesFailed,
			"posts_inserted":   report.PostsInserted,
			"duration_ms":      report.Duration.Milliseconds(),
		},
		OccurredAt: time.Now().UTC(),
	}
	if err := s.business.RecordBusinessMetric(ctx, metric); err != nil {
		s.log.Warn().Err(err).Msg("не удалось записать бизнес-метрику обхода")
	}
}
