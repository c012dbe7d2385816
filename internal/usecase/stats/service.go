package stats

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"tg-stats-bot/internal/domain"
	"tg-stats-bot/internal/infra/metrics"
)

// maxReportedErrors ограничивает число ошибок, попадающих в результат.
// Остальные учитываются только счётчиком.
const maxReportedErrors = 5

// SyncResult — итог сверки статистики одного сервиса.
type SyncResult struct {
	ServiceID        string             `json:"service_id"`
	ServiceType      domain.ServiceType `json:"service_type"`
	Method           domain.StatsMethod `json:"method"`
	Total            int                `json:"total"`
	Updated          int                `json:"updated"`
	SubscribersCount *int               `json:"subscribers_count,omitempty"`
	Errors           []string           `json:"errors,omitempty"`
	ErrorsTotal      int                `json:"errors_total"`
}

// Service сверяет статистику опубликованных постов с живыми данными
// Telegram. Авторизованный путь через юзербота точнее; публичный
// скрейпинг служит запасным.
type Service struct {
	services domain.ServiceRepo
	posts    domain.PostRepo
	history  domain.StatsHistoryRepo
	spies    domain.SpyRepo
	scraper  domain.ScrapeCollector
	userbot  domain.UserbotCollector
	business domain.BusinessMetricRepo
	limiter  *rate.Limiter
	limit    int
	log      zerolog.Logger
}

// NewService создаёт сервис сверки статистики. limiter может быть nil,
// тогда вызовы скрейпера идут без пауз.
func NewService(
	services domain.ServiceRepo,
	posts domain.PostRepo,
	history domain.StatsHistoryRepo,
	spies domain.SpyRepo,
	scraper domain.ScrapeCollector,
	userbot domain.UserbotCollector,
	business domain.BusinessMetricRepo,
	limiter *rate.Limiter,
	postsLimit int,
	logger zerolog.Logger,
) *Service {
	if postsLimit <= 0 {
		postsLimit = 50
	}
	return &Service{
		services: services,
		posts:    posts,
		history:  history,
		spies:    spies,
		scraper:  scraper,
		userbot:  userbot,
		business: business,
		limiter:  limiter,
		limit:    postsLimit,
		log:      logger.With().Str("component", "stats").Logger(),
	}
}

// SyncService обновляет статистику последних постов сервиса и дневной
// агрегат канала. Ошибка одного поста не прерывает пакет.
func (s *Service) SyncService(ctx context.Context, serviceID string, serviceType domain.ServiceType) (SyncResult, error) {
	svc, err := s.services.GetService(ctx, serviceID, serviceType)
	if err != nil {
		return SyncResult{}, err
	}

	result := SyncResult{
		ServiceID:   svc.ID,
		ServiceType: svc.Type,
		Method:      domain.StatsMethodScraping,
	}

	posts, err := s.posts.ListRecentPublished(ctx, svc, s.limit)
	if err != nil {
		return SyncResult{}, fmt.Errorf("получение постов сервиса: %w", err)
	}
	result.Total = len(posts)
	if len(posts) == 0 {
		return result, nil
	}

	var (
		subscribers *int
		snapshot    *domain.ChannelSnapshot
		totalViews  int
		totalReacts int
	)

	useUserbot := svc.SpyID != nil && svc.StatsMethod != domain.StatsMethodScraping
	if useUserbot {
		spy, spyErr := s.spies.GetActiveSpy(ctx, *svc.SpyID)
		if spyErr != nil {
			s.appendError(&result, fmt.Sprintf("сессия юзербота недоступна: %v", spyErr))
			useUserbot = false
		} else {
			result.Method = domain.StatsMethodMTProto
			subscribers, snapshot, totalViews, totalReacts = s.syncViaUserbot(ctx, svc, spy, posts, &result)
		}
	}
	if !useUserbot {
		result.Method = domain.StatsMethodScraping
		subscribers, totalViews, totalReacts = s.syncViaScraping(ctx, svc, posts, &result)
	}

	if result.Updated > 0 {
		entry := domain.ChannelStatsEntry{
			ServiceID:      svc.ID,
			ServiceType:    svc.Type,
			ChannelName:    svc.TargetChannel,
			TotalViews:     totalViews,
			TotalReactions: totalReacts,
			RecordedAt:     time.Now().UTC(),
		}
		if subscribers != nil {
			entry.SubscribersCount = *subscribers
		} else if snapshot != nil {
			entry.SubscribersCount = snapshot.ParticipantsCount
		}
		if err := s.history.UpsertDaily(ctx, entry); err != nil {
			s.log.Error().Err(err).Str("service_id", svc.ID).Msg("не удалось сохранить дневной агрегат")
		}
	}

	if err := s.services.UpdateLastStatsSync(ctx, svc.ID, svc.Type, time.Now().UTC()); err != nil {
		s.appendError(&result, fmt.Sprintf("не удалось обновить отметку синхронизации: %v", err))
	}

	result.SubscribersCount = subscribers
	if result.SubscribersCount == nil && snapshot != nil {
		count := snapshot.ParticipantsCount
		result.SubscribersCount = &count
	}

	metrics.PostsUpdatedTotal.WithLabelValues(string(result.Method)).Add(float64(result.Updated))
	s.recordMetric(ctx, svc, result)

	return result, nil
}

func (s *Service) syncViaUserbot(ctx context.Context, svc domain.Service, spy domain.Spy, posts []domain.Post, result *SyncResult) (*int, *domain.ChannelSnapshot, int, int) {
	var snapshot *domain.ChannelSnapshot

	info, _ := s.userbot.ChannelInfo(ctx, spy, svc.TargetChannel)
	if info != nil {
		snapshot = &domain.ChannelSnapshot{
			Title:             info.Title,
			ParticipantsCount: info.MembersCount,
		}
		if err := s.spies.SaveSpyChannelInfo(ctx, spy.ID, *info); err != nil {
			s.log.Warn().Err(err).Str("spy_id", spy.ID).Msg("не удалось сохранить метаданные канала")
		}
	}

	wanted := make(map[int64]struct{}, len(posts))
	for _, post := range posts {
		wanted[post.MessageID] = struct{}{}
	}

	byID := make(map[int64]domain.MessageStats)
	messages, err := s.userbot.RecentMessages(ctx, spy, svc.TargetChannel, s.limit)
	if err != nil {
		s.appendError(result, fmt.Sprintf("чтение канала через юзербота: %v", err))
		if recErr := s.spies.RecordSpyError(ctx, spy.ID, err.Error()); recErr != nil {
			s.log.Warn().Err(recErr).Str("spy_id", spy.ID).Msg("не удалось записать ошибку сессии")
		}
	} else {
		if touchErr := s.spies.TouchSpyActivity(ctx, spy.ID, time.Now().UTC()); touchErr != nil {
			s.log.Warn().Err(touchErr).Str("spy_id", spy.ID).Msg("не удалось отметить активность сессии")
		}
		// Шлюз может вернуть лишние сообщения или нарушить порядок,
		// оставляем только запрошенные идентификаторы.
		for _, msg := range messages {
			if _, ok := wanted[msg.MessageID]; ok {
				byID[msg.MessageID] = msg
			}
		}
	}

	now := time.Now().UTC()
	var totalViews, totalReacts int
	for _, post := range posts {
		msg, ok := byID[post.MessageID]
		if !ok {
			continue
		}
		stats := domain.MTProtoStats{
			Views:       msg.Views,
			Forwards:    msg.Forwards,
			Reactions:   msg.Reactions,
			Timestamp:   now,
			Method:      "mtproto",
			ChannelInfo: snapshot,
		}
		if err := s.posts.UpdateMTProtoStats(ctx, svc.Type, post.ID, msg.Views, stats); err != nil {
			s.appendError(result, fmt.Sprintf("обновление поста %d: %v", post.MessageID, err))
			continue
		}
		result.Updated++
		totalViews += msg.Views
		totalReacts += msg.Reactions
	}
	return nil, snapshot, totalViews, totalReacts
}

func (s *Service) syncViaScraping(ctx context.Context, svc domain.Service, posts []domain.Post, result *SyncResult) (*int, int, int) {
	subscribers, err := s.scraper.Subscribers(ctx, svc.TargetChannel)
	if err != nil {
		s.appendError(result, fmt.Sprintf("получение подписчиков: %v", err))
	}

	var totalViews, totalReacts int
	for _, post := range posts {
		if s.limiter != nil {
			if err := s.limiter.Wait(ctx); err != nil {
				s.appendError(result, fmt.Sprintf("ожидание лимитера: %v", err))
				break
			}
		}
		stats, err := s.scraper.PostStats(ctx, svc.TargetChannel, post.MessageID)
		if err != nil {
			s.appendError(result, fmt.Sprintf("скрейпинг поста %d: %v", post.MessageID, err))
			continue
		}
		if stats == nil {
			s.appendError(result, fmt.Sprintf("статистика поста %d недоступна", post.MessageID))
			continue
		}
		if err := s.posts.UpdateScrapedStats(ctx, svc.Type, post.ID, stats.Views, stats.Reactions); err != nil {
			s.appendError(result, fmt.Sprintf("обновление поста %d: %v", post.MessageID, err))
			continue
		}
		result.Updated++
		totalViews += stats.Views
		totalReacts += stats.Reactions
	}
	return subscribers, totalViews, totalReacts
}

func (s *Service) appendError(result *SyncResult, message string) {
	result.ErrorsTotal++
	if len(result.Errors) < maxReportedErrors {
		result.Errors = append(result.Errors, message)
	}
}

func (s *Service) recordMetric(ctx context.Context, svc domain.Service, result SyncResult) {
	if s.business == nil {
		return
	}
	metric := domain.BusinessMetric{
		Event:     domain.BusinessMetricEventStatsSynced,
		UserID:    &svc.UserID,
		ServiceID: &svc.ID,
		Metadata: map[string]any{
			"service_type": svc.Type,
			"method":       result.Method,
			"total":        result.Total,
			"updated":      result.Updated,
			"errors":       result.ErrorsTotal,
		},
		OccurredAt: time.Now().UTC(),
	}
	if err := s.business.RecordBusinessMetric(ctx, metric); err != nil {
		s.log.Warn().Err(err).Str("service_id", svc.ID).Msg("не удалось записать бизнес-метрику")
	}
}
