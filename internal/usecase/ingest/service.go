package ingest

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"tg-stats-bot/internal/domain"
	"tg-stats-bot/internal/infra/metrics"
)

// ErrNoSpyAssigned возвращается для приватного источника без сессии:
// прочитать его нечем, отметка синхронизации не продвигается.
var ErrNoSpyAssigned = errors.New("источнику не назначена сессия юзербота")

// ErrSourceInactive возвращается для выключенного источника.
var ErrSourceInactive = errors.New("источник выключен")

// Result — итог чтения одного канала-источника.
type Result struct {
	SourceID    string `json:"source_id"`
	ChannelType string `json:"channel_type"`
	Read        int    `json:"read"`
	Inserted    int    `json:"inserted"`
	Duplicates  int    `json:"duplicates"`
}

// Service захватывает новые посты из каналов-источников. Дедупликация
// выполняется базой по (source_channel_id, original_message_id), поэтому
// повторное чтение одного и того же окна безопасно.
type Service struct {
	sources   domain.SourceChannelRepo
	posts     domain.SourcePostRepo
	spies     domain.SpyRepo
	userbot   domain.UserbotCollector
	validator domain.ChannelValidator
	business  domain.BusinessMetricRepo
	readLimit int
	log       zerolog.Logger
}

// NewService создаёт сервис захвата. validator может быть nil, тогда
// заголовки публичных источников не обновляются.
func NewService(
	sources domain.SourceChannelRepo,
	posts domain.SourcePostRepo,
	spies domain.SpyRepo,
	userbot domain.UserbotCollector,
	validator domain.ChannelValidator,
	business domain.BusinessMetricRepo,
	readLimit int,
	logger zerolog.Logger,
) *Service {
	if readLimit <= 0 {
		readLimit = 20
	}
	return &Service{
		sources:   sources,
		posts:     posts,
		spies:     spies,
		userbot:   userbot,
		validator: validator,
		business:  business,
		readLimit: readLimit,
		log:       logger.With().Str("component", "ingest").Logger(),
	}
}

// SyncSource читает последние сообщения источника и сохраняет новые.
// Отметка последней синхронизации продвигается после успешной попытки
// чтения, в том числе пустой; ошибки чтения её не продвигают.
func (s *Service) SyncSource(ctx context.Context, sourceID string) (Result, error) {
	source, err := s.sources.GetSourceChannel(ctx, sourceID)
	if err != nil {
		return Result{}, err
	}
	if !source.IsActive {
		return Result{}, ErrSourceInactive
	}

	result := Result{SourceID: source.ID, ChannelType: "public"}
	if source.IsPrivate {
		result.ChannelType = "private"
	}

	if source.SpyID == nil {
		if source.IsPrivate {
			return Result{}, ErrNoSpyAssigned
		}
		// Публичный источник без сессии: читать нечем, но источник
		// доступен, поэтому освежаем заголовок и продвигаем отметку.
		s.refreshPublicTitle(ctx, source)
		if err := s.sources.UpdateSourceSyncedAt(ctx, source.ID, time.Now().UTC()); err != nil {
			return Result{}, fmt.Errorf("обновление отметки синхронизации: %w", err)
		}
		return result, nil
	}

	spy, err := s.spies.GetActiveSpy(ctx, *source.SpyID)
	if err != nil {
		return Result{}, fmt.Errorf("сессия юзербота недоступна: %w", err)
	}

	ref := source.Username
	if source.IsPrivate && source.InviteHash != "" {
		ref = "+" + source.InviteHash
	}

	messages, err := s.userbot.RecentMessages(ctx, spy, ref, s.readLimit)
	if err != nil {
		if recErr := s.spies.RecordSpyError(ctx, spy.ID, err.Error()); recErr != nil {
			s.log.Warn().Err(recErr).Str("spy_id", spy.ID).Msg("не удалось записать ошибку сессии")
		}
		return Result{}, fmt.Errorf("чтение источника %s: %w", source.ID, err)
	}
	if err := s.spies.TouchSpyActivity(ctx, spy.ID, time.Now().UTC()); err != nil {
		s.log.Warn().Err(err).Str("spy_id", spy.ID).Msg("не удалось отметить активность сессии")
	}

	result.Read = len(messages)
	for _, msg := range messages {
		post := domain.SourcePost{
			SourceChannelID:   source.ID,
			BotServiceID:      source.BotServiceID,
			OriginalMessageID: msg.MessageID,
			Text:              msg.Text,
			ViewsCount:        msg.Views,
			ForwardsCount:     msg.Forwards,
			PostedAt:          msg.Date,
		}
		if msg.Media != nil {
			post.HasMedia = true
			post.MediaType = msg.Media.Type
			post.MediaURL = msg.Media.URL
		}
		inserted, err := s.posts.InsertSourcePost(ctx, post)
		if err != nil {
			return result, fmt.Errorf("сохранение поста %d: %w", msg.MessageID, err)
		}
		if inserted {
			result.Inserted++
		} else {
			result.Duplicates++
		}
	}

	if err := s.sources.UpdateSourceSyncedAt(ctx, source.ID, time.Now().UTC()); err != nil {
		return result, fmt.Errorf("обновление отметки синхронизации: %w", err)
	}

	metrics.SourcePostsInsertedTotal.Add(float64(result.Inserted))
	s.recordMetric(ctx, source, result)
	return result, nil
}

func (s *Service) refreshPublicTitle(ctx context.Context, source domain.SourceChannel) {
	if s.validator == nil || source.Username == "" {
		return
	}
	info, err := s.validator.ValidateChannel(ctx, source.Username)
	if err != nil {
		s.log.Debug().Err(err).Str("source_id", source.ID).Msg("не удалось освежить заголовок источника")
		return
	}
	if info.Title != "" && info.Title != source.Title {
		if err := s.sources.UpdateSourceTitle(ctx, source.ID, info.Title); err != nil {
			s.log.Warn().Err(err).Str("source_id", source.ID).Msg("не удалось сохранить заголовок источника")
		}
	}
}

func (s *Service) recordMetric(ctx context.Context, source domain.SourceChannel, result Result) {
	if s.business == nil {
		return
	}
	metric := domain.BusinessMetric{
		Event:     domain.BusinessMetricEventSourceSynced,
		ServiceID: &source.BotServiceID,
		Metadata: map[string]any{
			"source_id":  source.ID,
			"read":       result.Read,
			"inserted":   result.Inserted,
			"duplicates": result.Duplicates,
		},
		OccurredAt: time.Now().UTC(),
	}
	if err := s.business.RecordBusinessMetric(ctx, metric); err != nil {
		s.log.Warn().Err(err).Str("source_id", source.ID).Msg("не удалось записать бизнес-метрику")
	}
}
