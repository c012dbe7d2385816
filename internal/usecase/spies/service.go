package spies

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"tg-stats-bot/internal/domain"
)

// ErrInvalidSession возвращается при попытке сохранить нераспознанную
// строку сессии.
var ErrInvalidSession = errors.New("недопустимая строка сессии")

// SessionValidator проверяет строку сессии без подключения к Telegram.
type SessionValidator func(sessionString string) error

// Service управляет сессиями юзерботов: импорт, проверка каналов,
// вход и выход из каналов-источников.
type Service struct {
	spies           domain.SpyRepo
	gateway         domain.SpyGateway
	validator       domain.ChannelValidator
	validateSession SessionValidator
	log             zerolog.Logger
}

// NewService создаёт сервис управления сессиями.
func NewService(spies domain.SpyRepo, gateway domain.SpyGateway, validator domain.ChannelValidator, validateSession SessionValidator, logger zerolog.Logger) *Service {
	return &Service{
		spies:           spies,
		gateway:         gateway,
		validator:       validator,
		validateSession: validateSession,
		log:             logger.With().Str("component", "spies").Logger(),
	}
}

// ImportSession проверяет строку сессии и сохраняет её под указанным
// именем. Повторный импорт с тем же именем перезаписывает сессию.
func (s *Service) ImportSession(ctx context.Context, name, apiID, apiHash, phone, sessionString string) (domain.Spy, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return domain.Spy{}, fmt.Errorf("имя сессии обязательно")
	}
	if apiID == "" || apiHash == "" {
		return domain.Spy{}, fmt.Errorf("api_id и api_hash обязательны")
	}
	if s.validateSession != nil {
		if err := s.validateSession(sessionString); err != nil {
			return domain.Spy{}, fmt.Errorf("%w: %v", ErrInvalidSession, err)
		}
	}

	spy := domain.Spy{
		Name:          name,
		APIID:         apiID,
		APIHash:       apiHash,
		SessionString: sessionString,
		PhoneNumber:   phone,
		IsActive:      true,
		IsAuthorized:  true,
	}
	saved, err := s.spies.UpsertSpy(ctx, spy)
	if err != nil {
		return domain.Spy{}, fmt.Errorf("сохранение сессии: %w", err)
	}
	s.log.Info().Str("spy_id", saved.ID).Str("name", name).Msg("сессия импортирована")
	return saved, nil
}

// JoinChannel вводит сессию в канал. Успех отмечает активность сессии,
// ошибка увеличивает её счётчик ошибок.
func (s *Service) JoinChannel(ctx context.Context, spyID, channel string) error {
	return s.membership(ctx, spyID, channel, s.gateway.Join, "вход в канал")
}

// LeaveChannel выводит сессию из канала.
func (s *Service) LeaveChannel(ctx context.Context, spyID, channel string) error {
	return s.membership(ctx, spyID, channel, s.gateway.Leave, "выход из канала")
}

func (s *Service) membership(ctx context.Context, spyID, channel string, op func(context.Context, domain.Spy, string) error, action string) error {
	spy, err := s.spies.GetActiveSpy(ctx, spyID)
	if err != nil {
		return err
	}
	if err := op(ctx, spy, channel); err != nil {
		if recErr := s.spies.RecordSpyError(ctx, spy.ID, err.Error()); recErr != nil {
			s.log.Warn().Err(recErr).Str("spy_id", spy.ID).Msg("не удалось записать ошибку сессии")
		}
		return fmt.Errorf("%s: %w", action, err)
	}
	if err := s.spies.TouchSpyActivity(ctx, spy.ID, time.Now().UTC()); err != nil {
		s.log.Warn().Err(err).Str("spy_id", spy.ID).Msg("не удалось отметить активность сессии")
	}
	return nil
}

// ValidateChannel проверяет публичный канал через Bot API.
func (s *Service) ValidateChannel(ctx context.Context, channel string) (domain.ChannelInfo, error) {
	if s.validator == nil {
		return domain.ChannelInfo{}, fmt.Errorf("проверка каналов не настроена")
	}
	return s.validator.ValidateChannel(ctx, channel)
}
