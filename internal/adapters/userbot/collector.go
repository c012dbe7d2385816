package userbot

import (
	"context"

	"github.com/rs/zerolog"

	"tg-stats-bot/internal/domain"
)

// gatewayAPI — операции шлюза, нужные коллектору.
type gatewayAPI interface {
	ReadChannel(ctx context.Context, spy domain.Spy, channel string, limit int) ([]domain.MessageStats, error)
	ChannelInfo(ctx context.Context, spy domain.Spy, channel string) (domain.ChannelInfo, error)
}

// Collector читает данные каналов через авторизованную сессию юзербота.
type Collector struct {
	gateway gatewayAPI
	log     zerolog.Logger
}

// NewCollector создаёт коллектор поверх клиента шлюза.
func NewCollector(gateway gatewayAPI, logger zerolog.Logger) *Collector {
	return &Collector{gateway: gateway, log: logger.With().Str("component", "userbot").Logger()}
}

// ChannelInfo возвращает метаданные канала. Любая неудача шлюза
// логируется и превращается в nil: сверка статистики продолжает
// работать без снимка канала.
func (c *Collector) ChannelInfo(ctx context.Context, spy domain.Spy, channel string) (*domain.ChannelInfo, error) {
	info, err := c.gateway.ChannelInfo(ctx, spy, channel)
	if err != nil {
		c.log.Warn().Err(err).Str("channel", channel).Msg("не удалось получить информацию о канале")
		return nil, nil
	}
	return &info, nil
}

// RecentMessages возвращает последние сообщения канала. Ошибка шлюза
// пробрасывается вызывающему.
func (c *Collector) RecentMessages(ctx context.Context, spy domain.Spy, channel string, limit int) ([]domain.MessageStats, error) {
	return c.gateway.ReadChannel(ctx, spy, channel, limit)
}

var _ domain.UserbotCollector = (*Collector)(nil)
