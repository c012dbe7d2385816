package botapi

import (
	"context"
	"fmt"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog"

	"tg-stats-bot/internal/domain"
	"tg-stats-bot/internal/infra/metrics"
)

// Client проверяет публичные каналы через Bot API.
type Client struct {
	api *tgbotapi.BotAPI
	log zerolog.Logger
}

// NewClient создаёт клиент Bot API.
func NewClient(token string, logger zerolog.Logger) (*Client, error) {
	api, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("bot api init: %w", err)
	}
	return &Client{api: api, log: logger.With().Str("component", "botapi").Logger()}, nil
}

// ValidateChannel проверяет существование публичного канала и возвращает
// его метаданные. Приватные каналы и инвайт-ссылки Bot API не видит.
func (c *Client) ValidateChannel(ctx context.Context, channel string) (domain.ChannelInfo, error) {
	username := "@" + strings.TrimPrefix(strings.TrimSpace(channel), "@")
	if strings.HasPrefix(channel, "+") {
		return domain.ChannelInfo{}, fmt.Errorf("канал по инвайт-ссылке нельзя проверить через Bot API")
	}

	start := time.Now()
	chat, err := c.api.GetChat(tgbotapi.ChatInfoConfig{
		ChatConfig: tgbotapi.ChatConfig{SuperGroupUsername: username},
	})
	metrics.ObserveNetworkRequest("botapi", "get_chat", channel, start, err)
	if err != nil {
		return domain.ChannelInfo{}, fmt.Errorf("канал %s не найден: %w", username, err)
	}
	if chat.Type != "channel" {
		return domain.ChannelInfo{}, fmt.Errorf("%s не является каналом", username)
	}

	info := domain.ChannelInfo{Title: chat.Title, Username: chat.UserName}

	start = time.Now()
	count, err := c.api.GetChatMembersCount(tgbotapi.ChatMemberCountConfig{
		ChatConfig: tgbotapi.ChatConfig{SuperGroupUsername: username},
	})
	metrics.ObserveNetworkRequest("botapi", "get_chat_members_count", channel, start, err)
	if err != nil {
		c.log.Warn().Err(err).Str("channel", channel).Msg("не удалось получить число участников")
		return info, nil
	}
	info.MembersCount = count
	return info, nil
}

var _ domain.ChannelValidator = (*Client)(nil)
