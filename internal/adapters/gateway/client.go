package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"tg-stats-bot/internal/domain"
	"tg-stats-bot/internal/infra/metrics"
)

// Client — HTTP-клиент шлюза юзерботов. Шлюз держит MTProto-подключения
// и выполняет операции от имени переданной сессии.
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client
}

type Option func(*Client)

func WithHTTPClient(client *http.Client) Option {
	return func(c *Client) {
		if client != nil {
			c.httpClient = client
		}
	}
}

func WithTimeout(timeout time.Duration) Option {
	return func(c *Client) {
		if c.httpClient == nil {
			c.httpClient = &http.Client{}
		}
		c.httpClient.Timeout = timeout
	}
}

// Error — ошибка шлюза с HTTP-статусом и текстом из ответа.
type Error struct {
	Status  int
	Message string
}

func (e *Error) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("userbot gateway: status=%d", e.Status)
	}
	return fmt.Sprintf("userbot gateway: status=%d message=%s", e.Status, e.Message)
}

// IsNotFound сообщает, что шлюз не нашёл канал или не имеет к нему доступа.
func (e *Error) IsNotFound() bool { return e.Status == http.StatusNotFound }

func New(baseURL string, opts ...Option) (*Client, error) {
	if baseURL == "" {
		return nil, fmt.Errorf("baseURL is required")
	}
	parsed, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	if parsed.Scheme == "" {
		parsed.Scheme = "https"
	}
	client := &Client{
		baseURL:    parsed,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
	for _, opt := range opts {
		opt(client)
	}
	return client, nil
}

type spyRequest struct {
	SessionString     string `json:"session_string"`
	APIID             string `json:"api_id"`
	APIHash           string `json:"api_hash"`
	ChannelIdentifier string `json:"channel_identifier"`
	Limit             int    `json:"limit,omitempty"`
}

type gatewayMessage struct {
	ID        int64  `json:"id"`
	Text      string `json:"text"`
	Date      string `json:"date"`
	Views     int    `json:"views"`
	Forwards  int    `json:"forwards"`
	Reactions int    `json:"reactions"`
	Media     *struct {
		Type string  `json:"type"`
		URL  *string `json:"url"`
	} `json:"media,omitempty"`
}

type readResponse struct {
	Success  bool             `json:"success"`
	Messages []gatewayMessage `json:"messages"`
	Error    string           `json:"error"`
}

type infoResponse struct {
	Success     bool   `json:"success"`
	Error       string `json:"error"`
	ChannelInfo struct {
		Title        string `json:"title"`
		Username     string `json:"username"`
		MembersCount *int   `json:"members_count"`
	} `json:"channelInfo"`
}

type actionResponse struct {
	Success       bool   `json:"success"`
	AlreadyJoined bool   `json:"already_joined"`
	Error         string `json:"error"`
}

// ReadChannel читает последние сообщения канала через сессию spy.
// Порядок и состав ответа шлюз не гарантирует, вызывающий фильтрует сам.
func (c *Client) ReadChannel(ctx context.Context, spy domain.Spy, channel string, limit int) ([]domain.MessageStats, error) {
	start := time.Now()
	var resp readResponse
	err := c.post(ctx, "/api/spy-read-channel", spyRequest{
		SessionString:     spy.SessionString,
		APIID:             spy.APIID,
		APIHash:           spy.APIHash,
		ChannelIdentifier: NormalizeChannelRef(channel),
		Limit:             limit,
	}, &resp)
	metrics.ObserveNetworkRequest("userbot_gateway", "read_channel", channel, start, err)
	if err != nil {
		metrics.GatewayErrors.Inc()
		return nil, err
	}
	if !resp.Success {
		metrics.GatewayErrors.Inc()
		return nil, &Error{Status: http.StatusOK, Message: resp.Error}
	}
	messages := make([]domain.MessageStats, 0, len(resp.Messages))
	for _, msg := range resp.Messages {
		stats := domain.MessageStats{
			MessageID: msg.ID,
			Text:      msg.Text,
			Views:     msg.Views,
			Forwards:  msg.Forwards,
			Reactions: msg.Reactions,
		}
		if ts, parseErr := time.Parse(time.RFC3339, msg.Date); parseErr == nil {
			stats.Date = ts
		} else {
			stats.Date = time.Now().UTC()
		}
		if msg.Media != nil {
			media := domain.MediaRef{Type: msg.Media.Type}
			if msg.Media.URL != nil {
				media.URL = *msg.Media.URL
			}
			stats.Media = &media
		}
		messages = append(messages, stats)
	}
	return messages, nil
}

// ChannelInfo возвращает метаданные канала через сессию spy.
func (c *Client) ChannelInfo(ctx context.Context, spy domain.Spy, channel string) (domain.ChannelInfo, error) {
	start := time.Now()
	var resp infoResponse
	err := c.post(ctx, "/api/spy-get-channel-info", spyRequest{
		SessionString:     spy.SessionString,
		APIID:             spy.APIID,
		APIHash:           spy.APIHash,
		ChannelIdentifier: NormalizeChannelRef(channel),
	}, &resp)
	metrics.ObserveNetworkRequest("userbot_gateway", "channel_info", channel, start, err)
	if err != nil {
		metrics.GatewayErrors.Inc()
		return domain.ChannelInfo{}, err
	}
	if !resp.Success {
		metrics.GatewayErrors.Inc()
		return domain.ChannelInfo{}, &Error{Status: http.StatusOK, Message: resp.Error}
	}
	info := domain.ChannelInfo{
		Title:    resp.ChannelInfo.Title,
		Username: resp.ChannelInfo.Username,
	}
	if resp.ChannelInfo.MembersCount != nil {
		info.MembersCount = *resp.ChannelInfo.MembersCount
	}
	return info, nil
}

// Join вводит сессию spy в канал. Повторный вход не считается ошибкой.
func (c *Client) Join(ctx context.Context, spy domain.Spy, channel string) error {
	return c.action(ctx, "/api/spy-join-channel", "join_channel", spy, channel)
}

// Leave выводит сессию spy из канала.
func (c *Client) Leave(ctx context.Context, spy domain.Spy, channel string) error {
	return c.action(ctx, "/api/spy-leave-channel", "leave_channel", spy, channel)
}

func (c *Client) action(ctx context.Context, endpoint, operation string, spy domain.Spy, channel string) error {
	start := time.Now()
	var resp actionResponse
	err := c.post(ctx, endpoint, spyRequest{
		SessionString:     spy.SessionString,
		APIID:             spy.APIID,
		APIHash:           spy.APIHash,
		ChannelIdentifier: NormalizeChannelRef(channel),
	}, &resp)
	metrics.ObserveNetworkRequest("userbot_gateway", operation, channel, start, err)
	if err != nil {
		metrics.GatewayErrors.Inc()
		return err
	}
	if !resp.Success && !resp.AlreadyJoined {
		metrics.GatewayErrors.Inc()
		return &Error{Status: http.StatusOK, Message: resp.Error}
	}
	return nil
}

func (c *Client) post(ctx context.Context, endpoint string, body any, out any) error {
	raw, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}
	resolved := *c.baseURL
	basePath := strings.TrimSuffix(c.baseURL.Path, "/")
	resolved.Path = path.Clean(basePath + endpoint)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, resolved.String(), bytes.NewReader(raw))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("gateway request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode >= 300 {
		var apiErr struct {
			Error string `json:"error"`
		}
		_ = json.Unmarshal(data, &apiErr)
		if apiErr.Error == "" {
			apiErr.Error = strings.TrimSpace(string(data))
		}
		return &Error{Status: resp.StatusCode, Message: apiErr.Error}
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// NormalizeChannelRef приводит ссылку на канал к идентификатору шлюза:
// @name и t.me/name превращаются в name, инвайт-ссылки в +hash,
// числовые -100…-идентификаторы остаются как есть.
func NormalizeChannelRef(ref string) string {
	ref = strings.TrimSpace(ref)
	for _, prefix := range []string{"https://t.me/", "http://t.me/", "t.me/"} {
		if strings.HasPrefix(ref, prefix) {
			ref = strings.TrimPrefix(ref, prefix)
			break
		}
	}
	if strings.HasPrefix(ref, "joinchat/") {
		ref = "+" + strings.TrimPrefix(ref, "joinchat/")
	}
	if idx := strings.IndexAny(ref, "?#"); idx >= 0 {
		ref = ref[:idx]
	}
	ref = strings.TrimSuffix(ref, "/")
	if strings.HasPrefix(ref, "@") {
		ref = strings.TrimPrefix(ref, "@")
	}
	return ref
}
