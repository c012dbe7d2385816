package domain

import (
	"context"
	"time"
)

// ServiceRepo управляет сервисами автоматизации обоих видов.
type ServiceRepo interface {
	GetService(ctx context.Context, id string, serviceType ServiceType) (Service, error)
	// ListServices возвращает сервисы обоих видов в порядке создания.
	ListServices(ctx context.Context) ([]Service, error)
	UpdateLastStatsSync(ctx context.Context, id string, serviceType ServiceType, at time.Time) error
}

// PostRepo управляет опубликованными постами сервисов.
type PostRepo interface {
	// ListRecentPublished возвращает до limit последних постов сервиса
	// со статусом published/success и заполненным message_id, новые первыми.
	ListRecentPublished(ctx context.Context, service Service, limit int) ([]Post, error)
	UpdateScrapedStats(ctx context.Context, serviceType ServiceType, postID string, views, reactions int) error
	UpdateMTProtoStats(ctx context.Context, serviceType ServiceType, postID string, views int, stats MTProtoStats) error
}

// StatsHistoryRepo хранит дневные агрегаты статистики каналов.
type StatsHistoryRepo interface {
	// UpsertDaily обновляет существующую запись за UTC-день entry.RecordedAt
	// или вставляет новую. Повторный вызов в тот же день не создаёт дубликата.
	UpsertDaily(ctx context.Context, entry ChannelStatsEntry) error
}

// SourceChannelRepo управляет каналами-источниками.
type SourceChannelRepo interface {
	GetSourceChannel(ctx context.Context, id string) (SourceChannel, error)
	ListActiveSources(ctx context.Context) ([]SourceChannel, error)
	UpdateSourceSyncedAt(ctx context.Context, id string, at time.Time) error
	UpdateSourceTitle(ctx context.Context, id, title string) error
}

// SourcePostRepo сохраняет захваченные посты источников.
type SourcePostRepo interface {
	// InsertSourcePost вставляет пост. Возвращает false без ошибки, если пост
	// с таким (source_channel_id, original_message_id) уже существует.
	InsertSourcePost(ctx context.Context, post SourcePost) (bool, error)
}

// SpyRepo управляет юзербот-сессиями.
type SpyRepo interface {
	// GetActiveSpy возвращает активную сессию по идентификатору.
	GetActiveSpy(ctx context.Context, id string) (Spy, error)
	UpsertSpy(ctx context.Context, spy Spy) (Spy, error)
	TouchSpyActivity(ctx context.Context, id string, at time.Time) error
	RecordSpyError(ctx context.Context, id, message string) error
	SaveSpyChannelInfo(ctx context.Context, id string, info ChannelInfo) error
}

// ScrapeCollector собирает статистику из публичных HTML-страниц Telegram.
type ScrapeCollector interface {
	// PostStats возвращает nil без ошибки, если страница поста недоступна.
	PostStats(ctx context.Context, channel string, messageID int64) (*PostStats, error)
	// Subscribers возвращает nil, если число подписчиков не удалось распарсить.
	Subscribers(ctx context.Context, channel string) (*int, error)
}

// UserbotCollector читает данные каналов через авторизованную сессию.
type UserbotCollector interface {
	// ChannelInfo возвращает nil без ошибки при любой неудаче шлюза.
	ChannelInfo(ctx context.Context, spy Spy, channel string) (*ChannelInfo, error)
	RecentMessages(ctx context.Context, spy Spy, channel string, limit int) ([]MessageStats, error)
}

// ChannelValidator проверяет канал через Bot API и возвращает его метаданные.
type ChannelValidator interface {
	ValidateChannel(ctx context.Context, channel string) (ChannelInfo, error)
}

// SpyGateway управляет членством сессии в каналах.
type SpyGateway interface {
	Join(ctx context.Context, spy Spy, channel string) error
	Leave(ctx context.Context, spy Spy, channel string) error
}

// Cache предоставляет взаимные исключения с TTL.
type Cache interface {
	// AcquireLease атомарно захватывает ключ на ttl. Возвращает false,
	// если ключ уже захвачен.
	AcquireLease(ctx context.Context, key string, ttl time.Duration) (bool, error)
	ReleaseLease(ctx context.Context, key string) error
}

// BusinessMetricRepo сохраняет бизнес-метрики.
type BusinessMetricRepo interface {
	RecordBusinessMetric(ctx context.Context, metric BusinessMetric) error
}
