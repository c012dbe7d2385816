package domain

import "time"

// ServiceType различает два вида сервисов автоматизации каналов.
type ServiceType string

const (
	// ServiceTypePlagiarist — сервис перепубликации контента из чужих каналов.
	ServiceTypePlagiarist ServiceType = "plagiarist"
	// ServiceTypeAI — сервис публикации сгенерированных постов.
	ServiceTypeAI ServiceType = "ai"
)

// StatsMethod определяет способ сбора статистики для сервиса.
type StatsMethod string

const (
	StatsMethodScraping StatsMethod = "scraping"
	StatsMethodMTProto  StatsMethod = "mtproto"
	StatsMethodHybrid   StatsMethod = "hybrid"
)

// Service описывает настроенный экземпляр автоматизации одного целевого канала.
type Service struct {
	ID            string
	Type          ServiceType
	UserID        string
	TargetChannel string
	SpyID         *string
	StatsMethod   StatsMethod
	IsRunning     bool
	LastStatsSync *time.Time
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Post представляет одно опубликованное сообщение сервиса.
type Post struct {
	ID           string
	ServiceID    string
	ServiceType  ServiceType
	MessageID    int64
	Status       string
	Views        int
	Reactions    int
	MTProtoStats *MTProtoStats
	CreatedAt    time.Time
}

// MTProtoStats — снимок статистики поста, собранный через юзербота.
// Хранится в jsonb-колонке поверх колонок views/reactions, чтобы можно было
// сравнивать точность методов сбора по каждому посту.
type MTProtoStats struct {
	Views       int              `json:"views"`
	Forwards    int              `json:"forwards"`
	Reactions   int              `json:"reactions"`
	Timestamp   time.Time        `json:"timestamp"`
	Method      string           `json:"method"`
	ChannelInfo *ChannelSnapshot `json:"channelInfo,omitempty"`
}

// ChannelSnapshot — встроенная в снимок копия метаданных канала.
type ChannelSnapshot struct {
	Title             string `json:"title"`
	ParticipantsCount int    `json:"participantsCount"`
}

// ChannelStatsEntry — дневной агрегат статистики канала сервиса.
// Не больше одной записи на (сервис, тип, UTC-день).
type ChannelStatsEntry struct {
	ID               string
	ServiceID        string
	ServiceType      ServiceType
	ChannelName      string
	SubscribersCount int
	TotalViews       int
	TotalReactions   int
	RecordedAt       time.Time
}

// SourceChannel — канал-источник контента, привязанный к сервису.
type SourceChannel struct {
	ID           string
	BotServiceID string
	Username     string
	Title        string
	IsPrivate    bool
	InviteHash   string
	SpyID        *string
	IsActive     bool
	LastSyncAt   *time.Time
	CreatedAt    time.Time
}

// SourcePost — сообщение, захваченное из канала-источника.
// Дедупликация по (source_channel_id, original_message_id).
type SourcePost struct {
	ID                string
	SourceChannelID   string
	BotServiceID      string
	OriginalMessageID int64
	Text              string
	MediaURL          string
	MediaType         string
	HasMedia          bool
	ViewsCount        int
	ForwardsCount     int
	PostedAt          time.Time
	CreatedAt         time.Time
}

// Spy — авторизованная MTProto-сессия (юзербот).
type Spy struct {
	ID             string
	Name           string
	APIID          string
	APIHash        string
	SessionString  string
	PhoneNumber    string
	IsActive       bool
	IsAuthorized   bool
	ErrorCount     int
	LastError      string
	LastActivityAt *time.Time
}

// PostStats — результат скрейпинга публичной страницы поста.
type PostStats struct {
	Views     int
	Reactions int
}

// MessageStats — статистика сообщения, прочитанная через юзербота.
type MessageStats struct {
	MessageID int64
	Text      string
	Views     int
	Forwards  int
	Reactions int
	Date      time.Time
	Media     *MediaRef
}

// MediaRef описывает вложение сообщения.
type MediaRef struct {
	Type string `json:"type"`
	URL  string `json:"url,omitempty"`
}

// ChannelInfo — метаданные канала, полученные через юзербота или Bot API.
type ChannelInfo struct {
	Title        string
	Username     string
	MembersCount int
}

// BusinessMetric — бизнесовое событие для аналитики.
type BusinessMetric struct {
	Event      string
	UserID     *string
	ServiceID  *string
	Metadata   map[string]any
	OccurredAt time.Time
}

// События бизнес-метрик.
const (
	BusinessMetricEventStatsSynced   = "service_stats_synced"
	BusinessMetricEventSourceSynced  = "source_posts_synced"
	BusinessMetricEventSweepFinished = "sync_sweep_finished"
)
