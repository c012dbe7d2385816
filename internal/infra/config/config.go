package config

import (
	"log"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// AppConfig описывает конфигурацию сервисов.
type AppConfig struct {
	AppEnv string `envconfig:"APP_ENV" default:"dev"`
	TZ     string `envconfig:"TZ" default:"Europe/Kyiv"`
	Port   int    `envconfig:"PORT" default:"8080"`

	Telegram struct {
		Token string `envconfig:"TG_BOT_TOKEN"`
	} `envconfig:""`

	Gateway struct {
		BaseURL string        `envconfig:"USERBOT_GATEWAY_URL" default:"https://promobot.store"`
		Timeout time.Duration `envconfig:"USERBOT_GATEWAY_TIMEOUT" default:"30s"`
	} `envconfig:""`

	PGDSN string `envconfig:"PG_DSN"`

	RedisAddr string `envconfig:"REDIS_ADDR"`

	RabbitURL string `envconfig:"RABBITMQ_URL"`

	Sync struct {
		// Staleness задаёт окно давности для источников: источник,
		// синхронизированный позже чем Staleness назад, пропускается.
		Staleness time.Duration `envconfig:"SYNC_SOURCE_STALENESS" default:"30m"`
		// Pace — минимальный интервал между внешними вызовами внутри обхода.
		Pace time.Duration `envconfig:"SYNC_PACE_INTERVAL" default:"1s"`
		// SweepInterval — периодичность постановки обхода в очередь.
		SweepInterval time.Duration `envconfig:"SYNC_SWEEP_INTERVAL" default:"15m"`
		// PostsLimit — сколько последних постов сервиса обновлять за проход.
		PostsLimit int `envconfig:"SYNC_POSTS_LIMIT" default:"50"`
		// SourceReadLimit — сколько сообщений читать из источника за проход.
		SourceReadLimit int `envconfig:"SYNC_SOURCE_READ_LIMIT" default:"20"`
		// LeaseTTL — время жизни блокировки обхода в Redis.
		LeaseTTL time.Duration `envconfig:"SYNC_LEASE_TTL" default:"10m"`
	} `envconfig:""`

	Queues struct {
		Sync string `envconfig:"SYNC_QUEUE_KEY" default:"sync_jobs"`
	} `envconfig:""`

	// InternalToken защищает внутренние триггерные эндпоинты.
	InternalToken string `envconfig:"INTERNAL_API_TOKEN"`
}

// Load загружает конфиг из окружения.
func Load() AppConfig {
	var cfg AppConfig
	if err := envconfig.Process("", &cfg); err != nil {
		log.Fatalf("не удалось загрузить конфиг: %v", err)
	}
	return cfg
}
