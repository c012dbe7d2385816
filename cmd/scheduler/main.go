package main

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"tg-stats-bot/internal/adapters/repo"
	"tg-stats-bot/internal/domain"
	"tg-stats-bot/internal/infra/config"
	"tg-stats-bot/internal/infra/db"
	"tg-stats-bot/internal/infra/queue"
)

func main() {
	cfg := config.Load()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := db.Connect(cfg.PGDSN)
	if err != nil {
		log.Fatal().Err(err).Msg("scheduler: нет подключения к БД")
	}
	defer pool.Close()

	repoAdapter := repo.NewPostgres(pool)

	var syncQueue domain.SyncQueue
	switch {
	case cfg.RabbitURL != "":
		rabbit, err := queue.NewRabbitSyncQueue(cfg.RabbitURL, cfg.Queues.Sync)
		if err != nil {
			log.Fatal().Err(err).Msg("scheduler: не удалось инициализировать очередь RabbitMQ")
		}
		defer rabbit.Close()
		syncQueue = rabbit
	case cfg.RedisAddr != "":
		log.Warn().Msg("scheduler: RabbitMQ не настроен, очередь задач работает через Redis")
		syncQueue = queue.NewRedisSyncQueue(redis.NewClient(&redis.Options{Addr: cfg.RedisAddr}), cfg.Queues.Sync)
	default:
		log.Fatal().Msg("scheduler: не настроена очередь задач (RABBITMQ_URL или REDIS_ADDR)")
	}

	interval := cfg.Sync.SweepInterval
	log.Info().Dur("interval", interval).Msg("scheduler: запущен")

	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("scheduler: остановлен")
			return
		case now := <-ticker.C:
			slot := now.UTC().Truncate(interval)
			acquired, err := repoAdapter.AcquireScheduleTask(ctx, slot)
			if err != nil {
				log.Error().Err(err).Msg("scheduler: не удалось пометить запуск обхода")
				continue
			}
			if !acquired {
				continue
			}
			job := domain.SyncJob{
				ID:          uuid.NewString(),
				Kind:        domain.SyncJobSweep,
				RequestedAt: now.UTC(),
				Cause:       domain.SyncCauseScheduled,
			}
			if err := syncQueue.Enqueue(ctx, job); err != nil {
				log.Error().Err(err).Msg("scheduler: не удалось поставить обход в очередь")
				continue
			}
			log.Info().Str("job_id", job.ID).Time("slot", slot).Msg("scheduler: обход поставлен в очередь")
		}
	}
}
