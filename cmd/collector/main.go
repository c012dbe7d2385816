package main

import (
	"context"
	"errors"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"tg-stats-bot/internal/adapters/botapi"
	"tg-stats-bot/internal/adapters/gateway"
	"tg-stats-bot/internal/adapters/repo"
	"tg-stats-bot/internal/adapters/scrape"
	"tg-stats-bot/internal/adapters/userbot"
	"tg-stats-bot/internal/domain"
	"tg-stats-bot/internal/infra/cache"
	"tg-stats-bot/internal/infra/config"
	"tg-stats-bot/internal/infra/db"
	applog "tg-stats-bot/internal/infra/log"
	"tg-stats-bot/internal/infra/metrics"
	"tg-stats-bot/internal/infra/queue"
	ingestusecase "tg-stats-bot/internal/usecase/ingest"
	statsusecase "tg-stats-bot/internal/usecase/stats"
	syncusecase "tg-stats-bot/internal/usecase/sync"
)

func main() {
	cfg := config.Load()
	logger := applog.NewLogger(cfg.AppEnv)

	metrics.MustRegister(prometheus.DefaultRegisterer)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	metrics.StartServer(ctx, logger.With().Str("component", "metrics").Logger(), ":9090")

	pool, err := db.Connect(cfg.PGDSN)
	if err != nil {
		logger.Fatal().Err(err).Msg("collector: нет подключения к БД")
	}
	defer pool.Close()

	repoAdapter := repo.NewPostgres(pool)

	var redisClient *redis.Client
	if cfg.RedisAddr != "" {
		redisClient = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	}

	var syncQueue domain.SyncQueue
	switch {
	case cfg.RabbitURL != "":
		rabbit, err := queue.NewRabbitSyncQueue(cfg.RabbitURL, cfg.Queues.Sync)
		if err != nil {
			logger.Fatal().Err(err).Msg("collector: не удалось инициализировать очередь RabbitMQ")
		}
		defer rabbit.Close()
		syncQueue = rabbit
	case redisClient != nil:
		logger.Warn().Msg("collector: RabbitMQ не настроен, очередь задач работает через Redis")
		syncQueue = queue.NewRedisSyncQueue(redisClient, cfg.Queues.Sync)
	default:
		logger.Fatal().Msg("collector: не настроена очередь задач (RABBITMQ_URL или REDIS_ADDR)")
	}

	gatewayClient, err := gateway.New(cfg.Gateway.BaseURL, gateway.WithTimeout(cfg.Gateway.Timeout))
	if err != nil {
		logger.Fatal().Err(err).Msg("collector: не удалось создать клиент шлюза")
	}
	userbotCollector := userbot.NewCollector(gatewayClient, logger)
	scrapeCollector := scrape.NewCollector(logger, nil)

	var validator domain.ChannelValidator
	if cfg.Telegram.Token != "" {
		botClient, err := botapi.NewClient(cfg.Telegram.Token, logger)
		if err != nil {
			logger.Fatal().Err(err).Msg("collector: не удалось создать клиент Bot API")
		}
		validator = botClient
	}

	var sweepCache domain.Cache
	if redisClient != nil {
		sweepCache = cache.NewRedis(redisClient)
	}

	limiter := rate.NewLimiter(rate.Every(cfg.Sync.Pace), 1)

	statsService := statsusecase.NewService(
		repoAdapter, repoAdapter, repoAdapter, repoAdapter,
		scrapeCollector, userbotCollector, repoAdapter,
		limiter, cfg.Sync.PostsLimit, logger,
	)
	ingestService := ingestusecase.NewService(
		repoAdapter, repoAdapter, repoAdapter,
		userbotCollector, validator, repoAdapter,
		cfg.Sync.SourceReadLimit, logger,
	)
	sweeper := syncusecase.NewSweeper(
		repoAdapter, repoAdapter, statsService, ingestService, repoAdapter,
		sweepCache, limiter, cfg.Sync.Staleness, cfg.Sync.LeaseTTL, logger,
	)

	worker := &jobWorker{
		log:      logger,
		queue:    syncQueue,
		statuses: repoAdapter,
		stats:    statsService,
		ingest:   ingestService,
		sweeper:  sweeper,
	}

	logger.Info().Msg("collector: запуск обработки очереди")
	worker.Run(ctx)
	logger.Info().Msg("collector: остановлен")
}

type jobWorker struct {
	log      zerolog.Logger
	queue    domain.SyncQueue
	statuses domain.SyncJobStatusRepo
	stats    *statsusecase.Service
	ingest   *ingestusecase.Service
	sweeper  *syncusecase.Sweeper
}

const maxDeliveryAttempts = 5

type jobOutcome int

const (
	jobOutcomeCompleted jobOutcome = iota
	jobOutcomeRetry
)

func (w *jobWorker) Run(ctx context.Context) {
	for {
		job, ack, err := w.queue.Receive(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			w.log.Error().Err(err).Msg("collector: ошибка чтения очереди")
			time.Sleep(time.Second)
			continue
		}

		jobLog := w.log.With().
			Str("job_id", job.ID).
			Str("kind", string(job.Kind)).
			Str("cause", string(job.Cause)).
			Logger()

		if job.ID == "" {
			jobLog.Error().Msg("collector: получена задача без идентификатора, подтверждаем и пропускаем")
			if err := ack(true); err != nil {
				jobLog.Error().Err(err).Msg("collector: не удалось подтвердить задачу без идентификатора")
			}
			continue
		}

		done, attempt, err := w.statuses.EnsureSyncJob(ctx, job.ID)
		if err != nil {
			jobLog.Error().Err(err).Msg("collector: не удалось зарегистрировать задачу")
			if ackErr := ack(false); ackErr != nil {
				jobLog.Error().Err(ackErr).Msg("collector: не удалось вернуть задачу в очередь")
			}
			time.Sleep(time.Second)
			continue
		}

		jobLog = jobLog.With().Int("attempt", attempt).Logger()

		if done {
			jobLog.Info().Msg("collector: задача уже была обработана, подтверждаем")
			if err := ack(true); err != nil {
				jobLog.Error().Err(err).Msg("collector: не удалось подтвердить ранее обработанную задачу")
			}
			continue
		}

		outcome := w.handleJob(ctx, job, jobLog)

		if outcome == jobOutcomeRetry && attempt < maxDeliveryAttempts {
			jobLog.Warn().Msg("collector: задача завершилась ошибкой, повторим позже")
			if err := ack(false); err != nil {
				jobLog.Error().Err(err).Msg("collector: не удалось вернуть задачу после ошибки")
			}
			continue
		}

		if outcome == jobOutcomeRetry {
			jobLog.Error().Msg("collector: достигнут предел попыток, помечаем задачу как завершённую")
		}

		if err := w.statuses.MarkSyncJobDone(ctx, job.ID); err != nil {
			jobLog.Error().Err(err).Msg("collector: не удалось пометить задачу обработанной")
			if ackErr := ack(false); ackErr != nil {
				jobLog.Error().Err(ackErr).Msg("collector: не удалось вернуть задачу после ошибки статуса")
			}
			time.Sleep(time.Second)
			continue
		}

		if err := ack(true); err != nil {
			jobLog.Error().Err(err).Msg("collector: не удалось подтвердить задачу")
		}
	}
}

func (w *jobWorker) handleJob(ctx context.Context, job domain.SyncJob, jobLog zerolog.Logger) jobOutcome {
	switch job.Kind {
	case domain.SyncJobSweep:
		report, err := w.sweeper.Sweep(ctx)
		if err != nil {
			if errors.Is(err, syncusecase.ErrSweepAlreadyRunning) {
				jobLog.Info().Msg("collector: обход уже идёт, пропускаем")
				return jobOutcomeCompleted
			}
			jobLog.Error().Err(err).Msg("collector: обход завершился ошибкой")
			return jobOutcomeRetry
		}
		jobLog.Info().
			Int("services_synced", report.ServicesSynced).
			Int("sources_synced", report.SourcesSynced).
			Int("posts_inserted", report.PostsInserted).
			Msg("collector: обход выполнен")
		return jobOutcomeCompleted

	case domain.SyncJobServiceStats:
		result, err := w.stats.SyncService(ctx, job.ServiceID, job.ServiceType)
		if err != nil {
			if errors.Is(err, domain.ErrServiceNotFound) {
				jobLog.Error().Err(err).Msg("collector: сервис не найден, задача не повторяется")
				return jobOutcomeCompleted
			}
			jobLog.Error().Err(err).Msg("collector: синхронизация сервиса завершилась ошибкой")
			return jobOutcomeRetry
		}
		jobLog.Info().
			Int("updated", result.Updated).
			Int("total", result.Total).
			Str("method", string(result.Method)).
			Msg("collector: статистика сервиса обновлена")
		return jobOutcomeCompleted

	case domain.SyncJobSourcePosts:
		result, err := w.ingest.SyncSource(ctx, job.SourceID)
		if err != nil {
			if errors.Is(err, domain.ErrSourceNotFound) || errors.Is(err, ingestusecase.ErrSourceInactive) || errors.Is(err, ingestusecase.ErrNoSpyAssigned) {
				jobLog.Warn().Err(err).Msg("collector: источник не обрабатывается, задача не повторяется")
				return jobOutcomeCompleted
			}
			jobLog.Error().Err(err).Msg("collector: чтение источника завершилось ошибкой")
			return jobOutcomeRetry
		}
		jobLog.Info().
			Int("read", result.Read).
			Int("inserted", result.Inserted).
			Msg("collector: источник прочитан")
		return jobOutcomeCompleted

	default:
		jobLog.Error().Msg("collector: неизвестный вид задачи, подтверждаем и пропускаем")
		return jobOutcomeCompleted
	}
}
