package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	chi "github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"

	"tg-stats-bot/internal/adapters/botapi"
	"tg-stats-bot/internal/adapters/gateway"
	"tg-stats-bot/internal/adapters/mtproto"
	"tg-stats-bot/internal/adapters/repo"
	"tg-stats-bot/internal/adapters/scrape"
	"tg-stats-bot/internal/adapters/userbot"
	"tg-stats-bot/internal/domain"
	"tg-stats-bot/internal/infra/config"
	"tg-stats-bot/internal/infra/db"
	httpinfra "tg-stats-bot/internal/infra/http"
	applog "tg-stats-bot/internal/infra/log"
	"tg-stats-bot/internal/infra/metrics"
	"tg-stats-bot/internal/infra/queue"
	ingestusecase "tg-stats-bot/internal/usecase/ingest"
	spiesusecase "tg-stats-bot/internal/usecase/spies"
	statsusecase "tg-stats-bot/internal/usecase/stats"
)

func main() {
	cfg := config.Load()
	logger := applog.NewLogger(cfg.AppEnv)

	metrics.MustRegister(prometheus.DefaultRegisterer)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := db.Connect(cfg.PGDSN)
	if err != nil {
		logger.Fatal().Err(err).Msg("api: нет подключения к БД")
	}
	defer pool.Close()

	repoAdapter := repo.NewPostgres(pool)

	gatewayClient, err := gateway.New(cfg.Gateway.BaseURL, gateway.WithTimeout(cfg.Gateway.Timeout))
	if err != nil {
		logger.Fatal().Err(err).Msg("api: не удалось создать клиент шлюза")
	}
	userbotCollector := userbot.NewCollector(gatewayClient, logger)
	scrapeCollector := scrape.NewCollector(logger, nil)

	var validator domain.ChannelValidator
	if cfg.Telegram.Token != "" {
		botClient, err := botapi.NewClient(cfg.Telegram.Token, logger)
		if err != nil {
			logger.Fatal().Err(err).Msg("api: не удалось создать клиент Bot API")
		}
		validator = botClient
	}

	var syncQueue domain.SyncQueue
	switch {
	case cfg.RabbitURL != "":
		rabbit, err := queue.NewRabbitSyncQueue(cfg.RabbitURL, cfg.Queues.Sync)
		if err != nil {
			logger.Fatal().Err(err).Msg("api: не удалось инициализировать очередь RabbitMQ")
		}
		defer rabbit.Close()
		syncQueue = rabbit
	case cfg.RedisAddr != "":
		logger.Warn().Msg("api: RabbitMQ не настроен, очередь задач работает через Redis")
		syncQueue = queue.NewRedisSyncQueue(redis.NewClient(&redis.Options{Addr: cfg.RedisAddr}), cfg.Queues.Sync)
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
	spyService := spiesusecase.NewService(repoAdapter, gatewayClient, validator, func(sessionString string) error {
		_, err := mtproto.ParseSessionString(sessionString)
		return err
	}, logger)

	server := httpinfra.NewServer(logger)
	server.Router.Group(func(internal chi.Router) {
		internal.Use(httpinfra.InternalTokenMiddleware(cfg.InternalToken))

		internal.Post("/api/v1/sync/stats", func(w http.ResponseWriter, r *http.Request) {
			defer r.Body.Close()
			var req syncStatsRequest
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				writeError(w, http.StatusBadRequest, "invalid request body")
				return
			}
			if req.ServiceID == "" {
				writeError(w, http.StatusBadRequest, "service_id is required")
				return
			}
			serviceType := domain.ServiceType(req.ServiceType)
			if serviceType == "" {
				serviceType = domain.ServiceTypePlagiarist
			}
			result, err := statsService.SyncService(r.Context(), req.ServiceID, serviceType)
			if err != nil {
				if errors.Is(err, domain.ErrServiceNotFound) {
					writeError(w, http.StatusNotFound, err.Error())
					return
				}
				writeError(w, http.StatusInternalServerError, err.Error())
				return
			}
			writeJSON(w, struct {
				Success bool `json:"success"`
				statsusecase.SyncResult
			}{Success: true, SyncResult: result})
		})

		internal.Post("/api/v1/sync/sources/{id}", func(w http.ResponseWriter, r *http.Request) {
			sourceID := chi.URLParam(r, "id")
			result, err := ingestService.SyncSource(r.Context(), sourceID)
			if err != nil {
				switch {
				case errors.Is(err, domain.ErrSourceNotFound):
					writeError(w, http.StatusNotFound, err.Error())
				case errors.Is(err, ingestusecase.ErrSourceInactive), errors.Is(err, ingestusecase.ErrNoSpyAssigned):
					writeError(w, http.StatusConflict, err.Error())
				default:
					writeError(w, http.StatusInternalServerError, err.Error())
				}
				return
			}
			writeJSON(w, map[string]any{
				"success":      true,
				"posts_found":  result.Read,
				"posts_saved":  result.Inserted,
				"channel_type": result.ChannelType,
			})
		})

		internal.Post("/api/v1/sync/all", func(w http.ResponseWriter, r *http.Request) {
			if syncQueue == nil {
				writeError(w, http.StatusServiceUnavailable, "очередь синхронизации не настроена")
				return
			}
			job := domain.SyncJob{
				ID:          uuid.NewString(),
				Kind:        domain.SyncJobSweep,
				RequestedAt: time.Now().UTC(),
				Cause:       domain.SyncCauseManual,
			}
			if err := syncQueue.Enqueue(r.Context(), job); err != nil {
				writeError(w, http.StatusInternalServerError, err.Error())
				return
			}
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusAccepted)
			_ = json.NewEncoder(w).Encode(map[string]string{"job_id": job.ID})
		})

		internal.Post("/api/v1/channels/validate", func(w http.ResponseWriter, r *http.Request) {
			defer r.Body.Close()
			var req channelRequest
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				writeError(w, http.StatusBadRequest, "invalid request body")
				return
			}
			if req.Channel == "" {
				writeError(w, http.StatusBadRequest, "channel is required")
				return
			}
			info, err := spyService.ValidateChannel(r.Context(), req.Channel)
			if err != nil {
				writeError(w, http.StatusNotFound, err.Error())
				return
			}
			writeJSON(w, map[string]any{
				"title":         info.Title,
				"username":      info.Username,
				"members_count": info.MembersCount,
			})
		})

		internal.Post("/api/v1/spies/{id}/join", func(w http.ResponseWriter, r *http.Request) {
			handleMembership(w, r, spyService.JoinChannel)
		})

		internal.Post("/api/v1/spies/{id}/leave", func(w http.ResponseWriter, r *http.Request) {
			handleMembership(w, r, spyService.LeaveChannel)
		})
	})

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error().Err(err).Msg("api: graceful shutdown failed")
		}
	}()

	if err := server.Start(fmt.Sprintf(":%d", cfg.Port)); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Fatal().Err(err).Msg("api: сервер остановлен с ошибкой")
	}
}

type syncStatsRequest struct {
	ServiceID   string `json:"service_id"`
	ServiceType string `json:"service_type"`
}

type channelRequest struct {
	Channel string `json:"channel"`
}

func handleMembership(w http.ResponseWriter, r *http.Request, op func(context.Context, string, string) error) {
	defer r.Body.Close()
	spyID := chi.URLParam(r, "id")
	var req channelRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Channel == "" {
		writeError(w, http.StatusBadRequest, "channel is required")
		return
	}
	if err := op(r.Context(), spyID, req.Channel); err != nil {
		if errors.Is(err, domain.ErrSpyNotFound) {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	writeJSON(w, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{"error": msg})
}
