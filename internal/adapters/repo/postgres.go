package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"tg-stats-bot/internal/domain"
	"tg-stats-bot/internal/infra/metrics"
)

// Postgres реализует репозитории на основе pgxpool.
type Postgres struct {
	pool *pgxpool.Pool
}

// NewPostgres создаёт адаптер БД.
func NewPostgres(pool *pgxpool.Pool) *Postgres {
	return &Postgres{pool: pool}
}

var (
	_ domain.ServiceRepo        = (*Postgres)(nil)
	_ domain.PostRepo           = (*Postgres)(nil)
	_ domain.StatsHistoryRepo   = (*Postgres)(nil)
	_ domain.SourceChannelRepo  = (*Postgres)(nil)
	_ domain.SourcePostRepo     = (*Postgres)(nil)
	_ domain.SpyRepo            = (*Postgres)(nil)
	_ domain.ScheduleTaskRepo   = (*Postgres)(nil)
	_ domain.SyncJobStatusRepo  = (*Postgres)(nil)
	_ domain.BusinessMetricRepo = (*Postgres)(nil)
)

// serviceTables описывает таблицы одного вида сервисов. Два вида живут
// в разных таблицах с одинаковой формой, поэтому все запросы
// параметризуются этой структурой.
type serviceTables struct {
	services   string
	posts      string
	postsFK    string
	runningCol string
}

func tablesFor(serviceType domain.ServiceType) (serviceTables, error) {
	switch serviceType {
	case domain.ServiceTypePlagiarist:
		return serviceTables{
			services:   "bot_services",
			posts:      "posts_history",
			postsFK:    "bot_service_id",
			runningCol: "is_running",
		}, nil
	case domain.ServiceTypeAI:
		return serviceTables{
			services:   "ai_bot_services",
			posts:      "ai_generated_posts",
			postsFK:    "ai_bot_service_id",
			runningCol: "is_active",
		}, nil
	default:
		return serviceTables{}, fmt.Errorf("неизвестный тип сервиса: %s", serviceType)
	}
}

func (p *Postgres) connCtx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 5*time.Second)
}

func (p *Postgres) connCtxWithParent(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		return p.connCtx()
	}
	if _, ok := ctx.Deadline(); ok {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, 5*time.Second)
}

// GetService возвращает сервис по идентификатору и типу.
func (p *Postgres) GetService(ctx context.Context, id string, serviceType domain.ServiceType) (domain.Service, error) {
	tables, err := tablesFor(serviceType)
	if err != nil {
		return domain.Service{}, err
	}
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	query := fmt.Sprintf(`
SELECT id, user_id, target_channel, spy_id, stats_method, %s, last_stats_sync, created_at, updated_at
FROM %s WHERE id = $1
`, tables.runningCol, tables.services)

	start := time.Now()
	row := p.pool.QueryRow(ctx, query, id)
	svc, err := scanService(row, serviceType)
	metrics.ObserveNetworkRequest("postgres", "service_get", tables.services, start, err)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Service{}, domain.ErrServiceNotFound
	}
	if err != nil {
		return domain.Service{}, err
	}
	return svc, nil
}

// ListServices возвращает сервисы обоих видов в порядке создания.
func (p *Postgres) ListServices(ctx context.Context) ([]domain.Service, error) {
	var all []domain.Service
	for _, serviceType := range []domain.ServiceType{domain.ServiceTypePlagiarist, domain.ServiceTypeAI} {
		services, err := p.listServicesOf(ctx, serviceType)
		if err != nil {
			return nil, err
		}
		all = append(all, services...)
	}
	return all, nil
}

func (p *Postgres) listServicesOf(ctx context.Context, serviceType domain.ServiceType) ([]domain.Service, error) {
	tables, err := tablesFor(serviceType)
	if err != nil {
		return nil, err
	}
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	query := fmt.Sprintf(`
SELECT id, user_id, target_channel, spy_id, stats_method, %s, last_stats_sync, created_at, updated_at
FROM %s ORDER BY created_at
`, tables.runningCol, tables.services)

	start := time.Now()
	rows, err := p.pool.Query(ctx, query)
	metrics.ObserveNetworkRequest("postgres", "service_list", tables.services, start, err)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var services []domain.Service
	for rows.Next() {
		svc, err := scanService(rows, serviceType)
		if err != nil {
			return nil, err
		}
		services = append(services, svc)
	}
	return services, rows.Err()
}

func scanService(row pgx.Row, serviceType domain.ServiceType) (domain.Service, error) {
	var (
		svc         domain.Service
		spyID       sql.NullString
		statsMethod sql.NullString
		lastSync    sql.NullTime
	)
	err := row.Scan(&svc.ID, &svc.UserID, &svc.TargetChannel, &spyID, &statsMethod, &svc.IsRunning, &lastSync, &svc.CreatedAt, &svc.UpdatedAt)
	if err != nil {
		return domain.Service{}, err
	}
	svc.Type = serviceType
	if spyID.Valid {
		svc.SpyID = &spyID.String
	}
	if statsMethod.Valid && statsMethod.String != "" {
		svc.StatsMethod = domain.StatsMethod(statsMethod.String)
	} else {
		svc.StatsMethod = domain.StatsMethodScraping
	}
	if lastSync.Valid {
		t := lastSync.Time
		svc.LastStatsSync = &t
	}
	return svc, nil
}

// UpdateLastStatsSync продвигает отметку последней синхронизации сервиса.
func (p *Postgres) UpdateLastStatsSync(ctx context.Context, id string, serviceType domain.ServiceType, at time.Time) error {
	tables, err := tablesFor(serviceType)
	if err != nil {
		return err
	}
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	query := fmt.Sprintf(`UPDATE %s SET last_stats_sync = $2, updated_at = now() WHERE id = $1`, tables.services)
	start := time.Now()
	_, err = p.pool.Exec(ctx, query, id, at)
	metrics.ObserveNetworkRequest("postgres", "service_touch_sync", tables.services, start, err)
	return err
}

// ListRecentPublished возвращает до limit последних опубликованных постов
// сервиса с заполненным message_id, новые первыми.
func (p *Postgres) ListRecentPublished(ctx context.Context, service domain.Service, limit int) ([]domain.Post, error) {
	tables, err := tablesFor(service.Type)
	if err != nil {
		return nil, err
	}
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	query := fmt.Sprintf(`
SELECT id, message_id, status, COALESCE(views, 0), COALESCE(reactions, 0), mtproto_stats, created_at
FROM %s
WHERE %s = $1 AND status IN ('published', 'success') AND message_id IS NOT NULL
ORDER BY created_at DESC
LIMIT $2
`, tables.posts, tables.postsFK)

	start := time.Now()
	rows, err := p.pool.Query(ctx, query, service.ID, limit)
	metrics.ObserveNetworkRequest("postgres", "posts_list_recent", tables.posts, start, err)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var posts []domain.Post
	for rows.Next() {
		var (
			post  domain.Post
			stats []byte
		)
		if err := rows.Scan(&post.ID, &post.MessageID, &post.Status, &post.Views, &post.Reactions, &stats, &post.CreatedAt); err != nil {
			return nil, err
		}
		post.ServiceID = service.ID
		post.ServiceType = service.Type
		if len(stats) > 0 {
			var snapshot domain.MTProtoStats
			if err := json.Unmarshal(stats, &snapshot); err == nil {
				post.MTProtoStats = &snapshot
			}
		}
		posts = append(posts, post)
	}
	return posts, rows.Err()
}

// UpdateScrapedStats записывает статистику, собранную скрейпингом.
func (p *Postgres) UpdateScrapedStats(ctx context.Context, serviceType domain.ServiceType, postID string, views, reactions int) error {
	tables, err := tablesFor(serviceType)
	if err != nil {
		return err
	}
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	query := fmt.Sprintf(`UPDATE %s SET views = $2, reactions = $3 WHERE id = $1`, tables.posts)
	start := time.Now()
	_, err = p.pool.Exec(ctx, query, postID, views, reactions)
	metrics.ObserveNetworkRequest("postgres", "post_update_scraped", tables.posts, start, err)
	return err
}

// UpdateMTProtoStats записывает просмотры и jsonb-снимок, собранные юзерботом.
func (p *Postgres) UpdateMTProtoStats(ctx context.Context, serviceType domain.ServiceType, postID string, views int, stats domain.MTProtoStats) error {
	tables, err := tablesFor(serviceType)
	if err != nil {
		return err
	}
	payload, err := json.Marshal(stats)
	if err != nil {
		return fmt.Errorf("marshal mtproto stats: %w", err)
	}
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	query := fmt.Sprintf(`UPDATE %s SET views = $2, mtproto_stats = $3 WHERE id = $1`, tables.posts)
	start := time.Now()
	_, err = p.pool.Exec(ctx, query, postID, views, payload)
	metrics.ObserveNetworkRequest("postgres", "post_update_mtproto", tables.posts, start, err)
	return err
}

// UpsertDaily обновляет дневной агрегат канала или вставляет новый.
// Граница дня считается по UTC.
func (p *Postgres) UpsertDaily(ctx context.Context, entry domain.ChannelStatsEntry) error {
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	day := entry.RecordedAt.UTC().Truncate(24 * time.Hour)

	var existingID string
	start := time.Now()
	err := p.pool.QueryRow(ctx, `
SELECT id FROM channel_stats_history
WHERE service_id = $1 AND service_type = $2 AND recorded_at >= $3 AND recorded_at < $4
`, entry.ServiceID, entry.ServiceType, day, day.Add(24*time.Hour)).Scan(&existingID)
	metrics.ObserveNetworkRequest("postgres", "stats_history_lookup", "channel_stats_history", start, err)

	switch {
	case err == nil:
		start = time.Now()
		_, err = p.pool.Exec(ctx, `
UPDATE channel_stats_history
SET subscribers_count = $2, total_views = $3, total_reactions = $4, recorded_at = $5
WHERE id = $1
`, existingID, entry.SubscribersCount, entry.TotalViews, entry.TotalReactions, entry.RecordedAt)
		metrics.ObserveNetworkRequest("postgres", "stats_history_update", "channel_stats_history", start, err)
		return err
	case errors.Is(err, pgx.ErrNoRows):
		start = time.Now()
		_, err = p.pool.Exec(ctx, `
INSERT INTO channel_stats_history (service_id, service_type, channel_name, subscribers_count, total_views, total_reactions, recorded_at)
VALUES ($1, $2, $3, $4, $5, $6, $7)
`, entry.ServiceID, entry.ServiceType, entry.ChannelName, entry.SubscribersCount, entry.TotalViews, entry.TotalReactions, entry.RecordedAt)
		metrics.ObserveNetworkRequest("postgres", "stats_history_insert", "channel_stats_history", start, err)
		return err
	default:
		return err
	}
}

// GetSourceChannel возвращает канал-источник по идентификатору.
func (p *Postgres) GetSourceChannel(ctx context.Context, id string) (domain.SourceChannel, error) {
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	start := time.Now()
	row := p.pool.QueryRow(ctx, `
SELECT id, bot_service_id, channel_username, COALESCE(channel_title, ''), is_private, COALESCE(invite_hash, ''), spy_id, is_active, last_sync_at, created_at
FROM source_channels WHERE id = $1
`, id)
	source, err := scanSourceChannel(row)
	metrics.ObserveNetworkRequest("postgres", "source_get", "source_channels", start, err)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.SourceChannel{}, domain.ErrSourceNotFound
	}
	if err != nil {
		return domain.SourceChannel{}, err
	}
	return source, nil
}

// ListActiveSources возвращает активные каналы-источники.
func (p *Postgres) ListActiveSources(ctx context.Context) ([]domain.SourceChannel, error) {
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	start := time.Now()
	rows, err := p.pool.Query(ctx, `
SELECT id, bot_service_id, channel_username, COALESCE(channel_title, ''), is_private, COALESCE(invite_hash, ''), spy_id, is_active, last_sync_at, created_at
FROM source_channels WHERE is_active ORDER BY created_at
`)
	metrics.ObserveNetworkRequest("postgres", "source_list_active", "source_channels", start, err)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sources []domain.SourceChannel
	for rows.Next() {
		source, err := scanSourceChannel(rows)
		if err != nil {
			return nil, err
		}
		sources = append(sources, source)
	}
	return sources, rows.Err()
}

func scanSourceChannel(row pgx.Row) (domain.SourceChannel, error) {
	var (
		source   domain.SourceChannel
		spyID    sql.NullString
		lastSync sql.NullTime
	)
	err := row.Scan(&source.ID, &source.BotServiceID, &source.Username, &source.Title, &source.IsPrivate, &source.InviteHash, &spyID, &source.IsActive, &lastSync, &source.CreatedAt)
	if err != nil {
		return domain.SourceChannel{}, err
	}
	if spyID.Valid {
		source.SpyID = &spyID.String
	}
	if lastSync.Valid {
		t := lastSync.Time
		source.LastSyncAt = &t
	}
	return source, nil
}

// UpdateSourceSyncedAt продвигает отметку последнего чтения источника.
func (p *Postgres) UpdateSourceSyncedAt(ctx context.Context, id string, at time.Time) error {
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	start := time.Now()
	_, err := p.pool.Exec(ctx, `UPDATE source_channels SET last_sync_at = $2 WHERE id = $1`, id, at)
	metrics.ObserveNetworkRequest("postgres", "source_touch_sync", "source_channels", start, err)
	return err
}

// UpdateSourceTitle обновляет отображаемое имя источника.
func (p *Postgres) UpdateSourceTitle(ctx context.Context, id, title string) error {
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	start := time.Now()
	_, err := p.pool.Exec(ctx, `UPDATE source_channels SET channel_title = $2 WHERE id = $1`, id, title)
	metrics.ObserveNetworkRequest("postgres", "source_update_title", "source_channels", start, err)
	return err
}

// InsertSourcePost вставляет захваченный пост. Возвращает false без
// ошибки, если пост с таким (source_channel_id, original_message_id)
// уже сохранён.
func (p *Postgres) InsertSourcePost(ctx context.Context, post domain.SourcePost) (bool, error) {
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	start := time.Now()
	tag, err := p.pool.Exec(ctx, `
INSERT INTO source_posts (source_channel_id, bot_service_id, original_message_id, post_text, media_url, media_type, has_media, views_count, forwards_count, posted_at)
VALUES ($1, $2, $3, NULLIF($4, ''), NULLIF($5, ''), NULLIF($6, ''), $7, $8, $9, $10)
ON CONFLICT (source_channel_id, original_message_id) DO NOTHING
`, post.SourceChannelID, post.BotServiceID, post.OriginalMessageID, post.Text, post.MediaURL, post.MediaType, post.HasMedia, post.ViewsCount, post.ForwardsCount, post.PostedAt)
	metrics.ObserveNetworkRequest("postgres", "source_post_insert", "source_posts", start, err)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

// GetActiveSpy возвращает активную сессию юзербота.
func (p *Postgres) GetActiveSpy(ctx context.Context, id string) (domain.Spy, error) {
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	var (
		spy          domain.Spy
		phone        sql.NullString
		lastError    sql.NullString
		lastActivity sql.NullTime
	)
	start := time.Now()
	err := p.pool.QueryRow(ctx, `
SELECT id, name, api_id, api_hash, session_string, phone_number, is_active, is_authorized, error_count, last_error, last_activity_at
FROM telegram_spies WHERE id = $1 AND is_active
`, id).Scan(&spy.ID, &spy.Name, &spy.APIID, &spy.APIHash, &spy.SessionString, &phone, &spy.IsActive, &spy.IsAuthorized, &spy.ErrorCount, &lastError, &lastActivity)
	metrics.ObserveNetworkRequest("postgres", "spy_get_active", "telegram_spies", start, err)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Spy{}, domain.ErrSpyNotFound
	}
	if err != nil {
		return domain.Spy{}, err
	}
	if phone.Valid {
		spy.PhoneNumber = phone.String
	}
	if lastError.Valid {
		spy.LastError = lastError.String
	}
	if lastActivity.Valid {
		t := lastActivity.Time
		spy.LastActivityAt = &t
	}
	return spy, nil
}

// UpsertSpy сохраняет сессию юзербота по имени.
func (p *Postgres) UpsertSpy(ctx context.Context, spy domain.Spy) (domain.Spy, error) {
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	start := time.Now()
	err := p.pool.QueryRow(ctx, `
INSERT INTO telegram_spies (name, api_id, api_hash, session_string, phone_number, is_active, is_authorized)
VALUES ($1, $2, $3, $4, NULLIF($5, ''), $6, $7)
ON CONFLICT (name) DO UPDATE SET api_id = EXCLUDED.api_id, api_hash = EXCLUDED.api_hash, session_string = EXCLUDED.session_string, phone_number = EXCLUDED.phone_number, is_active = EXCLUDED.is_active, is_authorized = EXCLUDED.is_authorized
RETURNING id
`, spy.Name, spy.APIID, spy.APIHash, spy.SessionString, spy.PhoneNumber, spy.IsActive, spy.IsAuthorized).Scan(&spy.ID)
	metrics.ObserveNetworkRequest("postgres", "spy_upsert", "telegram_spies", start, err)
	if err != nil {
		return domain.Spy{}, err
	}
	return spy, nil
}

// TouchSpyActivity отмечает успешное использование сессии и сбрасывает
// счётчик ошибок.
func (p *Postgres) TouchSpyActivity(ctx context.Context, id string, at time.Time) error {
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	start := time.Now()
	_, err := p.pool.Exec(ctx, `
UPDATE telegram_spies SET last_activity_at = $2, error_count = 0, last_error = NULL WHERE id = $1
`, id, at)
	metrics.ObserveNetworkRequest("postgres", "spy_touch", "telegram_spies", start, err)
	return err
}

// RecordSpyError увеличивает счётчик ошибок сессии и запоминает текст.
func (p *Postgres) RecordSpyError(ctx context.Context, id, message string) error {
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	start := time.Now()
	_, err := p.pool.Exec(ctx, `
UPDATE telegram_spies SET error_count = error_count + 1, last_error = $2 WHERE id = $1
`, id, message)
	metrics.ObserveNetworkRequest("postgres", "spy_record_error", "telegram_spies", start, err)
	return err
}

// SaveSpyChannelInfo запоминает последние метаданные канала, увиденные сессией.
func (p *Postgres) SaveSpyChannelInfo(ctx context.Context, id string, info domain.ChannelInfo) error {
	payload, err := json.Marshal(map[string]any{
		"title":         info.Title,
		"username":      info.Username,
		"members_count": info.MembersCount,
	})
	if err != nil {
		return err
	}
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	start := time.Now()
	_, err = p.pool.Exec(ctx, `
UPDATE telegram_spies SET last_channel_info = $2 WHERE id = $1
`, id, payload)
	metrics.ObserveNetworkRequest("postgres", "spy_save_channel_info", "telegram_spies", start, err)
	return err
}

// AcquireScheduleTask помечает запуск обхода на указанное время.
// Возвращает false без ошибки, если запуск уже помечен.
func (p *Postgres) AcquireScheduleTask(ctx context.Context, scheduledFor time.Time) (bool, error) {
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	start := time.Now()
	tag, err := p.pool.Exec(ctx, `
INSERT INTO sync_schedule_tasks (scheduled_for) VALUES ($1)
ON CONFLICT (scheduled_for) DO NOTHING
`, scheduledFor.UTC())
	metrics.ObserveNetworkRequest("postgres", "schedule_acquire", "sync_schedule_tasks", start, err)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

// EnsureSyncJob регистрирует попытку обработки задачи.
func (p *Postgres) EnsureSyncJob(ctx context.Context, jobID string) (bool, int, error) {
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	var (
		done    bool
		attempt int
	)
	start := time.Now()
	err := p.pool.QueryRow(ctx, `
INSERT INTO sync_job_statuses (job_id, attempts, done)
VALUES ($1, 1, false)
ON CONFLICT (job_id) DO UPDATE SET attempts = sync_job_statuses.attempts + CASE WHEN sync_job_statuses.done THEN 0 ELSE 1 END, updated_at = now()
RETURNING done, attempts
`, jobID).Scan(&done, &attempt)
	metrics.ObserveNetworkRequest("postgres", "sync_job_ensure", "sync_job_statuses", start, err)
	if err != nil {
		return false, 0, err
	}
	return done, attempt, nil
}

// MarkSyncJobDone помечает задачу как окончательно обработанную.
func (p *Postgres) MarkSyncJobDone(ctx context.Context, jobID string) error {
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	start := time.Now()
	_, err := p.pool.Exec(ctx, `
UPDATE sync_job_statuses SET done = true, updated_at = now() WHERE job_id = $1
`, jobID)
	metrics.ObserveNetworkRequest("postgres", "sync_job_done", "sync_job_statuses", start, err)
	return err
}

// RecordBusinessMetric сохраняет бизнесовую метрику в БД.
func (p *Postgres) RecordBusinessMetric(ctx context.Context, metric domain.BusinessMetric) error {
	if metric.Event == "" {
		return nil
	}
	if metric.OccurredAt.IsZero() {
		metric.OccurredAt = time.Now().UTC()
	}
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	var userID sql.NullString
	if metric.UserID != nil {
		userID = sql.NullString{String: *metric.UserID, Valid: true}
	}
	var serviceID sql.NullString
	if metric.ServiceID != nil {
		serviceID = sql.NullString{String: *metric.ServiceID, Valid: true}
	}
	var payload []byte
	if metric.Metadata != nil {
		if data, err := json.Marshal(metric.Metadata); err == nil {
			payload = data
		}
	}

	start := time.Now()
	_, err := p.pool.Exec(ctx, `
INSERT INTO business_metrics (event, user_id, service_id, metadata, occurred_at)
VALUES ($1, $2, $3, $4, $5)
`, metric.Event, userID, serviceID, payload, metric.OccurredAt)
	metrics.ObserveNetworkRequest("postgres", "business_metrics_insert", "business_metrics", start, err)
	return err
}
