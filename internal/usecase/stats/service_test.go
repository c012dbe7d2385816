package stats

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"tg-stats-bot/internal/domain"
)

type stubServiceRepo struct {
	service    domain.Service
	lastSyncAt *time.Time
}

func (s *stubServiceRepo) GetService(context.Context, string, domain.ServiceType) (domain.Service, error) {
	return s.service, nil
}
func (s *stubServiceRepo) ListServices(context.Context) ([]domain.Service, error) {
	return []domain.Service{s.service}, nil
}
func (s *stubServiceRepo) UpdateLastStatsSync(_ context.Context, _ string, _ domain.ServiceType, at time.Time) error {
	s.lastSyncAt = &at
	return nil
}

type stubPostRepo struct {
	posts   []domain.Post
	scraped map[string][2]int
	mtproto map[string]domain.MTProtoStats
}

func (s *stubPostRepo) ListRecentPublished(context.Context, domain.Service, int) ([]domain.Post, error) {
	return s.posts, nil
}
func (s *stubPostRepo) UpdateScrapedStats(_ context.Context, _ domain.ServiceType, postID string, views, reactions int) error {
	if s.scraped == nil {
		s.scraped = map[string][2]int{}
	}
	s.scraped[postID] = [2]int{views, reactions}
	return nil
}
func (s *stubPostRepo) UpdateMTProtoStats(_ context.Context, _ domain.ServiceType, postID string, _ int, stats domain.MTProtoStats) error {
	if s.mtproto == nil {
		s.mtproto = map[string]domain.MTProtoStats{}
	}
	s.mtproto[postID] = stats
	return nil
}

type stubHistoryRepo struct {
	entries []domain.ChannelStatsEntry
}

func (s *stubHistoryRepo) UpsertDaily(_ context.Context, entry domain.ChannelStatsEntry) error {
	s.entries = append(s.entries, entry)
	return nil
}

type stubSpyRepo struct {
	spy        domain.Spy
	spyErr     error
	lastError  string
	touched    bool
	savedInfos []domain.ChannelInfo
}

func (s *stubSpyRepo) GetActiveSpy(context.Context, string) (domain.Spy, error) {
	if s.spyErr != nil {
		return domain.Spy{}, s.spyErr
	}
	return s.spy, nil
}
func (s *stubSpyRepo) UpsertSpy(_ context.Context, spy domain.Spy) (domain.Spy, error) {
	return spy, nil
}
func (s *stubSpyRepo) TouchSpyActivity(context.Context, string, time.Time) error {
	s.touched = true
	return nil
}
func (s *stubSpyRepo) RecordSpyError(_ context.Context, _ string, message string) error {
	s.lastError = message
	return nil
}
func (s *stubSpyRepo) SaveSpyChannelInfo(_ context.Context, _ string, info domain.ChannelInfo) error {
	s.savedInfos = append(s.savedInfos, info)
	return nil
}

type stubScraper struct {
	stats       map[int64]*domain.PostStats
	subscribers *int
}

func (s *stubScraper) PostStats(_ context.Context, _ string, messageID int64) (*domain.PostStats, error) {
	return s.stats[messageID], nil
}
func (s *stubScraper) Subscribers(context.Context, string) (*int, error) {
	return s.subscribers, nil
}

type stubUserbot struct {
	info     *domain.ChannelInfo
	messages []domain.MessageStats
	readErr  error
}

func (s *stubUserbot) ChannelInfo(context.Context, domain.Spy, string) (*domain.ChannelInfo, error) {
	return s.info, nil
}
func (s *stubUserbot) RecentMessages(context.Context, domain.Spy, string, int) ([]domain.MessageStats, error) {
	if s.readErr != nil {
		return nil, s.readErr
	}
	return s.messages, nil
}

func newTestService(services *stubServiceRepo, posts *stubPostRepo, history *stubHistoryRepo, spies *stubSpyRepo, scraper *stubScraper, ub *stubUserbot) *Service {
	return NewService(services, posts, history, spies, scraper, ub, nil, nil, 50, zerolog.Nop())
}

func scrapingService(id string) domain.Service {
	return domain.Service{ID: id, Type: domain.ServiceTypePlagiarist, TargetChannel: "demo", StatsMethod: domain.StatsMethodScraping}
}

func TestSyncServiceWithoutPostsIsZeroWork(t *testing.T) {
	services := &stubServiceRepo{service: scrapingService("svc-1")}
	posts := &stubPostRepo{}
	history := &stubHistoryRepo{}
	service := newTestService(services, posts, history, &stubSpyRepo{}, &stubScraper{}, &stubUserbot{})

	result, err := service.SyncService(context.Background(), "svc-1", domain.ServiceTypePlagiarist)
	if err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if result.Total != 0 || result.Updated != 0 {
		t.Fatalf("ожидали пустой результат, получили %+v", result)
	}
	if len(history.entries) != 0 {
		t.Fatal("пустой сервис не должен порождать дневной агрегат")
	}
}

func TestSyncServiceScrapingSkipsMissingPost(t *testing.T) {
	services := &stubServiceRepo{service: scrapingService("svc-1")}
	posts := &stubPostRepo{posts: []domain.Post{
		{ID: "p1", MessageID: 101, Status: "published"},
		{ID: "p2", MessageID: 102, Status: "published"},
		{ID: "p3", MessageID: 103, Status: "published"},
	}}
	subscribers := 900
	scraper := &stubScraper{
		subscribers: &subscribers,
		stats: map[int64]*domain.PostStats{
			101: {Views: 100, Reactions: 5},
			103: {Views: 300, Reactions: 1},
		},
	}
	history := &stubHistoryRepo{}
	service := newTestService(services, posts, history, &stubSpyRepo{}, scraper, &stubUserbot{})

	result, err := service.SyncService(context.Background(), "svc-1", domain.ServiceTypePlagiarist)
	if err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if result.Updated != 2 {
		t.Fatalf("ожидали 2 обновлённых поста, получили %d", result.Updated)
	}
	if result.ErrorsTotal != 1 {
		t.Fatalf("ожидали 1 ошибку по недоступному посту, получили %d", result.ErrorsTotal)
	}
	if _, ok := posts.scraped["p2"]; ok {
		t.Fatal("пост без статистики не должен обновляться")
	}
	if len(history.entries) != 1 {
		t.Fatalf("ожидали одну запись агрегата, получили %d", len(history.entries))
	}
	entry := history.entries[0]
	if entry.TotalViews != 400 || entry.TotalReactions != 6 {
		t.Fatalf("неверные суммы агрегата: %+v", entry)
	}
	if entry.SubscribersCount != 900 {
		t.Fatalf("ожидали 900 подписчиков в агрегате, получили %d", entry.SubscribersCount)
	}
	if services.lastSyncAt == nil {
		t.Fatal("отметка синхронизации должна продвинуться")
	}
}

func TestSyncServiceUserbotFiltersByRequestedIDs(t *testing.T) {
	spyID := "spy-1"
	services := &stubServiceRepo{service: domain.Service{
		ID: "svc-1", Type: domain.ServiceTypeAI, TargetChannel: "demo",
		SpyID: &spyID, StatsMethod: domain.StatsMethodMTProto,
	}}
	posts := &stubPostRepo{posts: []domain.Post{
		{ID: "p1", MessageID: 101, Status: "published"},
		{ID: "p2", MessageID: 102, Status: "published"},
	}}
	spies := &stubSpyRepo{spy: domain.Spy{ID: spyID}}
	ub := &stubUserbot{
		info: &domain.ChannelInfo{Title: "Demo", MembersCount: 1500},
		messages: []domain.MessageStats{
			{MessageID: 101, Views: 50, Forwards: 2, Reactions: 7},
			// лишний идентификатор, которого нет среди постов
			{MessageID: 999, Views: 9999},
		},
	}
	history := &stubHistoryRepo{}
	service := newTestService(services, posts, history, spies, &stubScraper{}, ub)

	result, err := service.SyncService(context.Background(), "svc-1", domain.ServiceTypeAI)
	if err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if result.Method != domain.StatsMethodMTProto {
		t.Fatalf("ожидали метод mtproto, получили %s", result.Method)
	}
	if result.Updated != 1 {
		t.Fatalf("ожидали 1 обновлённый пост, получили %d", result.Updated)
	}
	snapshot, ok := posts.mtproto["p1"]
	if !ok {
		t.Fatal("ожидали mtproto-снимок для p1")
	}
	if snapshot.Method != "mtproto" {
		t.Fatalf("ожидали метку метода mtproto, получили %q", snapshot.Method)
	}
	if snapshot.ChannelInfo == nil || snapshot.ChannelInfo.ParticipantsCount != 1500 {
		t.Fatalf("ожидали встроенный снимок канала, получили %+v", snapshot.ChannelInfo)
	}
	if !spies.touched {
		t.Fatal("успешное чтение должно отметить активность сессии")
	}
	if len(history.entries) != 1 || history.entries[0].SubscribersCount != 1500 {
		t.Fatalf("ожидали агрегат с числом участников канала, получили %+v", history.entries)
	}
}

func TestSyncServiceUserbotReadFailureRecordsError(t *testing.T) {
	spyID := "spy-1"
	services := &stubServiceRepo{service: domain.Service{
		ID: "svc-1", Type: domain.ServiceTypePlagiarist, TargetChannel: "demo",
		SpyID: &spyID, StatsMethod: domain.StatsMethodMTProto,
	}}
	posts := &stubPostRepo{posts: []domain.Post{{ID: "p1", MessageID: 101, Status: "published"}}}
	spies := &stubSpyRepo{spy: domain.Spy{ID: spyID}}
	ub := &stubUserbot{readErr: errors.New("шлюз недоступен")}
	history := &stubHistoryRepo{}
	service := newTestService(services, posts, history, spies, &stubScraper{}, ub)

	result, err := service.SyncService(context.Background(), "svc-1", domain.ServiceTypePlagiarist)
	if err != nil {
		t.Fatalf("ошибка чтения не должна прерывать пакет: %v", err)
	}
	if result.Updated != 0 {
		t.Fatalf("ожидали 0 обновлений, получили %d", result.Updated)
	}
	if result.ErrorsTotal == 0 {
		t.Fatal("ошибка чтения должна попасть в результат")
	}
	if spies.lastError == "" {
		t.Fatal("ошибка должна быть записана в сессию")
	}
	if services.lastSyncAt == nil {
		t.Fatal("отметка синхронизации продвигается даже при частичной неудаче")
	}
}

func TestSyncServiceErrorsCappedAtFive(t *testing.T) {
	services := &stubServiceRepo{service: scrapingService("svc-1")}
	var batch []domain.Post
	for i := int64(1); i <= 8; i++ {
		batch = append(batch, domain.Post{ID: string(rune('a' + i)), MessageID: 100 + i, Status: "published"})
	}
	posts := &stubPostRepo{posts: batch}
	service := newTestService(services, posts, &stubHistoryRepo{}, &stubSpyRepo{}, &stubScraper{}, &stubUserbot{})

	result, err := service.SyncService(context.Background(), "svc-1", domain.ServiceTypePlagiarist)
	if err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if result.ErrorsTotal != 8 {
		t.Fatalf("ожидали 8 учтённых ошибок, получили %d", result.ErrorsTotal)
	}
	if len(result.Errors) != maxReportedErrors {
		t.Fatalf("ожидали %d ошибок в ответе, получили %d", maxReportedErrors, len(result.Errors))
	}
}
