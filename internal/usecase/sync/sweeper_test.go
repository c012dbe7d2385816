package sync

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"tg-stats-bot/internal/domain"
	"tg-stats-bot/internal/usecase/ingest"
	"tg-stats-bot/internal/usecase/stats"
)

type stubServiceRepo struct {
	services []domain.Service
}

func (s *stubServiceRepo) GetService(context.Context, string, domain.ServiceType) (domain.Service, error) {
	return domain.Service{}, domain.ErrServiceNotFound
}
func (s *stubServiceRepo) ListServices(context.Context) ([]domain.Service, error) {
	return s.services, nil
}
func (s *stubServiceRepo) UpdateLastStatsSync(context.Context, string, domain.ServiceType, time.Time) error {
	return nil
}

type stubSourceRepo struct {
	sources []domain.SourceChannel
}

func (s *stubSourceRepo) GetSourceChannel(context.Context, string) (domain.SourceChannel, error) {
	return domain.SourceChannel{}, domain.ErrSourceNotFound
}
func (s *stubSourceRepo) ListActiveSources(context.Context) ([]domain.SourceChannel, error) {
	return s.sources, nil
}
func (s *stubSourceRepo) UpdateSourceSyncedAt(context.Context, string, time.Time) error { return nil }
func (s *stubSourceRepo) UpdateSourceTitle(context.Context, string, string) error       { return nil }

type stubStatsSyncer struct {
	synced []string
	fail   map[string]error
}

func (s *stubStatsSyncer) SyncService(_ context.Context, serviceID string, _ domain.ServiceType) (stats.SyncResult, error) {
	if err := s.fail[serviceID]; err != nil {
		return stats.SyncResult{}, err
	}
	s.synced = append(s.synced, serviceID)
	return stats.SyncResult{ServiceID: serviceID, Updated: 1, Total: 1}, nil
}

type stubSourceSyncer struct {
	synced []string
}

func (s *stubSourceSyncer) SyncSource(_ context.Context, sourceID string) (ingest.Result, error) {
	s.synced = append(s.synced, sourceID)
	return ingest.Result{SourceID: sourceID, Inserted: 2}, nil
}

type stubCache struct {
	acquired bool
	released bool
	busy     bool
}

func (c *stubCache) AcquireLease(context.Context, string, time.Duration) (bool, error) {
	if c.busy {
		return false, nil
	}
	c.acquired = true
	return true, nil
}
func (c *stubCache) ReleaseLease(context.Context, string) error {
	c.released = true
	return nil
}

func spyRef(id string) *string { return &id }

func newTestSweeper(services *stubServiceRepo, sources *stubSourceRepo, statsStub *stubStatsSyncer, ingestStub *stubSourceSyncer, cache domain.Cache) *Sweeper {
	return NewSweeper(services, sources, statsStub, ingestStub, nil, cache, nil, 30*time.Minute, time.Minute, zerolog.Nop())
}

func TestSweepSkipsServicesWithoutSpy(t *testing.T) {
	services := &stubServiceRepo{services: []domain.Service{
		{ID: "svc-1", Type: domain.ServiceTypePlagiarist, SpyID: spyRef("spy-1")},
		{ID: "svc-2", Type: domain.ServiceTypeAI},
	}}
	statsStub := &stubStatsSyncer{}
	ingestStub := &stubSourceSyncer{}
	sweeper := newTestSweeper(services, &stubSourceRepo{}, statsStub, ingestStub, nil)

	report, err := sweeper.Sweep(context.Background())
	if err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if report.ServicesSynced != 1 || report.ServicesSkipped != 1 {
		t.Fatalf("ожидали 1 синхронизированный и 1 пропущенный сервис, получили %+v", report)
	}
	if len(statsStub.synced) != 1 || statsStub.synced[0] != "svc-1" {
		t.Fatalf("ожидали синхронизацию только svc-1, получили %v", statsStub.synced)
	}
}

func TestSweepHonorsStalenessWindow(t *testing.T) {
	fresh := time.Now().UTC().Add(-5 * time.Minute)
	stale := time.Now().UTC().Add(-2 * time.Hour)
	sources := &stubSourceRepo{sources: []domain.SourceChannel{
		{ID: "src-fresh", IsActive: true, LastSyncAt: &fresh},
		{ID: "src-stale", IsActive: true, LastSyncAt: &stale},
		{ID: "src-new", IsActive: true},
	}}
	statsStub := &stubStatsSyncer{}
	ingestStub := &stubSourceSyncer{}
	sweeper := newTestSweeper(&stubServiceRepo{}, sources, statsStub, ingestStub, nil)

	report, err := sweeper.Sweep(context.Background())
	if err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if report.SourcesSkipped != 1 {
		t.Fatalf("свежий источник должен быть пропущен: %+v", report)
	}
	if report.SourcesSynced != 2 {
		t.Fatalf("ожидали 2 синхронизированных источника, получили %d", report.SourcesSynced)
	}
	if report.PostsInserted != 4 {
		t.Fatalf("ожидали 4 вставленных поста, получили %d", report.PostsInserted)
	}
	for _, id := range ingestStub.synced {
		if id == "src-fresh" {
			t.Fatal("свежий источник не должен читаться")
		}
	}
}

func TestSweepContinuesAfterServiceFailure(t *testing.T) {
	services := &stubServiceRepo{services: []domain.Service{
		{ID: "svc-broken", Type: domain.ServiceTypePlagiarist, SpyID: spyRef("spy-1")},
		{ID: "svc-ok", Type: domain.ServiceTypePlagiarist, SpyID: spyRef("spy-2")},
	}}
	statsStub := &stubStatsSyncer{fail: map[string]error{"svc-broken": errors.New("шлюз недоступен")}}
	sweeper := newTestSweeper(services, &stubSourceRepo{}, statsStub, &stubSourceSyncer{}, nil)

	report, err := sweeper.Sweep(context.Background())
	if err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if report.ServicesFailed != 1 || report.ServicesSynced != 1 {
		t.Fatalf("ожидали продолжение обхода после ошибки, получили %+v", report)
	}
	if report.ErrorsTotal != 1 || len(report.Errors) != 1 {
		t.Fatalf("ошибка сервиса должна попасть в отчёт: %+v", report)
	}
}

func TestSweepPacesEntities(t *testing.T) {
	services := &stubServiceRepo{services: []domain.Service{
		{ID: "svc-1", Type: domain.ServiceTypePlagiarist, SpyID: spyRef("spy-1")},
		{ID: "svc-2", Type: domain.ServiceTypePlagiarist, SpyID: spyRef("spy-2")},
		{ID: "svc-3", Type: domain.ServiceTypePlagiarist, SpyID: spyRef("spy-3")},
	}}
	statsStub := &stubStatsSyncer{}
	limiter := rate.NewLimiter(rate.Every(50*time.Millisecond), 1)
	sweeper := NewSweeper(services, &stubSourceRepo{}, statsStub, &stubSourceSyncer{}, nil, nil, limiter, 30*time.Minute, time.Minute, zerolog.Nop())

	start := time.Now()
	report, err := sweeper.Sweep(context.Background())
	if err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if report.ServicesSynced != 3 {
		t.Fatalf("ожидали 3 синхронизированных сервиса, получили %d", report.ServicesSynced)
	}
	// Первый вызов проходит сразу, остальные два ждут лимитер.
	if elapsed := time.Since(start); elapsed < 80*time.Millisecond {
		t.Fatalf("обход обязан выдерживать паузу между сервисами, прошло %v", elapsed)
	}
}

func TestSweepRespectsLease(t *testing.T) {
	cache := &stubCache{busy: true}
	sweeper := newTestSweeper(&stubServiceRepo{}, &stubSourceRepo{}, &stubStatsSyncer{}, &stubSourceSyncer{}, cache)

	_, err := sweeper.Sweep(context.Background())
	if !errors.Is(err, ErrSweepAlreadyRunning) {
		t.Fatalf("ожидали ErrSweepAlreadyRunning, получили %v", err)
	}
}

func TestSweepReleasesLease(t *testing.T) {
	cache := &stubCache{}
	sweeper := newTestSweeper(&stubServiceRepo{}, &stubSourceRepo{}, &stubStatsSyncer{}, &stubSourceSyncer{}, cache)

	if _, err := sweeper.Sweep(context.Background()); err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if !cache.acquired || !cache.released {
		t.Fatal("блокировка должна быть захвачена и освобождена")
	}
}
