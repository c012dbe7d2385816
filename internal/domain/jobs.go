package domain

import (
	"context"
	"time"
)

// SyncJobKind описывает вид задачи синхронизации.
type SyncJobKind string

const (
	// SyncJobSweep — полный проход по всем сервисам и источникам.
	SyncJobSweep SyncJobKind = "sweep"
	// SyncJobServiceStats — пересбор статистики одного сервиса.
	SyncJobServiceStats SyncJobKind = "service_stats"
	// SyncJobSourcePosts — чтение новых постов одного источника.
	SyncJobSourcePosts SyncJobKind = "source_posts"
)

// SyncJobCause описывает источник запроса на синхронизацию.
type SyncJobCause string

const (
	SyncCauseManual    SyncJobCause = "manual"
	SyncCauseScheduled SyncJobCause = "scheduled"
)

// SyncJob содержит информацию о задаче синхронизации.
type SyncJob struct {
	ID          string       `json:"job_id,omitempty"`
	Kind        SyncJobKind  `json:"kind"`
	ServiceID   string       `json:"service_id,omitempty"`
	ServiceType ServiceType  `json:"service_type,omitempty"`
	SourceID    string       `json:"source_id,omitempty"`
	RequestedAt time.Time    `json:"requested_at"`
	Cause       SyncJobCause `json:"cause"`
}

// SyncAckFunc подтверждает успешную обработку или запрашивает повтор доставки задачи.
type SyncAckFunc func(success bool) error

// SyncQueue описывает очередь задач синхронизации.
type SyncQueue interface {
	Enqueue(ctx context.Context, job SyncJob) error
	Receive(ctx context.Context) (SyncJob, SyncAckFunc, error)
}

// ScheduleTaskRepo отвечает за идемпотентное планирование обходов.
type ScheduleTaskRepo interface {
	// AcquireScheduleTask помечает запуск обхода на указанное время и
	// возвращает true, если запись была создана. При конфликте возвращает
	// false без ошибки.
	AcquireScheduleTask(ctx context.Context, scheduledFor time.Time) (bool, error)
}

// SyncJobStatusRepo отслеживает статус доставки задач синхронизации.
type SyncJobStatusRepo interface {
	// EnsureSyncJob регистрирует попытку обработки и возвращает признак
	// завершённости и номер текущей попытки.
	EnsureSyncJob(ctx context.Context, jobID string) (done bool, attempt int, err error)
	// MarkSyncJobDone помечает задачу как окончательно обработанную.
	MarkSyncJobDone(ctx context.Context, jobID string) error
}
