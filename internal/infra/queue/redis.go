package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"tg-stats-bot/internal/domain"
)

// RedisSyncQueue реализует очередь задач синхронизации на базе Redis lists.
// Используется в окружениях без RabbitMQ; доставка at-most-once.
type RedisSyncQueue struct {
	client *redis.Client
	key    string
}

var _ domain.SyncQueue = (*RedisSyncQueue)(nil)

// NewRedisSyncQueue создаёт очередь по указанному ключу.
func NewRedisSyncQueue(client *redis.Client, key string) *RedisSyncQueue {
	return &RedisSyncQueue{client: client, key: key}
}

// Enqueue публикует задачу в очередь.
func (q *RedisSyncQueue) Enqueue(ctx context.Context, job domain.SyncJob) error {
	payload, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}
	if err := q.client.LPush(ctx, q.key, payload).Err(); err != nil {
		return fmt.Errorf("push job: %w", err)
	}
	return nil
}

// Receive блокирующе читает задачу из очереди. Подтверждение доставки
// в Redis-реализации не требуется, ack всегда успешен.
func (q *RedisSyncQueue) Receive(ctx context.Context) (domain.SyncJob, domain.SyncAckFunc, error) {
	for {
		if err := ctx.Err(); err != nil {
			return domain.SyncJob{}, nil, err
		}

		res, err := q.client.BRPop(ctx, time.Second, q.key).Result()
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				if ctx.Err() != nil {
					return domain.SyncJob{}, nil, ctx.Err()
				}
				continue
			}
			if errors.Is(err, redis.Nil) {
				continue
			}
			return domain.SyncJob{}, nil, err
		}
		if len(res) != 2 {
			return domain.SyncJob{}, nil, errors.New("redis queue: unexpected response")
		}
		var job domain.SyncJob
		if err := json.Unmarshal([]byte(res[1]), &job); err != nil {
			return domain.SyncJob{}, nil, fmt.Errorf("decode job: %w", err)
		}
		return job, func(bool) error { return nil }, nil
	}
}
