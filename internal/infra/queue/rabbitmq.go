package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"tg-stats-bot/internal/domain"
)

// RabbitSyncQueue реализует очередь задач синхронизации поверх RabbitMQ.
type RabbitSyncQueue struct {
	conn     *amqp.Connection
	pubCh    *amqp.Channel
	consCh   *amqp.Channel
	queue    string
	delivery <-chan amqp.Delivery
}

var _ domain.SyncQueue = (*RabbitSyncQueue)(nil)

// NewRabbitSyncQueue подключается к брокеру и объявляет очередь.
func NewRabbitSyncQueue(url, queue string) (*RabbitSyncQueue, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("rabbitmq dial: %w", err)
	}
	pubCh, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("rabbitmq channel: %w", err)
	}
	if _, err := pubCh.QueueDeclare(queue, true, false, false, false, nil); err != nil {
		conn.Close()
		return nil, fmt.Errorf("rabbitmq declare %s: %w", queue, err)
	}
	return &RabbitSyncQueue{conn: conn, pubCh: pubCh, queue: queue}, nil
}

// Enqueue публикует задачу в очередь.
func (q *RabbitSyncQueue) Enqueue(ctx context.Context, job domain.SyncJob) error {
	payload, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}
	err = q.pubCh.PublishWithContext(ctx, "", q.queue, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now(),
		Body:         payload,
	})
	if err != nil {
		return fmt.Errorf("publish job: %w", err)
	}
	return nil
}

// Receive блокирующе читает задачу. Подтверждение доставки выполняется
// через возвращённую функцию: success=false возвращает задачу в очередь.
func (q *RabbitSyncQueue) Receive(ctx context.Context) (domain.SyncJob, domain.SyncAckFunc, error) {
	if q.delivery == nil {
		ch, err := q.conn.Channel()
		if err != nil {
			return domain.SyncJob{}, nil, fmt.Errorf("rabbitmq channel: %w", err)
		}
		if err := ch.Qos(1, 0, false); err != nil {
			ch.Close()
			return domain.SyncJob{}, nil, fmt.Errorf("rabbitmq qos: %w", err)
		}
		delivery, err := ch.Consume(q.queue, "", false, false, false, false, nil)
		if err != nil {
			ch.Close()
			return domain.SyncJob{}, nil, fmt.Errorf("rabbitmq consume: %w", err)
		}
		q.consCh = ch
		q.delivery = delivery
	}

	select {
	case <-ctx.Done():
		return domain.SyncJob{}, nil, ctx.Err()
	case msg, ok := <-q.delivery:
		if !ok {
			return domain.SyncJob{}, nil, fmt.Errorf("rabbitmq: канал доставки закрыт")
		}
		var job domain.SyncJob
		if err := json.Unmarshal(msg.Body, &job); err != nil {
			_ = msg.Nack(false, false)
			return domain.SyncJob{}, nil, fmt.Errorf("decode job: %w", err)
		}
		ack := func(success bool) error {
			if success {
				return msg.Ack(false)
			}
			return msg.Nack(false, true)
		}
		return job, ack, nil
	}
}

// Close закрывает подключение к брокеру.
func (q *RabbitSyncQueue) Close() error {
	if q.consCh != nil {
		_ = q.consCh.Close()
	}
	_ = q.pubCh.Close()
	return q.conn.Close()
}
