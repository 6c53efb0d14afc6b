package source

import (
	"context"
	"errors"
	"time"

	"iomt-ars/internal/cache"
	"iomt-ars/internal/metrics"
	"iomt-ars/internal/models"
)

// Popper блокирующее чтение очереди
type Popper interface {
	PopEvent(ctx context.Context, queue string, timeout time.Duration) (models.Event, error)
}

// RedisQueue читает события из списка Redis. Поток бесконечный:
// пустая очередь опрашивается снова до отмены контекста.
type RedisQueue struct {
	store   Popper
	key     string
	timeout time.Duration
}

// NewRedisQueue создает источник поверх списка key
func NewRedisQueue(store Popper, key string, timeout time.Duration) *RedisQueue {
	if timeout <= 0 {
		timeout = time.Second
	}
	return &RedisQueue{store: store, key: key, timeout: timeout}
}

// Next ждет следующее событие
func (r *RedisQueue) Next(ctx context.Context) (models.Event, error) {
	for {
		if err := ctx.Err(); err != nil {
			return models.Event{}, err
		}
		ev, err := r.store.PopEvent(ctx, r.key, r.timeout)
		if errors.Is(err, cache.ErrQueueEmpty) {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return models.Event{}, ctx.Err()
			}
			return models.Event{}, err
		}
		metrics.EventsReceived.WithLabelValues("redis").Inc()
		return ev, nil
	}
}
