package source

import (
	"context"
	"errors"
	"io"
	"sync"

	"iomt-ars/internal/metrics"
	"iomt-ars/internal/models"
)

var (
	// ErrClosed очередь закрыта
	ErrClosed = errors.New("event queue is closed")
	// ErrQueueFull очередь переполнена, событие не принято
	ErrQueueFull = errors.New("event queue is full")
)

// Queue очередь в памяти. Push вызывается из HTTP обработчиков,
// Next из единственного цикла конвейера.
type Queue struct {
	events chan models.Event
	mu     sync.RWMutex
	closed bool
}

// NewQueue создает очередь заданной емкости
func NewQueue(size int) *Queue {
	return &Queue{events: make(chan models.Event, size)}
}

// Push добавляет событие без ожидания
func (q *Queue) Push(ev models.Event) error {
	q.mu.RLock()
	defer q.mu.RUnlock()

	if q.closed {
		return ErrClosed
	}
	select {
	case q.events <- ev:
		metrics.EventsReceived.WithLabelValues("http").Inc()
		metrics.QueueSize.Set(float64(len(q.events)))
		return nil
	default:
		return ErrQueueFull
	}
}

// Next ждет событие. После Close дочитывает остаток и возвращает io.EOF.
func (q *Queue) Next(ctx context.Context) (models.Event, error) {
	select {
	case <-ctx.Done():
		return models.Event{}, ctx.Err()
	case ev, ok := <-q.events:
		if !ok {
			return models.Event{}, io.EOF
		}
		metrics.QueueSize.Set(float64(len(q.events)))
		return ev, nil
	}
}

// Len текущий размер очереди
func (q *Queue) Len() int {
	return len(q.events)
}

// Close закрывает очередь для записи
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if !q.closed {
		q.closed = true
		close(q.events)
	}
}
