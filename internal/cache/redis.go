// Package cache хранит журнал аудита и очередь входящих событий в Redis.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"iomt-ars/internal/metrics"
	"iomt-ars/internal/models"
)

const (
	seqKey     = "audit_seq"
	allListKey = "audit_list:all"
)

// ErrQueueEmpty очередь пуста до истечения таймаута ожидания
var ErrQueueEmpty = errors.New("event queue is empty")

// RedisStore обертка для Redis клиента
type RedisStore struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisStore подключается к Redis. ttl задает срок хранения записей аудита.
func NewRedisStore(addr, password string, db int, ttl time.Duration) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           db,
		PoolSize:     100,
		MinIdleConns: 10,
		MaxRetries:   3,
	})

	// Проверяем подключение
	if err := client.Ping(context.Background()).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return NewRedisStoreFromClient(client, ttl), nil
}

// NewRedisStoreFromClient оборачивает готовый клиент
func NewRedisStoreFromClient(client *redis.Client, ttl time.Duration) *RedisStore {
	return &RedisStore{client: client, ttl: ttl}
}

// Record сохраняет запись аудита и добавляет ее в списки устройства
func (r *RedisStore) Record(ctx context.Context, rec models.AuditRecord) error {
	jsonData, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal audit record: %w", err)
	}

	// порядковый номер сохраняет порядок записи при одинаковом времени
	seq, err := r.client.Incr(ctx, seqKey).Result()
	if err != nil {
		metrics.RedisOperations.WithLabelValues("record", "error").Inc()
		return fmt.Errorf("failed to allocate audit seq: %w", err)
	}

	key := recordKey(rec.ID)
	listKey := deviceListKey(rec.DeviceIP)
	member := redis.Z{Score: float64(seq), Member: key}

	pipe := r.client.Pipeline()
	pipe.Set(ctx, key, jsonData, r.ttl)
	pipe.ZAdd(ctx, listKey, member)
	pipe.ZAdd(ctx, allListKey, member)
	pipe.Incr(ctx, counterKey(rec.EventType))
	if r.ttl > 0 {
		pipe.Expire(ctx, listKey, r.ttl)
	}

	if _, err := pipe.Exec(ctx); err != nil {
		metrics.RedisOperations.WithLabelValues("record", "error").Inc()
		metrics.AuditWrites.WithLabelValues("redis", "error").Inc()
		return fmt.Errorf("failed to store audit record: %w", err)
	}
	metrics.RedisOperations.WithLabelValues("record", "success").Inc()
	metrics.AuditWrites.WithLabelValues("redis", "success").Inc()
	return nil
}

// History получает последние записи устройства, новые первыми.
// Пустой deviceIP означает все устройства. Истекшие записи удаляются из списка.
func (r *RedisStore) History(ctx context.Context, deviceIP string, limit int) ([]models.AuditRecord, error) {
	listKey := allListKey
	if deviceIP != "" {
		listKey = deviceListKey(deviceIP)
	}
	stop := int64(-1)
	if limit > 0 {
		stop = int64(limit - 1)
	}

	keys, err := r.client.ZRevRange(ctx, listKey, 0, stop).Result()
	if err != nil {
		metrics.RedisOperations.WithLabelValues("history", "error").Inc()
		return nil, fmt.Errorf("failed to get audit list: %w", err)
	}
	if len(keys) == 0 {
		return nil, nil
	}

	values, err := r.client.MGet(ctx, keys...).Result()
	if err != nil {
		metrics.RedisOperations.WithLabelValues("history", "error").Inc()
		return nil, fmt.Errorf("failed to get audit records: %w", err)
	}
	metrics.RedisOperations.WithLabelValues("history", "success").Inc()

	out := make([]models.AuditRecord, 0, len(values))
	var expired []any
	for i, v := range values {
		s, ok := v.(string)
		if !ok {
			expired = append(expired, keys[i])
			continue
		}
		var rec models.AuditRecord
		if err := json.Unmarshal([]byte(s), &rec); err != nil {
			continue
		}
		out = append(out, rec)
	}
	if len(expired) > 0 {
		r.client.ZRem(ctx, listKey, expired...)
	}
	return out, nil
}

// Counters возвращает счетчики записей по типам событий
func (r *RedisStore) Counters(ctx context.Context) (map[models.AuditEventType]int64, error) {
	types := []models.AuditEventType{
		models.AuditThreatDetected,
		models.AuditThreatResponse,
		models.AuditThreatEscalation,
		models.AuditFalsePositive,
		models.AuditInfo,
	}
	out := make(map[models.AuditEventType]int64, len(types))
	for _, et := range types {
		val, err := r.client.Get(ctx, counterKey(et)).Int64()
		if err == redis.Nil {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to get counter %s: %w", et, err)
		}
		out[et] = val
	}
	return out, nil
}

// PushEvent кладет событие в конец очереди
func (r *RedisStore) PushEvent(ctx context.Context, queue string, ev models.Event) error {
	jsonData, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	if err := r.client.RPush(ctx, queue, jsonData).Err(); err != nil {
		metrics.RedisOperations.WithLabelValues("push", "error").Inc()
		return fmt.Errorf("failed to push event: %w", err)
	}
	metrics.RedisOperations.WithLabelValues("push", "success").Inc()
	return nil
}

// PopEvent забирает событие из головы очереди, ожидая не дольше timeout.
// Возвращает ErrQueueEmpty, если за это время ничего не пришло.
func (r *RedisStore) PopEvent(ctx context.Context, queue string, timeout time.Duration) (models.Event, error) {
	res, err := r.client.BLPop(ctx, timeout, queue).Result()
	if err == redis.Nil {
		return models.Event{}, ErrQueueEmpty
	}
	if err != nil {
		metrics.RedisOperations.WithLabelValues("pop", "error").Inc()
		return models.Event{}, fmt.Errorf("failed to pop event: %w", err)
	}
	metrics.RedisOperations.WithLabelValues("pop", "success").Inc()

	// BLPOP отвечает парой [ключ, значение]
	var ev models.Event
	if err := json.Unmarshal([]byte(res[1]), &ev); err != nil {
		return models.Event{}, fmt.Errorf("failed to decode event: %w", err)
	}
	return ev, nil
}

// QueueLen возвращает длину очереди
func (r *RedisStore) QueueLen(ctx context.Context, queue string) (int64, error) {
	return r.client.LLen(ctx, queue).Result()
}

// Close закрывает соединение с Redis
func (r *RedisStore) Close() error {
	return r.client.Close()
}

// Ping проверяет доступность Redis
func (r *RedisStore) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// GetStats возвращает статистику пула соединений
func (r *RedisStore) GetStats() map[string]interface{} {
	stats := r.client.PoolStats()

	return map[string]interface{}{
		"hits":        stats.Hits,
		"misses":      stats.Misses,
		"timeouts":    stats.Timeouts,
		"total_conns": stats.TotalConns,
		"idle_conns":  stats.IdleConns,
		"stale_conns": stats.StaleConns,
	}
}

func recordKey(id string) string {
	return fmt.Sprintf("audit:%s", id)
}

func deviceListKey(ip string) string {
	return fmt.Sprintf("audit_list:%s", ip)
}

func counterKey(et models.AuditEventType) string {
	return fmt.Sprintf("counter:%s", et)
}
