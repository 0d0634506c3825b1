// Package idempotency содержит хранилища маркеров обработанных событий.
package idempotency

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// MemoryMarker хранит маркеры в памяти процесса.
type MemoryMarker struct {
	mu   sync.Mutex
	seen map[string]struct{}
}

// NewMemoryMarker создаёт пустое хранилище маркеров.
func NewMemoryMarker() *MemoryMarker {
	return &MemoryMarker{seen: make(map[string]struct{})}
}

// TryMark помечает ключ обработанным. Возвращает true только при первой пометке.
func (m *MemoryMarker) TryMark(_ context.Context, scope, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	k := scope + ":" + key
	if _, ok := m.seen[k]; ok {
		return false, nil
	}
	m.seen[k] = struct{}{}
	return true, nil
}

// RedisMarker хранит маркеры в Redis и переживает перезапуск процесса.
type RedisMarker struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewRedisMarker создаёт хранилище маркеров поверх указанного клиента Redis.
func NewRedisMarker(rdb *redis.Client, ttl time.Duration) *RedisMarker {
	return &RedisMarker{rdb: rdb, ttl: ttl}
}

// TryMark помечает ключ обработанным через SETNX.
func (m *RedisMarker) TryMark(ctx context.Context, scope, key string) (bool, error) {
	return m.rdb.SetNX(ctx, "processed:"+scope+":"+key, "1", m.ttl).Result()
}
