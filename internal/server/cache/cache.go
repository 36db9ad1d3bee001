// Package cache keeps short-lived snapshots of user contexts. Entries are
// keyed by owner; callers treat every error as a miss and fall back to
// storage.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/TheRealHZL/MentalHealth-sub001/internal/server/models"
	"github.com/redis/go-redis/v9"
)

// ErrMiss is returned by Get for absent or expired entries.
var ErrMiss = errors.New("cache miss")

type Cache interface {
	Get(ctx context.Context, ownerID string) (*models.UserContext, error)
	Set(ctx context.Context, ownerID string, uc *models.UserContext, ttl time.Duration) error
	Del(ctx context.Context, ownerID string) error
}

// Key is the storage key for an owner's context snapshot.
func Key(ownerID string) string {
	return "ctx:" + ownerID
}

// RedisCache stores JSON snapshots in Redis with a server-side TTL.
type RedisCache struct{ client *redis.Client }

func NewRedisCache(client *redis.Client) *RedisCache {
	return &RedisCache{client: client}
}

func (r *RedisCache) Get(ctx context.Context, ownerID string) (*models.UserContext, error) {
	raw, err := r.client.Get(ctx, Key(ownerID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrMiss
	}
	if err != nil {
		return nil, err
	}
	var uc models.UserContext
	if err := json.Unmarshal(raw, &uc); err != nil {
		return nil, fmt.Errorf("decode cached context: %w", err)
	}
	return &uc, nil
}

func (r *RedisCache) Set(ctx context.Context, ownerID string, uc *models.UserContext, ttl time.Duration) error {
	raw, err := json.Marshal(uc)
	if err != nil {
		return err
	}
	return r.client.Set(ctx, Key(ownerID), raw, ttl).Err()
}

func (r *RedisCache) Del(ctx context.Context, ownerID string) error {
	return r.client.Del(ctx, Key(ownerID)).Err()
}

// MemoryCache is an in-process TTL cache holding deep copies.
type MemoryCache struct {
	mu    sync.Mutex
	items map[string]memItem
	now   func() time.Time
}

type memItem struct {
	value     *models.UserContext
	expiresAt time.Time
}

func NewMemoryCache() *MemoryCache {
	return &MemoryCache{items: map[string]memItem{}, now: time.Now}
}

func (m *MemoryCache) Get(_ context.Context, ownerID string) (*models.UserContext, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cleanupLocked()
	item, ok := m.items[Key(ownerID)]
	if !ok {
		return nil, ErrMiss
	}
	return item.value.Clone(), nil
}

func (m *MemoryCache) Set(_ context.Context, ownerID string, uc *models.UserContext, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cleanupLocked()
	m.items[Key(ownerID)] = memItem{value: uc.Clone(), expiresAt: m.now().Add(ttl)}
	return nil
}

func (m *MemoryCache) Del(_ context.Context, ownerID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.items, Key(ownerID))
	return nil
}

// Len returns the number of live entries.
func (m *MemoryCache) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cleanupLocked()
	return len(m.items)
}

func (m *MemoryCache) cleanupLocked() {
	now := m.now()
	for k, v := range m.items {
		if !now.Before(v.expiresAt) {
			delete(m.items, k)
		}
	}
}

// NewCache tries redis, falls back to memory.
func NewCache(ctx context.Context, client *redis.Client) Cache {
	if client != nil {
		if err := client.Ping(ctx).Err(); err == nil {
			return NewRedisCache(client)
		}
	}
	return NewMemoryCache()
}
