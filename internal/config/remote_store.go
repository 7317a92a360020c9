package config

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// RemoteStore fetches values that may be shadowed at runtime (rubric
// texts, per-model research documents, the hybrid-fallback comment
// template) without requiring a redeploy. Every call hits the remote
// store fresh; callers fall back to a bundled default when it returns
// ErrNotFound or the store is unreachable.
type RemoteStore interface {
	Get(ctx context.Context, key string) (string, error)
}

// ErrNotFound is returned by RemoteStore.Get when key has no override.
var ErrNotFound = redis.Nil

// RedisStore implements RemoteStore against a Redis instance.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore dials addr lazily; the go-redis client itself connects on
// first use.
func NewRedisStore(cfg RemoteConfig) *RedisStore {
	return &RedisStore{
		client: redis.NewClient(&redis.Options{
			Addr:     cfg.Addr,
			Password: cfg.Password,
			DB:       cfg.DB,
		}),
	}
}

func (s *RedisStore) Get(ctx context.Context, key string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return s.client.Get(ctx, key).Result()
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}

// StaticStore is an in-memory RemoteStore used in tests and when no Redis
// address is configured. An unreachable Redis is handled by
// GetWithFallback's fallback value instead.
type StaticStore struct {
	values map[string]string
}

func NewStaticStore(values map[string]string) *StaticStore {
	return &StaticStore{values: values}
}

func (s *StaticStore) Get(ctx context.Context, key string) (string, error) {
	v, ok := s.values[key]
	if !ok {
		return "", ErrNotFound
	}
	return v, nil
}

// GetWithFallback tries the remote store first and falls back to
// defaultValue on any error, logging is left to the caller.
func GetWithFallback(ctx context.Context, store RemoteStore, key, defaultValue string) string {
	if store == nil {
		return defaultValue
	}
	v, err := store.Get(ctx, key)
	if err != nil || v == "" {
		return defaultValue
	}
	return v
}
