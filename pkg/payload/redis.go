package payload

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/coocood/freecache"
	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

// RedisConfig configures the redis-backed payload store.
type RedisConfig struct {
	Address  string
	Password string
	DB       int

	// LocalCacheBytes sizes the in-memory read-through tier. Zero
	// disables it.
	LocalCacheBytes int
}

// RedisStore keeps payloads in redis with a freecache read-through tier
// in front. The local tier only ever holds bytes that were read back from
// redis, so it cannot serve a payload whose write never completed.
type RedisStore struct {
	client *redis.Client
	local  *freecache.Cache
}

// localTTLSeconds bounds how long a payload stays in the memory tier.
// Payload versions are immutable, so this is purely a memory bound.
const localTTLSeconds = 600

// NewRedisStore connects to redis and verifies the connection.
func NewRedisStore(ctx context.Context, cfg RedisConfig) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	pingCtx, cncl := context.WithTimeout(ctx, 5*time.Second)
	defer cncl()
	if err := client.Ping(pingCtx).Err(); err != nil {
		return nil, fmt.Errorf("failed to reach redis at %s: %w", cfg.Address, err)
	}
	s := &RedisStore{client: client}
	if cfg.LocalCacheBytes > 0 {
		s.local = freecache.NewCache(cfg.LocalCacheBytes)
	}
	zap.S().Infof("Connected payload store to redis at %s", cfg.Address)
	return s, nil
}

func (s *RedisStore) Put(ctx context.Context, key string, data []byte) *Pending {
	pending := NewPending(key)
	go func() {
		err := s.client.Set(ctx, key, data, 0).Err()
		if err != nil {
			zap.S().Warnf("Payload write for %s failed: %s", key, err)
		}
		pending.Resolve(err)
	}()
	return pending
}

func (s *RedisStore) Get(ctx context.Context, key string) ([]byte, error) {
	if s.local != nil {
		if data, err := s.local.Get([]byte(key)); err == nil {
			return data, nil
		}
	}
	data, err := s.client.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
		}
		return nil, err
	}
	if s.local != nil {
		if err := s.local.Set([]byte(key), data, localTTLSeconds); err != nil {
			// Oversized entries just stay remote-only.
			zap.S().Debugf("Failed to cache payload %s locally: %s", key, err)
		}
	}
	return data, nil
}

func (s *RedisStore) Delete(ctx context.Context, key string) error {
	if s.local != nil {
		s.local.Del([]byte(key))
	}
	return s.client.Del(ctx, key).Err()
}

func (s *RedisStore) IsAvailable(ctx context.Context) bool {
	pingCtx, cncl := context.WithTimeout(ctx, 5*time.Second)
	defer cncl()
	return s.client.Ping(pingCtx).Err() == nil
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}
