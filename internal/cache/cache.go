package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/allegro/bigcache/v3"
	"github.com/redis/go-redis/v9"

	"github.com/driftlane/cloakd/internal/config"
)

// ErrMiss is returned when a key is absent or expired.
var ErrMiss = errors.New("cache: miss")

// Cache is the port the engine sees. Backends are selected by configuration;
// callers must tolerate staleness and miss races (idempotent overwrite).
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	Close() error
}

// New builds the configured backend.
func New(cfg config.CacheConfig) (Cache, error) {
	switch cfg.Backend {
	case "", "memory":
		return newMemory(cfg)
	case "redis":
		return newRedis(cfg), nil
	default:
		return nil, fmt.Errorf("cache: unknown backend %q", cfg.Backend)
	}
}

// memoryCache wraps bigcache. bigcache carries a single per-instance TTL, so
// per-call TTLs shorter than the configured lifetime are stored alongside the
// value as an expiry prefix.
type memoryCache struct {
	store *bigcache.BigCache
}

func newMemory(cfg config.CacheConfig) (*memoryCache, error) {
	life := cfg.DecisionTTL
	if cfg.GeoTTL > life {
		life = cfg.GeoTTL
	}
	if life <= 0 {
		life = 10 * time.Minute
	}

	bcCfg := bigcache.DefaultConfig(life)
	bcCfg.MaxEntrySize = 64 * 1024
	bcCfg.HardMaxCacheSize = cfg.MaxSizeMB
	bcCfg.Shards = 256

	store, err := bigcache.New(context.Background(), bcCfg)
	if err != nil {
		return nil, fmt.Errorf("cache: init bigcache: %w", err)
	}
	return &memoryCache{store: store}, nil
}

func (m *memoryCache) Get(_ context.Context, key string) ([]byte, error) {
	raw, err := m.store.Get(key)
	if err != nil {
		return nil, ErrMiss
	}
	if len(raw) < 8 {
		return nil, ErrMiss
	}
	expires := int64(decodeUint64(raw[:8]))
	if expires > 0 && time.Now().UnixMilli() > expires {
		m.store.Delete(key)
		return nil, ErrMiss
	}
	return raw[8:], nil
}

func (m *memoryCache) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	var expires int64
	if ttl > 0 {
		expires = time.Now().Add(ttl).UnixMilli()
	}
	buf := make([]byte, 8+len(value))
	encodeUint64(buf[:8], uint64(expires))
	copy(buf[8:], value)
	return m.store.Set(key, buf)
}

func (m *memoryCache) Delete(_ context.Context, key string) error {
	err := m.store.Delete(key)
	if errors.Is(err, bigcache.ErrEntryNotFound) {
		return nil
	}
	return err
}

func (m *memoryCache) Close() error {
	return m.store.Close()
}

func encodeUint64(b []byte, v uint64) {
	for i := 7; i >= 0; i-- {
		b[i] = byte(v)
		v >>= 8
	}
}

func decodeUint64(b []byte) uint64 {
	var v uint64
	for i := 0; i < 8; i++ {
		v = v<<8 | uint64(b[i])
	}
	return v
}

type redisCache struct {
	client *redis.Client
}

func newRedis(cfg config.CacheConfig) *redisCache {
	return &redisCache{
		client: redis.NewClient(&redis.Options{
			Addr: cfg.RedisAddr,
			DB:   cfg.RedisDB,
		}),
	}
}

func (r *redisCache) Get(ctx context.Context, key string) ([]byte, error) {
	val, err := r.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrMiss
	}
	if err != nil {
		return nil, err
	}
	return val, nil
}

func (r *redisCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return r.client.Set(ctx, key, value, ttl).Err()
}

func (r *redisCache) Delete(ctx context.Context, key string) error {
	return r.client.Del(ctx, key).Err()
}

func (r *redisCache) Close() error {
	return r.client.Close()
}
