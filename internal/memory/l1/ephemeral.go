// Package l1 implements the ephemeral cache tier (§4.5 L1): a Redis
// store with a bounded local mirror so reads can be served without a
// round trip for content created in roughly the last 5 minutes.
package l1

import (
	"context"
	"os"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ovencore/ovencore/pkg/coreerrors"
	"github.com/ovencore/ovencore/pkg/orchmodels"
)

// Config configures the L1 tier.
type Config struct {
	RedisAddr     string
	RedisDB       int
	RedisPassword string
	// MirrorTTL bounds how long a value stays in the local mirror,
	// independent of its Redis TTL.
	MirrorTTL time.Duration
}

func Load() Config {
	return Config{
		RedisAddr: envStr("OVENCORE_REDIS_ADDR", "localhost:6379"),
		RedisDB:   0,
		MirrorTTL: 5 * time.Minute,
	}
}

func envStr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

type mirrorEntry struct {
	value    string
	expireAt time.Time
}

// Store is the L1 tier: Redis-backed, mirrored locally for recent
// writes.
type Store struct {
	cfg    Config
	client *redis.Client

	mu     sync.RWMutex
	mirror map[string]mirrorEntry
}

func New(cfg Config) *Store {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		DB:       cfg.RedisDB,
		Password: cfg.RedisPassword,
	})
	return &Store{cfg: cfg, client: client, mirror: make(map[string]mirrorEntry)}
}

// Set writes to Redis and, if the TTL is within MirrorTTL, also to the
// local mirror.
func (s *Store) Set(ctx context.Context, entry orchmodels.EphemeralEntry) error {
	if entry.Key == "" {
		return &coreerrors.ValidationError{Field: "Key", Reason: "must not be empty"}
	}
	if err := s.client.Set(ctx, entry.Key, entry.Value, entry.TTL).Err(); err != nil {
		return &coreerrors.BackendUnavailable{Backend: "redis", Err: err}
	}

	if entry.TTL <= 0 || entry.TTL <= s.cfg.MirrorTTL {
		s.mu.Lock()
		expireAt := entry.ExpireAt
		switch {
		case !expireAt.IsZero():
			// keep caller-supplied absolute expiry
		case entry.TTL <= 0:
			// no remote TTL (or unspecified): mirror caps at MirrorTTL
			expireAt = time.Now().Add(s.cfg.MirrorTTL)
		default:
			expireAt = time.Now().Add(entry.TTL)
		}
		s.mirror[entry.Key] = mirrorEntry{value: entry.Value, expireAt: expireAt}
		s.mu.Unlock()
	}
	s.evictExpiredMirror()
	return nil
}

// Get reads from the local mirror first (when present and unexpired),
// falling back to Redis. A Redis miss is not an error: the caller
// receives ("", false, nil) and treats it as cache-empty.
func (s *Store) Get(ctx context.Context, key string) (string, bool, error) {
	s.mu.RLock()
	m, ok := s.mirror[key]
	s.mu.RUnlock()
	if ok && time.Now().Before(m.expireAt) {
		return m.value, true, nil
	}

	val, err := s.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, &coreerrors.BackendUnavailable{Backend: "redis", Err: err}
	}
	return val, true, nil
}

func (s *Store) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	delete(s.mirror, key)
	s.mu.Unlock()
	if err := s.client.Del(ctx, key).Err(); err != nil {
		return &coreerrors.BackendUnavailable{Backend: "redis", Err: err}
	}
	return nil
}

func (s *Store) evictExpiredMirror() {
	now := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	for k, v := range s.mirror {
		if now.After(v.expireAt) {
			delete(s.mirror, k)
		}
	}
}

// HealthCheck confirms Redis connectivity.
func (s *Store) HealthCheck(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return &coreerrors.BackendUnavailable{Backend: "redis", Err: err}
	}
	return nil
}

// Close releases the underlying Redis connection pool.
func (s *Store) Close() error {
	return s.client.Close()
}
