// Package cache is the tenant-namespaced Redis layer. It is deliberately
// non-authoritative: when the backend is down, reads miss and writes drop
// with a WARN log, and callers carry on against the database.
package cache

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/meridianhq/taskforge/internal/observability"
)

// Key builds a tenant-scoped cache key: tenant:{id}:{part}:{part}...
func Key(tenantID uuid.UUID, parts ...string) string {
	b := strings.Builder{}
	b.WriteString("tenant:")
	b.WriteString(tenantID.String())
	for _, p := range parts {
		b.WriteByte(':')
		b.WriteString(p)
	}
	return b.String()
}

// SubdomainKey is the one namespace that is not tenant-scoped: it maps a
// subdomain to the tenant that owns it.
func SubdomainKey(subdomain string) string {
	return "tenant:subdomain:" + subdomain
}

// NewClient parses a redis:// URL and returns a connected client.
func NewClient(url string) (*redis.Client, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, err
	}
	return redis.NewClient(opt), nil
}

// Store wraps a Redis client with per-operation timeouts and fail-soft
// behavior.
type Store struct {
	rdb     *redis.Client
	log     *slog.Logger
	timeout time.Duration
}

func NewStore(rdb *redis.Client, log *slog.Logger, timeout time.Duration) *Store {
	if timeout <= 0 {
		timeout = 200 * time.Millisecond
	}
	return &Store{rdb: rdb, log: log, timeout: timeout}
}

// Get returns the cached value and whether it was present. Backend errors
// count as a miss.
func (s *Store) Get(ctx context.Context, key string) ([]byte, bool) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	val, err := s.rdb.Get(ctx, key).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			s.warn("get", key, err)
		}
		observability.CacheMisses.WithLabelValues(keyNamespace(key)).Inc()
		return nil, false
	}
	observability.CacheHits.WithLabelValues(keyNamespace(key)).Inc()
	return val, true
}

// Set stores a value with a TTL. Failures are dropped.
func (s *Store) Set(ctx context.Context, key string, value []byte, ttl time.Duration) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	if err := s.rdb.Set(ctx, key, value, ttl).Err(); err != nil {
		s.warn("set", key, err)
	}
}

// Delete removes keys. Failures are dropped.
func (s *Store) Delete(ctx context.Context, keys ...string) {
	if len(keys) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	if err := s.rdb.Del(ctx, keys...).Err(); err != nil {
		s.warn("delete", keys[0], err)
	}
}

// DeleteByPattern removes every key starting with prefix. It scans in
// batches so large namespaces do not block the backend.
func (s *Store) DeleteByPattern(ctx context.Context, prefix string) {
	// Pattern deletes walk the keyspace; give them a little more room
	// than a single read.
	ctx, cancel := context.WithTimeout(ctx, 5*s.timeout)
	defer cancel()

	var cursor uint64
	for {
		keys, next, err := s.rdb.Scan(ctx, cursor, prefix+"*", 200).Result()
		if err != nil {
			s.warn("scan", prefix, err)
			return
		}
		if len(keys) > 0 {
			if err := s.rdb.Del(ctx, keys...).Err(); err != nil {
				s.warn("delete", prefix, err)
				return
			}
		}
		cursor = next
		if cursor == 0 {
			return
		}
	}
}

// Incr atomically bumps a counter, starting its expiry window on first
// touch. Unlike the read/write paths this returns the backend error:
// rate-limit callers need to know when to fall back rather than treat a
// dead backend as an empty counter.
func (s *Store) Incr(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	pipe := s.rdb.TxPipeline()
	count := pipe.Incr(ctx, key)
	pipe.ExpireNX(ctx, key, ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	return count.Val(), nil
}

// Allow records one hit against a windowed counter and reports whether the
// hit stays within limit.
func (s *Store) Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, int, error) {
	count, err := s.Incr(ctx, key, window)
	if err != nil {
		return false, 0, err
	}
	remaining := limit - int(count)
	if remaining < 0 {
		remaining = 0
	}
	return count <= int64(limit), remaining, nil
}

func (s *Store) warn(op, key string, err error) {
	s.log.Warn("cache_unavailable", "op", op, "key", key, "error", err)
}

// keyNamespace extracts the segment after the tenant id so metrics do not
// explode in cardinality: "tenant:{id}:tasks:..." -> "tasks".
func keyNamespace(key string) string {
	parts := strings.SplitN(key, ":", 4)
	if len(parts) < 3 {
		return "other"
	}
	if parts[1] == "subdomain" {
		return "subdomain"
	}
	return parts[2]
}
