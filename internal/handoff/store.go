// Package handoff bridges a password or attempt reference across a redirect
// or a deferred wait. Every value is readable exactly once.
package handoff

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrNotFound is returned by Take when the key is absent, expired or already taken.
var ErrNotFound = errors.New("handoff value not found")

// Store is a single-use key/value bridge.
type Store interface {
	Put(ctx context.Context, key, value string, ttl time.Duration) error
	// Take returns the value and deletes it atomically.
	Take(ctx context.Context, key string) (string, error)
	Delete(ctx context.Context, key string) error
}

// New returns a Redis-backed store when rdb is non-nil, an in-memory one otherwise.
func New(rdb *redis.Client) Store {
	if rdb == nil {
		return NewMemoryStore(nil)
	}
	return NewRedisStore(rdb)
}

// RedisStore keeps values in Redis with an expiry.
type RedisStore struct {
	rdb *redis.Client
}

// NewRedisStore creates a RedisStore.
func NewRedisStore(rdb *redis.Client) *RedisStore {
	return &RedisStore{rdb: rdb}
}

func (s *RedisStore) Put(ctx context.Context, key, value string, ttl time.Duration) error {
	return s.rdb.Set(ctx, key, value, ttl).Err()
}

func (s *RedisStore) Take(ctx context.Context, key string) (string, error) {
	v, err := s.rdb.GetDel(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrNotFound
	}
	return v, err
}

func (s *RedisStore) Delete(ctx context.Context, key string) error {
	return s.rdb.Del(ctx, key).Err()
}

type memEntry struct {
	value     string
	expiresAt time.Time
}

// MemoryStore is the in-process fallback.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]memEntry
	now     func() time.Time
}

// NewMemoryStore creates a MemoryStore. now may be nil.
func NewMemoryStore(now func() time.Time) *MemoryStore {
	if now == nil {
		now = time.Now
	}
	return &MemoryStore{entries: make(map[string]memEntry), now: now}
}

func (s *MemoryStore) Put(_ context.Context, key, value string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var exp time.Time
	if ttl > 0 {
		exp = s.now().Add(ttl)
	}
	s.entries[key] = memEntry{value: value, expiresAt: exp}
	return nil
}

func (s *MemoryStore) Take(_ context.Context, key string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[key]
	delete(s.entries, key)
	if !ok || (!e.expiresAt.IsZero() && !s.now().Before(e.expiresAt)) {
		return "", ErrNotFound
	}
	return e.value, nil
}

func (s *MemoryStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, key)
	return nil
}
