package esign

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/marketplane/taxdocs/internal/domain"
)

// StateStore holds the transient PKCE verifier keyed by state token. Entries
// are single-use and TTL-bounded: Take removes the entry, so replaying a
// state after a successful exchange fails.
type StateStore interface {
	Put(ctx context.Context, state domain.PKCEState, ttl time.Duration) error
	Take(ctx context.Context, state string) (domain.PKCEState, error)
}

// MemoryStateStore is the default in-process StateStore.
type MemoryStateStore struct {
	mu      sync.Mutex
	entries map[string]memoryStateEntry
	nowFn   func() time.Time
}

type memoryStateEntry struct {
	state     domain.PKCEState
	expiresAt time.Time
}

// NewMemoryStateStore builds an empty in-memory store.
func NewMemoryStateStore() *MemoryStateStore {
	return &MemoryStateStore{
		entries: make(map[string]memoryStateEntry),
		nowFn:   time.Now,
	}
}

// WithNow overrides the clock, for tests.
func (s *MemoryStateStore) WithNow(nowFn func() time.Time) *MemoryStateStore {
	s.nowFn = nowFn
	return s
}

func (s *MemoryStateStore) Put(ctx context.Context, state domain.PKCEState, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sweepLocked()
	s.entries[state.State] = memoryStateEntry{
		state:     state,
		expiresAt: s.nowFn().Add(ttl),
	}
	return nil
}

func (s *MemoryStateStore) Take(ctx context.Context, state string) (domain.PKCEState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.entries[state]
	if !ok {
		return domain.PKCEState{}, domain.ErrInvalidState
	}
	delete(s.entries, state)
	if s.nowFn().After(entry.expiresAt) {
		return domain.PKCEState{}, domain.ErrInvalidState
	}
	return entry.state, nil
}

// sweepLocked garbage-collects expired entries. Callers hold the mutex.
func (s *MemoryStateStore) sweepLocked() {
	now := s.nowFn()
	for key, entry := range s.entries {
		if now.After(entry.expiresAt) {
			delete(s.entries, key)
		}
	}
}

// RedisStateStore backs the state store with Redis, delegating expiry to
// key TTLs.
type RedisStateStore struct {
	client *redis.Client
}

const redisStatePrefix = "esign:pkce:"

// NewRedisStateStore builds a Redis-backed store from a connection URL.
func NewRedisStateStore(redisURL string) (*RedisStateStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	return &RedisStateStore{client: redis.NewClient(opts)}, nil
}

func (s *RedisStateStore) Put(ctx context.Context, state domain.PKCEState, ttl time.Duration) error {
	payload, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("marshal pkce state: %w", err)
	}
	if err := s.client.Set(ctx, redisStatePrefix+state.State, payload, ttl).Err(); err != nil {
		return fmt.Errorf("store pkce state: %w", err)
	}
	return nil
}

func (s *RedisStateStore) Take(ctx context.Context, state string) (domain.PKCEState, error) {
	payload, err := s.client.GetDel(ctx, redisStatePrefix+state).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return domain.PKCEState{}, domain.ErrInvalidState
		}
		return domain.PKCEState{}, fmt.Errorf("load pkce state: %w", err)
	}
	var out domain.PKCEState
	if err := json.Unmarshal(payload, &out); err != nil {
		return domain.PKCEState{}, fmt.Errorf("decode pkce state: %w", err)
	}
	return out, nil
}
