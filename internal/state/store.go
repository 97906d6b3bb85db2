// Package state persists widget activity flags so a restarted service does
// not replay edge transitions against the cart.
package state

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/magic-spells/gift-with-purchase/internal/gift"
)

// RedisStore keeps flags in Redis, one key per widget token.
type RedisStore struct {
	Client *redis.Client
	Prefix string
	TTL    time.Duration
}

func (s RedisStore) key(token string) string {
	return s.Prefix + token
}

func (s RedisStore) ttl() time.Duration {
	if s.TTL <= 0 {
		return 30 * 24 * time.Hour
	}
	return s.TTL
}

// Load implements gift.FlagStore.
func (s RedisStore) Load(ctx context.Context, token string) (gift.Flags, bool, error) {
	if s.Client == nil {
		return gift.Flags{}, false, nil
	}
	raw, err := s.Client.Get(ctx, s.key(token)).Result()
	if errors.Is(err, redis.Nil) {
		return gift.Flags{}, false, nil
	}
	if err != nil {
		return gift.Flags{}, false, err
	}
	var flags gift.Flags
	if err := json.Unmarshal([]byte(raw), &flags); err != nil {
		return gift.Flags{}, false, err
	}
	return flags, true, nil
}

// Save implements gift.FlagStore.
func (s RedisStore) Save(ctx context.Context, token string, flags gift.Flags) error {
	if s.Client == nil {
		return nil
	}
	raw, err := json.Marshal(flags)
	if err != nil {
		return err
	}
	return s.Client.Set(ctx, s.key(token), raw, s.ttl()).Err()
}

// Delete implements gift.FlagStore.
func (s RedisStore) Delete(ctx context.Context, token string) error {
	if s.Client == nil {
		return nil
	}
	return s.Client.Del(ctx, s.key(token)).Err()
}

// MemoryStore keeps flags in process memory. It is the fallback when Redis is
// not configured.
type MemoryStore struct {
	mu    sync.RWMutex
	flags map[string]gift.Flags
}

// NewMemoryStore constructs an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{flags: make(map[string]gift.Flags)}
}

// Load implements gift.FlagStore.
func (s *MemoryStore) Load(_ context.Context, token string) (gift.Flags, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	flags, ok := s.flags[token]
	return flags, ok, nil
}

// Save implements gift.FlagStore.
func (s *MemoryStore) Save(_ context.Context, token string, flags gift.Flags) error {
	s.mu.Lock()
	s.flags[token] = flags
	s.mu.Unlock()
	return nil
}

// Delete implements gift.FlagStore.
func (s *MemoryStore) Delete(_ context.Context, token string) error {
	s.mu.Lock()
	delete(s.flags, token)
	s.mu.Unlock()
	return nil
}
