package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"
)

// NonceStore implements ports.NonceStore using Redis SET NX.
type NonceStore struct {
	client *goredis.Client
	prefix string
}

// NewNonceStore creates a new Redis-backed nonce store.
func NewNonceStore(client *goredis.Client) *NonceStore {
	return &NonceStore{
		client: client,
		prefix: "nonce:",
	}
}

// CheckAndSet atomically claims nonce within scope.
// Returns true if the nonce is new (valid), false if already used.
func (s *NonceStore) CheckAndSet(ctx context.Context, scope string, nonce string, ttl time.Duration) (bool, error) {
	return s.setNX(ctx, s.prefix+scope+":"+nonce, ttl)
}

// TryLock takes a short-lived named lock, e.g. for a periodic sweep that must
// run on one instance at a time. It reports false if another holder has it.
func (s *NonceStore) TryLock(ctx context.Context, name string, ttl time.Duration) (bool, error) {
	return s.setNX(ctx, "lock:"+name, ttl)
}

func (s *NonceStore) setNX(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	result, err := s.client.SetArgs(ctx, key, 1, goredis.SetArgs{
		Mode: "NX",
		TTL:  ttl,
	}).Result()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return false, nil
		}
		return false, fmt.Errorf("redis set nx %s: %w", key, err)
	}
	return result == "OK", nil
}
