// Package index maintains the Routing Index: a TTL-backed mapping from
// evaluation ID to its owning Runner, plus resource-class membership
// sets, so the Gateway can answer "which Runner is running eval X"
// and the Dispatcher can answer "which Runners currently claim class Y"
// without round-tripping through the Store.
package index

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// Index is the narrow interface the Reactor and Gateway use to keep
// and query Runner routing information. Entries are expected to carry
// a TTL: the Runner heartbeat refreshes it, and its natural expiry is
// the fallback signal that a Runner has gone silent.
type Index interface {
	// Set records key -> value with the given TTL (0 means no expiry).
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	// Get returns the current value for key, or ("", false) if absent
	// or expired.
	Get(ctx context.Context, key string) (string, bool, error)
	// Del removes key.
	Del(ctx context.Context, key string) error
	// Refresh extends key's TTL without changing its value, used by
	// the Runner heartbeat handler. It is a no-op if key is absent.
	Refresh(ctx context.Context, key string, ttl time.Duration) error
	// SAdd adds member to the set named key.
	SAdd(ctx context.Context, key, member string) error
	// SRem removes member from the set named key.
	SRem(ctx context.Context, key, member string) error
	// SMembers returns all members of the set named key.
	SMembers(ctx context.Context, key string) ([]string, error)
	Close() error
}

// RedisIndex is the production Index backend.
type RedisIndex struct {
	client *redis.Client
}

// Open connects to a Redis instance at addr (host:port, no scheme).
func Open(addr string) (*RedisIndex, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(context.Background()).Err(); err != nil {
		_ = client.Close()
		return nil, err
	}
	return &RedisIndex{client: client}, nil
}

// NewWithClient wraps an already-configured client, used by tests
// running against a miniredis instance.
func NewWithClient(client *redis.Client) *RedisIndex {
	return &RedisIndex{client: client}
}

func (r *RedisIndex) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	return r.client.Set(ctx, key, value, ttl).Err()
}

func (r *RedisIndex) Get(ctx context.Context, key string) (string, bool, error) {
	v, err := r.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return v, true, nil
}

func (r *RedisIndex) Del(ctx context.Context, key string) error {
	return r.client.Del(ctx, key).Err()
}

func (r *RedisIndex) Refresh(ctx context.Context, key string, ttl time.Duration) error {
	ok, err := r.client.Expire(ctx, key, ttl).Result()
	if err != nil {
		return err
	}
	_ = ok // absent key: nothing to refresh, not an error.
	return nil
}

func (r *RedisIndex) SAdd(ctx context.Context, key, member string) error {
	return r.client.SAdd(ctx, key, member).Err()
}

func (r *RedisIndex) SRem(ctx context.Context, key, member string) error {
	return r.client.SRem(ctx, key, member).Err()
}

func (r *RedisIndex) SMembers(ctx context.Context, key string) ([]string, error) {
	return r.client.SMembers(ctx, key).Result()
}

func (r *RedisIndex) Close() error {
	return r.client.Close()
}
