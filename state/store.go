// Package state provides the TTL-bounded atomic counter and set primitives
// shared by both detection engines. All mutation happens server-side in
// Redis scripts; clients never read-modify-write shared state.
package state

import (
	"context"
	"fmt"
	"time"

	"aegis/core"
	"aegis/metrics"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Store is the stateful-store contract both engines depend on.
type Store interface {
	// CounterIncrement atomically increments the counter at key and returns
	// the new value. The TTL is set only when this call created the key,
	// giving a fixed (non-sliding) window.
	CounterIncrement(ctx context.Context, key string, ttlOnCreate time.Duration) (int64, error)

	// CounterReset deletes the counter so the next increment starts a fresh
	// episode. Called immediately after an alert fires.
	CounterReset(ctx context.Context, key string) error

	// SetAdd atomically adds member to the set at key, reporting whether the
	// member was new and whether the set held any members beforehand. The
	// TTL is set only when the set was created by this call.
	SetAdd(ctx context.Context, key, member string, ttlOnCreate time.Duration) (SetAddResult, error)

	// SetMembers returns the members of the set. Diagnostic and test use.
	SetMembers(ctx context.Context, key string) ([]string, error)

	Ping(ctx context.Context) error
	Close() error
}

// SetAddResult reports the outcome of an atomic set add.
type SetAddResult struct {
	NewlyAdded  bool
	WasNonempty bool
}

// TTL semantics: EXPIRE only on create, so a counter window starts at the
// first increment and a novelty set ages out as a whole. An aged-out
// identity re-baselines on its next value instead of alerting.
var counterIncrScript = redis.NewScript(`
local v = redis.call('INCR', KEYS[1])
if v == 1 then
  redis.call('EXPIRE', KEYS[1], ARGV[1])
end
return v
`)

var setAddScript = redis.NewScript(`
local before = redis.call('SCARD', KEYS[1])
local added = redis.call('SADD', KEYS[1], ARGV[1])
if before == 0 then
  redis.call('EXPIRE', KEYS[1], ARGV[2])
end
return {added, before}
`)

// RedisStore implements Store on a Redis connection.
type RedisStore struct {
	client *redis.Client
	logger *zap.SugaredLogger
}

// NewRedisStore connects to Redis and returns the store.
func NewRedisStore(addr, password string, db, poolSize int, logger *zap.SugaredLogger) *RedisStore {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
		PoolSize: poolSize,
	})
	return &RedisStore{client: client, logger: logger}
}

// Ping tests the Redis connection.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close closes the Redis connection.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

// CounterIncrement implements Store.
func (s *RedisStore) CounterIncrement(ctx context.Context, key string, ttlOnCreate time.Duration) (int64, error) {
	ttl := int(ttlOnCreate / time.Second)
	if ttl < 1 {
		ttl = 1
	}
	v, err := counterIncrScript.Run(ctx, s.client, []string{key}, ttl).Int64()
	if err != nil {
		metrics.StateStoreErrors.WithLabelValues("counter_increment").Inc()
		return 0, &core.TransientStoreError{Op: "counter_increment", Key: key, Err: err}
	}
	return v, nil
}

// CounterReset implements Store.
func (s *RedisStore) CounterReset(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, key).Err(); err != nil {
		metrics.StateStoreErrors.WithLabelValues("counter_reset").Inc()
		return &core.TransientStoreError{Op: "counter_reset", Key: key, Err: err}
	}
	return nil
}

// SetAdd implements Store.
func (s *RedisStore) SetAdd(ctx context.Context, key, member string, ttlOnCreate time.Duration) (SetAddResult, error) {
	ttl := int(ttlOnCreate / time.Second)
	if ttl < 1 {
		ttl = 1
	}
	raw, err := setAddScript.Run(ctx, s.client, []string{key}, member, ttl).Slice()
	if err != nil {
		metrics.StateStoreErrors.WithLabelValues("set_add").Inc()
		return SetAddResult{}, &core.TransientStoreError{Op: "set_add", Key: key, Err: err}
	}
	if len(raw) != 2 {
		return SetAddResult{}, &core.TransientStoreError{Op: "set_add", Key: key,
			Err: fmt.Errorf("unexpected script reply of length %d", len(raw))}
	}
	added, _ := raw[0].(int64)
	before, _ := raw[1].(int64)
	return SetAddResult{NewlyAdded: added == 1, WasNonempty: before > 0}, nil
}

// SetMembers implements Store.
func (s *RedisStore) SetMembers(ctx context.Context, key string) ([]string, error) {
	members, err := s.client.SMembers(ctx, key).Result()
	if err != nil {
		metrics.StateStoreErrors.WithLabelValues("set_members").Inc()
		return nil, &core.TransientStoreError{Op: "set_members", Key: key, Err: err}
	}
	return members, nil
}
