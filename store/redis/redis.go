// Package redis provides a store.Coordinator backed by Redis. Every
// check-and-mutate operation is a Lua script, which Redis runs without
// interleaving any other command.
package redis

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/ryhazerus/permit/store"
)

// Compile-time interface check.
var _ store.Coordinator = (*RedisStore)(nil)

// RedisStore is a Coordinator backed by Redis. Keys are used verbatim, so
// several deployments pointed at the same Redis share their counters.
type RedisStore struct {
	client redis.UniversalClient
}

// NewRedisStore creates a new Redis-backed store. The client owns the
// connection pool; RedisStore only borrows a connection per call.
func NewRedisStore(client redis.UniversalClient) *RedisStore {
	return &RedisStore{client: client}
}

// bucketScript grants one permit in a fixed window counter.
//
// KEYS[1] = window key
// ARGV[1] = permits per window
// ARGV[2] = counter TTL in seconds
var bucketScript = redis.NewScript(`
local key = KEYS[1]
local limit = tonumber(ARGV[1])
local current = tonumber(redis.call('get', key) or '0')
if current + 1 > limit then
    return 0
end
redis.call('incrby', key, 1)
redis.call('expire', key, tonumber(ARGV[2]))
return 1
`)

// semaphoreScript takes one permit when any are available.
//
// KEYS[1] = permit counter key
var semaphoreScript = redis.NewScript(`
local key = KEYS[1]
local current = tonumber(redis.call('get', key))
if current == nil or current <= 0 then
    return 0
end
redis.call('decr', key)
return 1
`)

// releaseBoundedScript returns one permit unless the counter is at the limit.
//
// KEYS[1] = permit counter key
// ARGV[1] = limit
var releaseBoundedScript = redis.NewScript(`
local key = KEYS[1]
local limit = tonumber(ARGV[1])
local current = tonumber(redis.call('get', key) or '0')
if current >= limit then
    return 0
end
redis.call('incr', key)
return 1
`)

// ExecuteAtomic runs script against key. Scripts are sent with EVALSHA and
// fall back to EVAL when Redis does not have them cached.
func (r *RedisStore) ExecuteAtomic(ctx context.Context, key string, script store.Script, args ...string) (int64, error) {
	var (
		s    *redis.Script
		argv []any
	)
	switch script {
	case store.BucketCheck:
		limit, err := store.IntArg(script, args, 0)
		if err != nil {
			return 0, err
		}
		s = bucketScript
		argv = []any{limit, int64(store.BucketTTL.Seconds())}
	case store.SemaphoreCheck:
		s = semaphoreScript
	case store.SemaphoreReleaseBounded:
		limit, err := store.IntArg(script, args, 0)
		if err != nil {
			return 0, err
		}
		s = releaseBoundedScript
		argv = []any{limit}
	default:
		return 0, store.ErrUnknownScript
	}

	result, err := s.Run(ctx, r.client, []string{key}, argv...).Int64()
	if err != nil {
		return 0, fmt.Errorf("permit/store/redis: %s: %w", script, err)
	}
	return result, nil
}

// IncrBy adds by to the value at key with INCRBY.
func (r *RedisStore) IncrBy(ctx context.Context, key string, by int64) (int64, error) {
	n, err := r.client.IncrBy(ctx, key, by).Result()
	if err != nil {
		return 0, fmt.Errorf("permit/store/redis: incrby: %w", err)
	}
	return n, nil
}

// Get returns the value at key, or 0 when the key is absent.
func (r *RedisStore) Get(ctx context.Context, key string) (int64, error) {
	n, err := r.client.Get(ctx, key).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("permit/store/redis: get: %w", err)
	}
	return n, nil
}

// Delete removes key.
func (r *RedisStore) Delete(ctx context.Context, key string) error {
	if err := r.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("permit/store/redis: del: %w", err)
	}
	return nil
}

// Close closes the underlying Redis client.
func (r *RedisStore) Close() error {
	return r.client.Close()
}
