// Package persistence implements the persistence adapter (spec §4.A) on top
// of a Redis-compatible key/value store: strings with TTL, lists, sorted
// sets, sets, and the atomic SETNX+EXPIRE primitive used for idempotency.
package persistence

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Store is a thin, concurrency-safe contract over *redis.Client. All
// operations are reentrant; atomic compound operations (SETNX+EXPIRE,
// priority-queue pop) are implemented as Lua scripts the way
// ratelimiter.RedisLuaLimiter uses a token-bucket script for its own
// atomic read-modify-write.
type Store struct {
	rdb          *redis.Client
	setNXExpire  *redis.Script
	popWaiting   *redis.Script
}

// New wraps an existing *redis.Client.
func New(rdb *redis.Client) *Store {
	return &Store{
		rdb:         rdb,
		setNXExpire: redis.NewScript(luaSetNXExpire),
		popWaiting:  redis.NewScript(luaPopWaiting),
	}
}

// luaSetNXExpire sets KEYS[1] to ARGV[1] only if absent, and atomically
// attaches a TTL of ARGV[2] seconds when it does. Returns 1 if set, 0 if
// the key already existed.
const luaSetNXExpire = `
local key = KEYS[1]
local val = ARGV[1]
local ttl = tonumber(ARGV[2])

if redis.call("EXISTS", key) == 1 then
  return 0
end

redis.call("SET", key, val)
if ttl > 0 then
  redis.call("EXPIRE", key, ttl)
end
return 1
`

// luaPopWaiting atomically pops the lowest-scoring member (highest
// priority, then FIFO by insertion sequence) from the sorted set KEYS[1]
// and returns it, or nil if empty.
const luaPopWaiting = `
local key = KEYS[1]
local members = redis.call("ZRANGE", key, 0, 0)
if #members == 0 then
  return false
end
redis.call("ZREM", key, members[1])
return members[1]
`

// Ping measures round-trip latency to the store.
func (s *Store) Ping(ctx context.Context) (time.Duration, error) {
	start := time.Now()
	if err := s.rdb.Ping(ctx).Err(); err != nil {
		return 0, fmt.Errorf("persistence.Ping: %w", err)
	}
	return time.Since(start), nil
}

// Get returns the string value at key, and false if it does not exist.
func (s *Store) Get(ctx context.Context, key string) (string, bool, error) {
	v, err := s.rdb.Get(ctx, key).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("persistence.Get(%s): %w", key, err)
	}
	return v, true, nil
}

// Set stores val at key, optionally with a TTL (ttl<=0 means no expiry).
func (s *Store) Set(ctx context.Context, key, val string, ttl time.Duration) error {
	if err := s.rdb.Set(ctx, key, val, ttl).Err(); err != nil {
		return fmt.Errorf("persistence.Set(%s): %w", key, err)
	}
	return nil
}

// SetNXExpire sets key to val only if absent, atomically attaching ttl.
// Returns true if this call performed the set.
func (s *Store) SetNXExpire(ctx context.Context, key, val string, ttl time.Duration) (bool, error) {
	res, err := s.setNXExpire.Run(ctx, s.rdb, []string{key}, val, int64(ttl.Seconds())).Result()
	if err != nil {
		return false, fmt.Errorf("persistence.SetNXExpire(%s): %w", key, err)
	}
	n, _ := res.(int64)
	return n == 1, nil
}

// Delete removes key.
func (s *Store) Delete(ctx context.Context, key string) error {
	if err := s.rdb.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("persistence.Delete(%s): %w", key, err)
	}
	return nil
}

// Expire attaches a TTL to an existing key.
func (s *Store) Expire(ctx context.Context, key string, ttl time.Duration) error {
	if err := s.rdb.Expire(ctx, key, ttl).Err(); err != nil {
		return fmt.Errorf("persistence.Expire(%s): %w", key, err)
	}
	return nil
}

// RPush appends val to the list at key.
func (s *Store) RPush(ctx context.Context, key, val string) error {
	if err := s.rdb.RPush(ctx, key, val).Err(); err != nil {
		return fmt.Errorf("persistence.RPush(%s): %w", key, err)
	}
	return nil
}

// LPop removes and returns the first element of the list at key.
func (s *Store) LPop(ctx context.Context, key string) (string, bool, error) {
	v, err := s.rdb.LPop(ctx, key).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("persistence.LPop(%s): %w", key, err)
	}
	return v, true, nil
}

// LRange returns elements [start, stop] of the list at key.
func (s *Store) LRange(ctx context.Context, key string, start, stop int64) ([]string, error) {
	vs, err := s.rdb.LRange(ctx, key, start, stop).Result()
	if err != nil {
		return nil, fmt.Errorf("persistence.LRange(%s): %w", key, err)
	}
	return vs, nil
}

// LLen returns the length of the list at key.
func (s *Store) LLen(ctx context.Context, key string) (int64, error) {
	n, err := s.rdb.LLen(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("persistence.LLen(%s): %w", key, err)
	}
	return n, nil
}

// ZAdd adds member to the sorted set at key with the given score.
func (s *Store) ZAdd(ctx context.Context, key string, score float64, member string) error {
	if err := s.rdb.ZAdd(ctx, key, redis.Z{Score: score, Member: member}).Err(); err != nil {
		return fmt.Errorf("persistence.ZAdd(%s): %w", key, err)
	}
	return nil
}

// ZRangeByScore returns members of the sorted set at key scored within
// [min, max] (Redis range syntax, e.g. "-inf", "+inf").
func (s *Store) ZRangeByScore(ctx context.Context, key, min, max string) ([]string, error) {
	vs, err := s.rdb.ZRangeByScore(ctx, key, &redis.ZRangeBy{Min: min, Max: max}).Result()
	if err != nil {
		return nil, fmt.Errorf("persistence.ZRangeByScore(%s): %w", key, err)
	}
	return vs, nil
}

// ZRem removes member from the sorted set at key.
func (s *Store) ZRem(ctx context.Context, key, member string) error {
	if err := s.rdb.ZRem(ctx, key, member).Err(); err != nil {
		return fmt.Errorf("persistence.ZRem(%s): %w", key, err)
	}
	return nil
}

// PopWaiting atomically pops the highest-priority, earliest-enqueued
// member of the sorted set at key.
func (s *Store) PopWaiting(ctx context.Context, key string) (string, bool, error) {
	res, err := s.popWaiting.Run(ctx, s.rdb, []string{key}).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("persistence.PopWaiting(%s): %w", key, err)
	}
	if b, ok := res.(bool); ok && !b {
		return "", false, nil
	}
	v, _ := res.(string)
	if v == "" {
		return "", false, nil
	}
	return v, true, nil
}

// SAdd adds members to the set at key.
func (s *Store) SAdd(ctx context.Context, key string, members ...string) error {
	args := make([]interface{}, len(members))
	for i, m := range members {
		args[i] = m
	}
	if err := s.rdb.SAdd(ctx, key, args...).Err(); err != nil {
		return fmt.Errorf("persistence.SAdd(%s): %w", key, err)
	}
	return nil
}

// SMembers returns all members of the set at key.
func (s *Store) SMembers(ctx context.Context, key string) ([]string, error) {
	vs, err := s.rdb.SMembers(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("persistence.SMembers(%s): %w", key, err)
	}
	return vs, nil
}

// HSet stores field=val in the hash at key.
func (s *Store) HSet(ctx context.Context, key, field, val string) error {
	if err := s.rdb.HSet(ctx, key, field, val).Err(); err != nil {
		return fmt.Errorf("persistence.HSet(%s): %w", key, err)
	}
	return nil
}

// HGet returns field from the hash at key.
func (s *Store) HGet(ctx context.Context, key, field string) (string, bool, error) {
	v, err := s.rdb.HGet(ctx, key, field).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("persistence.HGet(%s): %w", key, err)
	}
	return v, true, nil
}

// HDel removes field from the hash at key.
func (s *Store) HDel(ctx context.Context, key, field string) error {
	if err := s.rdb.HDel(ctx, key, field).Err(); err != nil {
		return fmt.Errorf("persistence.HDel(%s): %w", key, err)
	}
	return nil
}

// HGetAll returns the entire hash at key.
func (s *Store) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	m, err := s.rdb.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("persistence.HGetAll(%s): %w", key, err)
	}
	return m, nil
}

// Incr increments the integer at key and returns the new value.
func (s *Store) Incr(ctx context.Context, key string) (int64, error) {
	n, err := s.rdb.Incr(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("persistence.Incr(%s): %w", key, err)
	}
	return n, nil
}
