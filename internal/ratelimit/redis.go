package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"edgegate/internal/observability"
)

// incrWindow advances the counter and stamps the window TTL in one script so
// concurrent instances cannot race between INCR and PEXPIRE. A key that lost
// its expiry (PTTL -1) gets a fresh one instead of counting forever.
var incrWindow = redis.NewScript(`
local count = redis.call("INCR", KEYS[1])
local ttl = redis.call("PTTL", KEYS[1])
if ttl < 0 then
	redis.call("PEXPIRE", KEYS[1], ARGV[1])
	ttl = tonumber(ARGV[1])
end
return {count, ttl}
`)

// RedisStore backs the fixed-window table with Redis so horizontally scaled
// instances share counts.
type RedisStore struct {
	client     *redis.Client
	prefix     string
	fallback   *MemoryStore
	failClosed bool
}

// NewRedisStore wraps client as a shared rate store. With failClosed true a
// Redis failure denies requests instead of falling back to per-instance
// counting.
func NewRedisStore(client *redis.Client, failClosed bool) *RedisStore {
	return &RedisStore{
		client:     client,
		prefix:     "rl:",
		fallback:   NewMemoryStore(),
		failClosed: failClosed,
	}
}

// Incr implements Store.
func (s *RedisStore) Incr(ctx context.Context, key string, windowLength time.Duration) (int, time.Time, error) {
	ctx, cancel := context.WithTimeout(ctx, storeTimeout)
	defer cancel()

	count, resetAt, err := s.run(ctx, key, windowLength)
	if err != nil {
		if s.failClosed {
			return 0, time.Time{}, fmt.Errorf("failed to advance rate window: %w", err)
		}
		observability.RateStoreFallbacks.Inc()
		observability.Warn("rate store unavailable, using in-memory fallback",
			"store", "redis", "error", err.Error())
		return s.fallback.Incr(ctx, key, windowLength)
	}

	return count, resetAt, nil
}

func (s *RedisStore) run(ctx context.Context, key string, windowLength time.Duration) (int, time.Time, error) {
	raw, err := incrWindow.Run(ctx, s.client, []string{s.prefix + key}, windowLength.Milliseconds()).Result()
	if err != nil {
		return 0, time.Time{}, err
	}

	values, ok := raw.([]interface{})
	if !ok || len(values) != 2 {
		return 0, time.Time{}, fmt.Errorf("unexpected script result %T", raw)
	}
	count, countOK := values[0].(int64)
	ttlMillis, ttlOK := values[1].(int64)
	if !countOK || !ttlOK {
		return 0, time.Time{}, fmt.Errorf("unexpected script result values %v", values)
	}

	ttl := time.Duration(ttlMillis) * time.Millisecond
	if ttl <= 0 {
		ttl = windowLength
	}

	return int(count), time.Now().Add(ttl), nil
}
