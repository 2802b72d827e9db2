package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultRedisPrefix namespaces bucket keys.
const DefaultRedisPrefix = "chatrelay:ratelimit:"

// tokenBucketScript refills and optionally consumes from a bucket stored as a
// hash {tokens, last_refill}. A cost of 0 only reports the refilled level.
var tokenBucketScript = redis.NewScript(`
local key = KEYS[1]
local capacity = tonumber(ARGV[1])
local refill_rate = tonumber(ARGV[2])
local now = tonumber(ARGV[3])
local cost = tonumber(ARGV[4])

local bucket = redis.call('HMGET', key, 'tokens', 'last_refill')
local tokens = tonumber(bucket[1]) or capacity
local last_refill = tonumber(bucket[2]) or now

local elapsed = math.max(0, now - last_refill)
tokens = math.min(capacity, tokens + (elapsed * refill_rate))

local allowed = 0
if tokens >= cost then
  tokens = tokens - cost
  allowed = 1
end

if cost > 0 then
  local ttl = 3600
  if refill_rate > 0 then
    ttl = math.ceil(capacity / refill_rate) + 1
  end
  redis.call('HSET', key, 'tokens', tostring(tokens), 'last_refill', tostring(now))
  redis.call('EXPIRE', key, ttl)
end

return {allowed, tostring(tokens)}
`)

// RedisStore implements a distributed rate limit store on Redis. Bucket
// updates run as one Lua script, so concurrent relays share a consistent view.
type RedisStore struct {
	client redis.UniversalClient
	prefix string
	owned  bool
	now    func() time.Time
}

// NewRedisStore connects to Redis and verifies the connection.
func NewRedisStore(addr, password string, db int) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ratelimit: redis ping %s: %w", addr, err)
	}
	store := NewRedisStoreWithClient(client, DefaultRedisPrefix)
	store.owned = true
	return store, nil
}

// NewRedisStoreWithClient uses an existing client; Close leaves it open.
func NewRedisStoreWithClient(client redis.UniversalClient, prefix string) *RedisStore {
	if prefix == "" {
		prefix = DefaultRedisPrefix
	}
	return &RedisStore{client: client, prefix: prefix, now: time.Now}
}

// Allow checks if a request for key should be allowed.
func (s *RedisStore) Allow(ctx context.Context, key string, capacity, refillRate float64) (bool, float64, error) {
	return s.run(ctx, key, capacity, refillRate, 1)
}

// Remaining returns remaining tokens for key.
func (s *RedisStore) Remaining(ctx context.Context, key string, capacity, refillRate float64) (float64, error) {
	_, remaining, err := s.run(ctx, key, capacity, refillRate, 0)
	return remaining, err
}

// Reset resets the rate limit for key.
func (s *RedisStore) Reset(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, s.prefix+key).Err(); err != nil {
		return fmt.Errorf("ratelimit: redis reset: %w", err)
	}
	return nil
}

// Close releases the client when the store created it.
func (s *RedisStore) Close() error {
	if s.owned {
		return s.client.Close()
	}
	return nil
}

func (s *RedisStore) run(ctx context.Context, key string, capacity, refillRate float64, cost int) (bool, float64, error) {
	now := float64(s.now().UnixNano()) / float64(time.Second)
	res, err := tokenBucketScript.Run(ctx, s.client, []string{s.prefix + key},
		capacity, refillRate, strconv.FormatFloat(now, 'f', 6, 64), cost).Slice()
	if err != nil {
		return false, 0, fmt.Errorf("ratelimit: redis eval: %w", err)
	}
	if len(res) != 2 {
		return false, 0, fmt.Errorf("ratelimit: unexpected redis reply %v", res)
	}
	allowed, _ := res[0].(int64)
	tokensStr, _ := res[1].(string)
	tokens, err := strconv.ParseFloat(tokensStr, 64)
	if err != nil {
		return false, 0, fmt.Errorf("ratelimit: parse redis tokens %q: %w", tokensStr, err)
	}
	return allowed == 1, tokens, nil
}
