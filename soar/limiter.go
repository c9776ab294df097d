package soar

import (
	"context"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
)

// ConcurrencyLimiter enforces the per-organization cap on concurrently
// running executions. TryAcquire never blocks; the queue retries when a
// slot frees up.
type ConcurrencyLimiter interface {
	// TryAcquire takes a slot for the org if one is available.
	TryAcquire(ctx context.Context, orgID string) (bool, error)
	// Release returns a previously acquired slot.
	Release(ctx context.Context, orgID string) error
	// Running returns the per-org running counts.
	Running(ctx context.Context) (map[string]int, error)
}

// MemoryLimiter is the single-process limiter. Limits come from config:
// a per-org override map plus a default for everyone else. A limit of
// zero or below means unlimited.
type MemoryLimiter struct {
	mu           sync.Mutex
	running      map[string]int
	limits       map[string]int
	defaultLimit int
}

// NewMemoryLimiter builds an in-process limiter.
func NewMemoryLimiter(defaultLimit int, limits map[string]int) *MemoryLimiter {
	return &MemoryLimiter{
		running:      make(map[string]int),
		limits:       limits,
		defaultLimit: defaultLimit,
	}
}

func (l *MemoryLimiter) limitFor(orgID string) int {
	if lim, ok := l.limits[orgID]; ok {
		return lim
	}
	return l.defaultLimit
}

func (l *MemoryLimiter) TryAcquire(_ context.Context, orgID string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	limit := l.limitFor(orgID)
	if limit > 0 && l.running[orgID] >= limit {
		return false, nil
	}
	l.running[orgID]++
	return true, nil
}

func (l *MemoryLimiter) Release(_ context.Context, orgID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.running[orgID] > 0 {
		l.running[orgID]--
		if l.running[orgID] == 0 {
			delete(l.running, orgID)
		}
	}
	return nil
}

func (l *MemoryLimiter) Running(_ context.Context) (map[string]int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make(map[string]int, len(l.running))
	for k, v := range l.running {
		out[k] = v
	}
	return out, nil
}

// redisRunningKey is the hash holding per-org running counts, shared by
// every engine replica pointing at the same Redis.
const redisRunningKey = "orthrus:soar:running"

// acquireScript increments the org's count only if it stays within the
// limit. Check and increment must be one atomic unit or two replicas
// can both take the last slot.
var acquireScript = redis.NewScript(`
local current = tonumber(redis.call('HGET', KEYS[1], ARGV[1]) or '0')
local limit = tonumber(ARGV[2])
if limit > 0 and current >= limit then
  return 0
end
redis.call('HINCRBY', KEYS[1], ARGV[1], 1)
return 1
`)

// releaseScript decrements without going negative and removes the field
// at zero so Running stays small.
var releaseScript = redis.NewScript(`
local current = tonumber(redis.call('HGET', KEYS[1], ARGV[1]) or '0')
if current <= 1 then
  redis.call('HDEL', KEYS[1], ARGV[1])
else
  redis.call('HINCRBY', KEYS[1], ARGV[1], -1)
end
return 1
`)

// RedisLimiter coordinates the per-org cap across engine replicas.
type RedisLimiter struct {
	client       redis.UniversalClient
	limits       map[string]int
	defaultLimit int
}

// NewRedisLimiter builds a limiter backed by the given Redis client.
func NewRedisLimiter(client redis.UniversalClient, defaultLimit int, limits map[string]int) *RedisLimiter {
	return &RedisLimiter{
		client:       client,
		limits:       limits,
		defaultLimit: defaultLimit,
	}
}

func (l *RedisLimiter) limitFor(orgID string) int {
	if lim, ok := l.limits[orgID]; ok {
		return lim
	}
	return l.defaultLimit
}

func (l *RedisLimiter) TryAcquire(ctx context.Context, orgID string) (bool, error) {
	res, err := acquireScript.Run(ctx, l.client, []string{redisRunningKey}, orgID, l.limitFor(orgID)).Int()
	if err != nil {
		return false, fmt.Errorf("acquire concurrency slot for org %q: %w", orgID, err)
	}
	return res == 1, nil
}

func (l *RedisLimiter) Release(ctx context.Context, orgID string) error {
	if err := releaseScript.Run(ctx, l.client, []string{redisRunningKey}, orgID).Err(); err != nil {
		return fmt.Errorf("release concurrency slot for org %q: %w", orgID, err)
	}
	return nil
}

func (l *RedisLimiter) Running(ctx context.Context) (map[string]int, error) {
	fields, err := l.client.HGetAll(ctx, redisRunningKey).Result()
	if err != nil {
		return nil, fmt.Errorf("read running counts: %w", err)
	}
	out := make(map[string]int, len(fields))
	for org, raw := range fields {
		var n int
		if _, err := fmt.Sscanf(raw, "%d", &n); err == nil {
			out[org] = n
		}
	}
	return out, nil
}
