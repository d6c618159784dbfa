package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Window is the counter state returned by a store after one hit.
type Window struct {
	Allowed bool
	// Count is the post-increment count when allowed, the unchanged count when rejected.
	Count   int
	ResetAt time.Time
}

// Store is a fixed-window counter keyed by an opaque string.
//
// Hit opens a fresh window when none exists or now is at or past the stored reset time,
// rejects when the count is already at maxCalls, and otherwise increments.
type Store interface {
	Hit(ctx context.Context, key string, maxCalls int, window time.Duration, now time.Time) (Window, error)
}

// RedisStore keeps one hash per key and lets Redis expire it at the window reset.
type RedisStore struct {
	client *redis.Client
	prefix string
}

// NewRedisStore builds a RedisStore. Keys are written under "rl:".
func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client, prefix: "rl:"}
}

// Hit runs the window script atomically for key.
func (s *RedisStore) Hit(ctx context.Context, key string, maxCalls int, window time.Duration, now time.Time) (Window, error) {
	res, err := windowScript.Run(ctx, s.client, []string{s.prefix + key}, maxCalls, window.Milliseconds(), now.UnixMilli()).Result()
	if err != nil {
		return Window{}, fmt.Errorf("rate limit script: %w", err)
	}
	arr, ok := res.([]interface{})
	if !ok || len(arr) < 3 {
		return Window{}, fmt.Errorf("rate limit script: unexpected reply %T", res)
	}
	allowed, _ := arr[0].(int64)
	count, _ := arr[1].(int64)
	reset, _ := arr[2].(int64)
	return Window{
		Allowed: allowed == 1,
		Count:   int(count),
		ResetAt: time.UnixMilli(reset),
	}, nil
}

var windowScript = redis.NewScript(`
local key = KEYS[1]
local max = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local now = tonumber(ARGV[3])

local data = redis.call('HMGET', key, 'count', 'reset_ms')
local count = tonumber(data[1])
local reset = tonumber(data[2])
if count == nil or reset == nil or now >= reset then
  count = 0
  reset = now + window
end

local allowed = 0
if count < max then
  allowed = 1
  count = count + 1
end

redis.call('HSET', key, 'count', count, 'reset_ms', reset)
local ttl = reset - now
if ttl > 0 then redis.call('PEXPIRE', key, ttl) end
return {allowed, count, reset}
`)

type record struct {
	count   int
	resetAt time.Time
}

// MemoryStore is an in-process Store. Expired records are dropped lazily on hit
// and in bulk by Sweep.
type MemoryStore struct {
	mu      sync.Mutex
	records map[string]*record
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]*record)}
}

// Hit implements Store.
func (s *MemoryStore) Hit(_ context.Context, key string, maxCalls int, window time.Duration, now time.Time) (Window, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[key]
	if !ok || !now.Before(rec.resetAt) {
		rec = &record{resetAt: now.Add(window)}
		s.records[key] = rec
	}
	if rec.count >= maxCalls {
		return Window{Allowed: false, Count: rec.count, ResetAt: rec.resetAt}, nil
	}
	rec.count++
	return Window{Allowed: true, Count: rec.count, ResetAt: rec.resetAt}, nil
}

// Sweep removes records whose window has ended and reports how many were removed.
func (s *MemoryStore) Sweep(now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for k, rec := range s.records {
		if !now.Before(rec.resetAt) {
			delete(s.records, k)
			removed++
		}
	}
	return removed
}

// Len reports the number of tracked keys.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}

// RunSweeper sweeps every interval until ctx is done.
func (s *MemoryStore) RunSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			s.Sweep(now)
		}
	}
}
