package cache

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Namespace separates the dependency and context caches.
type Namespace string

const (
	NamespaceDependency Namespace = "dependency"
	NamespaceContext    Namespace = "context"
)

// Namespaces lists every namespace InvalidateUser must clear.
var Namespaces = []Namespace{NamespaceDependency, NamespaceContext}

// Backend stores opaque entries per user. A missing entry is (nil, false, nil).
//
// Each user has an invalidation epoch starting at 0. InvalidateUser bumps it, and Set
// stores nothing unless the epoch still equals the one the caller read before computing
// the value, so a result computed before an invalidation never outlives it.
type Backend interface {
	Get(ctx context.Context, ns Namespace, userID, key string) ([]byte, bool, error)
	Epoch(ctx context.Context, userID string) (int64, error)
	// Set reports whether the entry was stored.
	Set(ctx context.Context, ns Namespace, userID, key string, value []byte, ttl time.Duration, epoch int64) (bool, error)
	// InvalidateUser removes every entry of userID in every namespace and bumps its epoch.
	InvalidateUser(ctx context.Context, userID string) error
}

// Cleaner is implemented by backends without native expiry.
type Cleaner interface {
	DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}

// RedisBackend keeps each entry under its own key with a TTL and tracks a per-user index set.
type RedisBackend struct {
	client *redis.Client
}

// NewRedisBackend returns a Redis-backed cache store.
func NewRedisBackend(client *redis.Client) *RedisBackend {
	return &RedisBackend{client: client}
}

func entryKey(ns Namespace, userID, key string) string {
	return fmt.Sprintf("cache:%s:%s:%s", ns, userID, key)
}

func indexKey(userID string) string {
	return "cache:user:" + userID
}

func epochKey(userID string) string {
	return "cache:epoch:" + userID
}

func (b *RedisBackend) Get(ctx context.Context, ns Namespace, userID, key string) ([]byte, bool, error) {
	v, err := b.client.Get(ctx, entryKey(ns, userID, key)).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("cache get: %w", err)
	}
	return v, true, nil
}

func (b *RedisBackend) Epoch(ctx context.Context, userID string) (int64, error) {
	n, err := b.client.Get(ctx, epochKey(userID)).Int64()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("cache epoch: %w", err)
	}
	return n, nil
}

func (b *RedisBackend) Set(ctx context.Context, ns Namespace, userID, key string, value []byte, ttl time.Duration, epoch int64) (bool, error) {
	keys := []string{epochKey(userID), entryKey(ns, userID, key), indexKey(userID)}
	stored, err := setScript.Run(ctx, b.client, keys, value, ttl.Milliseconds(), epoch).Int()
	if err != nil {
		return false, fmt.Errorf("cache set: %w", err)
	}
	return stored == 1, nil
}

func (b *RedisBackend) InvalidateUser(ctx context.Context, userID string) error {
	keys := []string{indexKey(userID), epochKey(userID)}
	if err := invalidateScript.Run(ctx, b.client, keys).Err(); err != nil && err != redis.Nil {
		return fmt.Errorf("cache invalidate: %w", err)
	}
	return nil
}

// KEYS: epoch, entry, index. ARGV: value, ttl ms, expected epoch.
var setScript = redis.NewScript(`
local current = tonumber(redis.call('GET', KEYS[1]) or '0')
if current ~= tonumber(ARGV[3]) then
  return 0
end
redis.call('SET', KEYS[2], ARGV[1], 'PX', ARGV[2])
redis.call('SADD', KEYS[3], KEYS[2])
redis.call('PEXPIRE', KEYS[3], ARGV[2])
return 1
`)

// KEYS: index, epoch.
var invalidateScript = redis.NewScript(`
local members = redis.call('SMEMBERS', KEYS[1])
for i=1,#members do
  redis.call('DEL', members[i])
end
redis.call('DEL', KEYS[1])
redis.call('INCR', KEYS[2])
return #members
`)

type memEntry struct {
	value     []byte
	createdAt time.Time
	expiresAt time.Time
}

// MemoryBackend is an in-process Backend for tests and single-node development.
type MemoryBackend struct {
	mu      sync.Mutex
	entries map[string]map[string]memEntry // userID -> ns:key -> entry
	epochs  map[string]int64
	now     func() time.Time
}

// NewMemoryBackend builds an empty MemoryBackend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{entries: make(map[string]map[string]memEntry), epochs: make(map[string]int64), now: time.Now}
}

// SetClock replaces time.Now.
func (b *MemoryBackend) SetClock(now func() time.Time) { b.now = now }

func (b *MemoryBackend) Get(_ context.Context, ns Namespace, userID, key string) ([]byte, bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	e, ok := b.entries[userID][string(ns)+":"+key]
	if !ok || !b.now().Before(e.expiresAt) {
		return nil, false, nil
	}
	return e.value, true, nil
}

func (b *MemoryBackend) Epoch(_ context.Context, userID string) (int64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.epochs[userID], nil
}

func (b *MemoryBackend) Set(_ context.Context, ns Namespace, userID, key string, value []byte, ttl time.Duration, epoch int64) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.epochs[userID] != epoch {
		return false, nil
	}
	user, ok := b.entries[userID]
	if !ok {
		user = make(map[string]memEntry)
		b.entries[userID] = user
	}
	now := b.now()
	user[string(ns)+":"+key] = memEntry{value: append([]byte(nil), value...), createdAt: now, expiresAt: now.Add(ttl)}
	return true, nil
}

func (b *MemoryBackend) InvalidateUser(_ context.Context, userID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.entries, userID)
	b.epochs[userID]++
	return nil
}

// DeleteOlderThan implements Cleaner.
func (b *MemoryBackend) DeleteOlderThan(_ context.Context, cutoff time.Time) (int64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	var n int64
	for user, m := range b.entries {
		for k, e := range m {
			if e.createdAt.Before(cutoff) {
				delete(m, k)
				n++
			}
		}
		if len(m) == 0 {
			delete(b.entries, user)
		}
	}
	return n, nil
}

// Count reports live entries for userID.
func (b *MemoryBackend) Count(userID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.entries[userID])
}
