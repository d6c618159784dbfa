// Package app opens the shared process state used by the api, worker and pipelinectl binaries.
package app

import (
	"context"
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"resource-pipeline/internal/cache"
	"resource-pipeline/internal/catalog"
	"resource-pipeline/internal/config"
	"resource-pipeline/internal/logging"
	"resource-pipeline/internal/queue"
	"resource-pipeline/internal/ratelimit"
	"resource-pipeline/internal/store"
)

// LoadConfig reads an optional .env file, loads the layered config and initializes logging.
func LoadConfig() (config.Config, error) {
	_ = godotenv.Load()
	cfg, err := config.Load()
	if err != nil {
		return config.Config{}, err
	}
	logging.Init(logging.Config{Level: cfg.LogLevel, Format: cfg.LogFormat})
	return cfg, nil
}

// Catalog loads the resource graph from cfg.CatalogPath, or the embedded catalog.
func Catalog(cfg config.Config) (*catalog.Graph, error) {
	if cfg.CatalogPath == "" {
		return catalog.Default(), nil
	}
	return catalog.Load(cfg.CatalogPath)
}

// Runtime holds the connections shared by every component of a process.
type Runtime struct {
	Cfg   config.Config
	Graph *catalog.Graph
	Store *store.Store
	Redis *redis.Client
	Queue *queue.RedisQueue
	Cache *cache.Cache
}

// Open connects to Postgres and Redis, applies migrations and builds the queue and cache.
func Open(ctx context.Context, cfg config.Config) (*Runtime, error) {
	graph, err := Catalog(cfg)
	if err != nil {
		return nil, fmt.Errorf("load catalog: %w", err)
	}

	st, err := store.New(ctx, cfg.PostgresDSN)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := st.RunMigrations(ctx); err != nil {
		st.Close()
		return nil, fmt.Errorf("migrations: %w", err)
	}

	client := queue.NewRedisClient(cfg)
	if err := client.Ping(ctx).Err(); err != nil {
		st.Close()
		_ = client.Close()
		return nil, fmt.Errorf("connect redis: %w", err)
	}
	q, err := queue.NewRedisQueue(client, cfg)
	if err != nil {
		st.Close()
		_ = client.Close()
		return nil, fmt.Errorf("init queue: %w", err)
	}

	rt := &Runtime{Cfg: cfg, Graph: graph, Store: st, Redis: client, Queue: q}
	rt.Cache = cache.New(rt.cacheBackend(), cfg.Cache.TTL)
	return rt, nil
}

func (rt *Runtime) cacheBackend() cache.Backend {
	switch rt.Cfg.Cache.Backend {
	case "postgres":
		return rt.Store.CacheBackend()
	default:
		return cache.NewRedisBackend(rt.Redis)
	}
}

// Limiter builds the tiered rate limiter. The memory store is swept until ctx is done.
func (rt *Runtime) Limiter(ctx context.Context) *ratelimit.Limiter {
	var counters ratelimit.Store
	if rt.Cfg.RateLimits.Store == "memory" {
		mem := ratelimit.NewMemoryStore()
		go mem.RunSweeper(ctx, rt.Cfg.RateLimits.SweepInterval)
		counters = mem
	} else {
		counters = ratelimit.NewRedisStore(rt.Redis)
	}
	return ratelimit.New(counters, ratelimit.LimitsFromConfig(rt.Cfg.RateLimits),
		ratelimit.WithUsageRecorder(rt.Store),
		ratelimit.WithUpgradeURL(rt.Cfg.RateLimits.UpgradeURL),
	)
}

// Checks are the dependency probes served by /healthz.
func (rt *Runtime) Checks() map[string]func(context.Context) error {
	return map[string]func(context.Context) error{
		"postgres": rt.Store.Ping,
		"redis":    func(ctx context.Context) error { return rt.Redis.Ping(ctx).Err() },
	}
}

func (rt *Runtime) Close() {
	_ = rt.Redis.Close()
	rt.Store.Close()
}

// WorkerID returns WORKER_ID, the hostname, or a pid-based fallback.
func WorkerID() string {
	if id := os.Getenv("WORKER_ID"); id != "" {
		return id
	}
	if hostname, _ := os.Hostname(); hostname != "" {
		return hostname
	}
	return fmt.Sprintf("worker-%d", os.Getpid())
}
