// Package cache memoizes dependency validations and aggregated contexts per user.
//
// Read and write failures are logged and reported as misses. Entries for a user are
// only ever removed together, by InvalidateUser, when a resource is created for that user.
// Callers read Epoch before loading the data they are about to cache and pass it to the
// Put methods, which drop the write if an invalidation happened in between.
package cache

import (
	"context"
	"time"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"

	"resource-pipeline/internal/logging"
	"resource-pipeline/internal/models"
	"resource-pipeline/internal/telemetry"
)

type envelope[T any] struct {
	CreatedAt time.Time `json:"createdAt"`
	Value     T         `json:"value"`
}

// Cache is the typed front of a Backend.
type Cache struct {
	backend Backend
	ttl     time.Duration
	now     func() time.Time
	log     zerolog.Logger
}

// New wraps backend with a fixed absolute ttl.
func New(backend Backend, ttl time.Duration) *Cache {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Cache{backend: backend, ttl: ttl, now: time.Now, log: logging.With("cache")}
}

// GetValidation returns a cached validation for (user, resource, version).
func (c *Cache) GetValidation(ctx context.Context, userID, resourceID, version string) (models.ValidationResult, bool) {
	return get[models.ValidationResult](ctx, c, NamespaceDependency, userID, resourceID+":"+version)
}

// PutValidation stores a validation result computed under epoch.
func (c *Cache) PutValidation(ctx context.Context, userID, resourceID, version string, epoch int64, v models.ValidationResult) {
	put(ctx, c, NamespaceDependency, userID, resourceID+":"+version, epoch, v)
}

// GetContext returns a cached aggregation for (user, target).
func (c *Cache) GetContext(ctx context.Context, userID, targetResourceID string) (models.PromptContext, bool) {
	return get[models.PromptContext](ctx, c, NamespaceContext, userID, targetResourceID)
}

// PutContext stores an aggregation computed under epoch.
func (c *Cache) PutContext(ctx context.Context, userID, targetResourceID string, epoch int64, v models.PromptContext) {
	put(ctx, c, NamespaceContext, userID, targetResourceID, epoch, v)
}

// Epoch returns userID's invalidation epoch. When it cannot be read the result is
// negative and nothing computed under it is stored.
func (c *Cache) Epoch(ctx context.Context, userID string) int64 {
	epoch, err := c.backend.Epoch(ctx, userID)
	if err != nil {
		c.log.Warn().Err(err).Str("user_id", userID).Msg("cache epoch read failed, skipping write")
		return -1
	}
	return epoch
}

// InvalidateUser clears both namespaces for userID.
func (c *Cache) InvalidateUser(ctx context.Context, userID string) error {
	telemetry.CacheInvalidations.Inc()
	if err := c.backend.InvalidateUser(ctx, userID); err != nil {
		c.log.Error().Err(err).Str("user_id", userID).Msg("cache invalidation failed")
		return err
	}
	return nil
}

// Cleanup removes entries created before the horizon on backends without native expiry.
func (c *Cache) Cleanup(ctx context.Context, horizon time.Duration) (int64, error) {
	cl, ok := c.backend.(Cleaner)
	if !ok {
		return 0, nil
	}
	return cl.DeleteOlderThan(ctx, c.now().Add(-horizon))
}

func get[T any](ctx context.Context, c *Cache, ns Namespace, userID, key string) (T, bool) {
	var zero T
	raw, ok, err := c.backend.Get(ctx, ns, userID, key)
	if err != nil {
		c.log.Warn().Err(err).Str("namespace", string(ns)).Str("user_id", userID).Msg("cache read failed, treating as miss")
		telemetry.CacheLookups.WithLabelValues(string(ns), "error").Inc()
		return zero, false
	}
	if !ok {
		telemetry.CacheLookups.WithLabelValues(string(ns), "miss").Inc()
		return zero, false
	}
	var env envelope[T]
	if err := json.Unmarshal(raw, &env); err != nil {
		c.log.Warn().Err(err).Str("namespace", string(ns)).Str("user_id", userID).Msg("cache entry undecodable, treating as miss")
		telemetry.CacheLookups.WithLabelValues(string(ns), "error").Inc()
		return zero, false
	}
	telemetry.CacheLookups.WithLabelValues(string(ns), "hit").Inc()
	return env.Value, true
}

func put[T any](ctx context.Context, c *Cache, ns Namespace, userID, key string, epoch int64, v T) {
	if epoch < 0 {
		return
	}
	raw, err := json.Marshal(envelope[T]{CreatedAt: c.now().UTC(), Value: v})
	if err != nil {
		c.log.Warn().Err(err).Str("namespace", string(ns)).Msg("cache encode failed")
		return
	}
	stored, err := c.backend.Set(ctx, ns, userID, key, raw, c.ttl, epoch)
	if err != nil {
		c.log.Warn().Err(err).Str("namespace", string(ns)).Str("user_id", userID).Msg("cache write failed")
		return
	}
	if !stored {
		telemetry.CacheStaleWrites.WithLabelValues(string(ns)).Inc()
		c.log.Debug().Str("namespace", string(ns)).Str("user_id", userID).Msg("cache invalidated during computation, entry dropped")
	}
}
