package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"resource-pipeline/internal/cache"
)

// CacheBackend keeps cache entries in the dependency_cache and context_cache tables.
type CacheBackend struct {
	s *Store
}

// CacheBackend returns the Postgres cache.Backend sharing this store's pool.
func (s *Store) CacheBackend() *CacheBackend {
	return &CacheBackend{s: s}
}

var _ cache.Backend = (*CacheBackend)(nil)
var _ cache.Cleaner = (*CacheBackend)(nil)

func tableFor(ns cache.Namespace) (string, error) {
	switch ns {
	case cache.NamespaceDependency:
		return "dependency_cache", nil
	case cache.NamespaceContext:
		return "context_cache", nil
	default:
		return "", fmt.Errorf("unknown cache namespace %q", ns)
	}
}

func (b *CacheBackend) Get(ctx context.Context, ns cache.Namespace, userID, key string) ([]byte, bool, error) {
	table, err := tableFor(ns)
	if err != nil {
		return nil, false, err
	}
	var value []byte
	err = b.s.pool.QueryRow(ctx, `
		SELECT value FROM `+table+` WHERE user_id = $1 AND cache_key = $2 AND expires_at > NOW()
	`, userID, key).Scan(&value)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("query %s: %w", table, err)
	}
	return value, true, nil
}

func (b *CacheBackend) Epoch(ctx context.Context, userID string) (int64, error) {
	var epoch int64
	err := b.s.pool.QueryRow(ctx, `SELECT epoch FROM cache_epochs WHERE user_id = $1`, userID).Scan(&epoch)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("query cache_epochs: %w", err)
	}
	return epoch, nil
}

// Set locks the user's epoch row for the rest of the transaction, so an InvalidateUser
// running concurrently waits for the upsert and then deletes it.
func (b *CacheBackend) Set(ctx context.Context, ns cache.Namespace, userID, key string, value []byte, ttl time.Duration, epoch int64) (bool, error) {
	table, err := tableFor(ns)
	if err != nil {
		return false, err
	}
	tx, err := b.s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return false, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) // safe no-op on commit

	var current int64
	err = tx.QueryRow(ctx, `
		INSERT INTO cache_epochs (user_id, epoch) VALUES ($1, 0)
		ON CONFLICT (user_id) DO UPDATE SET epoch = cache_epochs.epoch
		RETURNING epoch
	`, userID).Scan(&current)
	if err != nil {
		return false, fmt.Errorf("lock cache epoch: %w", err)
	}
	if current != epoch {
		return false, nil
	}

	now := time.Now().UTC()
	_, err = tx.Exec(ctx, `
		INSERT INTO `+table+` (user_id, cache_key, value, created_at, expires_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (user_id, cache_key) DO UPDATE SET value = EXCLUDED.value, created_at = EXCLUDED.created_at, expires_at = EXCLUDED.expires_at
	`, userID, key, value, now, now.Add(ttl))
	if err != nil {
		return false, fmt.Errorf("upsert %s: %w", table, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("commit: %w", err)
	}
	return true, nil
}

// InvalidateUser bumps the user's epoch and deletes their rows from both tables in one transaction.
func (b *CacheBackend) InvalidateUser(ctx context.Context, userID string) error {
	tx, err := b.s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) // safe no-op on commit

	if _, err := tx.Exec(ctx, `
		INSERT INTO cache_epochs (user_id, epoch) VALUES ($1, 1)
		ON CONFLICT (user_id) DO UPDATE SET epoch = cache_epochs.epoch + 1
	`, userID); err != nil {
		return fmt.Errorf("bump cache epoch: %w", err)
	}

	for _, ns := range cache.Namespaces {
		table, _ := tableFor(ns)
		if _, err := tx.Exec(ctx, `DELETE FROM `+table+` WHERE user_id = $1`, userID); err != nil {
			return fmt.Errorf("delete from %s: %w", table, err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// DeleteOlderThan removes entries created before cutoff or already expired.
func (b *CacheBackend) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	var total int64
	for _, ns := range cache.Namespaces {
		table, _ := tableFor(ns)
		tag, err := b.s.pool.Exec(ctx, `DELETE FROM `+table+` WHERE created_at < $1 OR expires_at <= NOW()`, cutoff)
		if err != nil {
			return total, fmt.Errorf("cleanup %s: %w", table, err)
		}
		total += tag.RowsAffected()
	}
	return total, nil
}
