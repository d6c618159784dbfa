package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	"resource-pipeline/internal/models"
	"resource-pipeline/internal/ratelimit"
)

// RecordUsage appends one attempted call to api_usage.
func (s *Store) RecordUsage(ctx context.Context, ev models.UsageEvent) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO api_usage (identity, endpoint, tier, allowed, recorded_at)
		VALUES ($1, $2, $3, $4, $5)
	`, ev.Identity, ev.Endpoint, ev.Tier, ev.Allowed, ev.RecordedAt)
	if err != nil {
		return fmt.Errorf("insert api usage: %w", err)
	}
	return nil
}

// ResolveTier maps the user's subscription onto a rate-limit tier. Users without a row are free.
func (s *Store) ResolveTier(ctx context.Context, userID string) (ratelimit.Tier, error) {
	var plan, status string
	var trialEnds pgtype.Timestamptz
	err := s.pool.QueryRow(ctx, `
		SELECT plan, status, trial_ends_at FROM subscriptions WHERE user_id = $1
	`, userID).Scan(&plan, &status, &trialEnds)
	if errors.Is(err, pgx.ErrNoRows) {
		return ratelimit.TierFree, nil
	}
	if err != nil {
		return ratelimit.TierFree, fmt.Errorf("query subscription: %w", err)
	}
	var ends *time.Time
	if trialEnds.Valid {
		ends = &trialEnds.Time
	}
	return tierFor(plan, status, ends, time.Now()), nil
}

func tierFor(plan, status string, trialEnds *time.Time, now time.Time) ratelimit.Tier {
	switch {
	case status == "trialing" && trialEnds != nil && trialEnds.After(now):
		return ratelimit.TierTrial
	case status == "active" && plan != "" && plan != "free":
		return ratelimit.TierPaid
	default:
		return ratelimit.TierFree
	}
}

// InsertCompletionMetric writes one completion_metrics row.
func (s *Store) InsertCompletionMetric(ctx context.Context, m models.CompletionMetric) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO completion_metrics (job_id, user_id, resource_id, prompt_id, model, attempt, success, streaming,
			duration_ms, input_tokens, output_tokens, cost_usd, error, recorded_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
	`, emptyToNil(m.JobID), emptyToNil(m.UserID), emptyToNil(m.ResourceID), m.PromptID, m.Model, m.Attempt,
		m.Success, m.Streaming, m.Duration.Milliseconds(), m.InputTokens, m.OutputTokens, m.CostUSD,
		emptyToNil(m.Error), m.RecordedAt)
	if err != nil {
		return fmt.Errorf("insert completion metric: %w", err)
	}
	return nil
}

// ModelTotal aggregates persisted completion metrics for one model.
type ModelTotal struct {
	Model        string
	Calls        int64
	Failures     int64
	InputTokens  int64
	OutputTokens int64
	CostUSD      float64
	LastError    *string
}

// CompletionTotals summarizes completion_metrics since the given time.
func (s *Store) CompletionTotals(ctx context.Context, since time.Time) ([]ModelTotal, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT model, COUNT(*), COUNT(*) FILTER (WHERE NOT success),
			COALESCE(SUM(input_tokens), 0), COALESCE(SUM(output_tokens), 0), COALESCE(SUM(cost_usd), 0)::float8,
			(ARRAY_AGG(error ORDER BY recorded_at DESC) FILTER (WHERE error IS NOT NULL))[1]
		FROM completion_metrics WHERE recorded_at >= $1
		GROUP BY model ORDER BY model
	`, since)
	if err != nil {
		return nil, fmt.Errorf("query completion totals: %w", err)
	}
	defer rows.Close()
	var out []ModelTotal
	for rows.Next() {
		var t ModelTotal
		var lastErr pgtype.Text
		if err := rows.Scan(&t.Model, &t.Calls, &t.Failures, &t.InputTokens, &t.OutputTokens, &t.CostUSD, &lastErr); err != nil {
			return nil, fmt.Errorf("scan completion totals: %w", err)
		}
		t.LastError = textPtr(lastErr)
		out = append(out, t)
	}
	return out, rows.Err()
}
