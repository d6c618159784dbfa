package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"resource-pipeline/internal/models"
)

const resourceColumns = `id, user_id, resource_id, generation_version, strategic_content, implementation_content,
	model_used, total_input_tokens, total_output_tokens, estimated_cost_usd::float8, generation_duration_seconds,
	context_resources_used, personalization_level, is_active, created_at`

// ActiveResourceIDs lists the resources userID has an active version of.
func (s *Store) ActiveResourceIDs(ctx context.Context, userID string) ([]string, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT resource_id FROM generated_resources WHERE user_id = $1 AND is_active
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("query active resource ids: %w", err)
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan resource id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// ActiveResources returns every active generated resource of userID, newest first.
func (s *Store) ActiveResources(ctx context.Context, userID string) ([]models.GeneratedResource, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+resourceColumns+`
		FROM generated_resources WHERE user_id = $1 AND is_active
		ORDER BY created_at DESC
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("query active resources: %w", err)
	}
	defer rows.Close()
	var out []models.GeneratedResource
	for rows.Next() {
		r, err := scanResource(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// ActiveResource returns the active version of (userID, resourceID).
func (s *Store) ActiveResource(ctx context.Context, userID, resourceID string) (models.GeneratedResource, bool, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+resourceColumns+`
		FROM generated_resources WHERE user_id = $1 AND resource_id = $2 AND is_active
	`, userID, resourceID)
	r, err := scanResource(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.GeneratedResource{}, false, nil
	}
	if err != nil {
		return models.GeneratedResource{}, false, err
	}
	return r, true, nil
}

// SaveGeneratedResource deactivates the current version of (user, resource) and inserts res as the
// next version, in one transaction serialized by an advisory lock on the pair.
func (s *Store) SaveGeneratedResource(ctx context.Context, res models.GeneratedResource) (models.GeneratedResource, error) {
	strategic, err := json.Marshal(nonNilSections(res.StrategicContent))
	if err != nil {
		return models.GeneratedResource{}, fmt.Errorf("marshal strategic content: %w", err)
	}
	implementation, err := json.Marshal(nonNilSections(res.ImplementationContent))
	if err != nil {
		return models.GeneratedResource{}, fmt.Errorf("marshal implementation content: %w", err)
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.GeneratedResource{}, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) // safe no-op on commit

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, lockKey(res.UserID, res.ResourceID)); err != nil {
		return models.GeneratedResource{}, fmt.Errorf("lock resource: %w", err)
	}

	var version int
	if err := tx.QueryRow(ctx, `
		SELECT COALESCE(MAX(generation_version), 0) FROM generated_resources WHERE user_id = $1 AND resource_id = $2
	`, res.UserID, res.ResourceID).Scan(&version); err != nil {
		return models.GeneratedResource{}, fmt.Errorf("read current version: %w", err)
	}

	if _, err := tx.Exec(ctx, `
		UPDATE generated_resources SET is_active = FALSE WHERE user_id = $1 AND resource_id = $2 AND is_active
	`, res.UserID, res.ResourceID); err != nil {
		return models.GeneratedResource{}, fmt.Errorf("deactivate previous version: %w", err)
	}

	res.ID = uuid.New().String()
	res.GenerationVersion = version + 1
	res.IsActive = true
	if res.CreatedAt.IsZero() {
		res.CreatedAt = time.Now().UTC()
	}
	if res.ContextResourcesUsed == nil {
		res.ContextResourcesUsed = []string{}
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO generated_resources (id, user_id, resource_id, generation_version, strategic_content,
			implementation_content, model_used, total_input_tokens, total_output_tokens, estimated_cost_usd,
			generation_duration_seconds, context_resources_used, personalization_level, is_active, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, TRUE, $14)
	`, res.ID, res.UserID, res.ResourceID, res.GenerationVersion, strategic, implementation, res.ModelUsed,
		res.TotalInputTokens, res.TotalOutputTokens, res.EstimatedCostUSD, res.GenerationDurationSeconds,
		res.ContextResourcesUsed, res.PersonalizationLevel, res.CreatedAt)
	if err != nil {
		return models.GeneratedResource{}, fmt.Errorf("insert generated resource: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return models.GeneratedResource{}, fmt.Errorf("commit: %w", err)
	}
	return res, nil
}

// IsUnlocked reports whether userID is entitled to generate resourceID.
func (s *Store) IsUnlocked(ctx context.Context, userID, resourceID string) (bool, error) {
	var ok bool
	err := s.pool.QueryRow(ctx, `
		SELECT EXISTS (SELECT 1 FROM resource_unlocks WHERE user_id = $1 AND resource_id = $2)
	`, userID, resourceID).Scan(&ok)
	if err != nil {
		return false, fmt.Errorf("query unlock: %w", err)
	}
	return ok, nil
}

// Unlock grants userID the right to generate resourceID.
func (s *Store) Unlock(ctx context.Context, userID, resourceID string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO resource_unlocks (user_id, resource_id) VALUES ($1, $2)
		ON CONFLICT (user_id, resource_id) DO NOTHING
	`, userID, resourceID)
	if err != nil {
		return fmt.Errorf("insert unlock: %w", err)
	}
	return nil
}

// UserProfile returns the stored profile, or an empty one carrying only the id.
func (s *Store) UserProfile(ctx context.Context, userID string) (models.UserProfile, error) {
	p := models.UserProfile{UserID: userID}
	err := s.pool.QueryRow(ctx, `
		SELECT name, company_name, product_name, product_description, target_market, industry
		FROM user_profiles WHERE user_id = $1
	`, userID).Scan(&p.Name, &p.CompanyName, &p.ProductName, &p.ProductDescription, &p.TargetMarket, &p.Industry)
	if errors.Is(err, pgx.ErrNoRows) {
		return p, nil
	}
	if err != nil {
		return p, fmt.Errorf("query user profile: %w", err)
	}
	return p, nil
}

// UpsertUserProfile stores p.
func (s *Store) UpsertUserProfile(ctx context.Context, p models.UserProfile) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO user_profiles (user_id, name, company_name, product_name, product_description, target_market, industry, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, NOW())
		ON CONFLICT (user_id) DO UPDATE SET
			name = EXCLUDED.name, company_name = EXCLUDED.company_name, product_name = EXCLUDED.product_name,
			product_description = EXCLUDED.product_description, target_market = EXCLUDED.target_market,
			industry = EXCLUDED.industry, updated_at = NOW()
	`, p.UserID, p.Name, p.CompanyName, p.ProductName, p.ProductDescription, p.TargetMarket, p.Industry)
	if err != nil {
		return fmt.Errorf("upsert user profile: %w", err)
	}
	return nil
}

func scanResource(row pgx.Row) (models.GeneratedResource, error) {
	var r models.GeneratedResource
	var strategic, implementation []byte
	err := row.Scan(&r.ID, &r.UserID, &r.ResourceID, &r.GenerationVersion, &strategic, &implementation,
		&r.ModelUsed, &r.TotalInputTokens, &r.TotalOutputTokens, &r.EstimatedCostUSD, &r.GenerationDurationSeconds,
		&r.ContextResourcesUsed, &r.PersonalizationLevel, &r.IsActive, &r.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return r, err
		}
		return r, fmt.Errorf("scan generated resource: %w", err)
	}
	if r.StrategicContent, err = decodeSections(strategic); err != nil {
		return r, fmt.Errorf("unmarshal strategic content: %w", err)
	}
	if r.ImplementationContent, err = decodeSections(implementation); err != nil {
		return r, fmt.Errorf("unmarshal implementation content: %w", err)
	}
	return r, nil
}

func decodeSections(raw []byte) ([]models.Section, error) {
	out := []models.Section{}
	if len(raw) == 0 {
		return out, nil
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func nonNilSections(s []models.Section) []models.Section {
	if s == nil {
		return []models.Section{}
	}
	return s
}

func lockKey(userID, resourceID string) string {
	return "generated_resources:" + userID + ":" + resourceID
}
