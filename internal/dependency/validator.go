// Package dependency checks whether a user has generated every prerequisite of a resource.
package dependency

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"resource-pipeline/internal/cache"
	"resource-pipeline/internal/catalog"
	"resource-pipeline/internal/errs"
	"resource-pipeline/internal/logging"
	"resource-pipeline/internal/models"
)

// MaxBatch caps ValidateBatch.
const MaxBatch = 10

// ResourceStore reports which resources a user currently has an active version of.
type ResourceStore interface {
	ActiveResourceIDs(ctx context.Context, userID string) ([]string, error)
}

// Validator answers dependency checks, memoized per user.
type Validator struct {
	graph *catalog.Graph
	store ResourceStore
	cache *cache.Cache
	log   zerolog.Logger
}

func New(graph *catalog.Graph, store ResourceStore, c *cache.Cache) *Validator {
	return &Validator{graph: graph, store: store, cache: c, log: logging.With("dependency")}
}

// Validate reports the missing prerequisites of resourceID for userID.
// The second return value is true when the result came from the cache.
func (v *Validator) Validate(ctx context.Context, userID, resourceID string) (models.ValidationResult, bool, error) {
	def, ok := v.graph.Get(resourceID)
	if !ok {
		return models.ValidationResult{}, false, errs.Wrap(errs.ErrResourceNotFound, "resource %q not found", resourceID)
	}
	if v.cache != nil {
		if res, hit := v.cache.GetValidation(ctx, userID, resourceID, def.CacheVersion()); hit {
			return res, true, nil
		}
	}

	var epoch int64
	if v.cache != nil {
		epoch = v.cache.Epoch(ctx, userID)
	}
	active, err := v.store.ActiveResourceIDs(ctx, userID)
	if err != nil {
		return models.ValidationResult{}, false, errs.Transient(fmt.Errorf("list active resources: %w", err), "dependency lookup failed")
	}
	res := v.evaluate(def, toSet(active))

	if v.cache != nil {
		v.cache.PutValidation(ctx, userID, resourceID, def.CacheVersion(), epoch, res)
	}
	v.log.Debug().
		Str("user_id", userID).
		Str("resource_id", resourceID).
		Bool("valid", res.Valid).
		Strs("missing", res.MissingDependencies).
		Msg("dependencies validated")
	return res, false, nil
}

func (v *Validator) evaluate(def catalog.Resource, have map[string]bool) models.ValidationResult {
	res := models.ValidationResult{
		ResourceID:          def.ID,
		MissingDependencies: []string{},
		SuggestedOrder:      []string{},
	}
	for _, dep := range def.Dependencies {
		if have[dep] {
			continue
		}
		res.MissingDependencies = append(res.MissingDependencies, dep)
		if d, ok := v.graph.Get(dep); ok {
			res.EstimatedCost += d.EstimatedCostUSD
			res.EstimatedTokens += d.EstimatedTokens
		}
	}
	res.Valid = len(res.MissingDependencies) == 0
	if !res.Valid {
		res.SuggestedOrder = v.graph.SortByTier(res.MissingDependencies)
	}
	return res
}

// BatchItem is one entry of a ValidateBatch response.
type BatchItem struct {
	ResourceID string                   `json:"resourceId"`
	Validation *models.ValidationResult `json:"validation,omitempty"`
	Cached     bool                     `json:"cached"`
	Error      string                   `json:"error,omitempty"`
}

// ValidateBatch validates up to MaxBatch resources. Per-item failures are reported in place.
func (v *Validator) ValidateBatch(ctx context.Context, userID string, resourceIDs []string) ([]BatchItem, error) {
	if len(resourceIDs) == 0 {
		return nil, errs.Wrap(errs.ErrInvalidPayload, "resourceIds must not be empty")
	}
	if len(resourceIDs) > MaxBatch {
		return nil, errs.Wrap(errs.ErrBatchTooLarge, "at most %d resourceIds per call, got %d", MaxBatch, len(resourceIDs))
	}
	out := make([]BatchItem, 0, len(resourceIDs))
	for _, id := range resourceIDs {
		res, cached, err := v.Validate(ctx, userID, id)
		item := BatchItem{ResourceID: id, Cached: cached}
		if err != nil {
			item.Error = err.Error()
		} else {
			item.Validation = &res
		}
		out = append(out, item)
	}
	return out, nil
}

func toSet(ids []string) map[string]bool {
	set := make(map[string]bool, len(ids))
	for _, id := range ids {
		set[id] = true
	}
	return set
}
