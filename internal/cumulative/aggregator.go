// Package cumulative assembles a user's prior generated resources into a token-bounded prompt context.
package cumulative

import (
	"context"
	"sort"
	"strings"

	"github.com/rs/zerolog"

	"resource-pipeline/internal/cache"
	"resource-pipeline/internal/catalog"
	"resource-pipeline/internal/config"
	"resource-pipeline/internal/errs"
	"resource-pipeline/internal/logging"
	"resource-pipeline/internal/models"
)

// Store loads the inputs of an aggregation.
type Store interface {
	ActiveResources(ctx context.Context, userID string) ([]models.GeneratedResource, error)
	UserProfile(ctx context.Context, userID string) (models.UserProfile, error)
}

// Aggregator builds PromptContexts.
type Aggregator struct {
	graph  *catalog.Graph
	store  Store
	cache  *cache.Cache
	limits config.ContextConfig
	log    zerolog.Logger
}

func New(graph *catalog.Graph, store Store, c *cache.Cache, limits config.ContextConfig) *Aggregator {
	return &Aggregator{graph: graph, store: store, cache: c, limits: limits, log: logging.With("cumulative")}
}

// Aggregate returns the context for generating target on behalf of userID.
// A failed resource lookup yields a degraded, profile-only context instead of an error.
func (a *Aggregator) Aggregate(ctx context.Context, userID, target string) (models.PromptContext, bool, error) {
	def, ok := a.graph.Get(target)
	if !ok {
		return models.PromptContext{}, false, errs.Wrap(errs.ErrResourceNotFound, "resource %q not found", target)
	}
	if a.cache != nil {
		if pc, hit := a.cache.GetContext(ctx, userID, target); hit {
			return pc, true, nil
		}
	}

	log := a.log.With().Str("user_id", userID).Str("resource_id", target).Logger()

	var epoch int64
	if a.cache != nil {
		epoch = a.cache.Epoch(ctx, userID)
	}
	profile, err := a.store.UserProfile(ctx, userID)
	if err != nil {
		log.Warn().Err(err).Msg("profile lookup failed, continuing without product details")
		profile = models.UserProfile{UserID: userID}
	}

	prior, err := a.store.ActiveResources(ctx, userID)
	if err != nil {
		log.Warn().Err(err).Msg("prior resource lookup failed, using minimal context")
		return minimal(userID, target, profile), false, nil
	}

	pc := a.build(def, profile, prior)
	pc.UserID = userID
	if a.cache != nil {
		a.cache.PutContext(ctx, userID, target, epoch, pc)
	}
	log.Debug().
		Int("total_tokens", pc.TotalTokens).
		Int("personalization_level", pc.PersonalizationLevel).
		Msg("context aggregated")
	return pc, false, nil
}

func minimal(userID, target string, profile models.UserProfile) models.PromptContext {
	return models.PromptContext{
		UserID:               userID,
		TargetResourceID:     target,
		Profile:              profile,
		Tier1Critical:        []models.ContextItem{},
		Tier2Required:        []models.ContextItem{},
		Tier3Optional:        []models.ContextItem{},
		UsedResourceCodes:    []string{},
		PersonalizationLevel: 1,
		Degraded:             true,
	}
}

func (a *Aggregator) build(def catalog.Resource, profile models.UserProfile, prior []models.GeneratedResource) models.PromptContext {
	var critical, required, optional []models.ContextItem
	for _, r := range prior {
		if r.ResourceID == def.ID {
			continue
		}
		item := a.item(r)
		switch {
		case a.graph.DirectlyRelated(def.ID, r.ResourceID):
			critical = append(critical, item)
		case a.sameCategory(def, r.ResourceID):
			required = append(required, item)
		default:
			optional = append(optional, item)
		}
	}

	pc := models.PromptContext{
		TargetResourceID:  def.ID,
		Profile:           profile,
		UsedResourceCodes: []string{},
	}
	var t1, t2, t3 int
	pc.Tier1Critical, t1 = fill(critical, a.limits.Tier1Tokens)
	pc.Tier2Required, t2 = fill(required, a.limits.Tier2Tokens)
	pc.Tier3Optional, t3 = fill(optional, max(a.limits.TotalTokens-t1-t2, 0))

	pc.TotalTokens = t1 + t2 + t3
	for _, bucket := range [][]models.ContextItem{pc.Tier1Critical, pc.Tier2Required, pc.Tier3Optional} {
		for _, it := range bucket {
			pc.UsedResourceCodes = append(pc.UsedResourceCodes, it.ResourceID)
		}
	}
	pc.PersonalizationLevel = len(pc.UsedResourceCodes) + 1
	pc.Breakdown = models.TierBreakdown{
		Tier1Tokens: t1, Tier2Tokens: t2, Tier3Tokens: t3,
		Tier1Count: len(pc.Tier1Critical), Tier2Count: len(pc.Tier2Required), Tier3Count: len(pc.Tier3Optional),
	}
	return pc
}

func (a *Aggregator) item(r models.GeneratedResource) models.ContextItem {
	name := r.ResourceID
	if d, ok := a.graph.Get(r.ResourceID); ok {
		name = d.Name
	}
	content := r.Summary()
	return models.ContextItem{
		ResourceID:  r.ResourceID,
		Name:        name,
		Tokens:      models.EstimateTokens(content),
		Content:     content,
		GeneratedAt: r.CreatedAt,
	}
}

func (a *Aggregator) sameCategory(def catalog.Resource, id string) bool {
	d, ok := a.graph.Get(id)
	return ok && d.Category == def.Category
}

// fill takes items newest first until the next one would exceed ceiling.
func fill(items []models.ContextItem, ceiling int) ([]models.ContextItem, int) {
	sort.SliceStable(items, func(i, j int) bool {
		return items[i].GeneratedAt.After(items[j].GeneratedAt)
	})
	out := []models.ContextItem{}
	used := 0
	for _, it := range items {
		if used+it.Tokens > ceiling {
			break
		}
		out = append(out, it)
		used += it.Tokens
	}
	return out, used
}

// Format renders a bucket as prompt text.
func Format(items []models.ContextItem) string {
	if len(items) == 0 {
		return "None available."
	}
	var b strings.Builder
	for i, it := range items {
		if i > 0 {
			b.WriteString("\n\n")
		}
		b.WriteString("## ")
		b.WriteString(it.Name)
		b.WriteString("\n")
		b.WriteString(it.Content)
	}
	return b.String()
}

// Previous renders every included item across buckets, critical first.
func Previous(pc models.PromptContext) string {
	all := make([]models.ContextItem, 0, len(pc.UsedResourceCodes))
	all = append(all, pc.Tier1Critical...)
	all = append(all, pc.Tier2Required...)
	all = append(all, pc.Tier3Optional...)
	return Format(all)
}
