package dependency

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"resource-pipeline/internal/cache"
	"resource-pipeline/internal/catalog"
	"resource-pipeline/internal/errs"
)

type fakeStore struct {
	mu     sync.Mutex
	active map[string][]string
	calls  int
	err    error
}

func (f *fakeStore) ActiveResourceIDs(_ context.Context, userID string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return f.active[userID], nil
}

func newValidator(store *fakeStore) (*Validator, *cache.Cache) {
	c := cache.New(cache.NewMemoryBackend(), time.Hour)
	return New(catalog.Default(), store, c), c
}

func TestSalesSlideDeckWithNothingGenerated(t *testing.T) {
	v, _ := newValidator(&fakeStore{})

	res, cached, err := v.Validate(context.Background(), "u1", "sales-slide-deck")
	require.NoError(t, err)
	assert.False(t, cached)
	assert.False(t, res.Valid)
	assert.Equal(t, []string{"pricing-strategy", "objection-handling", "messaging-framework", "value-proposition"}, res.MissingDependencies)
	assert.Equal(t, []string{"value-proposition", "messaging-framework", "pricing-strategy", "objection-handling"}, res.SuggestedOrder)

	g := catalog.Default()
	var cost float64
	var tokens int
	for _, id := range res.MissingDependencies {
		r, _ := g.Get(id)
		cost += r.EstimatedCostUSD
		tokens += r.EstimatedTokens
	}
	assert.InDelta(t, cost, res.EstimatedCost, 1e-9)
	assert.Equal(t, tokens, res.EstimatedTokens)
}

func TestValidWhenDependenciesExist(t *testing.T) {
	v, _ := newValidator(&fakeStore{active: map[string][]string{"u1": {"icp", "value-proposition"}}})

	res, _, err := v.Validate(context.Background(), "u1", "buyer-personas")
	require.NoError(t, err)
	assert.True(t, res.Valid)
	assert.Empty(t, res.MissingDependencies)
	assert.Empty(t, res.SuggestedOrder)
	assert.Zero(t, res.EstimatedCost)

	res, _, err = v.Validate(context.Background(), "u1", "icp")
	require.NoError(t, err)
	assert.True(t, res.Valid, "tier 1 resources have no prerequisites")
}

func TestSecondValidateIsCachedAndIdentical(t *testing.T) {
	store := &fakeStore{active: map[string][]string{"u1": {"icp"}}}
	v, _ := newValidator(store)
	ctx := context.Background()

	first, cached, err := v.Validate(ctx, "u1", "messaging-framework")
	require.NoError(t, err)
	assert.False(t, cached)

	second, cached, err := v.Validate(ctx, "u1", "messaging-framework")
	require.NoError(t, err)
	assert.True(t, cached)
	assert.Equal(t, first, second)
	assert.Equal(t, 1, store.calls)
}

func TestInvalidationForcesMiss(t *testing.T) {
	store := &fakeStore{active: map[string][]string{}}
	v, c := newValidator(store)
	ctx := context.Background()

	res, _, err := v.Validate(ctx, "u1", "buyer-personas")
	require.NoError(t, err)
	assert.False(t, res.Valid)

	store.mu.Lock()
	store.active["u1"] = []string{"icp"}
	store.mu.Unlock()
	require.NoError(t, c.InvalidateUser(ctx, "u1"))

	res, cached, err := v.Validate(ctx, "u1", "buyer-personas")
	require.NoError(t, err)
	assert.False(t, cached)
	assert.True(t, res.Valid)
}

func TestUnknownResource(t *testing.T) {
	v, _ := newValidator(&fakeStore{})
	_, _, err := v.Validate(context.Background(), "u1", "press-kit")
	assert.True(t, errors.Is(err, errs.ErrResourceNotFound))
}

func TestStoreFailureIsRetryable(t *testing.T) {
	v, _ := newValidator(&fakeStore{err: errors.New("connection refused")})
	_, _, err := v.Validate(context.Background(), "u1", "buyer-personas")
	require.Error(t, err)
	assert.True(t, errs.IsRetryable(err))
}

func TestValidateBatch(t *testing.T) {
	v, _ := newValidator(&fakeStore{active: map[string][]string{"u1": {"icp"}}})
	ctx := context.Background()

	items, err := v.ValidateBatch(ctx, "u1", []string{"buyer-personas", "nope", "pricing-strategy"})
	require.NoError(t, err)
	require.Len(t, items, 3)
	assert.True(t, items[0].Validation.Valid)
	assert.Nil(t, items[1].Validation)
	assert.NotEmpty(t, items[1].Error)
	assert.False(t, items[2].Validation.Valid)

	ids := make([]string, MaxBatch+1)
	for i := range ids {
		ids[i] = "icp"
	}
	_, err = v.ValidateBatch(ctx, "u1", ids)
	assert.True(t, errors.Is(err, errs.ErrBatchTooLarge))
}

// pausingStore returns the state it read on entry only after release is closed.
type pausingStore struct {
	*fakeStore
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func (p *pausingStore) ActiveResourceIDs(ctx context.Context, userID string) ([]string, error) {
	ids, err := p.fakeStore.ActiveResourceIDs(ctx, userID)
	paused := false
	p.once.Do(func() { paused = true })
	if paused {
		close(p.entered)
		<-p.release
	}
	return ids, err
}

func TestInvalidationDuringValidateIsNotUndone(t *testing.T) {
	inner := &fakeStore{active: map[string][]string{}}
	store := &pausingStore{fakeStore: inner, entered: make(chan struct{}), release: make(chan struct{})}
	c := cache.New(cache.NewMemoryBackend(), time.Hour)
	v := New(catalog.Default(), store, c)
	ctx := context.Background()

	done := make(chan struct{})
	go func() {
		defer close(done)
		res, _, err := v.Validate(ctx, "u1", "buyer-personas")
		assert.NoError(t, err)
		assert.Equal(t, []string{"icp"}, res.MissingDependencies)
	}()
	<-store.entered

	// icp is created and the user invalidated while the first call still holds its old read.
	inner.mu.Lock()
	inner.active["u1"] = []string{"icp"}
	inner.mu.Unlock()
	require.NoError(t, c.InvalidateUser(ctx, "u1"))
	close(store.release)
	<-done

	res, cached, err := v.Validate(ctx, "u1", "buyer-personas")
	require.NoError(t, err)
	assert.False(t, cached)
	assert.True(t, res.Valid)
	assert.Empty(t, res.MissingDependencies)

	_, cached, err = v.Validate(ctx, "u1", "buyer-personas")
	require.NoError(t, err)
	assert.True(t, cached)
}
