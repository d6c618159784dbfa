package generation

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"resource-pipeline/internal/catalog"
	"resource-pipeline/internal/config"
	"resource-pipeline/internal/costs"
	"resource-pipeline/internal/errs"
	"resource-pipeline/internal/llm"
	"resource-pipeline/internal/models"
	"resource-pipeline/internal/prompts"
)

type memoryStore struct {
	mu       sync.Mutex
	locked   bool
	rows     []models.GeneratedResource
	saveErr  error
	unlockEr error
}

func (s *memoryStore) IsUnlocked(context.Context, string, string) (bool, error) {
	return !s.locked, s.unlockEr
}

func (s *memoryStore) SaveGeneratedResource(_ context.Context, res models.GeneratedResource) (models.GeneratedResource, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.saveErr != nil {
		return models.GeneratedResource{}, s.saveErr
	}
	version := 0
	for i := range s.rows {
		r := &s.rows[i]
		if r.UserID == res.UserID && r.ResourceID == res.ResourceID {
			version = max(version, r.GenerationVersion)
			r.IsActive = false
		}
	}
	res.GenerationVersion = version + 1
	res.IsActive = true
	s.rows = append(s.rows, res)
	return res, nil
}

type staticContext struct{ pc models.PromptContext }

func (c staticContext) Aggregate(_ context.Context, userID, target string) (models.PromptContext, bool, error) {
	pc := c.pc
	pc.UserID, pc.TargetResourceID = userID, target
	return pc, false, nil
}

type invalidations struct {
	mu    sync.Mutex
	users []string
}

func (i *invalidations) InvalidateUser(_ context.Context, userID string) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.users = append(i.users, userID)
	return nil
}

type metrics struct {
	mu   sync.Mutex
	rows []models.CompletionMetric
}

func (m *metrics) Record(row models.CompletionMetric) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rows = append(m.rows, row)
}

// scriptedCompleter returns errors from script in order, then succeeds. Streaming calls
// emit chunks first and then fail with the next error from midStream, if any.
type scriptedCompleter struct {
	mu         sync.Mutex
	script     []error
	midStream  []error
	calls      int
	prompts    []string
	chunks     []string
	blankModel bool
}

func (c *scriptedCompleter) Model() string { return "claude-sonnet-4-20250514" }

func (c *scriptedCompleter) Complete(_ context.Context, req llm.Request) (llm.Completion, error) {
	c.mu.Lock()
	c.calls++
	c.prompts = append(c.prompts, req.Prompt)
	var err error
	if len(c.script) > 0 {
		err, c.script = c.script[0], c.script[1:]
	}
	c.mu.Unlock()
	if err != nil {
		return llm.Completion{}, err
	}
	if req.OnChunk != nil {
		for _, ch := range c.chunks {
			req.OnChunk(ch)
		}
		c.mu.Lock()
		if len(c.midStream) > 0 {
			err, c.midStream = c.midStream[0], c.midStream[1:]
		}
		c.mu.Unlock()
		if err != nil {
			return llm.Completion{}, err
		}
	}
	model := c.Model()
	if c.blankModel {
		model = ""
	}
	return llm.Completion{Text: `{"summary":"ok"}`, Model: model, InputTokens: 1000, OutputTokens: 500}, nil
}

type fixture struct {
	o         *Orchestrator
	store     *memoryStore
	completer *scriptedCompleter
	cache     *invalidations
	metrics   *metrics
	slept     []time.Duration
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	tpl, err := prompts.New("")
	require.NoError(t, err)

	f := &fixture{
		store:     &memoryStore{},
		completer: &scriptedCompleter{},
		cache:     &invalidations{},
		metrics:   &metrics{},
	}
	cfg := config.Defaults()
	f.o = New(cfg, Deps{
		Graph:     catalog.Default(),
		Store:     f.store,
		Contexts:  staticContext{pc: models.PromptContext{Profile: models.UserProfile{ProductName: "Acme CRM"}, PersonalizationLevel: 1}},
		Templates: tpl,
		Completer: f.completer,
		Prices:    costs.Table(config.DefaultModelPrices()),
		Recorder:  f.metrics,
		Cache:     f.cache,
	})
	f.o.sleep = func(_ context.Context, d time.Duration) error {
		f.slept = append(f.slept, d)
		return nil
	}
	return f
}

func TestGenerateProducesVersionedResource(t *testing.T) {
	f := newFixture(t)
	var progress []int
	res, err := f.o.Generate(context.Background(), "u1", "icp", Options{OnProgress: func(p int) { progress = append(progress, p) }})
	require.NoError(t, err)

	assert.Equal(t, 1, res.GenerationVersion)
	assert.True(t, res.IsActive)
	require.Len(t, res.StrategicContent, 2)
	require.Len(t, res.ImplementationContent, 1)
	assert.Equal(t, "icp-firmographics", res.StrategicContent[0].PromptID)
	assert.Equal(t, "structured", res.StrategicContent[0].Format)
	assert.Equal(t, 3000, res.TotalInputTokens)
	assert.Equal(t, 1500, res.TotalOutputTokens)
	// 3 calls at 1000 in / 500 out: 3 * (0.003 + 0.0075).
	assert.InDelta(t, 0.0315, res.EstimatedCostUSD, 1e-9)

	assert.Equal(t, []int{10, 30, 50, 90, 95, 100}, progress)
	assert.Equal(t, []string{"u1"}, f.cache.users)
	assert.Len(t, f.metrics.rows, 3)
	assert.Contains(t, f.completer.prompts[0], "Acme CRM")
	assert.NotContains(t, f.completer.prompts[0], "{product_name}")
}

func TestRepeatedGenerationKeepsOneActiveVersion(t *testing.T) {
	f := newFixture(t)
	for i := 0; i < 3; i++ {
		_, err := f.o.Generate(context.Background(), "u1", "value-proposition", Options{})
		require.NoError(t, err)
	}
	active := 0
	for _, r := range f.store.rows {
		if r.IsActive {
			active++
			assert.Equal(t, 3, r.GenerationVersion)
		}
	}
	assert.Equal(t, 1, active)
}

func TestNotUnlocked(t *testing.T) {
	f := newFixture(t)
	f.store.locked = true
	_, err := f.o.Generate(context.Background(), "u1", "icp", Options{})
	assert.True(t, errors.Is(err, errs.ErrNotUnlocked))
	assert.Zero(t, f.completer.calls)
}

func TestUnknownResource(t *testing.T) {
	f := newFixture(t)
	_, err := f.o.Generate(context.Background(), "u1", "nope", Options{})
	assert.True(t, errors.Is(err, errs.ErrResourceNotFound))
}

func TestCompletionRetriesTransientFailures(t *testing.T) {
	f := newFixture(t)
	f.completer.script = []error{
		errs.Transient(errors.New("503"), "completion failed"),
		errs.Transient(errors.New("503"), "completion failed"),
	}
	_, err := f.o.Generate(context.Background(), "u1", "icp", Options{})
	require.NoError(t, err)

	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second}, f.slept)
	assert.Equal(t, 5, f.completer.calls)
	require.Len(t, f.metrics.rows, 5)
	assert.False(t, f.metrics.rows[0].Success)
	assert.Equal(t, 1, f.metrics.rows[0].Attempt)
	assert.Equal(t, 3, f.metrics.rows[2].Attempt)
	assert.True(t, f.metrics.rows[2].Success)
}

func TestCallerErrorAbortsWithoutRetry(t *testing.T) {
	f := newFixture(t)
	f.completer.script = []error{errors.New("API returned unexpected status code: 401: bad key")}
	_, err := f.o.Generate(context.Background(), "u1", "icp", Options{})
	require.Error(t, err)
	assert.Equal(t, errs.KindCaller, errs.KindOf(err))
	assert.Equal(t, 1, f.completer.calls)
	assert.Empty(t, f.store.rows)
	assert.Empty(t, f.cache.users)
}

func TestExhaustedRetriesAreTerminal(t *testing.T) {
	f := newFixture(t)
	for i := 0; i < 3; i++ {
		f.completer.script = append(f.completer.script, context.DeadlineExceeded)
	}
	_, err := f.o.Generate(context.Background(), "u1", "icp", Options{})
	require.Error(t, err)
	assert.Equal(t, errs.KindTerminal, errs.KindOf(err))
	assert.False(t, errs.IsRetryable(err))
	assert.Equal(t, 3, f.completer.calls)
}

func TestPersistenceFailureIsFatal(t *testing.T) {
	f := newFixture(t)
	f.store.saveErr = errors.New("unique violation")
	_, err := f.o.Generate(context.Background(), "u1", "icp", Options{})
	require.Error(t, err)
	assert.Equal(t, errs.KindPersistence, errs.KindOf(err))
	assert.Contains(t, err.Error(), "unique violation")
	assert.Empty(t, f.cache.users, "nothing was created, nothing to invalidate")
}

func TestStreamingProgressStaysInFirstPromptShare(t *testing.T) {
	f := newFixture(t)
	f.o.streamChars = 100
	f.completer.chunks = []string{string(make([]byte, 50)), string(make([]byte, 50)), string(make([]byte, 50))}

	var progress []int
	_, err := f.o.Generate(context.Background(), "u1", "icp", Options{
		Streaming:  true,
		OnProgress: func(p int) { progress = append(progress, p) },
	})
	require.NoError(t, err)
	// The first strategic prompt owns 10..30; half the expected chars lands at 20 and the cap holds it at 29.
	assert.Equal(t, []int{10, 20, 29, 30, 50, 90, 95, 100}, progress)
	assert.True(t, f.metrics.rows[0].Streaming)
	assert.False(t, f.metrics.rows[1].Streaming)
}

func TestRetriedStreamRestartsProgress(t *testing.T) {
	f := newFixture(t)
	f.o.streamChars = 100
	f.completer.chunks = []string{string(make([]byte, 40))}
	f.completer.midStream = []error{errs.Transient(errors.New("connection reset"), "stream interrupted")}

	var progress []int
	_, err := f.o.Generate(context.Background(), "u1", "icp", Options{
		Streaming:  true,
		OnProgress: func(p int) { progress = append(progress, p) },
	})
	require.NoError(t, err)
	// Both attempts stream 40 of 100 expected chars; counted once that is 18, counted twice it would be 26.
	assert.Equal(t, []int{10, 18, 30, 50, 90, 95, 100}, progress)
	assert.Equal(t, 4, f.completer.calls)
	assert.Equal(t, []time.Duration{time.Second}, f.slept)
}

func TestBlankCompletionModelFallsBackToProviderModel(t *testing.T) {
	f := newFixture(t)
	f.completer.blankModel = true
	res, err := f.o.Generate(context.Background(), "u1", "icp", Options{})
	require.NoError(t, err)

	assert.InDelta(t, 0.0315, res.EstimatedCostUSD, 1e-9)
	var recorded float64
	for _, m := range f.metrics.rows {
		assert.Equal(t, "claude-sonnet-4-20250514", m.Model)
		recorded += m.CostUSD
	}
	assert.InDelta(t, res.EstimatedCostUSD, recorded, 1e-9)
}

func TestSpan(t *testing.T) {
	lo, hi := span(10, 50, 0, 4)
	assert.Equal(t, [2]int{10, 20}, [2]int{lo, hi})
	lo, hi = span(50, 90, 2, 3)
	assert.Equal(t, [2]int{76, 90}, [2]int{lo, hi})
	lo, hi = span(50, 90, 0, 0)
	assert.Equal(t, [2]int{90, 90}, [2]int{lo, hi})
}
