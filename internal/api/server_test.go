package api

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	json "github.com/goccy/go-json"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"resource-pipeline/internal/auth"
	"resource-pipeline/internal/cache"
	"resource-pipeline/internal/catalog"
	"resource-pipeline/internal/config"
	"resource-pipeline/internal/costs"
	"resource-pipeline/internal/cumulative"
	"resource-pipeline/internal/dependency"
	"resource-pipeline/internal/models"
	"resource-pipeline/internal/queue"
	"resource-pipeline/internal/ratelimit"
	"resource-pipeline/internal/store"
)

type fixedTier ratelimit.Tier

func (f fixedTier) ResolveTier(context.Context, string) (ratelimit.Tier, error) {
	return ratelimit.Tier(f), nil
}

// resources serves both the dependency validator and the context aggregator.
type resources struct {
	active []models.GeneratedResource
}

func (r *resources) ActiveResourceIDs(context.Context, string) ([]string, error) {
	ids := make([]string, 0, len(r.active))
	for _, a := range r.active {
		ids = append(ids, a.ResourceID)
	}
	return ids, nil
}

func (r *resources) ActiveResources(context.Context, string) ([]models.GeneratedResource, error) {
	return r.active, nil
}

func (r *resources) UserProfile(_ context.Context, userID string) (models.UserProfile, error) {
	return models.UserProfile{UserID: userID, ProductName: "Acme"}, nil
}

type history struct{ since time.Time }

func (h *history) CompletionTotals(_ context.Context, since time.Time) ([]store.ModelTotal, error) {
	h.since = since
	return []store.ModelTotal{{Model: "gpt-4o", Calls: 4, InputTokens: 4000, CostUSD: 0.01}}, nil
}

type harness struct {
	srv     http.Handler
	queue   *queue.RedisQueue
	auth    *auth.Service
	history *history
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	cfg := config.Defaults()
	cfg.IPRequestsPerMin = 0
	q, err := queue.NewRedisQueue(client, cfg)
	require.NoError(t, err)

	graph := catalog.Default()
	res := &resources{active: []models.GeneratedResource{{
		UserID:           "u1",
		ResourceID:       "icp",
		IsActive:         true,
		CreatedAt:        time.Now(),
		StrategicContent: []models.Section{{PromptID: "icp-firmographics", Format: "freeform", Text: "Mid-market dental groups"}},
	}}}
	c := cache.New(cache.NewMemoryBackend(), time.Hour)
	tracker := costs.NewTracker(nil, 16)
	t.Cleanup(tracker.Close)

	h := &harness{queue: q, auth: auth.New("test-secret", time.Hour), history: &history{}}
	h.srv = New(cfg, Deps{
		Queue:     q,
		Limiter:   ratelimit.New(ratelimit.NewMemoryStore(), ratelimit.LimitsFromConfig(cfg.RateLimits)),
		Tiers:     fixedTier(ratelimit.TierFree),
		Auth:      h.auth,
		Validator: dependency.New(graph, res, c),
		Contexts:  cumulative.New(graph, res, c, cfg.Context),
		Costs:     tracker,
		History:   h.history,
		Checks:    map[string]func(context.Context) error{"redis": func(ctx context.Context) error { return client.Ping(ctx).Err() }},
	}).Router()
	return h
}

func (h *harness) do(t *testing.T, method, path, user string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.RemoteAddr = "192.0.2.10:4321"
	if user != "" {
		token, err := h.auth.Issue(user)
		require.NoError(t, err)
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	h.srv.ServeHTTP(rec, req)
	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func TestAnonymousPersonaJobAndStatusPolling(t *testing.T) {
	h := newHarness(t)
	rec := h.do(t, http.MethodPost, "/jobs/persona-generation", "", map[string]any{
		"productName":        "Acme",
		"productDescription": "Scheduling for dental clinics",
	})
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	sub := decodeBody[submitResponse](t, rec)
	assert.Regexp(t, `^persona-ip_192\.0\.2\.10-\d{13,}$`, sub.JobID)
	assert.Equal(t, "queued", sub.Status)
	assert.Equal(t, "/jobs/"+sub.JobID, sub.StatusEndpoint)
	assert.Equal(t, "30s", sub.EstimatedDuration)

	rec = h.do(t, http.MethodGet, sub.StatusEndpoint, "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	got := decodeBody[map[string]jobView](t, rec)["job"]
	assert.Equal(t, sub.JobID, got.JobID)
	assert.Equal(t, models.QueuePersona, got.QueueName)
	assert.Equal(t, "queued", got.Status)
	assert.Equal(t, "Acme", got.Data["productName"])
	assert.Nil(t, got.ProcessedOn)
	assert.Nil(t, got.FailedReason)
	assert.NotZero(t, got.Timestamp)
}

func TestSubmitAcceptsIDPrefixAsQueueKind(t *testing.T) {
	h := newHarness(t)
	rec := h.do(t, http.MethodPost, "/jobs/rating", "u1", map[string]any{"companyName": "Globex", "productName": "Acme"})
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	assert.True(t, strings.HasPrefix(decodeBody[submitResponse](t, rec).JobID, "rating-u1-"))
}

func TestSubmitRequiresAuthOutsidePersona(t *testing.T) {
	h := newHarness(t)
	rec := h.do(t, http.MethodPost, "/jobs/resource-generation", "", map[string]any{"resourceId": "icp"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req := httptest.NewRequest(http.MethodPost, "/jobs/resource-generation", strings.NewReader(`{"resourceId":"icp"}`))
	req.Header.Set("Authorization", "Bearer forged")
	r := httptest.NewRecorder()
	h.srv.ServeHTTP(r, req)
	assert.Equal(t, http.StatusUnauthorized, r.Code)
}

func TestSubmitRejectsSchemaViolation(t *testing.T) {
	h := newHarness(t)
	rec := h.do(t, http.MethodPost, "/jobs/company-rating", "u1", map[string]any{"productName": "Acme", "extra": true})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	body := decodeBody[errorResponse](t, rec)
	assert.Equal(t, "invalid_payload", body.Code)
	assert.NotEmpty(t, body.Fields)

	rec = h.do(t, http.MethodPost, "/jobs/nope", "u1", map[string]any{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "unknown_queue", decodeBody[errorResponse](t, rec).Code)
}

func TestRateLimitRejection(t *testing.T) {
	h := newHarness(t)
	payload := map[string]any{"companyName": "Globex", "productName": "Acme"}
	for i := 0; i < 5; i++ {
		rec := h.do(t, http.MethodPost, "/jobs/company-rating", "u9", payload)
		require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
		assert.Equal(t, "5", rec.Header().Get("X-RateLimit-Limit"))
	}

	rec := h.do(t, http.MethodPost, "/jobs/company-rating", "u9", payload)
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	body := decodeBody[rateLimitResponse](t, rec)
	assert.Equal(t, "free", body.Tier)
	assert.Equal(t, 5, body.Limit)
	assert.GreaterOrEqual(t, body.Used, 5)
	assert.Greater(t, body.ResetIn, int64(0))
	require.NotNil(t, body.Upgrade)
	assert.Equal(t, "trial", body.Upgrade.NextTier)
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))

	// Another endpoint has its own window.
	rec = h.do(t, http.MethodPost, "/jobs/resource-generation", "u9", map[string]any{"resourceId": "icp"})
	assert.Equal(t, http.StatusAccepted, rec.Code)
}

func TestGetJobErrors(t *testing.T) {
	h := newHarness(t)
	rec := h.do(t, http.MethodGet, "/jobs/garbage", "", nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "Invalid jobId format", decodeBody[errorResponse](t, rec).Error)

	rec = h.do(t, http.MethodGet, "/jobs/persona-u1-1700000000000", "", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestJobEventsForFinishedJob(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	job, err := h.queue.Submit(ctx, models.QueueResource, "u1", map[string]any{"resourceId": "icp"})
	require.NoError(t, err)
	active, ok, err := h.queue.Dequeue(ctx, models.QueueResource)
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, h.queue.Fail(ctx, active, "missing dependencies: icp"))

	rec := h.do(t, http.MethodGet, "/jobs/"+job.ID+"/events", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))

	sc := bufio.NewScanner(rec.Body)
	var lines []string
	for sc.Scan() {
		if sc.Text() != "" {
			lines = append(lines, sc.Text())
		}
	}
	require.Len(t, lines, 2)
	assert.Equal(t, "event: failed", lines[0])
	var ev models.JobEvent
	require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(lines[1], "data: ")), &ev))
	assert.Equal(t, "missing dependencies: icp", ev.Message)
}

func TestJobEventsStreamsUntilCompletion(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	job, err := h.queue.Submit(ctx, models.QueuePersona, "u1", map[string]any{
		"productName": "Acme", "productDescription": "Scheduling for dental clinics",
	})
	require.NoError(t, err)
	active, ok, err := h.queue.Dequeue(ctx, models.QueuePersona)
	require.NoError(t, err)
	require.True(t, ok)

	srv := httptest.NewServer(h.srv)
	defer srv.Close()
	reqCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, srv.URL+"/jobs/"+job.ID+"/events", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	reader := bufio.NewReader(resp.Body)
	readEvent := func() string {
		for {
			line, err := reader.ReadString('\n')
			require.NoError(t, err)
			if strings.HasPrefix(line, "event: ") {
				return strings.TrimSpace(strings.TrimPrefix(line, "event: "))
			}
		}
	}
	// The snapshot arrives once the subscription is live.
	require.Equal(t, "progress", readEvent())

	_, err = h.queue.UpdateProgress(ctx, job.ID, 40)
	require.NoError(t, err)
	assert.Equal(t, "progress", readEvent())
	require.NoError(t, h.queue.Complete(ctx, active, map[string]string{"ok": "yes"}))
	assert.Equal(t, "completed", readEvent())
}

func TestQueueStats(t *testing.T) {
	h := newHarness(t)
	_, err := h.queue.Submit(context.Background(), models.QueueResource, "u1", map[string]any{"resourceId": "icp"})
	require.NoError(t, err)

	rec := h.do(t, http.MethodGet, "/queues/resource-generation/stats", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody[struct {
		QueueName string            `json:"queueName"`
		Stats     models.QueueStats `json:"stats"`
	}](t, rec)
	assert.Equal(t, int64(1), body.Stats.Waiting)

	rec = h.do(t, http.MethodGet, "/queues/unknown/stats", "", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestValidateDependencies(t *testing.T) {
	h := newHarness(t)
	rec := h.do(t, http.MethodPost, "/dependencies/validate", "u1", map[string]string{"resourceId": "sales-slide-deck"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	first := decodeBody[validateResponse](t, rec)
	assert.False(t, first.Validation.Valid)
	assert.NotEmpty(t, first.Validation.MissingDependencies)
	assert.False(t, first.CacheStatus.Cached)

	rec = h.do(t, http.MethodPost, "/dependencies/validate", "u1", map[string]string{"resourceId": "sales-slide-deck"})
	second := decodeBody[validateResponse](t, rec)
	assert.True(t, second.CacheStatus.Cached)
	assert.Equal(t, first.Validation, second.Validation)

	rec = h.do(t, http.MethodPost, "/dependencies/validate", "u1", map[string]string{"resourceId": "nope"})
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = h.do(t, http.MethodPost, "/dependencies/validate", "u1", map[string]string{})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "required", decodeBody[errorResponse](t, rec).Fields["ResourceID"])

	rec = h.do(t, http.MethodPost, "/dependencies/validate", "", map[string]string{"resourceId": "icp"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestValidateBatchCap(t *testing.T) {
	h := newHarness(t)
	rec := h.do(t, http.MethodPost, "/dependencies/validate/batch", "u1", map[string][]string{"resourceIds": {"icp", "buyer-personas", "nope"}})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	items := decodeBody[map[string][]dependency.BatchItem](t, rec)["results"]
	require.Len(t, items, 3)
	assert.True(t, items[1].Validation.Valid, "buyer-personas only needs icp")
	assert.NotEmpty(t, items[2].Error)

	ids := make([]string, 11)
	for i := range ids {
		ids[i] = "icp"
	}
	rec = h.do(t, http.MethodPost, "/dependencies/validate/batch", "u1", map[string][]string{"resourceIds": ids})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "batch_too_large", decodeBody[errorResponse](t, rec).Code)
}

func TestAggregateContext(t *testing.T) {
	h := newHarness(t)
	rec := h.do(t, http.MethodPost, "/context/aggregate", "u1", map[string]string{"targetResourceId": "buyer-personas"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	body := decodeBody[aggregateResponse](t, rec)
	assert.Equal(t, []string{"icp"}, body.Context.UsedResourceCodes)
	assert.Equal(t, 2, body.Context.PersonalizationLevel)
	assert.Equal(t, body.Context.TotalTokens, body.Metadata.TotalTokens)
	assert.Positive(t, body.Metadata.TotalTokens)
	assert.False(t, body.CacheStatus.Cached)

	rec = h.do(t, http.MethodPost, "/context/aggregate", "u1", map[string]string{"targetResourceId": "buyer-personas"})
	assert.True(t, decodeBody[aggregateResponse](t, rec).CacheStatus.Cached)
}

func TestCostSummary(t *testing.T) {
	h := newHarness(t)
	rec := h.do(t, http.MethodGet, "/costs/summary?since=1h", "u1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody[costSummaryResponse](t, rec)
	require.Len(t, body.Stored, 1)
	assert.Equal(t, "gpt-4o", body.Stored[0].Model)
	assert.WithinDuration(t, time.Now().Add(-time.Hour), h.history.since, 5*time.Second)

	rec = h.do(t, http.MethodGet, "/costs/summary?since=yesterday", "u1", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHealthz(t *testing.T) {
	h := newHarness(t)
	rec := h.do(t, http.MethodGet, "/healthz", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"redis":"ok"`)
}

func TestWriteErrorHidesInternalDetail(t *testing.T) {
	s := New(config.Defaults(), Deps{})
	rec := httptest.NewRecorder()
	s.writeError(rec, httptest.NewRequest(http.MethodGet, "/", nil), errors.New("pq: password authentication failed"))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.NotContains(t, rec.Body.String(), "password")
}
