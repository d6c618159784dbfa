package queue

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"resource-pipeline/internal/config"
	"resource-pipeline/internal/errs"
	"resource-pipeline/internal/models"
)

func newTestQueue(t *testing.T) (*RedisQueue, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	cfg := config.Defaults()
	cfg.VisibilityTimeout = time.Minute
	q, err := NewRedisQueue(client, cfg)
	require.NoError(t, err)
	return q, mr
}

func personaPayload() map[string]any {
	return map[string]any{
		"productName":        "Acme CRM",
		"productDescription": "A CRM for small field-service teams",
	}
}

func TestSubmitAndGet(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	job, err := q.Submit(ctx, models.QueuePersona, "user-1", personaPayload())
	require.NoError(t, err)
	assert.Regexp(t, regexp.MustCompile(`^persona-user-1-\d{13}$`), job.ID)

	got, err := q.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusQueued, got.Status)
	assert.Equal(t, 0, got.Progress)
	assert.Equal(t, "Acme CRM", got.Payload["productName"])
	assert.Nil(t, got.Result)
	assert.Nil(t, got.FailureReason)
	assert.Nil(t, got.StartedAt)
}

func TestSubmitSameMillisecondGetsDistinctIDs(t *testing.T) {
	q, _ := newTestQueue(t)
	fixed := time.Date(2025, 5, 1, 9, 0, 0, 0, time.UTC)
	q.SetClock(func() time.Time { return fixed })
	ctx := context.Background()

	a, err := q.Submit(ctx, models.QueuePersona, "u", personaPayload())
	require.NoError(t, err)
	b, err := q.Submit(ctx, models.QueuePersona, "u", personaPayload())
	require.NoError(t, err)
	assert.NotEqual(t, a.ID, b.ID)
}

func TestSubmitRejectsInvalidPayload(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	_, err := q.Submit(ctx, models.QueuePersona, "u", map[string]any{"productDescription": "short"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, errs.ErrInvalidPayload))

	var e *errs.Error
	require.True(t, errors.As(err, &e))
	assert.Contains(t, e.Fields, "productName")
	assert.Contains(t, e.Fields, "productDescription")

	_, err = q.Submit(ctx, "video-rendering", "u", personaPayload())
	assert.True(t, errors.Is(err, errs.ErrUnknownQueue))

	_, err = q.Submit(ctx, models.QueueBatch, "u", map[string]any{"productName": "x", "companies": []any{}})
	assert.True(t, errors.Is(err, errs.ErrInvalidPayload))
}

func TestGetErrors(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	_, err := q.Get(ctx, "not-a-job")
	assert.True(t, errors.Is(err, errs.ErrInvalidJobID))

	_, err = q.Get(ctx, "persona-user-1-1700000000000")
	assert.True(t, errors.Is(err, errs.ErrJobNotFound))
}

func TestLifecycleCompleted(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	submitted, err := q.Submit(ctx, models.QueuePersona, "u", personaPayload())
	require.NoError(t, err)

	job, ok, err := q.Dequeue(ctx, models.QueuePersona)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, submitted.ID, job.ID)
	assert.Equal(t, models.StatusActive, job.Status)
	require.NotNil(t, job.StartedAt)

	_, ok, err = q.Dequeue(ctx, models.QueuePersona)
	require.NoError(t, err)
	assert.False(t, ok, "a job is handed to one worker only")

	p, err := q.UpdateProgress(ctx, job.ID, 40)
	require.NoError(t, err)
	assert.Equal(t, 40, p)
	p, err = q.UpdateProgress(ctx, job.ID, 20)
	require.NoError(t, err)
	assert.Equal(t, 40, p, "progress never decreases")

	require.NoError(t, q.Complete(ctx, job, map[string]any{"persona": "ok"}))
	got, err := q.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, got.Status)
	assert.Equal(t, 100, got.Progress)
	assert.JSONEq(t, `{"persona":"ok"}`, string(got.Result))
	assert.Nil(t, got.FailureReason)
	require.NotNil(t, got.FinishedAt)

	assert.Error(t, q.Complete(ctx, job, "again"), "terminal jobs cannot transition")
	assert.Error(t, q.Fail(ctx, job, "late failure"))
	_, err = q.UpdateProgress(ctx, job.ID, 50)
	assert.Error(t, err)
}

func TestLifecycleFailed(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	_, err := q.Submit(ctx, models.QueueResource, "u", map[string]any{"resourceId": "icp"})
	require.NoError(t, err)
	job, ok, err := q.Dequeue(ctx, models.QueueResource)
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, q.RecordAttempt(ctx, job.ID, 1))
	require.NoError(t, q.Fail(ctx, job, "missing dependencies: icp"))

	got, err := q.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, got.Status)
	require.NotNil(t, got.FailureReason)
	assert.Equal(t, "missing dependencies: icp", *got.FailureReason)
	assert.Nil(t, got.Result)
	assert.Equal(t, 1, got.AttemptsMade)
}

func TestCompletingQueuedJobIsRefused(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()
	job, err := q.Submit(ctx, models.QueuePersona, "u", personaPayload())
	require.NoError(t, err)
	assert.Error(t, q.Complete(ctx, job, "skip"))
}

func TestStatsAndDelays(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := q.Submit(ctx, models.QueueRating, "u", map[string]any{"companyName": "Initech", "productName": "Acme"})
		require.NoError(t, err)
	}
	job, _, err := q.Dequeue(ctx, models.QueueRating)
	require.NoError(t, err)
	other, _, err := q.Dequeue(ctx, models.QueueRating)
	require.NoError(t, err)

	require.NoError(t, q.MarkDelayed(ctx, job, time.Second))
	stats, err := q.Stats(ctx, models.QueueRating)
	require.NoError(t, err)
	assert.Equal(t, models.QueueStats{Waiting: 1, Active: 1, Delayed: 1}, stats)

	require.NoError(t, q.ClearDelayed(ctx, job))
	require.NoError(t, q.MarkDelayed(ctx, job, 2*time.Second))
	require.NoError(t, q.Complete(ctx, job, "done"))
	require.NoError(t, q.Fail(ctx, other, "boom"))

	stats, err = q.Stats(ctx, models.QueueRating)
	require.NoError(t, err)
	assert.Equal(t, models.QueueStats{Waiting: 1, Completed: 1, Failed: 1}, stats)

	got, err := q.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second}, got.RetryDelays)

	_, err = q.Stats(ctx, "nope")
	assert.True(t, errors.Is(err, errs.ErrUnknownQueue))
}

func TestFailExpiredLeases(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()
	now := time.Now()
	q.SetClock(func() time.Time { return now })

	_, err := q.Submit(ctx, models.QueuePersona, "u", personaPayload())
	require.NoError(t, err)
	job, _, err := q.Dequeue(ctx, models.QueuePersona)
	require.NoError(t, err)

	ids, err := q.FailExpired(ctx, models.QueuePersona, now.Add(30*time.Second), 10)
	require.NoError(t, err)
	assert.Empty(t, ids)

	require.NoError(t, q.ExtendLease(ctx, job, 2*time.Minute))
	ids, err = q.FailExpired(ctx, models.QueuePersona, now.Add(90*time.Second), 10)
	require.NoError(t, err)
	assert.Empty(t, ids, "the heartbeat extended the lease")

	ids, err = q.FailExpired(ctx, models.QueuePersona, now.Add(3*time.Minute), 10)
	require.NoError(t, err)
	assert.Equal(t, []string{job.ID}, ids)

	got, err := q.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, got.Status)
}

func TestTrimFinished(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()
	_, err := q.Submit(ctx, models.QueuePersona, "u", personaPayload())
	require.NoError(t, err)
	job, _, err := q.Dequeue(ctx, models.QueuePersona)
	require.NoError(t, err)
	require.NoError(t, q.Complete(ctx, job, "ok"))

	n, err := q.TrimFinished(ctx, models.QueuePersona, time.Now().Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestSubscribeReceivesEvents(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := q.Submit(ctx, models.QueuePersona, "u", personaPayload())
	require.NoError(t, err)
	job, _, err := q.Dequeue(ctx, models.QueuePersona)
	require.NoError(t, err)

	events, stop, err := q.Subscribe(ctx, job.ID)
	require.NoError(t, err)
	defer stop()

	_, err = q.UpdateProgress(ctx, job.ID, 35)
	require.NoError(t, err)
	require.NoError(t, q.Complete(ctx, job, "ok"))

	var got []models.JobEvent
	for len(got) < 2 {
		select {
		case ev := <-events:
			got = append(got, ev)
		case <-ctx.Done():
			t.Fatalf("timed out waiting for events, got %v", got)
		}
	}
	assert.Equal(t, "progress", got[0].Type)
	assert.Equal(t, 35, got[0].Progress)
	assert.Equal(t, models.StatusCompleted, got[1].Type)
}

func TestParseJobID(t *testing.T) {
	queueName, caller, err := ParseJobID("batch-rating-3f1c9a8e-2b7d-4c1e-9f00-1a2b3c4d5e6f-1714550400000")
	require.NoError(t, err)
	assert.Equal(t, models.QueueBatch, queueName)
	assert.Equal(t, "3f1c9a8e-2b7d-4c1e-9f00-1a2b3c4d5e6f", caller)

	_, _, err = ParseJobID("resource--1714550400000")
	assert.Error(t, err)
}
