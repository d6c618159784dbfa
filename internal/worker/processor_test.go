package worker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"resource-pipeline/internal/config"
	"resource-pipeline/internal/errs"
	"resource-pipeline/internal/models"
	"resource-pipeline/internal/queue"
)

func testSetup(t *testing.T) (config.Config, *queue.RedisQueue) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	cfg := config.Defaults()
	cfg.WorkerPollInterval = 5 * time.Millisecond
	cfg.VisibilityTimeout = 3 * time.Second
	q, err := queue.NewRedisQueue(client, cfg)
	require.NoError(t, err)
	return cfg, q
}

func waitTerminal(t *testing.T, q *queue.RedisQueue, id string) models.Job {
	t.Helper()
	var job models.Job
	require.Eventually(t, func() bool {
		var err error
		job, err = q.Get(context.Background(), id)
		return err == nil && job.Terminal()
	}, 5*time.Second, 10*time.Millisecond)
	return job
}

func personaPayload() map[string]any {
	return map[string]any{"productName": "Acme", "productDescription": "Scheduling for dental clinics"}
}

func TestRetrySucceedsOnThirdAttempt(t *testing.T) {
	cfg, q := testSetup(t)
	p := NewProcessor(cfg, q)

	var mu sync.Mutex
	var slept []time.Duration
	p.sleep = func(_ context.Context, d time.Duration) error {
		mu.Lock()
		slept = append(slept, d)
		mu.Unlock()
		return nil
	}

	var calls int32
	p.RegisterHandler(models.QueuePersona, func(_ context.Context, _ models.Job, report ProgressFunc) (any, error) {
		report(30)
		if atomic.AddInt32(&calls, 1) < 3 {
			return nil, errs.Transient(errors.New("upstream 503"), "completion")
		}
		return map[string]string{"persona": "done"}, nil
	})

	submitted, err := q.Submit(context.Background(), models.QueuePersona, "u1", personaPayload())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	job := waitTerminal(t, q, submitted.ID)
	cancel()
	require.NoError(t, <-done)

	assert.Equal(t, models.StatusCompleted, job.Status)
	assert.Equal(t, 3, job.AttemptsMade)
	assert.Equal(t, 100, job.Progress)
	assert.NotNil(t, job.Result)
	assert.Nil(t, job.FailureReason)
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second}, job.RetryDelays)
	mu.Lock()
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second}, slept)
	mu.Unlock()

	stats, err := q.Stats(context.Background(), models.QueuePersona)
	require.NoError(t, err)
	assert.Equal(t, int64(0), stats.Delayed)
	assert.Equal(t, int64(1), stats.Completed)
}

func TestCallerErrorFailsWithoutRetry(t *testing.T) {
	cfg, q := testSetup(t)
	p := NewProcessor(cfg, q)
	p.sleep = func(context.Context, time.Duration) error { return nil }

	var calls int32
	p.RegisterHandler(models.QueueResource, func(context.Context, models.Job, ProgressFunc) (any, error) {
		atomic.AddInt32(&calls, 1)
		return nil, errs.Wrap(errs.ErrMissingDependencies, "missing dependencies: icp")
	})

	submitted, err := q.Submit(context.Background(), models.QueueResource, "u1", map[string]any{"resourceId": "buyer-personas"})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = p.Run(ctx) }()

	job := waitTerminal(t, q, submitted.ID)
	assert.Equal(t, models.StatusFailed, job.Status)
	assert.Equal(t, 1, job.AttemptsMade)
	assert.Nil(t, job.Result)
	require.NotNil(t, job.FailureReason)
	assert.Contains(t, *job.FailureReason, "icp")
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestExhaustedRetriesFailJob(t *testing.T) {
	cfg, q := testSetup(t)
	// The limit stamped on the job at submit time wins over the processor's.
	cfg.Retry.MaxAttempts = 2
	p := NewProcessor(cfg, q)
	p.sleep = func(context.Context, time.Duration) error { return nil }
	p.RegisterHandler(models.QueuePersona, func(context.Context, models.Job, ProgressFunc) (any, error) {
		return nil, errors.New("connection reset")
	})

	submitted, err := q.Submit(context.Background(), models.QueuePersona, "u1", personaPayload())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = p.Run(ctx) }()

	job := waitTerminal(t, q, submitted.ID)
	assert.Equal(t, models.StatusFailed, job.Status)
	assert.Equal(t, 3, job.AttemptsMade)
	require.NotNil(t, job.FailureReason)
	assert.Contains(t, *job.FailureReason, "connection reset")
}

func TestHandlerPanicFailsJob(t *testing.T) {
	cfg, q := testSetup(t)
	p := NewProcessor(cfg, q)
	p.RegisterHandler(models.QueuePersona, func(context.Context, models.Job, ProgressFunc) (any, error) {
		panic("nil map")
	})
	submitted, err := q.Submit(context.Background(), models.QueuePersona, "u1", personaPayload())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = p.Run(ctx) }()

	job := waitTerminal(t, q, submitted.ID)
	assert.Equal(t, models.StatusFailed, job.Status)
	assert.Contains(t, *job.FailureReason, "panicked")
}

func TestShutdownDrainsInFlightJob(t *testing.T) {
	cfg, q := testSetup(t)
	p := NewProcessor(cfg, q)

	started := make(chan struct{})
	release := make(chan struct{})
	p.RegisterHandler(models.QueuePersona, func(ctx context.Context, _ models.Job, _ ProgressFunc) (any, error) {
		close(started)
		<-release
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return "ok", nil
	})
	submitted, err := q.Submit(context.Background(), models.QueuePersona, "u1", personaPayload())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	<-started
	cancel()
	select {
	case <-done:
		t.Fatal("Run returned before the in-flight job finished")
	case <-time.After(50 * time.Millisecond):
	}
	close(release)
	require.NoError(t, <-done)

	job, err := q.Get(context.Background(), submitted.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, job.Status)
}

func TestConcurrencyFor(t *testing.T) {
	q := config.Defaults().Queues
	assert.Equal(t, 2, concurrencyFor(q, models.QueueBatch))
	assert.Equal(t, 5, concurrencyFor(q, models.QueuePersona))
	assert.Equal(t, 1, concurrencyFor(q, "unknown"))
}
