package queue

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/redis/go-redis/v9"

	"resource-pipeline/internal/config"
	"resource-pipeline/internal/errs"
	"resource-pipeline/internal/models"
	"resource-pipeline/internal/telemetry"
)

const jobKeyPrefix = "jobs:"

var (
	jobIDPattern   = regexp.MustCompile(`^(batch-rating|persona|rating|resource)-([A-Za-z0-9._-]+)-([0-9]{13,})$`)
	callerSanitize = regexp.MustCompile(`[^A-Za-z0-9._-]`)
)

// RedisQueue stores jobs as hashes and tracks per-queue waiting, active, delayed,
// completed and failed indexes. Every status transition is a Lua script that checks
// the current status first.
type RedisQueue struct {
	client        *redis.Client
	schemas       payloadSchemas
	visibilityTTL time.Duration
	retention     time.Duration
	maxAttempts   int
	now           func() time.Time
}

// NewRedisQueue builds a queue on client using the lease, retention and attempt settings in cfg.
func NewRedisQueue(client *redis.Client, cfg config.Config) (*RedisQueue, error) {
	schemas, err := loadSchemas()
	if err != nil {
		return nil, err
	}
	visibility := cfg.VisibilityTimeout
	if visibility == 0 {
		visibility = 30 * time.Second
	}
	attempts := cfg.Retry.MaxAttempts
	if attempts <= 0 {
		attempts = 3
	}
	return &RedisQueue{
		client:        client,
		schemas:       schemas,
		visibilityTTL: visibility,
		retention:     cfg.JobRetention,
		maxAttempts:   attempts,
		now:           time.Now,
	}, nil
}

// NewRedisClient opens the client described by cfg.
func NewRedisClient(cfg config.Config) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
}

// SetClock replaces time.Now.
func (q *RedisQueue) SetClock(now func() time.Time) { q.now = now }

// VisibilityTimeout is the lease granted on dequeue.
func (q *RedisQueue) VisibilityTimeout() time.Duration { return q.visibilityTTL }

func (q *RedisQueue) metaKey(jobID string) string { return jobKeyPrefix + jobID }

func listKey(queueName, state string) string {
	return fmt.Sprintf("queue:%s:%s", queueName, state)
}

func eventChannel(jobID string) string { return "jobs:events:" + jobID }

// ParseJobID splits an id into its queue and caller parts.
func ParseJobID(id string) (queueName, callerID string, err error) {
	m := jobIDPattern.FindStringSubmatch(id)
	if m == nil {
		return "", "", errs.ErrInvalidJobID
	}
	queueName, _ = models.QueueForPrefix(m[1])
	return queueName, m[2], nil
}

// Submit validates payload and enqueues a new job. It returns as soon as the job is stored.
func (q *RedisQueue) Submit(ctx context.Context, queueName, callerID string, payload map[string]any) (models.Job, error) {
	prefix, ok := models.JobIDPrefix(queueName)
	if !ok {
		return models.Job{}, errs.Wrap(errs.ErrUnknownQueue, "unknown queue %q", queueName)
	}
	if err := q.schemas.validate(queueName, payload); err != nil {
		return models.Job{}, err
	}
	if payload == nil {
		payload = map[string]any{}
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return models.Job{}, errs.Wrap(errs.ErrInvalidPayload, "encode payload: %v", err)
	}

	caller := callerSanitize.ReplaceAllString(callerID, "_")
	if caller == "" {
		caller = "anonymous"
	}

	now := q.now()
	ts := now.UnixMilli()
	// Ids embed the submission millisecond; a collision for the same caller bumps it.
	for i := 0; i < 50; i++ {
		id := fmt.Sprintf("%s-%s-%d", prefix, caller, ts)
		created, err := enqueueScript.Run(ctx, q.client,
			[]string{q.metaKey(id), listKey(queueName, "waiting")},
			id, queueName, callerID, string(raw), q.maxAttempts, now.UnixMilli(),
		).Int()
		if err != nil {
			return models.Job{}, errs.Transient(err, "enqueue job")
		}
		if created == 1 {
			telemetry.JobsEnqueued.WithLabelValues(queueName).Inc()
			return models.Job{
				ID:          id,
				QueueName:   queueName,
				CallerID:    callerID,
				Payload:     payload,
				Status:      models.StatusQueued,
				MaxAttempts: q.maxAttempts,
				EnqueuedAt:  time.UnixMilli(now.UnixMilli()).UTC(),
			}, nil
		}
		ts++
	}
	return models.Job{}, fmt.Errorf("enqueue job: could not allocate an id for %s", caller)
}

// Get returns a snapshot of a job.
func (q *RedisQueue) Get(ctx context.Context, jobID string) (models.Job, error) {
	if _, _, err := ParseJobID(jobID); err != nil {
		return models.Job{}, err
	}
	fields, err := q.client.HGetAll(ctx, q.metaKey(jobID)).Result()
	if err != nil {
		return models.Job{}, errs.Transient(err, "read job")
	}
	if len(fields) == 0 {
		return models.Job{}, errs.Wrap(errs.ErrJobNotFound, "job %s not found", jobID)
	}
	return decodeJob(fields)
}

// Dequeue moves the next queued job of queueName to active under a fresh lease.
// It returns false when the queue is empty.
func (q *RedisQueue) Dequeue(ctx context.Context, queueName string) (models.Job, bool, error) {
	now := q.now()
	res, err := dequeueScript.Run(ctx, q.client,
		[]string{listKey(queueName, "waiting"), listKey(queueName, "active")},
		now.UnixMilli(), now.Add(q.visibilityTTL).UnixMilli(), jobKeyPrefix,
	).Result()
	if err == redis.Nil {
		return models.Job{}, false, nil
	}
	if err != nil {
		return models.Job{}, false, err
	}
	jobID, ok := res.(string)
	if !ok {
		return models.Job{}, false, fmt.Errorf("unexpected type from dequeue script: %T", res)
	}
	job, err := q.Get(ctx, jobID)
	if err != nil {
		return models.Job{}, false, err
	}
	return job, true, nil
}

// ExtendLease pushes the lease deadline of an active job forward.
func (q *RedisQueue) ExtendLease(ctx context.Context, job models.Job, extension time.Duration) error {
	return q.client.ZAddXX(ctx, listKey(job.QueueName, "active"), redis.Z{
		Score:  float64(q.now().Add(extension).UnixMilli()),
		Member: job.ID,
	}).Err()
}

// UpdateProgress raises the job's progress to p. Lower values are ignored.
// It returns the stored progress.
func (q *RedisQueue) UpdateProgress(ctx context.Context, jobID string, p int) (int, error) {
	stored, err := progressScript.Run(ctx, q.client, []string{q.metaKey(jobID)}, p).Int()
	if err != nil {
		return 0, err
	}
	if stored < 0 {
		return 0, fmt.Errorf("job %s is not active", jobID)
	}
	if stored == min(p, 100) {
		q.publish(ctx, models.JobEvent{JobID: jobID, Type: "progress", Progress: stored})
	}
	return stored, nil
}

// RecordAttempt stores the number of handler attempts started so far.
func (q *RedisQueue) RecordAttempt(ctx context.Context, jobID string, attempts int) error {
	return attemptScript.Run(ctx, q.client, []string{q.metaKey(jobID)}, attempts).Err()
}

// MarkDelayed records a retry backoff for an active job and lists it as delayed until ClearDelayed.
func (q *RedisQueue) MarkDelayed(ctx context.Context, job models.Job, delay time.Duration) error {
	return delayScript.Run(ctx, q.client,
		[]string{q.metaKey(job.ID), listKey(job.QueueName, "delayed")},
		job.ID, delay.Milliseconds(), q.now().Add(delay).UnixMilli(),
	).Err()
}

// ClearDelayed removes the job from the delayed index once its retry starts.
func (q *RedisQueue) ClearDelayed(ctx context.Context, job models.Job) error {
	return q.client.ZRem(ctx, listKey(job.QueueName, "delayed"), job.ID).Err()
}

// Complete stores result and moves an active job to completed with progress 100.
func (q *RedisQueue) Complete(ctx context.Context, job models.Job, result any) error {
	raw, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("encode result: %w", err)
	}
	return q.finish(ctx, job, models.StatusCompleted, "result", string(raw))
}

// Fail moves an active job to failed with a human-readable reason.
func (q *RedisQueue) Fail(ctx context.Context, job models.Job, reason string) error {
	if reason == "" {
		reason = "job failed"
	}
	return q.finish(ctx, job, models.StatusFailed, "failed_reason", reason)
}

func (q *RedisQueue) finish(ctx context.Context, job models.Job, status, field, value string) error {
	now := q.now()
	moved, err := finishScript.Run(ctx, q.client,
		[]string{q.metaKey(job.ID), listKey(job.QueueName, "active"), listKey(job.QueueName, status), listKey(job.QueueName, "delayed")},
		job.ID, status, field, value, now.UnixMilli(), q.retention.Milliseconds(),
	).Int()
	if err != nil {
		return err
	}
	if moved == 0 {
		return fmt.Errorf("job %s is not active", job.ID)
	}
	ev := models.JobEvent{JobID: job.ID, Type: status}
	if status == models.StatusCompleted {
		ev.Progress = 100
	} else {
		ev.Message = value
	}
	q.publish(ctx, ev)
	return nil
}

// FailExpired fails active jobs whose lease ended before now and returns their ids.
func (q *RedisQueue) FailExpired(ctx context.Context, queueName string, now time.Time, limit int64) ([]string, error) {
	ids, err := q.client.ZRangeByScore(ctx, listKey(queueName, "active"), &redis.ZRangeBy{
		Min:    "-inf",
		Max:    strconv.FormatInt(now.UnixMilli(), 10),
		Offset: 0,
		Count:  limit,
	}).Result()
	if err != nil {
		return nil, err
	}
	var failed []string
	for _, id := range ids {
		job := models.Job{ID: id, QueueName: queueName}
		if err := q.Fail(ctx, job, "worker lease expired before the job finished"); err != nil {
			// The hash may already be gone or terminal; drop the stale index entry.
			q.client.ZRem(ctx, listKey(queueName, "active"), id)
			continue
		}
		failed = append(failed, id)
	}
	return failed, nil
}

// TrimFinished drops completed and failed index entries that finished before cutoff.
func (q *RedisQueue) TrimFinished(ctx context.Context, queueName string, cutoff time.Time) (int64, error) {
	upper := strconv.FormatInt(cutoff.UnixMilli(), 10)
	pipe := q.client.TxPipeline()
	c := pipe.ZRemRangeByScore(ctx, listKey(queueName, "completed"), "-inf", upper)
	f := pipe.ZRemRangeByScore(ctx, listKey(queueName, "failed"), "-inf", upper)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	return c.Val() + f.Val(), nil
}

// Stats counts jobs per state. Jobs waiting out a retry backoff count as delayed, not active.
func (q *RedisQueue) Stats(ctx context.Context, queueName string) (models.QueueStats, error) {
	if _, ok := models.JobIDPrefix(queueName); !ok {
		return models.QueueStats{}, errs.Wrap(errs.ErrUnknownQueue, "unknown queue %q", queueName)
	}
	pipe := q.client.TxPipeline()
	waiting := pipe.LLen(ctx, listKey(queueName, "waiting"))
	active := pipe.ZCard(ctx, listKey(queueName, "active"))
	delayed := pipe.ZCard(ctx, listKey(queueName, "delayed"))
	completed := pipe.ZCard(ctx, listKey(queueName, "completed"))
	failed := pipe.ZCard(ctx, listKey(queueName, "failed"))
	if _, err := pipe.Exec(ctx); err != nil {
		return models.QueueStats{}, errs.Transient(err, "read queue stats")
	}
	return models.QueueStats{
		Waiting:   waiting.Val(),
		Active:    max(0, active.Val()-delayed.Val()),
		Delayed:   delayed.Val(),
		Completed: completed.Val(),
		Failed:    failed.Val(),
	}, nil
}

func (q *RedisQueue) publish(ctx context.Context, ev models.JobEvent) {
	raw, err := json.Marshal(ev)
	if err != nil {
		return
	}
	_ = q.client.Publish(ctx, eventChannel(ev.JobID), raw).Err()
}

// Subscribe streams events for jobID until ctx is done or the returned cancel is called.
func (q *RedisQueue) Subscribe(ctx context.Context, jobID string) (<-chan models.JobEvent, func(), error) {
	sub := q.client.Subscribe(ctx, eventChannel(jobID))
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, nil, err
	}
	out := make(chan models.JobEvent, 16)
	go func() {
		defer close(out)
		ch := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var ev models.JobEvent
				if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
					continue
				}
				select {
				case out <- ev:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, func() { _ = sub.Close() }, nil
}

func decodeJob(f map[string]string) (models.Job, error) {
	job := models.Job{
		ID:        f["id"],
		QueueName: f["queue"],
		CallerID:  f["caller"],
		Status:    f["status"],
	}
	if raw := f["payload"]; raw != "" {
		if err := json.Unmarshal([]byte(raw), &job.Payload); err != nil {
			return models.Job{}, fmt.Errorf("decode payload of %s: %w", job.ID, err)
		}
	}
	job.Progress, _ = strconv.Atoi(f["progress"])
	job.AttemptsMade, _ = strconv.Atoi(f["attempts_made"])
	job.MaxAttempts, _ = strconv.Atoi(f["max_attempts"])
	if ms, err := strconv.ParseInt(f["enqueued_at"], 10, 64); err == nil {
		job.EnqueuedAt = time.UnixMilli(ms).UTC()
	}
	job.StartedAt = msPtr(f["started_at"])
	job.FinishedAt = msPtr(f["finished_at"])
	if raw, ok := f["result"]; ok && job.Status == models.StatusCompleted {
		job.Result = []byte(raw)
	}
	if reason, ok := f["failed_reason"]; ok && job.Status == models.StatusFailed {
		job.FailureReason = &reason
	}
	if raw := f["retry_delays"]; raw != "" {
		for _, part := range strings.Split(raw, ",") {
			if ms, err := strconv.ParseInt(part, 10, 64); err == nil {
				job.RetryDelays = append(job.RetryDelays, time.Duration(ms)*time.Millisecond)
			}
		}
	}
	return job, nil
}

func msPtr(v string) *time.Time {
	ms, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return nil
	}
	t := time.UnixMilli(ms).UTC()
	return &t
}

var enqueueScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then
  return 0
end
redis.call('HSET', KEYS[1],
  'id', ARGV[1], 'queue', ARGV[2], 'caller', ARGV[3], 'payload', ARGV[4],
  'status', 'queued', 'progress', 0, 'attempts_made', 0, 'max_attempts', ARGV[5],
  'enqueued_at', ARGV[6])
redis.call('RPUSH', KEYS[2], ARGV[1])
return 1
`)

var dequeueScript = redis.NewScript(`
while true do
  local job = redis.call('LPOP', KEYS[1])
  if not job then
    return false
  end
  local key = ARGV[3] .. job
  if redis.call('HGET', key, 'status') == 'queued' then
    redis.call('HSET', key, 'status', 'active', 'started_at', ARGV[1])
    redis.call('ZADD', KEYS[2], ARGV[2], job)
    return job
  end
end
`)

var progressScript = redis.NewScript(`
if redis.call('HGET', KEYS[1], 'status') ~= 'active' then
  return -1
end
local cur = tonumber(redis.call('HGET', KEYS[1], 'progress')) or 0
local p = tonumber(ARGV[1])
if p > 100 then p = 100 end
if p > cur then
  redis.call('HSET', KEYS[1], 'progress', p)
  return p
end
return cur
`)

var attemptScript = redis.NewScript(`
if redis.call('HGET', KEYS[1], 'status') ~= 'active' then
  return 0
end
redis.call('HSET', KEYS[1], 'attempts_made', ARGV[1])
return 1
`)

var delayScript = redis.NewScript(`
if redis.call('HGET', KEYS[1], 'status') ~= 'active' then
  return 0
end
local delays = redis.call('HGET', KEYS[1], 'retry_delays')
if delays and delays ~= '' then
  delays = delays .. ',' .. ARGV[2]
else
  delays = ARGV[2]
end
redis.call('HSET', KEYS[1], 'retry_delays', delays)
redis.call('ZADD', KEYS[2], ARGV[3], ARGV[1])
return 1
`)

var finishScript = redis.NewScript(`
if redis.call('HGET', KEYS[1], 'status') ~= 'active' then
  return 0
end
redis.call('HSET', KEYS[1], 'status', ARGV[2], ARGV[3], ARGV[4], 'finished_at', ARGV[5])
if ARGV[2] == 'completed' then
  redis.call('HSET', KEYS[1], 'progress', 100)
end
redis.call('ZREM', KEYS[2], ARGV[1])
redis.call('ZREM', KEYS[4], ARGV[1])
redis.call('ZADD', KEYS[3], ARGV[5], ARGV[1])
local retention = tonumber(ARGV[6])
if retention > 0 then
  redis.call('PEXPIRE', KEYS[1], retention)
end
return 1
`)
