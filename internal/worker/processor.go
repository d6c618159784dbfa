package worker

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"resource-pipeline/internal/config"
	"resource-pipeline/internal/errs"
	"resource-pipeline/internal/logging"
	"resource-pipeline/internal/models"
	"resource-pipeline/internal/retry"
	"resource-pipeline/internal/telemetry"
)

// JobQueue is the subset of queue.RedisQueue the processor drives.
type JobQueue interface {
	Dequeue(ctx context.Context, queueName string) (models.Job, bool, error)
	UpdateProgress(ctx context.Context, jobID string, p int) (int, error)
	RecordAttempt(ctx context.Context, jobID string, attempts int) error
	MarkDelayed(ctx context.Context, job models.Job, delay time.Duration) error
	ClearDelayed(ctx context.Context, job models.Job) error
	ExtendLease(ctx context.Context, job models.Job, extension time.Duration) error
	Complete(ctx context.Context, job models.Job, result any) error
	Fail(ctx context.Context, job models.Job, reason string) error
	FailExpired(ctx context.Context, queueName string, now time.Time, limit int64) ([]string, error)
	TrimFinished(ctx context.Context, queueName string, cutoff time.Time) (int64, error)
	Stats(ctx context.Context, queueName string) (models.QueueStats, error)
}

// ProgressFunc reports job progress in percent. Lower values than already stored are ignored.
type ProgressFunc func(progress int)

// Handler executes one job and returns its result.
type Handler func(ctx context.Context, job models.Job, report ProgressFunc) (any, error)

// Processor runs one fixed-size worker pool per registered queue.
type Processor struct {
	cfg      config.Config
	queue    JobQueue
	handlers map[string]Handler
	pools    map[string]int
	workerID string
	policy   retry.Policy
	sleep    func(ctx context.Context, d time.Duration) error
	now      func() time.Time
	log      zerolog.Logger
}

func NewProcessor(cfg config.Config, q JobQueue) *Processor {
	return NewProcessorWithID(cfg, q, "")
}

// NewProcessorWithID creates a processor with a specific worker ID for tracking.
func NewProcessorWithID(cfg config.Config, q JobQueue, workerID string) *Processor {
	l := logging.With("worker")
	if workerID != "" {
		l = l.With().Str("worker_id", workerID).Logger()
	}
	return &Processor{
		cfg:      cfg,
		queue:    q,
		handlers: make(map[string]Handler),
		pools:    make(map[string]int),
		workerID: workerID,
		policy: retry.Policy{
			MaxAttempts: cfg.Retry.MaxAttempts,
			BaseDelay:   cfg.Retry.BaseDelay,
			Multiplier:  cfg.Retry.BackoffMultiplier,
		},
		sleep: retry.Sleep,
		now:   time.Now,
		log:   l,
	}
}

// RegisterHandler binds a handler to a queue with the pool size configured for that queue.
func (p *Processor) RegisterHandler(queueName string, handler Handler) {
	if queueName == "" || handler == nil {
		return
	}
	p.handlers[queueName] = handler
	p.pools[queueName] = concurrencyFor(p.cfg.Queues, queueName)
}

func concurrencyFor(q config.QueuesConfig, queueName string) int {
	var n int
	switch queueName {
	case models.QueuePersona:
		n = q.Persona.Concurrency
	case models.QueueRating:
		n = q.Rating.Concurrency
	case models.QueueBatch:
		n = q.Batch.Concurrency
	case models.QueueResource:
		n = q.Resource.Concurrency
	}
	return max(n, 1)
}

// Run starts every pool and the maintenance sweeper. It returns after ctx is cancelled
// and every in-flight job has reached a terminal state.
func (p *Processor) Run(ctx context.Context) error {
	var g errgroup.Group
	for name, size := range p.pools {
		for i := 0; i < size; i++ {
			g.Go(func() error {
				p.loop(ctx, name)
				return nil
			})
		}
		p.log.Info().Str("queue", name).Int("concurrency", size).Msg("worker pool started")
	}
	g.Go(func() error {
		p.sweep(ctx)
		return nil
	})
	err := g.Wait()
	p.log.Info().Msg("worker pools drained")
	return err
}

func (p *Processor) loop(ctx context.Context, queueName string) {
	poll := p.cfg.WorkerPollInterval
	if poll <= 0 {
		poll = time.Second
	}
	for ctx.Err() == nil {
		job, ok, err := p.queue.Dequeue(ctx, queueName)
		if err != nil {
			if ctx.Err() == nil {
				p.log.Warn().Err(err).Str("queue", queueName).Msg("dequeue failed")
			}
			_ = retry.Sleep(ctx, poll)
			continue
		}
		if !ok {
			_ = retry.Sleep(ctx, poll)
			continue
		}
		// Shutdown must not interrupt a job mid-write.
		p.process(context.WithoutCancel(ctx), job)
	}
}

func (p *Processor) process(ctx context.Context, job models.Job) {
	start := p.now()
	log := p.log.With().Str("job_id", job.ID).Str("queue", job.QueueName).Logger()
	ctx = logging.WithContext(ctx, log)

	stop := p.heartbeat(ctx, job)
	defer stop()

	report := func(progress int) {
		if _, err := p.queue.UpdateProgress(ctx, job.ID, progress); err != nil {
			log.Debug().Err(err).Int("progress", progress).Msg("progress update dropped")
		}
	}

	policy := p.policy
	if job.MaxAttempts > 0 {
		policy.MaxAttempts = job.MaxAttempts
	}
	r := retry.New(policy)
	r.Sleep = p.sleep
	r.OnAttempt = func(attempt int) {
		if attempt > 1 {
			_ = p.queue.ClearDelayed(ctx, job)
		}
		if err := p.queue.RecordAttempt(ctx, job.ID, attempt); err != nil {
			log.Warn().Err(err).Int("attempt", attempt).Msg("record attempt")
		}
	}
	r.OnRetry = func(attempt int, delay time.Duration, err error) {
		telemetry.JobRetries.WithLabelValues(job.QueueName).Inc()
		log.Warn().Err(err).Int("attempt", attempt).Dur("delay", delay).Msg("job attempt failed, retrying")
		if err := p.queue.MarkDelayed(ctx, job, delay); err != nil {
			log.Warn().Err(err).Msg("record retry delay")
		}
	}

	var result any
	err := r.Do(ctx, func(ctx context.Context, attempt int) error {
		res, err := p.runJob(ctx, job, report)
		if err == nil {
			result = res
		}
		return err
	})

	elapsed := p.now().Sub(start)
	telemetry.JobDuration.WithLabelValues(job.QueueName).Observe(elapsed.Seconds())
	if err == nil {
		if cerr := p.queue.Complete(ctx, job, result); cerr != nil {
			log.Error().Err(cerr).Msg("mark job completed")
			_ = p.queue.Fail(ctx, job, fmt.Sprintf("store job result: %v", cerr))
			telemetry.JobsFailed.WithLabelValues(job.QueueName).Inc()
			return
		}
		telemetry.JobsCompleted.WithLabelValues(job.QueueName).Inc()
		log.Info().Dur("elapsed", elapsed).Msg("job completed")
		return
	}

	reason := err.Error()
	if ferr := p.queue.Fail(ctx, job, reason); ferr != nil {
		log.Error().Err(ferr).Msg("mark job failed")
	}
	telemetry.JobsFailed.WithLabelValues(job.QueueName).Inc()
	log.Warn().Err(err).Str("kind", errs.KindOf(err).String()).Dur("elapsed", elapsed).Msg("job failed")
}

// runJob executes the registered handler, turning a panic into a terminal error.
func (p *Processor) runJob(ctx context.Context, job models.Job, report ProgressFunc) (res any, err error) {
	handler, ok := p.handlers[job.QueueName]
	if !ok {
		return nil, errs.Caller("no_handler", "no handler registered for queue %q", job.QueueName)
	}
	defer func() {
		if rec := recover(); rec != nil {
			err = &errs.Error{Kind: errs.KindTerminal, Code: "handler_panic", Message: fmt.Sprintf("handler panicked: %v", rec)}
		}
	}()
	return handler(ctx, job, report)
}

// heartbeat extends the job's lease until the returned stop func is called.
func (p *Processor) heartbeat(ctx context.Context, job models.Job) func() {
	lease := p.cfg.VisibilityTimeout
	if lease <= 0 {
		lease = 30 * time.Second
	}
	hbCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(lease / 3)
		defer ticker.Stop()
		for {
			select {
			case <-hbCtx.Done():
				return
			case <-ticker.C:
				if err := p.queue.ExtendLease(hbCtx, job, lease); err != nil {
					p.log.Warn().Err(err).Str("job_id", job.ID).Msg("extend lease")
				}
			}
		}
	}()
	return func() {
		cancel()
		<-done
	}
}

// sweep fails jobs whose lease lapsed, trims finished indexes and refreshes depth gauges.
func (p *Processor) sweep(ctx context.Context) {
	interval := p.cfg.VisibilityTimeout / 2
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.SweepOnce(ctx)
		}
	}
}

// SweepOnce runs one maintenance pass over every registered queue.
func (p *Processor) SweepOnce(ctx context.Context) {
	now := p.now()
	for name := range p.pools {
		if ids, err := p.queue.FailExpired(ctx, name, now, 100); err != nil {
			p.log.Warn().Err(err).Str("queue", name).Msg("reclaim expired leases")
		} else if len(ids) > 0 {
			telemetry.LeasesExpired.WithLabelValues(name).Add(float64(len(ids)))
			telemetry.JobsFailed.WithLabelValues(name).Add(float64(len(ids)))
			p.log.Warn().Strs("job_ids", ids).Str("queue", name).Msg("failed jobs with expired leases")
		}
		if p.cfg.JobRetention > 0 {
			if _, err := p.queue.TrimFinished(ctx, name, now.Add(-p.cfg.JobRetention)); err != nil {
				p.log.Warn().Err(err).Str("queue", name).Msg("trim finished jobs")
			}
		}
		if st, err := p.queue.Stats(ctx, name); err == nil {
			telemetry.QueueDepth.WithLabelValues(name, "waiting").Set(float64(st.Waiting))
			telemetry.QueueDepth.WithLabelValues(name, "active").Set(float64(st.Active))
			telemetry.QueueDepth.WithLabelValues(name, "delayed").Set(float64(st.Delayed))
			telemetry.QueueDepth.WithLabelValues(name, "completed").Set(float64(st.Completed))
			telemetry.QueueDepth.WithLabelValues(name, "failed").Set(float64(st.Failed))
		}
	}
}
