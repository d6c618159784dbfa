package api

import (
	"errors"
	"io"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	json "github.com/goccy/go-json"

	"resource-pipeline/internal/auth"
	"resource-pipeline/internal/errs"
	"resource-pipeline/internal/models"
	"resource-pipeline/internal/ratelimit"
)

type submitResponse struct {
	JobID             string `json:"jobId"`
	Status            string `json:"status"`
	EstimatedDuration string `json:"estimatedDuration"`
	StatusEndpoint    string `json:"statusEndpoint"`
}

type rateLimitResponse struct {
	Error   string                   `json:"error"`
	Tier    string                   `json:"tier"`
	Limit   int                      `json:"limit"`
	Used    int                      `json:"used"`
	ResetIn int64                    `json:"resetIn"`
	ResetAt time.Time                `json:"resetAt"`
	Upgrade *ratelimit.UpgradePrompt `json:"upgrade,omitempty"`
}

// jobView is the public shape of a job. Times are unix milliseconds.
type jobView struct {
	JobID        string          `json:"jobId"`
	QueueName    string          `json:"queueName"`
	Status       string          `json:"status"`
	Progress     int             `json:"progress"`
	Data         map[string]any  `json:"data"`
	Result       json.RawMessage `json:"result"`
	FailedReason *string         `json:"failedReason"`
	AttemptsMade int             `json:"attemptsMade"`
	Timestamp    int64           `json:"timestamp"`
	ProcessedOn  *int64          `json:"processedOn"`
	FinishedOn   *int64          `json:"finishedOn"`
}

func viewOf(job models.Job) jobView {
	v := jobView{
		JobID:        job.ID,
		QueueName:    job.QueueName,
		Status:       job.Status,
		Progress:     job.Progress,
		Data:         job.Payload,
		FailedReason: job.FailureReason,
		AttemptsMade: job.AttemptsMade,
		Timestamp:    job.EnqueuedAt.UnixMilli(),
		ProcessedOn:  millis(job.StartedAt),
		FinishedOn:   millis(job.FinishedAt),
	}
	if len(job.Result) > 0 {
		v.Result = json.RawMessage(job.Result)
	}
	return v
}

func millis(t *time.Time) *int64 {
	if t == nil {
		return nil
	}
	ms := t.UnixMilli()
	return &ms
}

// queueFor accepts a queue name or its job id prefix.
func queueFor(kind string) (string, bool) {
	if _, ok := models.JobIDPrefix(kind); ok {
		return kind, true
	}
	return models.QueueForPrefix(kind)
}

func (s *Server) estimatedDuration(queueName string) time.Duration {
	q := s.cfg.Queues
	switch queueName {
	case models.QueuePersona:
		return q.Persona.EstimatedDuration
	case models.QueueRating:
		return q.Rating.EstimatedDuration
	case models.QueueBatch:
		return q.Batch.EstimatedDuration
	case models.QueueResource:
		return q.Resource.EstimatedDuration
	}
	return 0
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	queueName, ok := queueFor(chi.URLParam(r, "queueKind"))
	if !ok {
		s.writeError(w, r, errs.Wrap(errs.ErrUnknownQueue, "unknown queue %q", chi.URLParam(r, "queueKind")))
		return
	}
	caller := identity(r)
	if caller.Anonymous && queueName != models.QueuePersona {
		s.writeError(w, r, errs.ErrUnauthenticated)
		return
	}

	var payload map[string]any
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&payload); err != nil && !errors.Is(err, io.EOF) {
		s.writeError(w, r, errs.Wrap(errs.ErrInvalidPayload, "invalid json: %v", err))
		return
	}

	if !s.allow(w, r, caller, queueName) {
		return
	}

	job, err := s.deps.Queue.Submit(r.Context(), queueName, caller.ID, payload)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, submitResponse{
		JobID:             job.ID,
		Status:            models.StatusQueued,
		EstimatedDuration: s.estimatedDuration(queueName).String(),
		StatusEndpoint:    "/jobs/" + job.ID,
	})
}

// allow applies the tiered limiter and writes the 429 response itself when the call is rejected.
func (s *Server) allow(w http.ResponseWriter, r *http.Request, caller auth.Identity, endpoint string) bool {
	if s.deps.Limiter == nil {
		return true
	}
	userID, ip := caller.ID, ""
	if caller.Anonymous {
		userID, ip = "", caller.ID
	}
	d := s.deps.Limiter.CheckCaller(r.Context(), s.deps.Tiers, userID, ip, endpoint)
	now := s.deps.Limiter.Now()
	resetIn := d.ResetIn(now)

	if d.Limit > 0 {
		w.Header().Set("X-RateLimit-Limit", strconv.Itoa(d.Limit))
		w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
		w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(d.ResetAt.Unix(), 10))
	}
	if d.Allowed {
		return true
	}
	secs := int64(math.Ceil(resetIn.Seconds()))
	w.Header().Set("Retry-After", strconv.FormatInt(secs, 10))
	writeJSON(w, http.StatusTooManyRequests, rateLimitResponse{
		Error:   errs.ErrRateLimited.Message,
		Tier:    d.Tier.String(),
		Limit:   d.Limit,
		Used:    d.Used,
		ResetIn: secs,
		ResetAt: d.ResetAt.UTC(),
		Upgrade: d.Upgrade,
	})
	return false
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.deps.Queue.Get(r.Context(), chi.URLParam(r, "jobId"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]jobView{"job": viewOf(job)})
}

func (s *Server) handleQueueStats(w http.ResponseWriter, r *http.Request) {
	queueName, ok := queueFor(chi.URLParam(r, "queueName"))
	if !ok {
		s.writeError(w, r, errs.Wrap(errs.ErrUnknownQueue, "unknown queue %q", chi.URLParam(r, "queueName")))
		return
	}
	st, err := s.deps.Queue.Stats(r.Context(), queueName)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"queueName": queueName, "stats": st})
}
