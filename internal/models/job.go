package models

import (
	"time"
)

// Queue names. Each queue has its own worker pool and payload schema.
const (
	QueuePersona  = "persona-generation"
	QueueRating   = "company-rating"
	QueueBatch    = "batch-rating"
	QueueResource = "resource-generation"
)

// QueueNames lists every queue in a stable order.
var QueueNames = []string{QueuePersona, QueueRating, QueueBatch, QueueResource}

// jobIDPrefixes maps queue names to the prefix embedded in job ids.
var jobIDPrefixes = map[string]string{
	QueuePersona:  "persona",
	QueueRating:   "rating",
	QueueBatch:    "batch-rating",
	QueueResource: "resource",
}

// JobIDPrefix returns the id prefix for a queue and whether the queue is known.
func JobIDPrefix(queueName string) (string, bool) {
	p, ok := jobIDPrefixes[queueName]
	return p, ok
}

// QueueForPrefix is the inverse of JobIDPrefix.
func QueueForPrefix(prefix string) (string, bool) {
	for q, p := range jobIDPrefixes {
		if p == prefix {
			return q, true
		}
	}
	return "", false
}

// JobStatus enumerates lifecycle states. Transitions are queued -> active -> completed|failed.
const (
	StatusQueued    = "queued"
	StatusActive    = "active"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// Job is a point-in-time copy of a queued unit of work.
type Job struct {
	ID            string          `json:"id"`
	QueueName     string          `json:"queue_name"`
	CallerID      string          `json:"caller_id"`
	Payload       map[string]any  `json:"payload"`
	Status        string          `json:"status"`
	Progress      int             `json:"progress"`
	Result        []byte          `json:"result,omitempty"`
	FailureReason *string         `json:"failure_reason,omitempty"`
	AttemptsMade  int             `json:"attempts_made"`
	MaxAttempts   int             `json:"max_attempts"`
	RetryDelays   []time.Duration `json:"retry_delays,omitempty"`
	EnqueuedAt    time.Time       `json:"enqueued_at"`
	StartedAt     *time.Time      `json:"started_at,omitempty"`
	FinishedAt    *time.Time      `json:"finished_at,omitempty"`
}

// Terminal reports whether the job reached completed or failed.
func (j Job) Terminal() bool {
	return j.Status == StatusCompleted || j.Status == StatusFailed
}

// QueueStats is a cheap aggregate of one queue's job counts.
type QueueStats struct {
	Waiting   int64 `json:"waiting"`
	Active    int64 `json:"active"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
	Delayed   int64 `json:"delayed"`
}

// JobEvent is published while a job runs so stream subscribers can follow it.
type JobEvent struct {
	JobID    string `json:"jobId"`
	Type     string `json:"type"` // progress, completed or failed
	Progress int    `json:"progress"`
	Message  string `json:"message,omitempty"`
}
