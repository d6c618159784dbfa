package models

import "time"

// CompletionMetric is recorded for every completion call, successful or not.
type CompletionMetric struct {
	JobID        string        `json:"job_id,omitempty"`
	UserID       string        `json:"user_id,omitempty"`
	ResourceID   string        `json:"resource_id,omitempty"`
	PromptID     string        `json:"prompt_id"`
	Model        string        `json:"model"`
	Attempt      int           `json:"attempt"`
	Success      bool          `json:"success"`
	Streaming    bool          `json:"streaming"`
	Duration     time.Duration `json:"duration"`
	InputTokens  int           `json:"input_tokens"`
	OutputTokens int           `json:"output_tokens"`
	CostUSD      float64       `json:"cost_usd"`
	Error        string        `json:"error,omitempty"`
	RecordedAt   time.Time     `json:"recorded_at"`
}

// UsageEvent is one attempted call against a rate-limited endpoint.
type UsageEvent struct {
	Identity   string    `json:"identity"`
	Endpoint   string    `json:"endpoint"`
	Tier       string    `json:"tier"`
	Allowed    bool      `json:"allowed"`
	RecordedAt time.Time `json:"recorded_at"`
}
