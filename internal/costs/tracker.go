// Package costs prices completion calls and records one metric per call without blocking callers.
package costs

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"resource-pipeline/internal/config"
	"resource-pipeline/internal/logging"
	"resource-pipeline/internal/models"
	"resource-pipeline/internal/telemetry"
)

// Table holds per-model prices in USD per million tokens.
type Table map[string]config.ModelPrice

// Cost prices a call. Unknown models cost zero.
func (t Table) Cost(model string, inputTokens, outputTokens int) float64 {
	p, ok := t[model]
	if !ok {
		return 0
	}
	return float64(inputTokens)/1e6*p.InputPerMillion + float64(outputTokens)/1e6*p.OutputPerMillion
}

// Sink persists completion metrics.
type Sink interface {
	InsertCompletionMetric(ctx context.Context, m models.CompletionMetric) error
}

// ModelSummary aggregates calls for one model.
type ModelSummary struct {
	Model        string  `json:"model"`
	Calls        int64   `json:"calls"`
	Failures     int64   `json:"failures"`
	InputTokens  int64   `json:"inputTokens"`
	OutputTokens int64   `json:"outputTokens"`
	CostUSD      float64 `json:"costUSD"`
}

// Tracker drains recorded metrics on a background goroutine.
type Tracker struct {
	sink Sink
	ch   chan models.CompletionMetric
	done chan struct{}
	once sync.Once
	log  zerolog.Logger

	mu      sync.Mutex
	summary map[string]*ModelSummary
}

// NewTracker starts the drain goroutine. A nil sink keeps only the in-process summary.
func NewTracker(sink Sink, buffer int) *Tracker {
	if buffer <= 0 {
		buffer = 1024
	}
	t := &Tracker{
		sink:    sink,
		ch:      make(chan models.CompletionMetric, buffer),
		done:    make(chan struct{}),
		log:     logging.With("costs"),
		summary: make(map[string]*ModelSummary),
	}
	go t.drain()
	return t
}

// Record enqueues m. When the buffer is full the metric is dropped and counted.
func (t *Tracker) Record(m models.CompletionMetric) {
	if m.RecordedAt.IsZero() {
		m.RecordedAt = time.Now().UTC()
	}
	select {
	case t.ch <- m:
	default:
		telemetry.MetricsDropped.Inc()
		t.log.Warn().Str("model", m.Model).Str("job_id", m.JobID).Msg("metrics buffer full, dropping completion metric")
	}
}

func (t *Tracker) drain() {
	defer close(t.done)
	for m := range t.ch {
		t.observe(m)
		if t.sink == nil {
			continue
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := t.sink.InsertCompletionMetric(ctx, m); err != nil {
			t.log.Warn().Err(err).Str("model", m.Model).Msg("persist completion metric")
		}
		cancel()
	}
}

func (t *Tracker) observe(m models.CompletionMetric) {
	outcome := "success"
	if !m.Success {
		outcome = "failure"
	}
	telemetry.CompletionCalls.WithLabelValues(m.Model, outcome).Inc()
	telemetry.CompletionDuration.WithLabelValues(m.Model).Observe(m.Duration.Seconds())
	telemetry.CompletionTokens.WithLabelValues(m.Model, "input").Add(float64(m.InputTokens))
	telemetry.CompletionTokens.WithLabelValues(m.Model, "output").Add(float64(m.OutputTokens))
	telemetry.CompletionCost.WithLabelValues(m.Model).Add(m.CostUSD)

	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.summary[m.Model]
	if !ok {
		s = &ModelSummary{Model: m.Model}
		t.summary[m.Model] = s
	}
	s.Calls++
	if !m.Success {
		s.Failures++
	}
	s.InputTokens += int64(m.InputTokens)
	s.OutputTokens += int64(m.OutputTokens)
	s.CostUSD += m.CostUSD
}

// Snapshot returns the per-model totals sorted by model name.
func (t *Tracker) Snapshot() []ModelSummary {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]ModelSummary, 0, len(t.summary))
	for _, s := range t.summary {
		out = append(out, *s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Model < out[j].Model })
	return out
}

// Close stops accepting metrics and waits until the buffer is flushed. Record must not be called after Close.
func (t *Tracker) Close() {
	t.once.Do(func() { close(t.ch) })
	<-t.done
}
