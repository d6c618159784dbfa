// Package generation produces a new version of a catalog resource for a user.
package generation

import (
	"context"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"resource-pipeline/internal/catalog"
	"resource-pipeline/internal/config"
	"resource-pipeline/internal/costs"
	"resource-pipeline/internal/cumulative"
	"resource-pipeline/internal/errs"
	"resource-pipeline/internal/llm"
	"resource-pipeline/internal/logging"
	"resource-pipeline/internal/models"
	"resource-pipeline/internal/output"
	"resource-pipeline/internal/prompts"
	"resource-pipeline/internal/retry"
)

// Progress milestones.
const (
	progressContext   = 10
	progressStrategic = 50
	progressGuides    = 90
	progressSaving    = 95
	progressDone      = 100
)

const systemPrompt = "You are an expert B2B go-to-market strategist. Write concrete, specific content for the product described. " +
	"When asked for JSON, return only valid JSON."

// Store persists generated resources and answers entitlement checks.
type Store interface {
	IsUnlocked(ctx context.Context, userID, resourceID string) (bool, error)
	SaveGeneratedResource(ctx context.Context, res models.GeneratedResource) (models.GeneratedResource, error)
}

// ContextBuilder assembles the cumulative context.
type ContextBuilder interface {
	Aggregate(ctx context.Context, userID, targetResourceID string) (models.PromptContext, bool, error)
}

// Templates resolves prompt ids to templates.
type Templates interface {
	Get(id string) (string, error)
}

// Invalidator clears cached validations and contexts for a user.
type Invalidator interface {
	InvalidateUser(ctx context.Context, userID string) error
}

// Recorder receives one metric per completion attempt.
type Recorder interface {
	Record(m models.CompletionMetric)
}

// Exporter archives a finished resource.
type Exporter interface {
	Export(ctx context.Context, res models.GeneratedResource, title string) (string, error)
}

// Options tune a single Generate call.
type Options struct {
	// Streaming streams the first strategic prompt for earlier progress feedback.
	Streaming bool
	// OnProgress receives percentages in non-decreasing order.
	OnProgress func(progress int)
	// JobID tags completion metrics.
	JobID string
}

// Deps bundles the collaborators of an Orchestrator.
type Deps struct {
	Graph     *catalog.Graph
	Store     Store
	Contexts  ContextBuilder
	Templates Templates
	Completer llm.Completer
	Prices    costs.Table
	Recorder  Recorder
	Cache     Invalidator
	Archive   Exporter
}

// Orchestrator runs the prompt sequence of a resource and persists the result.
type Orchestrator struct {
	Deps
	policy      retry.Policy
	timeout     time.Duration
	streamChars int
	maxTokens   int
	temperature float64
	sleep       func(ctx context.Context, d time.Duration) error
	now         func() time.Time
	log         zerolog.Logger
}

func New(cfg config.Config, deps Deps) *Orchestrator {
	return &Orchestrator{
		Deps: deps,
		policy: retry.Policy{
			MaxAttempts: cfg.Retry.MaxAttempts,
			BaseDelay:   cfg.Retry.BaseDelay,
			Multiplier:  cfg.Retry.BackoffMultiplier,
		},
		timeout:     cfg.CompletionTimeout,
		streamChars: cfg.LLM.StreamExpectedChars,
		maxTokens:   cfg.LLM.MaxTokens,
		temperature: cfg.LLM.Temperature,
		sleep:       retry.Sleep,
		now:         time.Now,
		log:         logging.With("generation"),
	}
}

// Generate runs every strategic prompt, then every implementation guide, and stores the new version.
func (o *Orchestrator) Generate(ctx context.Context, userID, resourceID string, opts Options) (models.GeneratedResource, error) {
	start := o.now()
	def, ok := o.Graph.Get(resourceID)
	if !ok {
		return models.GeneratedResource{}, errs.Wrap(errs.ErrResourceNotFound, "resource %q not found", resourceID)
	}
	log := o.log.With().Str("user_id", userID).Str("resource_id", resourceID).Str("job_id", opts.JobID).Logger()
	report := newReporter(opts.OnProgress)

	unlocked, err := o.Store.IsUnlocked(ctx, userID, resourceID)
	if err != nil {
		return models.GeneratedResource{}, errs.Transient(err, "unlock lookup failed")
	}
	if !unlocked {
		return models.GeneratedResource{}, errs.Wrap(errs.ErrNotUnlocked, "resource %q is not unlocked for this user", resourceID)
	}

	pc, _, err := o.Contexts.Aggregate(ctx, userID, resourceID)
	if err != nil {
		return models.GeneratedResource{}, err
	}
	report.set(progressContext)

	run := &runState{
		o:      o,
		userID: userID,
		def:    def,
		pc:     pc,
		opts:   opts,
		vars:   baseVars(def, pc),
		log:    log,
	}

	res := models.GeneratedResource{
		UserID:               userID,
		ResourceID:           resourceID,
		ModelUsed:            o.Completer.Model(),
		ContextResourcesUsed: pc.UsedResourceCodes,
		PersonalizationLevel: pc.PersonalizationLevel,
	}

	var strategicText []string
	steps := len(def.StrategicPrompts)
	for i, promptID := range def.StrategicPrompts {
		lo, hi := span(progressContext, progressStrategic, i, steps)
		run.vars["strategic_outputs"] = joinOrNone(strategicText)
		stream := opts.Streaming && i == 0
		sec, err := run.section(ctx, promptID, stream, report, lo, hi)
		if err != nil {
			return models.GeneratedResource{}, err
		}
		res.StrategicContent = append(res.StrategicContent, sec)
		strategicText = append(strategicText, sec.Text)
		report.set(hi)
	}

	run.vars["strategic_outputs"] = joinOrNone(strategicText)
	steps = len(def.ImplementationGuides)
	for i, promptID := range def.ImplementationGuides {
		lo, hi := span(progressStrategic, progressGuides, i, steps)
		sec, err := run.section(ctx, promptID, false, report, lo, hi)
		if err != nil {
			return models.GeneratedResource{}, err
		}
		res.ImplementationContent = append(res.ImplementationContent, sec)
		report.set(hi)
	}
	report.set(progressGuides)

	res.TotalInputTokens = run.inputTokens
	res.TotalOutputTokens = run.outputTokens
	res.EstimatedCostUSD = run.cost
	res.GenerationDurationSeconds = o.now().Sub(start).Seconds()
	report.set(progressSaving)

	saved, err := o.Store.SaveGeneratedResource(ctx, res)
	if err != nil {
		return models.GeneratedResource{}, errs.Persistence(err, "save generated resource")
	}
	if o.Cache != nil {
		if err := o.Cache.InvalidateUser(ctx, userID); err != nil {
			log.Error().Err(err).Msg("cache invalidation after save failed")
		}
	}
	if o.Archive != nil {
		if loc, err := o.Archive.Export(ctx, saved, def.Name); err != nil {
			log.Warn().Err(err).Msg("archive export failed")
		} else {
			log.Debug().Str("location", loc).Msg("resource archived")
		}
	}
	report.set(progressDone)

	log.Info().
		Int("version", saved.GenerationVersion).
		Int("input_tokens", saved.TotalInputTokens).
		Int("output_tokens", saved.TotalOutputTokens).
		Float64("cost_usd", saved.EstimatedCostUSD).
		Int("personalization_level", saved.PersonalizationLevel).
		Msg("resource generated")
	return saved, nil
}

type runState struct {
	o      *Orchestrator
	userID string
	def    catalog.Resource
	pc     models.PromptContext
	opts   Options
	vars   map[string]string
	log    zerolog.Logger

	inputTokens  int
	outputTokens int
	cost         float64
}

func (r *runState) section(ctx context.Context, promptID string, stream bool, report *reporter, lo, hi int) (models.Section, error) {
	tpl, err := r.o.Templates.Get(promptID)
	if err != nil {
		return models.Section{}, &errs.Error{Kind: errs.KindTerminal, Code: "template_missing", Message: "load template " + promptID, Err: err}
	}
	req := llm.Request{
		System:      systemPrompt,
		Prompt:      prompts.Render(tpl, r.vars),
		MaxTokens:   r.o.maxTokens,
		Temperature: r.o.temperature,
	}
	var onChunk func() func(string)
	if stream {
		onChunk = func() func(string) { return streamProgress(report, lo, hi, r.o.streamChars) }
	}
	c, err := r.o.complete(ctx, req, onChunk, CallMeta{
		JobID:      r.opts.JobID,
		UserID:     r.userID,
		ResourceID: r.def.ID,
		PromptID:   promptID,
		Streaming:  stream,
	}, r.log)
	if err != nil {
		return models.Section{}, err
	}
	r.inputTokens += c.InputTokens
	r.outputTokens += c.OutputTokens
	r.cost += r.o.Prices.Cost(c.Model, c.InputTokens, c.OutputTokens)
	return output.Section(promptID, output.Parse(c.Text)), nil
}

// CallMeta tags the metrics of one completion.
type CallMeta struct {
	JobID      string
	UserID     string
	ResourceID string
	PromptID   string
	Streaming  bool
}

// Complete runs one completion under the retry policy. Every attempt is recorded.
func (o *Orchestrator) Complete(ctx context.Context, req llm.Request, meta CallMeta) (llm.Completion, error) {
	return o.complete(ctx, req, nil, meta, o.log)
}

// complete retries req under the policy. When onChunk is set, each attempt streams into
// a fresh callback so characters from a failed attempt are not counted again.
func (o *Orchestrator) complete(ctx context.Context, req llm.Request, onChunk func() func(string), meta CallMeta, log zerolog.Logger) (llm.Completion, error) {
	var out llm.Completion
	r := retry.New(o.policy)
	r.Sleep = o.sleep
	r.OnRetry = func(attempt int, delay time.Duration, err error) {
		log.Warn().Err(err).Str("prompt_id", meta.PromptID).Int("attempt", attempt).Dur("delay", delay).Msg("completion failed, retrying")
	}
	err := r.Do(ctx, func(ctx context.Context, attempt int) error {
		callCtx, cancel := ctx, func() {}
		if o.timeout > 0 {
			callCtx, cancel = context.WithTimeout(ctx, o.timeout)
		}
		defer cancel()

		attemptReq := req
		if onChunk != nil {
			attemptReq.OnChunk = onChunk()
		}
		started := o.now()
		c, err := o.Completer.Complete(callCtx, attemptReq)
		if c.Model == "" {
			c.Model = o.Completer.Model()
		}
		err = llm.Classify(err)
		o.record(meta, attempt, c, err, o.now().Sub(started))
		if err != nil {
			return err
		}
		out = c
		return nil
	})
	if err != nil {
		log.Error().Err(err).Str("prompt_id", meta.PromptID).Msg("completion gave up")
		return llm.Completion{}, err
	}
	return out, nil
}

func (o *Orchestrator) record(meta CallMeta, attempt int, c llm.Completion, err error, d time.Duration) {
	if o.Recorder == nil {
		return
	}
	m := models.CompletionMetric{
		JobID:        meta.JobID,
		UserID:       meta.UserID,
		ResourceID:   meta.ResourceID,
		PromptID:     meta.PromptID,
		Model:        c.Model,
		Attempt:      attempt,
		Success:      err == nil,
		Streaming:    meta.Streaming,
		Duration:     d,
		InputTokens:  c.InputTokens,
		OutputTokens: c.OutputTokens,
		CostUSD:      o.Prices.Cost(c.Model, c.InputTokens, c.OutputTokens),
		RecordedAt:   o.now().UTC(),
	}
	if err != nil {
		m.Error = err.Error()
	}
	o.Recorder.Record(m)
}

func baseVars(def catalog.Resource, pc models.PromptContext) map[string]string {
	return map[string]string{
		"product_name":          orDefault(pc.Profile.ProductName, "the product"),
		"product_description":   orDefault(pc.Profile.ProductDescription, "Not provided."),
		"target_market":         orDefault(pc.Profile.TargetMarket, "Not specified."),
		"previous_outputs":      cumulative.Previous(pc),
		"critical_context":      cumulative.Format(pc.Tier1Critical),
		"required_context":      cumulative.Format(pc.Tier2Required),
		"optional_context":      cumulative.Format(pc.Tier3Optional),
		"strategic_outputs":     "None available.",
		"personalization_level": strconv.Itoa(pc.PersonalizationLevel),
		"resource_name":         def.Name,
	}
}

// span is the progress range of step i out of n within [from, to].
func span(from, to, i, n int) (int, int) {
	if n <= 0 {
		return to, to
	}
	width := to - from
	return from + width*i/n, from + width*(i+1)/n
}

// streamProgress maps received characters onto [lo, hi), never reaching hi before the call returns.
func streamProgress(report *reporter, lo, hi, expected int) func(string) {
	if expected <= 0 {
		expected = 6000
	}
	var mu sync.Mutex
	received := 0
	return func(chunk string) {
		mu.Lock()
		received += len(chunk)
		n := received
		mu.Unlock()
		frac := float64(n) / float64(expected)
		if frac > 0.95 {
			frac = 0.95
		}
		report.set(lo + int(float64(hi-lo)*frac))
	}
}

// reporter forwards only increasing progress values.
type reporter struct {
	mu   sync.Mutex
	last int
	fn   func(int)
}

func newReporter(fn func(int)) *reporter {
	return &reporter{last: -1, fn: fn}
}

func (r *reporter) set(p int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if p <= r.last {
		return
	}
	r.last = p
	if r.fn != nil {
		r.fn(p)
	}
}

func joinOrNone(parts []string) string {
	if len(parts) == 0 {
		return "None available."
	}
	return strings.Join(parts, "\n\n")
}

func orDefault(v, def string) string {
	if strings.TrimSpace(v) == "" {
		return def
	}
	return v
}
