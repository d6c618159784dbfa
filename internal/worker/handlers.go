package worker

import (
	"context"
	"fmt"
	"strings"

	json "github.com/goccy/go-json"

	"resource-pipeline/internal/errs"
	"resource-pipeline/internal/generation"
	"resource-pipeline/internal/llm"
	"resource-pipeline/internal/logging"
	"resource-pipeline/internal/models"
	"resource-pipeline/internal/output"
	"resource-pipeline/internal/prompts"
)

const (
	personaTemplate = "persona-generation"
	ratingTemplate  = "company-rating"
	maxBatchSize    = 50
)

// Completer runs one retried, metered completion.
type Completer interface {
	Complete(ctx context.Context, req llm.Request, meta generation.CallMeta) (llm.Completion, error)
}

// Templates resolves prompt ids to templates.
type Templates interface {
	Get(id string) (string, error)
}

// Validator checks a resource's dependencies for a user.
type Validator interface {
	Validate(ctx context.Context, userID, resourceID string) (models.ValidationResult, bool, error)
}

// Generator produces a new resource version.
type Generator interface {
	Generate(ctx context.Context, userID, resourceID string, opts generation.Options) (models.GeneratedResource, error)
}

// Handlers holds the collaborators shared by the job handlers.
type Handlers struct {
	Templates Templates
	Completer Completer
	Validator Validator
	Generator Generator
}

// Register binds every handler to its queue.
func (h *Handlers) Register(p *Processor) {
	p.RegisterHandler(models.QueuePersona, h.Persona)
	p.RegisterHandler(models.QueueRating, h.Rating)
	p.RegisterHandler(models.QueueBatch, h.BatchRating)
	p.RegisterHandler(models.QueueResource, h.Resource)
}

type personaJob struct {
	ProductName        string `json:"productName"`
	ProductDescription string `json:"productDescription"`
	TargetMarket       string `json:"targetMarket"`
	Industry           string `json:"industry"`
}

type company struct {
	CompanyName        string `json:"companyName"`
	CompanyWebsite     string `json:"companyWebsite"`
	CompanyDescription string `json:"companyDescription"`
}

type ratingJob struct {
	company
	ProductName        string `json:"productName"`
	ProductDescription string `json:"productDescription"`
}

type batchJob struct {
	Companies          []company `json:"companies"`
	ProductName        string    `json:"productName"`
	ProductDescription string    `json:"productDescription"`
}

type resourceJob struct {
	ResourceID string `json:"resourceId"`
	Streaming  bool   `json:"streaming"`
}

// PersonaResult is the result of a persona-generation job.
type PersonaResult struct {
	Format  string          `json:"format"`
	Persona json.RawMessage `json:"persona,omitempty"`
	Text    string          `json:"text"`
	Model   string          `json:"model"`
}

// Rating is one company's fit assessment.
type Rating struct {
	CompanyName string          `json:"companyName"`
	Score       *float64        `json:"score,omitempty"`
	Fit         string          `json:"fit,omitempty"`
	Rating      json.RawMessage `json:"rating,omitempty"`
	Text        string          `json:"text,omitempty"`
	Error       string          `json:"error,omitempty"`
}

// BatchResult collects per-company ratings, including failures.
type BatchResult struct {
	Ratings   []Rating `json:"ratings"`
	Succeeded int      `json:"succeeded"`
	Failed    int      `json:"failed"`
}

// ResourceResult is the result of a resource-generation job.
type ResourceResult struct {
	ResourceID           string  `json:"resourceId"`
	GeneratedResourceID  string  `json:"generatedResourceId"`
	Version              int     `json:"version"`
	PersonalizationLevel int     `json:"personalizationLevel"`
	InputTokens          int     `json:"inputTokens"`
	OutputTokens         int     `json:"outputTokens"`
	EstimatedCostUSD     float64 `json:"estimatedCostUsd"`
}

// decode maps a queue payload onto a typed struct.
func decode(payload map[string]any, v any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return errs.Wrap(errs.ErrInvalidPayload, "encode payload: %v", err)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return errs.Wrap(errs.ErrInvalidPayload, "decode payload: %v", err)
	}
	return nil
}

func (h *Handlers) render(id string, vars map[string]string) (string, error) {
	tpl, err := h.Templates.Get(id)
	if err != nil {
		return "", &errs.Error{Kind: errs.KindTerminal, Code: "template_missing", Message: "load template " + id, Err: err}
	}
	return prompts.Render(tpl, vars), nil
}

func (h *Handlers) Persona(ctx context.Context, job models.Job, report ProgressFunc) (any, error) {
	var p personaJob
	if err := decode(job.Payload, &p); err != nil {
		return nil, err
	}
	prompt, err := h.render(personaTemplate, map[string]string{
		"product_name":        p.ProductName,
		"product_description": p.ProductDescription,
		"target_market":       fallback(p.TargetMarket, "Not specified."),
		"industry":            fallback(p.Industry, "Not specified."),
	})
	if err != nil {
		return nil, err
	}
	report(10)

	c, err := h.Completer.Complete(ctx, llm.Request{Prompt: prompt}, generation.CallMeta{
		JobID:    job.ID,
		UserID:   job.CallerID,
		PromptID: personaTemplate,
	})
	if err != nil {
		return nil, err
	}
	report(90)

	res := PersonaResult{Model: c.Model}
	switch v := output.Parse(c.Text).(type) {
	case output.Structured:
		res.Format, res.Persona, res.Text = "structured", v.Value, v.Raw
	case output.Freeform:
		res.Format, res.Text = "freeform", v.Text
	}
	return res, nil
}

func (h *Handlers) Rating(ctx context.Context, job models.Job, report ProgressFunc) (any, error) {
	var p ratingJob
	if err := decode(job.Payload, &p); err != nil {
		return nil, err
	}
	report(10)
	r, err := h.rate(ctx, job, p.company, p.ProductName, p.ProductDescription)
	if err != nil {
		return nil, err
	}
	report(90)
	return r, nil
}

// BatchRating rates companies one after another. A failed company is recorded in the result;
// the job fails only when none succeeded.
func (h *Handlers) BatchRating(ctx context.Context, job models.Job, report ProgressFunc) (any, error) {
	var p batchJob
	if err := decode(job.Payload, &p); err != nil {
		return nil, err
	}
	n := len(p.Companies)
	if n == 0 {
		return nil, errs.Wrap(errs.ErrInvalidPayload, "companies must not be empty")
	}
	if n > maxBatchSize {
		return nil, errs.Wrap(errs.ErrBatchTooLarge, "at most %d companies per batch, got %d", maxBatchSize, n)
	}

	log := logging.Ctx(ctx)
	out := BatchResult{Ratings: make([]Rating, 0, n)}
	var last error
	for i, co := range p.Companies {
		r, err := h.rate(ctx, job, co, p.ProductName, p.ProductDescription)
		if err != nil {
			last = err
			log.Warn().Err(err).Str("company", co.CompanyName).Msg("company rating failed")
			r = Rating{CompanyName: co.CompanyName, Error: err.Error()}
			out.Failed++
		} else {
			out.Succeeded++
		}
		out.Ratings = append(out.Ratings, r)
		report((i + 1) * 100 / n)
	}
	if out.Succeeded == 0 {
		return nil, &errs.Error{
			Kind:    errs.KindTerminal,
			Code:    "batch_failed",
			Message: fmt.Sprintf("all %d company ratings failed", n),
			Err:     last,
		}
	}
	return out, nil
}

func (h *Handlers) rate(ctx context.Context, job models.Job, co company, productName, productDescription string) (Rating, error) {
	prompt, err := h.render(ratingTemplate, map[string]string{
		"company_name":        co.CompanyName,
		"company_website":     fallback(co.CompanyWebsite, "Not provided."),
		"company_description": fallback(co.CompanyDescription, "Not provided."),
		"product_name":        productName,
		"product_description": fallback(productDescription, "Not provided."),
	})
	if err != nil {
		return Rating{}, err
	}
	c, err := h.Completer.Complete(ctx, llm.Request{Prompt: prompt}, generation.CallMeta{
		JobID:    job.ID,
		UserID:   job.CallerID,
		PromptID: ratingTemplate,
	})
	if err != nil {
		return Rating{}, err
	}

	r := Rating{CompanyName: co.CompanyName}
	switch v := output.Parse(c.Text).(type) {
	case output.Structured:
		r.Rating, r.Text = v.Value, v.Raw
		var fields struct {
			Score *float64 `json:"score"`
			Fit   string   `json:"fit"`
		}
		if json.Unmarshal(v.Value, &fields) == nil {
			r.Score, r.Fit = fields.Score, strings.ToLower(fields.Fit)
		}
	case output.Freeform:
		r.Text = v.Text
	}
	return r, nil
}

// Resource checks dependencies, then generates the resource with progress forwarded to the job.
func (h *Handlers) Resource(ctx context.Context, job models.Job, report ProgressFunc) (any, error) {
	var p resourceJob
	if err := decode(job.Payload, &p); err != nil {
		return nil, err
	}
	v, _, err := h.Validator.Validate(ctx, job.CallerID, p.ResourceID)
	if err != nil {
		return nil, err
	}
	if !v.Valid {
		return nil, errs.Wrap(errs.ErrMissingDependencies,
			"missing dependencies: %s; generate in order: %s",
			strings.Join(v.MissingDependencies, ", "), strings.Join(v.SuggestedOrder, ", "))
	}

	res, err := h.Generator.Generate(ctx, job.CallerID, p.ResourceID, generation.Options{
		Streaming:  p.Streaming,
		OnProgress: report,
		JobID:      job.ID,
	})
	if err != nil {
		return nil, err
	}
	return ResourceResult{
		ResourceID:           res.ResourceID,
		GeneratedResourceID:  res.ID,
		Version:              res.GenerationVersion,
		PersonalizationLevel: res.PersonalizationLevel,
		InputTokens:          res.TotalInputTokens,
		OutputTokens:         res.TotalOutputTokens,
		EstimatedCostUSD:     res.EstimatedCostUSD,
	}, nil
}

func fallback(v, def string) string {
	if strings.TrimSpace(v) == "" {
		return def
	}
	return v
}
