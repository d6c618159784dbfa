// Package llm wraps the AI completion providers behind a single Completer interface.
package llm

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strconv"

	"google.golang.org/api/googleapi"

	"resource-pipeline/internal/config"
	"resource-pipeline/internal/errs"
)

// Request is one completion call.
type Request struct {
	System      string
	Prompt      string
	MaxTokens   int
	Temperature float64
	// OnChunk, when set, switches the call to streaming and receives text as it arrives.
	OnChunk func(chunk string)
}

// Completion is a finished call. Estimated is set when the provider reported no usage.
type Completion struct {
	Text         string
	Model        string
	InputTokens  int
	OutputTokens int
	Estimated    bool
}

// Completer produces text for a prompt.
type Completer interface {
	Complete(ctx context.Context, req Request) (Completion, error)
	Model() string
}

// New builds the configured provider wrapped in a circuit breaker.
func New(ctx context.Context, cfg config.LLMConfig) (Completer, error) {
	var (
		c   Completer
		err error
	)
	switch cfg.Provider {
	case "anthropic", "openai", "ollama":
		c, err = NewLangChain(cfg)
	case "gemini":
		c, err = NewGemini(ctx, cfg)
	default:
		return nil, fmt.Errorf("unsupported LLM provider: %s", cfg.Provider)
	}
	if err != nil {
		return nil, err
	}
	return NewBreaker(c, cfg.Provider), nil
}

var statusPattern = regexp.MustCompile(`(?:status(?: code)?|code)[:= ]+(\d{3})`)

// Classify maps a provider error onto the pipeline taxonomy.
// 400, 401, 403, 404 and 422 are caller errors; everything else may be retried.
func Classify(err error) error {
	if err == nil {
		return nil
	}
	var e *errs.Error
	if errors.As(err, &e) || errors.Is(err, context.Canceled) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return errs.Transient(err, "completion timed out")
	}
	switch code := statusCode(err); code {
	case 400, 401, 403, 404, 422:
		return &errs.Error{
			Kind:    errs.KindCaller,
			Code:    "completion_rejected",
			Message: fmt.Sprintf("completion rejected with status %d", code),
			Err:     err,
		}
	case 0:
		return errs.Transient(err, "completion failed")
	default:
		return errs.Transient(err, fmt.Sprintf("completion failed with status %d", code))
	}
}

func statusCode(err error) int {
	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		return gerr.Code
	}
	m := statusPattern.FindStringSubmatch(err.Error())
	if m == nil {
		return 0
	}
	code, _ := strconv.Atoi(m[1])
	return code
}
