package llm

import (
	"context"
	"fmt"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/anthropic"
	"github.com/tmc/langchaingo/llms/ollama"
	"github.com/tmc/langchaingo/llms/openai"

	"resource-pipeline/internal/config"
	"resource-pipeline/internal/models"
)

// LangChain serves anthropic, openai and ollama through langchaingo.
type LangChain struct {
	llm       llms.Model
	modelName string
	maxTokens int
	temp      float64
}

// NewLangChain creates the langchaingo model named by cfg.Provider.
func NewLangChain(cfg config.LLMConfig) (*LangChain, error) {
	var model llms.Model
	var err error

	switch cfg.Provider {
	case "ollama":
		opts := []ollama.Option{ollama.WithModel(cfg.Model)}
		if cfg.BaseURL != "" {
			opts = append(opts, ollama.WithServerURL(cfg.BaseURL))
		}
		model, err = ollama.New(opts...)
		if err != nil {
			return nil, fmt.Errorf("create ollama model: %w", err)
		}

	case "openai":
		if cfg.APIKey == "" {
			return nil, fmt.Errorf("OpenAI API key required")
		}
		opts := []openai.Option{openai.WithToken(cfg.APIKey), openai.WithModel(cfg.Model)}
		if cfg.BaseURL != "" {
			opts = append(opts, openai.WithBaseURL(cfg.BaseURL))
		}
		model, err = openai.New(opts...)
		if err != nil {
			return nil, fmt.Errorf("create openai model: %w", err)
		}

	case "anthropic":
		if cfg.APIKey == "" {
			return nil, fmt.Errorf("Anthropic API key required")
		}
		opts := []anthropic.Option{anthropic.WithToken(cfg.APIKey), anthropic.WithModel(cfg.Model)}
		if cfg.BaseURL != "" {
			opts = append(opts, anthropic.WithBaseURL(cfg.BaseURL))
		}
		model, err = anthropic.New(opts...)
		if err != nil {
			return nil, fmt.Errorf("create anthropic model: %w", err)
		}

	default:
		return nil, fmt.Errorf("unsupported LLM provider: %s", cfg.Provider)
	}

	return NewLangChainWithModel(model, cfg), nil
}

// NewLangChainWithModel wraps an existing langchaingo model.
func NewLangChainWithModel(model llms.Model, cfg config.LLMConfig) *LangChain {
	return &LangChain{llm: model, modelName: cfg.Model, maxTokens: cfg.MaxTokens, temp: cfg.Temperature}
}

func (l *LangChain) Model() string { return l.modelName }

// Complete sends a system and a human message and returns the first choice.
func (l *LangChain) Complete(ctx context.Context, req Request) (Completion, error) {
	var messages []llms.MessageContent
	if req.System != "" {
		messages = append(messages, llms.TextParts(llms.ChatMessageTypeSystem, req.System))
	}
	messages = append(messages, llms.TextParts(llms.ChatMessageTypeHuman, req.Prompt))

	opts := []llms.CallOption{
		llms.WithMaxTokens(firstPositive(req.MaxTokens, l.maxTokens)),
		llms.WithTemperature(firstNonZero(req.Temperature, l.temp)),
	}
	if req.OnChunk != nil {
		opts = append(opts, llms.WithStreamingFunc(func(_ context.Context, chunk []byte) error {
			req.OnChunk(string(chunk))
			return nil
		}))
	}

	resp, err := l.llm.GenerateContent(ctx, messages, opts...)
	if err != nil {
		return Completion{}, Classify(fmt.Errorf("generate content: %w", err))
	}
	if len(resp.Choices) == 0 {
		return Completion{}, Classify(fmt.Errorf("no response choices"))
	}
	choice := resp.Choices[0]

	out := Completion{Text: choice.Content, Model: l.modelName}
	out.InputTokens = infoInt(choice.GenerationInfo, "InputTokens", "PromptTokens")
	out.OutputTokens = infoInt(choice.GenerationInfo, "OutputTokens", "CompletionTokens")
	if out.InputTokens == 0 && out.OutputTokens == 0 {
		out.InputTokens = models.EstimateTokens(req.System) + models.EstimateTokens(req.Prompt)
		out.OutputTokens = models.EstimateTokens(choice.Content)
		out.Estimated = true
	}
	return out, nil
}

// infoInt reads the first present numeric key from GenerationInfo.
func infoInt(info map[string]any, keys ...string) int {
	for _, k := range keys {
		switch v := info[k].(type) {
		case int:
			return v
		case int32:
			return int(v)
		case int64:
			return int(v)
		case float64:
			return int(v)
		}
	}
	return 0
}

func firstPositive(vals ...int) int {
	for _, v := range vals {
		if v > 0 {
			return v
		}
	}
	return 0
}

func firstNonZero(vals ...float64) float64 {
	for _, v := range vals {
		if v != 0 {
			return v
		}
	}
	return 0
}
