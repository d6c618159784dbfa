package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"

	"resource-pipeline/internal/config"
	"resource-pipeline/internal/models"
)

// Gemini serves Google Gemini models.
type Gemini struct {
	client    *genai.Client
	modelName string
	maxTokens int
	temp      float64
}

func NewGemini(ctx context.Context, cfg config.LLMConfig) (*Gemini, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("API key is required")
	}
	client, err := genai.NewClient(ctx, option.WithAPIKey(cfg.APIKey))
	if err != nil {
		return nil, fmt.Errorf("failed to create Gemini client: %w", err)
	}
	return &Gemini{client: client, modelName: cfg.Model, maxTokens: cfg.MaxTokens, temp: cfg.Temperature}, nil
}

func (g *Gemini) Model() string { return g.modelName }

// Close releases the underlying client.
func (g *Gemini) Close() error {
	if g.client != nil {
		return g.client.Close()
	}
	return nil
}

func (g *Gemini) Complete(ctx context.Context, req Request) (Completion, error) {
	model := g.client.GenerativeModel(g.modelName)
	model.SetTemperature(float32(firstNonZero(req.Temperature, g.temp)))
	if n := firstPositive(req.MaxTokens, g.maxTokens); n > 0 {
		model.SetMaxOutputTokens(int32(n))
	}
	if req.System != "" {
		model.SystemInstruction = &genai.Content{Parts: []genai.Part{genai.Text(req.System)}}
	}

	var (
		text  string
		usage *genai.UsageMetadata
		err   error
	)
	if req.OnChunk != nil {
		text, usage, err = g.stream(ctx, model, req)
	} else {
		var resp *genai.GenerateContentResponse
		resp, err = model.GenerateContent(ctx, genai.Text(req.Prompt))
		if err == nil {
			usage = resp.UsageMetadata
			text, err = extractTextFromResponse(resp)
		}
	}
	if err != nil {
		return Completion{}, Classify(fmt.Errorf("failed to generate content: %w", err))
	}
	return g.completion(req, text, usage), nil
}

func (g *Gemini) stream(ctx context.Context, model *genai.GenerativeModel, req Request) (string, *genai.UsageMetadata, error) {
	iter := model.GenerateContentStream(ctx, genai.Text(req.Prompt))
	var b strings.Builder
	var usage *genai.UsageMetadata
	for {
		resp, err := iter.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return "", nil, err
		}
		if resp.UsageMetadata != nil {
			usage = resp.UsageMetadata
		}
		chunk, err := extractTextFromResponse(resp)
		if err != nil {
			continue
		}
		b.WriteString(chunk)
		req.OnChunk(chunk)
	}
	if b.Len() == 0 {
		return "", nil, fmt.Errorf("no content in stream")
	}
	return b.String(), usage, nil
}

func (g *Gemini) completion(req Request, text string, usage *genai.UsageMetadata) Completion {
	out := Completion{Text: text, Model: g.modelName}
	if usage != nil {
		out.InputTokens = int(usage.PromptTokenCount)
		out.OutputTokens = int(usage.CandidatesTokenCount)
	}
	if out.InputTokens == 0 && out.OutputTokens == 0 {
		out.InputTokens = models.EstimateTokens(req.System) + models.EstimateTokens(req.Prompt)
		out.OutputTokens = models.EstimateTokens(text)
		out.Estimated = true
	}
	return out
}

func extractTextFromResponse(resp *genai.GenerateContentResponse) (string, error) {
	if resp == nil || len(resp.Candidates) == 0 {
		return "", fmt.Errorf("no candidates in response")
	}
	candidate := resp.Candidates[0]
	if candidate.Content == nil || len(candidate.Content.Parts) == 0 {
		return "", fmt.Errorf("no content in response")
	}
	var parts []string
	for _, part := range candidate.Content.Parts {
		if text, ok := part.(genai.Text); ok {
			parts = append(parts, string(text))
		}
	}
	if len(parts) == 0 {
		return "", fmt.Errorf("no text parts in response")
	}
	return strings.Join(parts, ""), nil
}
