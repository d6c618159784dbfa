package models

import (
	"encoding/json"
	"time"
	"unicode/utf8"
)

// Section is the parsed output of one prompt or guide.
type Section struct {
	PromptID string `json:"prompt_id"`
	// Format is "structured" when Content holds a JSON object, "freeform" when it holds text.
	Format  string          `json:"format"`
	Content json.RawMessage `json:"content"`
	Text    string          `json:"text"`
}

// GeneratedResource is one versioned, user-specific output of a catalog resource.
type GeneratedResource struct {
	ID                        string    `json:"id"`
	UserID                    string    `json:"user_id"`
	ResourceID                string    `json:"resource_id"`
	GenerationVersion         int       `json:"generation_version"`
	StrategicContent          []Section `json:"strategic_content"`
	ImplementationContent     []Section `json:"implementation_content"`
	ModelUsed                 string    `json:"model_used"`
	TotalInputTokens          int       `json:"total_input_tokens"`
	TotalOutputTokens         int       `json:"total_output_tokens"`
	EstimatedCostUSD          float64   `json:"estimated_cost_usd"`
	GenerationDurationSeconds float64   `json:"generation_duration_seconds"`
	ContextResourcesUsed      []string  `json:"context_resources_used"`
	PersonalizationLevel      int       `json:"personalization_level"`
	IsActive                  bool      `json:"is_active"`
	CreatedAt                 time.Time `json:"created_at"`
}

// Summary is the text folded into later generations' context.
func (g GeneratedResource) Summary() string {
	var out []byte
	for _, s := range g.StrategicContent {
		if len(out) > 0 {
			out = append(out, '\n')
		}
		out = append(out, s.Text...)
	}
	return string(out)
}

// UserProfile holds the product and user details injected into every prompt.
type UserProfile struct {
	UserID             string `json:"user_id"`
	Name               string `json:"name,omitempty"`
	CompanyName        string `json:"company_name,omitempty"`
	ProductName        string `json:"product_name"`
	ProductDescription string `json:"product_description"`
	TargetMarket       string `json:"target_market,omitempty"`
	Industry           string `json:"industry,omitempty"`
}

// ValidationResult is the outcome of a dependency check.
type ValidationResult struct {
	ResourceID          string   `json:"resourceId"`
	Valid               bool     `json:"valid"`
	MissingDependencies []string `json:"missingDependencies"`
	EstimatedCost       float64  `json:"estimatedCost"`
	EstimatedTokens     int      `json:"estimatedTokens"`
	SuggestedOrder      []string `json:"suggestedOrder"`
}

// ContextItem is one prior resource included in a prompt context.
type ContextItem struct {
	ResourceID  string    `json:"resourceId"`
	Name        string    `json:"name"`
	Tokens      int       `json:"tokens"`
	Content     string    `json:"content"`
	GeneratedAt time.Time `json:"generatedAt"`
}

// TierBreakdown reports tokens and item counts per context bucket.
type TierBreakdown struct {
	Tier1Tokens int `json:"tier1_critical"`
	Tier2Tokens int `json:"tier2_required"`
	Tier3Tokens int `json:"tier3_optional"`
	Tier1Count  int `json:"tier1_count"`
	Tier2Count  int `json:"tier2_count"`
	Tier3Count  int `json:"tier3_count"`
}

// PromptContext is the bounded assembly of a user's prior resources for one target resource.
type PromptContext struct {
	UserID               string        `json:"userId"`
	TargetResourceID     string        `json:"targetResourceId"`
	Profile              UserProfile   `json:"profile"`
	Tier1Critical        []ContextItem `json:"tier1_critical"`
	Tier2Required        []ContextItem `json:"tier2_required"`
	Tier3Optional        []ContextItem `json:"tier3_optional"`
	TotalTokens          int           `json:"totalTokens"`
	UsedResourceCodes    []string      `json:"usedResourceCodes"`
	PersonalizationLevel int           `json:"personalizationLevel"`
	Breakdown            TierBreakdown `json:"tierBreakdown"`
	// Degraded is set when prior resources could not be loaded.
	Degraded bool `json:"degraded,omitempty"`
}

// EstimateTokens approximates a token count as one token per four runes, rounded up.
func EstimateTokens(s string) int {
	n := utf8.RuneCountInString(s)
	return (n + 3) / 4
}
