// Package output turns raw completion text into structured or freeform content. Parsing never fails.
package output

import (
	"bytes"
	"strings"

	"github.com/goccy/go-json"

	"resource-pipeline/internal/models"
)

// Parsed is either Structured or Freeform.
type Parsed interface {
	isParsed()
	// Summary is the plain text folded into later prompts.
	Summary() string
}

// Structured holds a JSON object or array extracted from the completion.
type Structured struct {
	Value json.RawMessage
	Raw   string
}

// Freeform holds completion text that did not contain usable JSON.
type Freeform struct {
	Text string
}

func (Structured) isParsed() {}
func (Freeform) isParsed()   {}

func (s Structured) Summary() string { return s.Raw }
func (f Freeform) Summary() string   { return f.Text }

// Parse tries the whole text as JSON, then a fenced JSON block, and falls back to freeform text.
func Parse(text string) Parsed {
	trimmed := strings.TrimSpace(text)
	if v, ok := asJSON(trimmed); ok {
		return Structured{Value: v, Raw: trimmed}
	}
	if block, ok := fencedBlock(trimmed); ok {
		if v, ok := asJSON(block); ok {
			return Structured{Value: v, Raw: block}
		}
	}
	return Freeform{Text: trimmed}
}

// Section converts a parse result into its stored form.
func Section(promptID string, p Parsed) models.Section {
	switch v := p.(type) {
	case Structured:
		return models.Section{PromptID: promptID, Format: "structured", Content: v.Value, Text: v.Raw}
	case Freeform:
		return models.Section{PromptID: promptID, Format: "freeform", Text: v.Text}
	default:
		return models.Section{PromptID: promptID, Format: "freeform"}
	}
}

func asJSON(s string) (json.RawMessage, bool) {
	if s == "" || (s[0] != '{' && s[0] != '[') {
		return nil, false
	}
	if !json.Valid([]byte(s)) {
		return nil, false
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, []byte(s)); err != nil {
		return nil, false
	}
	return json.RawMessage(buf.Bytes()), true
}

// fencedBlock returns the body of the first ``` fence, skipping a language tag.
func fencedBlock(s string) (string, bool) {
	start := strings.Index(s, "```")
	if start < 0 {
		return "", false
	}
	rest := s[start+3:]
	if nl := strings.IndexByte(rest, '\n'); nl >= 0 {
		tag := strings.TrimSpace(rest[:nl])
		if len(tag) < 20 && !strings.ContainsAny(tag, " {[") {
			rest = rest[nl+1:]
		}
	}
	end := strings.Index(rest, "```")
	if end < 0 {
		return "", false
	}
	return strings.TrimSpace(rest[:end]), true
}
