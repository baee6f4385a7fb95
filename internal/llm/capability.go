// Package llm defines the LLM capability the orchestrator calls and its
// Anthropic and deterministic mock providers.
package llm

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/sells-group/nb-research/internal/model"
	"github.com/sells-group/nb-research/internal/schema"
)

// DefaultTemperatureCap keeps extraction close to deterministic.
const DefaultTemperatureCap = 0.2

// CitationsKey is the top-level payload field models cite sources in.
const CitationsKey = "citations"

// Request is one prompt sent to a provider.
type Request struct {
	System string
	User   string
	// Schema, when set, is appended to the instructions and drives the
	// mock's synthetic output.
	Schema      *schema.Schema
	ExpectJSON  bool
	Temperature float64
	MaxTokens   int
	// Step names the NB step for logging and failure injection.
	Step string
}

// Response is a provider's answer and its metering.
type Response struct {
	Content      string           `json:"content"`
	Citations    []model.Citation `json:"citations,omitempty"`
	DurationMs   int64            `json:"duration_ms"`
	TokensUsed   int              `json:"tokens_used"`
	InputTokens  int              `json:"input_tokens"`
	OutputTokens int              `json:"output_tokens"`
	Model        string           `json:"model"`
	Temperature  float64          `json:"temperature"`
}

// Capability is a black-box LLM: prompt in, content plus metering out.
type Capability interface {
	Call(ctx context.Context, req Request) (*Response, error)
	Model() string
}

// ClampTemperature bounds t to [0, limit]. A non-positive limit means
// DefaultTemperatureCap.
func ClampTemperature(t, limit float64) float64 {
	if limit <= 0 {
		limit = DefaultTemperatureCap
	}
	switch {
	case t < 0:
		return 0
	case t > limit:
		return limit
	}
	return t
}

// SchemaInstructions renders the system prompt suffix describing the
// expected output.
func SchemaInstructions(s *schema.Schema) string {
	if s == nil {
		return ""
	}
	doc, err := s.JSON()
	if err != nil {
		return ""
	}
	return "Respond with a single JSON object conforming to this JSON Schema, plus a top-level \"" +
		CitationsKey + "\" array:\n" + doc
}

// ParseCitations extracts the citations array from JSON content. Content
// that is not a JSON object, or has no citations, yields nil.
func ParseCitations(content string) []model.Citation {
	v, err := schema.ParseJSON(content)
	if err != nil {
		return nil
	}
	obj, ok := v.(map[string]any)
	if !ok {
		return nil
	}
	return CitationsFrom(obj)
}

// CitationsFrom decodes payload[CitationsKey]. Entries without a source id
// are dropped.
func CitationsFrom(payload map[string]any) []model.Citation {
	raw, ok := payload[CitationsKey]
	if !ok {
		return nil
	}
	b, err := json.Marshal(raw)
	if err != nil {
		return nil
	}
	var cs []model.Citation
	if err := json.Unmarshal(b, &cs); err != nil {
		return nil
	}
	out := cs[:0]
	for _, c := range cs {
		c.SourceID = strings.TrimSpace(c.SourceID)
		if c.SourceID != "" {
			out = append(out, c)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// estimateTokens approximates a token count at four characters per token.
func estimateTokens(s string) int {
	n := len(s) / 4
	if n == 0 && s != "" {
		n = 1
	}
	return n
}
