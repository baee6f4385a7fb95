// Package schema validates and repairs NB payloads against declarative JSON schemas.
package schema

import (
	"encoding/json"
	"sort"
	"strings"

	"github.com/rotisserie/eris"
)

// JSON value types understood by the validator.
const (
	TypeObject  = "object"
	TypeArray   = "array"
	TypeString  = "string"
	TypeInteger = "integer"
	TypeNumber  = "number"
	TypeBoolean = "boolean"
)

// Schema is a subset of JSON Schema (draft-07) sufficient for NB payloads.
// It marshals to a document gojsonschema can compile.
type Schema struct {
	Type                 string             `json:"type,omitempty" yaml:"type"`
	Description          string             `json:"description,omitempty" yaml:"description"`
	Properties           map[string]*Schema `json:"properties,omitempty" yaml:"properties"`
	Required             []string           `json:"required,omitempty" yaml:"required"`
	Items                *Schema            `json:"items,omitempty" yaml:"items"`
	Enum                 []any              `json:"enum,omitempty" yaml:"enum"`
	Minimum              *float64           `json:"minimum,omitempty" yaml:"minimum"`
	Maximum              *float64           `json:"maximum,omitempty" yaml:"maximum"`
	MinItems             *int               `json:"minItems,omitempty" yaml:"min_items"`
	AdditionalProperties *bool              `json:"additionalProperties,omitempty" yaml:"additional_properties"`
}

// PropertyNames returns the declared property names in sorted order.
func (s *Schema) PropertyNames() []string {
	names := make([]string, 0, len(s.Properties))
	for name := range s.Properties {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// JSON returns the schema as a JSON document.
func (s *Schema) JSON() (string, error) {
	b, err := json.Marshal(s)
	if err != nil {
		return "", eris.Wrap(err, "schema: marshal")
	}
	return string(b), nil
}

// ParseJSON decodes LLM output into a generic JSON value. Markdown code
// fences and prose around the outermost object are ignored.
func ParseJSON(content string) (any, error) {
	text := cleanJSONBlock(content)
	if text == "" {
		return nil, eris.New("schema: empty content")
	}

	var v any
	if err := json.Unmarshal([]byte(text), &v); err == nil {
		return v, nil
	}

	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start < 0 || end <= start {
		return nil, eris.New("schema: no JSON object in content")
	}
	if err := json.Unmarshal([]byte(text[start:end+1]), &v); err != nil {
		return nil, eris.Wrap(err, "schema: decode content")
	}
	return v, nil
}

func cleanJSONBlock(text string) string {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, "```") {
		return text
	}
	text = strings.TrimPrefix(text, "```")
	if idx := strings.Index(text, "\n"); idx >= 0 {
		first := strings.TrimSpace(text[:idx])
		if !strings.Contains(first, "{") && !strings.Contains(first, " ") {
			text = text[idx+1:]
		}
	}
	if idx := strings.LastIndex(text, "```"); idx >= 0 {
		text = text[:idx]
	}
	return strings.TrimSpace(text)
}
