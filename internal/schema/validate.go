package schema

import (
	"fmt"
	"sync"

	"github.com/xeipuuv/gojsonschema"
)

// MissingFieldPrefix starts every error reporting an absent required field.
const MissingFieldPrefix = "missing required field"

// Result is the outcome of Validate. Errors holds every violation found.
type Result struct {
	Valid  bool     `json:"valid"`
	Errors []string `json:"errors"`
}

var compiled sync.Map // *Schema -> *gojsonschema.Schema

func compile(s *Schema) (*gojsonschema.Schema, error) {
	if c, ok := compiled.Load(s); ok {
		return c.(*gojsonschema.Schema), nil
	}
	c, err := gojsonschema.NewSchema(gojsonschema.NewGoLoader(s))
	if err != nil {
		return nil, err
	}
	compiled.Store(s, c)
	return c, nil
}

// Validate checks value against s and accumulates every violation. A nil
// schema accepts anything.
func Validate(value any, s *Schema) Result {
	if s == nil {
		return Result{Valid: true}
	}

	c, err := compile(s)
	if err != nil {
		return Result{Errors: []string{fmt.Sprintf("(schema): %v", err)}}
	}

	res, err := c.Validate(gojsonschema.NewGoLoader(value))
	if err != nil {
		return Result{Errors: []string{fmt.Sprintf("(root): %v", err)}}
	}
	if res.Valid() {
		return Result{Valid: true}
	}

	out := Result{Errors: make([]string, 0, len(res.Errors()))}
	for _, desc := range res.Errors() {
		out.Errors = append(out.Errors, formatError(desc))
	}
	return out
}

func formatError(desc gojsonschema.ResultError) string {
	field := desc.Field()
	if desc.Type() == "required" {
		prop, _ := desc.Details()["property"].(string)
		if field == "" || field == "(root)" {
			return fmt.Sprintf("%s: %s", MissingFieldPrefix, prop)
		}
		return fmt.Sprintf("%s: %s.%s", MissingFieldPrefix, field, prop)
	}
	if field == "" {
		field = "(root)"
	}
	return fmt.Sprintf("%s: %s", field, desc.Description())
}
