package schema

// Repair fills every missing required field with a placeholder of its
// declared type. Present fields keep their values; nested objects that are
// present get their own missing required fields filled. A root value that is
// not an object (or array) where the schema wants one becomes a skeleton.
// Placeholders do not satisfy minItems > 0.
func Repair(value any, s *Schema) any {
	if s == nil {
		return value
	}
	switch s.Type {
	case TypeObject:
		if _, ok := value.(map[string]any); !ok {
			return Placeholder(s)
		}
	case TypeArray:
		if _, ok := value.([]any); !ok {
			return Placeholder(s)
		}
	}
	return repair(value, s)
}

func repair(value any, s *Schema) any {
	if s == nil {
		return value
	}

	switch s.Type {
	case TypeObject:
		obj, ok := value.(map[string]any)
		if !ok {
			if value != nil {
				return value
			}
			return Placeholder(s)
		}
		out := make(map[string]any, len(obj)+len(s.Required))
		for k, v := range obj {
			if prop, declared := s.Properties[k]; declared {
				out[k] = repair(v, prop)
				continue
			}
			out[k] = v
		}
		for _, name := range s.Required {
			if _, present := out[name]; !present {
				out[name] = Placeholder(s.Properties[name])
			}
		}
		return out

	case TypeArray:
		arr, ok := value.([]any)
		if !ok || s.Items == nil {
			if value == nil {
				return []any{}
			}
			return value
		}
		out := make([]any, len(arr))
		for i, item := range arr {
			out[i] = repair(item, s.Items)
		}
		return out
	}
	return value
}

// Placeholder returns the minimal value of s's type: "", 0, false, an empty
// array, or an object skeleton holding placeholders for its required fields.
func Placeholder(s *Schema) any {
	if s == nil {
		return ""
	}
	if len(s.Enum) > 0 {
		return s.Enum[0]
	}

	switch s.Type {
	case TypeObject:
		obj := make(map[string]any, len(s.Required))
		for _, name := range s.Required {
			obj[name] = Placeholder(s.Properties[name])
		}
		return obj
	case TypeArray:
		return []any{}
	case TypeInteger, TypeNumber:
		if s.Minimum != nil && *s.Minimum > 0 {
			return *s.Minimum
		}
		if s.Maximum != nil && *s.Maximum < 0 {
			return *s.Maximum
		}
		return 0
	case TypeBoolean:
		return false
	default:
		return ""
	}
}

// OutcomeKind classifies a payload check.
type OutcomeKind int

const (
	// OutcomeOK means the payload validated as returned.
	OutcomeOK OutcomeKind = iota
	// OutcomeRepaired means the payload validated after Repair.
	OutcomeRepaired
	// OutcomeInvalid means the payload failed even after Repair.
	OutcomeInvalid
)

func (k OutcomeKind) String() string {
	switch k {
	case OutcomeOK:
		return "ok"
	case OutcomeRepaired:
		return "repaired"
	case OutcomeInvalid:
		return "invalid"
	default:
		return "unknown"
	}
}

// Outcome is the result of Check. Value is the payload to persist when the
// kind is OK or Repaired. Errors holds the original violations for Repaired
// and the remaining ones for Invalid.
type Outcome struct {
	Kind   OutcomeKind
	Value  any
	Errors []string
}

// Check validates value and falls back to Repair when validation fails.
func Check(value any, s *Schema) Outcome {
	first := Validate(value, s)
	if first.Valid {
		return Outcome{Kind: OutcomeOK, Value: value}
	}

	repaired := Repair(value, s)
	second := Validate(repaired, s)
	if second.Valid {
		return Outcome{Kind: OutcomeRepaired, Value: repaired, Errors: first.Errors}
	}
	return Outcome{Kind: OutcomeInvalid, Value: repaired, Errors: second.Errors}
}
