package schema

import (
	"fmt"
	"hash/fnv"
	"math"
)

// Synthesize builds a deterministic value conforming to s. The seed varies
// the generated numbers and booleans so distinct fields differ.
func Synthesize(s *Schema, seed string) any {
	if s == nil {
		return nil
	}
	if len(s.Enum) > 0 {
		return s.Enum[0]
	}

	h := hashSeed(seed)
	switch s.Type {
	case TypeObject:
		obj := make(map[string]any, len(s.Properties))
		for _, name := range s.PropertyNames() {
			obj[name] = Synthesize(s.Properties[name], seed+"."+name)
		}
		for _, name := range s.Required {
			if _, ok := obj[name]; !ok {
				obj[name] = Placeholder(nil)
			}
		}
		return obj
	case TypeArray:
		n := 1
		if s.MinItems != nil && *s.MinItems > n {
			n = *s.MinItems
		}
		arr := make([]any, n)
		for i := range arr {
			arr[i] = Synthesize(s.Items, fmt.Sprintf("%s[%d]", seed, i))
		}
		return arr
	case TypeInteger:
		lo, hi := bounds(s, 0, 100)
		lo, hi = math.Ceil(lo), math.Floor(hi)
		if hi < lo {
			return lo
		}
		span := uint64(hi-lo) + 1
		return lo + float64(h%span)
	case TypeNumber:
		lo, hi := bounds(s, 0, 1)
		frac := float64(h%1000) / 1000
		return math.Round((lo+frac*(hi-lo))*1000) / 1000
	case TypeBoolean:
		return h%2 == 0
	case TypeString:
		return "Synthetic " + seed
	default:
		return nil
	}
}

func bounds(s *Schema, defLo, defSpan float64) (float64, float64) {
	lo, hi := defLo, defLo+defSpan
	switch {
	case s.Minimum != nil && s.Maximum != nil:
		lo, hi = *s.Minimum, *s.Maximum
	case s.Minimum != nil:
		lo, hi = *s.Minimum, *s.Minimum+defSpan
	case s.Maximum != nil:
		lo, hi = *s.Maximum-defSpan, *s.Maximum
	}
	return lo, hi
}

func hashSeed(seed string) uint64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(seed))
	return h.Sum64()
}
