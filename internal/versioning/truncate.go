package versioning

import (
	"fmt"
	"sort"
	"unicode/utf8"
)

// truncator caps oversized string fields and records their paths.
type truncator struct {
	max       int
	truncated []string
}

func (t *truncator) object(path string, obj map[string]any) map[string]any {
	if obj == nil {
		return map[string]any{}
	}
	out := make(map[string]any, len(obj))
	for k, v := range obj {
		out[k] = t.value(path+"."+k, v)
	}
	return out
}

func (t *truncator) value(path string, v any) any {
	switch x := v.(type) {
	case string:
		return t.str(path, x)
	case map[string]any:
		return t.object(path, x)
	case []any:
		out := make([]any, len(x))
		for i, item := range x {
			out[i] = t.value(fmt.Sprintf("%s[%d]", path, i), item)
		}
		return out
	default:
		return v
	}
}

// str cuts s so that the kept prefix plus the truncation marker fit in max
// bytes. The marker alone may exceed a max smaller than itself.
func (t *truncator) str(path, s string) string {
	if len(s) <= t.max {
		return s
	}
	budget := t.max
	var cut int
	var marker string
	for {
		cut = max(budget, 0)
		for cut > 0 && !utf8.RuneStart(s[cut]) {
			cut--
		}
		marker = truncationMarker(len(s) - cut)
		if cut == 0 || cut+len(marker) <= t.max {
			break
		}
		budget = t.max - len(marker)
		if budget >= cut {
			budget = cut - 1
		}
	}
	t.truncated = append(t.truncated, path)
	sort.Strings(t.truncated)
	return s[:cut] + marker
}

func truncationMarker(n int) string {
	return fmt.Sprintf("…[truncated %d bytes]", n)
}
