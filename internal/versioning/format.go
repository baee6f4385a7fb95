package versioning

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/sells-group/nb-research/internal/model"
)

const rule = "========================================"

// FormatDiffDisplay renders a diff as plain text for the CLI.
func FormatDiffDisplay(d model.Diff) string {
	var b strings.Builder
	b.WriteString("SNAPSHOT DIFF\n")
	b.WriteString(rule + "\n")
	fmt.Fprintf(&b, "From: %s\n", d.FromSnapshotID)
	fmt.Fprintf(&b, "To:   %s\n", d.ToSnapshotID)
	if !d.Timestamp.IsZero() {
		fmt.Fprintf(&b, "At:   %s\n", FormatTimestamp(d.Timestamp))
	}
	fmt.Fprintf(&b, "Steps with changes: %d\n", len(d.NBDiffs))

	if len(d.NBDiffs) == 0 {
		b.WriteString("\nNo differences.\n")
		return b.String()
	}

	for _, sd := range d.NBDiffs {
		fmt.Fprintf(&b, "\n[%s]\n", sd.StepCode)
		writeSection(&b, "ADDED", "+", flatten("", sd.Added, false))
		writeSection(&b, "CHANGED", "~", flatten("", sd.Changed, true))
		writeSection(&b, "REMOVED", "-", flatten("", sd.Removed, false))

		if !sd.Citations.IsEmpty() {
			b.WriteString("  CITATIONS\n")
			for _, id := range sd.Citations.Added {
				fmt.Fprintf(&b, "    + %s\n", id)
			}
			for _, id := range sd.Citations.Removed {
				fmt.Fprintf(&b, "    - %s\n", id)
			}
		}
	}
	return b.String()
}

func writeSection(b *strings.Builder, title, mark string, lines []string) {
	if len(lines) == 0 {
		return
	}
	fmt.Fprintf(b, "  %s\n", title)
	for _, l := range lines {
		fmt.Fprintf(b, "    %s %s\n", mark, l)
	}
}

// flatten renders a diff tree as sorted "dotted.path: value" lines. In a
// changed tree, {from, to} leaves render as "from -> to".
func flatten(prefix string, tree map[string]any, changed bool) []string {
	keys := make([]string, 0, len(tree))
	for k := range tree {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var out []string
	for _, k := range keys {
		path := k
		if prefix != "" {
			path = prefix + "." + k
		}
		v := tree[k]
		sub, isObj := v.(map[string]any)
		switch {
		case changed && isObj && isChangeLeaf(sub):
			out = append(out, fmt.Sprintf("%s: %s -> %s", path, render(sub["from"]), render(sub["to"])))
		case changed && isObj:
			out = append(out, flatten(path, sub, true)...)
		default:
			out = append(out, fmt.Sprintf("%s: %s", path, render(v)))
		}
	}
	return out
}

// isChangeLeaf reports whether m is a {from, to} pair rather than a nested
// tree whose keys happen to be "from" and "to". Object-to-object changes are
// always recursed into, so a leaf never holds two objects.
func isChangeLeaf(m map[string]any) bool {
	if len(m) != 2 {
		return false
	}
	from, hasFrom := m["from"]
	to, hasTo := m["to"]
	if !hasFrom || !hasTo {
		return false
	}
	_, fromObj := from.(map[string]any)
	_, toObj := to.(map[string]any)
	return !(fromObj && toObj)
}

func render(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(b)
}
