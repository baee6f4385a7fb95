package store

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/nb-research/internal/model"
)

func notFound(entity, id string) error {
	return eris.Wrapf(ErrNotFound, "%s %s", entity, id)
}

func marshalJSON(v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", eris.Wrap(err, "marshal json")
	}
	return string(b), nil
}

// marshalRunError returns nil for a nil error so the column stays NULL.
func marshalRunError(e *model.RunError) (any, error) {
	if e == nil {
		return nil, nil
	}
	return marshalJSON(e)
}

func unmarshalJSON(raw []byte, v any) error {
	if len(raw) == 0 {
		return nil
	}
	return json.Unmarshal(raw, v)
}

func statusStrings(ss []model.RunStatus) []any {
	out := make([]any, len(ss))
	for i, s := range ss {
		out[i] = string(s)
	}
	return out
}

// setClause is one "col = value" pair of an UPDATE.
type setClause struct {
	col string
	val any
}

// runUpdateClauses renders the columns touched by a status change.
func runUpdateClauses(status model.RunStatus, upd *model.RunUpdate, now time.Time) ([]setClause, error) {
	sets := []setClause{{"status", string(status)}, {"updated_at", now}}
	if upd == nil {
		return sets, nil
	}
	if upd.StartedAt != nil {
		sets = append(sets, setClause{"started_at", upd.StartedAt.UTC()})
	}
	if upd.CompletedAt != nil {
		sets = append(sets, setClause{"completed_at", upd.CompletedAt.UTC()})
	}
	switch {
	case upd.Error != nil:
		v, err := marshalRunError(upd.Error)
		if err != nil {
			return nil, err
		}
		sets = append(sets, setClause{"error", v})
	case upd.ClearError:
		sets = append(sets, setClause{"error", nil})
	}
	return sets, nil
}

// buildUpdate renders "UPDATE table SET a = ?, b = ? WHERE " with ph
// producing the placeholder for the 1-based argument index.
func buildUpdate(table string, sets []setClause, ph func(int) string) (string, []any) {
	parts := make([]string, len(sets))
	args := make([]any, len(sets))
	for i, s := range sets {
		parts[i] = fmt.Sprintf("%s = %s", s.col, ph(i+1))
		args[i] = s.val
	}
	return fmt.Sprintf("UPDATE %s SET %s WHERE ", table, strings.Join(parts, ", ")), args
}

func placeholders(ph func(int) string, start, n int) string {
	parts := make([]string, n)
	for i := range parts {
		parts[i] = ph(start + i)
	}
	return strings.Join(parts, ", ")
}

func sqlitePH(int) string { return "?" }

func pgPH(i int) string { return fmt.Sprintf("$%d", i) }
