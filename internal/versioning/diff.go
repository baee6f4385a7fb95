package versioning

import (
	"context"
	"reflect"
	"sort"
	"strconv"
	"strings"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/nb-research/internal/model"
)

// GetOrCreateDiff returns the stored diff for the ordered pair, computing
// and persisting it on first request.
func (e *Engine) GetOrCreateDiff(ctx context.Context, fromID, toID string) (*model.Diff, error) {
	existing, err := e.store.GetDiff(ctx, fromID, toID)
	if err != nil {
		return nil, eris.Wrap(err, "versioning: get diff")
	}
	if existing != nil {
		return existing, nil
	}

	from, err := e.store.GetSnapshot(ctx, fromID)
	if err != nil {
		return nil, eris.Wrap(err, "versioning: diff from")
	}
	to, err := e.store.GetSnapshot(ctx, toID)
	if err != nil {
		return nil, eris.Wrap(err, "versioning: diff to")
	}

	d := ComputeDiff(from, to)
	d.Timestamp = e.now().UTC()
	stored, err := e.store.CreateDiff(ctx, &d)
	if err != nil {
		return nil, eris.Wrap(err, "versioning: store diff")
	}

	zap.L().Debug("versioning: diff computed",
		zap.String("from", fromID),
		zap.String("to", toID),
		zap.Int("changed_steps", len(stored.NBDiffs)),
	)
	return stored, nil
}

// DiffLatest diffs a company's two newest snapshots, older to newer.
func (e *Engine) DiffLatest(ctx context.Context, companyID string) (*model.Diff, error) {
	snaps, err := e.store.ListSnapshots(ctx, companyID, 2)
	if err != nil {
		return nil, eris.Wrap(err, "versioning: diff latest")
	}
	if len(snaps) < 2 {
		return nil, eris.Wrapf(ErrNotEnoughSnapshots, "versioning: company %s", companyID)
	}
	return e.GetOrCreateDiff(ctx, snaps[1].ID, snaps[0].ID)
}

// ComputeDiff compares two snapshots step by step. Target results of
// comparison runs are reported under "target:"-prefixed codes. Steps
// present on both sides without differences are omitted.
func ComputeDiff(from, to *model.Snapshot) model.Diff {
	d := model.Diff{
		FromSnapshotID: from.ID,
		ToSnapshotID:   to.ID,
		NBDiffs:        []model.StepDiff{},
	}
	d.NBDiffs = appendStepDiffs(d.NBDiffs, "", from.Data.NBResults, to.Data.NBResults)
	d.NBDiffs = appendStepDiffs(d.NBDiffs, model.TargetReuseCode(""), from.Data.TargetResults, to.Data.TargetResults)
	return d
}

func appendStepDiffs(out []model.StepDiff, prefix string, from, to map[string]model.SnapshotNB) []model.StepDiff {
	for _, code := range unionCodes(from, to) {
		f, inFrom := from[code]
		t, inTo := to[code]

		sd := model.StepDiff{
			StepCode: prefix + code,
			Added:    map[string]any{},
			Changed:  map[string]any{},
			Removed:  map[string]any{},
		}
		switch {
		case !inFrom:
			sd.Added = copyObject(t.Payload)
		case !inTo:
			sd.Removed = copyObject(f.Payload)
		default:
			sd.Added, sd.Changed, sd.Removed = diffObjects(f.Payload, t.Payload)
			sd.Citations = diffCitations(f.Citations, t.Citations)
		}
		if sd.Citations.Added == nil {
			sd.Citations.Added = []string{}
		}
		if sd.Citations.Removed == nil {
			sd.Citations.Removed = []string{}
		}

		// a step that appears or disappears is a change even with an empty payload
		if inFrom && inTo && sd.IsEmpty() {
			continue
		}
		out = append(out, sd)
	}
	return out
}

// diffObjects walks two JSON objects. Nested objects recurse and attach
// non-empty results under their key; anything else is compared whole.
func diffObjects(from, to map[string]any) (added, changed, removed map[string]any) {
	added, changed, removed = map[string]any{}, map[string]any{}, map[string]any{}

	for k, tv := range to {
		fv, ok := from[k]
		if !ok {
			added[k] = tv
			continue
		}
		fObj, fIsObj := fv.(map[string]any)
		tObj, tIsObj := tv.(map[string]any)
		if fIsObj && tIsObj {
			a, c, r := diffObjects(fObj, tObj)
			if len(a) > 0 {
				added[k] = a
			}
			if len(c) > 0 {
				changed[k] = c
			}
			if len(r) > 0 {
				removed[k] = r
			}
			continue
		}
		if !jsonEqual(fv, tv) {
			changed[k] = model.ChangeEntry(fv, tv)
		}
	}
	for k, fv := range from {
		if _, ok := to[k]; !ok {
			removed[k] = fv
		}
	}
	return added, changed, removed
}

// diffCitations compares citation sets by source id, keeping first-seen order.
func diffCitations(from, to []model.Citation) model.CitationDiff {
	fromIDs := idSet(from)
	toIDs := idSet(to)
	var d model.CitationDiff
	for _, id := range orderedIDs(to) {
		if !fromIDs[id] {
			d.Added = append(d.Added, id)
		}
	}
	for _, id := range orderedIDs(from) {
		if !toIDs[id] {
			d.Removed = append(d.Removed, id)
		}
	}
	return d
}

func idSet(cs []model.Citation) map[string]bool {
	set := make(map[string]bool, len(cs))
	for _, c := range cs {
		set[c.SourceID] = true
	}
	return set
}

func orderedIDs(cs []model.Citation) []string {
	seen := make(map[string]bool, len(cs))
	var out []string
	for _, id := range model.CitationIDs(cs) {
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	return out
}

// equateNumbers treats JSON numbers of different Go types as equal when
// their values match, so decoded float64 and literal ints compare equal.
var equateNumbers = cmp.FilterValues(
	func(x, y any) bool { return isNumber(x) && isNumber(y) },
	cmp.Comparer(func(x, y any) bool { return toFloat(x) == toFloat(y) }),
)

func jsonEqual(a, b any) bool {
	return cmp.Equal(a, b, equateNumbers, cmpopts.EquateEmpty())
}

func isNumber(v any) bool {
	if v == nil {
		return false
	}
	switch reflect.TypeOf(v).Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64,
		reflect.Float32, reflect.Float64:
		return true
	}
	return false
}

func toFloat(v any) float64 {
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return float64(rv.Int())
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return float64(rv.Uint())
	default:
		return rv.Float()
	}
}

func copyObject(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// unionCodes returns step codes of both maps ordered NB1, NB2, ... NB15.
func unionCodes(a, b map[string]model.SnapshotNB) []string {
	set := make(map[string]bool, len(a)+len(b))
	for k := range a {
		set[k] = true
	}
	for k := range b {
		set[k] = true
	}
	codes := make([]string, 0, len(set))
	for k := range set {
		codes = append(codes, k)
	}
	sort.Slice(codes, func(i, j int) bool { return codeLess(codes[i], codes[j]) })
	return codes
}

func codeLess(a, b string) bool {
	na, errA := strconv.Atoi(strings.TrimPrefix(a, "NB"))
	nb, errB := strconv.Atoi(strings.TrimPrefix(b, "NB"))
	if errA == nil && errB == nil {
		return na < nb
	}
	return a < b
}
