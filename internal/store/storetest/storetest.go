// Package storetest builds migrated SQLite stores and seed rows for tests.
package storetest

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/sells-group/nb-research/internal/model"
	"github.com/sells-group/nb-research/internal/store"
)

// New returns a migrated SQLite store in a temp directory.
func New(t testing.TB) *store.SQLiteStore {
	t.Helper()
	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(context.Background()))
	return st
}

// Company upserts a company with n sources and returns it.
func Company(t testing.TB, st store.Store, id, name string, n int) model.Company {
	t.Helper()
	ctx := context.Background()
	c := model.Company{ID: id, Name: name, Sector: "Industrials", URL: "https://" + id + ".example"}
	require.NoError(t, st.UpsertCompany(ctx, &c))
	for i := 1; i <= n; i++ {
		src := model.Source{
			ID:        fmt.Sprintf("%s-src-%d", id, i),
			CompanyID: id,
			Title:     fmt.Sprintf("%s document %d", name, i),
			URL:       fmt.Sprintf("https://%s.example/doc/%d", id, i),
			Kind:      "filing",
			Content:   fmt.Sprintf("%s reported results for period %d.", name, i),
		}
		require.NoError(t, st.AddSource(ctx, &src))
	}
	return c
}

// Run inserts a run for companyID in the given status.
func Run(t testing.TB, st store.Store, companyID string, status model.RunStatus) *model.Run {
	t.Helper()
	r := &model.Run{CompanyID: companyID, Mode: model.RunModeFull, Status: status}
	require.NoError(t, st.CreateRun(context.Background(), r))
	return r
}

// Snapshot inserts a snapshot of run with the given step payloads, created
// age ago.
func Snapshot(t testing.TB, st store.Store, run *model.Run, age time.Duration, steps map[string]map[string]any) *model.Snapshot {
	t.Helper()
	created := time.Now().UTC().Add(-age)
	data := model.SnapshotData{
		RunID:     run.ID,
		CompanyID: run.CompanyID,
		Timestamp: created,
		NBResults: make(map[string]model.SnapshotNB, len(steps)),
	}
	for code, payload := range steps {
		data.NBResults[code] = model.SnapshotNB{Payload: payload, Citations: []model.Citation{}}
	}
	snap := &model.Snapshot{CompanyID: run.CompanyID, RunID: run.ID, Data: data, CreatedAt: created}
	require.NoError(t, st.CreateSnapshot(context.Background(), snap))
	return snap
}
