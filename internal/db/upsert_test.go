package db

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUpsertSQL_DoUpdate(t *testing.T) {
	sql, err := UpsertSQL(UpsertConfig{
		Table:        "nb_results",
		Columns:      []string{"id", "run_id", "nb_code", "payload"},
		ConflictKeys: []string{"run_id", "nb_code"},
		UpdateCols:   []string{"payload"},
	})
	require.NoError(t, err)
	assert.Equal(t,
		`INSERT INTO "nb_results" ("id", "run_id", "nb_code", "payload") VALUES ($1, $2, $3, $4) `+
			`ON CONFLICT ("run_id", "nb_code") DO UPDATE SET "payload" = EXCLUDED."payload"`,
		sql)
}

func TestUpsertSQL_DefaultUpdateCols(t *testing.T) {
	sql, err := UpsertSQL(UpsertConfig{
		Table:        "companies",
		Columns:      []string{"id", "name"},
		ConflictKeys: []string{"id"},
	})
	require.NoError(t, err)
	assert.Contains(t, sql, `DO UPDATE SET "name" = EXCLUDED."name"`)
	assert.NotContains(t, sql, `"id" = EXCLUDED`)
}

func TestUpsertSQL_DoNothing(t *testing.T) {
	sql, err := UpsertSQL(UpsertConfig{
		Table:        "diffs",
		Columns:      []string{"id", "from_snapshot_id", "to_snapshot_id"},
		ConflictKeys: []string{"from_snapshot_id", "to_snapshot_id"},
		DoNothing:    true,
	})
	require.NoError(t, err)
	assert.True(t, len(sql) > 0)
	assert.Contains(t, sql, `ON CONFLICT ("from_snapshot_id", "to_snapshot_id") DO NOTHING`)

	onlyKeys := MustUpsertSQL(UpsertConfig{Table: "t", Columns: []string{"id"}, ConflictKeys: []string{"id"}})
	assert.Contains(t, onlyKeys, "DO NOTHING")
}

func TestUpsertSQL_NoColumns(t *testing.T) {
	_, err := UpsertSQL(UpsertConfig{Table: "t", ConflictKeys: []string{"id"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no columns specified")
}

func TestUpsertSQL_NoConflictKeys(t *testing.T) {
	_, err := UpsertSQL(UpsertConfig{Table: "t", Columns: []string{"id"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no conflict keys specified")
	assert.Panics(t, func() { MustUpsertSQL(UpsertConfig{Table: "t"}) })
}

func TestSanitizeTable(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{"simple", `"simple"`},
		{"nb.telemetry", `"nb"."telemetry"`},
	}
	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			assert.Equal(t, tt.expected, sanitizeTable(tt.input))
		})
	}
}

func TestQuoteAndJoin(t *testing.T) {
	assert.Equal(t, `"id", "metric_key", "value"`, quoteAndJoin([]string{"id", "metric_key", "value"}))
}
