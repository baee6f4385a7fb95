package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/sells-group/nb-research/internal/model"
)

// SQLiteStore implements Store using modernc.org/sqlite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	// one connection serializes writers and keeps the pragmas in effect
	db.SetMaxOpenConns(1)
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS companies (
	id         TEXT PRIMARY KEY,
	name       TEXT NOT NULL,
	url        TEXT NOT NULL DEFAULT '',
	ticker     TEXT NOT NULL DEFAULT '',
	sector     TEXT NOT NULL DEFAULT '',
	country    TEXT NOT NULL DEFAULT '',
	metadata   TEXT,
	created_at DATETIME NOT NULL DEFAULT (datetime('now')),
	updated_at DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS sources (
	id           TEXT PRIMARY KEY,
	company_id   TEXT NOT NULL,
	title        TEXT NOT NULL,
	url          TEXT NOT NULL DEFAULT '',
	kind         TEXT NOT NULL DEFAULT '',
	content      TEXT NOT NULL DEFAULT '',
	published_at DATETIME,
	created_at   DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS runs (
	id                 TEXT PRIMARY KEY,
	company_id         TEXT NOT NULL,
	target_company_id  TEXT NOT NULL DEFAULT '',
	user_id            TEXT NOT NULL DEFAULT '',
	mode               TEXT NOT NULL DEFAULT 'full',
	status             TEXT NOT NULL DEFAULT 'queued',
	steps              TEXT NOT NULL DEFAULT '[]',
	estimated_tokens   INTEGER NOT NULL DEFAULT 0,
	estimated_cost     REAL NOT NULL DEFAULT 0,
	actual_tokens      INTEGER NOT NULL DEFAULT 0,
	actual_cost        REAL NOT NULL DEFAULT 0,
	reused_steps       TEXT NOT NULL DEFAULT '[]',
	reuse_snapshot_id  TEXT NOT NULL DEFAULT '',
	target_snapshot_id TEXT NOT NULL DEFAULT '',
	retry_count        INTEGER NOT NULL DEFAULT 0,
	error              TEXT,
	created_at         DATETIME NOT NULL DEFAULT (datetime('now')),
	started_at         DATETIME,
	completed_at       DATETIME,
	updated_at         DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS nb_results (
	id          TEXT PRIMARY KEY,
	run_id      TEXT NOT NULL,
	subject     TEXT NOT NULL DEFAULT 'customer',
	nb_code     TEXT NOT NULL,
	payload     TEXT NOT NULL DEFAULT '{}',
	citations   TEXT NOT NULL DEFAULT '[]',
	status      TEXT NOT NULL DEFAULT 'pending',
	tokens_used INTEGER NOT NULL DEFAULT 0,
	duration_ms INTEGER NOT NULL DEFAULT 0,
	cost        REAL NOT NULL DEFAULT 0,
	reused      INTEGER NOT NULL DEFAULT 0,
	error       TEXT NOT NULL DEFAULT '',
	created_at  DATETIME NOT NULL DEFAULT (datetime('now')),
	updated_at  DATETIME NOT NULL DEFAULT (datetime('now')),
	UNIQUE (run_id, subject, nb_code)
);

CREATE TABLE IF NOT EXISTS snapshots (
	id         TEXT PRIMARY KEY,
	company_id TEXT NOT NULL,
	run_id     TEXT NOT NULL,
	data       TEXT NOT NULL,
	created_at DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS diffs (
	id               TEXT PRIMARY KEY,
	from_snapshot_id TEXT NOT NULL,
	to_snapshot_id   TEXT NOT NULL,
	data             TEXT NOT NULL,
	created_at       DATETIME NOT NULL DEFAULT (datetime('now')),
	UNIQUE (from_snapshot_id, to_snapshot_id)
);

CREATE TABLE IF NOT EXISTS telemetry (
	id         TEXT PRIMARY KEY,
	run_id     TEXT,
	metric_key TEXT NOT NULL,
	value      REAL NOT NULL DEFAULT 0,
	payload    TEXT,
	created_at DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status);
CREATE INDEX IF NOT EXISTS idx_runs_company ON runs(company_id);
CREATE INDEX IF NOT EXISTS idx_sources_company ON sources(company_id);
CREATE INDEX IF NOT EXISTS idx_nb_results_run ON nb_results(run_id);
CREATE INDEX IF NOT EXISTS idx_snapshots_company ON snapshots(company_id, created_at);
CREATE INDEX IF NOT EXISTS idx_telemetry_run ON telemetry(run_id);
CREATE INDEX IF NOT EXISTS idx_telemetry_metric ON telemetry(metric_key);
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// --- runs ---

const runColumns = `id, company_id, target_company_id, user_id, mode, status, steps,
	estimated_tokens, estimated_cost, actual_tokens, actual_cost,
	reused_steps, reuse_snapshot_id, target_snapshot_id, retry_count, error,
	created_at, started_at, completed_at, updated_at`

func (s *SQLiteStore) CreateRun(ctx context.Context, run *model.Run) error {
	if run.ID == "" {
		run.ID = uuid.New().String()
	}
	now := nowUTC()
	if run.CreatedAt.IsZero() {
		run.CreatedAt = now
	}
	run.UpdatedAt = now
	if run.Status == "" {
		run.Status = model.RunStatusQueued
	}
	if run.Mode == "" {
		run.Mode = model.RunModeFull
	}

	steps, err := marshalJSON(nonNil(run.Steps))
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal steps")
	}
	reused, err := marshalJSON(nonNil(run.ReusedSteps))
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal reused steps")
	}
	runErr, err := marshalRunError(run.Error)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal run error")
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO runs (`+runColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.CompanyID, run.TargetCompanyID, run.UserID, string(run.Mode), string(run.Status), steps,
		run.EstimatedTokens, run.EstimatedCost, run.ActualTokens, run.ActualCost,
		reused, run.ReuseSnapshotID, run.TargetSnapshotID, run.RetryCount, runErr,
		run.CreatedAt.UTC(), nullTime(run.StartedAt), nullTime(run.CompletedAt), run.UpdatedAt,
	)
	return eris.Wrap(err, "sqlite: insert run")
}

func (s *SQLiteStore) GetRun(ctx context.Context, runID string) (*model.Run, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE id = ?`, runID)
	r, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("run", runID)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get run %s", runID)
	}
	return r, nil
}

func (s *SQLiteStore) ListRuns(ctx context.Context, filter RunFilter) ([]model.Run, error) {
	query := `SELECT ` + runColumns + ` FROM runs WHERE 1=1`
	var args []any

	if len(filter.Status) > 0 {
		query += ` AND status IN (` + placeholders(sqlitePH, 1, len(filter.Status)) + `)`
		args = append(args, statusStrings(filter.Status)...)
	}
	if filter.CompanyID != "" {
		query += ` AND company_id = ?`
		args = append(args, filter.CompanyID)
	}
	query += ` ORDER BY created_at DESC, rowid DESC`

	limit := filter.Limit
	if limit == 0 {
		limit = 100
	}
	query += ` LIMIT ?`
	args = append(args, limit)

	if filter.Offset > 0 {
		query += ` OFFSET ?`
		args = append(args, filter.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list runs")
	}
	defer rows.Close()

	var runs []model.Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan run")
		}
		runs = append(runs, *r)
	}
	return runs, eris.Wrap(rows.Err(), "sqlite: list runs iterate")
}

func (s *SQLiteStore) CountRuns(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM runs`).Scan(&n)
	return n, eris.Wrap(err, "sqlite: count runs")
}

func (s *SQLiteStore) CountRunsByStatus(ctx context.Context) (map[model.RunStatus]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM runs GROUP BY status`)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: count runs by status")
	}
	defer rows.Close()

	counts := make(map[model.RunStatus]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan status count")
		}
		counts[model.RunStatus(status)] = n
	}
	return counts, eris.Wrap(rows.Err(), "sqlite: count runs iterate")
}

func (s *SQLiteStore) UpdateRunStatus(ctx context.Context, runID string, status model.RunStatus, upd *model.RunUpdate) error {
	sets, err := runUpdateClauses(status, upd, nowUTC())
	if err != nil {
		return eris.Wrap(err, "sqlite: run update")
	}
	query, args := buildUpdate("runs", sets, sqlitePH)
	res, err := s.db.ExecContext(ctx, query+`id = ?`, append(args, runID)...)
	if err != nil {
		return eris.Wrapf(err, "sqlite: update run status %s", runID)
	}
	return checkRowsAffected(res, "run", runID)
}

func (s *SQLiteStore) TransitionRun(ctx context.Context, runID string, from []model.RunStatus, to model.RunStatus, upd *model.RunUpdate) (bool, error) {
	if len(from) == 0 {
		return false, eris.New("sqlite: transition run: no source states")
	}
	sets, err := runUpdateClauses(to, upd, nowUTC())
	if err != nil {
		return false, eris.Wrap(err, "sqlite: run update")
	}
	query, args := buildUpdate("runs", sets, sqlitePH)
	query += `id = ? AND status IN (` + placeholders(sqlitePH, 1, len(from)) + `)`
	args = append(args, runID)
	args = append(args, statusStrings(from)...)

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return false, eris.Wrapf(err, "sqlite: transition run %s", runID)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, eris.Wrap(err, "sqlite: rows affected")
	}
	return n > 0, nil
}

func (s *SQLiteStore) SetRunUsage(ctx context.Context, runID string, tokens int, cost float64) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE runs SET actual_tokens = ?, actual_cost = ?, updated_at = ? WHERE id = ?`,
		tokens, cost, nowUTC(), runID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: set run usage %s", runID)
	}
	return checkRowsAffected(res, "run", runID)
}

func (s *SQLiteStore) IncrementRetry(ctx context.Context, runID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`UPDATE runs SET retry_count = retry_count + 1, updated_at = ? WHERE id = ? RETURNING retry_count`,
		nowUTC(), runID,
	).Scan(&n)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, notFound("run", runID)
	}
	return n, eris.Wrapf(err, "sqlite: increment retry %s", runID)
}

func (s *SQLiteStore) ArchiveRun(ctx context.Context, runID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: archive begin")
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.ExecContext(ctx, `DELETE FROM nb_results WHERE run_id = ?`, runID); err != nil {
		return eris.Wrapf(err, "sqlite: archive delete nb results %s", runID)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM telemetry WHERE run_id = ?`, runID); err != nil {
		return eris.Wrapf(err, "sqlite: archive delete telemetry %s", runID)
	}
	res, err := tx.ExecContext(ctx,
		`UPDATE runs SET status = ?, updated_at = ? WHERE id = ?`,
		string(model.RunStatusArchived), nowUTC(), runID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: archive run %s", runID)
	}
	if err := checkRowsAffected(res, "run", runID); err != nil {
		return err
	}
	return eris.Wrap(tx.Commit(), "sqlite: archive commit")
}

// --- companies and sources ---

func (s *SQLiteStore) UpsertCompany(ctx context.Context, c *model.Company) error {
	if c.ID == "" {
		c.ID = uuid.New().String()
	}
	now := nowUTC()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	c.UpdatedAt = now

	meta, err := marshalJSON(c.Metadata)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal company metadata")
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO companies (id, name, url, ticker, sector, country, metadata, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (id) DO UPDATE SET name = excluded.name, url = excluded.url, ticker = excluded.ticker,
		   sector = excluded.sector, country = excluded.country, metadata = excluded.metadata,
		   updated_at = excluded.updated_at`,
		c.ID, c.Name, c.URL, c.Ticker, c.Sector, c.Country, meta, c.CreatedAt.UTC(), now,
	)
	return eris.Wrapf(err, "sqlite: upsert company %s", c.ID)
}

func (s *SQLiteStore) GetCompany(ctx context.Context, companyID string) (*model.Company, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, name, url, ticker, sector, country, metadata, created_at, updated_at FROM companies WHERE id = ?`,
		companyID,
	)
	c, err := scanCompany(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("company", companyID)
	}
	return c, eris.Wrapf(err, "sqlite: get company %s", companyID)
}

func (s *SQLiteStore) ListCompanies(ctx context.Context) ([]model.Company, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, url, ticker, sector, country, metadata, created_at, updated_at FROM companies ORDER BY name`,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list companies")
	}
	defer rows.Close()

	var out []model.Company
	for rows.Next() {
		c, err := scanCompany(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan company")
		}
		out = append(out, *c)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list companies iterate")
}

func (s *SQLiteStore) AddSource(ctx context.Context, src *model.Source) error {
	if src.ID == "" {
		src.ID = uuid.New().String()
	}
	if src.CreatedAt.IsZero() {
		src.CreatedAt = nowUTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sources (id, company_id, title, url, kind, content, published_at, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		src.ID, src.CompanyID, src.Title, src.URL, src.Kind, src.Content, nullTime(src.PublishedAt), src.CreatedAt.UTC(),
	)
	return eris.Wrapf(err, "sqlite: insert source for company %s", src.CompanyID)
}

func (s *SQLiteStore) ListSources(ctx context.Context, companyID string) ([]model.Source, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, company_id, title, url, kind, content, published_at, created_at
		 FROM sources WHERE company_id = ? ORDER BY created_at, rowid`,
		companyID,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list sources")
	}
	defer rows.Close()

	var out []model.Source
	for rows.Next() {
		var src model.Source
		var published sql.NullTime
		if err := rows.Scan(&src.ID, &src.CompanyID, &src.Title, &src.URL, &src.Kind, &src.Content, &published, &src.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan source")
		}
		src.PublishedAt = timePtr(published)
		out = append(out, src)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list sources iterate")
}

// --- nb results ---

func (s *SQLiteStore) SaveNBResult(ctx context.Context, r *model.NBResult) error {
	if r.ID == "" {
		r.ID = uuid.New().String()
	}
	if r.Subject == "" {
		r.Subject = model.SubjectCustomer
	}
	now := nowUTC()
	if r.CreatedAt.IsZero() {
		r.CreatedAt = now
	}
	r.UpdatedAt = now

	payload, err := marshalJSON(nonNilMap(r.Payload))
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal payload")
	}
	citations, err := marshalJSON(nonNil(r.Citations))
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal citations")
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO nb_results (id, run_id, subject, nb_code, payload, citations, status, tokens_used, duration_ms, cost, reused, error, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (run_id, subject, nb_code) DO UPDATE SET payload = excluded.payload, citations = excluded.citations,
		   status = excluded.status, tokens_used = excluded.tokens_used, duration_ms = excluded.duration_ms,
		   cost = excluded.cost, reused = excluded.reused, error = excluded.error, updated_at = excluded.updated_at`,
		r.ID, r.RunID, string(r.Subject), r.StepCode, payload, citations, string(r.Status),
		r.TokensUsed, r.DurationMs, r.Cost, r.Reused, r.Error, r.CreatedAt.UTC(), now,
	)
	return eris.Wrapf(err, "sqlite: save nb result %s/%s", r.RunID, r.StepCode)
}

func (s *SQLiteStore) ListNBResults(ctx context.Context, runID string) ([]model.NBResult, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, run_id, subject, nb_code, payload, citations, status, tokens_used, duration_ms, cost, reused, error, created_at, updated_at
		 FROM nb_results WHERE run_id = ? ORDER BY created_at, rowid`,
		runID,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list nb results")
	}
	defer rows.Close()

	var out []model.NBResult
	for rows.Next() {
		var r model.NBResult
		var subject, status, payload, citations string
		if err := rows.Scan(&r.ID, &r.RunID, &subject, &r.StepCode, &payload, &citations, &status,
			&r.TokensUsed, &r.DurationMs, &r.Cost, &r.Reused, &r.Error, &r.CreatedAt, &r.UpdatedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan nb result")
		}
		r.Subject = model.Subject(subject)
		r.Status = model.NBStatus(status)
		if err := unmarshalJSON([]byte(payload), &r.Payload); err != nil {
			return nil, eris.Wrap(err, "sqlite: unmarshal payload")
		}
		if err := unmarshalJSON([]byte(citations), &r.Citations); err != nil {
			return nil, eris.Wrap(err, "sqlite: unmarshal citations")
		}
		out = append(out, r)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list nb results iterate")
}

// --- snapshots ---

func (s *SQLiteStore) CreateSnapshot(ctx context.Context, snap *model.Snapshot) error {
	if snap.ID == "" {
		snap.ID = uuid.New().String()
	}
	if snap.CreatedAt.IsZero() {
		snap.CreatedAt = nowUTC()
	}
	data, err := marshalJSON(snap.Data)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal snapshot")
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO snapshots (id, company_id, run_id, data, created_at) VALUES (?, ?, ?, ?, ?)`,
		snap.ID, snap.CompanyID, snap.RunID, data, snap.CreatedAt.UTC(),
	)
	return eris.Wrapf(err, "sqlite: insert snapshot for run %s", snap.RunID)
}

func (s *SQLiteStore) GetSnapshot(ctx context.Context, snapshotID string) (*model.Snapshot, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, company_id, run_id, data, created_at FROM snapshots WHERE id = ?`, snapshotID)
	snap, err := scanSnapshot(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("snapshot", snapshotID)
	}
	return snap, eris.Wrapf(err, "sqlite: get snapshot %s", snapshotID)
}

func (s *SQLiteStore) ListSnapshots(ctx context.Context, companyID string, limit int) ([]model.Snapshot, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, company_id, run_id, data, created_at FROM snapshots
		 WHERE company_id = ? ORDER BY created_at DESC, rowid DESC LIMIT ?`,
		companyID, limit,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list snapshots")
	}
	defer rows.Close()

	var out []model.Snapshot
	for rows.Next() {
		snap, err := scanSnapshot(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan snapshot")
		}
		out = append(out, *snap)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list snapshots iterate")
}

func (s *SQLiteStore) LatestCompletedSnapshot(ctx context.Context, companyID string) (*model.Snapshot, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT s.id, s.company_id, s.run_id, s.data, s.created_at
		 FROM snapshots s JOIN runs r ON r.id = s.run_id
		 WHERE s.company_id = ? AND r.status IN (?, ?)
		 ORDER BY s.created_at DESC, s.rowid DESC LIMIT 1`,
		companyID, string(model.RunStatusCompleted), string(model.RunStatusArchived),
	)
	snap, err := scanSnapshot(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return snap, eris.Wrap(err, "sqlite: latest completed snapshot")
}

// --- diffs ---

func (s *SQLiteStore) GetDiff(ctx context.Context, fromID, toID string) (*model.Diff, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, from_snapshot_id, to_snapshot_id, data, created_at FROM diffs
		 WHERE from_snapshot_id = ? AND to_snapshot_id = ?`,
		fromID, toID,
	)
	d, err := scanDiff(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return d, eris.Wrap(err, "sqlite: get diff")
}

func (s *SQLiteStore) CreateDiff(ctx context.Context, d *model.Diff) (*model.Diff, error) {
	if d.ID == "" {
		d.ID = uuid.New().String()
	}
	if d.Timestamp.IsZero() {
		d.Timestamp = nowUTC()
	}
	data, err := marshalJSON(nonNil(d.NBDiffs))
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: marshal diff")
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO diffs (id, from_snapshot_id, to_snapshot_id, data, created_at) VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT (from_snapshot_id, to_snapshot_id) DO NOTHING`,
		d.ID, d.FromSnapshotID, d.ToSnapshotID, data, d.Timestamp.UTC(),
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: insert diff")
	}
	stored, err := s.GetDiff(ctx, d.FromSnapshotID, d.ToSnapshotID)
	if err != nil {
		return nil, err
	}
	if stored == nil {
		return nil, eris.Errorf("sqlite: diff %s -> %s vanished after insert", d.FromSnapshotID, d.ToSnapshotID)
	}
	return stored, nil
}

func (s *SQLiteStore) CountDiffs(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM diffs`).Scan(&n)
	return n, eris.Wrap(err, "sqlite: count diffs")
}

// --- telemetry ---

const insertTelemetrySQL = `INSERT INTO telemetry (id, run_id, metric_key, value, payload, created_at) VALUES (?, ?, ?, ?, ?, ?)`

func telemetryArgs(e *model.TelemetryEntry) ([]any, error) {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = nowUTC()
	}
	var payload any
	if e.Payload != nil {
		p, err := marshalJSON(e.Payload)
		if err != nil {
			return nil, err
		}
		payload = p
	}
	var runID any
	if e.RunID != "" {
		runID = e.RunID
	}
	return []any{e.ID, runID, e.MetricKey, e.Value, payload, e.CreatedAt.UTC()}, nil
}

func (s *SQLiteStore) InsertTelemetry(ctx context.Context, e *model.TelemetryEntry) error {
	args, err := telemetryArgs(e)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal telemetry payload")
	}
	_, err = s.db.ExecContext(ctx, insertTelemetrySQL, args...)
	return eris.Wrapf(err, "sqlite: insert telemetry %s", e.MetricKey)
}

func (s *SQLiteStore) InsertTelemetryBatch(ctx context.Context, entries []model.TelemetryEntry) error {
	if len(entries) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: telemetry batch begin")
	}
	defer tx.Rollback() //nolint:errcheck

	stmt, err := tx.PrepareContext(ctx, insertTelemetrySQL)
	if err != nil {
		return eris.Wrap(err, "sqlite: telemetry batch prepare")
	}
	defer stmt.Close()

	for i := range entries {
		args, err := telemetryArgs(&entries[i])
		if err != nil {
			return eris.Wrap(err, "sqlite: marshal telemetry payload")
		}
		if _, err := stmt.ExecContext(ctx, args...); err != nil {
			return eris.Wrapf(err, "sqlite: telemetry batch row %d", i)
		}
	}
	return eris.Wrap(tx.Commit(), "sqlite: telemetry batch commit")
}

func (s *SQLiteStore) ListTelemetry(ctx context.Context, runID string) ([]model.TelemetryEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, run_id, metric_key, value, payload, created_at FROM telemetry
		 WHERE run_id = ? ORDER BY created_at, rowid`,
		runID,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list telemetry")
	}
	defer rows.Close()

	var out []model.TelemetryEntry
	for rows.Next() {
		var e model.TelemetryEntry
		var run, payload sql.NullString
		if err := rows.Scan(&e.ID, &run, &e.MetricKey, &e.Value, &payload, &e.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan telemetry")
		}
		e.RunID = run.String
		if payload.Valid {
			if err := unmarshalJSON([]byte(payload.String), &e.Payload); err != nil {
				return nil, eris.Wrap(err, "sqlite: unmarshal telemetry payload")
			}
		}
		out = append(out, e)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list telemetry iterate")
}

func (s *SQLiteStore) CountTelemetry(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM telemetry`).Scan(&n)
	return n, eris.Wrap(err, "sqlite: count telemetry")
}

// helpers

func checkRowsAffected(res sql.Result, entity, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "rows affected")
	}
	if n == 0 {
		return notFound(entity, id)
	}
	return nil
}

type scannable interface {
	Scan(dest ...any) error
}

func scanRun(row scannable) (*model.Run, error) {
	var r model.Run
	var mode, status, steps, reused string
	var runErr sql.NullString
	var started, completed sql.NullTime

	err := row.Scan(&r.ID, &r.CompanyID, &r.TargetCompanyID, &r.UserID, &mode, &status, &steps,
		&r.EstimatedTokens, &r.EstimatedCost, &r.ActualTokens, &r.ActualCost,
		&reused, &r.ReuseSnapshotID, &r.TargetSnapshotID, &r.RetryCount, &runErr,
		&r.CreatedAt, &started, &completed, &r.UpdatedAt)
	if err != nil {
		return nil, err
	}

	r.Mode = model.RunMode(mode)
	r.Status = model.RunStatus(status)
	r.StartedAt = timePtr(started)
	r.CompletedAt = timePtr(completed)
	if err := unmarshalJSON([]byte(steps), &r.Steps); err != nil {
		return nil, eris.Wrap(err, "unmarshal steps")
	}
	if err := unmarshalJSON([]byte(reused), &r.ReusedSteps); err != nil {
		return nil, eris.Wrap(err, "unmarshal reused steps")
	}
	if runErr.Valid && runErr.String != "" {
		r.Error = &model.RunError{}
		if err := unmarshalJSON([]byte(runErr.String), r.Error); err != nil {
			return nil, eris.Wrap(err, "unmarshal run error")
		}
	}
	return &r, nil
}

func scanCompany(row scannable) (*model.Company, error) {
	var c model.Company
	var meta sql.NullString
	if err := row.Scan(&c.ID, &c.Name, &c.URL, &c.Ticker, &c.Sector, &c.Country, &meta, &c.CreatedAt, &c.UpdatedAt); err != nil {
		return nil, err
	}
	if meta.Valid && meta.String != "null" {
		if err := unmarshalJSON([]byte(meta.String), &c.Metadata); err != nil {
			return nil, eris.Wrap(err, "unmarshal company metadata")
		}
	}
	return &c, nil
}

func scanSnapshot(row scannable) (*model.Snapshot, error) {
	var snap model.Snapshot
	var data string
	if err := row.Scan(&snap.ID, &snap.CompanyID, &snap.RunID, &data, &snap.CreatedAt); err != nil {
		return nil, err
	}
	if err := unmarshalJSON([]byte(data), &snap.Data); err != nil {
		return nil, eris.Wrap(err, "unmarshal snapshot data")
	}
	return &snap, nil
}

func scanDiff(row scannable) (*model.Diff, error) {
	var d model.Diff
	var data string
	if err := row.Scan(&d.ID, &d.FromSnapshotID, &d.ToSnapshotID, &data, &d.Timestamp); err != nil {
		return nil, err
	}
	if err := unmarshalJSON([]byte(data), &d.NBDiffs); err != nil {
		return nil, eris.Wrap(err, "unmarshal diff data")
	}
	return &d, nil
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}

func timePtr(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	t := nt.Time.UTC()
	return &t
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}

func nonNilMap(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}
