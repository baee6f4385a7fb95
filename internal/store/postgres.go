package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/sells-group/nb-research/internal/db"
	"github.com/sells-group/nb-research/internal/model"
)

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool    db.Pool
	closeFn func()
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns := int32(10)
	minConns := int32(2)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool, closeFn: pool.Close}, nil
}

// Pool returns the underlying database pool.
func (s *PostgresStore) Pool() db.Pool {
	return s.pool
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS companies (
	id         TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	name       TEXT NOT NULL,
	url        TEXT NOT NULL DEFAULT '',
	ticker     TEXT NOT NULL DEFAULT '',
	sector     TEXT NOT NULL DEFAULT '',
	country    TEXT NOT NULL DEFAULT '',
	metadata   JSONB,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS sources (
	id           TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	company_id   TEXT NOT NULL REFERENCES companies(id),
	title        TEXT NOT NULL,
	url          TEXT NOT NULL DEFAULT '',
	kind         TEXT NOT NULL DEFAULT '',
	content      TEXT NOT NULL DEFAULT '',
	published_at TIMESTAMPTZ,
	created_at   TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS runs (
	id                 TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	company_id         TEXT NOT NULL,
	target_company_id  TEXT NOT NULL DEFAULT '',
	user_id            TEXT NOT NULL DEFAULT '',
	mode               TEXT NOT NULL DEFAULT 'full',
	status             TEXT NOT NULL DEFAULT 'queued',
	steps              JSONB NOT NULL DEFAULT '[]',
	estimated_tokens   INTEGER NOT NULL DEFAULT 0,
	estimated_cost     DOUBLE PRECISION NOT NULL DEFAULT 0,
	actual_tokens      INTEGER NOT NULL DEFAULT 0,
	actual_cost        DOUBLE PRECISION NOT NULL DEFAULT 0,
	reused_steps       JSONB NOT NULL DEFAULT '[]',
	reuse_snapshot_id  TEXT NOT NULL DEFAULT '',
	target_snapshot_id TEXT NOT NULL DEFAULT '',
	retry_count        INTEGER NOT NULL DEFAULT 0,
	error              JSONB,
	created_at         TIMESTAMPTZ NOT NULL DEFAULT now(),
	started_at         TIMESTAMPTZ,
	completed_at       TIMESTAMPTZ,
	updated_at         TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS nb_results (
	id          TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	run_id      TEXT NOT NULL REFERENCES runs(id),
	subject     TEXT NOT NULL DEFAULT 'customer',
	nb_code     TEXT NOT NULL,
	payload     JSONB NOT NULL DEFAULT '{}',
	citations   JSONB NOT NULL DEFAULT '[]',
	status      TEXT NOT NULL DEFAULT 'pending',
	tokens_used INTEGER NOT NULL DEFAULT 0,
	duration_ms BIGINT NOT NULL DEFAULT 0,
	cost        DOUBLE PRECISION NOT NULL DEFAULT 0,
	reused      BOOLEAN NOT NULL DEFAULT false,
	error       TEXT NOT NULL DEFAULT '',
	created_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
	UNIQUE (run_id, subject, nb_code)
);

CREATE TABLE IF NOT EXISTS snapshots (
	id         TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	company_id TEXT NOT NULL,
	run_id     TEXT NOT NULL REFERENCES runs(id),
	data       JSONB NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS diffs (
	id               TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	from_snapshot_id TEXT NOT NULL REFERENCES snapshots(id),
	to_snapshot_id   TEXT NOT NULL REFERENCES snapshots(id),
	data             JSONB NOT NULL,
	created_at       TIMESTAMPTZ NOT NULL DEFAULT now(),
	UNIQUE (from_snapshot_id, to_snapshot_id)
);

CREATE TABLE IF NOT EXISTS telemetry (
	id         TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	run_id     TEXT,
	metric_key TEXT NOT NULL,
	value      DOUBLE PRECISION NOT NULL DEFAULT 0,
	payload    JSONB,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status);
CREATE INDEX IF NOT EXISTS idx_runs_company ON runs(company_id);
CREATE INDEX IF NOT EXISTS idx_sources_company ON sources(company_id);
CREATE INDEX IF NOT EXISTS idx_nb_results_run ON nb_results(run_id);
CREATE INDEX IF NOT EXISTS idx_snapshots_company_created ON snapshots(company_id, created_at DESC);
CREATE INDEX IF NOT EXISTS idx_telemetry_run ON telemetry(run_id);
CREATE INDEX IF NOT EXISTS idx_telemetry_metric ON telemetry(metric_key);
`

var (
	upsertCompanySQL = db.MustUpsertSQL(db.UpsertConfig{
		Table:        "companies",
		Columns:      []string{"id", "name", "url", "ticker", "sector", "country", "metadata", "created_at", "updated_at"},
		ConflictKeys: []string{"id"},
		UpdateCols:   []string{"name", "url", "ticker", "sector", "country", "metadata", "updated_at"},
	})
	upsertNBResultSQL = db.MustUpsertSQL(db.UpsertConfig{
		Table: "nb_results",
		Columns: []string{"id", "run_id", "subject", "nb_code", "payload", "citations", "status",
			"tokens_used", "duration_ms", "cost", "reused", "error", "created_at", "updated_at"},
		ConflictKeys: []string{"run_id", "subject", "nb_code"},
		UpdateCols: []string{"payload", "citations", "status", "tokens_used", "duration_ms",
			"cost", "reused", "error", "updated_at"},
	})
	insertDiffSQL = db.MustUpsertSQL(db.UpsertConfig{
		Table:        "diffs",
		Columns:      []string{"id", "from_snapshot_id", "to_snapshot_id", "data", "created_at"},
		ConflictKeys: []string{"from_snapshot_id", "to_snapshot_id"},
		DoNothing:    true,
	})
)

var telemetryColumns = []string{"id", "run_id", "metric_key", "value", "payload", "created_at"}

func (s *PostgresStore) Ping(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, "SELECT 1")
	return eris.Wrap(err, "postgres: ping")
}

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

// --- runs ---

func (s *PostgresStore) CreateRun(ctx context.Context, run *model.Run) error {
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
		return eris.Wrap(err, "postgres: marshal steps")
	}
	reused, err := marshalJSON(nonNil(run.ReusedSteps))
	if err != nil {
		return eris.Wrap(err, "postgres: marshal reused steps")
	}
	runErr, err := marshalRunError(run.Error)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal run error")
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO runs (`+runColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20)`,
		run.ID, run.CompanyID, run.TargetCompanyID, run.UserID, string(run.Mode), string(run.Status), steps,
		run.EstimatedTokens, run.EstimatedCost, run.ActualTokens, run.ActualCost,
		reused, run.ReuseSnapshotID, run.TargetSnapshotID, run.RetryCount, runErr,
		run.CreatedAt.UTC(), run.StartedAt, run.CompletedAt, run.UpdatedAt,
	)
	return eris.Wrap(err, "postgres: insert run")
}

func (s *PostgresStore) GetRun(ctx context.Context, runID string) (*model.Run, error) {
	r, err := scanPgRun(s.pool.QueryRow(ctx, `SELECT `+runColumns+` FROM runs WHERE id = $1`, runID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, notFound("run", runID)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get run %s", runID)
	}
	return r, nil
}

func (s *PostgresStore) ListRuns(ctx context.Context, filter RunFilter) ([]model.Run, error) {
	query := `SELECT ` + runColumns + ` FROM runs WHERE true`
	args := []any{}

	if len(filter.Status) > 0 {
		query += ` AND status IN (` + placeholders(pgPH, len(args)+1, len(filter.Status)) + `)`
		args = append(args, statusStrings(filter.Status)...)
	}
	if filter.CompanyID != "" {
		args = append(args, filter.CompanyID)
		query += ` AND company_id = ` + pgPH(len(args))
	}
	query += ` ORDER BY created_at DESC, id DESC`

	limit := filter.Limit
	if limit == 0 {
		limit = 100
	}
	if limit > 0 {
		args = append(args, limit)
		query += ` LIMIT ` + pgPH(len(args))
	}
	if filter.Offset > 0 {
		args = append(args, filter.Offset)
		query += ` OFFSET ` + pgPH(len(args))
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list runs")
	}
	defer rows.Close()

	var runs []model.Run
	for rows.Next() {
		r, err := scanPgRun(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan run")
		}
		runs = append(runs, *r)
	}
	return runs, eris.Wrap(rows.Err(), "postgres: list runs iterate")
}

func (s *PostgresStore) CountRuns(ctx context.Context) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM runs`).Scan(&n)
	return n, eris.Wrap(err, "postgres: count runs")
}

func (s *PostgresStore) CountRunsByStatus(ctx context.Context) (map[model.RunStatus]int, error) {
	rows, err := s.pool.Query(ctx, `SELECT status, COUNT(*) FROM runs GROUP BY status`)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: count runs by status")
	}
	defer rows.Close()

	counts := make(map[model.RunStatus]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, eris.Wrap(err, "postgres: scan status count")
		}
		counts[model.RunStatus(status)] = n
	}
	return counts, eris.Wrap(rows.Err(), "postgres: count runs iterate")
}

func (s *PostgresStore) UpdateRunStatus(ctx context.Context, runID string, status model.RunStatus, upd *model.RunUpdate) error {
	sets, err := runUpdateClauses(status, upd, nowUTC())
	if err != nil {
		return eris.Wrap(err, "postgres: run update")
	}
	query, args := buildUpdate("runs", sets, pgPH)
	args = append(args, runID)
	tag, err := s.pool.Exec(ctx, query+`id = `+pgPH(len(args)), args...)
	if err != nil {
		return eris.Wrapf(err, "postgres: update run status %s", runID)
	}
	if tag.RowsAffected() == 0 {
		return notFound("run", runID)
	}
	return nil
}

func (s *PostgresStore) TransitionRun(ctx context.Context, runID string, from []model.RunStatus, to model.RunStatus, upd *model.RunUpdate) (bool, error) {
	if len(from) == 0 {
		return false, eris.New("postgres: transition run: no source states")
	}
	sets, err := runUpdateClauses(to, upd, nowUTC())
	if err != nil {
		return false, eris.Wrap(err, "postgres: run update")
	}
	query, args := buildUpdate("runs", sets, pgPH)
	args = append(args, runID)
	query += `id = ` + pgPH(len(args)) + ` AND status IN (` + placeholders(pgPH, len(args)+1, len(from)) + `)`
	args = append(args, statusStrings(from)...)

	tag, err := s.pool.Exec(ctx, query, args...)
	if err != nil {
		return false, eris.Wrapf(err, "postgres: transition run %s", runID)
	}
	return tag.RowsAffected() > 0, nil
}

func (s *PostgresStore) SetRunUsage(ctx context.Context, runID string, tokens int, cost float64) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE runs SET actual_tokens = $1, actual_cost = $2, updated_at = $3 WHERE id = $4`,
		tokens, cost, nowUTC(), runID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: set run usage %s", runID)
	}
	if tag.RowsAffected() == 0 {
		return notFound("run", runID)
	}
	return nil
}

func (s *PostgresStore) IncrementRetry(ctx context.Context, runID string) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx,
		`UPDATE runs SET retry_count = retry_count + 1, updated_at = $1 WHERE id = $2 RETURNING retry_count`,
		nowUTC(), runID,
	).Scan(&n)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, notFound("run", runID)
	}
	return n, eris.Wrapf(err, "postgres: increment retry %s", runID)
}

func (s *PostgresStore) ArchiveRun(ctx context.Context, runID string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return eris.Wrap(err, "postgres: archive begin")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if _, err := tx.Exec(ctx, `DELETE FROM nb_results WHERE run_id = $1`, runID); err != nil {
		return eris.Wrapf(err, "postgres: archive delete nb results %s", runID)
	}
	if _, err := tx.Exec(ctx, `DELETE FROM telemetry WHERE run_id = $1`, runID); err != nil {
		return eris.Wrapf(err, "postgres: archive delete telemetry %s", runID)
	}
	tag, err := tx.Exec(ctx,
		`UPDATE runs SET status = $1, updated_at = $2 WHERE id = $3`,
		string(model.RunStatusArchived), nowUTC(), runID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: archive run %s", runID)
	}
	if tag.RowsAffected() == 0 {
		return notFound("run", runID)
	}
	return eris.Wrap(tx.Commit(ctx), "postgres: archive commit")
}

// --- companies and sources ---

func (s *PostgresStore) UpsertCompany(ctx context.Context, c *model.Company) error {
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
		return eris.Wrap(err, "postgres: marshal company metadata")
	}
	_, err = s.pool.Exec(ctx, upsertCompanySQL,
		c.ID, c.Name, c.URL, c.Ticker, c.Sector, c.Country, meta, c.CreatedAt.UTC(), now,
	)
	return eris.Wrapf(err, "postgres: upsert company %s", c.ID)
}

func (s *PostgresStore) GetCompany(ctx context.Context, companyID string) (*model.Company, error) {
	var c model.Company
	var meta []byte
	err := s.pool.QueryRow(ctx,
		`SELECT id, name, url, ticker, sector, country, metadata, created_at, updated_at FROM companies WHERE id = $1`,
		companyID,
	).Scan(&c.ID, &c.Name, &c.URL, &c.Ticker, &c.Sector, &c.Country, &meta, &c.CreatedAt, &c.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, notFound("company", companyID)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get company %s", companyID)
	}
	if err := unmarshalJSON(meta, &c.Metadata); err != nil {
		return nil, eris.Wrap(err, "postgres: unmarshal company metadata")
	}
	return &c, nil
}

func (s *PostgresStore) ListCompanies(ctx context.Context) ([]model.Company, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, name, url, ticker, sector, country, metadata, created_at, updated_at FROM companies ORDER BY name`)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list companies")
	}
	defer rows.Close()

	var out []model.Company
	for rows.Next() {
		var c model.Company
		var meta []byte
		if err := rows.Scan(&c.ID, &c.Name, &c.URL, &c.Ticker, &c.Sector, &c.Country, &meta, &c.CreatedAt, &c.UpdatedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan company")
		}
		if err := unmarshalJSON(meta, &c.Metadata); err != nil {
			return nil, eris.Wrap(err, "postgres: unmarshal company metadata")
		}
		out = append(out, c)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list companies iterate")
}

func (s *PostgresStore) AddSource(ctx context.Context, src *model.Source) error {
	if src.ID == "" {
		src.ID = uuid.New().String()
	}
	if src.CreatedAt.IsZero() {
		src.CreatedAt = nowUTC()
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO sources (id, company_id, title, url, kind, content, published_at, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		src.ID, src.CompanyID, src.Title, src.URL, src.Kind, src.Content, src.PublishedAt, src.CreatedAt.UTC(),
	)
	return eris.Wrapf(err, "postgres: insert source for company %s", src.CompanyID)
}

func (s *PostgresStore) ListSources(ctx context.Context, companyID string) ([]model.Source, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, company_id, title, url, kind, content, published_at, created_at
		 FROM sources WHERE company_id = $1 ORDER BY created_at, id`,
		companyID,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list sources")
	}
	defer rows.Close()

	var out []model.Source
	for rows.Next() {
		var src model.Source
		if err := rows.Scan(&src.ID, &src.CompanyID, &src.Title, &src.URL, &src.Kind, &src.Content, &src.PublishedAt, &src.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan source")
		}
		out = append(out, src)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list sources iterate")
}

// --- nb results ---

func (s *PostgresStore) SaveNBResult(ctx context.Context, r *model.NBResult) error {
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
		return eris.Wrap(err, "postgres: marshal payload")
	}
	citations, err := marshalJSON(nonNil(r.Citations))
	if err != nil {
		return eris.Wrap(err, "postgres: marshal citations")
	}

	_, err = s.pool.Exec(ctx, upsertNBResultSQL,
		r.ID, r.RunID, string(r.Subject), r.StepCode, payload, citations, string(r.Status),
		r.TokensUsed, r.DurationMs, r.Cost, r.Reused, r.Error, r.CreatedAt.UTC(), now,
	)
	return eris.Wrapf(err, "postgres: save nb result %s/%s", r.RunID, r.StepCode)
}

func (s *PostgresStore) ListNBResults(ctx context.Context, runID string) ([]model.NBResult, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, run_id, subject, nb_code, payload, citations, status, tokens_used, duration_ms, cost, reused, error, created_at, updated_at
		 FROM nb_results WHERE run_id = $1 ORDER BY created_at, id`,
		runID,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list nb results")
	}
	defer rows.Close()

	var out []model.NBResult
	for rows.Next() {
		var r model.NBResult
		var subject, status string
		var payload, citations []byte
		if err := rows.Scan(&r.ID, &r.RunID, &subject, &r.StepCode, &payload, &citations, &status,
			&r.TokensUsed, &r.DurationMs, &r.Cost, &r.Reused, &r.Error, &r.CreatedAt, &r.UpdatedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan nb result")
		}
		r.Subject = model.Subject(subject)
		r.Status = model.NBStatus(status)
		if err := unmarshalJSON(payload, &r.Payload); err != nil {
			return nil, eris.Wrap(err, "postgres: unmarshal payload")
		}
		if err := unmarshalJSON(citations, &r.Citations); err != nil {
			return nil, eris.Wrap(err, "postgres: unmarshal citations")
		}
		out = append(out, r)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list nb results iterate")
}

// --- snapshots ---

func (s *PostgresStore) CreateSnapshot(ctx context.Context, snap *model.Snapshot) error {
	if snap.ID == "" {
		snap.ID = uuid.New().String()
	}
	if snap.CreatedAt.IsZero() {
		snap.CreatedAt = nowUTC()
	}
	data, err := marshalJSON(snap.Data)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal snapshot")
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO snapshots (id, company_id, run_id, data, created_at) VALUES ($1, $2, $3, $4, $5)`,
		snap.ID, snap.CompanyID, snap.RunID, data, snap.CreatedAt.UTC(),
	)
	return eris.Wrapf(err, "postgres: insert snapshot for run %s", snap.RunID)
}

func (s *PostgresStore) GetSnapshot(ctx context.Context, snapshotID string) (*model.Snapshot, error) {
	snap, err := scanPgSnapshot(s.pool.QueryRow(ctx,
		`SELECT id, company_id, run_id, data, created_at FROM snapshots WHERE id = $1`, snapshotID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, notFound("snapshot", snapshotID)
	}
	return snap, eris.Wrapf(err, "postgres: get snapshot %s", snapshotID)
}

func (s *PostgresStore) ListSnapshots(ctx context.Context, companyID string, limit int) ([]model.Snapshot, error) {
	query := `SELECT id, company_id, run_id, data, created_at FROM snapshots
		 WHERE company_id = $1 ORDER BY created_at DESC, id DESC`
	args := []any{companyID}
	if limit > 0 {
		query += ` LIMIT $2`
		args = append(args, limit)
	}
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list snapshots")
	}
	defer rows.Close()

	var out []model.Snapshot
	for rows.Next() {
		snap, err := scanPgSnapshot(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan snapshot")
		}
		out = append(out, *snap)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list snapshots iterate")
}

func (s *PostgresStore) LatestCompletedSnapshot(ctx context.Context, companyID string) (*model.Snapshot, error) {
	snap, err := scanPgSnapshot(s.pool.QueryRow(ctx,
		`SELECT s.id, s.company_id, s.run_id, s.data, s.created_at
		 FROM snapshots s JOIN runs r ON r.id = s.run_id
		 WHERE s.company_id = $1 AND r.status IN ($2, $3)
		 ORDER BY s.created_at DESC, s.id DESC LIMIT 1`,
		companyID, string(model.RunStatusCompleted), string(model.RunStatusArchived),
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return snap, eris.Wrap(err, "postgres: latest completed snapshot")
}

// --- diffs ---

func (s *PostgresStore) GetDiff(ctx context.Context, fromID, toID string) (*model.Diff, error) {
	var d model.Diff
	var data []byte
	err := s.pool.QueryRow(ctx,
		`SELECT id, from_snapshot_id, to_snapshot_id, data, created_at FROM diffs
		 WHERE from_snapshot_id = $1 AND to_snapshot_id = $2`,
		fromID, toID,
	).Scan(&d.ID, &d.FromSnapshotID, &d.ToSnapshotID, &data, &d.Timestamp)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "postgres: get diff")
	}
	if err := unmarshalJSON(data, &d.NBDiffs); err != nil {
		return nil, eris.Wrap(err, "postgres: unmarshal diff")
	}
	return &d, nil
}

func (s *PostgresStore) CreateDiff(ctx context.Context, d *model.Diff) (*model.Diff, error) {
	if d.ID == "" {
		d.ID = uuid.New().String()
	}
	if d.Timestamp.IsZero() {
		d.Timestamp = nowUTC()
	}
	data, err := marshalJSON(nonNil(d.NBDiffs))
	if err != nil {
		return nil, eris.Wrap(err, "postgres: marshal diff")
	}
	if _, err := s.pool.Exec(ctx, insertDiffSQL,
		d.ID, d.FromSnapshotID, d.ToSnapshotID, data, d.Timestamp.UTC()); err != nil {
		return nil, eris.Wrap(err, "postgres: insert diff")
	}
	stored, err := s.GetDiff(ctx, d.FromSnapshotID, d.ToSnapshotID)
	if err != nil {
		return nil, err
	}
	if stored == nil {
		return nil, eris.Errorf("postgres: diff %s -> %s vanished after insert", d.FromSnapshotID, d.ToSnapshotID)
	}
	return stored, nil
}

func (s *PostgresStore) CountDiffs(ctx context.Context) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM diffs`).Scan(&n)
	return n, eris.Wrap(err, "postgres: count diffs")
}

// --- telemetry ---

func (s *PostgresStore) InsertTelemetry(ctx context.Context, e *model.TelemetryEntry) error {
	args, err := telemetryArgs(e)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal telemetry payload")
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO telemetry (id, run_id, metric_key, value, payload, created_at) VALUES ($1, $2, $3, $4, $5, $6)`,
		args...,
	)
	return eris.Wrapf(err, "postgres: insert telemetry %s", e.MetricKey)
}

// InsertTelemetryBatch COPYs the entries inside a transaction so a failed
// batch leaves no rows behind.
func (s *PostgresStore) InsertTelemetryBatch(ctx context.Context, entries []model.TelemetryEntry) error {
	if len(entries) == 0 {
		return nil
	}
	rows := make([][]any, len(entries))
	for i := range entries {
		args, err := telemetryArgs(&entries[i])
		if err != nil {
			return eris.Wrap(err, "postgres: marshal telemetry payload")
		}
		rows[i] = args
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return eris.Wrap(err, "postgres: telemetry batch begin")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if _, err := db.CopyFrom(ctx, tx, "telemetry", telemetryColumns, rows); err != nil {
		return eris.Wrap(err, "postgres: telemetry batch")
	}
	return eris.Wrap(tx.Commit(ctx), "postgres: telemetry batch commit")
}

func (s *PostgresStore) ListTelemetry(ctx context.Context, runID string) ([]model.TelemetryEntry, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, run_id, metric_key, value, payload, created_at FROM telemetry
		 WHERE run_id = $1 ORDER BY created_at, id`,
		runID,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list telemetry")
	}
	defer rows.Close()

	var out []model.TelemetryEntry
	for rows.Next() {
		var e model.TelemetryEntry
		var run *string
		var payload []byte
		if err := rows.Scan(&e.ID, &run, &e.MetricKey, &e.Value, &payload, &e.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan telemetry")
		}
		if run != nil {
			e.RunID = *run
		}
		if err := unmarshalJSON(payload, &e.Payload); err != nil {
			return nil, eris.Wrap(err, "postgres: unmarshal telemetry payload")
		}
		out = append(out, e)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list telemetry iterate")
}

func (s *PostgresStore) CountTelemetry(ctx context.Context) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM telemetry`).Scan(&n)
	return n, eris.Wrap(err, "postgres: count telemetry")
}

func scanPgRun(row pgx.Row) (*model.Run, error) {
	var r model.Run
	var mode, status string
	var steps, reused, runErr []byte

	err := row.Scan(&r.ID, &r.CompanyID, &r.TargetCompanyID, &r.UserID, &mode, &status, &steps,
		&r.EstimatedTokens, &r.EstimatedCost, &r.ActualTokens, &r.ActualCost,
		&reused, &r.ReuseSnapshotID, &r.TargetSnapshotID, &r.RetryCount, &runErr,
		&r.CreatedAt, &r.StartedAt, &r.CompletedAt, &r.UpdatedAt)
	if err != nil {
		return nil, err
	}

	r.Mode = model.RunMode(mode)
	r.Status = model.RunStatus(status)
	if err := unmarshalJSON(steps, &r.Steps); err != nil {
		return nil, eris.Wrap(err, "unmarshal steps")
	}
	if err := unmarshalJSON(reused, &r.ReusedSteps); err != nil {
		return nil, eris.Wrap(err, "unmarshal reused steps")
	}
	if len(runErr) > 0 {
		r.Error = &model.RunError{}
		if err := unmarshalJSON(runErr, r.Error); err != nil {
			return nil, eris.Wrap(err, "unmarshal run error")
		}
	}
	return &r, nil
}

func scanPgSnapshot(row pgx.Row) (*model.Snapshot, error) {
	var snap model.Snapshot
	var data []byte
	if err := row.Scan(&snap.ID, &snap.CompanyID, &snap.RunID, &data, &snap.CreatedAt); err != nil {
		return nil, err
	}
	if err := unmarshalJSON(data, &snap.Data); err != nil {
		return nil, eris.Wrap(err, "unmarshal snapshot data")
	}
	return &snap, nil
}
