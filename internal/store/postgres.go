package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/fundsight/ingest-cli/internal/db"
	"github.com/fundsight/ingest-cli/internal/dedup"
	"github.com/fundsight/ingest-cli/internal/model"
)

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool    db.Pool
	raw     *dedup.RawCache
	closeFn func()
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

// preparedStatements lists queries to prepare on each new connection for
// faster execution of the most frequently used store operations.
var preparedStatements = map[string]string{
	"get_run":         `SELECT id, source_id, status, stages, error, metrics, created_at, updated_at, completed_at, total_processing_ms FROM runs WHERE id = $1`,
	"get_opportunity": `SELECT id, source_id, external_id, title, description, agency, url, status, award_floor, award_ceiling, total_funding, open_date, close_date, eligibility, regions, external_updated_at, created_at, updated_at FROM opportunities WHERE source_id = $1 AND external_id = $2`,
	"check_raw_cache": `SELECT source_id, fingerprint, payload, meta, first_seen_at, last_seen_at, call_count FROM raw_payload_cache WHERE source_id = $1 AND fingerprint = $2`,
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	// Apply pool sizing from config with sensible defaults.
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

	pgxCfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		for name, sql := range preparedStatements {
			if _, err := conn.Prepare(ctx, name, sql); err != nil {
				return eris.Wrapf(err, "postgres: prepare %s", name)
			}
		}
		return nil
	}

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool, raw: dedup.NewRawCache(pool), closeFn: pool.Close}, nil
}

// NewPostgresFromPool wraps an existing pool. Used by tests and by callers
// that manage pool lifecycle themselves.
func NewPostgresFromPool(pool db.Pool) *PostgresStore {
	return &PostgresStore{pool: pool, raw: dedup.NewRawCache(pool)}
}

// Pool returns the underlying database pool for subsystems that need direct
// query access.
func (s *PostgresStore) Pool() db.Pool {
	return s.pool
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS runs (
	id                  TEXT PRIMARY KEY,
	source_id           TEXT NOT NULL,
	status              TEXT NOT NULL DEFAULT 'started',
	stages              JSONB NOT NULL,
	error               JSONB,
	metrics             JSONB,
	created_at          TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at          TIMESTAMPTZ NOT NULL DEFAULT now(),
	completed_at        TIMESTAMPTZ,
	total_processing_ms BIGINT NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status);
CREATE INDEX IF NOT EXISTS idx_runs_source_id ON runs(source_id);
CREATE INDEX IF NOT EXISTS idx_runs_source_created ON runs(source_id, created_at DESC);

CREATE TABLE IF NOT EXISTS raw_payload_cache (
	source_id     TEXT NOT NULL,
	fingerprint   TEXT NOT NULL,
	payload       BYTEA NOT NULL,
	meta          JSONB,
	first_seen_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	last_seen_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
	call_count    INTEGER NOT NULL DEFAULT 1,
	PRIMARY KEY (source_id, fingerprint)
);

CREATE INDEX IF NOT EXISTS idx_raw_payload_cache_last_seen ON raw_payload_cache(last_seen_at);

CREATE TABLE IF NOT EXISTS opportunities (
	id                  TEXT PRIMARY KEY,
	source_id           TEXT NOT NULL,
	external_id         TEXT NOT NULL,
	title               TEXT NOT NULL,
	description         TEXT NOT NULL DEFAULT '',
	agency              TEXT NOT NULL DEFAULT '',
	url                 TEXT NOT NULL DEFAULT '',
	status              TEXT NOT NULL DEFAULT 'unknown',
	award_floor         DOUBLE PRECISION,
	award_ceiling       DOUBLE PRECISION,
	total_funding       DOUBLE PRECISION,
	open_date           TIMESTAMPTZ,
	close_date          TIMESTAMPTZ,
	eligibility         TEXT[],
	regions             TEXT[],
	external_updated_at TIMESTAMPTZ,
	created_at          TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at          TIMESTAMPTZ NOT NULL DEFAULT now(),
	UNIQUE (source_id, external_id)
);

CREATE INDEX IF NOT EXISTS idx_opportunities_status ON opportunities(status);
CREATE INDEX IF NOT EXISTS idx_opportunities_close_date ON opportunities(close_date);

CREATE TABLE IF NOT EXISTS opportunity_tags (
	opportunity_id TEXT NOT NULL REFERENCES opportunities(id),
	tag            TEXT NOT NULL,
	PRIMARY KEY (opportunity_id, tag)
);

CREATE INDEX IF NOT EXISTS idx_opportunity_tags_tag ON opportunity_tags(tag);
`

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

func (s *PostgresStore) CreateRun(ctx context.Context, r *model.Run) error {
	stagesJSON, errorJSON, metricsJSON, err := marshalRunFields(r)
	if err != nil {
		return err
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO runs (id, source_id, status, stages, error, metrics, created_at, updated_at, completed_at, total_processing_ms)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		r.ID, r.SourceID, string(r.Status), stagesJSON, errorJSON, metricsJSON,
		r.CreatedAt, r.UpdatedAt, r.CompletedAt, r.TotalMillis,
	)
	return eris.Wrapf(err, "postgres: insert run %s", r.ID)
}

func (s *PostgresStore) UpdateRun(ctx context.Context, r *model.Run) error {
	stagesJSON, errorJSON, metricsJSON, err := marshalRunFields(r)
	if err != nil {
		return err
	}

	tag, err := s.pool.Exec(ctx,
		`UPDATE runs SET status = $1, stages = $2, error = $3, metrics = $4, updated_at = $5, completed_at = $6, total_processing_ms = $7
		 WHERE id = $8`,
		string(r.Status), stagesJSON, errorJSON, metricsJSON,
		r.UpdatedAt, r.CompletedAt, r.TotalMillis, r.ID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: update run %s", r.ID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Errorf("run not found: %s", r.ID)
	}
	return nil
}

func (s *PostgresStore) GetRun(ctx context.Context, runID string) (*model.Run, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT id, source_id, status, stages, error, metrics, created_at, updated_at, completed_at, total_processing_ms
		 FROM runs WHERE id = $1`,
		runID,
	)
	r, err := scanRun(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, eris.Wrapf(err, "postgres: get run %s", runID)
	}
	return r, nil
}

func (s *PostgresStore) ListRuns(ctx context.Context, filter RunFilter) ([]model.Run, error) {
	query := `SELECT id, source_id, status, stages, error, metrics, created_at, updated_at, completed_at, total_processing_ms FROM runs WHERE true`
	args := []any{}
	argIdx := 1

	if filter.Status != "" {
		query += fmt.Sprintf(` AND status = $%d`, argIdx)
		args = append(args, string(filter.Status))
		argIdx++
	}
	if filter.SourceID != "" {
		query += fmt.Sprintf(` AND source_id = $%d`, argIdx)
		args = append(args, filter.SourceID)
		argIdx++
	}
	if !filter.CreatedAfter.IsZero() {
		query += fmt.Sprintf(` AND created_at > $%d`, argIdx)
		args = append(args, filter.CreatedAfter)
		argIdx++
	}
	query += ` ORDER BY created_at DESC`

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += fmt.Sprintf(` LIMIT $%d`, argIdx)
	args = append(args, limit)
	argIdx++

	if filter.Offset > 0 {
		query += fmt.Sprintf(` OFFSET $%d`, argIdx)
		args = append(args, filter.Offset)
		argIdx++
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list runs")
	}
	defer rows.Close()

	var runs []model.Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan run")
		}
		runs = append(runs, *r)
	}
	return runs, eris.Wrap(rows.Err(), "postgres: list runs iterate")
}

func (s *PostgresStore) GetOpportunity(ctx context.Context, sourceID, externalID string) (*model.Opportunity, error) {
	var op model.Opportunity
	err := s.pool.QueryRow(ctx,
		`SELECT id, source_id, external_id, title, description, agency, url, status,
		        award_floor, award_ceiling, total_funding, open_date, close_date,
		        eligibility, regions, external_updated_at, created_at, updated_at
		 FROM opportunities WHERE source_id = $1 AND external_id = $2`,
		sourceID, externalID,
	).Scan(&op.ID, &op.SourceID, &op.ExternalID, &op.Title, &op.Description,
		&op.Agency, &op.URL, &op.Status,
		&op.AwardFloor, &op.AwardCeiling, &op.TotalFunding,
		&op.OpenDate, &op.CloseDate,
		&op.Eligibility, &op.Regions, &op.ExternalUpdatedAt,
		&op.CreatedAt, &op.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, eris.Wrapf(err, "postgres: get opportunity %s/%s", sourceID, externalID)
	}

	tags, err := s.loadTags(ctx, op.ID)
	if err != nil {
		return nil, err
	}
	op.Tags = tags
	return &op, nil
}

func (s *PostgresStore) loadTags(ctx context.Context, opportunityID string) ([]string, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT tag FROM opportunity_tags WHERE opportunity_id = $1 ORDER BY tag`,
		opportunityID,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: load tags %s", opportunityID)
	}
	defer rows.Close()

	var tags []string
	for rows.Next() {
		var t string
		if err := rows.Scan(&t); err != nil {
			return nil, eris.Wrap(err, "postgres: scan tag")
		}
		tags = append(tags, t)
	}
	return tags, eris.Wrap(rows.Err(), "postgres: load tags iterate")
}

func (s *PostgresStore) InsertOpportunity(ctx context.Context, op *model.Opportunity) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO opportunities
		 (id, source_id, external_id, title, description, agency, url, status,
		  award_floor, award_ceiling, total_funding, open_date, close_date,
		  eligibility, regions, external_updated_at, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)`,
		op.ID, op.SourceID, op.ExternalID, op.Title, op.Description,
		op.Agency, op.URL, string(op.Status),
		op.AwardFloor, op.AwardCeiling, op.TotalFunding,
		op.OpenDate, op.CloseDate,
		op.Eligibility, op.Regions, op.ExternalUpdatedAt,
		op.CreatedAt, op.UpdatedAt,
	)
	return eris.Wrapf(err, "postgres: insert opportunity %s", op.ID)
}

// UpdateOpportunity applies a column patch produced by the merge layer.
// Patch keys are column names; ordering is fixed so the generated SQL is
// deterministic.
func (s *PostgresStore) UpdateOpportunity(ctx context.Context, id string, patch map[string]any, updatedAt time.Time) error {
	if len(patch) == 0 {
		return nil
	}

	cols := make([]string, 0, len(patch))
	for col := range patch {
		cols = append(cols, col)
	}
	sort.Strings(cols)

	setClauses := make([]string, 0, len(cols)+1)
	args := make([]any, 0, len(cols)+2)
	argIdx := 1
	for _, col := range cols {
		setClauses = append(setClauses, fmt.Sprintf("%s = $%d", pgx.Identifier{col}.Sanitize(), argIdx))
		args = append(args, patch[col])
		argIdx++
	}
	setClauses = append(setClauses, fmt.Sprintf("updated_at = $%d", argIdx))
	args = append(args, updatedAt)
	argIdx++
	args = append(args, id)

	query := fmt.Sprintf("UPDATE opportunities SET %s WHERE id = $%d",
		strings.Join(setClauses, ", "), argIdx)

	tag, err := s.pool.Exec(ctx, query, args...)
	if err != nil {
		return eris.Wrapf(err, "postgres: update opportunity %s", id)
	}
	if tag.RowsAffected() == 0 {
		return eris.Errorf("opportunity not found: %s", id)
	}
	return nil
}

// ReplaceTags swaps the tag set for an opportunity. Insertion goes through
// the bulk upsert path so large tag sets stay cheap.
func (s *PostgresStore) ReplaceTags(ctx context.Context, opportunityID string, tags []string) error {
	_, err := s.pool.Exec(ctx,
		`DELETE FROM opportunity_tags WHERE opportunity_id = $1`,
		opportunityID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: clear tags %s", opportunityID)
	}
	if len(tags) == 0 {
		return nil
	}

	rows := make([][]any, 0, len(tags))
	for _, t := range tags {
		rows = append(rows, []any{opportunityID, t})
	}
	_, err = db.BulkUpsert(ctx, s.pool, db.UpsertConfig{
		Table:        "opportunity_tags",
		Columns:      []string{"opportunity_id", "tag"},
		ConflictKeys: []string{"opportunity_id", "tag"},
	}, rows)
	return eris.Wrapf(err, "postgres: replace tags %s", opportunityID)
}

func (s *PostgresStore) GetRawCacheEntry(ctx context.Context, sourceID, fingerprint string) (*model.RawCacheEntry, error) {
	return s.raw.Check(ctx, sourceID, fingerprint)
}

func (s *PostgresStore) RecordRawPayload(ctx context.Context, sourceID string, payload []byte, fingerprint string, meta map[string]any) error {
	return s.raw.Record(ctx, sourceID, payload, fingerprint, meta)
}

func (s *PostgresStore) RawCacheStats(ctx context.Context, sourceID string) (int, int64, error) {
	return s.raw.Stats(ctx, sourceID)
}

// marshalRunFields serializes the JSONB columns of a run row. The error and
// metrics columns stay NULL when unset.
func marshalRunFields(r *model.Run) (stages, errJSON, metrics []byte, err error) {
	stages, err = json.Marshal(r.Stages)
	if err != nil {
		return nil, nil, nil, eris.Wrap(err, "postgres: marshal stages")
	}
	if r.Error != nil {
		errJSON, err = json.Marshal(r.Error)
		if err != nil {
			return nil, nil, nil, eris.Wrap(err, "postgres: marshal run error")
		}
	}
	if len(r.Metrics) > 0 {
		metrics, err = json.Marshal(r.Metrics)
		if err != nil {
			return nil, nil, nil, eris.Wrap(err, "postgres: marshal metrics")
		}
	}
	return stages, errJSON, metrics, nil
}

type scannable interface {
	Scan(dest ...any) error
}

func scanRun(row scannable) (*model.Run, error) {
	var r model.Run
	var stagesJSON []byte
	var errorJSON, metricsJSON []byte

	err := row.Scan(&r.ID, &r.SourceID, &r.Status, &stagesJSON, &errorJSON, &metricsJSON,
		&r.CreatedAt, &r.UpdatedAt, &r.CompletedAt, &r.TotalMillis)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal(stagesJSON, &r.Stages); err != nil {
		return nil, eris.Wrap(err, "unmarshal stages")
	}
	if errorJSON != nil {
		r.Error = &model.RunError{}
		if err := json.Unmarshal(errorJSON, r.Error); err != nil {
			return nil, eris.Wrap(err, "unmarshal run error")
		}
	}
	if metricsJSON != nil {
		if err := json.Unmarshal(metricsJSON, &r.Metrics); err != nil {
			return nil, eris.Wrap(err, "unmarshal metrics")
		}
	}
	return &r, nil
}
