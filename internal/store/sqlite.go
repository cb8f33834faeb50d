package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/fundsight/ingest-cli/internal/model"
)

// SQLiteStore implements Store using modernc.org/sqlite. It backs local
// single-machine ingestion where a Postgres instance is not available.
type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
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
	return &SQLiteStore{db: db, now: time.Now}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS runs (
	id                  TEXT PRIMARY KEY,
	source_id           TEXT NOT NULL,
	status              TEXT NOT NULL DEFAULT 'started',
	stages              TEXT NOT NULL,
	error               TEXT,
	metrics             TEXT,
	created_at          DATETIME NOT NULL,
	updated_at          DATETIME NOT NULL,
	completed_at        DATETIME,
	total_processing_ms INTEGER NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status);
CREATE INDEX IF NOT EXISTS idx_runs_source_id ON runs(source_id);

CREATE TABLE IF NOT EXISTS raw_payload_cache (
	source_id     TEXT NOT NULL,
	fingerprint   TEXT NOT NULL,
	payload       BLOB NOT NULL,
	meta          TEXT,
	first_seen_at DATETIME NOT NULL,
	last_seen_at  DATETIME NOT NULL,
	call_count    INTEGER NOT NULL DEFAULT 1,
	PRIMARY KEY (source_id, fingerprint)
);

CREATE TABLE IF NOT EXISTS opportunities (
	id                  TEXT PRIMARY KEY,
	source_id           TEXT NOT NULL,
	external_id         TEXT NOT NULL,
	title               TEXT NOT NULL,
	description         TEXT NOT NULL DEFAULT '',
	agency              TEXT NOT NULL DEFAULT '',
	url                 TEXT NOT NULL DEFAULT '',
	status              TEXT NOT NULL DEFAULT 'unknown',
	award_floor         REAL,
	award_ceiling       REAL,
	total_funding       REAL,
	open_date           DATETIME,
	close_date          DATETIME,
	eligibility         TEXT,
	regions             TEXT,
	external_updated_at DATETIME,
	created_at          DATETIME NOT NULL,
	updated_at          DATETIME NOT NULL,
	UNIQUE (source_id, external_id)
);

CREATE INDEX IF NOT EXISTS idx_opportunities_status ON opportunities(status);

CREATE TABLE IF NOT EXISTS opportunity_tags (
	opportunity_id TEXT NOT NULL REFERENCES opportunities(id),
	tag            TEXT NOT NULL,
	PRIMARY KEY (opportunity_id, tag)
);
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) CreateRun(ctx context.Context, r *model.Run) error {
	stagesJSON, errorJSON, metricsJSON, err := marshalRunFields(r)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO runs (id, source_id, status, stages, error, metrics, created_at, updated_at, completed_at, total_processing_ms)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.SourceID, string(r.Status), string(stagesJSON), nullString(errorJSON), nullString(metricsJSON),
		r.CreatedAt, r.UpdatedAt, r.CompletedAt, r.TotalMillis,
	)
	return eris.Wrapf(err, "sqlite: insert run %s", r.ID)
}

func (s *SQLiteStore) UpdateRun(ctx context.Context, r *model.Run) error {
	stagesJSON, errorJSON, metricsJSON, err := marshalRunFields(r)
	if err != nil {
		return err
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE runs SET status = ?, stages = ?, error = ?, metrics = ?, updated_at = ?, completed_at = ?, total_processing_ms = ?
		 WHERE id = ?`,
		string(r.Status), string(stagesJSON), nullString(errorJSON), nullString(metricsJSON),
		r.UpdatedAt, r.CompletedAt, r.TotalMillis, r.ID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: update run %s", r.ID)
	}
	return checkRowsAffected(res, "run", r.ID)
}

func (s *SQLiteStore) GetRun(ctx context.Context, runID string) (*model.Run, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, source_id, status, stages, error, metrics, created_at, updated_at, completed_at, total_processing_ms
		 FROM runs WHERE id = ?`,
		runID,
	)
	r, err := scanRun(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, eris.Wrapf(err, "sqlite: get run %s", runID)
	}
	return r, nil
}

func (s *SQLiteStore) ListRuns(ctx context.Context, filter RunFilter) ([]model.Run, error) {
	query := `SELECT id, source_id, status, stages, error, metrics, created_at, updated_at, completed_at, total_processing_ms FROM runs WHERE 1=1`
	var args []any

	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	if filter.SourceID != "" {
		query += ` AND source_id = ?`
		args = append(args, filter.SourceID)
	}
	if !filter.CreatedAfter.IsZero() {
		query += ` AND created_at > ?`
		args = append(args, filter.CreatedAfter.UTC())
	}
	query += ` ORDER BY created_at DESC`

	limit := filter.Limit
	if limit <= 0 {
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

func (s *SQLiteStore) GetOpportunity(ctx context.Context, sourceID, externalID string) (*model.Opportunity, error) {
	var op model.Opportunity
	var eligibilityJSON, regionsJSON sql.NullString

	err := s.db.QueryRowContext(ctx,
		`SELECT id, source_id, external_id, title, description, agency, url, status,
		        award_floor, award_ceiling, total_funding, open_date, close_date,
		        eligibility, regions, external_updated_at, created_at, updated_at
		 FROM opportunities WHERE source_id = ? AND external_id = ?`,
		sourceID, externalID,
	).Scan(&op.ID, &op.SourceID, &op.ExternalID, &op.Title, &op.Description,
		&op.Agency, &op.URL, &op.Status,
		&op.AwardFloor, &op.AwardCeiling, &op.TotalFunding,
		&op.OpenDate, &op.CloseDate,
		&eligibilityJSON, &regionsJSON, &op.ExternalUpdatedAt,
		&op.CreatedAt, &op.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, eris.Wrapf(err, "sqlite: get opportunity %s/%s", sourceID, externalID)
	}

	if eligibilityJSON.Valid {
		if err := json.Unmarshal([]byte(eligibilityJSON.String), &op.Eligibility); err != nil {
			return nil, eris.Wrap(err, "sqlite: unmarshal eligibility")
		}
	}
	if regionsJSON.Valid {
		if err := json.Unmarshal([]byte(regionsJSON.String), &op.Regions); err != nil {
			return nil, eris.Wrap(err, "sqlite: unmarshal regions")
		}
	}

	tags, err := s.loadTags(ctx, op.ID)
	if err != nil {
		return nil, err
	}
	op.Tags = tags
	return &op, nil
}

func (s *SQLiteStore) loadTags(ctx context.Context, opportunityID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT tag FROM opportunity_tags WHERE opportunity_id = ? ORDER BY tag`,
		opportunityID,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: load tags %s", opportunityID)
	}
	defer rows.Close()

	var tags []string
	for rows.Next() {
		var t string
		if err := rows.Scan(&t); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan tag")
		}
		tags = append(tags, t)
	}
	return tags, eris.Wrap(rows.Err(), "sqlite: load tags iterate")
}

func (s *SQLiteStore) InsertOpportunity(ctx context.Context, op *model.Opportunity) error {
	eligibilityJSON, err := marshalStringList(op.Eligibility)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal eligibility")
	}
	regionsJSON, err := marshalStringList(op.Regions)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal regions")
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO opportunities
		 (id, source_id, external_id, title, description, agency, url, status,
		  award_floor, award_ceiling, total_funding, open_date, close_date,
		  eligibility, regions, external_updated_at, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		op.ID, op.SourceID, op.ExternalID, op.Title, op.Description,
		op.Agency, op.URL, string(op.Status),
		op.AwardFloor, op.AwardCeiling, op.TotalFunding,
		op.OpenDate, op.CloseDate,
		eligibilityJSON, regionsJSON, op.ExternalUpdatedAt,
		op.CreatedAt, op.UpdatedAt,
	)
	return eris.Wrapf(err, "sqlite: insert opportunity %s", op.ID)
}

func (s *SQLiteStore) UpdateOpportunity(ctx context.Context, id string, patch map[string]any, updatedAt time.Time) error {
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
	for _, col := range cols {
		setClauses = append(setClauses, fmt.Sprintf("%s = ?", col))
		args = append(args, sqliteValue(patch[col]))
	}
	setClauses = append(setClauses, "updated_at = ?")
	args = append(args, updatedAt, id)

	query := fmt.Sprintf("UPDATE opportunities SET %s WHERE id = ?", strings.Join(setClauses, ", "))

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return eris.Wrapf(err, "sqlite: update opportunity %s", id)
	}
	return checkRowsAffected(res, "opportunity", id)
}

func (s *SQLiteStore) ReplaceTags(ctx context.Context, opportunityID string, tags []string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin tags tx")
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM opportunity_tags WHERE opportunity_id = ?`, opportunityID,
	); err != nil {
		return eris.Wrapf(err, "sqlite: clear tags %s", opportunityID)
	}
	for _, t := range tags {
		if _, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO opportunity_tags (opportunity_id, tag) VALUES (?, ?)`,
			opportunityID, t,
		); err != nil {
			return eris.Wrapf(err, "sqlite: insert tag %s", opportunityID)
		}
	}
	return eris.Wrap(tx.Commit(), "sqlite: commit tags tx")
}

func (s *SQLiteStore) GetRawCacheEntry(ctx context.Context, sourceID, fingerprint string) (*model.RawCacheEntry, error) {
	var e model.RawCacheEntry
	var metaJSON sql.NullString

	err := s.db.QueryRowContext(ctx,
		`SELECT source_id, fingerprint, payload, meta, first_seen_at, last_seen_at, call_count
		 FROM raw_payload_cache WHERE source_id = ? AND fingerprint = ?`,
		sourceID, fingerprint,
	).Scan(&e.SourceID, &e.Fingerprint, &e.Payload, &metaJSON, &e.FirstSeenAt, &e.LastSeenAt, &e.CallCount)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, eris.Wrapf(err, "sqlite: raw cache check %s/%s", sourceID, fingerprint)
	}
	if metaJSON.Valid {
		_ = json.Unmarshal([]byte(metaJSON.String), &e.Meta)
	}
	return &e, nil
}

func (s *SQLiteStore) RecordRawPayload(ctx context.Context, sourceID string, payload []byte, fingerprint string, meta map[string]any) error {
	now := s.now().UTC()

	var metaJSON any
	if meta != nil {
		b, err := json.Marshal(meta)
		if err != nil {
			return eris.Wrap(err, "sqlite: marshal meta")
		}
		metaJSON = string(b)
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE raw_payload_cache
		 SET last_seen_at = ?, call_count = call_count + 1, meta = COALESCE(?, meta)
		 WHERE source_id = ? AND fingerprint = ?`,
		now, metaJSON, sourceID, fingerprint,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: raw cache touch %s/%s", sourceID, fingerprint)
	}
	if n, err := res.RowsAffected(); err == nil && n > 0 {
		return nil
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO raw_payload_cache
		 (source_id, fingerprint, payload, meta, first_seen_at, last_seen_at, call_count)
		 VALUES (?, ?, ?, ?, ?, ?, 1)`,
		sourceID, fingerprint, payload, metaJSON, now, now,
	)
	return eris.Wrapf(err, "sqlite: raw cache insert %s/%s", sourceID, fingerprint)
}

func (s *SQLiteStore) RawCacheStats(ctx context.Context, sourceID string) (int, int64, error) {
	var entries int
	var sightings int64
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*), COALESCE(SUM(call_count), 0)
		 FROM raw_payload_cache WHERE source_id = ?`,
		sourceID,
	).Scan(&entries, &sightings)
	if err != nil {
		return 0, 0, eris.Wrapf(err, "sqlite: raw cache stats %s", sourceID)
	}
	return entries, sightings, nil
}

func checkRowsAffected(res sql.Result, entity, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "rows affected")
	}
	if n == 0 {
		return eris.Errorf("%s not found: %s", entity, id)
	}
	return nil
}

// nullString maps an absent JSON column to SQL NULL.
func nullString(b []byte) any {
	if b == nil {
		return nil
	}
	return string(b)
}

// marshalStringList serializes a list column, keeping empty lists as NULL.
func marshalStringList(list []string) (any, error) {
	if len(list) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(list)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// sqliteValue converts patch values the merge layer emits for Postgres
// array columns into the JSON text encoding this store uses.
func sqliteValue(v any) any {
	if list, ok := v.([]string); ok {
		out, err := marshalStringList(list)
		if err != nil {
			return nil
		}
		return out
	}
	return v
}
