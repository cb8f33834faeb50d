package dedup

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"

	"github.com/fundsight/ingest-cli/internal/db"
	"github.com/fundsight/ingest-cli/internal/model"
)

// RawCache provides read/write access to the raw_payload_cache table,
// keyed by (source_id, fingerprint). Payloads are stored once; repeat
// sightings only touch last_seen_at, call_count, and volatile metadata.
type RawCache struct {
	pool db.Pool
	now  func() time.Time
}

// NewRawCache creates a RawCache backed by the given connection pool.
func NewRawCache(pool db.Pool) *RawCache {
	return &RawCache{pool: pool, now: time.Now}
}

// Check looks up an existing cache entry. Returns nil when the fingerprint
// has not been seen for this source.
func (c *RawCache) Check(ctx context.Context, sourceID, fingerprint string) (*model.RawCacheEntry, error) {
	var e model.RawCacheEntry
	var metaJSON []byte
	err := c.pool.QueryRow(ctx,
		`SELECT source_id, fingerprint, payload, meta, first_seen_at, last_seen_at, call_count
		 FROM raw_payload_cache WHERE source_id = $1 AND fingerprint = $2`,
		sourceID, fingerprint,
	).Scan(&e.SourceID, &e.Fingerprint, &e.Payload, &metaJSON, &e.FirstSeenAt, &e.LastSeenAt, &e.CallCount)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, eris.Wrapf(err, "rawcache: check %s/%s", sourceID, fingerprint)
	}
	if metaJSON != nil {
		_ = json.Unmarshal(metaJSON, &e.Meta)
	}
	return &e, nil
}

// Record upserts a payload sighting. First sight inserts the payload with
// call_count = 1; repeats update last_seen_at, increment call_count, and
// refresh metadata without re-storing the payload.
func (c *RawCache) Record(ctx context.Context, sourceID string, payload []byte, fingerprint string, meta map[string]any) error {
	now := c.now().UTC()

	var metaJSON []byte
	if meta != nil {
		var err error
		metaJSON, err = json.Marshal(meta)
		if err != nil {
			return eris.Wrap(err, "rawcache: marshal meta")
		}
	}

	existing, err := c.Check(ctx, sourceID, fingerprint)
	if err != nil {
		return err
	}

	if existing != nil {
		_, err = c.pool.Exec(ctx,
			`UPDATE raw_payload_cache
			 SET last_seen_at = $1, call_count = call_count + 1, meta = COALESCE($2, meta)
			 WHERE source_id = $3 AND fingerprint = $4`,
			now, metaJSON, sourceID, fingerprint,
		)
		return eris.Wrapf(err, "rawcache: touch %s/%s", sourceID, fingerprint)
	}

	_, err = c.pool.Exec(ctx,
		`INSERT INTO raw_payload_cache
		 (source_id, fingerprint, payload, meta, first_seen_at, last_seen_at, call_count)
		 VALUES ($1, $2, $3, $4, $5, $5, 1)`,
		sourceID, fingerprint, payload, metaJSON, now,
	)
	return eris.Wrapf(err, "rawcache: insert %s/%s", sourceID, fingerprint)
}

// Stats returns entry and sighting counts for a source, for the metrics
// snapshot.
func (c *RawCache) Stats(ctx context.Context, sourceID string) (entries int, sightings int64, err error) {
	err = c.pool.QueryRow(ctx,
		`SELECT COUNT(*), COALESCE(SUM(call_count), 0)
		 FROM raw_payload_cache WHERE source_id = $1`,
		sourceID,
	).Scan(&entries, &sightings)
	if err != nil {
		return 0, 0, eris.Wrapf(err, "rawcache: stats %s", sourceID)
	}
	return entries, sightings, nil
}
