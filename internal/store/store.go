package store

import (
	"context"
	"time"

	"github.com/fundsight/ingest-cli/internal/model"
)

// RunFilter specifies criteria for listing runs.
type RunFilter struct {
	Status       model.RunStatus `json:"status,omitempty"`
	SourceID     string          `json:"source_id,omitempty"`
	CreatedAfter time.Time       `json:"created_after,omitempty"`
	Limit        int             `json:"limit,omitempty"`
	Offset       int             `json:"offset,omitempty"`
}

// Store defines the persistence interface for the ingestion pipeline.
// Lookups that miss (GetRun, GetOpportunity, GetRawCacheEntry) return
// (nil, nil) rather than an error.
type Store interface {
	// Runs
	CreateRun(ctx context.Context, r *model.Run) error
	UpdateRun(ctx context.Context, r *model.Run) error
	GetRun(ctx context.Context, runID string) (*model.Run, error)
	ListRuns(ctx context.Context, filter RunFilter) ([]model.Run, error)

	// Canonical opportunities
	GetOpportunity(ctx context.Context, sourceID, externalID string) (*model.Opportunity, error)
	InsertOpportunity(ctx context.Context, op *model.Opportunity) error
	UpdateOpportunity(ctx context.Context, id string, patch map[string]any, updatedAt time.Time) error
	ReplaceTags(ctx context.Context, opportunityID string, tags []string) error

	// Raw payload cache
	GetRawCacheEntry(ctx context.Context, sourceID, fingerprint string) (*model.RawCacheEntry, error)
	RecordRawPayload(ctx context.Context, sourceID string, payload []byte, fingerprint string, meta map[string]any) error
	RawCacheStats(ctx context.Context, sourceID string) (entries int, sightings int64, err error)

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}
