package monitoring

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/fundsight/ingest-cli/internal/model"
	"github.com/fundsight/ingest-cli/internal/store"
)

// SourceCacheStats summarizes one source's raw payload cache.
type SourceCacheStats struct {
	Entries   int   `json:"entries"`
	Sightings int64 `json:"sightings"`
}

// MetricsSnapshot holds a point-in-time view of system health.
type MetricsSnapshot struct {
	// Run metrics (within lookback window).
	RunsTotal      int     `json:"runs_total"`
	RunsCompleted  int     `json:"runs_completed"`
	RunsFailed     int     `json:"runs_failed"`
	RunsProcessing int     `json:"runs_processing"`
	RunFailRate    float64 `json:"run_fail_rate"`
	AvgRunMillis   int64   `json:"avg_run_millis"`

	// Record outcomes aggregated from stage metrics.
	RecordsFetched   int `json:"records_fetched"`
	RecordsNew       int `json:"records_new"`
	RecordsChanged   int `json:"records_changed"`
	RecordsUnchanged int `json:"records_unchanged"`
	RecordsStale     int `json:"records_stale"`

	// Inference spend.
	InputTokens  int     `json:"input_tokens"`
	OutputTokens int     `json:"output_tokens"`
	CostUSD      float64 `json:"cost_usd"`
	ChunkFails   int     `json:"chunk_fails"`

	// Raw payload cache, per source.
	Cache map[string]SourceCacheStats `json:"cache,omitempty"`

	// Metadata.
	LookbackHours int       `json:"lookback_hours"`
	CollectedAt   time.Time `json:"collected_at"`
}

// Collector gathers metrics from the store.
type Collector struct {
	store   store.Store
	sources []model.Source
}

// NewCollector creates a metrics collector. The source list scopes the
// cache stats; nil skips them.
func NewCollector(st store.Store, sources []model.Source) *Collector {
	return &Collector{store: st, sources: sources}
}

// Collect gathers a snapshot of system metrics over the given lookback window.
func (c *Collector) Collect(ctx context.Context, lookbackHours int) (*MetricsSnapshot, error) {
	snap := &MetricsSnapshot{
		LookbackHours: lookbackHours,
		CollectedAt:   time.Now().UTC(),
	}

	cutoff := time.Now().UTC().Add(-time.Duration(lookbackHours) * time.Hour)

	runs, err := c.store.ListRuns(ctx, store.RunFilter{
		CreatedAfter: cutoff,
		Limit:        10000,
	})
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: list runs")
	}

	snap.RunsTotal = len(runs)
	var totalMillis int64

	for _, r := range runs {
		switch r.Status {
		case model.RunStatusCompleted:
			snap.RunsCompleted++
		case model.RunStatusFailed:
			snap.RunsFailed++
		case model.RunStatusStarted, model.RunStatusProcessing:
			snap.RunsProcessing++
		}
		totalMillis += r.TotalMillis

		if m, ok := r.Metrics[model.StageFetch]; ok {
			snap.RecordsFetched += m.Records
		}
		if m, ok := r.Metrics[model.StageExtract]; ok {
			snap.RecordsNew += m.New
			snap.RecordsChanged += m.Changed
			snap.RecordsUnchanged += m.Unchanged
			snap.RecordsStale += m.Stale
		}
		if m, ok := r.Metrics[model.StageEnrich]; ok {
			snap.InputTokens += m.TokenUsage.InputTokens
			snap.OutputTokens += m.TokenUsage.OutputTokens
			snap.CostUSD += m.TokenUsage.Cost
			snap.ChunkFails += m.Failures
		}
	}

	finished := snap.RunsCompleted + snap.RunsFailed
	if finished > 0 {
		snap.RunFailRate = float64(snap.RunsFailed) / float64(finished)
	}
	if snap.RunsTotal > 0 {
		snap.AvgRunMillis = totalMillis / int64(snap.RunsTotal)
	}

	if len(c.sources) > 0 {
		snap.Cache = make(map[string]SourceCacheStats, len(c.sources))
		for _, src := range c.sources {
			entries, sightings, err := c.store.RawCacheStats(ctx, src.ID)
			if err != nil {
				return nil, eris.Wrapf(err, "monitoring: cache stats for %s", src.ID)
			}
			snap.Cache[src.ID] = SourceCacheStats{Entries: entries, Sightings: sightings}
		}
	}

	return snap, nil
}
