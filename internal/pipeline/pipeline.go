// Package pipeline glues the run coordinator, source connectors,
// deduplication, inference, and the merge layer into the four-stage
// ingestion run: fetch, extract, enrich, persist.
package pipeline

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/fundsight/ingest-cli/internal/inference"
	"github.com/fundsight/ingest-cli/internal/model"
	"github.com/fundsight/ingest-cli/internal/run"
	"github.com/fundsight/ingest-cli/internal/source"
	"github.com/fundsight/ingest-cli/internal/store"
)

// Config holds the pipeline tuning knobs.
type Config struct {
	// ChunkByteThreshold bounds the serialized size of one inference chunk.
	ChunkByteThreshold int
	// MaxConcurrency bounds parallel inference calls.
	MaxConcurrency int
	// AmountChangeThreshold is the default relative monetary-change
	// threshold. A per-source value overrides it.
	AmountChangeThreshold float64
	// RequestsPerSecond paces source page fetches. Zero disables pacing.
	RequestsPerSecond float64
	// DeferredEnrichment routes chunks through the batch API instead of the
	// parallel fan-out.
	DeferredEnrichment bool
	// Model is the inference model ID, used for cost attribution only.
	Model string
}

// Enricher issues the inference calls for the enrich stage. The inference
// invoker satisfies it.
type Enricher interface {
	EnrichChunk(ctx context.Context, chunk inference.Chunk) (*inference.ChunkOutput, error)
	EnrichChunksDeferred(ctx context.Context, chunks []inference.Chunk) ([]inference.Result, error)
}

// ConnectorFunc builds the connector for a source. The default wires
// source.ForSource over a shared HTTP client.
type ConnectorFunc func(src model.Source) (source.Connector, error)

// Pipeline executes ingestion runs for configured sources.
type Pipeline struct {
	coordinator *run.Coordinator
	store       store.Store
	enricher    Enricher
	connect     ConnectorFunc
	cfg         Config
	now         func() time.Time
}

// New creates a Pipeline with all dependencies. A nil connect builds
// connectors over a default HTTP client.
func New(coordinator *run.Coordinator, st store.Store, enricher Enricher, connect ConnectorFunc, cfg Config) *Pipeline {
	if connect == nil {
		client := source.NewHTTPClient(source.HTTPOptions{})
		connect = func(src model.Source) (source.Connector, error) {
			return source.ForSource(src, client)
		}
	}
	return &Pipeline{
		coordinator: coordinator,
		store:       st,
		enricher:    enricher,
		connect:     connect,
		cfg:         cfg,
		now:         time.Now,
	}
}

// Run executes a fresh ingestion run for one source.
func (p *Pipeline) Run(ctx context.Context, src model.Source) (*model.Run, error) {
	r, err := p.coordinator.StartRun(ctx, src.ID)
	if err != nil {
		return nil, eris.Wrap(err, "pipeline: start run")
	}
	return p.execute(ctx, r, src, model.StageFetch, false)
}

// Resume re-opens a failed run and continues from its first failed stage.
// Stages that completed before the failure keep their recorded state; their
// in-memory outputs are recomputed because nothing intermediate is persisted
// between stages.
func (p *Pipeline) Resume(ctx context.Context, runID string, src model.Source) (*model.Run, error) {
	r, err := p.coordinator.Resume(ctx, runID)
	if err != nil {
		return nil, eris.Wrap(err, "pipeline: resume run")
	}
	return p.execute(ctx, r, src, r.ProcessingStage(), true)
}

// execute drives the stages in order starting at from. When resumed is true
// the from stage was already moved to processing by Resume and must not be
// transitioned again.
func (p *Pipeline) execute(ctx context.Context, r *model.Run, src model.Source, from model.Stage, resumed bool) (*model.Run, error) {
	log := zap.L().With(
		zap.String("run_id", r.ID),
		zap.String("source_id", src.ID),
	)
	log.Info("pipeline: starting run", zap.String("from_stage", string(from)))

	// Stage tracking helper: transitions the stage through the coordinator,
	// times the work, and records the metrics payload on completion. A work
	// error fails the stage and the run.
	runStage := func(stage model.Stage, active bool, fn func(context.Context) (*model.StageMetrics, error)) error {
		if !active {
			if _, err := p.coordinator.AdvanceStage(ctx, r.ID, stage, model.StageStatusProcessing, nil); err != nil {
				return eris.Wrapf(err, "pipeline: start stage %s", stage)
			}
		}

		start := p.now()
		metrics, fnErr := fn(ctx)
		duration := time.Since(start).Milliseconds()

		if fnErr != nil {
			log.Error("pipeline: stage failed",
				zap.String("stage", string(stage)),
				zap.Int64("duration_ms", duration),
				zap.Error(fnErr),
			)
			if _, recErr := p.coordinator.RecordError(ctx, r.ID, fnErr); recErr != nil {
				log.Warn("pipeline: failed to record run error", zap.Error(recErr))
			}
			return fnErr
		}

		if metrics == nil {
			metrics = &model.StageMetrics{}
		}
		metrics.DurationMS = duration

		updated, err := p.coordinator.AdvanceStage(ctx, r.ID, stage, model.StageStatusCompleted, metrics)
		if err != nil {
			return eris.Wrapf(err, "pipeline: complete stage %s", stage)
		}
		r = updated
		log.Info("pipeline: stage complete",
			zap.String("stage", string(stage)),
			zap.Int64("duration_ms", duration),
		)
		return nil
	}

	// Stages before the resume point keep their recorded state; only their
	// work re-runs to rebuild the in-memory inputs of the resume stage. A
	// replay failure is charged to the resume stage, which is the one
	// processing.
	replay := func(stage model.Stage, fn func(context.Context) (*model.StageMetrics, error)) error {
		log.Debug("pipeline: replaying completed stage", zap.String("stage", string(stage)))
		if _, err := fn(ctx); err != nil {
			if _, recErr := p.coordinator.RecordError(ctx, r.ID, err); recErr != nil {
				log.Warn("pipeline: failed to record run error", zap.Error(recErr))
			}
			return eris.Wrapf(err, "pipeline: replay stage %s", stage)
		}
		return nil
	}

	state := newRunState(r.ID, src, p.cfg)
	fromIdx := stageIndex(from)

	stages := []struct {
		stage model.Stage
		fn    func(context.Context) (*model.StageMetrics, error)
	}{
		{model.StageFetch, state.bind(p.fetch)},
		{model.StageExtract, state.bind(p.extract)},
		{model.StageEnrich, state.bind(p.enrich)},
		{model.StagePersist, state.bind(p.persist)},
	}

	for i, s := range stages {
		var err error
		switch {
		case i < fromIdx:
			err = replay(s.stage, s.fn)
		case i == fromIdx:
			err = runStage(s.stage, resumed, s.fn)
		default:
			err = runStage(s.stage, false, s.fn)
		}
		if err != nil {
			return p.reload(ctx, r), err
		}
	}

	final := p.reload(ctx, r)
	log.Info("pipeline: run complete",
		zap.Int("records", state.fetched()),
		zap.Int("new", state.counts[model.DecisionNew]),
		zap.Int("changed", state.counts[model.DecisionChanged]),
		zap.Int("unchanged", state.counts[model.DecisionUnchanged]),
		zap.Int("stale", state.counts[model.DecisionStale]),
		zap.Int64("total_ms", final.TotalMillis),
	)
	return final, nil
}

// reload fetches the freshest run record, falling back to the last copy we
// hold when the read fails.
func (p *Pipeline) reload(ctx context.Context, r *model.Run) *model.Run {
	fresh, err := p.store.GetRun(ctx, r.ID)
	if err != nil || fresh == nil {
		return r
	}
	return fresh
}

func stageIndex(stage model.Stage) int {
	for i, s := range model.StageOrder {
		if s == stage {
			return i
		}
	}
	return 0
}
