package pipeline

import (
	"context"
	"encoding/json"
	"slices"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/fundsight/ingest-cli/internal/dedup"
	"github.com/fundsight/ingest-cli/internal/inference"
	"github.com/fundsight/ingest-cli/internal/merge"
	"github.com/fundsight/ingest-cli/internal/model"
	"github.com/fundsight/ingest-cli/internal/source"
	"github.com/fundsight/ingest-cli/pkg/anthropic"
)

// item carries one record's journey through the stages.
type item struct {
	raw         model.RawRecord
	fingerprint string
	incoming    *model.Opportunity
	existing    *model.Opportunity
	decision    model.DedupDecision
	enriched    bool
}

// runState is the in-memory carry between stages of one execute call.
type runState struct {
	runID string
	src   model.Source
	cfg   Config

	records []model.RawRecord
	pages   int

	items       []*item
	counts      map[model.Decision]int
	cacheHits   int
	fieldIssues int
}

func newRunState(runID string, src model.Source, cfg Config) *runState {
	return &runState{
		runID:  runID,
		src:    src,
		cfg:    cfg,
		counts: make(map[model.Decision]int),
	}
}

func (s *runState) fetched() int { return len(s.records) }

// bind closes a stage method over this state.
func (s *runState) bind(fn func(context.Context, *runState) (*model.StageMetrics, error)) func(context.Context) (*model.StageMetrics, error) {
	return func(ctx context.Context) (*model.StageMetrics, error) {
		return fn(ctx, s)
	}
}

// fetch pulls every page from the source's connector.
func (p *Pipeline) fetch(ctx context.Context, s *runState) (*model.StageMetrics, error) {
	c, err := p.connect(s.src)
	if err != nil {
		return nil, eris.Wrapf(err, "pipeline: build connector for %s", s.src.ID)
	}

	var limiter *rate.Limiter
	if p.cfg.RequestsPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(p.cfg.RequestsPerSecond), 1)
	}

	s.records = s.records[:0]
	s.pages = 0
	err = source.Paginate(ctx, c, limiter, func(page source.Page) error {
		s.records = append(s.records, page.Records...)
		s.pages++
		return nil
	})
	if err != nil {
		return nil, err
	}

	return &model.StageMetrics{
		Records: len(s.records),
		Extra:   map[string]any{"pages": s.pages},
	}, nil
}

// extract fingerprints each raw record, records the sighting in the raw
// payload cache, sanitizes it into canonical shape, and classifies it
// against the stored record.
func (p *Pipeline) extract(ctx context.Context, s *runState) (*model.StageMetrics, error) {
	mapping, err := p.mappingFor(s.src)
	if err != nil {
		return nil, err
	}
	rules := dedup.DefaultRules()
	opts := dedup.ClassifyOptions{AmountThreshold: s.src.AmountChangeThreshold}
	if opts.AmountThreshold == 0 {
		opts.AmountThreshold = p.cfg.AmountChangeThreshold
	}

	s.items = s.items[:0]
	s.counts = make(map[model.Decision]int)
	s.cacheHits = 0
	s.fieldIssues = 0

	for _, rec := range s.records {
		fp, fpErr := dedup.Fingerprint(rec, rules)
		if fpErr != nil {
			zap.L().Warn("pipeline: fingerprint degraded to fallback",
				zap.String("source_id", s.src.ID),
				zap.String("kind", rec.Kind),
				zap.Error(fpErr),
			)
			fp = dedup.FallbackFingerprint(s.src.ID, p.now())
		}

		cached, err := p.store.GetRawCacheEntry(ctx, s.src.ID, fp)
		if err != nil {
			return nil, eris.Wrap(err, "pipeline: check raw cache")
		}
		if cached != nil {
			s.cacheHits++
		}

		payload, err := json.Marshal(rec.Fields)
		if err != nil {
			return nil, eris.Wrap(err, "pipeline: serialize raw payload")
		}
		meta := map[string]any{"kind": rec.Kind, "run_id": s.runID}
		if err := p.store.RecordRawPayload(ctx, s.src.ID, payload, fp, meta); err != nil {
			return nil, eris.Wrap(err, "pipeline: record raw payload")
		}

		incoming, issues := merge.MapExternalToCanonical(rec, mapping)
		incoming.SourceID = s.src.ID
		s.fieldIssues += len(issues)
		if incoming.ExternalID == "" {
			zap.L().Warn("pipeline: dropping record without external id",
				zap.String("source_id", s.src.ID),
				zap.String("kind", rec.Kind),
			)
			continue
		}

		existing, err := p.store.GetOpportunity(ctx, s.src.ID, incoming.ExternalID)
		if err != nil {
			return nil, eris.Wrapf(err, "pipeline: load opportunity %s", incoming.ExternalID)
		}

		decision := dedup.Classify(existing, incoming, opts)
		s.counts[decision.Decision]++
		s.items = append(s.items, &item{
			raw:         rec,
			fingerprint: fp,
			incoming:    incoming,
			existing:    existing,
			decision:    decision,
		})
	}

	return &model.StageMetrics{
		Records:   len(s.items),
		New:       s.counts[model.DecisionNew],
		Unchanged: s.counts[model.DecisionUnchanged],
		Changed:   s.counts[model.DecisionChanged],
		Stale:     s.counts[model.DecisionStale],
		Extra: map[string]any{
			"cache_hits":   s.cacheHits,
			"field_issues": s.fieldIssues,
		},
	}, nil
}

// enrich sends new and materially changed records through the inference
// service in byte-bounded chunks. Unchanged and stale records never pay for
// an inference call. Per-chunk failures degrade those records to their
// sanitized form; only a fully failed stage aborts the run.
func (p *Pipeline) enrich(ctx context.Context, s *runState) (*model.StageMetrics, error) {
	byExtID := make(map[string]*item)
	var candidates []model.RawRecord
	for _, it := range s.items {
		if it.decision.Decision != model.DecisionNew && it.decision.Decision != model.DecisionChanged {
			continue
		}
		byExtID[it.incoming.ExternalID] = it
		candidates = append(candidates, it.raw)
	}
	if len(candidates) == 0 {
		return &model.StageMetrics{}, nil
	}

	chunks := inference.SplitIntoChunks(candidates, p.cfg.ChunkByteThreshold)

	var results []inference.Result
	if p.cfg.DeferredEnrichment {
		var err error
		results, err = p.enricher.EnrichChunksDeferred(ctx, chunks)
		if err != nil {
			return nil, eris.Wrap(err, "pipeline: deferred enrichment")
		}
	} else {
		results = inference.RunChunks(ctx, chunks, p.enricher.EnrichChunk, p.cfg.MaxConcurrency)
	}

	enrichments, usage, failed := inference.CollectOutputs(results)
	if len(failed) == len(results) {
		cause := failed[0].Err
		if cause == nil {
			cause = eris.New("empty chunk output")
		}
		return nil, eris.Wrapf(cause, "pipeline: all %d enrichment chunks failed", len(results))
	}
	if len(failed) > 0 {
		zap.L().Warn("pipeline: partial enrichment",
			zap.Int("chunks", len(results)),
			zap.Int("failed", len(failed)),
		)
	}

	applied := 0
	for _, e := range enrichments {
		it, ok := byExtID[e.ExternalID]
		if !ok {
			zap.L().Warn("pipeline: enrichment references unknown record",
				zap.String("external_id", e.ExternalID))
			continue
		}
		applyEnrichment(it.incoming, e)
		it.enriched = true
		applied++
	}

	return &model.StageMetrics{
		Records:    applied,
		Chunks:     len(chunks),
		Failures:   len(failed),
		TokenUsage: usageToModel(usage, p.cfg.Model),
	}, nil
}

// persist writes extraction and enrichment outcomes to the canonical store:
// inserts for new, minimal patches for changed, nothing for unchanged and
// stale.
func (p *Pipeline) persist(ctx context.Context, s *runState) (*model.StageMetrics, error) {
	now := p.now().UTC()
	inserted, updated, tagsReplaced := 0, 0, 0

	for _, it := range s.items {
		switch it.decision.Decision {
		case model.DecisionNew:
			op := merge.PrepareForInsert(it.incoming, now)
			if err := p.store.InsertOpportunity(ctx, op); err != nil {
				return nil, eris.Wrapf(err, "pipeline: insert opportunity %s", op.ExternalID)
			}
			inserted++
			if len(op.Tags) > 0 {
				if err := p.store.ReplaceTags(ctx, op.ID, op.Tags); err != nil {
					return nil, eris.Wrapf(err, "pipeline: tag opportunity %s", op.ExternalID)
				}
				tagsReplaced++
			}

		case model.DecisionChanged:
			patch, audit := merge.MergeForUpdate(it.existing, it.incoming)
			// Tags live in a join table, not an opportunities column.
			if tags, ok := patch["tags"].([]string); ok {
				delete(patch, "tags")
				if err := p.store.ReplaceTags(ctx, it.existing.ID, tags); err != nil {
					return nil, eris.Wrapf(err, "pipeline: tag opportunity %s", it.incoming.ExternalID)
				}
				tagsReplaced++
			}
			if len(patch) > 0 {
				if err := p.store.UpdateOpportunity(ctx, it.existing.ID, patch, now); err != nil {
					return nil, eris.Wrapf(err, "pipeline: update opportunity %s", it.incoming.ExternalID)
				}
			}
			if len(patch) > 0 || len(audit) > 0 {
				updated++
			}
			zap.L().Debug("pipeline: opportunity updated",
				zap.String("external_id", it.incoming.ExternalID),
				zap.Int("fields", len(audit)),
			)

		case model.DecisionStale:
			// Incoming differs but upstream is not newer than what we hold.
			zap.L().Debug("pipeline: skipping stale update",
				zap.String("external_id", it.incoming.ExternalID))
		}
	}

	return &model.StageMetrics{
		Records:   len(s.items),
		New:       inserted,
		Changed:   updated,
		Unchanged: s.counts[model.DecisionUnchanged],
		Stale:     s.counts[model.DecisionStale],
		Extra:     map[string]any{"tags_replaced": tagsReplaced},
	}, nil
}

// mappingFor loads a source's field mapping, falling back to the default
// dictionary when no file is configured.
func (p *Pipeline) mappingFor(src model.Source) (*merge.FieldMapping, error) {
	if src.MappingFile == "" {
		return merge.DefaultMapping(), nil
	}
	m, err := merge.LoadMapping(src.MappingFile)
	if err != nil {
		return nil, eris.Wrapf(err, "pipeline: mapping for %s", src.ID)
	}
	return m, nil
}

// applyEnrichment folds inference output into a sanitized record without
// clobbering values the source already provided.
func applyEnrichment(op *model.Opportunity, e inference.Enrichment) {
	if op.Description == "" && e.Summary != "" {
		op.Description = e.Summary
	}
	if len(op.Eligibility) == 0 {
		op.Eligibility = e.Eligibility
	}
	if len(op.Regions) == 0 {
		op.Regions = e.Regions
	}
	for _, cat := range e.Categories {
		if !slices.Contains(op.Tags, cat) {
			op.Tags = append(op.Tags, cat)
		}
	}
}

func usageToModel(u anthropic.TokenUsage, modelID string) model.TokenUsage {
	return model.TokenUsage{
		InputTokens:         int(u.InputTokens),
		OutputTokens:        int(u.OutputTokens),
		CacheCreationTokens: int(u.CacheCreationInputTokens),
		CacheReadTokens:     int(u.CacheReadInputTokens),
		Cost:                u.EstimateCost(modelID),
	}
}
