package run

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/fundsight/ingest-cli/internal/model"
	"github.com/fundsight/ingest-cli/internal/resilience"
)

// Store is the persistence surface the coordinator needs. The full store
// implements it.
type Store interface {
	CreateRun(ctx context.Context, r *model.Run) error
	GetRun(ctx context.Context, id string) (*model.Run, error)
	UpdateRun(ctx context.Context, r *model.Run) error
}

// Coordinator owns the run state machine: started → processing → completed,
// with failed reachable from any processing stage and failed → processing via
// Resume. Stages advance strictly in order; only one stage may be processing
// at a time.
type Coordinator struct {
	store Store
	now   func() time.Time
}

// NewCoordinator creates a Coordinator over the given store.
func NewCoordinator(store Store) *Coordinator {
	return &Coordinator{store: store, now: time.Now}
}

// StartRun creates a Run with every stage pending and overall status
// started.
func (c *Coordinator) StartRun(ctx context.Context, sourceID string) (*model.Run, error) {
	now := c.now().UTC()
	r := &model.Run{
		ID:        uuid.NewString(),
		SourceID:  sourceID,
		Status:    model.RunStatusStarted,
		Stages:    model.NewStageMap(),
		Metrics:   make(map[model.Stage]model.StageMetrics),
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := c.store.CreateRun(ctx, r); err != nil {
		return nil, resilience.NewPersistenceError(err, "create run")
	}
	zap.L().Info("run started",
		zap.String("run_id", r.ID),
		zap.String("source_id", sourceID),
	)
	return r, nil
}

// AdvanceStage transitions a stage and updates the overall status. Legal
// stage transitions are pending → processing (only while no other stage is
// processing) and processing → completed/failed. Anything else is a contract
// violation and returns InvalidStateError.
func (c *Coordinator) AdvanceStage(ctx context.Context, runID string, stage model.Stage, status model.StageStatus, metrics *model.StageMetrics) (*model.Run, error) {
	r, err := c.load(ctx, runID)
	if err != nil {
		return nil, err
	}

	current, ok := r.Stages[stage]
	if !ok {
		return nil, resilience.NewInvalidStateError("run %s: unknown stage %q", runID, stage)
	}

	switch status {
	case model.StageStatusProcessing:
		if current != model.StageStatusPending {
			return nil, resilience.NewInvalidStateError(
				"run %s: stage %s is %s, cannot start processing", runID, stage, current)
		}
		if active := r.ProcessingStage(); active != "" {
			return nil, resilience.NewInvalidStateError(
				"run %s: stage %s still processing, cannot start %s", runID, active, stage)
		}
	case model.StageStatusCompleted, model.StageStatusFailed:
		if current != model.StageStatusProcessing {
			return nil, resilience.NewInvalidStateError(
				"run %s: stage %s is %s, cannot transition to %s", runID, stage, current, status)
		}
	default:
		return nil, resilience.NewInvalidStateError(
			"run %s: illegal target stage status %q", runID, status)
	}

	now := c.now().UTC()
	r.Stages[stage] = status
	r.UpdatedAt = now

	if metrics != nil {
		r.Metrics[stage] = *metrics
		r.TotalMillis += metrics.DurationMS
	}

	switch status {
	case model.StageStatusProcessing:
		if r.Status == model.RunStatusStarted {
			r.Status = model.RunStatusProcessing
		}
	case model.StageStatusFailed:
		r.Status = model.RunStatusFailed
		r.CompletedAt = &now
	case model.StageStatusCompleted:
		if stage == model.StagePersist && c.allStagesCompleted(r) {
			r.Status = model.RunStatusCompleted
			r.CompletedAt = &now
		}
	}

	if err := c.store.UpdateRun(ctx, r); err != nil {
		return nil, resilience.NewPersistenceError(err, "update run")
	}
	zap.L().Debug("stage advanced",
		zap.String("run_id", r.ID),
		zap.String("stage", string(stage)),
		zap.String("stage_status", string(status)),
		zap.String("run_status", string(r.Status)),
	)
	return r, nil
}

// RecordError marks the currently processing stage failed, moves the run to
// failed, and stores structured error detail.
func (c *Coordinator) RecordError(ctx context.Context, runID string, cause error) (*model.Run, error) {
	r, err := c.load(ctx, runID)
	if err != nil {
		return nil, err
	}

	now := c.now().UTC()
	stage := r.ProcessingStage()
	if stage != "" {
		r.Stages[stage] = model.StageStatusFailed
	}

	detail := &model.RunError{
		Stage:   stage,
		Message: cause.Error(),
		Trace:   eris.ToString(cause, true),
	}
	if root := eris.Cause(cause); root != nil && root != cause {
		detail.Cause = root.Error()
	}

	r.Status = model.RunStatusFailed
	r.Error = detail
	r.UpdatedAt = now
	r.CompletedAt = &now

	if err := c.store.UpdateRun(ctx, r); err != nil {
		return nil, resilience.NewPersistenceError(err, "update run")
	}
	zap.L().Error("run failed",
		zap.String("run_id", r.ID),
		zap.String("stage", string(stage)),
		zap.Error(cause),
	)
	return r, nil
}

// Resume re-opens a failed run. The first failed stage in precedence order
// becomes the resume point: it returns to processing, the overall status
// returns to processing, and the stored error detail is cleared. Only legal
// when the run is failed.
func (c *Coordinator) Resume(ctx context.Context, runID string) (*model.Run, error) {
	r, err := c.load(ctx, runID)
	if err != nil {
		return nil, err
	}

	if r.Status != model.RunStatusFailed {
		return nil, resilience.NewInvalidStateError(
			"run %s: status is %s, only failed runs can resume", runID, r.Status)
	}

	stage := r.FirstFailedStage()
	if stage == "" {
		return nil, resilience.NewInvalidStateError(
			"run %s: failed run has no failed stage", runID)
	}

	now := c.now().UTC()
	r.Stages[stage] = model.StageStatusProcessing
	r.Status = model.RunStatusProcessing
	r.Error = nil
	r.CompletedAt = nil
	r.UpdatedAt = now

	if err := c.store.UpdateRun(ctx, r); err != nil {
		return nil, resilience.NewPersistenceError(err, "update run")
	}
	zap.L().Info("run resumed",
		zap.String("run_id", r.ID),
		zap.String("resume_stage", string(stage)),
	)
	return r, nil
}

func (c *Coordinator) load(ctx context.Context, runID string) (*model.Run, error) {
	r, err := c.store.GetRun(ctx, runID)
	if err != nil {
		return nil, resilience.NewPersistenceError(err, "get run")
	}
	if r == nil {
		return nil, resilience.NewInvalidStateError("run %s: not found", runID)
	}
	return r, nil
}

func (c *Coordinator) allStagesCompleted(r *model.Run) bool {
	for _, s := range model.StageOrder {
		if r.Stages[s] != model.StageStatusCompleted {
			return false
		}
	}
	return true
}
