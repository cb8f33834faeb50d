package model

import (
	"time"
)

// RunStatus represents the overall state of an ingestion run.
type RunStatus string

const (
	RunStatusStarted    RunStatus = "started"
	RunStatusProcessing RunStatus = "processing"
	RunStatusCompleted  RunStatus = "completed"
	RunStatusFailed     RunStatus = "failed"
)

// Stage identifies one of the four sequential pipeline stages.
type Stage string

const (
	StageFetch   Stage = "fetch"
	StageExtract Stage = "extract"
	StageEnrich  Stage = "enrich"
	StagePersist Stage = "persist"
)

// StageOrder is the fixed precedence of stages. Resume scans this order
// to find the first failed stage.
var StageOrder = []Stage{StageFetch, StageExtract, StageEnrich, StagePersist}

// StageStatus represents the state of a single stage within a run.
type StageStatus string

const (
	StageStatusPending    StageStatus = "pending"
	StageStatusProcessing StageStatus = "processing"
	StageStatusCompleted  StageStatus = "completed"
	StageStatusFailed     StageStatus = "failed"
)

// Run represents a single ingestion attempt for a source.
type Run struct {
	ID          string                `json:"id"`
	SourceID    string                `json:"source_id"`
	Status      RunStatus             `json:"status"`
	Stages      map[Stage]StageStatus `json:"stages"`
	Error       *RunError             `json:"error,omitempty"`
	Metrics     map[Stage]StageMetrics `json:"metrics,omitempty"`
	CreatedAt   time.Time             `json:"created_at"`
	UpdatedAt   time.Time             `json:"updated_at"`
	CompletedAt *time.Time            `json:"completed_at,omitempty"`
	// TotalMillis accumulates stage processing time across the run,
	// including time added by a resume.
	TotalMillis int64 `json:"total_processing_ms"`
}

// NewStageMap returns a stage map with every stage pending.
func NewStageMap() map[Stage]StageStatus {
	m := make(map[Stage]StageStatus, len(StageOrder))
	for _, s := range StageOrder {
		m[s] = StageStatusPending
	}
	return m
}

// ProcessingStage returns the stage currently processing, or "" if none.
func (r *Run) ProcessingStage() Stage {
	for _, s := range StageOrder {
		if r.Stages[s] == StageStatusProcessing {
			return s
		}
	}
	return ""
}

// FirstFailedStage returns the first failed stage in precedence order,
// or "" if no stage has failed.
func (r *Run) FirstFailedStage() Stage {
	for _, s := range StageOrder {
		if r.Stages[s] == StageStatusFailed {
			return s
		}
	}
	return ""
}

// RunError is the structured error detail stored on a failed run.
type RunError struct {
	Stage   Stage  `json:"stage"`
	Message string `json:"message"`
	Trace   string `json:"trace,omitempty"`
	Cause   string `json:"cause,omitempty"`
}

// StageMetrics is the metrics payload recorded when a stage completes.
// The core does not interpret it beyond persistence; the observability
// sink consumes it as-is.
type StageMetrics struct {
	Records    int            `json:"records,omitempty"`
	New        int            `json:"new,omitempty"`
	Unchanged  int            `json:"unchanged,omitempty"`
	Changed    int            `json:"changed,omitempty"`
	Stale      int            `json:"stale,omitempty"`
	Chunks     int            `json:"chunks,omitempty"`
	Failures   int            `json:"failures,omitempty"`
	DurationMS int64          `json:"duration_ms,omitempty"`
	TokenUsage TokenUsage     `json:"token_usage,omitempty"`
	Extra      map[string]any `json:"extra,omitempty"`
}
