package model

import (
	"time"
)

// OpportunityStatus is the normalized lifecycle status of a funding
// opportunity. External status values are mapped through a synonym table
// during sanitization.
type OpportunityStatus string

const (
	StatusOpen       OpportunityStatus = "open"
	StatusForecasted OpportunityStatus = "forecasted"
	StatusClosed     OpportunityStatus = "closed"
	StatusArchived   OpportunityStatus = "archived"
	StatusUnknown    OpportunityStatus = "unknown"
)

// Opportunity is the canonical record after merge. Created on first
// classification as new, mutated in place on changed, never deleted here.
type Opportunity struct {
	ID          string            `json:"id"`
	SourceID    string            `json:"source_id"`
	ExternalID  string            `json:"external_id"`
	Title       string            `json:"title"`
	Description string            `json:"description,omitempty"`
	Agency      string            `json:"agency,omitempty"`
	URL         string            `json:"url,omitempty"`
	Status      OpportunityStatus `json:"status"`

	AwardFloor   *float64 `json:"award_floor,omitempty"`
	AwardCeiling *float64 `json:"award_ceiling,omitempty"`
	TotalFunding *float64 `json:"total_funding,omitempty"`

	OpenDate  *time.Time `json:"open_date,omitempty"`
	CloseDate *time.Time `json:"close_date,omitempty"`

	Eligibility []string `json:"eligibility,omitempty"`
	Regions     []string `json:"regions,omitempty"`
	Tags        []string `json:"tags,omitempty"`

	// ExternalUpdatedAt is the upstream last-updated timestamp used for
	// stale detection.
	ExternalUpdatedAt *time.Time `json:"external_updated_at,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Decision classifies an incoming record against the stored canonical one.
type Decision string

const (
	DecisionNew       Decision = "new"
	DecisionUnchanged Decision = "unchanged"
	DecisionChanged   Decision = "changed"
	// DecisionStale is a variant of changed: the incoming record differs
	// but its upstream last-updated timestamp is not newer than ours.
	DecisionStale Decision = "stale"
)

// FieldDiff records one differing field between existing and incoming.
type FieldDiff struct {
	Field    string `json:"field"`
	OldValue any    `json:"old_value"`
	NewValue any    `json:"new_value"`
	Note     string `json:"note,omitempty"`
}

// DedupDecision is the ephemeral classification result consumed by the
// merger. It is never persisted as an entity.
type DedupDecision struct {
	Decision Decision    `json:"decision"`
	Diffs    []FieldDiff `json:"diffs,omitempty"`
}

// Changed reports whether the decision carries a material difference.
func (d DedupDecision) Changed() bool {
	return d.Decision == DecisionChanged || d.Decision == DecisionStale
}
