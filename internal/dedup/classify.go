package dedup

import (
	"math"
	"time"

	"github.com/fundsight/ingest-cli/internal/model"
)

// DefaultAmountThreshold is the relative monetary change below which a
// difference is treated as noise, not a material update.
const DefaultAmountThreshold = 0.05

// ClassifyOptions tunes classification. The amount threshold is exposed per
// source rather than hard-coded.
type ClassifyOptions struct {
	AmountThreshold float64
}

func (o ClassifyOptions) threshold() float64 {
	if o.AmountThreshold > 0 {
		return o.AmountThreshold
	}
	return DefaultAmountThreshold
}

// Classify compares the critical fields of an existing canonical record and
// an incoming candidate. Returns new when existing is nil, unchanged when
// every critical field matches under type-aware comparison, and changed (or
// stale, when the incoming upstream timestamp is not newer) otherwise.
func Classify(existing, incoming *model.Opportunity, opts ClassifyOptions) model.DedupDecision {
	if existing == nil {
		return model.DedupDecision{Decision: model.DecisionNew}
	}

	var diffs []model.FieldDiff

	if NormalizeText(existing.Title) != NormalizeText(incoming.Title) {
		diffs = append(diffs, model.FieldDiff{
			Field: "title", OldValue: existing.Title, NewValue: incoming.Title,
			Note: "title text changed",
		})
	}

	diffs = appendAmountDiff(diffs, "award_floor", existing.AwardFloor, incoming.AwardFloor, opts.threshold())
	diffs = appendAmountDiff(diffs, "award_ceiling", existing.AwardCeiling, incoming.AwardCeiling, opts.threshold())
	diffs = appendAmountDiff(diffs, "total_funding", existing.TotalFunding, incoming.TotalFunding, opts.threshold())

	diffs = appendDateDiff(diffs, "open_date", existing.OpenDate, incoming.OpenDate)
	diffs = appendDateDiff(diffs, "close_date", existing.CloseDate, incoming.CloseDate)

	if len(diffs) == 0 {
		return model.DedupDecision{Decision: model.DecisionUnchanged}
	}

	decision := model.DecisionChanged
	if !incomingIsNewer(existing.ExternalUpdatedAt, incoming.ExternalUpdatedAt) {
		decision = model.DecisionStale
	}
	return model.DedupDecision{Decision: decision, Diffs: diffs}
}

// appendAmountDiff applies the relative-change threshold: changes at or
// below it are noise, anything beyond is material. A value appearing or
// disappearing is always material.
func appendAmountDiff(diffs []model.FieldDiff, field string, old, new *float64, threshold float64) []model.FieldDiff {
	switch {
	case old == nil && new == nil:
		return diffs
	case old == nil || new == nil:
		return append(diffs, model.FieldDiff{
			Field: field, OldValue: deref(old), NewValue: deref(new),
			Note: "value added or removed",
		})
	}

	base := math.Abs(*old)
	if base == 0 {
		if *new != 0 {
			return append(diffs, model.FieldDiff{
				Field: field, OldValue: *old, NewValue: *new,
				Note: "changed from zero",
			})
		}
		return diffs
	}

	rel := math.Abs(*new-*old) / base
	if rel > threshold {
		return append(diffs, model.FieldDiff{
			Field: field, OldValue: *old, NewValue: *new,
			Note: "amount changed beyond threshold",
		})
	}
	return diffs
}

// appendDateDiff compares at day precision: shifts within the same calendar
// day are ignored.
func appendDateDiff(diffs []model.FieldDiff, field string, old, new *time.Time) []model.FieldDiff {
	switch {
	case old == nil && new == nil:
		return diffs
	case old == nil || new == nil:
		return append(diffs, model.FieldDiff{
			Field: field, OldValue: derefTime(old), NewValue: derefTime(new),
			Note: "date added or removed",
		})
	}

	if !sameDay(*old, *new) {
		return append(diffs, model.FieldDiff{
			Field: field, OldValue: *old, NewValue: *new,
			Note: "date moved to a different day",
		})
	}
	return diffs
}

func sameDay(a, b time.Time) bool {
	au, bu := a.UTC(), b.UTC()
	ay, am, ad := au.Date()
	by, bm, bd := bu.Date()
	return ay == by && am == bm && ad == bd
}

func incomingIsNewer(existing, incoming *time.Time) bool {
	if incoming == nil {
		// No upstream timestamp: assume newer rather than dropping updates.
		return true
	}
	if existing == nil {
		return true
	}
	return incoming.After(*existing)
}

func deref(f *float64) any {
	if f == nil {
		return nil
	}
	return *f
}

func derefTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}
