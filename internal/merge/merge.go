package merge

import (
	"slices"
	"time"

	"github.com/google/uuid"

	"github.com/fundsight/ingest-cli/internal/model"
)

// MergeForUpdate computes the minimal patch to apply to an existing canonical
// record from an incoming one, keyed by column name, plus an audit list of
// the fields that changed. A non-empty existing value is never overwritten by
// an empty incoming one.
func MergeForUpdate(existing, incoming *model.Opportunity) (map[string]any, []model.FieldDiff) {
	patch := make(map[string]any)
	var audit []model.FieldDiff

	setString := func(col string, old, val string) {
		if val == "" || val == old {
			return
		}
		patch[col] = val
		audit = append(audit, model.FieldDiff{Field: col, OldValue: old, NewValue: val})
	}
	setAmount := func(col string, old, val *float64) {
		if val == nil {
			return
		}
		if old != nil && *old == *val {
			return
		}
		patch[col] = *val
		audit = append(audit, model.FieldDiff{Field: col, OldValue: deref(old), NewValue: *val})
	}
	setDate := func(col string, old, val *time.Time) {
		if val == nil {
			return
		}
		if old != nil && old.Equal(*val) {
			return
		}
		patch[col] = val.UTC()
		audit = append(audit, model.FieldDiff{Field: col, OldValue: derefTime(old), NewValue: val.UTC()})
	}
	setList := func(col string, old, val []string) {
		if len(val) == 0 || slices.Equal(old, val) {
			return
		}
		patch[col] = val
		audit = append(audit, model.FieldDiff{Field: col, OldValue: old, NewValue: val})
	}

	setString("title", existing.Title, incoming.Title)
	setString("description", existing.Description, incoming.Description)
	setString("agency", existing.Agency, incoming.Agency)
	setString("url", existing.URL, incoming.URL)

	if incoming.Status != model.StatusUnknown && incoming.Status != existing.Status {
		patch["status"] = incoming.Status
		audit = append(audit, model.FieldDiff{
			Field: "status", OldValue: existing.Status, NewValue: incoming.Status,
		})
	}

	setAmount("award_floor", existing.AwardFloor, incoming.AwardFloor)
	setAmount("award_ceiling", existing.AwardCeiling, incoming.AwardCeiling)
	setAmount("total_funding", existing.TotalFunding, incoming.TotalFunding)

	setDate("open_date", existing.OpenDate, incoming.OpenDate)
	setDate("close_date", existing.CloseDate, incoming.CloseDate)
	setDate("external_updated_at", existing.ExternalUpdatedAt, incoming.ExternalUpdatedAt)

	setList("eligibility", existing.Eligibility, incoming.Eligibility)
	setList("regions", existing.Regions, incoming.Regions)
	setList("tags", existing.Tags, incoming.Tags)

	return patch, audit
}

// PrepareForInsert finalizes a sanitized record for first persistence:
// assigns an ID and creation timestamps and defaults the status. The input
// is mutated in place and returned.
func PrepareForInsert(op *model.Opportunity, now time.Time) *model.Opportunity {
	if op.ID == "" {
		op.ID = uuid.NewString()
	}
	if op.Status == "" {
		op.Status = model.StatusUnknown
	}
	now = now.UTC()
	op.CreatedAt = now
	op.UpdatedAt = now
	return op
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
	return t.UTC()
}
