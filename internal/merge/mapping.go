package merge

import (
	"os"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/fundsight/ingest-cli/internal/model"
)

// FieldMapping is a bidirectional field-name dictionary between a source's
// external response shape and the canonical schema. Keys are canonical field
// names, values are the external names carrying them.
type FieldMapping struct {
	Source string            `yaml:"source"`
	Fields map[string]string `yaml:"fields"`

	// reverse is built lazily: external name -> canonical name.
	reverse map[string]string
}

// DefaultMapping covers the common field names seen across grant APIs.
// Per-source mapping files override it.
func DefaultMapping() *FieldMapping {
	return &FieldMapping{
		Fields: map[string]string{
			"external_id":         "id",
			"title":               "title",
			"description":         "description",
			"agency":              "agency",
			"url":                 "url",
			"status":              "status",
			"award_floor":         "award_floor",
			"award_ceiling":       "award_ceiling",
			"total_funding":       "total_funding",
			"open_date":           "open_date",
			"close_date":          "close_date",
			"eligibility":         "eligibility",
			"regions":             "regions",
			"tags":                "tags",
			"external_updated_at": "updated_at",
		},
	}
}

// LoadMapping reads a per-source mapping file. Canonical fields absent from
// the file fall back to the default mapping.
func LoadMapping(path string) (*FieldMapping, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "merge: read mapping %s", path)
	}
	var m FieldMapping
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, eris.Wrapf(err, "merge: parse mapping %s", path)
	}
	def := DefaultMapping()
	if m.Fields == nil {
		m.Fields = def.Fields
	} else {
		for canonical, external := range def.Fields {
			if _, ok := m.Fields[canonical]; !ok {
				m.Fields[canonical] = external
			}
		}
	}
	return &m, nil
}

// External returns the external field name for a canonical one.
func (m *FieldMapping) External(canonical string) (string, bool) {
	ext, ok := m.Fields[canonical]
	return ext, ok
}

// Canonical returns the canonical field name for an external one.
func (m *FieldMapping) Canonical(external string) (string, bool) {
	if m.reverse == nil {
		m.reverse = make(map[string]string, len(m.Fields))
		for c, e := range m.Fields {
			m.reverse[e] = c
		}
	}
	c, ok := m.reverse[external]
	return c, ok
}

// MapExternalToCanonical applies the field dictionary and per-field
// sanitizers to a raw record. A sanitization failure on one field degrades
// that field to its zero value and is returned as an issue; the record as a
// whole is never rejected here.
func MapExternalToCanonical(rec model.RawRecord, m *FieldMapping) (*model.Opportunity, []FieldIssue) {
	if m == nil {
		m = DefaultMapping()
	}

	var issues []FieldIssue
	note := func(field, reason string) {
		issues = append(issues, FieldIssue{Field: field, Reason: reason})
		zap.L().Debug("merge: field degraded to null",
			zap.String("field", field), zap.String("reason", reason))
	}

	get := func(canonical string) (any, bool) {
		ext, ok := m.External(canonical)
		if !ok {
			return nil, false
		}
		v, ok := rec.Fields[ext]
		return v, ok
	}
	getString := func(canonical string) string {
		v, ok := get(canonical)
		if !ok || v == nil {
			return ""
		}
		s, ok := v.(string)
		if !ok {
			note(canonical, "expected string")
			return ""
		}
		return s
	}

	op := &model.Opportunity{
		ExternalID:  CleanText(getString("external_id"), maxListEntryLen),
		Title:       CleanText(getString("title"), maxTitleLen),
		Description: CleanText(getString("description"), maxDescriptionLen),
		Agency:      CleanText(getString("agency"), maxAgencyLen),
		Status:      model.StatusUnknown,
	}

	if raw := getString("url"); raw != "" {
		op.URL = CleanURL(raw)
		if op.URL == "" {
			note("url", "not a valid http(s) url")
		}
	}
	if v, ok := get("status"); ok && v != nil {
		op.Status = NormalizeStatus(v)
	}

	for canonical, dst := range map[string]**float64{
		"award_floor":   &op.AwardFloor,
		"award_ceiling": &op.AwardCeiling,
		"total_funding": &op.TotalFunding,
	} {
		v, ok := get(canonical)
		if !ok || v == nil {
			continue
		}
		if amt := ParseAmount(v); amt != nil {
			*dst = amt
		} else {
			note(canonical, "unparseable amount")
		}
	}

	for canonical, dst := range map[string]**time.Time{
		"open_date":           &op.OpenDate,
		"close_date":          &op.CloseDate,
		"external_updated_at": &op.ExternalUpdatedAt,
	} {
		v, ok := get(canonical)
		if !ok || v == nil {
			continue
		}
		if t := ParseDate(v); t != nil {
			*dst = t
		} else {
			note(canonical, "unparseable date")
		}
	}

	if v, ok := get("eligibility"); ok {
		op.Eligibility = CleanList(v)
	}
	if v, ok := get("regions"); ok {
		op.Regions = CleanList(v)
	}
	if v, ok := get("tags"); ok {
		op.Tags = CleanList(v)
	}

	return op, issues
}
