package merge

import (
	"encoding/json"
	"math"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/fundsight/ingest-cli/internal/model"
)

// Field length caps applied during sanitization. Values beyond the cap are
// truncated, not rejected.
const (
	maxTitleLen       = 512
	maxDescriptionLen = 8192
	maxAgencyLen      = 256
	maxListEntryLen   = 128
)

// FieldIssue records a single-field sanitization failure. The field degrades
// to its zero value and ingestion of the record continues.
type FieldIssue struct {
	Field  string `json:"field"`
	Reason string `json:"reason"`
}

// CleanText trims, collapses internal whitespace, and caps a string at max
// runes. A max of 0 means no cap.
func CleanText(s string, max int) string {
	s = strings.Join(strings.Fields(s), " ")
	if max > 0 {
		if r := []rune(s); len(r) > max {
			s = string(r[:max])
		}
	}
	return s
}

// CleanURL validates a URL, prefixing https:// when the scheme is missing.
// Returns "" for anything that does not parse to an http(s) URL with a host.
func CleanURL(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}
	if !strings.Contains(s, "://") {
		s = "https://" + s
	}
	u, err := url.Parse(s)
	if err != nil || u.Host == "" {
		return ""
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return ""
	}
	return u.String()
}

// ParseAmount parses a monetary value from a number or currency-formatted
// string ("$250,000", "1.5e6"). Non-finite or zero values are treated as
// absent and return nil.
func ParseAmount(v any) *float64 {
	var f float64
	switch n := v.(type) {
	case float64:
		f = n
	case float32:
		f = float64(n)
	case int:
		f = float64(n)
	case int64:
		f = float64(n)
	case json.Number:
		parsed, err := n.Float64()
		if err != nil {
			return nil
		}
		f = parsed
	case string:
		s := strings.TrimSpace(n)
		s = strings.TrimPrefix(s, "$")
		s = strings.ReplaceAll(s, ",", "")
		s = strings.TrimSpace(s)
		if s == "" {
			return nil
		}
		parsed, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return nil
		}
		f = parsed
	default:
		return nil
	}
	if f == 0 || math.IsNaN(f) || math.IsInf(f, 0) {
		return nil
	}
	return &f
}

// dateLayouts are tried in order when parsing external date strings.
var dateLayouts = []string{
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02",
	"01/02/2006",
	"Jan 2, 2006",
	"January 2, 2006",
}

// ParseDate parses an external date value to a UTC instant, or nil when it
// cannot be parsed.
func ParseDate(v any) *time.Time {
	switch d := v.(type) {
	case time.Time:
		u := d.UTC()
		return &u
	case *time.Time:
		if d == nil {
			return nil
		}
		u := d.UTC()
		return &u
	case string:
		s := strings.TrimSpace(d)
		if s == "" {
			return nil
		}
		for _, layout := range dateLayouts {
			if t, err := time.Parse(layout, s); err == nil {
				u := t.UTC()
				return &u
			}
		}
	}
	return nil
}

// CleanList trims entries, drops empties, and dedupes case-insensitively
// while preserving first-seen order. Accepts []string, []any, or a single
// delimited string.
func CleanList(v any) []string {
	var raw []string
	switch l := v.(type) {
	case []string:
		raw = l
	case []any:
		for _, e := range l {
			if s, ok := e.(string); ok {
				raw = append(raw, s)
			}
		}
	case string:
		raw = strings.FieldsFunc(l, func(r rune) bool { return r == ',' || r == ';' || r == '|' })
	default:
		return nil
	}

	seen := make(map[string]bool, len(raw))
	var out []string
	for _, e := range raw {
		e = CleanText(e, maxListEntryLen)
		if e == "" {
			continue
		}
		key := strings.ToLower(e)
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, e)
	}
	return out
}

// ParseBool parses common truthy/falsy string tokens. The second return
// reports whether the value was recognized.
func ParseBool(v any) (bool, bool) {
	switch b := v.(type) {
	case bool:
		return b, true
	case string:
		switch strings.ToLower(strings.TrimSpace(b)) {
		case "true", "yes", "y", "1", "on":
			return true, true
		case "false", "no", "n", "0", "off":
			return false, true
		}
	case float64:
		if b == 0 || b == 1 {
			return b == 1, true
		}
	}
	return false, false
}

// statusSynonyms maps external status tokens to the canonical enum.
var statusSynonyms = map[string]model.OpportunityStatus{
	"open":       model.StatusOpen,
	"active":     model.StatusOpen,
	"available":  model.StatusOpen,
	"posted":     model.StatusOpen,
	"accepting":  model.StatusOpen,
	"forecasted": model.StatusForecasted,
	"forecast":   model.StatusForecasted,
	"upcoming":   model.StatusForecasted,
	"planned":    model.StatusForecasted,
	"closed":     model.StatusClosed,
	"expired":    model.StatusClosed,
	"ended":      model.StatusClosed,
	"inactive":   model.StatusClosed,
	"archived":   model.StatusArchived,
	"deleted":    model.StatusArchived,
	"withdrawn":  model.StatusArchived,
}

// NormalizeStatus maps an external status value through the synonym table.
// Unrecognized values normalize to unknown.
func NormalizeStatus(v any) model.OpportunityStatus {
	s, _ := v.(string)
	if st, ok := statusSynonyms[strings.ToLower(strings.TrimSpace(s))]; ok {
		return st
	}
	return model.StatusUnknown
}
