// Package dedup implements content-addressed deduplication: stable-field
// fingerprinting, the raw payload cache, and new/unchanged/changed/stale
// classification against stored canonical records.
package dedup

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"time"
	"unicode"

	"github.com/rotisserie/eris"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"

	"github.com/fundsight/ingest-cli/internal/model"
	"github.com/fundsight/ingest-cli/internal/resilience"
)

// FieldType selects the normalization applied to an extracted stable field.
type FieldType string

const (
	FieldText   FieldType = "text"
	FieldAmount FieldType = "amount"
	FieldDate   FieldType = "date"
)

// Rule describes how to extract one stable field from a raw record. A rule
// tries, in order: the direct key, the nested path, then each alias (a
// configured mapping for sources that name the field differently).
type Rule struct {
	Field   string    `yaml:"field"`
	Type    FieldType `yaml:"type"`
	Direct  string    `yaml:"direct,omitempty"`
	Path    []string  `yaml:"path,omitempty"`
	Aliases []string  `yaml:"aliases,omitempty"`
	// MaxLen truncates text values before normalization (0 = no cap).
	MaxLen int `yaml:"max_len,omitempty"`
}

// DefaultRules covers the stable-field set shared by most sources: title,
// truncated description, deadline, award amount, and issuing agency.
func DefaultRules() []Rule {
	return []Rule{
		{Field: "title", Type: FieldText, Direct: "title", Aliases: []string{"opportunity_title", "name"}},
		{Field: "description", Type: FieldText, Direct: "description", Aliases: []string{"summary", "synopsis"}, MaxLen: 500},
		{Field: "deadline", Type: FieldDate, Direct: "close_date", Aliases: []string{"deadline", "response_date", "closing_date"}},
		{Field: "amount", Type: FieldAmount, Direct: "award_ceiling", Aliases: []string{"amount", "total_funding", "estimated_funding"}},
		{Field: "agency", Type: FieldText, Direct: "agency", Aliases: []string{"agency_name", "issuer", "department"}},
	}
}

// rawPrefixLimit bounds how much of the serialized payload the fallback
// hash covers when no stable field yields a value.
const rawPrefixLimit = 4096

// Fingerprint computes a deterministic hash over the normalized stable-field
// subset of a raw record. Same logical content yields the same hash
// regardless of field order or volatile metadata elsewhere in the payload.
// If no stable field yields a non-empty value, a bounded prefix of the
// serialized payload is hashed instead.
func Fingerprint(rec model.RawRecord, rules []Rule) (string, error) {
	if len(rules) == 0 {
		rules = DefaultRules()
	}

	stable := make(map[string]string, len(rules))
	for _, rule := range rules {
		raw, ok := extract(rec.Fields, rule)
		if !ok {
			continue
		}
		val := normalizeValue(raw, rule)
		if val != "" {
			stable[rule.Field] = val
		}
	}

	if len(stable) == 0 {
		return fallbackHash(rec)
	}

	// Sorted-key JSON keeps the digest stable across map iteration order.
	keys := make([]string, 0, len(stable))
	for k := range stable {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			b.WriteByte(',')
		}
		kj, _ := json.Marshal(k)
		vj, _ := json.Marshal(stable[k])
		b.Write(kj)
		b.WriteByte(':')
		b.Write(vj)
	}
	b.WriteByte('}')

	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:]), nil
}

// FallbackFingerprint produces a timestamp-based hash used when Fingerprint
// fails entirely. Records carrying it classify as new.
func FallbackFingerprint(sourceID string, now time.Time) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("fallback:%s:%d", sourceID, now.UnixNano())))
	return hex.EncodeToString(sum[:])
}

func fallbackHash(rec model.RawRecord) (string, error) {
	payload, err := json.Marshal(rec.Fields)
	if err != nil {
		return "", resilience.NewFingerprintComputationError(
			eris.Wrap(err, "dedup: serialize payload for fallback hash"))
	}
	if len(payload) > rawPrefixLimit {
		payload = payload[:rawPrefixLimit]
	}
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:]), nil
}

// extract pulls a raw value using the rule's direct key, nested path, or
// aliases, in that order.
func extract(fields map[string]any, rule Rule) (any, bool) {
	if rule.Direct != "" {
		if v, ok := fields[rule.Direct]; ok && v != nil {
			return v, true
		}
	}
	if len(rule.Path) > 0 {
		if v, ok := lookupPath(fields, rule.Path); ok {
			return v, true
		}
	}
	for _, alias := range rule.Aliases {
		if v, ok := fields[alias]; ok && v != nil {
			return v, true
		}
	}
	return nil, false
}

func lookupPath(fields map[string]any, path []string) (any, bool) {
	var cur any = fields
	for _, key := range path {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = m[key]
		if !ok || cur == nil {
			return nil, false
		}
	}
	return cur, true
}

func normalizeValue(raw any, rule Rule) string {
	switch rule.Type {
	case FieldAmount:
		f, ok := toFloat(raw)
		if !ok || !isFinite(f) {
			return ""
		}
		return strconv.FormatInt(int64(math.Round(f)), 10)
	case FieldDate:
		t, ok := toTime(raw)
		if !ok {
			return ""
		}
		return t.UTC().Format("2006-01-02")
	default:
		s, ok := raw.(string)
		if !ok {
			s = fmt.Sprintf("%v", raw)
		}
		if rule.MaxLen > 0 && len(s) > rule.MaxLen {
			s = s[:rule.MaxLen]
		}
		return NormalizeText(s)
	}
}

// stripMarks removes combining marks after NFD decomposition, folding
// accented characters to their base form.
var stripMarks = transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)

// NormalizeText lowercases, strips diacritics and punctuation, and collapses
// whitespace. Used for fingerprinting and type-aware text comparison.
func NormalizeText(s string) string {
	folded, _, err := transform.String(stripMarks, s)
	if err != nil {
		folded = s
	}

	var b strings.Builder
	b.Grow(len(folded))
	lastSpace := true
	for _, r := range strings.ToLower(folded) {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			b.WriteRune(r)
			lastSpace = false
		case unicode.IsSpace(r) || unicode.IsPunct(r) || unicode.IsSymbol(r):
			if !lastSpace {
				b.WriteByte(' ')
				lastSpace = true
			}
		}
	}
	return strings.TrimSpace(b.String())
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	case string:
		cleaned := strings.TrimSpace(n)
		cleaned = strings.TrimPrefix(cleaned, "$")
		cleaned = strings.ReplaceAll(cleaned, ",", "")
		if cleaned == "" {
			return 0, false
		}
		f, err := strconv.ParseFloat(cleaned, 64)
		return f, err == nil
	default:
		return 0, false
	}
}

func isFinite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}

var dateLayouts = []string{
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02",
	"01/02/2006",
	"Jan 2, 2006",
}

func toTime(v any) (time.Time, bool) {
	switch t := v.(type) {
	case time.Time:
		return t, true
	case *time.Time:
		if t == nil {
			return time.Time{}, false
		}
		return *t, true
	case string:
		s := strings.TrimSpace(t)
		for _, layout := range dateLayouts {
			if parsed, err := time.Parse(layout, s); err == nil {
				return parsed, true
			}
		}
		return time.Time{}, false
	default:
		return time.Time{}, false
	}
}
