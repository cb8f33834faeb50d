package model

import (
	"time"
)

// RawRecord is the tagged shape for a record from an upstream source before
// sanitization. Kind names the source's response shape; Fields is the
// decoded payload. Extraction rules (per source) say how to pull stable
// fields out of Fields.
type RawRecord struct {
	Kind   string         `json:"kind"`
	Fields map[string]any `json:"fields"`
}

// RawCacheEntry is one row of the raw payload cache, keyed by
// (source_id, fingerprint).
type RawCacheEntry struct {
	SourceID    string    `json:"source_id"`
	Fingerprint string    `json:"fingerprint"`
	Payload     []byte    `json:"payload"`
	Meta        map[string]any `json:"meta,omitempty"`
	FirstSeenAt time.Time `json:"first_seen_at"`
	LastSeenAt  time.Time `json:"last_seen_at"`
	CallCount   int       `json:"call_count"`
}

// Source describes an upstream system. Owned externally; read-only here.
type Source struct {
	ID          string `json:"id" yaml:"id"`
	Name        string `json:"name" yaml:"name"`
	Endpoint    string `json:"endpoint" yaml:"endpoint"`
	Kind        string `json:"kind" yaml:"kind"`
	// MappingFile points at the YAML extraction-rule table for this source.
	MappingFile string `json:"mapping_file,omitempty" yaml:"mapping_file,omitempty"`
	// AmountChangeThreshold overrides the default relative threshold for
	// treating monetary changes as material. Zero means use the default.
	AmountChangeThreshold float64 `json:"amount_change_threshold,omitempty" yaml:"amount_change_threshold,omitempty"`
}
