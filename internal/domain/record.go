package domain

import "strings"

// RawRecord is one source record exactly as received, before validation.
// Values stay untyped strings until the validator promotes them; a key
// missing from Fields means the source did not carry that field at all,
// which the validator treats the same as an empty value.
type RawRecord struct {
	// Fields maps source column names to their raw string values.
	Fields map[string]string

	// Source names the file, object, or message the record came from.
	Source string

	// Ordinal is the zero-based position within the batch in discovery
	// order. It breaks ties during deduplication and makes diagnostics
	// reproducible.
	Ordinal int
}

// Field returns the raw value for a source column, with surrounding
// whitespace removed. Missing columns come back as the empty string.
func (r RawRecord) Field(name string) string {
	return strings.TrimSpace(r.Fields[name])
}
