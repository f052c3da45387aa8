package domain

import "time"

// QualityReport summarizes one batch attempt. Reports are append-only: a
// replayed batch produces a second report with the same BatchID, and readers
// deduplicate on (batch_id, status) if they need exactly one row per batch.
//
// The counts always reconcile: Total = Valid + Invalid + Duplicate.
// NullFields counts records rejected for missing required fields and is a
// subset of Invalid, never a fourth bucket.
type QualityReport struct {
	BatchID  string      `json:"batch_id"`
	BatchSeq int64       `json:"batch_seq"`
	Status   BatchStatus `json:"status"`

	Total     int `json:"total"`
	Valid     int `json:"valid"`
	Invalid   int `json:"invalid"`
	Duplicate int `json:"duplicate"`

	NullFields     int `json:"null_fields"`
	DupInBatch     int `json:"dup_in_batch"`
	DupInStore     int `json:"dup_in_store"`
	SourcesSkipped int `json:"sources_skipped"`

	// RuleBreakdown counts violations per validation rule. One record can
	// contribute to several rules, so the sum may exceed Invalid.
	RuleBreakdown map[string]int `json:"rule_breakdown,omitempty"`

	// EventTypeCounts distributes accepted records across event types.
	EventTypeCounts map[string]int `json:"event_type_counts,omitempty"`

	// Price stats over accepted records; zero when none were accepted.
	PriceMin float64 `json:"price_min"`
	PriceMax float64 `json:"price_max"`
	PriceAvg float64 `json:"price_avg"`

	StartedAt time.Time     `json:"started_at"`
	Duration  time.Duration `json:"duration"`
}

// Consistent reports whether the headline counts reconcile.
func (r *QualityReport) Consistent() bool {
	return r.Total == r.Valid+r.Invalid+r.Duplicate &&
		r.Duplicate == r.DupInBatch+r.DupInStore &&
		r.NullFields <= r.Invalid
}
