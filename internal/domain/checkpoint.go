package domain

import "time"

// Checkpoint records the last durably committed batch for a pipeline. It is
// written strictly after the batch's rows are visible in the store, so on
// restart the pipeline re-discovers everything after LastSource and relies
// on idempotent writes to absorb any overlap.
type Checkpoint struct {
	Pipeline    string    `json:"pipeline"`
	Seq         int64     `json:"seq"`
	BatchID     string    `json:"batch_id"`
	LastSource  string    `json:"last_source"`
	CommittedAt time.Time `json:"committed_at"`
}

// IsZero reports whether no batch has ever been committed for the pipeline.
func (c Checkpoint) IsZero() bool {
	return c.Seq == 0 && c.BatchID == "" && c.LastSource == ""
}
