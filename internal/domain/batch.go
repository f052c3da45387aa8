package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"time"
)

// BatchStatus tracks a batch through its lifecycle. Transitions only move
// forward: Discovered -> Validating -> Committing -> Committed or Failed.
type BatchStatus string

const (
	BatchDiscovered BatchStatus = "discovered"
	BatchValidating BatchStatus = "validating"
	BatchCommitting BatchStatus = "committing"
	BatchCommitted  BatchStatus = "committed"
	BatchFailed     BatchStatus = "failed"
)

// SourceRef identifies one source entry (file, object key, or queue message)
// contributing records to a batch. Names must sort ascending in drop order;
// producers embed a sortable timestamp for exactly this reason.
type SourceRef struct {
	Name string `json:"name"`
	Size int64  `json:"size"`
}

// Batch describes one unit of ingestion work: an ordered set of source refs
// discovered together.
type Batch struct {
	// ID is deterministic over the ordered source names, so a replayed
	// batch keeps its identity and downstream consumers can deduplicate
	// per-batch artifacts like quality reports.
	ID string `json:"id"`

	// Seq is the batch's position in the commit sequence for this
	// pipeline. Assigned by the runner, persisted in the checkpoint.
	Seq int64 `json:"seq"`

	Sources      []SourceRef `json:"sources"`
	DiscoveredAt time.Time   `json:"discovered_at"`
	Status       BatchStatus `json:"status"`
}

// BatchID derives the deterministic batch identifier for an ordered set of
// source refs: the first 16 bytes of a SHA-256 over the names.
func BatchID(sources []SourceRef) string {
	h := sha256.New()
	for _, s := range sources {
		h.Write([]byte(s.Name))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil)[:16])
}

// LastSource returns the highest-sorting source name in the batch, which is
// the resume point the checkpoint records. Empty for batches with no
// sources.
func (b *Batch) LastSource() string {
	if len(b.Sources) == 0 {
		return ""
	}
	return b.Sources[len(b.Sources)-1].Name
}

// TotalBytes sums the declared sizes of all source refs.
func (b *Batch) TotalBytes() int64 {
	var n int64
	for _, s := range b.Sources {
		n += s.Size
	}
	return n
}
