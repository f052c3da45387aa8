// Package source discovers record batches at a drop location. Three
// location kinds are supported: a local directory of CSV drops, an S3
// prefix, and an AMQP queue. Discovery is at-least-once: a batch not yet
// checkpointed may be produced again after a restart, and downstream
// relies on the sink's idempotent writes to make that safe.
package source

import (
	"context"
	"errors"

	"github.com/ignite/ecommerce-ingest/internal/domain"
)

// ErrClosed is returned by Next after the watcher is closed.
var ErrClosed = errors.New("source: watcher closed")

// ReadResult carries a batch's records plus how many of its sources could
// not be read. Skipped sources stay listed on the batch; they just
// contribute no records.
type ReadResult struct {
	Records        []domain.RawRecord
	SourcesSkipped int
}

// Watcher produces batches in discovery order.
//
// Next blocks until a batch is available or ctx ends. Read materializes a
// discovered batch's records in source order; an unreadable source is
// skipped and counted, never fatal. Settle reports the batch's final fate
// once the pipeline has either checkpointed it or given up, which is what
// lets the queue-backed watcher ack or requeue its delivery; the file
// watchers ignore it (their retry path is the checkpoint cursor on
// restart).
type Watcher interface {
	Next(ctx context.Context) (*domain.Batch, error)
	Read(ctx context.Context, batch *domain.Batch) (*ReadResult, error)
	Settle(ctx context.Context, batch *domain.Batch, committed bool)
	Close() error
}
