// Package pipeline drives the micro-batch ingestion loop: discover a batch,
// validate it in parallel, collapse in-batch duplicates, commit to the
// durable store, advance the checkpoint, report quality. One batch commits
// at a time, in discovery order. Rows always land before the checkpoint
// moves, and the sink's upserts are idempotent, so crash recovery is a
// replay, never a repair.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/ignite/ecommerce-ingest/internal/checkpoint"
	"github.com/ignite/ecommerce-ingest/internal/dedup"
	"github.com/ignite/ecommerce-ingest/internal/domain"
	"github.com/ignite/ecommerce-ingest/internal/metrics"
	"github.com/ignite/ecommerce-ingest/internal/pkg/distlock"
	"github.com/ignite/ecommerce-ingest/internal/pkg/logger"
	"github.com/ignite/ecommerce-ingest/internal/sink"
	"github.com/ignite/ecommerce-ingest/internal/source"
	"github.com/ignite/ecommerce-ingest/internal/validate"
)

// Committer persists one batch's events atomically and idempotently.
type Committer interface {
	Commit(ctx context.Context, batch *domain.Batch, events []*domain.Event) (sink.CommitResult, error)
}

// CheckpointStore advances the durable resume point.
type CheckpointStore interface {
	Advance(ctx context.Context, cp domain.Checkpoint) error
}

// Reporter receives per-batch quality reports. Implementations must not
// block the loop.
type Reporter interface {
	Emit(r *domain.QualityReport)
}

// Config tunes the loop.
type Config struct {
	Pipeline          string
	Workers           int
	ContinueOnFailure bool
	SummaryEvery      int
}

// Runner owns the batch loop for one pipeline.
type Runner struct {
	cfg         Config
	watcher     source.Watcher
	validator   *validate.Validator
	committer   Committer
	checkpoints CheckpointStore
	reports     Reporter
	lost        <-chan struct{}

	batches  int64
	commits  int64
	failures int64
	written  int64
}

// New wires a runner. reports may be nil; lost may be nil when no lease is
// in play (a nil channel never fires).
func New(cfg Config, watcher source.Watcher, validator *validate.Validator, committer Committer,
	checkpoints CheckpointStore, reports Reporter, lost <-chan struct{}) *Runner {
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	return &Runner{
		cfg:         cfg,
		watcher:     watcher,
		validator:   validator,
		committer:   committer,
		checkpoints: checkpoints,
		reports:     reports,
		lost:        lost,
	}
}

// IsFatal reports whether an error invalidates this process's claim on the
// checkpoint lineage. Fatal errors override continue_on_failure.
func IsFatal(err error) bool {
	return errors.Is(err, checkpoint.ErrCorrupt) || errors.Is(err, distlock.ErrLost)
}

// Run processes batches until ctx is cancelled or the source closes (both
// clean stops), a fatal error occurs, or a batch fails while
// continue_on_failure is off.
func (r *Runner) Run(ctx context.Context) error {
	log.Printf("[Runner] Starting pipeline %s (workers=%d, continue_on_failure=%v)",
		r.cfg.Pipeline, r.cfg.Workers, r.cfg.ContinueOnFailure)

	for {
		select {
		case <-ctx.Done():
			log.Println("[Runner] Stopping")
			return nil
		case <-r.lost:
			return fmt.Errorf("pipeline %s: %w", r.cfg.Pipeline, distlock.ErrLost)
		default:
		}

		batch, err := r.watcher.Next(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, source.ErrClosed) {
				log.Println("[Runner] Stopping")
				return nil
			}
			return fmt.Errorf("next batch: %w", err)
		}
		metrics.BatchesDiscovered.Inc()
		r.batches++

		if err := r.process(ctx, batch); err != nil {
			if errors.Is(err, context.Canceled) {
				// Shutdown landed before this batch reached its commit
				// step. Nothing durable happened; it is rediscovered on
				// restart.
				log.Println("[Runner] Stopping")
				return nil
			}
			r.failures++
			metrics.BatchesFailed.Inc()
			if IsFatal(err) || !r.cfg.ContinueOnFailure {
				return err
			}
			log.Printf("[Runner] Batch %s failed, continuing: %v", batch.ID, err)
		}

		if r.cfg.SummaryEvery > 0 && r.batches%int64(r.cfg.SummaryEvery) == 0 {
			log.Printf("[Runner] Summary: %d batches seen, %d committed, %d failed, %d events written",
				r.batches, r.commits, r.failures, r.written)
		}
	}
}

// process runs one batch through its whole lifecycle. Before the commit
// step it may be abandoned by cancellation; once committing starts the
// batch always finishes, settles, and reports.
func (r *Runner) process(ctx context.Context, batch *domain.Batch) error {
	start := time.Now()
	batch.Status = domain.BatchValidating

	read, err := r.watcher.Read(ctx, batch)
	if err != nil {
		batch.Status = domain.BatchFailed
		r.watcher.Settle(context.WithoutCancel(ctx), batch, false)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("read batch %s: %w", batch.ID, err)
	}
	metrics.SourcesSkipped.Add(float64(read.SourcesSkipped))

	res := r.validator.ValidateBatch(read.Records, r.cfg.Workers)
	unique, dupInBatch := dedup.Collapse(res.Events)

	batch.Status = domain.BatchCommitting
	// From here the batch always finishes; shutdown waits for the boundary.
	finishCtx := context.WithoutCancel(ctx)

	cres, err := r.committer.Commit(finishCtx, batch, unique)
	if err != nil {
		return r.fail(finishCtx, batch, read, res, len(unique), len(dupInBatch), start,
			fmt.Errorf("commit batch %s: %w", batch.ID, err))
	}

	select {
	case <-r.lost:
		// The rows are durable but the checkpoint must not move: this
		// process may no longer be the writer. The next owner replays the
		// batch and the upsert absorbs it.
		batch.Status = domain.BatchFailed
		r.watcher.Settle(finishCtx, batch, false)
		return fmt.Errorf("pipeline %s: %w", r.cfg.Pipeline, distlock.ErrLost)
	default:
	}

	cp := domain.Checkpoint{
		Pipeline:   r.cfg.Pipeline,
		Seq:        batch.Seq,
		BatchID:    batch.ID,
		LastSource: batch.LastSource(),
	}
	if err := r.checkpoints.Advance(finishCtx, cp); err != nil {
		return r.fail(finishCtx, batch, read, res, len(unique), len(dupInBatch), start,
			fmt.Errorf("advance checkpoint for batch %s: %w", batch.ID, err))
	}
	metrics.CheckpointSeq.Set(float64(batch.Seq))

	batch.Status = domain.BatchCommitted
	r.watcher.Settle(finishCtx, batch, true)

	report := newReport(batch, read, res, len(unique), len(dupInBatch), cres)
	report.StartedAt = start
	report.Duration = time.Since(start)
	r.emit(report)

	r.commits++
	r.written += int64(cres.Inserted)
	metrics.BatchesCommitted.Inc()
	metrics.EventsWritten.Add(float64(cres.Inserted))
	metrics.RecordsProcessed.WithLabelValues("valid").Add(float64(report.Valid))
	metrics.RecordsProcessed.WithLabelValues("invalid").Add(float64(report.Invalid))
	metrics.RecordsProcessed.WithLabelValues("duplicate").Add(float64(report.Duplicate))
	metrics.BatchDuration.Observe(report.Duration.Seconds())

	logger.Info("batch committed",
		"pipeline", r.cfg.Pipeline,
		"batch_id", batch.ID,
		"seq", batch.Seq,
		"total", report.Total,
		"valid", report.Valid,
		"invalid", report.Invalid,
		"duplicate", report.Duplicate,
		"inserted", cres.Inserted,
		"refreshed", cres.Refreshed,
		"sources_skipped", read.SourcesSkipped,
		"duration", report.Duration.Round(time.Millisecond))
	return nil
}

// fail settles a batch as not-committed, reports it, and passes the error
// up for the continue_on_failure decision.
func (r *Runner) fail(ctx context.Context, batch *domain.Batch, read *source.ReadResult, res validate.Result,
	uniqueCount, dupInBatch int, start time.Time, err error) error {
	batch.Status = domain.BatchFailed
	r.watcher.Settle(ctx, batch, false)

	report := newReport(batch, read, res, uniqueCount, dupInBatch, sink.CommitResult{})
	report.StartedAt = start
	report.Duration = time.Since(start)
	r.emit(report)

	logger.Error("batch failed",
		"pipeline", r.cfg.Pipeline,
		"batch_id", batch.ID,
		"seq", batch.Seq,
		"total", report.Total,
		"error", err.Error())
	return err
}

// newReport reconciles the batch's counts. For committed batches Valid
// counts fresh rows and DupInStore the refreshed ones; for failed batches
// nothing landed, so Valid counts what passed validation. Either way
// Total = Valid + Invalid + Duplicate holds.
func newReport(batch *domain.Batch, read *source.ReadResult, res validate.Result,
	uniqueCount, dupInBatch int, cres sink.CommitResult) *domain.QualityReport {
	rep := &domain.QualityReport{
		BatchID:         batch.ID,
		BatchSeq:        batch.Seq,
		Status:          batch.Status,
		Total:           len(read.Records),
		Invalid:         len(res.Rejected),
		NullFields:      res.NullFields,
		DupInBatch:      dupInBatch,
		SourcesSkipped:  read.SourcesSkipped,
		RuleBreakdown:   res.RuleCounts,
		EventTypeCounts: res.EventTypeCounts,
		PriceMin:        res.PriceMin,
		PriceMax:        res.PriceMax,
		PriceAvg:        res.PriceAvg(),
	}
	if batch.Status == domain.BatchCommitted {
		rep.Valid = cres.Inserted
		rep.DupInStore = cres.Refreshed
	} else {
		rep.Valid = uniqueCount
	}
	rep.Duplicate = dupInBatch + rep.DupInStore
	return rep
}

func (r *Runner) emit(rep *domain.QualityReport) {
	if r.reports != nil {
		r.reports.Emit(rep)
	}
}
