// Package checkpoint persists the per-pipeline resume point. The row is
// written strictly after a batch's events are visible in the store, and the
// update carries a monotonic guard in SQL so the sequence can never move
// backwards, not even under operator error or a double-started pipeline.
package checkpoint

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/ignite/ecommerce-ingest/internal/domain"
	"github.com/ignite/ecommerce-ingest/internal/pkg/retry"
)

// ErrCorrupt means the store refused an advance because the recorded
// sequence is already past the one being written. Something else has been
// committing under this pipeline name; continuing would interleave two
// histories, so the caller must stop.
var ErrCorrupt = errors.New("checkpoint: stored sequence is ahead of advance")

const loadQuery = `
	SELECT batch_seq, batch_id, last_source, committed_at
	FROM pipeline_checkpoints
	WHERE pipeline = $1`

const advanceQuery = `
	INSERT INTO pipeline_checkpoints (pipeline, batch_seq, batch_id, last_source, committed_at)
	VALUES ($1, $2, $3, $4, NOW())
	ON CONFLICT (pipeline) DO UPDATE SET
		batch_seq = excluded.batch_seq,
		batch_id = excluded.batch_id,
		last_source = excluded.last_source,
		committed_at = NOW()
	WHERE excluded.batch_seq >= pipeline_checkpoints.batch_seq`

// Store reads and advances checkpoints in Postgres.
type Store struct {
	db     *sql.DB
	policy retry.Policy
}

func NewStore(db *sql.DB, policy retry.Policy) *Store {
	return &Store{db: db, policy: policy}
}

// Load returns the checkpoint for a pipeline, or a zero checkpoint when the
// pipeline has never committed. Called once at startup, before the loop.
func (s *Store) Load(ctx context.Context, pipeline string) (domain.Checkpoint, error) {
	cp := domain.Checkpoint{Pipeline: pipeline}
	err := s.db.QueryRowContext(ctx, loadQuery, pipeline).
		Scan(&cp.Seq, &cp.BatchID, &cp.LastSource, &cp.CommittedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Checkpoint{Pipeline: pipeline}, nil
	}
	if err != nil {
		return domain.Checkpoint{}, fmt.Errorf("load checkpoint %s: %w", pipeline, err)
	}
	return cp, nil
}

// Advance records cp as the new resume point. Equal sequences re-advance
// cleanly (a replayed batch rewrites its own row); a stored sequence ahead
// of cp.Seq comes back as ErrCorrupt and is never retried. Transient store
// failures retry under the policy.
func (s *Store) Advance(ctx context.Context, cp domain.Checkpoint) error {
	retryable := func(err error) bool { return !errors.Is(err, ErrCorrupt) }
	return retry.Do(ctx, s.policy, retryable, func(ctx context.Context) error {
		res, err := s.db.ExecContext(ctx, advanceQuery, cp.Pipeline, cp.Seq, cp.BatchID, cp.LastSource)
		if err != nil {
			return fmt.Errorf("advance checkpoint %s: %w", cp.Pipeline, err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("advance checkpoint %s: %w", cp.Pipeline, err)
		}
		if affected == 0 {
			return fmt.Errorf("%w: pipeline %s rejected seq %d", ErrCorrupt, cp.Pipeline, cp.Seq)
		}
		return nil
	})
}
