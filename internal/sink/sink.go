// Package sink commits validated batches to the durable event store. A
// batch is one transaction: every row becomes visible together or not at
// all. Writes are idempotent upserts keyed by event_id, so replaying an
// already-committed batch refreshes updated_at instead of failing, and the
// insert/refresh split is how cross-batch duplicates get counted.
package sink

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/lib/pq"

	"github.com/ignite/ecommerce-ingest/internal/domain"
	"github.com/ignite/ecommerce-ingest/internal/pkg/retry"
)

// ErrCommitExhausted marks a batch whose commit failed through the whole
// retry budget. The caller withholds the checkpoint and marks the batch
// Failed.
var ErrCommitExhausted = errors.New("sink: commit retries exhausted")

// eventColumns is the insert column list, in Event field order plus the
// store-assigned created_at/updated_at pair.
const eventColumns = `event_id, event_type, product_id, product_name, category, brand, sku, price,
	customer_id, customer_email, customer_name, customer_address,
	session_id, user_agent, ip_address, price_category, device_type,
	event_timestamp, created_at, updated_at`

const paramsPerRow = 18

// CommitResult splits the batch's rows into fresh inserts and rows that
// already existed (cross-batch duplicates, refreshed only).
type CommitResult struct {
	Inserted  int
	Refreshed int
	Duration  time.Duration
}

// Writer owns the durable store connection for the pipeline.
type Writer struct {
	db        *sql.DB
	table     string
	chunkSize int
	policy    retry.Policy
}

// NewWriter builds a Writer on the shared pool. Table names come from
// config, not user input.
func NewWriter(db *sql.DB, table string, chunkSize int, policy retry.Policy) *Writer {
	if chunkSize <= 0 {
		chunkSize = 500
	}
	return &Writer{db: db, table: table, chunkSize: chunkSize, policy: policy}
}

// Commit writes a batch's events inside one transaction, retrying the whole
// transaction on transient failures. Exhausting the retry budget returns
// ErrCommitExhausted (wrapped); validation-class SQL errors fail fast since
// retrying cannot fix them.
func (w *Writer) Commit(ctx context.Context, batch *domain.Batch, events []*domain.Event) (CommitResult, error) {
	start := time.Now()
	if len(events) == 0 {
		return CommitResult{Duration: time.Since(start)}, nil
	}

	var res CommitResult
	err := retry.Do(ctx, w.policy, isTransient, func(ctx context.Context) error {
		var attemptErr error
		res, attemptErr = w.commitOnce(ctx, events)
		if attemptErr != nil {
			log.Printf("[Sink] commit %s attempt failed: %v", batch.ID, attemptErr)
		}
		return attemptErr
	})
	res.Duration = time.Since(start)
	if err != nil {
		// Only a spent retry budget counts as exhaustion. Context
		// cancellation and fail-fast SQL errors come back as themselves.
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) || !isTransient(err) {
			return res, err
		}
		return res, fmt.Errorf("%w: %v", ErrCommitExhausted, err)
	}
	return res, nil
}

func (w *Writer) commitOnce(ctx context.Context, events []*domain.Event) (CommitResult, error) {
	var res CommitResult

	tx, err := w.db.BeginTx(ctx, nil)
	if err != nil {
		return res, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	for i := 0; i < len(events); i += w.chunkSize {
		end := i + w.chunkSize
		if end > len(events) {
			end = len(events)
		}
		inserted, refreshed, err := w.upsertChunk(ctx, tx, events[i:end])
		if err != nil {
			return CommitResult{}, err
		}
		res.Inserted += inserted
		res.Refreshed += refreshed
	}

	if err := tx.Commit(); err != nil {
		return CommitResult{}, fmt.Errorf("commit: %w", err)
	}
	return res, nil
}

// upsertChunk runs one multi-row upsert. RETURNING (xmax = 0) is true for
// rows this statement inserted and false for rows that pre-existed and only
// had updated_at bumped.
func (w *Writer) upsertChunk(ctx context.Context, tx *sql.Tx, events []*domain.Event) (inserted, refreshed int, err error) {
	var sb strings.Builder
	fmt.Fprintf(&sb, "INSERT INTO %s (%s) VALUES ", w.table, eventColumns)

	args := make([]interface{}, 0, len(events)*paramsPerRow)
	for i, e := range events {
		if i > 0 {
			sb.WriteString(", ")
		}
		base := i * paramsPerRow
		sb.WriteString("(")
		for p := 1; p <= paramsPerRow; p++ {
			if p > 1 {
				sb.WriteString(", ")
			}
			fmt.Fprintf(&sb, "$%d", base+p)
		}
		sb.WriteString(", NOW(), NOW())")

		args = append(args,
			e.EventID, string(e.EventType), e.ProductID, e.ProductName, e.Category,
			nullable(e.Brand), nullable(e.SKU), e.Price,
			e.CustomerID, nullable(e.CustomerEmail), nullable(e.CustomerName), nullable(e.CustomerAddress),
			e.SessionID, nullable(e.UserAgent), nullable(e.IPAddress),
			string(e.PriceCategory), string(e.DeviceType),
			e.EventTimestamp,
		)
	}
	sb.WriteString(" ON CONFLICT (event_id) DO UPDATE SET updated_at = NOW() RETURNING (xmax = 0)")

	rows, err := tx.QueryContext(ctx, sb.String(), args...)
	if err != nil {
		return 0, 0, fmt.Errorf("upsert chunk: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var fresh bool
		if err := rows.Scan(&fresh); err != nil {
			return 0, 0, fmt.Errorf("scan upsert result: %w", err)
		}
		if fresh {
			inserted++
		} else {
			refreshed++
		}
	}
	return inserted, refreshed, rows.Err()
}

// nullable turns empty optional text into SQL NULL.
func nullable(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// isTransient classifies commit errors. Data, constraint and syntax error
// classes cannot succeed on retry; everything else (connection drops,
// serialization failures, admin shutdowns) is worth another attempt.
func isTransient(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code.Class() {
		case "22", "23", "42":
			return false
		}
	}
	return true
}
