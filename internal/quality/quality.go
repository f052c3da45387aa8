// Package quality appends per-batch quality reports to the durable store.
// Reports are best-effort telemetry: they ride a buffered channel behind the
// hot path, drop when the buffer is full, and a failed insert is logged and
// forgotten. Ingestion never waits on a report.
package quality

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ignite/ecommerce-ingest/internal/domain"
	"github.com/ignite/ecommerce-ingest/internal/metrics"
)

const appendTimeout = 5 * time.Second

// Store writes quality report rows. Append-only: replayed batches produce a
// second row under the same batch_id and readers dedupe on (batch_id, status).
type Store struct {
	db       *sql.DB
	pipeline string
	query    string
}

func NewStore(db *sql.DB, table, pipeline string) *Store {
	query := fmt.Sprintf(`
		INSERT INTO %s (
			id, pipeline, batch_id, batch_seq, status,
			total_records, valid_records, invalid_records, duplicate_records,
			null_field_records, dup_in_batch, dup_in_store, sources_skipped,
			rule_breakdown, event_type_counts,
			price_min, price_max, price_avg,
			started_at, duration_ms, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, NOW())`, table)
	return &Store{db: db, pipeline: pipeline, query: query}
}

// Append inserts one report row.
func (s *Store) Append(ctx context.Context, r *domain.QualityReport) error {
	ruleJSON, err := json.Marshal(r.RuleBreakdown)
	if err != nil {
		return fmt.Errorf("marshal rule breakdown: %w", err)
	}
	typesJSON, err := json.Marshal(r.EventTypeCounts)
	if err != nil {
		return fmt.Errorf("marshal event type counts: %w", err)
	}

	_, err = s.db.ExecContext(ctx, s.query,
		uuid.New(), s.pipeline, r.BatchID, r.BatchSeq, string(r.Status),
		r.Total, r.Valid, r.Invalid, r.Duplicate,
		r.NullFields, r.DupInBatch, r.DupInStore, r.SourcesSkipped,
		ruleJSON, typesJSON,
		r.PriceMin, r.PriceMax, r.PriceAvg,
		r.StartedAt, r.Duration.Milliseconds())
	if err != nil {
		return fmt.Errorf("insert quality report: %w", err)
	}
	return nil
}

// Emitter decouples report writes from the batch loop. Emit never blocks;
// Close drains whatever was accepted before shutdown.
type Emitter struct {
	store *Store
	ch    chan *domain.QualityReport
	done  chan struct{}

	mu     sync.Mutex
	closed bool
}

func NewEmitter(store *Store, buffer int) *Emitter {
	if buffer <= 0 {
		buffer = 64
	}
	return &Emitter{
		store: store,
		ch:    make(chan *domain.QualityReport, buffer),
		done:  make(chan struct{}),
	}
}

// Start launches the background appender. Close only returns after Start
// has been called.
func (e *Emitter) Start() {
	go e.run()
}

func (e *Emitter) run() {
	defer close(e.done)
	for r := range e.ch {
		// Detached context: reports accepted before shutdown still land.
		ctx, cancel := context.WithTimeout(context.Background(), appendTimeout)
		if err := e.store.Append(ctx, r); err != nil {
			log.Printf("[Quality] append report for batch %s: %v", r.BatchID, err)
		}
		cancel()
	}
}

// Emit queues a report. A full buffer drops the report with a warning; the
// batch loop is never the one to wait.
func (e *Emitter) Emit(r *domain.QualityReport) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	select {
	case e.ch <- r:
	default:
		metrics.QualityReportsDropped.Inc()
		log.Printf("[Quality] buffer full, dropping report for batch %s", r.BatchID)
	}
}

// Close stops accepting reports and blocks until the queue drains.
func (e *Emitter) Close() {
	e.mu.Lock()
	if !e.closed {
		e.closed = true
		close(e.ch)
	}
	e.mu.Unlock()
	<-e.done
}
