package pipeline

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/ignite/ecommerce-ingest/internal/checkpoint"
	"github.com/ignite/ecommerce-ingest/internal/domain"
	"github.com/ignite/ecommerce-ingest/internal/pkg/distlock"
	"github.com/ignite/ecommerce-ingest/internal/sink"
	"github.com/ignite/ecommerce-ingest/internal/source"
	"github.com/ignite/ecommerce-ingest/internal/validate"
)

// ====================
// Fakes
// ====================

// fakeWatcher serves a fixed queue of batches, then reports closed so Run
// drains cleanly.
type fakeWatcher struct {
	batches []*domain.Batch
	reads   map[string]*source.ReadResult
	readErr map[string]error
	settled map[string]bool
}

func newFakeWatcher() *fakeWatcher {
	return &fakeWatcher{
		reads:   make(map[string]*source.ReadResult),
		readErr: make(map[string]error),
		settled: make(map[string]bool),
	}
}

func (f *fakeWatcher) add(batch *domain.Batch, records ...domain.RawRecord) {
	f.batches = append(f.batches, batch)
	f.reads[batch.ID] = &source.ReadResult{Records: records}
}

func (f *fakeWatcher) Next(ctx context.Context) (*domain.Batch, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(f.batches) == 0 {
		return nil, source.ErrClosed
	}
	b := f.batches[0]
	f.batches = f.batches[1:]
	return b, nil
}

func (f *fakeWatcher) Read(ctx context.Context, batch *domain.Batch) (*source.ReadResult, error) {
	if err := f.readErr[batch.ID]; err != nil {
		return nil, err
	}
	return f.reads[batch.ID], nil
}

func (f *fakeWatcher) Settle(ctx context.Context, batch *domain.Batch, committed bool) {
	f.settled[batch.ID] = committed
}

func (f *fakeWatcher) Close() error { return nil }

// fakeStore simulates the durable table: a set of event IDs with idempotent
// upsert counting, scripted failures, and an optional post-commit hook.
type fakeStore struct {
	rows        map[string]int
	commits     [][]*domain.Event
	failNext    int
	afterCommit func()
}

func newFakeStore() *fakeStore {
	return &fakeStore{rows: make(map[string]int)}
}

func (s *fakeStore) Commit(ctx context.Context, batch *domain.Batch, events []*domain.Event) (sink.CommitResult, error) {
	if s.failNext > 0 {
		s.failNext--
		return sink.CommitResult{}, fmt.Errorf("%w: store unreachable", sink.ErrCommitExhausted)
	}
	var res sink.CommitResult
	for _, e := range events {
		if _, ok := s.rows[e.EventID]; ok {
			res.Refreshed++
		} else {
			res.Inserted++
		}
		s.rows[e.EventID]++
	}
	s.commits = append(s.commits, events)
	if s.afterCommit != nil {
		s.afterCommit()
	}
	return res, nil
}

// fakeCheckpoints enforces the monotonic guard in memory.
type fakeCheckpoints struct {
	cp       domain.Checkpoint
	advances []domain.Checkpoint
	err      error
}

func (f *fakeCheckpoints) Advance(ctx context.Context, cp domain.Checkpoint) error {
	if f.err != nil {
		return f.err
	}
	if cp.Seq < f.cp.Seq {
		return fmt.Errorf("%w: pipeline %s rejected seq %d", checkpoint.ErrCorrupt, cp.Pipeline, cp.Seq)
	}
	f.cp = cp
	f.advances = append(f.advances, cp)
	return nil
}

type fakeReporter struct {
	reports []*domain.QualityReport
}

func (f *fakeReporter) Emit(r *domain.QualityReport) { f.reports = append(f.reports, r) }

// ====================
// Fixtures
// ====================

func validRecord(eventID, price string) domain.RawRecord {
	return domain.RawRecord{Fields: map[string]string{
		"event_id":        eventID,
		"event_type":      "view",
		"product_id":      "101",
		"product_name":    "Wireless Mouse",
		"category":        "electronics",
		"price":           price,
		"customer_id":     "cust-1",
		"session_id":      "sess-1",
		"event_timestamp": "2026-03-01T12:00:00",
	}}
}

func invalidRecord(eventID string) domain.RawRecord {
	r := validRecord(eventID, "24.99")
	delete(r.Fields, "price")
	delete(r.Fields, "session_id")
	return r
}

func makeBatch(seq int64, name string) *domain.Batch {
	sources := []domain.SourceRef{{Name: name, Size: 1}}
	return &domain.Batch{
		ID:      domain.BatchID(sources),
		Seq:     seq,
		Sources: sources,
		Status:  domain.BatchDiscovered,
	}
}

func testConfig() Config {
	return Config{Pipeline: "ecommerce", Workers: 2, SummaryEvery: 0}
}

func newTestRunner(cfg Config, w source.Watcher, s Committer, cps CheckpointStore, rep Reporter, lost <-chan struct{}) *Runner {
	return New(cfg, w, validate.New(10000, 10*time.Minute), s, cps, rep, lost)
}

// ====================
// Tests
// ====================

func TestRunCommitsBatchesInDiscoveryOrder(t *testing.T) {
	w := newFakeWatcher()
	b1 := makeBatch(1, "events_a.csv")
	b2 := makeBatch(2, "events_b.csv")
	w.add(b1, validRecord("e1", "10.00"), validRecord("e2", "20.00"))
	w.add(b2, validRecord("e3", "30.00"))

	store := newFakeStore()
	cps := &fakeCheckpoints{}
	rep := &fakeReporter{}

	r := newTestRunner(testConfig(), w, store, cps, rep, nil)
	if err := r.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if len(store.rows) != 3 {
		t.Errorf("store holds %d events, want 3", len(store.rows))
	}
	if len(cps.advances) != 2 {
		t.Fatalf("checkpoint advanced %d times, want 2", len(cps.advances))
	}
	if cps.advances[0].Seq != 1 || cps.advances[1].Seq != 2 {
		t.Errorf("advance order: %+v", cps.advances)
	}
	if cps.advances[1].LastSource != "events_b.csv" {
		t.Errorf("LastSource = %q", cps.advances[1].LastSource)
	}
	if !w.settled[b1.ID] || !w.settled[b2.ID] {
		t.Errorf("batches not settled committed: %+v", w.settled)
	}
	if b1.Status != domain.BatchCommitted || b2.Status != domain.BatchCommitted {
		t.Errorf("statuses: %s, %s", b1.Status, b2.Status)
	}
}

func TestRunReportTotalsReconcile(t *testing.T) {
	w := newFakeWatcher()
	b := makeBatch(1, "events_mixed.csv")
	// Five records: three distinct valid, one repeat of e1, one invalid.
	w.add(b,
		validRecord("e1", "10.00"),
		validRecord("e1", "99.00"),
		validRecord("e2", "20.00"),
		invalidRecord("e4"),
		validRecord("e3", "30.00"),
	)

	store := newFakeStore()
	rep := &fakeReporter{}
	r := newTestRunner(testConfig(), w, store, &fakeCheckpoints{}, rep, nil)
	if err := r.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if len(rep.reports) != 1 {
		t.Fatalf("got %d reports, want 1", len(rep.reports))
	}
	got := rep.reports[0]
	if got.Total != 5 || got.Valid != 3 || got.Invalid != 1 || got.Duplicate != 1 {
		t.Errorf("counts = total %d valid %d invalid %d duplicate %d",
			got.Total, got.Valid, got.Invalid, got.Duplicate)
	}
	if !got.Consistent() {
		t.Errorf("report does not reconcile: %+v", got)
	}
	if got.DupInBatch != 1 || got.DupInStore != 0 {
		t.Errorf("duplicate split = in-batch %d, in-store %d", got.DupInBatch, got.DupInStore)
	}
	if got.NullFields != 1 {
		t.Errorf("NullFields = %d, want 1", got.NullFields)
	}
	if got.Status != domain.BatchCommitted {
		t.Errorf("status = %s", got.Status)
	}
}

func TestRunFirstOccurrenceWinsWithinBatch(t *testing.T) {
	w := newFakeWatcher()
	b := makeBatch(1, "events_dups.csv")
	w.add(b,
		validRecord("A", "10.00"),
		validRecord("A", "99.00"),
		validRecord("B", "20.00"),
	)

	store := newFakeStore()
	r := newTestRunner(testConfig(), w, store, &fakeCheckpoints{}, nil, nil)
	if err := r.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if len(store.commits) != 1 {
		t.Fatalf("got %d commits, want 1", len(store.commits))
	}
	committed := store.commits[0]
	if len(committed) != 2 {
		t.Fatalf("committed %d events, want 2", len(committed))
	}
	if committed[0].EventID != "A" || committed[0].Price != 10.00 {
		t.Errorf("first occurrence lost: %+v", committed[0])
	}
	if committed[1].EventID != "B" {
		t.Errorf("order broken: %+v", committed[1])
	}
}

func TestRunReplayIsIdempotent(t *testing.T) {
	records := []domain.RawRecord{
		validRecord("e1", "10.00"),
		validRecord("e2", "20.00"),
	}

	store := newFakeStore()
	cps := &fakeCheckpoints{}

	run := func() *fakeReporter {
		w := newFakeWatcher()
		w.add(makeBatch(1, "events_a.csv"), records...)
		rep := &fakeReporter{}
		r := newTestRunner(testConfig(), w, store, cps, rep, nil)
		if err := r.Run(context.Background()); err != nil {
			t.Fatalf("Run: %v", err)
		}
		return rep
	}

	run()
	if len(store.rows) != 2 {
		t.Fatalf("first run stored %d rows", len(store.rows))
	}
	cpAfterFirst := cps.cp

	rep := run()
	if len(store.rows) != 2 {
		t.Errorf("replay created rows: %d", len(store.rows))
	}
	if cps.cp != cpAfterFirst {
		t.Errorf("replay moved checkpoint: %+v -> %+v", cpAfterFirst, cps.cp)
	}

	got := rep.reports[0]
	if got.Valid != 0 || got.DupInStore != 2 || got.Duplicate != 2 {
		t.Errorf("replay report: valid %d, dup_in_store %d", got.Valid, got.DupInStore)
	}
	if !got.Consistent() {
		t.Errorf("replay report does not reconcile: %+v", got)
	}
}

func TestRunCheckpointRegressionIsFatal(t *testing.T) {
	w := newFakeWatcher()
	w.add(makeBatch(3, "events_old.csv"), validRecord("e1", "10.00"))
	w.add(makeBatch(4, "events_next.csv"), validRecord("e2", "20.00"))

	cps := &fakeCheckpoints{cp: domain.Checkpoint{Pipeline: "ecommerce", Seq: 10}}
	store := newFakeStore()

	cfg := testConfig()
	cfg.ContinueOnFailure = true // fatal conditions must override this
	r := newTestRunner(cfg, w, store, cps, nil, nil)

	err := r.Run(context.Background())
	if !errors.Is(err, checkpoint.ErrCorrupt) {
		t.Fatalf("err = %v, want ErrCorrupt", err)
	}
	if len(store.commits) != 1 {
		t.Errorf("second batch was processed after fatal error: %d commits", len(store.commits))
	}
}

func TestRunSinkOutageFailsBatchAndContinues(t *testing.T) {
	w := newFakeWatcher()
	b1 := makeBatch(1, "events_a.csv")
	b2 := makeBatch(2, "events_b.csv")
	w.add(b1, validRecord("e1", "10.00"), validRecord("e2", "20.00"))
	w.add(b2, validRecord("e3", "30.00"))

	store := newFakeStore()
	store.failNext = 1
	cps := &fakeCheckpoints{}
	rep := &fakeReporter{}

	cfg := testConfig()
	cfg.ContinueOnFailure = true
	r := newTestRunner(cfg, w, store, cps, rep, nil)
	if err := r.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if w.settled[b1.ID] {
		t.Error("failed batch settled as committed")
	}
	if !w.settled[b2.ID] {
		t.Error("second batch not committed")
	}
	if len(cps.advances) != 1 || cps.advances[0].Seq != 2 {
		t.Errorf("checkpoint advances = %+v, want only seq 2", cps.advances)
	}
	if b1.Status != domain.BatchFailed {
		t.Errorf("first batch status = %s", b1.Status)
	}

	if len(rep.reports) != 2 {
		t.Fatalf("got %d reports, want 2", len(rep.reports))
	}
	failed := rep.reports[0]
	if failed.Status != domain.BatchFailed {
		t.Errorf("first report status = %s", failed.Status)
	}
	if failed.Valid != 2 || failed.Total != 2 {
		t.Errorf("failed report counts: %+v", failed)
	}
	if !failed.Consistent() {
		t.Errorf("failed report does not reconcile: %+v", failed)
	}
}

func TestRunSinkOutageStopsWhenConfigured(t *testing.T) {
	w := newFakeWatcher()
	w.add(makeBatch(1, "events_a.csv"), validRecord("e1", "10.00"))
	w.add(makeBatch(2, "events_b.csv"), validRecord("e2", "20.00"))

	store := newFakeStore()
	store.failNext = 1

	r := newTestRunner(testConfig(), w, store, &fakeCheckpoints{}, nil, nil)
	err := r.Run(context.Background())
	if !errors.Is(err, sink.ErrCommitExhausted) {
		t.Fatalf("err = %v, want ErrCommitExhausted", err)
	}
	if len(store.commits) != 0 {
		t.Errorf("commits recorded despite failure: %d", len(store.commits))
	}
}

func TestRunLeaseLossBeforeBatchIsFatal(t *testing.T) {
	w := newFakeWatcher()
	w.add(makeBatch(1, "events_a.csv"), validRecord("e1", "10.00"))

	lost := make(chan struct{})
	close(lost)

	store := newFakeStore()
	r := newTestRunner(testConfig(), w, store, &fakeCheckpoints{}, nil, lost)
	err := r.Run(context.Background())
	if !errors.Is(err, distlock.ErrLost) {
		t.Fatalf("err = %v, want ErrLost", err)
	}
	if len(store.commits) != 0 {
		t.Errorf("batch processed after lease loss")
	}
}

func TestRunLeaseLossBetweenCommitAndCheckpoint(t *testing.T) {
	w := newFakeWatcher()
	b := makeBatch(1, "events_a.csv")
	w.add(b, validRecord("e1", "10.00"))

	lost := make(chan struct{})
	store := newFakeStore()
	store.afterCommit = func() { close(lost) }
	cps := &fakeCheckpoints{}

	r := newTestRunner(testConfig(), w, store, cps, nil, lost)
	err := r.Run(context.Background())
	if !errors.Is(err, distlock.ErrLost) {
		t.Fatalf("err = %v, want ErrLost", err)
	}
	// Rows may be durable, the checkpoint must not be.
	if len(cps.advances) != 0 {
		t.Errorf("checkpoint advanced after lease loss: %+v", cps.advances)
	}
	if committed, ok := w.settled[b.ID]; !ok || committed {
		t.Errorf("batch settle = %v committed=%v, want settled not-committed", ok, committed)
	}
}

func TestRunEmptyBatchCommitsTrivially(t *testing.T) {
	w := newFakeWatcher()
	b := makeBatch(1, "events_empty.csv")
	w.add(b) // no records

	store := newFakeStore()
	cps := &fakeCheckpoints{}
	rep := &fakeReporter{}
	r := newTestRunner(testConfig(), w, store, cps, rep, nil)
	if err := r.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if len(cps.advances) != 1 {
		t.Fatalf("checkpoint did not advance for empty batch")
	}
	if len(rep.reports) != 1 {
		t.Fatalf("no report for empty batch")
	}
	got := rep.reports[0]
	if got.Total != 0 || !got.Consistent() {
		t.Errorf("empty batch report: %+v", got)
	}
	if !w.settled[b.ID] {
		t.Error("empty batch not settled committed")
	}
}

func TestRunRejectedPriceNeverReachesStore(t *testing.T) {
	w := newFakeWatcher()
	b := makeBatch(1, "events_badprice.csv")
	w.add(b,
		validRecord("good", "24.99"),
		validRecord("negative", "-5"),
	)

	store := newFakeStore()
	rep := &fakeReporter{}
	r := newTestRunner(testConfig(), w, store, &fakeCheckpoints{}, rep, nil)
	if err := r.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if _, ok := store.rows["negative"]; ok {
		t.Error("negative price row was committed")
	}
	if _, ok := store.rows["good"]; !ok {
		t.Error("valid row missing")
	}
	got := rep.reports[0]
	if got.Invalid != 1 || got.RuleBreakdown[validate.RuleInvalidPrice] != 1 {
		t.Errorf("rejection not recorded: %+v", got.RuleBreakdown)
	}
}

func TestRunStopsCleanlyOnCancel(t *testing.T) {
	w := newFakeWatcher()
	w.add(makeBatch(1, "events_a.csv"), validRecord("e1", "10.00"))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	store := newFakeStore()
	r := newTestRunner(testConfig(), w, store, &fakeCheckpoints{}, nil, nil)
	if err := r.Run(ctx); err != nil {
		t.Fatalf("cancelled Run returned %v, want nil", err)
	}
	if len(store.commits) != 0 {
		t.Errorf("batch processed after cancel")
	}
}
