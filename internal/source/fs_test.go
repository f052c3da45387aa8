package source

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ignite/ecommerce-ingest/internal/domain"
)

func writeDrop(t *testing.T, dir, name, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
}

const dropHeader = "event_id,event_type,price\n"

func TestFSWatcherDiscovery(t *testing.T) {
	dir := t.TempDir()
	writeDrop(t, dir, "events_002.csv", dropHeader+"ev-2,view,10\n")
	writeDrop(t, dir, "events_001.csv", dropHeader+"ev-1,view,10\n")
	writeDrop(t, dir, "notes.txt", "not a drop")

	w := NewFS(FSConfig{Dir: dir, Pattern: "*.csv", Poll: 10 * time.Millisecond, MaxFiles: 16, StartSeq: 1})
	defer w.Close()

	batch, err := w.Next(context.Background())
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if len(batch.Sources) != 2 {
		t.Fatalf("sources = %d, want 2", len(batch.Sources))
	}
	// Ascending name order is discovery order
	if batch.Sources[0].Name != "events_001.csv" || batch.Sources[1].Name != "events_002.csv" {
		t.Errorf("wrong order: %v", batch.Sources)
	}
	if batch.Seq != 1 {
		t.Errorf("seq = %d, want 1", batch.Seq)
	}
	if batch.ID == "" || batch.Status != domain.BatchDiscovered {
		t.Errorf("batch not initialized: %+v", batch)
	}

	res, err := w.Read(context.Background(), batch)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if len(res.Records) != 2 {
		t.Fatalf("records = %d, want 2", len(res.Records))
	}
	if res.Records[0].Field("event_id") != "ev-1" || res.Records[1].Field("event_id") != "ev-2" {
		t.Errorf("records out of source order")
	}
	if res.Records[1].Ordinal != 1 {
		t.Errorf("ordinal = %d, want 1 (continues across files)", res.Records[1].Ordinal)
	}
}

func TestFSWatcherResumeCursor(t *testing.T) {
	dir := t.TempDir()
	writeDrop(t, dir, "events_001.csv", dropHeader+"ev-1,view,10\n")
	writeDrop(t, dir, "events_002.csv", dropHeader+"ev-2,view,10\n")

	// After="events_001.csv" means 001 is already committed
	w := NewFS(FSConfig{Dir: dir, Poll: 10 * time.Millisecond, After: "events_001.csv", StartSeq: 5})
	defer w.Close()

	batch, err := w.Next(context.Background())
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if len(batch.Sources) != 1 || batch.Sources[0].Name != "events_002.csv" {
		t.Fatalf("expected only events_002.csv, got %v", batch.Sources)
	}
	if batch.Seq != 5 {
		t.Errorf("seq = %d, want 5", batch.Seq)
	}
}

func TestFSWatcherSessionCursorAdvances(t *testing.T) {
	dir := t.TempDir()
	writeDrop(t, dir, "events_001.csv", dropHeader+"ev-1,view,10\n")

	w := NewFS(FSConfig{Dir: dir, Poll: 10 * time.Millisecond, StartSeq: 1})
	defer w.Close()

	first, err := w.Next(context.Background())
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if first.LastSource() != "events_001.csv" {
		t.Fatalf("unexpected first batch: %v", first.Sources)
	}

	// Same file must not be discovered again; a new drop must be.
	writeDrop(t, dir, "events_002.csv", dropHeader+"ev-2,view,10\n")
	second, err := w.Next(context.Background())
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if len(second.Sources) != 1 || second.Sources[0].Name != "events_002.csv" {
		t.Fatalf("expected only the new drop, got %v", second.Sources)
	}
	if second.Seq != 2 {
		t.Errorf("seq = %d, want 2", second.Seq)
	}
}

func TestFSWatcherCaps(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"a.csv", "b.csv", "c.csv"} {
		writeDrop(t, dir, name, dropHeader+"x,view,1\n")
	}

	w := NewFS(FSConfig{Dir: dir, Poll: 10 * time.Millisecond, MaxFiles: 2, StartSeq: 1})
	defer w.Close()

	batch, err := w.Next(context.Background())
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if len(batch.Sources) != 2 {
		t.Fatalf("sources = %d, want MaxFiles cap of 2", len(batch.Sources))
	}

	next, err := w.Next(context.Background())
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if len(next.Sources) != 1 || next.Sources[0].Name != "c.csv" {
		t.Fatalf("expected the capped-out file next, got %v", next.Sources)
	}
}

func TestFSWatcherByteCap(t *testing.T) {
	dir := t.TempDir()
	writeDrop(t, dir, "a.csv", dropHeader+"ev-1,view,10\n")
	writeDrop(t, dir, "b.csv", dropHeader+"ev-2,view,10\n")

	// Cap below the size of one file: the oversized file still forms a batch alone
	w := NewFS(FSConfig{Dir: dir, Poll: 10 * time.Millisecond, MaxBytes: 10, StartSeq: 1})
	defer w.Close()

	batch, err := w.Next(context.Background())
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if len(batch.Sources) != 1 || batch.Sources[0].Name != "a.csv" {
		t.Fatalf("expected a.csv alone under the byte cap, got %v", batch.Sources)
	}
}

func TestFSWatcherReadSkipsMissingSource(t *testing.T) {
	dir := t.TempDir()
	writeDrop(t, dir, "a.csv", dropHeader+"ev-1,view,10\n")
	writeDrop(t, dir, "b.csv", dropHeader+"ev-2,view,10\n")

	w := NewFS(FSConfig{Dir: dir, Poll: 10 * time.Millisecond, StartSeq: 1})
	defer w.Close()

	batch, err := w.Next(context.Background())
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if len(batch.Sources) != 2 {
		t.Fatalf("sources = %d, want 2", len(batch.Sources))
	}

	// Source vanishes between discovery and read
	os.Remove(filepath.Join(dir, "a.csv"))

	res, err := w.Read(context.Background(), batch)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if res.SourcesSkipped != 1 {
		t.Errorf("skipped = %d, want 1", res.SourcesSkipped)
	}
	if len(res.Records) != 1 || res.Records[0].Field("event_id") != "ev-2" {
		t.Errorf("surviving source should still load: %+v", res.Records)
	}
}

func TestFSWatcherNextHonorsContext(t *testing.T) {
	w := NewFS(FSConfig{Dir: t.TempDir(), Poll: time.Hour, StartSeq: 1})
	defer w.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := w.Next(ctx)
	if err != context.DeadlineExceeded {
		t.Errorf("err = %v, want context.DeadlineExceeded", err)
	}
}

func TestFSWatcherClose(t *testing.T) {
	w := NewFS(FSConfig{Dir: t.TempDir(), Poll: time.Hour, StartSeq: 1})
	w.Close()

	_, err := w.Next(context.Background())
	if err != ErrClosed {
		t.Errorf("err = %v, want ErrClosed", err)
	}
}

func TestFSWatcherNudge(t *testing.T) {
	dir := t.TempDir()
	// Long poll: discovery within the deadline proves the nudge worked
	w := NewFS(FSConfig{Dir: dir, Poll: time.Hour, StartSeq: 1})
	defer w.Close()

	go func() {
		time.Sleep(50 * time.Millisecond)
		// Producer pattern: write under a temp name, rename into place, so
		// the create event never exposes a half-written file
		writeDrop(t, dir, "late.csv.tmp", dropHeader+"ev-9,view,10\n")
		os.Rename(filepath.Join(dir, "late.csv.tmp"), filepath.Join(dir, "late.csv"))
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	batch, err := w.Next(ctx)
	if err != nil {
		t.Fatalf("Next: %v (fsnotify nudge did not fire)", err)
	}
	if batch.LastSource() != "late.csv" {
		t.Errorf("unexpected batch: %v", batch.Sources)
	}
}
