package source

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/ignite/ecommerce-ingest/internal/domain"
	"github.com/ignite/ecommerce-ingest/internal/pkg/retry"
)

// FSConfig holds the settings for a local drop-directory watcher.
type FSConfig struct {
	Dir      string
	Pattern  string
	Poll     time.Duration
	MaxFiles int
	MaxBytes int64
	After    string // resume cursor: source names <= After are already committed
	StartSeq int64  // sequence assigned to the first discovered batch
}

// FSWatcher polls a local directory for dropped files. Producers embed a
// sortable timestamp in file names, so ascending name order is discovery
// order. fsnotify create events nudge an immediate scan between polls.
type FSWatcher struct {
	dir      string
	pattern  string
	poll     time.Duration
	maxFiles int
	maxBytes int64

	cursor string // advances in-session as batches are handed out
	seq    int64

	listRetry retry.Policy
	nudge     chan struct{}
	notify    *fsnotify.Watcher
	closed    chan struct{}
	closeOnce sync.Once
}

// NewFS creates a directory watcher. A missing directory is not an error at
// construction; the scan loop retries listing until it appears.
func NewFS(cfg FSConfig) *FSWatcher {
	w := &FSWatcher{
		dir:       cfg.Dir,
		pattern:   cfg.Pattern,
		poll:      cfg.Poll,
		maxFiles:  cfg.MaxFiles,
		maxBytes:  cfg.MaxBytes,
		cursor:    cfg.After,
		seq:       cfg.StartSeq,
		listRetry: retry.DefaultPolicy(),
		nudge:     make(chan struct{}, 1),
		closed:    make(chan struct{}),
	}
	if w.pattern == "" {
		w.pattern = "*.csv"
	}
	if w.poll <= 0 {
		w.poll = 5 * time.Second
	}
	if w.maxFiles <= 0 {
		w.maxFiles = 16
	}

	notify, err := fsnotify.NewWatcher()
	if err != nil {
		log.Printf("[Source] fsnotify unavailable, polling only: %v", err)
		return w
	}
	if err := notify.Add(cfg.Dir); err != nil {
		log.Printf("[Source] fsnotify watch %s failed, polling only: %v", cfg.Dir, err)
		notify.Close()
		return w
	}
	w.notify = notify
	go w.forwardEvents()
	return w
}

// forwardEvents turns create events into scan nudges. The nudge channel has
// capacity 1; a scan already pending absorbs further events.
func (w *FSWatcher) forwardEvents() {
	for {
		select {
		case ev, ok := <-w.notify.Events:
			if !ok {
				return
			}
			// Write covers producers still flushing when the create fires
			if ev.Has(fsnotify.Create) || ev.Has(fsnotify.Write) {
				select {
				case w.nudge <- struct{}{}:
				default:
				}
			}
		case <-w.notify.Errors:
			// Ignore watcher errors; the poll ticker still covers us.
		case <-w.closed:
			return
		}
	}
}

// Next blocks until new files form a batch, the context ends, or the
// watcher is closed.
func (w *FSWatcher) Next(ctx context.Context) (*domain.Batch, error) {
	for {
		select {
		case <-w.closed:
			return nil, ErrClosed
		default:
		}

		batch, err := w.scan(ctx)
		if err != nil {
			return nil, err
		}
		if batch != nil {
			return batch, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-w.closed:
			return nil, ErrClosed
		case <-time.After(w.poll):
		case <-w.nudge:
		}
	}
}

// scan lists the drop directory and groups unseen files into one batch.
// Returns (nil, nil) when there is nothing new.
func (w *FSWatcher) scan(ctx context.Context) (*domain.Batch, error) {
	var entries []os.DirEntry
	err := retry.Do(ctx, w.listRetry, nil, func(ctx context.Context) error {
		var listErr error
		entries, listErr = os.ReadDir(w.dir)
		return listErr
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		// Listing outage outlived the retry budget: log and let the next
		// poll try again rather than killing the pipeline.
		log.Printf("[Source] list %s: %v", w.dir, err)
		return nil, nil
	}

	var candidates []domain.SourceRef
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		if ok, _ := filepath.Match(w.pattern, name); !ok {
			continue
		}
		if name <= w.cursor {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			log.Printf("[Source] stat %s: %v (skipped)", name, err)
			continue
		}
		if info.Size() == 0 {
			continue
		}
		candidates = append(candidates, domain.SourceRef{Name: name, Size: info.Size()})
	}
	if len(candidates) == 0 {
		return nil, nil
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].Name < candidates[j].Name })

	var sources []domain.SourceRef
	var total int64
	for _, ref := range candidates {
		if len(sources) >= w.maxFiles {
			break
		}
		// A single oversized file still forms its own batch.
		if len(sources) > 0 && w.maxBytes > 0 && total+ref.Size > w.maxBytes {
			break
		}
		sources = append(sources, ref)
		total += ref.Size
	}

	batch := &domain.Batch{
		ID:           domain.BatchID(sources),
		Seq:          w.seq,
		Sources:      sources,
		DiscoveredAt: time.Now().UTC(),
		Status:       domain.BatchDiscovered,
	}
	w.seq++
	w.cursor = batch.LastSource()
	return batch, nil
}

// Read opens each source file and parses its records. An unreadable file is
// skipped and counted; the rest of the batch still loads.
func (w *FSWatcher) Read(ctx context.Context, batch *domain.Batch) (*ReadResult, error) {
	res := &ReadResult{}
	for _, ref := range batch.Sources {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		records, err := w.readFile(ref.Name, len(res.Records))
		if err != nil {
			log.Printf("[Source] read %s: %v (skipped)", ref.Name, err)
			res.SourcesSkipped++
			continue
		}
		res.Records = append(res.Records, records...)
	}
	return res, nil
}

func (w *FSWatcher) readFile(name string, startOrdinal int) ([]domain.RawRecord, error) {
	f, err := os.Open(filepath.Join(w.dir, name))
	if err != nil {
		return nil, fmt.Errorf("open: %w", err)
	}
	defer f.Close()
	return readCSV(f, name, startOrdinal)
}

// Settle is a no-op: re-delivery of uncommitted files comes from the
// checkpoint cursor at restart, not from the session.
func (w *FSWatcher) Settle(ctx context.Context, batch *domain.Batch, committed bool) {}

// Close stops the watcher. Next returns ErrClosed afterwards.
func (w *FSWatcher) Close() error {
	w.closeOnce.Do(func() {
		close(w.closed)
		if w.notify != nil {
			w.notify.Close()
		}
	})
	return nil
}
