// Package dedup collapses repeated event IDs inside a single batch. The
// cross-batch layer lives in the sink's conflict handling, not here, so
// there is no check-then-write race against the store.
package dedup

import "github.com/ignite/ecommerce-ingest/internal/domain"

// Collapse keeps the first occurrence of each event_id in input order and
// returns the later occurrences separately. It runs single-threaded after
// the validation merge so tie-breaks are deterministic across replays.
// Duplicates are a count, never an error.
func Collapse(events []*domain.Event) (unique, duplicates []*domain.Event) {
	if len(events) == 0 {
		return nil, nil
	}
	seen := make(map[string]bool, len(events))
	for _, ev := range events {
		if seen[ev.EventID] {
			duplicates = append(duplicates, ev)
			continue
		}
		seen[ev.EventID] = true
		unique = append(unique, ev)
	}
	return unique, duplicates
}
