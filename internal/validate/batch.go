package validate

import (
	"sync"

	"github.com/ignite/ecommerce-ingest/internal/domain"
	"github.com/ignite/ecommerce-ingest/internal/metrics"
)

// RejectedRecord pairs a failed record with everything wrong about it.
type RejectedRecord struct {
	Record     domain.RawRecord
	Violations []Violation
}

// Result is the validator's per-batch summary. Events and Rejected both
// preserve discovery order regardless of how many workers ran.
type Result struct {
	Events   []*domain.Event
	Rejected []RejectedRecord

	RuleCounts      map[string]int // violations per rule, across all rejected records
	EventTypeCounts map[string]int // accepted events per type
	NullFields      int            // rejected records missing at least one required field

	PriceMin float64
	PriceMax float64
	priceSum float64
}

// PriceAvg returns the mean price over accepted events, 0 when none were
// accepted.
func (r Result) PriceAvg() float64 {
	if len(r.Events) == 0 {
		return 0
	}
	return r.priceSum / float64(len(r.Events))
}

// ValidateBatch fans records out across a bounded worker set and merges the
// outcomes back into discovery order. Workers share nothing but the input
// slice and their own result slots, so no locking is needed. Prometheus rule
// counters are bumped here, during the single-threaded merge.
func (v *Validator) ValidateBatch(records []domain.RawRecord, workers int) Result {
	if workers < 1 {
		workers = 1
	}
	if workers > len(records) {
		workers = len(records)
	}

	type outcome struct {
		event      *domain.Event
		violations []Violation
	}
	outcomes := make([]outcome, len(records))

	indexes := make(chan int)
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range indexes {
				ev, viols := v.Validate(records[i])
				outcomes[i] = outcome{event: ev, violations: viols}
			}
		}()
	}
	for i := range records {
		indexes <- i
	}
	close(indexes)
	wg.Wait()

	res := Result{
		RuleCounts:      make(map[string]int),
		EventTypeCounts: make(map[string]int),
	}
	for i, o := range outcomes {
		if o.event != nil {
			res.Events = append(res.Events, o.event)
			res.EventTypeCounts[string(o.event.EventType)]++
			if len(res.Events) == 1 || o.event.Price < res.PriceMin {
				res.PriceMin = o.event.Price
			}
			if o.event.Price > res.PriceMax {
				res.PriceMax = o.event.Price
			}
			res.priceSum += o.event.Price
			continue
		}

		res.Rejected = append(res.Rejected, RejectedRecord{
			Record:     records[i],
			Violations: o.violations,
		})
		missing := false
		for _, viol := range o.violations {
			res.RuleCounts[viol.Rule]++
			metrics.ValidationFailures.WithLabelValues(viol.Rule).Inc()
			if viol.Rule == RuleMissingField {
				missing = true
			}
		}
		if missing {
			res.NullFields++
		}
	}
	return res
}
