// Package retry provides the bounded backoff state machine used around
// transient I/O: source listing, sink commits, checkpoint advances. State is
// explicit (tries so far, next delay, terminal or not) so callers can log
// and meter each transition instead of hiding retries inside a client.
package retry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Policy describes a bounded exponential backoff with jitter. MaxAttempts
// counts calls to the operation, so MaxAttempts=3 means one try plus two
// retries.
type Policy struct {
	MaxAttempts int
	Initial     time.Duration
	Max         time.Duration
}

// DefaultPolicy is three attempts starting at one second, capped at thirty.
func DefaultPolicy() Policy {
	return Policy{MaxAttempts: 3, Initial: 1 * time.Second, Max: 30 * time.Second}
}

// Attempt tracks the retry state for a single operation.
type Attempt struct {
	n   int
	max int
	b   backoff.BackOff
}

// Start begins tracking attempts under the policy.
func (p Policy) Start() *Attempt {
	eb := backoff.NewExponentialBackOff()
	if p.Initial > 0 {
		eb.InitialInterval = p.Initial
	}
	if p.Max > 0 {
		eb.MaxInterval = p.Max
	}
	// The attempt budget bounds the retries, not wall time.
	eb.MaxElapsedTime = 0
	max := p.MaxAttempts
	if max <= 0 {
		max = 1
	}
	return &Attempt{max: max, b: eb}
}

// Next records a failed try and returns the delay before the next one.
// ok is false once the attempt budget is spent; the operation is then
// terminally failed and the caller must stop.
func (a *Attempt) Next() (delay time.Duration, ok bool) {
	a.n++
	if a.n >= a.max {
		return 0, false
	}
	return a.b.NextBackOff(), true
}

// N returns the number of failed tries recorded so far.
func (a *Attempt) N() int { return a.n }

// Do runs op under the policy, sleeping between attempts and honoring ctx.
// retryable decides whether an error deserves another try; nil retries
// everything. Context errors are never retried. When the budget runs out
// the last error comes back wrapped with the attempt count.
func Do(ctx context.Context, p Policy, retryable func(error) bool, op func(context.Context) error) error {
	a := p.Start()
	for {
		err := op(ctx)
		if err == nil {
			return nil
		}
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}
		if retryable != nil && !retryable(err) {
			return err
		}
		delay, ok := a.Next()
		if !ok {
			return fmt.Errorf("after %d attempts: %w", a.N(), err)
		}
		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
}
