package distlock

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"
)

// Keeper holds a lease for the lifetime of a pipeline run, renewing it in
// the background and reporting loss. Ingestion must stop the moment Lost()
// fires: the lease may already belong to another writer.
type Keeper struct {
	lease Lease
	ttl   time.Duration

	lost chan struct{}
	once sync.Once
	stop context.CancelFunc
	done chan struct{}
}

// Hold acquires the lease and starts the renewal heartbeat at a third of
// the TTL. Returns ErrHeld when another process owns the lease.
func Hold(ctx context.Context, lease Lease, ttl time.Duration) (*Keeper, error) {
	ok, err := lease.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrHeld
	}

	hbCtx, cancel := context.WithCancel(context.Background())
	k := &Keeper{
		lease: lease,
		ttl:   ttl,
		lost:  make(chan struct{}),
		stop:  cancel,
		done:  make(chan struct{}),
	}
	go k.heartbeat(hbCtx)
	return k, nil
}

func (k *Keeper) heartbeat(ctx context.Context) {
	defer close(k.done)

	interval := k.ttl / 3
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	misses := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			err := k.renew(ctx)
			switch {
			case err == nil:
				misses = 0
			case errors.Is(err, ErrLost):
				log.Printf("[Lease] lost: %v", err)
				k.markLost()
				return
			case errors.Is(err, context.Canceled):
				return
			default:
				// Transient renewal failure. One miss is survivable
				// inside the TTL window; two in a row means the key
				// may have expired under us.
				misses++
				log.Printf("[Lease] renew failed (%d consecutive): %v", misses, err)
				if misses >= 2 {
					k.markLost()
					return
				}
			}
		}
	}
}

func (k *Keeper) renew(ctx context.Context) error {
	rctx, cancel := context.WithTimeout(ctx, k.ttl/3)
	defer cancel()

	switch b := k.lease.(type) {
	case extender:
		return b.Extend(rctx, k.ttl)
	case confirmer:
		return b.Confirm(rctx)
	default:
		return nil
	}
}

func (k *Keeper) markLost() {
	k.once.Do(func() { close(k.lost) })
}

// Lost is closed once the lease can no longer be confirmed.
func (k *Keeper) Lost() <-chan struct{} { return k.lost }

// Err returns ErrLost once the lease is gone, nil while it is held.
func (k *Keeper) Err() error {
	select {
	case <-k.lost:
		return ErrLost
	default:
		return nil
	}
}

// Release stops the heartbeat and gives the lease up.
func (k *Keeper) Release(ctx context.Context) error {
	k.stop()
	<-k.done
	return k.lease.Release(ctx)
}
