// Package reindex drives full-datastore reindex sweeps. A driver walks
// the reindex cursor in batches and hands each batch to the store's
// transactional reindex operation; a pool of workers drains the cursor
// concurrently. The driver is owned by its caller and stops when the
// sweep is drained or the context is cancelled.
package reindex

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/fhirgrid/fhirstore/internal"
	"github.com/fhirgrid/fhirstore/pkg/persistence"
)

// Store is the slice of the engine facade the driver needs.
type Store interface {
	RetrieveIndex(ctx context.Context, count int, notModifiedAfter time.Time, afterIndexID int64, typeName string) ([]int64, error)
	Reindex(ctx context.Context, indexIDs []int64, tstamp time.Time) (int, error)
}

// Config tunes one sweep.
type Config struct {
	// Workers is the pool size; 0 means 1.
	Workers int
	// BatchSize is how many resources one transaction covers; 0 means 100.
	BatchSize int
	// TypeName restricts the sweep to one resource type; empty means all.
	TypeName string
}

// Driver runs reindex sweeps against one store.
type Driver struct {
	store Store
	cfg   Config

	cursorMu sync.Mutex
	cursor   int64

	// sleep waits between retries of a failed batch. Returns false when
	// ctx ended the wait.
	sleep func(ctx context.Context, retries int64) bool

	processed atomic.Uint64
}

func New(store Store, cfg Config) *Driver {
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	if cfg.BatchSize < 1 {
		cfg.BatchSize = 100
	}
	return &Driver{
		store: store,
		cfg:   cfg,
		sleep: func(ctx context.Context, retries int64) bool {
			return internal.SleepBackedOffCtx(ctx, retries, 1*time.Second, 5*time.Second)
		},
	}
}

// Processed reports how many resources the driver has stamped so far.
func (d *Driver) Processed() uint64 {
	return d.processed.Load()
}

// Run sweeps every resource whose reindex timestamp predates the start of
// the call, then returns the total processed. Cancelling ctx stops the
// sweep between batches; already-committed batches stay done, which is
// safe because the sweep is at-least-once.
func (d *Driver) Run(ctx context.Context) (uint64, error) {
	cutoff := time.Now().UTC()
	d.cursorMu.Lock()
	d.cursor = 0
	d.cursorMu.Unlock()

	// Probe with a single batch before releasing the pool, so a
	// misconfigured datastore fails once instead of once per worker. The
	// probe rides the same retry budget as the workers, so a datastore
	// that is merely slow to come up does not abort the whole sweep.
	drained, err := d.sweepWithRetry(ctx, cutoff)
	if err != nil {
		return d.processed.Load(), err
	}
	if drained {
		return d.processed.Load(), nil
	}

	var wg sync.WaitGroup
	errOnce := sync.Once{}
	var firstErr error
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	for i := 0; i < d.cfg.Workers; i++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			if err := d.work(runCtx, cutoff); err != nil && !errors.Is(err, context.Canceled) {
				errOnce.Do(func() {
					firstErr = fmt.Errorf("reindex worker %d: %w", worker, err)
					cancel()
				})
			}
		}(i)
		// Staggered starts smooth the initial burst of batch reads.
		if i < d.cfg.Workers-1 {
			select {
			case <-runCtx.Done():
			case <-time.After(1 * time.Second):
			}
		}
	}
	wg.Wait()
	return d.processed.Load(), firstErr
}

func (d *Driver) work(ctx context.Context, cutoff time.Time) error {
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		drained, err := d.sweepWithRetry(ctx, cutoff)
		if err != nil {
			return err
		}
		if drained {
			return nil
		}
	}
}

// sweepWithRetry runs one batch. Transient datastore trouble backs off
// and retries up to five times per batch; anything else aborts the sweep.
func (d *Driver) sweepWithRetry(ctx context.Context, cutoff time.Time) (bool, error) {
	retries := int64(0)
	for {
		drained, err := d.sweepOnce(ctx, cutoff)
		if err != nil {
			if errors.Is(err, persistence.ErrConnection) && retries < 5 {
				retries++
				zap.S().Warnf("Reindex batch hit a connection error, backing off (attempt %d): %s", retries, err)
				if !d.sleep(ctx, retries) {
					return false, ctx.Err()
				}
				continue
			}
			return false, err
		}
		return drained, nil
	}
}

// sweepOnce claims the next batch under the cursor lock, then processes
// it outside the lock. Returns true when the cursor is drained.
func (d *Driver) sweepOnce(ctx context.Context, cutoff time.Time) (bool, error) {
	d.cursorMu.Lock()
	after := d.cursor
	ids, err := d.store.RetrieveIndex(ctx, d.cfg.BatchSize, cutoff, after, d.cfg.TypeName)
	if err != nil {
		d.cursorMu.Unlock()
		return false, err
	}
	if len(ids) == 0 {
		d.cursorMu.Unlock()
		return true, nil
	}
	d.cursor = ids[len(ids)-1]
	d.cursorMu.Unlock()

	n, err := d.store.Reindex(ctx, ids, cutoff)
	if err != nil {
		return false, err
	}
	d.processed.Add(uint64(n))
	return false, nil
}
