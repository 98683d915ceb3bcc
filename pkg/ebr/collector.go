// pkg/ebr/collector.go
package ebr

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// Collector pairs an EBR epoch tracker with the per-epoch limbo lists that
// PMwCAS recycle policies and BzTree's consolidate/split/merge SMOs retire
// reclaimable work into: a freed descriptor slot, a superseded node block
// handed back to the node allocator, or any other deferred cleanup that
// must not run while a reader might still observe the old state.
type Collector struct {
	*EBR

	retired [Epochs]limboBucket
}

type limboBucket struct {
	mu    sync.Mutex
	items []func()
}

// NewCollector creates a Collector with its own fresh EBR instance.
func NewCollector() *Collector {
	return &Collector{EBR: New()}
}

// Retire schedules fn to run once the epoch it was retired under is no
// longer reachable by any active reader. fn is typically a closure over a
// node allocator Release call or a descriptor pool slot reset.
func (c *Collector) Retire(fn func()) {
	epoch := c.CurrentEpoch()
	bucket := &c.retired[epoch]
	bucket.mu.Lock()
	bucket.items = append(bucket.items, fn)
	bucket.mu.Unlock()
}

// Cycle attempts to advance the global epoch and, if it does, drains and
// runs every closure retired in the now-safe bucket. It returns the number
// of closures it ran.
func (c *Collector) Cycle() int {
	gcEpoch, advanced := c.Sync()
	if !advanced {
		return 0
	}

	bucket := &c.retired[gcEpoch]
	bucket.mu.Lock()
	items := bucket.items
	bucket.items = nil
	bucket.mu.Unlock()

	for _, fn := range items {
		fn()
	}
	return len(items)
}

// PendingCount reports how many closures are waiting across all limbo
// buckets, for tests and operational visibility.
func (c *Collector) PendingCount() int {
	total := 0
	for i := range c.retired {
		c.retired[i].mu.Lock()
		total += len(c.retired[i].items)
		c.retired[i].mu.Unlock()
	}
	return total
}

// Run drives Cycle on a fixed interval until ctx is canceled. Callers spawn
// this as a background reclaimer goroutine alongside the tree; it mirrors
// the original implementation's periodic gc_cycle sweep rather than
// reclaiming inline on every operation.
func (c *Collector) Run(ctx context.Context, interval time.Duration) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-ticker.C:
				c.Cycle()
			}
		}
	})
	return g.Wait()
}
