// pkg/pmpool/budget.go
package pmpool

import "sync"

// DefaultByteLimit is the default capacity budget tracked per pool (256MB of
// node blocks plus descriptors). IsExceeded reports true past it;
// IsUnderPressure reports true from DefaultPressureThreshold of it.
const DefaultByteLimit = int64(256 * 1024 * 1024)

// DefaultPressureThreshold is the default fraction of the limit at which
// pressure is signaled.
const DefaultPressureThreshold = 0.8

// BudgetStats is a snapshot of capacity usage across tracked components.
type BudgetStats struct {
	Limit           int64
	TotalUsage      int64
	ComponentUsage  map[string]int64
	IsUnderPressure bool
	IsExceeded      bool
}

// PressureCallback fires once on the transition into pressure state.
type PressureCallback func(currentUsage, limit int64)

// Budget tracks byte usage across a pool's components — the descriptor
// pool, the node allocator's free ring, and the bump-allocated node-block
// region beyond it — and reports when the pool is approaching a configured
// capacity limit. Unlike a page cache's memory budget, nothing here is ever
// evicted: a PM pool only grows, so the budget exists purely as an
// observability signal for operators deciding when to grow a region ahead
// of time or reject further tree growth.
type Budget struct {
	mu                sync.RWMutex
	limit             int64
	pressureThreshold float64
	totalUsage        int64
	componentUsage    map[string]int64
	pressureCallback  PressureCallback
	wasUnderPressure  bool
}

// NewBudget creates a capacity budget with the given limit in bytes. If
// limit is 0 or negative, DefaultByteLimit is used.
func NewBudget(limit int64) *Budget {
	if limit <= 0 {
		limit = DefaultByteLimit
	}
	return &Budget{
		limit:             limit,
		pressureThreshold: DefaultPressureThreshold,
		componentUsage:    make(map[string]int64),
	}
}

// Limit returns the current capacity limit.
func (b *Budget) Limit() int64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.limit
}

// SetLimit updates the capacity limit.
func (b *Budget) SetLimit(limit int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.limit = limit
}

// SetPressureThreshold sets the fraction (0.0 to 1.0) of the limit at which
// pressure is signaled.
func (b *Budget) SetPressureThreshold(threshold float64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if threshold < 0 {
		threshold = 0
	}
	if threshold > 1 {
		threshold = 1
	}
	b.pressureThreshold = threshold
}

// RegisterComponent registers a component name for tracking ahead of its
// first Track call; harmless to skip, Track creates it lazily.
func (b *Budget) RegisterComponent(name string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, exists := b.componentUsage[name]; !exists {
		b.componentUsage[name] = 0
	}
}

// Track records bytes allocated to a component (e.g. "node_blocks",
// "descriptor_pool", "free_ring").
func (b *Budget) Track(component string, bytes int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.componentUsage[component] += bytes
	b.totalUsage += bytes
	b.checkPressure()
}

// Release records bytes returned by a component, e.g. a node block handed
// back to the free ring rather than kept live.
func (b *Budget) Release(component string, bytes int64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	usage := b.componentUsage[component]
	if bytes > usage {
		bytes = usage
	}
	b.componentUsage[component] -= bytes
	b.totalUsage -= bytes
	if b.totalUsage < 0 {
		b.totalUsage = 0
	}
}

// TotalUsage returns total tracked bytes across all components.
func (b *Budget) TotalUsage() int64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.totalUsage
}

// ComponentUsage returns tracked bytes for one component.
func (b *Budget) ComponentUsage(component string) int64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.componentUsage[component]
}

// IsUnderPressure reports whether usage has crossed the pressure threshold.
func (b *Budget) IsUnderPressure() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return float64(b.totalUsage) >= float64(b.limit)*b.pressureThreshold
}

// IsExceeded reports whether usage has crossed the hard limit.
func (b *Budget) IsExceeded() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.totalUsage > b.limit
}

// OnPressure registers a callback fired once on the transition into
// pressure state (not on every Track call while already under pressure).
func (b *Budget) OnPressure(callback PressureCallback) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pressureCallback = callback
}

// checkPressure must be called while holding the lock.
func (b *Budget) checkPressure() {
	isUnderPressure := float64(b.totalUsage) >= float64(b.limit)*b.pressureThreshold

	if isUnderPressure && !b.wasUnderPressure && b.pressureCallback != nil {
		callback := b.pressureCallback
		usage := b.totalUsage
		limit := b.limit
		b.wasUnderPressure = true
		go callback(usage, limit)
	} else if !isUnderPressure {
		b.wasUnderPressure = false
	}
}

// Stats returns a snapshot of current capacity usage.
func (b *Budget) Stats() BudgetStats {
	b.mu.RLock()
	defer b.mu.RUnlock()

	componentUsage := make(map[string]int64, len(b.componentUsage))
	for k, v := range b.componentUsage {
		componentUsage[k] = v
	}

	return BudgetStats{
		Limit:           b.limit,
		TotalUsage:      b.totalUsage,
		ComponentUsage:  componentUsage,
		IsUnderPressure: float64(b.totalUsage) >= float64(b.limit)*b.pressureThreshold,
		IsExceeded:      b.totalUsage > b.limit,
	}
}
