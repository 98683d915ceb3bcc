// pkg/bztree/metrics.go
package bztree

import (
	"bztree/pkg/pmpool"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics counts the operations and structural modifications a Tree
// performs, under the bztree namespace. Every Tree uses the same namespace
// and metric names, so two Trees registered on one registry collide.
type Metrics struct {
	insert      prometheus.Counter
	update      prometheus.Counter
	delete      prometheus.Counter
	split       prometheus.Counter
	merge       prometheus.Counter
	consolidate prometheus.Counter
}

func newMetrics() *Metrics {
	factory := func(name, help string) prometheus.Counter {
		return prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "bztree",
			Name:      name,
			Help:      help,
		})
	}
	return &Metrics{
		insert:      factory("inserts_total", "Records installed by Insert or Upsert."),
		update:      factory("updates_total", "Records superseded by Update or Upsert."),
		delete:      factory("deletes_total", "Records marked invisible by Delete."),
		split:       factory("splits_total", "Node splits performed."),
		merge:       factory("merges_total", "Node merges performed."),
		consolidate: factory("consolidates_total", "Node consolidations performed."),
	}
}

// Register adds every metric to reg under the bztree_ namespace. Callers
// that run more than one Tree in a process should wrap each Tree's
// Metrics in its own prometheus.Registry, or supply distinct ConstLabels,
// to avoid duplicate-registration errors; Register returns the first one.
func (m *Metrics) Register(reg prometheus.Registerer) error {
	for _, c := range []prometheus.Collector{m.insert, m.update, m.delete, m.split, m.merge, m.consolidate} {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}

// Metrics exposes the tree's operation counters for external registration.
func (t *Tree) Metrics() *Metrics {
	return t.metrics
}

// Budget exposes the pool's capacity tracker, letting an embedder poll
// usage or register an OnPressure callback ahead of ErrOutOfSpace.
func (t *Tree) Budget() *pmpool.Budget {
	return t.pool.Budget()
}
