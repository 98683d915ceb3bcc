// pkg/bztree/config.go
package bztree

// Config holds every tunable that governs node sizing, descriptor pool
// capacity and when a node's structural modification operations (SMOs)
// trigger. The defaults mirror a production-sized tree; tests that need
// to force a split or a consolidate after a handful of records override
// the relevant field directly rather than inserting thousands of keys.
type Config struct {
	// NodeSize is the fixed size in bytes of every node block.
	NodeSize uint32
	// MetaCapacity is the fixed number of meta-array slots per node --
	// the maximum number of records (visible or not) a node can hold
	// before it must split or consolidate.
	MetaCapacity uint32
	// SplitThreshold is the blockSize, in bytes, at or above which
	// growNode splits a node. growNode runs only when a record does not
	// fit in the node, after a Delete, or when a child's publish finds the
	// node full; a record that still fits is absorbed in place even past
	// this threshold.
	SplitThreshold uint32
	// MergeThreshold is the live blockSize, in bytes, below which a
	// node becomes a merge candidate.
	MergeThreshold uint32
	// MinFree is the minimum free bytes a node's record area must
	// retain; when growNode finds less and the node calls for no split or
	// merge, it consolidates the node.
	MinFree uint32
	// MaxDeleteSize is the garbage byte threshold (deleteSize) above
	// which a node is consolidated to reclaim space from updated and
	// deleted records.
	MaxDeleteSize uint32

	// DescriptorPoolSize is the number of PMwCAS descriptor slots.
	DescriptorPoolSize int
	// WordsPerDescriptor bounds how many target words a single
	// descriptor can carry; BzTree's own SMOs never need more than 4.
	WordsPerDescriptor int

	// PreAlloc is how many node blocks the node allocator's free ring
	// is pre-filled with at first_use.
	PreAlloc uint64
	// MaxAlloc is the free ring's fixed capacity.
	MaxAlloc uint64

	// ScratchWords is the size, in 64-bit words, of the pool header's
	// reserved scratch area.
	ScratchWords uint64

	// GCIntervalMillis is how often, in milliseconds, the background
	// epoch reclaimer cycles.
	GCIntervalMillis int

	// ByteLimit caps the pool's tracked Budget (descriptor pool, scratch,
	// free ring and every bump-allocated node block); 0 uses
	// pmpool.DefaultByteLimit. An embedder polls Tree.Budget() or
	// registers OnPressure to grow the backing Storage ahead of
	// ErrOutOfSpace rather than after it.
	ByteLimit int64
}

// DefaultConfig returns production-sized defaults.
func DefaultConfig() Config {
	return Config{
		NodeSize:       5120,
		MetaCapacity:   128,
		SplitThreshold: 4096,
		MergeThreshold: 2048,
		MinFree:        512,
		MaxDeleteSize:  1024,

		DescriptorPoolSize: 4096,
		WordsPerDescriptor: 10,

		PreAlloc: 128,
		MaxAlloc: 1024,

		ScratchWords: 8,

		GCIntervalMillis: 10,
	}
}

// descriptorSlotSize is the byte footprint pmwcas.Pool's descriptors
// occupy conceptually in the on-PM layout. Actual descriptor state is
// kept in ordinary Go memory (see DESIGN.md), but the pool header still
// reserves this much space so the region's byte layout matches the
// published on-PM structure.
func (c Config) descriptorSlotSize() uint64 {
	// status(8) + count(8) + words*(addr+expected+newVal+recycle, 4*8)
	return 16 + uint64(c.WordsPerDescriptor)*32
}
