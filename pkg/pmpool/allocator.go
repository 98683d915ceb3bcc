// pkg/pmpool/allocator.go
package pmpool

import (
	"encoding/binary"
	"sync"
)

// ring header layout, carved once as part of Pool.carveHeader:
//
//	[0:4]   front index
//	[4:8]   back index
//	[8:12]  count
//	[12:16] padding
//	[16:]   capacity * 8-byte slots, each a byte offset into the region
const ringControlSize = 16

func ringHeaderSize(capacity uint64) uint64 {
	return ringControlSize + capacity*8
}

// NodeAllocator is the bounded ring of free, node-sized PM blocks described
// by the pool: PreAlloc entries are pre-filled at first_use, capacity never
// exceeds RingCapacity, and once the ring runs dry Acquire falls back to the
// pool's atomic bump allocator. Acquire/Release are used to hand nodes into
// and out of PMwCAS's own temporary-storage bookkeeping: a node obtained via
// Acquire and never installed anywhere must be Released, and a node that is
// unlinked from the tree (after GC makes it unreachable) is Released back to
// the ring rather than leaked.
//
// The ring's own front/back/count bookkeeping is guarded by an in-process
// mutex and written without an explicit Persist. NewNodeAllocator attaches
// to the ring bytes as it finds them: a reopened pool is not rebuilt the way
// first_use fills it, and a crash can leave the ring inconsistent.
type NodeAllocator struct {
	pool *Pool
	mu   sync.Mutex

	base     uint64 // ring header offset
	capacity uint64
}

// NewNodeAllocator attaches a node allocator to pool's free ring.
func NewNodeAllocator(pool *Pool) *NodeAllocator {
	return &NodeAllocator{
		pool:     pool,
		base:     pool.RingOffset(),
		capacity: pool.RingCapacity(),
	}
}

func (a *NodeAllocator) control() []byte {
	return a.pool.Bytes(a.base, ringControlSize)
}

func (a *NodeAllocator) slot(i uint64) []byte {
	off := a.base + ringControlSize + (i%a.capacity)*8
	return a.pool.Bytes(off, 8)
}

// FirstUse pre-fills the ring with n fresh node blocks, bounded by capacity.
// Called once when a pool is created for the first time.
func (a *NodeAllocator) FirstUse(n uint64) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	ctrl := a.control()
	binary.LittleEndian.PutUint32(ctrl[0:4], 0)
	binary.LittleEndian.PutUint32(ctrl[4:8], 0)
	binary.LittleEndian.PutUint32(ctrl[8:12], 0)

	if n > a.capacity {
		n = a.capacity
	}
	for i := uint64(0); i < n; i++ {
		off, err := a.pool.AllocNodeBlock()
		if err != nil {
			return err
		}
		binary.LittleEndian.PutUint64(a.slot(i), off)
	}
	// AllocNodeBlock may have grown the storage, which invalidates slices
	// taken before it; re-fetch the control block before writing back.
	ctrl = a.control()
	binary.LittleEndian.PutUint32(ctrl[4:8], uint32(n%a.capacity))
	binary.LittleEndian.PutUint32(ctrl[8:12], uint32(n))
	return nil
}

// Acquire hands out one node-sized block offset, popping the ring's front
// entry when non-empty and otherwise bump-allocating a fresh block from the
// pool.
func (a *NodeAllocator) Acquire() (uint64, error) {
	a.mu.Lock()
	ctrl := a.control()
	count := binary.LittleEndian.Uint32(ctrl[8:12])
	if count == 0 {
		a.mu.Unlock()
		return a.pool.AllocNodeBlock()
	}
	front := binary.LittleEndian.Uint32(ctrl[0:4])
	off := binary.LittleEndian.Uint64(a.slot(uint64(front)))
	binary.LittleEndian.PutUint32(ctrl[0:4], (front+1)%uint32(a.capacity))
	binary.LittleEndian.PutUint32(ctrl[8:12], count-1)
	a.mu.Unlock()
	return off, nil
}

// Release returns a node-sized block to the ring. If the ring is already at
// capacity the block is simply dropped (abandoned as unreclaimed space); a
// ring sized to PRE_ALLOC/MAX_ALLOC for the workload should not see this in
// practice, so a caller that hits it may want to grow RingCapacity.
func (a *NodeAllocator) Release(off uint64) {
	a.mu.Lock()
	defer a.mu.Unlock()

	ctrl := a.control()
	count := binary.LittleEndian.Uint32(ctrl[8:12])
	if uint64(count) >= a.capacity {
		return
	}
	back := binary.LittleEndian.Uint32(ctrl[4:8])
	binary.LittleEndian.PutUint64(a.slot(uint64(back)), off)
	binary.LittleEndian.PutUint32(ctrl[4:8], (back+1)%uint32(a.capacity))
	binary.LittleEndian.PutUint32(ctrl[8:12], count+1)
}

// Len reports the number of blocks currently sitting in the ring.
func (a *NodeAllocator) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	ctrl := a.control()
	return int(binary.LittleEndian.Uint32(ctrl[8:12]))
}
