// pkg/pmpool/pool.go
package pmpool

import (
	"errors"
	"sync"
	"sync/atomic"
	"unsafe"
)

// ErrOutOfSpace is returned when the region cannot grow the backing storage
// far enough to satisfy an allocation.
var ErrOutOfSpace = errors.New("pmpool: region exhausted and could not grow")

// ErrHeaderFrozen is returned by Carve once FinalizeHeader has run; the
// header layout is fixed for the lifetime of the pool.
var ErrHeaderFrozen = errors.New("pmpool: header already finalized")

// Layout describes the fixed-size regions carved out of the pool header,
// in the order required by the on-PM layout: descriptor pool, scratch
// words, free ring, root offset, epoch. Component owners (pmwcas, bztree)
// supply their own sizes; pmpool only knows how to lay them out back to
// back and hand back their base offsets.
type Layout struct {
	DescriptorSlotSize uint64 // bytes per PMwCAS multi-word descriptor
	DescriptorCount    uint64 // D
	ScratchWords       uint64 // W reserved 64-bit scratch words
	RingCapacity       uint64 // MAX_ALLOC, node allocator free-ring capacity
	NodeSize           uint64 // fixed BzTree node block size
}

// Region is a contiguous mapped span of bytes with a fixed base address.
// Every relative pointer in the system is an offset into a Region. Region
// never itself decides what lives at a given offset past the header: the
// node allocator hands node-sized blocks out of the space beyond the
// header via AllocBlock, and PMwCAS/BzTree interpret the bytes.
type Region struct {
	storage Storage

	mu        sync.Mutex // guards Carve only; not on any hot path
	headerEnd uint64
	frozen    bool

	cursor atomic.Uint64 // next free byte for AllocBlock, always >= headerEnd
}

// OpenRegion wraps a Storage backend as a Region with an empty header.
// Callers must Carve out every header sub-region, in a fixed, deterministic
// order, then call FinalizeHeader before using AllocBlock.
func OpenRegion(storage Storage) *Region {
	return &Region{storage: storage}
}

// Carve reserves size bytes at the next available header offset and
// returns that offset. Must be called before FinalizeHeader; callers must
// carve in the same order every time the pool is opened (first_use or a
// plain reopen) so that offsets are stable across restarts.
func (r *Region) Carve(size uint64) (uint64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.frozen {
		return 0, ErrHeaderFrozen
	}
	off := r.headerEnd
	need := off + size
	if need > uint64(r.storage.Size()) {
		if err := r.storage.Grow(int64(need)); err != nil {
			return 0, err
		}
	}
	r.headerEnd = need
	return off, nil
}

// FinalizeHeader freezes the header layout and opens the remainder of the
// region for node-block bump allocation. headerEnd must already reflect an
// existing region size when reopening a pool that was previously
// initialized (the caller re-carves the same offsets; FinalizeHeader just
// stops further carving and seeds the bump cursor).
func (r *Region) FinalizeHeader() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.frozen = true
	cur := r.cursor.Load()
	if cur < r.headerEnd {
		r.cursor.Store(r.headerEnd)
	}
}

// SeedCursor sets the bump-allocation cursor explicitly, used when reopening
// a pool whose node blocks already extend the file past the header (the
// cursor must resume from the persisted high-water mark, not from the
// header end again).
func (r *Region) SeedCursor(off uint64) {
	r.cursor.Store(off)
}

// Cursor returns the current bump-allocation high-water mark.
func (r *Region) Cursor() uint64 {
	return r.cursor.Load()
}

// Base returns the entire mapped region as a byte slice. Callers must not
// retain slices derived from Base across a Grow, which may reallocate the
// backing buffer.
func (r *Region) Base() []byte {
	b := r.storage.Slice(0, int(r.storage.Size()))
	return b
}

// Size returns the current size of the mapped region in bytes.
func (r *Region) Size() uint64 {
	return uint64(r.storage.Size())
}

// Bytes returns a byte slice view of [off, off+n) within the region.
func (r *Region) Bytes(off, n uint64) []byte {
	return r.storage.Slice(int(off), int(n))
}

// Word returns a pointer to the 64-bit word at byte offset off, suitable
// for atomic loads, stores and compare-and-swaps. off must be 8-byte
// aligned; every PMwCAS target word and every BzTree header/meta word is
// allocated at an 8-byte-aligned offset by construction.
func (r *Region) Word(off uint64) *uint64 {
	b := r.storage.Slice(int(off), 8)
	if b == nil {
		panic("pmpool: word access out of bounds")
	}
	return (*uint64)(unsafe.Pointer(&b[0]))
}

// Persist flushes [off, off+n) to durable storage and clears no bits by
// itself; callers clear the DIRTY tag with a CAS after Persist returns, so
// a racing helper that already cleared it is tolerated. For memory-backed
// regions this is a no-op since there is nothing to flush.
func (r *Region) Persist(off, n uint64) error {
	_ = off
	_ = n
	return r.storage.Sync()
}

// Close releases the backing storage.
func (r *Region) Close() error {
	return r.storage.Close()
}

// AllocBlock bump-allocates a fresh, zeroed block of size bytes beyond the
// header and returns its offset. This is the PM pool's atomic allocator:
// the node allocator's free-ring falls back to it only when the ring is
// empty. Allocation only grows; blocks are never returned to the backing
// storage; recycling happens at the ring instead.
func (r *Region) AllocBlock(size uint64) (uint64, error) {
	for {
		cur := r.cursor.Load()
		next := cur + size
		if next > r.Size() {
			if err := r.storage.Grow(int64(growTo(next))); err != nil {
				return 0, ErrOutOfSpace
			}
		}
		if r.cursor.CompareAndSwap(cur, next) {
			zero := r.storage.Slice(int(cur), int(size))
			for i := range zero {
				zero[i] = 0
			}
			return cur, nil
		}
	}
}

// growTo rounds a required size up to the next power-of-two-ish doubling
// step so repeated small allocations don't each trigger their own Grow.
func growTo(need uint64) uint64 {
	size := uint64(1 << 20)
	for size < need {
		size *= 2
	}
	return size
}

// Pool is a Region together with the fixed header layout described in the
// spec: { descriptor_pool[D], magic_scratch[W], free_ring, root_offset,
// epoch }, followed by node blocks allocated on demand.
type Pool struct {
	*Region
	layout Layout
	budget *Budget

	descriptorPoolOff uint64
	scratchOff        uint64
	ringOff           uint64
	rootOff           uint64
	epochOff          uint64
}

// NewPool lays out a fresh header on an empty (or already-sized) Storage
// and returns the Pool. Used by Tree.FirstUse. The pool tracks its own
// header regions and every node block it bump-allocates against a Budget
// sized at byteLimit (DefaultByteLimit if 0 or negative); callers with
// multiple pools in one process should give each its own limit.
func NewPool(storage Storage, layout Layout, byteLimit int64) (*Pool, error) {
	r := OpenRegion(storage)
	p := &Pool{Region: r, layout: layout, budget: NewBudget(byteLimit)}
	if err := p.carveHeader(); err != nil {
		return nil, err
	}
	r.FinalizeHeader()
	return p, nil
}

// OpenPool re-carves the identical header layout over an existing Storage.
// Carving is deterministic given the same Layout, so this recovers the same
// offsets without persisting them separately. Used by Tree.Open on restart.
func OpenPool(storage Storage, layout Layout, cursor uint64, byteLimit int64) (*Pool, error) {
	r := OpenRegion(storage)
	p := &Pool{Region: r, layout: layout, budget: NewBudget(byteLimit)}
	if err := p.carveHeader(); err != nil {
		return nil, err
	}
	r.FinalizeHeader()
	if cursor > r.Cursor() {
		r.SeedCursor(cursor)
	}
	p.budget.Track("node_blocks", int64(r.Cursor()-r.headerEnd))
	return p, nil
}

// Budget returns the pool's capacity tracker, covering the descriptor
// pool, scratch words, free ring and every node block bump-allocated
// since. Embedders poll it (or register OnPressure) to decide when to
// grow the backing Storage ahead of ErrOutOfSpace rather than after it.
func (p *Pool) Budget() *Budget { return p.budget }

func (p *Pool) carveHeader() error {
	var err error
	descSize := p.layout.DescriptorSlotSize * p.layout.DescriptorCount
	if p.descriptorPoolOff, err = p.Carve(descSize); err != nil {
		return err
	}
	p.budget.Track("descriptor_pool", int64(descSize))

	scratchSize := p.layout.ScratchWords * 8
	if p.scratchOff, err = p.Carve(scratchSize); err != nil {
		return err
	}
	p.budget.Track("scratch", int64(scratchSize))

	ringSize := ringHeaderSize(p.layout.RingCapacity)
	if p.ringOff, err = p.Carve(ringSize); err != nil {
		return err
	}
	p.budget.Track("free_ring", int64(ringSize))

	if p.rootOff, err = p.Carve(8); err != nil {
		return err
	}
	if p.epochOff, err = p.Carve(8); err != nil {
		return err
	}
	return nil
}

// DescriptorPoolOffset returns the base offset of the PMwCAS descriptor
// pool, sized DescriptorSlotSize*DescriptorCount bytes.
func (p *Pool) DescriptorPoolOffset() uint64 { return p.descriptorPoolOff }

// DescriptorSlotOffset returns the base offset of descriptor slot i.
func (p *Pool) DescriptorSlotOffset(i uint64) uint64 {
	return p.descriptorPoolOff + i*p.layout.DescriptorSlotSize
}

// DescriptorCount returns D, the number of descriptor slots.
func (p *Pool) DescriptorCount() uint64 { return p.layout.DescriptorCount }

// ScratchOffset returns the base offset of the W-word scratch area.
func (p *Pool) ScratchOffset() uint64 { return p.scratchOff }

// RingOffset returns the base offset of the node allocator's free ring.
func (p *Pool) RingOffset() uint64 { return p.ringOff }

// RingCapacity returns MAX_ALLOC, the free ring's fixed capacity.
func (p *Pool) RingCapacity() uint64 { return p.layout.RingCapacity }

// RootOffset returns the offset of the tree's root RP<Node> word.
func (p *Pool) RootOffset() uint64 { return p.rootOff }

// EpochOffset returns the offset of the tree epoch word.
func (p *Pool) EpochOffset() uint64 { return p.epochOff }

// NodeSize returns the fixed BzTree node block size.
func (p *Pool) NodeSize() uint64 { return p.layout.NodeSize }

// AllocNodeBlock bump-allocates one fresh node-sized block and tracks it
// against the pool's Budget under the "node_blocks" component.
func (p *Pool) AllocNodeBlock() (uint64, error) {
	off, err := p.AllocBlock(p.layout.NodeSize)
	if err != nil {
		return 0, err
	}
	p.budget.Track("node_blocks", int64(p.layout.NodeSize))
	return off, nil
}

// Root returns the current value of the root pointer word.
func (p *Pool) Root() uint64 {
	return atomic.LoadUint64(p.Word(p.rootOff))
}

// Epoch returns the current tree epoch.
func (p *Pool) Epoch() uint32 {
	return uint32(atomic.LoadUint64(p.Word(p.epochOff)))
}

// BumpEpoch persists epoch+1 as the first step of recovery, so that any
// reservation stamped with the pre-crash epoch is invalidated before
// anything else runs.
func (p *Pool) BumpEpoch() uint32 {
	w := p.Word(p.epochOff)
	next := atomic.AddUint64(w, 1)
	p.Persist(p.epochOff, 8)
	return uint32(next)
}
