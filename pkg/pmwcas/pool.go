// pkg/pmwcas/pool.go
package pmwcas

import "sync/atomic"

// Pool owns a fixed-size array of descriptors and the target-word Region
// they operate over. Descriptor slots are recycled by index: Alloc scans
// for a FREE slot starting from a rotating hint, and Free marks a slot FREE
// again once no reader can still be resolving a tag that points at it
// (callers typically defer Free through an epoch-based collector rather
// than calling it immediately after Commit returns).
type Pool struct {
	region             Region
	descriptors        []Descriptor
	wordsPerDescriptor int
	searchHint         atomic.Uint64
	allocator          Allocator
}

// NewPool creates a descriptor pool of the given size, each descriptor
// holding up to wordsPerDescriptor words.
func NewPool(region Region, size int, wordsPerDescriptor int) *Pool {
	p := &Pool{
		region:             region,
		descriptors:        make([]Descriptor, size),
		wordsPerDescriptor: wordsPerDescriptor,
	}
	for i := range p.descriptors {
		p.descriptors[i].self = uint32(i)
		p.descriptors[i].pool = p
		p.descriptors[i].status.Store(uint32(StatusFree))
	}
	return p
}

// SetAllocator wires a node allocator in for recycle policies to release
// losing-side node blocks into. Optional: without one, RecycleNewOnFailed
// and RecycleExpectedOnSuccess are no-ops.
func (p *Pool) SetAllocator(a Allocator) {
	p.allocator = a
}

// Size returns the number of descriptor slots in the pool.
func (p *Pool) Size() int {
	return len(p.descriptors)
}

// Alloc claims a FREE descriptor slot and returns it ready for Add calls.
func (p *Pool) Alloc() (*Descriptor, error) {
	n := uint64(len(p.descriptors))
	start := p.searchHint.Add(1) % n
	for i := uint64(0); i < n; i++ {
		idx := (start + i) % n
		d := &p.descriptors[idx]
		if d.status.CompareAndSwap(uint32(StatusFree), uint32(StatusUndecided)) {
			d.words = d.words[:0]
			return d, nil
		}
	}
	return nil, ErrAllocExhausted
}

// Free returns a descriptor slot to the pool. Callers must only do this
// once no reader can still hold a tagged reference into the slot — in
// practice, after retiring the Free call through an epoch-based collector
// so it runs once the descriptor's commit epoch is no longer observable.
func (p *Pool) Free(d *Descriptor) {
	d.status.Store(uint32(StatusFree))
}

// descriptorAt resolves a packed (descriptor index) reference back to its
// Descriptor. idx is trusted to be in range: it only ever comes from a tag
// this same Pool wrote.
func (p *Pool) descriptorAt(idx uint32) *Descriptor {
	return &p.descriptors[idx]
}
