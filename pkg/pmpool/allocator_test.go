// pkg/pmpool/allocator_test.go
package pmpool

import "testing"

func TestNodeAllocator_FirstUseFillsRing(t *testing.T) {
	p := newTestPool(t)
	alloc := NewNodeAllocator(p)

	if err := alloc.FirstUse(8); err != nil {
		t.Fatalf("FirstUse: %v", err)
	}
	if got := alloc.Len(); got != 8 {
		t.Fatalf("Len() = %d, want 8", got)
	}
}

func TestNodeAllocator_FirstUseBoundedByCapacity(t *testing.T) {
	p := newTestPool(t)
	alloc := NewNodeAllocator(p)

	if err := alloc.FirstUse(1000); err != nil {
		t.Fatalf("FirstUse: %v", err)
	}
	if got := alloc.Len(); uint64(got) != p.RingCapacity() {
		t.Fatalf("Len() = %d, want capacity %d", got, p.RingCapacity())
	}
}

func TestNodeAllocator_AcquireDrainsRingThenBumpAllocates(t *testing.T) {
	p := newTestPool(t)
	alloc := NewNodeAllocator(p)

	if err := alloc.FirstUse(2); err != nil {
		t.Fatalf("FirstUse: %v", err)
	}

	seen := make(map[uint64]bool)
	for i := 0; i < 2; i++ {
		off, err := alloc.Acquire()
		if err != nil {
			t.Fatalf("Acquire: %v", err)
		}
		if seen[off] {
			t.Fatalf("Acquire returned duplicate offset %d", off)
		}
		seen[off] = true
	}
	if alloc.Len() != 0 {
		t.Fatalf("Len() = %d, want 0 after draining ring", alloc.Len())
	}

	// ring is empty now; falls back to the pool bump allocator
	off, err := alloc.Acquire()
	if err != nil {
		t.Fatalf("Acquire after drain: %v", err)
	}
	if seen[off] {
		t.Fatalf("bump-allocated offset %d collides with ring offset", off)
	}
}

func TestNodeAllocator_AcquireReleaseRoundTrip(t *testing.T) {
	p := newTestPool(t)
	alloc := NewNodeAllocator(p)

	if err := alloc.FirstUse(4); err != nil {
		t.Fatalf("FirstUse: %v", err)
	}

	off, err := alloc.Acquire()
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if alloc.Len() != 3 {
		t.Fatalf("Len() = %d, want 3", alloc.Len())
	}

	alloc.Release(off)
	if alloc.Len() != 4 {
		t.Fatalf("Len() = %d, want 4 after release", alloc.Len())
	}
}

func TestNodeAllocator_ReleaseAtCapacityIsDropped(t *testing.T) {
	p := newTestPool(t)
	alloc := NewNodeAllocator(p)

	if err := alloc.FirstUse(uint64(p.RingCapacity())); err != nil {
		t.Fatalf("FirstUse: %v", err)
	}
	full := alloc.Len()

	alloc.Release(0xdead)
	if alloc.Len() != full {
		t.Fatalf("Len() changed from %d to %d on release at capacity", full, alloc.Len())
	}
}
