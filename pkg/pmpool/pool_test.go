// pkg/pmpool/pool_test.go
package pmpool

import "testing"

func testLayout() Layout {
	return Layout{
		DescriptorSlotSize: 352,
		DescriptorCount:    16,
		ScratchWords:       8,
		RingCapacity:       32,
		NodeSize:           5120,
	}
}

func newTestPool(t *testing.T) *Pool {
	t.Helper()
	storage, err := NewMemoryStorage(4096)
	if err != nil {
		t.Fatalf("NewMemoryStorage: %v", err)
	}
	pool, err := NewPool(storage, testLayout(), 0)
	if err != nil {
		t.Fatalf("NewPool: %v", err)
	}
	return pool
}

func TestPool_HeaderOffsetsAreOrdered(t *testing.T) {
	p := newTestPool(t)

	if p.DescriptorPoolOffset() != 0 {
		t.Errorf("expected descriptor pool at offset 0, got %d", p.DescriptorPoolOffset())
	}
	if p.ScratchOffset() <= p.DescriptorPoolOffset() {
		t.Errorf("scratch offset %d should follow descriptor pool offset %d", p.ScratchOffset(), p.DescriptorPoolOffset())
	}
	if p.RingOffset() <= p.ScratchOffset() {
		t.Errorf("ring offset %d should follow scratch offset %d", p.RingOffset(), p.ScratchOffset())
	}
	if p.RootOffset() <= p.RingOffset() {
		t.Errorf("root offset %d should follow ring offset %d", p.RootOffset(), p.RingOffset())
	}
	if p.EpochOffset() <= p.RootOffset() {
		t.Errorf("epoch offset %d should follow root offset %d", p.EpochOffset(), p.RootOffset())
	}
}

func TestPool_DescriptorSlotOffset(t *testing.T) {
	p := newTestPool(t)
	base := p.DescriptorPoolOffset()
	if off := p.DescriptorSlotOffset(0); off != base {
		t.Errorf("slot 0 offset = %d, want %d", off, base)
	}
	if off := p.DescriptorSlotOffset(3); off != base+3*352 {
		t.Errorf("slot 3 offset = %d, want %d", off, base+3*352)
	}
}

func TestPool_WordReadWriteCAS(t *testing.T) {
	p := newTestPool(t)
	off := p.RootOffset()
	w := p.Word(off)

	*w = 42
	if got := *p.Word(off); got != 42 {
		t.Fatalf("got %d, want 42", got)
	}

	if p.Root() != 42 {
		t.Fatalf("Root() = %d, want 42", p.Root())
	}
}

func TestPool_BumpEpoch(t *testing.T) {
	p := newTestPool(t)
	if p.Epoch() != 0 {
		t.Fatalf("expected initial epoch 0, got %d", p.Epoch())
	}
	next := p.BumpEpoch()
	if next != 1 {
		t.Fatalf("BumpEpoch returned %d, want 1", next)
	}
	if p.Epoch() != 1 {
		t.Fatalf("Epoch() = %d, want 1", p.Epoch())
	}
}

func TestPool_AllocNodeBlockGrowsAndZeroes(t *testing.T) {
	p := newTestPool(t)

	off1, err := p.AllocNodeBlock()
	if err != nil {
		t.Fatalf("AllocNodeBlock: %v", err)
	}
	off2, err := p.AllocNodeBlock()
	if err != nil {
		t.Fatalf("AllocNodeBlock: %v", err)
	}
	if off2 != off1+p.NodeSize() {
		t.Errorf("second block at %d, want %d", off2, off1+p.NodeSize())
	}

	b := p.Bytes(off1, p.NodeSize())
	for i, v := range b {
		if v != 0 {
			t.Fatalf("byte %d not zeroed: %d", i, v)
		}
	}
}

func TestPool_BudgetTracksHeaderAndNodeBlocks(t *testing.T) {
	p := newTestPool(t)

	headerUsage := p.Budget().TotalUsage()
	if headerUsage <= 0 {
		t.Fatalf("expected header carve to register budget usage, got %d", headerUsage)
	}

	if _, err := p.AllocNodeBlock(); err != nil {
		t.Fatalf("AllocNodeBlock: %v", err)
	}
	if got := p.Budget().ComponentUsage("node_blocks"); got != int64(p.NodeSize()) {
		t.Fatalf("node_blocks usage = %d, want %d", got, p.NodeSize())
	}
}

func TestPool_ReopenRecoversSameOffsets(t *testing.T) {
	storage, err := NewMemoryStorage(4096)
	if err != nil {
		t.Fatalf("NewMemoryStorage: %v", err)
	}
	layout := testLayout()

	p1, err := NewPool(storage, layout, 0)
	if err != nil {
		t.Fatalf("NewPool: %v", err)
	}
	*p1.Word(p1.RootOffset()) = 7
	cursor := p1.Cursor()

	p2, err := OpenPool(storage, layout, cursor, 0)
	if err != nil {
		t.Fatalf("OpenPool: %v", err)
	}
	if p2.RootOffset() != p1.RootOffset() {
		t.Fatalf("reopened root offset %d != original %d", p2.RootOffset(), p1.RootOffset())
	}
	if p2.Root() != 7 {
		t.Fatalf("reopened root value = %d, want 7", p2.Root())
	}
}
