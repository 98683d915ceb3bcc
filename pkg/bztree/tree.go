// pkg/bztree/tree.go
package bztree

import (
	"context"
	"sort"
	"sync"
	"time"

	"bztree/pkg/ebr"
	"bztree/pkg/pmpool"
	"bztree/pkg/pmwcas"
)

// Tree is a lock-free, PMwCAS-backed B+-tree-like index over a single
// pmpool.Pool region. Every structural change -- an insert's reserve-and-
// publish, a delete's visibility flip, a split's freeze-and-retarget -- is
// expressed as one multi-word PMwCAS commit, so a reader never observes a
// node half-updated.
type Tree struct {
	pool  *pmpool.Pool
	cas   *pmwcas.Pool
	alloc *pmpool.NodeAllocator
	gc    *ebr.Collector
	cfg   Config

	guards sync.Pool

	cancel context.CancelFunc
	done   chan struct{}

	metrics *Metrics
}

func (t *Tree) layout() pmpool.Layout {
	return pmpool.Layout{
		DescriptorSlotSize: t.cfg.descriptorSlotSize(),
		DescriptorCount:    uint64(t.cfg.DescriptorPoolSize),
		ScratchWords:       t.cfg.ScratchWords,
		RingCapacity:       uint64(t.cfg.MaxAlloc),
		NodeSize:           uint64(t.cfg.NodeSize),
	}
}

// FirstUse lays out a brand new pool on storage, pre-fills the node
// allocator's free ring, and plants an empty leaf as the root. Called once
// when a tree is created for the first time.
func FirstUse(storage pmpool.Storage, cfg Config) (*Tree, error) {
	t := newTreeSkeleton(cfg)
	pool, err := pmpool.NewPool(storage, t.layout(), cfg.ByteLimit)
	if err != nil {
		return nil, err
	}
	t.pool = pool
	t.finishInit()

	if err := t.alloc.FirstUse(t.cfg.PreAlloc); err != nil {
		return nil, err
	}

	rootOff, err := t.alloc.Acquire()
	if err != nil {
		return nil, err
	}
	initNode(t.pool, rootOff, t.cfg.MetaCapacity, true)
	t.pool.Persist(rootOff, uint64(t.cfg.NodeSize))

	*t.pool.Word(t.pool.RootOffset()) = rootOff
	t.pool.Persist(t.pool.RootOffset(), 8)

	return t, nil
}

// Open reopens a pool that already has a root and a live free ring,
// recovering the same header offsets deterministically from cfg.
// allocCursor is the bump allocator's high-water mark, supplied by the
// caller rather than read from storage.
func Open(storage pmpool.Storage, cfg Config, allocCursor uint64) (*Tree, error) {
	t := newTreeSkeleton(cfg)
	pool, err := pmpool.OpenPool(storage, t.layout(), allocCursor, cfg.ByteLimit)
	if err != nil {
		return nil, err
	}
	t.pool = pool
	t.finishInit()
	return t, nil
}

// newTreeSkeleton builds everything that doesn't need the pool yet.
func newTreeSkeleton(cfg Config) *Tree {
	return &Tree{cfg: cfg, metrics: newMetrics()}
}

func (t *Tree) finishInit() {
	t.alloc = pmpool.NewNodeAllocator(t.pool)
	t.cas = pmwcas.NewPool(t.pool.Region, t.cfg.DescriptorPoolSize, t.cfg.WordsPerDescriptor)
	t.cas.SetAllocator(t.alloc)
	t.gc = ebr.NewCollector()

	ctx, cancel := context.WithCancel(context.Background())
	t.cancel = cancel
	t.done = make(chan struct{})
	go func() {
		defer close(t.done)
		t.gc.Run(ctx, time.Duration(t.cfg.GCIntervalMillis)*time.Millisecond)
	}()
}

// Recover runs the PMwCAS crash-recovery sweep. Callers invoke this once,
// single-threaded, immediately after Open and before any concurrent
// operation begins.
func (t *Tree) Recover() {
	t.pool.BumpEpoch()
	t.cas.Recover()
}

// Close stops the background reclaimer and releases the pool's storage.
func (t *Tree) Close() error {
	t.cancel()
	<-t.done
	return t.pool.Close()
}

func (t *Tree) acquireGuard() *ebr.Guard {
	if g, ok := t.guards.Get().(*ebr.Guard); ok {
		return g
	}
	return t.gc.Register()
}

func (t *Tree) releaseGuard(g *ebr.Guard) {
	g.Exit()
	t.guards.Put(g)
}

func (t *Tree) usableBytes(n node) uint32 {
	return t.cfg.NodeSize - nodeHeaderSize - n.capacity()*metaEntrySize
}

// traversePath descends from the root to the leaf that owns key, recording
// every interior node visited along the way so a split or consolidate can
// retarget the immediate parent without a second descent.
func (t *Tree) traversePath(key []byte) ([]uint64, node) {
	var path []uint64
	off := t.pool.Root()
	for {
		n := newNodeView(t.pool, off)
		if n.isLeaf() {
			return path, n
		}
		path = append(path, off)
		off = t.routeInterior(n, key)
	}
}

// routeInterior picks the child whose key is the smallest one strictly
// greater than key. Every interior record's key is the upper bound
// (exclusive) of everything reachable below it, and the rightmost record
// carries the node's own upper bound (MaxKey on the tree's right spine),
// which every key routed into the node is below, so the scan is
// guaranteed to match a record before it runs off the end of a
// well-formed node.
func (t *Tree) routeInterior(n node, key []byte) uint64 {
	recs := dedupeSorted(n)
	for _, r := range recs {
		if keyLess(key, r.key) {
			return decodeChildOffset(r.value)
		}
	}
	// Unreachable in a well-formed tree: the last record's key is the
	// node's upper bound, and every key routed here is less than it.
	return decodeChildOffset(recs[len(recs)-1].value)
}

// dedupeSorted resolves a node's logical key/value view: the unsorted
// region shadows the sorted one for any key touched since the last
// consolidate, and the result comes back sorted ascending by key, with
// MaxKey (if present) always last.
func dedupeSorted(n node) []record {
	latest := make(map[string]record)
	for _, r := range n.allVisible() {
		latest[string(r.key)] = r
	}
	out := make([]record, 0, len(latest))
	for _, r := range latest {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return keyLess(out[i].key, out[j].key) })
	return out
}

func decodeChildOffset(value []byte) uint64 {
	var v uint64
	for i := 7; i >= 0; i-- {
		v = v<<8 | uint64(value[i])
	}
	return v
}

func encodeChildOffset(off uint64) []byte {
	b := make([]byte, 8)
	for i := 0; i < 8; i++ {
		b[i] = byte(off)
		off >>= 8
	}
	return b
}

// Insert adds key/value if no visible record for key exists yet.
func (t *Tree) Insert(key, value []byte) error {
	return t.upsert(key, value, false)
}

// Upsert installs value for key, replacing any existing visible record.
func (t *Tree) Upsert(key, value []byte) error {
	return t.upsert(key, value, true)
}

// Update replaces the value of an existing key. Unlike Upsert, it reports
// ErrKeyNotFound rather than inserting.
func (t *Tree) Update(key, value []byte) error {
	g := t.acquireGuard()
	g.Enter(t.gc.EBR)
	defer t.releaseGuard(g)

	for {
		path, leaf := t.traversePath(key)
		if frozen, _, _, _ := leaf.status(); frozen {
			continue
		}
		old, found := leaf.find(key)
		if !found {
			return ErrKeyNotFound
		}
		err := t.installUpdate(path, leaf, old, value)
		if err == ErrCASRace {
			continue
		}
		return err
	}
}

func (t *Tree) upsert(key, value []byte, allowOverwrite bool) error {
	g := t.acquireGuard()
	g.Enter(t.gc.EBR)
	defer t.releaseGuard(g)

	for {
		path, leaf := t.traversePath(key)
		if frozen, _, _, _ := leaf.status(); frozen {
			continue
		}
		old, found := leaf.find(key)
		if found {
			if !allowOverwrite {
				return ErrDuplicateKey
			}
			err := t.installUpdate(path, leaf, old, value)
			if err == ErrCASRace {
				continue
			}
			return err
		}
		err := t.installInsert(path, leaf, key, value)
		if err == ErrCASRace {
			continue
		}
		return err
	}
}

// retryAfterGrow runs a split or consolidate on a full leaf and, whatever
// the outcome, reports ErrCASRace so the caller re-traverses from the root
// rather than assuming the record it wanted to write ever landed: a grow
// changes which physical node (if any) now owns the target key range.
func (t *Tree) retryAfterGrow(path []uint64, leaf node) error {
	if err := t.growNode(path, leaf); err != nil && err != ErrFrozen && err != ErrCASRace {
		return err
	}
	return ErrCASRace
}

// installInsert reserves a fresh meta slot and publishes it with one
// 2-word PMwCAS (status bump, new meta entry), after first splitting or
// consolidating the leaf if there is no room.
func (t *Tree) installInsert(path []uint64, leaf node, key, value []byte) error {
	_, recCount, blockSize, deleteSize := leaf.status()
	needed := uint32(len(key) + len(value))
	if recCount >= leaf.capacity() || blockSize+needed > t.usableBytes(leaf) {
		return t.retryAfterGrow(path, leaf)
	}

	leaf.writeRecord(uint64(blockSize), key, value)

	desc, err := t.cas.Alloc()
	if err != nil {
		return err
	}
	oldStatus := packStatus(false, recCount, blockSize, deleteSize)
	newStatus := packStatus(false, recCount+1, blockSize+needed, deleteSize)
	desc.Add(leaf.off.Offset(), oldStatus, newStatus, pmwcas.RecycleNone)
	desc.Add(leaf.metaOffset(recCount), 0, packMeta(true, blockSize, uint32(len(key)), needed), pmwcas.RecycleNone)

	if err := t.cas.Commit(desc); err != nil {
		t.cas.Free(desc)
		return ErrCASRace
	}
	t.gc.Retire(func() { t.cas.Free(desc) })
	t.metrics.insert.Inc()

	if deleteSize >= t.cfg.MaxDeleteSize {
		_ = t.consolidateNode(path, leaf)
	}
	return nil
}

// installUpdate supersedes an existing record with a new value: the old
// meta slot is flipped invisible and a new slot is published for the new
// value, all in one 3-word PMwCAS (status, old meta, new meta).
func (t *Tree) installUpdate(path []uint64, leaf node, old record, value []byte) error {
	_, recCount, blockSize, deleteSize := leaf.status()
	needed := uint32(len(old.key) + len(value))
	if recCount >= leaf.capacity() || blockSize+needed > t.usableBytes(leaf) {
		return t.retryAfterGrow(path, leaf)
	}

	leaf.writeRecord(uint64(blockSize), old.key, value)

	oldMeta := packMeta(true, old.offset, uint32(len(old.key)), old.totalLen)
	supersededMeta := packMeta(false, old.offset, uint32(len(old.key)), old.totalLen)

	desc, err := t.cas.Alloc()
	if err != nil {
		return err
	}
	oldStatus := packStatus(false, recCount, blockSize, deleteSize)
	newStatus := packStatus(false, recCount+1, blockSize+needed, deleteSize+old.totalLen)
	desc.Add(leaf.off.Offset(), oldStatus, newStatus, pmwcas.RecycleNone)
	desc.Add(leaf.metaOffset(old.index), oldMeta, supersededMeta, pmwcas.RecycleNone)
	desc.Add(leaf.metaOffset(recCount), 0, packMeta(true, blockSize, uint32(len(old.key)), needed), pmwcas.RecycleNone)

	if err := t.cas.Commit(desc); err != nil {
		t.cas.Free(desc)
		return ErrCASRace
	}
	t.gc.Retire(func() { t.cas.Free(desc) })
	t.metrics.update.Inc()

	if deleteSize+old.totalLen >= t.cfg.MaxDeleteSize {
		_ = t.consolidateNode(path, leaf)
	}
	return nil
}

// Delete flips a single meta entry's visible bit and folds its length into
// the node's deleteSize, a 2-word PMwCAS (status, meta entry). Once the
// delete commits, it gives the leaf a chance to fold into a sibling if it
// has shrunk under MergeThreshold, so repeated deletes can actually shrink
// the tree back down rather than leaving a trail of near-empty leaves.
func (t *Tree) Delete(key []byte) error {
	g := t.acquireGuard()
	g.Enter(t.gc.EBR)
	defer t.releaseGuard(g)

	for {
		path, leaf := t.traversePath(key)
		if frozen, _, _, _ := leaf.status(); frozen {
			continue
		}
		rec, found := leaf.find(key)
		if !found {
			return ErrKeyNotFound
		}

		_, recCount, blockSize, deleteSize := leaf.status()
		oldMeta := packMeta(true, rec.offset, uint32(len(rec.key)), rec.totalLen)
		newMeta := packMeta(false, rec.offset, uint32(len(rec.key)), rec.totalLen)
		oldStatus := packStatus(false, recCount, blockSize, deleteSize)
		newStatus := packStatus(false, recCount, blockSize, deleteSize+rec.totalLen)

		desc, err := t.cas.Alloc()
		if err != nil {
			return err
		}
		desc.Add(leaf.metaOffset(rec.index), oldMeta, newMeta, pmwcas.RecycleNone)
		desc.Add(leaf.off.Offset(), oldStatus, newStatus, pmwcas.RecycleNone)

		if err := t.cas.Commit(desc); err != nil {
			t.cas.Free(desc)
			continue
		}
		t.gc.Retire(func() { t.cas.Free(desc) })
		t.metrics.delete.Inc()
		_ = t.growNode(path, leaf)
		return nil
	}
}

// Read looks up the current visible value for key.
func (t *Tree) Read(key []byte) ([]byte, error) {
	g := t.acquireGuard()
	g.Enter(t.gc.EBR)
	defer t.releaseGuard(g)

	_, leaf := t.traversePath(key)
	rec, found := leaf.find(key)
	if !found {
		return nil, ErrKeyNotFound
	}
	return rec.value, nil
}

// RangeScan invokes fn for every visible key in [start, end) in ascending
// order, stopping early if fn returns false. A nil start means "from the
// smallest key"; a nil end means "to the largest key".
func (t *Tree) RangeScan(start, end []byte, fn func(key, value []byte) bool) error {
	g := t.acquireGuard()
	g.Enter(t.gc.EBR)
	defer t.releaseGuard(g)

	err := t.scanNode(t.pool.Root(), start, end, fn)
	if err == errStopScan {
		return nil
	}
	return err
}

func (t *Tree) scanNode(off uint64, start, end []byte, fn func([]byte, []byte) bool) error {
	n := newNodeView(t.pool, off)
	if n.isLeaf() {
		for _, r := range dedupeSorted(n) {
			if start != nil && bytesLess(r.key, start) {
				continue
			}
			if end != nil && !bytesLess(r.key, end) {
				continue
			}
			if !fn(r.key, r.value) {
				return errStopScan
			}
		}
		return nil
	}

	// Each record's key is the upper bound (exclusive) of its child's
	// range; the previous record's key (nil for the first) is that
	// child's lower bound (inclusive).
	recs := dedupeSorted(n)
	for i, r := range recs {
		var lower []byte
		if i > 0 {
			lower = recs[i-1].key
		}
		if end != nil && lower != nil && !bytesLess(lower, end) {
			break
		}
		if start != nil && !keyLess(start, r.key) {
			continue
		}
		if err := t.scanNode(decodeChildOffset(r.value), start, end, fn); err != nil {
			if err == errStopScan {
				return errStopScan
			}
			return err
		}
	}
	return nil
}
