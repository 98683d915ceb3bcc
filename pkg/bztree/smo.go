// pkg/bztree/smo.go
package bztree

import "bztree/pkg/pmwcas"

// growNode decides which structural modification, if any, a node calls for
// right now and performs it. It is consulted from three angles: a node
// with no room for the record about to land in it (split or consolidate to
// make room), a leaf that Delete just shrank (merge or consolidate), and a
// node whose parent just ran out of room to publish into (the same
// decision, one level up the ancestor chain).
// Every SMO here follows the same shape: freeze the node with a 1-word
// PMwCAS, build its replacement(s) unpublished off to the side, then
// publish the change into the parent (or the root) with one more
// multi-word PMwCAS.
func (t *Tree) growNode(path []uint64, n node) error {
	_, recCount, blockSize, deleteSize := n.status()
	switch {
	case blockSize >= t.cfg.SplitThreshold || recCount+2 > n.capacity():
		return t.splitNode(path, n)
	case blockSize-deleteSize < t.cfg.MergeThreshold:
		if err := t.mergeNode(path, n); err != ErrNoNeed {
			return err
		}
		fallthrough
	case deleteSize >= t.cfg.MaxDeleteSize || blockSize+t.cfg.MinFree > t.usableBytes(n):
		return t.consolidateNode(path, n)
	default:
		return nil
	}
}

// freeze flips a node's frozen bit with a single-word PMwCAS. A frozen
// node never accepts another in-place insert/update/delete; only the SMO
// that froze it may retire it.
func (t *Tree) freeze(n node) error {
	frozen, recCount, blockSize, deleteSize := n.status()
	if frozen {
		return ErrFrozen
	}
	oldStatus := packStatus(false, recCount, blockSize, deleteSize)
	newStatus := packStatus(true, recCount, blockSize, deleteSize)

	desc, err := t.cas.Alloc()
	if err != nil {
		return err
	}
	desc.Add(n.off.Offset(), oldStatus, newStatus, pmwcas.RecycleNone)
	if err := t.cas.Commit(desc); err != nil {
		t.cas.Free(desc)
		return ErrCASRace
	}
	t.gc.Retire(func() { t.cas.Free(desc) })
	return nil
}

// consolidateNode rewrites a node's live records into a single, freshly
// sorted block, discarding shadowed and deleted entries, then swaps it in
// for the old one. Works for leaves and interior nodes alike: an interior
// node accumulates its own garbage as publishNodeChange/publishMergeChange
// supersede old child entries.
func (t *Tree) consolidateNode(path []uint64, n node) error {
	if err := t.freeze(n); err != nil {
		return err
	}
	recs := dedupeSorted(n)
	newOff, err := t.buildSortedNode(recs, n.isLeaf())
	if err != nil {
		return err
	}
	if err := t.publishNodeChange(path, n.off.Offset(), newOff, nil, 0); err != nil {
		t.alloc.Release(newOff)
		return err
	}
	t.metrics.consolidate.Inc()
	return nil
}

// splitNode divides a frozen node's live records in half into two brand
// new nodes of the same kind and publishes both into the parent (or grows
// a new root, if the node had none) with a single multi-word PMwCAS.
func (t *Tree) splitNode(path []uint64, n node) error {
	if err := t.freeze(n); err != nil {
		return err
	}
	recs := dedupeSorted(n)
	if len(recs) < 2 {
		return t.consolidateNode(path, n)
	}

	mid := len(recs) / 2
	leftOff, err := t.buildSortedNode(recs[:mid], n.isLeaf())
	if err != nil {
		return err
	}
	rightOff, err := t.buildSortedNode(recs[mid:], n.isLeaf())
	if err != nil {
		t.alloc.Release(leftOff)
		return err
	}
	sepKey := recs[mid].key
	if !n.isLeaf() {
		sepKey = recs[mid-1].key
	}

	// Every interior record's key is the upper bound (exclusive,
	// possibly MaxKey) of everything below it. n's existing parent entry
	// already carries the right upper bound for the whole range n used
	// to cover, so that entry is kept in place and repointed at the new
	// right half; the new left half is published as a fresh entry keyed
	// by the split point itself: the first key of the right half for a
	// leaf, the upper bound of the left half's last child for an
	// interior node.
	if err := t.publishNodeChange(path, n.off.Offset(), rightOff, sepKey, leftOff); err != nil {
		t.alloc.Release(leftOff)
		t.alloc.Release(rightOff)
		return err
	}
	t.metrics.split.Inc()
	return nil
}

// mergeNode folds n into an adjacent sibling under n's immediate parent
// once n has shrunk under MergeThreshold, freeing one node and netting the
// parent one entry smaller. Scoped to a single level, the same as
// publishNodeChange's split path: a merge candidate with no eligible
// sibling (n is the root, an only child, or the pair's live records would
// not fit in one node below SplitThreshold) reports ErrNoNeed so the
// caller falls back to an ordinary consolidate instead.
func (t *Tree) mergeNode(path []uint64, n node) error {
	if len(path) == 0 {
		return ErrNoNeed
	}
	parent := newNodeView(t.pool, path[len(path)-1])
	siblings := dedupeSorted(parent)
	idx := -1
	for i, r := range siblings {
		if decodeChildOffset(r.value) == n.off.Offset() {
			idx = i
			break
		}
	}
	if idx < 0 {
		return ErrCASRace
	}

	var leftRec, rightRec record
	switch {
	case idx+1 < len(siblings):
		leftRec, rightRec = siblings[idx], siblings[idx+1]
	case idx > 0:
		leftRec, rightRec = siblings[idx-1], siblings[idx]
	default:
		return ErrNoNeed
	}

	leftOff := decodeChildOffset(leftRec.value)
	rightOff := decodeChildOffset(rightRec.value)
	left := newNodeView(t.pool, leftOff)
	right := newNodeView(t.pool, rightOff)

	// The merged node must fit in one block without immediately calling
	// for a split; otherwise there is no eligible sibling.
	var liveCount, liveBytes uint32
	for _, c := range []node{left, right} {
		for _, r := range dedupeSorted(c) {
			liveCount++
			liveBytes += r.totalLen
		}
	}
	if liveCount+2 > n.capacity() || liveBytes >= t.cfg.SplitThreshold || liveBytes > t.usableBytes(n) {
		return ErrNoNeed
	}

	if err := t.freeze(left); err != nil {
		return err
	}
	if err := t.freeze(right); err != nil {
		return err
	}

	merged := append(dedupeSorted(left), dedupeSorted(right)...)
	mergedOff, err := t.buildSortedNode(merged, n.isLeaf())
	if err != nil {
		return err
	}

	// rightRec.key is preserved as the merged node's upper bound: it was
	// already the upper bound of everything in right, which is exactly
	// the combined left+right range now that they're one node.
	if err := t.publishMergeChange(path, leftOff, rightOff, mergedOff, rightRec.key); err != nil {
		t.alloc.Release(mergedOff)
		return err
	}
	t.metrics.merge.Inc()
	return nil
}

// buildSortedNode allocates a new node block and writes recs directly into
// it in sorted order. The block is not yet reachable from anywhere in the
// tree, so writing it plainly (no PMwCAS) is safe; it only becomes visible
// once its offset is installed by publishNodeChange or publishMergeChange.
func (t *Tree) buildSortedNode(recs []record, leaf bool) (uint64, error) {
	off, err := t.alloc.Acquire()
	if err != nil {
		return 0, err
	}
	n := initNode(t.pool, off, t.cfg.MetaCapacity, leaf)

	var blockSize uint32
	for i, r := range recs {
		totalLen := uint32(len(r.key) + len(r.value))
		n.writeRecord(uint64(blockSize), r.key, r.value)
		*n.metaWord(uint32(i)) = packMeta(true, blockSize, uint32(len(r.key)), totalLen)
		blockSize += totalLen
	}
	*n.statusWord() = packStatus(false, uint32(len(recs)), blockSize, 0)
	n.setSortedCount(uint32(len(recs)))
	t.pool.Persist(off, uint64(t.cfg.NodeSize))
	return off, nil
}

// findChildRecord scans an interior node's visible entries for the one
// currently pointing at childOff, returning its key and meta bookkeeping
// so the caller can supersede it.
func (t *Tree) findChildRecord(n node, childOff uint64) (record, bool) {
	target := encodeChildOffset(childOff)
	var found record
	ok := false
	for _, r := range n.allVisible() {
		if bytesEqual(r.value, target) {
			found, ok = r, true
		}
	}
	return found, ok
}

// publishNodeChange atomically swaps oldOff for newOff as one child of its
// parent (or as the root), and -- when insertKey is non-nil -- also adds a
// brand new sibling entry (insertOff) for it in the same multi-word CAS.
// This is the single publish step every SMO in this package funnels
// through: a plain consolidate calls it with insertKey nil; a split calls
// it with the new left sibling as the insert and the new right sibling
// (which keeps oldOff's own upper-bound key) as the replacement.
func (t *Tree) publishNodeChange(path []uint64, oldOff, newOff uint64, insertKey []byte, insertOff uint64) error {
	if len(path) == 0 {
		return t.publishRootChange(oldOff, newOff, insertKey, insertOff)
	}

	parentOff := path[len(path)-1]
	parent := newNodeView(t.pool, parentOff)
	if frozen, _, _, _ := parent.status(); frozen {
		return ErrCASRace
	}
	oldRec, found := t.findChildRecord(parent, oldOff)
	if !found {
		return ErrCASRace
	}

	_, recCount, blockSize, deleteSize := parent.status()
	replaceLen := uint32(len(oldRec.key)) + 8
	insertLen := uint32(0)
	newEntries := uint32(1)
	if insertKey != nil {
		insertLen = uint32(len(insertKey)) + 8
		newEntries = 2
	}
	needed := replaceLen + insertLen
	if recCount+newEntries > parent.capacity() || blockSize+needed > t.usableBytes(parent) {
		// The parent itself has no room for this publish. Grow it first
		// -- split or consolidate, exactly like growNode does for any
		// other full node -- one level further up the ancestor chain,
		// then force the caller back through its retraversal loop: the
		// parent this call was about to publish into no longer has the
		// same shape (or offset) it had a moment ago.
		if err := t.growNode(path[:len(path)-1], parent); err != nil && err != ErrFrozen && err != ErrCASRace {
			return err
		}
		return ErrCASRace
	}

	replaceSlot := recCount
	parent.writeRecord(uint64(blockSize), oldRec.key, encodeChildOffset(newOff))

	newRecCount := recCount + 1
	newBlockSize := blockSize + replaceLen
	newDeleteSize := deleteSize + uint32(len(oldRec.key)) + 8

	desc, err := t.cas.Alloc()
	if err != nil {
		return err
	}

	supersededOld := packMeta(true, oldRec.offset, uint32(len(oldRec.key)), oldRec.totalLen)
	invisibleOld := packMeta(false, oldRec.offset, uint32(len(oldRec.key)), oldRec.totalLen)
	desc.Add(parent.metaOffset(oldRec.index), supersededOld, invisibleOld, pmwcas.RecycleNone)
	desc.Add(parent.metaOffset(replaceSlot), 0, packMeta(true, blockSize, uint32(len(oldRec.key)), replaceLen), pmwcas.RecycleNone)

	if insertKey != nil {
		insertSlot := replaceSlot + 1
		parent.writeRecord(uint64(blockSize+replaceLen), insertKey, encodeChildOffset(insertOff))
		desc.Add(parent.metaOffset(insertSlot), 0, packMeta(true, blockSize+replaceLen, uint32(len(insertKey)), insertLen), pmwcas.RecycleNone)
		newRecCount++
		newBlockSize += insertLen
	}

	oldStatus := packStatus(false, recCount, blockSize, deleteSize)
	newStatus := packStatus(false, newRecCount, newBlockSize, newDeleteSize)
	desc.Add(parent.off.Offset(), oldStatus, newStatus, pmwcas.RecycleNone)

	if err := t.cas.Commit(desc); err != nil {
		t.cas.Free(desc)
		return ErrCASRace
	}
	t.gc.Retire(func() { t.cas.Free(desc) })
	t.gc.Retire(func() { t.alloc.Release(oldOff) })
	return nil
}

// publishRootChange handles a node whose path to the root was empty --
// either a plain consolidate in place, or the very first split of what
// used to be the whole tree, which grows a brand new 2-child interior
// root.
func (t *Tree) publishRootChange(oldOff, newOff uint64, insertKey []byte, insertOff uint64) error {
	root := t.pool.Root()
	if root != oldOff {
		return ErrCASRace
	}

	if insertKey == nil {
		desc, err := t.cas.Alloc()
		if err != nil {
			return err
		}
		desc.Add(t.pool.RootOffset(), oldOff, newOff, pmwcas.RecycleNone)
		if err := t.cas.Commit(desc); err != nil {
			t.cas.Free(desc)
			return ErrCASRace
		}
		t.gc.Retire(func() { t.cas.Free(desc) })
		t.gc.Retire(func() { t.alloc.Release(oldOff) })
		return nil
	}

	// insertOff names the new left sibling, keyed by the split point
	// (its upper bound); newOff names the new right sibling, which
	// inherits the root's own implicit MaxKey upper bound since nothing
	// above it changed. keys(root) ends up [insertKey, MaxKey].
	newRootOff, err := t.buildSortedNode([]record{
		{key: insertKey, value: encodeChildOffset(insertOff)},
		{key: MaxKey, value: encodeChildOffset(newOff)},
	}, false)
	if err != nil {
		return err
	}

	desc, err := t.cas.Alloc()
	if err != nil {
		t.alloc.Release(newRootOff)
		return err
	}
	desc.Add(t.pool.RootOffset(), oldOff, newRootOff, pmwcas.RecycleNone)
	if err := t.cas.Commit(desc); err != nil {
		t.cas.Free(desc)
		t.alloc.Release(newRootOff)
		return ErrCASRace
	}
	t.gc.Retire(func() { t.cas.Free(desc) })
	t.gc.Retire(func() { t.alloc.Release(oldOff) })
	return nil
}

// publishMergeChange folds two sibling child entries into one in their
// shared parent, the last offset on path (path[0] is the root). Unlike
// publishNodeChange's replace+insert, this always nets one fewer live
// entry -- two superseded metas for one new one -- unless the two children
// were the root's only two, in which case the root collapses onto the
// merged node directly and the tree's height shrinks by one level.
func (t *Tree) publishMergeChange(path []uint64, leftOff, rightOff, mergedOff uint64, mergedKey []byte) error {
	parent := newNodeView(t.pool, path[len(path)-1])
	parentIsRoot := len(path) == 1
	if frozen, _, _, _ := parent.status(); frozen {
		return ErrCASRace
	}
	leftRec, ok1 := t.findChildRecord(parent, leftOff)
	rightRec, ok2 := t.findChildRecord(parent, rightOff)
	if !ok1 || !ok2 {
		return ErrCASRace
	}

	if parentIsRoot && len(dedupeSorted(parent)) <= 2 {
		desc, err := t.cas.Alloc()
		if err != nil {
			return err
		}
		desc.Add(t.pool.RootOffset(), parent.off.Offset(), mergedOff, pmwcas.RecycleNone)
		if err := t.cas.Commit(desc); err != nil {
			t.cas.Free(desc)
			return ErrCASRace
		}
		t.gc.Retire(func() { t.cas.Free(desc) })
		t.gc.Retire(func() { t.alloc.Release(parent.off.Offset()) })
		t.gc.Retire(func() { t.alloc.Release(leftOff) })
		t.gc.Retire(func() { t.alloc.Release(rightOff) })
		return nil
	}

	_, recCount, blockSize, deleteSize := parent.status()
	mergedLen := uint32(len(mergedKey)) + 8
	if recCount+1 > parent.capacity() || blockSize+mergedLen > t.usableBytes(parent) {
		if err := t.growNode(path[:len(path)-1], parent); err != nil && err != ErrFrozen && err != ErrCASRace {
			return err
		}
		return ErrCASRace
	}

	mergedSlot := recCount
	parent.writeRecord(uint64(blockSize), mergedKey, encodeChildOffset(mergedOff))

	desc, err := t.cas.Alloc()
	if err != nil {
		return err
	}

	supersededLeft := packMeta(true, leftRec.offset, uint32(len(leftRec.key)), leftRec.totalLen)
	invisibleLeft := packMeta(false, leftRec.offset, uint32(len(leftRec.key)), leftRec.totalLen)
	desc.Add(parent.metaOffset(leftRec.index), supersededLeft, invisibleLeft, pmwcas.RecycleNone)

	supersededRight := packMeta(true, rightRec.offset, uint32(len(rightRec.key)), rightRec.totalLen)
	invisibleRight := packMeta(false, rightRec.offset, uint32(len(rightRec.key)), rightRec.totalLen)
	desc.Add(parent.metaOffset(rightRec.index), supersededRight, invisibleRight, pmwcas.RecycleNone)

	desc.Add(parent.metaOffset(mergedSlot), 0, packMeta(true, blockSize, uint32(len(mergedKey)), mergedLen), pmwcas.RecycleNone)

	newDeleteSize := deleteSize + uint32(len(leftRec.key)) + 8 + uint32(len(rightRec.key)) + 8
	oldStatus := packStatus(false, recCount, blockSize, deleteSize)
	newStatus := packStatus(false, recCount+1, blockSize+mergedLen, newDeleteSize)
	desc.Add(parent.off.Offset(), oldStatus, newStatus, pmwcas.RecycleNone)

	if err := t.cas.Commit(desc); err != nil {
		t.cas.Free(desc)
		return ErrCASRace
	}
	t.gc.Retire(func() { t.cas.Free(desc) })
	t.gc.Retire(func() { t.alloc.Release(leftOff) })
	t.gc.Retire(func() { t.alloc.Release(rightOff) })
	return nil
}
