// pkg/bztree/node.go
package bztree

import (
	"encoding/binary"

	"bztree/pkg/pmpool"
	"bztree/pkg/relptr"
)

// Every node is a fixed NodeSize byte block carved out of the pool by the
// node allocator. Its layout is:
//
//	[0:8]    status word       -- top 3 bits are the PMwCAS tag, payload is
//	                              frozen(1) | recCount(16) | blockSize(22) | deleteSize(22)
//	[8:12]   capacity | leaf flag in the high bit
//	[12:16]  sortedCount
//	[16:...] metaArray, capacity entries of 8 bytes each -- top 3 bits are
//	         also a PMwCAS tag, payload is
//	         visible(1) | offset(28) | keyLen(16) | totalLen(16)
//	[...:end] record bytes (key immediately followed by value), appended
//	         back-to-back as records are inserted
//
// The status word and each meta entry are independently addressable
// PMwCAS target words: an insert installs a new record with one 2-word
// CAS (claim a meta slot in the status word, publish the meta entry
// itself); a delete flips one meta entry's visible bit; splits and merges
// move whole ranges of records by swapping a parent's child pointer via a
// 1-4 word CAS rather than mutating node contents live.
const (
	nodeHeaderSize = 16
	metaEntrySize  = 8
)

const (
	statusFrozenShift     = 60
	statusRecCountShift   = 44
	statusBlockSizeShift  = 22
	statusDeleteSizeShift = 0

	statusRecCountMask   = 0xFFFF
	statusBlockSizeMask  = 0x3FFFFF
	statusDeleteSizeMask = 0x3FFFFF
)

func packStatus(frozen bool, recCount, blockSize, deleteSize uint32) uint64 {
	var v uint64
	if frozen {
		v |= 1 << statusFrozenShift
	}
	v |= uint64(recCount&statusRecCountMask) << statusRecCountShift
	v |= uint64(blockSize&statusBlockSizeMask) << statusBlockSizeShift
	v |= uint64(deleteSize&statusDeleteSizeMask) << statusDeleteSizeShift
	return v
}

func unpackStatus(v uint64) (frozen bool, recCount, blockSize, deleteSize uint32) {
	frozen = v&(1<<statusFrozenShift) != 0
	recCount = uint32((v >> statusRecCountShift) & statusRecCountMask)
	blockSize = uint32((v >> statusBlockSizeShift) & statusBlockSizeMask)
	deleteSize = uint32((v >> statusDeleteSizeShift) & statusDeleteSizeMask)
	return
}

const (
	metaVisibleShift  = 60
	metaOffsetShift   = 32
	metaKeyLenShift   = 16
	metaTotalLenShift = 0

	metaOffsetMask   = 0xFFFFFFF
	metaKeyLenMask   = 0xFFFF
	metaTotalLenMask = 0xFFFF
)

func packMeta(visible bool, offset, keyLen, totalLen uint32) uint64 {
	var v uint64
	if visible {
		v |= 1 << metaVisibleShift
	}
	v |= uint64(offset&metaOffsetMask) << metaOffsetShift
	v |= uint64(keyLen&metaKeyLenMask) << metaKeyLenShift
	v |= uint64(totalLen&metaTotalLenMask) << metaTotalLenShift
	return v
}

func unpackMeta(v uint64) (visible bool, offset, keyLen, totalLen uint32) {
	visible = v&(1<<metaVisibleShift) != 0
	offset = uint32((v >> metaOffsetShift) & metaOffsetMask)
	keyLen = uint32((v >> metaKeyLenShift) & metaKeyLenMask)
	totalLen = uint32((v >> metaTotalLenShift) & metaTotalLenMask)
	return
}

const leafFlagBit = uint32(1) << 31

// node is a thin, stateless view over a node-sized block at a given
// offset within a pool's region. It never copies the block; every method
// reads or writes directly through pool.Word/pool.Bytes. off is a relative
// pointer rather than a raw uint64 so a node reference can't be confused at
// compile time with, say, a meta-array byte offset or a descriptor index.
type node struct {
	pool *pmpool.Pool
	off  relptr.RP[node]
}

func newNodeView(pool *pmpool.Pool, off uint64) node {
	return node{pool: pool, off: relptr.FromOffset[node](off)}
}

// initNode stamps a freshly allocated, zeroed block with its capacity and
// leaf/interior kind. Called once right after the block is acquired from
// the node allocator, before it is ever published into the tree.
func initNode(pool *pmpool.Pool, off uint64, capacity uint32, leaf bool) node {
	n := newNodeView(pool, off)
	hdr := capacity
	if leaf {
		hdr |= leafFlagBit
	}
	binary.LittleEndian.PutUint32(pool.Bytes(off+8, 4), hdr)
	binary.LittleEndian.PutUint32(pool.Bytes(off+12, 4), 0)
	return n
}

func (n node) statusWord() *uint64 {
	return n.pool.Word(n.off.Offset())
}

func (n node) status() (frozen bool, recCount, blockSize, deleteSize uint32) {
	return unpackStatus(*n.statusWord())
}

func (n node) capacity() uint32 {
	hdr := binary.LittleEndian.Uint32(n.pool.Bytes(n.off.Offset()+8, 4))
	return hdr &^ leafFlagBit
}

func (n node) isLeaf() bool {
	hdr := binary.LittleEndian.Uint32(n.pool.Bytes(n.off.Offset()+8, 4))
	return hdr&leafFlagBit != 0
}

func (n node) sortedCount() uint32 {
	return binary.LittleEndian.Uint32(n.pool.Bytes(n.off.Offset()+12, 4))
}

func (n node) setSortedCount(v uint32) {
	binary.LittleEndian.PutUint32(n.pool.Bytes(n.off.Offset()+12, 4), v)
}

func (n node) metaOffset(i uint32) uint64 {
	return n.off.Offset() + nodeHeaderSize + uint64(i)*metaEntrySize
}

func (n node) metaWord(i uint32) *uint64 {
	return n.pool.Word(n.metaOffset(i))
}

func (n node) recordsBase() uint64 {
	return n.off.Offset() + nodeHeaderSize + uint64(n.capacity())*metaEntrySize
}

func (n node) recordBytes(offset uint64, length uint32) []byte {
	return n.pool.Bytes(n.recordsBase()+offset, uint64(length))
}

// record is a decoded, visible key/value pair read out of a node. offset
// and totalLen are the meta entry's own fields, kept around so a caller
// that needs to supersede this exact entry (update, delete) can rebuild
// its packed meta word without re-deriving them.
type record struct {
	key      []byte
	value    []byte
	index    uint32
	offset   uint32
	totalLen uint32
}

// writeRecord copies key||value into the record region at the given
// byte offset from recordsBase. Callers must have already reserved this
// space via a blockSize bump before any other reader can observe it.
func (n node) writeRecord(offset uint64, key, value []byte) {
	dst := n.recordBytes(offset, uint32(len(key)+len(value)))
	copy(dst, key)
	copy(dst[len(key):], value)
}

func (n node) readRecordAt(i uint32) (rec record, ok bool) {
	raw := *n.metaWord(i)
	visible, offset, keyLen, totalLen := unpackMeta(raw)
	if !visible {
		return record{}, false
	}
	buf := n.recordBytes(uint64(offset), totalLen)
	return record{
		key:      append([]byte(nil), buf[:keyLen]...),
		value:    append([]byte(nil), buf[keyLen:]...),
		index:    i,
		offset:   offset,
		totalLen: totalLen,
	}, true
}

// findUnsorted scans the unsorted region [sortedCount:recCount) from the
// newest entry backward so a later insert or update of the same key
// shadows an earlier one. It returns the first (i.e. most recent) match.
func (n node) findUnsorted(key []byte, recCount, sortedCount uint32) (record, bool) {
	for i := int(recCount) - 1; i >= int(sortedCount); i-- {
		rec, ok := n.readRecordAt(uint32(i))
		if ok && bytesEqual(rec.key, key) {
			return rec, true
		}
	}
	return record{}, false
}

// findSorted binary searches the sorted prefix [0:sortedCount) by key.
// Ordering is unaffected by a slot's visibility, so a plain binary search
// locates the right position; a match whose slot is not visible is
// reported as not found.
func (n node) findSorted(key []byte, sortedCount uint32) (record, bool) {
	lo, hi := 0, int(sortedCount)-1
	for lo <= hi {
		mid := (lo + hi) / 2
		raw := *n.metaWord(uint32(mid))
		_, offset, keyLen, totalLen := unpackMeta(raw)
		buf := n.recordBytes(uint64(offset), totalLen)
		midKey := buf[:keyLen]

		switch {
		case bytesLess(key, midKey):
			hi = mid - 1
		case bytesLess(midKey, key):
			lo = mid + 1
		default:
			return n.readRecordAt(uint32(mid))
		}
	}
	return record{}, false
}

// find looks up key across both the unsorted and sorted regions, giving
// the unsorted region priority since it holds the most recently written
// state for any key that was touched again after the last consolidate.
func (n node) find(key []byte) (record, bool) {
	_, recCount, _, _ := n.status()
	sortedCount := n.sortedCount()

	if rec, ok := n.findUnsorted(key, recCount, sortedCount); ok {
		return rec, true
	}
	return n.findSorted(key, sortedCount)
}

// allVisible returns every currently visible record in the node, sorted
// region first then unsorted, without deduplicating shadowed keys --
// callers that need a single logical view (scan, consolidate) resolve
// shadowing themselves since the unsorted region is not sorted by key.
func (n node) allVisible() []record {
	_, recCount, _, _ := n.status()
	out := make([]record, 0, recCount)
	for i := uint32(0); i < recCount; i++ {
		if rec, ok := n.readRecordAt(i); ok {
			out = append(out, rec)
		}
	}
	return out
}

// MaxKey is the reserved length-8 sentinel the rightmost record of each
// interior node on the tree's right spine carries as its key, standing in
// for "greater than every real separator below this node" so routing a key
// past every other entry still lands on a child instead of falling off the
// end of the array. Other interior nodes end in a real key: their own
// upper bound.
var MaxKey = []byte{0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF}

func isMaxKey(k []byte) bool {
	return bytesEqual(k, MaxKey)
}

// keyLess orders interior separator keys with MaxKey always sorting last
// regardless of its literal bit pattern. Leaf keys never carry the
// sentinel, so ordinary key comparisons fall straight through to
// bytesLess.
func keyLess(a, b []byte) bool {
	if isMaxKey(a) {
		return false
	}
	if isMaxKey(b) {
		return true
	}
	return bytesLess(a, b)
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func bytesLess(a, b []byte) bool {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	for i := 0; i < n; i++ {
		if a[i] != b[i] {
			return a[i] < b[i]
		}
	}
	return len(a) < len(b)
}
