// Package ebr implements the three-epoch epoch-based reclamation scheme
// PMwCAS and BzTree both rely on to know when a retired descriptor, node or
// word is no longer visible to any in-flight reader and can be recycled.
//
// A thread registers once per lifetime, then brackets every operation that
// dereferences a relative pointer with Enter/Exit. Enter stamps the calling
// thread's slot with the current global epoch; Exit clears it. Sync walks
// every registered slot and advances the global epoch only once every
// active thread has been observed at the current epoch, which is the
// precondition for reclaiming anything retired two epochs back.
package ebr

import "sync/atomic"

// Epochs is the fixed number of epochs in the scheme: an object retired
// during epoch E is safe to reclaim once the global epoch reaches (E+2)%3,
// since no active reader can still be running with a stamp that old.
const Epochs = 3

const activeFlag = uint32(0x80000000)

// node is one thread's registration slot. Once CAS-prepended onto the
// list it is never unlinked; a dead thread's slot simply stops being
// entered again and reads back as inactive forever.
type node struct {
	localEpoch atomic.Uint32
	next       atomic.Pointer[node]
}

// Guard is the registration handle returned by Register. A single Guard is
// meant to be reused by its owning thread/goroutine across many
// Enter/Exit brackets; it is not safe for concurrent use by more than one
// goroutine at a time.
type Guard struct {
	n *node
}

// EBR is the shared epoch state: the global epoch counter and the list of
// registered reader slots.
type EBR struct {
	globalEpoch atomic.Uint32
	head        atomic.Pointer[node]
}

// New creates a fresh EBR instance with the global epoch at 0.
func New() *EBR {
	return &EBR{}
}

// Register allocates a slot for the calling thread and CAS-prepends it
// onto the shared list.
func (e *EBR) Register() *Guard {
	n := &node{}
	for {
		head := e.head.Load()
		n.next.Store(head)
		if e.head.CompareAndSwap(head, n) {
			return &Guard{n: n}
		}
	}
}

// Enter marks the guard active at the current global epoch. Every relative
// pointer dereferenced between Enter and the matching Exit is guaranteed
// not to be reclaimed out from under the reader.
func (g *Guard) Enter(e *EBR) {
	epoch := e.globalEpoch.Load()
	g.n.localEpoch.Store(epoch | activeFlag)
}

// Exit clears the guard's active flag, after which Sync may treat this
// thread as caught up to any future epoch.
func (g *Guard) Exit() {
	g.n.localEpoch.Store(0)
}

// CurrentEpoch returns the current global epoch.
func (e *EBR) CurrentEpoch() uint32 {
	return e.globalEpoch.Load()
}

// GCEpoch returns the epoch bucket that is currently safe to reclaim,
// independent of whether Sync manages to advance the global epoch this
// call.
func (e *EBR) GCEpoch() uint32 {
	return (e.globalEpoch.Load() + 1) % Epochs
}

// Sync scans every registered slot. If every active slot has observed the
// current global epoch, it advances the epoch by one (mod 3) and reports
// advanced=true. gcEpoch is always the bucket safe to reclaim once this
// call returns, whether or not the epoch actually moved.
func (e *EBR) Sync() (gcEpoch uint32, advanced bool) {
	epoch := e.globalEpoch.Load()

	for n := e.head.Load(); n != nil; n = n.next.Load() {
		local := n.localEpoch.Load()
		if local&activeFlag != 0 && (local&^activeFlag) != epoch {
			return (epoch + 1) % Epochs, false
		}
	}

	next := (epoch + 1) % Epochs
	if e.globalEpoch.CompareAndSwap(epoch, next) {
		return (next + 1) % Epochs, true
	}
	return (e.globalEpoch.Load() + 1) % Epochs, false
}
