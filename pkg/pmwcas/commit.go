// pkg/pmwcas/commit.go
package pmwcas

import "sync/atomic"

// maxHelpDepth bounds how deeply one descriptor's commit can recurse into
// helping another descriptor finish, which in turn might need to help a
// third. A chain this deep only happens under pathological contention;
// bounding it converts a potential stack blowup into a plain retryable
// error the caller backs off and retries, the same way a failed CAS does.
const maxHelpDepth = 32

// maxWordRetries bounds the number of attempts installWord makes on a
// single word before giving up and reporting ErrWordRetriesExceeded,
// guarding against livelock if cooperative helping somehow never
// converges.
const maxWordRetries = 10000

// Commit attempts the multi-word compare-and-swap described by d. It
// returns ErrCommitFailed if any word's precondition did not hold;
// Commit always finishes (success or failure) before returning, pushing
// the whole protocol to completion rather than leaving any word
// half-installed.
func (p *Pool) Commit(d *Descriptor) error {
	if err := p.drive(d, 0); err != nil {
		return err
	}
	if Status(d.status.Load()) == StatusFailed {
		return ErrCommitFailed
	}
	return nil
}

// drive pushes descriptor d through both commit phases — installing a
// tentative claim on every word, deciding success or failure, then
// resolving every word to its concrete final value — doing nothing for
// phases already completed by a previous caller or a helper. It is safe
// to call drive on the same descriptor from many goroutines at once.
func (p *Pool) drive(d *Descriptor, depth int) error {
	if depth > maxHelpDepth {
		return ErrHelpDepthExceeded
	}

	if Status(d.status.Load()) == StatusUndecided {
		for i := range d.words {
			ok, err := p.installWord(d, i, depth)
			if err != nil {
				return err
			}
			if !ok {
				d.status.CompareAndSwap(uint32(StatusUndecided), uint32(StatusFailed))
				break
			}
		}
		d.status.CompareAndSwap(uint32(StatusUndecided), uint32(StatusSuccess))
	}

	finalStatus := Status(d.status.Load())
	for i := range d.words {
		p.finalizeWord(d, i, finalStatus)
	}
	return nil
}

// installWord attempts to tag word i's target with an RDCSS reference to
// (d, i), helping along and retrying past any other in-flight operation it
// finds blocking the way. It returns false only when the target word
// genuinely no longer holds the expected value — a real precondition
// failure, not a transient collision.
func (p *Pool) installWord(d *Descriptor, i int, depth int) (bool, error) {
	w := &d.words[i]
	ref := packRef(d.self, uint32(i))
	target := p.region.Word(w.addr)

	for attempt := 0; attempt < maxWordRetries; attempt++ {
		cur := atomic.LoadUint64(target)

		switch {
		case cur&TagMask == 0 && cur == w.expected:
			tagged := RDCSSBit | ref
			if atomic.CompareAndSwapUint64(target, cur, tagged) {
				return true, nil
			}

		case cur&RDCSSBit != 0, cur&MwCASBit != 0:
			otherIdx, _ := unpackRef(cur & PayloadMask)
			if otherIdx == d.self {
				return true, nil
			}
			if err := p.drive(p.descriptorAt(otherIdx), depth+1); err != nil {
				return false, err
			}

		case cur&DirtyBit != 0:
			p.region.Persist(w.addr, 8)
			atomic.CompareAndSwapUint64(target, cur, cur&^DirtyBit)

		default:
			return false, nil
		}
	}
	return false, ErrWordRetriesExceeded
}

// finalizeWord resolves word i all the way from whatever tagged state it
// is in down to its concrete, untagged, durable value. Every step is a
// conditional CAS, so calling finalizeWord redundantly (from the owner and
// from one or more helpers) is harmless: at most one CAS per step wins and
// the rest are no-ops.
func (p *Pool) finalizeWord(d *Descriptor, i int, finalStatus Status) {
	w := &d.words[i]
	ref := packRef(d.self, uint32(i))
	target := p.region.Word(w.addr)

	rdcssTagged := RDCSSBit | ref
	atomic.CompareAndSwapUint64(target, rdcssTagged, MwCASBit|DirtyBit|ref)

	chosen := w.expected
	if finalStatus == StatusSuccess {
		chosen = w.newVal
	}

	mwcasTagged := MwCASBit | DirtyBit | ref
	atomic.CompareAndSwapUint64(target, mwcasTagged, chosen|DirtyBit)

	p.region.Persist(w.addr, 8)
	atomic.CompareAndSwapUint64(target, chosen|DirtyBit, chosen)

	p.runRecycle(w, finalStatus)
}

func (p *Pool) runRecycle(w *wordDescriptor, finalStatus Status) {
	if p.allocator == nil || w.recycle == RecycleNone {
		return
	}
	switch w.recycle {
	case RecycleNewOnFailed:
		if finalStatus == StatusFailed {
			p.allocator.Release(w.newVal)
		}
	case RecycleExpectedOnSuccess:
		if finalStatus == StatusSuccess {
			p.allocator.Release(w.expected)
		}
	}
}

// Read performs a single-word read through the protocol: any in-flight
// RDCSS or MwCAS tag it encounters is driven to completion before the read
// retries, and any merely-dirty value is persisted and cleaned before
// being returned. The result is always a plain, untagged value.
func (p *Pool) Read(addr uint64) uint64 {
	target := p.region.Word(addr)
	for {
		cur := atomic.LoadUint64(target)
		switch {
		case cur&RDCSSBit != 0, cur&MwCASBit != 0:
			idx, _ := unpackRef(cur & PayloadMask)
			p.drive(p.descriptorAt(idx), 0)
		case cur&DirtyBit != 0:
			p.region.Persist(addr, 8)
			atomic.CompareAndSwapUint64(target, cur, cur&^DirtyBit)
		default:
			return cur
		}
	}
}
