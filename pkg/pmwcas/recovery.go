// pkg/pmwcas/recovery.go
package pmwcas

// Recover runs the single-threaded crash-recovery sweep over every
// descriptor slot. It must run before any concurrent operation resumes:
// any descriptor left UNDECIDED is conservatively rolled back (an
// operation that never reached a decided outcome before the crash was
// never durable, so aborting it is always safe), then every word of every
// non-FREE descriptor is walked back to its concrete resolved value the
// same way a live finalizeWord call would, and the slot is returned to
// FREE.
func (p *Pool) Recover() {
	for i := range p.descriptors {
		d := &p.descriptors[i]

		status := Status(d.status.Load())
		if status == StatusFree {
			continue
		}
		if status == StatusUndecided {
			d.status.Store(uint32(StatusFailed))
			status = StatusFailed
		}

		for j := range d.words {
			p.finalizeWord(d, j, status)
		}
		d.status.Store(uint32(StatusFree))
	}
}
