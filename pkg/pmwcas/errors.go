// pkg/pmwcas/errors.go
package pmwcas

import "errors"

var (
	// ErrAllocExhausted is returned by Alloc when every descriptor slot
	// in the pool is currently in use.
	ErrAllocExhausted = errors.New("pmwcas: descriptor pool exhausted")

	// ErrTooManyWords is returned by Descriptor.Add once the descriptor
	// already holds WordsPerDescriptor words.
	ErrTooManyWords = errors.New("pmwcas: descriptor already has the maximum number of words")

	// ErrCommitFailed is returned by Commit when the multi-word CAS's
	// preconditions did not hold; at least one target word no longer
	// matched its expected value.
	ErrCommitFailed = errors.New("pmwcas: compare-and-swap precondition failed")

	// ErrWordRetriesExceeded is returned when installing a single word
	// could not make progress after a large number of attempts, almost
	// always a sign of a bug rather than genuine contention.
	ErrWordRetriesExceeded = errors.New("pmwcas: exceeded retry budget installing a word")

	// ErrHelpDepthExceeded is returned when driving a descriptor recurses
	// into helping other descriptors deeper than maxHelpDepth. This
	// bounds the cost of cooperative helping in pathological chains of
	// interdependent in-flight operations rather than letting a helper
	// recurse without limit.
	ErrHelpDepthExceeded = errors.New("pmwcas: exceeded maximum cooperative-help depth")
)
