// pkg/bztree/errors.go
package bztree

import "errors"

var (
	// ErrKeyNotFound is returned by Read when no visible record matches.
	ErrKeyNotFound = errors.New("bztree: key not found")
	// ErrDuplicateKey is returned by Insert when the key already has a
	// visible record (Insert never overwrites; use Upsert for that).
	ErrDuplicateKey = errors.New("bztree: key already exists")
	// ErrFrozen is returned when an operation raced a node that was
	// frozen for a structural modification; callers retry the traversal.
	ErrFrozen = errors.New("bztree: node frozen for a structural modification")
	// ErrNoNeed is returned internally when a merge candidate has no
	// eligible sibling to fold into (it's the root, an only child, or the
	// pair would not fit in one node); the caller falls back to an
	// ordinary consolidate instead.
	ErrNoNeed = errors.New("bztree: no merge candidate available")
	// ErrTreeClosed reports a closed tree. No Tree method returns it:
	// operations after Close are not checked.
	ErrTreeClosed = errors.New("bztree: tree is closed")
	// ErrCASRace is returned when a PMwCAS backing an operation lost a
	// race; callers retry from the top of the operation.
	ErrCASRace = errors.New("bztree: lost a compare-and-swap race")
)

// errStopScan is an internal sentinel RangeScan uses to unwind early when
// the caller's callback returns false; it never escapes RangeScan itself.
var errStopScan = errors.New("bztree: scan stopped by caller")
