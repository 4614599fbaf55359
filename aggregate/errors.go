// errors.go - Centralized error types for the aggregate package
package aggregate

import "errors"

var (
	// ErrConflict is returned by SQL stores when the optimistic revision
	// check fails on a row update. The merge is idempotent and commutative
	// under the monotonic rule, so the store retries transparently;
	// callers only see this after retries are exhausted.
	ErrConflict = errors.New("concurrent write conflict")

	// ErrNotFound is returned when no aggregate row exists for the key.
	ErrNotFound = errors.New("aggregate not found")

	// ErrMissingVersion is returned when a measurement reaches the merge
	// engine without a resolved version id. The NOT-NULL invariant on the
	// row forbids storing it; the coordinator should have dropped it.
	ErrMissingVersion = errors.New("measurement missing version id")

	// ErrNegativeValue is returned when a measurement carries a negative
	// value. Counters only move up (max and increment) or are replaced by
	// a non-negative total (set); a negative increment would let one
	// writer erase another's progress.
	ErrNegativeValue = errors.New("negative measurement value")
)
