/*
errors.go - Centralized error types for the entity package

ERROR CATEGORIES:
  1. Resolution errors - ambiguity, recovered locally (event still lands)
  2. Store errors - not-found, duplicate event
  3. Destructive-operation guards - the one fatal-unless-proven-safe class
*/
package entity

import (
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrHouseholdNotFound is returned when a referenced household doesn't exist.
	ErrHouseholdNotFound = errors.New("household not found")

	// ErrTransactionNotFound is returned when a referenced transaction doesn't exist.
	ErrTransactionNotFound = errors.New("transaction not found")

	// ErrReviewNotFound is returned when a referenced review item doesn't exist.
	ErrReviewNotFound = errors.New("review item not found")

	// ErrDuplicateEvent is returned when a transaction with the same
	// idempotency key already exists. Expected under at-least-once
	// delivery; callers treat it as success without re-counting.
	ErrDuplicateEvent = errors.New("duplicate event")

	// ErrAmbiguousMatch marks a tier-3 resolution that could not pick a
	// confident winner. Non-fatal: the event is stored pending review.
	ErrAmbiguousMatch = errors.New("ambiguous match")

	// ErrHasDependents guards household deletion: a household with any
	// dependent transaction must never be deleted. Silent loss in
	// dependent views is the failure mode this exists to prevent.
	ErrHasDependents = errors.New("household has dependent records")

	// ErrDuplicateKey is returned by SaveHousehold when another household
	// already holds the (agency, key) slot. Surfaces a lost create race;
	// the resolver adopts the winner instead of failing the event.
	ErrDuplicateKey = errors.New("household key already in use")
)

// =============================================================================
// STRUCTURED ERRORS
// =============================================================================

// AmbiguousMatchError carries the scored candidates of an undecidable
// tier-3 resolution.
type AmbiguousMatchError struct {
	AgencyID   string
	Candidates []ScoredCandidate
}

func (e *AmbiguousMatchError) Error() string {
	return fmt.Sprintf("ambiguous match: %d candidates, top score %d", len(e.Candidates), e.topScore())
}

func (e *AmbiguousMatchError) Unwrap() error { return ErrAmbiguousMatch }

func (e *AmbiguousMatchError) topScore() int {
	top := 0
	for _, c := range e.Candidates {
		if c.Score > top {
			top = c.Score
		}
	}
	return top
}

// DependentsError reports why a household delete was refused.
type DependentsError struct {
	HouseholdID  string
	Transactions int
}

func (e *DependentsError) Error() string {
	return fmt.Sprintf("household %s has %d dependent transactions", e.HouseholdID, e.Transactions)
}

func (e *DependentsError) Unwrap() error { return ErrHasDependents }

// IsNotFound returns true if the error indicates a missing record.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrHouseholdNotFound) ||
		errors.Is(err, ErrTransactionNotFound) ||
		errors.Is(err, ErrReviewNotFound)
}
