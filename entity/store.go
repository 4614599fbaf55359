/*
store.go - Persistence interface for households, transactions, and reviews

PURPOSE:
  Defines the interface between the entity domain logic and the database.
  The household and transaction tables are shared mutable state across
  three writer classes; every mutation funnels through the Resolver, which
  talks to this interface. No other component writes these tables.

MUTATION CONTRACT:
  - Households: upserted in place (one row per agency+key), deleted only
    through DeleteHousehold, which refuses while dependents exist.
  - Transactions: insert-once. The only permitted mutations afterwards are
    attaching a late-arriving policy number, flipping the one-shot
    skip-merge flag, and reassigning the household during review
    resolution.
  - Idempotency: SaveTransaction rejects a reused idempotency key with
    ErrDuplicateEvent, which callers treat as "already processed".

IMPLEMENTATIONS:
  - store/sqlite: production
  - store/memory: tests and dev
*/
package entity

import (
	"context"

	"github.com/ridgeline/scorecard-engine/identity"
)

type Store interface {
	// GetHousehold returns a household by id, or ErrHouseholdNotFound.
	GetHousehold(ctx context.Context, agencyID, id string) (*Household, error)

	// FindByKey returns the single household for (agency, key), or
	// ErrHouseholdNotFound.
	FindByKey(ctx context.Context, agencyID string, key identity.Key) (*Household, error)

	// FindByLastName returns all households in the agency whose key's
	// last-name component matches exactly. Tier-3 candidate pool.
	FindByLastName(ctx context.Context, agencyID, lastName string) ([]*Household, error)

	// SaveHousehold upserts by id. Returns ErrDuplicateKey when a
	// different household already occupies the (agency, key) slot.
	SaveHousehold(ctx context.Context, h *Household) error

	// DeleteHousehold removes a household. Returns DependentsError when
	// any transaction still references it.
	DeleteHousehold(ctx context.Context, agencyID, id string) error

	// SaveTransaction inserts a transaction. Returns ErrDuplicateEvent
	// when the idempotency key already exists.
	SaveTransaction(ctx context.Context, tx *Transaction) error

	// GetTransaction returns a transaction by id, or
	// ErrTransactionNotFound.
	GetTransaction(ctx context.Context, id string) (*Transaction, error)

	// GetTransactionByIdempotencyKey returns the previously stored
	// transaction for a key, or ErrTransactionNotFound.
	GetTransactionByIdempotencyKey(ctx context.Context, key string) (*Transaction, error)

	// FindTransactionByPolicyNumber returns the transaction carrying the
	// authoritative reference, or ErrTransactionNotFound.
	FindTransactionByPolicyNumber(ctx context.Context, agencyID, policyNumber string) (*Transaction, error)

	// TransactionsForHousehold returns the household's transactions,
	// ordered by date.
	TransactionsForHousehold(ctx context.Context, agencyID, householdID string) ([]*Transaction, error)

	// Timeline returns all transactions for (agency, key), ordered by
	// date. Read-side view for dashboards.
	Timeline(ctx context.Context, agencyID string, key identity.Key) ([]*Transaction, error)

	// AttachPolicyNumber sets the authoritative reference on an existing
	// transaction. The one sanctioned late mutation.
	AttachPolicyNumber(ctx context.Context, transactionID, policyNumber string) error

	// SetTransactionSkipMerge flips the one-shot skip flag.
	SetTransactionSkipMerge(ctx context.Context, transactionID string) error

	// ReassignTransaction moves a transaction to another household
	// (manual review resolution).
	ReassignTransaction(ctx context.Context, transactionID, householdID string) error

	// SaveReview inserts a review item.
	SaveReview(ctx context.Context, item *ReviewItem) error

	// GetReview returns a review item by id, or ErrReviewNotFound.
	GetReview(ctx context.Context, id string) (*ReviewItem, error)

	// PendingReviews returns unresolved review items for an agency.
	PendingReviews(ctx context.Context, agencyID string) ([]*ReviewItem, error)

	// MarkReviewResolved closes a review item.
	MarkReviewResolved(ctx context.Context, id string) error
}
