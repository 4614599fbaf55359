/*
Package entity maintains deduplicated household records and the quote/sale
transactions that reference them.

PURPOSE:
  Every writer class ultimately talks about a household — a real customer
  that leads, quotes, and sales all refer back to. This package owns the
  household record, its forward-only status lattice, the transaction log
  hanging off it, and the tiered resolver that decides which household an
  incoming event belongs to (or creates one).

KEY CONCEPTS IN THIS FILE (types.go):
  - Household: the deduplicated entity, at most one per (agency, key)
  - Status: lead < quoted < sold; advances, never silently regresses
  - Transaction: one quoting/selling event; immutable after creation
    except for a late-arriving policy number
  - ReviewItem: an ambiguous match parked for a human

SEE ALSO:
  - resolver.go: tiered matching
  - scoring.go: tier-3 scored fallback
*/
package entity

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/ridgeline/scorecard-engine/calendar"
	"github.com/ridgeline/scorecard-engine/identity"
)

// =============================================================================
// STATUS - Forward-only lifecycle lattice
// =============================================================================

type Status string

const (
	StatusLead   Status = "lead"
	StatusQuoted Status = "quoted"
	StatusSold   Status = "sold"
)

var statusRank = map[Status]int{
	StatusLead:   1,
	StatusQuoted: 2,
	StatusSold:   3,
}

// Rank returns the lattice position; unknown statuses rank below lead.
func (s Status) Rank() int { return statusRank[s] }

// Advance returns the more advanced of the two statuses. An out-of-order
// write can never move a household backwards through this.
func (s Status) Advance(to Status) Status {
	if to.Rank() > s.Rank() {
		return to
	}
	return s
}

// =============================================================================
// HOUSEHOLD - The deduplicated entity
// =============================================================================

type Household struct {
	ID       string
	AgencyID string
	Key      identity.Key

	FirstName string
	LastName  string
	Zip       string
	Phone     string
	Email     string

	Status     Status
	ProducerID string

	LeadDate       calendar.Date
	FirstQuoteDate calendar.Date
	SoldDate       calendar.Date

	// NeedsReview marks households created or matched with low confidence;
	// cleared when a human resolves the associated review item.
	NeedsReview bool

	CreatedAt time.Time
	UpdatedAt time.Time
}

// =============================================================================
// TRANSACTION - One quoting or selling event
// =============================================================================

type TransactionType string

const (
	TxQuote TransactionType = "quote"
	TxSale  TransactionType = "sale"
)

// MatchTier records how a transaction was linked to its household.
type MatchTier string

const (
	TierAuthoritative MatchTier = "authoritative" // policy-number match, 100%
	TierExactKey      MatchTier = "exact_key"     // identity-key match, high
	TierScored        MatchTier = "scored"        // fallback scoring
	TierCreated       MatchTier = "created"       // no match, new household
)

type Transaction struct {
	ID          string
	AgencyID    string
	HouseholdID string

	Type         TransactionType
	PolicyNumber string // authoritative reference; may be attached late
	ProductType  string
	ProducerCode string
	Amount       decimal.Decimal
	Date         calendar.Date

	// Resolution provenance.
	Tier       MatchTier
	Confidence int // 0-100

	// SkipMerge is the one-shot cross-writer dedup flag: set when this
	// event's counter movement was already reflected in a structured
	// submission's reported total. The transaction itself is still stored.
	SkipMerge bool

	IdempotencyKey string
	CreatedAt      time.Time
}

// =============================================================================
// REVIEW ITEM - Ambiguous match parked for manual resolution
// =============================================================================

type ScoredCandidate struct {
	HouseholdID string
	Key         identity.Key
	Score       int
}

type ReviewItem struct {
	ID            string
	AgencyID      string
	TransactionID string
	Reason        string // "ambiguous_match", "malformed_key"
	Candidates    []ScoredCandidate
	Resolved      bool
	CreatedAt     time.Time
}
