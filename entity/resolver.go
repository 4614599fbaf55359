/*
resolver.go - Tiered entity resolution and deduplication

PURPOSE:
  Given an incoming event's raw identity fields, find the household it
  refers to or create one. This is the single write path to the household
  store; status advancement, date backfills, and review flagging all
  happen here so no writer class can bypass the invariants.

MATCHING TIERS (priority order):
  1. Authoritative reference: the event's policy number exactly equals one
     recorded on an existing transaction. Confidence 100, always applied,
     overrides name-based matching entirely.
  2. Exact identity-key match (requires a real zip on the key).
  3. Scored fallback (scoring.go) when zip is unavailable on either side:
     exact last name is the precondition, corroborating attributes add
     points. Ambiguity is parked for review, never guessed.
  4. No match: create. A sale with no history becomes a same-day
     lead-to-sale "orphan": lead, quote, and sold dates all equal the
     sale date.

STATUS RULE:
  lead < quoted < sold, advance-only. An out-of-order write carrying a
  less advanced status never regresses the stored one.

SEE ALSO:
  - reconcile/coordinator.go: sequences resolution per writer class
*/
package entity

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/ridgeline/scorecard-engine/calendar"
	"github.com/ridgeline/scorecard-engine/identity"
)

// =============================================================================
// RESOLVER
// =============================================================================

type Resolver struct {
	store Store
	cfg   MatchConfig
}

func NewResolver(store Store, cfg MatchConfig) *Resolver {
	return &Resolver{store: store, cfg: cfg}
}

// ResolveRequest carries the identity-relevant fields of one incoming
// event, whichever writer class produced it.
type ResolveRequest struct {
	AgencyID string

	// Either split name fields or a combined FullName.
	FirstName string
	LastName  string
	FullName  string
	Zip       string

	Phone string
	Email string

	// Transaction attributes (zero-valued for manual lead adds).
	Type         TransactionType
	PolicyNumber string
	ProductType  string
	ProducerCode string
	Amount       decimal.Decimal
	Date         calendar.Date

	ProducerID string
}

func (req *ResolveRequest) nameParts() (first, last string) {
	if req.FullName != "" {
		return identity.SplitFullName(req.FullName)
	}
	return req.FirstName, req.LastName
}

// Resolution is the outcome of resolving one event.
type Resolution struct {
	Household  *Household
	Created    bool
	Tier       MatchTier
	Confidence int

	// NeedsReview is set for ambiguous tier-3 outcomes (household is the
	// best guess) and for malformed-key creations.
	NeedsReview  bool
	ReviewReason string
	Candidates   []ScoredCandidate
}

// Resolve finds or creates the household for req and applies forward-only
// status/date side effects. It never returns a hard failure for
// ambiguity: the best-guess household is returned with NeedsReview set.
func (r *Resolver) Resolve(ctx context.Context, req ResolveRequest) (*Resolution, error) {
	first, last := req.nameParts()
	key := identity.NewKey(last, first, req.Zip)

	// Tier 1: authoritative reference. A policy number recorded on any
	// prior transaction deterministically links this event, regardless of
	// name spelling differences between sources.
	if req.PolicyNumber != "" {
		prior, err := r.store.FindTransactionByPolicyNumber(ctx, req.AgencyID, req.PolicyNumber)
		if err == nil {
			h, err := r.store.GetHousehold(ctx, req.AgencyID, prior.HouseholdID)
			if err != nil {
				return nil, err
			}
			if err := r.applySideEffects(ctx, h, req); err != nil {
				return nil, err
			}
			return &Resolution{Household: h, Tier: TierAuthoritative, Confidence: 100}, nil
		}
		if !errors.Is(err, ErrTransactionNotFound) {
			return nil, err
		}
	}

	// Tier 2: exact identity-key match. Only meaningful when the key
	// carries a real zip; sentinel keys would merge unrelated same-name
	// households.
	if key.HasZip() {
		h, err := r.store.FindByKey(ctx, req.AgencyID, key)
		if err == nil {
			if err := r.applySideEffects(ctx, h, req); err != nil {
				return nil, err
			}
			return &Resolution{Household: h, Tier: TierExactKey, Confidence: 90}, nil
		}
		if !errors.Is(err, ErrHouseholdNotFound) {
			return nil, err
		}
	}

	// Tier 3: scored fallback, used when zip is unavailable on one side.
	if last != "" {
		res, err := r.scoredMatch(ctx, req, key)
		if err != nil {
			return nil, err
		}
		if res != nil {
			return res, nil
		}
	}

	// Tier 4: no match, create.
	return r.create(ctx, req, key, first, last)
}

// scoredMatch runs tier 3. Returns nil when no eligible candidates exist
// (fall through to creation).
func (r *Resolver) scoredMatch(ctx context.Context, req ResolveRequest, key identity.Key) (*Resolution, error) {
	pool, err := r.store.FindByLastName(ctx, req.AgencyID, key.LastName())
	if err != nil {
		return nil, err
	}

	// Tier 3 applies only when zip is missing on one side: either the
	// incoming event has none, or the candidate was stored without one
	// (otherwise tier 2 would have decided already).
	var candidates []Candidate
	for _, h := range pool {
		if key.HasZip() && h.Key.HasZip() {
			continue
		}
		c, err := r.buildCandidate(ctx, h)
		if err != nil {
			return nil, err
		}
		candidates = append(candidates, c)
	}
	if len(candidates) == 0 {
		return nil, nil
	}

	in := MatchInput{
		ProductType:  req.ProductType,
		ProducerCode: req.ProducerCode,
		Amount:       req.Amount,
		Date:         req.Date,
	}
	decision := r.cfg.Decide(candidates, in)

	if decision.Winner != nil {
		h := decision.Winner.Household
		if err := r.applySideEffects(ctx, h, req); err != nil {
			return nil, err
		}
		return &Resolution{
			Household:  h,
			Tier:       TierScored,
			Confidence: decision.Confidence,
			Candidates: decision.Scored,
		}, nil
	}

	// Ambiguous: store against the top-scoring candidate as best guess,
	// flag for review. Ingestion is never blocked on a human.
	best, err := r.store.GetHousehold(ctx, req.AgencyID, decision.Scored[0].HouseholdID)
	if err != nil {
		return nil, err
	}
	if err := r.applySideEffects(ctx, best, req); err != nil {
		return nil, err
	}
	best.NeedsReview = true
	if err := r.store.SaveHousehold(ctx, best); err != nil {
		return nil, err
	}
	return &Resolution{
		Household:    best,
		Tier:         TierScored,
		Confidence:   0,
		NeedsReview:  true,
		ReviewReason: "ambiguous_match",
		Candidates:   decision.Scored,
	}, nil
}

// buildCandidate pairs a household with the attributes of its most recent
// quote transaction for scoring.
func (r *Resolver) buildCandidate(ctx context.Context, h *Household) (Candidate, error) {
	c := Candidate{Household: h, QuoteDate: h.FirstQuoteDate}
	txs, err := r.store.TransactionsForHousehold(ctx, h.AgencyID, h.ID)
	if err != nil {
		return c, err
	}
	for _, tx := range txs {
		if tx.Type != TxQuote {
			continue
		}
		c.ProductType = tx.ProductType
		c.ProducerCode = tx.ProducerCode
		c.Amount = tx.Amount
		c.QuoteDate = tx.Date
	}
	return c, nil
}

// create builds a new household in the appropriate starting state.
func (r *Resolver) create(ctx context.Context, req ResolveRequest, key identity.Key, first, last string) (*Resolution, error) {
	now := time.Now().UTC()
	date := req.Date
	if date.IsZero() {
		date = calendar.Today()
	}

	h := &Household{
		ID:         uuid.NewString(),
		AgencyID:   req.AgencyID,
		Key:        key,
		FirstName:  first,
		LastName:   last,
		Zip:        req.Zip,
		Phone:      req.Phone,
		Email:      req.Email,
		Status:     StatusLead,
		ProducerID: req.ProducerID,
		LeadDate:   date,
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	switch req.Type {
	case TxQuote:
		h.Status = StatusQuoted
		h.FirstQuoteDate = date
	case TxSale:
		// Orphan sale: no quote or lead history, so the whole lifecycle
		// collapses onto the sale date.
		h.Status = StatusSold
		h.FirstQuoteDate = date
		h.SoldDate = date
	}

	malformed := identity.Malformed(last, req.Zip)
	if malformed {
		h.NeedsReview = true
	}

	if err := r.store.SaveHousehold(ctx, h); err != nil {
		if errors.Is(err, ErrDuplicateKey) {
			// Lost a create race for the (agency, key) slot; adopt the
			// winner rather than failing the event.
			winner, ferr := r.store.FindByKey(ctx, req.AgencyID, key)
			if ferr != nil {
				return nil, ferr
			}
			if err := r.applySideEffects(ctx, winner, req); err != nil {
				return nil, err
			}
			return &Resolution{Household: winner, Tier: TierExactKey, Confidence: 90}, nil
		}
		return nil, err
	}

	res := &Resolution{Household: h, Created: true, Tier: TierCreated, Confidence: 100}
	if malformed {
		res.NeedsReview = true
		res.ReviewReason = "malformed_key"
	}
	return res, nil
}

// applySideEffects advances status and backfills lifecycle dates on a
// matched household, then persists it. Status never regresses here.
func (r *Resolver) applySideEffects(ctx context.Context, h *Household, req ResolveRequest) error {
	before := *h

	switch req.Type {
	case TxQuote:
		h.Status = h.Status.Advance(StatusQuoted)
		if h.FirstQuoteDate.IsZero() || req.Date.Before(h.FirstQuoteDate) {
			h.FirstQuoteDate = req.Date
		}
	case TxSale:
		h.Status = h.Status.Advance(StatusSold)
		if h.SoldDate.IsZero() {
			h.SoldDate = req.Date
		}
	}
	if h.ProducerID == "" {
		h.ProducerID = req.ProducerID
	}
	if h.Phone == "" {
		h.Phone = req.Phone
	}
	if h.Email == "" {
		h.Email = req.Email
	}

	if before == *h {
		return nil
	}
	h.UpdatedAt = time.Now().UTC()
	return r.store.SaveHousehold(ctx, h)
}

// =============================================================================
// TRANSACTION RECORDING
// =============================================================================

// RecordTransaction persists tx, assigning id and timestamps. When the
// idempotency key was already processed, the previously stored
// transaction is returned with duplicate=true and nothing is written.
func (r *Resolver) RecordTransaction(ctx context.Context, tx *Transaction) (*Transaction, bool, error) {
	if tx.ID == "" {
		tx.ID = uuid.NewString()
	}
	tx.CreatedAt = time.Now().UTC()

	err := r.store.SaveTransaction(ctx, tx)
	if err == nil {
		return tx, false, nil
	}
	if errors.Is(err, ErrDuplicateEvent) && tx.IdempotencyKey != "" {
		prior, lookupErr := r.store.GetTransactionByIdempotencyKey(ctx, tx.IdempotencyKey)
		if lookupErr != nil {
			return nil, false, lookupErr
		}
		return prior, true, nil
	}
	return nil, false, err
}

// MarkSkipMerge flips the one-shot skip flag after the coordinator has
// determined the event was already reflected in a submission total.
func (r *Resolver) MarkSkipMerge(ctx context.Context, transactionID string) error {
	return r.store.SetTransactionSkipMerge(ctx, transactionID)
}

// AttachPolicyNumber records a late-arriving authoritative reference.
func (r *Resolver) AttachPolicyNumber(ctx context.Context, transactionID, policyNumber string) error {
	return r.store.AttachPolicyNumber(ctx, transactionID, policyNumber)
}

// =============================================================================
// REVIEW QUEUE
// =============================================================================

// FlagForReview parks a transaction's resolution for a human, carrying
// the scored candidate list.
func (r *Resolver) FlagForReview(ctx context.Context, agencyID, transactionID, reason string, candidates []ScoredCandidate) (*ReviewItem, error) {
	item := &ReviewItem{
		ID:            uuid.NewString(),
		AgencyID:      agencyID,
		TransactionID: transactionID,
		Reason:        reason,
		Candidates:    candidates,
		CreatedAt:     time.Now().UTC(),
	}
	if err := r.store.SaveReview(ctx, item); err != nil {
		return nil, err
	}
	return item, nil
}

// PendingReviews lists unresolved review items for an agency.
func (r *Resolver) PendingReviews(ctx context.Context, agencyID string) ([]*ReviewItem, error) {
	return r.store.PendingReviews(ctx, agencyID)
}

// ResolveReview reassigns the flagged transaction to the chosen
// household, advances that household's status, and clears the flags on
// both the chosen household and the abandoned best guess.
func (r *Resolver) ResolveReview(ctx context.Context, reviewID, householdID string) error {
	item, err := r.store.GetReview(ctx, reviewID)
	if err != nil {
		return err
	}

	tx, err := r.store.GetTransaction(ctx, item.TransactionID)
	if err != nil {
		return err
	}
	previousID := tx.HouseholdID

	chosen, err := r.store.GetHousehold(ctx, item.AgencyID, householdID)
	if err != nil {
		return err
	}

	if err := r.store.ReassignTransaction(ctx, item.TransactionID, chosen.ID); err != nil {
		return err
	}

	switch tx.Type {
	case TxQuote:
		chosen.Status = chosen.Status.Advance(StatusQuoted)
		if chosen.FirstQuoteDate.IsZero() {
			chosen.FirstQuoteDate = tx.Date
		}
	case TxSale:
		chosen.Status = chosen.Status.Advance(StatusSold)
		if chosen.SoldDate.IsZero() {
			chosen.SoldDate = tx.Date
		}
	}
	chosen.NeedsReview = false
	chosen.UpdatedAt = time.Now().UTC()
	if err := r.store.SaveHousehold(ctx, chosen); err != nil {
		return err
	}

	if err := r.store.MarkReviewResolved(ctx, reviewID); err != nil {
		return err
	}

	if previousID != chosen.ID {
		return r.clearStaleReviewFlag(ctx, item.AgencyID, previousID)
	}
	return nil
}

// clearStaleReviewFlag drops the review flag from a household that was
// only flagged as a best guess, once no pending review item still points
// at it.
func (r *Resolver) clearStaleReviewFlag(ctx context.Context, agencyID, householdID string) error {
	pending, err := r.store.PendingReviews(ctx, agencyID)
	if err != nil {
		return err
	}
	for _, p := range pending {
		tx, err := r.store.GetTransaction(ctx, p.TransactionID)
		if err != nil {
			return err
		}
		if tx.HouseholdID == householdID {
			return nil
		}
	}

	h, err := r.store.GetHousehold(ctx, agencyID, householdID)
	if err != nil {
		if errors.Is(err, ErrHouseholdNotFound) {
			return nil
		}
		return err
	}
	if !h.NeedsReview {
		return nil
	}
	h.NeedsReview = false
	h.UpdatedAt = time.Now().UTC()
	return r.store.SaveHousehold(ctx, h)
}

// =============================================================================
// READS AND GUARDED DELETE
// =============================================================================

// Timeline returns the ordered transaction history for (agency, key).
func (r *Resolver) Timeline(ctx context.Context, agencyID string, key identity.Key) ([]*Transaction, error) {
	return r.store.Timeline(ctx, agencyID, key)
}

// DeleteHousehold removes a household only when no dependent records
// exist. Bulk cleanups must go through this guard; bypassing it is how
// silent data loss happens in dependent views.
func (r *Resolver) DeleteHousehold(ctx context.Context, agencyID, id string) error {
	return r.store.DeleteHousehold(ctx, agencyID, id)
}
