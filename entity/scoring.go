/*
scoring.go - Tier-3 scored fallback matching

PURPOSE:
  External sales feeds often lack a zip code, so exact identity-key
  matching is impossible for them. This is the scored fallback: an exact
  last-name match is the precondition, then points accumulate for each
  corroborating attribute. The weights and thresholds encode a business
  policy, not an algorithmic constant, so they live on MatchConfig rather
  than as inline literals.

DECISION RULE:
  - exactly one candidate        -> auto-match
  - multiple candidates          -> auto-match only when the top score is
    at least AutoMatchScore AND leads the runner-up by at least MinLead;
    otherwise park for manual review. Never guess.
*/
package entity

import (
	"sort"

	"github.com/shopspring/decimal"

	"github.com/ridgeline/scorecard-engine/calendar"
)

// =============================================================================
// MATCH CONFIG - Tunable scoring policy
// =============================================================================

type MatchConfig struct {
	// Point weights per corroborating attribute.
	ProductWeight   int
	ProducerWeight  int
	PremiumWeight   int
	DateOrderWeight int

	// PremiumTolerance is the relative band within which two premium
	// amounts are considered matching (0.15 = ±15%).
	PremiumTolerance decimal.Decimal

	// AutoMatchScore is the minimum top score for an automatic match when
	// multiple candidates exist.
	AutoMatchScore int

	// MinLead is the minimum margin the top score must hold over the
	// runner-up for an automatic match.
	MinLead int
}

func DefaultMatchConfig() MatchConfig {
	return MatchConfig{
		ProductWeight:    40,
		ProducerWeight:   35,
		PremiumWeight:    25,
		DateOrderWeight:  10,
		PremiumTolerance: decimal.NewFromFloat(0.15),
		AutoMatchScore:   75,
		MinLead:          20,
	}
}

// =============================================================================
// SCORING
// =============================================================================

// MatchInput is the attribute view of an incoming transaction event used
// for scoring against candidates.
type MatchInput struct {
	ProductType  string
	ProducerCode string
	Amount       decimal.Decimal
	Date         calendar.Date
}

// Candidate pairs a household with the attributes of its most relevant
// prior transaction (typically the originating quote).
type Candidate struct {
	Household    *Household
	ProductType  string
	ProducerCode string
	Amount       decimal.Decimal
	QuoteDate    calendar.Date
}

// Score computes the corroboration score of in against c. Callers must
// have already established the exact last-name precondition.
func (cfg MatchConfig) Score(c Candidate, in MatchInput) int {
	score := 0
	if c.ProductType != "" && c.ProductType == in.ProductType {
		score += cfg.ProductWeight
	}
	if c.ProducerCode != "" && c.ProducerCode == in.ProducerCode {
		score += cfg.ProducerWeight
	}
	if cfg.premiumWithinTolerance(c.Amount, in.Amount) {
		score += cfg.PremiumWeight
	}
	if !c.QuoteDate.IsZero() && !in.Date.IsZero() && in.Date.AfterOrEqual(c.QuoteDate) {
		score += cfg.DateOrderWeight
	}
	return score
}

func (cfg MatchConfig) premiumWithinTolerance(a, b decimal.Decimal) bool {
	if a.IsZero() || b.IsZero() {
		return false
	}
	diff := a.Sub(b).Abs()
	return diff.LessThanOrEqual(a.Mul(cfg.PremiumTolerance))
}

// =============================================================================
// DECISION
// =============================================================================

// Decision is the outcome of scoring a candidate set.
type Decision struct {
	Winner     *Candidate // nil when ambiguous
	Scored     []ScoredCandidate
	Ambiguous  bool
	Confidence int // 0-100; winner's score capped at 100
}

// Decide scores every candidate and applies the auto-match rule.
func (cfg MatchConfig) Decide(candidates []Candidate, in MatchInput) Decision {
	if len(candidates) == 0 {
		return Decision{}
	}

	type ranked struct {
		cand  Candidate
		score int
	}
	rs := make([]ranked, len(candidates))
	for i, c := range candidates {
		rs[i] = ranked{cand: c, score: cfg.Score(c, in)}
	}
	sort.SliceStable(rs, func(i, j int) bool { return rs[i].score > rs[j].score })

	scored := make([]ScoredCandidate, len(rs))
	for i, r := range rs {
		scored[i] = ScoredCandidate{
			HouseholdID: r.cand.Household.ID,
			Key:         r.cand.Household.Key,
			Score:       r.score,
		}
	}

	// A lone candidate auto-matches regardless of score: the last-name
	// precondition already filtered the field.
	if len(rs) == 1 {
		winner := rs[0]
		return Decision{Winner: &winner.cand, Scored: scored, Confidence: capScore(winner.score)}
	}

	top, second := rs[0], rs[1]
	if top.score >= cfg.AutoMatchScore && top.score-second.score >= cfg.MinLead {
		winner := top
		return Decision{Winner: &winner.cand, Scored: scored, Confidence: capScore(winner.score)}
	}

	return Decision{Scored: scored, Ambiguous: true}
}

func capScore(s int) int {
	if s > 100 {
		return 100
	}
	return s
}
