package entity_test

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ridgeline/scorecard-engine/calendar"
	"github.com/ridgeline/scorecard-engine/entity"
	"github.com/ridgeline/scorecard-engine/identity"
)

// =============================================================================
// TEST SETUP
// =============================================================================

func household(id, last, zip string) *entity.Household {
	return &entity.Household{
		ID:       id,
		AgencyID: "agency-1",
		Key:      identity.NewKey(last, "JOHN", zip),
		LastName: last,
		Zip:      zip,
		Status:   entity.StatusQuoted,
	}
}

func smithCandidate(id string) entity.Candidate {
	return entity.Candidate{
		Household:    household(id, "Smith", ""),
		ProductType:  "auto",
		ProducerCode: "42",
		Amount:       decimal.NewFromInt(1200),
		QuoteDate:    calendar.NewDate(2025, 3, 1),
	}
}

// =============================================================================
// SCORING TESTS
// =============================================================================

func TestScore_AllAttributesMatch(t *testing.T) {
	// GIVEN: A candidate quoted auto by producer 42 at $1200 on March 1
	// WHEN: A sale arrives for auto, producer 42, $1150, on March 15
	// THEN: All four attributes corroborate (premium within ±15%)

	cfg := entity.DefaultMatchConfig()
	in := entity.MatchInput{
		ProductType:  "auto",
		ProducerCode: "42",
		Amount:       decimal.NewFromInt(1150),
		Date:         calendar.NewDate(2025, 3, 15),
	}

	score := cfg.Score(smithCandidate("h-1"), in)
	assert.Equal(t, 110, score, "40 product + 35 producer + 25 premium + 10 date order")
}

func TestScore_PremiumOutsideTolerance(t *testing.T) {
	// GIVEN: A candidate quoted at $1200
	// WHEN: The sale amount is $2000 (way outside ±15%)
	// THEN: The premium weight is not awarded

	cfg := entity.DefaultMatchConfig()
	in := entity.MatchInput{
		ProductType:  "auto",
		ProducerCode: "42",
		Amount:       decimal.NewFromInt(2000),
		Date:         calendar.NewDate(2025, 3, 15),
	}

	score := cfg.Score(smithCandidate("h-1"), in)
	assert.Equal(t, 85, score, "40 + 35 + 10, no premium points")
}

func TestScore_ZeroAmountsNeverCorroborate(t *testing.T) {
	// A manual add carries no premium; absence of data is not a match.
	cfg := entity.DefaultMatchConfig()
	c := smithCandidate("h-1")
	c.Amount = decimal.Zero

	in := entity.MatchInput{Amount: decimal.Zero}
	assert.Equal(t, 0, cfg.Score(c, in))
}

func TestScore_SaleBeforeQuoteLosesDatePoints(t *testing.T) {
	cfg := entity.DefaultMatchConfig()
	in := entity.MatchInput{
		Date: calendar.NewDate(2025, 2, 1), // before the quote on March 1
	}
	assert.Equal(t, 0, cfg.Score(smithCandidate("h-1"), in))
}

// =============================================================================
// DECISION TESTS
// =============================================================================

func TestDecide_LoneCandidateAutoMatches(t *testing.T) {
	// GIVEN: Exactly one candidate with an unimpressive score
	// WHEN: Deciding
	// THEN: It wins anyway; the last-name precondition already narrowed
	//       the field

	cfg := entity.DefaultMatchConfig()
	c := smithCandidate("h-1")
	c.ProductType = "home" // no product points

	decision := cfg.Decide([]entity.Candidate{c}, entity.MatchInput{
		ProductType: "auto",
		Date:        calendar.NewDate(2025, 3, 15),
	})

	require.NotNil(t, decision.Winner)
	assert.False(t, decision.Ambiguous)
	assert.Equal(t, "h-1", decision.Winner.Household.ID)
}

func TestDecide_ClearWinner(t *testing.T) {
	// GIVEN: Two candidates, one matching on everything, one on nothing
	// WHEN: Deciding
	// THEN: The strong one wins with capped confidence

	cfg := entity.DefaultMatchConfig()
	strong := smithCandidate("h-strong")
	weak := smithCandidate("h-weak")
	weak.ProductType = "home"
	weak.ProducerCode = "99"
	weak.Amount = decimal.NewFromInt(9000)

	in := entity.MatchInput{
		ProductType:  "auto",
		ProducerCode: "42",
		Amount:       decimal.NewFromInt(1150),
		Date:         calendar.NewDate(2025, 3, 15),
	}
	decision := cfg.Decide([]entity.Candidate{weak, strong}, in)

	require.NotNil(t, decision.Winner)
	assert.Equal(t, "h-strong", decision.Winner.Household.ID)
	assert.Equal(t, 100, decision.Confidence, "raw score 110 caps at 100")
	assert.Equal(t, "h-strong", decision.Scored[0].HouseholdID, "scored list is ranked")
}

func TestDecide_CloseScoresAreAmbiguous(t *testing.T) {
	// GIVEN: Two candidates 10 points apart, both above the auto-match bar
	// WHEN: Deciding
	// THEN: Ambiguous; the lead is under MinLead so nobody wins

	cfg := entity.DefaultMatchConfig()
	a := smithCandidate("h-a") // full 110
	b := smithCandidate("h-b")
	b.QuoteDate = calendar.NewDate(2025, 4, 1) // sale precedes quote: -10

	in := entity.MatchInput{
		ProductType:  "auto",
		ProducerCode: "42",
		Amount:       decimal.NewFromInt(1150),
		Date:         calendar.NewDate(2025, 3, 15),
	}
	decision := cfg.Decide([]entity.Candidate{a, b}, in)

	assert.Nil(t, decision.Winner)
	assert.True(t, decision.Ambiguous)
	assert.Len(t, decision.Scored, 2)
}

func TestDecide_LowScoresAreAmbiguous(t *testing.T) {
	// Two candidates with nothing to corroborate: even a clear lead of
	// zero over zero is no basis for an automatic match.
	cfg := entity.DefaultMatchConfig()
	a := smithCandidate("h-a")
	b := smithCandidate("h-b")

	decision := cfg.Decide([]entity.Candidate{a, b}, entity.MatchInput{})

	assert.Nil(t, decision.Winner)
	assert.True(t, decision.Ambiguous)
}

func TestDecide_NoCandidates(t *testing.T) {
	cfg := entity.DefaultMatchConfig()
	decision := cfg.Decide(nil, entity.MatchInput{})
	assert.Nil(t, decision.Winner)
	assert.False(t, decision.Ambiguous)
	assert.Empty(t, decision.Scored)
}
