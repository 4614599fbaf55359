package reconcile_test

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ridgeline/scorecard-engine/aggregate"
	"github.com/ridgeline/scorecard-engine/calendar"
	"github.com/ridgeline/scorecard-engine/entity"
	"github.com/ridgeline/scorecard-engine/identity"
	"github.com/ridgeline/scorecard-engine/kpi"
	"github.com/ridgeline/scorecard-engine/reconcile"
	"github.com/ridgeline/scorecard-engine/store/memory"
)

// =============================================================================
// TEST SETUP
// =============================================================================

var march10 = calendar.NewDate(2025, 3, 10)

type fixture struct {
	coordinator *reconcile.Coordinator
	resolver    *entity.Resolver
	registry    *kpi.Registry
	store       *memory.Store
}

// newFixture wires the full pipeline on the in-memory store and defines
// the standard agency metrics: quoted (target 5), sold (target 1),
// sold_value (untargeted), talk_minutes (single writer).
func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := memory.New()
	resolver := entity.NewResolver(store, entity.DefaultMatchConfig())
	registry := kpi.NewRegistry(store)
	merger := aggregate.NewMerger(store)
	coordinator := reconcile.NewCoordinator(resolver, registry, merger)

	ctx := context.Background()
	mustDefine := func(slug, name, label string, target int64, singleWriter bool) {
		_, err := registry.Define(ctx, "agency-1", slug, name, label, decimal.NewFromInt(target), singleWriter)
		require.NoError(t, err)
	}
	mustDefine(kpi.SlugQuoted, "Quoted Households", "Quotes", 5, false)
	mustDefine(kpi.SlugSold, "Sold Households", "Sales", 1, false)
	mustDefine(kpi.SlugSoldValue, "Sold Premium", "Premium", 0, false)
	mustDefine(kpi.SlugTalkTime, "Talk Time", "Talk Minutes", 0, true)

	return &fixture{coordinator: coordinator, resolver: resolver, registry: registry, store: store}
}

func (f *fixture) aggregate(t *testing.T, personID string) *aggregate.DailyAggregate {
	t.Helper()
	row, err := f.store.Get(context.Background(), "agency-1", personID, march10)
	require.NoError(t, err)
	return row
}

func quoteSync(eventID, personID string) reconcile.SyncEvent {
	return reconcile.SyncEvent{
		EventID:      eventID,
		AgencyID:     "agency-1",
		FullName:     "Jane Smith",
		Zip:          "60601",
		ProductType:  "auto",
		ProducerCode: "42",
		PersonID:     personID,
		Amount:       decimal.NewFromInt(1200),
		Date:         march10,
		Type:         entity.TxQuote,
	}
}

// =============================================================================
// MANUAL ADD
// =============================================================================

func TestManualAdd_CreatesHouseholdAndCounts(t *testing.T) {
	// GIVEN: An empty agency
	// WHEN: A producer logs one quoted household
	// THEN: The household exists quoted and the producer's day shows
	//       quoted=1 with the current label stamped

	f := newFixture(t)
	result, err := f.coordinator.ManualAdd(context.Background(), reconcile.ManualAddEvent{
		AgencyID:   "agency-1",
		FirstName:  "Jane",
		LastName:   "Smith",
		Zip:        "60601",
		ProducerID: "person-1",
		Date:       march10,
		MetricDeltas: map[string]decimal.Decimal{
			kpi.SlugQuoted: decimal.NewFromInt(1),
		},
	})
	require.NoError(t, err)

	assert.Equal(t, entity.StatusQuoted, result.Household.Status)
	require.NotNil(t, result.Transaction)
	assert.Equal(t, entity.TxQuote, result.Transaction.Type)

	row := f.aggregate(t, "person-1")
	assert.True(t, row.Quoted.Equal(decimal.NewFromInt(1)))
	assert.Equal(t, "Quotes", row.Labels[kpi.SlugQuoted])
}

func TestManualAdd_UnknownMetricDropped(t *testing.T) {
	// A delta for an undefined metric is dropped with a warning; the rest
	// of the event still lands.
	f := newFixture(t)
	result, err := f.coordinator.ManualAdd(context.Background(), reconcile.ManualAddEvent{
		AgencyID:   "agency-1",
		FirstName:  "Jane",
		LastName:   "Smith",
		Zip:        "60601",
		ProducerID: "person-1",
		Date:       march10,
		MetricDeltas: map[string]decimal.Decimal{
			kpi.SlugQuoted: decimal.NewFromInt(1),
			"mystery":      decimal.NewFromInt(1),
		},
	})
	require.NoError(t, err)

	assert.Equal(t, []string{"mystery"}, result.DroppedMetrics)
	row := f.aggregate(t, "person-1")
	assert.True(t, row.Quoted.Equal(decimal.NewFromInt(1)))
}

func TestManualAdd_WithEventIDIsIdempotent(t *testing.T) {
	// GIVEN: A manual add retried with the same source event id
	// WHEN: Both deliveries are processed
	// THEN: Exactly one transaction, one counter movement

	f := newFixture(t)
	ev := reconcile.ManualAddEvent{
		EventID:    "form-submit-77",
		AgencyID:   "agency-1",
		FirstName:  "Jane",
		LastName:   "Smith",
		Zip:        "60601",
		ProducerID: "person-1",
		Date:       march10,
		MetricDeltas: map[string]decimal.Decimal{
			kpi.SlugQuoted: decimal.NewFromInt(1),
		},
	}

	first, err := f.coordinator.ManualAdd(context.Background(), ev)
	require.NoError(t, err)
	second, err := f.coordinator.ManualAdd(context.Background(), ev)
	require.NoError(t, err)

	assert.False(t, first.Duplicate)
	assert.True(t, second.Duplicate)
	assert.Equal(t, first.Transaction.ID, second.Transaction.ID)

	row := f.aggregate(t, "person-1")
	assert.True(t, row.Quoted.Equal(decimal.NewFromInt(1)), "replay must not re-count")
}

func TestManualAdd_NegativeDeltaRejected(t *testing.T) {
	// A negative delta could lower a contested counter. It is rejected
	// before any household or transaction side effect lands.
	f := newFixture(t)
	_, err := f.coordinator.ManualAdd(context.Background(), reconcile.ManualAddEvent{
		AgencyID: "agency-1", FirstName: "Jane", LastName: "Smith", Zip: "60601",
		ProducerID: "person-1", Date: march10,
		MetricDeltas: map[string]decimal.Decimal{kpi.SlugQuoted: decimal.NewFromInt(-2)},
	})
	assert.ErrorIs(t, err, aggregate.ErrNegativeValue)

	_, err = f.store.FindByKey(context.Background(), "agency-1", identity.NewKey("Smith", "Jane", "60601"))
	assert.ErrorIs(t, err, entity.ErrHouseholdNotFound, "no household was created")
}

// =============================================================================
// SUBMISSION
// =============================================================================

func TestSubmission_AppliesTotalsAndDerives(t *testing.T) {
	f := newFixture(t)
	result, err := f.coordinator.Submission(context.Background(), reconcile.SubmissionEvent{
		AgencyID: "agency-1",
		PersonID: "person-1",
		Date:     march10,
		ReportedValues: map[string]decimal.Decimal{
			kpi.SlugQuoted:   decimal.NewFromInt(5),
			kpi.SlugSold:     decimal.NewFromInt(1),
			kpi.SlugTalkTime: decimal.NewFromInt(95),
		},
	})
	require.NoError(t, err)
	require.NotNil(t, result.Aggregate)

	row := f.aggregate(t, "person-1")
	assert.True(t, row.TalkMinutes.Equal(decimal.NewFromInt(95)))
	assert.Equal(t, 2, row.Hits, "quoted and sold targets both met")
	assert.True(t, row.Pass)
	assert.True(t, row.Submitted[kpi.SlugQuoted])
}

func TestSubmission_ReprocessingIsNoOp(t *testing.T) {
	// Max and set merges make replaying the identical submission
	// harmless by construction.
	f := newFixture(t)
	ev := reconcile.SubmissionEvent{
		AgencyID: "agency-1",
		PersonID: "person-1",
		Date:     march10,
		ReportedValues: map[string]decimal.Decimal{
			kpi.SlugQuoted: decimal.NewFromInt(4),
		},
	}

	_, err := f.coordinator.Submission(context.Background(), ev)
	require.NoError(t, err)
	_, err = f.coordinator.Submission(context.Background(), ev)
	require.NoError(t, err)

	row := f.aggregate(t, "person-1")
	assert.True(t, row.Quoted.Equal(decimal.NewFromInt(4)))
}

func TestSubmission_ManualAddThenHigherTotal(t *testing.T) {
	// GIVEN: A manual "add one quoted" earlier in the day (quoted=1)
	// WHEN: The end-of-day submission reports quoted=4
	// THEN: The day lands on 4, not 5: the reported total already
	//       includes the manually added household

	f := newFixture(t)
	ctx := context.Background()

	_, err := f.coordinator.ManualAdd(ctx, reconcile.ManualAddEvent{
		AgencyID: "agency-1", FirstName: "Jane", LastName: "Smith", Zip: "60601",
		ProducerID: "person-1", Date: march10,
		MetricDeltas: map[string]decimal.Decimal{kpi.SlugQuoted: decimal.NewFromInt(1)},
	})
	require.NoError(t, err)

	_, err = f.coordinator.Submission(ctx, reconcile.SubmissionEvent{
		AgencyID: "agency-1", PersonID: "person-1", Date: march10,
		ReportedValues: map[string]decimal.Decimal{kpi.SlugQuoted: decimal.NewFromInt(4)},
	})
	require.NoError(t, err)

	row := f.aggregate(t, "person-1")
	assert.True(t, row.Quoted.Equal(decimal.NewFromInt(4)))
}

func TestSubmission_NegativeTotalRejected(t *testing.T) {
	f := newFixture(t)
	_, err := f.coordinator.Submission(context.Background(), reconcile.SubmissionEvent{
		AgencyID: "agency-1", PersonID: "person-1", Date: march10,
		ReportedValues: map[string]decimal.Decimal{kpi.SlugQuoted: decimal.NewFromInt(-4)},
	})
	assert.ErrorIs(t, err, aggregate.ErrNegativeValue)
}

func TestSubmission_RelabelPreservesHistory(t *testing.T) {
	// GIVEN: A submission stamped "Quotes" on day one
	// WHEN: The metric is relabeled and day two is submitted
	// THEN: Day one keeps its captured label; day two carries the new one

	f := newFixture(t)
	ctx := context.Background()
	dayTwo := march10.AddDays(1)

	submit := func(day calendar.Date) {
		_, err := f.coordinator.Submission(ctx, reconcile.SubmissionEvent{
			AgencyID: "agency-1", PersonID: "person-1", Date: day,
			ReportedValues: map[string]decimal.Decimal{kpi.SlugQuoted: decimal.NewFromInt(3)},
		})
		require.NoError(t, err)
	}

	submit(march10)
	_, err := f.registry.Relabel(ctx, "agency-1", kpi.SlugQuoted, "Quoted Households", decimal.NewFromInt(5))
	require.NoError(t, err)
	submit(dayTwo)

	dayOneRow := f.aggregate(t, "person-1")
	assert.Equal(t, "Quotes", dayOneRow.Labels[kpi.SlugQuoted])

	dayTwoRow, err := f.store.Get(ctx, "agency-1", "person-1", dayTwo)
	require.NoError(t, err)
	assert.Equal(t, "Quoted Households", dayTwoRow.Labels[kpi.SlugQuoted])
}

// =============================================================================
// EXTERNAL SYNC
// =============================================================================

func TestSyncEvent_SaleCountsSoldAndPremium(t *testing.T) {
	f := newFixture(t)
	result, err := f.coordinator.SyncEvent(context.Background(), reconcile.SyncEvent{
		EventID:      "ev-1",
		AgencyID:     "agency-1",
		FullName:     "Jane Smith",
		Zip:          "60601",
		PolicyNumber: "P-1001",
		ProducerCode: "42",
		PersonID:     "person-1",
		Amount:       decimal.NewFromInt(1150),
		Date:         march10,
		Type:         entity.TxSale,
	})
	require.NoError(t, err)

	assert.Equal(t, entity.StatusSold, result.Household.Status)
	row := f.aggregate(t, "person-1")
	assert.True(t, row.Sold.Equal(decimal.NewFromInt(1)))
	assert.True(t, row.SoldValue.Equal(decimal.NewFromInt(1150)))
}

func TestSyncEvent_AfterSubmissionSkipsCounters(t *testing.T) {
	// GIVEN: The person already submitted quoted=4 for the day
	// WHEN: The external feed delivers one of those quotes
	// THEN: The transaction is recorded with the skip flag and the
	//       counter does not move

	f := newFixture(t)
	ctx := context.Background()

	_, err := f.coordinator.Submission(ctx, reconcile.SubmissionEvent{
		AgencyID: "agency-1", PersonID: "person-1", Date: march10,
		ReportedValues: map[string]decimal.Decimal{kpi.SlugQuoted: decimal.NewFromInt(4)},
	})
	require.NoError(t, err)

	result, err := f.coordinator.SyncEvent(ctx, quoteSync("ev-1", "person-1"))
	require.NoError(t, err)

	assert.Equal(t, []string{kpi.SlugQuoted}, result.SkippedMetrics)
	assert.True(t, result.Transaction.SkipMerge)

	row := f.aggregate(t, "person-1")
	assert.True(t, row.Quoted.Equal(decimal.NewFromInt(4)))

	txs, err := f.store.TransactionsForHousehold(ctx, "agency-1", result.Household.ID)
	require.NoError(t, err)
	require.Len(t, txs, 1)
	assert.True(t, txs[0].SkipMerge, "skip decision persisted on the transaction")
}

func TestSyncEvent_BeforeSubmissionCounts(t *testing.T) {
	f := newFixture(t)
	result, err := f.coordinator.SyncEvent(context.Background(), quoteSync("ev-1", "person-1"))
	require.NoError(t, err)

	assert.Empty(t, result.SkippedMetrics)
	require.NotNil(t, result.Transaction)
	assert.False(t, result.Transaction.SkipMerge)

	row := f.aggregate(t, "person-1")
	assert.True(t, row.Quoted.Equal(decimal.NewFromInt(1)))
}

func TestSyncEvent_RedeliveryIsIdempotent(t *testing.T) {
	// At-least-once delivery: the second arrival returns the prior
	// outcome without touching the counters.
	f := newFixture(t)
	ctx := context.Background()

	first, err := f.coordinator.SyncEvent(ctx, quoteSync("ev-1", "person-1"))
	require.NoError(t, err)
	second, err := f.coordinator.SyncEvent(ctx, quoteSync("ev-1", "person-1"))
	require.NoError(t, err)

	assert.True(t, second.Duplicate)
	assert.Equal(t, first.Transaction.ID, second.Transaction.ID)

	row := f.aggregate(t, "person-1")
	assert.True(t, row.Quoted.Equal(decimal.NewFromInt(1)))
}

func TestSyncEvent_DerivedKeyDedupesUnlabeledFeeds(t *testing.T) {
	// Feeds without event ids fall back to a content-derived key: the
	// byte-identical row redelivered still dedupes.
	f := newFixture(t)
	ctx := context.Background()

	ev := quoteSync("", "person-1")
	_, err := f.coordinator.SyncEvent(ctx, ev)
	require.NoError(t, err)
	second, err := f.coordinator.SyncEvent(ctx, ev)
	require.NoError(t, err)

	assert.True(t, second.Duplicate)
	row := f.aggregate(t, "person-1")
	assert.True(t, row.Quoted.Equal(decimal.NewFromInt(1)))
}

func TestSyncEvent_WithoutPersonIsUnattributed(t *testing.T) {
	// GIVEN: A feed row with neither person id nor producer code
	// WHEN: It is reconciled
	// THEN: The transaction is recorded, no counter moves, and the
	//       outcome reports the unattributed skip instead of hiding it

	f := newFixture(t)
	ev := quoteSync("ev-1", "")
	ev.ProducerCode = ""
	result, err := f.coordinator.SyncEvent(context.Background(), ev)
	require.NoError(t, err)

	assert.True(t, result.Unattributed)
	assert.Nil(t, result.Aggregate)
	require.NotNil(t, result.Transaction)

	_, err = f.store.Get(context.Background(), "agency-1", "", march10)
	assert.ErrorIs(t, err, aggregate.ErrNotFound)
}

func TestSyncEvent_AmbiguousMatchStillLands(t *testing.T) {
	// GIVEN: Two indistinguishable zip-less Lee households
	// WHEN: A zip-less Lee sale arrives from the feed
	// THEN: It lands against the best guess, a review item is created,
	//       and the counters still move

	f := newFixture(t)
	ctx := context.Background()

	for first, zip := range map[string]string{"Amy": "10001", "Ben": "20002"} {
		_, err := f.coordinator.ManualAdd(ctx, reconcile.ManualAddEvent{
			AgencyID: "agency-1", FirstName: first, LastName: "Lee", Zip: zip,
			ProducerID: "person-1", Date: march10,
			MetricDeltas: map[string]decimal.Decimal{kpi.SlugQuoted: decimal.NewFromInt(1)},
		})
		require.NoError(t, err)
	}

	result, err := f.coordinator.SyncEvent(ctx, reconcile.SyncEvent{
		EventID:  "ev-9",
		AgencyID: "agency-1",
		FullName: "Pat Lee",
		PersonID: "person-1",
		Amount:   decimal.NewFromInt(800),
		Date:     march10,
		Type:     entity.TxSale,
	})
	require.NoError(t, err)

	assert.True(t, result.NeedsReview)
	require.NotNil(t, result.Review)
	assert.Equal(t, "ambiguous_match", result.Review.Reason)
	assert.Len(t, result.Review.Candidates, 2)

	row := f.aggregate(t, "person-1")
	assert.True(t, row.Sold.Equal(decimal.NewFromInt(1)), "ingestion is never blocked on a human")

	pending, err := f.resolver.PendingReviews(ctx, "agency-1")
	require.NoError(t, err)
	assert.Len(t, pending, 1)
}

// =============================================================================
// BATCH SYNC
// =============================================================================

func TestSyncBatch_ProcessesAllEvents(t *testing.T) {
	f := newFixture(t)

	batch := f.coordinator.SyncBatch(context.Background(), []reconcile.SyncEvent{
		quoteSync("ev-1", "person-1"),
		quoteSync("ev-2", "person-2"),
		quoteSync("ev-1", "person-1"), // redelivery inside the same batch
	})

	require.Len(t, batch.Items, 3)
	assert.Equal(t, 0, batch.Failed())
	assert.True(t, batch.Items[2].Result.Duplicate)

	row := f.aggregate(t, "person-1")
	assert.True(t, row.Quoted.Equal(decimal.NewFromInt(1)))
}

// =============================================================================
// RECOVERABILITY
// =============================================================================

func TestIsRecoverable(t *testing.T) {
	assert.True(t, reconcile.IsRecoverable(kpi.ErrNoVersion))
	assert.True(t, reconcile.IsRecoverable(entity.ErrAmbiguousMatch))
	assert.False(t, reconcile.IsRecoverable(entity.ErrHouseholdNotFound))
}
