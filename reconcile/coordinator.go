/*
coordinator.go - Sequencing the reconciliation pipeline per writer class

PURPOSE:
  The coordinator is the only component that decides "this counts" versus
  "this was already counted elsewhere". It sequences, for each writer
  class: entity resolution -> idempotent transaction recording -> version
  resolution -> aggregate merge -> derived recompute (inside the merge),
  and owns the cross-writer skip-merge decision.

DEDUP POLICY:
  Transaction-derived counter movements (manual adds, external sync) are
  increments tagged SkipIfSubmitted: when the day's row already carries a
  structured submission's total for that counter family, the movement is
  suppressed inside the row's atomic mutate and the one-shot skip flag is
  stamped onto the transaction record. Submission totals themselves merge
  by monotonic max, so they can never erase progress either.

FAILURE POLICY:
  Ambiguous matches and missing version bindings are recovered locally:
  the event still lands with reduced confidence or minus one metric, and
  the caller sees a Result, not an error. Only store failures propagate.
  Bulk syncs isolate failures per event.

SEE ALSO:
  - entity/resolver.go, kpi/registry.go, aggregate/merge.go
*/
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log"

	"github.com/shopspring/decimal"

	"github.com/ridgeline/scorecard-engine/aggregate"
	"github.com/ridgeline/scorecard-engine/calendar"
	"github.com/ridgeline/scorecard-engine/entity"
	"github.com/ridgeline/scorecard-engine/kpi"
)

// =============================================================================
// COORDINATOR
// =============================================================================

type Coordinator struct {
	resolver *entity.Resolver
	registry *kpi.Registry
	merger   *aggregate.Merger

	// requiredHits is the per-agency pass threshold; missing agencies
	// default to "all configured targets".
	requiredHits map[string]int
}

func NewCoordinator(resolver *entity.Resolver, registry *kpi.Registry, merger *aggregate.Merger) *Coordinator {
	return &Coordinator{
		resolver:     resolver,
		registry:     registry,
		merger:       merger,
		requiredHits: make(map[string]int),
	}
}

// SetRequiredHits configures an agency's pass threshold (0 = all).
func (c *Coordinator) SetRequiredHits(agencyID string, hits int) {
	c.requiredHits[agencyID] = hits
}

// =============================================================================
// WRITER CLASS 1: MANUAL SINGLE-ENTITY ADD
// =============================================================================

// ManualAdd resolves the household, records a transaction when the deltas
// include a quote or sale, and applies the deltas as guarded increments.
func (c *Coordinator) ManualAdd(ctx context.Context, ev ManualAddEvent) (*Result, error) {
	if err := validateDeltas(ev.MetricDeltas); err != nil {
		return nil, err
	}
	if ev.Date.IsZero() {
		ev.Date = calendar.Today()
	}

	txType := manualTxType(ev.MetricDeltas)
	resolution, err := c.resolver.Resolve(ctx, entity.ResolveRequest{
		AgencyID:   ev.AgencyID,
		FirstName:  ev.FirstName,
		LastName:   ev.LastName,
		Zip:        ev.Zip,
		Type:       txType,
		Date:       ev.Date,
		ProducerID: ev.ProducerID,
	})
	if err != nil {
		return nil, err
	}

	result := &Result{Household: resolution.Household, NeedsReview: resolution.NeedsReview}

	if txType != "" {
		tx := &entity.Transaction{
			AgencyID:       ev.AgencyID,
			HouseholdID:    resolution.Household.ID,
			Type:           txType,
			ProducerCode:   ev.ProducerID,
			Date:           ev.Date,
			Tier:           resolution.Tier,
			Confidence:     resolution.Confidence,
			IdempotencyKey: ev.idempotencyKey(),
		}
		stored, duplicate, err := c.resolver.RecordTransaction(ctx, tx)
		if err != nil {
			return nil, err
		}
		result.Transaction = stored
		if duplicate {
			result.Duplicate = true
			return result, nil
		}
		if err := c.flagReview(ctx, resolution, stored, result); err != nil {
			return nil, err
		}
	}

	measurements, dropped := c.buildMeasurements(ctx, ev.AgencyID, "", ev.MetricDeltas, aggregate.MergeIncrement)
	result.DroppedMetrics = dropped
	return c.applyMeasurements(ctx, ev.AgencyID, ev.ProducerID, ev.Date, measurements, result)
}

// manualTxType infers the transaction class from the deltas: a sale beats
// a quote; anything else is activity only (no transaction record).
func manualTxType(deltas map[string]decimal.Decimal) entity.TransactionType {
	if deltas[kpi.SlugSold].IsPositive() {
		return entity.TxSale
	}
	if deltas[kpi.SlugQuoted].IsPositive() {
		return entity.TxQuote
	}
	return ""
}

// =============================================================================
// WRITER CLASS 2: STRUCTURED DAILY SUBMISSION
// =============================================================================

// Submission applies a scorecard's self-reported totals. Contested
// counters merge by monotonic max, single-writer metrics by overwrite;
// re-processing the same submission is therefore a no-op by construction.
func (c *Coordinator) Submission(ctx context.Context, ev SubmissionEvent) (*Result, error) {
	if err := validateDeltas(ev.ReportedValues); err != nil {
		return nil, err
	}
	if ev.Date.IsZero() {
		ev.Date = calendar.Today()
	}

	result := &Result{}
	var measurements []aggregate.Measurement
	for slug, value := range ev.ReportedValues {
		version, err := c.registry.Resolve(ctx, ev.AgencyID, ev.BindingID, slug)
		if err != nil {
			// MissingVersionBinding: drop this one measurement, keep the rest.
			log.Printf("WARN: dropping metric %q for %s/%s on %s: %v",
				slug, ev.AgencyID, ev.PersonID, ev.Date, err)
			result.DroppedMetrics = append(result.DroppedMetrics, slug)
			continue
		}
		mode := aggregate.MergeMax
		if c.registry.MergePolicy(ctx, ev.AgencyID, slug) {
			mode = aggregate.MergeSet
		}
		measurements = append(measurements, aggregate.Measurement{
			Slug:           slug,
			Value:          value,
			Mode:           mode,
			VersionID:      version.ID,
			Label:          version.Label,
			FromSubmission: true,
		})
	}

	return c.applyMeasurements(ctx, ev.AgencyID, ev.PersonID, ev.Date, measurements, result)
}

// =============================================================================
// WRITER CLASS 3: EXTERNAL TRANSACTION SYNC
// =============================================================================

// SyncEvent reconciles one external quote/sale row.
func (c *Coordinator) SyncEvent(ctx context.Context, ev SyncEvent) (*Result, error) {
	resolution, err := c.resolver.Resolve(ctx, entity.ResolveRequest{
		AgencyID:     ev.AgencyID,
		FullName:     ev.FullName,
		FirstName:    ev.FirstName,
		LastName:     ev.LastName,
		Zip:          ev.Zip,
		Type:         ev.Type,
		PolicyNumber: ev.PolicyNumber,
		ProductType:  ev.ProductType,
		ProducerCode: ev.ProducerCode,
		Amount:       ev.Amount,
		Date:         ev.Date,
	})
	if err != nil {
		return nil, err
	}

	result := &Result{Household: resolution.Household, NeedsReview: resolution.NeedsReview}

	tx := &entity.Transaction{
		AgencyID:       ev.AgencyID,
		HouseholdID:    resolution.Household.ID,
		Type:           ev.Type,
		PolicyNumber:   ev.PolicyNumber,
		ProductType:    ev.ProductType,
		ProducerCode:   ev.ProducerCode,
		Amount:         ev.Amount,
		Date:           ev.Date,
		Tier:           resolution.Tier,
		Confidence:     resolution.Confidence,
		IdempotencyKey: ev.idempotencyKey(),
	}
	stored, duplicate, err := c.resolver.RecordTransaction(ctx, tx)
	if err != nil {
		return nil, err
	}
	result.Transaction = stored
	if duplicate {
		// At-least-once delivery: the first processing already counted
		// it. Exactly one transaction, no counter movement.
		result.Duplicate = true
		return result, nil
	}
	if err := c.flagReview(ctx, resolution, stored, result); err != nil {
		return nil, err
	}

	deltas := map[string]decimal.Decimal{}
	switch ev.Type {
	case entity.TxQuote:
		deltas[kpi.SlugQuoted] = decimal.NewFromInt(1)
	case entity.TxSale:
		deltas[kpi.SlugSold] = decimal.NewFromInt(1)
		if ev.Amount.IsPositive() {
			deltas[kpi.SlugSoldValue] = ev.Amount
		}
	}
	measurements, dropped := c.buildMeasurements(ctx, ev.AgencyID, "", deltas, aggregate.MergeIncrement)
	result.DroppedMetrics = dropped

	if _, err := c.applyMeasurements(ctx, ev.AgencyID, ev.person(), ev.Date, measurements, result); err != nil {
		return nil, err
	}

	// The merge reported which families were already covered by a
	// submission total; stamp the one-shot flag onto the transaction so
	// replays and audits see the dedup decision.
	if len(result.SkippedMetrics) > 0 {
		if err := c.resolver.MarkSkipMerge(ctx, stored.ID); err != nil {
			return nil, err
		}
		stored.SkipMerge = true
	}
	return result, nil
}

// SyncBatch processes a bulk feed with per-event failure isolation.
func (c *Coordinator) SyncBatch(ctx context.Context, events []SyncEvent) *BatchResult {
	batch := &BatchResult{Items: make([]BatchItem, 0, len(events))}
	for i, ev := range events {
		res, err := c.SyncEvent(ctx, ev)
		if err != nil {
			log.Printf("WARN: sync event %d failed: %v", i, err)
		}
		batch.Items = append(batch.Items, BatchItem{Index: i, Result: res, Err: err})
	}
	return batch
}

// =============================================================================
// SHARED STEPS
// =============================================================================

// validateDeltas rejects negative counter movements before any side
// effect lands. Raw counters only move up; a negative value from one
// writer would erase another writer's progress.
func validateDeltas(values map[string]decimal.Decimal) error {
	for slug, v := range values {
		if v.IsNegative() {
			return fmt.Errorf("metric %q: %w", slug, aggregate.ErrNegativeValue)
		}
	}
	return nil
}

// buildMeasurements resolves versions for a delta map, dropping (with a
// warning) any metric that cannot be resolved.
func (c *Coordinator) buildMeasurements(ctx context.Context, agencyID, bindingID string, deltas map[string]decimal.Decimal, mode aggregate.MergeMode) ([]aggregate.Measurement, []string) {
	var measurements []aggregate.Measurement
	var dropped []string
	for slug, value := range deltas {
		version, err := c.registry.Resolve(ctx, agencyID, bindingID, slug)
		if err != nil {
			log.Printf("WARN: dropping metric %q for agency %s: %v", slug, agencyID, err)
			dropped = append(dropped, slug)
			continue
		}
		measurements = append(measurements, aggregate.Measurement{
			Slug:            slug,
			Value:           value,
			Mode:            mode,
			VersionID:       version.ID,
			Label:           version.Label,
			SkipIfSubmitted: mode == aggregate.MergeIncrement,
		})
	}
	return measurements, dropped
}

// applyMeasurements runs the merge + recompute for a person-day and folds
// the outcome into result.
func (c *Coordinator) applyMeasurements(ctx context.Context, agencyID, personID string, day calendar.Date, measurements []aggregate.Measurement, result *Result) (*Result, error) {
	if len(measurements) == 0 {
		return result, nil
	}
	if personID == "" {
		// No person to attribute the movements to. The entity-side record
		// (if any) stands; the counters can't land anywhere.
		log.Printf("WARN: unattributed event for agency %s on %s: %d measurement(s) not counted",
			agencyID, day, len(measurements))
		result.Unattributed = true
		return result, nil
	}
	targets, err := c.registry.CurrentTargets(ctx, agencyID, c.requiredHits[agencyID])
	if err != nil {
		return nil, err
	}
	applied, err := c.merger.Apply(ctx, agencyID, personID, day, measurements, targets)
	if err != nil {
		return nil, err
	}
	result.Aggregate = applied.Aggregate
	result.SkippedMetrics = applied.Skipped
	return result, nil
}

// flagReview persists a review item for an ambiguous or malformed
// resolution, now that the transaction id exists to reference.
func (c *Coordinator) flagReview(ctx context.Context, resolution *entity.Resolution, tx *entity.Transaction, result *Result) error {
	if !resolution.NeedsReview {
		return nil
	}
	item, err := c.resolver.FlagForReview(ctx, tx.AgencyID, tx.ID, resolution.ReviewReason, resolution.Candidates)
	if err != nil {
		return err
	}
	result.Review = item
	log.Printf("WARN: transaction %s flagged for review (%s, %d candidates)",
		tx.ID, resolution.ReviewReason, len(resolution.Candidates))
	return nil
}

// IsRecoverable reports whether an error class is recovered locally by
// the coordinator rather than surfaced to the calling writer.
func IsRecoverable(err error) bool {
	return errors.Is(err, kpi.ErrNoVersion) || errors.Is(err, entity.ErrAmbiguousMatch)
}
