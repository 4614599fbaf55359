/*
merge.go - The aggregate merge engine

PURPOSE:
  Applies one writer's measurements to a daily row under the conflict
  rules that make uncoordinated writers converge:

    MergeMax        stored = max(stored, incoming)   contested totals
    MergeIncrement  stored = stored + incoming       transaction counts
    MergeSet        stored = incoming                single-writer fields

  After every raw write, derived fields are recomputed from the stored
  values (derive.go) inside the same atomic mutate. Writers never compute
  pass/score themselves.

SERIALIZATION:
  Store.Mutate is the only write path and is serialized per
  (agency, person, day) row. The read-modify-write inside it is the one
  hard mutual-exclusion requirement in the system; different rows need no
  ordering relative to each other.

SKIP DECISION:
  A transaction-derived increment carries SkipIfSubmitted. If the row
  shows that a structured submission already reported that counter family
  for the day, the increment is skipped and reported back to the
  coordinator, which stamps the one-shot skip flag onto the transaction
  record. Evaluating this inside Mutate keeps the decision atomic with
  the write it guards.

SEE ALSO:
  - derive.go: recomputation rule
  - store/sqlite: optimistic retry on ErrConflict
*/
package aggregate

import (
	"context"
	"time"

	"github.com/ridgeline/scorecard-engine/calendar"
	"github.com/ridgeline/scorecard-engine/kpi"
)

// =============================================================================
// STORE - Atomic per-row persistence
// =============================================================================

type Store interface {
	// Get returns the row for the key, or ErrNotFound.
	Get(ctx context.Context, agencyID, personID string, day calendar.Date) (*DailyAggregate, error)

	// GetRange returns rows for the person in [from, to], ordered by day.
	GetRange(ctx context.Context, agencyID, personID string, from, to calendar.Date) ([]*DailyAggregate, error)

	// Mutate atomically loads (or lazily creates) the row for the key,
	// applies fn, and persists the result. The read-modify-write is
	// serialized per row; SQL implementations retry transparently on
	// revision conflicts.
	Mutate(ctx context.Context, agencyID, personID string, day calendar.Date, fn func(*DailyAggregate) error) (*DailyAggregate, error)
}

// =============================================================================
// MERGER
// =============================================================================

type Merger struct {
	store Store
}

func NewMerger(store Store) *Merger {
	return &Merger{store: store}
}

// ApplyResult reports what one Apply call did to the row.
type ApplyResult struct {
	Aggregate *DailyAggregate

	// Skipped lists the slugs whose increments were suppressed by the
	// skip decision. The coordinator flags the originating transactions.
	Skipped []string
}

// Apply merges measurements into the (agency, person, day) row and
// recomputes derived fields from the stored values, all inside one
// atomic mutate.
func (m *Merger) Apply(ctx context.Context, agencyID, personID string, day calendar.Date, measurements []Measurement, targets kpi.TargetSet) (*ApplyResult, error) {
	for _, ms := range measurements {
		if ms.VersionID == "" {
			return nil, ErrMissingVersion
		}
		if ms.Value.IsNegative() {
			return nil, ErrNegativeValue
		}
	}

	var skipped []string
	agg, err := m.store.Mutate(ctx, agencyID, personID, day, func(a *DailyAggregate) error {
		skipped = skipped[:0] // Mutate may retry; don't accumulate across attempts
		for _, ms := range measurements {
			if applyOne(a, ms) {
				skipped = append(skipped, ms.Slug)
			}
		}
		// The recompute reads a's already-merged state, which may be
		// higher than anything this writer reported. That is the point.
		Recompute(a, targets)
		a.UpdatedAt = time.Now().UTC()
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &ApplyResult{Aggregate: agg, Skipped: skipped}, nil
}

// applyOne merges a single measurement. Returns true when an increment
// was skipped by the dedup decision.
func applyOne(a *DailyAggregate, ms Measurement) (skipped bool) {
	// Stamp version and label regardless of whether the counter moves:
	// last write for the day wins the label, past days stay untouched
	// because rows are per-day.
	a.VersionIDs[ms.Slug] = ms.VersionID
	a.Labels[ms.Slug] = ms.Label

	switch ms.Mode {
	case MergeIncrement:
		if ms.SkipIfSubmitted && a.Submitted[ms.Slug] {
			return true
		}
		a.setValue(ms.Slug, a.ValueFor(ms.Slug).Add(ms.Value))

	case MergeSet:
		a.setValue(ms.Slug, ms.Value)

	default: // MergeMax
		stored := a.ValueFor(ms.Slug)
		if ms.Value.GreaterThan(stored) {
			a.setValue(ms.Slug, ms.Value)
		}
	}

	if ms.FromSubmission {
		a.Submitted[ms.Slug] = true
	}
	return false
}
