/*
Package aggregate maintains per-(agency, person, day) performance rows and
the merge rules that keep them correct under uncoordinated writers.

PURPOSE:
  Three writer classes touch the same daily row in any order: a manual
  "add one quoted household" action, a structured end-of-day submission
  reporting totals, and an external transaction sync. The row must never
  double-count, regress, or drift out of sync with its derived fields no
  matter which writer runs first or last.

KEY CONCEPTS IN THIS FILE (types.go):
  - DailyAggregate: one row per (agency, person, day); raw counters,
    custom counter map, per-metric version/label capture, derived fields
  - Measurement: one writer's value for one metric, tagged with its merge
    mode and resolved version
  - MergeMode: monotonic max / increment / overwrite

INVARIANTS:
  1. Counters are monotonically non-decreasing within a day (merge.go)
  2. Derived fields are a pure function of stored raw values (derive.go)
  3. All mutation goes through Store.Mutate - serialized per row

SEE ALSO:
  - merge.go: the merge engine
  - derive.go: derived-field recomputation
*/
package aggregate

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/ridgeline/scorecard-engine/calendar"
	"github.com/ridgeline/scorecard-engine/kpi"
)

// =============================================================================
// DAILY AGGREGATE - One row per (agency, person, day)
// =============================================================================

type DailyAggregate struct {
	AgencyID string
	PersonID string
	Day      calendar.Date

	// Well-known counters. Contacts and TalkMinutes are single-writer
	// (overwrite); Quoted, Sold, and SoldValue are contested (monotonic).
	Contacts    decimal.Decimal
	TalkMinutes decimal.Decimal
	Quoted      decimal.Decimal
	Sold        decimal.Decimal
	SoldValue   decimal.Decimal

	// Custom holds agency-configured counters keyed by the metric's
	// version-independent slug, never its current label.
	Custom map[string]decimal.Decimal

	// Per-metric capture of the version and label in effect at the most
	// recent write for that metric. Past days are never rewritten when a
	// metric is relabeled.
	VersionIDs map[string]string
	Labels     map[string]string

	// Submitted records which counter families a structured submission
	// has reported for this day. The coordinator's skip-merge decision
	// reads this inside the row's atomic mutate.
	Submitted map[string]bool

	// Derived fields: always recomputed from the stored counters above,
	// never from a writer's payload.
	Hits  int
	Pass  bool
	Score decimal.Decimal

	// Revision supports optimistic concurrency in SQL stores.
	Revision  int64
	CreatedAt time.Time
	UpdatedAt time.Time
}

// NewDailyAggregate returns an empty row for the key. Rows are created
// lazily on first measurement.
func NewDailyAggregate(agencyID, personID string, day calendar.Date) *DailyAggregate {
	now := time.Now().UTC()
	return &DailyAggregate{
		AgencyID:   agencyID,
		PersonID:   personID,
		Day:        day,
		Custom:     make(map[string]decimal.Decimal),
		VersionIDs: make(map[string]string),
		Labels:     make(map[string]string),
		Submitted:  make(map[string]bool),
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}

// ValueFor returns the stored value for a metric slug, looking through
// the well-known counters first, then the custom map.
func (a *DailyAggregate) ValueFor(slug string) decimal.Decimal {
	switch slug {
	case kpi.SlugContacts:
		return a.Contacts
	case kpi.SlugTalkTime:
		return a.TalkMinutes
	case kpi.SlugQuoted:
		return a.Quoted
	case kpi.SlugSold:
		return a.Sold
	case kpi.SlugSoldValue:
		return a.SoldValue
	}
	return a.Custom[slug]
}

func (a *DailyAggregate) setValue(slug string, v decimal.Decimal) {
	switch slug {
	case kpi.SlugContacts:
		a.Contacts = v
	case kpi.SlugTalkTime:
		a.TalkMinutes = v
	case kpi.SlugQuoted:
		a.Quoted = v
	case kpi.SlugSold:
		a.Sold = v
	case kpi.SlugSoldValue:
		a.SoldValue = v
	default:
		if a.Custom == nil {
			a.Custom = make(map[string]decimal.Decimal)
		}
		a.Custom[slug] = v
	}
}

// =============================================================================
// MEASUREMENT - One writer's value for one metric
// =============================================================================

type MergeMode string

const (
	// MergeMax keeps the high-water mark: max(stored, incoming). Used for
	// submission-reported totals and contested custom counters. A later
	// writer reporting a smaller number never erases progress.
	MergeMax MergeMode = "max"

	// MergeIncrement adds the incoming delta to the stored value. Used
	// for transaction-derived counts ("one more quoted household").
	// Guarded by the skip decision so an event already reflected in a
	// submission total is not counted again.
	MergeIncrement MergeMode = "increment"

	// MergeSet overwrites. Only for single-writer metrics (call counts,
	// talk time) where exactly one writer class produces the value.
	MergeSet MergeMode = "set"
)

type Measurement struct {
	Slug  string
	Value decimal.Decimal
	Mode  MergeMode

	// Resolved version stamp (kpi.Registry). Never empty: measurements
	// that fail version resolution are dropped before reaching the
	// merge engine.
	VersionID string
	Label     string

	// FromSubmission marks measurements carried by a structured
	// submission; applying one records the counter family in the row's
	// Submitted set.
	FromSubmission bool

	// SkipIfSubmitted is the coordinator's dedup policy for
	// transaction-derived increments: when the row shows the family was
	// already submitted for this day, the increment is skipped (the
	// version/label stamp still applies).
	SkipIfSubmitted bool
}
