/*
Package kpi tracks named performance metrics, their versioned labels, and
the targets used for derived-field recomputation.

PURPOSE:
  Agencies rename their metrics ("Quotes" becomes "Quoted Households")
  without wanting history rewritten. Each metric therefore has a sequence
  of versions; exactly one is open (valid_to = nil) at any time. Aggregate
  rows capture the version id and label in effect when they were written,
  so a relabel on day N+5 never changes what day N reports.

KEY CONCEPTS:
  - Metric: the stable, version-independent identity (slug) plus merge
    policy (whether a single writer owns it).
  - Version: one labeled definition with a validity interval and target.
  - FormBinding: pins a measurement form to a specific version; bindings
    are themselves versioned by created_at.
  - TargetSet: the currently effective targets for one agency, consumed by
    the aggregate recompute rule.

SEE ALSO:
  - registry.go: resolution and relabel operations
  - aggregate/derive.go: consumes TargetSet
*/
package kpi

import (
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// METRIC - Stable identity for a KPI
// =============================================================================

// Well-known metric slugs. Anything else lives in the aggregate's custom
// counter map under its own slug.
const (
	SlugContacts  = "contacts"
	SlugTalkTime  = "talk_minutes"
	SlugQuoted    = "quoted"
	SlugSold      = "sold"
	SlugSoldValue = "sold_value"
)

type Metric struct {
	AgencyID string
	Slug     string // version-independent stable key
	Name     string

	// SingleWriter marks metrics produced by exactly one writer class
	// (call counts, talk time). These merge by overwrite; everything else
	// merges by monotonic max.
	SingleWriter bool

	CreatedAt time.Time
}

// =============================================================================
// VERSION - One labeled definition of a metric
// =============================================================================

type Version struct {
	ID         string
	AgencyID   string
	MetricSlug string
	Label      string
	Target     decimal.Decimal
	ValidFrom  time.Time
	ValidTo    *time.Time // nil = currently valid
}

// Current reports whether this version is the open one.
func (v *Version) Current() bool { return v.ValidTo == nil }

// =============================================================================
// FORM BINDING - Pins a measurement form to a version
// =============================================================================

type FormBinding struct {
	ID        string
	AgencyID  string
	FormID    string
	VersionID string
	CreatedAt time.Time
}

// =============================================================================
// TARGET SET - Effective targets for derived recomputation
// =============================================================================

// TargetSet is the agency's currently effective targets, keyed by metric
// slug. RequiredHits is the agency-configured pass threshold; zero means
// "all configured targets".
type TargetSet struct {
	Targets      map[string]decimal.Decimal
	RequiredHits int
}

// Required returns the effective pass threshold.
func (ts TargetSet) Required() int {
	if ts.RequiredHits > 0 {
		return ts.RequiredHits
	}
	return len(ts.Targets)
}
