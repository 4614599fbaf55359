/*
registry.go - Metric version resolution and relabeling

PURPOSE:
  Answers two questions for every writer:
    1. "What version/label is metric X bound to right now?" — used at
       write time to stamp aggregates with label_at_submit.
    2. "What version was this measurement form bound to?" — direct
       form bindings take precedence over the metric's current version.

RESOLUTION ORDER (per measurement):
  1. Direct form->version binding, if one exists and its version is still
     the metric's current version.
  2. The single currently-valid version for the slug within the agency.
  3. Neither resolves -> NoVersionError; the caller drops that single
     measurement with a warning.

RELABEL:
  Opening a new label closes the current version (valid_to = now) and
  inserts the new one atomically through the store. Historical aggregate
  rows are untouched: they keep the label captured at submit time.

SEE ALSO:
  - reconcile/coordinator.go: drops measurements on ErrNoVersion
  - aggregate/merge.go: stamps version id + label per metric
*/
package kpi

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// =============================================================================
// STORE - Persistence interface for metrics, versions, and bindings
// =============================================================================

type Store interface {
	// SaveMetric inserts a metric. Returns ErrMetricExists on slug reuse.
	SaveMetric(ctx context.Context, m Metric) error

	// GetMetric returns the metric for (agency, slug), or ErrMetricNotFound.
	GetMetric(ctx context.Context, agencyID, slug string) (*Metric, error)

	// ListMetrics returns all metrics for an agency.
	ListMetrics(ctx context.Context, agencyID string) ([]Metric, error)

	// CurrentVersion returns the single version with valid_to = nil for
	// (agency, slug), or ErrNoVersion.
	CurrentVersion(ctx context.Context, agencyID, slug string) (*Version, error)

	// GetVersion returns a version by id.
	GetVersion(ctx context.Context, versionID string) (*Version, error)

	// OpenVersion atomically closes the current version (if any) and
	// inserts v as the new open version. Enforces the one-open-version
	// invariant.
	OpenVersion(ctx context.Context, v Version) error

	// GetBinding returns a form binding by id, or ErrBindingNotFound.
	GetBinding(ctx context.Context, bindingID string) (*FormBinding, error)

	// SaveBinding inserts a form->version binding.
	SaveBinding(ctx context.Context, b FormBinding) error
}

// =============================================================================
// REGISTRY
// =============================================================================

type Registry struct {
	store Store
}

func NewRegistry(store Store) *Registry {
	return &Registry{store: store}
}

// Define registers a new metric with its initial version and target.
func (r *Registry) Define(ctx context.Context, agencyID, slug, name, label string, target decimal.Decimal, singleWriter bool) (*Version, error) {
	m := Metric{
		AgencyID:     agencyID,
		Slug:         slug,
		Name:         name,
		SingleWriter: singleWriter,
		CreatedAt:    time.Now().UTC(),
	}
	if err := r.store.SaveMetric(ctx, m); err != nil {
		return nil, err
	}
	v := Version{
		ID:         uuid.NewString(),
		AgencyID:   agencyID,
		MetricSlug: slug,
		Label:      label,
		Target:     target,
		ValidFrom:  time.Now().UTC(),
	}
	if err := r.store.OpenVersion(ctx, v); err != nil {
		return nil, err
	}
	return &v, nil
}

// Relabel opens a new version for the metric, closing the current one.
// Past aggregate rows keep their captured labels.
func (r *Registry) Relabel(ctx context.Context, agencyID, slug, newLabel string, target decimal.Decimal) (*Version, error) {
	if _, err := r.store.GetMetric(ctx, agencyID, slug); err != nil {
		return nil, err
	}
	v := Version{
		ID:         uuid.NewString(),
		AgencyID:   agencyID,
		MetricSlug: slug,
		Label:      newLabel,
		Target:     target,
		ValidFrom:  time.Now().UTC(),
	}
	if err := r.store.OpenVersion(ctx, v); err != nil {
		return nil, err
	}
	return &v, nil
}

// BindForm pins a measurement form to the metric's current version.
func (r *Registry) BindForm(ctx context.Context, agencyID, formID, slug string) (*FormBinding, error) {
	current, err := r.store.CurrentVersion(ctx, agencyID, slug)
	if err != nil {
		return nil, err
	}
	b := FormBinding{
		ID:        uuid.NewString(),
		AgencyID:  agencyID,
		FormID:    formID,
		VersionID: current.ID,
		CreatedAt: time.Now().UTC(),
	}
	if err := r.store.SaveBinding(ctx, b); err != nil {
		return nil, err
	}
	return &b, nil
}

// Resolve returns the version a measurement should be stamped with.
//
// bindingID may be empty. A stale binding (its version has since been
// closed) falls through to the current version rather than resurrecting
// the old label for new writes.
func (r *Registry) Resolve(ctx context.Context, agencyID, bindingID, slug string) (*Version, error) {
	if bindingID != "" {
		if b, err := r.store.GetBinding(ctx, bindingID); err == nil {
			if v, err := r.store.GetVersion(ctx, b.VersionID); err == nil && v.Current() {
				return v, nil
			}
		}
	}
	v, err := r.store.CurrentVersion(ctx, agencyID, slug)
	if err != nil {
		return nil, &NoVersionError{AgencyID: agencyID, MetricSlug: slug, BindingID: bindingID}
	}
	return v, nil
}

// MergePolicy reports whether the metric merges by overwrite (single
// writer) instead of monotonic max. Unknown slugs default to monotonic.
func (r *Registry) MergePolicy(ctx context.Context, agencyID, slug string) (singleWriter bool) {
	m, err := r.store.GetMetric(ctx, agencyID, slug)
	if err != nil {
		return false
	}
	return m.SingleWriter
}

// CurrentTargets assembles the agency's effective TargetSet from all
// open versions. requiredHits <= 0 means "all targets".
func (r *Registry) CurrentTargets(ctx context.Context, agencyID string, requiredHits int) (TargetSet, error) {
	metrics, err := r.store.ListMetrics(ctx, agencyID)
	if err != nil {
		return TargetSet{}, err
	}
	ts := TargetSet{Targets: make(map[string]decimal.Decimal), RequiredHits: requiredHits}
	for _, m := range metrics {
		v, err := r.store.CurrentVersion(ctx, agencyID, m.Slug)
		if err != nil {
			continue // metric without an open version contributes no target
		}
		if v.Target.IsPositive() {
			ts.Targets[m.Slug] = v.Target
		}
	}
	return ts, nil
}
