/*
errors.go - Centralized error types for the metric registry

USAGE:
  The coordinator treats ErrNoVersion as a per-measurement warning, never
  a hard failure: the offending measurement is dropped and the rest of the
  event still applies.
*/
package kpi

import (
	"errors"
	"fmt"
)

var (
	// ErrNoVersion is returned when neither a form binding nor a current
	// version can resolve a metric. Measurements carrying it are dropped
	// with a warning; aggregates never store an unversioned metric.
	ErrNoVersion = errors.New("no resolvable metric version")

	// ErrMetricNotFound is returned when a referenced metric slug does not
	// exist for the agency.
	ErrMetricNotFound = errors.New("metric not found")

	// ErrMetricExists is returned when creating a metric whose slug is
	// already registered for the agency.
	ErrMetricExists = errors.New("metric already exists")

	// ErrBindingNotFound is returned when a form binding id is unknown.
	ErrBindingNotFound = errors.New("form binding not found")
)

// NoVersionError carries the metric that could not be resolved.
type NoVersionError struct {
	AgencyID   string
	MetricSlug string
	BindingID  string
}

func (e *NoVersionError) Error() string {
	if e.BindingID != "" {
		return fmt.Sprintf("no resolvable version for metric %q (binding %s) in agency %s",
			e.MetricSlug, e.BindingID, e.AgencyID)
	}
	return fmt.Sprintf("no resolvable version for metric %q in agency %s", e.MetricSlug, e.AgencyID)
}

func (e *NoVersionError) Unwrap() error { return ErrNoVersion }
