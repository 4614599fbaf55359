/*
events.go - Writer-class event shapes and reconciliation outcomes

PURPOSE:
  The three uncoordinated entry points feed the coordinator through these
  shapes. No wire protocol is implied; api/ maps JSON onto them and bulk
  jobs construct them directly.

WRITER CLASSES:
  ManualAddEvent   a single-entity action from a form ("log one quoted
                   household"), deltas per metric
  SubmissionEvent  a structured end-of-day scorecard reporting totals
  SyncEvent        one quote/sale row from an external system feed
*/
package reconcile

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/ridgeline/scorecard-engine/aggregate"
	"github.com/ridgeline/scorecard-engine/calendar"
	"github.com/ridgeline/scorecard-engine/entity"
)

// =============================================================================
// EVENTS
// =============================================================================

// ManualAddEvent is one manually logged activity against a household.
type ManualAddEvent struct {
	EventID    string // idempotency; empty = not retried by the source
	AgencyID   string
	FirstName  string
	LastName   string
	Zip        string
	ProducerID string // the person whose day this counts toward
	Date       calendar.Date
	// MetricDeltas are increments per metric slug ("quoted": 1).
	MetricDeltas map[string]decimal.Decimal
}

// SubmissionEvent is a structured daily-scorecard submission of totals.
type SubmissionEvent struct {
	AgencyID  string
	PersonID  string
	Date      calendar.Date
	BindingID string // form->version binding; may be empty
	// ReportedValues are the person's self-reported totals per metric slug.
	ReportedValues map[string]decimal.Decimal
}

// SyncEvent is one transaction row from an external system.
type SyncEvent struct {
	EventID      string
	AgencyID     string
	FullName     string // combined name field; split on first whitespace
	FirstName    string // alternative to FullName
	LastName     string
	Zip          string
	PolicyNumber string // authoritative reference, when available
	ProductType  string
	ProducerCode string
	PersonID     string // person attribution; falls back to ProducerCode
	Amount       decimal.Decimal
	Date         calendar.Date
	Type         entity.TransactionType
}

func (e SyncEvent) person() string {
	if e.PersonID != "" {
		return e.PersonID
	}
	return e.ProducerCode
}

// idempotencyKey derives a stable key for feeds that don't assign event
// ids, so at-least-once delivery of the same row cannot double-count.
func (e SyncEvent) idempotencyKey() string {
	if e.EventID != "" {
		return "sync:" + e.EventID
	}
	raw := fmt.Sprintf("sync|%s|%s|%s|%s|%s|%s|%s|%s",
		e.AgencyID, e.Type, e.PolicyNumber, e.FullName+e.FirstName+e.LastName,
		e.Zip, e.ProducerCode, e.Amount.String(), e.Date)
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:16])
}

func (e ManualAddEvent) idempotencyKey() string {
	if e.EventID == "" {
		// Two intentional identical manual adds on the same day are
		// distinct real events; only source-assigned ids dedupe here.
		return ""
	}
	return "manual:" + e.EventID
}

// =============================================================================
// RESULT - What one reconciliation did
// =============================================================================

type Result struct {
	Household   *entity.Household   // nil for submissions
	Transaction *entity.Transaction // nil when the event carried no quote/sale
	Duplicate   bool                // idempotent replay; nothing was counted

	NeedsReview bool
	Review      *entity.ReviewItem

	Aggregate *aggregate.DailyAggregate

	// Unattributed is set when the event carried counter movements but no
	// person to attribute them to; nothing was counted.
	Unattributed bool

	// DroppedMetrics lists slugs dropped for missing version bindings.
	DroppedMetrics []string
	// SkippedMetrics lists slugs whose counter movement was suppressed by
	// the cross-writer dedup decision.
	SkippedMetrics []string
}

// BatchItem is one event's outcome within a bulk sync.
type BatchItem struct {
	Index  int
	Result *Result
	Err    error
}

// BatchResult isolates failures per event: event N failing never rolls
// back events 1..N-1.
type BatchResult struct {
	Items []BatchItem
}

func (b *BatchResult) Failed() int {
	n := 0
	for _, it := range b.Items {
		if it.Err != nil {
			n++
		}
	}
	return n
}
