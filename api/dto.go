/*
dto.go - Request/response data structures for the HTTP API

Wire shapes mirror the external collaborators' event formats (forms, bulk
upload parser, external sync jobs) and the read-side views dashboards
consume. JSON field names are snake_case throughout.
*/
package api

import (
	"github.com/shopspring/decimal"

	"github.com/ridgeline/scorecard-engine/aggregate"
	"github.com/ridgeline/scorecard-engine/entity"
	"github.com/ridgeline/scorecard-engine/reconcile"
)

// =============================================================================
// INGEST REQUESTS - one per writer class
// =============================================================================

type ManualAddRequest struct {
	EventID      string                     `json:"event_id,omitempty"`
	AgencyID     string                     `json:"agency_id"`
	FirstName    string                     `json:"first_name"`
	LastName     string                     `json:"last_name"`
	Zip          string                     `json:"zip"`
	ProducerID   string                     `json:"producer_id"`
	Date         string                     `json:"date,omitempty"` // YYYY-MM-DD, default today
	MetricDeltas map[string]decimal.Decimal `json:"metric_deltas"`
}

type SubmissionRequest struct {
	AgencyID       string                     `json:"agency_id"`
	PersonID       string                     `json:"person_id"`
	Date           string                     `json:"date"`
	BindingID      string                     `json:"form_version_binding_id,omitempty"`
	ReportedValues map[string]decimal.Decimal `json:"reported_values"`
}

type SyncEventRequest struct {
	EventID      string          `json:"event_id,omitempty"`
	AgencyID     string          `json:"agency_id"`
	FullName     string          `json:"full_name,omitempty"`
	FirstName    string          `json:"first_name,omitempty"`
	LastName     string          `json:"last_name,omitempty"`
	Zip          string          `json:"zip,omitempty"`
	PolicyNumber string          `json:"authoritative_reference,omitempty"`
	ProductType  string          `json:"product_type,omitempty"`
	ProducerCode string          `json:"producer_code,omitempty"`
	PersonID     string          `json:"person_id,omitempty"`
	Amount       decimal.Decimal `json:"amount,omitempty"`
	Date         string          `json:"transaction_date"`
	Type         string          `json:"transaction_type"` // quote|sale
}

type SyncBatchRequest struct {
	Events []SyncEventRequest `json:"events"`
}

// =============================================================================
// ADMIN REQUESTS
// =============================================================================

type CreateMetricRequest struct {
	AgencyID     string          `json:"agency_id"`
	Slug         string          `json:"slug"`
	Name         string          `json:"name"`
	Label        string          `json:"label"`
	Target       decimal.Decimal `json:"target"`
	SingleWriter bool            `json:"single_writer,omitempty"`
}

type RelabelRequest struct {
	AgencyID string          `json:"agency_id"`
	Label    string          `json:"label"`
	Target   decimal.Decimal `json:"target"`
}

type BindFormRequest struct {
	AgencyID string `json:"agency_id"`
	FormID   string `json:"form_id"`
	Slug     string `json:"slug"`
}

type ResolveReviewRequest struct {
	HouseholdID string `json:"household_id"`
}

type AttachPolicyNumberRequest struct {
	PolicyNumber string `json:"policy_number"`
}

// =============================================================================
// RESPONSES
// =============================================================================

type ReconcileResponse struct {
	HouseholdID    string   `json:"household_id,omitempty"`
	TransactionID  string   `json:"transaction_id,omitempty"`
	Tier           string   `json:"tier,omitempty"`
	Confidence     int      `json:"confidence,omitempty"`
	Created        bool     `json:"created,omitempty"`
	Duplicate      bool     `json:"duplicate,omitempty"`
	NeedsReview    bool     `json:"needs_review,omitempty"`
	Unattributed   bool     `json:"unattributed,omitempty"`
	ReviewID       string   `json:"review_id,omitempty"`
	DroppedMetrics []string `json:"dropped_metrics,omitempty"`
	SkippedMetrics []string `json:"skipped_metrics,omitempty"`
}

func toReconcileResponse(res *reconcile.Result) ReconcileResponse {
	out := ReconcileResponse{
		Duplicate:      res.Duplicate,
		NeedsReview:    res.NeedsReview,
		Unattributed:   res.Unattributed,
		DroppedMetrics: res.DroppedMetrics,
		SkippedMetrics: res.SkippedMetrics,
	}
	if res.Household != nil {
		out.HouseholdID = res.Household.ID
	}
	if res.Transaction != nil {
		out.TransactionID = res.Transaction.ID
		out.Tier = string(res.Transaction.Tier)
		out.Confidence = res.Transaction.Confidence
	}
	if res.Review != nil {
		out.ReviewID = res.Review.ID
	}
	return out
}

type BatchItemResponse struct {
	Index  int                `json:"index"`
	Result *ReconcileResponse `json:"result,omitempty"`
	Error  string             `json:"error,omitempty"`
}

type BatchResponse struct {
	Total  int                 `json:"total"`
	Failed int                 `json:"failed"`
	Items  []BatchItemResponse `json:"items"`
}

type AggregateDTO struct {
	AgencyID    string                     `json:"agency_id"`
	PersonID    string                     `json:"person_id"`
	Date        string                     `json:"date"`
	RawCounters map[string]decimal.Decimal `json:"raw_counters"`
	Custom      map[string]decimal.Decimal `json:"custom_counters"`
	Labels      map[string]string          `json:"label_per_metric"`
	Hits        int                        `json:"hits"`
	Pass        bool                       `json:"pass"`
	Score       decimal.Decimal            `json:"score"`
}

func toAggregateDTO(a *aggregate.DailyAggregate) AggregateDTO {
	return AggregateDTO{
		AgencyID: a.AgencyID,
		PersonID: a.PersonID,
		Date:     a.Day.String(),
		RawCounters: map[string]decimal.Decimal{
			"contacts":     a.Contacts,
			"talk_minutes": a.TalkMinutes,
			"quoted":       a.Quoted,
			"sold":         a.Sold,
			"sold_value":   a.SoldValue,
		},
		Custom: a.Custom,
		Labels: a.Labels,
		Hits:   a.Hits,
		Pass:   a.Pass,
		Score:  a.Score,
	}
}

type TransactionDTO struct {
	ID           string          `json:"id"`
	Type         string          `json:"type"`
	PolicyNumber string          `json:"policy_number,omitempty"`
	ProductType  string          `json:"product_type,omitempty"`
	ProducerCode string          `json:"producer_code,omitempty"`
	Amount       decimal.Decimal `json:"amount"`
	Date         string          `json:"date"`
	Tier         string          `json:"resolution_tier"`
	Confidence   int             `json:"resolution_confidence"`
	SkipMerge    bool            `json:"skip_merge,omitempty"`
}

func toTransactionDTO(tx *entity.Transaction) TransactionDTO {
	return TransactionDTO{
		ID:           tx.ID,
		Type:         string(tx.Type),
		PolicyNumber: tx.PolicyNumber,
		ProductType:  tx.ProductType,
		ProducerCode: tx.ProducerCode,
		Amount:       tx.Amount,
		Date:         tx.Date.String(),
		Tier:         string(tx.Tier),
		Confidence:   tx.Confidence,
		SkipMerge:    tx.SkipMerge,
	}
}

type ReviewDTO struct {
	ID            string               `json:"id"`
	TransactionID string               `json:"transaction_id"`
	Reason        string               `json:"reason"`
	Candidates    []ReviewCandidateDTO `json:"candidates"`
	CreatedAt     string               `json:"created_at"`
}

type ReviewCandidateDTO struct {
	HouseholdID string `json:"household_id"`
	Key         string `json:"key"`
	Score       int    `json:"score"`
}

func toReviewDTO(item *entity.ReviewItem) ReviewDTO {
	dto := ReviewDTO{
		ID:            item.ID,
		TransactionID: item.TransactionID,
		Reason:        item.Reason,
		CreatedAt:     item.CreatedAt.Format("2006-01-02T15:04:05Z07:00"),
	}
	for _, c := range item.Candidates {
		dto.Candidates = append(dto.Candidates, ReviewCandidateDTO{
			HouseholdID: c.HouseholdID,
			Key:         string(c.Key),
			Score:       c.Score,
		})
	}
	return dto
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}
