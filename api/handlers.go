/*
handlers.go - HTTP API handlers for the reconciliation engine

PURPOSE:
  Exposes the reconciliation pipeline via REST API. Handles HTTP
  request/response, JSON serialization, and delegates to the coordinator,
  resolver, and registry. No reconciliation rules live here.

ENDPOINTS:
  Events (writer classes):
    POST   /api/events/manual          Manual single-entity add
    POST   /api/events/submissions     Structured daily submission
    POST   /api/events/sync            One external transaction row
    POST   /api/events/sync/batch      Bulk external feed

  Aggregates:
    GET    /api/agencies/{agencyID}/people/{personID}/aggregates/{date}
    GET    /api/agencies/{agencyID}/people/{personID}/aggregates?from=&to=

  Households:
    GET    /api/agencies/{agencyID}/households/timeline?last=&first=&zip=
    DELETE /api/agencies/{agencyID}/households/{id}

  Reviews:
    GET    /api/agencies/{agencyID}/reviews
    POST   /api/reviews/{id}/resolve

  Metrics (admin):
    POST   /api/metrics                Define metric + initial version
    GET    /api/agencies/{agencyID}/metrics
    POST   /api/agencies/{agencyID}/metrics/{slug}/relabel
    POST   /api/bindings               Pin a form to the current version

  Transactions:
    POST   /api/transactions/{id}/policy-number

ERROR HANDLING:
  Errors are returned as JSON with appropriate HTTP status:
  - 400: Validation errors, invalid input
  - 404: Resource not found
  - 409: Conflict (duplicate metric, guarded delete)
  - 500: Internal errors

SECURITY NOTE:
  Currently NO authentication or authorization. All endpoints are public.

SEE ALSO:
  - dto.go: Request/response data structures
  - server.go: Router setup and middleware
*/
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/ridgeline/scorecard-engine/aggregate"
	"github.com/ridgeline/scorecard-engine/calendar"
	"github.com/ridgeline/scorecard-engine/entity"
	"github.com/ridgeline/scorecard-engine/identity"
	"github.com/ridgeline/scorecard-engine/kpi"
	"github.com/ridgeline/scorecard-engine/reconcile"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Coordinator *reconcile.Coordinator
	Resolver    *entity.Resolver
	Registry    *kpi.Registry
	Aggregates  aggregate.Store
}

// NewHandler creates a new handler wired to the domain components.
func NewHandler(coordinator *reconcile.Coordinator, resolver *entity.Resolver, registry *kpi.Registry, aggregates aggregate.Store) *Handler {
	return &Handler{
		Coordinator: coordinator,
		Resolver:    resolver,
		Registry:    registry,
		Aggregates:  aggregates,
	}
}

// =============================================================================
// EVENT HANDLERS - one per writer class
// =============================================================================

// ManualAdd handles a single-entity action from a person's form.
// POST /api/events/manual
func (h *Handler) ManualAdd(w http.ResponseWriter, r *http.Request) {
	var req ManualAddRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if req.AgencyID == "" || req.LastName == "" || req.ProducerID == "" {
		writeError(w, http.StatusBadRequest, "agency_id, last_name, and producer_id are required", nil)
		return
	}

	date, err := optionalDate(req.Date)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid date", err)
		return
	}

	result, err := h.Coordinator.ManualAdd(r.Context(), reconcile.ManualAddEvent{
		EventID:      req.EventID,
		AgencyID:     req.AgencyID,
		FirstName:    req.FirstName,
		LastName:     req.LastName,
		Zip:          req.Zip,
		ProducerID:   req.ProducerID,
		Date:         date,
		MetricDeltas: req.MetricDeltas,
	})
	if err != nil {
		if errors.Is(err, aggregate.ErrNegativeValue) {
			writeError(w, http.StatusBadRequest, "Metric deltas must be non-negative", err)
			return
		}
		writeError(w, http.StatusInternalServerError, "Failed to process manual add", err)
		return
	}
	writeJSON(w, http.StatusOK, toReconcileResponse(result))
}

// Submission handles a structured daily-scorecard submission.
// POST /api/events/submissions
func (h *Handler) Submission(w http.ResponseWriter, r *http.Request) {
	var req SubmissionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if req.AgencyID == "" || req.PersonID == "" {
		writeError(w, http.StatusBadRequest, "agency_id and person_id are required", nil)
		return
	}

	date, err := optionalDate(req.Date)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid date", err)
		return
	}

	result, err := h.Coordinator.Submission(r.Context(), reconcile.SubmissionEvent{
		AgencyID:       req.AgencyID,
		PersonID:       req.PersonID,
		Date:           date,
		BindingID:      req.BindingID,
		ReportedValues: req.ReportedValues,
	})
	if err != nil {
		if errors.Is(err, aggregate.ErrNegativeValue) {
			writeError(w, http.StatusBadRequest, "Reported values must be non-negative", err)
			return
		}
		writeError(w, http.StatusInternalServerError, "Failed to process submission", err)
		return
	}
	writeJSON(w, http.StatusOK, toReconcileResponse(result))
}

// SyncEvent handles one external transaction row.
// POST /api/events/sync
func (h *Handler) SyncEvent(w http.ResponseWriter, r *http.Request) {
	var req SyncEventRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	ev, err := toSyncEvent(req)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid sync event", err)
		return
	}

	result, err := h.Coordinator.SyncEvent(r.Context(), ev)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to process sync event", err)
		return
	}
	writeJSON(w, http.StatusOK, toReconcileResponse(result))
}

// SyncBatch handles a bulk external feed with per-event isolation.
// POST /api/events/sync/batch
func (h *Handler) SyncBatch(w http.ResponseWriter, r *http.Request) {
	var req SyncBatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	events := make([]reconcile.SyncEvent, 0, len(req.Events))
	for i, item := range req.Events {
		ev, err := toSyncEvent(item)
		if err != nil {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("Invalid sync event at index %d", i), err)
			return
		}
		events = append(events, ev)
	}

	batch := h.Coordinator.SyncBatch(r.Context(), events)

	resp := BatchResponse{Total: len(batch.Items), Failed: batch.Failed()}
	for _, item := range batch.Items {
		out := BatchItemResponse{Index: item.Index}
		if item.Err != nil {
			out.Error = item.Err.Error()
		} else if item.Result != nil {
			dto := toReconcileResponse(item.Result)
			out.Result = &dto
		}
		resp.Items = append(resp.Items, out)
	}
	writeJSON(w, http.StatusOK, resp)
}

func toSyncEvent(req SyncEventRequest) (reconcile.SyncEvent, error) {
	date, err := calendar.ParseDate(req.Date)
	if err != nil {
		return reconcile.SyncEvent{}, err
	}
	var txType entity.TransactionType
	switch req.Type {
	case "quote":
		txType = entity.TxQuote
	case "sale":
		txType = entity.TxSale
	default:
		return reconcile.SyncEvent{}, errors.New("transaction_type must be quote or sale")
	}
	if req.AgencyID == "" {
		return reconcile.SyncEvent{}, errors.New("agency_id is required")
	}
	return reconcile.SyncEvent{
		EventID:      req.EventID,
		AgencyID:     req.AgencyID,
		FullName:     req.FullName,
		FirstName:    req.FirstName,
		LastName:     req.LastName,
		Zip:          req.Zip,
		PolicyNumber: req.PolicyNumber,
		ProductType:  req.ProductType,
		ProducerCode: req.ProducerCode,
		PersonID:     req.PersonID,
		Amount:       req.Amount,
		Date:         date,
		Type:         txType,
	}, nil
}

// =============================================================================
// AGGREGATE HANDLERS
// =============================================================================

// GetAggregate returns one person-day row.
// GET /api/agencies/{agencyID}/people/{personID}/aggregates/{date}
func (h *Handler) GetAggregate(w http.ResponseWriter, r *http.Request) {
	agencyID := chi.URLParam(r, "agencyID")
	personID := chi.URLParam(r, "personID")
	day, err := calendar.ParseDate(chi.URLParam(r, "date"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid date", err)
		return
	}

	agg, err := h.Aggregates.Get(r.Context(), agencyID, personID, day)
	if err != nil {
		if errors.Is(err, aggregate.ErrNotFound) {
			writeError(w, http.StatusNotFound, "No aggregate for that day", nil)
			return
		}
		writeError(w, http.StatusInternalServerError, "Failed to load aggregate", err)
		return
	}
	writeJSON(w, http.StatusOK, toAggregateDTO(agg))
}

// GetAggregateRange returns a person's rows for a date range.
// GET /api/agencies/{agencyID}/people/{personID}/aggregates?from=&to=
func (h *Handler) GetAggregateRange(w http.ResponseWriter, r *http.Request) {
	agencyID := chi.URLParam(r, "agencyID")
	personID := chi.URLParam(r, "personID")

	from, err := calendar.ParseDate(r.URL.Query().Get("from"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid from date", err)
		return
	}
	to, err := calendar.ParseDate(r.URL.Query().Get("to"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid to date", err)
		return
	}
	if to.Before(from) {
		writeError(w, http.StatusBadRequest, "to must not precede from", nil)
		return
	}

	rows, err := h.Aggregates.GetRange(r.Context(), agencyID, personID, from, to)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to load aggregates", err)
		return
	}

	dtos := make([]AggregateDTO, len(rows))
	for i, row := range rows {
		dtos[i] = toAggregateDTO(row)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// =============================================================================
// HOUSEHOLD HANDLERS
// =============================================================================

// GetTimeline returns the ordered transaction history for an identity key.
// GET /api/agencies/{agencyID}/households/timeline?last=&first=&zip=
func (h *Handler) GetTimeline(w http.ResponseWriter, r *http.Request) {
	agencyID := chi.URLParam(r, "agencyID")
	q := r.URL.Query()
	last := q.Get("last")
	if last == "" {
		writeError(w, http.StatusBadRequest, "last name is required", nil)
		return
	}
	key := identity.NewKey(last, q.Get("first"), q.Get("zip"))

	txs, err := h.Resolver.Timeline(r.Context(), agencyID, key)
	if err != nil {
		if entity.IsNotFound(err) {
			writeError(w, http.StatusNotFound, "No household for that key", nil)
			return
		}
		writeError(w, http.StatusInternalServerError, "Failed to load timeline", err)
		return
	}

	dtos := make([]TransactionDTO, len(txs))
	for i, tx := range txs {
		dtos[i] = toTransactionDTO(tx)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// DeleteHousehold removes a household when nothing depends on it.
// DELETE /api/agencies/{agencyID}/households/{id}
func (h *Handler) DeleteHousehold(w http.ResponseWriter, r *http.Request) {
	agencyID := chi.URLParam(r, "agencyID")
	id := chi.URLParam(r, "id")

	err := h.Resolver.DeleteHousehold(r.Context(), agencyID, id)
	if err != nil {
		if entity.IsNotFound(err) {
			writeError(w, http.StatusNotFound, "Household not found", nil)
			return
		}
		if errors.Is(err, entity.ErrHasDependents) {
			writeError(w, http.StatusConflict, "Household has dependent records", err)
			return
		}
		writeError(w, http.StatusInternalServerError, "Failed to delete household", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// =============================================================================
// REVIEW HANDLERS
// =============================================================================

// ListReviews returns the agency's pending review queue.
// GET /api/agencies/{agencyID}/reviews
func (h *Handler) ListReviews(w http.ResponseWriter, r *http.Request) {
	agencyID := chi.URLParam(r, "agencyID")

	items, err := h.Resolver.PendingReviews(r.Context(), agencyID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list reviews", err)
		return
	}

	dtos := make([]ReviewDTO, len(items))
	for i, item := range items {
		dtos[i] = toReviewDTO(item)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// ResolveReview assigns the flagged transaction to the chosen household.
// POST /api/reviews/{id}/resolve
func (h *Handler) ResolveReview(w http.ResponseWriter, r *http.Request) {
	reviewID := chi.URLParam(r, "id")

	var req ResolveReviewRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if req.HouseholdID == "" {
		writeError(w, http.StatusBadRequest, "household_id is required", nil)
		return
	}

	if err := h.Resolver.ResolveReview(r.Context(), reviewID, req.HouseholdID); err != nil {
		if entity.IsNotFound(err) {
			writeError(w, http.StatusNotFound, "Review or household not found", err)
			return
		}
		writeError(w, http.StatusInternalServerError, "Failed to resolve review", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// =============================================================================
// METRIC ADMIN HANDLERS
// =============================================================================

// CreateMetric defines a metric with its initial version and target.
// POST /api/metrics
func (h *Handler) CreateMetric(w http.ResponseWriter, r *http.Request) {
	var req CreateMetricRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if req.AgencyID == "" || req.Slug == "" || req.Label == "" {
		writeError(w, http.StatusBadRequest, "agency_id, slug, and label are required", nil)
		return
	}

	v, err := h.Registry.Define(r.Context(), req.AgencyID, req.Slug, req.Name, req.Label, req.Target, req.SingleWriter)
	if err != nil {
		if errors.Is(err, kpi.ErrMetricExists) {
			writeError(w, http.StatusConflict, "Metric already exists", err)
			return
		}
		writeError(w, http.StatusInternalServerError, "Failed to create metric", err)
		return
	}
	writeJSON(w, http.StatusCreated, v)
}

// ListMetrics returns the agency's metrics with their current versions.
// GET /api/agencies/{agencyID}/metrics
func (h *Handler) ListMetrics(w http.ResponseWriter, r *http.Request) {
	agencyID := chi.URLParam(r, "agencyID")

	targets, err := h.Registry.CurrentTargets(r.Context(), agencyID, 0)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list metrics", err)
		return
	}
	writeJSON(w, http.StatusOK, targets)
}

// RelabelMetric opens a new version; historical rows keep their labels.
// POST /api/agencies/{agencyID}/metrics/{slug}/relabel
func (h *Handler) RelabelMetric(w http.ResponseWriter, r *http.Request) {
	agencyID := chi.URLParam(r, "agencyID")
	slug := chi.URLParam(r, "slug")

	var req RelabelRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if req.Label == "" {
		writeError(w, http.StatusBadRequest, "label is required", nil)
		return
	}

	v, err := h.Registry.Relabel(r.Context(), agencyID, slug, req.Label, req.Target)
	if err != nil {
		if errors.Is(err, kpi.ErrMetricNotFound) {
			writeError(w, http.StatusNotFound, "Metric not found", err)
			return
		}
		writeError(w, http.StatusInternalServerError, "Failed to relabel metric", err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

// BindForm pins a measurement form to the metric's current version.
// POST /api/bindings
func (h *Handler) BindForm(w http.ResponseWriter, r *http.Request) {
	var req BindFormRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if req.AgencyID == "" || req.FormID == "" || req.Slug == "" {
		writeError(w, http.StatusBadRequest, "agency_id, form_id, and slug are required", nil)
		return
	}

	b, err := h.Registry.BindForm(r.Context(), req.AgencyID, req.FormID, req.Slug)
	if err != nil {
		if errors.Is(err, kpi.ErrNoVersion) {
			writeError(w, http.StatusNotFound, "Metric has no open version", err)
			return
		}
		writeError(w, http.StatusInternalServerError, "Failed to bind form", err)
		return
	}
	writeJSON(w, http.StatusCreated, b)
}

// =============================================================================
// TRANSACTION HANDLERS
// =============================================================================

// AttachPolicyNumber records a late-arriving authoritative reference.
// POST /api/transactions/{id}/policy-number
func (h *Handler) AttachPolicyNumber(w http.ResponseWriter, r *http.Request) {
	transactionID := chi.URLParam(r, "id")

	var req AttachPolicyNumberRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if req.PolicyNumber == "" {
		writeError(w, http.StatusBadRequest, "policy_number is required", nil)
		return
	}

	if err := h.Resolver.AttachPolicyNumber(r.Context(), transactionID, req.PolicyNumber); err != nil {
		if entity.IsNotFound(err) {
			writeError(w, http.StatusNotFound, "Transaction not found", nil)
			return
		}
		writeError(w, http.StatusInternalServerError, "Failed to attach policy number", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// =============================================================================
// HELPERS
// =============================================================================

// optionalDate parses s, or returns the zero date when empty (callers
// default it to today).
func optionalDate(s string) (calendar.Date, error) {
	if s == "" {
		return calendar.Date{}, nil
	}
	return calendar.ParseDate(s)
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}
