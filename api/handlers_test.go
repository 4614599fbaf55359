/*
handlers_test.go - HTTP-level tests for the API surface

Tests drive the full pipeline through the router on the in-memory store:
ingest events land, aggregates read back with derived fields, and the
error mapping holds for the guarded paths.
*/
package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ridgeline/scorecard-engine/aggregate"
	"github.com/ridgeline/scorecard-engine/entity"
	"github.com/ridgeline/scorecard-engine/kpi"
	"github.com/ridgeline/scorecard-engine/reconcile"
	"github.com/ridgeline/scorecard-engine/store/memory"
)

func newTestRouter(t *testing.T) http.Handler {
	t.Helper()
	store := memory.New()
	resolver := entity.NewResolver(store, entity.DefaultMatchConfig())
	registry := kpi.NewRegistry(store)
	merger := aggregate.NewMerger(store)
	coordinator := reconcile.NewCoordinator(resolver, registry, merger)
	return NewRouter(NewHandler(coordinator, resolver, registry, store))
}

func doJSON(t *testing.T, router http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func defineMetric(t *testing.T, router http.Handler, slug, label string, target int64) {
	t.Helper()
	rec := doJSON(t, router, http.MethodPost, "/api/metrics", CreateMetricRequest{
		AgencyID: "agency-1",
		Slug:     slug,
		Name:     slug,
		Label:    label,
		Target:   decimal.NewFromInt(target),
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
}

func TestManualAddEndpoint_CountsAndReadsBack(t *testing.T) {
	// GIVEN: A defined quoted metric
	// WHEN: A manual add is POSTed and the day's aggregate is fetched
	// THEN: quoted=1 with the label captured

	router := newTestRouter(t)
	defineMetric(t, router, "quoted", "Quotes", 5)

	rec := doJSON(t, router, http.MethodPost, "/api/events/manual", ManualAddRequest{
		AgencyID:   "agency-1",
		FirstName:  "Jane",
		LastName:   "Smith",
		Zip:        "60601",
		ProducerID: "person-1",
		Date:       "2025-03-10",
		MetricDeltas: map[string]decimal.Decimal{
			"quoted": decimal.NewFromInt(1),
		},
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var result ReconcileResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
	assert.NotEmpty(t, result.HouseholdID)
	assert.NotEmpty(t, result.TransactionID)

	rec = doJSON(t, router, http.MethodGet,
		"/api/agencies/agency-1/people/person-1/aggregates/2025-03-10", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var agg AggregateDTO
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &agg))
	assert.True(t, agg.RawCounters["quoted"].Equal(decimal.NewFromInt(1)))
	assert.Equal(t, "Quotes", agg.Labels["quoted"])
}

func TestManualAddEndpoint_RequiresProducer(t *testing.T) {
	// Without a producer the counter movements would have nowhere to land;
	// the request is rejected instead of silently discarding them.
	router := newTestRouter(t)
	defineMetric(t, router, "quoted", "Quotes", 5)

	rec := doJSON(t, router, http.MethodPost, "/api/events/manual", ManualAddRequest{
		AgencyID:  "agency-1",
		FirstName: "Jane",
		LastName:  "Smith",
		Zip:       "60601",
		Date:      "2025-03-10",
		MetricDeltas: map[string]decimal.Decimal{
			"quoted": decimal.NewFromInt(1),
		},
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestManualAddEndpoint_RejectsNegativeDelta(t *testing.T) {
	router := newTestRouter(t)
	defineMetric(t, router, "quoted", "Quotes", 5)

	rec := doJSON(t, router, http.MethodPost, "/api/events/manual", ManualAddRequest{
		AgencyID:   "agency-1",
		FirstName:  "Jane",
		LastName:   "Smith",
		Zip:        "60601",
		ProducerID: "person-1",
		Date:       "2025-03-10",
		MetricDeltas: map[string]decimal.Decimal{
			"quoted": decimal.NewFromInt(-1),
		},
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSubmissionEndpoint_DropsUnknownMetric(t *testing.T) {
	router := newTestRouter(t)
	defineMetric(t, router, "quoted", "Quotes", 5)

	rec := doJSON(t, router, http.MethodPost, "/api/events/submissions", SubmissionRequest{
		AgencyID: "agency-1",
		PersonID: "person-1",
		Date:     "2025-03-10",
		ReportedValues: map[string]decimal.Decimal{
			"quoted":  decimal.NewFromInt(4),
			"mystery": decimal.NewFromInt(2),
		},
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var result ReconcileResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
	assert.Equal(t, []string{"mystery"}, result.DroppedMetrics)
}

func TestSyncEndpoint_ValidatesTransactionType(t *testing.T) {
	router := newTestRouter(t)

	rec := doJSON(t, router, http.MethodPost, "/api/events/sync", SyncEventRequest{
		AgencyID: "agency-1",
		FullName: "Jane Smith",
		Date:     "2025-03-10",
		Type:     "renewal",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAggregateEndpoint_NotFound(t *testing.T) {
	router := newTestRouter(t)
	rec := doJSON(t, router, http.MethodGet,
		"/api/agencies/agency-1/people/person-1/aggregates/2025-03-10", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCreateMetricEndpoint_Conflict(t *testing.T) {
	router := newTestRouter(t)
	defineMetric(t, router, "quoted", "Quotes", 5)

	rec := doJSON(t, router, http.MethodPost, "/api/metrics", CreateMetricRequest{
		AgencyID: "agency-1",
		Slug:     "quoted",
		Name:     "quoted",
		Label:    "Quotes v2",
	})
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestDeleteHouseholdEndpoint_Guarded(t *testing.T) {
	// GIVEN: A household created through a manual quoted add (so it has a
	//        dependent transaction)
	// WHEN: DELETE is attempted
	// THEN: 409, and the timeline still reads back

	router := newTestRouter(t)
	defineMetric(t, router, "quoted", "Quotes", 5)

	rec := doJSON(t, router, http.MethodPost, "/api/events/manual", ManualAddRequest{
		AgencyID:   "agency-1",
		FirstName:  "Jane",
		LastName:   "Smith",
		Zip:        "60601",
		ProducerID: "person-1",
		Date:       "2025-03-10",
		MetricDeltas: map[string]decimal.Decimal{
			"quoted": decimal.NewFromInt(1),
		},
	})
	require.Equal(t, http.StatusOK, rec.Code)

	var result ReconcileResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))

	rec = doJSON(t, router, http.MethodDelete,
		"/api/agencies/agency-1/households/"+result.HouseholdID, nil)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = doJSON(t, router, http.MethodGet,
		"/api/agencies/agency-1/households/timeline?last=Smith&first=Jane&zip=60601", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var txs []TransactionDTO
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &txs))
	require.Len(t, txs, 1)
	assert.Equal(t, "quote", txs[0].Type)
}
