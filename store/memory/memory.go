/*
Package memory provides in-memory implementations of the storage
interfaces (entity.Store, kpi.Store, aggregate.Store) for tests and dev.

PURPOSE:
  Mirrors the sqlite store's semantics without the database: one
  household per (agency, key), insert-once transactions with idempotency
  rejection, one open version per metric, and serialized per-row
  aggregate mutation. A single RWMutex serializes everything, which is a
  superset of the per-row serialization the merge engine requires.

RETURN SEMANTICS:
  Records are cloned on the way out so callers can't mutate stored state
  behind the store's back.
*/
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/ridgeline/scorecard-engine/aggregate"
	"github.com/ridgeline/scorecard-engine/calendar"
	"github.com/ridgeline/scorecard-engine/entity"
	"github.com/ridgeline/scorecard-engine/identity"
	"github.com/ridgeline/scorecard-engine/kpi"
)

type householdKey struct {
	AgencyID string
	Key      identity.Key
}

type metricKey struct {
	AgencyID string
	Slug     string
}

type aggKey struct {
	AgencyID string
	PersonID string
	Day      string
}

type Store struct {
	mu sync.RWMutex

	households   map[string]*entity.Household
	byKey        map[householdKey]string
	transactions map[string]*entity.Transaction
	txByIdem     map[string]string
	reviews      map[string]*entity.ReviewItem

	metrics  map[metricKey]kpi.Metric
	versions map[string]kpi.Version
	bindings map[string]kpi.FormBinding

	aggregates map[aggKey]*aggregate.DailyAggregate
}

func New() *Store {
	return &Store{
		households:   make(map[string]*entity.Household),
		byKey:        make(map[householdKey]string),
		transactions: make(map[string]*entity.Transaction),
		txByIdem:     make(map[string]string),
		reviews:      make(map[string]*entity.ReviewItem),
		metrics:      make(map[metricKey]kpi.Metric),
		versions:     make(map[string]kpi.Version),
		bindings:     make(map[string]kpi.FormBinding),
		aggregates:   make(map[aggKey]*aggregate.DailyAggregate),
	}
}

// =============================================================================
// ENTITY STORE
// =============================================================================

func (s *Store) GetHousehold(_ context.Context, agencyID, id string) (*entity.Household, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	h, ok := s.households[id]
	if !ok || h.AgencyID != agencyID {
		return nil, entity.ErrHouseholdNotFound
	}
	clone := *h
	return &clone, nil
}

func (s *Store) FindByKey(_ context.Context, agencyID string, key identity.Key) (*entity.Household, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byKey[householdKey{AgencyID: agencyID, Key: key}]
	if !ok {
		return nil, entity.ErrHouseholdNotFound
	}
	clone := *s.households[id]
	return &clone, nil
}

func (s *Store) FindByLastName(_ context.Context, agencyID, lastName string) ([]*entity.Household, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*entity.Household
	for _, h := range s.households {
		if h.AgencyID == agencyID && h.Key.LastName() == lastName {
			clone := *h
			out = append(out, &clone)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) SaveHousehold(_ context.Context, h *entity.Household) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if holder, ok := s.byKey[householdKey{AgencyID: h.AgencyID, Key: h.Key}]; ok && holder != h.ID {
		return entity.ErrDuplicateKey
	}
	if prev, ok := s.households[h.ID]; ok && prev.Key != h.Key {
		delete(s.byKey, householdKey{AgencyID: prev.AgencyID, Key: prev.Key})
	}
	clone := *h
	s.households[h.ID] = &clone
	s.byKey[householdKey{AgencyID: h.AgencyID, Key: h.Key}] = h.ID
	return nil
}

func (s *Store) DeleteHousehold(_ context.Context, agencyID, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.households[id]
	if !ok || h.AgencyID != agencyID {
		return entity.ErrHouseholdNotFound
	}
	dependents := 0
	for _, tx := range s.transactions {
		if tx.HouseholdID == id {
			dependents++
		}
	}
	if dependents > 0 {
		return &entity.DependentsError{HouseholdID: id, Transactions: dependents}
	}
	delete(s.byKey, householdKey{AgencyID: h.AgencyID, Key: h.Key})
	delete(s.households, id)
	return nil
}

func (s *Store) SaveTransaction(_ context.Context, tx *entity.Transaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if tx.IdempotencyKey != "" {
		if _, ok := s.txByIdem[tx.IdempotencyKey]; ok {
			return entity.ErrDuplicateEvent
		}
	}
	clone := *tx
	s.transactions[tx.ID] = &clone
	if tx.IdempotencyKey != "" {
		s.txByIdem[tx.IdempotencyKey] = tx.ID
	}
	return nil
}

func (s *Store) GetTransaction(_ context.Context, id string) (*entity.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	tx, ok := s.transactions[id]
	if !ok {
		return nil, entity.ErrTransactionNotFound
	}
	clone := *tx
	return &clone, nil
}

func (s *Store) GetTransactionByIdempotencyKey(_ context.Context, key string) (*entity.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.txByIdem[key]
	if !ok {
		return nil, entity.ErrTransactionNotFound
	}
	clone := *s.transactions[id]
	return &clone, nil
}

func (s *Store) FindTransactionByPolicyNumber(_ context.Context, agencyID, policyNumber string) (*entity.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, tx := range s.transactions {
		if tx.AgencyID == agencyID && tx.PolicyNumber != "" && tx.PolicyNumber == policyNumber {
			clone := *tx
			return &clone, nil
		}
	}
	return nil, entity.ErrTransactionNotFound
}

func (s *Store) TransactionsForHousehold(_ context.Context, agencyID, householdID string) ([]*entity.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*entity.Transaction
	for _, tx := range s.transactions {
		if tx.AgencyID == agencyID && tx.HouseholdID == householdID {
			clone := *tx
			out = append(out, &clone)
		}
	}
	sortTransactions(out)
	return out, nil
}

func (s *Store) Timeline(ctx context.Context, agencyID string, key identity.Key) ([]*entity.Transaction, error) {
	s.mu.RLock()
	id, ok := s.byKey[householdKey{AgencyID: agencyID, Key: key}]
	s.mu.RUnlock()
	if !ok {
		return nil, entity.ErrHouseholdNotFound
	}
	return s.TransactionsForHousehold(ctx, agencyID, id)
}

func (s *Store) AttachPolicyNumber(_ context.Context, transactionID, policyNumber string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	tx, ok := s.transactions[transactionID]
	if !ok {
		return entity.ErrTransactionNotFound
	}
	tx.PolicyNumber = policyNumber
	return nil
}

func (s *Store) SetTransactionSkipMerge(_ context.Context, transactionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	tx, ok := s.transactions[transactionID]
	if !ok {
		return entity.ErrTransactionNotFound
	}
	tx.SkipMerge = true
	return nil
}

func (s *Store) ReassignTransaction(_ context.Context, transactionID, householdID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	tx, ok := s.transactions[transactionID]
	if !ok {
		return entity.ErrTransactionNotFound
	}
	if _, ok := s.households[householdID]; !ok {
		return entity.ErrHouseholdNotFound
	}
	tx.HouseholdID = householdID
	return nil
}

func (s *Store) SaveReview(_ context.Context, item *entity.ReviewItem) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	clone := *item
	clone.Candidates = append([]entity.ScoredCandidate(nil), item.Candidates...)
	s.reviews[item.ID] = &clone
	return nil
}

func (s *Store) GetReview(_ context.Context, id string) (*entity.ReviewItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	item, ok := s.reviews[id]
	if !ok {
		return nil, entity.ErrReviewNotFound
	}
	clone := *item
	clone.Candidates = append([]entity.ScoredCandidate(nil), item.Candidates...)
	return &clone, nil
}

func (s *Store) PendingReviews(_ context.Context, agencyID string) ([]*entity.ReviewItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*entity.ReviewItem
	for _, item := range s.reviews {
		if item.AgencyID == agencyID && !item.Resolved {
			clone := *item
			clone.Candidates = append([]entity.ScoredCandidate(nil), item.Candidates...)
			out = append(out, &clone)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *Store) MarkReviewResolved(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	item, ok := s.reviews[id]
	if !ok {
		return entity.ErrReviewNotFound
	}
	item.Resolved = true
	return nil
}

func sortTransactions(txs []*entity.Transaction) {
	sort.Slice(txs, func(i, j int) bool {
		if !txs[i].Date.Equal(txs[j].Date) {
			return txs[i].Date.Before(txs[j].Date)
		}
		return txs[i].CreatedAt.Before(txs[j].CreatedAt)
	})
}

// =============================================================================
// KPI STORE
// =============================================================================

func (s *Store) SaveMetric(_ context.Context, m kpi.Metric) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := metricKey{AgencyID: m.AgencyID, Slug: m.Slug}
	if _, ok := s.metrics[k]; ok {
		return kpi.ErrMetricExists
	}
	s.metrics[k] = m
	return nil
}

func (s *Store) GetMetric(_ context.Context, agencyID, slug string) (*kpi.Metric, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.metrics[metricKey{AgencyID: agencyID, Slug: slug}]
	if !ok {
		return nil, kpi.ErrMetricNotFound
	}
	clone := m
	return &clone, nil
}

func (s *Store) ListMetrics(_ context.Context, agencyID string) ([]kpi.Metric, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []kpi.Metric
	for _, m := range s.metrics {
		if m.AgencyID == agencyID {
			out = append(out, m)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Slug < out[j].Slug })
	return out, nil
}

func (s *Store) CurrentVersion(_ context.Context, agencyID, slug string) (*kpi.Version, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, v := range s.versions {
		if v.AgencyID == agencyID && v.MetricSlug == slug && v.ValidTo == nil {
			clone := v
			return &clone, nil
		}
	}
	return nil, kpi.ErrNoVersion
}

func (s *Store) GetVersion(_ context.Context, versionID string) (*kpi.Version, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.versions[versionID]
	if !ok {
		return nil, kpi.ErrNoVersion
	}
	clone := v
	return &clone, nil
}

func (s *Store) OpenVersion(_ context.Context, v kpi.Version) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	// Close the currently open version, keeping exactly one valid_to=nil
	// per metric.
	now := time.Now().UTC()
	for id, existing := range s.versions {
		if existing.AgencyID == v.AgencyID && existing.MetricSlug == v.MetricSlug && existing.ValidTo == nil {
			closed := existing
			closedAt := now
			closed.ValidTo = &closedAt
			s.versions[id] = closed
		}
	}
	s.versions[v.ID] = v
	return nil
}

func (s *Store) GetBinding(_ context.Context, bindingID string) (*kpi.FormBinding, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.bindings[bindingID]
	if !ok {
		return nil, kpi.ErrBindingNotFound
	}
	clone := b
	return &clone, nil
}

func (s *Store) SaveBinding(_ context.Context, b kpi.FormBinding) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bindings[b.ID] = b
	return nil
}

// =============================================================================
// AGGREGATE STORE
// =============================================================================

func (s *Store) Get(_ context.Context, agencyID, personID string, day calendar.Date) (*aggregate.DailyAggregate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.aggregates[aggKey{AgencyID: agencyID, PersonID: personID, Day: day.String()}]
	if !ok {
		return nil, aggregate.ErrNotFound
	}
	return cloneAggregate(a), nil
}

func (s *Store) GetRange(_ context.Context, agencyID, personID string, from, to calendar.Date) ([]*aggregate.DailyAggregate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*aggregate.DailyAggregate
	for _, a := range s.aggregates {
		if a.AgencyID == agencyID && a.PersonID == personID &&
			a.Day.AfterOrEqual(from) && a.Day.BeforeOrEqual(to) {
			out = append(out, cloneAggregate(a))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Day.Before(out[j].Day) })
	return out, nil
}

// Mutate holds the store lock for the whole read-modify-write, which
// serializes per-row updates (and everything else - acceptable for a
// test double).
func (s *Store) Mutate(_ context.Context, agencyID, personID string, day calendar.Date, fn func(*aggregate.DailyAggregate) error) (*aggregate.DailyAggregate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := aggKey{AgencyID: agencyID, PersonID: personID, Day: day.String()}
	current, ok := s.aggregates[k]
	var working *aggregate.DailyAggregate
	if ok {
		working = cloneAggregate(current)
	} else {
		working = aggregate.NewDailyAggregate(agencyID, personID, day)
	}

	if err := fn(working); err != nil {
		return nil, err
	}

	working.Revision++
	s.aggregates[k] = working
	return cloneAggregate(working), nil
}

func cloneAggregate(a *aggregate.DailyAggregate) *aggregate.DailyAggregate {
	clone := *a
	clone.Custom = cloneDecimalMap(a.Custom)
	clone.VersionIDs = cloneStringMap(a.VersionIDs)
	clone.Labels = cloneStringMap(a.Labels)
	clone.Submitted = cloneBoolMap(a.Submitted)
	return &clone
}

func cloneDecimalMap(m map[string]decimal.Decimal) map[string]decimal.Decimal {
	out := make(map[string]decimal.Decimal, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func cloneStringMap(m map[string]string) map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func cloneBoolMap(m map[string]bool) map[string]bool {
	out := make(map[string]bool, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
