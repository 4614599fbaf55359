/*
Package sqlite provides the SQLite-backed implementation of the storage
interfaces.

PURPOSE:
  Implements entity.Store, kpi.Store, and aggregate.Store on SQLite. In
  production the same patterns apply to PostgreSQL - only minor SQL
  dialect differences.

KEY TABLES:
  households:        Deduplicated entities, one per (agency, key)
  transactions:      Insert-once quote/sale events with idempotency keys
  reviews:           Ambiguous resolutions parked for a human
  kpi_metrics:       Stable metric identities
  kpi_versions:      Versioned labels/targets; one open version per metric
  form_bindings:     Form -> version pins
  daily_aggregates:  One row per (agency, person, day) with a revision
                     column for optimistic concurrency

INVARIANTS ENFORCED IN SCHEMA:
  - idx_households_agency_key: at most one household per (agency, key)
  - transactions.idempotency_key UNIQUE: at-least-once delivery cannot
    create two records
  - idx_versions_open: exactly one valid_to IS NULL version per metric
  - daily_aggregates primary key: one row per (agency, person, day)

CONCURRENCY:
  A sync.RWMutex serializes in-process access; the revision column on
  daily_aggregates additionally guards the read-modify-write against
  other processes, with transparent retry (the merge is idempotent and
  commutative under the monotonic rule, so retrying is always safe).

WAL MODE:
  SQLite is opened with WAL for better concurrency: multiple readers
  don't block, single writer at a time, better crash recovery.

USAGE:
  store, err := sqlite.New("./data/scorecard.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

MIGRATION:
  Schema is auto-migrated on New(). For production, use a proper
  migration tool (golang-migrate, goose) with versioned migrations.

SEE ALSO:
  - entity/store.go, kpi/registry.go, aggregate/merge.go: interfaces
  - store/memory: in-memory implementation for testing
*/
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"

	"github.com/ridgeline/scorecard-engine/aggregate"
	"github.com/ridgeline/scorecard-engine/calendar"
	"github.com/ridgeline/scorecard-engine/entity"
	"github.com/ridgeline/scorecard-engine/identity"
	"github.com/ridgeline/scorecard-engine/kpi"
)

// mutateAttempts bounds the optimistic retry loop on daily_aggregates.
const mutateAttempts = 5

// Store implements all storage interfaces using SQLite.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	-- Households (deduplicated entities)
	CREATE TABLE IF NOT EXISTS households (
		id TEXT PRIMARY KEY,
		agency_id TEXT NOT NULL,
		key TEXT NOT NULL,
		first_name TEXT,
		last_name TEXT,
		zip TEXT,
		phone TEXT,
		email TEXT,
		status TEXT NOT NULL,
		producer_id TEXT,
		lead_date TEXT,
		first_quote_date TEXT,
		sold_date TEXT,
		needs_review BOOLEAN NOT NULL DEFAULT FALSE,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	-- CRITICAL: at most one household per (agency, identity key)
	CREATE UNIQUE INDEX IF NOT EXISTS idx_households_agency_key
		ON households(agency_id, key);
	CREATE INDEX IF NOT EXISTS idx_households_review
		ON households(agency_id, needs_review);

	-- Transactions (insert-once quote/sale events)
	CREATE TABLE IF NOT EXISTS transactions (
		id TEXT PRIMARY KEY,
		agency_id TEXT NOT NULL,
		household_id TEXT NOT NULL REFERENCES households(id),
		tx_type TEXT NOT NULL,
		policy_number TEXT,
		product_type TEXT,
		producer_code TEXT,
		amount TEXT NOT NULL DEFAULT '0',
		tx_date TEXT NOT NULL,
		tier TEXT NOT NULL,
		confidence INTEGER NOT NULL DEFAULT 0,
		skip_merge BOOLEAN NOT NULL DEFAULT FALSE,
		idempotency_key TEXT UNIQUE,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_transactions_household
		ON transactions(agency_id, household_id, tx_date);
	-- Authoritative-reference lookup (hot path for tier-1 matching)
	CREATE INDEX IF NOT EXISTS idx_transactions_policy_number
		ON transactions(agency_id, policy_number)
		WHERE policy_number IS NOT NULL AND policy_number != '';

	-- Review queue (ambiguous resolutions)
	CREATE TABLE IF NOT EXISTS reviews (
		id TEXT PRIMARY KEY,
		agency_id TEXT NOT NULL,
		transaction_id TEXT NOT NULL REFERENCES transactions(id),
		reason TEXT NOT NULL,
		candidates_json TEXT NOT NULL,
		resolved BOOLEAN NOT NULL DEFAULT FALSE,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_reviews_pending
		ON reviews(agency_id, resolved, created_at);

	-- Metrics (stable identities)
	CREATE TABLE IF NOT EXISTS kpi_metrics (
		agency_id TEXT NOT NULL,
		slug TEXT NOT NULL,
		name TEXT NOT NULL,
		single_writer BOOLEAN NOT NULL DEFAULT FALSE,
		created_at TEXT NOT NULL,
		PRIMARY KEY (agency_id, slug)
	);

	-- Metric versions (labels/targets with validity intervals)
	CREATE TABLE IF NOT EXISTS kpi_versions (
		id TEXT PRIMARY KEY,
		agency_id TEXT NOT NULL,
		metric_slug TEXT NOT NULL,
		label TEXT NOT NULL,
		target TEXT NOT NULL DEFAULT '0',
		valid_from TEXT NOT NULL,
		valid_to TEXT
	);

	-- CRITICAL: exactly one open version per metric
	CREATE UNIQUE INDEX IF NOT EXISTS idx_versions_open
		ON kpi_versions(agency_id, metric_slug)
		WHERE valid_to IS NULL;

	-- Form -> version bindings (themselves versioned by created_at)
	CREATE TABLE IF NOT EXISTS form_bindings (
		id TEXT PRIMARY KEY,
		agency_id TEXT NOT NULL,
		form_id TEXT NOT NULL,
		version_id TEXT NOT NULL REFERENCES kpi_versions(id),
		created_at TEXT NOT NULL
	);

	-- Daily aggregates (one row per agency/person/day)
	CREATE TABLE IF NOT EXISTS daily_aggregates (
		agency_id TEXT NOT NULL,
		person_id TEXT NOT NULL,
		day TEXT NOT NULL,
		contacts TEXT NOT NULL DEFAULT '0',
		talk_minutes TEXT NOT NULL DEFAULT '0',
		quoted TEXT NOT NULL DEFAULT '0',
		sold TEXT NOT NULL DEFAULT '0',
		sold_value TEXT NOT NULL DEFAULT '0',
		custom_json TEXT NOT NULL DEFAULT '{}',
		version_ids_json TEXT NOT NULL DEFAULT '{}',
		labels_json TEXT NOT NULL DEFAULT '{}',
		submitted_json TEXT NOT NULL DEFAULT '{}',
		hits INTEGER NOT NULL DEFAULT 0,
		pass BOOLEAN NOT NULL DEFAULT FALSE,
		score TEXT NOT NULL DEFAULT '0',
		revision INTEGER NOT NULL DEFAULT 0,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		PRIMARY KEY (agency_id, person_id, day)
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// ENTITY STORE - households
// =============================================================================

const householdCols = `id, agency_id, key, first_name, last_name, zip, phone, email,
	status, producer_id, lead_date, first_quote_date, sold_date, needs_review,
	created_at, updated_at`

func (s *Store) GetHousehold(ctx context.Context, agencyID, id string) (*entity.Household, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	row := s.db.QueryRowContext(ctx,
		`SELECT `+householdCols+` FROM households WHERE agency_id = ? AND id = ?`, agencyID, id)
	return scanHousehold(row)
}

func (s *Store) FindByKey(ctx context.Context, agencyID string, key identity.Key) (*entity.Household, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	row := s.db.QueryRowContext(ctx,
		`SELECT `+householdCols+` FROM households WHERE agency_id = ? AND key = ?`, agencyID, string(key))
	return scanHousehold(row)
}

func (s *Store) FindByLastName(ctx context.Context, agencyID, lastName string) ([]*entity.Household, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	// Match on the key's normalized last-name component rather than the
	// raw last_name column, so combined-name sources and split-name
	// sources agree.
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+householdCols+` FROM households
		 WHERE agency_id = ? AND key LIKE ? ESCAPE '\'
		 ORDER BY id`,
		agencyID, escapeLike(lastName)+`\_%`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*entity.Household
	for rows.Next() {
		h, err := scanHousehold(rows)
		if err != nil {
			return nil, err
		}
		if h.Key.LastName() != lastName {
			continue // prefix can overmatch multi-token last names
		}
		out = append(out, h)
	}
	return out, rows.Err()
}

func (s *Store) SaveHousehold(ctx context.Context, h *entity.Household) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO households (`+householdCols+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			key = excluded.key,
			first_name = excluded.first_name,
			last_name = excluded.last_name,
			zip = excluded.zip,
			phone = excluded.phone,
			email = excluded.email,
			status = excluded.status,
			producer_id = excluded.producer_id,
			lead_date = excluded.lead_date,
			first_quote_date = excluded.first_quote_date,
			sold_date = excluded.sold_date,
			needs_review = excluded.needs_review,
			updated_at = excluded.updated_at`,
		h.ID, h.AgencyID, string(h.Key), h.FirstName, h.LastName, h.Zip, h.Phone, h.Email,
		string(h.Status), h.ProducerID, dateOrNull(h.LeadDate), dateOrNull(h.FirstQuoteDate),
		dateOrNull(h.SoldDate), h.NeedsReview,
		h.CreatedAt.Format(time.RFC3339), h.UpdatedAt.Format(time.RFC3339))
	if err != nil && isUniqueViolation(err) {
		// idx_households_agency_key: another household won the slot.
		return entity.ErrDuplicateKey
	}
	return err
}

func (s *Store) DeleteHousehold(ctx context.Context, agencyID, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Fatal-unless-proven-safe: verify zero dependents before deleting.
	var dependents int
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM transactions WHERE household_id = ?`, id).Scan(&dependents); err != nil {
		return err
	}
	if dependents > 0 {
		return &entity.DependentsError{HouseholdID: id, Transactions: dependents}
	}

	res, err := s.db.ExecContext(ctx,
		`DELETE FROM households WHERE agency_id = ? AND id = ?`, agencyID, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return entity.ErrHouseholdNotFound
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanHousehold(row rowScanner) (*entity.Household, error) {
	var h entity.Household
	var key, status string
	var firstName, lastName, zip, phone, email, producerID sql.NullString
	var leadDate, quoteDate, soldDate sql.NullString
	var createdAt, updatedAt string

	err := row.Scan(&h.ID, &h.AgencyID, &key, &firstName, &lastName, &zip, &phone, &email,
		&status, &producerID, &leadDate, &quoteDate, &soldDate, &h.NeedsReview,
		&createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, entity.ErrHouseholdNotFound
	}
	if err != nil {
		return nil, err
	}

	h.Key = identity.Key(key)
	h.Status = entity.Status(status)
	h.FirstName = firstName.String
	h.LastName = lastName.String
	h.Zip = zip.String
	h.Phone = phone.String
	h.Email = email.String
	h.ProducerID = producerID.String
	h.LeadDate = parseNullDate(leadDate)
	h.FirstQuoteDate = parseNullDate(quoteDate)
	h.SoldDate = parseNullDate(soldDate)
	h.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	h.UpdatedAt, _ = time.Parse(time.RFC3339, updatedAt)
	return &h, nil
}

// =============================================================================
// ENTITY STORE - transactions
// =============================================================================

const transactionCols = `id, agency_id, household_id, tx_type, policy_number, product_type,
	producer_code, amount, tx_date, tier, confidence, skip_merge, idempotency_key, created_at`

func (s *Store) SaveTransaction(ctx context.Context, tx *entity.Transaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO transactions (`+transactionCols+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		tx.ID, tx.AgencyID, tx.HouseholdID, string(tx.Type), tx.PolicyNumber, tx.ProductType,
		tx.ProducerCode, tx.Amount.String(), tx.Date.String(), string(tx.Tier), tx.Confidence,
		tx.SkipMerge, nullString(tx.IdempotencyKey), tx.CreatedAt.Format(time.RFC3339))
	if err != nil && isUniqueViolation(err) {
		return entity.ErrDuplicateEvent
	}
	return err
}

func (s *Store) GetTransaction(ctx context.Context, id string) (*entity.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	row := s.db.QueryRowContext(ctx,
		`SELECT `+transactionCols+` FROM transactions WHERE id = ?`, id)
	return scanTransaction(row)
}

func (s *Store) GetTransactionByIdempotencyKey(ctx context.Context, key string) (*entity.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	row := s.db.QueryRowContext(ctx,
		`SELECT `+transactionCols+` FROM transactions WHERE idempotency_key = ?`, key)
	return scanTransaction(row)
}

func (s *Store) FindTransactionByPolicyNumber(ctx context.Context, agencyID, policyNumber string) (*entity.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	row := s.db.QueryRowContext(ctx, `
		SELECT `+transactionCols+` FROM transactions
		WHERE agency_id = ? AND policy_number = ? AND policy_number != ''
		ORDER BY created_at LIMIT 1`, agencyID, policyNumber)
	return scanTransaction(row)
}

func (s *Store) TransactionsForHousehold(ctx context.Context, agencyID, householdID string) ([]*entity.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+transactionCols+` FROM transactions
		WHERE agency_id = ? AND household_id = ?
		ORDER BY tx_date, created_at`, agencyID, householdID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectTransactions(rows)
}

func (s *Store) Timeline(ctx context.Context, agencyID string, key identity.Key) ([]*entity.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var exists int
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM households WHERE agency_id = ? AND key = ?`,
		agencyID, string(key)).Scan(&exists); err != nil {
		return nil, err
	}
	if exists == 0 {
		return nil, entity.ErrHouseholdNotFound
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT t.id, t.agency_id, t.household_id, t.tx_type, t.policy_number, t.product_type,
			t.producer_code, t.amount, t.tx_date, t.tier, t.confidence, t.skip_merge,
			t.idempotency_key, t.created_at
		FROM transactions t
		JOIN households h ON h.id = t.household_id
		WHERE h.agency_id = ? AND h.key = ?
		ORDER BY t.tx_date, t.created_at`, agencyID, string(key))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectTransactions(rows)
}

func (s *Store) AttachPolicyNumber(ctx context.Context, transactionID, policyNumber string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	res, err := s.db.ExecContext(ctx,
		`UPDATE transactions SET policy_number = ? WHERE id = ?`, policyNumber, transactionID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return entity.ErrTransactionNotFound
	}
	return nil
}

func (s *Store) SetTransactionSkipMerge(ctx context.Context, transactionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	res, err := s.db.ExecContext(ctx,
		`UPDATE transactions SET skip_merge = TRUE WHERE id = ?`, transactionID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return entity.ErrTransactionNotFound
	}
	return nil
}

func (s *Store) ReassignTransaction(ctx context.Context, transactionID, householdID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	res, err := s.db.ExecContext(ctx,
		`UPDATE transactions SET household_id = ? WHERE id = ?`, householdID, transactionID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return entity.ErrTransactionNotFound
	}
	return nil
}

func scanTransaction(row rowScanner) (*entity.Transaction, error) {
	var tx entity.Transaction
	var txType, tier, amount, txDate, createdAt string
	var policyNumber, productType, producerCode, idemKey sql.NullString

	err := row.Scan(&tx.ID, &tx.AgencyID, &tx.HouseholdID, &txType, &policyNumber, &productType,
		&producerCode, &amount, &txDate, &tier, &tx.Confidence, &tx.SkipMerge, &idemKey, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, entity.ErrTransactionNotFound
	}
	if err != nil {
		return nil, err
	}

	tx.Type = entity.TransactionType(txType)
	tx.Tier = entity.MatchTier(tier)
	tx.PolicyNumber = policyNumber.String
	tx.ProductType = productType.String
	tx.ProducerCode = producerCode.String
	tx.IdempotencyKey = idemKey.String
	tx.Amount = mustDecimal(amount)
	tx.Date, _ = calendar.ParseDate(txDate)
	tx.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	return &tx, nil
}

func collectTransactions(rows *sql.Rows) ([]*entity.Transaction, error) {
	var out []*entity.Transaction
	for rows.Next() {
		tx, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, tx)
	}
	return out, rows.Err()
}

// =============================================================================
// ENTITY STORE - review queue
// =============================================================================

func (s *Store) SaveReview(ctx context.Context, item *entity.ReviewItem) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	candidates, err := json.Marshal(item.Candidates)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO reviews (id, agency_id, transaction_id, reason, candidates_json, resolved, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		item.ID, item.AgencyID, item.TransactionID, item.Reason, string(candidates),
		item.Resolved, item.CreatedAt.Format(time.RFC3339))
	return err
}

func (s *Store) GetReview(ctx context.Context, id string) (*entity.ReviewItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	row := s.db.QueryRowContext(ctx, `
		SELECT id, agency_id, transaction_id, reason, candidates_json, resolved, created_at
		FROM reviews WHERE id = ?`, id)
	return scanReview(row)
}

func (s *Store) PendingReviews(ctx context.Context, agencyID string) ([]*entity.ReviewItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, agency_id, transaction_id, reason, candidates_json, resolved, created_at
		FROM reviews WHERE agency_id = ? AND resolved = FALSE
		ORDER BY created_at`, agencyID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*entity.ReviewItem
	for rows.Next() {
		item, err := scanReview(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, item)
	}
	return out, rows.Err()
}

func (s *Store) MarkReviewResolved(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	res, err := s.db.ExecContext(ctx,
		`UPDATE reviews SET resolved = TRUE WHERE id = ?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return entity.ErrReviewNotFound
	}
	return nil
}

func scanReview(row rowScanner) (*entity.ReviewItem, error) {
	var item entity.ReviewItem
	var candidatesJSON, createdAt string
	err := row.Scan(&item.ID, &item.AgencyID, &item.TransactionID, &item.Reason,
		&candidatesJSON, &item.Resolved, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, entity.ErrReviewNotFound
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(candidatesJSON), &item.Candidates); err != nil {
		return nil, err
	}
	item.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	return &item, nil
}

// =============================================================================
// KPI STORE
// =============================================================================

func (s *Store) SaveMetric(ctx context.Context, m kpi.Metric) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO kpi_metrics (agency_id, slug, name, single_writer, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		m.AgencyID, m.Slug, m.Name, m.SingleWriter, m.CreatedAt.Format(time.RFC3339))
	if err != nil && isUniqueViolation(err) {
		return kpi.ErrMetricExists
	}
	return err
}

func (s *Store) GetMetric(ctx context.Context, agencyID, slug string) (*kpi.Metric, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var m kpi.Metric
	var createdAt string
	err := s.db.QueryRowContext(ctx, `
		SELECT agency_id, slug, name, single_writer, created_at
		FROM kpi_metrics WHERE agency_id = ? AND slug = ?`, agencyID, slug).
		Scan(&m.AgencyID, &m.Slug, &m.Name, &m.SingleWriter, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, kpi.ErrMetricNotFound
	}
	if err != nil {
		return nil, err
	}
	m.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	return &m, nil
}

func (s *Store) ListMetrics(ctx context.Context, agencyID string) ([]kpi.Metric, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rows, err := s.db.QueryContext(ctx, `
		SELECT agency_id, slug, name, single_writer, created_at
		FROM kpi_metrics WHERE agency_id = ? ORDER BY slug`, agencyID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []kpi.Metric
	for rows.Next() {
		var m kpi.Metric
		var createdAt string
		if err := rows.Scan(&m.AgencyID, &m.Slug, &m.Name, &m.SingleWriter, &createdAt); err != nil {
			return nil, err
		}
		m.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *Store) CurrentVersion(ctx context.Context, agencyID, slug string) (*kpi.Version, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	row := s.db.QueryRowContext(ctx, `
		SELECT id, agency_id, metric_slug, label, target, valid_from, valid_to
		FROM kpi_versions WHERE agency_id = ? AND metric_slug = ? AND valid_to IS NULL`,
		agencyID, slug)
	return scanVersion(row)
}

func (s *Store) GetVersion(ctx context.Context, versionID string) (*kpi.Version, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	row := s.db.QueryRowContext(ctx, `
		SELECT id, agency_id, metric_slug, label, target, valid_from, valid_to
		FROM kpi_versions WHERE id = ?`, versionID)
	return scanVersion(row)
}

// OpenVersion closes the current open version and inserts v atomically.
func (s *Store) OpenVersion(ctx context.Context, v kpi.Version) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	dbTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer dbTx.Rollback()

	now := time.Now().UTC().Format(time.RFC3339)
	if _, err := dbTx.ExecContext(ctx, `
		UPDATE kpi_versions SET valid_to = ?
		WHERE agency_id = ? AND metric_slug = ? AND valid_to IS NULL`,
		now, v.AgencyID, v.MetricSlug); err != nil {
		return err
	}
	if _, err := dbTx.ExecContext(ctx, `
		INSERT INTO kpi_versions (id, agency_id, metric_slug, label, target, valid_from, valid_to)
		VALUES (?, ?, ?, ?, ?, ?, NULL)`,
		v.ID, v.AgencyID, v.MetricSlug, v.Label, v.Target.String(),
		v.ValidFrom.Format(time.RFC3339)); err != nil {
		return err
	}
	return dbTx.Commit()
}

func (s *Store) GetBinding(ctx context.Context, bindingID string) (*kpi.FormBinding, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var b kpi.FormBinding
	var createdAt string
	err := s.db.QueryRowContext(ctx, `
		SELECT id, agency_id, form_id, version_id, created_at
		FROM form_bindings WHERE id = ?`, bindingID).
		Scan(&b.ID, &b.AgencyID, &b.FormID, &b.VersionID, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, kpi.ErrBindingNotFound
	}
	if err != nil {
		return nil, err
	}
	b.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	return &b, nil
}

func (s *Store) SaveBinding(ctx context.Context, b kpi.FormBinding) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO form_bindings (id, agency_id, form_id, version_id, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		b.ID, b.AgencyID, b.FormID, b.VersionID, b.CreatedAt.Format(time.RFC3339))
	return err
}

func scanVersion(row rowScanner) (*kpi.Version, error) {
	var v kpi.Version
	var target, validFrom string
	var validTo sql.NullString
	err := row.Scan(&v.ID, &v.AgencyID, &v.MetricSlug, &v.Label, &target, &validFrom, &validTo)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, kpi.ErrNoVersion
	}
	if err != nil {
		return nil, err
	}
	v.Target = mustDecimal(target)
	v.ValidFrom, _ = time.Parse(time.RFC3339, validFrom)
	if validTo.Valid {
		t, _ := time.Parse(time.RFC3339, validTo.String)
		v.ValidTo = &t
	}
	return &v, nil
}

// =============================================================================
// AGGREGATE STORE
// =============================================================================

const aggregateCols = `agency_id, person_id, day, contacts, talk_minutes, quoted, sold,
	sold_value, custom_json, version_ids_json, labels_json, submitted_json,
	hits, pass, score, revision, created_at, updated_at`

func (s *Store) Get(ctx context.Context, agencyID, personID string, day calendar.Date) (*aggregate.DailyAggregate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.getAggregate(ctx, agencyID, personID, day)
}

func (s *Store) getAggregate(ctx context.Context, agencyID, personID string, day calendar.Date) (*aggregate.DailyAggregate, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+aggregateCols+` FROM daily_aggregates
		WHERE agency_id = ? AND person_id = ? AND day = ?`,
		agencyID, personID, day.String())
	return scanAggregate(row)
}

func (s *Store) GetRange(ctx context.Context, agencyID, personID string, from, to calendar.Date) ([]*aggregate.DailyAggregate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+aggregateCols+` FROM daily_aggregates
		WHERE agency_id = ? AND person_id = ? AND day >= ? AND day <= ?
		ORDER BY day`, agencyID, personID, from.String(), to.String())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*aggregate.DailyAggregate
	for rows.Next() {
		a, err := scanAggregate(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// Mutate performs the serialized per-row read-modify-write with
// optimistic retry on the revision column. Safe to retry because the
// merge applied by fn is idempotent and commutative.
func (s *Store) Mutate(ctx context.Context, agencyID, personID string, day calendar.Date, fn func(*aggregate.DailyAggregate) error) (*aggregate.DailyAggregate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for attempt := 0; attempt < mutateAttempts; attempt++ {
		a, err := s.getAggregate(ctx, agencyID, personID, day)
		if errors.Is(err, aggregate.ErrNotFound) {
			a = aggregate.NewDailyAggregate(agencyID, personID, day)
		} else if err != nil {
			return nil, err
		}

		prevRevision := a.Revision
		if err := fn(a); err != nil {
			return nil, err
		}
		a.Revision = prevRevision + 1

		ok, err := s.writeAggregate(ctx, a, prevRevision)
		if err != nil {
			return nil, err
		}
		if ok {
			return a, nil
		}
		// Lost the race to another process; reload and re-merge.
	}
	return nil, aggregate.ErrConflict
}

func (s *Store) writeAggregate(ctx context.Context, a *aggregate.DailyAggregate, prevRevision int64) (bool, error) {
	custom, err := json.Marshal(a.Custom)
	if err != nil {
		return false, err
	}
	versionIDs, err := json.Marshal(a.VersionIDs)
	if err != nil {
		return false, err
	}
	labels, err := json.Marshal(a.Labels)
	if err != nil {
		return false, err
	}
	submitted, err := json.Marshal(a.Submitted)
	if err != nil {
		return false, err
	}

	if prevRevision == 0 {
		res, err := s.db.ExecContext(ctx, `
			INSERT INTO daily_aggregates (`+aggregateCols+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(agency_id, person_id, day) DO NOTHING`,
			a.AgencyID, a.PersonID, a.Day.String(),
			a.Contacts.String(), a.TalkMinutes.String(), a.Quoted.String(), a.Sold.String(),
			a.SoldValue.String(), string(custom), string(versionIDs), string(labels),
			string(submitted), a.Hits, a.Pass, a.Score.String(), a.Revision,
			a.CreatedAt.Format(time.RFC3339), a.UpdatedAt.Format(time.RFC3339))
		if err != nil {
			return false, err
		}
		n, _ := res.RowsAffected()
		return n > 0, nil
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE daily_aggregates SET
			contacts = ?, talk_minutes = ?, quoted = ?, sold = ?, sold_value = ?,
			custom_json = ?, version_ids_json = ?, labels_json = ?, submitted_json = ?,
			hits = ?, pass = ?, score = ?, revision = ?, updated_at = ?
		WHERE agency_id = ? AND person_id = ? AND day = ? AND revision = ?`,
		a.Contacts.String(), a.TalkMinutes.String(), a.Quoted.String(), a.Sold.String(),
		a.SoldValue.String(), string(custom), string(versionIDs), string(labels),
		string(submitted), a.Hits, a.Pass, a.Score.String(), a.Revision,
		a.UpdatedAt.Format(time.RFC3339),
		a.AgencyID, a.PersonID, a.Day.String(), prevRevision)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func scanAggregate(row rowScanner) (*aggregate.DailyAggregate, error) {
	var a aggregate.DailyAggregate
	var day, contacts, talkMinutes, quoted, sold, soldValue, score string
	var customJSON, versionIDsJSON, labelsJSON, submittedJSON string
	var createdAt, updatedAt string

	err := row.Scan(&a.AgencyID, &a.PersonID, &day, &contacts, &talkMinutes, &quoted, &sold,
		&soldValue, &customJSON, &versionIDsJSON, &labelsJSON, &submittedJSON,
		&a.Hits, &a.Pass, &score, &a.Revision, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, aggregate.ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	a.Day, _ = calendar.ParseDate(day)
	a.Contacts = mustDecimal(contacts)
	a.TalkMinutes = mustDecimal(talkMinutes)
	a.Quoted = mustDecimal(quoted)
	a.Sold = mustDecimal(sold)
	a.SoldValue = mustDecimal(soldValue)
	a.Score = mustDecimal(score)
	if err := json.Unmarshal([]byte(customJSON), &a.Custom); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(versionIDsJSON), &a.VersionIDs); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(labelsJSON), &a.Labels); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(submittedJSON), &a.Submitted); err != nil {
		return nil, err
	}
	if a.Custom == nil {
		a.Custom = make(map[string]decimal.Decimal)
	}
	if a.VersionIDs == nil {
		a.VersionIDs = make(map[string]string)
	}
	if a.Labels == nil {
		a.Labels = make(map[string]string)
	}
	if a.Submitted == nil {
		a.Submitted = make(map[string]bool)
	}
	a.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	a.UpdatedAt, _ = time.Parse(time.RFC3339, updatedAt)
	return &a, nil
}

// =============================================================================
// HELPERS
// =============================================================================

func mustDecimal(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

func dateOrNull(d calendar.Date) any {
	if d.IsZero() {
		return nil
	}
	return d.String()
}

func parseNullDate(s sql.NullString) calendar.Date {
	if !s.Valid || s.String == "" {
		return calendar.Date{}
	}
	d, _ := calendar.ParseDate(s.String)
	return d
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func escapeLike(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `_`, `\_`)
	s = strings.ReplaceAll(s, `%`, `\%`)
	return s
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
