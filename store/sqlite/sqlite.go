/*
Package sqlite provides a SQLite-backed implementation of commission.Store.

PURPOSE:
  Durable storage for referrals, the commission ledger and partner
  balances. The same SQL runs on PostgreSQL with minor dialect changes;
  store/gormstore is the Postgres path used in production.

APPEND-ONLY ENFORCEMENT:
  - No DELETE statements on ledger_transactions
  - The only UPDATE is the conditional status flip (WHERE status = 'pending')

KEY TABLES:
  referrals:           one row per referral; partial unique index keeps
                       one pending referral per farmer
  ledger_transactions: append-only ledger; unique reference
  partners:            partner records and commission_balance_minor

MONEY:
  Balances and ledger amounts are INTEGER minor units (cents). Credits and
  debits are single UPDATE statements, the debit guarded by
  "commission_balance_minor >= ?", so no balance is ever read into Go and
  written back.

CONCURRENCY:
  Uses sync.RWMutex for thread-safety on top of SQLite's single writer.
  WithTx holds the write lock for the whole transaction.

USAGE:
  store, err := sqlite.New("./data/commissions.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

  engine := commission.NewEngine(store)

SEE ALSO:
  - commission/store.go: Interface definitions
  - commission/store/memory.go: In-memory implementation for testing
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

	"github.com/agrilink/commission-engine/commission"
)

// timeLayout is fixed-width so stored timestamps sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

// Store implements commission.TxStore using SQLite.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
	q  queries
}

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if dbPath == ":memory:" {
		// Every connection would get its own empty database.
		db.SetMaxOpenConns(1)
	}

	store := &Store{db: db, q: queries{db: db}}
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
	CREATE TABLE IF NOT EXISTS partners (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		phone TEXT,
		email TEXT,
		push_token TEXT,
		channels_json TEXT,
		commission_balance_minor INTEGER NOT NULL DEFAULT 0 CHECK (commission_balance_minor >= 0),
		created_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS referrals (
		id TEXT PRIMARY KEY,
		farmer_id TEXT NOT NULL,
		partner_id TEXT NOT NULL,
		status TEXT NOT NULL,
		commission_rate TEXT NOT NULL,
		transaction_amount TEXT,
		transaction_id TEXT,
		completed_at TEXT,
		created_at TEXT NOT NULL
	);

	-- First referrer wins: one pending referral per farmer
	CREATE UNIQUE INDEX IF NOT EXISTS idx_referrals_pending_farmer
		ON referrals(farmer_id) WHERE status = 'pending';
	CREATE INDEX IF NOT EXISTS idx_referrals_partner
		ON referrals(partner_id);

	-- Append-only ledger
	CREATE TABLE IF NOT EXISTS ledger_transactions (
		id TEXT PRIMARY KEY,
		tx_type TEXT NOT NULL,
		amount_minor INTEGER NOT NULL,
		reference TEXT NOT NULL,
		status TEXT NOT NULL,
		partner_id TEXT NOT NULL,
		referral_id TEXT,
		description TEXT,
		metadata_json TEXT,
		created_at TEXT NOT NULL,
		processed_at TEXT
	);

	CREATE UNIQUE INDEX IF NOT EXISTS idx_ledger_reference
		ON ledger_transactions(reference);

	-- Partner history and summaries (hot path)
	CREATE INDEX IF NOT EXISTS idx_ledger_partner_created
		ON ledger_transactions(partner_id, created_at DESC);

	-- Admin listing
	CREATE INDEX IF NOT EXISTS idx_ledger_type_status
		ON ledger_transactions(tx_type, status, created_at DESC);
	`

	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// LOCKED ENTRY POINTS
// =============================================================================

func (s *Store) CreateReferral(ctx context.Context, r commission.Referral) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.q.CreateReferral(ctx, r)
}

func (s *Store) GetReferral(ctx context.Context, id commission.ReferralID) (commission.Referral, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.q.GetReferral(ctx, id)
}

func (s *Store) FindPendingReferral(ctx context.Context, farmerID commission.FarmerID) (commission.Referral, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.q.FindPendingReferral(ctx, farmerID)
}

func (s *Store) CompleteReferral(ctx context.Context, id commission.ReferralID, amount decimal.Decimal, transactionID string, at time.Time) (commission.Referral, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.q.CompleteReferral(ctx, id, amount, transactionID, at)
}

func (s *Store) AppendTransaction(ctx context.Context, tx commission.Transaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.q.AppendTransaction(ctx, tx)
}

func (s *Store) GetTransaction(ctx context.Context, id commission.TransactionID) (commission.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.q.GetTransaction(ctx, id)
}

func (s *Store) GetTransactionByReference(ctx context.Context, reference string) (commission.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.q.GetTransactionByReference(ctx, reference)
}

func (s *Store) UpdateTransactionStatus(ctx context.Context, id commission.TransactionID, status commission.TransactionStatus, metadata map[string]string, at time.Time) (commission.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.q.UpdateTransactionStatus(ctx, id, status, metadata, at)
}

func (s *Store) ListTransactions(ctx context.Context, f commission.TransactionFilter) ([]commission.Transaction, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.q.ListTransactions(ctx, f)
}

func (s *Store) LoadPartnerTransactions(ctx context.Context, partnerID commission.PartnerID, from, to *time.Time) ([]commission.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.q.LoadPartnerTransactions(ctx, partnerID, from, to)
}

func (s *Store) CreatePartner(ctx context.Context, p commission.Partner) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.q.CreatePartner(ctx, p)
}

func (s *Store) GetPartner(ctx context.Context, id commission.PartnerID) (commission.Partner, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.q.GetPartner(ctx, id)
}

func (s *Store) ListPartners(ctx context.Context) ([]commission.Partner, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.q.ListPartners(ctx)
}

func (s *Store) IncrementBalance(ctx context.Context, id commission.PartnerID, amount decimal.Decimal) (decimal.Decimal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.q.IncrementBalance(ctx, id, amount)
}

func (s *Store) DecrementBalance(ctx context.Context, id commission.PartnerID, amount decimal.Decimal) (decimal.Decimal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.q.DecrementBalance(ctx, id, amount)
}

// =============================================================================
// TRANSACTIONAL STORE
// =============================================================================

// WithTx executes fn within a database transaction.
func (s *Store) WithTx(ctx context.Context, fn func(commission.Store) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	if err := fn(&queries{db: sqlTx}); err != nil {
		return err
	}

	return sqlTx.Commit()
}

// =============================================================================
// QUERIES - shared by Store and the transaction view
// =============================================================================

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// queries runs statements against a *sql.DB or *sql.Tx. Callers hold the lock.
type queries struct {
	db execer
}

// ===== REFERRALS =====

func (q *queries) CreateReferral(ctx context.Context, r commission.Referral) error {
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO referrals
		(id, farmer_id, partner_id, status, commission_rate, transaction_amount, transaction_id, completed_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		r.ID, r.FarmerID, r.PartnerID, r.Status, r.CommissionRate.String(),
		nullString(decimalString(r.TransactionAmount)), nullString(r.TransactionID),
		nullTime(r.CompletedAt), formatTime(r.CreatedAt),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			if strings.Contains(err.Error(), "referrals.farmer_id") {
				return commission.ErrPendingReferralExists
			}
			return fmt.Errorf("referral %s: %w", r.ID, commission.ErrConflict)
		}
		return fmt.Errorf("failed to create referral: %w", err)
	}
	return nil
}

const referralColumns = `id, farmer_id, partner_id, status, commission_rate, transaction_amount, transaction_id, completed_at, created_at`

func (q *queries) GetReferral(ctx context.Context, id commission.ReferralID) (commission.Referral, error) {
	row := q.db.QueryRowContext(ctx, `SELECT `+referralColumns+` FROM referrals WHERE id = ?`, id)
	return scanReferral(row)
}

func (q *queries) FindPendingReferral(ctx context.Context, farmerID commission.FarmerID) (commission.Referral, error) {
	row := q.db.QueryRowContext(ctx,
		`SELECT `+referralColumns+` FROM referrals WHERE farmer_id = ? AND status = 'pending'`, farmerID)
	return scanReferral(row)
}

func (q *queries) CompleteReferral(ctx context.Context, id commission.ReferralID, amount decimal.Decimal, transactionID string, at time.Time) (commission.Referral, error) {
	res, err := q.db.ExecContext(ctx, `
		UPDATE referrals
		SET status = 'completed', transaction_amount = ?, transaction_id = ?, completed_at = ?
		WHERE id = ? AND status = 'pending'
	`, amount.String(), transactionID, formatTime(at), id)
	if err != nil {
		return commission.Referral{}, fmt.Errorf("failed to complete referral: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		if _, err := q.GetReferral(ctx, id); err != nil {
			return commission.Referral{}, err
		}
		return commission.Referral{}, commission.ErrNotPending
	}
	return q.GetReferral(ctx, id)
}

func scanReferral(row *sql.Row) (commission.Referral, error) {
	var (
		r                       commission.Referral
		rate                    string
		amount, txID, completed sql.NullString
		created                 string
	)
	err := row.Scan(&r.ID, &r.FarmerID, &r.PartnerID, &r.Status, &rate, &amount, &txID, &completed, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return commission.Referral{}, commission.ErrNotFound
	}
	if err != nil {
		return commission.Referral{}, fmt.Errorf("failed to scan referral: %w", err)
	}
	if r.CommissionRate, err = decimal.NewFromString(rate); err != nil {
		return commission.Referral{}, fmt.Errorf("failed to decode commission rate of referral %s: %w", r.ID, err)
	}
	if amount.Valid && amount.String != "" {
		if r.TransactionAmount, err = decimal.NewFromString(amount.String); err != nil {
			return commission.Referral{}, fmt.Errorf("failed to decode transaction amount of referral %s: %w", r.ID, err)
		}
	}
	r.TransactionID = txID.String
	r.CompletedAt = parseNullTime(completed)
	r.CreatedAt = parseTime(created)
	return r, nil
}

// ===== LEDGER =====

func (q *queries) AppendTransaction(ctx context.Context, tx commission.Transaction) error {
	minor, err := commission.ToMinorUnits(tx.Amount)
	if err != nil {
		return err
	}
	metadataJSON, err := marshalMetadata(tx.Metadata)
	if err != nil {
		return err
	}

	_, err = q.db.ExecContext(ctx, `
		INSERT INTO ledger_transactions
		(id, tx_type, amount_minor, reference, status, partner_id, referral_id, description, metadata_json, created_at, processed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		tx.ID, tx.Type, minor, tx.Reference, tx.Status, tx.PartnerID,
		nullString(string(tx.ReferralID)), tx.Description, metadataJSON,
		formatTime(tx.CreatedAt), nullTime(tx.ProcessedAt),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			if strings.Contains(err.Error(), "ledger_transactions.reference") {
				return commission.ErrDuplicateReference
			}
			return fmt.Errorf("transaction %s: %w", tx.ID, commission.ErrConflict)
		}
		return fmt.Errorf("failed to append transaction: %w", err)
	}
	return nil
}

const transactionColumns = `id, tx_type, amount_minor, reference, status, partner_id, referral_id, description, metadata_json, created_at, processed_at`

func (q *queries) GetTransaction(ctx context.Context, id commission.TransactionID) (commission.Transaction, error) {
	rows, err := q.db.QueryContext(ctx, `SELECT `+transactionColumns+` FROM ledger_transactions WHERE id = ?`, id)
	if err != nil {
		return commission.Transaction{}, fmt.Errorf("failed to query transaction: %w", err)
	}
	return firstTransaction(rows)
}

func (q *queries) GetTransactionByReference(ctx context.Context, reference string) (commission.Transaction, error) {
	rows, err := q.db.QueryContext(ctx, `SELECT `+transactionColumns+` FROM ledger_transactions WHERE reference = ?`, reference)
	if err != nil {
		return commission.Transaction{}, fmt.Errorf("failed to query transaction: %w", err)
	}
	return firstTransaction(rows)
}

func (q *queries) UpdateTransactionStatus(ctx context.Context, id commission.TransactionID, status commission.TransactionStatus, metadata map[string]string, at time.Time) (commission.Transaction, error) {
	current, err := q.GetTransaction(ctx, id)
	if err != nil {
		return commission.Transaction{}, err
	}
	if current.Status != commission.StatusPending {
		return commission.Transaction{}, commission.ErrNotPending
	}

	merged := current.Metadata
	if len(metadata) > 0 && merged == nil {
		merged = make(map[string]string, len(metadata))
	}
	for k, v := range metadata {
		merged[k] = v
	}
	metadataJSON, err := marshalMetadata(merged)
	if err != nil {
		return commission.Transaction{}, err
	}

	// The status guard makes the flip conditional even without the lock.
	res, err := q.db.ExecContext(ctx, `
		UPDATE ledger_transactions
		SET status = ?, metadata_json = ?, processed_at = ?
		WHERE id = ? AND status = 'pending'
	`, status, metadataJSON, formatTime(at), id)
	if err != nil {
		return commission.Transaction{}, fmt.Errorf("failed to update transaction: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return commission.Transaction{}, commission.ErrNotPending
	}

	current.Status = status
	current.Metadata = merged
	current.ProcessedAt = &at
	return current, nil
}

func (q *queries) ListTransactions(ctx context.Context, f commission.TransactionFilter) ([]commission.Transaction, int, error) {
	where, args := filterClause(f)

	var total int
	if err := q.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM ledger_transactions`+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count transactions: %w", err)
	}

	rows, err := q.db.QueryContext(ctx,
		`SELECT `+transactionColumns+` FROM ledger_transactions`+where+
			` ORDER BY created_at DESC, rowid DESC LIMIT ? OFFSET ?`,
		append(args, f.Limit, f.Offset())...)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list transactions: %w", err)
	}
	items, err := scanTransactions(rows)
	if err != nil {
		return nil, 0, err
	}
	return items, total, nil
}

func (q *queries) LoadPartnerTransactions(ctx context.Context, partnerID commission.PartnerID, from, to *time.Time) ([]commission.Transaction, error) {
	where, args := filterClause(commission.TransactionFilter{PartnerID: partnerID, From: from, To: to})
	rows, err := q.db.QueryContext(ctx,
		`SELECT `+transactionColumns+` FROM ledger_transactions`+where+` ORDER BY created_at ASC, rowid ASC`, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to load transactions: %w", err)
	}
	return scanTransactions(rows)
}

func filterClause(f commission.TransactionFilter) (string, []any) {
	var (
		conds []string
		args  []any
	)
	if f.PartnerID != "" {
		conds = append(conds, "partner_id = ?")
		args = append(args, f.PartnerID)
	}
	if f.Type != "" {
		conds = append(conds, "tx_type = ?")
		args = append(args, f.Type)
	}
	if f.Status != "" {
		conds = append(conds, "status = ?")
		args = append(args, f.Status)
	}
	if f.From != nil {
		conds = append(conds, "created_at >= ?")
		args = append(args, formatTime(*f.From))
	}
	if f.To != nil {
		conds = append(conds, "created_at <= ?")
		args = append(args, formatTime(*f.To))
	}
	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

func firstTransaction(rows *sql.Rows) (commission.Transaction, error) {
	txs, err := scanTransactions(rows)
	if err != nil {
		return commission.Transaction{}, err
	}
	if len(txs) == 0 {
		return commission.Transaction{}, commission.ErrNotFound
	}
	return txs[0], nil
}

func scanTransactions(rows *sql.Rows) ([]commission.Transaction, error) {
	defer rows.Close()

	var result []commission.Transaction
	for rows.Next() {
		var (
			tx                   commission.Transaction
			minor                int64
			referralID, metadata sql.NullString
			description          sql.NullString
			created              string
			processed            sql.NullString
		)
		if err := rows.Scan(&tx.ID, &tx.Type, &minor, &tx.Reference, &tx.Status, &tx.PartnerID,
			&referralID, &description, &metadata, &created, &processed); err != nil {
			return nil, fmt.Errorf("failed to scan transaction: %w", err)
		}
		tx.Amount = commission.FromMinorUnits(minor)
		tx.ReferralID = commission.ReferralID(referralID.String)
		tx.Description = description.String
		if metadata.Valid && metadata.String != "" {
			if err := json.Unmarshal([]byte(metadata.String), &tx.Metadata); err != nil {
				return nil, fmt.Errorf("failed to decode metadata of %s: %w", tx.ID, err)
			}
		}
		tx.CreatedAt = parseTime(created)
		tx.ProcessedAt = parseNullTime(processed)
		result = append(result, tx)
	}
	return result, rows.Err()
}

// ===== PARTNERS =====

func (q *queries) CreatePartner(ctx context.Context, p commission.Partner) error {
	minor, err := commission.ToMinorUnits(p.CommissionBalance)
	if err != nil {
		return err
	}
	channelsJSON, err := json.Marshal(p.Channels)
	if err != nil {
		return fmt.Errorf("failed to encode channels: %w", err)
	}
	_, err = q.db.ExecContext(ctx, `
		INSERT INTO partners (id, name, phone, email, push_token, channels_json, commission_balance_minor, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, p.ID, p.Name, nullString(p.Phone), nullString(p.Email), nullString(p.PushToken),
		string(channelsJSON), minor, formatTime(p.CreatedAt))
	if err != nil {
		if isUniqueConstraintError(err) {
			return fmt.Errorf("partner %s: %w", p.ID, commission.ErrConflict)
		}
		return fmt.Errorf("failed to create partner: %w", err)
	}
	return nil
}

const partnerColumns = `id, name, phone, email, push_token, channels_json, commission_balance_minor, created_at`

func (q *queries) GetPartner(ctx context.Context, id commission.PartnerID) (commission.Partner, error) {
	rows, err := q.db.QueryContext(ctx, `SELECT `+partnerColumns+` FROM partners WHERE id = ?`, id)
	if err != nil {
		return commission.Partner{}, fmt.Errorf("failed to query partner: %w", err)
	}
	partners, err := scanPartners(rows)
	if err != nil {
		return commission.Partner{}, err
	}
	if len(partners) == 0 {
		return commission.Partner{}, commission.ErrNotFound
	}
	return partners[0], nil
}

func (q *queries) ListPartners(ctx context.Context) ([]commission.Partner, error) {
	rows, err := q.db.QueryContext(ctx, `SELECT `+partnerColumns+` FROM partners ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list partners: %w", err)
	}
	return scanPartners(rows)
}

func scanPartners(rows *sql.Rows) ([]commission.Partner, error) {
	defer rows.Close()

	var result []commission.Partner
	for rows.Next() {
		var (
			p                          commission.Partner
			phone, email, token, chans sql.NullString
			minor                      int64
			created                    string
		)
		if err := rows.Scan(&p.ID, &p.Name, &phone, &email, &token, &chans, &minor, &created); err != nil {
			return nil, fmt.Errorf("failed to scan partner: %w", err)
		}
		p.Phone, p.Email, p.PushToken = phone.String, email.String, token.String
		if chans.Valid && chans.String != "" && chans.String != "null" {
			if err := json.Unmarshal([]byte(chans.String), &p.Channels); err != nil {
				return nil, fmt.Errorf("failed to decode channels of %s: %w", p.ID, err)
			}
		}
		p.CommissionBalance = commission.FromMinorUnits(minor)
		p.CreatedAt = parseTime(created)
		result = append(result, p)
	}
	return result, rows.Err()
}

func (q *queries) IncrementBalance(ctx context.Context, id commission.PartnerID, amount decimal.Decimal) (decimal.Decimal, error) {
	minor, err := commission.ToMinorUnits(amount)
	if err != nil {
		return decimal.Zero, err
	}
	var balance int64
	err = q.db.QueryRowContext(ctx, `
		UPDATE partners SET commission_balance_minor = commission_balance_minor + ?
		WHERE id = ?
		RETURNING commission_balance_minor
	`, minor, id).Scan(&balance)
	if errors.Is(err, sql.ErrNoRows) {
		return decimal.Zero, commission.ErrNotFound
	}
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to credit partner: %w", err)
	}
	return commission.FromMinorUnits(balance), nil
}

func (q *queries) DecrementBalance(ctx context.Context, id commission.PartnerID, amount decimal.Decimal) (decimal.Decimal, error) {
	minor, err := commission.ToMinorUnits(amount)
	if err != nil {
		return decimal.Zero, err
	}
	var balance int64
	err = q.db.QueryRowContext(ctx, `
		UPDATE partners SET commission_balance_minor = commission_balance_minor - ?
		WHERE id = ? AND commission_balance_minor >= ?
		RETURNING commission_balance_minor
	`, minor, id, minor).Scan(&balance)
	if errors.Is(err, sql.ErrNoRows) {
		if _, gerr := q.GetPartner(ctx, id); gerr != nil {
			return decimal.Zero, gerr
		}
		return decimal.Zero, commission.ErrInsufficientBalance
	}
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to debit partner: %w", err)
	}
	return commission.FromMinorUnits(balance), nil
}

// =============================================================================
// HELPERS
// =============================================================================

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func decimalString(d decimal.Decimal) string {
	if d.IsZero() {
		return ""
	}
	return d.String()
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func nullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(timeLayout, s)
	return t
}

func parseNullTime(s sql.NullString) *time.Time {
	if !s.Valid || s.String == "" {
		return nil
	}
	t := parseTime(s.String)
	return &t
}

func marshalMetadata(m map[string]string) (sql.NullString, error) {
	if m == nil {
		return sql.NullString{}, nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return sql.NullString{}, fmt.Errorf("failed to encode metadata: %w", err)
	}
	return sql.NullString{String: string(b), Valid: true}, nil
}

func isUniqueConstraintError(err error) bool {
	return err != nil && (strings.Contains(err.Error(), "UNIQUE constraint failed") ||
		strings.Contains(err.Error(), "duplicate key"))
}
