/*
Package gormstore implements commission.Store on gorm, PostgreSQL in
production.

MODELS:
  partnerModel     -> partners            (commission_balance_minor BIGINT)
  referralModel    -> referrals           (partial unique index: one pending per farmer)
  transactionModel -> ledger_transactions (unique reference, metadata as JSONB)

ATOMICITY:
  Balance changes are single UPDATE statements built with gorm.Expr:

    UPDATE partners SET commission_balance_minor = commission_balance_minor - ?
    WHERE id = ? AND commission_balance_minor >= ?

  Status flips carry "AND status = 'pending'" and check RowsAffected.

USAGE:
  store, err := gormstore.OpenPostgres(cfg.DatabaseURL)
  engine := commission.NewEngine(store)
*/
package gormstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/agrilink/commission-engine/commission"
)

// =============================================================================
// MODELS
// =============================================================================

type partnerModel struct {
	ID                     string `gorm:"primaryKey;size:64"`
	Name                   string `gorm:"not null"`
	Phone                  string
	Email                  string
	PushToken              string
	Channels               datatypes.JSON
	CommissionBalanceMinor int64 `gorm:"not null;default:0;check:chk_partners_balance,commission_balance_minor >= 0"`
	CreatedAt              time.Time
}

func (partnerModel) TableName() string { return "partners" }

type referralModel struct {
	ID                string     `gorm:"primaryKey;size:64"`
	FarmerID          string     `gorm:"size:64;not null;uniqueIndex:idx_referrals_pending_farmer,where:status = 'pending'"`
	PartnerID         string     `gorm:"size:64;not null;index"`
	Status            string     `gorm:"size:16;not null"`
	CommissionRate    string     `gorm:"not null"`
	TransactionAmount string
	TransactionID     string     `gorm:"size:128"`
	CompletedAt       *time.Time
	CreatedAt         time.Time
}

func (referralModel) TableName() string { return "referrals" }

type transactionModel struct {
	ID          string `gorm:"primaryKey;size:64"`
	Type        string `gorm:"column:tx_type;size:16;not null;index:idx_ledger_type_status"`
	AmountMinor int64  `gorm:"not null"`
	Reference   string `gorm:"size:160;not null;uniqueIndex:idx_ledger_reference"`
	Status      string `gorm:"size:16;not null;index:idx_ledger_type_status"`
	PartnerID   string `gorm:"size:64;not null;index:idx_ledger_partner_created"`
	ReferralID  string `gorm:"size:64"`
	Description string
	Metadata    datatypes.JSON
	CreatedAt   time.Time `gorm:"index:idx_ledger_partner_created"`
	ProcessedAt *time.Time
}

func (transactionModel) TableName() string { return "ledger_transactions" }

// =============================================================================
// STORE
// =============================================================================

// Store implements commission.TxStore.
type Store struct {
	db   *gorm.DB
	inTx bool
}

// OpenPostgres connects with a DSN such as
// "host=localhost user=app password=secret dbname=commissions port=5432 sslmode=disable".
func OpenPostgres(dsn string) (*Store, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Warn)})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	return New(db)
}

// New wraps an open gorm connection and migrates the schema.
func New(db *gorm.DB) (*Store, error) {
	if err := db.AutoMigrate(&partnerModel{}, &referralModel{}, &transactionModel{}); err != nil {
		return nil, fmt.Errorf("failed to migrate: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// WithTx runs fn in one database transaction.
func (s *Store) WithTx(ctx context.Context, fn func(commission.Store) error) error {
	if s.inTx {
		return fn(s)
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&Store{db: tx, inTx: true})
	})
}

// atomic groups statements whose results must be read consistently.
func (s *Store) atomic(ctx context.Context, fn func(tx *gorm.DB) error) error {
	if s.inTx {
		return fn(s.db.WithContext(ctx))
	}
	return s.db.WithContext(ctx).Transaction(fn)
}

// ===== REFERRALS =====

func (s *Store) CreateReferral(ctx context.Context, r commission.Referral) error {
	m := referralModel{
		ID:                string(r.ID),
		FarmerID:          string(r.FarmerID),
		PartnerID:         string(r.PartnerID),
		Status:            string(r.Status),
		CommissionRate:    r.CommissionRate.String(),
		TransactionAmount: decimalString(r.TransactionAmount),
		TransactionID:     r.TransactionID,
		CompletedAt:       utcPtr(r.CompletedAt),
		CreatedAt:         r.CreatedAt.UTC(),
	}
	if err := s.db.WithContext(ctx).Create(&m).Error; err != nil {
		if isUniqueViolation(err) {
			if mentions(err, "idx_referrals_pending_farmer", "referrals.farmer_id") {
				return commission.ErrPendingReferralExists
			}
			return fmt.Errorf("referral %s: %w", r.ID, commission.ErrConflict)
		}
		return fmt.Errorf("failed to create referral: %w", err)
	}
	return nil
}

func (s *Store) GetReferral(ctx context.Context, id commission.ReferralID) (commission.Referral, error) {
	return s.firstReferral(s.db.WithContext(ctx).Where("id = ?", string(id)))
}

func (s *Store) FindPendingReferral(ctx context.Context, farmerID commission.FarmerID) (commission.Referral, error) {
	return s.firstReferral(s.db.WithContext(ctx).Where("farmer_id = ? AND status = ?", string(farmerID), string(commission.ReferralPending)))
}

func (s *Store) firstReferral(q *gorm.DB) (commission.Referral, error) {
	var m referralModel
	if err := q.Take(&m).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return commission.Referral{}, commission.ErrNotFound
		}
		return commission.Referral{}, fmt.Errorf("failed to load referral: %w", err)
	}
	return m.toDomain()
}

func (s *Store) CompleteReferral(ctx context.Context, id commission.ReferralID, amount decimal.Decimal, transactionID string, at time.Time) (commission.Referral, error) {
	var out commission.Referral
	err := s.atomic(ctx, func(tx *gorm.DB) error {
		res := tx.Model(&referralModel{}).
			Where("id = ? AND status = ?", string(id), string(commission.ReferralPending)).
			Updates(map[string]any{
				"status":             string(commission.ReferralCompleted),
				"transaction_amount": amount.String(),
				"transaction_id":     transactionID,
				"completed_at":       at.UTC(),
			})
		if res.Error != nil {
			return fmt.Errorf("failed to complete referral: %w", res.Error)
		}
		current, err := s.firstReferral(tx.Where("id = ?", string(id)))
		if err != nil {
			return err
		}
		if res.RowsAffected == 0 {
			return commission.ErrNotPending
		}
		out = current
		return nil
	})
	return out, err
}

func (m referralModel) toDomain() (commission.Referral, error) {
	rate, err := decimal.NewFromString(m.CommissionRate)
	if err != nil {
		return commission.Referral{}, fmt.Errorf("failed to decode commission rate of referral %s: %w", m.ID, err)
	}
	r := commission.Referral{
		ID:             commission.ReferralID(m.ID),
		FarmerID:       commission.FarmerID(m.FarmerID),
		PartnerID:      commission.PartnerID(m.PartnerID),
		Status:         commission.ReferralStatus(m.Status),
		CommissionRate: rate,
		TransactionID:  m.TransactionID,
		CompletedAt:    utcPtr(m.CompletedAt),
		CreatedAt:      m.CreatedAt.UTC(),
	}
	if m.TransactionAmount != "" {
		if r.TransactionAmount, err = decimal.NewFromString(m.TransactionAmount); err != nil {
			return commission.Referral{}, fmt.Errorf("failed to decode transaction amount of referral %s: %w", m.ID, err)
		}
	}
	return r, nil
}

// ===== LEDGER =====

func (s *Store) AppendTransaction(ctx context.Context, t commission.Transaction) error {
	m, err := transactionFromDomain(t)
	if err != nil {
		return err
	}
	if err := s.db.WithContext(ctx).Create(&m).Error; err != nil {
		if isUniqueViolation(err) {
			if mentions(err, "idx_ledger_reference", "ledger_transactions.reference") {
				return commission.ErrDuplicateReference
			}
			return fmt.Errorf("transaction %s: %w", t.ID, commission.ErrConflict)
		}
		return fmt.Errorf("failed to append transaction: %w", err)
	}
	return nil
}

func (s *Store) GetTransaction(ctx context.Context, id commission.TransactionID) (commission.Transaction, error) {
	return firstTransaction(s.db.WithContext(ctx).Where("id = ?", string(id)))
}

func (s *Store) GetTransactionByReference(ctx context.Context, reference string) (commission.Transaction, error) {
	return firstTransaction(s.db.WithContext(ctx).Where("reference = ?", reference))
}

func firstTransaction(q *gorm.DB) (commission.Transaction, error) {
	var m transactionModel
	if err := q.Take(&m).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return commission.Transaction{}, commission.ErrNotFound
		}
		return commission.Transaction{}, fmt.Errorf("failed to load transaction: %w", err)
	}
	return m.toDomain()
}

func (s *Store) UpdateTransactionStatus(ctx context.Context, id commission.TransactionID, status commission.TransactionStatus, metadata map[string]string, at time.Time) (commission.Transaction, error) {
	var out commission.Transaction
	err := s.atomic(ctx, func(tx *gorm.DB) error {
		current, err := firstTransaction(tx.Where("id = ?", string(id)))
		if err != nil {
			return err
		}
		if current.Status != commission.StatusPending {
			return commission.ErrNotPending
		}

		merged := current.Metadata
		if merged == nil {
			merged = make(map[string]string, len(metadata))
		}
		for k, v := range metadata {
			merged[k] = v
		}
		raw, err := json.Marshal(merged)
		if err != nil {
			return fmt.Errorf("failed to encode metadata: %w", err)
		}

		res := tx.Model(&transactionModel{}).
			Where("id = ? AND status = ?", string(id), string(commission.StatusPending)).
			Updates(map[string]any{
				"status":       string(status),
				"metadata":     datatypes.JSON(raw),
				"processed_at": at.UTC(),
			})
		if res.Error != nil {
			return fmt.Errorf("failed to update transaction: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			return commission.ErrNotPending
		}

		processed := at.UTC()
		current.Status = status
		current.Metadata = merged
		current.ProcessedAt = &processed
		out = current
		return nil
	})
	return out, err
}

func (s *Store) ListTransactions(ctx context.Context, f commission.TransactionFilter) ([]commission.Transaction, int, error) {
	q := applyFilter(s.db.WithContext(ctx).Model(&transactionModel{}), f)

	var total int64
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("failed to count transactions: %w", err)
	}

	var models []transactionModel
	if err := q.Order("created_at DESC").Order("id DESC").Limit(f.Limit).Offset(f.Offset()).Find(&models).Error; err != nil {
		return nil, 0, fmt.Errorf("failed to list transactions: %w", err)
	}
	items, err := toDomainAll(models)
	return items, int(total), err
}

func (s *Store) LoadPartnerTransactions(ctx context.Context, partnerID commission.PartnerID, from, to *time.Time) ([]commission.Transaction, error) {
	q := applyFilter(s.db.WithContext(ctx).Model(&transactionModel{}),
		commission.TransactionFilter{PartnerID: partnerID, From: from, To: to})

	var models []transactionModel
	if err := q.Order("created_at ASC").Order("id ASC").Find(&models).Error; err != nil {
		return nil, fmt.Errorf("failed to load transactions: %w", err)
	}
	return toDomainAll(models)
}

func applyFilter(q *gorm.DB, f commission.TransactionFilter) *gorm.DB {
	if f.PartnerID != "" {
		q = q.Where("partner_id = ?", string(f.PartnerID))
	}
	if f.Type != "" {
		q = q.Where("tx_type = ?", string(f.Type))
	}
	if f.Status != "" {
		q = q.Where("status = ?", string(f.Status))
	}
	if f.From != nil {
		q = q.Where("created_at >= ?", f.From.UTC())
	}
	if f.To != nil {
		q = q.Where("created_at <= ?", f.To.UTC())
	}
	return q
}

func transactionFromDomain(t commission.Transaction) (transactionModel, error) {
	minor, err := commission.ToMinorUnits(t.Amount)
	if err != nil {
		return transactionModel{}, err
	}
	var metadata datatypes.JSON
	if t.Metadata != nil {
		raw, err := json.Marshal(t.Metadata)
		if err != nil {
			return transactionModel{}, fmt.Errorf("failed to encode metadata: %w", err)
		}
		metadata = raw
	}
	return transactionModel{
		ID:          string(t.ID),
		Type:        string(t.Type),
		AmountMinor: minor,
		Reference:   t.Reference,
		Status:      string(t.Status),
		PartnerID:   string(t.PartnerID),
		ReferralID:  string(t.ReferralID),
		Description: t.Description,
		Metadata:    metadata,
		CreatedAt:   t.CreatedAt.UTC(),
		ProcessedAt: utcPtr(t.ProcessedAt),
	}, nil
}

func (m transactionModel) toDomain() (commission.Transaction, error) {
	t := commission.Transaction{
		ID:          commission.TransactionID(m.ID),
		Type:        commission.TransactionType(m.Type),
		Amount:      commission.FromMinorUnits(m.AmountMinor),
		Reference:   m.Reference,
		Status:      commission.TransactionStatus(m.Status),
		PartnerID:   commission.PartnerID(m.PartnerID),
		ReferralID:  commission.ReferralID(m.ReferralID),
		Description: m.Description,
		CreatedAt:   m.CreatedAt.UTC(),
		ProcessedAt: utcPtr(m.ProcessedAt),
	}
	if len(m.Metadata) > 0 && string(m.Metadata) != "null" {
		if err := json.Unmarshal(m.Metadata, &t.Metadata); err != nil {
			return commission.Transaction{}, fmt.Errorf("failed to decode metadata of %s: %w", m.ID, err)
		}
	}
	return t, nil
}

func toDomainAll(models []transactionModel) ([]commission.Transaction, error) {
	out := make([]commission.Transaction, 0, len(models))
	for _, m := range models {
		t, err := m.toDomain()
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, nil
}

// ===== PARTNERS =====

func (s *Store) CreatePartner(ctx context.Context, p commission.Partner) error {
	minor, err := commission.ToMinorUnits(p.CommissionBalance)
	if err != nil {
		return err
	}
	channels, err := json.Marshal(p.Channels)
	if err != nil {
		return fmt.Errorf("failed to encode channels: %w", err)
	}
	m := partnerModel{
		ID:                     string(p.ID),
		Name:                   p.Name,
		Phone:                  p.Phone,
		Email:                  p.Email,
		PushToken:              p.PushToken,
		Channels:               channels,
		CommissionBalanceMinor: minor,
		CreatedAt:              p.CreatedAt.UTC(),
	}
	if err := s.db.WithContext(ctx).Create(&m).Error; err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("partner %s: %w", p.ID, commission.ErrConflict)
		}
		return fmt.Errorf("failed to create partner: %w", err)
	}
	return nil
}

func (s *Store) GetPartner(ctx context.Context, id commission.PartnerID) (commission.Partner, error) {
	return getPartner(s.db.WithContext(ctx), id)
}

func getPartner(q *gorm.DB, id commission.PartnerID) (commission.Partner, error) {
	var m partnerModel
	if err := q.Where("id = ?", string(id)).Take(&m).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return commission.Partner{}, commission.ErrNotFound
		}
		return commission.Partner{}, fmt.Errorf("failed to load partner: %w", err)
	}
	return m.toDomain()
}

func (s *Store) ListPartners(ctx context.Context) ([]commission.Partner, error) {
	var models []partnerModel
	if err := s.db.WithContext(ctx).Order("id").Find(&models).Error; err != nil {
		return nil, fmt.Errorf("failed to list partners: %w", err)
	}
	out := make([]commission.Partner, 0, len(models))
	for _, m := range models {
		p, err := m.toDomain()
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}

func (m partnerModel) toDomain() (commission.Partner, error) {
	p := commission.Partner{
		ID:                commission.PartnerID(m.ID),
		Name:              m.Name,
		Phone:             m.Phone,
		Email:             m.Email,
		PushToken:         m.PushToken,
		CommissionBalance: commission.FromMinorUnits(m.CommissionBalanceMinor),
		CreatedAt:         m.CreatedAt.UTC(),
	}
	if len(m.Channels) > 0 && string(m.Channels) != "null" {
		if err := json.Unmarshal(m.Channels, &p.Channels); err != nil {
			return commission.Partner{}, fmt.Errorf("failed to decode channels of %s: %w", m.ID, err)
		}
	}
	return p, nil
}

func (s *Store) IncrementBalance(ctx context.Context, id commission.PartnerID, amount decimal.Decimal) (decimal.Decimal, error) {
	return s.adjust(ctx, id, amount, false)
}

func (s *Store) DecrementBalance(ctx context.Context, id commission.PartnerID, amount decimal.Decimal) (decimal.Decimal, error) {
	return s.adjust(ctx, id, amount, true)
}

// adjust runs one conditional UPDATE and reads the result back in the
// same transaction, where the updated row stays locked.
func (s *Store) adjust(ctx context.Context, id commission.PartnerID, amount decimal.Decimal, debit bool) (decimal.Decimal, error) {
	minor, err := commission.ToMinorUnits(amount)
	if err != nil {
		return decimal.Zero, err
	}

	var balance decimal.Decimal
	err = s.atomic(ctx, func(tx *gorm.DB) error {
		q := tx.Model(&partnerModel{}).Where("id = ?", string(id))
		expr := gorm.Expr("commission_balance_minor + ?", minor)
		if debit {
			q = q.Where("commission_balance_minor >= ?", minor)
			expr = gorm.Expr("commission_balance_minor - ?", minor)
		}
		res := q.UpdateColumn("commission_balance_minor", expr)
		if res.Error != nil {
			return fmt.Errorf("failed to update balance: %w", res.Error)
		}

		p, err := getPartner(tx, id)
		if err != nil {
			return err
		}
		if res.RowsAffected == 0 {
			return commission.ErrInsufficientBalance
		}
		balance = p.CommissionBalance
		return nil
	})
	return balance, err
}

// =============================================================================
// HELPERS
// =============================================================================

func isUniqueViolation(err error) bool {
	return errors.Is(err, gorm.ErrDuplicatedKey) || mentions(err, "UNIQUE constraint failed", "duplicate key", "SQLSTATE 23505")
}

func mentions(err error, needles ...string) bool {
	msg := err.Error()
	for _, n := range needles {
		if strings.Contains(msg, n) {
			return true
		}
	}
	return false
}

func decimalString(d decimal.Decimal) string {
	if d.IsZero() {
		return ""
	}
	return d.String()
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}
