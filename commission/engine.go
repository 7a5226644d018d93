/*
engine.go - External interface of the settlement engine

PURPOSE:
  One facade over the components. HTTP handlers, the reconciliation
  scheduler and the farmer-transaction hook all go through the Engine;
  nothing outside this package composes the components by hand.

OPERATIONS:
  CalculateCommission          pure; nil when the farmer has no active referral
  ProcessCommission            settle a calculation (idempotent)
  RecordFarmerTransaction      calculate + settle in one call
  GetPartnerCommissionSummary  cached aggregate over a calendar window
  GetPartnerCommissionHistory  paged ledger, newest first
  ProcessWithdrawal            debit + withdrawal entry
  GetAllCommissions            admin listing
  ProcessCommissionPayment     admin payout of a pending commission
  RegisterPartner, RegisterReferral, PartnerBalance, Partners
  VerifyPartnerBalance         balance == Σ completed entries, or IntegrityError

SEE ALSO:
  - calculator.go: settle protocol
  - withdrawal.go, payout.go: the other balance-moving flows
*/
package commission

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

type Engine struct {
	store       Store
	registry    *ReferralRegistry
	calculator  *CommissionCalculator
	ledger      *Ledger
	balances    *PartnerBalanceAccount
	withdrawals *WithdrawalProcessor
	payouts     *PayoutSettlementAdmin
	cache       SummaryCache
	logger      *zap.Logger
	now         func() time.Time

	// Bumped on every invalidation; a summary loaded across a bump is not cached.
	genMu sync.Mutex
	gens  map[PartnerID]uint64
}

func NewEngine(store Store, opts ...Option) *Engine {
	s := applyOptions(opts)
	registry := NewReferralRegistry(store)
	registry.now = s.now
	return &Engine{
		store:       store,
		registry:    registry,
		calculator:  NewCommissionCalculator(store, opts...),
		ledger:      &Ledger{store: store, now: s.now},
		balances:    NewPartnerBalanceAccount(store),
		withdrawals: NewWithdrawalProcessor(store, opts...),
		payouts:     NewPayoutSettlementAdmin(store, opts...),
		cache:       s.cache,
		logger:      s.logger,
		now:         s.now,
		gens:        make(map[PartnerID]uint64),
	}
}

// =============================================================================
// REGISTRATION
// =============================================================================

// RegisterPartner creates a partner with a zero balance.
func (e *Engine) RegisterPartner(ctx context.Context, p Partner) (Partner, error) {
	if p.ID == "" {
		return Partner{}, &ValidationError{Field: "id", Message: "required"}
	}
	if p.Name == "" {
		return Partner{}, &ValidationError{Field: "name", Message: "required"}
	}
	p.CommissionBalance = decimal.Zero
	if p.CreatedAt.IsZero() {
		p.CreatedAt = e.now()
	}
	if err := e.store.CreatePartner(ctx, p); err != nil {
		if errors.Is(err, ErrConflict) {
			return Partner{}, &ConflictError{Resource: "partner", ID: string(p.ID), Reason: "already exists", Cause: err}
		}
		return Partner{}, fmt.Errorf("create partner: %w", err)
	}
	e.logger.Info("partner registered", zap.String("partner_id", string(p.ID)))
	return p, nil
}

// RegisterReferral records that partner onboarded farmer. The partner must exist.
func (e *Engine) RegisterReferral(ctx context.Context, r Referral) (Referral, error) {
	if r.PartnerID != "" {
		if _, err := e.store.GetPartner(ctx, r.PartnerID); err != nil {
			if errors.Is(err, ErrNotFound) {
				return Referral{}, &ValidationError{Field: "partner_id", Message: "unknown partner " + string(r.PartnerID)}
			}
			return Referral{}, err
		}
	}
	ref, err := e.registry.Register(ctx, r)
	if err != nil {
		return Referral{}, err
	}
	e.logger.Info("referral registered",
		zap.String("referral_id", string(ref.ID)),
		zap.String("partner_id", string(ref.PartnerID)),
		zap.String("farmer_id", string(ref.FarmerID)))
	return ref, nil
}

func (e *Engine) GetReferral(ctx context.Context, id ReferralID) (Referral, error) {
	return e.registry.Get(ctx, id)
}

// =============================================================================
// COMMISSIONS
// =============================================================================

func (e *Engine) CalculateCommission(ctx context.Context, farmerID FarmerID, amount decimal.Decimal, transactionID string) (*Calculation, error) {
	return e.calculator.Calculate(ctx, farmerID, amount, transactionID)
}

func (e *Engine) ProcessCommission(ctx context.Context, calc Calculation) (Settlement, error) {
	s, err := e.calculator.Settle(ctx, calc)
	if (err == nil && !s.Replayed) || errors.Is(err, ErrIntegrity) {
		e.invalidate(ctx, calc.PartnerID)
	}
	return s, err
}

// RecordFarmerTransaction is the hook called for every farmer transaction.
// Returns nil when the farmer was not referred.
func (e *Engine) RecordFarmerTransaction(ctx context.Context, farmerID FarmerID, amount decimal.Decimal, transactionID string) (*Settlement, error) {
	calc, err := e.CalculateCommission(ctx, farmerID, amount, transactionID)
	if err != nil || calc == nil {
		return nil, err
	}
	s, err := e.ProcessCommission(ctx, *calc)
	if err != nil {
		return nil, err
	}
	return &s, nil
}

func (e *Engine) GetPartnerCommissionSummary(ctx context.Context, partnerID PartnerID, pt PeriodType) (Summary, error) {
	if _, err := e.PartnerBalance(ctx, partnerID); err != nil {
		return Summary{}, err
	}
	if e.cache != nil {
		if s, ok := e.cache.Get(ctx, partnerID, pt); ok {
			return s, nil
		}
	}
	gen := e.generation(partnerID)
	s, err := e.ledger.SummaryForPartner(ctx, partnerID, pt)
	if err != nil {
		return Summary{}, err
	}
	if e.cache != nil && e.generation(partnerID) == gen {
		e.cache.Set(ctx, pt, s)
	}
	return s, nil
}

func (e *Engine) GetPartnerCommissionHistory(ctx context.Context, partnerID PartnerID, page, limit int) (Page, error) {
	if _, err := e.PartnerBalance(ctx, partnerID); err != nil {
		return Page{}, err
	}
	return e.ledger.HistoryForPartner(ctx, partnerID, page, limit)
}

func (e *Engine) GetAllCommissions(ctx context.Context, filter TransactionFilter) (Page, error) {
	return e.ledger.AllCommissions(ctx, filter)
}

func (e *Engine) GetTransaction(ctx context.Context, id TransactionID) (Transaction, error) {
	return e.ledger.Get(ctx, id)
}

// =============================================================================
// BALANCE MOVEMENTS
// =============================================================================

func (e *Engine) ProcessWithdrawal(ctx context.Context, partnerID PartnerID, amount decimal.Decimal) (Transaction, error) {
	tx, err := e.withdrawals.Process(ctx, partnerID, amount)
	if err == nil || errors.Is(err, ErrIntegrity) {
		e.invalidate(ctx, partnerID)
	}
	return tx, err
}

func (e *Engine) ProcessCommissionPayment(ctx context.Context, id TransactionID, amount decimal.Decimal, paymentMethod, reference string) (Transaction, error) {
	tx, err := e.payouts.Settle(ctx, id, amount, paymentMethod, reference)
	var ierr *IntegrityError
	switch {
	case err == nil:
		e.invalidate(ctx, tx.PartnerID)
	case errors.As(err, &ierr):
		e.invalidate(ctx, ierr.PartnerID)
	}
	return tx, err
}

func (e *Engine) invalidate(ctx context.Context, partnerID PartnerID) {
	if e.cache == nil || partnerID == "" {
		return
	}
	e.genMu.Lock()
	e.gens[partnerID]++
	e.genMu.Unlock()
	e.cache.Invalidate(ctx, partnerID)
}

func (e *Engine) generation(partnerID PartnerID) uint64 {
	e.genMu.Lock()
	defer e.genMu.Unlock()
	return e.gens[partnerID]
}

// =============================================================================
// PARTNERS & RECONCILIATION
// =============================================================================

func (e *Engine) PartnerBalance(ctx context.Context, partnerID PartnerID) (decimal.Decimal, error) {
	return e.balances.Balance(ctx, partnerID)
}

func (e *Engine) GetPartner(ctx context.Context, partnerID PartnerID) (Partner, error) {
	p, err := e.store.GetPartner(ctx, partnerID)
	if errors.Is(err, ErrNotFound) {
		return Partner{}, &NotFoundError{Resource: "partner", ID: string(partnerID)}
	}
	return p, err
}

func (e *Engine) Partners(ctx context.Context) ([]Partner, error) {
	return e.store.ListPartners(ctx)
}

// VerifyPartnerBalance checks the conservation invariant for one partner.
// A mismatch is reported as an IntegrityError and never corrected.
//
// Both figures are read in one storage transaction when the store supports
// it. A mismatch is re-read once before it is reported, so a settlement
// committing between the two reads is not mistaken for a broken balance.
func (e *Engine) VerifyPartnerBalance(ctx context.Context, partnerID PartnerID) error {
	balance, expected, err := e.conservationFigures(ctx, partnerID)
	if err != nil {
		return err
	}
	if !balance.Equal(expected) {
		if balance, expected, err = e.conservationFigures(ctx, partnerID); err != nil {
			return err
		}
	}
	if !balance.Equal(expected) {
		return &IntegrityError{
			PartnerID: partnerID,
			Operation: "balance verification",
			Expected:  expected,
			Actual:    balance,
		}
	}
	return nil
}

func (e *Engine) conservationFigures(ctx context.Context, partnerID PartnerID) (balance, expected decimal.Decimal, err error) {
	_, err = atomically(ctx, e.store, func(s Store) error {
		var err error
		if balance, err = NewPartnerBalanceAccount(s).Balance(ctx, partnerID); err != nil {
			return err
		}
		expected, err = NewLedger(s).CompletedTotal(ctx, partnerID)
		return err
	})
	return balance, expected, err
}
