/*
calculator.go - Commission computation and settlement

SETTLE PROTOCOL:
  1. Complete the referral (conditional pending -> completed).
     Conflict: the referral was already completed. If it was completed by
     this same transaction id, a previous attempt crashed after step 1, so
     continue. Otherwise report a replay.
  2. Append the COMM_<transactionId> entry and credit the partner. Both run
     in one storage transaction when the store supports it.
     Duplicate reference: a previous attempt finished, report a replay.
  3. Notify, fire-and-forget.

  Each step is idempotent on its own, so retrying the whole call after a
  crash at any point converges to exactly one entry and one credit.
*/
package commission

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Calculation is the commission owed for one farmer transaction. It is a
// pure value: producing it changes nothing.
type Calculation struct {
	ReferralID        ReferralID
	PartnerID         PartnerID
	FarmerID          FarmerID
	TransactionID     string
	TransactionAmount decimal.Decimal
	CommissionRate    decimal.Decimal
	CommissionAmount  decimal.Decimal
}

func (c Calculation) validate() error {
	switch {
	case c.ReferralID == "":
		return &ValidationError{Field: "referral_id", Message: "required"}
	case c.PartnerID == "":
		return &ValidationError{Field: "partner_id", Message: "required"}
	case c.TransactionID == "":
		return &ValidationError{Field: "transaction_id", Message: "required"}
	case !c.TransactionAmount.IsPositive():
		return &ValidationError{Field: "transaction_amount", Message: "must be positive"}
	case !c.CommissionAmount.IsPositive():
		return &ValidationError{Field: "commission_amount", Message: "must be positive"}
	}
	return validateRate(c.CommissionRate)
}

// Settlement is the outcome of Settle. Replayed means an earlier call
// already settled this transaction (or the referral went to another one)
// and nothing changed.
type Settlement struct {
	Transaction Transaction
	Replayed    bool
	Credited    bool
	Balance     decimal.Decimal
}

type CommissionCalculator struct {
	store    Store
	registry *ReferralRegistry
	mode     SettlementMode
	notifier Notifier
	logger   *zap.Logger
	now      func() time.Time
}

func NewCommissionCalculator(store Store, opts ...Option) *CommissionCalculator {
	s := applyOptions(opts)
	registry := NewReferralRegistry(store)
	registry.now = s.now
	return &CommissionCalculator{
		store:    store,
		registry: registry,
		mode:     s.mode,
		notifier: s.notifier,
		logger:   s.logger,
		now:      s.now,
	}
}

// Calculate returns the commission for a farmer transaction, or nil with
// no error when the farmer has no active referral or the commission rounds
// to zero.
func (c *CommissionCalculator) Calculate(ctx context.Context, farmerID FarmerID, amount decimal.Decimal, transactionID string) (*Calculation, error) {
	if farmerID == "" {
		return nil, &ValidationError{Field: "farmer_id", Message: "required"}
	}
	if !amount.IsPositive() {
		return nil, &ValidationError{Field: "amount", Message: "must be positive"}
	}
	if transactionID == "" {
		return nil, &ValidationError{Field: "transaction_id", Message: "required"}
	}

	ref, err := c.registry.FindActive(ctx, farmerID)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	owed := RoundMoney(amount.Mul(ref.CommissionRate))
	if !owed.IsPositive() {
		// Nothing owed; the referral waits for a qualifying transaction.
		c.logger.Debug("commission rounds to zero, referral left pending",
			zap.String("referral_id", string(ref.ID)),
			zap.String("transaction_id", transactionID),
			zap.String("amount", amount.String()))
		return nil, nil
	}

	return &Calculation{
		ReferralID:        ref.ID,
		PartnerID:         ref.PartnerID,
		FarmerID:          farmerID,
		TransactionID:     transactionID,
		TransactionAmount: amount,
		CommissionRate:    ref.CommissionRate,
		CommissionAmount:  owed,
	}, nil
}

// matches checks calc against the stored referral: the partner, farmer and
// rate are the ones locked in at registration, and the amount is what that
// rate yields.
func (c Calculation) matches(ref Referral) error {
	switch {
	case c.PartnerID != ref.PartnerID:
		return &ValidationError{Field: "partner_id", Message: "does not match the referral"}
	case c.FarmerID != ref.FarmerID:
		return &ValidationError{Field: "farmer_id", Message: "does not match the referral"}
	case !c.CommissionRate.Equal(ref.CommissionRate):
		return &ValidationError{Field: "commission_rate", Message: "does not match the referral"}
	}
	if want := RoundMoney(c.TransactionAmount.Mul(ref.CommissionRate)); !c.CommissionAmount.Equal(want) {
		return &ValidationError{
			Field:   "commission_amount",
			Message: "must be " + want.StringFixed(MoneyScale) + " for this transaction",
		}
	}
	return nil
}

// Settle runs the settle protocol for calc. Replays return success with
// Replayed set and change nothing.
func (c *CommissionCalculator) Settle(ctx context.Context, calc Calculation) (Settlement, error) {
	if err := calc.validate(); err != nil {
		return Settlement{}, err
	}
	log := c.logger.With(
		zap.String("partner_id", string(calc.PartnerID)),
		zap.String("referral_id", string(calc.ReferralID)),
		zap.String("transaction_id", calc.TransactionID),
	)

	ref, err := c.registry.Get(ctx, calc.ReferralID)
	if err != nil {
		return Settlement{}, err
	}
	if err := calc.matches(ref); err != nil {
		log.Warn("calculation rejected", zap.Error(err))
		return Settlement{}, err
	}

	partner, err := c.store.GetPartner(ctx, calc.PartnerID)
	if errors.Is(err, ErrNotFound) {
		return Settlement{}, &NotFoundError{Resource: "partner", ID: string(calc.PartnerID)}
	}
	if err != nil {
		return Settlement{}, err
	}

	// Step 1
	if _, err := c.registry.Complete(ctx, calc.ReferralID, calc.TransactionAmount, calc.TransactionID); err != nil {
		if !errors.Is(err, ErrConflict) {
			return Settlement{}, err
		}
		ref, gerr := c.registry.Get(ctx, calc.ReferralID)
		if gerr != nil {
			return Settlement{}, gerr
		}
		if ref.TransactionID != calc.TransactionID {
			log.Info("referral already settled by another transaction",
				zap.String("settled_by_transaction", ref.TransactionID))
			return Settlement{Replayed: true}, nil
		}
		log.Info("referral already completed by this transaction, resuming settlement")
	}

	// Step 2
	now := c.now()
	entry := Transaction{
		ID:          TransactionID(uuid.NewString()),
		Type:        TxCommission,
		Amount:      calc.CommissionAmount,
		Reference:   CommissionReference(calc.TransactionID),
		Status:      StatusPending,
		PartnerID:   calc.PartnerID,
		ReferralID:  calc.ReferralID,
		Description: fmt.Sprintf("Referral commission on farmer %s transaction %s", calc.FarmerID, calc.TransactionID),
		Metadata: map[string]string{
			MetaFarmerID:   string(calc.FarmerID),
			MetaSourceTxID: calc.TransactionID,
		},
		CreatedAt: now,
	}
	credit := c.mode != SettleDeferredPayout
	if credit {
		entry.Status = StatusCompleted
		entry.ProcessedAt = &now
		entry.Metadata[MetaSettledBy] = "system"
	}

	var (
		appended bool
		balance  decimal.Decimal
	)
	transactional, err := atomically(ctx, c.store, func(s Store) error {
		ledger := &Ledger{store: s, now: c.now}
		recorded, err := ledger.Append(ctx, entry)
		if err != nil {
			return err
		}
		entry, appended = recorded, true
		if !credit {
			return nil
		}
		balance, err = NewPartnerBalanceAccount(s).Credit(ctx, entry.PartnerID, entry.Amount)
		return err
	})

	switch {
	case err == nil:
	case errors.Is(err, ErrDuplicateReference):
		existing, gerr := NewLedger(c.store).GetByReference(ctx, entry.Reference)
		if gerr != nil {
			return Settlement{}, gerr
		}
		log.Info("commission already recorded, replay ignored", zap.String("reference", entry.Reference))
		return Settlement{Transaction: existing, Replayed: true}, nil
	case appended && !transactional:
		// Completed entry without its credit.
		ierr := &IntegrityError{PartnerID: calc.PartnerID, Operation: "commission credit", Cause: err}
		log.Error("commission entry recorded but partner not credited", zap.Error(ierr))
		return Settlement{}, ierr
	default:
		return Settlement{}, err
	}

	result := Settlement{Transaction: entry, Credited: credit, Balance: balance}
	if credit {
		log.Info("commission credited",
			zap.String("amount", entry.Amount.String()),
			zap.String("balance", balance.String()))
		c.notifier.Notify(ctx, partner.Contact(), commissionEarnedMessage(entry, calc.FarmerID, balance))
	} else {
		log.Info("commission recorded for deferred payout", zap.String("amount", entry.Amount.String()))
	}
	return result, nil
}
