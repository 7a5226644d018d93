package commission

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// =============================================================================
// WITHDRAWAL PROCESSOR
// =============================================================================

// WithdrawalProcessor moves accrued commission out of a partner's balance.
// Order: debit, append the pending entry, mark it completed, notify. Once
// the debit has succeeded any failure is an IntegrityError; nothing tries
// to put the money back.
type WithdrawalProcessor struct {
	store    Store
	minimum  decimal.Decimal
	notifier Notifier
	logger   *zap.Logger
	now      func() time.Time
}

func NewWithdrawalProcessor(store Store, opts ...Option) *WithdrawalProcessor {
	s := applyOptions(opts)
	return &WithdrawalProcessor{
		store:    store,
		minimum:  s.minWithdrawal,
		notifier: s.notifier,
		logger:   s.logger,
		now:      s.now,
	}
}

// WithdrawalReference builds a fresh withdrawal reference.
func WithdrawalReference() string {
	return "WD_" + uuid.NewString()
}

func (w *WithdrawalProcessor) Process(ctx context.Context, partnerID PartnerID, amount decimal.Decimal) (Transaction, error) {
	if err := validateAmount(amount); err != nil {
		return Transaction{}, err
	}
	if amount.LessThan(w.minimum) {
		return Transaction{}, &ValidationError{
			Field:   "amount",
			Message: "below the minimum withdrawal of " + w.minimum.StringFixed(MoneyScale),
		}
	}

	partner, err := w.store.GetPartner(ctx, partnerID)
	if errors.Is(err, ErrNotFound) {
		return Transaction{}, &NotFoundError{Resource: "partner", ID: string(partnerID)}
	}
	if err != nil {
		return Transaction{}, err
	}

	log := w.logger.With(zap.String("partner_id", string(partnerID)), zap.String("amount", amount.String()))
	entry := Transaction{
		ID:          TransactionID(uuid.NewString()),
		Type:        TxWithdrawal,
		Amount:      amount.Neg(),
		Reference:   WithdrawalReference(),
		Status:      StatusPending,
		PartnerID:   partnerID,
		Description: "Commission withdrawal",
		CreatedAt:   w.now(),
	}

	var (
		completed Transaction
		balance   decimal.Decimal
	)
	transactional, err := atomically(ctx, w.store, func(s Store) error {
		var err error
		balance, err = NewPartnerBalanceAccount(s).Debit(ctx, partnerID, amount)
		if err != nil {
			return err
		}

		ledger := &Ledger{store: s, now: w.now}
		if _, err := ledger.Append(ctx, entry); err != nil {
			return &IntegrityError{PartnerID: partnerID, Operation: "withdrawal append", Cause: err}
		}
		completed, err = ledger.MarkCompleted(ctx, entry.ID, map[string]string{MetaSettledBy: "system"})
		if err != nil {
			return &IntegrityError{PartnerID: partnerID, Operation: "withdrawal completion", Cause: err}
		}
		return nil
	})
	if err != nil {
		var ierr *IntegrityError
		if errors.As(err, &ierr) {
			ierr.RolledBack = transactional
			log.Error("withdrawal debited without a completed ledger entry", zap.Error(ierr))
		}
		return Transaction{}, err
	}

	log.Info("withdrawal completed",
		zap.String("reference", completed.Reference),
		zap.String("balance", balance.String()))
	w.notifier.Notify(ctx, partner.Contact(), withdrawalMessage(completed, balance))
	return completed, nil
}
