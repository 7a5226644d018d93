package commission

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// PayoutSettlementAdmin settles pending commission entries by hand, for
// commissions recorded under SettleDeferredPayout.
type PayoutSettlementAdmin struct {
	store    Store
	notifier Notifier
	logger   *zap.Logger
	now      func() time.Time
}

func NewPayoutSettlementAdmin(store Store, opts ...Option) *PayoutSettlementAdmin {
	s := applyOptions(opts)
	return &PayoutSettlementAdmin{store: store, notifier: s.notifier, logger: s.logger, now: s.now}
}

// Settle marks a pending commission entry completed and credits the
// partner with its amount. amount must equal the recorded amount.
func (a *PayoutSettlementAdmin) Settle(ctx context.Context, id TransactionID, amount decimal.Decimal, paymentMethod, reference string) (Transaction, error) {
	if err := validateAmount(amount); err != nil {
		return Transaction{}, err
	}
	if paymentMethod == "" {
		return Transaction{}, &ValidationError{Field: "payment_method", Message: "required"}
	}

	ledger := &Ledger{store: a.store, now: a.now}
	entry, err := ledger.Get(ctx, id)
	if err != nil {
		return Transaction{}, err
	}
	if entry.Type != TxCommission {
		return Transaction{}, &ValidationError{Field: "transaction_id", Message: "not a commission entry"}
	}
	if entry.Status != StatusPending {
		return Transaction{}, &ConflictError{Resource: "transaction", ID: string(id), Reason: "already processed", Cause: ErrNotPending}
	}
	if !amount.Equal(entry.Amount) {
		return Transaction{}, &ValidationError{
			Field:   "amount",
			Message: "must equal the recorded commission of " + entry.Amount.StringFixed(MoneyScale),
		}
	}

	partner, err := a.store.GetPartner(ctx, entry.PartnerID)
	if errors.Is(err, ErrNotFound) {
		return Transaction{}, &NotFoundError{Resource: "partner", ID: string(entry.PartnerID)}
	}
	if err != nil {
		return Transaction{}, err
	}

	log := a.logger.With(zap.String("partner_id", string(entry.PartnerID)), zap.String("transaction_id", string(id)))
	metadata := map[string]string{
		MetaPaymentMethod: paymentMethod,
		MetaSettledBy:     "admin",
	}
	if reference != "" {
		metadata[MetaPaymentReference] = reference
	}

	var (
		settled Transaction
		marked  bool
		balance decimal.Decimal
	)
	transactional, err := atomically(ctx, a.store, func(s Store) error {
		var err error
		// The conditional flip is the guard against concurrent settles.
		settled, err = (&Ledger{store: s, now: a.now}).MarkCompleted(ctx, id, metadata)
		if err != nil {
			return err
		}
		marked = true
		balance, err = NewPartnerBalanceAccount(s).Credit(ctx, entry.PartnerID, entry.Amount)
		return err
	})
	if err != nil {
		if marked && !transactional {
			ierr := &IntegrityError{PartnerID: entry.PartnerID, Operation: "payout credit", Cause: err}
			log.Error("commission marked paid but partner not credited", zap.Error(ierr))
			return Transaction{}, ierr
		}
		return Transaction{}, err
	}

	log.Info("commission payout settled",
		zap.String("payment_method", paymentMethod),
		zap.String("balance", balance.String()))
	a.notifier.Notify(ctx, partner.Contact(), commissionPaidMessage(settled, balance))
	return settled, nil
}
