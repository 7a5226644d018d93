package commission

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// =============================================================================
// PARTNER BALANCE ACCOUNT
// =============================================================================

// PartnerBalanceAccount mutates the running balance with single atomic
// store statements. It never reads the balance to compute a new one.
type PartnerBalanceAccount struct {
	store PartnerStore
}

func NewPartnerBalanceAccount(store PartnerStore) *PartnerBalanceAccount {
	return &PartnerBalanceAccount{store: store}
}

// Credit adds amount and returns the new balance.
func (a *PartnerBalanceAccount) Credit(ctx context.Context, id PartnerID, amount decimal.Decimal) (decimal.Decimal, error) {
	if err := validateAmount(amount); err != nil {
		return decimal.Zero, err
	}
	balance, err := a.store.IncrementBalance(ctx, id, amount)
	if errors.Is(err, ErrNotFound) {
		return decimal.Zero, &NotFoundError{Resource: "partner", ID: string(id)}
	}
	if err != nil {
		return decimal.Zero, fmt.Errorf("credit partner %s: %w", id, err)
	}
	return balance, nil
}

// Debit subtracts amount only if the balance covers it.
func (a *PartnerBalanceAccount) Debit(ctx context.Context, id PartnerID, amount decimal.Decimal) (decimal.Decimal, error) {
	if err := validateAmount(amount); err != nil {
		return decimal.Zero, err
	}
	balance, err := a.store.DecrementBalance(ctx, id, amount)
	switch {
	case err == nil:
		return balance, nil
	case errors.Is(err, ErrNotFound):
		return decimal.Zero, &NotFoundError{Resource: "partner", ID: string(id)}
	case errors.Is(err, ErrInsufficientBalance):
		// Informational only; the refusal itself came from the conditional write.
		available, _ := a.Balance(ctx, id)
		return decimal.Zero, &InsufficientBalanceError{
			PartnerID: id,
			Available: available,
			Requested: amount,
			Shortfall: amount.Sub(available),
		}
	default:
		return decimal.Zero, fmt.Errorf("debit partner %s: %w", id, err)
	}
}

func (a *PartnerBalanceAccount) Balance(ctx context.Context, id PartnerID) (decimal.Decimal, error) {
	p, err := a.store.GetPartner(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return decimal.Zero, &NotFoundError{Resource: "partner", ID: string(id)}
	}
	if err != nil {
		return decimal.Zero, err
	}
	return p.CommissionBalance, nil
}

func validateAmount(amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return &ValidationError{Field: "amount", Message: "must be positive"}
	}
	if _, err := ToMinorUnits(amount); err != nil {
		return &ValidationError{Field: "amount", Message: err.Error()}
	}
	return nil
}
