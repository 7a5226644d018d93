package commission

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// =============================================================================
// REFERRAL REGISTRY - owns the pending -> completed state machine
// =============================================================================

// ReferralRegistry is a pure state-machine step: it never touches the
// ledger or balances. Callers compose Complete with the ledger write.
type ReferralRegistry struct {
	store ReferralStore
	now   func() time.Time
}

func NewReferralRegistry(store ReferralStore) *ReferralRegistry {
	return &ReferralRegistry{store: store, now: utcNow}
}

// Register records a new pending referral. The first referrer wins: a
// farmer with a pending referral cannot be referred again.
func (r *ReferralRegistry) Register(ctx context.Context, ref Referral) (Referral, error) {
	if ref.FarmerID == "" {
		return Referral{}, &ValidationError{Field: "farmer_id", Message: "required"}
	}
	if ref.PartnerID == "" {
		return Referral{}, &ValidationError{Field: "partner_id", Message: "required"}
	}
	if err := validateRate(ref.CommissionRate); err != nil {
		return Referral{}, err
	}

	if ref.ID == "" {
		ref.ID = ReferralID(uuid.NewString())
	}
	ref.Status = ReferralPending
	ref.TransactionAmount = decimal.Zero
	ref.TransactionID = ""
	ref.CompletedAt = nil
	if ref.CreatedAt.IsZero() {
		ref.CreatedAt = r.now()
	}

	if err := r.store.CreateReferral(ctx, ref); err != nil {
		if errors.Is(err, ErrPendingReferralExists) {
			return Referral{}, &ConflictError{
				Resource: "farmer", ID: string(ref.FarmerID),
				Reason: "already has a pending referral", Cause: err,
			}
		}
		if errors.Is(err, ErrConflict) {
			return Referral{}, &ConflictError{Resource: "referral", ID: string(ref.ID), Reason: "already exists", Cause: err}
		}
		return Referral{}, fmt.Errorf("create referral: %w", err)
	}
	return ref, nil
}

func (r *ReferralRegistry) Get(ctx context.Context, id ReferralID) (Referral, error) {
	ref, err := r.store.GetReferral(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return Referral{}, &NotFoundError{Resource: "referral", ID: string(id)}
	}
	return ref, err
}

// FindActive returns the farmer's single pending referral, or a
// NotFoundError when the farmer has no referring partner or the referral
// has already been completed.
func (r *ReferralRegistry) FindActive(ctx context.Context, farmerID FarmerID) (Referral, error) {
	ref, err := r.store.FindPendingReferral(ctx, farmerID)
	if errors.Is(err, ErrNotFound) {
		return Referral{}, &NotFoundError{Resource: "active referral for farmer", ID: string(farmerID)}
	}
	return ref, err
}

// Complete transitions pending -> completed. Succeeds at most once per
// referral; later calls fail with ConflictError and change nothing.
func (r *ReferralRegistry) Complete(ctx context.Context, id ReferralID, amount decimal.Decimal, transactionID string) (Referral, error) {
	if !amount.IsPositive() {
		return Referral{}, &ValidationError{Field: "transaction_amount", Message: "must be positive"}
	}
	if transactionID == "" {
		return Referral{}, &ValidationError{Field: "transaction_id", Message: "required"}
	}

	ref, err := r.store.CompleteReferral(ctx, id, amount, transactionID, r.now())
	switch {
	case err == nil:
		return ref, nil
	case errors.Is(err, ErrNotFound):
		return Referral{}, &NotFoundError{Resource: "referral", ID: string(id)}
	case errors.Is(err, ErrNotPending):
		return Referral{}, &ConflictError{Resource: "referral", ID: string(id), Reason: "already completed", Cause: err}
	default:
		return Referral{}, fmt.Errorf("complete referral %s: %w", id, err)
	}
}

func validateRate(rate decimal.Decimal) error {
	if !rate.IsPositive() || rate.GreaterThan(decimal.NewFromInt(1)) {
		return &ValidationError{Field: "commission_rate", Message: "must be a fraction in (0, 1]"}
	}
	return nil
}

func utcNow() time.Time { return time.Now().UTC() }
