package commission_test

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agrilink/commission-engine/commission"
	"github.com/agrilink/commission-engine/commission/store"
)

func TestMinorUnits(t *testing.T) {
	minor, err := commission.ToMinorUnits(money("1234.5"))
	require.NoError(t, err)
	assert.Equal(t, int64(123450), minor)
	assertMoney(t, "1234.50", commission.FromMinorUnits(minor))

	_, err = commission.ToMinorUnits(money("0.001"))
	assert.Error(t, err)
}

func TestCheckSign(t *testing.T) {
	tests := []struct {
		name string
		tx   commission.Transaction
		ok   bool
	}{
		{"positive commission", commission.Transaction{Type: commission.TxCommission, Amount: money("1"), ReferralID: "r"}, true},
		{"negative commission", commission.Transaction{Type: commission.TxCommission, Amount: money("-1"), ReferralID: "r"}, false},
		{"commission without referral", commission.Transaction{Type: commission.TxCommission, Amount: money("1")}, false},
		{"negative withdrawal", commission.Transaction{Type: commission.TxWithdrawal, Amount: money("-1")}, true},
		{"positive withdrawal", commission.Transaction{Type: commission.TxWithdrawal, Amount: money("1")}, false},
		{"unknown type", commission.Transaction{Type: "bonus", Amount: money("1")}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.tx.CheckSign()
			if tt.ok {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, commission.ErrValidation)
			}
		})
	}
}

func TestPeriodFor(t *testing.T) {
	date := time.Date(2025, time.November, 17, 15, 30, 0, 0, time.UTC)

	month := commission.PeriodMonth.PeriodFor(date)
	assert.Equal(t, time.Date(2025, time.November, 1, 0, 0, 0, 0, time.UTC), month.Start)
	assert.True(t, month.Contains(time.Date(2025, time.November, 30, 23, 59, 59, 0, time.UTC)))
	assert.False(t, month.Contains(time.Date(2025, time.December, 1, 0, 0, 0, 0, time.UTC)))

	quarter := commission.PeriodQuarter.PeriodFor(date)
	assert.Equal(t, time.Date(2025, time.October, 1, 0, 0, 0, 0, time.UTC), quarter.Start)

	year := commission.PeriodYear.PeriodFor(date)
	assert.Equal(t, time.Date(2025, time.January, 1, 0, 0, 0, 0, time.UTC), year.Start)
	assert.True(t, year.Contains(time.Date(2025, time.December, 31, 23, 59, 59, 0, time.UTC)))

	assert.True(t, commission.PeriodAll.PeriodFor(date).IsZero())

	_, err := commission.ParsePeriodType("fortnight")
	assert.ErrorIs(t, err, commission.ErrValidation)
	pt, err := commission.ParsePeriodType("all")
	require.NoError(t, err)
	assert.Equal(t, commission.PeriodAll, pt)
}

func TestKindOf(t *testing.T) {
	tests := []struct {
		err  error
		kind commission.ErrorKind
	}{
		{nil, commission.KindNone},
		{&commission.ValidationError{Field: "amount", Message: "bad"}, commission.KindValidation},
		{fmt.Errorf("wrapped: %w", &commission.NotFoundError{Resource: "partner", ID: "p"}), commission.KindNotFound},
		{&commission.ConflictError{Resource: "reference", ID: "COMM_1", Cause: commission.ErrDuplicateReference}, commission.KindConflict},
		{&commission.InsufficientBalanceError{}, commission.KindInsufficientBalance},
		{&commission.IntegrityError{Cause: commission.ErrDuplicateReference}, commission.KindIntegrity},
		{errors.New("boom"), commission.KindInternal},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.kind, commission.KindOf(tt.err), "%v", tt.err)
	}

	conflict := &commission.ConflictError{Resource: "reference", Cause: commission.ErrDuplicateReference}
	assert.ErrorIs(t, conflict, commission.ErrDuplicateReference)
	assert.True(t, commission.IsExpected(conflict))
	assert.False(t, commission.IsExpected(&commission.IntegrityError{}))
}

func TestRegistration(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, store.NewMemory())

	// First referrer wins
	_, err := f.engine.RegisterReferral(ctx, commission.Referral{
		FarmerID: "farmer-1", PartnerID: "partner-1", CommissionRate: money("0.03"),
	})
	assert.ErrorIs(t, err, commission.ErrConflict)

	// Unknown partner is a validation failure
	_, err = f.engine.RegisterReferral(ctx, commission.Referral{
		FarmerID: "farmer-2", PartnerID: "ghost", CommissionRate: money("0.03"),
	})
	assert.ErrorIs(t, err, commission.ErrValidation)

	// Rate must be in (0, 1]
	for _, rate := range []string{"0", "-0.1", "1.5"} {
		_, err = f.engine.RegisterReferral(ctx, commission.Referral{
			FarmerID: "farmer-3", PartnerID: "partner-1", CommissionRate: money(rate),
		})
		assert.ErrorIs(t, err, commission.ErrValidation, "rate %s", rate)
	}

	_, err = f.engine.RegisterPartner(ctx, commission.Partner{ID: "partner-1", Name: "Dup"})
	assert.ErrorIs(t, err, commission.ErrConflict)
	_, err = f.engine.RegisterPartner(ctx, commission.Partner{ID: "p2"})
	assert.ErrorIs(t, err, commission.ErrValidation)
}
