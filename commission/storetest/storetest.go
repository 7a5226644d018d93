// Package storetest is the conformance suite every commission.Store
// implementation runs from its own tests.
package storetest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agrilink/commission-engine/commission"
)

// Factory returns an empty store. Cleanup is registered on t.
type Factory func(t *testing.T) commission.Store

// Run executes the whole suite against stores built by newStore.
func Run(t *testing.T, newStore Factory) {
	t.Run("Referrals", func(t *testing.T) { testReferrals(t, newStore) })
	t.Run("Ledger", func(t *testing.T) { testLedger(t, newStore) })
	t.Run("Pagination", func(t *testing.T) { testPagination(t, newStore) })
	t.Run("Balances", func(t *testing.T) { testBalances(t, newStore) })
	t.Run("ConcurrentCredits", func(t *testing.T) { testConcurrentCredits(t, newStore) })
	t.Run("Transactions", func(t *testing.T) { testWithTx(t, newStore) })
}

var base = time.Date(2025, time.March, 10, 9, 0, 0, 0, time.UTC)

func money(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func partner(id string) commission.Partner {
	return commission.Partner{
		ID:                commission.PartnerID(id),
		Name:              "Partner " + id,
		Phone:             "+254700000000",
		Channels:          []commission.Channel{commission.ChannelSMS},
		CommissionBalance: decimal.Zero,
		CreatedAt:         base,
	}
}

func pendingReferral(id, farmer, partnerID string) commission.Referral {
	return commission.Referral{
		ID:             commission.ReferralID(id),
		FarmerID:       commission.FarmerID(farmer),
		PartnerID:      commission.PartnerID(partnerID),
		Status:         commission.ReferralPending,
		CommissionRate: money("0.02"),
		CreatedAt:      base,
	}
}

func commissionEntry(id, partnerID, ref string, amount string, at time.Time) commission.Transaction {
	return commission.Transaction{
		ID:          commission.TransactionID(id),
		Type:        commission.TxCommission,
		Amount:      money(amount),
		Reference:   ref,
		Status:      commission.StatusPending,
		PartnerID:   commission.PartnerID(partnerID),
		ReferralID:  "ref-" + commission.ReferralID(id),
		Description: "test commission",
		Metadata:    map[string]string{commission.MetaFarmerID: "farmer-1"},
		CreatedAt:   at,
	}
}

// =============================================================================
// REFERRALS
// =============================================================================

func testReferrals(t *testing.T, newStore Factory) {
	ctx := context.Background()

	t.Run("first referrer wins", func(t *testing.T) {
		// GIVEN: farmer-1 referred by p1
		s := newStore(t)
		require.NoError(t, s.CreateReferral(ctx, pendingReferral("r1", "farmer-1", "p1")))

		// WHEN: p2 tries to refer the same farmer
		err := s.CreateReferral(ctx, pendingReferral("r2", "farmer-1", "p2"))

		// THEN: rejected, p1 remains the active referrer
		assert.ErrorIs(t, err, commission.ErrPendingReferralExists)
		active, err := s.FindPendingReferral(ctx, "farmer-1")
		require.NoError(t, err)
		assert.Equal(t, commission.PartnerID("p1"), active.PartnerID)
	})

	t.Run("complete is conditional", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.CreateReferral(ctx, pendingReferral("r1", "farmer-1", "p1")))

		done, err := s.CompleteReferral(ctx, "r1", money("50000"), "TX1", base.Add(time.Hour))
		require.NoError(t, err)
		assert.Equal(t, commission.ReferralCompleted, done.Status)
		assert.Equal(t, "TX1", done.TransactionID)
		assert.True(t, money("50000").Equal(done.TransactionAmount))
		require.NotNil(t, done.CompletedAt)

		// Second completion changes nothing
		_, err = s.CompleteReferral(ctx, "r1", money("99"), "TX2", base.Add(2*time.Hour))
		assert.ErrorIs(t, err, commission.ErrNotPending)

		got, err := s.GetReferral(ctx, "r1")
		require.NoError(t, err)
		assert.Equal(t, "TX1", got.TransactionID)
		assert.True(t, money("50000").Equal(got.TransactionAmount))
		assert.True(t, money("0.02").Equal(got.CommissionRate))

		_, err = s.FindPendingReferral(ctx, "farmer-1")
		assert.ErrorIs(t, err, commission.ErrNotFound)
	})

	t.Run("completed referral frees the farmer", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.CreateReferral(ctx, pendingReferral("r1", "farmer-1", "p1")))
		_, err := s.CompleteReferral(ctx, "r1", money("10"), "TX1", base)
		require.NoError(t, err)

		assert.NoError(t, s.CreateReferral(ctx, pendingReferral("r2", "farmer-1", "p2")))
	})

	t.Run("missing", func(t *testing.T) {
		s := newStore(t)
		_, err := s.GetReferral(ctx, "nope")
		assert.ErrorIs(t, err, commission.ErrNotFound)
		_, err = s.CompleteReferral(ctx, "nope", money("1"), "TX", base)
		assert.ErrorIs(t, err, commission.ErrNotFound)
	})

	t.Run("concurrent completion succeeds once", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.CreateReferral(ctx, pendingReferral("r1", "farmer-1", "p1")))

		var wg sync.WaitGroup
		results := make(chan error, 10)
		for i := 0; i < 10; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				_, err := s.CompleteReferral(ctx, "r1", money("100"), fmt.Sprintf("TX%d", i), base)
				results <- err
			}(i)
		}
		wg.Wait()
		close(results)

		succeeded := 0
		for err := range results {
			if err == nil {
				succeeded++
				continue
			}
			assert.ErrorIs(t, err, commission.ErrNotPending)
		}
		assert.Equal(t, 1, succeeded)
	})
}

// =============================================================================
// LEDGER
// =============================================================================

func testLedger(t *testing.T, newStore Factory) {
	ctx := context.Background()

	t.Run("duplicate reference", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.AppendTransaction(ctx, commissionEntry("t1", "p1", "COMM_TX1", "1000", base)))

		err := s.AppendTransaction(ctx, commissionEntry("t2", "p1", "COMM_TX1", "1000", base))
		assert.ErrorIs(t, err, commission.ErrDuplicateReference)

		_, err = s.GetTransaction(ctx, "t2")
		assert.ErrorIs(t, err, commission.ErrNotFound)
	})

	t.Run("round trip", func(t *testing.T) {
		s := newStore(t)
		in := commissionEntry("t1", "p1", "COMM_TX1", "1000.50", base)
		require.NoError(t, s.AppendTransaction(ctx, in))

		got, err := s.GetTransaction(ctx, "t1")
		require.NoError(t, err)
		assert.Equal(t, in.Type, got.Type)
		assert.True(t, in.Amount.Equal(got.Amount), "amount %s", got.Amount)
		assert.Equal(t, in.Reference, got.Reference)
		assert.Equal(t, in.PartnerID, got.PartnerID)
		assert.Equal(t, in.ReferralID, got.ReferralID)
		assert.Equal(t, "farmer-1", got.Metadata[commission.MetaFarmerID])
		assert.True(t, in.CreatedAt.Equal(got.CreatedAt))
		assert.Nil(t, got.ProcessedAt)

		byRef, err := s.GetTransactionByReference(ctx, "COMM_TX1")
		require.NoError(t, err)
		assert.Equal(t, got.ID, byRef.ID)

		_, err = s.GetTransactionByReference(ctx, "COMM_NONE")
		assert.ErrorIs(t, err, commission.ErrNotFound)
	})

	t.Run("status flip is conditional", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.AppendTransaction(ctx, commissionEntry("t1", "p1", "COMM_TX1", "1000", base)))

		at := base.Add(time.Hour)
		done, err := s.UpdateTransactionStatus(ctx, "t1", commission.StatusCompleted,
			map[string]string{commission.MetaPaymentMethod: "mpesa"}, at)
		require.NoError(t, err)
		assert.Equal(t, commission.StatusCompleted, done.Status)
		assert.Equal(t, "mpesa", done.Metadata[commission.MetaPaymentMethod])
		assert.Equal(t, "farmer-1", done.Metadata[commission.MetaFarmerID], "metadata is merged")
		require.NotNil(t, done.ProcessedAt)
		assert.True(t, at.Equal(*done.ProcessedAt))

		_, err = s.UpdateTransactionStatus(ctx, "t1", commission.StatusFailed, nil, at)
		assert.ErrorIs(t, err, commission.ErrNotPending)

		_, err = s.UpdateTransactionStatus(ctx, "missing", commission.StatusCompleted, nil, at)
		assert.ErrorIs(t, err, commission.ErrNotFound)
	})

	t.Run("partner load is oldest first and bounded", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.AppendTransaction(ctx, commissionEntry("t2", "p1", "R2", "2", base.Add(48*time.Hour))))
		require.NoError(t, s.AppendTransaction(ctx, commissionEntry("t1", "p1", "R1", "1", base)))
		require.NoError(t, s.AppendTransaction(ctx, commissionEntry("t3", "p1", "R3", "3", base.AddDate(0, 2, 0))))
		require.NoError(t, s.AppendTransaction(ctx, commissionEntry("t4", "p2", "R4", "4", base)))

		all, err := s.LoadPartnerTransactions(ctx, "p1", nil, nil)
		require.NoError(t, err)
		require.Len(t, all, 3)
		assert.Equal(t, commission.TransactionID("t1"), all[0].ID)
		assert.Equal(t, commission.TransactionID("t2"), all[1].ID)
		assert.Equal(t, commission.TransactionID("t3"), all[2].ID)

		from, to := base, base.AddDate(0, 1, 0)
		bounded, err := s.LoadPartnerTransactions(ctx, "p1", &from, &to)
		require.NoError(t, err)
		assert.Len(t, bounded, 2)
	})
}

func testPagination(t *testing.T, newStore Factory) {
	ctx := context.Background()
	s := newStore(t)

	// GIVEN: 25 entries for p1 at increasing times, 5 for p2
	for i := 0; i < 25; i++ {
		e := commissionEntry(fmt.Sprintf("a%02d", i), "p1", fmt.Sprintf("COMM_A%02d", i), "10", base.Add(time.Duration(i)*time.Minute))
		if i%5 == 0 {
			e.Status = commission.StatusCompleted
		}
		require.NoError(t, s.AppendTransaction(ctx, e))
	}
	for i := 0; i < 5; i++ {
		require.NoError(t, s.AppendTransaction(ctx, commissionEntry(fmt.Sprintf("b%02d", i), "p2", fmt.Sprintf("COMM_B%02d", i), "10", base)))
	}

	// WHEN: paging p1 with limit 10
	f := commission.TransactionFilter{PartnerID: "p1", Page: 1, Limit: 10}
	first, total, err := s.ListTransactions(ctx, f)
	require.NoError(t, err)

	// THEN: newest first, total counts every match
	assert.Equal(t, 25, total)
	require.Len(t, first, 10)
	assert.Equal(t, commission.TransactionID("a24"), first[0].ID)
	assert.Equal(t, commission.TransactionID("a15"), first[9].ID)

	f.Page = 3
	last, _, err := s.ListTransactions(ctx, f)
	require.NoError(t, err)
	require.Len(t, last, 5)
	assert.Equal(t, commission.TransactionID("a00"), last[4].ID)

	f.Page = 4
	empty, total, err := s.ListTransactions(ctx, f)
	require.NoError(t, err)
	assert.Empty(t, empty)
	assert.Equal(t, 25, total)

	completed, total, err := s.ListTransactions(ctx, commission.TransactionFilter{
		Status: commission.StatusCompleted, Type: commission.TxCommission, Page: 1, Limit: 100,
	})
	require.NoError(t, err)
	assert.Equal(t, 5, total)
	assert.Len(t, completed, 5)
}

// =============================================================================
// BALANCES
// =============================================================================

func testBalances(t *testing.T, newStore Factory) {
	ctx := context.Background()

	t.Run("partner lifecycle", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.CreatePartner(ctx, partner("p1")))
		assert.ErrorIs(t, s.CreatePartner(ctx, partner("p1")), commission.ErrConflict)

		got, err := s.GetPartner(ctx, "p1")
		require.NoError(t, err)
		assert.Equal(t, "Partner p1", got.Name)
		assert.True(t, got.CommissionBalance.IsZero())
		assert.Equal(t, []commission.Channel{commission.ChannelSMS}, got.Channels)

		_, err = s.GetPartner(ctx, "p9")
		assert.ErrorIs(t, err, commission.ErrNotFound)

		require.NoError(t, s.CreatePartner(ctx, partner("p0")))
		all, err := s.ListPartners(ctx)
		require.NoError(t, err)
		assert.Len(t, all, 2)
	})

	t.Run("conditional debit", func(t *testing.T) {
		// GIVEN: balance 500
		s := newStore(t)
		require.NoError(t, s.CreatePartner(ctx, partner("p1")))
		bal, err := s.IncrementBalance(ctx, "p1", money("500"))
		require.NoError(t, err)
		assert.True(t, money("500").Equal(bal))

		// WHEN: debiting more than the balance
		_, err = s.DecrementBalance(ctx, "p1", money("500.01"))

		// THEN: refused, balance untouched
		assert.ErrorIs(t, err, commission.ErrInsufficientBalance)
		got, err := s.GetPartner(ctx, "p1")
		require.NoError(t, err)
		assert.True(t, money("500").Equal(got.CommissionBalance))

		// Exact balance drains to zero
		bal, err = s.DecrementBalance(ctx, "p1", money("500"))
		require.NoError(t, err)
		assert.True(t, bal.IsZero())
	})

	t.Run("unknown partner", func(t *testing.T) {
		s := newStore(t)
		_, err := s.IncrementBalance(ctx, "ghost", money("1"))
		assert.ErrorIs(t, err, commission.ErrNotFound)
		_, err = s.DecrementBalance(ctx, "ghost", money("1"))
		assert.ErrorIs(t, err, commission.ErrNotFound)
	})
}

func testConcurrentCredits(t *testing.T, newStore Factory) {
	ctx := context.Background()
	s := newStore(t)
	require.NoError(t, s.CreatePartner(ctx, partner("p1")))

	// GIVEN: 50 concurrent credits of 10.01 and 10 concurrent debits of 5
	const credits, debits = 50, 10
	var wg sync.WaitGroup
	for i := 0; i < credits; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.IncrementBalance(ctx, "p1", money("10.01"))
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	for i := 0; i < debits; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.DecrementBalance(ctx, "p1", money("5"))
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	// THEN: no lost updates
	got, err := s.GetPartner(ctx, "p1")
	require.NoError(t, err)
	assert.True(t, money("450.50").Equal(got.CommissionBalance), "balance %s", got.CommissionBalance)
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

func testWithTx(t *testing.T, newStore Factory) {
	ctx := context.Background()
	s := newStore(t)
	ts, ok := s.(commission.TxStore)
	if !ok {
		t.Skip("store has no transaction support")
	}
	require.NoError(t, ts.CreatePartner(ctx, partner("p1")))

	// WHEN: a transaction credits and appends, then fails
	boom := errors.New("boom")
	err := ts.WithTx(ctx, func(tx commission.Store) error {
		if _, err := tx.IncrementBalance(ctx, "p1", money("100")); err != nil {
			return err
		}
		if err := tx.AppendTransaction(ctx, commissionEntry("t1", "p1", "COMM_TX1", "100", base)); err != nil {
			return err
		}
		return boom
	})

	// THEN: both writes are rolled back
	assert.ErrorIs(t, err, boom)
	got, err := ts.GetPartner(ctx, "p1")
	require.NoError(t, err)
	assert.True(t, got.CommissionBalance.IsZero(), "balance %s", got.CommissionBalance)
	_, err = ts.GetTransaction(ctx, "t1")
	assert.ErrorIs(t, err, commission.ErrNotFound)

	// A successful transaction commits both
	err = ts.WithTx(ctx, func(tx commission.Store) error {
		if _, err := tx.IncrementBalance(ctx, "p1", money("100")); err != nil {
			return err
		}
		return tx.AppendTransaction(ctx, commissionEntry("t1", "p1", "COMM_TX1", "100", base))
	})
	require.NoError(t, err)
	got, err = ts.GetPartner(ctx, "p1")
	require.NoError(t, err)
	assert.True(t, money("100").Equal(got.CommissionBalance))
	_, err = ts.GetTransaction(ctx, "t1")
	assert.NoError(t, err)
}
