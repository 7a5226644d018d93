package commission_test

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agrilink/commission-engine/commission"
	"github.com/agrilink/commission-engine/commission/store"
)

func TestPayout_SettlesPendingCommission(t *testing.T) {
	// GIVEN: a deferred commission of 2500
	ctx := context.Background()
	f := newFixture(t, store.NewTxMemory(), commission.WithSettlementMode(commission.SettleDeferredPayout))
	pending := f.earn(t, "farmer-1", "50000", "TX1").Transaction

	// WHEN: an admin pays it
	paid, err := f.engine.ProcessCommissionPayment(ctx, pending.ID, money("2500"), "mpesa", "MP-778")

	// THEN: entry completed with payment metadata and the partner credited
	require.NoError(t, err)
	assert.Equal(t, commission.StatusCompleted, paid.Status)
	assert.Equal(t, "mpesa", paid.Metadata[commission.MetaPaymentMethod])
	assert.Equal(t, "MP-778", paid.Metadata[commission.MetaPaymentReference])
	assert.Equal(t, "admin", paid.Metadata[commission.MetaSettledBy])
	assertMoney(t, "2500", f.balance(t))
	assert.NoError(t, f.engine.VerifyPartnerBalance(ctx, "partner-1"))

	msgs := f.notifier.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, commission.EventCommissionPaid, msgs[0].Message.Event)

	// Paying twice is a conflict and changes nothing
	_, err = f.engine.ProcessCommissionPayment(ctx, pending.ID, money("2500"), "mpesa", "MP-779")
	assert.ErrorIs(t, err, commission.ErrConflict)
	assertMoney(t, "2500", f.balance(t))
}

func TestPayout_Rejections(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, store.NewMemory(), commission.WithSettlementMode(commission.SettleDeferredPayout))
	pending := f.earn(t, "farmer-1", "50000", "TX1").Transaction

	_, err := f.engine.ProcessCommissionPayment(ctx, pending.ID, money("2000"), "mpesa", "")
	assert.Equal(t, commission.KindValidation, commission.KindOf(err), "amount must match")

	_, err = f.engine.ProcessCommissionPayment(ctx, pending.ID, money("2500"), "", "")
	assert.Equal(t, commission.KindValidation, commission.KindOf(err), "method required")

	_, err = f.engine.ProcessCommissionPayment(ctx, "missing", money("2500"), "mpesa", "")
	assert.Equal(t, commission.KindNotFound, commission.KindOf(err))
	assertMoney(t, "0", f.balance(t))
}

func TestPayout_RejectsNonCommissionAndCompletedEntries(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, store.NewMemory())
	earned := f.earn(t, "farmer-1", "50000", "TX1").Transaction

	_, err := f.engine.ProcessCommissionPayment(ctx, earned.ID, money("2500"), "mpesa", "")
	assert.Equal(t, commission.KindConflict, commission.KindOf(err), "auto-credited entries are already completed")

	wd, err := f.engine.ProcessWithdrawal(ctx, "partner-1", money("100"))
	require.NoError(t, err)
	_, err = f.engine.ProcessCommissionPayment(ctx, wd.ID, money("100"), "mpesa", "")
	assert.Equal(t, commission.KindValidation, commission.KindOf(err))
	assertMoney(t, "2400", f.balance(t))
}

func TestPayout_ConcurrentSettlesPayOnce(t *testing.T) {
	for name, newStore := range storeFactories {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			f := newFixture(t, newStore(), commission.WithSettlementMode(commission.SettleDeferredPayout))
			pending := f.earn(t, "farmer-1", "50000", "TX1").Transaction

			var wg sync.WaitGroup
			for i := 0; i < 10; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					_, _ = f.engine.ProcessCommissionPayment(ctx, pending.ID, money("2500"), "bank", "")
				}()
			}
			wg.Wait()

			assertMoney(t, "2500", f.balance(t))
			assert.NoError(t, f.engine.VerifyPartnerBalance(ctx, "partner-1"))
		})
	}
}
