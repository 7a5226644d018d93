package commission_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agrilink/commission-engine/commission"
	"github.com/agrilink/commission-engine/commission/store"
)

// referFarmers registers n extra farmers for partner-1 at 10%.
func referFarmers(t *testing.T, f *fixture, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		_, err := f.engine.RegisterReferral(context.Background(), commission.Referral{
			FarmerID: commission.FarmerID(fmt.Sprintf("farmer-x%d", i)), PartnerID: "partner-1", CommissionRate: money("0.1"),
		})
		require.NoError(t, err)
	}
}

func TestSummary_PeriodWindows(t *testing.T) {
	// GIVEN: commissions in January, February, April and the previous year,
	//        plus a withdrawal in April
	ctx := context.Background()
	f := newFixture(t, store.NewMemory())
	referFarmers(t, f, 3)

	f.clock.Set(time.Date(2024, time.December, 20, 10, 0, 0, 0, time.UTC))
	f.earn(t, "farmer-1", "1000", "TX-2024") // 50
	f.clock.Set(time.Date(2025, time.January, 15, 10, 0, 0, 0, time.UTC))
	f.earn(t, "farmer-x0", "1000", "TX-JAN") // 100
	f.clock.Set(time.Date(2025, time.February, 3, 10, 0, 0, 0, time.UTC))
	f.earn(t, "farmer-x1", "2000", "TX-FEB") // 200
	f.clock.Set(time.Date(2025, time.April, 2, 10, 0, 0, 0, time.UTC))
	f.earn(t, "farmer-x2", "3000", "TX-APR") // 300
	_, err := f.engine.ProcessWithdrawal(ctx, "partner-1", money("120"))
	require.NoError(t, err)

	// WHEN: summarising on 20 April 2025
	f.clock.Set(time.Date(2025, time.April, 20, 10, 0, 0, 0, time.UTC))

	tests := []struct {
		period    commission.PeriodType
		total     string
		count     int
		withdrawn string
	}{
		{commission.PeriodAll, "650", 4, "120"},
		{commission.PeriodYear, "600", 3, "120"},
		{commission.PeriodQuarter, "300", 1, "120"},
		{commission.PeriodMonth, "300", 1, "120"},
	}
	for _, tt := range tests {
		t.Run(string(tt.period), func(t *testing.T) {
			s, err := f.engine.GetPartnerCommissionSummary(ctx, "partner-1", tt.period)

			// THEN
			require.NoError(t, err)
			assertMoney(t, tt.total, s.TotalCommissions)
			assert.Equal(t, tt.count, s.TotalTransactions)
			assertMoney(t, tt.total, s.CompletedCommissions)
			assertMoney(t, "0", s.PendingCommissions)
			assertMoney(t, tt.withdrawn, s.TotalWithdrawn)
		})
	}

	s, err := f.engine.GetPartnerCommissionSummary(ctx, "partner-1", commission.PeriodQuarter)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2025, time.April, 1, 0, 0, 0, 0, time.UTC), s.Period.Start)
	assert.Equal(t, time.Date(2025, time.July, 1, 0, 0, 0, 0, time.UTC).Add(-time.Nanosecond), s.Period.End)
}

func TestSummary_UnknownPartner(t *testing.T) {
	f := newFixture(t, store.NewMemory())
	_, err := f.engine.GetPartnerCommissionSummary(context.Background(), "ghost", commission.PeriodAll)
	assert.ErrorIs(t, err, commission.ErrNotFound)
}

func TestHistory_PagedNewestFirst(t *testing.T) {
	// GIVEN: 25 commissions, one per minute
	ctx := context.Background()
	f := newFixture(t, store.NewMemory())
	referFarmers(t, f, 24)
	f.earn(t, "farmer-1", "100", "TX-first")
	for i := 0; i < 24; i++ {
		f.clock.Advance(time.Minute)
		f.earn(t, commission.FarmerID(fmt.Sprintf("farmer-x%d", i)), "100", fmt.Sprintf("TX-%02d", i))
	}

	// WHEN: reading with default limit
	page, err := f.engine.GetPartnerCommissionHistory(ctx, "partner-1", 0, 0)

	// THEN: page 1 of 2, newest first
	require.NoError(t, err)
	assert.Equal(t, 1, page.Page)
	assert.Equal(t, commission.DefaultPageLimit, page.Limit)
	assert.Equal(t, 25, page.Total)
	assert.Equal(t, 2, page.Pages)
	require.Len(t, page.Items, 20)
	assert.Equal(t, "COMM_TX-23", page.Items[0].Reference)

	last, err := f.engine.GetPartnerCommissionHistory(ctx, "partner-1", 2, 20)
	require.NoError(t, err)
	require.Len(t, last.Items, 5)
	assert.Equal(t, "COMM_TX-first", last.Items[4].Reference)

	clamped, err := f.engine.GetPartnerCommissionHistory(ctx, "partner-1", 1, 1000)
	require.NoError(t, err)
	assert.Equal(t, commission.MaxPageLimit, clamped.Limit)
	assert.Len(t, clamped.Items, 25)
}

func TestAllCommissions_FiltersByStatusAndPartner(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, store.NewMemory(), commission.WithSettlementMode(commission.SettleDeferredPayout))
	referFarmers(t, f, 2)
	first := f.earn(t, "farmer-1", "1000", "TX1").Transaction
	f.earn(t, "farmer-x0", "1000", "TX2")
	f.earn(t, "farmer-x1", "1000", "TX3")
	_, err := f.engine.ProcessCommissionPayment(ctx, first.ID, first.Amount, "bank", "B-1")
	require.NoError(t, err)

	pending, err := f.engine.GetAllCommissions(ctx, commission.TransactionFilter{Status: commission.StatusPending})
	require.NoError(t, err)
	assert.Equal(t, 2, pending.Total)

	all, err := f.engine.GetAllCommissions(ctx, commission.TransactionFilter{PartnerID: "partner-1"})
	require.NoError(t, err)
	assert.Equal(t, 3, all.Total)
	for _, tx := range all.Items {
		assert.Equal(t, commission.TxCommission, tx.Type)
	}

	from, to := march2025.Add(time.Hour), march2025
	_, err = f.engine.GetAllCommissions(ctx, commission.TransactionFilter{From: &from, To: &to})
	assert.Equal(t, commission.KindValidation, commission.KindOf(err))
}

// =============================================================================
// SUMMARY CACHE
// =============================================================================

type mapCache struct {
	mu          sync.Mutex
	entries     map[string]commission.Summary
	hits        int
	invalidated []commission.PartnerID
}

func newMapCache() *mapCache { return &mapCache{entries: map[string]commission.Summary{}} }

func (c *mapCache) key(id commission.PartnerID, pt commission.PeriodType) string {
	return string(id) + "|" + string(pt)
}

func (c *mapCache) Get(_ context.Context, id commission.PartnerID, pt commission.PeriodType) (commission.Summary, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.entries[c.key(id, pt)]
	if ok {
		c.hits++
	}
	return s, ok
}

func (c *mapCache) Set(_ context.Context, pt commission.PeriodType, s commission.Summary) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[c.key(s.PartnerID, pt)] = s
}

func (c *mapCache) Invalidate(_ context.Context, id commission.PartnerID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, pt := range []commission.PeriodType{commission.PeriodAll, commission.PeriodMonth, commission.PeriodQuarter, commission.PeriodYear} {
		delete(c.entries, c.key(id, pt))
	}
	c.invalidated = append(c.invalidated, id)
}

func TestSummary_CachedUntilBalanceMoves(t *testing.T) {
	ctx := context.Background()
	cache := newMapCache()
	f := newFixture(t, store.NewMemory(), commission.WithSummaryCache(cache))
	f.earn(t, "farmer-1", "1000", "TX1")

	first, err := f.engine.GetPartnerCommissionSummary(ctx, "partner-1", commission.PeriodAll)
	require.NoError(t, err)
	second, err := f.engine.GetPartnerCommissionSummary(ctx, "partner-1", commission.PeriodAll)
	require.NoError(t, err)
	assert.Equal(t, 1, cache.hits)
	assertMoney(t, first.TotalCommissions.String(), second.TotalCommissions)

	_, err = f.engine.ProcessWithdrawal(ctx, "partner-1", money("10"))
	require.NoError(t, err)

	after, err := f.engine.GetPartnerCommissionSummary(ctx, "partner-1", commission.PeriodAll)
	require.NoError(t, err)
	assertMoney(t, "10", after.TotalWithdrawn)
	assert.Contains(t, cache.invalidated, commission.PartnerID("partner-1"))
}
