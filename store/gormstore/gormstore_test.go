package gormstore_test

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/agrilink/commission-engine/commission"
	"github.com/agrilink/commission-engine/commission/storetest"
	"github.com/agrilink/commission-engine/store/gormstore"
)

// newStore opens a file-backed sqlite database through gorm. One
// connection keeps concurrent writers from tripping over sqlite locks.
func newStore(t *testing.T) *gormstore.Store {
	t.Helper()
	dsn := filepath.Join(t.TempDir(), "commissions.db") + "?_busy_timeout=5000"
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	require.NoError(t, err)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)

	s, err := gormstore.New(db)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestGorm_Conformance(t *testing.T) {
	storetest.Run(t, func(t *testing.T) commission.Store {
		return newStore(t)
	})
}

func TestGorm_EngineEndToEnd(t *testing.T) {
	// GIVEN: a partner with two referred farmers on the gorm store
	ctx := context.Background()
	engine := commission.NewEngine(newStore(t))

	_, err := engine.RegisterPartner(ctx, commission.Partner{ID: "agro-1", Name: "Agro Dealer", Phone: "+254700000001"})
	require.NoError(t, err)
	for i := 1; i <= 2; i++ {
		_, err = engine.RegisterReferral(ctx, commission.Referral{
			FarmerID:       commission.FarmerID(fmt.Sprintf("farmer-%d", i)),
			PartnerID:      "agro-1",
			CommissionRate: commission.MustParseMoney("0.025"),
		})
		require.NoError(t, err)
	}

	// WHEN: both farmers transact and the first settlement is replayed
	calc, err := engine.CalculateCommission(ctx, "farmer-1", commission.MustParseMoney("10000"), "ORD-1")
	require.NoError(t, err)
	require.NotNil(t, calc)
	first, err := engine.ProcessCommission(ctx, *calc)
	require.NoError(t, err)
	replay, err := engine.ProcessCommission(ctx, *calc)
	require.NoError(t, err)
	_, err = engine.RecordFarmerTransaction(ctx, "farmer-2", commission.MustParseMoney("4000"), "ORD-2")
	require.NoError(t, err)

	// THEN: 250 + 100 credited once, metadata survives the JSON column
	assert.True(t, replay.Replayed)
	balance, err := engine.PartnerBalance(ctx, "agro-1")
	require.NoError(t, err)
	assert.Equal(t, "350.00", balance.StringFixed(2))

	stored, err := engine.GetTransaction(ctx, first.Transaction.ID)
	require.NoError(t, err)
	assert.Equal(t, "system", stored.Metadata[commission.MetaSettledBy])

	_, err = engine.ProcessWithdrawal(ctx, "agro-1", commission.MustParseMoney("350"))
	require.NoError(t, err)
	assert.NoError(t, engine.VerifyPartnerBalance(ctx, "agro-1"))
}

func TestGorm_CorruptReferralRowIsAnError(t *testing.T) {
	// GIVEN: a referral whose stored rate was damaged outside the service
	ctx := context.Background()
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "corrupt.db")), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	require.NoError(t, err)
	s, err := gormstore.New(db)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	require.NoError(t, s.CreateReferral(ctx, commission.Referral{
		ID: "r1", FarmerID: "f1", PartnerID: "p1", Status: commission.ReferralPending,
		CommissionRate: decimal.RequireFromString("0.05"), CreatedAt: time.Now(),
	}))
	require.NoError(t, db.Exec("UPDATE referrals SET commission_rate = 'five percent' WHERE id = 'r1'").Error)

	// WHEN/THEN: reads fail instead of panicking
	assert.NotPanics(t, func() {
		_, err = s.GetReferral(ctx, "r1")
	})
	assert.ErrorContains(t, err, "commission rate")
}
