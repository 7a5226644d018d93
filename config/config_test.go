package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agrilink/commission-engine/commission"
	"github.com/agrilink/commission-engine/config"
)

func noEnvFile(t *testing.T) string {
	return filepath.Join(t.TempDir(), "missing.env")
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := config.Load(nil, noEnvFile(t))
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Port)
	assert.Equal(t, config.DriverSQLite, cfg.StoreDriver)
	assert.Equal(t, commission.SettleAutoCredit, cfg.SettlementMode)
	assert.True(t, cfg.MinWithdrawal.IsZero())
	assert.Equal(t, time.Hour, cfg.ReconcileInterval)
	assert.Equal(t, 5*time.Minute, cfg.SummaryCacheTTL)
}

func TestLoad_EnvThenFlags(t *testing.T) {
	// GIVEN: environment settings
	t.Setenv("PORT", "9000")
	t.Setenv("STORE_DRIVER", "postgres")
	t.Setenv("DATABASE_URL", "host=db user=app dbname=commissions")
	t.Setenv("SETTLEMENT_MODE", "deferred_payout")
	t.Setenv("MIN_WITHDRAWAL", "100.50")
	t.Setenv("RECONCILE_INTERVAL", "15m")
	t.Setenv("CORS_ALLOWED_ORIGINS", "https://agrilink.example, ,https://admin.agrilink.example")

	// WHEN: flags override port and store
	cfg, err := config.Load([]string{"-port", "7000", "-store", "sqlite", "-db", ":memory:"}, noEnvFile(t))

	// THEN
	require.NoError(t, err)
	assert.Equal(t, 7000, cfg.Port)
	assert.Equal(t, config.DriverSQLite, cfg.StoreDriver)
	assert.Equal(t, ":memory:", cfg.SQLitePath)
	assert.Equal(t, commission.SettleDeferredPayout, cfg.SettlementMode)
	assert.Equal(t, "100.5", cfg.MinWithdrawal.String())
	assert.Equal(t, 15*time.Minute, cfg.ReconcileInterval)
	assert.Equal(t, []string{"https://agrilink.example", "https://admin.agrilink.example"}, cfg.CORSOrigins)
}

func TestLoad_DotEnvDoesNotOverrideEnvironment(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".env")
	require.NoError(t, os.WriteFile(path, []byte("SMTP_HOST=smtp.example.com\nSMS_SENDER_ID=FROMFILE\n"), 0o600))
	t.Setenv("SMS_SENDER_ID", "FROMENV")
	t.Cleanup(func() { os.Unsetenv("SMTP_HOST") })

	cfg, err := config.Load(nil, path)

	require.NoError(t, err)
	assert.Equal(t, "smtp.example.com", cfg.SMTP.Host)
	assert.Equal(t, "FROMENV", cfg.SMS.SenderID)
}

func TestLoad_Rejects(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
	}{
		{"postgres without url", map[string]string{"STORE_DRIVER": "postgres"}},
		{"mongo without uri", map[string]string{"STORE_DRIVER": "mongo"}},
		{"unknown driver", map[string]string{"STORE_DRIVER": "dynamo"}},
		{"bad port", map[string]string{"PORT": "eighty"}},
		{"bad mode", map[string]string{"SETTLEMENT_MODE": "weekly"}},
		{"negative minimum", map[string]string{"MIN_WITHDRAWAL": "-1"}},
		{"bad duration", map[string]string{"RECONCILE_INTERVAL": "hourly"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := config.Load(nil, noEnvFile(t))
			assert.Error(t, err)
		})
	}
}
