/*
Package config loads server configuration.

PRECEDENCE (later wins):
  1. defaults
  2. .env file (joho/godotenv; a missing file is fine, and it never
     overrides variables already set in the environment)
  3. environment variables
  4. command-line flags: -port, -store, -db

CORS_ALLOWED_ORIGINS is a comma separated list; empty keeps the local
development origins.

STORE DRIVERS:
  memory    in-process, transactional; for demos
  sqlite    SQLITE_PATH (":memory:" allowed)
  postgres  DATABASE_URL, through gorm
  mongo     MONGO_URI + MONGO_DB; MONGO_TRANSACTIONS=true needs a replica set
*/
package config

import (
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"

	"github.com/agrilink/commission-engine/commission"
)

const (
	DriverMemory   = "memory"
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
	DriverMongo    = "mongo"
)

type Config struct {
	Port        int
	CORSOrigins []string

	StoreDriver       string
	SQLitePath        string
	DatabaseURL       string
	MongoURI          string
	MongoDB           string
	MongoTransactions bool

	RedisAddr       string
	RedisPassword   string
	RedisDB         int
	SummaryCacheTTL time.Duration

	SettlementMode       commission.SettlementMode
	MinWithdrawal        decimal.Decimal
	WithdrawalRatePerMin float64
	ReconcileInterval    time.Duration

	LogLevel  string
	LogFormat string

	SMS      SMSConfig
	USSD     USSDConfig
	SMTP     SMTPConfig
	Firebase FirebaseConfig
}

type SMSConfig struct {
	URL      string
	Username string
	Password string
	SenderID string
}

type USSDConfig struct {
	URL    string
	APIKey string
}

type SMTPConfig struct {
	Host string
	Port int
	User string
	Pass string
	From string
}

type FirebaseConfig struct {
	CredentialsFile string
	ProjectID       string
}

// Load reads envFiles (default ".env"), the environment and args.
func Load(args []string, envFiles ...string) (Config, error) {
	if len(envFiles) == 0 {
		envFiles = []string{".env"}
	}
	for _, f := range envFiles {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return Config{}, fmt.Errorf("load %s: %w", f, err)
		}
	}
	return parse(envReader{}, args)
}

type envReader struct {
	errs []error
}

func (r *envReader) str(key, def string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return def
}

// list splits a comma separated variable, dropping empty items.
func (r *envReader) list(key string) []string {
	var out []string
	for _, item := range strings.Split(r.str(key, ""), ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

func (r *envReader) int(key string, def int) int {
	v := r.str(key, "")
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		r.errs = append(r.errs, fmt.Errorf("%s: %w", key, err))
		return def
	}
	return n
}

func (r *envReader) float(key string, def float64) float64 {
	v := r.str(key, "")
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		r.errs = append(r.errs, fmt.Errorf("%s: %w", key, err))
		return def
	}
	return f
}

func (r *envReader) bool(key string) bool {
	v := r.str(key, "")
	if v == "" {
		return false
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		r.errs = append(r.errs, fmt.Errorf("%s: %w", key, err))
	}
	return b
}

func (r *envReader) duration(key string, def time.Duration) time.Duration {
	v := r.str(key, "")
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		r.errs = append(r.errs, fmt.Errorf("%s: %w", key, err))
		return def
	}
	return d
}

func parse(r envReader, args []string) (Config, error) {
	cfg := Config{
		Port:                 r.int("PORT", 8080),
		StoreDriver:          r.str("STORE_DRIVER", DriverSQLite),
		SQLitePath:           r.str("SQLITE_PATH", "commissions.db"),
		DatabaseURL:          r.str("DATABASE_URL", ""),
		MongoURI:             r.str("MONGO_URI", ""),
		MongoDB:              r.str("MONGO_DB", "commissions"),
		MongoTransactions:    r.bool("MONGO_TRANSACTIONS"),
		RedisAddr:            r.str("REDIS_ADDR", ""),
		RedisPassword:        r.str("REDIS_PASSWORD", ""),
		RedisDB:              r.int("REDIS_DB", 0),
		SummaryCacheTTL:      r.duration("SUMMARY_CACHE_TTL", 5*time.Minute),
		WithdrawalRatePerMin: r.float("WITHDRAWAL_RATE_PER_MIN", 5),
		ReconcileInterval:    r.duration("RECONCILE_INTERVAL", time.Hour),
		LogLevel:             r.str("LOG_LEVEL", "info"),
		LogFormat:            r.str("LOG_FORMAT", "json"),
		CORSOrigins:          r.list("CORS_ALLOWED_ORIGINS"),
		SMS: SMSConfig{
			URL:      r.str("SMS_API_URL", ""),
			Username: r.str("SMS_USERNAME", ""),
			Password: r.str("SMS_PASSWORD", ""),
			SenderID: r.str("SMS_SENDER_ID", "AGRILINK"),
		},
		USSD: USSDConfig{
			URL:    r.str("USSD_API_URL", ""),
			APIKey: r.str("USSD_API_KEY", ""),
		},
		SMTP: SMTPConfig{
			Host: r.str("SMTP_HOST", ""),
			Port: r.int("SMTP_PORT", 587),
			User: r.str("SMTP_USER", ""),
			Pass: r.str("SMTP_PASS", ""),
			From: r.str("SMTP_FROM", ""),
		},
		Firebase: FirebaseConfig{
			CredentialsFile: r.str("FIREBASE_CREDENTIALS_FILE", ""),
			ProjectID:       r.str("FIREBASE_PROJECT_ID", ""),
		},
	}

	mode, err := commission.ParseSettlementMode(r.str("SETTLEMENT_MODE", ""))
	if err != nil {
		r.errs = append(r.errs, err)
	}
	cfg.SettlementMode = mode

	cfg.MinWithdrawal = decimal.Zero
	if v := r.str("MIN_WITHDRAWAL", ""); v != "" {
		if cfg.MinWithdrawal, err = decimal.NewFromString(v); err != nil {
			r.errs = append(r.errs, fmt.Errorf("MIN_WITHDRAWAL: %w", err))
		}
	}

	flags := flag.NewFlagSet("server", flag.ContinueOnError)
	flags.IntVar(&cfg.Port, "port", cfg.Port, "HTTP server port")
	flags.StringVar(&cfg.StoreDriver, "store", cfg.StoreDriver, "store driver: memory, sqlite, postgres, mongo")
	flags.StringVar(&cfg.SQLitePath, "db", cfg.SQLitePath, `SQLite database path (":memory:" for in-memory)`)
	if err := flags.Parse(args); err != nil {
		return Config{}, err
	}

	if err := errors.Join(r.errs...); err != nil {
		return Config{}, err
	}
	return cfg, cfg.Validate()
}

// Validate checks cross-field requirements.
func (c Config) Validate() error {
	var errs []error
	switch c.StoreDriver {
	case DriverMemory, DriverSQLite:
	case DriverPostgres:
		if c.DatabaseURL == "" {
			errs = append(errs, errors.New("DATABASE_URL is required for the postgres store"))
		}
	case DriverMongo:
		if c.MongoURI == "" {
			errs = append(errs, errors.New("MONGO_URI is required for the mongo store"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown store driver %q", c.StoreDriver))
	}
	if c.Port <= 0 || c.Port > 65535 {
		errs = append(errs, fmt.Errorf("invalid port %d", c.Port))
	}
	if c.MinWithdrawal.IsNegative() {
		errs = append(errs, errors.New("MIN_WITHDRAWAL must not be negative"))
	}
	if c.WithdrawalRatePerMin < 0 {
		errs = append(errs, errors.New("WITHDRAWAL_RATE_PER_MIN must not be negative"))
	}
	if c.ReconcileInterval < 0 {
		errs = append(errs, errors.New("RECONCILE_INTERVAL must not be negative"))
	}
	return errors.Join(errs...)
}
