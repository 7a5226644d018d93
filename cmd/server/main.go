/*
main.go - Application entry point

PURPOSE:
  Starts the AgriLink partner commission settlement server.
  Handles configuration, dependency injection, and graceful shutdown.

STARTUP SEQUENCE:
  1. Load configuration (.env, environment, flags)
  2. Build the logger
  3. Open the configured store
  4. Connect the optional Redis summary cache
  5. Build notification channels that have credentials configured
  6. Create the engine, handler and reconciliation scheduler
  7. Start the HTTP server

COMMAND-LINE FLAGS:
  -port    HTTP server port (default: 8080)
  -store   memory | sqlite | postgres | mongo (default: sqlite)
  -db      SQLite database path (default: commissions.db)
           Use ":memory:" for in-memory database

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop accepting new connections
  2. Wait for active requests to complete (30s timeout)
  3. Stop reconciliation, drain notification deliveries
  4. Close the store
  5. Exit

EXAMPLES:
  # Run with file database
  ./server -db="./data/commissions.db"

  # Run against Postgres with deferred payouts
  STORE_DRIVER=postgres DATABASE_URL="host=localhost dbname=agrilink" \
  SETTLEMENT_MODE=deferred_payout ./server

ENVIRONMENT:
  See config/config.go for every variable.

SEE ALSO:
  - api/server.go: Router configuration
  - commission/engine.go: Settlement engine
  - config/config.go: Configuration
*/
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/agrilink/commission-engine/api"
	"github.com/agrilink/commission-engine/cache"
	"github.com/agrilink/commission-engine/commission"
	"github.com/agrilink/commission-engine/commission/store"
	"github.com/agrilink/commission-engine/config"
	"github.com/agrilink/commission-engine/logging"
	"github.com/agrilink/commission-engine/notify"
	"github.com/agrilink/commission-engine/store/gormstore"
	"github.com/agrilink/commission-engine/store/mongostore"
	"github.com/agrilink/commission-engine/store/sqlite"
)

func main() {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(2)
	}

	logger, err := logging.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(2)
	}
	defer logger.Sync()

	ctx := context.Background()

	// Initialize store
	st, closeStore, err := openStore(ctx, cfg)
	if err != nil {
		logger.Fatal("failed to initialize store", zap.String("driver", cfg.StoreDriver), zap.Error(err))
	}
	defer closeStore()

	opts := []commission.Option{
		commission.WithLogger(logger),
		commission.WithSettlementMode(cfg.SettlementMode),
		commission.WithMinimumWithdrawal(cfg.MinWithdrawal),
	}

	// Summary cache
	if cfg.RedisAddr != "" {
		client, err := cache.Connect(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err != nil {
			logger.Warn("summary cache unavailable, continuing without it", zap.Error(err))
		} else {
			defer client.Close()
			opts = append(opts, commission.WithSummaryCache(cache.NewRedisSummaryCache(client, cfg.SummaryCacheTTL, logger)))
		}
	}

	// Notifications
	hub := notify.NewHub(logger.Named("websocket"))
	dispatcher := notify.NewDispatcher(buildChannels(ctx, cfg, hub, logger), notify.WithDispatcherLogger(logger))
	opts = append(opts, commission.WithNotifier(dispatcher))

	engine := commission.NewEngine(st, opts...)

	// Initialize handler
	handler := api.NewHandler(engine, logger)
	handler.Hub = hub
	handler.Limiter = api.NewPartnerRateLimiter(cfg.WithdrawalRatePerMin, 3)

	scheduler := api.NewReconciliationScheduler(engine, logger)
	scheduler.CheckInterval = cfg.ReconcileInterval
	handler.Scheduler = scheduler
	scheduler.Start()

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      api.NewRouter(handler, cfg.CORSOrigins),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("server starting",
			zap.Int("port", cfg.Port),
			zap.String("store", cfg.StoreDriver),
			zap.String("settlement_mode", string(cfg.SettlementMode)))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("server failed", zap.Error(err))
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("server forced to shutdown", zap.Error(err))
	}
	scheduler.Stop()
	hub.Close()
	dispatcher.Close()

	logger.Info("server stopped")
}

// openStore returns the configured store and a function releasing it.
func openStore(ctx context.Context, cfg config.Config) (commission.Store, func(), error) {
	switch cfg.StoreDriver {
	case config.DriverMemory:
		return store.NewTxMemory(), func() {}, nil

	case config.DriverSQLite:
		s, err := sqlite.New(cfg.SQLitePath)
		if err != nil {
			return nil, nil, err
		}
		return s, func() { s.Close() }, nil

	case config.DriverPostgres:
		s, err := gormstore.OpenPostgres(cfg.DatabaseURL)
		if err != nil {
			return nil, nil, err
		}
		return s, func() { s.Close() }, nil

	case config.DriverMongo:
		client, err := mongostore.Connect(ctx, cfg.MongoURI)
		if err != nil {
			return nil, nil, err
		}
		disconnect := func() {
			dctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			client.Disconnect(dctx)
		}

		db := client.Database(cfg.MongoDB)
		base := mongostore.New(db)
		if err := base.EnsureIndexes(ctx); err != nil {
			disconnect()
			return nil, nil, err
		}
		if cfg.MongoTransactions {
			return mongostore.NewTx(client, db), disconnect, nil
		}
		return base, disconnect, nil
	}
	return nil, nil, fmt.Errorf("unknown store driver %q", cfg.StoreDriver)
}

// buildChannels returns the hub plus every channel whose credentials are set.
func buildChannels(ctx context.Context, cfg config.Config, hub *notify.Hub, logger *zap.Logger) []notify.Channel {
	channels := []notify.Channel{hub}

	if cfg.SMS.URL != "" {
		channels = append(channels, notify.NewSMSChannel(notify.SMSConfig{
			URL:      cfg.SMS.URL,
			Username: cfg.SMS.Username,
			Password: cfg.SMS.Password,
			SenderID: cfg.SMS.SenderID,
		}))
	}
	if cfg.USSD.URL != "" {
		channels = append(channels, notify.NewUSSDChannel(cfg.USSD.URL, cfg.USSD.APIKey))
	}
	if cfg.SMTP.Host != "" {
		channels = append(channels, notify.NewEmailChannel(cfg.SMTP.Host, cfg.SMTP.Port, cfg.SMTP.User, cfg.SMTP.Pass, cfg.SMTP.From))
	}
	if cfg.Firebase.CredentialsFile != "" {
		push, err := notify.NewPushChannel(ctx, cfg.Firebase.CredentialsFile, cfg.Firebase.ProjectID)
		if err != nil {
			logger.Warn("push notifications disabled", zap.Error(err))
		} else {
			channels = append(channels, push)
		}
	}

	names := make([]string, 0, len(channels))
	for _, ch := range channels {
		names = append(names, string(ch.Name()))
	}
	logger.Info("notification channels", zap.Strings("channels", names))
	return channels
}
