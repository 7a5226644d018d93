/*
scheduler.go - Periodic balance reconciliation

PURPOSE:
  Checks, for every partner, that the stored commission balance equals the
  sum of their completed ledger entries. A mismatch means a crash landed
  between two writes on a store without transactions, or someone edited
  the database by hand.

DESIGN:
  - Runs a background goroutine with a configurable check interval
  - Never adjusts a balance; mismatches are logged at error level and kept
    in the run history for manual reconciliation
  - The last runs are kept in memory for GET /api/admin/reconciliation/runs

USAGE:
  scheduler := NewReconciliationScheduler(engine, logger)
  scheduler.Start()
  // ... later
  scheduler.Stop()

SEE ALSO:
  - commission/engine.go: VerifyPartnerBalance
*/
package api

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/agrilink/commission-engine/commission"
)

const maxRuns = 50

// Mismatch is one partner whose balance disagrees with the ledger.
type Mismatch struct {
	PartnerID string `json:"partner_id"`
	Balance   string `json:"balance"`
	Expected  string `json:"expected"`
}

// ReconciliationRun records one pass over all partners.
type ReconciliationRun struct {
	ID         string     `json:"id"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt time.Time  `json:"finished_at"`
	Checked    int        `json:"checked"`
	Mismatches []Mismatch `json:"mismatches"`
	Errors     []string   `json:"errors,omitempty"`
}

// ReconciliationScheduler verifies partner balances on a timer.
type ReconciliationScheduler struct {
	Engine        *commission.Engine
	CheckInterval time.Duration
	Enabled       bool

	logger *zap.Logger
	ticker *time.Ticker
	stop   chan struct{}
	wg     sync.WaitGroup
	mu     sync.Mutex

	runsMu sync.RWMutex
	runs   []ReconciliationRun
}

func NewReconciliationScheduler(engine *commission.Engine, logger *zap.Logger) *ReconciliationScheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ReconciliationScheduler{
		Engine:        engine,
		CheckInterval: time.Hour,
		Enabled:       true,
		logger:        logger.Named("reconciliation"),
	}
}

// Start begins the scheduler.
func (rs *ReconciliationScheduler) Start() {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	if !rs.Enabled || rs.CheckInterval <= 0 {
		rs.logger.Info("disabled, not starting")
		return
	}
	if rs.ticker != nil {
		return
	}

	rs.ticker = time.NewTicker(rs.CheckInterval)
	rs.stop = make(chan struct{})
	rs.wg.Add(1)
	go rs.run()

	rs.logger.Info("started", zap.Duration("interval", rs.CheckInterval))
}

// Stop stops the scheduler and waits for a run in progress.
func (rs *ReconciliationScheduler) Stop() {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	if rs.ticker == nil {
		return
	}
	rs.ticker.Stop()
	close(rs.stop)
	rs.wg.Wait()
	rs.ticker = nil
	rs.logger.Info("stopped")
}

func (rs *ReconciliationScheduler) run() {
	defer rs.wg.Done()

	stop, ticks := rs.stop, rs.ticker.C
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-stop:
			cancel()
		case <-ctx.Done():
		}
	}()

	rs.RunOnce(ctx)
	for {
		select {
		case <-ticks:
			rs.RunOnce(ctx)
		case <-stop:
			return
		}
	}
}

// RunOnce verifies every partner and records the run.
func (rs *ReconciliationScheduler) RunOnce(ctx context.Context) ReconciliationRun {
	run := ReconciliationRun{
		ID:         fmt.Sprintf("run-%d", time.Now().UnixNano()),
		StartedAt:  time.Now().UTC(),
		Mismatches: []Mismatch{},
	}

	partners, err := rs.Engine.Partners(ctx)
	if err != nil {
		rs.logger.Error("listing partners failed", zap.Error(err))
		run.Errors = append(run.Errors, err.Error())
	}

	for _, p := range partners {
		if ctx.Err() != nil {
			run.Errors = append(run.Errors, ctx.Err().Error())
			break
		}
		run.Checked++

		err := rs.Engine.VerifyPartnerBalance(ctx, p.ID)
		var ierr *commission.IntegrityError
		switch {
		case err == nil:
		case errors.As(err, &ierr):
			run.Mismatches = append(run.Mismatches, Mismatch{
				PartnerID: string(p.ID),
				Balance:   money(ierr.Actual),
				Expected:  money(ierr.Expected),
			})
			rs.logger.Error("partner balance does not match ledger",
				zap.String("partner_id", string(p.ID)),
				zap.String("balance", money(ierr.Actual)),
				zap.String("expected", money(ierr.Expected)))
		default:
			run.Errors = append(run.Errors, fmt.Sprintf("%s: %v", p.ID, err))
			rs.logger.Warn("verification failed", zap.String("partner_id", string(p.ID)), zap.Error(err))
		}
	}
	run.FinishedAt = time.Now().UTC()

	rs.runsMu.Lock()
	rs.runs = append(rs.runs, run)
	if len(rs.runs) > maxRuns {
		rs.runs = rs.runs[len(rs.runs)-maxRuns:]
	}
	rs.runsMu.Unlock()

	if len(run.Mismatches) > 0 {
		rs.logger.Warn("reconciliation found mismatches",
			zap.Int("checked", run.Checked), zap.Int("mismatches", len(run.Mismatches)))
	} else {
		rs.logger.Debug("reconciliation clean", zap.Int("checked", run.Checked))
	}
	return run
}

// Runs returns the recorded runs, newest first.
func (rs *ReconciliationScheduler) Runs() []ReconciliationRun {
	rs.runsMu.RLock()
	defer rs.runsMu.RUnlock()
	out := make([]ReconciliationRun, len(rs.runs))
	for i, r := range rs.runs {
		out[len(rs.runs)-1-i] = r
	}
	return out
}
