package commission

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// SettlementMode decides what happens to a commission once it is calculated.
type SettlementMode string

const (
	// SettleAutoCredit appends the entry completed and credits the partner.
	SettleAutoCredit SettlementMode = "auto_credit"
	// SettleDeferredPayout appends the entry pending; an admin pays it later.
	SettleDeferredPayout SettlementMode = "deferred_payout"
)

func ParseSettlementMode(s string) (SettlementMode, error) {
	switch SettlementMode(s) {
	case "", SettleAutoCredit:
		return SettleAutoCredit, nil
	case SettleDeferredPayout:
		return SettleDeferredPayout, nil
	}
	return "", &ValidationError{Field: "settlement_mode", Message: "unknown mode " + s}
}

// SummaryCache caches partner summaries. Implementations must tolerate
// backend failures by reporting a miss.
type SummaryCache interface {
	Get(ctx context.Context, partnerID PartnerID, pt PeriodType) (Summary, bool)
	Set(ctx context.Context, pt PeriodType, s Summary)
	Invalidate(ctx context.Context, partnerID PartnerID)
}

type settings struct {
	logger        *zap.Logger
	notifier      Notifier
	cache         SummaryCache
	mode          SettlementMode
	minWithdrawal decimal.Decimal
	now           func() time.Time
}

func defaultSettings() settings {
	return settings{
		logger:        zap.NewNop(),
		notifier:      NopNotifier(),
		mode:          SettleAutoCredit,
		minWithdrawal: decimal.Zero,
		now:           utcNow,
	}
}

// Option configures an Engine or one of its components.
type Option func(*settings)

func WithLogger(l *zap.Logger) Option {
	return func(s *settings) {
		if l != nil {
			s.logger = l
		}
	}
}

func WithNotifier(n Notifier) Option {
	return func(s *settings) {
		if n != nil {
			s.notifier = n
		}
	}
}

func WithSummaryCache(c SummaryCache) Option {
	return func(s *settings) { s.cache = c }
}

func WithSettlementMode(m SettlementMode) Option {
	return func(s *settings) {
		if m != "" {
			s.mode = m
		}
	}
}

// WithMinimumWithdrawal rejects withdrawals below min.
func WithMinimumWithdrawal(min decimal.Decimal) Option {
	return func(s *settings) { s.minWithdrawal = min }
}

// WithClock overrides the time source. Used by tests.
func WithClock(now func() time.Time) Option {
	return func(s *settings) {
		if now != nil {
			s.now = now
		}
	}
}

func applyOptions(opts []Option) settings {
	s := defaultSettings()
	for _, opt := range opts {
		opt(&s)
	}
	return s
}
