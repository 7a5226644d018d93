/*
Package commission provides the partner commission settlement engine.

PURPOSE:
  A partner refers a farmer. The farmer's first qualifying transaction
  produces a commission owed to the partner. The partner later withdraws
  the accrued commission. This package owns the money-moving parts of that
  flow: the referral state machine, commission computation, the append-only
  ledger and the partner running balance.

KEY CONCEPTS IN THIS FILE (types.go):
  - Money: decimal amounts, persisted as integer minor units
  - Referral: a partner's claim on a farmer's first transaction
  - Transaction: an append-only ledger entry (commission or withdrawal)
  - Partner: the account holding the running commission balance

CORE INVARIANT:
  For every partner P, once balance-mutating operations finish:

    P.CommissionBalance == Σ amount of completed Transactions for P

  and the balance is never negative.

USAGE:
  engine := commission.NewEngine(store, commission.WithNotifier(dispatcher))
  calc, err := engine.CalculateCommission(ctx, "farmer-1", commission.MustParseMoney("50000"), "TX1")
  if calc != nil {
      settlement, err := engine.ProcessCommission(ctx, *calc)
  }

SEE ALSO:
  - errors.go: Error taxonomy
  - store.go: Persistence interfaces
  - engine.go: External interface facade
*/
package commission

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// MONEY - single currency, two decimal places
// =============================================================================

// MoneyScale is the number of decimal places money is stored with.
const MoneyScale = 2

func NewMoney(value float64) decimal.Decimal {
	return decimal.NewFromFloat(value)
}

func MustParseMoney(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

// RoundMoney rounds to MoneyScale places, half away from zero.
func RoundMoney(d decimal.Decimal) decimal.Decimal {
	return d.Round(MoneyScale)
}

// ToMinorUnits converts an amount to integer minor units. It fails when the
// amount carries more precision than MoneyScale.
func ToMinorUnits(d decimal.Decimal) (int64, error) {
	shifted := d.Shift(MoneyScale)
	if !shifted.Equal(shifted.Truncate(0)) {
		return 0, fmt.Errorf("amount %s has more than %d decimal places", d, MoneyScale)
	}
	return shifted.IntPart(), nil
}

func FromMinorUnits(minor int64) decimal.Decimal {
	return decimal.New(minor, -MoneyScale)
}

// =============================================================================
// IDENTIFIERS
// =============================================================================

type PartnerID string
type FarmerID string
type ReferralID string
type TransactionID string

// =============================================================================
// REFERRAL - pending -> completed, exactly once
// =============================================================================

type ReferralStatus string

const (
	ReferralPending   ReferralStatus = "pending"
	ReferralCompleted ReferralStatus = "completed"
)

// Referral links a farmer to the partner who onboarded them.
// CommissionRate is locked in at creation and never changes.
type Referral struct {
	ID             ReferralID
	FarmerID       FarmerID
	PartnerID      PartnerID
	Status         ReferralStatus
	CommissionRate decimal.Decimal

	// Set on completion only
	TransactionAmount decimal.Decimal
	TransactionID     string
	CompletedAt       *time.Time

	CreatedAt time.Time
}

func (r Referral) IsPending() bool { return r.Status == ReferralPending }

// =============================================================================
// LEDGER TRANSACTION - append-only record of money movement
// =============================================================================

type TransactionType string

const (
	TxCommission TransactionType = "commission" // Positive amount, carries a ReferralID
	TxWithdrawal TransactionType = "withdrawal" // Negative amount, no referral
)

type TransactionStatus string

const (
	StatusPending   TransactionStatus = "pending"
	StatusCompleted TransactionStatus = "completed"
	StatusFailed    TransactionStatus = "failed"
)

// Metadata keys written on settlement.
const (
	MetaPaymentMethod    = "payment_method"
	MetaPaymentReference = "payment_reference"
	MetaSettledBy        = "settled_by"
	MetaFailureReason    = "failure_reason"
	MetaFarmerID         = "farmer_id"
	MetaSourceTxID       = "source_transaction_id"
)

// Transaction is a ledger entry. Only Status, Metadata and ProcessedAt ever
// change, and only through a pending -> completed|failed flip.
type Transaction struct {
	ID          TransactionID
	Type        TransactionType
	Amount      decimal.Decimal
	Reference   string // Globally unique idempotency key
	Status      TransactionStatus
	PartnerID   PartnerID
	ReferralID  ReferralID // Empty for withdrawals
	Description string
	Metadata    map[string]string
	CreatedAt   time.Time
	ProcessedAt *time.Time
}

// CheckSign reports whether the amount's sign matches the entry type.
func (t Transaction) CheckSign() error {
	switch t.Type {
	case TxCommission:
		if !t.Amount.IsPositive() {
			return &ValidationError{Field: "amount", Message: "commission amount must be positive"}
		}
		if t.ReferralID == "" {
			return &ValidationError{Field: "referral_id", Message: "commission entry requires a referral"}
		}
	case TxWithdrawal:
		if !t.Amount.IsNegative() {
			return &ValidationError{Field: "amount", Message: "withdrawal amount must be negative"}
		}
		if t.ReferralID != "" {
			return &ValidationError{Field: "referral_id", Message: "withdrawal entry cannot carry a referral"}
		}
	default:
		return &ValidationError{Field: "type", Message: fmt.Sprintf("unknown transaction type %q", t.Type)}
	}
	return nil
}

// CommissionReference derives the idempotency key of the commission entry
// produced by a farmer transaction.
func CommissionReference(transactionID string) string {
	return "COMM_" + transactionID
}

// =============================================================================
// PARTNER - one running balance per partner
// =============================================================================

type Channel string

const (
	ChannelSMS       Channel = "sms"
	ChannelEmail     Channel = "email"
	ChannelUSSD      Channel = "ussd"
	ChannelPush      Channel = "push"
	ChannelWebSocket Channel = "websocket"
)

// Contact is how a partner is reached by the notification side-channel.
type Contact struct {
	PartnerID PartnerID
	Name      string
	Phone     string
	Email     string
	PushToken string
	Channels  []Channel // Preferred channels, in order
}

type Partner struct {
	ID                PartnerID
	Name              string
	Phone             string
	Email             string
	PushToken         string
	Channels          []Channel
	CommissionBalance decimal.Decimal
	CreatedAt         time.Time
}

func (p Partner) Contact() Contact {
	return Contact{
		PartnerID: p.ID,
		Name:      p.Name,
		Phone:     p.Phone,
		Email:     p.Email,
		PushToken: p.PushToken,
		Channels:  p.Channels,
	}
}

// =============================================================================
// QUERY TYPES
// =============================================================================

// TransactionFilter selects ledger entries for paginated views.
// Zero values mean "any".
type TransactionFilter struct {
	PartnerID PartnerID
	Type      TransactionType
	Status    TransactionStatus
	From      *time.Time
	To        *time.Time
	Page      int
	Limit     int
}

const (
	DefaultPageLimit = 20
	MaxPageLimit     = 100
)

// Normalize clamps paging values.
func (f TransactionFilter) Normalize() TransactionFilter {
	if f.Page < 1 {
		f.Page = 1
	}
	if f.Limit < 1 {
		f.Limit = DefaultPageLimit
	}
	if f.Limit > MaxPageLimit {
		f.Limit = MaxPageLimit
	}
	return f
}

func (f TransactionFilter) Offset() int {
	return (f.Page - 1) * f.Limit
}

// Page is a page of ledger entries, newest first.
type Page struct {
	Items []Transaction
	Page  int
	Limit int
	Total int
	Pages int
}

func newPage(items []Transaction, f TransactionFilter, total int) Page {
	pages := 0
	if f.Limit > 0 {
		pages = (total + f.Limit - 1) / f.Limit
	}
	if items == nil {
		items = []Transaction{}
	}
	return Page{Items: items, Page: f.Page, Limit: f.Limit, Total: total, Pages: pages}
}
