package commission

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"
)

// Notification events.
const (
	EventCommissionEarned  = "commission.earned"
	EventCommissionPaid    = "commission.paid"
	EventWithdrawalSettled = "withdrawal.completed"
)

// Message is a partner-facing notification.
type Message struct {
	Event string
	Title string
	Body  string
	Data  map[string]string
}

// Notifier is the notification side-channel. Notify must not block the
// caller on delivery and has no error result: a failed notification never
// affects a committed money movement.
type Notifier interface {
	Notify(ctx context.Context, contact Contact, msg Message)
}

type nopNotifier struct{}

func (nopNotifier) Notify(context.Context, Contact, Message) {}

// NopNotifier discards every message.
func NopNotifier() Notifier { return nopNotifier{} }

func commissionEarnedMessage(entry Transaction, farmerID FarmerID, balance decimal.Decimal) Message {
	return Message{
		Event: EventCommissionEarned,
		Title: "Commission earned",
		Body: fmt.Sprintf("You earned a commission of %s from farmer %s. New balance: %s.",
			entry.Amount.StringFixed(MoneyScale), farmerID, balance.StringFixed(MoneyScale)),
		Data: map[string]string{
			"transaction_id": string(entry.ID),
			"amount":         entry.Amount.StringFixed(MoneyScale),
			"balance":        balance.StringFixed(MoneyScale),
		},
	}
}

func commissionPaidMessage(entry Transaction, balance decimal.Decimal) Message {
	return Message{
		Event: EventCommissionPaid,
		Title: "Commission paid",
		Body: fmt.Sprintf("Your commission of %s has been settled via %s. New balance: %s.",
			entry.Amount.StringFixed(MoneyScale), entry.Metadata[MetaPaymentMethod], balance.StringFixed(MoneyScale)),
		Data: map[string]string{
			"transaction_id": string(entry.ID),
			"amount":         entry.Amount.StringFixed(MoneyScale),
			"balance":        balance.StringFixed(MoneyScale),
		},
	}
}

func withdrawalMessage(entry Transaction, balance decimal.Decimal) Message {
	amount := entry.Amount.Abs().StringFixed(MoneyScale)
	return Message{
		Event: EventWithdrawalSettled,
		Title: "Withdrawal processed",
		Body:  fmt.Sprintf("Your withdrawal of %s has been processed. Remaining balance: %s.", amount, balance.StringFixed(MoneyScale)),
		Data: map[string]string{
			"transaction_id": string(entry.ID),
			"reference":      entry.Reference,
			"amount":         amount,
			"balance":        balance.StringFixed(MoneyScale),
		},
	}
}
