/*
Package notify delivers partner notifications over SMS, USSD, email,
Firebase push and in-app websockets.

STRUCTURE:
  Channel    - one delivery mechanism; Deliver blocks until the provider answers
  Dispatcher - implements commission.Notifier; fans a message out to the
               partner's preferred channels in background goroutines

FAILURE POLICY:
  Delivery failures are logged and dropped. A committed ledger entry is
  never affected by a notification.
*/
package notify

import (
	"context"
	"errors"

	"github.com/agrilink/commission-engine/commission"
)

// ErrNoAddress means the contact has nothing this channel can reach.
var ErrNoAddress = errors.New("contact has no address for channel")

// Channel delivers one message to one partner.
type Channel interface {
	Name() commission.Channel
	Deliver(ctx context.Context, contact commission.Contact, msg commission.Message) error
}

// text renders a message for channels that only carry a body.
func text(msg commission.Message) string {
	if msg.Title == "" {
		return msg.Body
	}
	return msg.Title + ": " + msg.Body
}
