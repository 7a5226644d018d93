package notify

import (
	"context"
	"fmt"

	firebase "firebase.google.com/go/v4"
	"firebase.google.com/go/v4/messaging"
	"google.golang.org/api/option"

	"github.com/agrilink/commission-engine/commission"
)

// PushSender is the part of *messaging.Client the channel uses.
type PushSender interface {
	Send(ctx context.Context, message *messaging.Message) (string, error)
}

// PushChannel sends Firebase Cloud Messaging notifications to the
// partner's device token.
type PushChannel struct {
	sender PushSender
}

// NewPushChannel initializes a Firebase app from a service account file.
func NewPushChannel(ctx context.Context, credentialsFile, projectID string) (*PushChannel, error) {
	app, err := firebase.NewApp(ctx, &firebase.Config{ProjectID: projectID}, option.WithCredentialsFile(credentialsFile))
	if err != nil {
		return nil, fmt.Errorf("error initializing firebase app: %w", err)
	}
	client, err := app.Messaging(ctx)
	if err != nil {
		return nil, fmt.Errorf("error getting messaging client: %w", err)
	}
	return &PushChannel{sender: client}, nil
}

func NewPushChannelWithSender(s PushSender) *PushChannel {
	return &PushChannel{sender: s}
}

func (c *PushChannel) Name() commission.Channel { return commission.ChannelPush }

func (c *PushChannel) Deliver(ctx context.Context, contact commission.Contact, msg commission.Message) error {
	if contact.PushToken == "" {
		return ErrNoAddress
	}

	data := make(map[string]string, len(msg.Data)+1)
	for k, v := range msg.Data {
		data[k] = v
	}
	data["event"] = msg.Event

	_, err := c.sender.Send(ctx, &messaging.Message{
		Token: contact.PushToken,
		Notification: &messaging.Notification{
			Title: msg.Title,
			Body:  msg.Body,
		},
		Data: data,
		Android: &messaging.AndroidConfig{
			Priority: "high",
			Notification: &messaging.AndroidNotification{
				Sound:     "default",
				ChannelID: "commission_updates",
			},
		},
		APNS: &messaging.APNSConfig{
			Payload: &messaging.APNSPayload{
				Aps: &messaging.Aps{
					Alert: &messaging.ApsAlert{Title: msg.Title, Body: msg.Body},
					Sound: "default",
				},
			},
		},
	})
	if err != nil {
		return fmt.Errorf("error sending FCM notification: %w", err)
	}
	return nil
}
