package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/agrilink/commission-engine/commission"
)

// USSDChannel sends a push-USSD prompt through an HTTP gateway. Prompts
// are short, so only the title (or body when there is none) is sent.
type USSDChannel struct {
	URL    string
	APIKey string
	Client *http.Client
}

func NewUSSDChannel(url, apiKey string) *USSDChannel {
	return &USSDChannel{URL: url, APIKey: apiKey, Client: &http.Client{Timeout: 15 * time.Second}}
}

type ussdRequest struct {
	PhoneNumber string `json:"phoneNumber"`
	Message     string `json:"message"`
	Event       string `json:"event"`
}

const ussdMaxLen = 182

func (c *USSDChannel) Name() commission.Channel { return commission.ChannelUSSD }

func (c *USSDChannel) Deliver(ctx context.Context, contact commission.Contact, msg commission.Message) error {
	if contact.Phone == "" {
		return ErrNoAddress
	}

	prompt := msg.Body
	if len(prompt) > ussdMaxLen {
		prompt = prompt[:ussdMaxLen]
	}
	payload, err := json.Marshal(ussdRequest{PhoneNumber: contact.Phone, Message: prompt, Event: msg.Event})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.URL, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to create USSD request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-API-Key", c.APIKey)

	resp, err := c.Client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send USSD request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("USSD gateway returned status %d: %s", resp.StatusCode, string(body))
	}
	return nil
}
