package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/agrilink/commission-engine/commission"
)

// SMSChannel posts to a bulk-SMS HTTP gateway.
type SMSChannel struct {
	URL      string
	Username string
	Password string
	SenderID string
	Client   *http.Client
}

// SMSConfig configures NewSMSChannel.
type SMSConfig struct {
	URL      string
	Username string
	Password string
	SenderID string
}

func NewSMSChannel(cfg SMSConfig) *SMSChannel {
	return &SMSChannel{
		URL:      cfg.URL,
		Username: cfg.Username,
		Password: cfg.Password,
		SenderID: cfg.SenderID,
		Client:   &http.Client{Timeout: 30 * time.Second},
	}
}

type smsResponse struct {
	Status  string `json:"status"`
	Message string `json:"message"`
}

func (c *SMSChannel) Name() commission.Channel { return commission.ChannelSMS }

func (c *SMSChannel) Deliver(ctx context.Context, contact commission.Contact, msg commission.Message) error {
	if contact.Phone == "" {
		return ErrNoAddress
	}

	params := url.Values{}
	params.Set("username", c.Username)
	params.Set("password", c.Password)
	params.Set("senderid", c.SenderID)
	params.Set("destination", contact.Phone)
	params.Set("message", text(msg))

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.URL, strings.NewReader(params.Encode()))
	if err != nil {
		return fmt.Errorf("failed to create SMS request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.Client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send SMS request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read SMS response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("SMS gateway returned status %d: %s", resp.StatusCode, string(body))
	}

	// Some gateways answer with plain text on success.
	var parsed smsResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil
	}
	switch strings.ToLower(parsed.Status) {
	case "", "success", "sent", "queued":
		return nil
	default:
		return fmt.Errorf("SMS sending failed: %s", parsed.Message)
	}
}
