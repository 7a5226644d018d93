package notify_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"firebase.google.com/go/v4/messaging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/gomail.v2"

	"github.com/agrilink/commission-engine/commission"
	"github.com/agrilink/commission-engine/notify"
)

var partner = commission.Contact{
	PartnerID: "p1",
	Name:      "Wanjiku Agrovet",
	Phone:     "+254711000001",
	Email:     "wanjiku@example.com",
	PushToken: "device-token",
}

func TestSMSChannel(t *testing.T) {
	// GIVEN: a gateway that records the form it receives
	var form url.Values
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		form = r.PostForm
		w.Write([]byte(`{"status":"success","message":"queued"}`))
	}))
	defer srv.Close()
	ch := notify.NewSMSChannel(notify.SMSConfig{URL: srv.URL, Username: "agri", Password: "secret", SenderID: "AGRILINK"})

	// WHEN
	err := ch.Deliver(context.Background(), partner, earned)

	// THEN
	require.NoError(t, err)
	assert.Equal(t, "+254711000001", form.Get("destination"))
	assert.Equal(t, "AGRILINK", form.Get("senderid"))
	assert.Equal(t, "Commission earned: You earned 25.00", form.Get("message"))
}

func TestSMSChannel_Failures(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("mode") == "reject" {
			w.Write([]byte(`{"status":"failed","message":"insufficient credit"}`))
			return
		}
		http.Error(w, "boom", http.StatusBadGateway)
	}))
	defer srv.Close()

	err := notify.NewSMSChannel(notify.SMSConfig{URL: srv.URL}).Deliver(context.Background(), partner, earned)
	assert.ErrorContains(t, err, "502")

	err = notify.NewSMSChannel(notify.SMSConfig{URL: srv.URL + "?mode=reject"}).Deliver(context.Background(), partner, earned)
	assert.ErrorContains(t, err, "insufficient credit")

	err = notify.NewSMSChannel(notify.SMSConfig{URL: srv.URL}).Deliver(context.Background(), commission.Contact{PartnerID: "p1"}, earned)
	assert.ErrorIs(t, err, notify.ErrNoAddress)
}

func TestUSSDChannel(t *testing.T) {
	var got map[string]string
	var key string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key = r.Header.Get("X-API-Key")
		body, _ := io.ReadAll(r.Body)
		require.NoError(t, json.Unmarshal(body, &got))
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	err := notify.NewUSSDChannel(srv.URL, "k-123").Deliver(context.Background(), partner, earned)

	require.NoError(t, err)
	assert.Equal(t, "k-123", key)
	assert.Equal(t, "+254711000001", got["phoneNumber"])
	assert.Equal(t, commission.EventCommissionEarned, got["event"])
}

type fakeMailer struct {
	sent []*gomail.Message
	err  error
}

func (m *fakeMailer) DialAndSend(msgs ...*gomail.Message) error {
	m.sent = append(m.sent, msgs...)
	return m.err
}

func TestEmailChannel(t *testing.T) {
	mailer := &fakeMailer{}
	ch := notify.NewEmailChannelWithMailer(mailer, "payouts@agrilink.example")

	require.NoError(t, ch.Deliver(context.Background(), partner, earned))
	require.Len(t, mailer.sent, 1)
	assert.Equal(t, []string{"wanjiku@example.com"}, mailer.sent[0].GetHeader("To"))
	assert.Equal(t, []string{"Commission earned"}, mailer.sent[0].GetHeader("Subject"))

	mailer.err = errors.New("smtp: 421")
	assert.ErrorContains(t, ch.Deliver(context.Background(), partner, earned), "421")
	assert.ErrorIs(t, ch.Deliver(context.Background(), commission.Contact{}, earned), notify.ErrNoAddress)
}

type fakeSender struct{ last *messaging.Message }

func (s *fakeSender) Send(_ context.Context, m *messaging.Message) (string, error) {
	s.last = m
	return "projects/x/messages/1", nil
}

func TestPushChannel(t *testing.T) {
	sender := &fakeSender{}
	ch := notify.NewPushChannelWithSender(sender)
	msg := earned
	msg.Data = map[string]string{"amount": "25.00"}

	require.NoError(t, ch.Deliver(context.Background(), partner, msg))
	require.NotNil(t, sender.last)
	assert.Equal(t, "device-token", sender.last.Token)
	assert.Equal(t, "Commission earned", sender.last.Notification.Title)
	assert.Equal(t, "25.00", sender.last.Data["amount"])
	assert.Equal(t, commission.EventCommissionEarned, sender.last.Data["event"])
	assert.NotContains(t, msg.Data, "event", "caller data is not mutated")
}
