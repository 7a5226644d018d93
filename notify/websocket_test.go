package notify_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agrilink/commission-engine/commission"
	"github.com/agrilink/commission-engine/notify"
)

func TestHub_DeliversToConnectedPartner(t *testing.T) {
	// GIVEN: partner p1 connected over a websocket
	hub := notify.NewHub(nil)
	defer hub.Close()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hub.Serve(w, r, commission.PartnerID(r.URL.Query().Get("partner_id")))
	}))
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "?partner_id=p1"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))

	var hello notify.Event
	require.NoError(t, conn.ReadJSON(&hello))
	assert.Equal(t, "connected", hello.Type)
	require.Eventually(t, func() bool { return hub.Connected("p1") == 1 }, time.Second, 10*time.Millisecond)

	// WHEN
	err = hub.Deliver(context.Background(), commission.Contact{PartnerID: "p1"}, earned)

	// THEN
	require.NoError(t, err)
	var ev notify.Event
	require.NoError(t, conn.ReadJSON(&ev))
	assert.Equal(t, commission.EventCommissionEarned, ev.Type)
	assert.Equal(t, "You earned 25.00", ev.Message)

	assert.ErrorIs(t, hub.Deliver(context.Background(), commission.Contact{PartnerID: "p2"}, earned), notify.ErrNotConnected)

	conn.Close()
	assert.Eventually(t, func() bool { return hub.Connected("p1") == 0 }, 2*time.Second, 10*time.Millisecond)
}
