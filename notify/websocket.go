package notify

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/agrilink/commission-engine/commission"
)

// ErrNotConnected means the partner has no open websocket.
var ErrNotConnected = errors.New("partner not connected")

const (
	writeWait   = 10 * time.Second
	pongWait    = 60 * time.Second
	pingPeriod  = (pongWait * 9) / 10
	sendBacklog = 16
)

// Event is the JSON frame pushed to in-app clients.
type Event struct {
	Type    string            `json:"type"`
	Title   string            `json:"title,omitempty"`
	Message string            `json:"message"`
	Data    map[string]string `json:"data,omitempty"`
}

type client struct {
	partnerID commission.PartnerID
	conn      *websocket.Conn
	send      chan Event
}

// Hub tracks open websocket connections per partner. It is also the
// in-app Channel.
type Hub struct {
	mu       sync.RWMutex
	clients  map[commission.PartnerID]map[*client]struct{}
	upgrader websocket.Upgrader
	logger   *zap.Logger
}

func NewHub(logger *zap.Logger) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		clients: make(map[commission.PartnerID]map[*client]struct{}),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		logger: logger,
	}
}

func (h *Hub) Name() commission.Channel { return commission.ChannelWebSocket }

// Deliver queues the message on every connection of the partner. A full
// backlog drops the frame for that connection.
func (h *Hub) Deliver(_ context.Context, contact commission.Contact, msg commission.Message) error {
	h.mu.RLock()
	defer h.mu.RUnlock()

	conns := h.clients[contact.PartnerID]
	if len(conns) == 0 {
		return ErrNotConnected
	}
	ev := Event{Type: msg.Event, Title: msg.Title, Message: msg.Body, Data: msg.Data}
	for c := range conns {
		select {
		case c.send <- ev:
		default:
			h.logger.Warn("websocket backlog full, dropping frame",
				zap.String("partner_id", string(c.partnerID)), zap.String("event", msg.Event))
		}
	}
	return nil
}

// Connected reports how many sockets the partner has open.
func (h *Hub) Connected(partnerID commission.PartnerID) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[partnerID])
}

// Serve upgrades the request and streams the partner's notifications
// until the client goes away.
func (h *Hub) Serve(w http.ResponseWriter, r *http.Request, partnerID commission.PartnerID) error {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return err
	}

	c := &client{partnerID: partnerID, conn: conn, send: make(chan Event, sendBacklog)}
	c.send <- Event{Type: "connected", Message: "WebSocket connection established"}
	h.register(c)

	go h.writePump(c)
	h.readPump(c)
	return nil
}

func (h *Hub) register(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.clients[c.partnerID] == nil {
		h.clients[c.partnerID] = make(map[*client]struct{})
	}
	h.clients[c.partnerID][c] = struct{}{}
}

func (h *Hub) unregister(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	conns := h.clients[c.partnerID]
	if _, ok := conns[c]; !ok {
		return
	}
	delete(conns, c)
	if len(conns) == 0 {
		delete(h.clients, c.partnerID)
	}
	close(c.send)
}

// readPump only watches for close and pong frames; clients do not send
// anything meaningful.
func (h *Hub) readPump(c *client) {
	defer func() {
		h.unregister(c)
		c.conn.Close()
	}()
	c.conn.SetReadLimit(512)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *Hub) writePump(c *client) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case ev, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteJSON(ev); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// Close disconnects every client.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, conns := range h.clients {
		for c := range conns {
			close(c.send)
		}
		delete(h.clients, id)
	}
}
