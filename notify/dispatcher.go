package notify

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/agrilink/commission-engine/commission"
)

const defaultDeliveryTimeout = 30 * time.Second

// Dispatcher implements commission.Notifier. Notify returns at once and
// delivers in the background; Close waits for in-flight deliveries.
type Dispatcher struct {
	channels map[commission.Channel]Channel
	fallback []commission.Channel
	timeout  time.Duration
	logger   *zap.Logger

	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup
}

type DispatcherOption func(*Dispatcher)

// WithFallback sets the channels used for contacts without preferences.
func WithFallback(chs ...commission.Channel) DispatcherOption {
	return func(d *Dispatcher) { d.fallback = chs }
}

func WithDeliveryTimeout(t time.Duration) DispatcherOption {
	return func(d *Dispatcher) { d.timeout = t }
}

func WithDispatcherLogger(l *zap.Logger) DispatcherOption {
	return func(d *Dispatcher) { d.logger = l }
}

func NewDispatcher(channels []Channel, opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		channels: make(map[commission.Channel]Channel, len(channels)),
		fallback: []commission.Channel{commission.ChannelSMS},
		timeout:  defaultDeliveryTimeout,
		logger:   zap.NewNop(),
	}
	for _, ch := range channels {
		d.channels[ch.Name()] = ch
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Notify sends msg on the contact's preferred channels. In-app delivery
// is always attempted when a websocket hub is registered.
func (d *Dispatcher) Notify(ctx context.Context, contact commission.Contact, msg commission.Message) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		d.logger.Warn("dispatcher closed, dropping notification",
			zap.String("partner_id", string(contact.PartnerID)), zap.String("event", msg.Event))
		return
	}

	// The caller's request may end before delivery does.
	ctx = context.WithoutCancel(ctx)
	for _, ch := range d.targets(contact) {
		d.wg.Add(1)
		go d.deliver(ctx, ch, contact, msg)
	}
}

func (d *Dispatcher) targets(contact commission.Contact) []Channel {
	names := contact.Channels
	if len(names) == 0 {
		names = d.fallback
	}

	seen := make(map[commission.Channel]bool, len(names)+1)
	var out []Channel
	add := func(name commission.Channel) {
		if seen[name] {
			return
		}
		seen[name] = true
		if ch, ok := d.channels[name]; ok {
			out = append(out, ch)
		} else {
			d.logger.Debug("channel not configured", zap.String("channel", string(name)))
		}
	}
	for _, name := range names {
		add(name)
	}
	if _, ok := d.channels[commission.ChannelWebSocket]; ok {
		add(commission.ChannelWebSocket)
	}
	return out
}

func (d *Dispatcher) deliver(ctx context.Context, ch Channel, contact commission.Contact, msg commission.Message) {
	defer d.wg.Done()
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("notification channel panicked",
				zap.String("channel", string(ch.Name())), zap.Any("panic", r))
		}
	}()

	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	fields := []zap.Field{
		zap.String("channel", string(ch.Name())),
		zap.String("partner_id", string(contact.PartnerID)),
		zap.String("event", msg.Event),
	}
	err := ch.Deliver(ctx, contact, msg)
	switch {
	case err == nil:
		d.logger.Debug("notification delivered", fields...)
	case errors.Is(err, ErrNoAddress), errors.Is(err, ErrNotConnected):
		d.logger.Debug("notification skipped", append(fields, zap.Error(err))...)
	default:
		d.logger.Warn("notification delivery failed", append(fields, zap.Error(err))...)
	}
}

// Close stops accepting notifications and waits for pending deliveries.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()
	d.wg.Wait()
}
