package commission_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/agrilink/commission-engine/commission"
	"github.com/agrilink/commission-engine/commission/store"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

func money(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func assertMoney(t *testing.T, want string, got decimal.Decimal, msgAndArgs ...any) {
	t.Helper()
	require.Truef(t, money(want).Equal(got), "expected %s, got %s %v", want, got, msgAndArgs)
}

// clock is a settable time source.
type clock struct {
	mu  sync.Mutex
	now time.Time
}

func newClock(t time.Time) *clock { return &clock{now: t} }

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// recordingNotifier keeps every message it is asked to send.
type recordingNotifier struct {
	mu   sync.Mutex
	sent []sentMessage
}

type sentMessage struct {
	Contact commission.Contact
	Message commission.Message
}

func (n *recordingNotifier) Notify(_ context.Context, c commission.Contact, m commission.Message) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, sentMessage{Contact: c, Message: m})
}

func (n *recordingNotifier) Messages() []sentMessage {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]sentMessage(nil), n.sent...)
}

// faultyStore fails selected writes.
type faultyStore struct {
	commission.Store
	appendErr error
	markErr   error
	creditErr error
}

func (f *faultyStore) AppendTransaction(ctx context.Context, tx commission.Transaction) error {
	if f.appendErr != nil {
		return f.appendErr
	}
	return f.Store.AppendTransaction(ctx, tx)
}

func (f *faultyStore) UpdateTransactionStatus(ctx context.Context, id commission.TransactionID, status commission.TransactionStatus, md map[string]string, at time.Time) (commission.Transaction, error) {
	if f.markErr != nil {
		return commission.Transaction{}, f.markErr
	}
	return f.Store.UpdateTransactionStatus(ctx, id, status, md, at)
}

func (f *faultyStore) IncrementBalance(ctx context.Context, id commission.PartnerID, amount decimal.Decimal) (decimal.Decimal, error) {
	if f.creditErr != nil {
		return decimal.Zero, f.creditErr
	}
	return f.Store.IncrementBalance(ctx, id, amount)
}

// faultyTxStore injects the same faults inside storage transactions.
type faultyTxStore struct {
	*faultyStore
	tx *store.TxMemory
}

func newFaultyTxStore() *faultyTxStore {
	tm := store.NewTxMemory()
	return &faultyTxStore{faultyStore: &faultyStore{Store: tm}, tx: tm}
}

func (f *faultyTxStore) WithTx(ctx context.Context, fn func(commission.Store) error) error {
	return f.tx.WithTx(ctx, func(s commission.Store) error {
		return fn(&faultyStore{Store: s, appendErr: f.appendErr, markErr: f.markErr, creditErr: f.creditErr})
	})
}

var march2025 = time.Date(2025, time.March, 10, 9, 0, 0, 0, time.UTC)

// fixture is an engine with one partner and one pending 5% referral for farmer-1.
type fixture struct {
	engine   *commission.Engine
	store    commission.Store
	clock    *clock
	notifier *recordingNotifier
	referral commission.Referral
}

func newFixture(t *testing.T, s commission.Store, opts ...commission.Option) *fixture {
	t.Helper()
	ctx := context.Background()
	clk := newClock(march2025)
	notifier := &recordingNotifier{}

	opts = append([]commission.Option{
		commission.WithClock(clk.Now),
		commission.WithNotifier(notifier),
	}, opts...)
	engine := commission.NewEngine(s, opts...)

	_, err := engine.RegisterPartner(ctx, commission.Partner{
		ID: "partner-1", Name: "Green Agro Dealers", Phone: "+254711000001",
		Channels: []commission.Channel{commission.ChannelSMS},
	})
	require.NoError(t, err)

	ref, err := engine.RegisterReferral(ctx, commission.Referral{
		ID: "ref-1", FarmerID: "farmer-1", PartnerID: "partner-1", CommissionRate: money("0.05"),
	})
	require.NoError(t, err)

	return &fixture{engine: engine, store: s, clock: clk, notifier: notifier, referral: ref}
}

// earn settles a farmer transaction and fails the test on error.
func (f *fixture) earn(t *testing.T, farmer commission.FarmerID, amount, txID string) commission.Settlement {
	t.Helper()
	s, err := f.engine.RecordFarmerTransaction(context.Background(), farmer, money(amount), txID)
	require.NoError(t, err)
	require.NotNil(t, s, "farmer %s has no active referral", farmer)
	return *s
}

func (f *fixture) balance(t *testing.T) decimal.Decimal {
	t.Helper()
	b, err := f.engine.PartnerBalance(context.Background(), "partner-1")
	require.NoError(t, err)
	return b
}

// storeFactories runs a test against both the plain and transactional memory stores.
var storeFactories = map[string]func() commission.Store{
	"memory":   func() commission.Store { return store.NewMemory() },
	"txmemory": func() commission.Store { return store.NewTxMemory() },
}
