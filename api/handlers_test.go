package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/agrilink/commission-engine/commission"
	"github.com/agrilink/commission-engine/commission/store"
	"github.com/agrilink/commission-engine/notify"
)

type testServer struct {
	t       *testing.T
	store   *store.TxMemory
	engine  *commission.Engine
	handler *Handler
	router  http.Handler
	logs    *observer.ObservedLogs
}

func newTestServer(t *testing.T, opts ...commission.Option) *testServer {
	t.Helper()
	core, logs := observer.New(zapcore.DebugLevel)
	logger := zap.New(core)

	s := store.NewTxMemory()
	engine := commission.NewEngine(s, append([]commission.Option{commission.WithLogger(logger)}, opts...)...)
	h := NewHandler(engine, logger)
	h.Scheduler = NewReconciliationScheduler(engine, logger)
	return &testServer{t: t, store: s, engine: engine, handler: h, router: NewRouter(h, nil), logs: logs}
}

func (ts *testServer) do(method, path string, body any) *httptest.ResponseRecorder {
	ts.t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if s, ok := body.(string); ok {
			buf.WriteString(s)
		} else {
			require.NoError(ts.t, json.NewEncoder(&buf).Encode(body))
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	ts.router.ServeHTTP(rec, req)
	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

// seed registers partner-1 and a 5% referral for farmer-1.
func (ts *testServer) seed() {
	ts.t.Helper()
	rec := ts.do(http.MethodPost, "/api/admin/partners", map[string]any{
		"id": "partner-1", "name": "Wanjiku Agrovet", "phone": "+254711000001", "channels": []string{"sms"},
	})
	require.Equal(ts.t, http.StatusCreated, rec.Code, rec.Body.String())
	rec = ts.do(http.MethodPost, "/api/admin/referrals", map[string]any{
		"farmer_id": "farmer-1", "partner_id": "partner-1", "commission_rate": "0.05",
	})
	require.Equal(ts.t, http.StatusCreated, rec.Code, rec.Body.String())
}

func TestAPI_FarmerTransactionThroughWithdrawal(t *testing.T) {
	// GIVEN: a partner who referred farmer-1 at 5%
	ts := newTestServer(t)
	ts.seed()

	// WHEN: the farmer spends 50000
	rec := ts.do(http.MethodPost, "/api/farmer-transactions", map[string]any{
		"farmer_id": "farmer-1", "transaction_amount": 50000, "transaction_id": "ORD-1",
	})

	// THEN: 2500 commission credited
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	settled := decodeBody[FarmerTransactionResponse](t, rec)
	require.True(t, settled.Eligible)
	assert.Equal(t, "2500.00", settled.Settlement.Transaction.Amount)
	assert.Equal(t, "COMM_ORD-1", settled.Settlement.Transaction.Reference)
	assert.Equal(t, "2500.00", settled.Settlement.Balance)

	// A later transaction by the same farmer earns nothing
	rec = ts.do(http.MethodPost, "/api/farmer-transactions", map[string]any{
		"farmer_id": "farmer-1", "transaction_amount": "1000", "transaction_id": "ORD-2",
	})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.False(t, decodeBody[FarmerTransactionResponse](t, rec).Eligible)

	// Summary and history
	rec = ts.do(http.MethodGet, "/api/partners/partner-1/commissions/summary?period=all", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	summary := decodeBody[SummaryDTO](t, rec)
	assert.Equal(t, "2500.00", summary.TotalCommissions)
	assert.Equal(t, 1, summary.TotalTransactions)
	assert.Equal(t, "all", summary.Period)

	rec = ts.do(http.MethodGet, "/api/partners/partner-1/commissions/history?page=1&limit=10", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	history := decodeBody[PageDTO](t, rec)
	assert.Equal(t, 1, history.Total)
	assert.Equal(t, 10, history.Limit)

	// Overdraw is refused with details
	rec = ts.do(http.MethodPost, "/api/partners/partner-1/withdrawals", map[string]any{"amount": "3000"})
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	errResp := decodeBody[ErrorResponse](t, rec)
	assert.Equal(t, "insufficient_balance", errResp.Code)
	assert.Equal(t, map[string]any{"available": "2500.00", "requested": "3000.00", "shortfall": "500.00"}, errResp.Details)

	// Exact balance drains to zero
	rec = ts.do(http.MethodPost, "/api/partners/partner-1/withdrawals", map[string]any{"amount": "2500"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	wd := decodeBody[TransactionDTO](t, rec)
	assert.Equal(t, "-2500.00", wd.Amount)
	assert.Equal(t, "completed", wd.Status)

	rec = ts.do(http.MethodGet, "/api/partners/partner-1/balance", nil)
	assert.Equal(t, "0.00", decodeBody[BalanceDTO](t, rec).Balance)

	rec = ts.do(http.MethodGet, "/api/admin/partners/partner-1/verify", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, decodeBody[VerifyDTO](t, rec).Balanced)
}

func TestAPI_CalculateThenProcessIsIdempotent(t *testing.T) {
	ts := newTestServer(t)
	ts.seed()

	rec := ts.do(http.MethodPost, "/api/commissions/calculate", map[string]any{
		"farmer_id": "farmer-1", "transaction_amount": "333.33", "transaction_id": "ORD-9",
	})
	require.Equal(t, http.StatusOK, rec.Code)
	calc := decodeBody[CalculateResponse](t, rec)
	require.True(t, calc.Eligible)
	assert.Equal(t, "16.67", calc.Calculation.CommissionAmount)

	tampered := *calc.Calculation
	tampered.CommissionAmount = "9999.00"
	rec = ts.do(http.MethodPost, "/api/commissions/process", tampered)
	require.Equal(t, http.StatusBadRequest, rec.Code, "the amount is recomputed from the referral")

	first := ts.do(http.MethodPost, "/api/commissions/process", calc.Calculation)
	require.Equal(t, http.StatusCreated, first.Code, first.Body.String())
	again := ts.do(http.MethodPost, "/api/commissions/process", calc.Calculation)
	require.Equal(t, http.StatusOK, again.Code, again.Body.String())
	assert.True(t, decodeBody[SettlementDTO](t, again).Replayed)

	balance, err := ts.engine.PartnerBalance(context.Background(), "partner-1")
	require.NoError(t, err)
	assert.Equal(t, "16.67", balance.StringFixed(2))

	rec = ts.do(http.MethodPost, "/api/commissions/calculate", map[string]any{
		"farmer_id": "farmer-404", "transaction_amount": "100", "transaction_id": "ORD-10",
	})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.False(t, decodeBody[CalculateResponse](t, rec).Eligible)
}

func TestAPI_ErrorMapping(t *testing.T) {
	ts := newTestServer(t)
	ts.seed()

	tests := []struct {
		name   string
		method string
		path   string
		body   any
		status int
	}{
		{"malformed json", http.MethodPost, "/api/farmer-transactions", `{"farmer_id":`, http.StatusBadRequest},
		{"unknown field", http.MethodPost, "/api/partners/partner-1/withdrawals", `{"amount":"1","currency":"KES"}`, http.StatusBadRequest},
		{"missing farmer", http.MethodPost, "/api/farmer-transactions", map[string]any{"transaction_amount": "1", "transaction_id": "X"}, http.StatusBadRequest},
		{"negative amount", http.MethodPost, "/api/farmer-transactions", map[string]any{"farmer_id": "farmer-1", "transaction_amount": "-5", "transaction_id": "X"}, http.StatusBadRequest},
		{"bad period", http.MethodGet, "/api/partners/partner-1/commissions/summary?period=week", nil, http.StatusBadRequest},
		{"bad page", http.MethodGet, "/api/partners/partner-1/commissions/history?page=0", nil, http.StatusBadRequest},
		{"bad status filter", http.MethodGet, "/api/admin/commissions?status=lost", nil, http.StatusBadRequest},
		{"bad from", http.MethodGet, "/api/admin/commissions?from=yesterday", nil, http.StatusBadRequest},
		{"bad channel", http.MethodPost, "/api/admin/partners", map[string]any{"id": "p9", "name": "X", "channels": []string{"fax"}}, http.StatusBadRequest},
		{"unknown partner", http.MethodGet, "/api/partners/ghost/balance", nil, http.StatusNotFound},
		{"unknown referral", http.MethodGet, "/api/admin/referrals/ghost", nil, http.StatusNotFound},
		{"unknown commission", http.MethodPost, "/api/admin/commissions/ghost/pay", map[string]any{"amount": "1", "payment_method": "mpesa"}, http.StatusNotFound},
		{"duplicate partner", http.MethodPost, "/api/admin/partners", map[string]any{"id": "partner-1", "name": "Again"}, http.StatusConflict},
		{"second referrer", http.MethodPost, "/api/admin/referrals", map[string]any{"farmer_id": "farmer-1", "partner_id": "partner-1", "commission_rate": "0.02"}, http.StatusConflict},
		{"in-app disabled", http.MethodGet, "/ws", nil, http.StatusServiceUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := ts.do(tt.method, tt.path, tt.body)
			assert.Equal(t, tt.status, rec.Code, rec.Body.String())
		})
	}
}

func TestAPI_IntegrityErrorsAre500AndLogged(t *testing.T) {
	ts := newTestServer(t)
	req := httptest.NewRequest(http.MethodPost, "/api/partners/p1/withdrawals", nil)
	rec := httptest.NewRecorder()

	ts.handler.writeEngineError(rec, req, &commission.IntegrityError{
		PartnerID: "p1", Operation: "withdrawal append", Cause: errors.New("disk full"),
	})

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, "integrity", decodeBody[ErrorResponse](t, rec).Code)
	assert.Equal(t, 1, ts.logs.FilterMessage("integrity violation").Len())

	rec = httptest.NewRecorder()
	ts.handler.writeEngineError(rec, req, errors.New("connection refused"))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, "Internal error", decodeBody[ErrorResponse](t, rec).Error, "internal details stay in the log")
}

func TestAPI_DeferredPayout(t *testing.T) {
	// GIVEN: deferred settlement, so commissions wait for an admin
	ts := newTestServer(t, commission.WithSettlementMode(commission.SettleDeferredPayout))
	ts.seed()
	rec := ts.do(http.MethodPost, "/api/farmer-transactions", map[string]any{
		"farmer_id": "farmer-1", "transaction_amount": "50000", "transaction_id": "ORD-1",
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	// WHEN: the admin lists pending commissions and pays the first
	rec = ts.do(http.MethodGet, "/api/admin/commissions?status=pending&partner_id=partner-1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	page := decodeBody[PageDTO](t, rec)
	require.Len(t, page.Items, 1)
	id := page.Items[0].ID

	rec = ts.do(http.MethodPost, "/api/admin/commissions/"+id+"/pay", map[string]any{"amount": "2000", "payment_method": "mpesa"})
	assert.Equal(t, http.StatusBadRequest, rec.Code, "amount must match the entry")

	rec = ts.do(http.MethodPost, "/api/admin/commissions/"+id+"/pay", map[string]any{
		"amount": "2500", "payment_method": "mpesa", "payment_reference": "MP-1",
	})

	// THEN
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	paid := decodeBody[TransactionDTO](t, rec)
	assert.Equal(t, "completed", paid.Status)
	assert.Equal(t, "MP-1", paid.Metadata["payment_reference"])

	rec = ts.do(http.MethodPost, "/api/admin/commissions/"+id+"/pay", map[string]any{"amount": "2500", "payment_method": "mpesa"})
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestAPI_WithdrawalsAreRateLimitedPerPartner(t *testing.T) {
	ts := newTestServer(t)
	ts.handler.Limiter = NewPartnerRateLimiter(1, 1)
	ts.router = NewRouter(ts.handler, nil)
	ts.seed()
	ts.do(http.MethodPost, "/api/farmer-transactions", map[string]any{
		"farmer_id": "farmer-1", "transaction_amount": "50000", "transaction_id": "ORD-1",
	})

	first := ts.do(http.MethodPost, "/api/partners/partner-1/withdrawals", map[string]any{"amount": "10"})
	second := ts.do(http.MethodPost, "/api/partners/partner-1/withdrawals", map[string]any{"amount": "10"})
	other := ts.do(http.MethodPost, "/api/partners/partner-2/withdrawals", map[string]any{"amount": "10"})

	assert.Equal(t, http.StatusCreated, first.Code)
	assert.Equal(t, http.StatusTooManyRequests, second.Code)
	assert.NotEmpty(t, second.Header().Get("Retry-After"))
	assert.Equal(t, http.StatusNotFound, other.Code, "limits are per partner")
}

func TestAPI_ReconciliationReportsMismatch(t *testing.T) {
	// GIVEN: a balance moved behind the ledger's back
	ctx := context.Background()
	ts := newTestServer(t)
	ts.seed()
	_, err := ts.store.IncrementBalance(ctx, "partner-1", decimal.RequireFromString("99"))
	require.NoError(t, err)

	// WHEN
	rec := ts.do(http.MethodPost, "/api/admin/reconciliation/run", nil)

	// THEN: reported, not corrected
	require.Equal(t, http.StatusOK, rec.Code)
	run := decodeBody[ReconciliationRun](t, rec)
	assert.Equal(t, 1, run.Checked)
	require.Len(t, run.Mismatches, 1)
	assert.Equal(t, "99.00", run.Mismatches[0].Balance)
	assert.Equal(t, "0.00", run.Mismatches[0].Expected)

	rec = ts.do(http.MethodGet, "/api/admin/partners/partner-1/verify", nil)
	assert.False(t, decodeBody[VerifyDTO](t, rec).Balanced)

	rec = ts.do(http.MethodGet, "/api/admin/reconciliation/runs", nil)
	assert.Len(t, decodeBody[[]ReconciliationRun](t, rec), 1)

	balance, err := ts.engine.PartnerBalance(ctx, "partner-1")
	require.NoError(t, err)
	assert.Equal(t, "99.00", balance.StringFixed(2))
	assert.Equal(t, 1, ts.logs.FilterMessage("partner balance does not match ledger").Len())
}

func TestAPI_WebSocketRequiresKnownPartner(t *testing.T) {
	ts := newTestServer(t)
	ts.handler.Hub = notify.NewHub(nil)
	ts.router = NewRouter(ts.handler, nil)
	t.Cleanup(ts.handler.Hub.Close)

	assert.Equal(t, http.StatusBadRequest, ts.do(http.MethodGet, "/ws", nil).Code)
	assert.Equal(t, http.StatusNotFound, ts.do(http.MethodGet, "/ws?partner_id=ghost", nil).Code)
}
