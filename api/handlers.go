/*
handlers.go - HTTP handlers for the commission settlement engine

PURPOSE:
  Exposes commission.Engine over REST. Handlers decode and validate the
  request, call exactly one Engine operation and encode the result. No
  settlement logic lives here.

ENDPOINTS:
  Commissions:
    POST   /api/commissions/calculate                 Calculate without side effects
    POST   /api/commissions/process                   Settle a calculation (idempotent)
    POST   /api/farmer-transactions                   Calculate + settle

  Partners:
    GET    /api/partners/{id}/balance
    GET    /api/partners/{id}/commissions/summary     ?period=all|month|quarter|year
    GET    /api/partners/{id}/commissions/history     ?page=&limit=
    POST   /api/partners/{id}/withdrawals             Rate limited per partner

  Admin:
    GET    /api/admin/commissions                     ?page=&limit=&partner_id=&status=&type=&from=&to=
    POST   /api/admin/commissions/{id}/pay
    POST   /api/admin/partners
    GET    /api/admin/partners
    GET    /api/admin/partners/{id}/verify
    POST   /api/admin/referrals
    GET    /api/admin/referrals/{id}
    GET    /api/admin/reconciliation/runs
    POST   /api/admin/reconciliation/run

  In-app notifications:
    GET    /ws?partner_id=

ERROR HANDLING:
  Engine errors map to HTTP status by kind:
  - 400: validation
  - 404: not found
  - 409: conflict
  - 422: insufficient balance
  - 500: integrity (logged at error level) and anything unclassified

SECURITY NOTE:
  No authentication or authorization. Deploy behind the marketplace
  gateway, which owns identity.

SEE ALSO:
  - dto.go: request/response types
  - server.go: router and middleware
*/
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/agrilink/commission-engine/commission"
	"github.com/agrilink/commission-engine/notify"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Engine    *commission.Engine
	Hub       *notify.Hub
	Limiter   *PartnerRateLimiter
	Scheduler *ReconciliationScheduler

	logger   *zap.Logger
	validate *validator.Validate
}

// NewHandler creates a handler. Hub, Limiter and Scheduler are optional.
func NewHandler(engine *commission.Engine, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		Engine:   engine,
		logger:   logger,
		validate: validator.New(),
	}
}

// =============================================================================
// COMMISSION ENDPOINTS
// =============================================================================

func (h *Handler) CalculateCommission(w http.ResponseWriter, r *http.Request) {
	var req FarmerTransactionRequest
	if !h.decode(w, r, &req) {
		return
	}

	calc, err := h.Engine.CalculateCommission(r.Context(),
		commission.FarmerID(req.FarmerID), req.TransactionAmount, req.TransactionID)
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}

	resp := CalculateResponse{Eligible: calc != nil}
	if calc != nil {
		dto := toCalculationDTO(*calc)
		resp.Calculation = &dto
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) ProcessCommission(w http.ResponseWriter, r *http.Request) {
	var req ProcessCommissionRequest
	if !h.decode(w, r, &req) {
		return
	}

	s, err := h.Engine.ProcessCommission(r.Context(), req.calculation())
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, settlementStatus(s), toSettlementDTO(s))
}

// RecordFarmerTransaction is the marketplace hook: call it for every
// farmer transaction, referred or not.
func (h *Handler) RecordFarmerTransaction(w http.ResponseWriter, r *http.Request) {
	var req FarmerTransactionRequest
	if !h.decode(w, r, &req) {
		return
	}

	s, err := h.Engine.RecordFarmerTransaction(r.Context(),
		commission.FarmerID(req.FarmerID), req.TransactionAmount, req.TransactionID)
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	if s == nil {
		writeJSON(w, http.StatusOK, FarmerTransactionResponse{Eligible: false})
		return
	}
	dto := toSettlementDTO(*s)
	writeJSON(w, settlementStatus(*s), FarmerTransactionResponse{Eligible: true, Settlement: &dto})
}

// settlementStatus is 201 for a fresh settlement and 200 for a replay.
func settlementStatus(s commission.Settlement) int {
	if s.Replayed {
		return http.StatusOK
	}
	return http.StatusCreated
}

// =============================================================================
// PARTNER ENDPOINTS
// =============================================================================

func (h *Handler) GetBalance(w http.ResponseWriter, r *http.Request) {
	id := commission.PartnerID(chi.URLParam(r, "id"))
	balance, err := h.Engine.PartnerBalance(r.Context(), id)
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, BalanceDTO{PartnerID: string(id), Balance: money(balance)})
}

func (h *Handler) GetCommissionSummary(w http.ResponseWriter, r *http.Request) {
	id := commission.PartnerID(chi.URLParam(r, "id"))
	pt, err := commission.ParsePeriodType(r.URL.Query().Get("period"))
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}

	s, err := h.Engine.GetPartnerCommissionSummary(r.Context(), id, pt)
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toSummaryDTO(s, pt))
}

func (h *Handler) GetCommissionHistory(w http.ResponseWriter, r *http.Request) {
	id := commission.PartnerID(chi.URLParam(r, "id"))
	page, limit, ok := pagination(w, r)
	if !ok {
		return
	}

	p, err := h.Engine.GetPartnerCommissionHistory(r.Context(), id, page, limit)
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toPageDTO(p))
}

func (h *Handler) ProcessWithdrawal(w http.ResponseWriter, r *http.Request) {
	id := commission.PartnerID(chi.URLParam(r, "id"))
	var req WithdrawalRequest
	if !h.decode(w, r, &req) {
		return
	}

	tx, err := h.Engine.ProcessWithdrawal(r.Context(), id, req.Amount)
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toTransactionDTO(tx))
}

// =============================================================================
// ADMIN ENDPOINTS
// =============================================================================

func (h *Handler) ListCommissions(w http.ResponseWriter, r *http.Request) {
	page, limit, ok := pagination(w, r)
	if !ok {
		return
	}
	q := r.URL.Query()
	filter := commission.TransactionFilter{
		PartnerID: commission.PartnerID(q.Get("partner_id")),
		Page:      page,
		Limit:     limit,
	}

	switch s := commission.TransactionStatus(q.Get("status")); s {
	case "", commission.StatusPending, commission.StatusCompleted, commission.StatusFailed:
		filter.Status = s
	default:
		writeError(w, http.StatusBadRequest, "Invalid status", fmt.Errorf("unknown status %q", s))
		return
	}
	switch t := commission.TransactionType(q.Get("type")); t {
	case "", commission.TxCommission, commission.TxWithdrawal:
		filter.Type = t
	default:
		writeError(w, http.StatusBadRequest, "Invalid type", fmt.Errorf("unknown type %q", t))
		return
	}
	for _, bound := range []struct {
		name string
		dst  **time.Time
	}{{"from", &filter.From}, {"to", &filter.To}} {
		v := q.Get(bound.name)
		if v == "" {
			continue
		}
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid "+bound.name+" (use RFC3339)", err)
			return
		}
		*bound.dst = &t
	}

	p, err := h.Engine.GetAllCommissions(r.Context(), filter)
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toPageDTO(p))
}

func (h *Handler) PayCommission(w http.ResponseWriter, r *http.Request) {
	id := commission.TransactionID(chi.URLParam(r, "id"))
	var req CommissionPaymentRequest
	if !h.decode(w, r, &req) {
		return
	}

	tx, err := h.Engine.ProcessCommissionPayment(r.Context(), id, req.Amount, req.PaymentMethod, req.PaymentReference)
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toTransactionDTO(tx))
}

func (h *Handler) CreatePartner(w http.ResponseWriter, r *http.Request) {
	var req CreatePartnerRequest
	if !h.decode(w, r, &req) {
		return
	}

	channels := make([]commission.Channel, 0, len(req.Channels))
	for _, c := range req.Channels {
		channels = append(channels, commission.Channel(c))
	}
	p, err := h.Engine.RegisterPartner(r.Context(), commission.Partner{
		ID:        commission.PartnerID(req.ID),
		Name:      req.Name,
		Phone:     req.Phone,
		Email:     req.Email,
		PushToken: req.PushToken,
		Channels:  channels,
	})
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toPartnerDTO(p))
}

func (h *Handler) ListPartners(w http.ResponseWriter, r *http.Request) {
	partners, err := h.Engine.Partners(r.Context())
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	dtos := make([]PartnerDTO, 0, len(partners))
	for _, p := range partners {
		dtos = append(dtos, toPartnerDTO(p))
	}
	writeJSON(w, http.StatusOK, dtos)
}

// VerifyPartner answers 200 either way; a mismatch is the result of the
// check, not a failure of the request.
func (h *Handler) VerifyPartner(w http.ResponseWriter, r *http.Request) {
	id := commission.PartnerID(chi.URLParam(r, "id"))
	err := h.Engine.VerifyPartnerBalance(r.Context(), id)

	var ierr *commission.IntegrityError
	switch {
	case err == nil:
		balance, err := h.Engine.PartnerBalance(r.Context(), id)
		if err != nil {
			h.writeEngineError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, VerifyDTO{PartnerID: string(id), Balanced: true, Balance: money(balance), Expected: money(balance)})
	case errors.As(err, &ierr):
		h.logger.Error("partner balance mismatch",
			zap.String("partner_id", string(id)),
			zap.String("balance", money(ierr.Actual)),
			zap.String("expected", money(ierr.Expected)))
		writeJSON(w, http.StatusOK, VerifyDTO{PartnerID: string(id), Balanced: false, Balance: money(ierr.Actual), Expected: money(ierr.Expected)})
	default:
		h.writeEngineError(w, r, err)
	}
}

func (h *Handler) CreateReferral(w http.ResponseWriter, r *http.Request) {
	var req CreateReferralRequest
	if !h.decode(w, r, &req) {
		return
	}

	ref, err := h.Engine.RegisterReferral(r.Context(), commission.Referral{
		FarmerID:       commission.FarmerID(req.FarmerID),
		PartnerID:      commission.PartnerID(req.PartnerID),
		CommissionRate: req.CommissionRate,
	})
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toReferralDTO(ref))
}

func (h *Handler) GetReferral(w http.ResponseWriter, r *http.Request) {
	ref, err := h.Engine.GetReferral(r.Context(), commission.ReferralID(chi.URLParam(r, "id")))
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toReferralDTO(ref))
}

func (h *Handler) ListReconciliationRuns(w http.ResponseWriter, r *http.Request) {
	if h.Scheduler == nil {
		writeJSON(w, http.StatusOK, []ReconciliationRun{})
		return
	}
	writeJSON(w, http.StatusOK, h.Scheduler.Runs())
}

func (h *Handler) TriggerReconciliation(w http.ResponseWriter, r *http.Request) {
	if h.Scheduler == nil {
		writeError(w, http.StatusServiceUnavailable, "Reconciliation is not configured", nil)
		return
	}
	writeJSON(w, http.StatusOK, h.Scheduler.RunOnce(r.Context()))
}

// =============================================================================
// WEBSOCKET
// =============================================================================

func (h *Handler) ServeWebSocket(w http.ResponseWriter, r *http.Request) {
	if h.Hub == nil {
		writeError(w, http.StatusServiceUnavailable, "In-app notifications are disabled", nil)
		return
	}
	id := commission.PartnerID(r.URL.Query().Get("partner_id"))
	if id == "" {
		writeError(w, http.StatusBadRequest, "partner_id is required", nil)
		return
	}
	if _, err := h.Engine.GetPartner(r.Context(), id); err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	if err := h.Hub.Serve(w, r, id); err != nil {
		h.logger.Debug("websocket upgrade failed", zap.String("partner_id", string(id)), zap.Error(err))
	}
}

// =============================================================================
// HELPERS
// =============================================================================

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}

// decode reads a JSON body into dst and validates it. It writes the 400
// itself and reports whether the handler should continue.
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return false
	}
	if err := h.validate.Struct(dst); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			fields := make(map[string]string, len(verrs))
			for _, fe := range verrs {
				fields[fe.Field()] = fe.Tag()
			}
			writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "Validation failed", Code: string(commission.KindValidation), Details: fields})
			return false
		}
		writeError(w, http.StatusBadRequest, "Validation failed", err)
		return false
	}
	return true
}

func pagination(w http.ResponseWriter, r *http.Request) (page, limit int, ok bool) {
	q := r.URL.Query()
	var err error
	if v := q.Get("page"); v != "" {
		if page, err = strconv.Atoi(v); err != nil || page < 1 {
			writeError(w, http.StatusBadRequest, "page must be a positive integer", err)
			return 0, 0, false
		}
	}
	if v := q.Get("limit"); v != "" {
		if limit, err = strconv.Atoi(v); err != nil || limit < 1 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer", err)
			return 0, 0, false
		}
	}
	return page, limit, true
}

// writeEngineError maps an engine error to its HTTP status.
func (h *Handler) writeEngineError(w http.ResponseWriter, r *http.Request, err error) {
	kind := commission.KindOf(err)
	resp := ErrorResponse{Error: err.Error(), Code: string(kind)}

	status := http.StatusInternalServerError
	switch kind {
	case commission.KindValidation:
		status = http.StatusBadRequest
	case commission.KindNotFound:
		status = http.StatusNotFound
	case commission.KindConflict:
		status = http.StatusConflict
	case commission.KindInsufficientBalance:
		status = http.StatusUnprocessableEntity
		var ierr *commission.InsufficientBalanceError
		if errors.As(err, &ierr) {
			resp.Details = map[string]string{
				"available": money(ierr.Available),
				"requested": money(ierr.Requested),
				"shortfall": money(ierr.Shortfall),
			}
		}
	case commission.KindIntegrity:
		h.logger.Error("integrity violation",
			zap.String("request_id", middleware.GetReqID(r.Context())),
			zap.String("path", r.URL.Path),
			zap.Error(err))
	default:
		h.logger.Error("request failed",
			zap.String("request_id", middleware.GetReqID(r.Context())),
			zap.String("path", r.URL.Path),
			zap.Error(err))
		resp.Error = "Internal error"
	}
	writeJSON(w, status, resp)
}
