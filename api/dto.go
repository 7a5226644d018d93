/*
dto.go - Request and response bodies of the HTTP API

NAMING CONVENTION:
  - *Request: request bodies, validated with go-playground/validator tags
  - *DTO:     response bodies

MONEY:
  Requests accept amounts as JSON numbers or strings ("2500.00").
  Responses always render money as strings with two decimals so clients
  never round through float64.

SEE ALSO:
  - handlers.go: uses these types
*/
package api

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/agrilink/commission-engine/commission"
)

// =============================================================================
// REQUESTS
// =============================================================================

// FarmerTransactionRequest is the body of /commissions/calculate and
// /farmer-transactions.
type FarmerTransactionRequest struct {
	FarmerID          string          `json:"farmer_id" validate:"required,max=64"`
	TransactionAmount decimal.Decimal `json:"transaction_amount"`
	TransactionID     string          `json:"transaction_id" validate:"required,max=128"`
}

// ProcessCommissionRequest settles a calculation returned by /calculate.
type ProcessCommissionRequest struct {
	ReferralID        string          `json:"referral_id" validate:"required"`
	PartnerID         string          `json:"partner_id" validate:"required"`
	FarmerID          string          `json:"farmer_id" validate:"required"`
	TransactionID     string          `json:"transaction_id" validate:"required,max=128"`
	TransactionAmount decimal.Decimal `json:"transaction_amount"`
	CommissionRate    decimal.Decimal `json:"commission_rate"`
	CommissionAmount  decimal.Decimal `json:"commission_amount"`
}

func (r ProcessCommissionRequest) calculation() commission.Calculation {
	return commission.Calculation{
		ReferralID:        commission.ReferralID(r.ReferralID),
		PartnerID:         commission.PartnerID(r.PartnerID),
		FarmerID:          commission.FarmerID(r.FarmerID),
		TransactionID:     r.TransactionID,
		TransactionAmount: r.TransactionAmount,
		CommissionRate:    r.CommissionRate,
		CommissionAmount:  r.CommissionAmount,
	}
}

type WithdrawalRequest struct {
	Amount decimal.Decimal `json:"amount"`
}

type CommissionPaymentRequest struct {
	Amount           decimal.Decimal `json:"amount"`
	PaymentMethod    string          `json:"payment_method" validate:"required,max=32"`
	PaymentReference string          `json:"payment_reference" validate:"max=128"`
}

type CreatePartnerRequest struct {
	ID        string   `json:"id" validate:"required,max=64"`
	Name      string   `json:"name" validate:"required,max=200"`
	Phone     string   `json:"phone" validate:"omitempty,e164"`
	Email     string   `json:"email" validate:"omitempty,email"`
	PushToken string   `json:"push_token" validate:"max=4096"`
	Channels  []string `json:"channels" validate:"dive,oneof=sms email ussd push websocket"`
}

type CreateReferralRequest struct {
	FarmerID       string          `json:"farmer_id" validate:"required,max=64"`
	PartnerID      string          `json:"partner_id" validate:"required,max=64"`
	CommissionRate decimal.Decimal `json:"commission_rate"`
}

// =============================================================================
// RESPONSES
// =============================================================================

type CalculationDTO struct {
	ReferralID        string `json:"referral_id"`
	PartnerID         string `json:"partner_id"`
	FarmerID          string `json:"farmer_id"`
	TransactionID     string `json:"transaction_id"`
	TransactionAmount string `json:"transaction_amount"`
	CommissionRate    string `json:"commission_rate"`
	CommissionAmount  string `json:"commission_amount"`
}

// CalculateResponse has Eligible false and no calculation when the farmer
// has no active referral.
type CalculateResponse struct {
	Eligible    bool            `json:"eligible"`
	Calculation *CalculationDTO `json:"calculation,omitempty"`
}

type SettlementDTO struct {
	Transaction TransactionDTO `json:"transaction"`
	Replayed    bool           `json:"replayed"`
	Credited    bool           `json:"credited"`
	Balance     string         `json:"balance,omitempty"`
}

type FarmerTransactionResponse struct {
	Eligible   bool           `json:"eligible"`
	Settlement *SettlementDTO `json:"settlement,omitempty"`
}

type TransactionDTO struct {
	ID          string            `json:"id"`
	Type        string            `json:"type"`
	Amount      string            `json:"amount"`
	Reference   string            `json:"reference"`
	Status      string            `json:"status"`
	PartnerID   string            `json:"partner_id"`
	ReferralID  string            `json:"referral_id,omitempty"`
	Description string            `json:"description,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`
	ProcessedAt *time.Time        `json:"processed_at,omitempty"`
}

type PageDTO struct {
	Items []TransactionDTO `json:"items"`
	Page  int              `json:"page"`
	Limit int              `json:"limit"`
	Total int              `json:"total"`
	Pages int              `json:"pages"`
}

type SummaryDTO struct {
	PartnerID            string     `json:"partner_id"`
	Period               string     `json:"period"`
	PeriodStart          *time.Time `json:"period_start,omitempty"`
	PeriodEnd            *time.Time `json:"period_end,omitempty"`
	TotalCommissions     string     `json:"total_commissions"`
	TotalTransactions    int        `json:"total_transactions"`
	PendingCommissions   string     `json:"pending_commissions"`
	CompletedCommissions string     `json:"completed_commissions"`
	TotalWithdrawn       string     `json:"total_withdrawn"`
}

type BalanceDTO struct {
	PartnerID string `json:"partner_id"`
	Balance   string `json:"balance"`
}

type PartnerDTO struct {
	ID                string    `json:"id"`
	Name              string    `json:"name"`
	Phone             string    `json:"phone,omitempty"`
	Email             string    `json:"email,omitempty"`
	Channels          []string  `json:"channels"`
	CommissionBalance string    `json:"commission_balance"`
	CreatedAt         time.Time `json:"created_at"`
}

type ReferralDTO struct {
	ID                string     `json:"id"`
	FarmerID          string     `json:"farmer_id"`
	PartnerID         string     `json:"partner_id"`
	Status            string     `json:"status"`
	CommissionRate    string     `json:"commission_rate"`
	TransactionAmount string     `json:"transaction_amount,omitempty"`
	TransactionID     string     `json:"transaction_id,omitempty"`
	CompletedAt       *time.Time `json:"completed_at,omitempty"`
	CreatedAt         time.Time  `json:"created_at"`
}

// VerifyDTO reports the conservation check for one partner.
type VerifyDTO struct {
	PartnerID string `json:"partner_id"`
	Balanced  bool   `json:"balanced"`
	Balance   string `json:"balance"`
	Expected  string `json:"expected"`
}

// ErrorResponse is the standard error response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
	Details any    `json:"details,omitempty"`
}

// =============================================================================
// CONVERSIONS
// =============================================================================

func money(d decimal.Decimal) string { return d.StringFixed(commission.MoneyScale) }

func toTransactionDTO(t commission.Transaction) TransactionDTO {
	return TransactionDTO{
		ID:          string(t.ID),
		Type:        string(t.Type),
		Amount:      money(t.Amount),
		Reference:   t.Reference,
		Status:      string(t.Status),
		PartnerID:   string(t.PartnerID),
		ReferralID:  string(t.ReferralID),
		Description: t.Description,
		Metadata:    t.Metadata,
		CreatedAt:   t.CreatedAt,
		ProcessedAt: t.ProcessedAt,
	}
}

func toPageDTO(p commission.Page) PageDTO {
	items := make([]TransactionDTO, 0, len(p.Items))
	for _, t := range p.Items {
		items = append(items, toTransactionDTO(t))
	}
	return PageDTO{Items: items, Page: p.Page, Limit: p.Limit, Total: p.Total, Pages: p.Pages}
}

func toCalculationDTO(c commission.Calculation) CalculationDTO {
	return CalculationDTO{
		ReferralID:        string(c.ReferralID),
		PartnerID:         string(c.PartnerID),
		FarmerID:          string(c.FarmerID),
		TransactionID:     c.TransactionID,
		TransactionAmount: c.TransactionAmount.String(),
		CommissionRate:    c.CommissionRate.String(),
		CommissionAmount:  money(c.CommissionAmount),
	}
}

func toSettlementDTO(s commission.Settlement) SettlementDTO {
	dto := SettlementDTO{
		Transaction: toTransactionDTO(s.Transaction),
		Replayed:    s.Replayed,
		Credited:    s.Credited,
	}
	if s.Credited {
		dto.Balance = money(s.Balance)
	}
	return dto
}

func toSummaryDTO(s commission.Summary, pt commission.PeriodType) SummaryDTO {
	dto := SummaryDTO{
		PartnerID:            string(s.PartnerID),
		Period:               string(pt),
		TotalCommissions:     money(s.TotalCommissions),
		TotalTransactions:    s.TotalTransactions,
		PendingCommissions:   money(s.PendingCommissions),
		CompletedCommissions: money(s.CompletedCommissions),
		TotalWithdrawn:       money(s.TotalWithdrawn),
	}
	if pt == commission.PeriodAll {
		dto.Period = "all"
	}
	if !s.Period.IsZero() {
		start, end := s.Period.Start, s.Period.End
		dto.PeriodStart, dto.PeriodEnd = &start, &end
	}
	return dto
}

func toPartnerDTO(p commission.Partner) PartnerDTO {
	channels := make([]string, 0, len(p.Channels))
	for _, c := range p.Channels {
		channels = append(channels, string(c))
	}
	return PartnerDTO{
		ID:                string(p.ID),
		Name:              p.Name,
		Phone:             p.Phone,
		Email:             p.Email,
		Channels:          channels,
		CommissionBalance: money(p.CommissionBalance),
		CreatedAt:         p.CreatedAt,
	}
}

func toReferralDTO(r commission.Referral) ReferralDTO {
	dto := ReferralDTO{
		ID:             string(r.ID),
		FarmerID:       string(r.FarmerID),
		PartnerID:      string(r.PartnerID),
		Status:         string(r.Status),
		CommissionRate: r.CommissionRate.String(),
		TransactionID:  r.TransactionID,
		CompletedAt:    r.CompletedAt,
		CreatedAt:      r.CreatedAt,
	}
	if r.Status == commission.ReferralCompleted {
		dto.TransactionAmount = money(r.TransactionAmount)
	}
	return dto
}
