/*
ledger.go - Append-only transaction ledger

PURPOSE:
  Every movement of commission money is a ledger entry. The ledger is the
  source of truth; the partner balance is a cached running total of the
  completed entries.

RULES:
  - Entries are inserted, never deleted.
  - The only mutation is a pending -> completed|failed flip with metadata.
  - Reference is unique; a duplicate append is a ConflictError wrapping
    ErrDuplicateReference, which callers treat as a replay.

SUMMARY SEMANTICS:
  TotalCommissions   = Σ commission entries in the window (pending + completed)
  TotalTransactions  = number of those entries
  PendingCommissions = Σ pending commission entries
  CompletedCommissions = Σ completed commission entries
  TotalWithdrawn     = Σ |completed withdrawal entries|

SEE ALSO:
  - balance.go: the cached running total
  - period.go: summary windows
*/
package commission

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type Ledger struct {
	store TransactionStore
	now   func() time.Time
}

func NewLedger(store TransactionStore) *Ledger {
	return &Ledger{store: store, now: utcNow}
}

// =============================================================================
// WRITES
// =============================================================================

// Append inserts a new entry. ID, CreatedAt and Status are defaulted when
// empty; completed entries get ProcessedAt stamped.
func (l *Ledger) Append(ctx context.Context, tx Transaction) (Transaction, error) {
	if err := tx.CheckSign(); err != nil {
		return Transaction{}, err
	}
	if tx.Reference == "" {
		return Transaction{}, &ValidationError{Field: "reference", Message: "required"}
	}
	if tx.PartnerID == "" {
		return Transaction{}, &ValidationError{Field: "partner_id", Message: "required"}
	}
	if _, err := ToMinorUnits(tx.Amount); err != nil {
		return Transaction{}, &ValidationError{Field: "amount", Message: err.Error()}
	}

	if tx.ID == "" {
		tx.ID = TransactionID(uuid.NewString())
	}
	if tx.CreatedAt.IsZero() {
		tx.CreatedAt = l.now()
	}
	switch tx.Status {
	case "":
		tx.Status = StatusPending
	case StatusPending:
	case StatusCompleted:
		if tx.ProcessedAt == nil {
			at := tx.CreatedAt
			tx.ProcessedAt = &at
		}
	default:
		return Transaction{}, &ValidationError{Field: "status", Message: fmt.Sprintf("cannot append with status %q", tx.Status)}
	}

	if err := l.store.AppendTransaction(ctx, tx); err != nil {
		if errors.Is(err, ErrDuplicateReference) {
			return Transaction{}, &ConflictError{Resource: "reference", ID: tx.Reference, Reason: "already recorded", Cause: err}
		}
		return Transaction{}, fmt.Errorf("append %s entry: %w", tx.Type, err)
	}
	return tx, nil
}

// MarkCompleted flips a pending entry to completed and merges metadata.
func (l *Ledger) MarkCompleted(ctx context.Context, id TransactionID, metadata map[string]string) (Transaction, error) {
	return l.flip(ctx, id, StatusCompleted, metadata)
}

// MarkFailed flips a pending entry to failed. Failed entries never count
// toward the balance.
func (l *Ledger) MarkFailed(ctx context.Context, id TransactionID, reason string) (Transaction, error) {
	return l.flip(ctx, id, StatusFailed, map[string]string{MetaFailureReason: reason})
}

func (l *Ledger) flip(ctx context.Context, id TransactionID, status TransactionStatus, metadata map[string]string) (Transaction, error) {
	tx, err := l.store.UpdateTransactionStatus(ctx, id, status, metadata, l.now())
	switch {
	case err == nil:
		return tx, nil
	case errors.Is(err, ErrNotFound):
		return Transaction{}, &NotFoundError{Resource: "transaction", ID: string(id)}
	case errors.Is(err, ErrNotPending):
		return Transaction{}, &ConflictError{Resource: "transaction", ID: string(id), Reason: "already processed", Cause: err}
	default:
		return Transaction{}, fmt.Errorf("mark transaction %s %s: %w", id, status, err)
	}
}

// =============================================================================
// READS
// =============================================================================

func (l *Ledger) Get(ctx context.Context, id TransactionID) (Transaction, error) {
	tx, err := l.store.GetTransaction(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return Transaction{}, &NotFoundError{Resource: "transaction", ID: string(id)}
	}
	return tx, err
}

func (l *Ledger) GetByReference(ctx context.Context, reference string) (Transaction, error) {
	tx, err := l.store.GetTransactionByReference(ctx, reference)
	if errors.Is(err, ErrNotFound) {
		return Transaction{}, &NotFoundError{Resource: "reference", ID: reference}
	}
	return tx, err
}

// HistoryForPartner returns one page of a partner's entries, newest first.
func (l *Ledger) HistoryForPartner(ctx context.Context, partnerID PartnerID, page, limit int) (Page, error) {
	return l.list(ctx, TransactionFilter{PartnerID: partnerID, Page: page, Limit: limit})
}

// AllCommissions lists entries across partners. The type defaults to
// commission.
func (l *Ledger) AllCommissions(ctx context.Context, filter TransactionFilter) (Page, error) {
	if filter.Type == "" {
		filter.Type = TxCommission
	}
	return l.list(ctx, filter)
}

func (l *Ledger) list(ctx context.Context, filter TransactionFilter) (Page, error) {
	if filter.From != nil && filter.To != nil && filter.From.After(*filter.To) {
		return Page{}, &ValidationError{Field: "from", Message: "must not be after to"}
	}
	f := filter.Normalize()
	items, total, err := l.store.ListTransactions(ctx, f)
	if err != nil {
		return Page{}, fmt.Errorf("list transactions: %w", err)
	}
	return newPage(items, f, total), nil
}

// Summary aggregates a partner's commission activity over a window.
type Summary struct {
	PartnerID            PartnerID
	Period               Period
	TotalCommissions     decimal.Decimal
	TotalTransactions    int
	PendingCommissions   decimal.Decimal
	CompletedCommissions decimal.Decimal
	TotalWithdrawn       decimal.Decimal
}

// SummaryForPartner aggregates the calendar window of type pt containing now.
func (l *Ledger) SummaryForPartner(ctx context.Context, partnerID PartnerID, pt PeriodType) (Summary, error) {
	period := pt.PeriodFor(l.now())
	from, to := period.bounds()
	entries, err := l.store.LoadPartnerTransactions(ctx, partnerID, from, to)
	if err != nil {
		return Summary{}, fmt.Errorf("load transactions for %s: %w", partnerID, err)
	}

	s := Summary{
		PartnerID:            partnerID,
		Period:               period,
		TotalCommissions:     decimal.Zero,
		PendingCommissions:   decimal.Zero,
		CompletedCommissions: decimal.Zero,
		TotalWithdrawn:       decimal.Zero,
	}
	for _, e := range entries {
		switch e.Type {
		case TxCommission:
			if e.Status == StatusFailed {
				continue
			}
			s.TotalCommissions = s.TotalCommissions.Add(e.Amount)
			s.TotalTransactions++
			if e.Status == StatusPending {
				s.PendingCommissions = s.PendingCommissions.Add(e.Amount)
			} else {
				s.CompletedCommissions = s.CompletedCommissions.Add(e.Amount)
			}
		case TxWithdrawal:
			if e.Status == StatusCompleted {
				s.TotalWithdrawn = s.TotalWithdrawn.Add(e.Amount.Abs())
			}
		}
	}
	return s, nil
}

// CompletedTotal is Σ amount over every completed entry for the partner,
// the value the balance must equal.
func (l *Ledger) CompletedTotal(ctx context.Context, partnerID PartnerID) (decimal.Decimal, error) {
	entries, err := l.store.LoadPartnerTransactions(ctx, partnerID, nil, nil)
	if err != nil {
		return decimal.Zero, fmt.Errorf("load transactions for %s: %w", partnerID, err)
	}
	total := decimal.Zero
	for _, e := range entries {
		if e.Status == StatusCompleted {
			total = total.Add(e.Amount)
		}
	}
	return total, nil
}
