/*
errors.go - Error taxonomy for the settlement engine

ERROR CATEGORIES:
  ValidationError          - bad input (non-positive amount, unknown type)
  NotFoundError            - no active referral, no such entry or partner
  ConflictError            - referral already completed, duplicate reference,
                             settling an already-settled entry
  InsufficientBalanceError - withdrawal exceeds balance
  IntegrityError           - balance conservation violated; fatal

PROPAGATION:
  Validation and InsufficientBalance are expected outcomes returned to the
  caller. Conflicts on replays are swallowed by the idempotent callers and
  reported as replayed success. IntegrityError halts the operation and is
  surfaced for manual reconciliation; nothing tries to repair the balance.

  Stores return the sentinels (wrapped with context). Components turn them
  into the structured types below.
*/
package commission

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	ErrValidation          = errors.New("validation failed")
	ErrNotFound            = errors.New("not found")
	ErrConflict            = errors.New("conflict")
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrIntegrity           = errors.New("ledger integrity violation")

	// ErrDuplicateReference is returned by stores when a ledger reference
	// already exists. Expected on replays.
	ErrDuplicateReference = fmt.Errorf("%w: duplicate ledger reference", ErrConflict)

	// ErrPendingReferralExists is returned by stores when a farmer already
	// has a pending referral (first referrer wins).
	ErrPendingReferralExists = fmt.Errorf("%w: farmer already has a pending referral", ErrConflict)

	// ErrNotPending is returned by conditional status flips when the record
	// has already left the pending state.
	ErrNotPending = fmt.Errorf("%w: record is not pending", ErrConflict)
)

// =============================================================================
// STRUCTURED ERRORS
// =============================================================================

type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation: " + e.Message
	}
	return fmt.Sprintf("validation: %s: %s", e.Field, e.Message)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

type NotFoundError struct {
	Resource string // "referral", "transaction", "partner"
	ID       string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %q not found", e.Resource, e.ID)
}

func (e *NotFoundError) Unwrap() error { return ErrNotFound }

type ConflictError struct {
	Resource string
	ID       string
	Reason   string
	Cause    error // Store sentinel, e.g. ErrDuplicateReference
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("%s %q: %s", e.Resource, e.ID, e.Reason)
}

func (e *ConflictError) Unwrap() []error {
	if e.Cause == nil {
		return []error{ErrConflict}
	}
	return []error{ErrConflict, e.Cause}
}

// InsufficientBalanceError provides details about a balance shortage.
type InsufficientBalanceError struct {
	PartnerID PartnerID
	Available decimal.Decimal
	Requested decimal.Decimal
	Shortfall decimal.Decimal
}

func (e *InsufficientBalanceError) Error() string {
	return fmt.Sprintf("insufficient balance: available %s, requested %s, shortfall %s",
		e.Available, e.Requested, e.Shortfall)
}

func (e *InsufficientBalanceError) Unwrap() error { return ErrInsufficientBalance }

// IntegrityError reports a detected break of the conservation invariant,
// for example a debit with no matching ledger entry. RolledBack is set when
// the storage transaction was aborted and the balance left unchanged.
type IntegrityError struct {
	PartnerID  PartnerID
	Operation  string
	Expected   decimal.Decimal
	Actual     decimal.Decimal
	RolledBack bool
	Cause      error
}

func (e *IntegrityError) Error() string {
	msg := fmt.Sprintf("integrity violation during %s for partner %s", e.Operation, e.PartnerID)
	if !e.Expected.Equal(e.Actual) {
		msg += fmt.Sprintf(": expected balance %s, found %s", e.Expected, e.Actual)
	}
	if e.RolledBack {
		msg += " (storage transaction rolled back)"
	}
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

// Unwrap exposes both the sentinel and the underlying cause.
func (e *IntegrityError) Unwrap() []error {
	if e.Cause == nil {
		return []error{ErrIntegrity}
	}
	return []error{ErrIntegrity, e.Cause}
}

// =============================================================================
// ERROR KINDS
// =============================================================================

// ErrorKind classifies an error returned by the engine.
type ErrorKind string

const (
	KindNone                ErrorKind = ""
	KindValidation          ErrorKind = "validation"
	KindNotFound            ErrorKind = "not_found"
	KindConflict            ErrorKind = "conflict"
	KindInsufficientBalance ErrorKind = "insufficient_balance"
	KindIntegrity           ErrorKind = "integrity"
	KindInternal            ErrorKind = "internal"
)

// KindOf classifies err. Integrity wins over everything else because it
// can wrap a conflict cause.
func KindOf(err error) ErrorKind {
	switch {
	case err == nil:
		return KindNone
	case errors.Is(err, ErrIntegrity):
		return KindIntegrity
	case errors.Is(err, ErrInsufficientBalance):
		return KindInsufficientBalance
	case errors.Is(err, ErrValidation):
		return KindValidation
	case errors.Is(err, ErrNotFound):
		return KindNotFound
	case errors.Is(err, ErrConflict):
		return KindConflict
	default:
		return KindInternal
	}
}

// IsExpected returns true for outcomes a caller should present rather than
// page someone about.
func IsExpected(err error) bool {
	switch KindOf(err) {
	case KindValidation, KindNotFound, KindConflict, KindInsufficientBalance:
		return true
	}
	return false
}
