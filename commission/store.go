/*
store.go - Persistence interfaces for referrals, ledger entries and partners

PURPOSE:
  Defines the boundary between the settlement logic and the database.
  Stores are injected into the engine; there is no global state.

KEY INTERFACES:
  ReferralStore:    referral records and the conditional pending->completed flip
  TransactionStore: append-only ledger entries with a unique reference
  PartnerStore:     partner records and atomic balance increments
  TxStore:          optional; runs several writes in one storage transaction

STORE REQUIREMENTS:
  1. Reference uniqueness is enforced by the store (unique index), not by a
     read-then-insert in Go. AppendTransaction returns ErrDuplicateReference.
  2. At most one pending referral per farmer, enforced by the store.
     CreateReferral returns ErrPendingReferralExists.
  3. IncrementBalance / DecrementBalance are ONE conditional statement:
       UPDATE partners SET balance = balance - ? WHERE id = ? AND balance >= ?
     or the driver's equivalent ($inc guarded by $gte). Never read the
     balance into memory and write it back.
  4. Status flips (CompleteReferral, UpdateTransactionStatus) are
     conditional on the record still being pending and return ErrNotPending
     otherwise.

IMPLEMENTATIONS:
  - commission/store: in-memory (Memory, TxMemory)
  - store/sqlite:     database/sql + SQLite
  - store/gormstore:  gorm (Postgres in production)
  - store/mongostore: MongoDB

SEE ALSO:
  - commission/storetest: conformance suite every implementation runs
*/
package commission

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// REFERRALS
// =============================================================================

type ReferralStore interface {
	// CreateReferral persists a new pending referral.
	CreateReferral(ctx context.Context, r Referral) error

	GetReferral(ctx context.Context, id ReferralID) (Referral, error)

	// FindPendingReferral returns the farmer's pending referral or ErrNotFound.
	FindPendingReferral(ctx context.Context, farmerID FarmerID) (Referral, error)

	// CompleteReferral flips pending -> completed and stamps the settlement
	// fields in one conditional write.
	CompleteReferral(ctx context.Context, id ReferralID, amount decimal.Decimal, transactionID string, at time.Time) (Referral, error)
}

// =============================================================================
// LEDGER - append-only
// =============================================================================

type TransactionStore interface {
	// AppendTransaction inserts a new entry. Returns ErrDuplicateReference
	// if the reference exists.
	AppendTransaction(ctx context.Context, tx Transaction) error

	GetTransaction(ctx context.Context, id TransactionID) (Transaction, error)
	GetTransactionByReference(ctx context.Context, reference string) (Transaction, error)

	// UpdateTransactionStatus flips a pending entry to status, merges
	// metadata and stamps ProcessedAt. The only mutation entries allow.
	UpdateTransactionStatus(ctx context.Context, id TransactionID, status TransactionStatus, metadata map[string]string, at time.Time) (Transaction, error)

	// ListTransactions returns one page (newest first) and the total match count.
	// The filter is already normalized.
	ListTransactions(ctx context.Context, filter TransactionFilter) ([]Transaction, int, error)

	// LoadPartnerTransactions returns all entries for a partner created in
	// [from, to], oldest first. Nil bounds are open.
	LoadPartnerTransactions(ctx context.Context, partnerID PartnerID, from, to *time.Time) ([]Transaction, error)
}

// =============================================================================
// PARTNERS
// =============================================================================

type PartnerStore interface {
	// CreatePartner returns ErrConflict if the id exists.
	CreatePartner(ctx context.Context, p Partner) error
	GetPartner(ctx context.Context, id PartnerID) (Partner, error)
	ListPartners(ctx context.Context) ([]Partner, error)

	// IncrementBalance atomically adds amount and returns the new balance.
	IncrementBalance(ctx context.Context, id PartnerID, amount decimal.Decimal) (decimal.Decimal, error)

	// DecrementBalance atomically subtracts amount only if the balance
	// covers it. Returns ErrInsufficientBalance and leaves the balance
	// untouched otherwise.
	DecrementBalance(ctx context.Context, id PartnerID, amount decimal.Decimal) (decimal.Decimal, error)
}

// Store is everything the engine needs.
type Store interface {
	ReferralStore
	TransactionStore
	PartnerStore
}

// =============================================================================
// TRANSACTIONAL STORE
// =============================================================================

// TxStore wraps Store with transaction support.
// If fn returns an error the transaction is rolled back.
type TxStore interface {
	Store
	WithTx(ctx context.Context, fn func(Store) error) error
}

// atomically runs fn in a storage transaction when the store supports it,
// directly against the store otherwise. The bool reports which.
func atomically(ctx context.Context, s Store, fn func(Store) error) (bool, error) {
	if ts, ok := s.(TxStore); ok {
		return true, ts.WithTx(ctx, fn)
	}
	return false, fn(s)
}
