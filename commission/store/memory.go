// Package store provides in-memory commission.Store implementations.
package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/agrilink/commission-engine/commission"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

// Memory keeps everything in maps behind one RWMutex. Balances are held
// in minor units so increments are exact.
type Memory struct {
	mu sync.RWMutex

	referrals       map[commission.ReferralID]commission.Referral
	pendingByFarmer map[commission.FarmerID]commission.ReferralID

	transactions []commission.Transaction // Insertion order
	byID         map[commission.TransactionID]int
	byReference  map[string]int

	partners map[commission.PartnerID]commission.Partner
	balances map[commission.PartnerID]int64
}

func NewMemory() *Memory {
	return &Memory{
		referrals:       make(map[commission.ReferralID]commission.Referral),
		pendingByFarmer: make(map[commission.FarmerID]commission.ReferralID),
		byID:            make(map[commission.TransactionID]int),
		byReference:     make(map[string]int),
		partners:        make(map[commission.PartnerID]commission.Partner),
		balances:        make(map[commission.PartnerID]int64),
	}
}

// ===== REFERRALS =====

func (m *Memory) CreateReferral(_ context.Context, r commission.Referral) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.createReferralLocked(r)
}

func (m *Memory) createReferralLocked(r commission.Referral) error {
	if _, ok := m.referrals[r.ID]; ok {
		return fmt.Errorf("referral %s: %w", r.ID, commission.ErrConflict)
	}
	if r.Status == commission.ReferralPending {
		if _, ok := m.pendingByFarmer[r.FarmerID]; ok {
			return commission.ErrPendingReferralExists
		}
		m.pendingByFarmer[r.FarmerID] = r.ID
	}
	m.referrals[r.ID] = r
	return nil
}

func (m *Memory) GetReferral(_ context.Context, id commission.ReferralID) (commission.Referral, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.getReferralLocked(id)
}

func (m *Memory) getReferralLocked(id commission.ReferralID) (commission.Referral, error) {
	r, ok := m.referrals[id]
	if !ok {
		return commission.Referral{}, commission.ErrNotFound
	}
	return r, nil
}

func (m *Memory) FindPendingReferral(_ context.Context, farmerID commission.FarmerID) (commission.Referral, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.findPendingLocked(farmerID)
}

func (m *Memory) findPendingLocked(farmerID commission.FarmerID) (commission.Referral, error) {
	id, ok := m.pendingByFarmer[farmerID]
	if !ok {
		return commission.Referral{}, commission.ErrNotFound
	}
	return m.referrals[id], nil
}

func (m *Memory) CompleteReferral(_ context.Context, id commission.ReferralID, amount decimal.Decimal, transactionID string, at time.Time) (commission.Referral, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.completeReferralLocked(id, amount, transactionID, at)
}

func (m *Memory) completeReferralLocked(id commission.ReferralID, amount decimal.Decimal, transactionID string, at time.Time) (commission.Referral, error) {
	r, ok := m.referrals[id]
	if !ok {
		return commission.Referral{}, commission.ErrNotFound
	}
	if r.Status != commission.ReferralPending {
		return commission.Referral{}, commission.ErrNotPending
	}
	r.Status = commission.ReferralCompleted
	r.TransactionAmount = amount
	r.TransactionID = transactionID
	r.CompletedAt = &at
	m.referrals[id] = r
	delete(m.pendingByFarmer, r.FarmerID)
	return r, nil
}

// ===== LEDGER =====

func (m *Memory) AppendTransaction(_ context.Context, tx commission.Transaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.appendLocked(tx)
}

func (m *Memory) appendLocked(tx commission.Transaction) error {
	if _, ok := m.byReference[tx.Reference]; ok {
		return commission.ErrDuplicateReference
	}
	if _, ok := m.byID[tx.ID]; ok {
		return fmt.Errorf("transaction %s: %w", tx.ID, commission.ErrConflict)
	}
	tx.Metadata = copyMetadata(tx.Metadata)
	m.transactions = append(m.transactions, tx)
	i := len(m.transactions) - 1
	m.byID[tx.ID] = i
	m.byReference[tx.Reference] = i
	return nil
}

func (m *Memory) GetTransaction(_ context.Context, id commission.TransactionID) (commission.Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.getTransactionLocked(id)
}

func (m *Memory) getTransactionLocked(id commission.TransactionID) (commission.Transaction, error) {
	i, ok := m.byID[id]
	if !ok {
		return commission.Transaction{}, commission.ErrNotFound
	}
	return cloneTransaction(m.transactions[i]), nil
}

func (m *Memory) GetTransactionByReference(_ context.Context, reference string) (commission.Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.getByReferenceLocked(reference)
}

func (m *Memory) getByReferenceLocked(reference string) (commission.Transaction, error) {
	i, ok := m.byReference[reference]
	if !ok {
		return commission.Transaction{}, commission.ErrNotFound
	}
	return cloneTransaction(m.transactions[i]), nil
}

func (m *Memory) UpdateTransactionStatus(_ context.Context, id commission.TransactionID, status commission.TransactionStatus, metadata map[string]string, at time.Time) (commission.Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.updateStatusLocked(id, status, metadata, at)
}

func (m *Memory) updateStatusLocked(id commission.TransactionID, status commission.TransactionStatus, metadata map[string]string, at time.Time) (commission.Transaction, error) {
	i, ok := m.byID[id]
	if !ok {
		return commission.Transaction{}, commission.ErrNotFound
	}
	tx := m.transactions[i]
	if tx.Status != commission.StatusPending {
		return commission.Transaction{}, commission.ErrNotPending
	}
	tx.Status = status
	tx.ProcessedAt = &at
	merged := copyMetadata(tx.Metadata)
	for k, v := range metadata {
		if merged == nil {
			merged = make(map[string]string, len(metadata))
		}
		merged[k] = v
	}
	tx.Metadata = merged
	m.transactions[i] = tx
	return cloneTransaction(tx), nil
}

func (m *Memory) ListTransactions(_ context.Context, f commission.TransactionFilter) ([]commission.Transaction, int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.listLocked(f)
}

func (m *Memory) listLocked(f commission.TransactionFilter) ([]commission.Transaction, int, error) {
	var matched []commission.Transaction
	for _, tx := range m.transactions {
		if matches(tx, f) {
			matched = append(matched, tx)
		}
	}
	total := len(matched)

	// Newest first; later insertion wins ties.
	sort.SliceStable(matched, func(i, j int) bool {
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})
	reverseTies(matched)

	start := f.Offset()
	if start >= total {
		return []commission.Transaction{}, total, nil
	}
	end := start + f.Limit
	if end > total {
		end = total
	}
	page := make([]commission.Transaction, 0, end-start)
	for _, tx := range matched[start:end] {
		page = append(page, cloneTransaction(tx))
	}
	return page, total, nil
}

func (m *Memory) LoadPartnerTransactions(_ context.Context, partnerID commission.PartnerID, from, to *time.Time) ([]commission.Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.loadPartnerLocked(partnerID, from, to), nil
}

func (m *Memory) loadPartnerLocked(partnerID commission.PartnerID, from, to *time.Time) []commission.Transaction {
	var result []commission.Transaction
	for _, tx := range m.transactions {
		if matches(tx, commission.TransactionFilter{PartnerID: partnerID, From: from, To: to}) {
			result = append(result, cloneTransaction(tx))
		}
	}
	sort.SliceStable(result, func(i, j int) bool {
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	return result
}

// ===== PARTNERS =====

func (m *Memory) CreatePartner(_ context.Context, p commission.Partner) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.createPartnerLocked(p)
}

func (m *Memory) createPartnerLocked(p commission.Partner) error {
	if _, ok := m.partners[p.ID]; ok {
		return fmt.Errorf("partner %s: %w", p.ID, commission.ErrConflict)
	}
	minor, err := commission.ToMinorUnits(p.CommissionBalance)
	if err != nil {
		return err
	}
	p.Channels = append([]commission.Channel(nil), p.Channels...)
	m.partners[p.ID] = p
	m.balances[p.ID] = minor
	return nil
}

func (m *Memory) GetPartner(_ context.Context, id commission.PartnerID) (commission.Partner, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.getPartnerLocked(id)
}

func (m *Memory) getPartnerLocked(id commission.PartnerID) (commission.Partner, error) {
	p, ok := m.partners[id]
	if !ok {
		return commission.Partner{}, commission.ErrNotFound
	}
	p.CommissionBalance = commission.FromMinorUnits(m.balances[id])
	p.Channels = append([]commission.Channel(nil), p.Channels...)
	return p, nil
}

func (m *Memory) ListPartners(_ context.Context) ([]commission.Partner, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.listPartnersLocked(), nil
}

func (m *Memory) listPartnersLocked() []commission.Partner {
	result := make([]commission.Partner, 0, len(m.partners))
	for id := range m.partners {
		p, _ := m.getPartnerLocked(id)
		result = append(result, p)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result
}

func (m *Memory) IncrementBalance(_ context.Context, id commission.PartnerID, amount decimal.Decimal) (decimal.Decimal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.adjustLocked(id, amount, false)
}

func (m *Memory) DecrementBalance(_ context.Context, id commission.PartnerID, amount decimal.Decimal) (decimal.Decimal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.adjustLocked(id, amount.Neg(), true)
}

// adjustLocked applies delta. With guard set, a result below zero is
// refused and the balance is left untouched.
func (m *Memory) adjustLocked(id commission.PartnerID, delta decimal.Decimal, guard bool) (decimal.Decimal, error) {
	minor, err := commission.ToMinorUnits(delta)
	if err != nil {
		return decimal.Zero, err
	}
	current, ok := m.balances[id]
	if !ok {
		return decimal.Zero, commission.ErrNotFound
	}
	if guard && current+minor < 0 {
		return decimal.Zero, commission.ErrInsufficientBalance
	}
	m.balances[id] = current + minor
	return commission.FromMinorUnits(current + minor), nil
}

// =============================================================================
// TRANSACTIONAL MEMORY STORE
// =============================================================================

// TxMemory wraps Memory with transaction support.
type TxMemory struct {
	*Memory
}

func NewTxMemory() *TxMemory {
	return &TxMemory{Memory: NewMemory()}
}

// WithTx executes fn under the write lock. On error the state is restored
// from a snapshot taken before fn ran.
func (tm *TxMemory) WithTx(_ context.Context, fn func(commission.Store) error) error {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	snapshot := tm.snapshot()
	if err := fn(&txMemoryView{parent: tm.Memory}); err != nil {
		tm.restore(snapshot)
		return err
	}
	return nil
}

type memorySnapshot struct {
	referrals       map[commission.ReferralID]commission.Referral
	pendingByFarmer map[commission.FarmerID]commission.ReferralID
	transactions    []commission.Transaction
	byID            map[commission.TransactionID]int
	byReference     map[string]int
	partners        map[commission.PartnerID]commission.Partner
	balances        map[commission.PartnerID]int64
}

func (tm *TxMemory) snapshot() memorySnapshot {
	txs := make([]commission.Transaction, len(tm.transactions))
	for i, tx := range tm.transactions {
		txs[i] = cloneTransaction(tx)
	}
	return memorySnapshot{
		referrals:       copyMap(tm.referrals),
		pendingByFarmer: copyMap(tm.pendingByFarmer),
		transactions:    txs,
		byID:            copyMap(tm.byID),
		byReference:     copyMap(tm.byReference),
		partners:        copyMap(tm.partners),
		balances:        copyMap(tm.balances),
	}
}

func (tm *TxMemory) restore(s memorySnapshot) {
	tm.referrals = s.referrals
	tm.pendingByFarmer = s.pendingByFarmer
	tm.transactions = s.transactions
	tm.byID = s.byID
	tm.byReference = s.byReference
	tm.partners = s.partners
	tm.balances = s.balances
}

// txMemoryView runs against the parent while WithTx holds its lock.
type txMemoryView struct {
	parent *Memory
}

func (v *txMemoryView) CreateReferral(_ context.Context, r commission.Referral) error {
	return v.parent.createReferralLocked(r)
}

func (v *txMemoryView) GetReferral(_ context.Context, id commission.ReferralID) (commission.Referral, error) {
	return v.parent.getReferralLocked(id)
}

func (v *txMemoryView) FindPendingReferral(_ context.Context, farmerID commission.FarmerID) (commission.Referral, error) {
	return v.parent.findPendingLocked(farmerID)
}

func (v *txMemoryView) CompleteReferral(_ context.Context, id commission.ReferralID, amount decimal.Decimal, transactionID string, at time.Time) (commission.Referral, error) {
	return v.parent.completeReferralLocked(id, amount, transactionID, at)
}

func (v *txMemoryView) AppendTransaction(_ context.Context, tx commission.Transaction) error {
	return v.parent.appendLocked(tx)
}

func (v *txMemoryView) GetTransaction(_ context.Context, id commission.TransactionID) (commission.Transaction, error) {
	return v.parent.getTransactionLocked(id)
}

func (v *txMemoryView) GetTransactionByReference(_ context.Context, reference string) (commission.Transaction, error) {
	return v.parent.getByReferenceLocked(reference)
}

func (v *txMemoryView) UpdateTransactionStatus(_ context.Context, id commission.TransactionID, status commission.TransactionStatus, metadata map[string]string, at time.Time) (commission.Transaction, error) {
	return v.parent.updateStatusLocked(id, status, metadata, at)
}

func (v *txMemoryView) ListTransactions(_ context.Context, f commission.TransactionFilter) ([]commission.Transaction, int, error) {
	return v.parent.listLocked(f)
}

func (v *txMemoryView) LoadPartnerTransactions(_ context.Context, partnerID commission.PartnerID, from, to *time.Time) ([]commission.Transaction, error) {
	return v.parent.loadPartnerLocked(partnerID, from, to), nil
}

func (v *txMemoryView) CreatePartner(_ context.Context, p commission.Partner) error {
	return v.parent.createPartnerLocked(p)
}

func (v *txMemoryView) GetPartner(_ context.Context, id commission.PartnerID) (commission.Partner, error) {
	return v.parent.getPartnerLocked(id)
}

func (v *txMemoryView) ListPartners(_ context.Context) ([]commission.Partner, error) {
	return v.parent.listPartnersLocked(), nil
}

func (v *txMemoryView) IncrementBalance(_ context.Context, id commission.PartnerID, amount decimal.Decimal) (decimal.Decimal, error) {
	return v.parent.adjustLocked(id, amount, false)
}

func (v *txMemoryView) DecrementBalance(_ context.Context, id commission.PartnerID, amount decimal.Decimal) (decimal.Decimal, error) {
	return v.parent.adjustLocked(id, amount.Neg(), true)
}

// =============================================================================
// HELPERS
// =============================================================================

func matches(tx commission.Transaction, f commission.TransactionFilter) bool {
	if f.PartnerID != "" && tx.PartnerID != f.PartnerID {
		return false
	}
	if f.Type != "" && tx.Type != f.Type {
		return false
	}
	if f.Status != "" && tx.Status != f.Status {
		return false
	}
	if f.From != nil && tx.CreatedAt.Before(*f.From) {
		return false
	}
	if f.To != nil && tx.CreatedAt.After(*f.To) {
		return false
	}
	return true
}

// reverseTies flips runs of equal CreatedAt so the most recently inserted
// entry comes first within a run.
func reverseTies(txs []commission.Transaction) {
	for i := 0; i < len(txs); {
		j := i + 1
		for j < len(txs) && txs[j].CreatedAt.Equal(txs[i].CreatedAt) {
			j++
		}
		for l, r := i, j-1; l < r; l, r = l+1, r-1 {
			txs[l], txs[r] = txs[r], txs[l]
		}
		i = j
	}
}

func cloneTransaction(tx commission.Transaction) commission.Transaction {
	tx.Metadata = copyMetadata(tx.Metadata)
	if tx.ProcessedAt != nil {
		at := *tx.ProcessedAt
		tx.ProcessedAt = &at
	}
	return tx
}

func copyMetadata(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	return copyMap(m)
}

func copyMap[K comparable, V any](m map[K]V) map[K]V {
	out := make(map[K]V, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
