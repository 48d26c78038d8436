package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"txguard/internal/ledger"
	"txguard/internal/risk"
)

// MemoryStore is a process-local implementation of every store interface.
// It backs the service when no database is configured and in tests.
type MemoryStore struct {
	mu          sync.RWMutex
	txs         []risk.Transaction
	txIDs       map[string]struct{}
	assessments []AssessmentRecord
	blocks      []ledger.Block
	locks       map[int64]struct{}
	now         func() time.Time
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		txIDs: make(map[string]struct{}),
		locks: make(map[int64]struct{}),
		now:   time.Now,
	}
}

// InsertTransaction stores tx. A known ID is rejected with ErrDuplicate.
func (m *MemoryStore) InsertTransaction(_ context.Context, tx risk.Transaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.txIDs[tx.ID]; ok {
		return fmt.Errorf("insert transaction %s: %w", tx.ID, ErrDuplicate)
	}
	m.txIDs[tx.ID] = struct{}{}
	m.txs = append(m.txs, cloneTransaction(tx))
	sort.SliceStable(m.txs, func(i, j int) bool { return m.txs[i].Timestamp.Before(m.txs[j].Timestamp) })
	return nil
}

// ListUserTransactionsSince lists a user's transactions in [since, before),
// oldest first.
func (m *MemoryStore) ListUserTransactionsSince(_ context.Context, userID string, since, before time.Time) ([]risk.Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]risk.Transaction, 0)
	for _, tx := range m.txs {
		if tx.UserID == userID && !tx.Timestamp.Before(since) && tx.Timestamp.Before(before) {
			out = append(out, cloneTransaction(tx))
		}
	}
	return out, nil
}

// ListUserTransactions lists up to limit of a user's transactions before the
// instant, newest first.
func (m *MemoryStore) ListUserTransactions(_ context.Context, userID string, before time.Time, limit int) ([]risk.Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]risk.Transaction, 0)
	for i := len(m.txs) - 1; i >= 0 && len(out) < limit; i-- {
		tx := m.txs[i]
		if tx.UserID == userID && tx.Timestamp.Before(before) {
			out = append(out, cloneTransaction(tx))
		}
	}
	return out, nil
}

// KnownDevices lists device IDs the user transacted from before the instant.
func (m *MemoryStore) KnownDevices(_ context.Context, userID string, before time.Time) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	seen := make(map[string]struct{})
	out := make([]string, 0)
	for _, tx := range m.txs {
		if tx.UserID != userID || tx.DeviceID == "" || !tx.Timestamp.Before(before) {
			continue
		}
		if _, ok := seen[tx.DeviceID]; ok {
			continue
		}
		seen[tx.DeviceID] = struct{}{}
		out = append(out, tx.DeviceID)
	}
	sort.Strings(out)
	return out, nil
}

// LastLocation returns the most recent located transaction before the
// instant, or nil.
func (m *MemoryStore) LastLocation(_ context.Context, userID string, before time.Time) (*risk.Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for i := len(m.txs) - 1; i >= 0; i-- {
		tx := m.txs[i]
		if tx.UserID == userID && tx.Location != nil && tx.Timestamp.Before(before) {
			found := cloneTransaction(tx)
			return &found, nil
		}
	}
	return nil, nil
}

// ListTransactionsBetween lists every transaction in [from, to), oldest first.
func (m *MemoryStore) ListTransactionsBetween(_ context.Context, from, to time.Time) ([]risk.Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]risk.Transaction, 0)
	for _, tx := range m.txs {
		if !tx.Timestamp.Before(from) && tx.Timestamp.Before(to) {
			out = append(out, cloneTransaction(tx))
		}
	}
	return out, nil
}

// InsertAssessment stores rec, assigning an ID and creation time.
func (m *MemoryStore) InsertAssessment(_ context.Context, rec AssessmentRecord) (AssessmentRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rec.ID == uuid.Nil {
		rec.ID = uuid.New()
	}
	rec.CreatedAt = m.now().UTC()
	rec.Reasons = append([]string(nil), rec.Reasons...)
	rec.Factors = append(json.RawMessage(nil), rec.Factors...)
	m.assessments = append(m.assessments, rec)
	return rec, nil
}

// ListRecentAssessments lists the newest assessments first.
func (m *MemoryStore) ListRecentAssessments(_ context.Context, limit int) ([]AssessmentRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]AssessmentRecord, 0, limit)
	for i := len(m.assessments) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, m.assessments[i])
	}
	return out, nil
}

// ListAssessmentsBetween lists assessments created in [from, to).
func (m *MemoryStore) ListAssessmentsBetween(_ context.Context, from, to time.Time) ([]AssessmentRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]AssessmentRecord, 0)
	for _, rec := range m.assessments {
		if !rec.CreatedAt.Before(from) && rec.CreatedAt.Before(to) {
			out = append(out, rec)
		}
	}
	return out, nil
}

// AppendBlock stores blk; its index must be the next free one.
func (m *MemoryStore) AppendBlock(_ context.Context, blk ledger.Block) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if blk.Index < uint64(len(m.blocks)) {
		return fmt.Errorf("append block %d: %w", blk.Index, ErrDuplicate)
	}
	if blk.Index > uint64(len(m.blocks)) {
		return fmt.Errorf("append block %d: expected index %d", blk.Index, len(m.blocks))
	}
	blk.Data = append(json.RawMessage(nil), blk.Data...)
	m.blocks = append(m.blocks, blk)
	return nil
}

// ListBlocks returns the stored chain ordered by index.
func (m *MemoryStore) ListBlocks(_ context.Context) ([]ledger.Block, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]ledger.Block, len(m.blocks))
	for i, blk := range m.blocks {
		blk.Data = append(json.RawMessage(nil), blk.Data...)
		out[i] = blk
	}
	return out, nil
}

// DeleteBlocks removes every stored block.
func (m *MemoryStore) DeleteBlocks(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.blocks = nil
	return nil
}

// TryAdvisoryLock emulates a non-blocking advisory lock within the process.
func (m *MemoryStore) TryAdvisoryLock(_ context.Context, key int64) (func(), bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, held := m.locks[key]; held {
		return nil, false, nil
	}
	m.locks[key] = struct{}{}
	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			delete(m.locks, key)
			m.mu.Unlock()
		})
	}, true, nil
}

func cloneTransaction(tx risk.Transaction) risk.Transaction {
	if tx.Location != nil {
		loc := *tx.Location
		tx.Location = &loc
	}
	return tx
}

var (
	_ TransactionStore = (*MemoryStore)(nil)
	_ AssessmentStore  = (*MemoryStore)(nil)
	_ BlockStore       = (*MemoryStore)(nil)
	_ AdvisoryLocker   = (*MemoryStore)(nil)
)
