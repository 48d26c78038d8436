package storage

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"txguard/internal/ledger"
	"txguard/internal/risk"
)

var base = time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)

func seed(t *testing.T, m *MemoryStore) {
	t.Helper()
	ctx := context.Background()
	txs := []risk.Transaction{
		{ID: "a", UserID: "u1", Amount: decimal.NewFromInt(10), Timestamp: base, DeviceID: "d1",
			Location: &risk.Location{Lat: 19.07, Lon: 72.87, Country: "IN"}},
		{ID: "b", UserID: "u1", Amount: decimal.NewFromInt(20), Timestamp: base.Add(2 * time.Hour), DeviceID: "d2"},
		{ID: "c", UserID: "u2", Amount: decimal.NewFromInt(30), Timestamp: base.Add(time.Hour), DeviceID: "d9"},
		{ID: "d", UserID: "u1", Amount: decimal.NewFromInt(40), Timestamp: base.Add(time.Hour), DeviceID: "d1",
			Location: &risk.Location{Lat: 28.61, Lon: 77.20, Country: "IN"}},
	}
	for _, tx := range txs {
		require.NoError(t, m.InsertTransaction(ctx, tx))
	}
}

func ids(txs []risk.Transaction) []string {
	out := make([]string, len(txs))
	for i, tx := range txs {
		out[i] = tx.ID
	}
	return out
}

func TestMemoryStoreTransactionQueries(t *testing.T) {
	m := NewMemoryStore()
	seed(t, m)
	ctx := context.Background()

	// duplicate insert is rejected and leaves the original in place
	require.ErrorIs(t, m.InsertTransaction(ctx, risk.Transaction{ID: "a", UserID: "u9", Timestamp: base}), ErrDuplicate)

	since, err := m.ListUserTransactionsSince(ctx, "u1", base, base.Add(2*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "d"}, ids(since))

	recent, err := m.ListUserTransactions(ctx, "u1", base.Add(3*time.Hour), 2)
	require.NoError(t, err)
	assert.Equal(t, []string{"b", "d"}, ids(recent))

	devices, err := m.KnownDevices(ctx, "u1", base.Add(90*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, []string{"d1"}, devices)

	last, err := m.LastLocation(ctx, "u1", base.Add(3*time.Hour))
	require.NoError(t, err)
	require.NotNil(t, last)
	assert.Equal(t, "d", last.ID)

	none, err := m.LastLocation(ctx, "u1", base)
	require.NoError(t, err)
	assert.Nil(t, none)

	all, err := m.ListTransactionsBetween(ctx, base, base.Add(2*time.Hour))
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"a", "c", "d"}, ids(all))
}

func TestMemoryStoreReturnsCopies(t *testing.T) {
	m := NewMemoryStore()
	seed(t, m)
	ctx := context.Background()

	last, err := m.LastLocation(ctx, "u1", base.Add(3*time.Hour))
	require.NoError(t, err)
	last.Location.Country = "XX"

	again, err := m.LastLocation(ctx, "u1", base.Add(3*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, "IN", again.Location.Country)
}

func TestMemoryStoreAssessments(t *testing.T) {
	m := NewMemoryStore()
	clock := base
	m.now = func() time.Time { return clock }
	ctx := context.Background()

	res := risk.Assess(risk.Transaction{ID: "tx-1", UserID: "u1", Amount: decimal.NewFromInt(5)}, risk.TransactionContext{}, base)
	rec, err := NewAssessmentRecord(risk.Transaction{ID: "tx-1", UserID: "u1"}, res)
	require.NoError(t, err)

	first, err := m.InsertAssessment(ctx, rec)
	require.NoError(t, err)
	assert.NotEqual(t, uuid.Nil, first.ID)
	assert.Equal(t, base, first.CreatedAt)

	clock = base.Add(time.Minute)
	second, err := m.InsertAssessment(ctx, rec)
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, second.ID)

	recent, err := m.ListRecentAssessments(ctx, 1)
	require.NoError(t, err)
	require.Len(t, recent, 1)
	assert.Equal(t, second.ID, recent[0].ID)

	window, err := m.ListAssessmentsBetween(ctx, base, base.Add(time.Minute))
	require.NoError(t, err)
	require.Len(t, window, 1)
	assert.Equal(t, first.ID, window[0].ID)

	var factors map[string]risk.SignalResult
	require.NoError(t, json.Unmarshal(first.Factors, &factors))
	assert.Contains(t, factors, risk.SignalDevice)
}

func TestMemoryStoreBlocks(t *testing.T) {
	m := NewMemoryStore()
	ctx := context.Background()
	l, err := ledger.New(ctx, ledger.Options{Difficulty: 1})
	require.NoError(t, err)
	_, err = l.Append(ctx, "x")
	require.NoError(t, err)

	for _, blk := range l.Blocks() {
		require.NoError(t, m.AppendBlock(ctx, blk))
	}
	require.ErrorIs(t, m.AppendBlock(ctx, l.Latest()), ErrDuplicate)

	blocks, err := m.ListBlocks(ctx)
	require.NoError(t, err)
	assert.Equal(t, l.Blocks(), blocks)
	assert.True(t, ledger.VerifyChain(blocks, 1).Valid)

	require.NoError(t, m.DeleteBlocks(ctx))
	blocks, err = m.ListBlocks(ctx)
	require.NoError(t, err)
	assert.Empty(t, blocks)
}

func TestMemoryStoreAdvisoryLock(t *testing.T) {
	m := NewMemoryStore()
	ctx := context.Background()

	unlock, ok, err := m.TryAdvisoryLock(ctx, 7)
	require.NoError(t, err)
	require.True(t, ok)

	_, ok, err = m.TryAdvisoryLock(ctx, 7)
	require.NoError(t, err)
	assert.False(t, ok)

	unlock()
	unlock()

	_, ok, err = m.TryAdvisoryLock(ctx, 7)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestStoreNotConfigured(t *testing.T) {
	var s *Store
	_, err := s.ListBlocks(context.Background())
	require.ErrorIs(t, err, ErrNotConfigured)
	require.ErrorIs(t, NewStore(nil).AppendBlock(context.Background(), ledger.Block{}), ErrNotConfigured)
}
