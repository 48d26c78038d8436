package service

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"txguard/internal/alerting"
	"txguard/internal/config"
	"txguard/internal/ledger"
	"txguard/internal/risk"
	"txguard/internal/storage"
)

var t0 = time.Date(2026, 2, 10, 8, 0, 0, 0, time.UTC)

const lockKey = 42

type recorder struct {
	mu    sync.Mutex
	notes []alerting.Notification
}

func (r *recorder) Notify(_ context.Context, note alerting.Notification) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notes = append(r.notes, note)
	return nil
}

func (r *recorder) kinds() []alerting.Kind {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]alerting.Kind, len(r.notes))
	for i, n := range r.notes {
		out[i] = n.Kind
	}
	return out
}

func testConfig() *config.Config {
	return &config.Config{
		Risk: config.RiskConfig{
			Weights:         risk.DefaultWeights,
			Thresholds:      risk.Thresholds{High: 15, Medium: 5},
			BatchWorkers:    2,
			RecentWindow:    24 * time.Hour,
			HistoryLimit:    100,
			RecordToLedger:  true,
			AlertOnHighRisk: true,
		},
		Alerting:  config.AlertingConfig{Enabled: true, Channels: []string{"test"}},
		Scheduler: config.SchedulerConfig{AdvisoryLockKey: lockKey},
	}
}

type fixture struct {
	svc      *Service
	store    *storage.MemoryStore
	ledger   *ledger.Ledger
	notifier *recorder
}

func newFixture(t *testing.T, store *storage.MemoryStore) fixture {
	t.Helper()
	l, err := ledger.New(context.Background(), ledger.Options{Difficulty: 1})
	require.NoError(t, err)
	if store == nil {
		store = storage.NewMemoryStore()
	}
	rec := &recorder{}
	svc := New(testConfig(), Deps{
		Ledger:      l,
		Txs:         store,
		Assessments: store,
		Blocks:      store,
		Notifier:    rec,
		Clock:       func() time.Time { return t0.Add(time.Hour) },
	}, zerolog.Nop())
	_, err = svc.RestoreLedger(context.Background())
	require.NoError(t, err)
	return fixture{svc: svc, store: store, ledger: l, notifier: rec}
}

func mumbai() *risk.Location { return &risk.Location{Lat: 19.0760, Lon: 72.8777, Country: "IN"} }
func delhi() *risk.Location  { return &risk.Location{Lat: 28.7041, Lon: 77.1025, Country: "IN"} }

func TestEvaluateFirstTransaction(t *testing.T) {
	f := newFixture(t, nil)
	tx := risk.Transaction{ID: "tx-1", UserID: "u1", Amount: decimal.NewFromInt(50), Timestamp: t0, DeviceID: "d1"}

	res, err := f.svc.Evaluate(context.Background(), tx)
	require.NoError(t, err)

	assert.Equal(t, 2, res.OverallRiskScore)
	assert.Equal(t, risk.RiskLow, res.RiskLevel)
	assert.Equal(t, []string{"New device (first transaction)"}, res.Factors[risk.SignalDevice].Reasons)

	saved, err := f.store.ListRecentAssessments(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, saved, 1)
	assert.Equal(t, "tx-1", saved[0].TransactionID)
	assert.Empty(t, f.notifier.kinds())
}

func TestProcessImpossibleTravel(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	first := risk.Transaction{ID: "tx-1", UserID: "u1", Amount: decimal.NewFromInt(50), Currency: "INR",
		Status: "completed", Timestamp: t0, DeviceID: "d1", Location: mumbai()}
	_, err := f.svc.Process(ctx, first)
	require.NoError(t, err)

	second := risk.Transaction{ID: "tx-2", UserID: "u1", Amount: decimal.NewFromInt(75), Currency: "INR",
		Status: "completed", Timestamp: t0.Add(10 * time.Minute), DeviceID: "d2", Location: delhi()}
	out, err := f.svc.Process(ctx, second)
	require.NoError(t, err)

	geo := out.Assessment.Factors[risk.SignalGeolocation]
	assert.Equal(t, 50, geo.RiskScore)
	assert.Equal(t, 25, out.Assessment.Factors[risk.SignalDevice].RiskScore)
	assert.Equal(t, 20, out.Assessment.OverallRiskScore)
	assert.Equal(t, risk.RiskHigh, out.Assessment.RiskLevel)
	assert.Equal(t, []alerting.Kind{alerting.KindHighRisk}, f.notifier.kinds())

	require.NotNil(t, out.Block)
	assert.EqualValues(t, 2, out.Block.Index)
	var entry LedgerEntry
	require.NoError(t, json.Unmarshal(out.Block.Data, &entry))
	assert.Equal(t, LedgerEntry{
		TransactionID: "tx-2",
		UserID:        "u1",
		Amount:        "75",
		Currency:      "INR",
		Status:        "completed",
		RiskLevel:     "HIGH",
	}, entry)

	stored, err := f.store.ListBlocks(ctx)
	require.NoError(t, err)
	assert.Equal(t, f.ledger.Blocks(), stored)
}

func TestBuildContextExcludesLaterTransactions(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	for i, at := range []time.Time{t0.Add(-2 * time.Hour), t0.Add(-time.Hour), t0.Add(time.Hour)} {
		require.NoError(t, f.store.InsertTransaction(ctx, risk.Transaction{
			ID: string(rune('a' + i)), UserID: "u1", Amount: decimal.NewFromInt(10), Timestamp: at, DeviceID: "d1",
			Location: mumbai(),
		}))
	}

	tc, err := f.svc.BuildContext(ctx, risk.Transaction{ID: "x", UserID: "u1", Timestamp: t0, DeviceID: "d2", Location: delhi()})
	require.NoError(t, err)

	assert.Len(t, tc.RecentTransactions, 2)
	assert.Len(t, tc.HistoricalTransactions, 2)
	assert.Equal(t, []string{"d1"}, tc.KnownDeviceIDs)
	assert.Equal(t, "d2", tc.CurrentDeviceID)
	require.NotNil(t, tc.TimeDiffMinutes)
	assert.InDelta(t, 60, *tc.TimeDiffMinutes, 1e-9)
	assert.Equal(t, mumbai(), tc.PreviousLocation)
}

func TestVerifyLedgerDetectsStoredTampering(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	for i := 0; i < 2; i++ {
		_, err := f.svc.AppendEntry(ctx, map[string]int{"seq": i})
		require.NoError(t, err)
	}

	require.NoError(t, f.svc.VerifyLedger(ctx, t0))
	assert.Empty(t, f.notifier.kinds())

	blocks, err := f.store.ListBlocks(ctx)
	require.NoError(t, err)
	blocks[1].Data = json.RawMessage(`{"seq":99}`)
	require.NoError(t, f.store.DeleteBlocks(ctx))
	for _, blk := range blocks {
		require.NoError(t, f.store.AppendBlock(ctx, blk))
	}

	require.NoError(t, f.svc.VerifyLedger(ctx, t0))
	require.Equal(t, []alerting.Kind{alerting.KindLedgerTampered}, f.notifier.kinds())
	note := f.notifier.notes[0]
	require.NotNil(t, note.FailedIndex)
	assert.EqualValues(t, 1, *note.FailedIndex)
	assert.Equal(t, ledger.ReasonHashMismatch, note.Reason)

	audit, err := f.svc.AuditLedger(ctx)
	require.NoError(t, err)
	assert.True(t, audit.Memory.Valid)
	assert.False(t, audit.Valid())
}

func TestVerifyLedgerDetectsLaggingStore(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		_, err := f.svc.AppendEntry(ctx, map[string]int{"seq": i})
		require.NoError(t, err)
	}

	blocks, err := f.store.ListBlocks(ctx)
	require.NoError(t, err)
	require.NoError(t, f.store.DeleteBlocks(ctx))
	for _, blk := range blocks[:2] {
		require.NoError(t, f.store.AppendBlock(ctx, blk))
	}

	audit, err := f.svc.AuditLedger(ctx)
	require.NoError(t, err)
	require.NotNil(t, audit.Persisted)
	assert.False(t, audit.Valid())
	assert.Equal(t, ledger.ReasonMissingBlocks, audit.Persisted.Reason)

	require.NoError(t, f.svc.VerifyLedger(ctx, t0))
	require.Equal(t, []alerting.Kind{alerting.KindLedgerTampered}, f.notifier.kinds())
	note := f.notifier.notes[0]
	require.NotNil(t, note.FailedIndex)
	assert.EqualValues(t, 2, *note.FailedIndex)
	assert.Equal(t, ledger.ReasonMissingBlocks, note.Reason)
}

func TestAuditLedgerDetectsForeignStoredChain(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	other, err := ledger.New(ctx, ledger.Options{
		Difficulty: 1,
		Clock:      func() time.Time { return t0.Add(-time.Hour) },
	})
	require.NoError(t, err)
	require.NoError(t, f.store.DeleteBlocks(ctx))
	require.NoError(t, f.store.AppendBlock(ctx, other.Latest()))

	audit, err := f.svc.AuditLedger(ctx)
	require.NoError(t, err)
	assert.False(t, audit.Valid())
	assert.Equal(t, ledger.ReasonDiverged, audit.Persisted.Reason)
	require.NotNil(t, audit.Persisted.FailedIndex)
	assert.EqualValues(t, 0, *audit.Persisted.FailedIndex)
}

func TestConcurrentAppendEntryKeepsStoreInStep(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	const writers = 16
	var wg sync.WaitGroup
	wg.Add(writers)
	for i := 0; i < writers; i++ {
		go func() {
			defer wg.Done()
			_, err := f.svc.AppendEntry(ctx, map[string]int{"writer": i})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	stored, err := f.store.ListBlocks(ctx)
	require.NoError(t, err)
	require.Len(t, stored, f.ledger.Len())
	assert.Equal(t, f.ledger.Blocks(), stored)

	audit, err := f.svc.AuditLedger(ctx)
	require.NoError(t, err)
	assert.True(t, audit.Valid(), audit.Persisted.String())
}

func TestVerifyLedgerSkipsWithoutLock(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	unlock, ok, err := f.store.TryAdvisoryLock(ctx, lockKey)
	require.NoError(t, err)
	require.True(t, ok)
	defer unlock()

	require.NoError(t, f.store.DeleteBlocks(ctx))
	require.NoError(t, f.store.AppendBlock(ctx, ledger.Block{Index: 0, PreviousHash: "bogus"}))

	require.NoError(t, f.svc.VerifyLedger(ctx, t0))
	assert.Empty(t, f.notifier.kinds())
}

func TestRestoreLedgerFromStore(t *testing.T) {
	first := newFixture(t, nil)
	ctx := context.Background()
	_, err := first.svc.AppendEntry(ctx, "a")
	require.NoError(t, err)
	_, err = first.svc.AppendEntry(ctx, "b")
	require.NoError(t, err)

	second := newFixture(t, first.store)

	assert.Equal(t, first.ledger.Blocks(), second.ledger.Blocks())
	blk, err := second.svc.AppendEntry(ctx, "c")
	require.NoError(t, err)
	assert.Equal(t, first.ledger.Latest().Hash, blk.PreviousHash)
	assert.Empty(t, second.notifier.kinds())
}

func TestRescore(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	for i := 0; i < 6; i++ {
		require.NoError(t, f.store.InsertTransaction(ctx, risk.Transaction{
			ID:        string(rune('a' + i)),
			UserID:    "u1",
			Amount:    decimal.NewFromInt(int64(100 + i)),
			Timestamp: t0.Add(time.Duration(i) * time.Minute),
			DeviceID:  "d1",
		}))
	}

	summary, err := f.svc.Rescore(ctx, RescoreOptions{From: t0, To: t0.Add(time.Hour), Workers: 3, DryRun: true})
	require.NoError(t, err)
	assert.Equal(t, 6, summary.Total)
	require.Len(t, summary.Results, 6)
	assert.Equal(t, "a", summary.Results[0].Transaction.ID)
	// first transaction has no prior device
	assert.Equal(t, 10, summary.Results[0].Result.Factors[risk.SignalDevice].RiskScore)
	assert.Equal(t, 0, summary.Results[5].Result.Factors[risk.SignalDevice].RiskScore)
	// last one sees five predecessors one minute apart
	assert.Equal(t, 20, summary.Results[5].Result.Factors[risk.SignalVelocity].RiskScore)

	saved, err := f.store.ListRecentAssessments(ctx, 100)
	require.NoError(t, err)
	assert.Empty(t, saved)

	_, err = f.svc.Rescore(ctx, RescoreOptions{From: t0, To: t0.Add(time.Hour)})
	require.NoError(t, err)
	saved, err = f.store.ListRecentAssessments(ctx, 100)
	require.NoError(t, err)
	assert.Len(t, saved, 6)

	_, err = f.svc.Rescore(ctx, RescoreOptions{From: t0, To: t0})
	require.Error(t, err)
}

func TestProcessRejectsReplayedTransaction(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	tx := risk.Transaction{ID: "tx-1", UserID: "u1", Amount: decimal.NewFromInt(50), Timestamp: t0, DeviceID: "d1"}

	_, err := f.svc.Process(ctx, tx)
	require.NoError(t, err)
	_, err = f.svc.Process(ctx, tx)
	require.ErrorIs(t, err, storage.ErrDuplicate)

	assert.Equal(t, 2, f.ledger.Len())
	saved, err := f.store.ListRecentAssessments(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, saved, 1)

	_, err = f.svc.Record(ctx, tx, risk.RiskLow)
	require.ErrorIs(t, err, storage.ErrDuplicate)
	assert.Equal(t, 2, f.ledger.Len())
}

func TestNotifyWithoutChannel(t *testing.T) {
	svc := New(testConfig(), Deps{}, zerolog.Nop())
	require.Error(t, svc.Notify(context.Background(), alerting.Notification{Kind: alerting.KindTest}))

	_, err := svc.AppendEntry(context.Background(), "x")
	require.Error(t, err)
}
