package alerting

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	gobreaker "github.com/sony/gobreaker/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func highRiskNote() Notification {
	return Notification{
		Kind:           KindHighRisk,
		Time:           time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
		TransactionID:  "tx-9",
		UserID:         "user-1",
		Amount:         decimal.RequireFromString("5000"),
		Currency:       "USD",
		Score:          82,
		Level:          "HIGH",
		Recommendation: "Block transaction and verify user identity",
		Reasons:        []string{"Unknown device", "Suspicious round number amount"},
	}
}

func TestTelegramNotifierSuccess(t *testing.T) {
	received := make(map[string]string)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.True(t, strings.HasSuffix(r.URL.Path, "/bottoken/sendMessage"), r.URL.Path)
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&received))
		_ = json.NewEncoder(w).Encode(map[string]any{"ok": true})
	}))
	defer srv.Close()

	notifier := NewTelegramNotifier("token", "chat", srv.URL, time.Second, testLogger())

	require.NoError(t, notifier.Notify(context.Background(), highRiskNote()))
	assert.Equal(t, "chat", received["chat_id"])
	assert.Contains(t, received["text"], "tx-9")
	assert.Contains(t, received["text"], "5000.00 USD")
	assert.Contains(t, received["text"], "- Unknown device")
}

func TestTelegramNotifierError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(map[string]any{"ok": false})
	}))
	defer srv.Close()

	notifier := NewTelegramNotifier("token", "chat", srv.URL, time.Second, testLogger())
	require.Error(t, notifier.Notify(context.Background(), highRiskNote()))
}

func TestRenderTamperMessage(t *testing.T) {
	idx := uint64(3)
	msg := renderMessage(Notification{
		Kind:        KindLedgerTampered,
		Time:        time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
		Blocks:      5,
		FailedIndex: &idx,
		Reason:      "stored hash does not match contents",
	})
	assert.Contains(t, msg, "Ledger integrity check FAILED")
	assert.Contains(t, msg, "First bad block: 3")
	assert.Contains(t, msg, "stored hash does not match contents")
}

type stubNotifier struct {
	calls atomic.Int32
	err   error
}

func (s *stubNotifier) Notify(context.Context, Notification) error {
	s.calls.Add(1)
	return s.err
}

func TestMultiJoinsErrors(t *testing.T) {
	boom := errors.New("boom")
	ok := &stubNotifier{}
	bad := &stubNotifier{err: boom}

	err := Multi{bad, ok}.Notify(context.Background(), highRiskNote())

	require.ErrorIs(t, err, boom)
	assert.EqualValues(t, 1, ok.calls.Load())
}

func TestBreakerNotifierOpens(t *testing.T) {
	boom := errors.New("telegram down")
	next := &stubNotifier{err: boom}
	b := NewBreakerNotifier(next, BreakerSettings{
		Name:                "test-open",
		Timeout:             time.Minute,
		ConsecutiveFailures: 2,
	}, testLogger())

	require.ErrorIs(t, b.Notify(context.Background(), highRiskNote()), boom)
	require.ErrorIs(t, b.Notify(context.Background(), highRiskNote()), boom)
	assert.Equal(t, gobreaker.StateOpen, b.State())

	err := b.Notify(context.Background(), highRiskNote())
	require.ErrorIs(t, err, gobreaker.ErrOpenState)
	assert.EqualValues(t, 2, next.calls.Load())
}

func TestBreakerNotifierPassesThrough(t *testing.T) {
	next := &stubNotifier{}
	b := NewBreakerNotifier(next, BreakerSettings{Name: "test-pass"}, testLogger())

	require.NoError(t, b.Notify(context.Background(), highRiskNote()))
	assert.Equal(t, gobreaker.StateClosed, b.State())
	assert.EqualValues(t, 1, next.calls.Load())
}

func testLogger() zerolog.Logger {
	return zerolog.Nop()
}
