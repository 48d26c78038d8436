package app

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"txguard/internal/alerting"
	"txguard/internal/config"
	"txguard/internal/ledger"
	"txguard/internal/risk"
	"txguard/internal/storage"
)

func newTestApp(t *testing.T, yaml string) (*App, *bytes.Buffer) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o600))
	cfg, err := config.Load(path)
	require.NoError(t, err)

	var out bytes.Buffer
	a := NewApp(cfg, zerolog.Nop())
	a.Out = &out
	return a, &out
}

func TestAssessSingleRequest(t *testing.T) {
	a, out := newTestApp(t, "ledger:\n  difficulty: 1\n")

	in := strings.NewReader(`{
		"transaction": {"id": "tx-1", "userId": "u1", "amount": "50"},
		"context": {"currentDeviceId": "d1"},
		"at": "2026-03-01T12:00:00Z"
	}`)
	require.NoError(t, a.Assess(context.Background(), in, AssessOptions{Path: "-"}))

	var res risk.CompositeRiskResult
	require.NoError(t, json.Unmarshal(out.Bytes(), &res))
	assert.Equal(t, 2, res.OverallRiskScore)
	assert.Equal(t, risk.RiskLow, res.RiskLevel)
}

func TestAssessBatchFromFile(t *testing.T) {
	a, out := newTestApp(t, "ledger:\n  difficulty: 1\n")
	path := filepath.Join(t.TempDir(), "requests.json")
	require.NoError(t, os.WriteFile(path, []byte(`[
		{"transaction": {"id": "a", "amount": "10"}, "context": {"currentDeviceId": "d1", "knownDeviceIds": ["d1"]}},
		{"transaction": {"id": "b", "amount": "10"}, "context": {"currentDeviceId": "d9", "knownDeviceIds": ["d1"]}}
	]`), 0o600))

	require.NoError(t, a.Assess(context.Background(), nil, AssessOptions{Path: path, Workers: 2}))

	var res []risk.CompositeRiskResult
	require.NoError(t, json.Unmarshal(out.Bytes(), &res))
	require.Len(t, res, 2)
	assert.Equal(t, 0, res[0].OverallRiskScore)
	assert.Equal(t, 5, res[1].OverallRiskScore)
}

func TestDecodeRequestsErrors(t *testing.T) {
	_, _, err := decodeRequests([]byte("  "))
	require.Error(t, err)
	_, _, err = decodeRequests([]byte("[{"))
	require.Error(t, err)
	_, _, err = decodeRequests([]byte(`{"transaction": 1}`))
	require.Error(t, err)
}

func TestCommandsRequiringDatabase(t *testing.T) {
	a, _ := newTestApp(t, "")
	ctx := context.Background()

	require.ErrorContains(t, a.Show(ctx, ShowOptions{Limit: 5}), "database not configured")
	require.ErrorContains(t, a.Verify(ctx), "database not configured")
	require.ErrorContains(t, a.Rescore(ctx, RescoreOptions{From: time.Unix(0, 0), To: time.Now()}), "database not configured")
	require.Error(t, a.Migrate(ctx, "up"))
	require.Error(t, a.Export(ctx, ExportOptions{}))
}

func TestSimulateAlert(t *testing.T) {
	disabled, _ := newTestApp(t, "")
	require.ErrorContains(t, disabled.SimulateAlert(context.Background(), alerting.KindTest), "disabled")

	a, _ := newTestApp(t, "alerting:\n  enabled: true\n  channels: [log]\n")
	for _, kind := range []alerting.Kind{alerting.KindTest, alerting.KindHighRisk, alerting.KindLedgerTampered} {
		require.NoError(t, a.SimulateAlert(context.Background(), kind), kind)
	}
	require.Error(t, a.SimulateAlert(context.Background(), alerting.Kind("bogus")))
}

func TestNewServiceRestoresInMemoryLedger(t *testing.T) {
	a, _ := newTestApp(t, "ledger:\n  difficulty: 1\n")
	ctx := context.Background()
	b, err := a.openBackend(ctx)
	require.NoError(t, err)
	assert.False(t, b.durable)

	svc, err := a.newService(ctx, b, nil)
	require.NoError(t, err)
	_, err = svc.AppendEntry(ctx, map[string]string{"k": "v"})
	require.NoError(t, err)

	stored, err := b.blocks.ListBlocks(ctx)
	require.NoError(t, err)
	assert.Len(t, stored, 2)

	again, err := a.newService(ctx, b, nil)
	require.NoError(t, err)
	assert.Equal(t, svc.Ledger().Blocks(), again.Ledger().Blocks())
}

func TestReportChain(t *testing.T) {
	a, out := newTestApp(t, "ledger:\n  difficulty: 1\n")
	l, err := ledger.New(context.Background(), ledger.Options{Difficulty: 1})
	require.NoError(t, err)
	_, err = l.Append(context.Background(), "entry")
	require.NoError(t, err)

	blocks := l.Blocks()
	require.NoError(t, a.reportChain(blocks))
	assert.Equal(t, "valid (2 blocks)\n", out.String())

	out.Reset()
	blocks[1].Data = json.RawMessage(`"forged"`)
	require.ErrorIs(t, a.reportChain(blocks), ErrLedgerInvalid)
	assert.Contains(t, out.String(), "invalid at block 1")
}

func sampleRecords(n int) []storage.AssessmentRecord {
	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	out := make([]storage.AssessmentRecord, n)
	for i := range out {
		out[i] = storage.AssessmentRecord{
			ID:             uuid.New(),
			TransactionID:  "tx-" + string(rune('a'+i)),
			UserID:         "u1",
			OverallScore:   10 * i,
			RiskLevel:      risk.RiskLow,
			Recommendation: risk.RiskLow.Recommendation(),
			Reasons:        []string{"Known device", "line\nbreak"},
			CreatedAt:      base.Add(time.Duration(i) * time.Minute),
		}
	}
	return out
}

func TestDownsample(t *testing.T) {
	items := []int{0, 1, 2, 3, 4, 5, 6, 7, 8, 9}
	assert.Equal(t, items, downsample(items, 0))
	assert.Equal(t, items, downsample(items, 20))
	assert.Equal(t, []int{0, 3, 6, 9}, downsample(items, 4))
	assert.Equal(t, []int{9}, downsample(items, 1))
}

func TestWriteAssessmentsCSV(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "out.csv")
	records := sampleRecords(3)
	require.NoError(t, writeAssessmentsCSV(path, records))

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	rows, err := csv.NewReader(f).ReadAll()
	require.NoError(t, err)

	require.Len(t, rows, 4)
	assert.Equal(t, "created_at", rows[0][0])
	assert.Equal(t, []string{
		"2026-03-01T00:02:00Z", records[2].ID.String(), "tx-c", "u1", "20", "LOW",
		"Proceed with transaction", "Known device; line\nbreak",
	}, rows[3])
}

func TestWriteTables(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, writeAssessmentsTable(&buf, sampleRecords(2)))
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 3)
	assert.Contains(t, lines[0], "Transaction")
	assert.Contains(t, lines[2], "tx-b")
	assert.Contains(t, lines[2], "line break")

	buf.Reset()
	require.NoError(t, writeAssessmentsTable(&buf, nil))
	assert.Equal(t, "no assessments found\n", buf.String())

	buf.Reset()
	require.NoError(t, writeBlocksTable(&buf, []ledger.Block{{
		Index: 0, Timestamp: 1767225600000, Data: json.RawMessage(`"Genesis Block"`),
		PreviousHash: "0", Hash: "0abcdef0123456789abcdef",
	}}))
	assert.Contains(t, buf.String(), "2026-01-01T00:00:00Z")
	assert.Contains(t, buf.String(), "0abcdef012345678 ")
	assert.NotContains(t, buf.String(), "0abcdef0123456789")
}
