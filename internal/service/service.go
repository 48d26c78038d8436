package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"txguard/internal/alerting"
	"txguard/internal/config"
	"txguard/internal/ledger"
	"txguard/internal/metrics"
	"txguard/internal/risk"
	"txguard/internal/scheduler"
	"txguard/internal/storage"
	"txguard/internal/traces"
)

// Deps are the collaborators of a Service. Nil stores disable the
// corresponding persistence; a nil Notifier disables alerting.
type Deps struct {
	Ledger      *ledger.Ledger
	Scheduler   *scheduler.Scheduler
	Txs         storage.TransactionStore
	Assessments storage.AssessmentStore
	Blocks      storage.BlockStore
	Notifier    alerting.Notifier
	Clock       func() time.Time
}

// Service orchestrates scoring, persistence, the ledger, and alerting.
type Service struct {
	assessor    *risk.Assessor
	ledger      *ledger.Ledger
	scheduler   *scheduler.Scheduler
	txs         storage.TransactionStore
	assessments storage.AssessmentStore
	blocks      storage.BlockStore
	notifier    alerting.Notifier
	locker      storage.AdvisoryLocker
	logger      zerolog.Logger
	now         func() time.Time

	recentWindow   time.Duration
	historyLimit   int
	workers        int
	recordToLedger bool
	alertsOn       bool
	alertHighRisk  bool
	channels       []string
	lockKey        int64
}

// New constructs the service.
func New(cfg *config.Config, deps Deps, logger zerolog.Logger) *Service {
	if deps.Clock == nil {
		deps.Clock = time.Now
	}

	var locker storage.AdvisoryLocker
	if l, ok := deps.Txs.(storage.AdvisoryLocker); ok {
		locker = l
	}

	return &Service{
		assessor: risk.NewAssessor(
			risk.WithWeights(cfg.Risk.Weights),
			risk.WithThresholds(cfg.Risk.Thresholds),
			risk.WithClock(deps.Clock),
		),
		ledger:         deps.Ledger,
		scheduler:      deps.Scheduler,
		txs:            deps.Txs,
		assessments:    deps.Assessments,
		blocks:         deps.Blocks,
		notifier:       deps.Notifier,
		locker:         locker,
		logger:         logger.With().Str("component", "service").Logger(),
		now:            deps.Clock,
		recentWindow:   cfg.Risk.RecentWindow,
		historyLimit:   cfg.Risk.HistoryLimit,
		workers:        cfg.Risk.BatchWorkers,
		recordToLedger: cfg.Risk.RecordToLedger,
		alertsOn:       cfg.Alerting.Enabled,
		alertHighRisk:  cfg.Risk.AlertOnHighRisk,
		channels:       cfg.Alerting.Channels,
		lockKey:        cfg.Scheduler.AdvisoryLockKey,
	}
}

// Assessor exposes the configured scorer.
func (s *Service) Assessor() *risk.Assessor { return s.assessor }

// Ledger exposes the chain.
func (s *Service) Ledger() *ledger.Ledger { return s.ledger }

// Run begins the periodic ledger verification loop.
func (s *Service) Run(ctx context.Context) error {
	if s.scheduler == nil {
		return fmt.Errorf("scheduler not configured")
	}
	return s.scheduler.Run(ctx, s.VerifyLedger)
}

// BuildContext assembles the signal inputs for tx from stored history as of
// tx.Timestamp.
func (s *Service) BuildContext(ctx context.Context, tx risk.Transaction) (risk.TransactionContext, error) {
	tc := risk.TransactionContext{CurrentDeviceID: tx.DeviceID}
	if s.txs == nil {
		return tc, nil
	}

	at := tx.Timestamp
	recent, err := s.txs.ListUserTransactionsSince(ctx, tx.UserID, at.Add(-s.recentWindow), at)
	if err != nil {
		return tc, fmt.Errorf("load recent transactions: %w", err)
	}
	historical, err := s.txs.ListUserTransactions(ctx, tx.UserID, at, s.historyLimit)
	if err != nil {
		return tc, fmt.Errorf("load historical transactions: %w", err)
	}
	known, err := s.txs.KnownDevices(ctx, tx.UserID, at)
	if err != nil {
		return tc, fmt.Errorf("load known devices: %w", err)
	}
	previous, err := s.txs.LastLocation(ctx, tx.UserID, at)
	if err != nil {
		return tc, fmt.Errorf("load last location: %w", err)
	}

	tc.RecentTransactions = recent
	tc.HistoricalTransactions = historical
	tc.KnownDeviceIDs = known
	tc.CurrentLocation = tx.Location
	if previous != nil && tx.Location != nil {
		diff := at.Sub(previous.Timestamp).Minutes()
		tc.PreviousLocation = previous.Location
		tc.TimeDiffMinutes = &diff
	}
	return tc, nil
}

// Evaluate scores tx against its stored history, persists the verdict, and
// alerts on HIGH risk. The transaction itself is not stored.
func (s *Service) Evaluate(ctx context.Context, tx risk.Transaction) (risk.CompositeRiskResult, error) {
	start := time.Now()
	if tx.Timestamp.IsZero() {
		tx.Timestamp = s.now().UTC()
	}

	ctx, span := traces.StartSpan(ctx, "service.Evaluate", traces.TransactionID(tx.ID), traces.UserID(tx.UserID))
	defer span.End()

	tc, err := s.BuildContext(ctx, tx)
	if err != nil {
		traces.Fail(span, err, "failed to build transaction context")
		return risk.CompositeRiskResult{}, err
	}
	result := s.assessor.AssessAt(tx, tc, tx.Timestamp)
	metrics.AssessmentDuration.Observe(time.Since(start).Seconds())
	observe(result)
	span.SetAttributes(traces.RiskLevel(string(result.RiskLevel)))

	s.saveAssessment(ctx, tx, result)

	s.logger.Info().Str("transaction_id", tx.ID).
		Str("user_id", tx.UserID).
		Int("score", result.OverallRiskScore).
		Str("level", string(result.RiskLevel)).
		Msg("transaction assessed")

	if result.RiskLevel == risk.RiskHigh {
		s.notifyHighRisk(ctx, tx, result)
	}
	return result, nil
}

// LedgerEntry is the summary of a transaction sealed into the ledger.
type LedgerEntry struct {
	TransactionID string `json:"transaction_id"`
	UserID        string `json:"user_id"`
	Amount        string `json:"amount"`
	Currency      string `json:"currency"`
	Status        string `json:"status"`
	RiskLevel     string `json:"risk_level"`
}

// Record stores tx and seals its summary into the ledger. The returned block
// is nil when ledger recording is disabled. A transaction ID already on file
// is rejected with storage.ErrDuplicate and nothing is sealed.
func (s *Service) Record(ctx context.Context, tx risk.Transaction, level risk.RiskLevel) (*ledger.Block, error) {
	if tx.Timestamp.IsZero() {
		tx.Timestamp = s.now().UTC()
	}
	if err := s.store(ctx, tx); err != nil {
		return nil, err
	}
	return s.seal(ctx, tx, level)
}

// Outcome is the result of Process.
type Outcome struct {
	Assessment risk.CompositeRiskResult `json:"assessment"`
	Block      *ledger.Block            `json:"block,omitempty"`
}

// Process stores tx, evaluates it against the history before it, and seals
// it. The ID is claimed first so a replayed transaction is neither scored nor
// sealed twice; it fails with storage.ErrDuplicate.
func (s *Service) Process(ctx context.Context, tx risk.Transaction) (Outcome, error) {
	if tx.Timestamp.IsZero() {
		tx.Timestamp = s.now().UTC()
	}
	if err := s.store(ctx, tx); err != nil {
		return Outcome{}, err
	}
	result, err := s.Evaluate(ctx, tx)
	if err != nil {
		return Outcome{}, err
	}
	blk, err := s.seal(ctx, tx, result.RiskLevel)
	if err != nil {
		return Outcome{Assessment: result}, err
	}
	return Outcome{Assessment: result, Block: blk}, nil
}

func (s *Service) store(ctx context.Context, tx risk.Transaction) error {
	if s.txs == nil {
		return nil
	}
	if err := s.txs.InsertTransaction(ctx, tx); err != nil {
		if errors.Is(err, storage.ErrDuplicate) {
			s.logger.Warn().Str("transaction_id", tx.ID).Msg("transaction already processed")
		}
		return fmt.Errorf("store transaction: %w", err)
	}
	return nil
}

func (s *Service) seal(ctx context.Context, tx risk.Transaction, level risk.RiskLevel) (*ledger.Block, error) {
	if !s.recordToLedger || s.ledger == nil {
		return nil, nil
	}

	blk, err := s.AppendEntry(ctx, LedgerEntry{
		TransactionID: tx.ID,
		UserID:        tx.UserID,
		Amount:        tx.Amount.String(),
		Currency:      tx.Currency,
		Status:        tx.Status,
		RiskLevel:     string(level),
	})
	if err != nil {
		return nil, err
	}
	return &blk, nil
}

// AppendEntry seals arbitrary data into the ledger and persists the block
// before the next append can start. A persistence failure is logged; the
// in-memory chain stays authoritative and the scheduled audit reports the gap.
func (s *Service) AppendEntry(ctx context.Context, data any) (ledger.Block, error) {
	if s.ledger == nil {
		return ledger.Block{}, fmt.Errorf("ledger not configured")
	}

	ctx, span := traces.StartSpan(ctx, "service.AppendEntry")
	defer span.End()

	start := time.Now()
	blk, err := s.ledger.AppendFunc(ctx, data, func(blk ledger.Block) {
		if s.blocks == nil {
			return
		}
		if err := s.blocks.AppendBlock(ctx, blk); err != nil {
			s.logger.Error().Err(err).Uint64("index", blk.Index).Msg("failed to persist block")
		}
	})
	if err != nil {
		metrics.MiningFailuresTotal.WithLabelValues(failureReason(err)).Inc()
		traces.Fail(span, err, "failed to seal block")
		s.logger.Warn().Err(err).Msg("ledger append failed")
		return ledger.Block{}, err
	}
	metrics.MiningDuration.Observe(time.Since(start).Seconds())
	metrics.LedgerBlocks.Set(float64(blk.Index + 1))
	span.SetAttributes(traces.BlockIndex(blk.Index))

	s.logger.Debug().Uint64("index", blk.Index).Uint64("nonce", blk.Nonce).Str("hash", blk.Hash).Msg("block sealed")
	return blk, nil
}

// AuditResult reports the in-memory chain and, when persistence is on, the
// stored chain.
type AuditResult struct {
	Memory    ledger.Report  `json:"memory"`
	Persisted *ledger.Report `json:"persisted,omitempty"`
}

// Valid reports whether every audited chain passed.
func (r AuditResult) Valid() bool {
	return r.Memory.Valid && (r.Persisted == nil || r.Persisted.Valid)
}

// AuditLedger recomputes the in-memory and stored chains. A stored chain that
// verifies on its own must also match the in-memory chain block for block.
func (s *Service) AuditLedger(ctx context.Context) (AuditResult, error) {
	if s.ledger == nil {
		return AuditResult{}, fmt.Errorf("ledger not configured")
	}
	if s.blocks == nil {
		return AuditResult{Memory: s.ledger.Audit()}, nil
	}

	var result AuditResult
	err := s.ledger.Freeze(ctx, func(chain []ledger.Block) error {
		result.Memory = ledger.VerifyChain(chain, s.ledger.Difficulty())
		stored, err := s.blocks.ListBlocks(ctx)
		if err != nil {
			return fmt.Errorf("load stored chain: %w", err)
		}
		report := ledger.VerifyChain(stored, s.ledger.Difficulty())
		if report.Valid {
			report = ledger.CompareChains(stored, chain)
		}
		result.Persisted = &report
		return nil
	})
	return result, err
}

// VerifyLedger is the scheduled audit. It runs only where the advisory lock
// is acquired so a fleet audits once per tick.
func (s *Service) VerifyLedger(ctx context.Context, tick time.Time) error {
	unlock, proceed, err := s.acquireLock(ctx)
	if err != nil {
		return err
	}
	if !proceed {
		s.logger.Debug().Time("tick", tick).Msg("skip audit because advisory lock held elsewhere")
		return nil
	}
	if unlock != nil {
		defer unlock()
	}

	ctx, span := traces.StartSpan(ctx, "service.VerifyLedger")
	defer span.End()

	result, err := s.AuditLedger(ctx)
	if err != nil {
		traces.Fail(span, err, "ledger audit failed")
		return err
	}
	metrics.SetLedgerValid(result.Valid())
	metrics.LedgerBlocks.Set(float64(s.ledger.Len()))

	if result.Valid() {
		s.logger.Info().Time("tick", tick).Int("blocks", result.Memory.Blocks).Msg("ledger verified")
		return nil
	}

	failed := result.Memory
	if failed.Valid && result.Persisted != nil {
		failed = *result.Persisted
	}
	s.logger.Error().Time("tick", tick).Str("report", failed.String()).Msg("ledger integrity check failed")
	s.notify(ctx, alerting.Notification{
		Kind:        alerting.KindLedgerTampered,
		Time:        tick,
		Blocks:      failed.Blocks,
		FailedIndex: failed.FailedIndex,
		Reason:      failed.Reason,
	})
	return nil
}

// RestoreLedger loads the stored chain into memory. An empty store is seeded
// with the current chain. The audit of the adopted chain is returned.
func (s *Service) RestoreLedger(ctx context.Context) (ledger.Report, error) {
	if s.ledger == nil || s.blocks == nil {
		return ledger.Report{}, fmt.Errorf("ledger persistence not configured")
	}

	stored, err := s.blocks.ListBlocks(ctx)
	if err != nil {
		return ledger.Report{}, fmt.Errorf("load stored chain: %w", err)
	}

	if len(stored) == 0 {
		for _, blk := range s.ledger.Blocks() {
			if err := s.blocks.AppendBlock(ctx, blk); err != nil {
				return ledger.Report{}, fmt.Errorf("seed stored chain: %w", err)
			}
		}
		report := s.ledger.Audit()
		metrics.LedgerBlocks.Set(float64(s.ledger.Len()))
		metrics.SetLedgerValid(report.Valid)
		s.logger.Info().Msg("seeded empty block store with genesis")
		return report, nil
	}

	report, err := s.ledger.Restore(ctx, stored)
	if err != nil {
		return ledger.Report{}, err
	}
	metrics.LedgerBlocks.Set(float64(s.ledger.Len()))
	metrics.SetLedgerValid(report.Valid)
	if !report.Valid {
		s.logger.Error().Str("report", report.String()).Msg("restored ledger failed verification")
		s.notify(ctx, alerting.Notification{
			Kind:        alerting.KindLedgerTampered,
			Time:        s.now().UTC(),
			Blocks:      report.Blocks,
			FailedIndex: report.FailedIndex,
			Reason:      report.Reason,
		})
	} else {
		s.logger.Info().Int("blocks", report.Blocks).Msg("ledger restored")
	}
	return report, nil
}

// Notify sends an ad-hoc notification through the configured channels.
func (s *Service) Notify(ctx context.Context, note alerting.Notification) error {
	if s.notifier == nil {
		return errors.New("no alert channel configured")
	}
	if note.Channels == nil {
		note.Channels = s.channels
	}
	return s.notifier.Notify(ctx, note)
}

func (s *Service) notify(ctx context.Context, note alerting.Notification) {
	if !s.alertsOn || s.notifier == nil {
		return
	}
	if err := s.Notify(ctx, note); err != nil {
		s.logger.Error().Err(err).Str("kind", string(note.Kind)).Msg("failed to dispatch alert")
	}
}

func (s *Service) notifyHighRisk(ctx context.Context, tx risk.Transaction, result risk.CompositeRiskResult) {
	if !s.alertHighRisk {
		return
	}
	s.notify(ctx, alerting.Notification{
		Kind:           alerting.KindHighRisk,
		Time:           tx.Timestamp,
		TransactionID:  tx.ID,
		UserID:         tx.UserID,
		Amount:         tx.Amount,
		Currency:       tx.Currency,
		Score:          result.OverallRiskScore,
		Level:          string(result.RiskLevel),
		Recommendation: result.Recommendation,
		Reasons:        result.Reasons,
	})
}

func (s *Service) saveAssessment(ctx context.Context, tx risk.Transaction, result risk.CompositeRiskResult) {
	if s.assessments == nil {
		return
	}
	rec, err := storage.NewAssessmentRecord(tx, result)
	if err != nil {
		s.logger.Error().Err(err).Str("transaction_id", tx.ID).Msg("failed to encode assessment")
		return
	}
	if _, err := s.assessments.InsertAssessment(ctx, rec); err != nil {
		s.logger.Error().Err(err).Str("transaction_id", tx.ID).Msg("failed to persist assessment")
	}
}

func (s *Service) acquireLock(ctx context.Context) (func(), bool, error) {
	if s.lockKey == 0 || s.locker == nil {
		return nil, true, nil
	}
	unlock, acquired, err := s.locker.TryAdvisoryLock(ctx, s.lockKey)
	if err != nil {
		return nil, false, fmt.Errorf("acquire advisory lock: %w", err)
	}
	if !acquired {
		return nil, false, nil
	}
	return unlock, true, nil
}

func observe(result risk.CompositeRiskResult) {
	metrics.AssessmentsTotal.WithLabelValues(string(result.RiskLevel)).Inc()
	for name, factor := range result.Factors {
		metrics.SignalScore.WithLabelValues(name).Observe(float64(factor.RiskScore))
	}
}

func failureReason(err error) string {
	switch {
	case errors.Is(err, ledger.ErrMiningTimeout):
		return "timeout"
	case errors.Is(err, context.Canceled):
		return "cancelled"
	default:
		return "error"
	}
}
