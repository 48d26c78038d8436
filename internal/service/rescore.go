package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"txguard/internal/risk"
	"txguard/internal/traces"
)

// RescoreOptions configure a re-assessment of stored transactions.
type RescoreOptions struct {
	From    time.Time
	To      time.Time
	Workers int
	DryRun  bool
}

// RescoreSummary counts re-assessed transactions by level.
type RescoreSummary struct {
	Total   int                    `json:"total"`
	ByLevel map[risk.RiskLevel]int `json:"byLevel"`
	Results []RescoredTransaction  `json:"-"`
}

// RescoredTransaction pairs a stored transaction with its new verdict.
type RescoredTransaction struct {
	Transaction risk.Transaction
	Result      risk.CompositeRiskResult
}

// Rescore rebuilds each stored transaction's context as of its own timestamp
// and scores it again with the current configuration. Unless DryRun is set
// the new verdicts are persisted.
func (s *Service) Rescore(ctx context.Context, opts RescoreOptions) (RescoreSummary, error) {
	if s.txs == nil {
		return RescoreSummary{}, errors.New("transaction store not configured")
	}
	if !opts.From.Before(opts.To) {
		return RescoreSummary{}, errors.New("rescore window is empty")
	}
	workers := opts.Workers
	if workers <= 0 {
		workers = s.workers
	}

	ctx, span := traces.StartSpan(ctx, "service.Rescore")
	defer span.End()

	txs, err := s.txs.ListTransactionsBetween(ctx, opts.From, opts.To)
	if err != nil {
		return RescoreSummary{}, err
	}

	reqs := make([]risk.Request, len(txs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for i, tx := range txs {
		g.Go(func() error {
			tc, err := s.BuildContext(gctx, tx)
			if err != nil {
				return fmt.Errorf("transaction %s: %w", tx.ID, err)
			}
			reqs[i] = risk.Request{Transaction: tx, Context: tc, At: tx.Timestamp}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		traces.Fail(span, err, "failed to rebuild contexts")
		return RescoreSummary{}, err
	}

	results, err := s.assessor.AssessBatch(ctx, reqs, workers)
	if err != nil {
		return RescoreSummary{}, err
	}

	summary := RescoreSummary{
		Total:   len(results),
		ByLevel: make(map[risk.RiskLevel]int),
		Results: make([]RescoredTransaction, len(results)),
	}
	for i, res := range results {
		summary.ByLevel[res.RiskLevel]++
		summary.Results[i] = RescoredTransaction{Transaction: txs[i], Result: res}
		observe(res)
		if !opts.DryRun {
			s.saveAssessment(ctx, txs[i], res)
		}
	}

	s.logger.Info().Int("total", summary.Total).
		Int("high", summary.ByLevel[risk.RiskHigh]).
		Int("medium", summary.ByLevel[risk.RiskMedium]).
		Int("low", summary.ByLevel[risk.RiskLow]).
		Bool("dry_run", opts.DryRun).
		Msg("rescore complete")
	return summary, nil
}
