package app

import (
	"context"
	"errors"
	"fmt"

	"txguard/internal/risk"
	"txguard/internal/service"
)

// Rescore re-assesses stored transactions in [From, To) with the current
// weights and thresholds.
func (a *App) Rescore(ctx context.Context, opts RescoreOptions) error {
	if !opts.From.Before(opts.To) {
		return errors.New("rescore window is empty, check --from/--to")
	}

	store, closeStore, err := a.requireDatabase(ctx, "rescore")
	if err != nil {
		return err
	}
	defer closeStore()

	if opts.DryRun {
		a.Logger.Warn().Msg("rescore dry-run: assessments will not be written")
	}

	svc := service.New(a.Config, service.Deps{Txs: store, Assessments: store}, a.Logger)
	summary, err := svc.Rescore(ctx, service.RescoreOptions{
		From:    opts.From.UTC(),
		To:      opts.To.UTC(),
		Workers: opts.Workers,
		DryRun:  opts.DryRun,
	})
	if err != nil {
		return err
	}

	fmt.Fprintf(a.Out, "rescored %d transactions: %d high, %d medium, %d low\n",
		summary.Total,
		summary.ByLevel[risk.RiskHigh],
		summary.ByLevel[risk.RiskMedium],
		summary.ByLevel[risk.RiskLow],
	)
	return nil
}
