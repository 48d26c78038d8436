package app

import (
	"context"
	"errors"
	"fmt"

	"txguard/internal/ledger"
)

// ErrLedgerInvalid is returned by Verify when the stored chain fails its
// audit.
var ErrLedgerInvalid = errors.New("stored ledger failed verification")

// Verify audits the chain stored in the database.
func (a *App) Verify(ctx context.Context) error {
	store, closeStore, err := a.requireDatabase(ctx, "verify the ledger")
	if err != nil {
		return err
	}
	defer closeStore()

	blocks, err := store.ListBlocks(ctx)
	if err != nil {
		return err
	}
	return a.reportChain(blocks)
}

func (a *App) reportChain(blocks []ledger.Block) error {
	report := ledger.VerifyChain(blocks, a.Config.Ledger.Difficulty)
	fmt.Fprintln(a.Out, report.String())
	if !report.Valid {
		a.Logger.Error().Str("report", report.String()).Msg("ledger verification failed")
		return ErrLedgerInvalid
	}
	return nil
}
