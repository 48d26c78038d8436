package app

import (
	"context"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"txguard/internal/ledger"
	"txguard/internal/storage"
)

// Show prints recent assessments, or the stored ledger when opts.Blocks is
// set.
func (a *App) Show(ctx context.Context, opts ShowOptions) error {
	store, closeStore, err := a.requireDatabase(ctx, "show records")
	if err != nil {
		return err
	}
	defer closeStore()

	if opts.Blocks {
		blocks, err := store.ListBlocks(ctx)
		if err != nil {
			return err
		}
		if len(blocks) > opts.Limit {
			blocks = blocks[len(blocks)-opts.Limit:]
		}
		return writeBlocksTable(a.Out, blocks)
	}

	records, err := store.ListRecentAssessments(ctx, opts.Limit)
	if err != nil {
		return err
	}
	return writeAssessmentsTable(a.Out, records)
}

func writeAssessmentsTable(out io.Writer, records []storage.AssessmentRecord) error {
	if len(records) == 0 {
		fmt.Fprintln(out, "no assessments found")
		return nil
	}

	writer := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Time (UTC)\tTransaction\tUser\tScore\tLevel\tReasons")
	for _, rec := range records {
		fmt.Fprintf(
			writer,
			"%s\t%s\t%s\t%d\t%s\t%s\n",
			rec.CreatedAt.UTC().Format(time.RFC3339),
			rec.TransactionID,
			rec.UserID,
			rec.OverallScore,
			rec.RiskLevel,
			sanitizeInline(strings.Join(rec.Reasons, "; ")),
		)
	}
	return writer.Flush()
}

func writeBlocksTable(out io.Writer, blocks []ledger.Block) error {
	if len(blocks) == 0 {
		fmt.Fprintln(out, "no blocks found")
		return nil
	}

	writer := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Index\tTime (UTC)\tNonce\tHash\tPrevious\tData")
	for _, blk := range blocks {
		fmt.Fprintf(
			writer,
			"%d\t%s\t%d\t%s\t%s\t%s\n",
			blk.Index,
			time.UnixMilli(blk.Timestamp).UTC().Format(time.RFC3339),
			blk.Nonce,
			shortHash(blk.Hash),
			shortHash(blk.PreviousHash),
			sanitizeInline(string(blk.Data)),
		)
	}
	return writer.Flush()
}

func shortHash(h string) string {
	if len(h) <= 16 {
		return h
	}
	return h[:16]
}

func sanitizeInline(v string) string {
	cleaned := strings.ReplaceAll(v, "\n", " ")
	cleaned = strings.ReplaceAll(cleaned, "\r", " ")
	return cleaned
}
