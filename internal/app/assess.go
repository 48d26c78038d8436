package app

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"txguard/internal/risk"
	"txguard/internal/service"
)

// Assess scores the requests read from opts.Path ("-" for stdin) without
// touching any store. The input is a single request object or an array of
// them; the output mirrors its shape.
func (a *App) Assess(ctx context.Context, in io.Reader, opts AssessOptions) error {
	if opts.Path != "" && opts.Path != "-" {
		f, err := os.Open(opts.Path)
		if err != nil {
			return err
		}
		defer f.Close()
		in = f
	}

	raw, err := io.ReadAll(in)
	if err != nil {
		return fmt.Errorf("read requests: %w", err)
	}
	reqs, single, err := decodeRequests(raw)
	if err != nil {
		return err
	}

	workers := opts.Workers
	if workers <= 0 {
		workers = a.Config.Risk.BatchWorkers
	}
	svc := service.New(a.Config, service.Deps{}, a.Logger)
	results, err := svc.Assessor().AssessBatch(ctx, reqs, workers)
	if err != nil {
		return err
	}

	enc := json.NewEncoder(a.Out)
	enc.SetIndent("", "  ")
	if single {
		return enc.Encode(results[0])
	}
	return enc.Encode(results)
}

func decodeRequests(raw []byte) ([]risk.Request, bool, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return nil, false, fmt.Errorf("no requests supplied")
	}

	if trimmed[0] == '[' {
		var reqs []risk.Request
		if err := json.Unmarshal(trimmed, &reqs); err != nil {
			return nil, false, fmt.Errorf("decode requests: %w", err)
		}
		return reqs, false, nil
	}

	var req risk.Request
	if err := json.Unmarshal(trimmed, &req); err != nil {
		return nil, false, fmt.Errorf("decode request: %w", err)
	}
	return []risk.Request{req}, true, nil
}
