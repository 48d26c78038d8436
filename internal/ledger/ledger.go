// Package ledger keeps an append-only, hash-linked chain of proof-of-work
// sealed blocks and detects tampering by recomputing it.
//
// A Ledger is owned by whoever creates it. Appends are serialised through a
// single writer slot; reads may run concurrently with each other and only
// ever observe fully mined blocks.
package ledger

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Options configure a Ledger.
type Options struct {
	// Difficulty is the number of leading hex zeros every hash must carry.
	Difficulty int
	// MaxAttempts bounds nonce search per block; zero means DefaultMaxAttempts.
	MaxAttempts uint64
	// MineTimeout bounds wall-clock time per block; zero means no extra bound
	// beyond the caller's context.
	MineTimeout time.Duration
	// Clock supplies block timestamps. Defaults to time.Now.
	Clock func() time.Time
}

// Stats summarises the chain.
type Stats struct {
	TotalBlocks int   `json:"totalBlocks"`
	LatestBlock Block `json:"latestBlock"`
	IsValid     bool  `json:"isValid"`
	Difficulty  int   `json:"difficulty"`
}

// Ledger is an ordered chain of Blocks starting at a genesis block.
type Ledger struct {
	writer chan struct{}

	mu    sync.RWMutex
	chain []Block

	difficulty  int
	maxAttempts uint64
	mineTimeout time.Duration
	now         func() time.Time
}

// New creates a ledger holding a freshly mined genesis block.
func New(ctx context.Context, opts Options) (*Ledger, error) {
	if opts.Difficulty < 0 || opts.Difficulty > MaxDifficulty {
		return nil, fmt.Errorf("%w: %d", ErrInvalidDifficulty, opts.Difficulty)
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}

	l := &Ledger{
		writer:      make(chan struct{}, 1),
		difficulty:  opts.Difficulty,
		maxAttempts: opts.MaxAttempts,
		mineTimeout: opts.MineTimeout,
		now:         opts.Clock,
	}
	l.writer <- struct{}{}

	genesis, err := l.mineGenesis(ctx)
	if err != nil {
		return nil, err
	}
	l.chain = []Block{genesis}
	return l, nil
}

func (l *Ledger) mineGenesis(ctx context.Context) (Block, error) {
	data, err := CanonicalJSON(GenesisData)
	if err != nil {
		return Block{}, err
	}
	genesis := Block{
		Index:        0,
		Timestamp:    l.now().UnixMilli(),
		Data:         data,
		PreviousHash: GenesisPreviousHash,
	}
	if err := l.mine(ctx, &genesis); err != nil {
		return Block{}, fmt.Errorf("mine genesis block: %w", err)
	}
	return genesis, nil
}

// Difficulty returns the seal difficulty of the ledger.
func (l *Ledger) Difficulty() int { return l.difficulty }

// Append seals data into a new block linked to the current head and appends
// it. Only one Append runs at a time; waiting for the writer slot and the
// mining itself both honour ctx.
func (l *Ledger) Append(ctx context.Context, data any) (Block, error) {
	return l.AppendFunc(ctx, data, nil)
}

// AppendFunc is Append with a commit hook. commit receives a copy of the new
// block after it joins the chain and before the writer slot is released, so
// hooks observe blocks in index order.
func (l *Ledger) AppendFunc(ctx context.Context, data any, commit func(Block)) (Block, error) {
	payload, err := CanonicalJSON(data)
	if err != nil {
		return Block{}, err
	}

	release, err := l.acquireWriter(ctx)
	if err != nil {
		return Block{}, err
	}
	defer release()

	l.mu.RLock()
	head := l.chain[len(l.chain)-1]
	index := uint64(len(l.chain))
	l.mu.RUnlock()

	blk := Block{
		Index:        index,
		Timestamp:    l.now().UnixMilli(),
		Data:         payload,
		PreviousHash: head.Hash,
	}
	if err := l.mine(ctx, &blk); err != nil {
		return Block{}, fmt.Errorf("mine block %d: %w", index, err)
	}

	l.mu.Lock()
	l.chain = append(l.chain, blk)
	l.mu.Unlock()

	if commit != nil {
		commit(blk.clone())
	}
	return blk.clone(), nil
}

func (l *Ledger) acquireWriter(ctx context.Context) (func(), error) {
	select {
	case <-l.writer:
		return func() { l.writer <- struct{}{} }, nil
	case <-ctx.Done():
		return nil, fmt.Errorf("ledger: waiting for writer: %w", ctx.Err())
	}
}

// mine runs the nonce search on its own goroutine so the caller can give up
// as soon as ctx ends.
func (l *Ledger) mine(ctx context.Context, blk *Block) error {
	if l.mineTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, l.mineTimeout)
		defer cancel()
	}

	candidate := *blk
	done := make(chan error, 1)
	go func() {
		done <- candidate.Mine(ctx, l.difficulty, l.maxAttempts)
	}()

	select {
	case err := <-done:
		if err != nil {
			return err
		}
		*blk = candidate
		return nil
	case <-ctx.Done():
		return miningAborted(ctx.Err())
	}
}

// Latest returns the head of the chain.
func (l *Ledger) Latest() Block {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.chain[len(l.chain)-1].clone()
}

// Block returns the block at index.
func (l *Ledger) Block(index uint64) (Block, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if index >= uint64(len(l.chain)) {
		return Block{}, false
	}
	return l.chain[index].clone(), true
}

// Blocks returns a copy of the whole chain.
func (l *Ledger) Blocks() []Block {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]Block, len(l.chain))
	for i, b := range l.chain {
		out[i] = b.clone()
	}
	return out
}

// Len returns the number of blocks including genesis.
func (l *Ledger) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.chain)
}

// Verify reports whether the whole chain is intact.
func (l *Ledger) Verify() bool {
	return l.Audit().Valid
}

// Audit recomputes the chain and reports the first inconsistency.
func (l *Ledger) Audit() Report {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return VerifyChain(l.chain, l.difficulty)
}

// Freeze runs fn on a copy of the chain with appends paused, so state kept
// in step by AppendFunc hooks can be compared against it.
func (l *Ledger) Freeze(ctx context.Context, fn func(chain []Block) error) error {
	release, err := l.acquireWriter(ctx)
	if err != nil {
		return err
	}
	defer release()
	return fn(l.Blocks())
}

// Stats summarises the chain.
func (l *Ledger) Stats() Stats {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return Stats{
		TotalBlocks: len(l.chain),
		LatestBlock: l.chain[len(l.chain)-1].clone(),
		IsValid:     VerifyChain(l.chain, l.difficulty).Valid,
		Difficulty:  l.difficulty,
	}
}

// Restore replaces the in-memory chain with a persisted one, for example
// after a restart. The chain is adopted as-is and the audit of it returned;
// a failing report is the caller's cue to alert.
func (l *Ledger) Restore(ctx context.Context, blocks []Block) (Report, error) {
	if len(blocks) == 0 {
		return Report{}, fmt.Errorf("ledger: restore from empty chain")
	}

	release, err := l.acquireWriter(ctx)
	if err != nil {
		return Report{}, err
	}
	defer release()

	chain := make([]Block, len(blocks))
	for i, b := range blocks {
		chain[i] = b.clone()
	}

	l.mu.Lock()
	l.chain = chain
	report := VerifyChain(l.chain, l.difficulty)
	l.mu.Unlock()

	return report, nil
}

// Reset discards every block and mines a new genesis block.
func (l *Ledger) Reset(ctx context.Context) error {
	release, err := l.acquireWriter(ctx)
	if err != nil {
		return err
	}
	defer release()

	genesis, err := l.mineGenesis(ctx)
	if err != nil {
		return err
	}

	l.mu.Lock()
	l.chain = []Block{genesis}
	l.mu.Unlock()
	return nil
}
