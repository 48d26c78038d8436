package ledger

import "fmt"

// Failure reasons reported by VerifyChain.
const (
	ReasonEmptyChain      = "empty chain"
	ReasonBadGenesis      = "genesis block malformed"
	ReasonIndexMismatch   = "index out of sequence"
	ReasonHashMismatch    = "stored hash does not match contents"
	ReasonBrokenLink      = "previous hash does not match predecessor"
	ReasonDifficultyUnmet = "hash does not meet difficulty"
	ReasonMissingBlocks   = "chain is missing blocks"
	ReasonExtraBlocks     = "chain has blocks the reference lacks"
	ReasonDiverged        = "block differs from reference chain"
)

// Report is the outcome of a chain audit.
type Report struct {
	Valid       bool    `json:"valid"`
	Blocks      int     `json:"blocks"`
	FailedIndex *uint64 `json:"failedIndex,omitempty"`
	Reason      string  `json:"reason,omitempty"`
}

func (r Report) String() string {
	if r.Valid {
		return fmt.Sprintf("valid (%d blocks)", r.Blocks)
	}
	if r.FailedIndex == nil {
		return fmt.Sprintf("invalid: %s", r.Reason)
	}
	return fmt.Sprintf("invalid at block %d: %s", *r.FailedIndex, r.Reason)
}

// VerifyChain checks every block's seal and its link to the predecessor. It
// never modifies blocks.
func VerifyChain(chain []Block, difficulty int) Report {
	report := Report{Blocks: len(chain)}
	if len(chain) == 0 {
		report.Reason = ReasonEmptyChain
		return report
	}

	fail := func(i int, reason string) Report {
		idx := uint64(i)
		report.FailedIndex = &idx
		report.Reason = reason
		return report
	}

	for i, blk := range chain {
		if blk.Index != uint64(i) {
			return fail(i, ReasonIndexMismatch)
		}
		if i == 0 && blk.PreviousHash != GenesisPreviousHash {
			return fail(i, ReasonBadGenesis)
		}
		if blk.Hash != blk.CalculateHash() {
			return fail(i, ReasonHashMismatch)
		}
		if i > 0 && blk.PreviousHash != chain[i-1].Hash {
			return fail(i, ReasonBrokenLink)
		}
		if !MeetsDifficulty(blk.Hash, difficulty) {
			return fail(i, ReasonDifficultyUnmet)
		}
	}

	report.Valid = true
	return report
}

// CompareChains reports the first index at which chain departs from
// reference. Both chains are expected to pass VerifyChain on their own.
func CompareChains(chain, reference []Block) Report {
	report := Report{Blocks: len(chain)}
	fail := func(i int, reason string) Report {
		idx := uint64(i)
		report.FailedIndex = &idx
		report.Reason = reason
		return report
	}

	n := min(len(chain), len(reference))
	for i := 0; i < n; i++ {
		if chain[i].Hash != reference[i].Hash {
			return fail(i, ReasonDiverged)
		}
	}
	switch {
	case len(chain) < len(reference):
		return fail(len(chain), ReasonMissingBlocks)
	case len(chain) > len(reference):
		return fail(len(reference), ReasonExtraBlocks)
	}

	report.Valid = true
	return report
}
