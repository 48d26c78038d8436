package ledger

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

const (
	// GenesisPreviousHash is the predecessor hash recorded by block 0.
	GenesisPreviousHash = "0"
	// GenesisData is the payload of block 0.
	GenesisData = "Genesis Block"

	// DefaultMaxAttempts bounds a single Mine call.
	DefaultMaxAttempts uint64 = 50_000_000

	// MaxDifficulty is the number of hex characters in a SHA-256 digest.
	MaxDifficulty = sha256.Size * 2

	ctxCheckEvery = 4096
)

var (
	// ErrMiningTimeout is returned when no seal is found within the attempt
	// budget or before the deadline.
	ErrMiningTimeout = errors.New("ledger: mining timeout")
	// ErrInvalidDifficulty rejects a difficulty outside [0, MaxDifficulty].
	ErrInvalidDifficulty = errors.New("ledger: invalid difficulty")
)

// Block is one sealed entry of the chain. Once mined it is never modified.
type Block struct {
	Index        uint64          `json:"index"`
	Timestamp    int64           `json:"timestamp"`
	Data         json.RawMessage `json:"data"`
	PreviousHash string          `json:"previousHash"`
	Nonce        uint64          `json:"nonce"`
	Hash         string          `json:"hash"`
}

// CalculateHash recomputes the hex SHA-256 seal from the block fields.
func (b Block) CalculateHash() string {
	payload := b.sealPrefix()
	payload = binary.BigEndian.AppendUint64(payload, b.Nonce)
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])
}

// sealPrefix encodes every hashed field except the trailing nonce.
func (b Block) sealPrefix() []byte {
	e := newEncoder(32 + len(b.PreviousHash) + len(b.Data))
	e.putU64(b.Index).
		putString(b.PreviousHash).
		putI64(b.Timestamp).
		putBytes(b.Data)
	return e.b
}

// Mine searches nonces starting at b.Nonce until the hash has difficulty
// leading zeros. It gives up with ErrMiningTimeout after maxAttempts
// (DefaultMaxAttempts when zero) or when ctx's deadline passes.
func (b *Block) Mine(ctx context.Context, difficulty int, maxAttempts uint64) error {
	if difficulty < 0 || difficulty > MaxDifficulty {
		return fmt.Errorf("%w: %d", ErrInvalidDifficulty, difficulty)
	}
	if maxAttempts == 0 {
		maxAttempts = DefaultMaxAttempts
	}

	payload := b.sealPrefix()
	at := len(payload)
	payload = append(payload, make([]byte, 8)...)

	nonce := b.Nonce
	for attempt := uint64(0); attempt < maxAttempts; attempt++ {
		if attempt%ctxCheckEvery == 0 {
			if err := ctx.Err(); err != nil {
				return miningAborted(err)
			}
		}

		binary.BigEndian.PutUint64(payload[at:], nonce)
		sum := sha256.Sum256(payload)
		hash := hex.EncodeToString(sum[:])
		if MeetsDifficulty(hash, difficulty) {
			b.Nonce = nonce
			b.Hash = hash
			return nil
		}
		nonce++
	}

	return fmt.Errorf("%w: no seal within %d attempts at difficulty %d", ErrMiningTimeout, maxAttempts, difficulty)
}

// MeetsDifficulty reports whether hash starts with difficulty '0' characters.
func MeetsDifficulty(hash string, difficulty int) bool {
	if difficulty <= 0 {
		return true
	}
	if len(hash) < difficulty {
		return false
	}
	return strings.Count(hash[:difficulty], "0") == difficulty
}

func miningAborted(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %w", ErrMiningTimeout, err)
	}
	return fmt.Errorf("ledger: mining cancelled: %w", err)
}

func (b Block) clone() Block {
	out := b
	out.Data = append(json.RawMessage(nil), b.Data...)
	return out
}
