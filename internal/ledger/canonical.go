package ledger

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
)

// encoder builds the byte sequence a block hash is computed over.
//
// Encoding rules:
//   - integers: fixed-width big-endian
//   - strings/bytes: u32(len) big-endian followed by the bytes
//
// The layout does not depend on struct field order or JSON formatting, so a
// hash is reproducible from the field values alone.
type encoder struct {
	b []byte
}

func newEncoder(capacity int) *encoder {
	return &encoder{b: make([]byte, 0, capacity)}
}

func (e *encoder) putU64(v uint64) *encoder {
	e.b = binary.BigEndian.AppendUint64(e.b, v)
	return e
}

func (e *encoder) putI64(v int64) *encoder { return e.putU64(uint64(v)) }

func (e *encoder) putBytes(p []byte) *encoder {
	e.b = binary.BigEndian.AppendUint32(e.b, uint32(len(p)))
	e.b = append(e.b, p...)
	return e
}

func (e *encoder) putString(s string) *encoder { return e.putBytes([]byte(s)) }

// CanonicalJSON serialises v deterministically: object keys are sorted at
// every level and numbers keep their literal text instead of being
// round-tripped through float64.
func CanonicalJSON(v any) (json.RawMessage, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("ledger: marshal block data: %w", err)
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var generic any
	if err := dec.Decode(&generic); err != nil {
		return nil, fmt.Errorf("ledger: decode block data: %w", err)
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(generic); err != nil {
		return nil, fmt.Errorf("ledger: encode block data: %w", err)
	}
	return json.RawMessage(bytes.TrimRight(buf.Bytes(), "\n")), nil
}
