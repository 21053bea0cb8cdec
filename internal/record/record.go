package record

import (
	"encoding/json"
	"strings"
	"time"
)

// Record is one immutable event pulled from a backend listing.
type Record struct {
	ID        string          `json:"id"`
	Timestamp time.Time       `json:"ts"`
	Sequence  int64           `json:"seq,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// Key is the ordering key of a record: timestamp, then sequence, then ID.
type Key struct {
	Timestamp time.Time
	Sequence  int64
	ID        string
}

// Key returns the record's sort key.
func (r Record) Key() Key {
	return Key{Timestamp: r.Timestamp, Sequence: r.Sequence, ID: r.ID}
}

// CompareKeys orders two keys, returning -1, 0 or +1.
func CompareKeys(a, b Key) int {
	if c := a.Timestamp.Compare(b.Timestamp); c != 0 {
		return c
	}
	switch {
	case a.Sequence < b.Sequence:
		return -1
	case a.Sequence > b.Sequence:
		return 1
	}
	return strings.Compare(a.ID, b.ID)
}

// Compare orders two records by key. It is suitable for slices.SortFunc.
func Compare(a, b Record) int {
	return CompareKeys(a.Key(), b.Key())
}

// Position marks where a stream should resume. It holds a backend token, a
// (timestamp, sequence) pair, or both. The zero Position means "absent".
type Position struct {
	Token     string    `json:"token,omitempty"`
	Timestamp time.Time `json:"ts,omitempty"`
	Sequence  int64     `json:"seq,omitempty"`
}

// IsZero reports whether the position is absent.
func (p Position) IsZero() bool {
	return p.Token == "" && p.Timestamp.IsZero() && p.Sequence == 0
}

// HasKey reports whether the position carries a (timestamp, sequence) pair.
func (p Position) HasKey() bool {
	return !p.Timestamp.IsZero()
}

// Before reports whether r sorts strictly before the position's pair. Records
// are never before a position without a pair.
func (p Position) Before(r Record) bool {
	if !p.HasKey() {
		return false
	}
	if c := r.Timestamp.Compare(p.Timestamp); c != 0 {
		return c < 0
	}
	return r.Sequence < p.Sequence
}

// PositionOf returns the pair position of r, with no token.
func PositionOf(r Record) Position {
	return Position{Timestamp: r.Timestamp, Sequence: r.Sequence}
}

// Cursor is the last-seen position of one stream.
type Cursor struct {
	StreamID string   `json:"stream_id"`
	Position Position `json:"position"`
}

// Batch is one fetch result. Complete is true when the backend reports no
// more data for the current window.
type Batch struct {
	Records  []Record
	Next     Position
	Complete bool
}
