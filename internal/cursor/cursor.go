// Package cursor implements the opaque resumption tokens handed to
// WebSocket clients. A cursor encodes a (timestamp_ms, sequence) pair;
// ordering is lexicographic on that pair and the sequence alone is total
// within a process. Tokens are URL-safe and channel-independent.
package cursor

import (
	"encoding/base64"
	"encoding/binary"
	"errors"
	"sync"
	"time"
)

// ErrMalformed is returned when a token cannot be decoded. It is distinct
// from "well-formed but older than retention", which only a buffer or the
// durable log can determine.
var ErrMalformed = errors.New("malformed cursor")

// Cursor is a decoded resumption token.
type Cursor struct {
	Timestamp int64 // milliseconds since epoch
	Sequence  int64
}

// Encode renders the cursor as an opaque URL-safe token.
func (c Cursor) Encode() string {
	var buf [16]byte
	binary.BigEndian.PutUint64(buf[0:8], uint64(c.Timestamp))
	binary.BigEndian.PutUint64(buf[8:16], uint64(c.Sequence))
	return base64.RawURLEncoding.EncodeToString(buf[:])
}

// Decode parses a token. Returns ErrMalformed for anything that is not a
// well-formed token, including the empty string.
func Decode(token string) (Cursor, error) {
	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil || len(raw) != 16 {
		return Cursor{}, ErrMalformed
	}
	c := Cursor{
		Timestamp: int64(binary.BigEndian.Uint64(raw[0:8])),
		Sequence:  int64(binary.BigEndian.Uint64(raw[8:16])),
	}
	if c.Timestamp < 0 || c.Sequence < 0 {
		return Cursor{}, ErrMalformed
	}
	return c, nil
}

// Compare returns -1, 0 or 1 ordering a before b. Equal cursors identify the
// same message.
func Compare(a, b Cursor) int {
	switch {
	case a.Timestamp < b.Timestamp:
		return -1
	case a.Timestamp > b.Timestamp:
		return 1
	case a.Sequence < b.Sequence:
		return -1
	case a.Sequence > b.Sequence:
		return 1
	default:
		return 0
	}
}

// Less reports whether a orders strictly before b.
func Less(a, b Cursor) bool {
	return Compare(a, b) < 0
}

// Clock issues strictly increasing cursors. The timestamp tracks wall time
// but never steps backwards, so ordering survives NTP adjustments; the
// sequence is a per-process counter and is the actual total order.
type Clock struct {
	mu     sync.Mutex
	lastTs int64
	seq    int64
}

// NewClock creates a cursor clock.
func NewClock() *Clock {
	return &Clock{}
}

// Next returns the next cursor in the process-wide order.
func (k *Clock) Next() Cursor {
	k.mu.Lock()
	defer k.mu.Unlock()

	now := time.Now().UnixMilli()
	if now < k.lastTs {
		now = k.lastTs
	}
	k.lastTs = now
	k.seq++
	return Cursor{Timestamp: now, Sequence: k.seq}
}
