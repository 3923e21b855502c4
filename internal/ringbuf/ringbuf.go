// Package ringbuf provides the per-channel bounded in-memory log backing
// fast replay. Appends assign cursors; range queries resume from one.
package ringbuf

import (
	"sync"

	"agentworks/internal/channel"
	"agentworks/internal/cursor"
	"agentworks/pkg/models"
)

// Buffer is a bounded ordered log for one channel. Cursors strictly increase
// with append order; the oldest entry is evicted at capacity and its cursor
// never re-enters.
type Buffer struct {
	mu       sync.RWMutex
	capacity int
	entries  []entry // ascending cursor order
	clock    *cursor.Clock
}

type entry struct {
	cur cursor.Cursor
	msg models.HubMessage
}

// RangeResult is the outcome of a cursor range query.
type RangeResult struct {
	Messages   []models.HubMessage
	LastCursor string
	HasMore    bool
	// Expired is true iff the from-cursor was well-formed but older than the
	// oldest retained entry. The caller should fall through to the durable
	// tier in that case.
	Expired bool
}

// New creates a buffer with the given capacity, issuing cursors from clock.
func New(capacity int, clock *cursor.Clock) *Buffer {
	if capacity < 1 {
		capacity = 1
	}
	return &Buffer{capacity: capacity, clock: clock}
}

// Append assigns a cursor to msg, stores it, and returns the assigned cursor
// token. Evicts the oldest entry when full.
func (b *Buffer) Append(msg models.HubMessage) string {
	b.mu.Lock()
	defer b.mu.Unlock()

	cur := b.clock.Next()
	msg.Cursor = cur.Encode()

	if len(b.entries) >= b.capacity {
		// Shift rather than reslice so the backing array doesn't pin
		// evicted messages.
		copy(b.entries, b.entries[1:])
		b.entries = b.entries[:len(b.entries)-1]
	}
	b.entries = append(b.entries, entry{cur: cur, msg: msg})
	return msg.Cursor
}

// Range returns messages with cursor strictly greater than from, ascending,
// up to limit (0 means no limit).
func (b *Buffer) Range(from cursor.Cursor, limit int) RangeResult {
	b.mu.RLock()
	defer b.mu.RUnlock()

	// A from-cursor older than the oldest retained entry means messages may
	// have rolled out of the buffer. Returning the retained tail would
	// silently skip the gap, so report expiry and let the caller consult
	// the durable log. The zero cursor means "from the beginning" and is
	// served entirely from the buffer. An empty buffer cannot prove a
	// non-zero cursor is current (restart case), so that also reports
	// expiry.
	var res RangeResult
	zero := from.Timestamp == 0 && from.Sequence == 0
	if len(b.entries) == 0 {
		res.Expired = !zero
		return res
	}
	if !zero && cursor.Less(from, b.entries[0].cur) {
		res.Expired = true
		return res
	}

	start := len(b.entries)
	for i, e := range b.entries {
		if cursor.Less(from, e.cur) {
			start = i
			break
		}
	}
	remaining := b.entries[start:]

	n := len(remaining)
	if limit > 0 && n > limit {
		n = limit
		res.HasMore = true
	}
	res.Messages = make([]models.HubMessage, n)
	for i := 0; i < n; i++ {
		res.Messages[i] = remaining[i].msg
	}
	if n > 0 {
		res.LastCursor = res.Messages[n-1].Cursor
	}
	return res
}

// Latest returns the most recent limit messages in ascending order.
func (b *Buffer) Latest(limit int) []models.HubMessage {
	b.mu.RLock()
	defer b.mu.RUnlock()

	n := len(b.entries)
	if limit > 0 && n > limit {
		n = limit
	}
	out := make([]models.HubMessage, n)
	for i, e := range b.entries[len(b.entries)-n:] {
		out[i] = e.msg
	}
	return out
}

// Oldest returns the oldest retained cursor, or false on an empty buffer.
func (b *Buffer) Oldest() (cursor.Cursor, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if len(b.entries) == 0 {
		return cursor.Cursor{}, false
	}
	return b.entries[0].cur, true
}

// Newest returns the newest retained cursor token, or "" on empty.
func (b *Buffer) Newest() string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if len(b.entries) == 0 {
		return ""
	}
	return b.entries[len(b.entries)-1].msg.Cursor
}

// Len returns the number of retained messages.
func (b *Buffer) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.entries)
}

// Set is the collection of per-channel buffers plus a per-channel publish
// lock. The publish lock serializes append+fan-out so the cursor order every
// subscriber observes matches append order; buffers on different channels
// are fully independent.
type Set struct {
	mu      sync.Mutex
	buffers map[string]*Buffer
	locks   map[string]*sync.Mutex
	clock   *cursor.Clock
}

// NewSet creates the buffer collection.
func NewSet(clock *cursor.Clock) *Set {
	return &Set{
		buffers: make(map[string]*Buffer),
		locks:   make(map[string]*sync.Mutex),
		clock:   clock,
	}
}

// Get returns the buffer for a channel, creating it with the channel
// prefix's configured capacity.
func (s *Set) Get(channelStr string) *Buffer {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.buffers[channelStr]
	if !ok {
		b = New(channel.Capacity(channelStr), s.clock)
		s.buffers[channelStr] = b
	}
	return b
}

// PublishLock returns the per-channel ordering lock.
func (s *Set) PublishLock(channelStr string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[channelStr]
	if !ok {
		l = &sync.Mutex{}
		s.locks[channelStr] = l
	}
	return l
}
