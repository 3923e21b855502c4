package hub

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"agentworks/pkg/models"
)

// wire is the slice of *websocket.Conn the hub uses. Tests substitute an
// in-memory implementation.
type wire interface {
	ReadMessage() (int, []byte, error)
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	Close() error
}

const (
	sendQueueSize     = 256
	writeWait         = 10 * time.Second
	maxFrameSize      = 1 << 20
	defaultPendingCap = 100
)

type pendingAck struct {
	message models.HubMessage
	sentAt  time.Time
}

// Connection is the hub-owned record for one WebSocket. The hub serializes
// all mutation; the write pump is the only reader of send.
type Connection struct {
	ID          string
	ConnectedAt time.Time
	Auth        AuthContext

	sock wire
	send chan []byte

	mu            sync.Mutex
	subscriptions map[string]string // channel -> last delivered cursor
	pendingAcks   map[string]pendingAck
	activeReplays int
	lastSeen      time.Time
	suspended     bool
	draining      bool

	closeOnce sync.Once
	done      chan struct{}
	pumpDone  chan struct{}
}

func newConnection(id string, auth AuthContext, sock wire) *Connection {
	return &Connection{
		ID:            id,
		ConnectedAt:   time.Now(),
		Auth:          auth,
		sock:          sock,
		send:          make(chan []byte, sendQueueSize),
		subscriptions: make(map[string]string),
		pendingAcks:   make(map[string]pendingAck),
		lastSeen:      time.Now(),
		done:          make(chan struct{}),
		pumpDone:      make(chan struct{}),
	}
}

// enqueue hands serialized bytes to the write pump. A full queue reports
// failure so the hub can mark the connection for close; it never blocks
// fan-out.
func (c *Connection) enqueue(data []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

// sendFrame serializes and enqueues one frame.
func (c *Connection) sendFrame(v interface{}) bool {
	data, err := json.Marshal(v)
	if err != nil {
		return false
	}
	return c.enqueue(data)
}

// writePump drains send onto the socket. It exits on close or write failure;
// the read pump notices via the socket teardown.
func (c *Connection) writePump() {
	defer close(c.pumpDone)
	for {
		select {
		case <-c.done:
			return
		case data := <-c.send:
			if err := c.sock.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		}
	}
}

// close tears the connection down exactly once. Frames queued before the
// close are flushed first: a state change published just before CloseAll
// must reach the client ahead of the close frame.
func (c *Connection) close(code int, reason string) {
	c.closeOnce.Do(func() {
		close(c.done)

		deadline := time.Now().Add(writeWait)
		select {
		case <-c.pumpDone:
			c.drainSend(deadline)
		case <-time.After(writeWait):
			// The pump is wedged on a slow socket; skip the flush.
		}

		msg := websocket.FormatCloseMessage(code, reason)
		_ = c.sock.WriteControl(websocket.CloseMessage, msg, deadline)
		_ = c.sock.Close()
	})
}

// drainSend writes whatever the pump left behind, best effort. Only called
// after the pump has exited, so this is the sole writer.
func (c *Connection) drainSend(deadline time.Time) {
	for {
		if time.Now().After(deadline) {
			return
		}
		select {
		case data := <-c.send:
			if err := c.sock.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		default:
			return
		}
	}
}

// touch records client liveness. Any valid frame counts.
func (c *Connection) touch() {
	c.mu.Lock()
	c.lastSeen = time.Now()
	c.mu.Unlock()
}

func (c *Connection) lastSeenAt() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastSeen
}

// setSubscription records (or updates) the channel's delivery position.
func (c *Connection) setSubscription(channelStr, cur string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subscriptions[channelStr] = cur
}

func (c *Connection) removeSubscription(channelStr string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.subscriptions[channelStr]; !ok {
		return false
	}
	delete(c.subscriptions, channelStr)
	return true
}

func (c *Connection) subscribed(channelStr string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.subscriptions[channelStr]
	return ok
}

// advanceCursor moves the channel position forward; it never rewinds.
func (c *Connection) advanceCursor(channelStr, cur string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.subscriptions[channelStr]; ok {
		c.subscriptions[channelStr] = cur
	}
}

// snapshotSubscriptions returns the channels and cursors for pong frames.
func (c *Connection) snapshotSubscriptions() ([]string, map[string]string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	channels := make([]string, 0, len(c.subscriptions))
	cursors := make(map[string]string, len(c.subscriptions))
	for ch, cur := range c.subscriptions {
		channels = append(channels, ch)
		cursors[ch] = cur
	}
	return channels, cursors
}

// trackPending records an ack-required delivery. Hitting the cap suspends
// fan-out to this connection: messages stay in the ring buffer and are
// replayed when acks catch up (defer, not drop).
func (c *Connection) trackPending(msg models.HubMessage, cap int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pendingAcks[msg.ID] = pendingAck{message: msg, sentAt: time.Now()}
	if len(c.pendingAcks) >= cap {
		c.suspended = true
	}
}

// settleAcks removes acknowledged ids, reporting unknown ones. When the
// backlog drops below half the cap the connection resumes.
func (c *Connection) settleAcks(ids []string, cap int) (acknowledged, notFound []string, resumed bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, id := range ids {
		if _, ok := c.pendingAcks[id]; ok {
			delete(c.pendingAcks, id)
			acknowledged = append(acknowledged, id)
		} else {
			notFound = append(notFound, id)
		}
	}
	if c.suspended && len(c.pendingAcks) < cap/2 {
		c.suspended = false
		resumed = true
	}
	return acknowledged, notFound, resumed
}

func (c *Connection) isSuspended() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.suspended
}

func (c *Connection) pendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pendingAcks)
}

// beginReplay reserves a durable-replay slot, failing at the cap.
func (c *Connection) beginReplay(limit int) (ok bool, current int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.activeReplays >= limit {
		return false, c.activeReplays
	}
	c.activeReplays++
	return true, c.activeReplays
}

func (c *Connection) endReplay() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.activeReplays > 0 {
		c.activeReplays--
	}
}

func (c *Connection) setDraining() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.draining = true
}

func (c *Connection) isDraining() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.draining
}
