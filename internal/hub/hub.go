// Package hub is the delivery fabric: publish/subscribe over WebSocket
// connections with per-channel ring buffers, two-tier cursor replay,
// ack-based backpressure and lifecycle-driven disconnects.
package hub

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"agentworks/internal/channel"
	"agentworks/internal/cursor"
	"agentworks/internal/eventlog"
	"agentworks/internal/ringbuf"
	"agentworks/pkg/api/semaphore"
	"agentworks/pkg/logging"
	"agentworks/pkg/models"
)

// Recorder receives hub metric events. All methods must be cheap; nil means
// metrics are off.
type Recorder interface {
	ConnectionOpened()
	ConnectionClosed()
	MessagePublished(channel string)
	MessageDelivered(channel string, lag time.Duration)
	ReplayServed(tier string)
	ReplayThrottled()
}

// Options tune the hub. Zero values take the defaults.
type Options struct {
	MaxPendingAcks       int           // default 100
	MaxConcurrentReplays int           // default 2
	HeartbeatInterval    time.Duration // default 30s
	HeartbeatTimeout     time.Duration // default 90s
	ServerVersion        string
}

const replayResumeAfterMs = 1000

// Hub owns every connection record and the subscription index. Channel
// fan-out is serialized per channel: the publish lock is held across
// append and fan-out so every subscriber observes append order.
type Hub struct {
	opts     Options
	logger   logging.Entry
	clock    *cursor.Clock
	buffers  *ringbuf.Set
	log      *eventlog.Store // nil disables the durable tier
	resolver AgentResolver
	metrics  Recorder

	// accepting gates new subscriptions during maintenance/draining.
	accepting func() bool

	mu    sync.RWMutex
	conns map[string]*Connection
	subs  map[string]map[string]*Connection
}

// New creates a hub. log and metrics may be nil.
func New(opts Options, log *eventlog.Store, resolver AgentResolver, metrics Recorder, logger logging.Logger) *Hub {
	if opts.MaxPendingAcks <= 0 {
		opts.MaxPendingAcks = defaultPendingCap
	}
	if opts.MaxConcurrentReplays <= 0 {
		opts.MaxConcurrentReplays = 2
	}
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = 30 * time.Second
	}
	if opts.HeartbeatTimeout <= 0 {
		opts.HeartbeatTimeout = 90 * time.Second
	}

	clock := cursor.NewClock()
	return &Hub{
		opts:     opts,
		logger:   logging.WithComponent(logger, "hub"),
		clock:    clock,
		buffers:  ringbuf.NewSet(clock),
		log:      log,
		resolver: resolver,
		metrics:  metrics,
		conns:    make(map[string]*Connection),
		subs:     make(map[string]map[string]*Connection),
	}
}

// SetAcceptGate installs the maintenance gate consulted before new
// connections and subscriptions.
func (h *Hub) SetAcceptGate(gate func() bool) {
	h.accepting = gate
}

func (h *Hub) acceptingWork() bool {
	return h.accepting == nil || h.accepting()
}

// AddConnection registers a connection, sends the welcome frame and starts
// the write pump. The read loop is driven by the caller via ReadLoop.
func (h *Hub) AddConnection(auth AuthContext, sock wire) *Connection {
	c := newConnection(uuid.NewString(), auth, sock)

	h.mu.Lock()
	h.conns[c.ID] = c
	h.mu.Unlock()

	go c.writePump()

	c.sendFrame(semaphore.Connected{
		Type:                semaphore.FrameConnected,
		ConnectionID:        c.ID,
		ServerTime:          time.Now().UTC().Format(time.RFC3339),
		ServerVersion:       h.opts.ServerVersion,
		Capabilities:        []string{"cursor-replay", "backfill", "reconnect", "ack"},
		HeartbeatIntervalMs: int(h.opts.HeartbeatInterval / time.Millisecond),
	})

	if h.metrics != nil {
		h.metrics.ConnectionOpened()
	}
	h.logger.WithFields(logging.Fields{
		"connection_id": c.ID,
		"user_id":       auth.UserID,
	}).Info("Connection established")
	return c
}

// RemoveConnection drops a connection from the registry and subscription
// index and closes the socket.
func (h *Hub) RemoveConnection(c *Connection, code int, reason string) {
	h.mu.Lock()
	if _, ok := h.conns[c.ID]; !ok {
		h.mu.Unlock()
		return
	}
	delete(h.conns, c.ID)
	for ch, set := range h.subs {
		delete(set, c.ID)
		if len(set) == 0 {
			delete(h.subs, ch)
		}
	}
	h.mu.Unlock()

	c.close(code, reason)
	if h.metrics != nil {
		h.metrics.ConnectionClosed()
	}
	h.logger.WithFields(logging.Fields{
		"connection_id": c.ID,
		"code":          code,
		"reason":        reason,
	}).Info("Connection closed")
}

// CloseAll force-closes every connection. It returns only after every record
// is gone, which maintenance transitions rely on.
func (h *Hub) CloseAll(code int, reason string) {
	h.mu.RLock()
	snapshot := make([]*Connection, 0, len(h.conns))
	for _, c := range h.conns {
		snapshot = append(snapshot, c)
	}
	h.mu.RUnlock()

	for _, c := range snapshot {
		h.RemoveConnection(c, code, reason)
	}
}

// MarkAllDraining flags every live connection so further subscribes are
// denied while deliveries continue.
func (h *Hub) MarkAllDraining() {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, c := range h.conns {
		c.setDraining()
	}
}

// Publish appends to the channel's ring buffer and fans out to subscribers.
func (h *Hub) Publish(ctx context.Context, channelStr string, msgType models.MessageType, payload interface{}) (models.HubMessage, error) {
	return h.PublishWithMetadata(ctx, channelStr, msgType, payload, nil)
}

// PublishWithMetadata is Publish with message metadata attached.
func (h *Hub) PublishWithMetadata(ctx context.Context, channelStr string, msgType models.MessageType, payload interface{}, md *models.MessageMetadata) (models.HubMessage, error) {
	if _, err := channel.Parse(channelStr); err != nil {
		return models.HubMessage{}, err
	}

	msg := models.HubMessage{
		ID:        uuid.NewString(),
		Timestamp: time.Now().UTC(),
		Channel:   channelStr,
		Type:      msgType,
		Payload:   payload,
		Metadata:  md,
	}

	ackReq := channel.RequiresAck(channelStr, string(msgType))

	// The publish lock is held across append and fan-out: the order any
	// subscriber observes is the append order.
	lock := h.buffers.PublishLock(channelStr)
	lock.Lock()
	msg.Cursor = h.buffers.Get(channelStr).Append(msg)

	data, err := json.Marshal(semaphore.Message{
		Type:        semaphore.FrameMessage,
		Message:     msg,
		AckRequired: ackReq,
	})
	if err != nil {
		lock.Unlock()
		return msg, fmt.Errorf("serialize message on %s: %w", channelStr, err)
	}

	for _, c := range h.subscribers(channelStr) {
		h.deliverSerialized(c, channelStr, data, msg, ackReq)
	}
	lock.Unlock()

	if h.log != nil && h.log.Enabled() {
		// Mirroring must not block or fail the publish path.
		go func() {
			if err := h.log.Append(context.Background(), msg); err != nil {
				h.logger.WithError(err).WithField("message_id", msg.ID).Error("Durable append failed")
			}
		}()
	}

	if h.metrics != nil {
		h.metrics.MessagePublished(channelStr)
	}
	return msg, nil
}

func (h *Hub) subscribers(channelStr string) []*Connection {
	h.mu.RLock()
	defer h.mu.RUnlock()
	set := h.subs[channelStr]
	out := make([]*Connection, 0, len(set))
	for _, c := range set {
		out = append(out, c)
	}
	return out
}

// deliverSerialized enqueues pre-serialized bytes on one connection. A
// suspended connection is skipped (deferred: the ring buffer retains the
// message); a full send queue marks the connection for close without
// affecting other subscribers.
func (h *Hub) deliverSerialized(c *Connection, channelStr string, data []byte, msg models.HubMessage, ackReq bool) {
	if c.isSuspended() {
		return
	}
	if !c.enqueue(data) {
		h.logger.WithField("connection_id", c.ID).Warn("Send queue full, closing slow connection")
		go h.RemoveConnection(c, 1011, "slow consumer")
		return
	}
	c.advanceCursor(channelStr, msg.Cursor)
	if ackReq {
		c.trackPending(msg, h.opts.MaxPendingAcks)
	}
	if h.metrics != nil {
		h.metrics.MessageDelivered(channelStr, time.Since(msg.Timestamp))
	}
}

// deliverMessage serializes and delivers one message on one connection,
// used by replay paths.
func (h *Hub) deliverMessage(c *Connection, msg models.HubMessage) {
	ackReq := channel.RequiresAck(msg.Channel, string(msg.Type))
	data, err := json.Marshal(semaphore.Message{
		Type:        semaphore.FrameMessage,
		Message:     msg,
		AckRequired: ackReq,
	})
	if err != nil {
		c.sendFrame(errorFrame(CodeSerialization, "message could not be encoded", msg.Channel))
		return
	}
	h.deliverSerialized(c, msg.Channel, data, msg, ackReq)
}

// Subscribe authorizes and registers a subscription, delivering missed
// messages (ring buffer first, durable tier on expiry) strictly before any
// live message, then confirms with the latest cursor.
func (h *Hub) Subscribe(ctx context.Context, c *Connection, channelStr, cursorToken string) {
	ch, err := channel.Parse(channelStr)
	if err != nil {
		c.sendFrame(errorFrame(CodeInvalidChannel, err.Error(), channelStr))
		return
	}
	if !h.acceptingWork() || c.isDraining() {
		c.sendFrame(errorFrame(CodeSubscriptionDenied, "service is draining", channelStr))
		return
	}
	if d := Authorize(ctx, c.Auth, ch, h.resolver); !d.Allowed {
		c.sendFrame(errorFrame(CodeSubscriptionDenied, d.Reason, channelStr))
		return
	}

	var from cursor.Cursor
	haveCursor := false
	if cursorToken != "" {
		from, err = cursor.Decode(cursorToken)
		if err != nil {
			// Malformed resumption token: tell the client and resume live.
			c.sendFrame(errorFrame(CodeCursorExpired, "cursor is malformed, resuming from live", channelStr))
		} else {
			haveCursor = true
		}
	}

	lock := h.buffers.PublishLock(channelStr)
	lock.Lock()
	buf := h.buffers.Get(channelStr)

	lastDelivered := ""
	if haveCursor {
		res := buf.Range(from, 0)
		if res.Expired {
			// The gap rolled out of the buffer. Replay the durable tier
			// outside the channel lock, then close the remaining gap from
			// the buffer before going live.
			lock.Unlock()
			lastDelivered = h.durableCatchUp(ctx, c, channelStr, cursorToken)
			lock.Lock()
			resume := cursor.Cursor{}
			if lastDelivered != "" {
				if cur, err := cursor.Decode(lastDelivered); err == nil {
					resume = cur
				}
			}
			gap := buf.Range(resume, 0)
			for _, m := range gap.Messages {
				h.deliverMessage(c, m)
				lastDelivered = m.Cursor
			}
		} else {
			for _, m := range res.Messages {
				h.deliverMessage(c, m)
				lastDelivered = m.Cursor
			}
		}
	}

	latest := buf.Newest()
	if lastDelivered == "" {
		lastDelivered = latest
	}
	c.setSubscription(channelStr, lastDelivered)
	h.addSubscription(channelStr, c)
	lock.Unlock()

	c.sendFrame(semaphore.Subscribed{
		Type:    semaphore.FrameSubscribed,
		Channel: channelStr,
		Cursor:  latest,
	})
}

// durableCatchUp replays the durable tier onto the connection, bounded by
// the per-connection replay cap. Returns the last delivered cursor.
func (h *Hub) durableCatchUp(ctx context.Context, c *Connection, channelStr, cursorToken string) string {
	if h.log == nil || !h.log.Enabled() {
		c.sendFrame(errorFrame(CodeCursorExpired, "cursor is older than retention", channelStr))
		return ""
	}

	ok, current := c.beginReplay(h.opts.MaxConcurrentReplays)
	if !ok {
		h.sendThrottled(c, current)
		return ""
	}
	defer c.endReplay()

	res, err := h.log.Replay(ctx, channelStr, cursorToken, 0)
	if err != nil {
		h.logger.WithError(err).WithField("channel", channelStr).Error("Durable replay failed")
		c.sendFrame(errorFrame(CodeInternal, "replay failed", channelStr))
		return ""
	}
	if res.CursorExpired {
		c.sendFrame(errorFrame(CodeCursorExpired, "cursor is older than retention", channelStr))
	}
	for _, m := range res.Messages {
		h.deliverMessage(c, m)
	}
	if h.metrics != nil {
		h.metrics.ReplayServed("durable")
	}
	return res.LastCursor
}

func (h *Hub) sendThrottled(c *Connection, current int) {
	if h.metrics != nil {
		h.metrics.ReplayThrottled()
	}
	c.sendFrame(semaphore.Throttled{
		Type:          semaphore.FrameThrottled,
		Message:       "too many concurrent replays",
		ResumeAfterMs: replayResumeAfterMs,
		CurrentCount:  current,
		Limit:         h.opts.MaxConcurrentReplays,
	})
}

func (h *Hub) addSubscription(channelStr string, c *Connection) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set := h.subs[channelStr]
	if set == nil {
		set = make(map[string]*Connection)
		h.subs[channelStr] = set
	}
	set[c.ID] = c
}

// Unsubscribe removes the subscription and confirms.
func (h *Hub) Unsubscribe(c *Connection, channelStr string) {
	if c.removeSubscription(channelStr) {
		h.mu.Lock()
		if set := h.subs[channelStr]; set != nil {
			delete(set, c.ID)
			if len(set) == 0 {
				delete(h.subs, channelStr)
			}
		}
		h.mu.Unlock()
	}
	c.sendFrame(semaphore.Unsubscribed{
		Type:    semaphore.FrameUnsubscribed,
		Channel: channelStr,
	})
}

// Backfill serves a bounded page of history without touching the live
// subscription, except to advance its position when the page ends newer.
func (h *Hub) Backfill(ctx context.Context, c *Connection, channelStr, fromToken string, limit int) {
	ch, err := channel.Parse(channelStr)
	if err != nil {
		c.sendFrame(errorFrame(CodeInvalidChannel, err.Error(), channelStr))
		return
	}
	if d := Authorize(ctx, c.Auth, ch, h.resolver); !d.Allowed {
		c.sendFrame(errorFrame(CodeSubscriptionDenied, d.Reason, channelStr))
		return
	}

	if from, err := cursor.Decode(fromToken); err == nil {
		res := h.buffers.Get(channelStr).Range(from, limit)
		if !res.Expired {
			h.finishBackfill(c, channelStr, res.Messages, res.LastCursor, res.HasMore, false)
			if h.metrics != nil {
				h.metrics.ReplayServed("ring")
			}
			return
		}
	}

	// Malformed or rolled-out cursor: the durable tier decides whether the
	// cursor is merely old or beyond retention.
	if h.log == nil || !h.log.Enabled() {
		h.finishBackfill(c, channelStr, nil, "", false, true)
		return
	}

	ok, current := c.beginReplay(h.opts.MaxConcurrentReplays)
	if !ok {
		h.sendThrottled(c, current)
		return
	}

	// Durable replays run off the read loop so concurrent backfills can
	// actually contend for the cap.
	go func() {
		defer c.endReplay()
		res, err := h.log.Replay(ctx, channelStr, fromToken, limit)
		if err != nil {
			h.logger.WithError(err).WithField("channel", channelStr).Error("Durable backfill failed")
			c.sendFrame(errorFrame(CodeInternal, "backfill failed", channelStr))
			return
		}
		h.finishBackfill(c, channelStr, res.Messages, res.LastCursor, res.HasMore, res.CursorExpired)
		if h.metrics != nil {
			h.metrics.ReplayServed("durable")
		}
	}()
}

func (h *Hub) finishBackfill(c *Connection, channelStr string, messages []models.HubMessage, lastCursor string, hasMore, cursorExpired bool) {
	if messages == nil {
		messages = []models.HubMessage{}
	}
	c.sendFrame(semaphore.BackfillResponse{
		Type:          semaphore.FrameBackfillResponse,
		Channel:       channelStr,
		Messages:      messages,
		LastCursor:    lastCursor,
		HasMore:       hasMore,
		CursorExpired: cursorExpired,
	})
	// Backfill only ever advances the live position, never rewinds it.
	if lastCursor != "" && c.subscribed(channelStr) {
		h.advanceIfNewer(c, channelStr, lastCursor)
	}
}

func (h *Hub) advanceIfNewer(c *Connection, channelStr, token string) {
	newCur, err := cursor.Decode(token)
	if err != nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	current, ok := c.subscriptions[channelStr]
	if !ok {
		return
	}
	if current == "" {
		c.subscriptions[channelStr] = token
		return
	}
	if curCur, err := cursor.Decode(current); err == nil && cursor.Less(curCur, newCur) {
		c.subscriptions[channelStr] = token
	}
}

// Reconnect restores a cursor map in one round trip: per channel it
// authorizes, replays and re-registers, reporting what was replayed and
// which cursors were beyond retention.
func (h *Hub) Reconnect(ctx context.Context, c *Connection, cursors map[string]string) {
	replayed := make(map[string]int)
	expired := []string{}
	newCursors := make(map[string]string)

	for channelStr, token := range cursors {
		ch, err := channel.Parse(channelStr)
		if err != nil {
			c.sendFrame(errorFrame(CodeInvalidChannel, err.Error(), channelStr))
			continue
		}
		if d := Authorize(ctx, c.Auth, ch, h.resolver); !d.Allowed {
			c.sendFrame(errorFrame(CodeSubscriptionDenied, d.Reason, channelStr))
			continue
		}

		lock := h.buffers.PublishLock(channelStr)
		lock.Lock()
		buf := h.buffers.Get(channelStr)

		count := 0
		last := token
		from, err := cursor.Decode(token)
		if err != nil {
			expired = append(expired, channelStr)
			last = buf.Newest()
		} else {
			res := buf.Range(from, 0)
			if res.Expired {
				lock.Unlock()
				durableLast := h.durableCatchUp(ctx, c, channelStr, token)
				lock.Lock()
				resume := cursor.Cursor{}
				if durableLast != "" {
					if cur, err := cursor.Decode(durableLast); err == nil {
						resume = cur
					}
					last = durableLast
				} else {
					expired = append(expired, channelStr)
				}
				gap := buf.Range(resume, 0)
				for _, m := range gap.Messages {
					h.deliverMessage(c, m)
					last = m.Cursor
					count++
				}
			} else {
				for _, m := range res.Messages {
					h.deliverMessage(c, m)
					last = m.Cursor
					count++
				}
			}
		}

		c.setSubscription(channelStr, last)
		h.addSubscription(channelStr, c)
		lock.Unlock()

		replayed[channelStr] = count
		newCursors[channelStr] = last
	}

	c.sendFrame(semaphore.ReconnectAck{
		Type:       semaphore.FrameReconnectAck,
		Replayed:   replayed,
		Expired:    expired,
		NewCursors: newCursors,
	})
}

// Ack settles pending messages. When a suspended connection drops below the
// resume threshold, missed messages are caught up from the ring buffer.
func (h *Hub) Ack(c *Connection, messageIDs []string) {
	acknowledged, notFound, resumed := c.settleAcks(messageIDs, h.opts.MaxPendingAcks)
	if acknowledged == nil {
		acknowledged = []string{}
	}
	if notFound == nil {
		notFound = []string{}
	}
	c.sendFrame(semaphore.AckResponse{
		Type:         semaphore.FrameAckResponse,
		Acknowledged: acknowledged,
		NotFound:     notFound,
	})
	if resumed {
		h.catchUp(c)
	}
}

// catchUp closes the delivery gap for a connection that was suspended for
// slow acking. Per channel the publish lock guarantees the replayed tail and
// subsequent live messages interleave in cursor order.
func (h *Hub) catchUp(c *Connection) {
	channels, cursors := c.snapshotSubscriptions()
	for _, channelStr := range channels {
		lock := h.buffers.PublishLock(channelStr)
		lock.Lock()
		from := cursor.Cursor{}
		if token := cursors[channelStr]; token != "" {
			if cur, err := cursor.Decode(token); err == nil {
				from = cur
			}
		}
		res := h.buffers.Get(channelStr).Range(from, 0)
		for _, m := range res.Messages {
			h.deliverMessage(c, m)
		}
		lock.Unlock()
	}
}

// Pong answers a client ping with the connection's full subscription
// snapshot as a consistency check.
func (h *Hub) Pong(c *Connection, clientTimestamp int64) {
	channels, cursors := c.snapshotSubscriptions()
	c.sendFrame(semaphore.Pong{
		Type:          semaphore.FramePong,
		Timestamp:     clientTimestamp,
		ServerTime:    time.Now().UTC().Format(time.RFC3339),
		Subscriptions: channels,
		Cursors:       cursors,
	})
}

// GetStats snapshots hub counters for the stats endpoint.
func (h *Hub) GetStats() semaphore.HubStats {
	h.mu.RLock()
	defer h.mu.RUnlock()

	stats := semaphore.HubStats{
		Connections:          len(h.conns),
		ChannelSubscriptions: make(map[string]int),
	}
	for ch, set := range h.subs {
		stats.ChannelSubscriptions[ch] = len(set)
		stats.Subscriptions += len(set)
	}
	for _, c := range h.conns {
		stats.PendingAcks += c.pendingCount()
		if c.isSuspended() {
			stats.SlowConnections++
		}
	}
	return stats
}

// RunHeartbeat probes liveness until ctx is cancelled. Stale connections are
// closed with 1011; lifecycle codes 1012/1013 are never used here.
func (h *Hub) RunHeartbeat(ctx context.Context) {
	ticker := time.NewTicker(h.opts.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.heartbeatTick()
		}
	}
}

func (h *Hub) heartbeatTick() {
	now := time.Now()
	frame := semaphore.Heartbeat{
		Type:       semaphore.FrameHeartbeat,
		ServerTime: now.UTC().Format(time.RFC3339),
	}

	h.mu.RLock()
	snapshot := make([]*Connection, 0, len(h.conns))
	for _, c := range h.conns {
		snapshot = append(snapshot, c)
	}
	h.mu.RUnlock()

	for _, c := range snapshot {
		if now.Sub(c.lastSeenAt()) > h.opts.HeartbeatTimeout {
			h.RemoveConnection(c, 1011, "heartbeat timeout")
			continue
		}
		c.sendFrame(frame)
	}
}
