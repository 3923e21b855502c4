package hub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/gorilla/websocket"

	"agentworks/pkg/api/semaphore"
)

// errBadFrame wraps all client frame validation failures.
var errBadFrame = errors.New("invalid frame")

// ParseClientFrame validates a raw client frame. Parsing is total: every
// input yields either a valid frame or an error, never a partial dispatch.
func ParseClientFrame(raw []byte) (semaphore.ClientFrame, error) {
	if len(raw) > maxFrameSize {
		return semaphore.ClientFrame{}, fmt.Errorf("%w: frame too large", errBadFrame)
	}

	var frame semaphore.ClientFrame
	if err := json.Unmarshal(raw, &frame); err != nil {
		return semaphore.ClientFrame{}, fmt.Errorf("%w: not valid JSON", errBadFrame)
	}

	switch frame.Type {
	case semaphore.FrameSubscribe, semaphore.FrameUnsubscribe:
		if frame.Channel == "" {
			return semaphore.ClientFrame{}, fmt.Errorf("%w: %s requires a channel", errBadFrame, frame.Type)
		}
	case semaphore.FrameBackfill:
		if frame.Channel == "" || frame.FromCursor == "" {
			return semaphore.ClientFrame{}, fmt.Errorf("%w: backfill requires channel and fromCursor", errBadFrame)
		}
	case semaphore.FramePing:
		// timestamp optional
	case semaphore.FrameReconnect:
		if len(frame.Cursors) == 0 {
			return semaphore.ClientFrame{}, fmt.Errorf("%w: reconnect requires a cursor map", errBadFrame)
		}
	case semaphore.FrameAck:
		if len(frame.MessageIDs) == 0 {
			return semaphore.ClientFrame{}, fmt.Errorf("%w: ack requires messageIds", errBadFrame)
		}
	case "":
		return semaphore.ClientFrame{}, fmt.Errorf("%w: missing type", errBadFrame)
	default:
		return semaphore.ClientFrame{}, fmt.Errorf("%w: unknown type %q", errBadFrame, frame.Type)
	}
	return frame, nil
}

// ReadLoop drives one connection until the socket closes. Every valid frame
// resets the liveness timer; malformed frames answer with a recoverable
// error and keep the connection alive.
func (h *Hub) ReadLoop(ctx context.Context, c *Connection) {
	defer h.RemoveConnection(c, websocket.CloseNormalClosure, "")

	for {
		_, raw, err := c.sock.ReadMessage()
		if err != nil {
			return
		}

		frame, err := ParseClientFrame(raw)
		if err != nil {
			c.sendFrame(errorFrame(CodeInvalidFormat, err.Error(), ""))
			continue
		}
		c.touch()
		h.dispatch(ctx, c, frame)
	}
}

// dispatch routes one validated frame. A panic in a handler is contained to
// this connection.
func (h *Hub) dispatch(ctx context.Context, c *Connection, frame semaphore.ClientFrame) {
	defer func() {
		if r := recover(); r != nil {
			h.logger.WithFields(map[string]interface{}{
				"connection_id": c.ID,
				"frame_type":    frame.Type,
				"panic":         r,
			}).Error("Frame handler panicked")
			c.sendFrame(errorFrame(CodeInternal, "internal error handling frame", frame.Channel))
		}
	}()

	switch frame.Type {
	case semaphore.FrameSubscribe:
		h.Subscribe(ctx, c, frame.Channel, frame.Cursor)
	case semaphore.FrameUnsubscribe:
		h.Unsubscribe(c, frame.Channel)
	case semaphore.FrameBackfill:
		h.Backfill(ctx, c, frame.Channel, frame.FromCursor, frame.Limit)
	case semaphore.FramePing:
		h.Pong(c, frame.Timestamp)
	case semaphore.FrameReconnect:
		h.Reconnect(ctx, c, frame.Cursors)
	case semaphore.FrameAck:
		h.Ack(c, frame.MessageIDs)
	}
}
