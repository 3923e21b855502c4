// Package semaphore defines the WebSocket wire frames exchanged with the
// Semaphore gateway. Clients (web UI, agent drivers) import these types; the
// hub serializes them.
package semaphore

import (
	"encoding/json"

	"agentworks/pkg/models"
)

// Client→server frame kinds
const (
	FrameSubscribe   = "subscribe"
	FrameUnsubscribe = "unsubscribe"
	FrameBackfill    = "backfill"
	FramePing        = "ping"
	FrameReconnect   = "reconnect"
	FrameAck         = "ack"
)

// Server→client frame kinds
const (
	FrameConnected        = "connected"
	FrameSubscribed       = "subscribed"
	FrameUnsubscribed     = "unsubscribed"
	FrameMessage          = "message"
	FrameBackfillResponse = "backfill_response"
	FramePong             = "pong"
	FrameHeartbeat        = "heartbeat"
	FrameReconnectAck     = "reconnect_ack"
	FrameAckResponse      = "ack_response"
	FrameThrottled        = "throttled"
	FrameError            = "error"
)

// ClientFrame is the envelope for all client→server frames. Fields beyond
// Type are populated depending on the kind.
type ClientFrame struct {
	Type       string            `json:"type"`
	Channel    string            `json:"channel,omitempty"`
	Cursor     string            `json:"cursor,omitempty"`
	FromCursor string            `json:"fromCursor,omitempty"`
	Limit      int               `json:"limit,omitempty"`
	Timestamp  int64             `json:"timestamp,omitempty"`
	Cursors    map[string]string `json:"cursors,omitempty"`
	MessageIDs []string          `json:"messageIds,omitempty"`
}

// Connected is sent once after a successful upgrade.
type Connected struct {
	Type                string   `json:"type"`
	ConnectionID        string   `json:"connectionId"`
	ServerTime          string   `json:"serverTime"`
	ServerVersion       string   `json:"serverVersion"`
	Capabilities        []string `json:"capabilities"`
	HeartbeatIntervalMs int      `json:"heartbeatIntervalMs"`
}

// Subscribed confirms a subscription; Cursor is the latest known cursor for
// the channel after any replay.
type Subscribed struct {
	Type    string `json:"type"`
	Channel string `json:"channel"`
	Cursor  string `json:"cursor,omitempty"`
}

// Unsubscribed confirms an unsubscription.
type Unsubscribed struct {
	Type    string `json:"type"`
	Channel string `json:"channel"`
}

// Message delivers a single hub message.
type Message struct {
	Type        string            `json:"type"`
	Message     models.HubMessage `json:"message"`
	AckRequired bool              `json:"ackRequired,omitempty"`
}

// BackfillResponse answers a backfill request.
type BackfillResponse struct {
	Type          string              `json:"type"`
	Channel       string              `json:"channel"`
	Messages      []models.HubMessage `json:"messages"`
	LastCursor    string              `json:"lastCursor,omitempty"`
	HasMore       bool                `json:"hasMore"`
	CursorExpired bool                `json:"cursorExpired,omitempty"`
}

// Pong answers a client ping with a consistency snapshot.
type Pong struct {
	Type          string            `json:"type"`
	Timestamp     int64             `json:"timestamp"`
	ServerTime    string            `json:"serverTime"`
	Subscriptions []string          `json:"subscriptions"`
	Cursors       map[string]string `json:"cursors"`
}

// Heartbeat is the server-initiated liveness probe.
type Heartbeat struct {
	Type       string `json:"type"`
	ServerTime string `json:"serverTime"`
}

// ReconnectAck summarizes a cursor-map reconnect.
type ReconnectAck struct {
	Type       string            `json:"type"`
	Replayed   map[string]int    `json:"replayed"`
	Expired    []string          `json:"expired"`
	NewCursors map[string]string `json:"newCursors"`
}

// AckResponse reports which message ids were settled.
type AckResponse struct {
	Type         string   `json:"type"`
	Acknowledged []string `json:"acknowledged"`
	NotFound     []string `json:"notFound"`
}

// Throttled signals the per-connection replay cap was hit.
type Throttled struct {
	Type          string `json:"type"`
	Message       string `json:"message"`
	ResumeAfterMs int    `json:"resumeAfterMs"`
	CurrentCount  int    `json:"currentCount"`
	Limit         int    `json:"limit"`
}

// ErrorFrame is the typed WS error surface.
type ErrorFrame struct {
	Type        string          `json:"type"`
	Code        string          `json:"code"`
	Message     string          `json:"message"`
	Channel     string          `json:"channel,omitempty"`
	Severity    string          `json:"severity"`
	Hint        string          `json:"hint,omitempty"`
	Alternative string          `json:"alternative,omitempty"`
	Details     json.RawMessage `json:"details,omitempty"`
}

// Error severities
const (
	SeverityTerminal    = "terminal"
	SeverityRecoverable = "recoverable"
	SeverityRetry       = "retry"
)

// HubStats is the payload of GET /ws/stats.
type HubStats struct {
	Connections          int            `json:"connections"`
	Subscriptions        int            `json:"subscriptions"`
	ChannelSubscriptions map[string]int `json:"channelSubscriptions"`
	PendingAcks          int            `json:"pendingAcks"`
	SlowConnections      int            `json:"slowConnections"`
}
