package models

import "time"

// MessageType identifies one of the closed set of hub event kinds.
type MessageType string

// MessageMetadata carries optional routing/correlation context.
type MessageMetadata struct {
	CorrelationID string `json:"correlationId,omitempty"`
	AgentID       string `json:"agentId,omitempty"`
	UserID        string `json:"userId,omitempty"`
	WorkspaceID   string `json:"workspaceId,omitempty"`
}

// HubMessage is the canonical unit of delivery. The hub owns it after
// publish; fan-out hands immutable views (pre-serialized bytes) to
// subscribers. Cursor is assigned at ring-buffer append and never changes.
type HubMessage struct {
	ID        string           `json:"id"`
	Cursor    string           `json:"cursor"`
	Timestamp time.Time        `json:"timestamp"`
	Channel   string           `json:"channel"`
	Type      MessageType      `json:"type"`
	Payload   interface{}      `json:"payload"`
	Metadata  *MessageMetadata `json:"metadata,omitempty"`
}
