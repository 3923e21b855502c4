// Package channel models the pub/sub topic grammar: "scope:type" or
// "scope:type:id". Parsing is total; anything outside the closed grammar
// yields ErrInvalid rather than a panic or a partially filled value.
package channel

import (
	"errors"
	"fmt"
	"strings"
)

// Scope classifies who a channel belongs to.
type Scope string

const (
	ScopeAgent     Scope = "agent"
	ScopeWorkspace Scope = "workspace"
	ScopeUser      Scope = "user"
	ScopeSystem    Scope = "system"
)

// ErrInvalid is returned for any string outside the channel grammar.
var ErrInvalid = errors.New("invalid channel")

// Channel types per scope
var scopeTypes = map[Scope]map[string]bool{
	ScopeAgent:     {"output": true, "state": true, "tools": true, "checkpoints": true},
	ScopeWorkspace: {"agents": true, "git": true, "reservations": true, "conflicts": true},
	ScopeUser:      {"mail": true, "notifications": true},
	ScopeSystem:    {"health": true, "maintenance": true},
}

// Channel is a parsed topic identifier.
type Channel struct {
	Scope Scope
	Type  string
	ID    string // empty for system channels
}

// Parse decodes "scope:type[:id]". System channels carry no id; all other
// scopes require one.
func Parse(s string) (Channel, error) {
	parts := strings.Split(s, ":")
	if len(parts) < 2 || len(parts) > 3 {
		return Channel{}, fmt.Errorf("%w: %q", ErrInvalid, s)
	}

	scope := Scope(parts[0])
	types, ok := scopeTypes[scope]
	if !ok || !types[parts[1]] {
		return Channel{}, fmt.Errorf("%w: %q", ErrInvalid, s)
	}

	ch := Channel{Scope: scope, Type: parts[1]}
	if scope == ScopeSystem {
		if len(parts) != 2 {
			return Channel{}, fmt.Errorf("%w: system channels have no id: %q", ErrInvalid, s)
		}
		return ch, nil
	}

	if len(parts) != 3 || parts[2] == "" {
		return Channel{}, fmt.Errorf("%w: missing id: %q", ErrInvalid, s)
	}
	ch.ID = parts[2]
	return ch, nil
}

// String renders the serialized form. Equality of parsed channels matches
// equality of their serialized strings.
func (c Channel) String() string {
	if c.ID == "" {
		return string(c.Scope) + ":" + c.Type
	}
	return string(c.Scope) + ":" + c.Type + ":" + c.ID
}

// Convenience constructors used by publishers.

func AgentOutput(agentID string) string      { return "agent:output:" + agentID }
func AgentState(agentID string) string       { return "agent:state:" + agentID }
func AgentTools(agentID string) string       { return "agent:tools:" + agentID }
func AgentCheckpoints(agentID string) string { return "agent:checkpoints:" + agentID }

func WorkspaceAgents(workspaceID string) string       { return "workspace:agents:" + workspaceID }
func WorkspaceGit(workspaceID string) string          { return "workspace:git:" + workspaceID }
func WorkspaceReservations(workspaceID string) string { return "workspace:reservations:" + workspaceID }
func WorkspaceConflicts(workspaceID string) string    { return "workspace:conflicts:" + workspaceID }

func UserMail(userID string) string          { return "user:mail:" + userID }
func UserNotifications(userID string) string { return "user:notifications:" + userID }

const (
	SystemHealth      = "system:health"
	SystemMaintenance = "system:maintenance"
)

// Ring-buffer capacities by channel prefix. agent:output is by far the
// hottest topic; system topics only need the last few snapshots.
var capacities = map[string]int{
	"agent:output":           1000,
	"agent:state":            200,
	"agent:tools":            500,
	"agent:checkpoints":      100,
	"workspace:agents":       200,
	"workspace:git":          200,
	"workspace:reservations": 500,
	"workspace:conflicts":    500,
	"user:mail":              200,
	"user:notifications":     200,
	"system:health":          50,
	"system:maintenance":     50,
}

const defaultCapacity = 200

// Capacity returns the ring-buffer capacity for a channel string.
func Capacity(channelStr string) int {
	ch, err := Parse(channelStr)
	if err != nil {
		return defaultCapacity
	}
	if n, ok := capacities[string(ch.Scope)+":"+ch.Type]; ok {
		return n
	}
	return defaultCapacity
}

// Channel kinds whose messages must be acknowledged by subscribers. Closed
// set: a property of the channel kind, never of the individual message.
var ackRequired = map[string]bool{
	"agent:state":            true,
	"workspace:reservations": true,
	"workspace:conflicts":    true,
}

// Ack-required message types that can appear on otherwise fire-and-forget
// kinds (safety blocks, context emergencies ride agent:tools / agent:state).
var ackRequiredTypes = map[string]bool{
	"safety.blocked":    true,
	"context.emergency": true,
}

// RequiresAck reports whether messages of msgType on channelStr need a
// client acknowledgment.
func RequiresAck(channelStr string, msgType string) bool {
	if ackRequiredTypes[msgType] {
		return true
	}
	ch, err := Parse(channelStr)
	if err != nil {
		return false
	}
	return ackRequired[string(ch.Scope)+":"+ch.Type]
}
