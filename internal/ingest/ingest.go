// Package ingest bridges the fleet's Kafka event stream onto hub channels.
// Agent state updates are coalesced through the batcher before they reach
// the hub; everything else publishes directly.
package ingest

import (
	"context"
	"encoding/json"
	"strings"

	"agentworks/internal/batcher"
	"agentworks/internal/channel"
	"agentworks/pkg/kafka"
	"agentworks/pkg/logging"
	"agentworks/pkg/models"
)

// Topic is the fleet event stream consumed by the bridge.
const Topic = "agent_events"

// Event is the Kafka envelope produced by agent drivers and fleet services.
type Event struct {
	Type          string                 `json:"type"`
	AgentID       string                 `json:"agentId,omitempty"`
	WorkspaceID   string                 `json:"workspaceId,omitempty"`
	UserID        string                 `json:"userId,omitempty"`
	CorrelationID string                 `json:"correlationId,omitempty"`
	Data          map[string]interface{} `json:"data"`
}

// HubPublisher is the hub surface the bridge publishes through.
type HubPublisher interface {
	PublishWithMetadata(ctx context.Context, channel string, msgType models.MessageType, payload interface{}, md *models.MessageMetadata) (models.HubMessage, error)
}

// DropCounter receives the batcher's drop count deltas. Nil disables it.
type DropCounter interface {
	Add(float64)
}

// Bridge consumes fleet events and republishes them on hub channels.
type Bridge struct {
	hub     HubPublisher
	states  *batcher.Batcher[Event]
	dropped DropCounter
	logger  logging.Entry
}

// New creates the bridge. dropped may be nil.
func New(hub HubPublisher, opts batcher.Options, dropped DropCounter, logger logging.Logger) *Bridge {
	b := &Bridge{
		hub:     hub,
		dropped: dropped,
		logger:  logging.WithComponent(logger, "ingest"),
	}
	b.states = batcher.New[Event](opts, b.flushStates, logger)
	return b
}

// Handler adapts the bridge to the Kafka consumer. Malformed payloads are
// logged and skipped rather than blocking the partition.
func (b *Bridge) Handler() kafka.Handler {
	return func(ctx context.Context, msg kafka.Message) error {
		var ev Event
		if err := json.Unmarshal(msg.Value, &ev); err != nil {
			b.logger.WithError(err).WithField("topic", msg.Topic).Warn("Skipping malformed event")
			return nil
		}
		b.Route(ctx, ev)
		return nil
	}
}

// Route publishes one event onto its hub channel. Agent state events are
// coalesced per agent first: only the newest state within the batch window
// survives.
func (b *Bridge) Route(ctx context.Context, ev Event) {
	if isStateEvent(ev.Type) {
		if ev.AgentID == "" {
			b.dropEvent(ev, "missing agentId")
			return
		}
		b.states.Enqueue(ev.AgentID, ev)
		return
	}

	target, ok := b.channelFor(ev)
	if !ok {
		return
	}
	b.publish(ctx, target, ev)
}

// isStateEvent covers the high-rate agent state updates worth coalescing.
func isStateEvent(eventType string) bool {
	return eventType == string(models.TypeAgentStateChanged) ||
		eventType == string(models.TypeAgentStateSnapshot)
}

// channelFor maps an event type prefix onto a hub channel. Events without
// the id their scope requires are dropped: publishing them anywhere else
// would leak across agents or workspaces.
func (b *Bridge) channelFor(ev Event) (string, bool) {
	prefix := ev.Type
	if i := strings.IndexByte(ev.Type, '.'); i > 0 {
		prefix = ev.Type[:i]
	}

	switch prefix {
	case "agent":
		return b.require(ev, ev.AgentID, "agentId", channel.AgentOutput(ev.AgentID))
	case "tool", "safety":
		return b.require(ev, ev.AgentID, "agentId", channel.AgentTools(ev.AgentID))
	case "context":
		return b.require(ev, ev.AgentID, "agentId", channel.AgentState(ev.AgentID))
	case "checkpoint":
		return b.require(ev, ev.AgentID, "agentId", channel.AgentCheckpoints(ev.AgentID))
	case "reservation":
		return b.require(ev, ev.WorkspaceID, "workspaceId", channel.WorkspaceReservations(ev.WorkspaceID))
	case "conflict":
		return b.require(ev, ev.WorkspaceID, "workspaceId", channel.WorkspaceConflicts(ev.WorkspaceID))
	case "git":
		return b.require(ev, ev.WorkspaceID, "workspaceId", channel.WorkspaceGit(ev.WorkspaceID))
	case "fleet", "workspace", "dcg":
		return b.require(ev, ev.WorkspaceID, "workspaceId", channel.WorkspaceAgents(ev.WorkspaceID))
	case "mail":
		return b.require(ev, ev.UserID, "userId", channel.UserMail(ev.UserID))
	case "notification":
		return b.require(ev, ev.UserID, "userId", channel.UserNotifications(ev.UserID))
	case "system", "maintenance":
		return channel.SystemHealth, true
	default:
		b.dropEvent(ev, "unknown event type")
		return "", false
	}
}

func (b *Bridge) require(ev Event, id, field, target string) (string, bool) {
	if id == "" {
		b.dropEvent(ev, "missing "+field)
		return "", false
	}
	return target, true
}

func (b *Bridge) dropEvent(ev Event, reason string) {
	b.logger.WithFields(logging.Fields{
		"event_type": ev.Type,
		"reason":     reason,
	}).Warn("Dropping fleet event")
}

func (b *Bridge) publish(ctx context.Context, target string, ev Event) {
	md := &models.MessageMetadata{
		CorrelationID: ev.CorrelationID,
		AgentID:       ev.AgentID,
		UserID:        ev.UserID,
		WorkspaceID:   ev.WorkspaceID,
	}
	if _, err := b.hub.PublishWithMetadata(ctx, target, models.MessageType(ev.Type), ev.Data, md); err != nil {
		b.logger.WithError(err).WithFields(logging.Fields{
			"event_type": ev.Type,
			"channel":    target,
		}).Error("Failed to publish fleet event")
	}
}

// flushStates delivers one coalesced state batch to the hub.
func (b *Bridge) flushStates(batch []batcher.KeyedEvent[Event]) error {
	for _, item := range batch {
		ev := item.Event
		b.publish(context.Background(), channel.AgentState(ev.AgentID), ev)
	}
	if b.dropped != nil {
		if n := b.states.ResetDroppedCount(); n > 0 {
			b.dropped.Add(float64(n))
		}
	}
	return nil
}

// Flush forces pending state batches out, for tests and shutdown paths.
func (b *Bridge) Flush() {
	b.states.Flush()
}

// Stop flushes and stops the state batcher.
func (b *Bridge) Stop() {
	b.states.Stop()
}
