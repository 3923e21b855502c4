package models

// Hub event types. This is a closed enum: the hub refuses nothing at publish
// time (internal callers are trusted) but clients and tests key off these
// exact strings, so additions are append-only.
const (
	// Agent output
	TypeAgentOutput      MessageType = "agent.output"
	TypeAgentOutputDelta MessageType = "agent.output_delta"
	TypeAgentThinking    MessageType = "agent.thinking"
	TypeAgentResult      MessageType = "agent.result"
	TypeAgentError       MessageType = "agent.error"

	// Agent state
	TypeAgentStateSnapshot MessageType = "agent.state_snapshot"
	TypeAgentStateChanged  MessageType = "agent.state_changed"
	TypeAgentStarted       MessageType = "agent.started"
	TypeAgentStopped       MessageType = "agent.stopped"
	TypeAgentInterrupted   MessageType = "agent.interrupted"
	TypeAgentIdle          MessageType = "agent.idle"
	TypeAgentWaitingInput  MessageType = "agent.waiting_input"
	TypeAgentSessionInfo   MessageType = "agent.session_info"

	// Agent driver acks
	TypeAgentMessageQueued MessageType = "agent.message_queued"
	TypeAgentInputReceived MessageType = "agent.input_received"
	TypeAgentPaused        MessageType = "agent.paused"
	TypeAgentResumed       MessageType = "agent.resumed"
	TypeAgentTerminated    MessageType = "agent.terminated"

	// Tool calls
	TypeToolCallStarted  MessageType = "tool.call_started"
	TypeToolCallProgress MessageType = "tool.call_progress"
	TypeToolCallFinished MessageType = "tool.call_finished"
	TypeToolCallFailed   MessageType = "tool.call_failed"
	TypeToolApprovalAsk  MessageType = "tool.approval_requested"
	TypeToolApprovalSet  MessageType = "tool.approval_resolved"

	// Checkpoints
	TypeCheckpointCreated   MessageType = "checkpoint.created"
	TypeCheckpointRestored  MessageType = "checkpoint.restored"
	TypeCheckpointDeleted   MessageType = "checkpoint.deleted"
	TypeCheckpointDiffReady MessageType = "checkpoint.diff_ready"

	// Reservations
	TypeReservationAcquired MessageType = "reservation.acquired"
	TypeReservationReleased MessageType = "reservation.released"
	TypeReservationExpired  MessageType = "reservation.expired"

	// Conflicts
	TypeConflictOpened   MessageType = "conflict.opened"
	TypeConflictResolved MessageType = "conflict.resolved"

	// Dependency/change graph
	TypeDcgNodeAdded    MessageType = "dcg.node_added"
	TypeDcgNodeRemoved  MessageType = "dcg.node_removed"
	TypeDcgEdgeAdded    MessageType = "dcg.edge_added"
	TypeDcgBlockCreated MessageType = "dcg.block_created"
	TypeDcgBlockCleared MessageType = "dcg.block_cleared"

	// Safety
	TypeSafetyBlocked       MessageType = "safety.blocked"
	TypeSafetyOverride      MessageType = "safety.override"
	TypeSafetyAllowlist     MessageType = "safety.allowlist_updated"
	TypeSafetyPolicyUpdated MessageType = "safety.policy_updated"

	// Context health
	TypeContextHealth    MessageType = "context.health"
	TypeContextEmergency MessageType = "context.emergency"
	TypeContextCompacted MessageType = "context.compacted"
	TypeContextPruned    MessageType = "context.pruned"

	// Workspace / fleet
	TypeFleetAgentAdded   MessageType = "fleet.agent_added"
	TypeFleetAgentRemoved MessageType = "fleet.agent_removed"
	TypeFleetStatus       MessageType = "fleet.status"
	TypeFleetRebalanced   MessageType = "fleet.rebalanced"
	TypeWorkspaceUpdated  MessageType = "workspace.updated"
	TypeWorkspaceArchived MessageType = "workspace.archived"

	// Git
	TypeGitStatusChanged MessageType = "git.status_changed"
	TypeGitBranchChanged MessageType = "git.branch_changed"
	TypeGitCommitCreated MessageType = "git.commit_created"
	TypeGitPushCompleted MessageType = "git.push_completed"
	TypeGitMergeConflict MessageType = "git.merge_conflict"

	// Mail / notifications
	TypeMailReceived        MessageType = "mail.received"
	TypeMailRead            MessageType = "mail.read"
	TypeNotificationCreated MessageType = "notification.created"
	TypeNotificationCleared MessageType = "notification.cleared"

	// System
	TypeSystemHealth            MessageType = "system.health"
	TypeMaintenanceStateChanged MessageType = "maintenance.state_changed"
	TypeSystemShutdown          MessageType = "system.shutdown"
)
