package handlers

import (
	"context"
	"database/sql"

	"agentworks/internal/hub"
	"agentworks/pkg/logging"
)

// AgentResolver answers agent-access checks against the fleet registry in
// Postgres. An agent is visible to a principal when the agent's workspace is
// one of the principal's workspaces.
type AgentResolver struct {
	db     *sql.DB
	logger logging.Entry
}

// NewAgentResolver creates the resolver and ensures the registry table exists.
func NewAgentResolver(db *sql.DB, logger logging.Logger) *AgentResolver {
	return &AgentResolver{db: db, logger: logging.WithComponent(logger, "agent_resolver")}
}

// EnsureSchema creates the agents registry table.
func (r *AgentResolver) EnsureSchema(ctx context.Context) error {
	_, err := r.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS agents (
			agent_id     TEXT PRIMARY KEY,
			workspace_id TEXT NOT NULL,
			name         TEXT NOT NULL DEFAULT '',
			created_at   TIMESTAMP NOT NULL DEFAULT NOW()
		)`)
	if err != nil {
		return err
	}
	_, err = r.db.ExecContext(ctx, `
		CREATE INDEX IF NOT EXISTS agents_workspace_idx ON agents (workspace_id)`)
	return err
}

// CanAccessAgent reports whether the principal's workspaces include the
// agent's workspace. Unknown agents and lookup failures deny.
func (r *AgentResolver) CanAccessAgent(ctx context.Context, auth hub.AuthContext, agentID string) bool {
	var workspaceID string
	err := r.db.QueryRowContext(ctx,
		`SELECT workspace_id FROM agents WHERE agent_id = $1`, agentID).Scan(&workspaceID)
	if err == sql.ErrNoRows {
		return false
	}
	if err != nil {
		r.logger.WithError(err).WithField("agent_id", agentID).Error("Agent lookup failed")
		return false
	}
	for _, ws := range auth.WorkspaceIDs {
		if ws == workspaceID {
			return true
		}
	}
	return false
}
