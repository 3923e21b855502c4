package hub

import (
	"context"

	"agentworks/internal/channel"
)

// AuthContext is the authenticated principal attached to a connection.
type AuthContext struct {
	UserID        string
	WorkspaceIDs  []string
	IsAdmin       bool
	Authenticated bool
}

// AgentResolver answers whether a principal may observe an agent. Agent ids
// are owned by the fleet store, not the hub, so the check is delegated.
type AgentResolver interface {
	CanAccessAgent(ctx context.Context, auth AuthContext, agentID string) bool
}

// Decision is the authorization outcome. Reason is set iff denied.
type Decision struct {
	Allowed bool
	Reason  string
}

func allow() Decision        { return Decision{Allowed: true} }
func deny(r string) Decision { return Decision{Reason: r} }

// Authorize decides channel access for a principal. It is total: every
// (auth, channel) pair yields a Decision and it never panics. URL-embedded
// subscriptions go through the same path as client frames.
func Authorize(ctx context.Context, auth AuthContext, ch channel.Channel, resolver AgentResolver) Decision {
	if !auth.Authenticated {
		return deny("authentication required")
	}
	if auth.IsAdmin {
		return allow()
	}

	switch ch.Scope {
	case channel.ScopeAgent:
		// Without a resolver agent access cannot be proven, so it is denied.
		if resolver == nil {
			return deny("agent access cannot be verified")
		}
		if !resolver.CanAccessAgent(ctx, auth, ch.ID) {
			return deny("no access to agent " + ch.ID)
		}
		return allow()
	case channel.ScopeWorkspace:
		for _, id := range auth.WorkspaceIDs {
			if id == ch.ID {
				return allow()
			}
		}
		return deny("not a member of workspace " + ch.ID)
	case channel.ScopeUser:
		if auth.UserID != "" && auth.UserID == ch.ID {
			return allow()
		}
		return deny("user channel belongs to another user")
	case channel.ScopeSystem:
		return allow()
	default:
		return deny("unknown channel scope")
	}
}
