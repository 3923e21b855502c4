// Package handlers wires the HTTP surface: WebSocket upgrades, the
// reservation REST API, maintenance administration and hub stats.
package handlers

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"agentworks/internal/channel"
	"agentworks/internal/hub"
	"agentworks/internal/maintenance"
	"agentworks/internal/reservation"
	"agentworks/pkg/api/common"
	"agentworks/pkg/auth"
	"agentworks/pkg/logging"
)

// Handlers carries the service dependencies for all routes.
type Handlers struct {
	hub         *hub.Hub
	engine      *reservation.Engine
	coordinator *maintenance.Coordinator
	jwtSecret   []byte
	logger      logging.Entry
	upgrader    websocket.Upgrader
}

// New creates the handler set.
func New(h *hub.Hub, engine *reservation.Engine, coordinator *maintenance.Coordinator, jwtSecret []byte, logger logging.Logger) *Handlers {
	return &Handlers{
		hub:         h,
		engine:      engine,
		coordinator: coordinator,
		jwtSecret:   jwtSecret,
		logger:      logging.WithComponent(logger, "handlers"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Browser clients connect cross-origin from the fleet UI; auth
			// is the JWT, not the Origin header.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// authContext builds the hub principal from the request's JWT. WebSocket
// browser clients cannot set headers, so the token may ride the query
// string.
func (h *Handlers) authContext(r *http.Request) hub.AuthContext {
	claims, err := auth.ClaimsFromRequest(r, h.jwtSecret)
	if err != nil {
		return hub.AuthContext{}
	}
	return hub.AuthContext{
		UserID:        claims.UserID,
		WorkspaceIDs:  claims.WorkspaceIDs,
		IsAdmin:       claims.IsAdmin,
		Authenticated: true,
	}
}

// HandleWebSocket upgrades GET /ws.
func (h *Handlers) HandleWebSocket(c *gin.Context) {
	h.serveWebSocket(c, nil)
}

// HandleAgentWebSocket upgrades GET /agents/:id/ws with the agent's channels
// pre-registered. URL-derived subscriptions are not trusted: they pass the
// same authorization as client frames.
func (h *Handlers) HandleAgentWebSocket(c *gin.Context) {
	agentID := c.Param("id")
	h.serveWebSocket(c, []string{
		channel.AgentOutput(agentID),
		channel.AgentState(agentID),
		channel.AgentTools(agentID),
	})
}

func (h *Handlers) serveWebSocket(c *gin.Context, preSubscribe []string) {
	if !h.coordinator.Accepting() {
		common.RespondError(c, http.StatusServiceUnavailable, common.CodeUnavailable,
			"service is not accepting connections", nil)
		return
	}

	authCtx := h.authContext(c.Request)
	if !authCtx.Authenticated {
		common.RespondError(c, http.StatusUnauthorized, "AUTH_REQUIRED", "valid bearer token required", nil)
		return
	}

	sock, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.WithError(err).Warn("WebSocket upgrade failed")
		return
	}

	conn := h.hub.AddConnection(authCtx, sock)
	ctx := context.Background()
	for _, ch := range preSubscribe {
		h.hub.Subscribe(ctx, conn, ch, "")
	}
	h.hub.ReadLoop(ctx, conn)
}

// HandleStats serves GET /ws/stats.
func (h *Handlers) HandleStats(c *gin.Context) {
	common.Respond(c, http.StatusOK, "hub.stats", h.hub.GetStats())
}

// HandleNotFound answers unknown routes with the canonical error envelope.
func (h *Handlers) HandleNotFound(c *gin.Context) {
	common.RespondError(c, http.StatusNotFound, common.CodeNotFound, "endpoint not found", nil)
}
