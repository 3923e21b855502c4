// Package maintenance owns the process-wide lifecycle: running, maintenance,
// draining. Transitions publish a state snapshot on system:maintenance before
// any sockets are closed, so subscribers learn why they are about to drop.
package maintenance

import (
	"context"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"

	"agentworks/pkg/api/common"
	"agentworks/pkg/logging"
	"agentworks/pkg/models"
)

// Close codes are stable: 1013 for maintenance, 1012 for draining. 1011 is
// reserved for heartbeat/abnormal closes and must not be used here.
const (
	CloseCodeMaintenance = 1013
	CloseCodeDraining    = 1012

	ReasonMaintenance = "maintenance"
	ReasonDraining    = "draining"
)

const defaultRetryAfterSeconds = 30

// Fabric is the slice of the hub the coordinator needs.
type Fabric interface {
	Publish(ctx context.Context, channel string, msgType models.MessageType, payload interface{}) (models.HubMessage, error)
	CloseAll(code int, reason string)
}

// Coordinator serializes lifecycle transitions.
type Coordinator struct {
	mu         sync.Mutex
	state      models.MaintenanceState
	drainTimer *time.Timer

	inflight atomic.Int64

	fabric Fabric
	logger logging.Entry
}

// NewCoordinator starts in running mode.
func NewCoordinator(fabric Fabric, logger logging.Logger) *Coordinator {
	return &Coordinator{
		state:  models.MaintenanceState{Mode: models.ModeRunning, UpdatedAt: time.Now()},
		fabric: fabric,
		logger: logging.WithComponent(logger, "maintenance"),
	}
}

// EnterMaintenance publishes the new state, then force-closes every
// connection with 1013.
func (c *Coordinator) EnterMaintenance(ctx context.Context, updatedBy, reason string) models.MaintenanceState {
	c.mu.Lock()
	c.cancelDrainLocked()
	now := time.Now()
	c.state = models.MaintenanceState{
		Mode:      models.ModeMaintenance,
		StartedAt: &now,
		Reason:    reason,
		UpdatedAt: now,
		UpdatedBy: updatedBy,
	}
	snapshot := c.state
	c.mu.Unlock()

	c.logger.WithFields(logging.Fields{"reason": reason, "updated_by": updatedBy}).Warn("Entering maintenance")
	c.publish(ctx, snapshot)
	c.fabric.CloseAll(CloseCodeMaintenance, ReasonMaintenance)
	return snapshot
}

// StartDraining publishes the new state and schedules the forced close for
// the deadline. New connections and subscribes are denied immediately;
// existing deliveries continue until the deadline.
func (c *Coordinator) StartDraining(ctx context.Context, updatedBy, reason string, deadlineSeconds int) models.MaintenanceState {
	if deadlineSeconds < 0 {
		deadlineSeconds = 0
	}

	c.mu.Lock()
	c.cancelDrainLocked()
	now := time.Now()
	deadline := now.Add(time.Duration(deadlineSeconds) * time.Second)
	c.state = models.MaintenanceState{
		Mode:       models.ModeDraining,
		StartedAt:  &now,
		DeadlineAt: &deadline,
		Reason:     reason,
		UpdatedAt:  now,
		UpdatedBy:  updatedBy,
	}
	snapshot := c.state
	c.drainTimer = time.AfterFunc(time.Duration(deadlineSeconds)*time.Second, func() {
		c.fabric.CloseAll(CloseCodeDraining, ReasonDraining)
	})
	c.mu.Unlock()

	c.logger.WithFields(logging.Fields{
		"reason":           reason,
		"updated_by":       updatedBy,
		"deadline_seconds": deadlineSeconds,
	}).Warn("Draining started")
	c.publish(ctx, snapshot)
	return snapshot
}

// ExitMaintenance returns to running and publishes the new state. Any pending
// drain deadline is cancelled.
func (c *Coordinator) ExitMaintenance(ctx context.Context, updatedBy string) models.MaintenanceState {
	c.mu.Lock()
	c.cancelDrainLocked()
	c.state = models.MaintenanceState{
		Mode:      models.ModeRunning,
		UpdatedAt: time.Now(),
		UpdatedBy: updatedBy,
	}
	snapshot := c.state
	c.mu.Unlock()

	c.logger.WithField("updated_by", updatedBy).Info("Exiting maintenance")
	c.publish(ctx, snapshot)
	return snapshot
}

// cancelDrainLocked stops a pending drain close. Caller holds c.mu.
func (c *Coordinator) cancelDrainLocked() {
	if c.drainTimer != nil {
		c.drainTimer.Stop()
		c.drainTimer = nil
	}
}

func (c *Coordinator) publish(ctx context.Context, snapshot models.MaintenanceState) {
	if _, err := c.fabric.Publish(ctx, "system:maintenance", models.TypeMaintenanceStateChanged, snapshot); err != nil {
		c.logger.WithError(err).Error("Failed to publish maintenance state")
	}
}

// State returns the current snapshot.
func (c *Coordinator) State() models.MaintenanceState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Accepting reports whether new connections and subscriptions are allowed.
func (c *Coordinator) Accepting() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state.Mode == models.ModeRunning
}

// RetryAfterSeconds derives the Retry-After hint from the drain deadline,
// falling back to a fixed hint in maintenance mode.
func (c *Coordinator) RetryAfterSeconds() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state.Mode == models.ModeDraining && c.state.DeadlineAt != nil {
		secs := int(time.Until(*c.state.DeadlineAt).Seconds()) + 1
		if secs < 1 {
			secs = 1
		}
		return secs
	}
	return defaultRetryAfterSeconds
}

// InflightHTTPRequests returns the live request count tracked by Middleware.
func (c *Coordinator) InflightHTTPRequests() int64 {
	return c.inflight.Load()
}

// Middleware counts in-flight requests and rejects new work with 503 and a
// Retry-After header while not in running mode. Mount it on groups that
// accept new work; health and admin routes stay outside it.
func (c *Coordinator) Middleware() gin.HandlerFunc {
	return func(ctx *gin.Context) {
		c.inflight.Add(1)
		defer c.inflight.Add(-1)

		if !c.Accepting() {
			state := c.State()
			ctx.Header("Retry-After", strconv.Itoa(c.RetryAfterSeconds()))
			common.RespondError(ctx, http.StatusServiceUnavailable, common.CodeUnavailable,
				"service is in "+state.Mode+" mode", nil)
			ctx.Abort()
			return
		}
		ctx.Next()
	}
}
