// Package reservation implements advisory file locks for coding agents. An
// agent reserves glob patterns within a project; overlapping exclusive
// requests from different agents are refused and recorded as conflicts.
package reservation

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"agentworks/pkg/logging"
	"agentworks/pkg/models"
)

const (
	defaultTTL    = 15 * time.Minute
	sweepInterval = 30 * time.Second
)

// Publisher is the hub surface the engine publishes lifecycle events through.
type Publisher interface {
	Publish(ctx context.Context, channel string, msgType models.MessageType, payload interface{}) (models.HubMessage, error)
}

// AcquireRequest is the input to Acquire.
type AcquireRequest struct {
	ProjectID  string
	AgentID    string
	Patterns   []string
	Mode       string
	TTLSeconds int
}

// Engine serializes reservation decisions per project. The overlap check and
// the insert must be atomic with respect to other acquires on the same
// project; different projects never contend.
type Engine struct {
	store    *Store
	pub      Publisher
	logger   logging.Entry
	projects sync.Map // projectID -> *sync.Mutex
}

// NewEngine creates the engine.
func NewEngine(store *Store, pub Publisher, logger logging.Logger) *Engine {
	return &Engine{
		store:  store,
		pub:    pub,
		logger: logging.WithComponent(logger, "reservations"),
	}
}

func (e *Engine) projectLock(projectID string) *sync.Mutex {
	l, _ := e.projects.LoadOrStore(projectID, &sync.Mutex{})
	return l.(*sync.Mutex)
}

// Acquire grants the reservation or refuses with an open conflict. A refusal
// returns (zero reservation, conflict, nil); the conflict record is reused
// when an identical open one already exists.
func (e *Engine) Acquire(ctx context.Context, req AcquireRequest) (models.Reservation, *models.Conflict, error) {
	if req.Mode == "" {
		req.Mode = models.ModeExclusive
	}
	ttl := defaultTTL
	if req.TTLSeconds > 0 {
		ttl = time.Duration(req.TTLSeconds) * time.Second
	}

	lock := e.projectLock(req.ProjectID)
	lock.Lock()
	defer lock.Unlock()

	active, err := e.store.ActiveByProject(ctx, req.ProjectID)
	if err != nil {
		return models.Reservation{}, nil, err
	}

	for _, held := range active {
		if held.AgentID == req.AgentID {
			continue
		}
		// Shared reservations coexist; a collision needs an exclusive side.
		if held.Mode != models.ModeExclusive && req.Mode != models.ModeExclusive {
			continue
		}
		collided := overlapping(req.Patterns, held.Patterns)
		if len(collided) == 0 {
			continue
		}
		conflict, err := e.openConflict(ctx, req, held, collided)
		if err != nil {
			return models.Reservation{}, nil, err
		}
		return models.Reservation{}, &conflict, nil
	}

	now := time.Now()
	res := models.Reservation{
		ID:         uuid.NewString(),
		ProjectID:  req.ProjectID,
		AgentID:    req.AgentID,
		Patterns:   req.Patterns,
		Mode:       req.Mode,
		AcquiredAt: now,
		ExpiresAt:  now.Add(ttl),
		Status:     models.ReservationActive,
	}
	if err := e.store.Insert(ctx, res); err != nil {
		return models.Reservation{}, nil, err
	}

	e.publish(ctx, "workspace:reservations:"+req.ProjectID, models.TypeReservationAcquired, res)
	e.logger.WithFields(logging.Fields{
		"reservation_id": res.ID,
		"project_id":     res.ProjectID,
		"agent_id":       res.AgentID,
	}).Info("Reservation acquired")
	return res, nil, nil
}

// openConflict reuses an identical open conflict or records a new one and
// publishes conflict.opened.
func (e *Engine) openConflict(ctx context.Context, req AcquireRequest, held models.Reservation, patterns []string) (models.Conflict, error) {
	existing, found, err := e.store.FindOpenConflict(ctx, req.ProjectID, req.AgentID, held.AgentID, patterns)
	if err != nil {
		return models.Conflict{}, err
	}
	if found {
		return existing, nil
	}

	conflict := models.Conflict{
		ConflictID:          uuid.NewString(),
		ProjectID:           req.ProjectID,
		Requester:           req.AgentID,
		Holder:              held.AgentID,
		OverlappingPatterns: patterns,
		Status:              models.ConflictOpen,
		OpenedAt:            time.Now(),
	}
	if err := e.store.InsertConflict(ctx, conflict); err != nil {
		return models.Conflict{}, err
	}

	e.publish(ctx, "workspace:conflicts:"+req.ProjectID, models.TypeConflictOpened, conflict)
	e.logger.WithFields(logging.Fields{
		"conflict_id": conflict.ConflictID,
		"project_id":  conflict.ProjectID,
		"requester":   conflict.Requester,
		"holder":      conflict.Holder,
	}).Warn("Reservation conflict opened")
	return conflict, nil
}

// Release closes a reservation explicitly. Releasing an already closed or
// unknown reservation is a no-op.
func (e *Engine) Release(ctx context.Context, id string) error {
	res, err := e.store.Get(ctx, id)
	if err != nil {
		return err
	}

	changed, err := e.store.SetStatus(ctx, id, models.ReservationReleased)
	if err != nil {
		return err
	}
	if !changed {
		return nil
	}

	res.Status = models.ReservationReleased
	e.publish(ctx, "workspace:reservations:"+res.ProjectID, models.TypeReservationReleased, res)
	return nil
}

// List returns the project's active reservations.
func (e *Engine) List(ctx context.Context, projectID string) ([]models.Reservation, error) {
	return e.store.ActiveByProject(ctx, projectID)
}

// ListConflicts returns the project's conflicts, optionally filtered by
// status.
func (e *Engine) ListConflicts(ctx context.Context, projectID, status string) ([]models.Conflict, error) {
	return e.store.ListConflicts(ctx, projectID, status)
}

// ResolveConflict marks an open conflict resolved and publishes
// conflict.resolved. Resolved conflicts are immutable: resolving again
// returns the stored record unchanged.
func (e *Engine) ResolveConflict(ctx context.Context, conflictID, resolvedBy, reason string) (models.Conflict, error) {
	changed, err := e.store.MarkConflictResolved(ctx, conflictID, resolvedBy, reason, time.Now())
	if err != nil {
		return models.Conflict{}, err
	}

	conflict, err := e.store.GetConflict(ctx, conflictID)
	if err != nil {
		return models.Conflict{}, err
	}
	if changed {
		e.publish(ctx, "workspace:conflicts:"+conflict.ProjectID, models.TypeConflictResolved, conflict)
	}
	return conflict, nil
}

// SweepExpired runs the expiry pass once, publishing reservation.expired for
// every reservation past its deadline.
func (e *Engine) SweepExpired(ctx context.Context) error {
	expired, err := e.store.ExpireDue(ctx, time.Now())
	if err != nil {
		return err
	}
	for _, res := range expired {
		e.publish(ctx, "workspace:reservations:"+res.ProjectID, models.TypeReservationExpired, res)
	}
	if len(expired) > 0 {
		e.logger.WithField("count", len(expired)).Info("Expired reservations swept")
	}
	return nil
}

// RunSweeper blocks until ctx is cancelled, sweeping on a fixed tick.
func (e *Engine) RunSweeper(ctx context.Context) {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := e.SweepExpired(ctx); err != nil {
				e.logger.WithError(err).Error("Expiry sweep failed")
			}
		}
	}
}

func (e *Engine) publish(ctx context.Context, channel string, msgType models.MessageType, payload interface{}) {
	if e.pub == nil {
		return
	}
	if _, err := e.pub.Publish(ctx, channel, msgType, payload); err != nil {
		e.logger.WithError(err).WithField("channel", channel).Error("Failed to publish reservation event")
	}
}
