package reservation

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"agentworks/pkg/models"
)

// ErrConflictNotFound maps to a 404 on the conflict resolution endpoint.
var ErrConflictNotFound = errors.New("conflict not found")

// Store is the Postgres persistence for reservations and conflicts.
type Store struct {
	db *sql.DB
}

// NewStore wraps db.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// EnsureSchema creates the reservation tables.
func (s *Store) EnsureSchema(ctx context.Context) error {
	const ddl = `
CREATE TABLE IF NOT EXISTS reservations (
	id UUID PRIMARY KEY,
	project_id TEXT NOT NULL,
	agent_id TEXT NOT NULL,
	patterns TEXT[] NOT NULL,
	mode TEXT NOT NULL,
	acquired_at TIMESTAMPTZ NOT NULL,
	expires_at TIMESTAMPTZ NOT NULL,
	status TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS reservations_project_status
	ON reservations (project_id, status);
CREATE TABLE IF NOT EXISTS reservation_conflicts (
	conflict_id UUID PRIMARY KEY,
	project_id TEXT NOT NULL,
	requester TEXT NOT NULL,
	holder TEXT NOT NULL,
	overlapping_patterns TEXT[] NOT NULL,
	status TEXT NOT NULL,
	opened_at TIMESTAMPTZ NOT NULL,
	resolved_at TIMESTAMPTZ,
	resolved_by TEXT NOT NULL DEFAULT '',
	reason TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS conflicts_project_status
	ON reservation_conflicts (project_id, status);
`
	if _, err := s.db.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("ensure reservation schema: %w", err)
	}
	return nil
}

// Insert persists a new reservation.
func (s *Store) Insert(ctx context.Context, r models.Reservation) error {
	const insert = `
INSERT INTO reservations (id, project_id, agent_id, patterns, mode, acquired_at, expires_at, status)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`
	_, err := s.db.ExecContext(ctx, insert,
		r.ID, r.ProjectID, r.AgentID, pq.Array(r.Patterns), r.Mode, r.AcquiredAt, r.ExpiresAt, r.Status)
	if err != nil {
		return fmt.Errorf("insert reservation %s: %w", r.ID, err)
	}
	return nil
}

// ActiveByProject returns the project's active reservations.
func (s *Store) ActiveByProject(ctx context.Context, projectID string) ([]models.Reservation, error) {
	const query = `
SELECT id, project_id, agent_id, patterns, mode, acquired_at, expires_at, status
FROM reservations WHERE project_id = $1 AND status = $2
ORDER BY acquired_at ASC`
	rows, err := s.db.QueryContext(ctx, query, projectID, models.ReservationActive)
	if err != nil {
		return nil, fmt.Errorf("list active reservations for %s: %w", projectID, err)
	}
	defer rows.Close()
	return scanReservations(rows)
}

// Get returns one reservation by id.
func (s *Store) Get(ctx context.Context, id string) (models.Reservation, error) {
	const query = `
SELECT id, project_id, agent_id, patterns, mode, acquired_at, expires_at, status
FROM reservations WHERE id = $1`
	var r models.Reservation
	err := s.db.QueryRowContext(ctx, query, id).Scan(
		&r.ID, &r.ProjectID, &r.AgentID, pq.Array(&r.Patterns), &r.Mode, &r.AcquiredAt, &r.ExpiresAt, &r.Status)
	if err != nil {
		return models.Reservation{}, fmt.Errorf("get reservation %s: %w", id, err)
	}
	return r, nil
}

// SetStatus marks a reservation released or expired. Returns false when the
// reservation was not active (already closed or unknown).
func (s *Store) SetStatus(ctx context.Context, id, status string) (bool, error) {
	const update = `UPDATE reservations SET status = $2 WHERE id = $1 AND status = $3`
	res, err := s.db.ExecContext(ctx, update, id, status, models.ReservationActive)
	if err != nil {
		return false, fmt.Errorf("set reservation %s status: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("set reservation %s status: %w", id, err)
	}
	return n > 0, nil
}

// ExpireDue marks every active reservation past its deadline as expired and
// returns them.
func (s *Store) ExpireDue(ctx context.Context, now time.Time) ([]models.Reservation, error) {
	const update = `
UPDATE reservations SET status = $1
WHERE status = $2 AND expires_at <= $3
RETURNING id, project_id, agent_id, patterns, mode, acquired_at, expires_at, status`
	rows, err := s.db.QueryContext(ctx, update, models.ReservationExpired, models.ReservationActive, now)
	if err != nil {
		return nil, fmt.Errorf("expire due reservations: %w", err)
	}
	defer rows.Close()
	return scanReservations(rows)
}

func scanReservations(rows *sql.Rows) ([]models.Reservation, error) {
	var out []models.Reservation
	for rows.Next() {
		var r models.Reservation
		if err := rows.Scan(&r.ID, &r.ProjectID, &r.AgentID, pq.Array(&r.Patterns),
			&r.Mode, &r.AcquiredAt, &r.ExpiresAt, &r.Status); err != nil {
			return nil, fmt.Errorf("scan reservation: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate reservations: %w", err)
	}
	return out, nil
}

// FindOpenConflict looks for an open conflict with the same identity tuple,
// so repeated refusals reuse one record.
func (s *Store) FindOpenConflict(ctx context.Context, projectID, requester, holder string, patterns []string) (models.Conflict, bool, error) {
	const query = `
SELECT conflict_id, project_id, requester, holder, overlapping_patterns, status, opened_at, resolved_at, resolved_by, reason
FROM reservation_conflicts
WHERE project_id = $1 AND requester = $2 AND holder = $3
	AND overlapping_patterns = $4 AND status = $5`
	var c models.Conflict
	err := s.db.QueryRowContext(ctx, query, projectID, requester, holder, pq.Array(patterns), models.ConflictOpen).Scan(
		&c.ConflictID, &c.ProjectID, &c.Requester, &c.Holder, pq.Array(&c.OverlappingPatterns),
		&c.Status, &c.OpenedAt, &c.ResolvedAt, &c.ResolvedBy, &c.Reason)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Conflict{}, false, nil
	}
	if err != nil {
		return models.Conflict{}, false, fmt.Errorf("find open conflict: %w", err)
	}
	return c, true, nil
}

// InsertConflict persists a new open conflict.
func (s *Store) InsertConflict(ctx context.Context, c models.Conflict) error {
	const insert = `
INSERT INTO reservation_conflicts (conflict_id, project_id, requester, holder, overlapping_patterns, status, opened_at)
VALUES ($1, $2, $3, $4, $5, $6, $7)`
	_, err := s.db.ExecContext(ctx, insert,
		c.ConflictID, c.ProjectID, c.Requester, c.Holder, pq.Array(c.OverlappingPatterns), c.Status, c.OpenedAt)
	if err != nil {
		return fmt.Errorf("insert conflict %s: %w", c.ConflictID, err)
	}
	return nil
}

// GetConflict returns one conflict by id, ErrConflictNotFound when unknown.
func (s *Store) GetConflict(ctx context.Context, conflictID string) (models.Conflict, error) {
	const query = `
SELECT conflict_id, project_id, requester, holder, overlapping_patterns, status, opened_at, resolved_at, resolved_by, reason
FROM reservation_conflicts WHERE conflict_id = $1`
	var c models.Conflict
	err := s.db.QueryRowContext(ctx, query, conflictID).Scan(
		&c.ConflictID, &c.ProjectID, &c.Requester, &c.Holder, pq.Array(&c.OverlappingPatterns),
		&c.Status, &c.OpenedAt, &c.ResolvedAt, &c.ResolvedBy, &c.Reason)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Conflict{}, ErrConflictNotFound
	}
	if err != nil {
		return models.Conflict{}, fmt.Errorf("get conflict %s: %w", conflictID, err)
	}
	return c, nil
}

// MarkConflictResolved transitions an open conflict to resolved. Returns
// false when the conflict was already resolved.
func (s *Store) MarkConflictResolved(ctx context.Context, conflictID, resolvedBy, reason string, at time.Time) (bool, error) {
	const update = `
UPDATE reservation_conflicts
SET status = $2, resolved_at = $3, resolved_by = $4, reason = $5
WHERE conflict_id = $1 AND status = $6`
	res, err := s.db.ExecContext(ctx, update, conflictID, models.ConflictResolved, at, resolvedBy, reason, models.ConflictOpen)
	if err != nil {
		return false, fmt.Errorf("resolve conflict %s: %w", conflictID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("resolve conflict %s: %w", conflictID, err)
	}
	return n > 0, nil
}

// ListConflicts returns the project's conflicts, optionally filtered by
// status.
func (s *Store) ListConflicts(ctx context.Context, projectID, status string) ([]models.Conflict, error) {
	query := `
SELECT conflict_id, project_id, requester, holder, overlapping_patterns, status, opened_at, resolved_at, resolved_by, reason
FROM reservation_conflicts WHERE project_id = $1`
	args := []interface{}{projectID}
	if status != "" {
		query += ` AND status = $2`
		args = append(args, status)
	}
	query += ` ORDER BY opened_at DESC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list conflicts for %s: %w", projectID, err)
	}
	defer rows.Close()

	var out []models.Conflict
	for rows.Next() {
		var c models.Conflict
		if err := rows.Scan(&c.ConflictID, &c.ProjectID, &c.Requester, &c.Holder, pq.Array(&c.OverlappingPatterns),
			&c.Status, &c.OpenedAt, &c.ResolvedAt, &c.ResolvedBy, &c.Reason); err != nil {
			return nil, fmt.Errorf("scan conflict: %w", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate conflicts: %w", err)
	}
	return out, nil
}
