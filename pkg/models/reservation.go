package models

import "time"

// Reservation status values
const (
	ReservationActive   = "active"
	ReservationReleased = "released"
	ReservationExpired  = "expired"
)

// Reservation modes
const (
	ModeExclusive = "exclusive"
	ModeShared    = "shared"
)

// Conflict status values
const (
	ConflictOpen     = "open"
	ConflictResolved = "resolved"
)

// Reservation is an advisory lock over file patterns within a project.
type Reservation struct {
	ID         string    `json:"id"`
	ProjectID  string    `json:"projectId"`
	AgentID    string    `json:"agentId"`
	Patterns   []string  `json:"patterns"`
	Mode       string    `json:"mode"`
	AcquiredAt time.Time `json:"acquiredAt"`
	ExpiresAt  time.Time `json:"expiresAt"`
	Status     string    `json:"status"`
}

// Conflict records two overlapping reservation requests. Resolved conflicts
// are immutable.
type Conflict struct {
	ConflictID          string     `json:"conflictId"`
	ProjectID           string     `json:"projectId"`
	Requester           string     `json:"requester"`
	Holder              string     `json:"holder"`
	OverlappingPatterns []string   `json:"overlappingPatterns"`
	Status              string     `json:"status"`
	OpenedAt            time.Time  `json:"openedAt"`
	ResolvedAt          *time.Time `json:"resolvedAt,omitempty"`
	ResolvedBy          string     `json:"resolvedBy,omitempty"`
	Reason              string     `json:"reason,omitempty"`
}

// Maintenance modes
const (
	ModeRunning     = "running"
	ModeMaintenance = "maintenance"
	ModeDraining    = "draining"
)

// MaintenanceState is the process-wide lifecycle snapshot published on
// system:maintenance.
type MaintenanceState struct {
	Mode       string     `json:"mode"`
	StartedAt  *time.Time `json:"startedAt,omitempty"`
	DeadlineAt *time.Time `json:"deadlineAt,omitempty"`
	Reason     string     `json:"reason,omitempty"`
	UpdatedAt  time.Time  `json:"updatedAt"`
	UpdatedBy  string     `json:"updatedBy,omitempty"`
}
