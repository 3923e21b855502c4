package handlers

import (
	"database/sql"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"agentworks/internal/reservation"
	"agentworks/pkg/api/common"
	"agentworks/pkg/models"
)

type acquireRequest struct {
	ProjectID  string   `json:"projectId"`
	AgentID    string   `json:"agentId"`
	Patterns   []string `json:"patterns"`
	Mode       string   `json:"mode"`
	TTLSeconds int      `json:"ttlSeconds"`
}

func (r acquireRequest) validate() []common.FieldError {
	var fields []common.FieldError
	if r.ProjectID == "" {
		fields = append(fields, common.FieldError{Path: "projectId", Message: "required", Code: "required"})
	}
	if r.AgentID == "" {
		fields = append(fields, common.FieldError{Path: "agentId", Message: "required", Code: "required"})
	}
	if len(r.Patterns) == 0 {
		fields = append(fields, common.FieldError{Path: "patterns", Message: "at least one pattern required", Code: "required"})
	}
	if r.Mode != "" && r.Mode != models.ModeExclusive && r.Mode != models.ModeShared {
		fields = append(fields, common.FieldError{Path: "mode", Message: "must be exclusive or shared", Code: "invalid"})
	}
	if r.TTLSeconds < 0 {
		fields = append(fields, common.FieldError{Path: "ttlSeconds", Message: "must be positive", Code: "invalid"})
	}
	return fields
}

// HandleAcquireReservation serves POST /reservations. An overlap with
// another agent's exclusive reservation refuses with 409 and the open
// conflict id.
func (h *Handlers) HandleAcquireReservation(c *gin.Context) {
	var req acquireRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		common.RespondError(c, http.StatusBadRequest, common.CodeInvalidRequest, "invalid JSON body", nil)
		return
	}
	if fields := req.validate(); len(fields) > 0 {
		common.RespondValidationError(c, "invalid reservation request", fields)
		return
	}

	res, conflict, err := h.engine.Acquire(c.Request.Context(), reservation.AcquireRequest{
		ProjectID:  req.ProjectID,
		AgentID:    req.AgentID,
		Patterns:   req.Patterns,
		Mode:       req.Mode,
		TTLSeconds: req.TTLSeconds,
	})
	if err != nil {
		h.logger.WithError(err).Error("Reservation acquire failed")
		common.RespondError(c, http.StatusInternalServerError, common.CodeInternalError, "failed to acquire reservation", nil)
		return
	}
	if conflict != nil {
		common.RespondError(c, http.StatusConflict, common.CodeConflict,
			"patterns overlap an existing reservation", map[string]interface{}{
				"conflictId":          conflict.ConflictID,
				"holder":              conflict.Holder,
				"overlappingPatterns": conflict.OverlappingPatterns,
			})
		return
	}
	common.Respond(c, http.StatusCreated, "reservation", res)
}

// HandleReleaseReservation serves DELETE /reservations/:id.
func (h *Handlers) HandleReleaseReservation(c *gin.Context) {
	err := h.engine.Release(c.Request.Context(), c.Param("id"))
	if errors.Is(err, sql.ErrNoRows) {
		common.RespondError(c, http.StatusNotFound, common.CodeNotFound, "reservation not found", nil)
		return
	}
	if err != nil {
		h.logger.WithError(err).Error("Reservation release failed")
		common.RespondError(c, http.StatusInternalServerError, common.CodeInternalError, "failed to release reservation", nil)
		return
	}
	common.Respond(c, http.StatusOK, "reservation.released", gin.H{"id": c.Param("id")})
}

// HandleListReservations serves GET /reservations?projectId=.
func (h *Handlers) HandleListReservations(c *gin.Context) {
	projectID := c.Query("projectId")
	if projectID == "" {
		common.RespondValidationError(c, "invalid reservation query", []common.FieldError{
			{Path: "projectId", Message: "required", Code: "required"},
		})
		return
	}

	list, err := h.engine.List(c.Request.Context(), projectID)
	if err != nil {
		h.logger.WithError(err).Error("Reservation list failed")
		common.RespondError(c, http.StatusInternalServerError, common.CodeInternalError, "failed to list reservations", nil)
		return
	}
	if list == nil {
		list = []models.Reservation{}
	}
	common.Respond(c, http.StatusOK, "reservation.list", list)
}

// HandleListConflicts serves GET /reservations/conflicts?projectId=&status=.
func (h *Handlers) HandleListConflicts(c *gin.Context) {
	projectID := c.Query("projectId")
	if projectID == "" {
		common.RespondValidationError(c, "invalid conflict query", []common.FieldError{
			{Path: "projectId", Message: "required", Code: "required"},
		})
		return
	}
	status := c.Query("status")
	if status != "" && status != models.ConflictOpen && status != models.ConflictResolved {
		common.RespondValidationError(c, "invalid conflict query", []common.FieldError{
			{Path: "status", Message: "must be open or resolved", Code: "invalid"},
		})
		return
	}

	list, err := h.engine.ListConflicts(c.Request.Context(), projectID, status)
	if err != nil {
		h.logger.WithError(err).Error("Conflict list failed")
		common.RespondError(c, http.StatusInternalServerError, common.CodeInternalError, "failed to list conflicts", nil)
		return
	}
	if list == nil {
		list = []models.Conflict{}
	}
	common.Respond(c, http.StatusOK, "conflict.list", list)
}

type resolveRequest struct {
	ResolvedBy string `json:"resolvedBy"`
	Reason     string `json:"reason"`
}

// HandleResolveConflict serves POST /reservations/conflicts/:id/resolve.
func (h *Handlers) HandleResolveConflict(c *gin.Context) {
	var req resolveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		common.RespondError(c, http.StatusBadRequest, common.CodeInvalidRequest, "invalid JSON body", nil)
		return
	}
	if req.ResolvedBy == "" {
		common.RespondValidationError(c, "invalid resolve request", []common.FieldError{
			{Path: "resolvedBy", Message: "required", Code: "required"},
		})
		return
	}

	conflict, err := h.engine.ResolveConflict(c.Request.Context(), c.Param("id"), req.ResolvedBy, req.Reason)
	if errors.Is(err, reservation.ErrConflictNotFound) {
		common.RespondError(c, http.StatusNotFound, common.CodeConflictNotFound, "conflict not found", nil)
		return
	}
	if err != nil {
		h.logger.WithError(err).Error("Conflict resolve failed")
		common.RespondError(c, http.StatusInternalServerError, common.CodeInternalError, "failed to resolve conflict", nil)
		return
	}
	common.Respond(c, http.StatusOK, "conflict", conflict)
}
