package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"agentworks/pkg/api/common"
)

type maintenanceRequest struct {
	Reason          string `json:"reason"`
	DeadlineSeconds int    `json:"deadlineSeconds"`
	UpdatedBy       string `json:"updatedBy"`
}

// HandleMaintenanceState serves GET /admin/maintenance.
func (h *Handlers) HandleMaintenanceState(c *gin.Context) {
	common.Respond(c, http.StatusOK, "maintenance", gin.H{
		"state":                h.coordinator.State(),
		"inflightHttpRequests": h.coordinator.InflightHTTPRequests(),
	})
}

// HandleEnterMaintenance serves POST /admin/maintenance/enter.
func (h *Handlers) HandleEnterMaintenance(c *gin.Context) {
	var req maintenanceRequest
	_ = c.ShouldBindJSON(&req)
	state := h.coordinator.EnterMaintenance(c.Request.Context(), req.UpdatedBy, req.Reason)
	common.Respond(c, http.StatusOK, "maintenance", state)
}

// HandleStartDraining serves POST /admin/maintenance/drain.
func (h *Handlers) HandleStartDraining(c *gin.Context) {
	var req maintenanceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		common.RespondError(c, http.StatusBadRequest, common.CodeInvalidRequest, "invalid JSON body", nil)
		return
	}
	if req.DeadlineSeconds <= 0 {
		common.RespondValidationError(c, "invalid drain request", []common.FieldError{
			{Path: "deadlineSeconds", Message: "must be positive", Code: "invalid"},
		})
		return
	}
	h.hub.MarkAllDraining()
	state := h.coordinator.StartDraining(c.Request.Context(), req.UpdatedBy, req.Reason, req.DeadlineSeconds)
	common.Respond(c, http.StatusOK, "maintenance", state)
}

// HandleExitMaintenance serves POST /admin/maintenance/exit.
func (h *Handlers) HandleExitMaintenance(c *gin.Context) {
	var req maintenanceRequest
	_ = c.ShouldBindJSON(&req)
	state := h.coordinator.ExitMaintenance(c.Request.Context(), req.UpdatedBy)
	common.Respond(c, http.StatusOK, "maintenance", state)
}
