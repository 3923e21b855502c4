package common

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

// Envelope is the canonical success envelope returned by every REST endpoint.
// Object names the payload kind ("reservation", "conflict", "list", ...).
type Envelope struct {
	Object    string      `json:"object"`
	Data      interface{} `json:"data"`
	RequestID string      `json:"requestId"`
}

// ErrorBody carries the canonical error payload.
type ErrorBody struct {
	Code          string                 `json:"code"`
	Message       string                 `json:"message"`
	CorrelationID string                 `json:"correlationId"`
	Timestamp     string                 `json:"timestamp"`
	Details       map[string]interface{} `json:"details,omitempty"`
}

// ErrorEnvelope wraps ErrorBody for the wire shape {"error": {...}}.
type ErrorEnvelope struct {
	Error ErrorBody `json:"error"`
}

// FieldError describes a single failed validation constraint.
type FieldError struct {
	Path    string `json:"path"`
	Message string `json:"message"`
	Code    string `json:"code"`
}

// Stable REST error codes
const (
	CodeInvalidRequest   = "INVALID_REQUEST"
	CodeNotFound         = "NOT_FOUND"
	CodeConflict         = "CONFLICT"
	CodeConflictNotFound = "CONFLICT_NOT_FOUND"
	CodeInternalError    = "INTERNAL_ERROR"
	CodeUnavailable      = "SERVICE_UNAVAILABLE"
)

// Respond writes a success envelope.
func Respond(c *gin.Context, status int, object string, data interface{}) {
	c.JSON(status, Envelope{
		Object:    object,
		Data:      data,
		RequestID: c.GetString("request_id"),
	})
}

// RespondError writes an error envelope with the request's correlation id.
func RespondError(c *gin.Context, status int, code, message string, details map[string]interface{}) {
	c.JSON(status, ErrorEnvelope{Error: ErrorBody{
		Code:          code,
		Message:       message,
		CorrelationID: c.GetString("request_id"),
		Timestamp:     time.Now().UTC().Format(time.RFC3339),
		Details:       details,
	}})
}

// RespondValidationError writes a 400 with per-field details.
func RespondValidationError(c *gin.Context, message string, fields []FieldError) {
	RespondError(c, http.StatusBadRequest, CodeInvalidRequest, message, map[string]interface{}{
		"fields": fields,
	})
}
