package hub

import (
	"agentworks/pkg/api/semaphore"
)

// Stable WebSocket error codes. The set is closed; hints and severities are
// looked up, never improvised at call sites.
const (
	CodeInvalidFormat      = "INVALID_FORMAT"
	CodeInvalidChannel     = "INVALID_CHANNEL"
	CodeSubscriptionDenied = "WS_SUBSCRIPTION_DENIED"
	CodeCursorExpired      = "WS_CURSOR_EXPIRED"
	CodeRateLimited        = "WS_RATE_LIMITED"
	CodeAuthRequired       = "AUTH_REQUIRED"
	CodeSerialization      = "SERIALIZATION_ERROR"
	CodeInternal           = "INTERNAL_ERROR"
)

type errorMeta struct {
	severity    string
	hint        string
	alternative string
}

var errorTable = map[string]errorMeta{
	CodeInvalidFormat: {
		severity: semaphore.SeverityRecoverable,
		hint:     "frame must be JSON with a known type discriminator",
	},
	CodeInvalidChannel: {
		severity: semaphore.SeverityRecoverable,
		hint:     "channels follow scope:type[:id] with a closed type set per scope",
	},
	CodeSubscriptionDenied: {
		severity:    semaphore.SeverityTerminal,
		hint:        "the authenticated principal cannot access this channel",
		alternative: "subscribe to a workspace or user channel you are a member of",
	},
	CodeCursorExpired: {
		severity:    semaphore.SeverityRecoverable,
		hint:        "the cursor is older than retention",
		alternative: "resubscribe without a cursor to resume from live",
	},
	CodeRateLimited: {
		severity: semaphore.SeverityRetry,
		hint:     "too many concurrent replays on this connection",
	},
	CodeAuthRequired: {
		severity: semaphore.SeverityTerminal,
		hint:     "provide a bearer token on upgrade",
	},
	CodeSerialization: {
		severity: semaphore.SeverityRetry,
		hint:     "payload could not be encoded",
	},
	CodeInternal: {
		severity: semaphore.SeverityRetry,
	},
}

// errorFrame builds the wire error for a code, filling severity and hint from
// the closed table. Unknown codes degrade to INTERNAL_ERROR semantics.
func errorFrame(code, message, channelStr string) semaphore.ErrorFrame {
	meta, ok := errorTable[code]
	if !ok {
		meta = errorTable[CodeInternal]
	}
	return semaphore.ErrorFrame{
		Type:        semaphore.FrameError,
		Code:        code,
		Message:     message,
		Channel:     channelStr,
		Severity:    meta.severity,
		Hint:        meta.hint,
		Alternative: meta.alternative,
	}
}
