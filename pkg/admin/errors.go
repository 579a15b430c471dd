package admin

import (
	"log/slog"
)

// Client-facing error messages. Details stay in the server log.
const (
	ErrMsgInvalidJSON        = "Invalid JSON in request body"
	ErrMsgOperationFailed    = "Operation failed"
	ErrMsgClusterUnavailable = "Shared runtime store is unreachable"
)

// sanitizeError logs err with the operation and details and returns msg
// for the response body.
func sanitizeError(err error, log *slog.Logger, msg, operation string, details ...any) string {
	if log != nil {
		args := append([]any{"operation", operation, "error", err}, details...)
		log.Error("admin operation failed", args...)
	}
	return msg
}
