// Package errors provides custom error types for the OKCVM application.
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// Error codes as constants
const (
	ErrCodeNotFound            = "NOT_FOUND"
	ErrCodeBadRequest          = "BAD_REQUEST"
	ErrCodeInternalError       = "INTERNAL_ERROR"
	ErrCodeValidationError     = "VALIDATION_ERROR"
	ErrCodePathEscape          = "PATH_ESCAPE"
	ErrCodeWorkspaceIO         = "WORKSPACE_IO"
	ErrCodeSnapshotDisabled    = "SNAPSHOT_DISABLED"
	ErrCodeUnknownSnapshot     = "UNKNOWN_SNAPSHOT"
	ErrCodeUnknownTool         = "UNKNOWN_TOOL"
	ErrCodeToolInputInvalid    = "TOOL_INPUT_INVALID"
	ErrCodeToolExec            = "TOOL_EXEC"
	ErrCodeUploadTooLarge      = "UPLOAD_TOO_LARGE"
	ErrCodeUploadLimitExceeded = "UPLOAD_LIMIT_EXCEEDED"
	ErrCodeDuplicateUpload     = "DUPLICATE_UPLOAD"
	ErrCodeClientMismatch      = "CLIENT_MISMATCH"
	ErrCodeLLMError            = "LLM_ERROR"
)

// AppError represents an application-specific error with additional context.
type AppError struct {
	Code       string `json:"code"`
	Message    string `json:"message"`
	HTTPStatus int    `json:"http_status"`
	Err        error  `json:"-"`
}

// Error implements the error interface.
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the wrapped error for use with errors.Is and errors.As.
func (e *AppError) Unwrap() error {
	return e.Err
}

// NotFound creates a new not found error for a resource.
func NotFound(resource string, id string) *AppError {
	return &AppError{
		Code:       ErrCodeNotFound,
		Message:    fmt.Sprintf("%s with id '%s' not found", resource, id),
		HTTPStatus: http.StatusNotFound,
	}
}

// BadRequest creates a new bad request error.
func BadRequest(message string) *AppError {
	return &AppError{
		Code:       ErrCodeBadRequest,
		Message:    message,
		HTTPStatus: http.StatusBadRequest,
	}
}

// InternalError creates a new internal server error with a wrapped underlying error.
func InternalError(message string, err error) *AppError {
	return &AppError{
		Code:       ErrCodeInternalError,
		Message:    message,
		HTTPStatus: http.StatusInternalServerError,
		Err:        err,
	}
}

// ValidationError creates a new validation error for a specific field.
func ValidationError(field string, message string) *AppError {
	return &AppError{
		Code:       ErrCodeValidationError,
		Message:    fmt.Sprintf("validation failed for field '%s': %s", field, message),
		HTTPStatus: http.StatusBadRequest,
	}
}

// PathEscape creates an error for a path that resolves outside the workspace.
func PathEscape(path string) *AppError {
	return &AppError{
		Code:       ErrCodePathEscape,
		Message:    fmt.Sprintf("path '%s' escapes the session workspace", path),
		HTTPStatus: http.StatusBadRequest,
	}
}

// WorkspaceIO creates an error for a workspace filesystem failure.
func WorkspaceIO(message string, err error) *AppError {
	return &AppError{
		Code:       ErrCodeWorkspaceIO,
		Message:    message,
		HTTPStatus: http.StatusInternalServerError,
		Err:        err,
	}
}

// SnapshotDisabled creates an error for snapshot operations on a disabled engine.
func SnapshotDisabled() *AppError {
	return &AppError{
		Code:       ErrCodeSnapshotDisabled,
		Message:    "workspace snapshots are disabled",
		HTTPStatus: http.StatusBadRequest,
	}
}

// UnknownSnapshot creates an error for a snapshot reference that does not resolve.
func UnknownSnapshot(ref string) *AppError {
	return &AppError{
		Code:       ErrCodeUnknownSnapshot,
		Message:    fmt.Sprintf("unknown snapshot: %s", ref),
		HTTPStatus: http.StatusBadRequest,
	}
}

// UnknownTool creates an error for a tool name missing from the registry.
func UnknownTool(name string) *AppError {
	return &AppError{
		Code:       ErrCodeUnknownTool,
		Message:    fmt.Sprintf("tool '%s' is not registered", name),
		HTTPStatus: http.StatusBadRequest,
	}
}

// ToolInputInvalid creates an error for tool input that fails schema validation.
func ToolInputInvalid(tool string, message string) *AppError {
	return &AppError{
		Code:       ErrCodeToolInputInvalid,
		Message:    fmt.Sprintf("invalid input for tool '%s': %s", tool, message),
		HTTPStatus: http.StatusBadRequest,
	}
}

// ToolExec creates an error for a tool implementation failure, carrying the
// original message.
func ToolExec(tool string, err error) *AppError {
	return &AppError{
		Code:       ErrCodeToolExec,
		Message:    fmt.Sprintf("tool '%s' execution failed", tool),
		HTTPStatus: http.StatusInternalServerError,
		Err:        err,
	}
}

// UploadTooLarge creates an error for a single upload exceeding the size limit.
func UploadTooLarge(name string, size int64, limit int64) *AppError {
	return &AppError{
		Code:       ErrCodeUploadTooLarge,
		Message:    fmt.Sprintf("file '%s' is %d bytes, exceeding the %d byte limit", name, size, limit),
		HTTPStatus: http.StatusRequestEntityTooLarge,
	}
}

// UploadLimitExceeded creates an error for exceeding the per-session file count.
func UploadLimitExceeded(limit int) *AppError {
	return &AppError{
		Code:       ErrCodeUploadLimitExceeded,
		Message:    fmt.Sprintf("session upload limit of %d files exceeded", limit),
		HTTPStatus: http.StatusBadRequest,
	}
}

// DuplicateUpload creates an error for duplicate file names within one request.
func DuplicateUpload(name string) *AppError {
	return &AppError{
		Code:       ErrCodeDuplicateUpload,
		Message:    fmt.Sprintf("duplicate file name '%s' in upload request", name),
		HTTPStatus: http.StatusBadRequest,
	}
}

// ClientMismatch creates an error for an attempt to rebind a conversation to a
// different client. Treated as internal corruption, not a client error.
func ClientMismatch(conversationID string) *AppError {
	return &AppError{
		Code:       ErrCodeClientMismatch,
		Message:    fmt.Sprintf("conversation '%s' belongs to a different client", conversationID),
		HTTPStatus: http.StatusInternalServerError,
	}
}

// LLMError creates an error for a chat model failure.
func LLMError(message string, err error) *AppError {
	return &AppError{
		Code:       ErrCodeLLMError,
		Message:    message,
		HTTPStatus: http.StatusBadGateway,
		Err:        err,
	}
}

// Wrap wraps an existing error with additional context, returning an AppError.
func Wrap(err error, message string) *AppError {
	if err == nil {
		return nil
	}

	// If the error is already an AppError, preserve its code and status
	var appErr *AppError
	if errors.As(err, &appErr) {
		return &AppError{
			Code:       appErr.Code,
			Message:    fmt.Sprintf("%s: %s", message, appErr.Message),
			HTTPStatus: appErr.HTTPStatus,
			Err:        err,
		}
	}

	// Otherwise, wrap as an internal error
	return &AppError{
		Code:       ErrCodeInternalError,
		Message:    message,
		HTTPStatus: http.StatusInternalServerError,
		Err:        err,
	}
}

// IsNotFound checks if the error is a not found error.
func IsNotFound(err error) bool {
	return HasCode(err, ErrCodeNotFound)
}

// IsPathEscape checks if the error is a workspace path escape.
func IsPathEscape(err error) bool {
	return HasCode(err, ErrCodePathEscape)
}

// IsSnapshotDisabled checks if the error reports a disabled snapshot engine.
func IsSnapshotDisabled(err error) bool {
	return HasCode(err, ErrCodeSnapshotDisabled)
}

// IsClientMismatch checks if the error is a conversation client mismatch.
func IsClientMismatch(err error) bool {
	return HasCode(err, ErrCodeClientMismatch)
}

// HasCode checks whether the error carries the given application error code.
func HasCode(err error, code string) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code == code
	}
	return false
}

// GetHTTPStatus returns the HTTP status code for an error.
// Returns 500 Internal Server Error if the error is not an AppError.
func GetHTTPStatus(err error) int {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.HTTPStatus
	}
	return http.StatusInternalServerError
}
