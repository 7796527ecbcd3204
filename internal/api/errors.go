package api

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5/middleware"
)

// ErrorCode represents machine-readable error codes.
type ErrorCode string

const (
	ErrCodeInternal     ErrorCode = "INTERNAL_ERROR"
	ErrCodeBadRequest   ErrorCode = "BAD_REQUEST"
	ErrCodeUnauthorized ErrorCode = "UNAUTHORIZED"
	ErrCodeNotFound     ErrorCode = "NOT_FOUND"
	ErrCodeRateLimited  ErrorCode = "RATE_LIMITED"
	ErrCodeConfig       ErrorCode = "CONFIG_ERROR"
	ErrCodeUpstream     ErrorCode = "UPSTREAM_ERROR"
)

// ErrorResponse represents a structured error response.
type ErrorResponse struct {
	Error     string    `json:"error"`                // HTTP status text
	Message   string    `json:"message"`              // Human-readable description
	Code      ErrorCode `json:"code"`                 // Machine-readable error code
	Module    string    `json:"module,omitempty"`     // Failing module for config errors
	RequestID string    `json:"request_id,omitempty"` // Request ID for debugging
}

// NewErrorResponse creates a new error response.
func NewErrorResponse(statusCode int, code ErrorCode, message string) *ErrorResponse {
	return &ErrorResponse{
		Error:   http.StatusText(statusCode),
		Message: message,
		Code:    code,
	}
}

// WithModule names the failing module on the response.
func (e *ErrorResponse) WithModule(module string) *ErrorResponse {
	e.Module = module
	return e
}

// writeErrorResponse writes a structured error response.
func writeErrorResponse(w http.ResponseWriter, r *http.Request, statusCode int, errResp *ErrorResponse) {
	if reqID := middleware.GetReqID(r.Context()); reqID != "" {
		errResp.RequestID = reqID
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(errResp)
}

// BadRequestError creates a bad request error response.
func BadRequestError(w http.ResponseWriter, r *http.Request, message string) {
	writeErrorResponse(w, r, http.StatusBadRequest,
		NewErrorResponse(http.StatusBadRequest, ErrCodeBadRequest, message))
}

// UnauthorizedError creates an unauthorized error response.
func UnauthorizedError(w http.ResponseWriter, r *http.Request, message string) {
	writeErrorResponse(w, r, http.StatusUnauthorized,
		NewErrorResponse(http.StatusUnauthorized, ErrCodeUnauthorized, message))
}

// NotFoundError creates a not found error response.
func NotFoundError(w http.ResponseWriter, r *http.Request, message string) {
	writeErrorResponse(w, r, http.StatusNotFound,
		NewErrorResponse(http.StatusNotFound, ErrCodeNotFound, message))
}

// InternalError creates an internal server error response.
func InternalError(w http.ResponseWriter, r *http.Request, message string) {
	writeErrorResponse(w, r, http.StatusInternalServerError,
		NewErrorResponse(http.StatusInternalServerError, ErrCodeInternal, message))
}

// ConfigError creates an internal error naming the failing module; the
// pipeline fails fast on misconfiguration, never silently defaults.
func ConfigError(w http.ResponseWriter, r *http.Request, module, message string) {
	writeErrorResponse(w, r, http.StatusInternalServerError,
		NewErrorResponse(http.StatusInternalServerError, ErrCodeConfig, message).WithModule(module))
}

// UpstreamError creates an internal error for failed upstream fetches.
func UpstreamError(w http.ResponseWriter, r *http.Request, message string) {
	writeErrorResponse(w, r, http.StatusInternalServerError,
		NewErrorResponse(http.StatusInternalServerError, ErrCodeUpstream, message))
}
