package errors

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/go-chi/render"
)

// Kind classifies an error at the point it is raised so that retry
// eligibility never has to be inferred from message substrings.
type Kind int

const (
	// KindInternal is the zero value: an unclassified server-side failure.
	KindInternal Kind = iota
	// KindValidation covers missing or malformed input. Never retried.
	KindValidation
	// KindNotFound covers unknown licenses, machines, events or entries.
	KindNotFound
	// KindUnauthorized covers inactive or revoked licenses and machines
	// that do not hold a live activation.
	KindUnauthorized
	// KindCapacity is raised when a license is at its terminal limit.
	// Distinct from validation so UIs can offer upgrade paths.
	KindCapacity
	// KindConflict covers transitions that are no longer legal, such as
	// resolving an already-abandoned dead-letter entry.
	KindConflict
	// KindTransient covers broker/store unavailability. The only Kind
	// that signals "retry me" to callers.
	KindTransient
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindNotFound:
		return "not_found"
	case KindUnauthorized:
		return "unauthorized"
	case KindCapacity:
		return "capacity"
	case KindConflict:
		return "conflict"
	case KindTransient:
		return "transient"
	default:
		return "internal"
	}
}

// Error is the domain error carried between services and handlers.
type Error struct {
	Kind    Kind
	Op      string
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// E constructs a classified domain error.
func E(kind Kind, op, message string) *Error {
	return &Error{Kind: kind, Op: op, Message: message}
}

// Wrap constructs a classified domain error around a cause.
func Wrap(kind Kind, op, message string, err error) *Error {
	return &Error{Kind: kind, Op: op, Message: message, Err: err}
}

// KindOf extracts the classification from err, or KindInternal if err was
// never classified.
func KindOf(err error) Kind {
	var de *Error
	if errors.As(err, &de) {
		return de.Kind
	}
	return KindInternal
}

// IsRetryable reports whether an external caller (such as a webhook
// sender) should retry the request that produced err. Only transient
// infrastructure failures qualify; everything else cannot self-correct.
func IsRetryable(err error) bool {
	k := KindOf(err)
	return k == KindTransient || k == KindInternal
}

// APIError is the structured HTTP error payload rendered by chi/render.
type APIError struct {
	StatusCode int         `json:"status_code"`
	ErrorCode  string      `json:"error_code"`
	Message    string      `json:"message"`
	Details    interface{} `json:"details,omitempty"`
}

// Error implements the error interface.
func (e *APIError) Error() string {
	return e.Message
}

// Render implements the render.Renderer interface for chi/render.
func (e *APIError) Render(w http.ResponseWriter, r *http.Request) error {
	render.Status(r, e.StatusCode)
	return nil
}

// New creates a new APIError with the given parameters.
func New(statusCode int, errorCode, message string) *APIError {
	return &APIError{
		StatusCode: statusCode,
		ErrorCode:  errorCode,
		Message:    message,
	}
}

// NewWithDetails creates a new APIError with additional details.
func NewWithDetails(statusCode int, errorCode, message string, details interface{}) *APIError {
	return &APIError{
		StatusCode: statusCode,
		ErrorCode:  errorCode,
		Message:    message,
		Details:    details,
	}
}

// Predefined error values for common scenarios.
var (
	// 400 Bad Request
	ErrInvalidRequest   = New(http.StatusBadRequest, "INVALID_REQUEST", "Invalid request format")
	ErrValidationFailed = New(http.StatusBadRequest, "VALIDATION_FAILED", "Request validation failed")
	ErrMissingParameter = New(http.StatusBadRequest, "MISSING_PARAMETER", "Required parameter is missing")

	// 401 Unauthorized
	ErrUnauthorized   = New(http.StatusUnauthorized, "UNAUTHORIZED", "Authentication required")
	ErrLicenseRevoked = New(http.StatusUnauthorized, "LICENSE_REVOKED", "License has been revoked")

	// 404 Not Found
	ErrNotFound        = New(http.StatusNotFound, "NOT_FOUND", "Resource not found")
	ErrLicenseNotFound = New(http.StatusNotFound, "LICENSE_NOT_FOUND", "License key not found")

	// 409 Conflict
	ErrConflict = New(http.StatusConflict, "CONFLICT", "Resource conflict")

	// 422 Unprocessable Entity
	ErrCapacityReached = New(http.StatusUnprocessableEntity, "TERMINAL_LIMIT_REACHED", "License is at its maximum terminal count")

	// 429 Too Many Requests
	ErrRateLimitExceeded = New(http.StatusTooManyRequests, "RATE_LIMIT_EXCEEDED", "Rate limit exceeded")

	// 500 Internal Server Error
	ErrInternalServer   = New(http.StatusInternalServerError, "INTERNAL_SERVER_ERROR", "Internal server error")
	ErrWebSocketUpgrade = New(http.StatusInternalServerError, "WEBSOCKET_UPGRADE_FAILED", "WebSocket upgrade failed")

	// 503 Service Unavailable
	ErrServiceUnavailable = New(http.StatusServiceUnavailable, "SERVICE_UNAVAILABLE", "Service temporarily unavailable")
)

// FromDomain maps a classified domain error onto an APIError response.
func FromDomain(err error) *APIError {
	var de *Error
	if !errors.As(err, &de) {
		return NewWithDetails(http.StatusInternalServerError, "INTERNAL_SERVER_ERROR", "Internal server error", err.Error())
	}

	switch de.Kind {
	case KindValidation:
		return NewWithDetails(http.StatusBadRequest, "VALIDATION_FAILED", de.Message, nil)
	case KindNotFound:
		return New(http.StatusNotFound, "NOT_FOUND", de.Message)
	case KindUnauthorized:
		return New(http.StatusUnauthorized, "UNAUTHORIZED", de.Message)
	case KindCapacity:
		return New(http.StatusUnprocessableEntity, "TERMINAL_LIMIT_REACHED", de.Message)
	case KindConflict:
		return New(http.StatusConflict, "CONFLICT", de.Message)
	case KindTransient:
		return New(http.StatusServiceUnavailable, "SERVICE_UNAVAILABLE", de.Message)
	default:
		return New(http.StatusInternalServerError, "INTERNAL_SERVER_ERROR", de.Message)
	}
}

// ValidationError represents a single failed field.
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ErrValidation creates a validation error with field details.
func ErrValidation(field, message string) *APIError {
	return NewWithDetails(http.StatusBadRequest, "VALIDATION_FAILED", "Request validation failed", ValidationError{
		Field:   field,
		Message: message,
	})
}

// InvalidRequestWithError creates an invalid request error with details.
func InvalidRequestWithError(err error) *APIError {
	return NewWithDetails(http.StatusBadRequest, "INVALID_REQUEST", "Invalid request format", err.Error())
}

// ErrorResponse represents a standard error response body.
type ErrorResponse struct {
	Success bool      `json:"success"`
	Error   *APIError `json:"error"`
}

// NewErrorResponse creates a new error response.
func NewErrorResponse(err *APIError) *ErrorResponse {
	return &ErrorResponse{
		Success: false,
		Error:   err,
	}
}

// Render implements the render.Renderer interface.
func (e *ErrorResponse) Render(w http.ResponseWriter, r *http.Request) error {
	return e.Error.Render(w, r)
}
