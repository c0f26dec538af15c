package apperror

import (
	"fmt"
	"net/http"
)

// AppError is a structured error that maps to HTTP responses.
type AppError struct {
	Code       string `json:"error_code"`
	Message    string `json:"message"`
	HTTPStatus int    `json:"-"`
	Err        error  `json:"-"` // Wrapped internal error (not exposed to client)
}

func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *AppError) Unwrap() error {
	return e.Err
}

// New creates a new AppError.
func New(code string, message string, httpStatus int) *AppError {
	return &AppError{
		Code:       code,
		Message:    message,
		HTTPStatus: httpStatus,
	}
}

// Wrap wraps an internal error with an AppError.
func Wrap(code string, message string, httpStatus int, err error) *AppError {
	return &AppError{
		Code:       code,
		Message:    message,
		HTTPStatus: httpStatus,
		Err:        err,
	}
}

// ---- Validation (VAL) ----

// Validation returns a generic 400 validation error with a caller message.
func Validation(message string) *AppError {
	return New("VAL_001", message, http.StatusBadRequest)
}

func ErrInvalidTargetURL() *AppError {
	return New("VAL_002", "Target URL must be a valid http(s) URL", http.StatusBadRequest)
}

func ErrEmptyEventSet() *AppError {
	return New("VAL_003", "Subscription must cover at least one event type", http.StatusBadRequest)
}

func ErrUnknownAuthKind(kind string) *AppError {
	return New("VAL_004", fmt.Sprintf("Unknown auth kind %q", kind), http.StatusBadRequest)
}

func ErrInvalidMethod(method string) *AppError {
	return New("VAL_005", fmt.Sprintf("Unsupported HTTP method %q", method), http.StatusBadRequest)
}

// ---- Webhook domain (WH) ----

func ErrNotFound(entity string) *AppError {
	return New("WH_001", fmt.Sprintf("%s not found", entity), http.StatusNotFound)
}

func ErrSubscriptionInactive() *AppError {
	return New("WH_002", "Subscription is deactivated", http.StatusConflict)
}

func ErrUnknownEventType(eventType string) *AppError {
	return New("WH_003", fmt.Sprintf("Unknown event type %q", eventType), http.StatusBadRequest)
}

// ---- Rate Limiting (RATE) ----

func ErrRateLimitExceeded() *AppError {
	return New("RATE_001", "Rate limit exceeded", http.StatusTooManyRequests)
}

// ---- System & Infrastructure (SYS) ----

func ErrDatabaseError(err error) *AppError {
	return Wrap("SYS_001", "Internal database error", http.StatusInternalServerError, err)
}

// InternalError wraps an internal error as a SYS_001 error.
func InternalError(err error) *AppError {
	return Wrap("SYS_001", "Internal server error", http.StatusInternalServerError, err)
}
