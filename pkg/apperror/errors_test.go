package apperror

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAppError_Error(t *testing.T) {
	e := New("VAL_001", "bad input", http.StatusBadRequest)
	assert.Equal(t, "[VAL_001] bad input", e.Error())
}

func TestAppError_ErrorWithWrapped(t *testing.T) {
	inner := errors.New("connection refused")
	e := Wrap("SYS_001", "Internal database error", http.StatusInternalServerError, inner)
	assert.Equal(t, "[SYS_001] Internal database error: connection refused", e.Error())
}

func TestAppError_Unwrap(t *testing.T) {
	inner := errors.New("boom")
	e := Wrap("SYS_001", "wrapped", http.StatusInternalServerError, inner)
	assert.True(t, errors.Is(e, inner))

	var target *AppError
	assert.True(t, errors.As(fmt.Errorf("outer: %w", e), &target))
	assert.Equal(t, "SYS_001", target.Code)
}

func TestErrorConstructors(t *testing.T) {
	tests := []struct {
		name       string
		err        *AppError
		code       string
		httpStatus int
	}{
		{"validation", Validation("bad"), "VAL_001", http.StatusBadRequest},
		{"invalid url", ErrInvalidTargetURL(), "VAL_002", http.StatusBadRequest},
		{"empty events", ErrEmptyEventSet(), "VAL_003", http.StatusBadRequest},
		{"auth kind", ErrUnknownAuthKind("hmac"), "VAL_004", http.StatusBadRequest},
		{"method", ErrInvalidMethod("TRACE"), "VAL_005", http.StatusBadRequest},
		{"not found", ErrNotFound("subscription"), "WH_001", http.StatusNotFound},
		{"inactive", ErrSubscriptionInactive(), "WH_002", http.StatusConflict},
		{"rate limit", ErrRateLimitExceeded(), "RATE_001", http.StatusTooManyRequests},
		{"internal", InternalError(errors.New("x")), "SYS_001", http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.code, tt.err.Code)
			assert.Equal(t, tt.httpStatus, tt.err.HTTPStatus)
		})
	}
}

func TestErrNotFound_Message(t *testing.T) {
	assert.Equal(t, "subscription not found", ErrNotFound("subscription").Message)
}
