package apperr

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHTTPStatus_CoversTaxonomy(t *testing.T) {
	cases := map[Code]int{
		CodeValidation:        http.StatusBadRequest,
		CodeUnauthenticated:   http.StatusUnauthorized,
		CodeInvalidToken:      http.StatusUnauthorized,
		CodeMFARequired:       http.StatusLocked,
		CodeForbidden:         http.StatusForbidden,
		CodeNotFound:          http.StatusNotFound,
		CodeConflict:          http.StatusConflict,
		CodeInvalidTransition: http.StatusConflict,
		CodeRateLimited:       http.StatusTooManyRequests,
		CodeTenantMismatch:    http.StatusBadRequest,
		CodeInternal:          http.StatusInternalServerError,
	}

	for code, want := range cases {
		assert.Equal(t, want, HTTPStatus(code), "code %s", code)
	}
}

func TestFrom_UnknownErrorBecomesInternal(t *testing.T) {
	cause := errors.New("connection reset")
	e := From(cause)

	assert.Equal(t, CodeInternal, e.Code)
	assert.Equal(t, "internal server error", e.Message)
	assert.ErrorIs(t, e, cause)
}

func TestFrom_KeepsTaxonomyError(t *testing.T) {
	orig := NotFound("task")
	e := From(fmt.Errorf("dispatch: %w", orig))

	require.Equal(t, CodeNotFound, e.Code)
	assert.Equal(t, "task not found", e.Message)
}

func TestWithDetail(t *testing.T) {
	e := Validation("password too short").WithDetail("field", "password")

	require.NotNil(t, e.Details)
	assert.Equal(t, "password", e.Details["field"])
}

func TestIsCode_ThroughWrapping(t *testing.T) {
	err := fmt.Errorf("handler: %w", Conflict("stale version"))

	assert.True(t, IsCode(err, CodeConflict))
	assert.False(t, IsCode(err, CodeNotFound))
	assert.False(t, IsCode(errors.New("plain"), CodeConflict))
}

func TestInternal_HidesCauseFromMessage(t *testing.T) {
	e := Internal(errors.New("pq: relation does not exist"))

	assert.Equal(t, "internal server error", e.Message)
	assert.Contains(t, e.Error(), "pq: relation does not exist")
}
