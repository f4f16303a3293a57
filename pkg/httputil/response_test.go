package httputil

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func decodeCode(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var body map[string]string
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	return body["code"]
}

func TestWriteCode(t *testing.T) {
	rec := httptest.NewRecorder()
	WriteCode(rec, http.StatusBadRequest, CodeInvalidSelection)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	assert.Equal(t, "invalid_selection", decodeCode(t, rec))
}

func TestWriteCodedError(t *testing.T) {
	rec := httptest.NewRecorder()
	WriteCodedError(rec, NewCodedError(http.StatusNotFound, CodeVersionNotExist, "no such version 1.2.3"))
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "version_not_exist", decodeCode(t, rec))
}

func TestWriteCodedError_OpaqueOnPlainError(t *testing.T) {
	rec := httptest.NewRecorder()
	WriteCodedError(rec, errors.New("pq: connection refused"))

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	// Internal details must not leak.
	assert.Equal(t, "server_error", decodeCode(t, rec))
	assert.NotContains(t, rec.Body.String(), "pq:")
}

func TestWriteHumanCheckFailed(t *testing.T) {
	rec := httptest.NewRecorder()
	WriteHumanCheckFailed(rec)
	assert.Equal(t, http.StatusTeapot, rec.Code)
}

func TestNextRequestID_Wraps(t *testing.T) {
	for i := 0; i < 20_001; i++ {
		id := NextRequestID()
		assert.Less(t, id, uint64(10_000))
	}
}
