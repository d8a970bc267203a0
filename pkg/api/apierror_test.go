package api_test

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/nextcloud/circles-sub000/pkg/api"
	"github.com/nextcloud/circles-sub000/pkg/fault"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func decodeBody(t *testing.T, w *httptest.ResponseRecorder) fault.Body {
	t.Helper()
	var body fault.Body
	require.NoError(t, json.NewDecoder(w.Body).Decode(&body))
	return body
}

func TestWriteFault_UsesClassStatus(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/circles/federation/circles/x", nil)
	w := httptest.NewRecorder()
	api.WriteFault(w, req, fault.New(fault.ClassResyncRequired, "circle x differs"))

	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))
	body := decodeBody(t, w)
	assert.Equal(t, fault.ClassResyncRequired, body.Class)
	assert.Equal(t, "circle x differs", body.Message)
}

func TestWriteFault_ConflictKeepsCode(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/circles/federation/incoming", nil)
	w := httptest.NewRecorder()
	api.WriteFault(w, req, fault.Conflict(fault.ConflictDuplicateFromOtherInstance, "abc"))

	body := decodeBody(t, w)
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, int(fault.ConflictDuplicateFromOtherInstance), body.Code)

	rebuilt := fault.FromBody(w.Code, body)
	code, ok := fault.ConflictCodeOf(rebuilt)
	require.True(t, ok)
	assert.Equal(t, fault.ConflictDuplicateFromOtherInstance, code)
}

func TestWriteFault_SanitizesPlainErrors(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/x", nil)
	w := httptest.NewRecorder()
	api.WriteFault(w, req, errors.New("pq: connection refused to host=10.0.0.1"))

	assert.Equal(t, http.StatusInternalServerError, w.Code)
	body := decodeBody(t, w)
	assert.NotContains(t, body.Message, "10.0.0.1")
	assert.Equal(t, fault.ClassApplication, body.Class)
}

func TestWriteTooManyRequests_RetryAfterHeader(t *testing.T) {
	w := httptest.NewRecorder()
	api.WriteTooManyRequests(w, 30)

	assert.Equal(t, "30", w.Header().Get("Retry-After"))
	assert.Equal(t, http.StatusTooManyRequests, w.Code)

	body := decodeBody(t, w)
	rebuilt := fault.FromBody(w.Code, body)
	assert.True(t, rebuilt.Retryable(), "a throttled delivery is retried later")
}
