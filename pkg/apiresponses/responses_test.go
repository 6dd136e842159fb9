package apiresponses

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func run(t *testing.T, h gin.HandlerFunc) *httptest.ResponseRecorder {
	t.Helper()
	gin.SetMode(gin.TestMode)
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest(http.MethodGet, "/", nil)
	h(c)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) APIError {
	t.Helper()
	var body APIError
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	return body
}

func TestErrorResponses(t *testing.T) {
	tests := []struct {
		name    string
		handler gin.HandlerFunc
		status  int
		code    string
		message string
	}{
		{"not found", func(c *gin.Context) { RespondNotFound(c, "email job", "abc") }, http.StatusNotFound, "NOT_FOUND", "email job not found: abc"},
		{"unauthorized default", func(c *gin.Context) { RespondUnauthorized(c, "") }, http.StatusUnauthorized, "UNAUTHORIZED", "caller not authenticated"},
		{"forbidden", func(c *gin.Context) { RespondForbidden(c, "role student may not send mail") }, http.StatusForbidden, "FORBIDDEN", "role student may not send mail"},
		{"forbidden default", func(c *gin.Context) { RespondForbidden(c, "") }, http.StatusForbidden, "FORBIDDEN", "access denied"},
		{"bad request", func(c *gin.Context) { RespondBadRequest(c, "invalid body") }, http.StatusBadRequest, "BAD_REQUEST", "invalid body"},
		{"bad gateway", func(c *gin.Context) { RespondBadGateway(c, "") }, http.StatusBadGateway, "BAD_GATEWAY", "bad gateway"},
		{"unavailable", func(c *gin.Context) { RespondServiceUnavailable(c, "mail queue", 0) }, http.StatusServiceUnavailable, "SERVICE_UNAVAILABLE", "service unavailable: mail queue"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := run(t, tt.handler)
			assert.Equal(t, tt.status, w.Code)
			body := decode(t, w)
			assert.Equal(t, tt.code, body.Code)
			assert.Equal(t, tt.message, body.Error)
		})
	}
}

func TestRespondUnauthorizedSetsChallenge(t *testing.T) {
	w := run(t, func(c *gin.Context) { RespondUnauthorized(c, "token expired") })
	assert.Equal(t, `Bearer realm="notifier"`, w.Header().Get("WWW-Authenticate"))
	assert.Equal(t, "token expired", decode(t, w).Error)
}

func TestRespondServiceUnavailableRetryAfter(t *testing.T) {
	w := run(t, func(c *gin.Context) { RespondServiceUnavailable(c, "mail queue", 5) })
	assert.Equal(t, "5", w.Header().Get("Retry-After"))
}

func TestRespondBadRequestWithDetails(t *testing.T) {
	w := run(t, func(c *gin.Context) { RespondBadRequestWithDetails(c, "invalid request", "to: required") })
	body := decode(t, w)
	assert.Equal(t, "to: required", body.Details)
}

func TestRespondInternalErrorLogsAndSanitizes(t *testing.T) {
	core, logs := observer.New(zap.ErrorLevel)
	log := zap.New(core).Sugar()

	w := run(t, func(c *gin.Context) { RespondInternalError(c, "create meeting", errors.New("secret detail"), log) })
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	body := decode(t, w)
	assert.Equal(t, "failed to create meeting", body.Error)
	assert.NotContains(t, w.Body.String(), "secret detail")
	require.Equal(t, 1, logs.Len())
	assert.Equal(t, "Failed to create meeting", logs.All()[0].Message)
}

func TestSuccessResponses(t *testing.T) {
	w := run(t, func(c *gin.Context) { RespondAccepted(c, "job-1") })
	assert.Equal(t, http.StatusAccepted, w.Code)
	assert.JSONEq(t, `{"id":"job-1"}`, w.Body.String())

	w = run(t, func(c *gin.Context) { RespondCreated(c, gin.H{"id": "m1"}) })
	assert.Equal(t, http.StatusCreated, w.Code)

	w = run(t, func(c *gin.Context) { RespondOK(c, gin.H{"ok": true}) })
	assert.Equal(t, http.StatusOK, w.Code)
}
