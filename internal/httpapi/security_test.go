package httpapi

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pressdesk/backend/internal/domain"
)

func TestMiddlewareSetsSecurityHeaders(t *testing.T) {
	api := newTestAPI(t)
	rec := api.do(t, http.MethodGet, "/healthz", "", nil)

	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))
	assert.Equal(t, "DENY", rec.Header().Get("X-Frame-Options"))
	assert.NotEmpty(t, rec.Header().Get("Referrer-Policy"))
}

func TestPreflightShortCircuits(t *testing.T) {
	api := newTestAPI(t)
	req := httptest.NewRequest(http.MethodOptions, "/api/v1/shifts/start", nil)
	rec := httptest.NewRecorder()
	api.handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestLoginRateLimitReturns429(t *testing.T) {
	api := newTestAPI(t)
	body := domain.LoginRequest{Username: "manager", Password: "wrong-pass"}

	for i := 0; i < 6; i++ {
		rec := api.do(t, http.MethodPost, "/api/v1/auth/login", "", body)
		if i < 5 {
			require.Equal(t, http.StatusUnauthorized, rec.Code, "attempt %d", i+1)
			continue
		}
		assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	}
}

func TestJSONBodyTooLargeRejected(t *testing.T) {
	api := newTestAPI(t)
	veryLong := strings.Repeat("a", maxJSONBody+1024)
	body := fmt.Sprintf(`{"username":"%s","password":"x"}`, veryLong)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/auth/login", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	api.handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestMutationsRequireCSRFToken(t *testing.T) {
	api := newTestAPI(t)
	token := api.login(t, "attendant", "attendant123")

	req := httptest.NewRequest(http.MethodPost, "/api/v1/shifts/start", strings.NewReader(`{"branch_id":"branch-accra"}`))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	api.handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	req.Header.Set("X-CSRF-Token", "deadbeef")
	rec = httptest.NewRecorder()
	api.handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestCSRFTokenAcceptsPreviousHour(t *testing.T) {
	api := newTestAPI(t)
	previous := api.csrfTokenForHour(time.Now().UTC().Truncate(time.Hour).Unix() - 3600)
	stale := api.csrfTokenForHour(time.Now().UTC().Truncate(time.Hour).Unix() - 2*3600)

	assert.True(t, api.validateCSRFToken(api.generateCSRFToken()))
	assert.True(t, api.validateCSRFToken(previous))
	assert.False(t, api.validateCSRFToken(stale))
	assert.False(t, api.validateCSRFToken(""))
}

func TestCSRFTokenEndpoint(t *testing.T) {
	api := newTestAPI(t)
	rec := api.do(t, http.MethodGet, "/api/v1/auth/csrf-token", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	payload := decodeBody[map[string]string](t, rec)
	assert.True(t, api.validateCSRFToken(payload["csrf_token"]))
}

func TestPINRateLimitReturns429(t *testing.T) {
	api := newTestAPI(t)
	token := api.login(t, "manager", "manager123")

	for i := 0; i < 9; i++ {
		rec := api.do(t, http.MethodPost, "/api/v1/daysheets/ds-missing/close", token, domain.DayCloseRequest{PIN: "000000"})
		if i < 8 {
			require.Equal(t, http.StatusNotFound, rec.Code, "attempt %d", i+1)
			continue
		}
		assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	}
}

func TestMethodMismatchIsRejected(t *testing.T) {
	api := newTestAPI(t)
	rec := api.do(t, http.MethodGet, "/api/v1/shifts/start", "", nil)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestAttemptLimiterWindow(t *testing.T) {
	limiter := newAttemptLimiter(2, time.Minute)
	assert.True(t, limiter.Allow("a"))
	assert.True(t, limiter.Allow("a"))
	assert.False(t, limiter.Allow("a"))
	assert.True(t, limiter.Allow("b"))

	var nilLimiter *attemptLimiter
	assert.True(t, nilLimiter.Allow("a"))
}

func TestClientKey(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "192.168.1.4:5511"
	assert.Equal(t, "192.168.1.4", clientKey(req))

	req.RemoteAddr = "[::1]:80"
	assert.Equal(t, "::1", clientKey(req))

	req.RemoteAddr = ""
	assert.Equal(t, "unknown", clientKey(req))
}
