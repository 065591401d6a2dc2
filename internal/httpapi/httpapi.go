package httpapi

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/netip"
	"reflect"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"pressdesk/backend/internal/apperr"
	"pressdesk/backend/internal/domain"
	"pressdesk/backend/internal/service"
)

const maxJSONBody = 1 << 20

type API struct {
	service       *service.Service
	auth          *AuthManager
	allowedOrigin string
	loginLimiter  *attemptLimiter
	pinLimiter    *attemptLimiter
	csrfSecret    []byte
	validate      *validator.Validate
}

func New(svc *service.Service, auth *AuthManager, allowedOrigin string) *API {
	csrfSecret := make([]byte, 32)
	if _, err := rand.Read(csrfSecret); err != nil {
		log.Warn().Err(err).Msg("httpapi: crypto/rand unavailable, using static csrf secret")
		csrfSecret = []byte("csrf-fallback-secret-change-me!!")
	}
	return &API{
		service:       svc,
		auth:          auth,
		allowedOrigin: allowedOrigin,
		loginLimiter:  newAttemptLimiter(5, time.Minute),
		pinLimiter:    newAttemptLimiter(8, time.Minute),
		csrfSecret:    csrfSecret,
		validate:      newValidator(),
	}
}

// newValidator reports field errors by their json names and treats
// decimal.Decimal as a number.
func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(field reflect.StructField) string {
		name := strings.SplitN(field.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		if name == "" {
			return field.Name
		}
		return name
	})
	v.RegisterCustomTypeFunc(func(field reflect.Value) interface{} {
		if d, ok := field.Interface().(decimal.Decimal); ok {
			f, _ := d.Float64()
			return f
		}
		return nil
	}, decimal.Decimal{})
	return v
}

// csrfTokenForHour computes an HMAC-SHA256 token for the hour bucket
// (unix seconds truncated to the hour), hex-encoded.
func (a *API) csrfTokenForHour(hourBucket int64) string {
	h := hmac.New(sha256.New, a.csrfSecret)
	fmt.Fprintf(h, "%d", hourBucket)
	return hex.EncodeToString(h.Sum(nil))
}

func (a *API) generateCSRFToken() string {
	return a.csrfTokenForHour(time.Now().UTC().Truncate(time.Hour).Unix())
}

// validateCSRFToken accepts the current and the previous hour bucket.
func (a *API) validateCSRFToken(token string) bool {
	if token == "" {
		return false
	}
	currentBucket := time.Now().UTC().Truncate(time.Hour).Unix()
	for _, bucket := range []int64{currentBucket, currentBucket - 3600} {
		if hmac.Equal([]byte(token), []byte(a.csrfTokenForHour(bucket))) {
			return true
		}
	}
	return false
}

type attemptLimiter struct {
	mu      sync.Mutex
	max     int
	window  time.Duration
	entries map[string][]time.Time
}

func newAttemptLimiter(max int, window time.Duration) *attemptLimiter {
	if max < 1 {
		max = 1
	}
	if window <= 0 {
		window = time.Minute
	}
	return &attemptLimiter{max: max, window: window, entries: make(map[string][]time.Time)}
}

func (l *attemptLimiter) Allow(key string) bool {
	if l == nil {
		return true
	}
	now := time.Now()
	cutoff := now.Add(-l.window)

	l.mu.Lock()
	defer l.mu.Unlock()

	history := l.entries[key]
	kept := make([]time.Time, 0, len(history)+1)
	for _, ts := range history {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	if len(kept) >= l.max {
		l.entries[key] = kept
		return false
	}
	l.entries[key] = append(kept, now)
	return true
}

func clientKey(r *http.Request) string {
	host := strings.TrimSpace(r.RemoteAddr)
	if host == "" {
		return "unknown"
	}
	if addr, err := netip.ParseAddrPort(host); err == nil {
		return addr.Addr().String()
	}
	if idx := strings.LastIndex(host, ":"); idx > 0 {
		return host[:idx]
	}
	return host
}

func (a *API) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", a.handleHealth)
	mux.HandleFunc("POST /api/v1/auth/login", a.handleLogin)
	mux.HandleFunc("GET /api/v1/auth/csrf-token", a.handleCSRFToken)

	branchStaff := []string{domain.RoleAttendant, domain.RoleManager}
	oversight := []string{domain.RoleManager, domain.RoleHQ}

	mux.HandleFunc("POST /api/v1/jobs/instant", a.requireAuth(a.handleInstantJob, branchStaff...))
	mux.HandleFunc("POST /api/v1/jobs/queued", a.requireAuth(a.handleQueuedJob, branchStaff...))
	mux.HandleFunc("POST /api/v1/jobs/{id}/start", a.requireAuth(a.handleJobTransition(a.service.StartJob), branchStaff...))
	mux.HandleFunc("POST /api/v1/jobs/{id}/ready", a.requireAuth(a.handleJobTransition(a.service.MarkJobReady), branchStaff...))
	mux.HandleFunc("POST /api/v1/jobs/{id}/complete", a.requireAuth(a.handleJobTransition(a.service.CompleteJob), branchStaff...))
	mux.HandleFunc("POST /api/v1/jobs/{id}/cancel", a.requireAuth(a.handleJobTransition(a.service.CancelJob), branchStaff...))
	mux.HandleFunc("POST /api/v1/jobs/{id}/attach", a.requireAuth(a.handleAttachJob, domain.RoleManager))
	mux.HandleFunc("GET /api/v1/branches/{id}/queue", a.requireAuth(a.handleQueue, branchStaff...))

	mux.HandleFunc("GET /api/v1/daysheets", a.requireAuth(a.handleListDaySheets, oversight...))
	mux.HandleFunc("POST /api/v1/daysheets/current", a.requireAuth(a.handleCurrentDaySheet, branchStaff...))
	mux.HandleFunc("GET /api/v1/daysheets/{id}", a.requireAuth(a.handleGetDaySheet, oversight...))
	mux.HandleFunc("GET /api/v1/daysheets/{id}/aggregate", a.requireAuth(a.handleDayTotals, oversight...))
	mux.HandleFunc("GET /api/v1/daysheets/{id}/shifts", a.requireAuth(a.handleListShifts, oversight...))
	mux.HandleFunc("GET /api/v1/daysheets/{id}/export", a.requireAuth(a.handleExport, oversight...))
	mux.HandleFunc("POST /api/v1/daysheets/{id}/close", a.requireAuth(a.handleManagerClose, domain.RoleManager))
	mux.HandleFunc("POST /api/v1/daysheets/{id}/hq-close", a.requireAuth(a.handleHQClose, domain.RoleHQ))

	mux.HandleFunc("POST /api/v1/shifts/start", a.requireAuth(a.handleShiftStart, branchStaff...))
	mux.HandleFunc("POST /api/v1/shifts/{id}/close", a.requireAuth(a.handleShiftClose, branchStaff...))
	mux.HandleFunc("GET /api/v1/shifts/{id}/totals", a.requireAuth(a.handleShiftTotals, domain.RoleAttendant, domain.RoleManager, domain.RoleHQ))

	mux.HandleFunc("GET /api/v1/anomalies", a.requireAuth(a.handleAnomalies, oversight...))
	mux.HandleFunc("POST /api/v1/corrections", a.requireAuth(a.handleCreateCorrection, branchStaff...))
	mux.HandleFunc("POST /api/v1/corrections/{id}/resolve", a.requireAuth(a.handleResolveCorrection, domain.RoleManager))

	mux.HandleFunc("GET /api/v1/users", a.requireAuth(a.handleListUsers, domain.RoleHQ, domain.RoleAdmin))
	mux.HandleFunc("POST /api/v1/users", a.requireAuth(a.handleCreateUser, domain.RoleHQ, domain.RoleAdmin))

	return a.withMiddleware(mux)
}

func (a *API) requireAuth(next http.HandlerFunc, roles ...string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		authorization := strings.TrimSpace(r.Header.Get("Authorization"))
		if !strings.HasPrefix(strings.ToLower(authorization), "bearer ") {
			writeFailure(w, http.StatusUnauthorized, "unauthorized", "missing bearer token")
			return
		}

		token := strings.TrimSpace(authorization[len("Bearer "):])
		actor, err := a.auth.ParseToken(token)
		if err != nil {
			writeFailure(w, http.StatusUnauthorized, "unauthorized", err.Error())
			return
		}

		if len(roles) > 0 && !isRoleAllowed(actor.Role, roles) {
			writeError(w, apperr.Permission("role %s may not call this endpoint", actor.Role))
			return
		}

		next(w, r.WithContext(service.WithActor(r.Context(), actor)))
	}
}

func isRoleAllowed(role string, allowed []string) bool {
	for _, allow := range allowed {
		if role == allow {
			return true
		}
	}
	return false
}

func (a *API) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"ok": true,
		"at": time.Now().UTC().Format(time.RFC3339),
	})
}

func (a *API) handleLogin(w http.ResponseWriter, r *http.Request) {
	if !a.loginLimiter.Allow(clientKey(r)) {
		writeFailure(w, http.StatusTooManyRequests, "rate_limited", "too many login attempts")
		return
	}

	var req domain.LoginRequest
	if !a.decodeAndValidate(w, r, &req) {
		return
	}

	resp, err := a.auth.Login(r.Context(), req)
	if err != nil {
		if errors.Is(err, errInvalidCredentials) || errors.Is(err, errInactiveAccount) {
			writeFailure(w, http.StatusUnauthorized, "unauthorized", err.Error())
			return
		}
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, resp)
}

// handleCSRFToken returns a stateless token for the X-CSRF-Token header of
// mutating requests.
func (a *API) handleCSRFToken(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"csrf_token": a.generateCSRFToken(),
	})
}

var csrfExemptPaths = []string{
	"/api/v1/auth/login",
}

func (a *API) checkCSRF(w http.ResponseWriter, r *http.Request) bool {
	method := r.Method
	if method != http.MethodPost && method != http.MethodPut && method != http.MethodPatch {
		return true
	}
	for _, exempt := range csrfExemptPaths {
		if r.URL.Path == exempt {
			return true
		}
	}
	token := strings.TrimSpace(r.Header.Get("X-CSRF-Token"))
	if !a.validateCSRFToken(token) {
		writeError(w, apperr.Permission("missing or invalid CSRF token"))
		return false
	}
	return true
}

type statusRecorder struct {
	http.ResponseWriter
	status int
	bytes  int
}

func (s *statusRecorder) WriteHeader(status int) {
	s.status = status
	s.ResponseWriter.WriteHeader(status)
}

func (s *statusRecorder) Write(b []byte) (int, error) {
	if s.status == 0 {
		s.status = http.StatusOK
	}
	n, err := s.ResponseWriter.Write(b)
	s.bytes += n
	return n, err
}

func (a *API) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
		w.Header().Set("Cross-Origin-Opener-Policy", "same-origin")
		w.Header().Set("Access-Control-Allow-Origin", a.allowedOrigin)
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-CSRF-Token")
		w.Header().Set("Access-Control-Allow-Methods", "GET,POST,OPTIONS")
		w.Header().Set("Vary", "Origin")

		if r.Method == http.MethodPost || r.Method == http.MethodPatch || r.Method == http.MethodPut {
			r.Body = http.MaxBytesReader(w, r.Body, maxJSONBody)
		}

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		if !a.checkCSRF(w, r) {
			return
		}

		rec := &statusRecorder{ResponseWriter: w}
		startedAt := time.Now()
		next.ServeHTTP(rec, r)

		event := log.Info()
		if rec.status >= http.StatusInternalServerError {
			event = log.Error()
		}
		event.
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", rec.status).
			Int("bytes", rec.bytes).
			Dur("elapsed", time.Since(startedAt)).
			Msg("httpapi: request")
	})
}

// decodeAndValidate decodes a JSON body into dest and runs its validate
// tags. It writes the error response itself and returns false on failure.
func (a *API) decodeAndValidate(w http.ResponseWriter, r *http.Request, dest any) bool {
	if err := decodeJSON(r, dest); err != nil {
		writeError(w, apperr.Validation("invalid request body: %v", err))
		return false
	}
	if err := a.validate.Struct(dest); err != nil {
		var fieldErrs validator.ValidationErrors
		if !errors.As(err, &fieldErrs) {
			writeError(w, err)
			return false
		}
		fields := make(map[string]string, len(fieldErrs))
		for _, fe := range fieldErrs {
			fields[fe.Field()] = validationMessage(fe)
		}
		writeError(w, apperr.ValidationFields("invalid request", fields))
		return false
	}
	return true
}

func validationMessage(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "required"
	case "oneof":
		return "must be one of: " + fe.Param()
	case "min", "gte":
		return "must be at least " + fe.Param()
	case "max", "lte":
		return "must be at most " + fe.Param()
	default:
		return "failed " + fe.Tag()
	}
}

func decodeJSON(r *http.Request, dest any) error {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	return decoder.Decode(dest)
}

func parsePositiveLimit(raw string, fallback int, max int) int {
	limit := fallback
	trimmed := strings.TrimSpace(raw)
	if trimmed != "" {
		if parsed, err := strconv.Atoi(trimmed); err == nil && parsed > 0 {
			limit = parsed
		}
	}
	if max > 0 && limit > max {
		return max
	}
	return limit
}

type errorBody struct {
	Category string            `json:"category"`
	Message  string            `json:"message"`
	Fields   map[string]string `json:"fields,omitempty"`
}

// writeError maps err to its category status. Internal messages are not
// returned to the caller.
func writeError(w http.ResponseWriter, err error) {
	kind := apperr.KindOf(err)
	status := apperr.HTTPStatus(kind)
	body := errorBody{Category: string(kind), Message: err.Error()}

	var appErr *apperr.Error
	if errors.As(err, &appErr) {
		body.Fields = appErr.Fields
	}
	if status >= http.StatusInternalServerError {
		log.Error().Err(err).Int("status", status).Msg("httpapi: internal error")
		body.Message = "internal server error"
	}
	writeJSON(w, status, map[string]any{"error": body})
}

func writeFailure(w http.ResponseWriter, status int, category string, message string) {
	writeJSON(w, status, map[string]any{"error": errorBody{Category: category, Message: message}})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
