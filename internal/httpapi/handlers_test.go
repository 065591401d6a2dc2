package httpapi

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pressdesk/backend/internal/domain"
	"pressdesk/backend/internal/service"
	"pressdesk/backend/internal/store/memory"
)

const testBranch = "branch-accra"

type testAPI struct {
	*API
	handler http.Handler
}

// newTestAPI wires a real Service and AuthManager over the seeded memory
// store so requests exercise the whole path.
func newTestAPI(t *testing.T) *testAPI {
	t.Helper()

	repo := memory.NewSeeded()
	auth := NewAuthManager("test-secret-key-with-enough-bytes", time.Hour, repo)
	svc := service.New(repo, auth, nil, service.Settings{})
	api := New(svc, auth, "*")
	return &testAPI{API: api, handler: api.Handler()}
}

func (a *testAPI) do(t *testing.T, method string, path string, token string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	req.RemoteAddr = "10.0.0.7:4100"
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if method == http.MethodPost {
		req.Header.Set("X-CSRF-Token", a.generateCSRFToken())
	}
	rec := httptest.NewRecorder()
	a.handler.ServeHTTP(rec, req)
	return rec
}

func (a *testAPI) login(t *testing.T, username string, password string) string {
	t.Helper()
	rec := a.do(t, http.MethodPost, "/api/v1/auth/login", "", domain.LoginRequest{Username: username, Password: password})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp domain.LoginResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	require.NotEmpty(t, resp.AccessToken)
	return resp.AccessToken
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&out), rec.Body.String())
	return out
}

type errorEnvelope struct {
	Error errorBody `json:"error"`
}

func TestHandleHealth(t *testing.T) {
	api := newTestAPI(t)
	rec := api.do(t, http.MethodGet, "/healthz", "", nil)

	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody[map[string]any](t, rec)
	assert.Equal(t, true, body["ok"])
}

func TestHandleLoginReturnsBranchClaims(t *testing.T) {
	api := newTestAPI(t)
	rec := api.do(t, http.MethodPost, "/api/v1/auth/login", "", map[string]string{"username": "attendant", "password": "attendant123"})
	require.Equal(t, http.StatusOK, rec.Code)

	resp := decodeBody[domain.LoginResponse](t, rec)
	assert.Equal(t, domain.RoleAttendant, resp.Role)
	assert.Equal(t, testBranch, resp.BranchID)

	actor, err := api.auth.ParseToken(resp.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, "attendant", actor.Username)
	assert.Equal(t, testBranch, actor.BranchID)
}

func TestHandleLoginWrongPassword(t *testing.T) {
	api := newTestAPI(t)
	rec := api.do(t, http.MethodPost, "/api/v1/auth/login", "", map[string]string{"username": "attendant", "password": "nope-nope"})

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "unauthorized", decodeBody[errorEnvelope](t, rec).Error.Category)
}

func TestShiftToDayCloseOverHTTP(t *testing.T) {
	api := newTestAPI(t)
	attendant := api.login(t, "attendant", "attendant123")
	manager := api.login(t, "manager", "manager123")

	rec := api.do(t, http.MethodPost, "/api/v1/shifts/start", attendant, domain.ShiftStartRequest{BranchID: testBranch})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	shift := decodeBody[domain.DaySheetShift](t, rec)
	require.NotEmpty(t, shift.DaySheetID)

	rec = api.do(t, http.MethodPost, "/api/v1/jobs/instant", attendant, map[string]any{
		"branch_id":    testBranch,
		"service_id":   "svc-lamination",
		"quantity":     2,
		"payment_type": "cash",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	job := decodeBody[domain.Job](t, rec)
	assert.Equal(t, "20.00", job.TotalAmount.StringFixed(2))
	assert.Equal(t, shift.DaySheetID, job.DaySheetID)

	rec = api.do(t, http.MethodPost, "/api/v1/daysheets/"+shift.DaySheetID+"/close", manager, domain.DayCloseRequest{PIN: "482913"})
	assert.Equal(t, http.StatusConflict, rec.Code, "open shift blocks the day close")
	assert.Equal(t, "state", decodeBody[errorEnvelope](t, rec).Error.Category)

	rec = api.do(t, http.MethodGet, "/api/v1/shifts/"+shift.ID+"/totals", attendant, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	totals := decodeBody[struct {
		Totals domain.ShiftTotals `json:"totals"`
	}](t, rec)
	assert.Equal(t, "20.00", totals.Totals.Net.StringFixed(2))
	assert.Equal(t, "20.00", totals.Totals.Cash.StringFixed(2))

	rec = api.do(t, http.MethodPost, "/api/v1/shifts/"+shift.ID+"/close", attendant, map[string]any{"closing_cash": "20.00", "pin": "000000"})
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = api.do(t, http.MethodPost, "/api/v1/shifts/"+shift.ID+"/close", attendant, map[string]any{"closing_cash": "20.00", "pin": "739164"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	closed := decodeBody[domain.DaySheetShift](t, rec)
	assert.Equal(t, domain.ShiftStatusClosed, closed.Status)
	assert.Equal(t, 1, closed.PINFailedAttempts)

	rec = api.do(t, http.MethodPost, "/api/v1/daysheets/"+shift.DaySheetID+"/close", manager, domain.DayCloseRequest{PIN: "482913"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	sheet := decodeBody[domain.DaySheet](t, rec)
	assert.Equal(t, domain.DaySheetStatusBranchClosed, sheet.Status)
	require.NotNil(t, sheet.Meta.FinalAggregation)
	assert.Equal(t, "20.00", sheet.Meta.FinalAggregation.Net.StringFixed(2))

	rec = api.do(t, http.MethodGet, "/api/v1/daysheets/"+shift.DaySheetID+"/export?format=csv", manager, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Header().Get("Content-Type"), "text/csv")
	assert.Contains(t, rec.Header().Get("Content-Disposition"), "daysheet-"+testBranch)
	assert.Contains(t, rec.Body.String(), "Shift ID")

	rec = api.do(t, http.MethodGet, "/api/v1/daysheets/"+shift.DaySheetID+"/export?format=pdf", manager, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestInstantJobValidationFields(t *testing.T) {
	api := newTestAPI(t)
	token := api.login(t, "attendant", "attendant123")

	rec := api.do(t, http.MethodPost, "/api/v1/jobs/instant", token, map[string]any{"service_id": "svc-a4", "payment_type": "bitcoin"})
	require.Equal(t, http.StatusBadRequest, rec.Code)

	env := decodeBody[errorEnvelope](t, rec)
	assert.Equal(t, "validation", env.Error.Category)
	assert.Equal(t, "required", env.Error.Fields["branch_id"])
	assert.Contains(t, env.Error.Fields["payment_type"], "one of")
}

func TestUnknownFieldRejected(t *testing.T) {
	api := newTestAPI(t)
	token := api.login(t, "attendant", "attendant123")

	rec := api.do(t, http.MethodPost, "/api/v1/shifts/start", token, map[string]any{"branch_id": testBranch, "till": 3})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRoleGate(t *testing.T) {
	api := newTestAPI(t)
	attendant := api.login(t, "attendant", "attendant123")

	rec := api.do(t, http.MethodGet, "/api/v1/anomalies", attendant, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, "permission", decodeBody[errorEnvelope](t, rec).Error.Category)

	rec = api.do(t, http.MethodGet, "/api/v1/anomalies", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	hq := api.login(t, "hq", "hq123456")
	rec = api.do(t, http.MethodGet, "/api/v1/anomalies?limit=5", hq, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestCurrentDaySheetIsIdempotent(t *testing.T) {
	api := newTestAPI(t)
	token := api.login(t, "attendant", "attendant123")

	first := api.do(t, http.MethodPost, "/api/v1/daysheets/current", token, domain.DaySheetRequest{BranchID: testBranch})
	require.Equal(t, http.StatusCreated, first.Code, first.Body.String())
	second := api.do(t, http.MethodPost, "/api/v1/daysheets/current", token, domain.DaySheetRequest{BranchID: testBranch})
	require.Equal(t, http.StatusOK, second.Code)

	type payload struct {
		DaySheet domain.DaySheet `json:"daysheet"`
		Created  bool            `json:"created"`
	}
	a := decodeBody[payload](t, first)
	b := decodeBody[payload](t, second)
	assert.True(t, a.Created)
	assert.False(t, b.Created)
	assert.Equal(t, a.DaySheet.ID, b.DaySheet.ID)

	manager := api.login(t, "manager", "manager123")
	rec := api.do(t, http.MethodGet, "/api/v1/daysheets/"+a.DaySheet.ID, manager, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"summary"`)

	rec = api.do(t, http.MethodGet, "/api/v1/daysheets/missing-sheet", manager, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestQueuedJobLifecycle(t *testing.T) {
	api := newTestAPI(t)
	token := api.login(t, "attendant", "attendant123")

	rec := api.do(t, http.MethodPost, "/api/v1/jobs/queued", token, map[string]any{
		"branch_id":  testBranch,
		"service_id": "svc-banner",
		"quantity":   1,
		"priority":   "high",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	job := decodeBody[domain.Job](t, rec)
	assert.Equal(t, domain.JobStatusQueued, job.Status)

	rec = api.do(t, http.MethodGet, "/api/v1/branches/"+testBranch+"/queue", token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), job.ID)

	rec = api.do(t, http.MethodPost, "/api/v1/jobs/"+job.ID+"/start", token, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, domain.JobStatusInProgress, decodeBody[domain.Job](t, rec).Status)

	rec = api.do(t, http.MethodPost, "/api/v1/jobs/"+job.ID+"/cancel", token, domain.JobTransitionRequest{Notes: "customer left"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, domain.JobStatusCancelled, decodeBody[domain.Job](t, rec).Status)

	rec = api.do(t, http.MethodPost, "/api/v1/jobs/"+job.ID+"/complete", token, nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestUserAdministration(t *testing.T) {
	api := newTestAPI(t)
	hq := api.login(t, "hq", "hq123456")

	req := domain.UserCreateRequest{Username: "Kwame", Password: "kwame-pass-1", PIN: "5521", Role: domain.RoleAttendant, BranchID: testBranch}
	rec := api.do(t, http.MethodPost, "/api/v1/users", hq, req)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.NotContains(t, rec.Body.String(), "kwame-pass-1")

	rec = api.do(t, http.MethodPost, "/api/v1/users", hq, req)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = api.do(t, http.MethodGet, "/api/v1/users", hq, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"kwame"`)

	token := api.login(t, "kwame", "kwame-pass-1")
	rec = api.do(t, http.MethodGet, "/api/v1/users", token, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = api.do(t, http.MethodPost, "/api/v1/users", hq, domain.UserCreateRequest{Username: "ab", Password: "short", Role: "owner"})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	fields := decodeBody[errorEnvelope](t, rec).Error.Fields
	assert.Contains(t, fields, "username")
	assert.Contains(t, fields, "password")
	assert.Contains(t, fields, "role")
}

func TestParsePositiveLimitCaps(t *testing.T) {
	assert.Equal(t, 200, parsePositiveLimit("9999", 50, 200))
	assert.Equal(t, 50, parsePositiveLimit("", 50, 200))
	assert.Equal(t, 50, parsePositiveLimit("invalid", 50, 200))
	assert.Equal(t, 7, parsePositiveLimit(" 7 ", 50, 200))
}

func TestWriteErrorHidesInternalMessages(t *testing.T) {
	rec := httptest.NewRecorder()
	writeError(rec, assert.AnError)

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	env := decodeBody[errorEnvelope](t, rec)
	assert.Equal(t, "internal", env.Error.Category)
	assert.False(t, strings.Contains(env.Error.Message, assert.AnError.Error()))
}
