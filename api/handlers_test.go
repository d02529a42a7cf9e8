/*
handlers_test.go - HTTP tests for the API

Tests for:
- Authentication (missing, bad, wrong issuer)
- Entry save through the gate and the error mapping (423, 403, 400)
- Month close/reopen and observations
- The unlock flow end to end, including 409 on a second approve
- Aggregate and dashboard JSON shapes
- The month view and the audit trail
*/
package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/ledgerlock/api"
	"github.com/warp/ledgerlock/app"
	"github.com/warp/ledgerlock/ledger"
	"github.com/warp/ledgerlock/metrics"
	"github.com/warp/ledgerlock/store/sqlite"
)

const (
	secret = "test-secret"
	issuer = "ledgerlock-test"
)

var (
	admin  = ledger.Identity{UserID: "admin-1", Role: ledger.RoleMaster}
	pastor = ledger.Identity{UserID: "p-1", Role: "pastor", Scope: ledger.ScopeChurch, Church: "c1"}
	bispo  = ledger.Identity{UserID: "b-2", Role: "bispo", Scope: ledger.ScopeState, State: "RJ"}

	t0 = time.Date(2025, 7, 2, 12, 0, 0, 0, time.UTC)
)

type testServer struct {
	t        *testing.T
	srv      *httptest.Server
	verifier *api.TokenVerifier
	clock    *ledger.FixedClock
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	ctx := context.Background()

	st, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	require.NoError(t, st.SaveUnit(ctx, ledger.Unit{ID: "c1", Name: "Central", State: "SP"}))
	require.NoError(t, st.SaveUnit(ctx, ledger.Unit{ID: "c2", Name: "Norte", State: "SP"}))

	clock := ledger.NewFixedClock(t0)
	m := metrics.New()
	a := app.New(st, st, clock, app.Options{Metrics: m})

	h := api.NewHandler(a.Entries, a.Months, a.Unlocks, a.Reports, a.Audit, clock)
	h.Timezone = "UTC"
	verifier := api.NewTokenVerifier(secret, issuer)
	router := api.NewRouter(h, api.RouterOptions{
		Verifier:       verifier,
		AllowedOrigins: []string{"*"},
		Metrics:        m.Handler(),
	})

	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)
	return &testServer{t: t, srv: srv, verifier: verifier, clock: clock}
}

func (s *testServer) token(id ledger.Identity) string {
	tok, err := s.verifier.Sign(id, time.Hour)
	require.NoError(s.t, err)
	return tok
}

// do sends body as JSON and decodes the response into out when non-nil.
func (s *testServer) do(method, path string, id *ledger.Identity, body any, out any) int {
	s.t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(s.t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, s.srv.URL+path, &buf)
	require.NoError(s.t, err)
	req.Header.Set("Content-Type", "application/json")
	if id != nil {
		req.Header.Set("Authorization", "Bearer "+s.token(*id))
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(s.t, err)
	defer resp.Body.Close()
	if out != nil {
		require.NoError(s.t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func entryBody(value string) map[string]any {
	return map[string]any{
		"year": 2025, "month": 6, "day": 5, "timeSlot": "19:30", "church": "c1",
		"value": json.Number(value),
	}
}

// =============================================================================
// AUTH
// =============================================================================

func TestAuth_RejectsMissingAndForeignTokens(t *testing.T) {
	s := newTestServer(t)

	var errResp api.ErrorResponse
	status := s.do(http.MethodPost, "/api/entries", nil, entryBody("1"), &errResp)
	assert.Equal(t, http.StatusUnauthorized, status)
	assert.Equal(t, "unauthorized", errResp.Code)

	// Token signed for another issuer
	other, err := api.NewTokenVerifier(secret, "someone-else").Sign(pastor, time.Hour)
	require.NoError(t, err)
	req, _ := http.NewRequest(http.MethodGet, s.srv.URL+"/api/unlock/requests", nil)
	req.Header.Set("Authorization", "Bearer "+other)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestTokenVerifier_RoundTrip(t *testing.T) {
	v := api.NewTokenVerifier(secret, issuer)
	tok, err := v.Sign(bispo, time.Minute)
	require.NoError(t, err)

	claims, err := v.Verify(tok)
	require.NoError(t, err)
	assert.Equal(t, bispo, claims.Identity())

	_, err = api.NewTokenVerifier("other", issuer).Verify(tok)
	assert.Error(t, err)
}

func TestCurrentTime_NoAuth(t *testing.T) {
	s := newTestServer(t)

	var out api.CurrentTimeDTO
	status := s.do(http.MethodGet, "/api/time/current", nil, nil, &out)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "2025-07-02T12:00:00Z", out.Time)
	assert.Equal(t, "02/07/2025 12:00:00", out.Formatted)
	assert.Equal(t, "UTC", out.Timezone)
}

// =============================================================================
// ENTRIES AND MONTH LOCK
// =============================================================================

func TestEntries_SaveCloseDenyReopen(t *testing.T) {
	s := newTestServer(t)

	// GIVEN: A pastor saves 150.75 in an open month
	var saved api.SaveEntryResponse
	status := s.do(http.MethodPost, "/api/entries", &pastor, entryBody("150.75"), &saved)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "open", saved.Reason)
	assert.Equal(t, json.Number("150.75"), saved.Entry.Value)
	assert.Equal(t, "Central", saved.Entry.ChurchName)

	// WHEN: The admin closes June
	var month api.MonthStatusDTO
	status = s.do(http.MethodPost, "/api/month/close", &admin, api.MonthRequest{Year: 2025, Month: 6}, &month)
	require.Equal(t, http.StatusOK, status)
	assert.True(t, month.Closed)
	assert.Equal(t, "2025-06", month.MonthID)

	// THEN: The pastor's edit is locked
	var errResp api.ErrorResponse
	status = s.do(http.MethodPost, "/api/entries", &pastor, entryBody("200"), &errResp)
	assert.Equal(t, http.StatusLocked, status)
	assert.Equal(t, "month_closed", errResp.Code)

	// AND: The admin can still write
	status = s.do(http.MethodPost, "/api/entries", &admin, entryBody("151"), &saved)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "admin", saved.Reason)

	// WHEN: Reopened, the pastor can write again
	status = s.do(http.MethodPost, "/api/month/reopen", &admin, api.MonthRequest{Year: 2025, Month: 6}, &month)
	require.Equal(t, http.StatusOK, status)
	assert.False(t, month.Closed)
	assert.Equal(t, "admin-1", month.ReopenedBy)

	status = s.do(http.MethodPost, "/api/entries", &pastor, entryBody("152.10"), &saved)
	assert.Equal(t, http.StatusOK, status)

	var got api.EntryDTO
	status = s.do(http.MethodGet, "/api/entries/2025/6/5/19:30?church=c1", &pastor, nil, &got)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, json.Number("152.1"), got.Value)
	assert.Equal(t, "p-1", got.OwnerID)
}

func TestEntries_ErrorMapping(t *testing.T) {
	s := newTestServer(t)
	var errResp api.ErrorResponse

	// Out of scope: RJ bishop writing an SP church
	status := s.do(http.MethodPost, "/api/entries", &bispo, entryBody("1"), &errResp)
	assert.Equal(t, http.StatusForbidden, status)
	assert.Equal(t, "out_of_scope", errResp.Code)

	// Invalid slot
	body := entryBody("1")
	body["timeSlot"] = "09:00"
	status = s.do(http.MethodPost, "/api/entries", &pastor, body, &errResp)
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "validation_error", errResp.Code)

	// Malformed JSON
	req, _ := http.NewRequest(http.MethodPost, s.srv.URL+"/api/entries", bytes.NewBufferString("{"))
	req.Header.Set("Authorization", "Bearer "+s.token(pastor))
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	// Unknown entry
	status = s.do(http.MethodGet, "/api/entries/2025/6/6/08:00?church=c1", &pastor, nil, &errResp)
	assert.Equal(t, http.StatusNotFound, status)

	// Non-admin closing a month
	status = s.do(http.MethodPost, "/api/month/close", &pastor, api.MonthRequest{Year: 2025, Month: 6}, &errResp)
	assert.Equal(t, http.StatusForbidden, status)
	assert.Equal(t, "forbidden", errResp.Code)
}

func TestMonthStatusAndObservation(t *testing.T) {
	s := newTestServer(t)

	var month api.MonthStatusDTO
	status := s.do(http.MethodGet, "/api/month/2025/6", &pastor, nil, &month)
	require.Equal(t, http.StatusOK, status)
	assert.False(t, month.Closed)

	var obs api.ObservationDTO
	status = s.do(http.MethodPost, "/api/observations/month", &admin,
		api.ObservationRequest{Year: 2025, Month: 6, Observation: "Conferido"}, &obs)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, 9, obs.Chars)

	status = s.do(http.MethodGet, "/api/observations/month/2025/6", &pastor, nil, &obs)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "Conferido", obs.Observation)
	assert.Equal(t, "admin-1", obs.UpdatedBy)

	// Operators keep the observation current as well
	status = s.do(http.MethodPost, "/api/observations/month", &pastor,
		api.ObservationRequest{Year: 2025, Month: 6, Observation: "Falta recibo"}, &obs)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "p-1", obs.UpdatedBy)

	status = s.do(http.MethodGet, "/api/month/2025/13", &pastor, nil, nil)
	assert.Equal(t, http.StatusBadRequest, status)
}

// =============================================================================
// UNLOCK FLOW
// =============================================================================

func TestUnlockFlow(t *testing.T) {
	s := newTestServer(t)
	require.Equal(t, http.StatusOK, s.do(http.MethodPost, "/api/entries", &pastor, entryBody("150.75"), nil))
	require.Equal(t, http.StatusOK, s.do(http.MethodPost, "/api/month/close", &admin, api.MonthRequest{Year: 2025, Month: 6}, nil))

	// GIVEN: The pastor files a request
	var created api.UnlockDTO
	status := s.do(http.MethodPost, "/api/unlock/request", &pastor, api.UnlockRequestBody{
		Year: 2025, Month: 6, Day: 5, TimeSlot: "19:30", Church: "c1", Reason: "typo",
	}, &created)
	require.Equal(t, http.StatusCreated, status)
	assert.Equal(t, "pending", created.Status)
	assert.True(t, created.EntryExists)

	// A second one for the same key conflicts
	var errResp api.ErrorResponse
	status = s.do(http.MethodPost, "/api/unlock/request", &pastor, api.UnlockRequestBody{
		Year: 2025, Month: 6, Day: 5, TimeSlot: "19:30", Church: "c1", Reason: "again",
	}, &errResp)
	assert.Equal(t, http.StatusConflict, status)
	assert.Equal(t, "already_pending", errResp.Code)

	// The queue is admin-only
	assert.Equal(t, http.StatusForbidden, s.do(http.MethodGet, "/api/unlock/requests", &pastor, nil, nil))
	var queue []api.UnlockDTO
	require.Equal(t, http.StatusOK, s.do(http.MethodGet, "/api/unlock/requests", &admin, nil, &queue))
	require.Len(t, queue, 1)

	// A duration past the cap is a validation error and leaves the request pending
	status = s.do(http.MethodPost, "/api/unlock/approve", &admin, api.ApproveRequest{RequestID: created.ID, DurationMinutes: 200_000_000}, &errResp)
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "validation_error", errResp.Code)
	assert.Equal(t, map[string]any{"field": "durationMinutes"}, errResp.Details)

	// WHEN: Approved for 30 minutes while the month is closed
	var approval api.ApprovalResponse
	status = s.do(http.MethodPost, "/api/unlock/approve", &admin, api.ApproveRequest{RequestID: created.ID, DurationMinutes: 30}, &approval)
	require.Equal(t, http.StatusOK, status)
	assert.True(t, approval.MonthClosed)
	assert.NotEmpty(t, approval.Warning)
	assert.Equal(t, "approved", approval.Request.Status)
	assert.Equal(t, "2025-07-02T12:30:00Z", approval.Request.ExpiresAt)

	// THEN: The pastor may write under the grant
	var saved api.SaveEntryResponse
	status = s.do(http.MethodPost, "/api/entries", &pastor, entryBody("160"), &saved)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "grant", saved.Reason)
	assert.Equal(t, created.ID, saved.GrantID)

	// AND: A second approve conflicts
	status = s.do(http.MethodPost, "/api/unlock/approve", &admin, api.ApproveRequest{RequestID: created.ID}, &errResp)
	assert.Equal(t, http.StatusConflict, status)
	assert.Equal(t, "already_decided", errResp.Code)

	// AND: After expiry the write is locked again
	s.clock.Advance(31 * time.Minute)
	status = s.do(http.MethodPost, "/api/entries", &pastor, entryBody("170"), &errResp)
	assert.Equal(t, http.StatusLocked, status)

	// Unknown request id
	status = s.do(http.MethodPost, "/api/unlock/reject", &admin, api.RejectRequest{RequestID: "nope"}, &errResp)
	assert.Equal(t, http.StatusNotFound, status)
}

// =============================================================================
// REPORTS
// =============================================================================

func TestAggregateAndDashboard(t *testing.T) {
	s := newTestServer(t)
	pastor2 := ledger.Identity{UserID: "p-2", Role: "pastor", Scope: ledger.ScopeChurch, Church: "c2"}

	require.Equal(t, http.StatusOK, s.do(http.MethodPost, "/api/entries", &pastor, entryBody("100.10"), nil))
	other := entryBody("50.20")
	other["church"] = "c2"
	require.Equal(t, http.StatusOK, s.do(http.MethodPost, "/api/entries", &pastor2, other, nil))

	// Admin sees one merged row
	var rows []api.GroupedEntryDTO
	require.Equal(t, http.StatusOK, s.do(http.MethodPost, "/api/aggregate", &admin, api.ReportRequest{Year: 2025, Month: 6}, &rows))
	require.Len(t, rows, 1)
	assert.Equal(t, 2, rows[0].ChurchCount)
	assert.Equal(t, json.Number("150.3"), rows[0].Value)
	assert.Equal(t, rows[0].Value, rows[0].TotalValue)
	require.Len(t, rows[0].Churches, 2)
	assert.Equal(t, "Central", rows[0].Churches[0].ChurchName)

	// Church-scoped pastor sees only their unit
	require.Equal(t, http.StatusOK, s.do(http.MethodPost, "/api/aggregate", &pastor, api.ReportRequest{Year: 2025, Month: 6}, &rows))
	require.Len(t, rows, 1)
	assert.Equal(t, "c1", rows[0].ChurchID)
	assert.Equal(t, json.Number("100.1"), rows[0].Value)

	var dash api.DashboardDTO
	require.Equal(t, http.StatusOK, s.do(http.MethodPost, "/api/dashboard/data", &admin, api.ReportRequest{Year: 2025, Month: 6}, &dash))
	assert.Equal(t, 2, dash.EntryCount)
	assert.Equal(t, json.Number("150.3"), dash.Total)
	assert.Equal(t, json.Number("75.15"), dash.Average)
	assert.Len(t, dash.TimeSlotData, 5)
	require.Len(t, dash.DailyData, 1)
	assert.Equal(t, 5, dash.DailyData[0].Day)
}

func TestMonthEntries(t *testing.T) {
	s := newTestServer(t)
	pastor2 := ledger.Identity{UserID: "p-2", Role: "pastor", Scope: ledger.ScopeChurch, Church: "c2"}

	require.Equal(t, http.StatusOK, s.do(http.MethodPost, "/api/entries", &pastor, entryBody("100.10"), nil))
	other := entryBody("50.20")
	other["church"] = "c2"
	require.Equal(t, http.StatusOK, s.do(http.MethodPost, "/api/entries", &pastor2, other, nil))
	require.Equal(t, http.StatusOK, s.do(http.MethodPost, "/api/observations/month", &pastor,
		api.ObservationRequest{Year: 2025, Month: 6, Observation: "Conferido"}, nil))
	require.Equal(t, http.StatusOK, s.do(http.MethodPost, "/api/month/close", &admin, api.MonthRequest{Year: 2025, Month: 6}, nil))

	// WHEN: The pastor opens the month
	var view api.MonthViewDTO
	status := s.do(http.MethodPost, "/api/entries/month", &pastor, api.ReportRequest{Year: 2025, Month: 6}, &view)

	// THEN: Only their church, with the lock state and observation
	require.Equal(t, http.StatusOK, status)
	require.Len(t, view.Entries, 1)
	assert.Equal(t, "c1", view.Entries[0].Church)
	assert.Equal(t, json.Number("100.1"), view.Entries[0].Value)
	assert.True(t, view.MonthClosed)
	assert.Equal(t, "Conferido", view.MonthObservation)

	require.Equal(t, http.StatusOK, s.do(http.MethodPost, "/api/entries/month", &admin, api.ReportRequest{Year: 2025, Month: 6}, &view))
	assert.Len(t, view.Entries, 2)

	assert.Equal(t, http.StatusBadRequest, s.do(http.MethodPost, "/api/entries/month", &admin, api.ReportRequest{Year: 2025, Month: 0}, nil))
	assert.Equal(t, http.StatusUnauthorized, s.do(http.MethodPost, "/api/entries/month", nil, api.ReportRequest{Year: 2025, Month: 6}, nil))
}

func TestAuditLogs(t *testing.T) {
	s := newTestServer(t)
	require.Equal(t, http.StatusOK, s.do(http.MethodPost, "/api/entries", &pastor, entryBody("10"), nil))
	s.clock.Advance(time.Minute)
	require.Equal(t, http.StatusOK, s.do(http.MethodPost, "/api/month/close", &admin, api.MonthRequest{Year: 2025, Month: 6}, nil))

	// Administrators only
	var errResp api.ErrorResponse
	assert.Equal(t, http.StatusForbidden, s.do(http.MethodGet, "/api/audit/logs", &pastor, nil, &errResp))
	assert.Equal(t, "forbidden", errResp.Code)

	// Newest first
	var logs api.AuditLogsResponse
	require.Equal(t, http.StatusOK, s.do(http.MethodGet, "/api/audit/logs", &admin, nil, &logs))
	require.Len(t, logs.Logs, 2)
	assert.Equal(t, "close_month", logs.Logs[0].Action)
	assert.Equal(t, "admin-1", logs.Logs[0].ActorID)
	assert.Equal(t, "2025-07-02T12:01:00Z", logs.Logs[0].Timestamp)
	assert.Equal(t, "save_entry", logs.Logs[1].Action)

	// Filters
	require.Equal(t, http.StatusOK, s.do(http.MethodGet, "/api/audit/logs?actor=p-1", &admin, nil, &logs))
	require.Len(t, logs.Logs, 1)
	assert.Equal(t, "save_entry", logs.Logs[0].Action)

	require.Equal(t, http.StatusOK, s.do(http.MethodGet, "/api/audit/logs?action=close_month&action=reopen_month", &admin, nil, &logs))
	require.Len(t, logs.Logs, 1)

	require.Equal(t, http.StatusOK, s.do(http.MethodGet, "/api/audit/logs?from=2025-07-02T12:00:30Z", &admin, nil, &logs))
	require.Len(t, logs.Logs, 1)
	assert.Equal(t, "close_month", logs.Logs[0].Action)

	require.Equal(t, http.StatusOK, s.do(http.MethodGet, "/api/audit/logs?limit=1", &admin, nil, &logs))
	assert.Len(t, logs.Logs, 1)

	status := s.do(http.MethodGet, "/api/audit/logs?from=yesterday", &admin, nil, &errResp)
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, map[string]any{"field": "from"}, errResp.Details)
}

func TestMetricsEndpoint(t *testing.T) {
	s := newTestServer(t)
	require.Equal(t, http.StatusOK, s.do(http.MethodPost, "/api/entries", &pastor, entryBody("1"), nil))

	resp, err := http.Get(s.srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var buf bytes.Buffer
	_, err = buf.ReadFrom(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, buf.String(), "ledgerlock_gate_decisions_total")
}
