/*
handlers.go - HTTP API handlers for the ledger

PURPOSE:
  Exposes the entry gate, month lock, unlock workflow and aggregation engine
  via REST API. Handles HTTP request/response and JSON serialization, and
  delegates every decision to the domain services.

ENDPOINTS:
  Entries:
    POST   /api/entries                                  Save entry (gated)
    GET    /api/entries/{year}/{month}/{day}/{slot}       Get entry (?church=)
    POST   /api/entries/month                            Month view with lock state

  Months:
    POST   /api/month/close                              Close month (master)
    POST   /api/month/reopen                             Reopen month (master)
    GET    /api/month/{year}/{month}                     Month status
    POST   /api/observations/month                       Save observation
    GET    /api/observations/month/{year}/{month}        Get observation

  Unlock:
    POST   /api/unlock/request                           File request
    GET    /api/unlock/requests                          Pending queue (master)
    POST   /api/unlock/approve                           Approve (master)
    POST   /api/unlock/reject                            Reject (master)

  Reports:
    POST   /api/aggregate                                Grouped month view
    POST   /api/dashboard/data                           Month dashboard

  Audit:
    GET    /api/audit/logs                               Audit trail (master)
                                                          ?actor=&action=&from=&to=&limit=

  Misc:
    GET    /api/time/current                             Server time in the ledger zone

ARCHITECTURE:
  Handler struct holds the services. The caller identity comes from the
  bearer token (see auth.go) and is never read from the body.

ERROR HANDLING:
  Errors are returned as JSON {error, code, details?}:
  - 400: Validation errors, invalid input
  - 401: Missing or invalid token
  - 403: Out of scope, not an administrator
  - 404: Unknown entry or request
  - 409: Request already decided, duplicate pending request
  - 423: Month closed, edit window expired
  - 500: Internal errors

SEE ALSO:
  - dto.go: Request/response data structures
  - errors.go: Error mapping
  - server.go: Router setup and middleware
*/
package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/warp/ledgerlock/audit"
	"github.com/warp/ledgerlock/gate"
	"github.com/warp/ledgerlock/ledger"
	"github.com/warp/ledgerlock/monthlock"
	"github.com/warp/ledgerlock/report"
	"github.com/warp/ledgerlock/unlock"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Entries *gate.EntryService
	Months  *monthlock.Service
	Unlocks *unlock.Workflow
	Reports *report.Engine
	Audit   *audit.Trail
	Clock   ledger.Clock

	// Timezone is reported by /api/time/current.
	Timezone string
	Logger   *slog.Logger
}

// NewHandler creates a handler over the given services.
func NewHandler(entries *gate.EntryService, months *monthlock.Service, unlocks *unlock.Workflow, reports *report.Engine, trail *audit.Trail, clock ledger.Clock) *Handler {
	return &Handler{
		Entries: entries,
		Months:  months,
		Unlocks: unlocks,
		Reports: reports,
		Audit:   trail,
		Clock:   clock,
	}
}

func (h *Handler) logger() *slog.Logger { return ledger.OrDiscard(h.Logger) }

// identity is set by RequireAuth on every /api route that reaches a handler.
func identity(r *http.Request) ledger.Identity {
	id, _ := IdentityFrom(r.Context())
	return id
}

func decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", "invalid_body", err.Error())
		return false
	}
	return true
}

// intParams parses integer URL parameters in order.
func intParams(w http.ResponseWriter, r *http.Request, names ...string) ([]int, bool) {
	out := make([]int, len(names))
	for i, name := range names {
		v, err := strconv.Atoi(chi.URLParam(r, name))
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid "+name, "validation_error", map[string]string{"field": name})
			return nil, false
		}
		out[i] = v
	}
	return out, true
}

// =============================================================================
// ENTRY HANDLERS
// =============================================================================

// SaveEntry writes one entry through the gate.
// POST /api/entries
func (h *Handler) SaveEntry(w http.ResponseWriter, r *http.Request) {
	var req SaveEntryRequest
	if !decode(w, r, &req) {
		return
	}

	entry, decision, err := h.Entries.Save(r.Context(), identity(r), gate.EntryInput{
		Key:   req.key(),
		Value: req.Value,
		Note:  req.Note,
	})
	if err != nil {
		writeDomainError(w, r, h.logger(), err)
		return
	}

	writeJSON(w, http.StatusOK, SaveEntryResponse{
		Entry:   toEntryDTO(entry),
		Reason:  decision.Reason,
		GrantID: decision.GrantID,
	})
}

// GetEntry returns one entry visible to the caller.
// GET /api/entries/{year}/{month}/{day}/{slot}?church=
func (h *Handler) GetEntry(w http.ResponseWriter, r *http.Request) {
	nums, ok := intParams(w, r, "year", "month", "day")
	if !ok {
		return
	}
	slot, err := url.PathUnescape(chi.URLParam(r, "slot"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid slot", "validation_error", map[string]string{"field": "timeSlot"})
		return
	}
	key := ledger.EntryKey{
		Year:     nums[0],
		Month:    nums[1],
		Day:      nums[2],
		TimeSlot: ledger.TimeSlot(slot),
		Church:   r.URL.Query().Get("church"),
	}

	entry, err := h.Entries.Get(r.Context(), identity(r), key)
	if err != nil {
		writeDomainError(w, r, h.logger(), err)
		return
	}
	writeJSON(w, http.StatusOK, toEntryDTO(entry))
}

// MonthEntries returns the caller's view of a month: entries in scope, lock
// state and observation.
// POST /api/entries/month
func (h *Handler) MonthEntries(w http.ResponseWriter, r *http.Request) {
	var req ReportRequest
	if !decode(w, r, &req) {
		return
	}
	view, err := h.Reports.MonthView(r.Context(), identity(r), req.Year, req.Month, req.Church)
	if err != nil {
		writeDomainError(w, r, h.logger(), err)
		return
	}
	writeJSON(w, http.StatusOK, toMonthViewDTO(view))
}

// =============================================================================
// MONTH HANDLERS
// =============================================================================

// CloseMonth closes a month to non-administrator writes.
// POST /api/month/close
func (h *Handler) CloseMonth(w http.ResponseWriter, r *http.Request) {
	var req MonthRequest
	if !decode(w, r, &req) {
		return
	}
	status, err := h.Months.Close(r.Context(), identity(r), req.Year, req.Month)
	if err != nil {
		writeDomainError(w, r, h.logger(), err)
		return
	}
	writeJSON(w, http.StatusOK, toMonthStatusDTO(status))
}

// ReopenMonth reopens a closed month.
// POST /api/month/reopen
func (h *Handler) ReopenMonth(w http.ResponseWriter, r *http.Request) {
	var req MonthRequest
	if !decode(w, r, &req) {
		return
	}
	status, err := h.Months.Reopen(r.Context(), identity(r), req.Year, req.Month)
	if err != nil {
		writeDomainError(w, r, h.logger(), err)
		return
	}
	writeJSON(w, http.StatusOK, toMonthStatusDTO(status))
}

// GetMonthStatus returns the lock state of a month; absent means open.
// GET /api/month/{year}/{month}
func (h *Handler) GetMonthStatus(w http.ResponseWriter, r *http.Request) {
	nums, ok := intParams(w, r, "year", "month")
	if !ok {
		return
	}
	status, _, err := h.Months.Status(r.Context(), nums[0], nums[1])
	if err != nil {
		writeDomainError(w, r, h.logger(), err)
		return
	}
	writeJSON(w, http.StatusOK, toMonthStatusDTO(status))
}

// SaveObservation replaces the month's observation.
// POST /api/observations/month
func (h *Handler) SaveObservation(w http.ResponseWriter, r *http.Request) {
	var req ObservationRequest
	if !decode(w, r, &req) {
		return
	}
	obs, err := h.Months.SaveObservation(r.Context(), identity(r), req.Year, req.Month, req.Observation)
	if err != nil {
		writeDomainError(w, r, h.logger(), err)
		return
	}
	writeJSON(w, http.StatusOK, toObservationDTO(obs))
}

// GetObservation returns the month's observation, empty when none exists.
// GET /api/observations/month/{year}/{month}
func (h *Handler) GetObservation(w http.ResponseWriter, r *http.Request) {
	nums, ok := intParams(w, r, "year", "month")
	if !ok {
		return
	}
	obs, err := h.Months.Observation(r.Context(), nums[0], nums[1])
	if err != nil {
		writeDomainError(w, r, h.logger(), err)
		return
	}
	writeJSON(w, http.StatusOK, toObservationDTO(obs))
}

// =============================================================================
// UNLOCK HANDLERS
// =============================================================================

// RequestUnlock files an unlock request for the caller.
// POST /api/unlock/request
func (h *Handler) RequestUnlock(w http.ResponseWriter, r *http.Request) {
	var req UnlockRequestBody
	if !decode(w, r, &req) {
		return
	}
	target := ledger.EntryKey{
		Year:     req.Year,
		Month:    req.Month,
		Day:      req.Day,
		TimeSlot: ledger.TimeSlot(req.TimeSlot),
		Church:   req.Church,
	}
	created, err := h.Unlocks.Request(r.Context(), identity(r), target, req.Reason)
	if err != nil {
		writeDomainError(w, r, h.logger(), err)
		return
	}
	writeJSON(w, http.StatusCreated, toUnlockDTO(created))
}

// ListUnlockRequests returns the pending queue, oldest first.
// GET /api/unlock/requests
func (h *Handler) ListUnlockRequests(w http.ResponseWriter, r *http.Request) {
	pending, err := h.Unlocks.ListPending(r.Context(), identity(r))
	if err != nil {
		writeDomainError(w, r, h.logger(), err)
		return
	}
	dtos := make([]UnlockDTO, len(pending))
	for i, p := range pending {
		dtos[i] = toUnlockDTO(p)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// ApproveUnlock grants a time-boxed write exception.
// POST /api/unlock/approve
func (h *Handler) ApproveUnlock(w http.ResponseWriter, r *http.Request) {
	var req ApproveRequest
	if !decode(w, r, &req) {
		return
	}
	approval, err := h.Unlocks.Approve(r.Context(), identity(r), req.RequestID, req.DurationMinutes)
	if err != nil {
		writeDomainError(w, r, h.logger(), err)
		return
	}
	writeJSON(w, http.StatusOK, toApprovalResponse(approval))
}

// RejectUnlock rejects a pending request.
// POST /api/unlock/reject
func (h *Handler) RejectUnlock(w http.ResponseWriter, r *http.Request) {
	var req RejectRequest
	if !decode(w, r, &req) {
		return
	}
	rejected, err := h.Unlocks.Reject(r.Context(), identity(r), req.RequestID)
	if err != nil {
		writeDomainError(w, r, h.logger(), err)
		return
	}
	writeJSON(w, http.StatusOK, toUnlockDTO(rejected))
}

// =============================================================================
// REPORT HANDLERS
// =============================================================================

// Aggregate returns the month grouped by (day, slot) under the caller's scope.
// POST /api/aggregate
func (h *Handler) Aggregate(w http.ResponseWriter, r *http.Request) {
	var req ReportRequest
	if !decode(w, r, &req) {
		return
	}
	rows, err := h.Reports.Aggregate(r.Context(), identity(r), req.Year, req.Month, req.Church)
	if err != nil {
		writeDomainError(w, r, h.logger(), err)
		return
	}
	writeJSON(w, http.StatusOK, toGroupedEntryDTOs(rows))
}

// Dashboard returns the month summary under the caller's scope.
// POST /api/dashboard/data
func (h *Handler) Dashboard(w http.ResponseWriter, r *http.Request) {
	var req ReportRequest
	if !decode(w, r, &req) {
		return
	}
	d, err := h.Reports.Dashboard(r.Context(), identity(r), req.Year, req.Month, req.Church)
	if err != nil {
		writeDomainError(w, r, h.logger(), err)
		return
	}
	writeJSON(w, http.StatusOK, toDashboardDTO(d))
}

// =============================================================================
// AUDIT
// =============================================================================

// AuditLogs lists audit events, newest first.
// GET /api/audit/logs?actor=&action=&from=&to=&limit=
func (h *Handler) AuditLogs(w http.ResponseWriter, r *http.Request) {
	q, err := auditQuery(r.URL.Query())
	if err != nil {
		writeDomainError(w, r, h.logger(), err)
		return
	}
	events, err := h.Audit.List(r.Context(), identity(r), q)
	if err != nil {
		writeDomainError(w, r, h.logger(), err)
		return
	}
	writeJSON(w, http.StatusOK, toAuditLogsResponse(events))
}

// auditQuery reads the audit filter from the query string. action may repeat;
// from and to are RFC 3339.
func auditQuery(v url.Values) (audit.Query, error) {
	var q audit.Query
	if actor := v.Get("actor"); actor != "" {
		q.ActorID = &actor
	}
	for _, a := range v["action"] {
		if a != "" {
			q.Actions = append(q.Actions, ledger.AuditAction(a))
		}
	}
	for _, p := range []struct {
		name string
		dst  **time.Time
	}{{"from", &q.From}, {"to", &q.To}} {
		raw := v.Get(p.name)
		if raw == "" {
			continue
		}
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return audit.Query{}, &ledger.ValidationError{Field: p.name, Message: "must be an RFC 3339 time"}
		}
		*p.dst = &t
	}
	if raw := v.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			return audit.Query{}, &ledger.ValidationError{Field: "limit", Message: "must be an integer"}
		}
		q.Limit = n
	}
	return q, nil
}

// =============================================================================
// TIME
// =============================================================================

// CurrentTime reports the server clock in the ledger's zone.
// GET /api/time/current
func (h *Handler) CurrentTime(w http.ResponseWriter, r *http.Request) {
	now := h.Clock.Now()
	writeJSON(w, http.StatusOK, CurrentTimeDTO{
		Time:      now.Format(time.RFC3339),
		Formatted: now.Format("02/01/2006 15:04:05"),
		Timezone:  h.Timezone,
	})
}
