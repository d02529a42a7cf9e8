/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the internal domain model from the external API contract.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients
  - *Response: Complex response wrappers

MONEY:
  Requests accept a value as a JSON number or a quoted string. Responses
  emit json.Number so the exact decimal digits reach the client.

VALIDATION:
  Validation is done by the domain services, not in DTOs. DTOs are pure data
  carriers.

SEE ALSO:
  - handlers.go: Uses these types
  - report/engine.go: GroupedEntry
*/
package api

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/ledgerlock/ledger"
	"github.com/warp/ledgerlock/report"
	"github.com/warp/ledgerlock/unlock"
)

// =============================================================================
// ERRORS
// =============================================================================

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code"`
	Details any    `json:"details,omitempty"`
}

func money(d decimal.Decimal) json.Number {
	return json.Number(d.String())
}

func timePtr(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.Format(time.RFC3339)
}

// =============================================================================
// ENTRIES
// =============================================================================

// SaveEntryRequest writes the value of one entry.
type SaveEntryRequest struct {
	Year     int             `json:"year"`
	Month    int             `json:"month"`
	Day      int             `json:"day"`
	TimeSlot string          `json:"timeSlot"`
	Church   string          `json:"church"`
	Value    decimal.Decimal `json:"value"`
	Note     string          `json:"note,omitempty"`
}

func (r SaveEntryRequest) key() ledger.EntryKey {
	return ledger.EntryKey{Year: r.Year, Month: r.Month, Day: r.Day, TimeSlot: ledger.TimeSlot(r.TimeSlot), Church: r.Church}
}

type EntryDTO struct {
	Year       int         `json:"year"`
	Month      int         `json:"month"`
	Day        int         `json:"day"`
	TimeSlot   string      `json:"timeSlot"`
	Church     string      `json:"church"`
	ChurchName string      `json:"churchName,omitempty"`
	State      string      `json:"state,omitempty"`
	Value      json.Number `json:"value"`
	Note       string      `json:"note,omitempty"`
	OwnerID    string      `json:"ownerId"`
	CreatedAt  string      `json:"createdAt"`
	UpdatedAt  string      `json:"updatedAt"`
}

func toEntryDTO(e ledger.Entry) EntryDTO {
	return EntryDTO{
		Year:       e.Key.Year,
		Month:      e.Key.Month,
		Day:        e.Key.Day,
		TimeSlot:   string(e.Key.TimeSlot),
		Church:     e.Key.Church,
		ChurchName: e.ChurchName,
		State:      e.State,
		Value:      money(e.Value),
		Note:       e.Note,
		OwnerID:    e.OwnerID,
		CreatedAt:  e.CreatedAt.Format(time.RFC3339),
		UpdatedAt:  e.UpdatedAt.Format(time.RFC3339),
	}
}

// SaveEntryResponse reports the stored entry and why the write was allowed.
type SaveEntryResponse struct {
	Entry   EntryDTO `json:"entry"`
	Reason  string   `json:"reason"`
	GrantID string   `json:"grantId,omitempty"`
}

// =============================================================================
// MONTHS
// =============================================================================

// MonthRequest names a month for close and reopen.
type MonthRequest struct {
	Year  int `json:"year"`
	Month int `json:"month"`
}

type MonthStatusDTO struct {
	MonthID    string `json:"monthId"`
	Year       int    `json:"year"`
	Month      int    `json:"month"`
	Closed     bool   `json:"closed"`
	ClosedBy   string `json:"closedBy,omitempty"`
	ClosedAt   string `json:"closedAt,omitempty"`
	ReopenedBy string `json:"reopenedBy,omitempty"`
	ReopenedAt string `json:"reopenedAt,omitempty"`
}

func toMonthStatusDTO(s ledger.MonthStatus) MonthStatusDTO {
	return MonthStatusDTO{
		MonthID:    ledger.MonthID(s.Year, s.Month),
		Year:       s.Year,
		Month:      s.Month,
		Closed:     s.Closed,
		ClosedBy:   s.ClosedBy,
		ClosedAt:   timePtr(s.ClosedAt),
		ReopenedBy: s.ReopenedBy,
		ReopenedAt: timePtr(s.ReopenedAt),
	}
}

// ObservationRequest saves the month's free-text note.
type ObservationRequest struct {
	Year        int    `json:"year"`
	Month       int    `json:"month"`
	Observation string `json:"observation"`
}

type ObservationDTO struct {
	Year        int    `json:"year"`
	Month       int    `json:"month"`
	Observation string `json:"observation"`
	Chars       int    `json:"chars"`
	UpdatedBy   string `json:"updatedBy,omitempty"`
	UpdatedAt   string `json:"updatedAt,omitempty"`
}

func toObservationDTO(o ledger.MonthObservation) ObservationDTO {
	dto := ObservationDTO{
		Year:        o.Year,
		Month:       o.Month,
		Observation: o.Text,
		Chars:       len([]rune(o.Text)),
		UpdatedBy:   o.UpdatedBy,
	}
	if !o.UpdatedAt.IsZero() {
		dto.UpdatedAt = o.UpdatedAt.Format(time.RFC3339)
	}
	return dto
}

// =============================================================================
// UNLOCK REQUESTS
// =============================================================================

// UnlockRequestBody files an unlock request for one entry key.
type UnlockRequestBody struct {
	Year     int    `json:"year"`
	Month    int    `json:"month"`
	Day      int    `json:"day"`
	TimeSlot string `json:"timeSlot"`
	Church   string `json:"church"`
	Reason   string `json:"reason"`
}

// ApproveRequest approves a pending request. A zero duration means the
// configured default.
type ApproveRequest struct {
	RequestID       string `json:"requestId"`
	DurationMinutes int    `json:"durationMinutes,omitempty"`
}

type RejectRequest struct {
	RequestID string `json:"requestId"`
}

type UnlockDTO struct {
	ID              string `json:"requestId"`
	RequesterID     string `json:"requesterId"`
	Year            int    `json:"year"`
	Month           int    `json:"month"`
	Day             int    `json:"day"`
	TimeSlot        string `json:"timeSlot"`
	Church          string `json:"church"`
	EntryExists     bool   `json:"entryExists"`
	Reason          string `json:"reason"`
	Status          string `json:"status"`
	CreatedAt       string `json:"createdAt"`
	DecidedBy       string `json:"decidedBy,omitempty"`
	DecidedAt       string `json:"decidedAt,omitempty"`
	DurationMinutes int    `json:"durationMinutes,omitempty"`
	ExpiresAt       string `json:"expiresAt,omitempty"`
}

func toUnlockDTO(r ledger.UnlockRequest) UnlockDTO {
	dto := UnlockDTO{
		ID:              r.ID,
		RequesterID:     r.RequesterID,
		Year:            r.Target.Year,
		Month:           r.Target.Month,
		Day:             r.Target.Day,
		TimeSlot:        string(r.Target.TimeSlot),
		Church:          r.Target.Church,
		EntryExists:     r.EntryExists,
		Reason:          r.Reason,
		Status:          string(r.Status),
		CreatedAt:       r.CreatedAt.Format(time.RFC3339),
		DecidedBy:       r.DecidedBy,
		DecidedAt:       timePtr(r.DecidedAt),
		DurationMinutes: r.DurationMinutes,
	}
	if exp := r.GrantExpiresAt(); !exp.IsZero() {
		dto.ExpiresAt = exp.Format(time.RFC3339)
	}
	return dto
}

// ApprovalResponse carries the approved request and the closed-month warning.
type ApprovalResponse struct {
	Request     UnlockDTO `json:"request"`
	MonthClosed bool      `json:"monthClosed"`
	Warning     string    `json:"warning,omitempty"`
}

func toApprovalResponse(a unlock.Approval) ApprovalResponse {
	return ApprovalResponse{Request: toUnlockDTO(a.Request), MonthClosed: a.MonthClosed, Warning: a.Warning}
}

// =============================================================================
// REPORTS
// =============================================================================

// ReportRequest selects a month and optionally one church.
type ReportRequest struct {
	Year   int    `json:"year"`
	Month  int    `json:"month"`
	Church string `json:"church,omitempty"`
}

type ChurchValueDTO struct {
	ChurchID   string      `json:"churchId,omitempty"`
	ChurchName string      `json:"churchName"`
	Value      json.Number `json:"value"`
}

type GroupedEntryDTO struct {
	Day         int              `json:"day"`
	TimeSlot    string           `json:"timeSlot"`
	Value       json.Number      `json:"value"`
	TotalValue  json.Number      `json:"totalValue"`
	Churches    []ChurchValueDTO `json:"churches"`
	ChurchCount int              `json:"churchCount"`
	ChurchID    string           `json:"churchId,omitempty"`
	Church      string           `json:"church,omitempty"`
}

func toGroupedEntryDTOs(rows []report.GroupedEntry) []GroupedEntryDTO {
	dtos := make([]GroupedEntryDTO, len(rows))
	for i, g := range rows {
		churches := make([]ChurchValueDTO, len(g.Churches))
		for j, c := range g.Churches {
			churches[j] = ChurchValueDTO{ChurchID: c.ChurchID, ChurchName: c.ChurchName, Value: money(c.Value)}
		}
		dtos[i] = GroupedEntryDTO{
			Day:         g.Day,
			TimeSlot:    string(g.TimeSlot),
			Value:       money(g.Value),
			TotalValue:  money(g.TotalValue),
			Churches:    churches,
			ChurchCount: g.ChurchCount,
			ChurchID:    g.ChurchID,
			Church:      g.Church,
		}
	}
	return dtos
}

type DayTotalDTO struct {
	Day   int         `json:"day"`
	Total json.Number `json:"total"`
}

type SlotTotalDTO struct {
	TimeSlot string      `json:"timeSlot"`
	Total    json.Number `json:"total"`
}

type DashboardDTO struct {
	DailyData    []DayTotalDTO  `json:"dailyData"`
	TimeSlotData []SlotTotalDTO `json:"timeSlotData"`
	Total        json.Number    `json:"total"`
	Average      json.Number    `json:"average"`
	EntryCount   int            `json:"entryCount"`
}

func toDashboardDTO(d report.Dashboard) DashboardDTO {
	dto := DashboardDTO{
		DailyData:    make([]DayTotalDTO, len(d.DailyData)),
		TimeSlotData: make([]SlotTotalDTO, len(d.TimeSlotData)),
		Total:        money(d.Total),
		Average:      money(d.Average),
		EntryCount:   d.EntryCount,
	}
	for i, day := range d.DailyData {
		dto.DailyData[i] = DayTotalDTO{Day: day.Day, Total: money(day.Total)}
	}
	for i, slot := range d.TimeSlotData {
		dto.TimeSlotData[i] = SlotTotalDTO{TimeSlot: string(slot.TimeSlot), Total: money(slot.Total)}
	}
	return dto
}

// MonthViewDTO is the working view of a month: entries in scope plus the
// month's state.
type MonthViewDTO struct {
	Entries          []EntryDTO `json:"entries"`
	MonthClosed      bool       `json:"monthClosed"`
	MonthObservation string     `json:"monthObservation"`
}

func toMonthViewDTO(v report.MonthView) MonthViewDTO {
	dto := MonthViewDTO{
		Entries:          make([]EntryDTO, len(v.Entries)),
		MonthClosed:      v.Closed,
		MonthObservation: v.Observation.Text,
	}
	for i, e := range v.Entries {
		dto.Entries[i] = toEntryDTO(e)
	}
	return dto
}

// =============================================================================
// AUDIT
// =============================================================================

type AuditEventDTO struct {
	ID        string         `json:"id"`
	Action    string         `json:"action"`
	ActorID   string         `json:"actorId"`
	Timestamp string         `json:"timestamp"`
	Details   map[string]any `json:"details,omitempty"`
}

type AuditLogsResponse struct {
	Logs []AuditEventDTO `json:"logs"`
}

func toAuditLogsResponse(events []ledger.AuditEvent) AuditLogsResponse {
	resp := AuditLogsResponse{Logs: make([]AuditEventDTO, len(events))}
	for i, e := range events {
		resp.Logs[i] = AuditEventDTO{
			ID:        e.ID,
			Action:    string(e.Action),
			ActorID:   e.ActorID,
			Timestamp: e.Timestamp.Format(time.RFC3339),
			Details:   e.Details,
		}
	}
	return resp
}

// =============================================================================
// TIME
// =============================================================================

type CurrentTimeDTO struct {
	Time      string `json:"time"`
	Formatted string `json:"formatted"`
	Timezone  string `json:"timezone"`
}
