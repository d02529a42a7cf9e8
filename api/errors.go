package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5/middleware"

	"github.com/warp/ledgerlock/ledger"
)

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message, code string, details any) {
	writeJSON(w, status, ErrorResponse{Error: message, Code: code, Details: details})
}

// statusFor maps a domain error to its HTTP status and error code.
func statusFor(err error) (int, string) {
	var denied *ledger.DeniedError
	switch {
	case errors.Is(err, ledger.ErrValidation):
		return http.StatusBadRequest, "validation_error"
	case errors.Is(err, ledger.ErrOutOfScope):
		return http.StatusForbidden, string(ledger.DenyOutOfScope)
	case errors.Is(err, ledger.ErrForbidden):
		return http.StatusForbidden, "forbidden"
	case ledger.IsNotFound(err):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, ledger.ErrAlreadyDecided):
		return http.StatusConflict, "already_decided"
	case errors.Is(err, ledger.ErrAlreadyPending):
		return http.StatusConflict, "already_pending"
	case errors.As(err, &denied):
		return http.StatusLocked, string(denied.Reason)
	case errors.Is(err, ledger.ErrMonthClosed):
		return http.StatusLocked, string(ledger.DenyMonthClosed)
	case errors.Is(err, ledger.ErrEditWindowExpired):
		return http.StatusLocked, string(ledger.DenyEditWindowExpired)
	}
	return http.StatusInternalServerError, "internal_error"
}

// writeDomainError maps err and writes it. Server errors are logged and their
// text is not echoed to the client.
func writeDomainError(w http.ResponseWriter, r *http.Request, logger *slog.Logger, err error) {
	status, code := statusFor(err)
	if status == http.StatusInternalServerError {
		logger.ErrorContext(r.Context(), "request failed",
			"error", err,
			"method", r.Method,
			"path", r.URL.Path,
			"request_id", middleware.GetReqID(r.Context()),
		)
		writeError(w, status, "Internal server error", code, nil)
		return
	}

	var details any
	var verr *ledger.ValidationError
	if errors.As(err, &verr) {
		details = map[string]string{"field": verr.Field}
	}
	writeError(w, status, err.Error(), code, details)
}
