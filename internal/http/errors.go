package http

import (
	"encoding/json"
	"net/http"

	"github.com/robertarktes/facility-bookings/internal/domain"
	"github.com/robertarktes/facility-bookings/internal/observability"
)

const (
	codeInvalidRequestBody = "INVALID_REQUEST_BODY"
	codeIdempotencyKey     = "IDEMPOTENCY_KEY_REQUIRED"
	codeIdempotencyReused  = "IDEMPOTENCY_KEY_REUSED"
	codeInFlight           = "REQUEST_IN_PROGRESS"
	codeRateLimited        = "RATE_LIMITED"
	codeNotReady           = "NOT_READY"
)

type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

var statusByCode = map[string]int{
	"NO_AVAILABILITY":    http.StatusConflict,
	"HOLD_EXPIRED":       http.StatusGone,
	"INVALID_TRANSITION": http.StatusConflict,
	"STALE_STATE":        http.StatusConflict,
	"NOT_FOUND":          http.StatusNotFound,
	"INVALID_INPUT":      http.StatusBadRequest,
	"FACILITY_INACTIVE":  http.StatusConflict,
	"PAYMENT_MISMATCH":   http.StatusUnprocessableEntity,
	"REFUND_FAILED":      http.StatusBadGateway,
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, errorResponse{Error: code, Message: msg})
}

// writeDomainError maps err onto its API code and status. Internal errors are logged and
// reported without detail.
func writeDomainError(w http.ResponseWriter, r *http.Request, logger observability.Logger, err error) {
	code := domain.Code(err)
	status, ok := statusByCode[code]
	if !ok {
		observability.LoggerFrom(r.Context(), logger).WithError(err).Error("request failed")
		writeError(w, http.StatusInternalServerError, "INTERNAL", "internal error")
		return
	}
	writeError(w, status, code, err.Error())
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	data, err := json.Marshal(v)
	if err != nil {
		status = http.StatusInternalServerError
		data = []byte(`{"error":"INTERNAL","message":"internal error"}`)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(data)
}
