package http

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/robertarktes/facility-bookings/internal/booking"
	"github.com/robertarktes/facility-bookings/internal/config"
	"github.com/robertarktes/facility-bookings/internal/domain"
	"github.com/robertarktes/facility-bookings/internal/observability"
	"github.com/robertarktes/facility-bookings/internal/payment"
	"github.com/shopspring/decimal"
)

const maxBodyBytes = 1 << 20

// BookingService is the part of booking.Coordinator the API drives.
type BookingService interface {
	CreateBooking(ctx context.Context, in booking.CreateBookingInput) (domain.Reservation, error)
	ConfirmBooking(ctx context.Context, ref string, pay booking.PaymentConfirmation) (domain.Reservation, error)
	CancelBooking(ctx context.Context, ref, reason string) (domain.Reservation, error)
	CompleteBooking(ctx context.Context, ref string) (domain.Reservation, error)
	GetBooking(ctx context.Context, ref string) (domain.Reservation, error)
	History(ctx context.Context, ref string) ([]domain.Transition, error)
	GetAvailability(ctx context.Context, facilityID uuid.UUID, w domain.Window) (domain.InventoryUnit, error)
}

// ReadyCheck reports whether a dependency can serve traffic.
type ReadyCheck struct {
	Name  string
	Check func(ctx context.Context) error
}

type Handlers struct {
	svc     BookingService
	holdTTL time.Duration
	logger  observability.Logger
	checks  []ReadyCheck
}

func NewHandlers(cfg *config.Config, svc BookingService, logger observability.Logger, checks ...ReadyCheck) *Handlers {
	return &Handlers{svc: svc, holdTTL: cfg.HoldTTL, logger: logger, checks: checks}
}

var validate = validator.New()

type createBookingRequest struct {
	PassengerID  string          `json:"passenger_id" validate:"required,uuid"`
	FacilityID   string          `json:"facility_id" validate:"required,uuid"`
	FacilityType string          `json:"facility_type" validate:"required,oneof=parking lounge hotel"`
	Start        time.Time       `json:"start" validate:"required"`
	End          time.Time       `json:"end" validate:"required,gtfield=Start"`
	Quantity     int             `json:"quantity" validate:"required,min=1,max=50"`
	HoldSeconds  *int            `json:"hold_seconds,omitempty" validate:"omitempty,min=0,max=86400"`
	Details      json.RawMessage `json:"details" validate:"required"`
}

type confirmRequest struct {
	TransactionID string          `json:"transaction_id" validate:"required,max=128"`
	Amount        decimal.Decimal `json:"amount"`
	Currency      string          `json:"currency" validate:"required,len=3"`
}

type cancelRequest struct {
	Reason string `json:"reason" validate:"max=256"`
}

type bookingResponse struct {
	ID            uuid.UUID      `json:"id"`
	ReferenceCode string         `json:"reference_code"`
	State         domain.State   `json:"state"`
	FacilityID    uuid.UUID      `json:"facility_id"`
	FacilityType  string         `json:"facility_type"`
	Start         time.Time      `json:"start"`
	End           time.Time      `json:"end"`
	Quantity      int            `json:"quantity"`
	HoldExpiresAt time.Time      `json:"hold_expires_at"`
	Amount        string         `json:"amount"`
	Currency      string         `json:"currency"`
	PaymentRef    string         `json:"payment_ref,omitempty"`
	Details       domain.Payload `json:"details,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at"`
}

func toBookingResponse(r domain.Reservation) bookingResponse {
	w := r.Unit.Window()
	return bookingResponse{
		ID:            r.ID,
		ReferenceCode: r.ReferenceCode,
		State:         r.State,
		FacilityID:    r.FacilityID,
		FacilityType:  string(r.FacilityType),
		Start:         w.Start,
		End:           w.End,
		Quantity:      r.Quantity,
		HoldExpiresAt: r.HoldExpiresAt,
		Amount:        r.Amount.StringFixed(2),
		Currency:      r.Currency,
		PaymentRef:    r.PaymentRef,
		Details:       r.Payload,
		CreatedAt:     r.CreatedAt,
		UpdatedAt:     r.UpdatedAt,
	}
}

type transitionResponse struct {
	From   domain.State `json:"from"`
	To     domain.State `json:"to"`
	At     time.Time    `json:"at"`
	Actor  string       `json:"actor"`
	Reason string       `json:"reason,omitempty"`
}

type availabilityResponse struct {
	FacilityID uuid.UUID `json:"facility_id"`
	Start      time.Time `json:"start"`
	End        time.Time `json:"end"`
	Total      int       `json:"total"`
	Held       int       `json:"held"`
	Confirmed  int       `json:"confirmed"`
	Available  int       `json:"available"`
}

func (h *Handlers) CreateBooking(w http.ResponseWriter, r *http.Request) {
	var req createBookingRequest
	if !h.decode(w, r, &req) {
		return
	}
	details, err := domain.DecodeDetails(domain.FacilityType(req.FacilityType), req.Details)
	if err != nil {
		writeDomainError(w, r, h.logger, err)
		return
	}
	hold := h.holdTTL
	if req.HoldSeconds != nil {
		hold = time.Duration(*req.HoldSeconds) * time.Second
	}

	res, err := h.svc.CreateBooking(r.Context(), booking.CreateBookingInput{
		PassengerID:  uuid.MustParse(req.PassengerID),
		FacilityID:   uuid.MustParse(req.FacilityID),
		Window:       domain.NewWindow(req.Start, req.End),
		Quantity:     req.Quantity,
		HoldDuration: hold,
		Payload:      details,
	})
	if err != nil {
		writeDomainError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, toBookingResponse(res))
}

func (h *Handlers) GetBooking(w http.ResponseWriter, r *http.Request) {
	res, err := h.svc.GetBooking(r.Context(), chi.URLParam(r, "ref"))
	if err != nil {
		writeDomainError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, toBookingResponse(res))
}

func (h *Handlers) GetHistory(w http.ResponseWriter, r *http.Request) {
	history, err := h.svc.History(r.Context(), chi.URLParam(r, "ref"))
	if err != nil {
		writeDomainError(w, r, h.logger, err)
		return
	}
	out := make([]transitionResponse, 0, len(history))
	for _, t := range history {
		out = append(out, transitionResponse{From: t.From, To: t.To, At: t.At, Actor: t.Actor, Reason: t.Reason})
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handlers) ConfirmBooking(w http.ResponseWriter, r *http.Request) {
	var req confirmRequest
	if !h.decode(w, r, &req) {
		return
	}
	res, err := h.svc.ConfirmBooking(r.Context(), chi.URLParam(r, "ref"), booking.PaymentConfirmation{
		TransactionID: req.TransactionID,
		Amount:        req.Amount,
		Currency:      req.Currency,
	})
	if err != nil {
		writeDomainError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, toBookingResponse(res))
}

func (h *Handlers) CancelBooking(w http.ResponseWriter, r *http.Request) {
	var req cancelRequest
	if r.ContentLength != 0 && !h.decode(w, r, &req) {
		return
	}
	res, err := h.svc.CancelBooking(r.Context(), chi.URLParam(r, "ref"), req.Reason)
	if err != nil {
		writeDomainError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, toBookingResponse(res))
}

func (h *Handlers) CompleteBooking(w http.ResponseWriter, r *http.Request) {
	res, err := h.svc.CompleteBooking(r.Context(), chi.URLParam(r, "ref"))
	if err != nil {
		writeDomainError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, toBookingResponse(res))
}

func (h *Handlers) GetAvailability(w http.ResponseWriter, r *http.Request) {
	facilityID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_INPUT", "invalid facility id")
		return
	}
	q := r.URL.Query()
	start, errStart := time.Parse(time.RFC3339, q.Get("start"))
	end, errEnd := time.Parse(time.RFC3339, q.Get("end"))
	if errStart != nil || errEnd != nil {
		writeError(w, http.StatusBadRequest, "INVALID_INPUT", "start and end must be RFC3339 timestamps")
		return
	}
	win := domain.NewWindow(start, end)

	unit, err := h.svc.GetAvailability(r.Context(), facilityID, win)
	if err != nil {
		writeDomainError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, availabilityResponse{
		FacilityID: facilityID,
		Start:      win.Start,
		End:        win.End,
		Total:      unit.Total,
		Held:       unit.Held,
		Confirmed:  unit.Confirmed,
		Available:  unit.Available(),
	})
}

// PaymentCallback accepts the payment service webhook. Unsuccessful payments are acknowledged and
// leave the hold to expire.
func (h *Handlers) PaymentCallback(w http.ResponseWriter, r *http.Request) {
	var e payment.Event
	if !h.decodeBody(w, r, &e, false) {
		return
	}
	if !e.Succeeded() {
		w.WriteHeader(http.StatusAccepted)
		return
	}
	res, err := h.svc.ConfirmBooking(r.Context(), e.ReferenceCode, e.Confirmation())
	if err != nil {
		writeDomainError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, toBookingResponse(res))
}

func (h *Handlers) Healthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

func (h *Handlers) Readyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	for _, c := range h.checks {
		if err := c.Check(ctx); err != nil {
			observability.LoggerFrom(ctx, h.logger).WithError(err).WithField("dependency", c.Name).Warn("not ready")
			writeError(w, http.StatusServiceUnavailable, codeNotReady, c.Name+" unavailable")
			return
		}
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("Ready"))
}

func (h *Handlers) decode(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	return h.decodeBody(w, r, dst, true)
}

// decodeBody reads a JSON body into dst and validates it, writing a 400 on failure.
func (h *Handlers) decodeBody(w http.ResponseWriter, r *http.Request, dst interface{}, strict bool) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if strict {
		dec.DisallowUnknownFields()
	}
	if err := dec.Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, codeInvalidRequestBody, "invalid request body")
		return false
	}
	if err := validate.Struct(dst); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			writeError(w, http.StatusBadRequest, "INVALID_INPUT", verrs[0].Field()+" failed "+verrs[0].Tag())
			return false
		}
		writeError(w, http.StatusBadRequest, "INVALID_INPUT", err.Error())
		return false
	}
	return true
}
