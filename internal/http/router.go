package http

import (
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/robertarktes/facility-bookings/internal/idempotency"
	"github.com/robertarktes/facility-bookings/internal/observability"
	"github.com/robertarktes/facility-bookings/internal/ratelimit"
)

func SetupRouter(h *Handlers, logger observability.Logger, rl *ratelimit.RateLimiter, idemp *idempotency.Idempotency, perMinute int) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.Recoverer)
	r.Use(RequestIDMiddleware)
	r.Use(middleware.RealIP)
	r.Use(LoggerMiddleware(logger))
	r.Use(MetricsMiddleware)

	r.Get("/v1/healthz", h.Healthz)
	r.Get("/v1/readyz", h.Readyz)
	r.Get("/metrics", promhttp.Handler().ServeHTTP)

	r.Group(func(r chi.Router) {
		r.Use(TracingMiddleware)
		r.Use(RateLimitMiddleware(rl, perMinute, logger))

		r.Get("/v1/bookings/{ref}", h.GetBooking)
		r.Get("/v1/bookings/{ref}/history", h.GetHistory)
		r.Get("/v1/facilities/{id}/availability", h.GetAvailability)
		r.Post("/v1/payments/callback", h.PaymentCallback)

		r.Group(func(r chi.Router) {
			r.Use(IdempotencyMiddleware(idemp, logger))

			r.Post("/v1/bookings", h.CreateBooking)
			r.Post("/v1/bookings/{ref}/confirm", h.ConfirmBooking)
			r.Post("/v1/bookings/{ref}/cancel", h.CancelBooking)
			r.Post("/v1/bookings/{ref}/complete", h.CompleteBooking)
		})
	})

	return r
}
