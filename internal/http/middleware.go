package http

import (
	"bytes"
	"context"
	"io"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/robertarktes/facility-bookings/internal/idempotency"
	"github.com/robertarktes/facility-bookings/internal/observability"
	"github.com/robertarktes/facility-bookings/internal/ratelimit"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

const (
	headerIdempotencyKey = "Idempotency-Key"
	headerReplayed       = "Idempotent-Replayed"
	headerPassengerID    = "X-Passenger-ID"
)

func RequestIDMiddleware(next http.Handler) http.Handler {
	return middleware.RequestID(next)
}

// LoggerMiddleware puts a request-scoped logger in the context and logs each completed request.
func LoggerMiddleware(logger observability.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			entry := logger.WithField("request_id", middleware.GetReqID(r.Context()))
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			next.ServeHTTP(ww, r.WithContext(observability.ContextWithLogger(r.Context(), entry)))

			entry.WithFields(map[string]interface{}{
				"method":      r.Method,
				"path":        r.URL.Path,
				"status":      statusOf(ww),
				"duration_ms": time.Since(start).Milliseconds(),
			}).Info("request")
		})
	}
}

// MetricsMiddleware counts requests by route pattern, so path parameters do not explode the label set.
func MetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}
		observability.RequestsTotal.WithLabelValues(route, strconv.Itoa(statusOf(ww)), r.Method).Inc()
	})
}

func TracingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := otel.GetTextMapPropagator().Extract(r.Context(), propagation.HeaderCarrier(r.Header))
		ctx, span := observability.Tracer().Start(ctx, r.Method+" "+r.URL.Path, trace.WithSpanKind(trace.SpanKindServer))
		defer span.End()

		span.SetAttributes(
			attribute.String("http.method", r.Method),
			attribute.String("http.url", r.URL.String()),
		)

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r.WithContext(ctx))

		status := statusOf(ww)
		span.SetAttributes(attribute.Int("http.status_code", status))
		if status >= http.StatusInternalServerError {
			span.SetStatus(codes.Error, http.StatusText(status))
		}
	})
}

// RateLimitMiddleware allows perMinute requests per passenger (when identified) and per client IP.
// A failing counter lets requests through.
func RateLimitMiddleware(rl *ratelimit.RateLimiter, perMinute int, logger observability.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			keys := []string{"ip:" + clientIP(r)}
			if p := r.Header.Get(headerPassengerID); p != "" {
				keys = append(keys, "passenger:"+p)
			}
			for _, key := range keys {
				ok, err := rl.Allow(r.Context(), key, perMinute, time.Minute)
				if err != nil {
					observability.LoggerFrom(r.Context(), logger).WithError(err).Warn("rate limiter unavailable")
				}
				if !ok {
					observability.RateLimitExceeded.Inc()
					w.Header().Set("Retry-After", "60")
					writeError(w, http.StatusTooManyRequests, codeRateLimited, "rate limit exceeded")
					return
				}
			}
			next.ServeHTTP(w, r)
		})
	}
}

// IdempotencyMiddleware requires an Idempotency-Key on POST and replays the stored response for a
// key seen before. Server errors are not stored so the request can be retried.
func IdempotencyMiddleware(idemp *idempotency.Idempotency, logger observability.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Method != http.MethodPost {
				next.ServeHTTP(w, r)
				return
			}
			key := r.Header.Get(headerIdempotencyKey)
			if len(key) < 8 || len(key) > 128 {
				writeError(w, http.StatusBadRequest, codeIdempotencyKey, "Idempotency-Key header of 8 to 128 characters is required")
				return
			}
			body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
			if err != nil {
				writeError(w, http.StatusBadRequest, codeInvalidRequestBody, "invalid request body")
				return
			}
			r.Body = io.NopCloser(bytes.NewReader(body))
			fp := idempotency.Fingerprint(r.Method, r.URL.Path, body)
			log := observability.LoggerFrom(r.Context(), logger)

			stored, claim, err := idemp.Begin(r.Context(), key, fp)
			switch {
			case errors.Is(err, idempotency.ErrKeyReused):
				writeError(w, http.StatusUnprocessableEntity, codeIdempotencyReused, err.Error())
				return
			case errors.Is(err, idempotency.ErrInFlight):
				writeError(w, http.StatusConflict, codeInFlight, err.Error())
				return
			case err != nil:
				log.WithError(err).Warn("idempotency store unavailable, serving without replay protection")
				next.ServeHTTP(w, r)
				return
			case stored != nil:
				if stored.ContentType != "" {
					w.Header().Set("Content-Type", stored.ContentType)
				}
				w.Header().Set(headerReplayed, "true")
				w.WriteHeader(stored.Status)
				_, _ = w.Write(stored.Result)
				return
			}

			var buf bytes.Buffer
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			ww.Tee(&buf)
			next.ServeHTTP(ww, r)

			ctx := context.WithoutCancel(r.Context())
			status := statusOf(ww)
			if status >= http.StatusInternalServerError {
				err = idemp.Abort(ctx, claim)
			} else {
				err = idemp.Finish(ctx, claim, idempotency.Response{
					Status:      status,
					ContentType: ww.Header().Get("Content-Type"),
					Result:      buf.Bytes(),
					Fingerprint: fp,
				})
			}
			if err != nil {
				log.WithError(err).Warn("failed to record idempotent response")
			}
		})
	}
}

func statusOf(ww middleware.WrapResponseWriter) int {
	if ww.Status() == 0 {
		return http.StatusOK
	}
	return ww.Status()
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
