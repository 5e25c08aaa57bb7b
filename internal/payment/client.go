// Package payment talks to the payment service: refunds go out over HTTP, confirmations come in
// over RabbitMQ or the HTTP callback.
package payment

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/robertarktes/facility-bookings/internal/booking"
	"github.com/robertarktes/facility-bookings/internal/observability"
	"github.com/sony/gobreaker/v2"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// errRejected marks 4xx answers: the request was wrong, the service is healthy.
var errRejected = errors.New("payment service rejected request")

// Client issues refunds. Calls go through a circuit breaker that opens after consecutive failures.
type Client struct {
	baseURL string
	http    *http.Client
	cb      *gobreaker.CircuitBreaker[struct{}]
	logger  observability.Logger
}

func NewClient(baseURL string, timeout time.Duration, logger observability.Logger) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http: &http.Client{
			Timeout:   timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		logger: logger,
	}
	c.cb = gobreaker.NewCircuitBreaker[struct{}](gobreaker.Settings{
		Name:        "payment-refunds",
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, errRejected)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.WithFields(map[string]interface{}{
				"breaker": name,
				"from":    from.String(),
				"to":      to.String(),
			}).Warn("circuit breaker state changed")
		},
	})
	return c
}

type refundRequest struct {
	PaymentRef    string `json:"payment_ref"`
	ReferenceCode string `json:"reference_code"`
	Amount        string `json:"amount"`
	Currency      string `json:"currency"`
	Reason        string `json:"reason,omitempty"`
}

// Refund asks the payment service to return the booking amount. A refund already issued for the
// same booking is reported as success.
func (c *Client) Refund(ctx context.Context, req booking.RefundRequest) error {
	body, err := json.Marshal(refundRequest{
		PaymentRef:    req.PaymentRef,
		ReferenceCode: req.ReferenceCode,
		Amount:        req.Amount.StringFixed(2),
		Currency:      req.Currency,
		Reason:        req.Reason,
	})
	if err != nil {
		return err
	}
	_, err = c.cb.Execute(func() (struct{}, error) {
		return struct{}{}, c.post(ctx, "/v1/refunds", "refund:"+req.ReservationID.String(), body)
	})
	if err != nil {
		return errors.Wrapf(err, "refund %s", req.ReferenceCode)
	}
	return nil
}

func (c *Client) post(ctx context.Context, path, idempotencyKey string, body []byte) error {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Idempotency-Key", idempotencyKey)

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))

	switch {
	case resp.StatusCode < 300, resp.StatusCode == http.StatusConflict:
		return nil
	case resp.StatusCode < 500:
		return errors.Mark(errors.Newf("%s: %d %s", path, resp.StatusCode, bytes.TrimSpace(msg)), errRejected)
	default:
		return errors.Newf("%s: %d %s", path, resp.StatusCode, bytes.TrimSpace(msg))
	}
}
