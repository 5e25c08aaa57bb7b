package payment

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/robertarktes/facility-bookings/internal/booking"
	"github.com/robertarktes/facility-bookings/internal/observability"
	"github.com/shopspring/decimal"
	"github.com/sony/gobreaker/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func refundReq() booking.RefundRequest {
	return booking.RefundRequest{
		ReservationID: uuid.New(),
		ReferenceCode: "BK0123456789ABCDEF",
		PaymentRef:    "tx-1",
		Amount:        decimal.RequireFromString("12.5"),
		Currency:      "EUR",
		Reason:        "flight cancelled",
	}
}

func TestClient_Refund(t *testing.T) {
	var got refundRequest
	var key string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/refunds", r.URL.Path)
		key = r.Header.Get("Idempotency-Key")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	req := refundReq()
	c := NewClient(srv.URL+"/", time.Second, observability.NewNopLogger())
	require.NoError(t, c.Refund(context.Background(), req))

	assert.Equal(t, "12.50", got.Amount)
	assert.Equal(t, "tx-1", got.PaymentRef)
	assert.Equal(t, "refund:"+req.ReservationID.String(), key)
}

func TestClient_RefundAlreadyIssued(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, time.Second, observability.NewNopLogger())
	assert.NoError(t, c.Refund(context.Background(), refundReq()))
}

func TestClient_BreakerOpensOnServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "boom", http.StatusBadGateway)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, time.Second, observability.NewNopLogger())
	for i := 0; i < 5; i++ {
		assert.Error(t, c.Refund(context.Background(), refundReq()))
	}
	err := c.Refund(context.Background(), refundReq())
	assert.ErrorIs(t, err, gobreaker.ErrOpenState)
	assert.Equal(t, int32(5), calls.Load())
}

func TestClient_RejectionsDoNotTripBreaker(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "unknown payment", http.StatusUnprocessableEntity)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, time.Second, observability.NewNopLogger())
	for i := 0; i < 8; i++ {
		err := c.Refund(context.Background(), refundReq())
		assert.ErrorIs(t, err, errRejected)
		assert.ErrorContains(t, err, "422 unknown payment")
	}
	assert.Equal(t, int32(8), calls.Load())
}
