package workflow

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ahmeddyounes/whatsapp-commerce-hub-sub010/internal/domain"
	"github.com/ahmeddyounes/whatsapp-commerce-hub-sub010/internal/lock"
	"github.com/ahmeddyounes/whatsapp-commerce-hub-sub010/internal/repository/memory"
	"github.com/ahmeddyounes/whatsapp-commerce-hub-sub010/internal/saga"
	"github.com/ahmeddyounes/whatsapp-commerce-hub-sub010/pkg/httpclient"
)

// downstream fakes the cart, inventory, order and payment services behind a
// single httptest server and records the calls it saw.
type downstream struct {
	mu    sync.Mutex
	calls []string

	failValidate bool
	failPayment  bool
	failRefund   bool
}

func (d *downstream) record(path string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls = append(d.calls, path)
}

func (d *downstream) saw(path string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, c := range d.calls {
		if c == path {
			return true
		}
	}
	return false
}

func (d *downstream) handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/api/carts/validate", func(w http.ResponseWriter, r *http.Request) {
		d.record(r.URL.Path)
		if d.failValidate {
			writeJSON(w, http.StatusOK, map[string]any{"valid": false, "reason": "cart expired"})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"valid": true, "item_count": 2})
	})
	mux.HandleFunc("/api/inventory/reserve", func(w http.ResponseWriter, r *http.Request) {
		d.record(r.URL.Path)
		writeJSON(w, http.StatusOK, map[string]any{"reservation_ids": []string{"res-1", "res-2"}})
	})
	mux.HandleFunc("/api/inventory/release", func(w http.ResponseWriter, r *http.Request) {
		d.record(r.URL.Path)
		w.WriteHeader(http.StatusNoContent)
	})
	mux.HandleFunc("/api/orders", func(w http.ResponseWriter, r *http.Request) {
		d.record(r.URL.Path)
		writeJSON(w, http.StatusCreated, map[string]any{"order_id": "ord-1"})
	})
	mux.HandleFunc("/api/orders/ord-1/cancel", func(w http.ResponseWriter, r *http.Request) {
		d.record(r.URL.Path)
		w.WriteHeader(http.StatusNoContent)
	})
	mux.HandleFunc("/api/orders/ord-1/confirm", func(w http.ResponseWriter, r *http.Request) {
		d.record(r.URL.Path)
		w.WriteHeader(http.StatusOK)
		_, _ = io.WriteString(w, "{}")
	})
	mux.HandleFunc("/api/payments", func(w http.ResponseWriter, r *http.Request) {
		d.record(r.URL.Path)
		if d.failPayment {
			writeJSON(w, http.StatusUnprocessableEntity, map[string]any{
				"error": map[string]any{"code": "PAYMENT_FAILED", "message": "card declined"},
			})
			return
		}
		writeJSON(w, http.StatusCreated, map[string]any{"payment_id": "pay-1"})
	})
	mux.HandleFunc("/api/payments/pay-1/refund", func(w http.ResponseWriter, r *http.Request) {
		d.record(r.URL.Path)
		if d.failRefund {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})

	return mux
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func newTestWorkflow(t *testing.T, d *downstream) (*Checkout, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(d.handler())
	t.Cleanup(srv.Close)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	client := httpclient.New(httpclient.Config{Timeout: 5 * time.Second})

	w := NewCheckout(client, logger, srv.URL, srv.URL, srv.URL, srv.URL, Timeouts{}, 0)
	return w, srv
}

func newEngine(t *testing.T) *saga.Orchestrator {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return saga.NewOrchestrator(memory.NewStore(), lock.NewMemoryManager(), logger)
}

func checkoutContext() domain.Context {
	return domain.Context{
		"cart_id":        "cart-1",
		"user_id":        "user-1",
		"currency":       "USD",
		"total_amount":   int64(12500),
		"payment_method": "credit_card",
	}
}

func TestCheckout_HappyPath(t *testing.T) {
	d := &downstream{}
	w, _ := newTestWorkflow(t, d)
	engine := newEngine(t)

	res, err := engine.Execute(context.Background(), "saga-ok", CheckoutSagaType, checkoutContext(), w.Steps(nil))
	require.NoError(t, err)
	require.True(t, res.Success)

	assert.Equal(t, "ord-1", resultField(res.StepResults[StepCreateOrder], "order_id"))
	assert.Equal(t, "pay-1", resultField(res.StepResults[StepProcessPayment], "payment_id"))
	assert.True(t, d.saw("/api/orders/ord-1/confirm"))
	assert.False(t, d.saw("/api/inventory/release"))
	assert.False(t, d.saw("/api/orders/ord-1/cancel"))
}

func TestCheckout_PaymentFailureUnwindsOrderAndInventory(t *testing.T) {
	d := &downstream{failPayment: true}
	w, _ := newTestWorkflow(t, d)
	engine := newEngine(t)

	res, err := engine.Execute(context.Background(), "saga-declined", CheckoutSagaType, checkoutContext(), w.Steps(nil))
	require.NoError(t, err)
	require.False(t, res.Success)
	assert.Equal(t, StepProcessPayment, res.FailedStep)
	assert.Contains(t, res.Error, "card declined")
	assert.Empty(t, res.CompensationErrors)

	assert.True(t, d.saw("/api/orders/ord-1/cancel"))
	assert.True(t, d.saw("/api/inventory/release"))
	// The payment never succeeded, so there is nothing to refund.
	assert.False(t, d.saw("/api/payments/pay-1/refund"))
	assert.False(t, d.saw("/api/orders/ord-1/confirm"))
}

func TestCheckout_InvalidCartFailsFastWithoutSideEffects(t *testing.T) {
	d := &downstream{failValidate: true}
	w, _ := newTestWorkflow(t, d)
	engine := newEngine(t)

	res, err := engine.Execute(context.Background(), "saga-badcart", CheckoutSagaType, checkoutContext(), w.Steps(nil))
	require.NoError(t, err)
	require.False(t, res.Success)
	assert.Equal(t, StepValidateCart, res.FailedStep)
	assert.Contains(t, res.Error, "cart expired")

	assert.False(t, d.saw("/api/inventory/reserve"))
	assert.False(t, d.saw("/api/orders"))
}

func TestCheckout_ConfirmFailureDoesNotUnwind(t *testing.T) {
	d := &downstream{}
	w, srv := newTestWorkflow(t, d)
	engine := newEngine(t)

	wBroken := NewCheckout(
		brokenConfirmClient{inner: w.httpClient},
		slog.New(slog.NewTextHandler(io.Discard, nil)),
		srv.URL, srv.URL, srv.URL, srv.URL,
		Timeouts{}, 0,
	)

	res, err := engine.Execute(context.Background(), "saga-noconfirm", CheckoutSagaType, checkoutContext(), wBroken.Steps(nil))
	require.NoError(t, err)
	require.True(t, res.Success, "confirm failure must not fail the saga")

	failure, ok := res.StepResults[StepConfirmOrder].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, true, failure["skipped"])

	assert.False(t, d.saw("/api/payments/pay-1/refund"))
	assert.False(t, d.saw("/api/orders/ord-1/cancel"))
}

func TestCheckout_RegisterAndRebuildSteps(t *testing.T) {
	d := &downstream{}
	w, _ := newTestWorkflow(t, d)

	r := saga.NewRegistry()
	require.NoError(t, w.Register(r))

	factory, ok := r.Lookup(CheckoutSagaType)
	require.True(t, ok)

	steps := factory(checkoutContext())
	require.Len(t, steps, 5)
	assert.Equal(t, StepValidateCart, steps[0].Name)
	assert.Equal(t, StepConfirmOrder, steps[4].Name)
	assert.False(t, steps[4].Critical)
	assert.NotNil(t, steps[1].Compensate)
	assert.NotNil(t, steps[2].Compensate)
	assert.NotNil(t, steps[3].Compensate)
	assert.Nil(t, steps[0].Compensate)
}

func TestReservationIDs(t *testing.T) {
	assert.Equal(t, []string{"a", "b"}, reservationIDs(map[string]any{"reservation_ids": []string{"a", "b"}}))
	// JSON round-tripped shape.
	assert.Equal(t, []string{"a"}, reservationIDs(map[string]any{"reservation_ids": []any{"a"}}))
	assert.Nil(t, reservationIDs("not a map"))
	assert.Nil(t, reservationIDs(nil))
}

// brokenConfirmClient fails confirm calls and forwards everything else.
type brokenConfirmClient struct {
	inner HTTPDoer
}

func (c brokenConfirmClient) Do(ctx context.Context, req *http.Request) (*http.Response, error) {
	if req.URL.Path == "/api/orders/ord-1/confirm" {
		return nil, context.DeadlineExceeded
	}
	return c.inner.Do(ctx, req)
}
