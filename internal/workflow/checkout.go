// Package workflow defines the saga step lists executed by the engine. The
// checkout workflow is the first consumer: validate cart, reserve inventory,
// create the order, take payment, confirm.
package workflow

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	apperrors "github.com/ahmeddyounes/whatsapp-commerce-hub-sub010/pkg/errors"
	"github.com/ahmeddyounes/whatsapp-commerce-hub-sub010/pkg/httpclient"

	"github.com/ahmeddyounes/whatsapp-commerce-hub-sub010/internal/domain"
	"github.com/ahmeddyounes/whatsapp-commerce-hub-sub010/internal/saga"
)

// CheckoutSagaType is the registry key for the checkout workflow.
const CheckoutSagaType = "checkout"

// Checkout step names, in execution order.
const (
	StepValidateCart     = "validate_cart"
	StepReserveInventory = "reserve_inventory"
	StepCreateOrder      = "create_order"
	StepProcessPayment   = "process_payment"
	StepConfirmOrder     = "confirm_order"
)

// CircuitOpenFallback returns a structured error with a retry hint when the
// circuit breaker is open, instead of letting the raw ErrCircuitOpen
// propagate into a step failure message.
func CircuitOpenFallback(_ context.Context, _ error) (*http.Response, error) {
	return nil, apperrors.ServiceUnavailable("downstream service is temporarily unavailable, please retry after 30 seconds")
}

// HTTPDoer is the interface for executing HTTP requests. Both
// httpclient.Client and httpclient.CircuitBreakerClient satisfy this.
type HTTPDoer interface {
	Do(ctx context.Context, req *http.Request) (*http.Response, error)
}

// Timeouts holds per-step timeout overrides. A zero value keeps the engine's
// default step timeout.
type Timeouts struct {
	InventoryTimeout time.Duration
	OrderTimeout     time.Duration
	PaymentTimeout   time.Duration
}

// Checkout builds the checkout saga's step list from the initial context.
// The initial context must carry cart_id, user_id, currency, total_amount and
// payment_method; step closures read earlier results from the saga context.
type Checkout struct {
	httpClient          HTTPDoer
	logger              *slog.Logger
	cartServiceURL      string
	inventoryServiceURL string
	orderServiceURL     string
	paymentServiceURL   string
	timeouts            Timeouts
	maxRetries          int
}

// NewCheckout creates the checkout workflow definition.
func NewCheckout(
	httpClient HTTPDoer,
	logger *slog.Logger,
	cartServiceURL, inventoryServiceURL, orderServiceURL, paymentServiceURL string,
	timeouts Timeouts,
	maxRetries int,
) *Checkout {
	return &Checkout{
		httpClient:          httpClient,
		logger:              logger,
		cartServiceURL:      cartServiceURL,
		inventoryServiceURL: inventoryServiceURL,
		orderServiceURL:     orderServiceURL,
		paymentServiceURL:   paymentServiceURL,
		timeouts:            timeouts,
		maxRetries:          maxRetries,
	}
}

// Register adds the checkout workflow to the saga registry so the recovery
// sweep can rebuild its steps from persisted state.
func (w *Checkout) Register(r *saga.Registry) error {
	return r.Register(CheckoutSagaType, w.Steps)
}

// Steps returns the checkout step list. The returned steps close over the
// workflow's HTTP client only; all per-saga data flows through the saga
// context.
func (w *Checkout) Steps(_ domain.Context) []saga.Step {
	steps := []saga.Step{
		saga.NewStep(StepValidateCart, w.validateCart).
			WithMaxRetries(w.maxRetries),

		saga.NewStep(StepReserveInventory, w.reserveInventory).
			WithCompensation(w.releaseInventory).
			WithMaxRetries(w.maxRetries),

		saga.NewStep(StepCreateOrder, w.createOrder).
			WithCompensation(w.cancelOrder).
			WithMaxRetries(w.maxRetries),

		saga.NewStep(StepProcessPayment, w.processPayment).
			WithCompensation(w.refundPayment),

		// Confirmation is advisory: a failure here must not unwind the
		// payment that already went through.
		saga.NewStep(StepConfirmOrder, w.confirmOrder).
			WithMaxRetries(w.maxRetries).
			NonCritical(),
	}

	if w.timeouts.InventoryTimeout > 0 {
		steps[1] = steps[1].WithTimeout(w.timeouts.InventoryTimeout)
	}
	if w.timeouts.OrderTimeout > 0 {
		steps[2] = steps[2].WithTimeout(w.timeouts.OrderTimeout)
	}
	if w.timeouts.PaymentTimeout > 0 {
		steps[3] = steps[3].WithTimeout(w.timeouts.PaymentTimeout)
	}

	return steps
}

// validateCart calls the cart service to check the cart still exists and is
// purchasable at the quoted amount.
func (w *Checkout) validateCart(ctx context.Context, sc domain.Context) (any, error) {
	type validateRequest struct {
		CartID      string `json:"cart_id"`
		UserID      string `json:"user_id"`
		TotalAmount int64  `json:"total_amount"`
		Currency    string `json:"currency"`
	}

	type validateResponse struct {
		Valid     bool   `json:"valid"`
		Reason    string `json:"reason"`
		ItemCount int    `json:"item_count"`
	}

	req := validateRequest{
		CartID:      stringValue(sc, "cart_id"),
		UserID:      stringValue(sc, "user_id"),
		TotalAmount: int64Value(sc, "total_amount"),
		Currency:    stringValue(sc, "currency"),
	}
	if req.CartID == "" {
		return nil, apperrors.InvalidInput("cart_id is required")
	}

	var resp validateResponse
	if err := w.postJSON(ctx, w.cartServiceURL+"/api/carts/validate", "cart", req, &resp); err != nil {
		return nil, err
	}
	if !resp.Valid {
		return nil, apperrors.InvalidInput(fmt.Sprintf("cart %s is not purchasable: %s", req.CartID, resp.Reason))
	}

	w.logger.InfoContext(ctx, "cart validated",
		slog.String("cart_id", req.CartID),
		slog.Int("item_count", resp.ItemCount),
	)

	return map[string]any{"valid": true, "item_count": resp.ItemCount}, nil
}

// reserveInventory places holds on all cart items.
func (w *Checkout) reserveInventory(ctx context.Context, sc domain.Context) (any, error) {
	type reserveRequest struct {
		CartID string `json:"cart_id"`
		UserID string `json:"user_id"`
	}

	type reserveResponse struct {
		ReservationIDs []string `json:"reservation_ids"`
	}

	req := reserveRequest{
		CartID: stringValue(sc, "cart_id"),
		UserID: stringValue(sc, "user_id"),
	}

	var resp reserveResponse
	if err := w.postJSON(ctx, w.inventoryServiceURL+"/api/inventory/reserve", "inventory", req, &resp); err != nil {
		return nil, err
	}

	w.logger.InfoContext(ctx, "inventory reserved",
		slog.String("cart_id", req.CartID),
		slog.Int("reservations", len(resp.ReservationIDs)),
	)

	return map[string]any{"reservation_ids": resp.ReservationIDs}, nil
}

// releaseInventory is the compensating action for reserveInventory.
func (w *Checkout) releaseInventory(ctx context.Context, result any, _ domain.Context) error {
	ids := reservationIDs(result)
	if len(ids) == 0 {
		return nil
	}

	type releaseRequest struct {
		ReservationIDs []string `json:"reservation_ids"`
	}

	if err := w.postJSON(ctx, w.inventoryServiceURL+"/api/inventory/release", "inventory", releaseRequest{ReservationIDs: ids}, nil); err != nil {
		return fmt.Errorf("release reservations: %w", err)
	}

	w.logger.InfoContext(ctx, "inventory reservations released",
		slog.Int("count", len(ids)),
	)

	return nil
}

// createOrder creates the order from the validated cart.
func (w *Checkout) createOrder(ctx context.Context, sc domain.Context) (any, error) {
	type createOrderRequest struct {
		CartID         string   `json:"cart_id"`
		UserID         string   `json:"user_id"`
		Currency       string   `json:"currency"`
		TotalAmount    int64    `json:"total_amount"`
		ReservationIDs []string `json:"reservation_ids"`
	}

	type createOrderResponse struct {
		OrderID string `json:"order_id"`
	}

	var ids []string
	if res, ok := sc.StepResult(StepReserveInventory); ok {
		ids = reservationIDs(res)
	}

	req := createOrderRequest{
		CartID:         stringValue(sc, "cart_id"),
		UserID:         stringValue(sc, "user_id"),
		Currency:       stringValue(sc, "currency"),
		TotalAmount:    int64Value(sc, "total_amount"),
		ReservationIDs: ids,
	}

	var resp createOrderResponse
	if err := w.postJSON(ctx, w.orderServiceURL+"/api/orders", "order", req, &resp); err != nil {
		return nil, err
	}

	w.logger.InfoContext(ctx, "order created",
		slog.String("cart_id", req.CartID),
		slog.String("order_id", resp.OrderID),
	)

	return map[string]any{"order_id": resp.OrderID}, nil
}

// cancelOrder is the compensating action for createOrder.
func (w *Checkout) cancelOrder(ctx context.Context, result any, _ domain.Context) error {
	orderID := resultField(result, "order_id")
	if orderID == "" {
		return nil
	}

	if err := w.postJSON(ctx, w.orderServiceURL+"/api/orders/"+orderID+"/cancel", "order", nil, nil); err != nil {
		return fmt.Errorf("cancel order %s: %w", orderID, err)
	}

	w.logger.InfoContext(ctx, "order cancelled",
		slog.String("order_id", orderID),
	)

	return nil
}

// processPayment charges the customer for the order.
func (w *Checkout) processPayment(ctx context.Context, sc domain.Context) (any, error) {
	type paymentRequest struct {
		OrderID       string `json:"order_id"`
		UserID        string `json:"user_id"`
		Amount        int64  `json:"amount"`
		Currency      string `json:"currency"`
		PaymentMethod string `json:"payment_method"`
	}

	type paymentResponse struct {
		PaymentID string `json:"payment_id"`
	}

	var orderID string
	if res, ok := sc.StepResult(StepCreateOrder); ok {
		orderID = resultField(res, "order_id")
	}

	req := paymentRequest{
		OrderID:       orderID,
		UserID:        stringValue(sc, "user_id"),
		Amount:        int64Value(sc, "total_amount"),
		Currency:      stringValue(sc, "currency"),
		PaymentMethod: stringValue(sc, "payment_method"),
	}

	var resp paymentResponse
	if err := w.postJSON(ctx, w.paymentServiceURL+"/api/payments", "payment", req, &resp); err != nil {
		return nil, err
	}

	w.logger.InfoContext(ctx, "payment processed",
		slog.String("order_id", orderID),
		slog.String("payment_id", resp.PaymentID),
	)

	return map[string]any{"payment_id": resp.PaymentID}, nil
}

// refundPayment is the compensating action for processPayment.
func (w *Checkout) refundPayment(ctx context.Context, result any, _ domain.Context) error {
	paymentID := resultField(result, "payment_id")
	if paymentID == "" {
		return nil
	}

	if err := w.postJSON(ctx, w.paymentServiceURL+"/api/payments/"+paymentID+"/refund", "payment", nil, nil); err != nil {
		return fmt.Errorf("refund payment %s: %w", paymentID, err)
	}

	w.logger.InfoContext(ctx, "payment refunded",
		slog.String("payment_id", paymentID),
	)

	return nil
}

// confirmOrder tells the order service the payment cleared.
func (w *Checkout) confirmOrder(ctx context.Context, sc domain.Context) (any, error) {
	var orderID string
	if res, ok := sc.StepResult(StepCreateOrder); ok {
		orderID = resultField(res, "order_id")
	}
	if orderID == "" {
		return nil, fmt.Errorf("no order id to confirm")
	}

	if err := w.postJSON(ctx, w.orderServiceURL+"/api/orders/"+orderID+"/confirm", "order", nil, nil); err != nil {
		return nil, err
	}

	w.logger.InfoContext(ctx, "order confirmed",
		slog.String("order_id", orderID),
	)

	return map[string]any{"confirmed": true}, nil
}

// postJSON marshals req (when non-nil), POSTs it, checks for a 2xx status and
// decodes the body into out (when non-nil).
func (w *Checkout) postJSON(ctx context.Context, url, serviceName string, req, out any) error {
	var body *bytes.Reader
	if req != nil {
		raw, err := json.Marshal(req)
		if err != nil {
			return fmt.Errorf("marshal %s request: %w", serviceName, err)
		}
		body = bytes.NewReader(raw)
	} else {
		body = bytes.NewReader(nil)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, body)
	if err != nil {
		return fmt.Errorf("create %s request: %w", serviceName, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := w.httpClient.Do(ctx, httpReq)
	if err != nil {
		return fmt.Errorf("call %s service: %w", serviceName, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return httpclient.ParseResponseError(resp, serviceName)
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decode %s response: %w", serviceName, err)
		}
	}

	return nil
}

// stringValue reads a string key from the saga context.
func stringValue(sc domain.Context, key string) string {
	s, _ := sc[key].(string)
	return s
}

// int64Value reads a numeric key from the saga context. JSON round-tripping
// stores numbers as float64.
func int64Value(sc domain.Context, key string) int64 {
	switch v := sc[key].(type) {
	case int64:
		return v
	case int:
		return int64(v)
	case float64:
		return int64(v)
	default:
		return 0
	}
}

// resultField reads a string field out of a step result map, accepting both
// the live map and its JSON round-tripped shape.
func resultField(result any, field string) string {
	m, ok := result.(map[string]any)
	if !ok {
		return ""
	}
	s, _ := m[field].(string)
	return s
}

// reservationIDs extracts the reservation id list from a reserve_inventory
// step result.
func reservationIDs(result any) []string {
	m, ok := result.(map[string]any)
	if !ok {
		return nil
	}
	switch v := m["reservation_ids"].(type) {
	case []string:
		return v
	case []any:
		ids := make([]string, 0, len(v))
		for _, e := range v {
			if s, ok := e.(string); ok {
				ids = append(ids, s)
			}
		}
		return ids
	default:
		return nil
	}
}
