package http

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	apperrors "github.com/ahmeddyounes/whatsapp-commerce-hub-sub010/pkg/errors"
	"github.com/ahmeddyounes/whatsapp-commerce-hub-sub010/pkg/httputil"
	"github.com/ahmeddyounes/whatsapp-commerce-hub-sub010/pkg/pagination"
	"github.com/ahmeddyounes/whatsapp-commerce-hub-sub010/pkg/validator"

	"github.com/ahmeddyounes/whatsapp-commerce-hub-sub010/internal/domain"
	"github.com/ahmeddyounes/whatsapp-commerce-hub-sub010/internal/saga"
	"github.com/ahmeddyounes/whatsapp-commerce-hub-sub010/internal/workflow"
)

// SagaHandler handles HTTP requests for saga endpoints.
type SagaHandler struct {
	orchestrator *saga.Orchestrator
	checkout     *workflow.Checkout
	logger       *slog.Logger
}

// NewSagaHandler creates a new saga HTTP handler.
func NewSagaHandler(orchestrator *saga.Orchestrator, checkout *workflow.Checkout, logger *slog.Logger) *SagaHandler {
	return &SagaHandler{
		orchestrator: orchestrator,
		checkout:     checkout,
		logger:       logger,
	}
}

// --- Request DTOs ---

// ExecuteCheckoutRequest is the JSON request body for running a checkout saga.
// SagaID doubles as the idempotency key: re-sending the same id returns the
// stored result instead of re-running the steps.
type ExecuteCheckoutRequest struct {
	SagaID        string `json:"saga_id" validate:"omitempty,max=128"`
	CartID        string `json:"cart_id" validate:"required"`
	UserID        string `json:"user_id" validate:"required"`
	Currency      string `json:"currency" validate:"required,len=3"`
	TotalAmount   int64  `json:"total_amount" validate:"required,gt=0"`
	PaymentMethod string `json:"payment_method" validate:"required"`
}

// --- Handlers ---

// ExecuteCheckout handles POST /api/v1/sagas/checkout
// @Summary Execute a checkout saga
// @Description Runs the checkout workflow: validate cart, reserve inventory, create order, process payment, confirm order. Failed critical steps are compensated automatically.
// @Tags sagas
// @Accept json
// @Produce json
// @Param request body ExecuteCheckoutRequest true "Checkout data"
// @Success 200 {object} map[string]interface{}
// @Failure 400 {object} map[string]interface{}
// @Failure 409 {object} map[string]interface{}
// @Failure 500 {object} map[string]interface{}
// @Router /api/v1/sagas/checkout [post]
func (h *SagaHandler) ExecuteCheckout(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20) // 1MB limit

	var req ExecuteCheckoutRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httputil.WriteJSON(w, http.StatusBadRequest, httputil.Response{
			Error: &httputil.ErrorResponse{Code: "INVALID_INPUT", Message: "invalid request body: " + err.Error()},
		})
		return
	}

	if err := validator.Validate(req); err != nil {
		httputil.WriteValidationError(w, err)
		return
	}

	sagaID := req.SagaID
	if sagaID == "" {
		sagaID = uuid.New().String()
	}

	initial := domain.Context{
		"cart_id":        req.CartID,
		"user_id":        req.UserID,
		"currency":       req.Currency,
		"total_amount":   req.TotalAmount,
		"payment_method": req.PaymentMethod,
	}

	result, err := h.orchestrator.Execute(r.Context(), sagaID, workflow.CheckoutSagaType, initial, h.checkout.Steps(initial))
	if err != nil {
		if saga.IsConcurrencyError(err) {
			httputil.WriteError(w, r, apperrors.Conflict("saga "+sagaID+" is already executing"), h.logger)
			return
		}
		httputil.WriteError(w, r, err, h.logger)
		return
	}

	httputil.WriteJSON(w, http.StatusOK, httputil.Response{Data: result})
}

// ListSagas handles GET /api/v1/sagas
// @Summary List sagas
// @Description Returns stored sagas newest first, optionally filtered by lifecycle state. Intended for operational tooling, e.g. finding failed sagas that need manual intervention.
// @Tags sagas
// @Produce json
// @Param state query string false "Filter by lifecycle state"
// @Param page query int false "Page number"
// @Param per_page query int false "Page size (max 100)"
// @Success 200 {object} map[string]interface{}
// @Failure 400 {object} map[string]interface{}
// @Failure 500 {object} map[string]interface{}
// @Router /api/v1/sagas [get]
func (h *SagaHandler) ListSagas(w http.ResponseWriter, r *http.Request) {
	state := domain.State(r.URL.Query().Get("state"))
	switch state {
	case "", domain.StatePending, domain.StateRunning, domain.StateCompleted,
		domain.StateFailed, domain.StateCompensating, domain.StateCompensated:
	default:
		httputil.WriteJSON(w, http.StatusBadRequest, httputil.Response{
			Error: &httputil.ErrorResponse{Code: "INVALID_INPUT", Message: "unknown saga state: " + string(state)},
		})
		return
	}

	params := pagination.FromRequest(r)

	sagas, total, err := h.orchestrator.ListSagas(r.Context(), state, params.PerPage, params.Offset)
	if err != nil {
		httputil.WriteError(w, r, err, h.logger)
		return
	}

	httputil.WriteJSON(w, http.StatusOK, httputil.Response{
		Data: pagination.NewResult(sagas, total, params),
	})
}

// GetSaga handles GET /api/v1/sagas/{id}
// @Summary Get saga state
// @Description Returns the persisted state of a saga: lifecycle state, accumulated context and the audit log.
// @Tags sagas
// @Produce json
// @Param id path string true "Saga ID"
// @Success 200 {object} map[string]interface{}
// @Failure 400 {object} map[string]interface{}
// @Failure 404 {object} map[string]interface{}
// @Failure 500 {object} map[string]interface{}
// @Router /api/v1/sagas/{id} [get]
func (h *SagaHandler) GetSaga(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if id == "" {
		httputil.WriteJSON(w, http.StatusBadRequest, httputil.Response{
			Error: &httputil.ErrorResponse{Code: "INVALID_INPUT", Message: "saga id is required"},
		})
		return
	}

	st, err := h.orchestrator.GetState(r.Context(), id)
	if err != nil {
		if errors.Is(err, saga.ErrSagaNotFound) {
			httputil.WriteError(w, r, apperrors.NotFound("saga", id), h.logger)
			return
		}
		httputil.WriteError(w, r, err, h.logger)
		return
	}

	httputil.WriteJSON(w, http.StatusOK, httputil.Response{Data: st})
}
