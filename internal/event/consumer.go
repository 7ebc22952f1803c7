package event

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/ahmeddyounes/whatsapp-commerce-hub-sub010/internal/domain"
	"github.com/ahmeddyounes/whatsapp-commerce-hub-sub010/internal/saga"
	"github.com/ahmeddyounes/whatsapp-commerce-hub-sub010/internal/workflow"
	pkgkafka "github.com/ahmeddyounes/whatsapp-commerce-hub-sub010/pkg/kafka"
)

// TopicCheckoutRequested carries checkout requests from upstream services
// (chat bots, storefronts) that start sagas asynchronously.
const TopicCheckoutRequested = "commerce.checkout.requested"

// ConsumerGroupID for the saga service.
const ConsumerGroupID = "saga-service"

// CheckoutRequestedData is the payload of a checkout.requested event.
type CheckoutRequestedData struct {
	SagaID        string `json:"saga_id"`
	CartID        string `json:"cart_id"`
	UserID        string `json:"user_id"`
	Currency      string `json:"currency"`
	TotalAmount   int64  `json:"total_amount"`
	PaymentMethod string `json:"payment_method"`
}

// ConsumerHandler starts checkout sagas from incoming Kafka events.
type ConsumerHandler struct {
	orchestrator *saga.Orchestrator
	checkout     *workflow.Checkout
	logger       *slog.Logger
}

// NewConsumerHandler creates a new event consumer handler.
func NewConsumerHandler(orchestrator *saga.Orchestrator, checkout *workflow.Checkout, logger *slog.Logger) *ConsumerHandler {
	return &ConsumerHandler{
		orchestrator: orchestrator,
		checkout:     checkout,
		logger:       logger,
	}
}

// Handle processes an incoming Kafka event based on its event type.
func (h *ConsumerHandler) Handle(ctx context.Context, event *pkgkafka.Event) error {
	switch event.EventType {
	case TopicCheckoutRequested:
		return h.handleCheckoutRequested(ctx, event)
	default:
		h.logger.WarnContext(ctx, "unknown event type received",
			slog.String("event_type", event.EventType),
			slog.String("event_id", event.EventID),
		)
		return nil
	}
}

// handleCheckoutRequested starts a checkout saga for the requested cart. The
// saga id in the payload (or the event id as a fallback) makes redelivered
// messages idempotent: a saga that already ran returns its stored result.
func (h *ConsumerHandler) handleCheckoutRequested(ctx context.Context, event *pkgkafka.Event) error {
	var data CheckoutRequestedData
	if err := event.UnmarshalData(&data); err != nil {
		return fmt.Errorf("unmarshal checkout.requested payload: %w", err)
	}
	if data.CartID == "" || data.UserID == "" {
		// Not recoverable by redelivery; skip silently.
		h.logger.WarnContext(ctx, "checkout.requested event missing cart_id or user_id",
			slog.String("event_id", event.EventID),
		)
		return nil
	}

	sagaID := data.SagaID
	if sagaID == "" {
		sagaID = event.EventID
	}
	if sagaID == "" {
		sagaID = uuid.New().String()
	}

	initial := domain.Context{
		"cart_id":        data.CartID,
		"user_id":        data.UserID,
		"currency":       data.Currency,
		"total_amount":   data.TotalAmount,
		"payment_method": data.PaymentMethod,
	}

	result, err := h.orchestrator.Execute(ctx, sagaID, workflow.CheckoutSagaType, initial, h.checkout.Steps(initial))
	if err != nil {
		if saga.IsConcurrencyError(err) {
			// Another worker holds the saga; redelivery will pick it up.
			h.logger.InfoContext(ctx, "checkout saga already executing",
				slog.String("saga_id", sagaID),
			)
			return nil
		}
		return fmt.Errorf("execute checkout saga %s: %w", sagaID, err)
	}

	h.logger.InfoContext(ctx, "checkout saga finished",
		slog.String("saga_id", sagaID),
		slog.Bool("success", result.Success),
	)
	return nil
}
