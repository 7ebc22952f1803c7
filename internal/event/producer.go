// Package event publishes saga lifecycle events to Kafka. The Producer is a
// saga.Observer, so publishing rides the engine's fire-and-forget observer
// dispatch and can never slow a saga down.
package event

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/ahmeddyounes/whatsapp-commerce-hub-sub010/internal/domain"
	pkgkafka "github.com/ahmeddyounes/whatsapp-commerce-hub-sub010/pkg/kafka"
)

// Kafka topic constants for saga lifecycle events.
const (
	TopicSagaCompleted   = "commerce.saga.completed"
	TopicSagaFailed      = "commerce.saga.failed"
	TopicSagaCompensated = "commerce.saga.compensated"
)

// Aggregate type constant.
const AggregateTypeSaga = "saga"

// Source identifier for events originating from the saga service.
const SourceSagaService = "saga-service"

const publishTimeout = 5 * time.Second

// SagaLifecycleData is the payload for saga lifecycle events.
type SagaLifecycleData struct {
	SagaID    string `json:"saga_id"`
	SagaType  string `json:"saga_type"`
	FromState string `json:"from_state"`
	State     string `json:"state"`
}

// Producer publishes saga lifecycle events to Kafka.
type Producer struct {
	kafka  *pkgkafka.Producer
	logger *slog.Logger
}

// NewProducer creates a new lifecycle event producer.
func NewProducer(kafka *pkgkafka.Producer, logger *slog.Logger) *Producer {
	return &Producer{
		kafka:  kafka,
		logger: logger,
	}
}

// OnStateChange publishes an event when a saga reaches a terminal state.
// Intermediate transitions are not published.
func (p *Producer) OnStateChange(sagaID, sagaType string, from, to domain.State) {
	var topic string
	switch to {
	case domain.StateCompleted:
		topic = TopicSagaCompleted
	case domain.StateFailed:
		topic = TopicSagaFailed
	case domain.StateCompensated:
		topic = TopicSagaCompensated
	default:
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()

	if err := p.publish(ctx, topic, sagaID, sagaType, from, to); err != nil {
		p.logger.ErrorContext(ctx, "failed to publish saga lifecycle event",
			slog.String("saga_id", sagaID),
			slog.String("topic", topic),
			slog.String("error", err.Error()),
		)
	}
}

// OnStepEvent is a no-op; step-level telemetry is covered by metrics and the
// audit log.
func (p *Producer) OnStepEvent(sagaID, sagaType, stepName, event string, err error) {}

func (p *Producer) publish(ctx context.Context, topic, sagaID, sagaType string, from, to domain.State) error {
	data := SagaLifecycleData{
		SagaID:    sagaID,
		SagaType:  sagaType,
		FromState: string(from),
		State:     string(to),
	}

	event, err := pkgkafka.NewEvent(topic, sagaID, AggregateTypeSaga, SourceSagaService, data)
	if err != nil {
		return fmt.Errorf("create %s event: %w", topic, err)
	}

	if err := p.kafka.Publish(ctx, topic, event); err != nil {
		return fmt.Errorf("publish %s event: %w", topic, err)
	}

	p.logger.DebugContext(ctx, "published saga lifecycle event",
		slog.String("saga_id", sagaID),
		slog.String("saga_type", sagaType),
		slog.String("state", string(to)),
	)

	return nil
}
