package saga

import (
	"log/slog"

	"github.com/ahmeddyounes/whatsapp-commerce-hub-sub010/internal/domain"
)

// Step event names delivered to observers.
const (
	StepEventStart      = "start"
	StepEventComplete   = "complete"
	StepEventFailed     = "failed"
	StepEventSkipped    = "skipped"
	StepEventCompensate = "compensate"
)

// Observer receives saga lifecycle notifications. Notifications are fire and
// forget: they are dispatched on a separate goroutine and a panicking or slow
// observer never blocks or fails the saga.
type Observer interface {
	// OnStateChange is called after each persisted state transition.
	OnStateChange(sagaID, sagaType string, from, to domain.State)

	// OnStepEvent is called at each step start/complete/failed/skipped/
	// compensate event. err is non-nil for failed and compensate-error events.
	OnStepEvent(sagaID, sagaType, stepName, event string, err error)
}

// notifyStateChange dispatches a state transition to all observers.
func (o *Orchestrator) notifyStateChange(sagaID, sagaType string, from, to domain.State) {
	for _, obs := range o.observers {
		obs := obs
		go func() {
			defer o.recoverObserverPanic(sagaID)
			obs.OnStateChange(sagaID, sagaType, from, to)
		}()
	}
}

// notifyStepEvent dispatches a step event to all observers.
func (o *Orchestrator) notifyStepEvent(sagaID, sagaType, stepName, event string, err error) {
	for _, obs := range o.observers {
		obs := obs
		go func() {
			defer o.recoverObserverPanic(sagaID)
			obs.OnStepEvent(sagaID, sagaType, stepName, event, err)
		}()
	}
}

func (o *Orchestrator) recoverObserverPanic(sagaID string) {
	if rec := recover(); rec != nil {
		o.logger.Error("saga observer panicked",
			slog.String("saga_id", sagaID),
			slog.Any("panic", rec),
		)
	}
}
