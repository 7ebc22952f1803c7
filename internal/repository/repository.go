package repository

import (
	"context"
	"time"

	"github.com/ahmeddyounes/whatsapp-commerce-hub-sub010/internal/domain"
)

// StateRepository defines the persistence operations for saga state rows.
type StateRepository interface {
	// Create inserts a new saga row in the pending state.
	Create(ctx context.Context, sagaID, sagaType string, sc domain.Context) error

	// UpdateState transitions a saga to a new lifecycle state.
	UpdateState(ctx context.Context, sagaID string, state domain.State) error

	// UpdateContext replaces the persisted context of a saga.
	UpdateContext(ctx context.Context, sagaID string, sc domain.Context) error

	// AppendLog appends one entry to the saga's audit trail. Implementations
	// must lock the row for the read-append-write so concurrent appends to
	// the same saga never lose entries.
	AppendLog(ctx context.Context, sagaID, event, message string) error

	// Get retrieves a saga by id, or (nil, nil) if it does not exist.
	// Malformed persisted context or log data is returned as empty, never as
	// an error.
	Get(ctx context.Context, sagaID string) (*domain.SagaState, error)

	// ListStale returns sagas in one of the given states whose updated_at is
	// older than the cutoff, oldest first, up to limit rows. Used by the
	// recovery sweep.
	ListStale(ctx context.Context, states []domain.State, olderThan time.Time, limit int) ([]domain.SagaState, error)

	// List returns sagas newest first with the total row count, optionally
	// filtered by state (empty state means all). Backs the operator listing
	// endpoint.
	List(ctx context.Context, state domain.State, limit, offset int) ([]domain.SagaState, int, error)
}
