// Package memory provides an in-process saga state store for tests and local
// development. It mirrors the semantics of the Postgres store, including
// deep-copying on read so callers never share memory with the stored row.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/ahmeddyounes/whatsapp-commerce-hub-sub010/internal/domain"
)

// Store keeps saga state in a mutex-guarded map.
type Store struct {
	mu    sync.RWMutex
	sagas map[string]*domain.SagaState
}

// NewStore creates an empty in-memory store.
func NewStore() *Store {
	return &Store{sagas: make(map[string]*domain.SagaState)}
}

// Create inserts a new saga row in the pending state.
func (s *Store) Create(ctx context.Context, sagaID, sagaType string, sc domain.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.sagas[sagaID]; exists {
		return fmt.Errorf("saga %s already exists", sagaID)
	}

	now := time.Now().UTC()
	s.sagas[sagaID] = &domain.SagaState{
		SagaID:    sagaID,
		SagaType:  sagaType,
		State:     domain.StatePending,
		Context:   sc.Clone(),
		Log:       []domain.LogEntry{},
		CreatedAt: now,
		UpdatedAt: now,
	}
	return nil
}

// UpdateState transitions a saga to a new lifecycle state.
func (s *Store) UpdateState(ctx context.Context, sagaID string, state domain.State) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, exists := s.sagas[sagaID]
	if !exists {
		return fmt.Errorf("saga %s not found", sagaID)
	}
	st.State = state
	st.UpdatedAt = time.Now().UTC()
	return nil
}

// UpdateContext replaces the persisted context of a saga.
func (s *Store) UpdateContext(ctx context.Context, sagaID string, sc domain.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, exists := s.sagas[sagaID]
	if !exists {
		return fmt.Errorf("saga %s not found", sagaID)
	}
	st.Context = sc.Clone()
	st.UpdatedAt = time.Now().UTC()
	return nil
}

// AppendLog appends one entry to the saga's audit trail.
func (s *Store) AppendLog(ctx context.Context, sagaID, event, message string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, exists := s.sagas[sagaID]
	if !exists {
		return fmt.Errorf("saga %s not found", sagaID)
	}
	st.Log = append(st.Log, domain.LogEntry{
		Timestamp: time.Now().UTC(),
		Event:     event,
		Message:   message,
	})
	st.UpdatedAt = time.Now().UTC()
	return nil
}

// Get retrieves a saga by id, or (nil, nil) if it does not exist.
func (s *Store) Get(ctx context.Context, sagaID string) (*domain.SagaState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st, exists := s.sagas[sagaID]
	if !exists {
		return nil, nil
	}
	return copyState(st), nil
}

// ListStale returns sagas in one of the given states updated before the
// cutoff, oldest first.
func (s *Store) ListStale(ctx context.Context, states []domain.State, olderThan time.Time, limit int) ([]domain.SagaState, error) {
	wanted := make(map[domain.State]bool, len(states))
	for _, st := range states {
		wanted[st] = true
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []domain.SagaState
	for _, st := range s.sagas {
		if wanted[st.State] && st.UpdatedAt.Before(olderThan) {
			out = append(out, *copyState(st))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// List returns sagas newest first with the total row count, optionally
// filtered by state. An empty state matches all sagas.
func (s *Store) List(ctx context.Context, state domain.State, limit, offset int) ([]domain.SagaState, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var matched []domain.SagaState
	for _, st := range s.sagas {
		if state == "" || st.State == state {
			matched = append(matched, *copyState(st))
		}
	}
	sort.Slice(matched, func(i, j int) bool { return matched[i].CreatedAt.After(matched[j].CreatedAt) })

	total := len(matched)
	if offset >= total {
		return []domain.SagaState{}, total, nil
	}
	matched = matched[offset:]
	if limit > 0 && len(matched) > limit {
		matched = matched[:limit]
	}
	return matched, total, nil
}

func copyState(st *domain.SagaState) *domain.SagaState {
	cp := *st
	cp.Context = st.Context.Clone()
	cp.Log = make([]domain.LogEntry, len(st.Log))
	copy(cp.Log, st.Log)
	return &cp
}
