// Package postgres implements the saga state store on PostgreSQL. Each saga
// is one row in saga_states with its context and audit log stored as JSONB.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/ahmeddyounes/whatsapp-commerce-hub-sub010/internal/domain"
	"github.com/ahmeddyounes/whatsapp-commerce-hub-sub010/pkg/database"
)

// SagaStateRepository implements repository.StateRepository using PostgreSQL.
type SagaStateRepository struct {
	pool   database.DBTX
	logger *slog.Logger
}

// NewSagaStateRepository creates a new PostgreSQL-backed saga state store.
func NewSagaStateRepository(pool database.DBTX, logger *slog.Logger) *SagaStateRepository {
	return &SagaStateRepository{pool: pool, logger: logger}
}

// Create inserts a new saga row in the pending state.
func (r *SagaStateRepository) Create(ctx context.Context, sagaID, sagaType string, sc domain.Context) error {
	contextJSON, err := json.Marshal(sc)
	if err != nil {
		return fmt.Errorf("marshal saga context: %w", err)
	}

	now := time.Now().UTC()

	query := `
		INSERT INTO saga_states (saga_id, saga_type, state, context, log, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`

	_, err = r.pool.Exec(ctx, query,
		sagaID,
		sagaType,
		string(domain.StatePending),
		contextJSON,
		[]byte("[]"),
		now,
		now,
	)
	if err != nil {
		return fmt.Errorf("insert saga state: %w", err)
	}

	return nil
}

// UpdateState transitions a saga to a new lifecycle state.
func (r *SagaStateRepository) UpdateState(ctx context.Context, sagaID string, state domain.State) error {
	query := `
		UPDATE saga_states
		SET state = $1, updated_at = $2
		WHERE saga_id = $3`

	ct, err := r.pool.Exec(ctx, query, string(state), time.Now().UTC(), sagaID)
	if err != nil {
		return fmt.Errorf("update saga state: %w", err)
	}
	if ct.RowsAffected() == 0 {
		return fmt.Errorf("saga %s not found", sagaID)
	}

	return nil
}

// UpdateContext replaces the persisted context of a saga.
func (r *SagaStateRepository) UpdateContext(ctx context.Context, sagaID string, sc domain.Context) error {
	contextJSON, err := json.Marshal(sc)
	if err != nil {
		return fmt.Errorf("marshal saga context: %w", err)
	}

	query := `
		UPDATE saga_states
		SET context = $1, updated_at = $2
		WHERE saga_id = $3`

	ct, err := r.pool.Exec(ctx, query, contextJSON, time.Now().UTC(), sagaID)
	if err != nil {
		return fmt.Errorf("update saga context: %w", err)
	}
	if ct.RowsAffected() == 0 {
		return fmt.Errorf("saga %s not found", sagaID)
	}

	return nil
}

// AppendLog appends one entry to the saga's audit trail. The read-append-write
// runs in a transaction with the row locked, so concurrent appends to the
// same saga never lose entries.
func (r *SagaStateRepository) AppendLog(ctx context.Context, sagaID, event, message string) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin append log tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var logJSON []byte
	err = tx.QueryRow(ctx, `SELECT log FROM saga_states WHERE saga_id = $1 FOR UPDATE`, sagaID).Scan(&logJSON)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("saga %s not found", sagaID)
		}
		return fmt.Errorf("read saga log: %w", err)
	}

	entries := r.decodeLog(ctx, sagaID, logJSON)
	entries = append(entries, domain.LogEntry{
		Timestamp: time.Now().UTC(),
		Event:     event,
		Message:   message,
	})

	updated, err := json.Marshal(entries)
	if err != nil {
		return fmt.Errorf("marshal saga log: %w", err)
	}

	_, err = tx.Exec(ctx, `UPDATE saga_states SET log = $1, updated_at = $2 WHERE saga_id = $3`,
		updated, time.Now().UTC(), sagaID)
	if err != nil {
		return fmt.Errorf("write saga log: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit append log tx: %w", err)
	}

	return nil
}

// Get retrieves a saga by id, or (nil, nil) if it does not exist. Malformed
// context or log JSON is logged and returned empty so one corrupt row cannot
// wedge a saga forever.
func (r *SagaStateRepository) Get(ctx context.Context, sagaID string) (*domain.SagaState, error) {
	query := `
		SELECT saga_id, saga_type, state, context, log, created_at, updated_at
		FROM saga_states
		WHERE saga_id = $1`

	st, err := r.scanState(r.pool.QueryRow(ctx, query, sagaID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get saga state: %w", err)
	}
	return st, nil
}

// ListStale returns sagas in one of the given states updated before the
// cutoff, oldest first.
func (r *SagaStateRepository) ListStale(ctx context.Context, states []domain.State, olderThan time.Time, limit int) ([]domain.SagaState, error) {
	names := make([]string, len(states))
	for i, s := range states {
		names[i] = string(s)
	}

	query := `
		SELECT saga_id, saga_type, state, context, log, created_at, updated_at
		FROM saga_states
		WHERE state = ANY($1) AND updated_at < $2
		ORDER BY updated_at ASC
		LIMIT $3`

	rows, err := r.pool.Query(ctx, query, names, olderThan, limit)
	if err != nil {
		return nil, fmt.Errorf("list stale sagas: %w", err)
	}
	defer rows.Close()

	var sagas []domain.SagaState
	for rows.Next() {
		st, err := r.scanState(rows)
		if err != nil {
			return nil, fmt.Errorf("scan stale saga row: %w", err)
		}
		sagas = append(sagas, *st)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate stale saga rows: %w", err)
	}

	if sagas == nil {
		sagas = []domain.SagaState{}
	}

	return sagas, nil
}

// List returns sagas newest first with the total row count, optionally
// filtered by state. An empty state matches all sagas.
func (r *SagaStateRepository) List(ctx context.Context, state domain.State, limit, offset int) ([]domain.SagaState, int, error) {
	query := `
		SELECT saga_id, saga_type, state, context, log, created_at, updated_at,
		       count(*) OVER() AS total_count
		FROM saga_states
		WHERE ($1 = '' OR state = $1)
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3`

	rows, err := r.pool.Query(ctx, query, string(state), limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("list sagas: %w", err)
	}
	defer rows.Close()

	var (
		sagas []domain.SagaState
		total int
	)
	for rows.Next() {
		var (
			st          domain.SagaState
			stName      string
			contextJSON []byte
			logJSON     []byte
		)
		if err := rows.Scan(
			&st.SagaID,
			&st.SagaType,
			&stName,
			&contextJSON,
			&logJSON,
			&st.CreatedAt,
			&st.UpdatedAt,
			&total,
		); err != nil {
			return nil, 0, fmt.Errorf("scan saga row: %w", err)
		}
		st.State = domain.State(stName)
		st.Context = r.decodeContext(st.SagaID, contextJSON)
		st.Log = r.decodeLog(ctx, st.SagaID, logJSON)
		sagas = append(sagas, st)
	}

	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate saga rows: %w", err)
	}

	if sagas == nil {
		sagas = []domain.SagaState{}
	}

	return sagas, total, nil
}

// scanState scans one saga row. pgx.Row and pgx.Rows share the Scan method.
func (r *SagaStateRepository) scanState(row pgx.Row) (*domain.SagaState, error) {
	var (
		st          domain.SagaState
		state       string
		contextJSON []byte
		logJSON     []byte
	)

	if err := row.Scan(
		&st.SagaID,
		&st.SagaType,
		&state,
		&contextJSON,
		&logJSON,
		&st.CreatedAt,
		&st.UpdatedAt,
	); err != nil {
		return nil, err
	}

	st.State = domain.State(state)
	st.Context = r.decodeContext(st.SagaID, contextJSON)
	st.Log = r.decodeLog(context.Background(), st.SagaID, logJSON)

	return &st, nil
}

// decodeContext unmarshals a persisted context, falling back to empty on
// malformed data.
func (r *SagaStateRepository) decodeContext(sagaID string, raw []byte) domain.Context {
	if len(raw) == 0 {
		return domain.Context{}
	}
	var sc domain.Context
	if err := json.Unmarshal(raw, &sc); err != nil {
		r.logger.Warn("malformed saga context, returning empty",
			slog.String("saga_id", sagaID),
			slog.String("error", err.Error()),
		)
		return domain.Context{}
	}
	if sc == nil {
		sc = domain.Context{}
	}
	return sc
}

// decodeLog unmarshals a persisted audit log, falling back to empty on
// malformed data.
func (r *SagaStateRepository) decodeLog(ctx context.Context, sagaID string, raw []byte) []domain.LogEntry {
	if len(raw) == 0 {
		return []domain.LogEntry{}
	}
	var entries []domain.LogEntry
	if err := json.Unmarshal(raw, &entries); err != nil {
		r.logger.WarnContext(ctx, "malformed saga log, returning empty",
			slog.String("saga_id", sagaID),
			slog.String("error", err.Error()),
		)
		return []domain.LogEntry{}
	}
	if entries == nil {
		entries = []domain.LogEntry{}
	}
	return entries
}
