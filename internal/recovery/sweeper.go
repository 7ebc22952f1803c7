// Package recovery finds sagas left behind by a crashed process and either
// resumes them through their registered step factory or marks them failed
// when no factory is known.
package recovery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/ahmeddyounes/whatsapp-commerce-hub-sub010/internal/domain"
	"github.com/ahmeddyounes/whatsapp-commerce-hub-sub010/internal/repository"
	"github.com/ahmeddyounes/whatsapp-commerce-hub-sub010/internal/saga"
)

const (
	defaultInterval   = time.Minute
	defaultStaleAfter = 5 * time.Minute
	defaultBatchSize  = 100
)

var (
	sweepsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "saga_recovery_sweeps_total",
		Help: "Total recovery sweep passes",
	})

	sweepOutcomesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "saga_recovery_outcomes_total",
			Help: "Stale sagas handled by the recovery sweep, by outcome",
		},
		[]string{"outcome"},
	)
)

// Sweeper periodically scans for stale sagas and resumes or fails them.
type Sweeper struct {
	orchestrator *saga.Orchestrator
	store        repository.StateRepository
	registry     *saga.Registry
	logger       *slog.Logger

	interval   time.Duration
	staleAfter time.Duration
	batchSize  int
}

// Option configures a Sweeper.
type Option func(*Sweeper)

// WithInterval overrides how often the sweep runs.
func WithInterval(d time.Duration) Option {
	return func(s *Sweeper) { s.interval = d }
}

// WithStaleAfter overrides how long a saga may sit in running/compensating
// before it is considered abandoned.
func WithStaleAfter(d time.Duration) Option {
	return func(s *Sweeper) { s.staleAfter = d }
}

// WithBatchSize overrides the maximum rows handled per pass.
func WithBatchSize(n int) Option {
	return func(s *Sweeper) { s.batchSize = n }
}

// NewSweeper creates a recovery sweeper.
func NewSweeper(orchestrator *saga.Orchestrator, store repository.StateRepository, registry *saga.Registry, logger *slog.Logger, opts ...Option) *Sweeper {
	s := &Sweeper{
		orchestrator: orchestrator,
		store:        store,
		registry:     registry,
		logger:       logger,
		interval:     defaultInterval,
		staleAfter:   defaultStaleAfter,
		batchSize:    defaultBatchSize,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run sweeps on a ticker until the context is canceled.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.logger.Info("recovery sweeper started",
		slog.Duration("interval", s.interval),
		slog.Duration("stale_after", s.staleAfter),
	)

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("recovery sweeper stopped")
			return
		case <-ticker.C:
			if err := s.Sweep(ctx); err != nil {
				s.logger.ErrorContext(ctx, "recovery sweep failed",
					slog.String("error", err.Error()),
				)
			}
		}
	}
}

// Sweep runs one pass: stale running/compensating sagas are resumed through
// their registered factories, stale pending rows and unknown saga types are
// marked failed.
func (s *Sweeper) Sweep(ctx context.Context) error {
	sweepsTotal.Inc()
	cutoff := time.Now().UTC().Add(-s.staleAfter)

	stale, err := s.store.ListStale(ctx,
		[]domain.State{domain.StatePending, domain.StateRunning, domain.StateCompensating},
		cutoff, s.batchSize)
	if err != nil {
		return fmt.Errorf("list stale sagas: %w", err)
	}

	for i := range stale {
		st := &stale[i]
		switch st.State {
		case domain.StatePending:
			s.failSaga(ctx, st, "orphaned pending saga: step closures cannot be recovered")
		case domain.StateRunning, domain.StateCompensating:
			s.resumeSaga(ctx, st)
		}
	}

	return nil
}

// resumeSaga rebuilds the step list via the registry and hands the saga back
// to the orchestrator.
func (s *Sweeper) resumeSaga(ctx context.Context, st *domain.SagaState) {
	factory, ok := s.registry.Lookup(st.SagaType)
	if !ok {
		s.failSaga(ctx, st, fmt.Sprintf("no step factory registered for saga type %q: cannot recover", st.SagaType))
		return
	}

	res, err := s.orchestrator.Resume(ctx, st.SagaID, factory(st.Context))
	if err != nil {
		if errors.Is(err, saga.ErrLockNotAcquired) {
			// Another process is working on it; it is no longer abandoned.
			sweepOutcomesTotal.WithLabelValues("locked").Inc()
			return
		}
		sweepOutcomesTotal.WithLabelValues("error").Inc()
		s.logger.ErrorContext(ctx, "failed to resume stale saga",
			slog.String("saga_id", st.SagaID),
			slog.String("saga_type", st.SagaType),
			slog.String("error", err.Error()),
		)
		return
	}

	outcome := "resumed_failed"
	if res.Success {
		outcome = "resumed_completed"
	}
	sweepOutcomesTotal.WithLabelValues(outcome).Inc()

	s.logger.InfoContext(ctx, "stale saga resumed",
		slog.String("saga_id", st.SagaID),
		slog.String("saga_type", st.SagaType),
		slog.Bool("success", res.Success),
	)
}

// failSaga marks an unrecoverable saga failed with an explanatory log entry.
func (s *Sweeper) failSaga(ctx context.Context, st *domain.SagaState, reason string) {
	s.logger.WarnContext(ctx, "marking unrecoverable saga failed",
		slog.String("saga_id", st.SagaID),
		slog.String("saga_type", st.SagaType),
		slog.String("state", string(st.State)),
		slog.String("reason", reason),
	)

	if err := s.store.AppendLog(ctx, st.SagaID, domain.EventSagaFailed, reason); err != nil {
		s.logger.ErrorContext(ctx, "failed to append saga log entry",
			slog.String("saga_id", st.SagaID),
			slog.String("error", err.Error()),
		)
	}
	if err := s.store.UpdateState(ctx, st.SagaID, domain.StateFailed); err != nil {
		s.logger.ErrorContext(ctx, "failed to mark saga failed",
			slog.String("saga_id", st.SagaID),
			slog.String("error", err.Error()),
		)
		sweepOutcomesTotal.WithLabelValues("error").Inc()
		return
	}
	sweepOutcomesTotal.WithLabelValues("failed").Inc()
}
