package saga

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	sagaExecutionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "saga_executions_total",
			Help: "Total saga executions by terminal outcome",
		},
		[]string{"saga_type", "outcome"},
	)

	sagaStepDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "saga_step_duration_seconds",
			Help:    "Step execution duration in seconds, including retries",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"saga_type", "step"},
	)

	sagaStepRetriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "saga_step_retries_total",
			Help: "Total step retry attempts",
		},
		[]string{"saga_type", "step"},
	)

	sagaCompensationErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "saga_compensation_errors_total",
			Help: "Total compensation failures requiring manual follow-up",
		},
		[]string{"saga_type", "step"},
	)

	sagaInFlight = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "saga_in_flight",
			Help: "Sagas currently executing in this process",
		},
		[]string{"saga_type"},
	)
)
