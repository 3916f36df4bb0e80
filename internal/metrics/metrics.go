package metrics

import (
	"context"
	"sync"

	"github.com/retailgrid/saga-orchestrator/pkg/telemetry"
	"go.opentelemetry.io/otel/attribute"
)

var (
	// Saga lifecycle counters
	SagasStarted     *telemetry.Counter
	SagasCompleted   *telemetry.Counter
	SagasCompensated *telemetry.Counter
	SagasFailed      *telemetry.Counter

	// Step counters
	StepsCompleted *telemetry.Counter
	StepsFailed    *telemetry.Counter

	// Compensation and transition counters
	CompensationsExecuted *telemetry.Counter
	TransitionsTotal      *telemetry.Counter

	// Controlled failure injection counter
	FailuresInjected *telemetry.Counter

	// Histograms
	SagaDuration *telemetry.Histogram
	StepDuration *telemetry.Histogram

	// Gauges
	ActiveSagas  *telemetry.UpDownCounter
	SagasInState *telemetry.UpDownCounter

	initOnce sync.Once
	initErr  error
)

// Init initializes all saga metrics
func Init() error {
	initOnce.Do(func() {
		initErr = initMetrics()
	})
	return initErr
}

func initMetrics() error {
	var err error

	SagasStarted, err = telemetry.NewCounter(telemetry.MetricOpts{
		Name:        "saga_started_total",
		Description: "Total number of sagas started",
		Unit:        "1",
	})
	if err != nil {
		return err
	}

	SagasCompleted, err = telemetry.NewCounter(telemetry.MetricOpts{
		Name:        "saga_completed_total",
		Description: "Total number of sagas finished in Completed",
		Unit:        "1",
	})
	if err != nil {
		return err
	}

	SagasCompensated, err = telemetry.NewCounter(telemetry.MetricOpts{
		Name:        "saga_compensated_total",
		Description: "Total number of sagas finished in Compensated",
		Unit:        "1",
	})
	if err != nil {
		return err
	}

	SagasFailed, err = telemetry.NewCounter(telemetry.MetricOpts{
		Name:        "saga_failed_total",
		Description: "Total number of sagas finished in Failed",
		Unit:        "1",
	})
	if err != nil {
		return err
	}

	StepsCompleted, err = telemetry.NewCounter(telemetry.MetricOpts{
		Name:        "saga_steps_completed_total",
		Description: "Total number of saga steps completed",
		Unit:        "1",
	})
	if err != nil {
		return err
	}

	StepsFailed, err = telemetry.NewCounter(telemetry.MetricOpts{
		Name:        "saga_steps_failed_total",
		Description: "Total number of saga steps failed by failure kind",
		Unit:        "1",
	})
	if err != nil {
		return err
	}

	CompensationsExecuted, err = telemetry.NewCounter(telemetry.MetricOpts{
		Name:        "saga_compensations_executed_total",
		Description: "Total number of compensation attempts by outcome",
		Unit:        "1",
	})
	if err != nil {
		return err
	}

	TransitionsTotal, err = telemetry.NewCounter(telemetry.MetricOpts{
		Name:        "saga_transitions_total",
		Description: "Total number of saga state transitions by edge",
		Unit:        "1",
	})
	if err != nil {
		return err
	}

	FailuresInjected, err = telemetry.NewCounter(telemetry.MetricOpts{
		Name:        "controlled_failures_injected_total",
		Description: "Total number of controlled failures injected",
		Unit:        "1",
	})
	if err != nil {
		return err
	}

	// End-to-end saga duration, sub-second up to a minute
	SagaDuration, err = telemetry.NewHistogramWithBuckets(telemetry.MetricOpts{
		Name:        "saga_duration_seconds",
		Description: "Saga duration from start to terminal state",
		Unit:        "s",
	}, []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60})
	if err != nil {
		return err
	}

	// Individual participant calls are much faster
	StepDuration, err = telemetry.NewHistogramWithBuckets(telemetry.MetricOpts{
		Name:        "saga_step_duration_seconds",
		Description: "Saga step duration including participant call",
		Unit:        "s",
	}, []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5})
	if err != nil {
		return err
	}

	ActiveSagas, err = telemetry.NewUpDownCounter(telemetry.MetricOpts{
		Name:        "saga_active",
		Description: "Current number of sagas in a non-terminal state",
		Unit:        "1",
	})
	if err != nil {
		return err
	}

	SagasInState, err = telemetry.NewUpDownCounter(telemetry.MetricOpts{
		Name:        "saga_in_state",
		Description: "Current number of sagas by state",
		Unit:        "1",
	})
	if err != nil {
		return err
	}

	return nil
}

// RecordSagaStarted records a saga start in its initial state
func RecordSagaStarted(ctx context.Context, sagaType, initialState string) {
	attr := attribute.String("saga_type", sagaType)
	if SagasStarted != nil {
		SagasStarted.Inc(ctx, attr)
	}
	if ActiveSagas != nil {
		ActiveSagas.Inc(ctx, attr)
	}
	if SagasInState != nil {
		SagasInState.Inc(ctx, attr, attribute.String("state", initialState))
	}
}

// RecordSagaFinished records a saga reaching a terminal state. The failure
// reason only labels the failure counter.
func RecordSagaFinished(ctx context.Context, sagaType, finalState, failureReason string, durationSeconds float64) {
	attr := attribute.String("saga_type", sagaType)

	switch finalState {
	case "Completed":
		if SagasCompleted != nil {
			SagasCompleted.Inc(ctx, attr)
		}
	case "Compensated":
		if SagasCompensated != nil {
			SagasCompensated.Inc(ctx, attr)
		}
	default:
		if SagasFailed != nil {
			SagasFailed.Inc(ctx, attr, attribute.String("failure_reason", failureReason))
		}
	}

	if SagaDuration != nil {
		SagaDuration.Record(ctx, durationSeconds, attr, attribute.String("status", finalState))
	}
	if ActiveSagas != nil {
		ActiveSagas.Dec(ctx, attr)
	}
}

// RecordStepCompleted records a completed saga step
func RecordStepCompleted(ctx context.Context, sagaType, step, serviceName string, durationSeconds float64) {
	if StepsCompleted != nil {
		StepsCompleted.Inc(ctx,
			attribute.String("saga_type", sagaType),
			attribute.String("step", step),
			attribute.String("service_name", serviceName),
		)
	}
	if StepDuration != nil {
		StepDuration.Record(ctx, durationSeconds,
			attribute.String("saga_type", sagaType),
			attribute.String("step", step),
			attribute.String("service_name", serviceName),
			attribute.String("status", "Completed"),
		)
	}
}

// RecordStepFailed records a failed saga step
func RecordStepFailed(ctx context.Context, sagaType, step, serviceName, errorType string, durationSeconds float64) {
	if StepsFailed != nil {
		StepsFailed.Inc(ctx,
			attribute.String("saga_type", sagaType),
			attribute.String("step", step),
			attribute.String("service_name", serviceName),
			attribute.String("error_type", errorType),
		)
	}
	if StepDuration != nil {
		StepDuration.Record(ctx, durationSeconds,
			attribute.String("saga_type", sagaType),
			attribute.String("step", step),
			attribute.String("service_name", serviceName),
			attribute.String("status", "Failed"),
		)
	}
}

// RecordCompensation records one compensation attempt
func RecordCompensation(ctx context.Context, sagaType, step, serviceName string, successful bool) {
	if CompensationsExecuted != nil {
		CompensationsExecuted.Inc(ctx,
			attribute.String("saga_type", sagaType),
			attribute.String("step", step),
			attribute.String("service_name", serviceName),
			attribute.Bool("successful", successful),
		)
	}
}

// RecordTransition records a saga state transition edge and moves the
// in-state gauge from the old state to the new one.
func RecordTransition(ctx context.Context, sagaType, fromState, toState, serviceName string) {
	attr := attribute.String("saga_type", sagaType)
	if TransitionsTotal != nil {
		TransitionsTotal.Inc(ctx, attr,
			attribute.String("from_state", fromState),
			attribute.String("to_state", toState),
			attribute.String("service_name", serviceName),
		)
	}
	if SagasInState != nil && fromState != toState {
		SagasInState.Dec(ctx, attr, attribute.String("state", fromState))
		SagasInState.Inc(ctx, attr, attribute.String("state", toState))
	}
}

// RecordFailureInjected records a controlled failure raised by the injector
func RecordFailureInjected(ctx context.Context, failureType, serviceName string) {
	if FailuresInjected != nil {
		FailuresInjected.Inc(ctx,
			attribute.String("failure_type", failureType),
			attribute.String("service_name", serviceName),
		)
	}
}
