package metrics

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/retailgrid/saga-orchestrator/pkg/saga"
)

// Observer feeds saga lifecycle notifications into the metric set and the
// structured event log.
type Observer struct {
	saga.NoopObserver
	logger *zap.Logger
}

// NewObserver creates a metrics observer. Init must have been called.
func NewObserver(logger *zap.Logger) *Observer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Observer{logger: logger}
}

func (o *Observer) OnSagaStarted(ctx context.Context, rec *saga.Record) {
	RecordSagaStarted(ctx, string(rec.SagaType), string(rec.CurrentState))
	o.logger.Info("saga.started",
		zap.String("saga_id", rec.SagaID),
		zap.String("saga_type", string(rec.SagaType)),
		zap.String("correlation_id", rec.CorrelationID),
		zap.Int("total_steps", len(rec.Steps)))
}

func (o *Observer) OnStepCompleted(ctx context.Context, rec *saga.Record, step *saga.Step, duration time.Duration) {
	RecordStepCompleted(ctx, string(rec.SagaType), step.StepName, step.ServiceName, duration.Seconds())
	o.logger.Info("saga.step.completed",
		zap.String("saga_id", rec.SagaID),
		zap.String("saga_type", string(rec.SagaType)),
		zap.String("step", step.StepName),
		zap.String("current_state", string(rec.CurrentState)),
		zap.Duration("duration", duration))
}

func (o *Observer) OnStepFailed(ctx context.Context, rec *saga.Record, step *saga.Step, err error, duration time.Duration) {
	kind := string(saga.FailureKindOf(err))
	if kind == "" {
		kind = "Unknown"
	}
	RecordStepFailed(ctx, string(rec.SagaType), step.StepName, step.ServiceName, kind, duration.Seconds())
	o.logger.Warn("saga.step.failed",
		zap.String("saga_id", rec.SagaID),
		zap.String("saga_type", string(rec.SagaType)),
		zap.String("step", step.StepName),
		zap.String("failure_kind", kind),
		zap.Duration("duration", duration),
		zap.Error(err))
}

func (o *Observer) OnCompensationExecuted(ctx context.Context, rec *saga.Record, result *saga.CompensationResult) {
	serviceName := ""
	if step := rec.StepByName(result.StepName); step != nil {
		serviceName = step.ServiceName
	}
	RecordCompensation(ctx, string(rec.SagaType), result.StepName, serviceName, result.IsSuccessful)
	o.logger.Info("saga.compensation.executed",
		zap.String("saga_id", rec.SagaID),
		zap.String("saga_type", string(rec.SagaType)),
		zap.String("step", result.StepName),
		zap.Bool("successful", result.IsSuccessful),
		zap.Duration("duration", result.Duration))
}

func (o *Observer) OnTransition(ctx context.Context, rec *saga.Record, tr *saga.Transition) {
	RecordTransition(ctx, string(rec.SagaType), string(tr.FromState), string(tr.ToState), tr.ServiceName)
	o.logger.Debug("saga.transition",
		zap.String("saga_id", rec.SagaID),
		zap.String("from_state", string(tr.FromState)),
		zap.String("to_state", string(tr.ToState)),
		zap.String("service_name", tr.ServiceName),
		zap.String("event_type", string(tr.EventType)),
		zap.String("action", tr.Action))
}

func (o *Observer) OnSagaFinished(ctx context.Context, rec *saga.Record, duration time.Duration) {
	RecordSagaFinished(ctx, string(rec.SagaType), string(rec.CurrentState), failureReason(rec), duration.Seconds())
	o.logger.Info("saga.finished",
		zap.String("saga_id", rec.SagaID),
		zap.String("saga_type", string(rec.SagaType)),
		zap.String("final_state", string(rec.CurrentState)),
		zap.Bool("has_compensation_failures", rec.HasCompensationFailures),
		zap.Duration("duration", duration))
}

// OnFailureInjected satisfies the failure injector's observer hook
func (o *Observer) OnFailureInjected(kind saga.FailureKind, serviceName string) {
	RecordFailureInjected(context.Background(), string(kind), serviceName)
}

// failureReason classifies why a saga did not settle cleanly. Bounded label
// values; the raw error text stays in the record and the logs.
func failureReason(rec *saga.Record) string {
	switch {
	case rec.CurrentState == saga.StateCompleted, rec.CurrentState == saga.StateCompensated:
		return ""
	case rec.HasCompensationFailures:
		return "CompensationFailure"
	case rec.CurrentState == saga.StateAborted:
		return "Aborted"
	}
	for _, step := range rec.Steps {
		if step.Status == saga.StepStatusFailed {
			return "StepFailure"
		}
	}
	return "Unknown"
}
