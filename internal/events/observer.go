package events

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/retailgrid/saga-orchestrator/pkg/saga"
)

// SagaObserver translates saga lifecycle notifications into event envelopes
// on the bus. Publish failures are logged and swallowed so event delivery
// never blocks saga progress.
type SagaObserver struct {
	saga.NoopObserver
	publisher Publisher
	logger    *zap.Logger
}

// NewSagaObserver creates a lifecycle event observer
func NewSagaObserver(publisher Publisher, logger *zap.Logger) *SagaObserver {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SagaObserver{publisher: publisher, logger: logger}
}

func (o *SagaObserver) OnSagaStarted(ctx context.Context, rec *saga.Record) {
	o.publish(ctx, NewEnvelope(EventSagaStarted, rec.SagaID, "saga", map[string]interface{}{
		"sagaType":     string(rec.SagaType),
		"currentState": string(rec.CurrentState),
		"totalSteps":   len(rec.Steps),
	}, Metadata{
		CorrelationID: rec.CorrelationID,
		SagaID:        rec.SagaID,
		TotalSteps:    len(rec.Steps),
	}))
}

func (o *SagaObserver) OnStepStarted(ctx context.Context, rec *saga.Record, step *saga.Step) {
	o.publish(ctx, NewEnvelope(EventSagaStepStarted, rec.SagaID, "saga", map[string]interface{}{
		"sagaType":    string(rec.SagaType),
		"stepName":    step.StepName,
		"serviceName": step.ServiceName,
	}, o.stepMetadata(rec, step)))
}

func (o *SagaObserver) OnStepCompleted(ctx context.Context, rec *saga.Record, step *saga.Step, duration time.Duration) {
	o.publish(ctx, NewEnvelope(EventSagaStepCompleted, rec.SagaID, "saga", map[string]interface{}{
		"sagaType":     string(rec.SagaType),
		"stepName":     step.StepName,
		"serviceName":  step.ServiceName,
		"currentState": string(rec.CurrentState),
		"durationMs":   duration.Milliseconds(),
	}, o.stepMetadata(rec, step)))
}

func (o *SagaObserver) OnStepFailed(ctx context.Context, rec *saga.Record, step *saga.Step, err error, duration time.Duration) {
	o.publish(ctx, NewEnvelope(EventSagaStepFailed, rec.SagaID, "saga", map[string]interface{}{
		"sagaType":    string(rec.SagaType),
		"stepName":    step.StepName,
		"serviceName": step.ServiceName,
		"error":       err.Error(),
		"failureKind": string(saga.FailureKindOf(err)),
		"durationMs":  duration.Milliseconds(),
	}, o.stepMetadata(rec, step)))
}

func (o *SagaObserver) OnCompensationExecuted(ctx context.Context, rec *saga.Record, result *saga.CompensationResult) {
	data := map[string]interface{}{
		"sagaType":     string(rec.SagaType),
		"stepName":     result.StepName,
		"isSuccessful": result.IsSuccessful,
		"durationMs":   result.Duration.Milliseconds(),
	}
	if result.ErrorMessage != "" {
		data["error"] = result.ErrorMessage
	}
	o.publish(ctx, NewEnvelope(EventSagaCompensationExecuted, rec.SagaID, "saga", data, Metadata{
		CorrelationID: rec.CorrelationID,
		SagaID:        rec.SagaID,
		TotalSteps:    len(rec.Steps),
	}))
}

func (o *SagaObserver) OnSagaFinished(ctx context.Context, rec *saga.Record, duration time.Duration) {
	var eventType string
	switch rec.CurrentState {
	case saga.StateCompleted:
		eventType = EventSagaCompleted
	case saga.StateCompensated:
		eventType = EventSagaCompensated
	default:
		eventType = EventSagaFailed
	}

	data := map[string]interface{}{
		"sagaType":     string(rec.SagaType),
		"currentState": string(rec.CurrentState),
		"durationMs":   duration.Milliseconds(),
	}
	if rec.ErrorMessage != "" {
		data["error"] = rec.ErrorMessage
	}
	if rec.HasCompensationFailures {
		data["hasCompensationFailures"] = true
	}

	o.publish(ctx, NewEnvelope(eventType, rec.SagaID, "saga", data, Metadata{
		CorrelationID: rec.CorrelationID,
		SagaID:        rec.SagaID,
		TotalSteps:    len(rec.Steps),
	}))
}

func (o *SagaObserver) stepMetadata(rec *saga.Record, step *saga.Step) Metadata {
	return Metadata{
		CorrelationID: rec.CorrelationID,
		SagaID:        rec.SagaID,
		Step:          step.StepNumber,
		TotalSteps:    len(rec.Steps),
	}
}

func (o *SagaObserver) publish(ctx context.Context, evt *Envelope) {
	if err := o.publisher.Publish(ctx, evt); err != nil {
		o.logger.Warn("Failed to publish saga event",
			zap.String("event_type", evt.EventType),
			zap.String("saga_id", evt.Metadata.SagaID),
			zap.Error(err))
	}
}
