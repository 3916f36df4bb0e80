package choreography

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/retailgrid/saga-orchestrator/internal/domain"
	"github.com/retailgrid/saga-orchestrator/internal/events"
	"github.com/retailgrid/saga-orchestrator/pkg/saga"
)

const coordinatorServiceName = "choreography-coordinator"

// Coordinator tracks choreographed order sagas. It never calls participants
// itself; it observes their events, records the resulting state transitions,
// and on failure announces the compensation so participants can undo their
// own work. Their cancellation events drive the saga to its terminal state.
type Coordinator struct {
	store     saga.Store
	publisher events.Publisher
	logger    *zap.Logger
	observers []saga.Observer
}

// NewCoordinator creates a choreography coordinator
func NewCoordinator(store saga.Store, publisher events.Publisher, logger *zap.Logger, observers ...saga.Observer) *Coordinator {
	if logger == nil {
		logger = zap.NewNop()
	}
	if publisher == nil {
		publisher = events.NewNoOpPublisher()
	}
	return &Coordinator{
		store:     store,
		publisher: publisher,
		logger:    logger,
		observers: observers,
	}
}

// StartOrder opens a choreographed order saga and announces it. Participants
// react to the announcement; the coordinator only listens from here on.
// The announcement is also kept on the record, so later handlers can read
// the basket without replaying the event stream.
func (c *Coordinator) StartOrder(ctx context.Context, customerID, storeID string, items []domain.SaleItem, correlationID string) (*saga.Record, error) {
	rec := saga.NewRecord(saga.TypeChoreographedOrder, correlationID, []saga.StepDescriptor{
		{Name: "CreateOrder", ServiceName: "order-service"},
		{Name: "ReserveStock", ServiceName: "product-service"},
		{Name: "ProcessPayment", ServiceName: "payment-service"},
		{Name: "ConfirmOrder", ServiceName: "order-service"},
		{Name: "SendNotification", ServiceName: "notification-service"},
	})

	lines := make([]interface{}, 0, len(items))
	for _, item := range items {
		lines = append(lines, map[string]interface{}{
			"productId": item.ProductID,
			"quantity":  item.Quantity,
			"unitPrice": item.UnitPrice,
		})
	}
	announcement := map[string]interface{}{
		"customerId": customerID,
		"storeId":    storeID,
		"items":      lines,
	}

	// the intake step completes with the announcement itself
	now := time.Now().UTC()
	rec.Steps[0].Status = saga.StepStatusCompleted
	rec.Steps[0].CompletedAt = &now
	rec.Steps[0].StepData = map[string]interface{}{"order": announcement}

	if err := c.store.Create(ctx, rec); err != nil {
		return nil, fmt.Errorf("failed to create choreographed saga: %w", err)
	}

	for _, o := range c.observers {
		o.OnSagaStarted(ctx, rec)
	}

	evt := events.NewEnvelope(events.EventOrderCreated, rec.SagaID, "order", announcement,
		events.Metadata{CorrelationID: rec.CorrelationID, SagaID: rec.SagaID})

	if err := c.publisher.Publish(ctx, evt); err != nil {
		c.logger.Error("Failed to announce choreographed order",
			zap.String("saga_id", rec.SagaID), zap.Error(err))
	}

	return c.store.Get(ctx, rec.SagaID)
}

// Cancel aborts a choreographed saga that has not progressed past its
// initial state. Anything further along must compensate instead.
func (c *Coordinator) Cancel(ctx context.Context, sagaID string) (*saga.Record, error) {
	return c.update(ctx, sagaID, func(rec *saga.Record) ([]*saga.Transition, error) {
		tr := saga.NewTransition(rec.SagaID, rec.CurrentState, saga.StateAborted,
			coordinatorServiceName, "CancelOrder", saga.TransitionCompensation)
		rec.CurrentState = saga.StateAborted
		now := time.Now().UTC()
		rec.CompletedAt = &now
		return []*saga.Transition{tr}, nil
	})
}

// HandleEvent applies one participant event to the saga it belongs to.
// Events without a saga ID, for unknown sagas, or for orchestrated sagas
// are ignored; choreographed participants emit them too.
func (c *Coordinator) HandleEvent(ctx context.Context, evt *events.Envelope) error {
	sagaID := evt.Metadata.SagaID
	if sagaID == "" {
		return nil
	}

	rec, err := c.store.Get(ctx, sagaID)
	if err != nil {
		if errors.Is(err, saga.ErrSagaNotFound) {
			return nil
		}
		return err
	}
	if rec.SagaType != saga.TypeChoreographedOrder || rec.IsTerminal() {
		return nil
	}

	switch evt.EventType {
	case events.EventStockReserved:
		return c.onStockReserved(ctx, sagaID, evt)
	case events.EventStockRejected:
		return c.onStockRejected(ctx, sagaID, evt)
	case events.EventPaymentProcessed:
		return c.onPaymentProcessed(ctx, sagaID, evt)
	case events.EventPaymentFailed:
		return c.onPaymentFailed(ctx, sagaID, evt)
	case events.EventOrderConfirmed:
		return c.onOrderConfirmed(ctx, sagaID, evt)
	case events.EventNotificationSent:
		return c.onNotificationSent(ctx, sagaID, evt)
	case events.EventNotificationFailed:
		return c.onNotificationFailed(ctx, sagaID, evt)
	case events.EventOrderCancelled:
		return c.onStepCompensated(ctx, sagaID, "ConfirmOrder", "CancelOrder", "order-service", "")
	case events.EventPaymentRefunded:
		return c.onStepCompensated(ctx, sagaID, "ProcessPayment", "RefundPayment", "payment-service", "")
	case events.EventStockReleased:
		return c.onStockReleased(ctx, sagaID, evt)
	case events.EventSagaCompensationExecuted:
		return c.onCompensationReport(ctx, sagaID, evt)
	default:
		return nil
	}
}

func (c *Coordinator) onStockReserved(ctx context.Context, sagaID string, evt *events.Envelope) error {
	_, err := c.update(ctx, sagaID, func(rec *saga.Record) ([]*saga.Transition, error) {
		step := rec.StepByName("ReserveStock")
		appendReservation(step, evt.Data)

		if rec.CurrentState != saga.StateInProgress {
			// Another basket line for a saga already in StockReserved
			return nil, nil
		}

		now := time.Now().UTC()
		step.Status = saga.StepStatusCompleted
		step.CompletedAt = &now

		tr := saga.NewTransition(rec.SagaID, rec.CurrentState, saga.StateStockReserved,
			"product-service", "ReserveStock", saga.TransitionSuccess)
		tr.Data = evt.Data
		rec.CurrentState = saga.StateStockReserved
		return []*saga.Transition{tr}, nil
	})
	return err
}

func (c *Coordinator) onStockRejected(ctx context.Context, sagaID string, evt *events.Envelope) error {
	rec, err := c.update(ctx, sagaID, func(rec *saga.Record) ([]*saga.Transition, error) {
		if rec.CurrentState != saga.StateInProgress {
			return nil, nil
		}

		now := time.Now().UTC()
		if step := rec.StepByName("ReserveStock"); step != nil {
			step.Status = saga.StepStatusFailed
			step.FailedAt = &now
			step.ErrorMessage = stringData(evt.Data, "reason")
		}

		tr := saga.NewTransition(rec.SagaID, rec.CurrentState, saga.StateAborted,
			"product-service", "ReserveStock", saga.TransitionFailure)
		tr.Message = stringData(evt.Data, "reason")
		rec.CurrentState = saga.StateAborted
		rec.ErrorMessage = tr.Message
		rec.CompletedAt = &now
		return []*saga.Transition{tr}, nil
	})
	if err != nil {
		return err
	}

	c.finish(ctx, rec)
	return nil
}

func (c *Coordinator) onPaymentProcessed(ctx context.Context, sagaID string, evt *events.Envelope) error {
	_, err := c.update(ctx, sagaID, func(rec *saga.Record) ([]*saga.Transition, error) {
		if rec.CurrentState != saga.StateStockReserved {
			return nil, nil
		}

		now := time.Now().UTC()
		if step := rec.StepByName("ProcessPayment"); step != nil {
			step.Status = saga.StepStatusCompleted
			step.CompletedAt = &now
			step.StepData = evt.Data
		}

		tr := saga.NewTransition(rec.SagaID, rec.CurrentState, saga.StatePaymentProcessed,
			"payment-service", "ProcessPayment", saga.TransitionSuccess)
		tr.Data = evt.Data
		rec.CurrentState = saga.StatePaymentProcessed
		return []*saga.Transition{tr}, nil
	})
	return err
}

// onPaymentFailed pivots into compensation after a failure reported once
// stock was held: the saga enters Compensating and the compensation is
// announced for the participants to undo their work.
func (c *Coordinator) onPaymentFailed(ctx context.Context, sagaID string, evt *events.Envelope) error {
	rec, err := c.store.Get(ctx, sagaID)
	if err != nil {
		return err
	}
	if rec.CurrentState != saga.StateStockReserved && rec.CurrentState != saga.StatePaymentProcessed {
		return nil
	}

	if _, err := c.update(ctx, sagaID, func(rec *saga.Record) ([]*saga.Transition, error) {
		now := time.Now().UTC()
		if step := rec.StepByName("ProcessPayment"); step != nil && step.Status != saga.StepStatusCompleted {
			step.Status = saga.StepStatusFailed
			step.FailedAt = &now
			step.ErrorMessage = stringData(evt.Data, "reason")
		}

		tr := saga.NewTransition(rec.SagaID, rec.CurrentState, saga.StateCompensating,
			"payment-service", "ProcessPayment", saga.TransitionFailure)
		tr.Message = stringData(evt.Data, "reason")
		rec.CurrentState = saga.StateCompensating
		rec.ErrorMessage = tr.Message
		return []*saga.Transition{tr}, nil
	}); err != nil {
		return err
	}

	return c.startCompensation(ctx, sagaID, "ProcessPayment")
}

func (c *Coordinator) onOrderConfirmed(ctx context.Context, sagaID string, evt *events.Envelope) error {
	_, err := c.update(ctx, sagaID, func(rec *saga.Record) ([]*saga.Transition, error) {
		if rec.CurrentState != saga.StatePaymentProcessed {
			return nil, nil
		}

		now := time.Now().UTC()
		if step := rec.StepByName("ConfirmOrder"); step != nil {
			step.Status = saga.StepStatusCompleted
			step.CompletedAt = &now
			step.StepData = evt.Data
		}

		tr := saga.NewTransition(rec.SagaID, rec.CurrentState, saga.StateOrderConfirming,
			"order-service", "ConfirmOrder", saga.TransitionSuccess)
		tr.Data = evt.Data
		rec.CurrentState = saga.StateOrderConfirming
		return []*saga.Transition{tr}, nil
	})
	return err
}

func (c *Coordinator) onNotificationSent(ctx context.Context, sagaID string, evt *events.Envelope) error {
	rec, err := c.update(ctx, sagaID, func(rec *saga.Record) ([]*saga.Transition, error) {
		if rec.CurrentState != saga.StateOrderConfirming {
			return nil, nil
		}

		now := time.Now().UTC()
		if step := rec.StepByName("SendNotification"); step != nil {
			step.Status = saga.StepStatusCompleted
			step.CompletedAt = &now
			step.StepData = evt.Data
		}

		tr := saga.NewTransition(rec.SagaID, rec.CurrentState, saga.StateCompleted,
			coordinatorServiceName, "CompleteSaga", saga.TransitionSuccess)
		rec.CurrentState = saga.StateCompleted
		rec.CompletedAt = &now
		return []*saga.Transition{tr}, nil
	})
	if err != nil {
		return err
	}

	c.finish(ctx, rec)
	return nil
}

// onNotificationFailed rolls back a fully placed order: compensation is
// announced, and the participants cancel the order, refund the payment, and
// release the stock holds.
func (c *Coordinator) onNotificationFailed(ctx context.Context, sagaID string, evt *events.Envelope) error {
	rec, err := c.store.Get(ctx, sagaID)
	if err != nil {
		return err
	}
	if rec.CurrentState != saga.StateOrderConfirming {
		return nil
	}

	if _, err := c.update(ctx, sagaID, func(rec *saga.Record) ([]*saga.Transition, error) {
		now := time.Now().UTC()
		if step := rec.StepByName("SendNotification"); step != nil {
			step.Status = saga.StepStatusFailed
			step.FailedAt = &now
			step.ErrorMessage = stringData(evt.Data, "reason")
		}

		tr := saga.NewTransition(rec.SagaID, rec.CurrentState, saga.StateCompensating,
			"notification-service", "SendNotification", saga.TransitionFailure)
		tr.Message = stringData(evt.Data, "reason")
		rec.CurrentState = saga.StateCompensating
		rec.ErrorMessage = tr.Message
		return []*saga.Transition{tr}, nil
	}); err != nil {
		return err
	}

	return c.startCompensation(ctx, sagaID, "SendNotification")
}

// startCompensation announces that the saga's completed steps must be undone.
// Participants react with their own cancellation events; the coordinator
// closes the saga once every awaited undo arrived.
func (c *Coordinator) startCompensation(ctx context.Context, sagaID, failedStep string) error {
	rec, err := c.store.Get(ctx, sagaID)
	if err != nil {
		return err
	}

	evt := events.NewEnvelope(events.EventSagaCompensationStarted, rec.SagaID, "saga", map[string]interface{}{
		"sagaType":   string(rec.SagaType),
		"failedStep": failedStep,
	}, events.Metadata{CorrelationID: rec.CorrelationID, SagaID: rec.SagaID})

	if err := c.publisher.Publish(ctx, evt); err != nil {
		return fmt.Errorf("failed to announce compensation start: %w", err)
	}

	// Nothing may need undoing, e.g. when only the intake step completed
	return c.maybeFinishCompensation(ctx, sagaID)
}

// onStepCompensated records a participant's undo announcement: the step is
// marked Compensated and a compensation result is appended. Duplicate or
// stray announcements are dropped.
func (c *Coordinator) onStepCompensated(ctx context.Context, sagaID, stepName, action, serviceName, reason string) error {
	if _, err := c.update(ctx, sagaID, func(r *saga.Record) ([]*saga.Transition, error) {
		if r.CurrentState != saga.StateCompensating {
			return nil, nil
		}
		step := r.StepByName(stepName)
		if step == nil || step.Status != saga.StepStatusCompleted {
			return nil, nil
		}

		result := &saga.CompensationResult{
			StepName:     stepName,
			IsSuccessful: reason == "",
			ErrorMessage: reason,
			ExecutedAt:   time.Now().UTC(),
		}
		r.CompensationResults = append(r.CompensationResults, result)
		if reason != "" {
			r.HasCompensationFailures = true
		}

		now := time.Now().UTC()
		step.Status = saga.StepStatusCompensated
		step.CompensatedAt = &now

		tr := saga.NewTransition(r.SagaID, saga.StateCompensating, saga.StateCompensating,
			serviceName, action, saga.TransitionCompensation)
		tr.Message = reason
		return []*saga.Transition{tr}, nil
	}); err != nil {
		return err
	}
	return c.maybeFinishCompensation(ctx, sagaID)
}

// onStockReleased handles one released hold. ReserveStock covers every
// basket line, so the step is only marked Compensated once all of its
// reservations came back.
func (c *Coordinator) onStockReleased(ctx context.Context, sagaID string, evt *events.Envelope) error {
	if _, err := c.update(ctx, sagaID, func(r *saga.Record) ([]*saga.Transition, error) {
		if r.CurrentState != saga.StateCompensating {
			return nil, nil
		}
		step := r.StepByName("ReserveStock")
		if step == nil || step.Status != saga.StepStatusCompleted {
			return nil, nil
		}

		released := appendRelease(step, evt.Data)
		r.CompensationResults = append(r.CompensationResults, &saga.CompensationResult{
			StepName:     "ReserveStock",
			IsSuccessful: true,
			ExecutedAt:   time.Now().UTC(),
		})
		if released >= len(reservationIDs(r)) {
			now := time.Now().UTC()
			step.Status = saga.StepStatusCompensated
			step.CompensatedAt = &now
		}

		tr := saga.NewTransition(r.SagaID, saga.StateCompensating, saga.StateCompensating,
			"product-service", "ReleaseStock", saga.TransitionCompensation)
		tr.Data = evt.Data
		return []*saga.Transition{tr}, nil
	}); err != nil {
		return err
	}
	return c.maybeFinishCompensation(ctx, sagaID)
}

// onCompensationReport handles an undo the reactor could not perform. The
// step counts as attempted so the saga can close, but it closes as Failed.
func (c *Coordinator) onCompensationReport(ctx context.Context, sagaID string, evt *events.Envelope) error {
	if successful, ok := evt.Data["isSuccessful"].(bool); !ok || successful {
		return nil
	}
	stepName := stringData(evt.Data, "stepName")
	if stepName == "" {
		return nil
	}
	reason := stringData(evt.Data, "reason")
	if reason == "" {
		reason = "compensation failed"
	}
	return c.onStepCompensated(ctx, sagaID, stepName,
		stringData(evt.Data, "action"), stringData(evt.Data, "serviceName"), reason)
}

// maybeFinishCompensation closes a compensating saga once no completed step
// is left awaiting its undo event, and announces the outcome.
func (c *Coordinator) maybeFinishCompensation(ctx context.Context, sagaID string) error {
	rec, err := c.store.Get(ctx, sagaID)
	if err != nil {
		return err
	}
	if rec.CurrentState != saga.StateCompensating || !compensationSettled(rec) {
		return nil
	}

	final := saga.StateCompensated
	if rec.HasCompensationFailures {
		final = saga.StateFailed
	}

	rec, err = c.update(ctx, sagaID, func(r *saga.Record) ([]*saga.Transition, error) {
		tr := saga.NewTransition(r.SagaID, r.CurrentState, final,
			coordinatorServiceName, "FinishCompensation", saga.TransitionCompensation)
		r.CurrentState = final
		now := time.Now().UTC()
		r.CompletedAt = &now
		return []*saga.Transition{tr}, nil
	})
	if err != nil {
		return err
	}

	evt := events.NewEnvelope(events.EventSagaCompensationCompleted, rec.SagaID, "saga", map[string]interface{}{
		"sagaType":   string(rec.SagaType),
		"finalState": string(final),
	}, events.Metadata{CorrelationID: rec.CorrelationID, SagaID: rec.SagaID})
	if err := c.publisher.Publish(ctx, evt); err != nil {
		c.logger.Error("Failed to announce compensation completion",
			zap.String("saga_id", rec.SagaID), zap.Error(err))
	}

	c.finish(ctx, rec)
	return nil
}

// compensationSettled reports whether every compensable step finished its
// undo. The intake step holds only the announcement and has nothing to undo.
func compensationSettled(rec *saga.Record) bool {
	for _, name := range []string{"ConfirmOrder", "ProcessPayment", "ReserveStock"} {
		if step := rec.StepByName(name); step != nil && step.Status == saga.StepStatusCompleted {
			return false
		}
	}
	return true
}

func completedStepString(rec *saga.Record, stepName, field string) string {
	step := rec.StepByName(stepName)
	if step == nil || step.Status != saga.StepStatusCompleted || step.StepData == nil {
		return ""
	}
	v, _ := step.StepData[field].(string)
	return v
}

func (c *Coordinator) update(ctx context.Context, sagaID string, mutate saga.Mutation) (*saga.Record, error) {
	prev, err := c.store.Get(ctx, sagaID)
	if err != nil {
		return nil, err
	}

	rec, err := c.store.Update(ctx, sagaID, mutate)
	if err != nil {
		return nil, err
	}

	for _, tr := range rec.Transitions[len(prev.Transitions):] {
		for _, o := range c.observers {
			o.OnTransition(ctx, rec, tr)
		}
	}
	return rec, nil
}

func (c *Coordinator) finish(ctx context.Context, rec *saga.Record) {
	if rec == nil || rec.CompletedAt == nil {
		return
	}
	for _, o := range c.observers {
		o.OnSagaFinished(ctx, rec, rec.CompletedAt.Sub(rec.CreatedAt))
	}
}

func appendReservation(step *saga.Step, data map[string]interface{}) {
	if step == nil {
		return
	}
	if step.StepData == nil {
		step.StepData = make(map[string]interface{})
	}
	ids, _ := step.StepData["reservationIds"].([]interface{})
	if id, ok := data["reservationId"].(string); ok {
		step.StepData["reservationIds"] = append(ids, id)
	}
}

// appendRelease tracks a released reservation on the ReserveStock step and
// returns how many came back so far
func appendRelease(step *saga.Step, data map[string]interface{}) int {
	if step == nil {
		return 0
	}
	if step.StepData == nil {
		step.StepData = make(map[string]interface{})
	}
	ids, _ := step.StepData["releasedIds"].([]interface{})
	if id, ok := data["reservationId"].(string); ok {
		ids = append(ids, id)
		step.StepData["releasedIds"] = ids
	}
	return len(ids)
}

func reservationIDs(rec *saga.Record) []string {
	step := rec.StepByName("ReserveStock")
	if step == nil || step.StepData == nil {
		return nil
	}
	raw, _ := step.StepData["reservationIds"].([]interface{})
	out := make([]string, 0, len(raw))
	for _, v := range raw {
		if id, ok := v.(string); ok {
			out = append(out, id)
		}
	}
	return out
}

func stringData(data map[string]interface{}, field string) string {
	v, _ := data[field].(string)
	return v
}
