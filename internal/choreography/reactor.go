package choreography

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/retailgrid/saga-orchestrator/internal/domain"
	"github.com/retailgrid/saga-orchestrator/internal/events"
	"github.com/retailgrid/saga-orchestrator/internal/participants"
	"github.com/retailgrid/saga-orchestrator/internal/sagas"
	"github.com/retailgrid/saga-orchestrator/pkg/saga"
)

// Reactor drives the participant side of the choreographed order flow.
// Each handler reacts to the previous participant's event, performs its own
// local transaction, and emits the next event. Failures become failure
// events instead of errors, so the coordinator can compensate.
type Reactor struct {
	store     saga.Store
	publisher events.Publisher
	parts     *sagas.Participants
	logger    *zap.Logger
}

// NewReactor creates a participant reactor
func NewReactor(store saga.Store, publisher events.Publisher, parts *sagas.Participants, logger *zap.Logger) *Reactor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reactor{
		store:     store,
		publisher: publisher,
		parts:     parts,
		logger:    logger,
	}
}

// HandleEvent reacts to one event of the choreographed flow. Events that do
// not belong to a choreographed saga are ignored.
func (r *Reactor) HandleEvent(ctx context.Context, evt *events.Envelope) error {
	sagaID := evt.Metadata.SagaID
	if sagaID == "" {
		return nil
	}

	rec, err := r.store.Get(ctx, sagaID)
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
	case events.EventOrderCreated:
		return r.reserveStock(ctx, rec, evt)
	case events.EventStockReserved:
		return r.processPayment(ctx, rec, evt)
	case events.EventPaymentProcessed:
		return r.confirmOrder(ctx, rec, evt)
	case events.EventOrderConfirmed:
		return r.sendNotification(ctx, rec, evt)
	case events.EventSagaCompensationStarted:
		return r.undoCompletedSteps(ctx, rec, evt)
	default:
		return nil
	}
}

// reserveStock holds stock for every basket line announced with the order.
// A shortage on any line releases the lines already held and announces the
// rejection.
func (r *Reactor) reserveStock(ctx context.Context, rec *saga.Record, evt *events.Envelope) error {
	storeID := stringData(evt.Data, "storeId")
	lines, _ := evt.Data["items"].([]interface{})

	held := make([]string, 0, len(lines))
	for i, raw := range lines {
		line, ok := raw.(map[string]interface{})
		if !ok {
			continue
		}
		productID := stringData(line, "productId")
		quantity := intData(line, "quantity")

		result, err := r.parts.Products.ReserveStock(ctx, participants.OpKey{
			SagaID:        rec.SagaID,
			StepName:      fmt.Sprintf("ReserveStock#%d", i),
			CorrelationID: rec.CorrelationID,
		}, productID, storeID, quantity)
		if err != nil {
			for _, id := range held {
				_ = r.parts.Products.ReleaseStock(ctx, participants.OpKey{}, id)
			}
			return r.reject(ctx, rec, events.EventStockRejected, "product", productID, err)
		}
		held = append(held, result["reservationId"].(string))
	}
	return nil
}

// processPayment charges the order total after all lines of the basket are
// held. StockReserved arrives once per line; only the last one, when the
// saga record has reached StockReserved, triggers the charge.
func (r *Reactor) processPayment(ctx context.Context, rec *saga.Record, evt *events.Envelope) error {
	if rec.CurrentState != saga.StateStockReserved {
		return nil
	}
	if !allLinesHeld(rec) {
		return nil
	}

	result, err := r.parts.Payments.ProcessPayment(ctx, participants.OpKey{
		SagaID:        rec.SagaID,
		StepName:      "ProcessPayment",
		CorrelationID: rec.CorrelationID,
	}, rec.SagaID, orderTotal(rec))
	if err != nil {
		return r.reject(ctx, rec, events.EventPaymentFailed, "payment", rec.SagaID, err)
	}

	r.logger.Debug("Choreographed payment processed",
		zap.String("saga_id", rec.SagaID), zap.Any("payment_id", result["paymentId"]))
	return nil
}

func (r *Reactor) confirmOrder(ctx context.Context, rec *saga.Record, evt *events.Envelope) error {
	if rec.CurrentState != saga.StatePaymentProcessed {
		return nil
	}

	key := participants.OpKey{
		SagaID:        rec.SagaID,
		StepName:      "ConfirmOrder",
		CorrelationID: rec.CorrelationID,
	}

	order, err := r.parts.Orders.CreateOrder(ctx, participants.OpKey{
		SagaID:        rec.SagaID,
		StepName:      "CreateOrder",
		CorrelationID: rec.CorrelationID,
	}, customerOf(rec), storeOf(rec), basketOf(rec), orderTotal(rec))
	if err != nil {
		return r.reject(ctx, rec, events.EventPaymentFailed, "order", rec.SagaID, err)
	}

	orderID, _ := order["orderId"].(string)
	if _, err := r.parts.Orders.ConfirmOrder(ctx, key, orderID); err != nil {
		return r.reject(ctx, rec, events.EventPaymentFailed, "order", orderID, err)
	}
	return nil
}

// sendNotification tells the customer their order is confirmed. A delivery
// failure unwinds the whole order, so the coordinator hears about it.
func (r *Reactor) sendNotification(ctx context.Context, rec *saga.Record, evt *events.Envelope) error {
	if rec.CurrentState != saga.StateOrderConfirming {
		return nil
	}

	_, err := r.parts.Notifications.SendNotification(ctx, participants.OpKey{
		SagaID:        rec.SagaID,
		StepName:      "SendNotification",
		CorrelationID: rec.CorrelationID,
	}, customerOf(rec), stringData(evt.Data, "orderId"))
	if err != nil {
		return r.reject(ctx, rec, events.EventNotificationFailed, "notification", rec.SagaID, err)
	}
	return nil
}

// undoCompletedSteps reverses the participant effects of a compensating
// saga in reverse order of the forward flow. Each undone effect is announced
// by the owning participant; an undo that fails is reported so the
// coordinator can close the saga as Failed instead of hanging.
func (r *Reactor) undoCompletedSteps(ctx context.Context, rec *saga.Record, evt *events.Envelope) error {
	if rec.CurrentState != saga.StateCompensating {
		return nil
	}

	if orderID := completedStepString(rec, "ConfirmOrder", "orderId"); orderID != "" {
		err := r.parts.Orders.CancelOrder(ctx, participants.OpKey{
			SagaID:        rec.SagaID,
			StepName:      "CancelOrder",
			CorrelationID: rec.CorrelationID,
		}, orderID)
		if err != nil {
			r.reportUndoFailure(ctx, rec, "ConfirmOrder", "CancelOrder", "order-service", err)
		}
	}

	if paymentID := completedStepString(rec, "ProcessPayment", "paymentId"); paymentID != "" {
		err := r.parts.Payments.RefundPayment(ctx, participants.OpKey{
			SagaID:        rec.SagaID,
			StepName:      "RefundPayment",
			CorrelationID: rec.CorrelationID,
		}, paymentID)
		if err != nil {
			r.reportUndoFailure(ctx, rec, "ProcessPayment", "RefundPayment", "payment-service", err)
		}
	}

	for _, reservationID := range reservationIDs(rec) {
		err := r.parts.Products.ReleaseStock(ctx, participants.OpKey{
			SagaID:        rec.SagaID,
			StepName:      "ReleaseStock",
			CorrelationID: rec.CorrelationID,
		}, reservationID)
		if err != nil {
			r.reportUndoFailure(ctx, rec, "ReserveStock", "ReleaseStock", "product-service", err)
		}
	}
	return nil
}

// reportUndoFailure announces a compensating action that could not be
// performed. The coordinator records the attempt and fails the saga.
func (r *Reactor) reportUndoFailure(ctx context.Context, rec *saga.Record, stepName, action, serviceName string, cause error) {
	evt := events.NewEnvelope(events.EventSagaCompensationExecuted, rec.SagaID, "saga", map[string]interface{}{
		"stepName":     stepName,
		"action":       action,
		"serviceName":  serviceName,
		"isSuccessful": false,
		"reason":       cause.Error(),
	}, events.Metadata{CorrelationID: rec.CorrelationID, SagaID: rec.SagaID})

	if err := r.publisher.Publish(ctx, evt); err != nil {
		r.logger.Error("Failed to report compensation failure",
			zap.String("saga_id", rec.SagaID), zap.String("action", action), zap.Error(err))
	}

	r.logger.Warn("Choreographed compensation action failed",
		zap.String("saga_id", rec.SagaID),
		zap.String("action", action),
		zap.Error(cause))
}

// reject announces a participant failure so the coordinator can abort or
// compensate. The handler itself succeeds: the event is the outcome.
func (r *Reactor) reject(ctx context.Context, rec *saga.Record, eventType, aggregateType, aggregateID string, cause error) error {
	evt := events.NewEnvelope(eventType, aggregateID, aggregateType, map[string]interface{}{
		"reason": cause.Error(),
		"kind":   string(saga.FailureKindOf(cause)),
	}, events.Metadata{CorrelationID: rec.CorrelationID, SagaID: rec.SagaID})

	if err := r.publisher.Publish(ctx, evt); err != nil {
		return fmt.Errorf("failed to announce %s: %w", eventType, err)
	}

	r.logger.Warn("Choreographed step failed",
		zap.String("saga_id", rec.SagaID),
		zap.String("event_type", eventType),
		zap.Error(cause))
	return nil
}

func allLinesHeld(rec *saga.Record) bool {
	basket := basketOf(rec)
	return len(basket) > 0 && len(reservationIDs(rec)) >= len(basket)
}

func customerOf(rec *saga.Record) string {
	return stringData(announcementOf(rec), "customerId")
}

func storeOf(rec *saga.Record) string {
	return stringData(announcementOf(rec), "storeId")
}

func orderTotal(rec *saga.Record) float64 {
	var total float64
	for _, line := range basketOf(rec) {
		total += line.UnitPrice * float64(line.Quantity)
	}
	return total
}

// announcementOf reads the order announcement the coordinator kept on the
// record at creation
func announcementOf(rec *saga.Record) map[string]interface{} {
	step := rec.StepByName("CreateOrder")
	if step == nil || step.StepData == nil {
		return nil
	}
	order, _ := step.StepData["order"].(map[string]interface{})
	return order
}

func basketOf(rec *saga.Record) []domain.SaleItem {
	lines, _ := announcementOf(rec)["items"].([]interface{})
	items := make([]domain.SaleItem, 0, len(lines))
	for _, raw := range lines {
		line, ok := raw.(map[string]interface{})
		if !ok {
			continue
		}
		items = append(items, domain.SaleItem{
			ProductID: stringData(line, "productId"),
			Quantity:  intData(line, "quantity"),
			UnitPrice: floatData(line, "unitPrice"),
		})
	}
	return items
}

func intData(data map[string]interface{}, field string) int {
	switch n := data[field].(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	default:
		return 0
	}
}

func floatData(data map[string]interface{}, field string) float64 {
	switch n := data[field].(type) {
	case float64:
		return n
	case int:
		return float64(n)
	default:
		return 0
	}
}
