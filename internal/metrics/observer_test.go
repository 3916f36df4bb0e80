package metrics

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.uber.org/zap"

	"github.com/retailgrid/saga-orchestrator/pkg/saga"
)

// initTestMeter binds the package instruments to a manual reader, so tests
// can inspect the exported data points. Init is process-wide, so every test
// in this package shares the reader.
var testReader = func() *sdkmetric.ManualReader {
	reader := sdkmetric.NewManualReader()
	otel.SetMeterProvider(sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader)))
	return reader
}()

func collect(t *testing.T) metricdata.ResourceMetrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, testReader.Collect(context.Background(), &rm))
	return rm
}

func attrSets(rm metricdata.ResourceMetrics, name string) []attribute.Set {
	var sets []attribute.Set
	for _, scope := range rm.ScopeMetrics {
		for _, m := range scope.Metrics {
			if m.Name != name {
				continue
			}
			switch data := m.Data.(type) {
			case metricdata.Sum[int64]:
				for _, dp := range data.DataPoints {
					sets = append(sets, dp.Attributes)
				}
			case metricdata.Histogram[float64]:
				for _, dp := range data.DataPoints {
					sets = append(sets, dp.Attributes)
				}
			}
		}
	}
	return sets
}

func labelValue(set attribute.Set, key string) (string, bool) {
	v, ok := set.Value(attribute.Key(key))
	if !ok {
		return "", false
	}
	return v.Emit(), true
}

func TestObserverMetricLabels(t *testing.T) {
	require.NoError(t, Init())
	obs := NewObserver(zap.NewNop())
	ctx := context.Background()

	rec := saga.NewRecord(saga.TypeSale, "corr-1", []saga.StepDescriptor{
		{Name: "ValidateStore", ServiceName: "store-service"},
		{Name: "ReserveStock", ServiceName: "product-service"},
	})
	obs.OnSagaStarted(ctx, rec)

	now := time.Now().UTC()
	rec.Steps[0].Status = saga.StepStatusCompleted
	rec.Steps[0].CompletedAt = &now
	obs.OnStepCompleted(ctx, rec, rec.Steps[0], 25*time.Millisecond)

	tr := saga.NewTransition(rec.SagaID, saga.StateStarted, saga.StateStoreValidated,
		"store-service", "ValidateStore", saga.TransitionSuccess)
	rec.CurrentState = saga.StateStoreValidated
	obs.OnTransition(ctx, rec, tr)

	rec.Steps[1].Status = saga.StepStatusFailed
	obs.OnStepFailed(ctx, rec, rec.Steps[1],
		saga.NewStepFailure(saga.FailureInsufficientStock, "no stock"), 12*time.Millisecond)

	rec.CurrentState = saga.StateFailed
	rec.HasCompensationFailures = true
	rec.CompletedAt = &now
	obs.OnSagaFinished(ctx, rec, 40*time.Millisecond)

	rm := collect(t)

	completed := attrSets(rm, "saga_steps_completed_total")
	require.NotEmpty(t, completed)
	service, ok := labelValue(completed[0], "service_name")
	require.True(t, ok, "step counter must carry service_name")
	assert.Equal(t, "store-service", service)

	failed := attrSets(rm, "saga_steps_failed_total")
	require.NotEmpty(t, failed)
	_, ok = labelValue(failed[0], "service_name")
	assert.True(t, ok, "failed step counter must carry service_name")
	errorType, ok := labelValue(failed[0], "error_type")
	require.True(t, ok, "failed step counter must carry error_type")
	assert.Equal(t, string(saga.FailureInsufficientStock), errorType)

	durations := attrSets(rm, "saga_step_duration_seconds")
	require.NotEmpty(t, durations)
	statuses := map[string]bool{}
	for _, set := range durations {
		_, ok := labelValue(set, "service_name")
		assert.True(t, ok, "step duration must carry service_name")
		status, ok := labelValue(set, "status")
		require.True(t, ok, "step duration must carry status")
		statuses[status] = true
	}
	assert.True(t, statuses["Completed"] && statuses["Failed"],
		"step duration must split by status, got %v", statuses)

	transitions := attrSets(rm, "saga_transitions_total")
	require.NotEmpty(t, transitions)
	service, ok = labelValue(transitions[0], "service_name")
	require.True(t, ok, "transition counter must carry service_name")
	assert.Equal(t, "store-service", service)
	_, ok = labelValue(transitions[0], "event_type")
	assert.False(t, ok, "transition counter must not carry event_type")

	sagasFailed := attrSets(rm, "saga_failed_total")
	require.NotEmpty(t, sagasFailed)
	reason, ok := labelValue(sagasFailed[0], "failure_reason")
	require.True(t, ok, "failure counter must carry failure_reason")
	assert.Equal(t, "CompensationFailure", reason)
	_, ok = labelValue(sagasFailed[0], "final_state")
	assert.False(t, ok, "failure counter must not carry final_state")

	sagaDurations := attrSets(rm, "saga_duration_seconds")
	require.NotEmpty(t, sagaDurations)
	status, ok := labelValue(sagaDurations[0], "status")
	require.True(t, ok, "saga duration must carry status")
	assert.Equal(t, string(saga.StateFailed), status)
}

func TestSagasInStateGaugeFollowsTransitions(t *testing.T) {
	require.NoError(t, Init())
	ctx := context.Background()

	RecordSagaStarted(ctx, "GaugeSaga", string(saga.StateStarted))
	RecordTransition(ctx, "GaugeSaga", string(saga.StateStarted), string(saga.StateStoreValidated), "store-service")

	rm := collect(t)
	byState := map[string]int64{}
	for _, scope := range rm.ScopeMetrics {
		for _, m := range scope.Metrics {
			if m.Name != "saga_in_state" {
				continue
			}
			sum, ok := m.Data.(metricdata.Sum[int64])
			require.True(t, ok)
			for _, dp := range sum.DataPoints {
				st, _ := labelValue(dp.Attributes, "state")
				typ, _ := labelValue(dp.Attributes, "saga_type")
				if typ == "GaugeSaga" {
					byState[st] += dp.Value
				}
			}
		}
	}

	assert.Equal(t, int64(0), byState[string(saga.StateStarted)])
	assert.Equal(t, int64(1), byState[string(saga.StateStoreValidated)])
}

func TestFailureReasonClassification(t *testing.T) {
	rec := saga.NewRecord(saga.TypeOrder, "", []saga.StepDescriptor{
		{Name: "ProcessPayment", ServiceName: "payment-service"},
	})

	rec.CurrentState = saga.StateCompleted
	assert.Equal(t, "", failureReason(rec))

	rec.CurrentState = saga.StateCompensated
	assert.Equal(t, "", failureReason(rec))

	rec.CurrentState = saga.StateAborted
	assert.Equal(t, "Aborted", failureReason(rec))

	rec.CurrentState = saga.StateFailed
	rec.Steps[0].Status = saga.StepStatusFailed
	rec.Steps[0].ErrorMessage = errors.New("card declined").Error()
	assert.Equal(t, "StepFailure", failureReason(rec))

	rec.HasCompensationFailures = true
	assert.Equal(t, "CompensationFailure", failureReason(rec))
}
