package saga

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"github.com/retailgrid/saga-orchestrator/pkg/retry"
)

// Logger interface for saga engine logging
type Logger interface {
	Info(msg string, fields ...interface{})
	Warn(msg string, fields ...interface{})
	Error(msg string, fields ...interface{})
	// Context-aware logging methods
	InfoContext(ctx context.Context, msg string, fields ...interface{})
	WarnContext(ctx context.Context, msg string, fields ...interface{})
	ErrorContext(ctx context.Context, msg string, fields ...interface{})
}

// NoOpLogger is a no-op logger implementation
type NoOpLogger struct{}

func (l *NoOpLogger) Info(msg string, fields ...interface{})                              {}
func (l *NoOpLogger) Warn(msg string, fields ...interface{})                              {}
func (l *NoOpLogger) Error(msg string, fields ...interface{})                             {}
func (l *NoOpLogger) InfoContext(ctx context.Context, msg string, fields ...interface{})  {}
func (l *NoOpLogger) WarnContext(ctx context.Context, msg string, fields ...interface{})  {}
func (l *NoOpLogger) ErrorContext(ctx context.Context, msg string, fields ...interface{}) {}

// Observer receives saga lifecycle notifications. Metrics collection and
// business event publication hang off this interface so the engine stays
// free of transport concerns.
type Observer interface {
	OnSagaStarted(ctx context.Context, rec *Record)
	OnStepStarted(ctx context.Context, rec *Record, step *Step)
	OnStepCompleted(ctx context.Context, rec *Record, step *Step, duration time.Duration)
	OnStepFailed(ctx context.Context, rec *Record, step *Step, err error, duration time.Duration)
	OnCompensationExecuted(ctx context.Context, rec *Record, result *CompensationResult)
	OnTransition(ctx context.Context, rec *Record, tr *Transition)
	OnSagaFinished(ctx context.Context, rec *Record, duration time.Duration)
}

// NoopObserver implements Observer with no-ops, for embedding
type NoopObserver struct{}

func (NoopObserver) OnSagaStarted(ctx context.Context, rec *Record)               {}
func (NoopObserver) OnStepStarted(ctx context.Context, rec *Record, step *Step)   {}
func (NoopObserver) OnStepCompleted(ctx context.Context, rec *Record, step *Step, duration time.Duration) {
}
func (NoopObserver) OnStepFailed(ctx context.Context, rec *Record, step *Step, err error, duration time.Duration) {
}
func (NoopObserver) OnCompensationExecuted(ctx context.Context, rec *Record, result *CompensationResult) {
}
func (NoopObserver) OnTransition(ctx context.Context, rec *Record, tr *Transition)      {}
func (NoopObserver) OnSagaFinished(ctx context.Context, rec *Record, duration time.Duration) {}

const engineServiceName = "saga-engine"

// keyedMutex serializes operations per saga ID across a fixed shard set
type keyedMutex struct {
	shards []sync.Mutex
}

func newKeyedMutex(shards int) *keyedMutex {
	if shards <= 0 {
		shards = 64
	}
	return &keyedMutex{shards: make([]sync.Mutex, shards)}
}

func (k *keyedMutex) lock(key string) func() {
	h := fnv.New32a()
	h.Write([]byte(key))
	m := &k.shards[h.Sum32()%uint32(len(k.shards))]
	m.Lock()
	return m.Unlock
}

// EngineConfig holds configuration for the saga engine
type EngineConfig struct {
	Registry    *Registry
	Store       Store
	Logger      Logger
	Observers   []Observer
	StoreRetry  *retry.Config
	MutexShards int
}

// Engine drives orchestrated sagas: it executes the forward steps of a
// registered definition, persists every transition through the store, and
// runs LIFO compensation when a step fails.
type Engine struct {
	registry  *Registry
	store     Store
	logger    Logger
	observers []Observer
	retrier   *retry.Retrier
	locks     *keyedMutex
}

// NewEngine creates a saga engine
func NewEngine(cfg *EngineConfig) *Engine {
	registry := cfg.Registry
	if registry == nil {
		registry = NewRegistry()
	}
	store := cfg.Store
	if store == nil {
		store = NewMemoryStore()
	}
	log := cfg.Logger
	if log == nil {
		log = &NoOpLogger{}
	}
	retryCfg := cfg.StoreRetry
	if retryCfg == nil {
		retryCfg = retry.StoreConfig()
	}

	return &Engine{
		registry:  registry,
		store:     store,
		logger:    log,
		observers: cfg.Observers,
		retrier:   retry.New(retryCfg),
		locks:     newKeyedMutex(cfg.MutexShards),
	}
}

// Registry returns the engine's definition registry
func (e *Engine) Registry() *Registry {
	return e.registry
}

// AddObserver registers a lifecycle observer. Not safe to call after the
// engine started executing sagas.
func (e *Engine) AddObserver(obs Observer) {
	e.observers = append(e.observers, obs)
}

// Execute runs a new saga of the given type to completion. A step failure
// triggers compensation and still returns a nil error; the outcome is carried
// in the result. A non-nil error means the run itself could not proceed
// (unknown type, store failure, cancelled context).
func (e *Engine) Execute(ctx context.Context, t Type, correlationID string, input map[string]interface{}) (*Result, error) {
	def, err := e.registry.Get(t)
	if err != nil {
		return nil, err
	}

	rec := NewRecord(t, correlationID, def.Descriptors())

	// Hold the per-saga lock for the whole run, so an operator Compensate
	// arriving mid-execution waits and then replays the settled outcome
	// instead of unwinding steps a second time.
	unlock := e.locks.lock(rec.SagaID)
	defer unlock()

	if err := e.withRetry(ctx, func(ctx context.Context) error {
		return e.store.Create(ctx, rec)
	}); err != nil {
		return nil, fmt.Errorf("failed to create saga record: %w", err)
	}

	e.logger.InfoContext(ctx, "Saga started",
		"saga_id", rec.SagaID, "saga_type", t, "correlation_id", rec.CorrelationID)
	for _, obs := range e.observers {
		obs.OnSagaStarted(ctx, rec)
	}

	sagaCtx, cancel := context.WithTimeout(ctx, def.Timeout)
	defer cancel()

	exec := &Execution{
		SagaID:        rec.SagaID,
		SagaType:      t,
		CorrelationID: rec.CorrelationID,
		Input:         input,
		Data:          make(map[string]interface{}),
	}

	for i, stepDef := range def.Steps {
		var stepErr error
		rec, stepErr = e.runStep(sagaCtx, rec, i, stepDef, exec)
		if stepErr == nil {
			continue
		}
		if errors.Is(stepErr, context.Canceled) || errors.Is(stepErr, context.DeadlineExceeded) {
			// Interrupted mid-flight. The saga stays in its current state
			// and can be driven to compensation by an operator.
			return ResultFromRecord(rec), stepErr
		}
		var se *StoreError
		if errors.As(stepErr, &se) {
			// Persistence gave out; do not run business compensation on top
			return ResultFromRecord(rec), stepErr
		}
		return e.finishFailed(sagaCtx, def, rec)
	}

	return e.finishCompleted(sagaCtx, rec)
}

// finishCompleted records the terminal Completed transition when the last
// step's post state is not already Completed, then notifies observers.
func (e *Engine) finishCompleted(ctx context.Context, rec *Record) (*Result, error) {
	if rec.CurrentState != StateCompleted {
		completedAt := time.Now().UTC()
		updated, err := e.update(ctx, rec, func(r *Record) ([]*Transition, error) {
			from := r.CurrentState
			r.CurrentState = StateCompleted
			r.CompletedAt = &completedAt
			tr := NewTransition(r.SagaID, from, StateCompleted, engineServiceName, "CompleteSaga", TransitionSuccess)
			tr.Message = "saga completed"
			return []*Transition{tr}, nil
		})
		if err != nil {
			return ResultFromRecord(rec), err
		}
		rec = updated
	}

	duration := time.Since(rec.CreatedAt)
	e.logger.InfoContext(ctx, "Saga completed",
		"saga_id", rec.SagaID, "saga_type", rec.SagaType, "duration", duration)
	for _, obs := range e.observers {
		obs.OnSagaFinished(ctx, rec, duration)
	}
	return ResultFromRecord(rec), nil
}

// finishFailed runs compensation after a step failure and notifies observers
// with the terminal outcome.
func (e *Engine) finishFailed(ctx context.Context, def *Definition, rec *Record) (*Result, error) {
	rec, err := e.runCompensation(ctx, def, rec)
	if err != nil {
		return ResultFromRecord(rec), err
	}

	duration := time.Since(rec.CreatedAt)
	for _, obs := range e.observers {
		obs.OnSagaFinished(ctx, rec, duration)
	}
	return ResultFromRecord(rec), nil
}

/// runStep executes one forward step: persist the step-start transition,
// invoke the participant under the step deadline, then persist either the
// success advance or the failure pivot into Compensating.
func (e *Engine) runStep(ctx context.Context, rec *Record, idx int, stepDef *StepDef, exec *Execution) (*Record, error) {
	startedAt := time.Now().UTC()

	// The intent to run the step is durable before the participant is called
	rec, err := e.update(ctx, rec, func(r *Record) ([]*Transition, error) {
		step := r.Steps[idx]
		if !ValidStepTransition(step.Status, StepStatusInProgress) {
			return nil, NewFatalStoreError(fmt.Errorf("step %s cannot start from status %s", step.StepName, step.Status))
		}
		step.Status = StepStatusInProgress
		step.StartedAt = &startedAt
		tr := NewTransition(r.SagaID, r.CurrentState, stepDef.ExpectedPostState, stepDef.ServiceName, stepDef.Name, TransitionSuccess)
		tr.Message = "step started"
		return []*Transition{tr}, nil
	})
	if err != nil {
		return rec, err
	}

	for _, obs := range e.observers {
		obs.OnStepStarted(ctx, rec, rec.Steps[idx])
	}

	data, stepErr := e.callForward(ctx, stepDef, exec)
	duration := time.Since(startedAt)

	if stepErr != nil {
		if errors.Is(stepErr, context.Canceled) || errors.Is(stepErr, context.DeadlineExceeded) {
			return rec, stepErr
		}

		failedAt := time.Now().UTC()
		e.logger.ErrorContext(ctx, "Saga step failed",
			"saga_id", rec.SagaID, "step", stepDef.Name, "error", stepErr)

		updated, uerr := e.update(ctx, rec, func(r *Record) ([]*Transition, error) {
			step := r.Steps[idx]
			step.Status = StepStatusFailed
			step.FailedAt = &failedAt
			step.ErrorMessage = stepErr.Error()
			from := r.CurrentState
			r.CurrentState = StateCompensating
			r.ErrorMessage = stepErr.Error()
			tr := NewTransition(r.SagaID, from, StateCompensating, stepDef.ServiceName, stepDef.Name, TransitionFailure)
			tr.Message = stepErr.Error()
			return []*Transition{tr}, nil
		})
		if uerr != nil {
			return rec, uerr
		}
		rec = updated

		for _, obs := range e.observers {
			obs.OnStepFailed(ctx, rec, rec.Steps[idx], stepErr, duration)
		}
		return rec, stepErr
	}

	completedAt := time.Now().UTC()
	rec, err = e.update(ctx, rec, func(r *Record) ([]*Transition, error) {
		step := r.Steps[idx]
		step.Status = StepStatusCompleted
		step.CompletedAt = &completedAt
		step.StepData = data
		if stepDef.Compensate != nil {
			r.PushCompensation(stepDef.Name, data)
		}
		from := r.CurrentState
		r.CurrentState = stepDef.ExpectedPostState
		if r.CurrentState == StateCompleted {
			r.CompletedAt = &completedAt
		}
		tr := NewTransition(r.SagaID, from, r.CurrentState, stepDef.ServiceName, stepDef.Name, TransitionSuccess)
		tr.Message = "step completed"
		return []*Transition{tr}, nil
	})
	if err != nil {
		return rec, err
	}

	for k, v := range data {
		exec.Data[k] = v
	}

	e.logger.InfoContext(ctx, "Saga step completed",
		"saga_id", rec.SagaID, "step", stepDef.Name, "duration", duration)
	for _, obs := range e.observers {
		obs.OnStepCompleted(ctx, rec, rec.Steps[idx], duration)
	}
	return rec, nil
}

// callForward invokes the participant under the step deadline. A blown
// deadline surfaces as a NetworkTimeout step failure; caller cancellation
// propagates unchanged.
func (e *Engine) callForward(ctx context.Context, stepDef *StepDef, exec *Execution) (map[string]interface{}, error) {
	stepCtx, cancel := context.WithTimeout(ctx, stepDef.Timeout)
	defer cancel()

	type outcome struct {
		data map[string]interface{}
		err  error
	}
	done := make(chan outcome, 1)
	go func() {
		data, err := stepDef.Forward(stepCtx, exec)
		done <- outcome{data: data, err: err}
	}()

	select {
	case out := <-done:
		if out.err != nil && errors.Is(out.err, context.DeadlineExceeded) && ctx.Err() == nil {
			return nil, NewStepFailure(FailureNetworkTimeout, "step %s timed out after %s", stepDef.Name, stepDef.Timeout)
		}
		return out.data, out.err
	case <-stepCtx.Done():
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, NewStepFailure(FailureNetworkTimeout, "step %s timed out after %s", stepDef.Name, stepDef.Timeout)
	}
}

// Compensate undoes a saga's completed steps in reverse order. Calling it on
// an already compensated saga replays the stored outcome without re-running
// anything; concurrent calls for the same saga serialize and the later one
// observes the replay path.
func (e *Engine) Compensate(ctx context.Context, sagaID string) (*Result, error) {
	unlock := e.locks.lock(sagaID)
	defer unlock()

	rec, err := e.get(ctx, sagaID)
	if err != nil {
		return nil, err
	}

	def, err := e.registry.Get(rec.SagaType)
	if err != nil {
		return nil, err
	}

	switch rec.CurrentState {
	case StateCompensated, StateAborted:
		return ResultFromRecord(rec), nil
	case StateCompensating:
		// Resume an interrupted compensation from the remaining stack
	default:
		updated, uerr := e.update(ctx, rec, func(r *Record) ([]*Transition, error) {
			from := r.CurrentState
			if IsTerminalState(from) {
				return nil, NewFatalStoreError(NewIllegalTransitionError(r.SagaType, from, StateCompensating))
			}
			r.CurrentState = StateCompensating
			tr := NewTransition(r.SagaID, from, StateCompensating, engineServiceName, "CompensateSaga", TransitionCompensation)
			tr.Message = "compensation requested"
			return []*Transition{tr}, nil
		})
		if uerr != nil {
			return nil, uerr
		}
		rec = updated
	}

	e.logger.InfoContext(ctx, "Saga compensation requested",
		"saga_id", rec.SagaID, "saga_type", rec.SagaType, "pending", len(rec.CompensationData))

	rec, err = e.runCompensation(ctx, def, rec)
	if err != nil {
		return ResultFromRecord(rec), err
	}

	duration := time.Since(rec.CreatedAt)
	for _, obs := range e.observers {
		obs.OnSagaFinished(ctx, rec, duration)
	}
	return ResultFromRecord(rec), nil
}

// runCompensation drains the compensation stack in LIFO order. Compensation
// is best-effort: a failed undo is recorded and the loop moves on to the
// remaining entries. The stack empties into Compensated when every undo
// succeeded, Failed otherwise. A cancelled context leaves the saga in
// Compensating for a later resume.
func (e *Engine) runCompensation(ctx context.Context, def *Definition, rec *Record) (*Record, error) {
	for len(rec.CompensationData) > 0 {
		if ctx.Err() != nil {
			return rec, ctx.Err()
		}

		entry := rec.CompensationData[len(rec.CompensationData)-1]
		stepDef := def.StepByName(entry.StepName)

		executedAt := time.Now().UTC()
		var compErr error
		if stepDef != nil && stepDef.Compensate != nil {
			compCtx, cancel := context.WithTimeout(ctx, stepDef.Timeout)
			compErr = stepDef.Compensate(compCtx, entry.Data)
			cancel()
		}
		duration := time.Since(executedAt)

		if ctx.Err() != nil {
			return rec, ctx.Err()
		}

		result := &CompensationResult{
			StepName:     entry.StepName,
			IsSuccessful: compErr == nil,
			Duration:     duration,
			ExecutedAt:   executedAt,
		}
		if compErr != nil {
			result.ErrorMessage = compErr.Error()
			e.logger.ErrorContext(ctx, "Compensation step failed",
				"saga_id", rec.SagaID, "step", entry.StepName, "error", compErr)
		} else {
			e.logger.InfoContext(ctx, "Compensation step executed",
				"saga_id", rec.SagaID, "step", entry.StepName, "duration", duration)
		}

		serviceName := engineServiceName
		if stepDef != nil {
			serviceName = stepDef.ServiceName
		}

		updated, err := e.update(ctx, rec, func(r *Record) ([]*Transition, error) {
			popped := r.PopCompensation()
			if popped == nil || popped.StepName != entry.StepName {
				return nil, NewFatalStoreError(fmt.Errorf("compensation stack out of sync for saga %s", r.SagaID))
			}
			compensatedAt := time.Now().UTC()
			if step := r.StepByName(entry.StepName); step != nil && step.Status == StepStatusCompleted {
				step.Status = StepStatusCompensated
				step.CompensatedAt = &compensatedAt
				step.CompensationData = entry.Data
			}
			r.CompensationResults = append(r.CompensationResults, result)
			if compErr != nil {
				r.HasCompensationFailures = true
			}
			tr := NewTransition(r.SagaID, StateCompensating, StateCompensating, serviceName, entry.StepName, TransitionCompensation)
			if compErr != nil {
				tr.Message = compErr.Error()
			} else {
				tr.Message = "step compensated"
			}
			return []*Transition{tr}, nil
		})
		if err != nil {
			return rec, err
		}
		rec = updated

		for _, obs := range e.observers {
			obs.OnCompensationExecuted(ctx, rec, result)
		}
	}

	finishedAt := time.Now().UTC()
	rec, err := e.update(ctx, rec, func(r *Record) ([]*Transition, error) {
		from := r.CurrentState
		to := StateCompensated
		if r.HasCompensationFailures {
			to = StateFailed
		}
		r.CurrentState = to
		r.CompletedAt = &finishedAt
		tr := NewTransition(r.SagaID, from, to, engineServiceName, "FinishCompensation", TransitionCompensation)
		if r.HasCompensationFailures {
			tr.Message = "compensation finished with failures"
		} else {
			tr.Message = "compensation finished"
		}
		return []*Transition{tr}, nil
	})
	if err != nil {
		return rec, err
	}

	e.logger.InfoContext(ctx, "Saga compensation finished",
		"saga_id", rec.SagaID, "state", rec.CurrentState, "has_failures", rec.HasCompensationFailures)
	return rec, nil
}

// Get retrieves a saga record by ID
func (e *Engine) Get(ctx context.Context, sagaID string) (*Record, error) {
	return e.get(ctx, sagaID)
}

// List retrieves saga records, newest first
func (e *Engine) List(ctx context.Context, limit int) ([]*Record, error) {
	var out []*Record
	err := e.withRetry(ctx, func(ctx context.Context) error {
		var err error
		out, err = e.store.GetAll(ctx, limit)
		return err
	})
	return out, err
}

// ListByState retrieves saga records in the given state
func (e *Engine) ListByState(ctx context.Context, state State, limit int) ([]*Record, error) {
	var out []*Record
	err := e.withRetry(ctx, func(ctx context.Context) error {
		var err error
		out, err = e.store.GetByState(ctx, state, limit)
		return err
	})
	return out, err
}

// Transitions retrieves the transition log of a saga
func (e *Engine) Transitions(ctx context.Context, sagaID string) ([]*Transition, error) {
	var out []*Transition
	err := e.withRetry(ctx, func(ctx context.Context) error {
		var err error
		out, err = e.store.GetTransitions(ctx, sagaID)
		return err
	})
	return out, err
}

func (e *Engine) get(ctx context.Context, sagaID string) (*Record, error) {
	var rec *Record
	err := e.withRetry(ctx, func(ctx context.Context) error {
		var err error
		rec, err = e.store.Get(ctx, sagaID)
		return err
	})
	return rec, err
}

// update applies a mutation with transient-failure retry and notifies
// observers of the transitions the committed mutation appended.
func (e *Engine) update(ctx context.Context, prev *Record, mutate Mutation) (*Record, error) {
	var rec *Record
	err := e.withRetry(ctx, func(ctx context.Context) error {
		var err error
		rec, err = e.store.Update(ctx, prev.SagaID, mutate)
		return err
	})
	if err != nil {
		return nil, err
	}

	for _, tr := range rec.Transitions[len(prev.Transitions):] {
		for _, obs := range e.observers {
			obs.OnTransition(ctx, rec, tr)
		}
	}
	return rec, nil
}

// withRetry runs a store operation under the transient-failure retry
// schedule. Non-transient errors short-circuit.
func (e *Engine) withRetry(ctx context.Context, op retry.Operation) error {
	res := e.retrier.Do(ctx, func(ctx context.Context) error {
		err := op(ctx)
		if err == nil {
			return nil
		}
		if IsTransientStoreError(err) {
			return err
		}
		return retry.Permanent(err)
	})
	if res.Err == nil {
		return nil
	}
	if res.LastError != nil {
		return res.LastError
	}
	return res.Err
}
