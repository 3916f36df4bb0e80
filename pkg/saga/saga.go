package saga

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Type identifies a saga template
type Type string

const (
	TypeSale               Type = "SaleSaga"
	TypeOrder              Type = "OrderSaga"
	TypeStockUpdate        Type = "StockUpdateSaga"
	TypeChoreographedOrder Type = "ChoreographedOrderSaga"
)

// State represents the current state of a saga
type State string

const (
	StateStarted         State = "Started"
	StateStoreValidated  State = "StoreValidated"
	StateStockReserved   State = "StockReserved"
	StateTotalCalculated State = "TotalCalculated"
	StateSaleCreated     State = "SaleCreated"
	StateStockConfirmed  State = "StockConfirmed"
	StateCompleted       State = "Completed"
	StateFailed          State = "Failed"
	StateCompensating    State = "Compensating"
	StateCompensated     State = "Compensated"

	// Choreographed sagas additionally use these
	StateInProgress        State = "InProgress"
	StateStockVerifying    State = "StockVerifying"
	StateStockVerified     State = "StockVerified"
	StateStockReserving    State = "StockReserving"
	StatePaymentProcessing State = "PaymentProcessing"
	StatePaymentProcessed  State = "PaymentProcessed"
	StateOrderConfirming   State = "OrderConfirming"
	StateAborted           State = "Aborted"
)

// StepStatus represents the status of a saga step
type StepStatus string

const (
	StepStatusPending     StepStatus = "Pending"
	StepStatusInProgress  StepStatus = "InProgress"
	StepStatusCompleted   StepStatus = "Completed"
	StepStatusFailed      StepStatus = "Failed"
	StepStatusCompensated StepStatus = "Compensated"
)

// ValidStepTransition reports whether a step status edge is legal.
// Pending→InProgress→{Completed|Failed}; Completed→Compensated.
// A Failed compensation attempt still marks the step Compensated, so the
// attempt is recorded exactly once.
func ValidStepTransition(from, to StepStatus) bool {
	switch from {
	case StepStatusPending:
		return to == StepStatusInProgress
	case StepStatusInProgress:
		return to == StepStatusCompleted || to == StepStatusFailed
	case StepStatusCompleted:
		return to == StepStatusCompensated
	default:
		return false
	}
}

// TransitionEventType classifies a transition log entry
type TransitionEventType string

const (
	TransitionSuccess      TransitionEventType = "Success"
	TransitionFailure      TransitionEventType = "Failure"
	TransitionCompensation TransitionEventType = "Compensation"
)

// Step is one step of a saga record
type Step struct {
	StepNumber       int                    `json:"stepNumber"`
	StepName         string                 `json:"stepName"`
	ServiceName      string                 `json:"serviceName"`
	Status           StepStatus             `json:"status"`
	StartedAt        *time.Time             `json:"startedAt,omitempty"`
	CompletedAt      *time.Time             `json:"completedAt,omitempty"`
	FailedAt         *time.Time             `json:"failedAt,omitempty"`
	CompensatedAt    *time.Time             `json:"compensatedAt,omitempty"`
	StepData         map[string]interface{} `json:"stepData,omitempty"`
	CompensationData map[string]interface{} `json:"compensationData,omitempty"`
	ErrorMessage     string                 `json:"errorMessage,omitempty"`
}

// Transition is one entry of the append-only per-saga transition log
type Transition struct {
	TransitionID string                 `json:"transitionId"`
	SagaID       string                 `json:"sagaId"`
	FromState    State                  `json:"fromState"`
	ToState      State                  `json:"toState"`
	ServiceName  string                 `json:"serviceName"`
	Action       string                 `json:"action"`
	EventType    TransitionEventType    `json:"eventType"`
	Message      string                 `json:"message,omitempty"`
	Data         map[string]interface{} `json:"data,omitempty"`
	Timestamp    time.Time              `json:"timestamp"`
}

// NewTransition creates a transition log entry
func NewTransition(sagaID string, from, to State, serviceName, action string, eventType TransitionEventType) *Transition {
	return &Transition{
		TransitionID: uuid.New().String(),
		SagaID:       sagaID,
		FromState:    from,
		ToState:      to,
		ServiceName:  serviceName,
		Action:       action,
		EventType:    eventType,
		Timestamp:    time.Now().UTC(),
	}
}

// CompensationRecord is a serializable entry of the compensation stack.
// The compensation action itself is rederived from the template, so a saga
// can be compensated after a process restart.
type CompensationRecord struct {
	StepName string                 `json:"stepName"`
	Data     map[string]interface{} `json:"data,omitempty"`
}

// CompensationResult is the outcome of one compensation attempt
type CompensationResult struct {
	StepName     string        `json:"stepName"`
	IsSuccessful bool          `json:"isSuccessful"`
	ErrorMessage string        `json:"errorMessage,omitempty"`
	Duration     time.Duration `json:"duration"`
	ExecutedAt   time.Time     `json:"executedAt"`
}

// Record is the durable state of one saga
type Record struct {
	SagaID                  string                `json:"sagaId"`
	SagaType                Type                  `json:"sagaType"`
	CurrentState            State                 `json:"currentState"`
	CorrelationID           string                `json:"correlationId"`
	Steps                   []*Step               `json:"steps"`
	Transitions             []*Transition         `json:"transitions"`
	CompensationData        []*CompensationRecord `json:"compensationData,omitempty"`
	CompensationResults     []*CompensationResult `json:"compensationResults,omitempty"`
	HasCompensationFailures bool                  `json:"hasCompensationFailures"`
	ErrorMessage            string                `json:"errorMessage,omitempty"`
	CreatedAt               time.Time             `json:"createdAt"`
	UpdatedAt               time.Time             `json:"updatedAt"`
	CompletedAt             *time.Time            `json:"completedAt,omitempty"`
}

// NewRecord creates a saga record in its initial state with all steps Pending
func NewRecord(sagaType Type, correlationID string, stepNames []StepDescriptor) *Record {
	now := time.Now().UTC()
	if correlationID == "" {
		correlationID = uuid.New().String()
	}

	steps := make([]*Step, 0, len(stepNames))
	for i, d := range stepNames {
		steps = append(steps, &Step{
			StepNumber:  i + 1,
			StepName:    d.Name,
			ServiceName: d.ServiceName,
			Status:      StepStatusPending,
		})
	}

	return &Record{
		SagaID:        uuid.New().String(),
		SagaType:      sagaType,
		CurrentState:  InitialState(sagaType),
		CorrelationID: correlationID,
		Steps:         steps,
		Transitions:   make([]*Transition, 0),
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

// StepDescriptor names a step and its owning service for record creation
type StepDescriptor struct {
	Name        string
	ServiceName string
}

// StepByName returns the step with the given name, or nil
func (r *Record) StepByName(name string) *Step {
	for _, s := range r.Steps {
		if s.StepName == name {
			return s
		}
	}
	return nil
}

// IsTerminal reports whether the record reached a terminal state
func (r *Record) IsTerminal() bool {
	return IsTerminalState(r.CurrentState)
}

// PushCompensation pushes a compensation stack entry
func (r *Record) PushCompensation(stepName string, data map[string]interface{}) {
	r.CompensationData = append(r.CompensationData, &CompensationRecord{
		StepName: stepName,
		Data:     data,
	})
}

// PopCompensation pops the most recent compensation stack entry (LIFO)
func (r *Record) PopCompensation() *CompensationRecord {
	n := len(r.CompensationData)
	if n == 0 {
		return nil
	}
	entry := r.CompensationData[n-1]
	r.CompensationData = r.CompensationData[:n-1]
	return entry
}

// Clone returns a deep copy of the record via JSON round-trip
func (r *Record) Clone() (*Record, error) {
	raw, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("failed to clone saga record: %w", err)
	}
	var out Record
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("failed to clone saga record: %w", err)
	}
	return &out, nil
}

// Result is the caller-visible outcome of a saga run
type Result struct {
	SagaID              string                `json:"sagaId"`
	SagaType            Type                  `json:"sagaType"`
	IsSuccess           bool                  `json:"isSuccess"`
	CurrentState        State                 `json:"currentState"`
	Steps               []*Step               `json:"steps"`
	CompensationResults []*CompensationResult `json:"compensationResults"`
	ErrorMessage        string                `json:"errorMessage,omitempty"`
	CompletedAt         *time.Time            `json:"completedAt,omitempty"`
}

// ResultFromRecord derives the caller-visible result from a record
func ResultFromRecord(r *Record) *Result {
	comps := r.CompensationResults
	if comps == nil {
		comps = make([]*CompensationResult, 0)
	}
	return &Result{
		SagaID:              r.SagaID,
		SagaType:            r.SagaType,
		IsSuccess:           r.CurrentState == StateCompleted,
		CurrentState:        r.CurrentState,
		Steps:               r.Steps,
		CompensationResults: comps,
		ErrorMessage:        r.ErrorMessage,
		CompletedAt:         r.CompletedAt,
	}
}
