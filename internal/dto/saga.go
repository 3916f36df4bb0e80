package dto

import (
	"time"

	"github.com/retailgrid/saga-orchestrator/pkg/saga"
)

// SaleItemRequest is one basket line of a sale or order request
type SaleItemRequest struct {
	ProductID string  `json:"productId" binding:"required"`
	Quantity  int     `json:"quantity" binding:"required,min=1"`
	UnitPrice float64 `json:"unitPrice,omitempty"`
}

// StartSaleSagaRequest starts a point-of-sale saga
type StartSaleSagaRequest struct {
	StoreID       string            `json:"storeId" binding:"required"`
	Items         []SaleItemRequest `json:"items" binding:"required,min=1,dive"`
	CorrelationID string            `json:"correlationId,omitempty"`
}

// StartOrderSagaRequest starts a customer order saga, orchestrated or
// choreographed
type StartOrderSagaRequest struct {
	CustomerID    string            `json:"customerId" binding:"required"`
	StoreID       string            `json:"storeId" binding:"required"`
	Items         []SaleItemRequest `json:"items" binding:"required,min=1,dive"`
	Choreographed bool              `json:"choreographed,omitempty"`
	CorrelationID string            `json:"correlationId,omitempty"`
}

// StartStockUpdateSagaRequest starts a stock adjustment saga
type StartStockUpdateSagaRequest struct {
	StoreID       string `json:"storeId" binding:"required"`
	ProductID     string `json:"productId" binding:"required"`
	Quantity      int    `json:"quantity" binding:"min=0"`
	CorrelationID string `json:"correlationId,omitempty"`
}

// StepResponse is one step of a saga in API responses
type StepResponse struct {
	StepNumber    int        `json:"stepNumber"`
	StepName      string     `json:"stepName"`
	ServiceName   string     `json:"serviceName"`
	Status        string     `json:"status"`
	StartedAt     *time.Time `json:"startedAt,omitempty"`
	CompletedAt   *time.Time `json:"completedAt,omitempty"`
	FailedAt      *time.Time `json:"failedAt,omitempty"`
	CompensatedAt *time.Time `json:"compensatedAt,omitempty"`
	ErrorMessage  string     `json:"errorMessage,omitempty"`
}

// CompensationResultResponse is one compensation attempt in API responses
type CompensationResultResponse struct {
	StepName     string    `json:"stepName"`
	IsSuccessful bool      `json:"isSuccessful"`
	ErrorMessage string    `json:"errorMessage,omitempty"`
	DurationMs   int64     `json:"durationMs"`
	ExecutedAt   time.Time `json:"executedAt"`
}

// SagaResultResponse is the outcome of a saga execution or compensation
type SagaResultResponse struct {
	SagaID              string                        `json:"sagaId"`
	SagaType            string                        `json:"sagaType"`
	IsSuccess           bool                          `json:"isSuccess"`
	CurrentState        string                        `json:"currentState"`
	Steps               []*StepResponse               `json:"steps"`
	CompensationResults []*CompensationResultResponse `json:"compensationResults"`
	ErrorMessage        string                        `json:"errorMessage,omitempty"`
	CompletedAt         *time.Time                    `json:"completedAt,omitempty"`
}

// SagaResponse is a saga record in API responses
type SagaResponse struct {
	SagaID                  string                        `json:"sagaId"`
	SagaType                string                        `json:"sagaType"`
	CurrentState            string                        `json:"currentState"`
	CorrelationID           string                        `json:"correlationId"`
	Steps                   []*StepResponse               `json:"steps"`
	CompensationResults     []*CompensationResultResponse `json:"compensationResults,omitempty"`
	HasCompensationFailures bool                          `json:"hasCompensationFailures"`
	ErrorMessage            string                        `json:"errorMessage,omitempty"`
	CreatedAt               time.Time                     `json:"createdAt"`
	UpdatedAt               time.Time                     `json:"updatedAt"`
	CompletedAt             *time.Time                    `json:"completedAt,omitempty"`
}

// TransitionResponse is one transition log entry in API responses
type TransitionResponse struct {
	TransitionID string                 `json:"transitionId"`
	SagaID       string                 `json:"sagaId"`
	FromState    string                 `json:"fromState"`
	ToState      string                 `json:"toState"`
	ServiceName  string                 `json:"serviceName"`
	Action       string                 `json:"action"`
	EventType    string                 `json:"eventType"`
	Message      string                 `json:"message,omitempty"`
	Data         map[string]interface{} `json:"data,omitempty"`
	Timestamp    time.Time              `json:"timestamp"`
}

// FromResult converts an engine result to its API response
func FromResult(r *saga.Result) *SagaResultResponse {
	return &SagaResultResponse{
		SagaID:              r.SagaID,
		SagaType:            string(r.SagaType),
		IsSuccess:           r.IsSuccess,
		CurrentState:        string(r.CurrentState),
		Steps:               stepResponses(r.Steps),
		CompensationResults: compensationResponses(r.CompensationResults),
		ErrorMessage:        r.ErrorMessage,
		CompletedAt:         r.CompletedAt,
	}
}

// FromRecord converts a saga record to its API response
func FromRecord(rec *saga.Record) *SagaResponse {
	return &SagaResponse{
		SagaID:                  rec.SagaID,
		SagaType:                string(rec.SagaType),
		CurrentState:            string(rec.CurrentState),
		CorrelationID:           rec.CorrelationID,
		Steps:                   stepResponses(rec.Steps),
		CompensationResults:     compensationResponses(rec.CompensationResults),
		HasCompensationFailures: rec.HasCompensationFailures,
		ErrorMessage:            rec.ErrorMessage,
		CreatedAt:               rec.CreatedAt,
		UpdatedAt:               rec.UpdatedAt,
		CompletedAt:             rec.CompletedAt,
	}
}

// FromRecords converts saga records to API responses
func FromRecords(recs []*saga.Record) []*SagaResponse {
	out := make([]*SagaResponse, 0, len(recs))
	for _, rec := range recs {
		out = append(out, FromRecord(rec))
	}
	return out
}

// FromTransitions converts a transition log to API responses
func FromTransitions(trs []*saga.Transition) []*TransitionResponse {
	out := make([]*TransitionResponse, 0, len(trs))
	for _, tr := range trs {
		out = append(out, &TransitionResponse{
			TransitionID: tr.TransitionID,
			SagaID:       tr.SagaID,
			FromState:    string(tr.FromState),
			ToState:      string(tr.ToState),
			ServiceName:  tr.ServiceName,
			Action:       tr.Action,
			EventType:    string(tr.EventType),
			Message:      tr.Message,
			Data:         tr.Data,
			Timestamp:    tr.Timestamp,
		})
	}
	return out
}

func stepResponses(steps []*saga.Step) []*StepResponse {
	out := make([]*StepResponse, 0, len(steps))
	for _, s := range steps {
		out = append(out, &StepResponse{
			StepNumber:    s.StepNumber,
			StepName:      s.StepName,
			ServiceName:   s.ServiceName,
			Status:        string(s.Status),
			StartedAt:     s.StartedAt,
			CompletedAt:   s.CompletedAt,
			FailedAt:      s.FailedAt,
			CompensatedAt: s.CompensatedAt,
			ErrorMessage:  s.ErrorMessage,
		})
	}
	return out
}

func compensationResponses(results []*saga.CompensationResult) []*CompensationResultResponse {
	out := make([]*CompensationResultResponse, 0, len(results))
	for _, r := range results {
		out = append(out, &CompensationResultResponse{
			StepName:     r.StepName,
			IsSuccessful: r.IsSuccessful,
			ErrorMessage: r.ErrorMessage,
			DurationMs:   r.Duration.Milliseconds(),
			ExecutedAt:   r.ExecutedAt,
		})
	}
	return out
}
