package dto

// FailureConfigRequest replaces the failure injection configuration
type FailureConfigRequest struct {
	Enabled                       bool     `json:"enabled"`
	InsufficientStockProbability  float64  `json:"insufficientStockProbability" binding:"min=0,max=1"`
	PaymentFailureProbability     float64  `json:"paymentFailureProbability" binding:"min=0,max=1"`
	NetworkTimeoutProbability     float64  `json:"networkTimeoutProbability" binding:"min=0,max=1"`
	DatabaseFailureProbability    float64  `json:"databaseFailureProbability" binding:"min=0,max=1"`
	ServiceUnavailableProbability float64  `json:"serviceUnavailableProbability" binding:"min=0,max=1"`
	FailureDelayMs                int      `json:"failureDelayMs" binding:"min=0"`
	CriticalProducts              []string `json:"criticalProducts,omitempty"`
	CriticalStores                []string `json:"criticalStores,omitempty"`
}

// FailureToggleRequest flips failure injection on or off
type FailureToggleRequest struct {
	Enabled bool `json:"enabled"`
}

// SimulateFailureRequest runs a saga with a forced failure kind
type SimulateFailureRequest struct {
	SagaType    string            `json:"sagaType" binding:"required"`
	FailureKind string            `json:"failureKind" binding:"required"`
	StoreID     string            `json:"storeId,omitempty"`
	CustomerID  string            `json:"customerId,omitempty"`
	ProductID   string            `json:"productId,omitempty"`
	Quantity    int               `json:"quantity,omitempty"`
	Items       []SaleItemRequest `json:"items,omitempty"`
}
