package domain

import "time"

// Store represents a retail store location
type Store struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Region string `json:"region"`
	Active bool   `json:"active"`
}

// Product represents a sellable product
type Product struct {
	ID    string  `json:"id"`
	Name  string  `json:"name"`
	SKU   string  `json:"sku"`
	Price float64 `json:"price"`
}

// StockReservation is a hold on stock made by a saga step and released or
// confirmed by a later one
type StockReservation struct {
	ID        string    `json:"id"`
	ProductID string    `json:"productId"`
	StoreID   string    `json:"storeId"`
	Quantity  int       `json:"quantity"`
	CreatedAt time.Time `json:"createdAt"`
}

// SaleItem is one line of a sale
type SaleItem struct {
	ProductID string  `json:"productId"`
	Quantity  int     `json:"quantity"`
	UnitPrice float64 `json:"unitPrice"`
}

// SaleStatus represents the status of a sale
type SaleStatus string

const (
	SaleStatusCreated   SaleStatus = "Created"
	SaleStatusCancelled SaleStatus = "Cancelled"
)

// Sale represents a point-of-sale transaction
type Sale struct {
	ID        string     `json:"id"`
	StoreID   string     `json:"storeId"`
	Items     []SaleItem `json:"items"`
	Total     float64    `json:"total"`
	Status    SaleStatus `json:"status"`
	CreatedAt time.Time  `json:"createdAt"`
}

// OrderStatus represents the status of an order
type OrderStatus string

const (
	OrderStatusCreated   OrderStatus = "Created"
	OrderStatusConfirmed OrderStatus = "Confirmed"
	OrderStatusCancelled OrderStatus = "Cancelled"
)

// Order represents a customer order fulfilled across services
type Order struct {
	ID         string      `json:"id"`
	CustomerID string      `json:"customerId"`
	StoreID    string      `json:"storeId"`
	Items      []SaleItem  `json:"items"`
	Total      float64     `json:"total"`
	Status     OrderStatus `json:"status"`
	CreatedAt  time.Time   `json:"createdAt"`
}

// PaymentStatus represents the status of a payment
type PaymentStatus string

const (
	PaymentStatusProcessed PaymentStatus = "Processed"
	PaymentStatusRefunded  PaymentStatus = "Refunded"
)

// Payment represents a processed payment
type Payment struct {
	ID          string        `json:"id"`
	OrderID     string        `json:"orderId"`
	Amount      float64       `json:"amount"`
	Status      PaymentStatus `json:"status"`
	ProcessedAt time.Time     `json:"processedAt"`
}

// Notification represents a customer notification about an order
type Notification struct {
	ID         string    `json:"id"`
	CustomerID string    `json:"customerId"`
	OrderID    string    `json:"orderId"`
	Channel    string    `json:"channel"`
	SentAt     time.Time `json:"sentAt"`
}
