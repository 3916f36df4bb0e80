package domain

import "errors"

// Domain errors
var (
	// Store errors
	ErrStoreNotFound = errors.New("store not found")
	ErrStoreInactive = errors.New("store is inactive")

	// Product and stock errors
	ErrProductNotFound   = errors.New("product not found")
	ErrInsufficientStock = errors.New("insufficient stock")
	ErrNoReservation     = errors.New("no stock reservation found")

	// Sale errors
	ErrSaleNotFound = errors.New("sale not found")
	ErrEmptySale    = errors.New("sale has no items")

	// Order errors
	ErrOrderNotFound = errors.New("order not found")

	// Payment errors
	ErrPaymentNotFound = errors.New("payment not found")
	ErrPaymentDeclined = errors.New("payment declined")

	// Notification errors
	ErrNotificationNotFound = errors.New("notification not found")

	// Validation errors
	ErrInvalidStoreID   = errors.New("invalid store id")
	ErrInvalidProductID = errors.New("invalid product id")
	ErrInvalidQuantity  = errors.New("quantity must be greater than zero")
	ErrInvalidAmount    = errors.New("amount cannot be negative")
)

// IsNotFoundError checks if the error is a not found error
func IsNotFoundError(err error) bool {
	return errors.Is(err, ErrStoreNotFound) ||
		errors.Is(err, ErrProductNotFound) ||
		errors.Is(err, ErrSaleNotFound) ||
		errors.Is(err, ErrOrderNotFound) ||
		errors.Is(err, ErrPaymentNotFound) ||
		errors.Is(err, ErrNotificationNotFound)
}

// IsValidationError checks if the error is a validation error
func IsValidationError(err error) bool {
	return errors.Is(err, ErrInvalidStoreID) ||
		errors.Is(err, ErrInvalidProductID) ||
		errors.Is(err, ErrInvalidQuantity) ||
		errors.Is(err, ErrInvalidAmount)
}
