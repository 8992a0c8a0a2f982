package mall

import "errors"

// Domain-level error values returned by the purchase engine. Balance
// shortfalls surface as points.ErrInsufficientBalance from the ledger.
var (
	ErrItemNotFound          = errors.New("item not found")
	ErrItemUnavailable       = errors.New("item unavailable")
	ErrOutOfStock            = errors.New("item out of stock")
	ErrPurchaseNotFound      = errors.New("purchase not found")
	ErrInvalidPurchaseState  = errors.New("invalid purchase state")
	ErrCodeConflict          = errors.New("redemption code conflict")
	ErrInvalidPurchaseStatus = errors.New("invalid purchase status")
	ErrInvalidServiceConfig  = errors.New("invalid service config")
)
