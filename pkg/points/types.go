package points

import (
	"context"
	"fmt"
	"strings"
)

// Amount is an integer number of points in storage units.
// One display point is storageUnitsPerPoint storage units.
type Amount int64

// Int64 returns the raw storage-unit value.
func (amount Amount) Int64() int64 {
	return int64(amount)
}

// UserID identifies a ledger account owner.
type UserID struct {
	value string
}

// NewUserID validates and normalizes a user id.
func NewUserID(raw string) (UserID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return UserID{}, fmt.Errorf("%w: empty value", ErrInvalidUserID)
	}
	return UserID{value: trimmed}, nil
}

// String returns the normalized identifier.
func (id UserID) String() string {
	return id.value
}

// NewPositiveAmount validates an amount and ensures it is strictly positive.
func NewPositiveAmount(raw int64) (Amount, error) {
	if raw <= 0 {
		return 0, fmt.Errorf("%w: must be greater than zero", ErrInvalidAmount)
	}
	return Amount(raw), nil
}

// ReferenceType tags the event that caused a transaction.
type ReferenceType string

const (
	ReferencePurchase       ReferenceType = "purchase"
	ReferencePurchaseRefund ReferenceType = "purchase_refund"
	ReferenceManualAdjust   ReferenceType = "manual_adjustment"
	ReferenceActivity       ReferenceType = "activity"
)

// String returns the stored tag.
func (referenceType ReferenceType) String() string {
	return string(referenceType)
}

// ParseReferenceType validates a stored reference-type tag.
func ParseReferenceType(raw string) (ReferenceType, error) {
	switch ReferenceType(raw) {
	case ReferencePurchase, ReferencePurchaseRefund, ReferenceManualAdjust, ReferenceActivity:
		return ReferenceType(raw), nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidReferenceType, raw)
}

// Transaction is a single immutable line in the point ledger.
type Transaction struct {
	TransactionID          string
	UserID                 string
	Amount                 Amount
	BalanceAfter           Amount
	ReferenceID            string
	ReferenceType          ReferenceType
	Description            string
	DisputeDeadlineUnixUTC int64
	CreatedUnixUTC         int64
}

// Disputable reports whether the transaction can still be contested at the
// supplied instant. Credits written without a deadline (refunds, debits) are
// never disputable.
func (transaction Transaction) Disputable(nowUnixUTC int64) bool {
	if transaction.DisputeDeadlineUnixUTC == 0 {
		return false
	}
	if transaction.Amount <= 0 {
		return false
	}
	return nowUnixUTC <= transaction.DisputeDeadlineUnixUTC
}

// TransactionInput carries the fields of a transaction about to be appended.
// The store assigns the transaction id.
type TransactionInput struct {
	UserID                 string
	Amount                 Amount
	BalanceAfter           Amount
	ReferenceID            string
	ReferenceType          ReferenceType
	Description            string
	DisputeDeadlineUnixUTC int64
	CreatedUnixUTC         int64
}

// User is the account view held by the ledger: the cached balance equals the
// signed sum of the user's transactions at all times.
type User struct {
	UserID         string
	Balance        Amount
	CreatedUnixUTC int64
}

// Store is the persistence contract used by Service within a transaction.
type Store interface {
	GetOrCreateUser(ctx context.Context, userID UserID) (User, error)
	InsertTransaction(ctx context.Context, input TransactionInput) (Transaction, error)
	SetBalance(ctx context.Context, userID UserID, balance Amount) error
	SumTransactions(ctx context.Context, userID UserID) (Amount, error)
	ListTransactions(ctx context.Context, userID UserID, limit int, offset int) ([]Transaction, error)
}

// TxStore runs store operations inside an atomic transaction.
type TxStore interface {
	Store
	WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error
}
