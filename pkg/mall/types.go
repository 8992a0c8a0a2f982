package mall

import (
	"context"
	"fmt"

	"github.com/MarkoPoloResearchLab/rewards/pkg/points"
)

// PurchaseStatus defines the redemption lifecycle. PENDING is the only
// non-terminal state; there is no transition out of COMPLETED or CANCELLED.
type PurchaseStatus string

const (
	PurchaseStatusPending   PurchaseStatus = "PENDING"
	PurchaseStatusCompleted PurchaseStatus = "COMPLETED"
	PurchaseStatusCancelled PurchaseStatus = "CANCELLED"
)

// String returns the stored status tag.
func (status PurchaseStatus) String() string {
	return string(status)
}

// Terminal reports whether the status admits no further transitions.
func (status PurchaseStatus) Terminal() bool {
	return status == PurchaseStatusCompleted || status == PurchaseStatusCancelled
}

// ParsePurchaseStatus validates a stored status tag.
func ParsePurchaseStatus(raw string) (PurchaseStatus, error) {
	switch PurchaseStatus(raw) {
	case PurchaseStatusPending, PurchaseStatusCompleted, PurchaseStatusCancelled:
		return PurchaseStatus(raw), nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidPurchaseStatus, raw)
}

// Purchase is one redemption attempt. Item fields are a snapshot of the
// catalog at purchase time; later catalog edits cannot corrupt history.
type Purchase struct {
	PurchaseID       string
	UserID           string
	ItemID           string
	ItemName         string
	ItemDescription  string
	PointsCost       points.Amount
	Status           PurchaseStatus
	RedemptionCode   string
	DeliveryInfo     map[string]any
	TransactionID    string
	CreatedUnixUTC   int64
	CompletedUnixUTC int64
	CancelledUnixUTC int64
	CancelReason     string
}

// Item is the read-only catalog view consumed by the purchase flow.
// PointsCost is denominated in display units.
type Item struct {
	ID          string
	Name        string
	Description string
	PointsCost  float64
	Category    string
	Image       string
	Stock       int
	Available   bool
	Tags        []string
}

// Catalog provides item metadata. Implementations may be static or backed by
// an external system; the mall never mutates what it reads.
type Catalog interface {
	Item(ctx context.Context, itemID string) (Item, bool, error)
	Items(ctx context.Context) ([]Item, error)
}

// Notifier receives redemption events. Delivery is best-effort; failures are
// logged by the caller and never abort a purchase.
type Notifier interface {
	NotifyRedemption(ctx context.Context, userID string, itemName string, redemptionCode string, pointsCostDisplay float64) error
}

// TerminalUpdate carries the fields written alongside a status flip.
type TerminalUpdate struct {
	DeliveryInfo     map[string]any
	CompletedUnixUTC int64
	CancelledUnixUTC int64
	CancelReason     string
}

// StatusCounts groups purchase totals per lifecycle state.
type StatusCounts struct {
	Pending   int64
	Completed int64
	Cancelled int64
}

// ItemCount is one row of the most-redeemed ranking.
type ItemCount struct {
	ItemID        string
	ItemName      string
	PurchaseCount int64
}

// UserPurchaseStats aggregates a user's non-cancelled purchases.
type UserPurchaseStats struct {
	TotalPurchases   int64
	TotalPointsSpent points.Amount
}

// TransactionStats aggregates a user's ledger activity.
type TransactionStats struct {
	TotalTransactions      int64
	TotalEarned            points.Amount
	TotalSpent             points.Amount
	LastTransactionUnixUTC int64
}

// Statistics is the operator-facing mall overview.
type Statistics struct {
	TotalPurchases   int64
	StatusCounts     StatusCounts
	TotalPointsSpent points.Amount
	PopularItems     []ItemCount
	RecentPurchases  int64
}

// UserSummary is the per-user mall overview.
type UserSummary struct {
	Balance          points.Amount
	TotalPurchases   int64
	TotalPointsSpent points.Amount
	RecentPurchases  []Purchase
}

// Store is the persistence contract used by Service within a transaction.
// It embeds the ledger contract so a purchase's debit and its record commit
// as one unit.
type Store interface {
	points.Store

	CreatePurchase(ctx context.Context, purchase Purchase) (Purchase, error)
	GetPurchase(ctx context.Context, purchaseID string) (Purchase, error)
	UpdatePurchaseStatus(ctx context.Context, purchaseID string, from PurchaseStatus, to PurchaseStatus, update TerminalUpdate) error
	ListUserPurchases(ctx context.Context, userID string, status *PurchaseStatus, limit int, offset int) ([]Purchase, error)
	ListPurchases(ctx context.Context, status *PurchaseStatus, limit int, offset int) ([]Purchase, error)

	CountPurchasesByStatus(ctx context.Context) (StatusCounts, error)
	SumPointsSpent(ctx context.Context) (points.Amount, error)
	TopItems(ctx context.Context, limit int) ([]ItemCount, error)
	CountPurchasesSince(ctx context.Context, sinceUnixUTC int64) (int64, error)
	UserPurchaseStats(ctx context.Context, userID string) (UserPurchaseStats, error)
	TransactionStats(ctx context.Context, userID string) (TransactionStats, error)
}

// TxStore runs store operations inside an atomic transaction.
type TxStore interface {
	Store
	WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error
}
