package gormstore

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// User represents the users table. Points is the cached storage-unit
// balance; it is written only alongside a ledger insert in the same
// transaction.
type User struct {
	UserID    string    `gorm:"primaryKey"`
	Points    int64     `gorm:"not null;default:0"`
	CreatedAt time.Time `gorm:"not null"`
	UpdatedAt time.Time `gorm:"not null"`
}

func (User) TableName() string { return "users" }

// PointTransaction mirrors the point_transactions table. Rows are
// append-only; nothing in the store updates or deletes them.
type PointTransaction struct {
	TransactionID   string     `gorm:"type:uuid;primaryKey"`
	UserID          string     `gorm:"not null;index:idx_point_transactions_user_created,priority:1"`
	Amount          int64      `gorm:"not null"`
	BalanceAfter    int64      `gorm:"not null"`
	ReferenceID     string     `gorm:"index"`
	ReferenceType   string     `gorm:"not null"`
	Description     string     `gorm:""`
	DisputeDeadline *time.Time `gorm:""`
	CreatedAt       time.Time  `gorm:"not null;index:idx_point_transactions_user_created,priority:2"`
}

func (PointTransaction) TableName() string { return "point_transactions" }

func (transaction *PointTransaction) BeforeCreate(tx *gorm.DB) error {
	if transaction.TransactionID == "" {
		transaction.TransactionID = uuid.NewString()
	}
	return nil
}

// PointPurchase mirrors the point_purchases table.
type PointPurchase struct {
	PurchaseID      string         `gorm:"type:uuid;primaryKey"`
	UserID          string         `gorm:"not null;index:idx_point_purchases_user_created,priority:1"`
	ItemID          string         `gorm:"not null;index"`
	ItemName        string         `gorm:"not null"`
	ItemDescription string         `gorm:""`
	PointsCost      int64          `gorm:"not null"`
	Status          string         `gorm:"not null;index"`
	RedemptionCode  string         `gorm:"not null;uniqueIndex:uniq_point_purchases_code"`
	DeliveryInfo    datatypes.JSON `gorm:"type:jsonb"`
	TransactionID   string         `gorm:""`
	CreatedAt       time.Time      `gorm:"not null;index:idx_point_purchases_user_created,priority:2"`
	CompletedAt     *time.Time     `gorm:""`
	CancelledAt     *time.Time     `gorm:""`
	CancelReason    string         `gorm:""`
}

func (PointPurchase) TableName() string { return "point_purchases" }

func (purchase *PointPurchase) BeforeCreate(tx *gorm.DB) error {
	if purchase.PurchaseID == "" {
		purchase.PurchaseID = uuid.NewString()
	}
	return nil
}
