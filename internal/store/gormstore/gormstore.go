package gormstore

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/MarkoPoloResearchLab/rewards/pkg/mall"
	"github.com/MarkoPoloResearchLab/rewards/pkg/points"
	gosqlite "github.com/glebarez/go-sqlite"
	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	constraintRedemptionCode = "uniq_point_purchases_code"
	pgUniqueViolationCode    = "23505"
	pgSerializationFailure   = "40001"
	pgDeadlockDetected       = "40P01"
	sqliteConstraintCode     = 19
	sqliteBusyCode           = 5
	dialectPostgres          = "postgres"
	errorOperationStore      = "store"
	errorSubjectUser         = "user"
	errorSubjectTransaction  = "transaction"
	errorSubjectPurchase     = "purchase"
	errorSubjectStats        = "stats"
	errorCodeCreate          = "create"
	errorCodeDuplicate       = "duplicate"
	errorCodeGet             = "get"
	errorCodeInsert          = "insert"
	errorCodeInvalid         = "invalid"
	errorCodeList            = "list"
	errorCodeLookup          = "lookup"
	errorCodeSum             = "sum"
	errorCodeUpdate          = "update"
	errorCodeConflict        = "conflict"
)

// Store implements mall.Store (and, through Ledger, points.Store) using GORM.
type Store struct {
	db *gorm.DB
}

// New returns a Store backed by gorm.DB.
func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

// Migrate creates the schema. Postgres deployments manage migrations
// externally; sqlite relies on AutoMigrate.
func Migrate(db *gorm.DB) error {
	return db.AutoMigrate(&User{}, &PointTransaction{}, &PointPurchase{})
}

// WithTx executes fn within a transaction.
func (store *Store) WithTx(ctx context.Context, fn func(ctx context.Context, txStore mall.Store) error) error {
	err := store.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		return fn(ctx, &Store{db: transaction})
	})
	if isTransientFailure(err) {
		return wrapStoreError(errorSubjectTransaction, errorCodeConflict, points.ErrStorageConflict)
	}
	return err
}

// Ledger adapts the store to the points.TxStore contract.
func (store *Store) Ledger() *LedgerStore {
	return &LedgerStore{Store: store}
}

// LedgerStore exposes the ledger-only transactional view of the store.
type LedgerStore struct {
	*Store
}

// WithTx executes fn within a transaction against the ledger contract.
func (ledgerStore *LedgerStore) WithTx(ctx context.Context, fn func(ctx context.Context, txStore points.Store) error) error {
	err := ledgerStore.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		return fn(ctx, &Store{db: transaction})
	})
	if isTransientFailure(err) {
		return wrapStoreError(errorSubjectTransaction, errorCodeConflict, points.ErrStorageConflict)
	}
	return err
}

// GetOrCreateUser fetches the user row, creating it on first contact.
// Inside a postgres transaction the row is locked, which serializes
// concurrent balance mutations per user; sqlite serializes writers itself.
func (store *Store) GetOrCreateUser(ctx context.Context, userID points.UserID) (points.User, error) {
	var model User
	err := store.db.WithContext(ctx).
		Clauses(store.rowLock()...).
		Take(&model, "user_id = ?", userID.String()).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		model = User{UserID: userID.String()}
		createErr := store.db.WithContext(ctx).
			Clauses(clause.OnConflict{DoNothing: true}).
			Create(&model).Error
		if createErr != nil {
			return points.User{}, wrapStoreError(errorSubjectUser, errorCodeCreate, createErr)
		}
		err = store.db.WithContext(ctx).
			Clauses(store.rowLock()...).
			Take(&model, "user_id = ?", userID.String()).Error
	}
	if err != nil {
		return points.User{}, wrapStoreError(errorSubjectUser, errorCodeLookup, err)
	}
	return points.User{
		UserID:         model.UserID,
		Balance:        points.Amount(model.Points),
		CreatedUnixUTC: model.CreatedAt.Unix(),
	}, nil
}

// InsertTransaction appends one immutable ledger line.
func (store *Store) InsertTransaction(ctx context.Context, input points.TransactionInput) (points.Transaction, error) {
	var disputeDeadline *time.Time
	if input.DisputeDeadlineUnixUTC != 0 {
		value := time.Unix(input.DisputeDeadlineUnixUTC, 0).UTC()
		disputeDeadline = &value
	}
	model := PointTransaction{
		UserID:          input.UserID,
		Amount:          input.Amount.Int64(),
		BalanceAfter:    input.BalanceAfter.Int64(),
		ReferenceID:     input.ReferenceID,
		ReferenceType:   input.ReferenceType.String(),
		Description:     input.Description,
		DisputeDeadline: disputeDeadline,
		CreatedAt:       time.Unix(input.CreatedUnixUTC, 0).UTC(),
	}
	if input.CreatedUnixUTC == 0 {
		model.CreatedAt = time.Now().UTC()
	}
	if err := store.db.WithContext(ctx).Create(&model).Error; err != nil {
		return points.Transaction{}, wrapStoreError(errorSubjectTransaction, errorCodeInsert, err)
	}
	transaction, err := mapTransaction(model)
	if err != nil {
		return points.Transaction{}, wrapStoreError(errorSubjectTransaction, errorCodeInvalid, err)
	}
	return transaction, nil
}

// SetBalance writes the cached balance on the user row.
func (store *Store) SetBalance(ctx context.Context, userID points.UserID, balance points.Amount) error {
	result := store.db.WithContext(ctx).
		Model(&User{}).
		Where("user_id = ?", userID.String()).
		Update("points", balance.Int64())
	if result.Error != nil {
		return wrapStoreError(errorSubjectUser, errorCodeUpdate, result.Error)
	}
	if result.RowsAffected == 0 {
		return wrapStoreError(errorSubjectUser, errorCodeUpdate, points.ErrInvalidUserID)
	}
	return nil
}

// SumTransactions derives the balance from the transaction log.
func (store *Store) SumTransactions(ctx context.Context, userID points.UserID) (points.Amount, error) {
	var sum sqlSum
	err := store.db.WithContext(ctx).
		Model(&PointTransaction{}).
		Select("coalesce(sum(amount),0) as total").
		Where("user_id = ?", userID.String()).
		Scan(&sum).Error
	if err != nil {
		return 0, wrapStoreError(errorSubjectTransaction, errorCodeSum, err)
	}
	return points.Amount(sum.Total), nil
}

// ListTransactions lists a user's ledger lines, newest first.
func (store *Store) ListTransactions(ctx context.Context, userID points.UserID, limit int, offset int) ([]points.Transaction, error) {
	var rows []PointTransaction
	err := store.db.WithContext(ctx).
		Where("user_id = ?", userID.String()).
		Order("created_at DESC").
		Limit(limit).
		Offset(offset).
		Find(&rows).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectTransaction, errorCodeList, err)
	}
	transactions := make([]points.Transaction, 0, len(rows))
	for _, row := range rows {
		transaction, err := mapTransaction(row)
		if err != nil {
			return nil, wrapStoreError(errorSubjectTransaction, errorCodeInvalid, err)
		}
		transactions = append(transactions, transaction)
	}
	return transactions, nil
}

// CreatePurchase inserts a purchase row, surfacing redemption-code
// collisions as mall.ErrCodeConflict so the caller can regenerate.
func (store *Store) CreatePurchase(ctx context.Context, purchase mall.Purchase) (mall.Purchase, error) {
	deliveryInfo, err := marshalDeliveryInfo(purchase.DeliveryInfo)
	if err != nil {
		return mall.Purchase{}, wrapStoreError(errorSubjectPurchase, errorCodeInvalid, err)
	}
	model := PointPurchase{
		PurchaseID:      purchase.PurchaseID,
		UserID:          purchase.UserID,
		ItemID:          purchase.ItemID,
		ItemName:        purchase.ItemName,
		ItemDescription: purchase.ItemDescription,
		PointsCost:      purchase.PointsCost.Int64(),
		Status:          purchase.Status.String(),
		RedemptionCode:  purchase.RedemptionCode,
		DeliveryInfo:    deliveryInfo,
		TransactionID:   purchase.TransactionID,
		CreatedAt:       time.Unix(purchase.CreatedUnixUTC, 0).UTC(),
	}
	if purchase.CreatedUnixUTC == 0 {
		model.CreatedAt = time.Now().UTC()
	}
	createErr := store.db.WithContext(ctx).Create(&model).Error
	if isRedemptionCodeConflict(createErr) {
		return mall.Purchase{}, wrapStoreError(errorSubjectPurchase, errorCodeDuplicate, mall.ErrCodeConflict)
	}
	if createErr != nil {
		return mall.Purchase{}, wrapStoreError(errorSubjectPurchase, errorCodeCreate, createErr)
	}
	created, err := mapPurchase(model)
	if err != nil {
		return mall.Purchase{}, wrapStoreError(errorSubjectPurchase, errorCodeInvalid, err)
	}
	return created, nil
}

// GetPurchase fetches one purchase, locked inside postgres transactions.
func (store *Store) GetPurchase(ctx context.Context, purchaseID string) (mall.Purchase, error) {
	var model PointPurchase
	err := store.db.WithContext(ctx).
		Clauses(store.rowLock()...).
		Take(&model, "purchase_id = ?", purchaseID).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return mall.Purchase{}, wrapStoreError(errorSubjectPurchase, errorCodeGet, mall.ErrPurchaseNotFound)
		}
		return mall.Purchase{}, wrapStoreError(errorSubjectPurchase, errorCodeGet, err)
	}
	purchase, err := mapPurchase(model)
	if err != nil {
		return mall.Purchase{}, wrapStoreError(errorSubjectPurchase, errorCodeInvalid, err)
	}
	return purchase, nil
}

// UpdatePurchaseStatus flips the lifecycle state conditionally: a zero-row
// match means the purchase left the expected state, and the transaction it
// runs in rolls back with mall.ErrInvalidPurchaseState.
func (store *Store) UpdatePurchaseStatus(ctx context.Context, purchaseID string, from mall.PurchaseStatus, to mall.PurchaseStatus, update mall.TerminalUpdate) error {
	updates := map[string]interface{}{"status": to.String()}
	if update.CompletedUnixUTC != 0 {
		updates["completed_at"] = time.Unix(update.CompletedUnixUTC, 0).UTC()
	}
	if update.CancelledUnixUTC != 0 {
		updates["cancelled_at"] = time.Unix(update.CancelledUnixUTC, 0).UTC()
	}
	if update.CancelReason != "" {
		updates["cancel_reason"] = update.CancelReason
	}
	if update.DeliveryInfo != nil {
		deliveryInfo, err := marshalDeliveryInfo(update.DeliveryInfo)
		if err != nil {
			return wrapStoreError(errorSubjectPurchase, errorCodeInvalid, err)
		}
		updates["delivery_info"] = deliveryInfo
	}
	result := store.db.WithContext(ctx).
		Model(&PointPurchase{}).
		Where("purchase_id = ? AND status = ?", purchaseID, from.String()).
		Updates(updates)
	if result.Error != nil {
		return wrapStoreError(errorSubjectPurchase, errorCodeUpdate, result.Error)
	}
	if result.RowsAffected == 0 {
		return wrapStoreError(errorSubjectPurchase, errorCodeUpdate, mall.ErrInvalidPurchaseState)
	}
	return nil
}

// ListUserPurchases lists a user's purchases, newest first.
func (store *Store) ListUserPurchases(ctx context.Context, userID string, status *mall.PurchaseStatus, limit int, offset int) ([]mall.Purchase, error) {
	query := store.db.WithContext(ctx).Where("user_id = ?", userID)
	return store.listPurchases(query, status, limit, offset)
}

// ListPurchases lists purchases across all users, newest first.
func (store *Store) ListPurchases(ctx context.Context, status *mall.PurchaseStatus, limit int, offset int) ([]mall.Purchase, error) {
	return store.listPurchases(store.db.WithContext(ctx), status, limit, offset)
}

func (store *Store) listPurchases(query *gorm.DB, status *mall.PurchaseStatus, limit int, offset int) ([]mall.Purchase, error) {
	if status != nil {
		query = query.Where("status = ?", status.String())
	}
	var rows []PointPurchase
	err := query.
		Order("created_at DESC").
		Limit(limit).
		Offset(offset).
		Find(&rows).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectPurchase, errorCodeList, err)
	}
	purchases := make([]mall.Purchase, 0, len(rows))
	for _, row := range rows {
		purchase, err := mapPurchase(row)
		if err != nil {
			return nil, wrapStoreError(errorSubjectPurchase, errorCodeInvalid, err)
		}
		purchases = append(purchases, purchase)
	}
	return purchases, nil
}

// CountPurchasesByStatus groups purchase totals per lifecycle state.
func (store *Store) CountPurchasesByStatus(ctx context.Context) (mall.StatusCounts, error) {
	var rows []statusCountRow
	err := store.db.WithContext(ctx).
		Model(&PointPurchase{}).
		Select("status, count(*) as total").
		Group("status").
		Scan(&rows).Error
	if err != nil {
		return mall.StatusCounts{}, wrapStoreError(errorSubjectStats, errorCodeSum, err)
	}
	var counts mall.StatusCounts
	for _, row := range rows {
		switch mall.PurchaseStatus(row.Status) {
		case mall.PurchaseStatusPending:
			counts.Pending = row.Total
		case mall.PurchaseStatusCompleted:
			counts.Completed = row.Total
		case mall.PurchaseStatusCancelled:
			counts.Cancelled = row.Total
		}
	}
	return counts, nil
}

// SumPointsSpent totals the cost of non-cancelled purchases.
func (store *Store) SumPointsSpent(ctx context.Context) (points.Amount, error) {
	var sum sqlSum
	err := store.db.WithContext(ctx).
		Model(&PointPurchase{}).
		Select("coalesce(sum(points_cost),0) as total").
		Where("status <> ?", mall.PurchaseStatusCancelled.String()).
		Scan(&sum).Error
	if err != nil {
		return 0, wrapStoreError(errorSubjectStats, errorCodeSum, err)
	}
	return points.Amount(sum.Total), nil
}

// TopItems ranks non-cancelled purchases by count, ties broken by item id.
func (store *Store) TopItems(ctx context.Context, limit int) ([]mall.ItemCount, error) {
	var rows []itemCountRow
	err := store.db.WithContext(ctx).
		Model(&PointPurchase{}).
		Select("item_id, item_name, count(*) as purchase_count").
		Where("status <> ?", mall.PurchaseStatusCancelled.String()).
		Group("item_id").
		Group("item_name").
		Order("purchase_count DESC").
		Order("item_id ASC").
		Limit(limit).
		Scan(&rows).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectStats, errorCodeList, err)
	}
	ranking := make([]mall.ItemCount, 0, len(rows))
	for _, row := range rows {
		ranking = append(ranking, mall.ItemCount{
			ItemID:        row.ItemID,
			ItemName:      row.ItemName,
			PurchaseCount: row.PurchaseCount,
		})
	}
	return ranking, nil
}

// CountPurchasesSince counts purchases created at or after the cutoff.
func (store *Store) CountPurchasesSince(ctx context.Context, sinceUnixUTC int64) (int64, error) {
	var total int64
	err := store.db.WithContext(ctx).
		Model(&PointPurchase{}).
		Where("created_at >= ?", time.Unix(sinceUnixUTC, 0).UTC()).
		Count(&total).Error
	if err != nil {
		return 0, wrapStoreError(errorSubjectStats, errorCodeSum, err)
	}
	return total, nil
}

// UserPurchaseStats aggregates a user's non-cancelled purchases.
func (store *Store) UserPurchaseStats(ctx context.Context, userID string) (mall.UserPurchaseStats, error) {
	var row purchaseStatsRow
	err := store.db.WithContext(ctx).
		Model(&PointPurchase{}).
		Select("count(*) as total_purchases, coalesce(sum(points_cost),0) as total_spent").
		Where("user_id = ? AND status <> ?", userID, mall.PurchaseStatusCancelled.String()).
		Scan(&row).Error
	if err != nil {
		return mall.UserPurchaseStats{}, wrapStoreError(errorSubjectStats, errorCodeSum, err)
	}
	return mall.UserPurchaseStats{
		TotalPurchases:   row.TotalPurchases,
		TotalPointsSpent: points.Amount(row.TotalSpent),
	}, nil
}

// TransactionStats aggregates a user's ledger activity.
func (store *Store) TransactionStats(ctx context.Context, userID string) (mall.TransactionStats, error) {
	var row transactionStatsRow
	err := store.db.WithContext(ctx).
		Model(&PointTransaction{}).
		Select("count(*) as total_transactions, coalesce(sum(case when amount > 0 then amount else 0 end),0) as total_earned, coalesce(sum(case when amount < 0 then -amount else 0 end),0) as total_spent").
		Where("user_id = ?", userID).
		Scan(&row).Error
	if err != nil {
		return mall.TransactionStats{}, wrapStoreError(errorSubjectStats, errorCodeSum, err)
	}
	stats := mall.TransactionStats{
		TotalTransactions: row.TotalTransactions,
		TotalEarned:       points.Amount(row.TotalEarned),
		TotalSpent:        points.Amount(row.TotalSpent),
	}
	var last PointTransaction
	err = store.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at DESC").
		Take(&last).Error
	if err == nil {
		stats.LastTransactionUnixUTC = last.CreatedAt.Unix()
	} else if !errors.Is(err, gorm.ErrRecordNotFound) {
		return mall.TransactionStats{}, wrapStoreError(errorSubjectStats, errorCodeGet, err)
	}
	return stats, nil
}

// rowLock returns FOR UPDATE on postgres. sqlite has a single writer and
// rejects the clause, so it is omitted there.
func (store *Store) rowLock() []clause.Expression {
	if store.db.Dialector.Name() == dialectPostgres {
		return []clause.Expression{clause.Locking{Strength: "UPDATE"}}
	}
	return nil
}

func wrapStoreError(subject string, code string, err error) error {
	return points.WrapError(errorOperationStore, subject, code, err)
}

type sqlSum struct {
	Total int64
}

type statusCountRow struct {
	Status string
	Total  int64
}

type itemCountRow struct {
	ItemID        string
	ItemName      string
	PurchaseCount int64
}

type purchaseStatsRow struct {
	TotalPurchases int64
	TotalSpent     int64
}

type transactionStatsRow struct {
	TotalTransactions int64
	TotalEarned       int64
	TotalSpent        int64
}

func mapTransaction(row PointTransaction) (points.Transaction, error) {
	referenceType, err := points.ParseReferenceType(row.ReferenceType)
	if err != nil {
		return points.Transaction{}, err
	}
	return points.Transaction{
		TransactionID:          row.TransactionID,
		UserID:                 row.UserID,
		Amount:                 points.Amount(row.Amount),
		BalanceAfter:           points.Amount(row.BalanceAfter),
		ReferenceID:            row.ReferenceID,
		ReferenceType:          referenceType,
		Description:            row.Description,
		DisputeDeadlineUnixUTC: timeOrZero(row.DisputeDeadline),
		CreatedUnixUTC:         row.CreatedAt.Unix(),
	}, nil
}

func mapPurchase(row PointPurchase) (mall.Purchase, error) {
	status, err := mall.ParsePurchaseStatus(row.Status)
	if err != nil {
		return mall.Purchase{}, err
	}
	deliveryInfo, err := unmarshalDeliveryInfo(row.DeliveryInfo)
	if err != nil {
		return mall.Purchase{}, err
	}
	return mall.Purchase{
		PurchaseID:       row.PurchaseID,
		UserID:           row.UserID,
		ItemID:           row.ItemID,
		ItemName:         row.ItemName,
		ItemDescription:  row.ItemDescription,
		PointsCost:       points.Amount(row.PointsCost),
		Status:           status,
		RedemptionCode:   row.RedemptionCode,
		DeliveryInfo:     deliveryInfo,
		TransactionID:    row.TransactionID,
		CreatedUnixUTC:   row.CreatedAt.Unix(),
		CompletedUnixUTC: timeOrZero(row.CompletedAt),
		CancelledUnixUTC: timeOrZero(row.CancelledAt),
		CancelReason:     row.CancelReason,
	}, nil
}

func timeOrZero(value *time.Time) int64 {
	if value == nil {
		return 0
	}
	return value.Unix()
}

func marshalDeliveryInfo(deliveryInfo map[string]any) (datatypes.JSON, error) {
	if deliveryInfo == nil {
		return datatypes.JSON([]byte("{}")), nil
	}
	raw, err := json.Marshal(deliveryInfo)
	if err != nil {
		return nil, err
	}
	return datatypes.JSON(raw), nil
}

func unmarshalDeliveryInfo(raw datatypes.JSON) (map[string]any, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var deliveryInfo map[string]any
	if err := json.Unmarshal(raw, &deliveryInfo); err != nil {
		return nil, err
	}
	if len(deliveryInfo) == 0 {
		return nil, nil
	}
	return deliveryInfo, nil
}

func isRedemptionCodeConflict(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolationCode && pgErr.ConstraintName == constraintRedemptionCode
	}
	var sqliteErr *gosqlite.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code()&0xFF == sqliteConstraintCode
	}
	return false
}

func isTransientFailure(err error) bool {
	if err == nil {
		return false
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgSerializationFailure || pgErr.Code == pgDeadlockDetected
	}
	var sqliteErr *gosqlite.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code()&0xFF == sqliteBusyCode
	}
	return false
}
