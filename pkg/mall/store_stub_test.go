package mall

import (
	"context"
	"fmt"
	"sort"
	"testing"

	"github.com/MarkoPoloResearchLab/rewards/pkg/points"
)

// stubStore is an in-memory TxStore. WithTx snapshots state and restores it
// when fn fails, mirroring a real transaction rollback.
type stubStore struct {
	users        map[string]points.User
	transactions []points.Transaction
	purchases    map[string]Purchase
	codes        map[string]string
	nextTxID     int
	nextID       int
}

func newStubStore() *stubStore {
	return &stubStore{
		users:     map[string]points.User{},
		purchases: map[string]Purchase{},
		codes:     map[string]string{},
	}
}

func (store *stubStore) GetOrCreateUser(_ context.Context, userID points.UserID) (points.User, error) {
	user, found := store.users[userID.String()]
	if !found {
		user = points.User{UserID: userID.String()}
		store.users[userID.String()] = user
	}
	return user, nil
}

func (store *stubStore) InsertTransaction(_ context.Context, input points.TransactionInput) (points.Transaction, error) {
	store.nextTxID++
	transaction := points.Transaction{
		TransactionID:          fmt.Sprintf("tx-%d", store.nextTxID),
		UserID:                 input.UserID,
		Amount:                 input.Amount,
		BalanceAfter:           input.BalanceAfter,
		ReferenceID:            input.ReferenceID,
		ReferenceType:          input.ReferenceType,
		Description:            input.Description,
		DisputeDeadlineUnixUTC: input.DisputeDeadlineUnixUTC,
		CreatedUnixUTC:         input.CreatedUnixUTC,
	}
	store.transactions = append(store.transactions, transaction)
	return transaction, nil
}

func (store *stubStore) SetBalance(_ context.Context, userID points.UserID, balance points.Amount) error {
	user, found := store.users[userID.String()]
	if !found {
		return points.ErrInvalidUserID
	}
	user.Balance = balance
	store.users[userID.String()] = user
	return nil
}

func (store *stubStore) SumTransactions(_ context.Context, userID points.UserID) (points.Amount, error) {
	var total points.Amount
	for _, transaction := range store.transactions {
		if transaction.UserID == userID.String() {
			total += transaction.Amount
		}
	}
	return total, nil
}

func (store *stubStore) ListTransactions(_ context.Context, userID points.UserID, limit int, offset int) ([]points.Transaction, error) {
	matched := make([]points.Transaction, 0, len(store.transactions))
	for index := len(store.transactions) - 1; index >= 0; index-- {
		if store.transactions[index].UserID == userID.String() {
			matched = append(matched, store.transactions[index])
		}
	}
	return page(matched, limit, offset), nil
}

func (store *stubStore) CreatePurchase(_ context.Context, purchase Purchase) (Purchase, error) {
	if _, taken := store.codes[purchase.RedemptionCode]; taken {
		return Purchase{}, ErrCodeConflict
	}
	if purchase.PurchaseID == "" {
		store.nextID++
		purchase.PurchaseID = fmt.Sprintf("purchase-%d", store.nextID)
	}
	store.purchases[purchase.PurchaseID] = purchase
	store.codes[purchase.RedemptionCode] = purchase.PurchaseID
	return purchase, nil
}

func (store *stubStore) GetPurchase(_ context.Context, purchaseID string) (Purchase, error) {
	purchase, found := store.purchases[purchaseID]
	if !found {
		return Purchase{}, ErrPurchaseNotFound
	}
	return purchase, nil
}

func (store *stubStore) UpdatePurchaseStatus(_ context.Context, purchaseID string, from PurchaseStatus, to PurchaseStatus, update TerminalUpdate) error {
	purchase, found := store.purchases[purchaseID]
	if !found || purchase.Status != from {
		return ErrInvalidPurchaseState
	}
	purchase.Status = to
	if update.CompletedUnixUTC != 0 {
		purchase.CompletedUnixUTC = update.CompletedUnixUTC
	}
	if update.CancelledUnixUTC != 0 {
		purchase.CancelledUnixUTC = update.CancelledUnixUTC
	}
	if update.CancelReason != "" {
		purchase.CancelReason = update.CancelReason
	}
	if update.DeliveryInfo != nil {
		purchase.DeliveryInfo = update.DeliveryInfo
	}
	store.purchases[purchaseID] = purchase
	return nil
}

func (store *stubStore) ListUserPurchases(_ context.Context, userID string, status *PurchaseStatus, limit int, offset int) ([]Purchase, error) {
	return store.filterPurchases(func(purchase Purchase) bool {
		return purchase.UserID == userID && (status == nil || purchase.Status == *status)
	}, limit, offset), nil
}

func (store *stubStore) ListPurchases(_ context.Context, status *PurchaseStatus, limit int, offset int) ([]Purchase, error) {
	return store.filterPurchases(func(purchase Purchase) bool {
		return status == nil || purchase.Status == *status
	}, limit, offset), nil
}

func (store *stubStore) CountPurchasesByStatus(_ context.Context) (StatusCounts, error) {
	var counts StatusCounts
	for _, purchase := range store.purchases {
		switch purchase.Status {
		case PurchaseStatusPending:
			counts.Pending++
		case PurchaseStatusCompleted:
			counts.Completed++
		case PurchaseStatusCancelled:
			counts.Cancelled++
		}
	}
	return counts, nil
}

func (store *stubStore) SumPointsSpent(_ context.Context) (points.Amount, error) {
	var total points.Amount
	for _, purchase := range store.purchases {
		if purchase.Status != PurchaseStatusCancelled {
			total += purchase.PointsCost
		}
	}
	return total, nil
}

func (store *stubStore) TopItems(_ context.Context, limit int) ([]ItemCount, error) {
	byItem := map[string]*ItemCount{}
	for _, purchase := range store.purchases {
		if purchase.Status == PurchaseStatusCancelled {
			continue
		}
		entry, found := byItem[purchase.ItemID]
		if !found {
			entry = &ItemCount{ItemID: purchase.ItemID, ItemName: purchase.ItemName}
			byItem[purchase.ItemID] = entry
		}
		entry.PurchaseCount++
	}
	ranking := make([]ItemCount, 0, len(byItem))
	for _, entry := range byItem {
		ranking = append(ranking, *entry)
	}
	sort.Slice(ranking, func(left, right int) bool {
		if ranking[left].PurchaseCount != ranking[right].PurchaseCount {
			return ranking[left].PurchaseCount > ranking[right].PurchaseCount
		}
		return ranking[left].ItemID < ranking[right].ItemID
	})
	if limit > 0 && limit < len(ranking) {
		ranking = ranking[:limit]
	}
	return ranking, nil
}

func (store *stubStore) CountPurchasesSince(_ context.Context, sinceUnixUTC int64) (int64, error) {
	var total int64
	for _, purchase := range store.purchases {
		if purchase.CreatedUnixUTC >= sinceUnixUTC {
			total++
		}
	}
	return total, nil
}

func (store *stubStore) UserPurchaseStats(_ context.Context, userID string) (UserPurchaseStats, error) {
	var stats UserPurchaseStats
	for _, purchase := range store.purchases {
		if purchase.UserID != userID || purchase.Status == PurchaseStatusCancelled {
			continue
		}
		stats.TotalPurchases++
		stats.TotalPointsSpent += purchase.PointsCost
	}
	return stats, nil
}

func (store *stubStore) TransactionStats(_ context.Context, userID string) (TransactionStats, error) {
	var stats TransactionStats
	for _, transaction := range store.transactions {
		if transaction.UserID != userID {
			continue
		}
		stats.TotalTransactions++
		if transaction.Amount > 0 {
			stats.TotalEarned += transaction.Amount
		} else {
			stats.TotalSpent += -transaction.Amount
		}
		if transaction.CreatedUnixUTC > stats.LastTransactionUnixUTC {
			stats.LastTransactionUnixUTC = transaction.CreatedUnixUTC
		}
	}
	return stats, nil
}

func (store *stubStore) WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error {
	usersSnapshot := make(map[string]points.User, len(store.users))
	for key, value := range store.users {
		usersSnapshot[key] = value
	}
	purchasesSnapshot := make(map[string]Purchase, len(store.purchases))
	for key, value := range store.purchases {
		purchasesSnapshot[key] = value
	}
	codesSnapshot := make(map[string]string, len(store.codes))
	for key, value := range store.codes {
		codesSnapshot[key] = value
	}
	transactionsSnapshot := append([]points.Transaction(nil), store.transactions...)
	txIDSnapshot := store.nextTxID
	idSnapshot := store.nextID
	if err := fn(ctx, store); err != nil {
		store.users = usersSnapshot
		store.purchases = purchasesSnapshot
		store.codes = codesSnapshot
		store.transactions = transactionsSnapshot
		store.nextTxID = txIDSnapshot
		store.nextID = idSnapshot
		return err
	}
	return nil
}

func (store *stubStore) filterPurchases(keep func(Purchase) bool, limit int, offset int) []Purchase {
	matched := make([]Purchase, 0, len(store.purchases))
	for _, purchase := range store.purchases {
		if keep(purchase) {
			matched = append(matched, purchase)
		}
	}
	sort.Slice(matched, func(left, right int) bool {
		if matched[left].CreatedUnixUTC != matched[right].CreatedUnixUTC {
			return matched[left].CreatedUnixUTC > matched[right].CreatedUnixUTC
		}
		return matched[left].PurchaseID > matched[right].PurchaseID
	})
	return page(matched, limit, offset)
}

func page[T any](items []T, limit int, offset int) []T {
	if offset >= len(items) {
		return nil
	}
	items = items[offset:]
	if limit > 0 && limit < len(items) {
		items = items[:limit]
	}
	return items
}

// ledgerView adapts the stub to the points.TxStore contract so tests can
// build a points.Service over the same state.
type ledgerView struct {
	*stubStore
}

func (view ledgerView) WithTx(ctx context.Context, fn func(ctx context.Context, txStore points.Store) error) error {
	return view.stubStore.WithTx(ctx, func(ctx context.Context, txStore Store) error {
		return fn(ctx, txStore)
	})
}

type stubCatalog struct {
	items map[string]Item
}

func newStubCatalog(items ...Item) *stubCatalog {
	table := make(map[string]Item, len(items))
	for _, item := range items {
		table[item.ID] = item
	}
	return &stubCatalog{items: table}
}

func (catalog *stubCatalog) Item(_ context.Context, itemID string) (Item, bool, error) {
	item, found := catalog.items[itemID]
	return item, found, nil
}

func (catalog *stubCatalog) Items(_ context.Context) ([]Item, error) {
	items := make([]Item, 0, len(catalog.items))
	for _, item := range catalog.items {
		items = append(items, item)
	}
	sort.Slice(items, func(left, right int) bool { return items[left].ID < items[right].ID })
	return items, nil
}

const fixedNowUnixUTC int64 = 1_700_000_000

func mustPointsUserID(test *testing.T, raw string) points.UserID {
	test.Helper()
	userID, err := points.NewUserID(raw)
	if err != nil {
		test.Fatalf("user id %q rejected: %v", raw, err)
	}
	return userID
}

func mustLedgerService(test *testing.T, store *stubStore) *points.Service {
	test.Helper()
	service, err := points.NewService(ledgerView{store}, func() int64 { return fixedNowUnixUTC })
	if err != nil {
		test.Fatalf("points service init failed: %v", err)
	}
	return service
}

func mustMallService(test *testing.T, store *stubStore, catalog Catalog, options ...ServiceOption) *Service {
	test.Helper()
	ledger := mustLedgerService(test, store)
	service, err := NewService(store, catalog, ledger, func() int64 { return fixedNowUnixUTC }, options...)
	if err != nil {
		test.Fatalf("mall service init failed: %v", err)
	}
	return service
}

func seedBalance(test *testing.T, store *stubStore, userID string, balance points.Amount) {
	test.Helper()
	ledger := mustLedgerService(test, store)
	if _, err := ledger.Earn(context.Background(), mustPointsUserID(test, userID), balance, "seed", points.ReferenceActivity, "seed", 0); err != nil {
		test.Fatalf("seed earn failed: %v", err)
	}
}

func coffeeVoucher() Item {
	return Item{
		ID:          "coffee_voucher",
		Name:        "Coffee Voucher",
		Description: "One free specialty coffee",
		PointsCost:  25,
		Category:    "food_drink",
		Stock:       200,
		Available:   true,
	}
}
