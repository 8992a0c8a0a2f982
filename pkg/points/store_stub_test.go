package points

import (
	"context"
	"fmt"
	"testing"
)

// stubStore is an in-memory TxStore. WithTx snapshots state and restores it
// when fn fails, mirroring a real transaction rollback.
type stubStore struct {
	users        map[string]User
	transactions []Transaction
	nextID       int

	getUserError     error
	insertError      error
	setBalanceError  error
	sumError         error
	listError        error
	conflictsToServe int
}

func newStubStore() *stubStore {
	return &stubStore{users: map[string]User{}}
}

func (store *stubStore) GetOrCreateUser(_ context.Context, userID UserID) (User, error) {
	if store.getUserError != nil {
		return User{}, store.getUserError
	}
	user, found := store.users[userID.String()]
	if !found {
		user = User{UserID: userID.String()}
		store.users[userID.String()] = user
	}
	return user, nil
}

func (store *stubStore) InsertTransaction(_ context.Context, input TransactionInput) (Transaction, error) {
	if store.insertError != nil {
		return Transaction{}, store.insertError
	}
	store.nextID++
	transaction := Transaction{
		TransactionID:          fmt.Sprintf("tx-%d", store.nextID),
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

func (store *stubStore) SetBalance(_ context.Context, userID UserID, balance Amount) error {
	if store.setBalanceError != nil {
		return store.setBalanceError
	}
	user, found := store.users[userID.String()]
	if !found {
		return ErrInvalidUserID
	}
	user.Balance = balance
	store.users[userID.String()] = user
	return nil
}

func (store *stubStore) SumTransactions(_ context.Context, userID UserID) (Amount, error) {
	if store.sumError != nil {
		return 0, store.sumError
	}
	var total Amount
	for _, transaction := range store.transactions {
		if transaction.UserID == userID.String() {
			total += transaction.Amount
		}
	}
	return total, nil
}

func (store *stubStore) ListTransactions(_ context.Context, userID UserID, limit int, offset int) ([]Transaction, error) {
	if store.listError != nil {
		return nil, store.listError
	}
	matched := make([]Transaction, 0, len(store.transactions))
	for index := len(store.transactions) - 1; index >= 0; index-- {
		if store.transactions[index].UserID == userID.String() {
			matched = append(matched, store.transactions[index])
		}
	}
	if offset >= len(matched) {
		return nil, nil
	}
	matched = matched[offset:]
	if limit > 0 && limit < len(matched) {
		matched = matched[:limit]
	}
	return matched, nil
}

func (store *stubStore) WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error {
	if store.conflictsToServe > 0 {
		store.conflictsToServe--
		return ErrStorageConflict
	}
	usersSnapshot := make(map[string]User, len(store.users))
	for key, value := range store.users {
		usersSnapshot[key] = value
	}
	transactionsSnapshot := append([]Transaction(nil), store.transactions...)
	idSnapshot := store.nextID
	if err := fn(ctx, store); err != nil {
		store.users = usersSnapshot
		store.transactions = transactionsSnapshot
		store.nextID = idSnapshot
		return err
	}
	return nil
}

func mustUserID(test *testing.T, raw string) UserID {
	test.Helper()
	userID, err := NewUserID(raw)
	if err != nil {
		test.Fatalf("user id %q rejected: %v", raw, err)
	}
	return userID
}

func mustNewService(test *testing.T, store TxStore, options ...ServiceOption) *Service {
	test.Helper()
	service, err := NewService(store, func() int64 { return fixedNowUnixUTC }, options...)
	if err != nil {
		test.Fatalf("service init failed: %v", err)
	}
	return service
}

const fixedNowUnixUTC int64 = 1_700_000_000
