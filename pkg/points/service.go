package points

import (
	"context"
	"errors"
	"fmt"
)

// Service contains the ledger domain logic over a Store. It is the only
// writer of point transactions; the cached balance on the user record is
// mutated in the same store transaction as every ledger write.
type Service struct {
	store  TxStore
	nowFn  func() int64
	logger OperationLogger
}

// NewService wires a Service.
func NewService(store TxStore, now func() int64, options ...ServiceOption) (*Service, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: store dependency is nil", ErrInvalidServiceConfig)
	}
	if now == nil {
		return nil, fmt.Errorf("%w: clock dependency is nil", ErrInvalidServiceConfig)
	}
	service := &Service{store: store, nowFn: now}
	for _, option := range options {
		if option != nil {
			option(service)
		}
	}
	return service, nil
}

// Balance returns the user's current balance in storage units.
func (service *Service) Balance(ctx context.Context, userID UserID) (Amount, error) {
	user, err := service.store.GetOrCreateUser(ctx, userID)
	if err != nil {
		return 0, err
	}
	return user.Balance, nil
}

// Earn appends a credit transaction and raises the cached balance.
// disputeDeadlineDays of zero stores no deadline: the credit is immediately
// final, which is how refunds are written.
func (service *Service) Earn(ctx context.Context, userID UserID, amount Amount, referenceID string, referenceType ReferenceType, description string, disputeDeadlineDays int) (Transaction, error) {
	var transaction Transaction
	operationError := service.withTxRetries(ctx, func(ctx context.Context, transactionStore Store) error {
		var err error
		transaction, err = service.EarnWithin(ctx, transactionStore, userID, amount, referenceID, referenceType, description, disputeDeadlineDays)
		return err
	})
	service.logOperation(ctx, OperationLog{
		Operation:     operationEarn,
		UserID:        userID,
		Amount:        amount,
		ReferenceID:   referenceID,
		ReferenceType: referenceType,
		Error:         operationError,
	})
	return transaction, operationError
}

// EarnWithin appends a credit against an already-open store transaction.
// Callers composing larger atomic units (purchase refunds) use this form.
func (service *Service) EarnWithin(ctx context.Context, transactionStore Store, userID UserID, amount Amount, referenceID string, referenceType ReferenceType, description string, disputeDeadlineDays int) (Transaction, error) {
	if amount <= 0 {
		return Transaction{}, fmt.Errorf("%w: must be greater than zero", ErrInvalidAmount)
	}
	user, err := transactionStore.GetOrCreateUser(ctx, userID)
	if err != nil {
		return Transaction{}, err
	}
	nowUnixUTC := service.nowFn()
	var disputeDeadlineUnixUTC int64
	if disputeDeadlineDays > 0 {
		disputeDeadlineUnixUTC = nowUnixUTC + int64(disputeDeadlineDays)*secondsPerDay
	}
	newBalance := user.Balance + amount
	transaction, err := transactionStore.InsertTransaction(ctx, TransactionInput{
		UserID:                 userID.String(),
		Amount:                 amount,
		BalanceAfter:           newBalance,
		ReferenceID:            referenceID,
		ReferenceType:          referenceType,
		Description:            description,
		DisputeDeadlineUnixUTC: disputeDeadlineUnixUTC,
		CreatedUnixUTC:         nowUnixUTC,
	})
	if err != nil {
		return Transaction{}, err
	}
	if err := transactionStore.SetBalance(ctx, userID, newBalance); err != nil {
		return Transaction{}, err
	}
	return transaction, nil
}

// Spend appends a debit transaction and lowers the cached balance.
// The check-and-deduct is serialized per user by the store's row lock, so
// two concurrent spends that would jointly overdraw cannot both succeed.
func (service *Service) Spend(ctx context.Context, userID UserID, amount Amount, referenceID string, referenceType ReferenceType, description string) (Transaction, error) {
	var transaction Transaction
	operationError := service.withTxRetries(ctx, func(ctx context.Context, transactionStore Store) error {
		var err error
		transaction, err = service.SpendWithin(ctx, transactionStore, userID, amount, referenceID, referenceType, description)
		return err
	})
	service.logOperation(ctx, OperationLog{
		Operation:     operationSpend,
		UserID:        userID,
		Amount:        amount,
		ReferenceID:   referenceID,
		ReferenceType: referenceType,
		Error:         operationError,
	})
	return transaction, operationError
}

// SpendWithin appends a debit against an already-open store transaction.
func (service *Service) SpendWithin(ctx context.Context, transactionStore Store, userID UserID, amount Amount, referenceID string, referenceType ReferenceType, description string) (Transaction, error) {
	if amount <= 0 {
		return Transaction{}, fmt.Errorf("%w: must be greater than zero", ErrInvalidAmount)
	}
	user, err := transactionStore.GetOrCreateUser(ctx, userID)
	if err != nil {
		return Transaction{}, err
	}
	if user.Balance < amount {
		return Transaction{}, fmt.Errorf("%w: have %d, need %d", ErrInsufficientBalance, user.Balance, amount)
	}
	newBalance := user.Balance - amount
	transaction, err := transactionStore.InsertTransaction(ctx, TransactionInput{
		UserID:         userID.String(),
		Amount:         -amount,
		BalanceAfter:   newBalance,
		ReferenceID:    referenceID,
		ReferenceType:  referenceType,
		Description:    description,
		CreatedUnixUTC: service.nowFn(),
	})
	if err != nil {
		return Transaction{}, err
	}
	if err := transactionStore.SetBalance(ctx, userID, newBalance); err != nil {
		return Transaction{}, err
	}
	return transaction, nil
}

// Adjust applies a signed administrative correction. The resulting balance
// must remain non-negative.
func (service *Service) Adjust(ctx context.Context, userID UserID, signedAmount Amount, adminID string, reason string) (Transaction, error) {
	var transaction Transaction
	operationError := service.withTxRetries(ctx, func(ctx context.Context, transactionStore Store) error {
		if signedAmount == 0 {
			return fmt.Errorf("%w: adjustment of zero", ErrInvalidAmount)
		}
		user, err := transactionStore.GetOrCreateUser(ctx, userID)
		if err != nil {
			return err
		}
		newBalance := user.Balance + signedAmount
		if newBalance < 0 {
			return fmt.Errorf("%w: adjustment would leave %d", ErrNegativeBalance, newBalance)
		}
		transaction, err = transactionStore.InsertTransaction(ctx, TransactionInput{
			UserID:         userID.String(),
			Amount:         signedAmount,
			BalanceAfter:   newBalance,
			ReferenceID:    adminID,
			ReferenceType:  ReferenceManualAdjust,
			Description:    fmt.Sprintf("admin adjustment: %s", reason),
			CreatedUnixUTC: service.nowFn(),
		})
		if err != nil {
			return err
		}
		return transactionStore.SetBalance(ctx, userID, newBalance)
	})
	service.logOperation(ctx, OperationLog{
		Operation:     operationAdjust,
		UserID:        userID,
		Amount:        signedAmount,
		ReferenceID:   adminID,
		ReferenceType: ReferenceManualAdjust,
		Error:         operationError,
	})
	return transaction, operationError
}

// ListTransactions lists the user's ledger lines, newest first.
func (service *Service) ListTransactions(ctx context.Context, userID UserID, limit int, offset int) ([]Transaction, error) {
	if limit <= 0 {
		limit = defaultTransactionPageSize
	}
	return service.store.ListTransactions(ctx, userID, limit, offset)
}

// Reconcile returns the cached balance next to the balance derived from the
// transaction log. The two must agree; a mismatch means the invariant broke.
func (service *Service) Reconcile(ctx context.Context, userID UserID) (cached Amount, derived Amount, err error) {
	user, err := service.store.GetOrCreateUser(ctx, userID)
	if err != nil {
		return 0, 0, err
	}
	derived, err = service.store.SumTransactions(ctx, userID)
	if err != nil {
		return 0, 0, err
	}
	return user.Balance, derived, nil
}

func (service *Service) withTxRetries(ctx context.Context, fn func(ctx context.Context, transactionStore Store) error) error {
	var lastErr error
	for attempt := 0; attempt < maxTxAttempts; attempt++ {
		lastErr = service.store.WithTx(ctx, fn)
		if lastErr == nil || !errors.Is(lastErr, ErrStorageConflict) {
			return lastErr
		}
	}
	return WrapError("service", "tx", "retries_exhausted", fmt.Errorf("%w: %v", ErrUnavailable, lastErr))
}

func (service *Service) logOperation(ctx context.Context, entry OperationLog) {
	if service.logger == nil {
		return
	}
	if entry.Status == "" {
		if entry.Error != nil {
			entry.Status = operationStatusError
		} else {
			entry.Status = operationStatusOK
		}
	}
	service.logger.LogOperation(ctx, entry)
}
