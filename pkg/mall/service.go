package mall

import (
	"context"
	"errors"
	"fmt"

	"github.com/MarkoPoloResearchLab/rewards/pkg/points"
	"go.uber.org/zap"
)

// Service owns the purchase lifecycle: eligibility, the atomic
// debit-and-record purchase, fulfillment, and cancellation with a
// compensating refund. All ledger writes go through the points service so
// the balance invariant holds across both packages.
type Service struct {
	store    TxStore
	catalog  Catalog
	ledger   *points.Service
	notifier Notifier
	nowFn    func() int64
	logger   *zap.Logger
	codeFn   func(nowUnixUTC int64) (string, error)
}

// ServiceOption configures a Service instance.
type ServiceOption func(*Service)

// WithNotifier wires the redemption notification sink.
func WithNotifier(notifier Notifier) ServiceOption {
	return func(service *Service) {
		service.notifier = notifier
	}
}

// WithLogger wires a zap logger for lifecycle events.
func WithLogger(logger *zap.Logger) ServiceOption {
	return func(service *Service) {
		service.logger = logger
	}
}

// WithCodeGenerator overrides redemption code generation.
func WithCodeGenerator(codeFn func(nowUnixUTC int64) (string, error)) ServiceOption {
	return func(service *Service) {
		service.codeFn = codeFn
	}
}

// NewService wires a Service.
func NewService(store TxStore, catalog Catalog, ledger *points.Service, now func() int64, options ...ServiceOption) (*Service, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: store dependency is nil", ErrInvalidServiceConfig)
	}
	if catalog == nil {
		return nil, fmt.Errorf("%w: catalog dependency is nil", ErrInvalidServiceConfig)
	}
	if ledger == nil {
		return nil, fmt.Errorf("%w: ledger dependency is nil", ErrInvalidServiceConfig)
	}
	if now == nil {
		return nil, fmt.Errorf("%w: clock dependency is nil", ErrInvalidServiceConfig)
	}
	service := &Service{
		store:   store,
		catalog: catalog,
		ledger:  ledger,
		nowFn:   now,
		logger:  zap.NewNop(),
		codeFn:  GenerateCode,
	}
	for _, option := range options {
		if option != nil {
			option(service)
		}
	}
	return service, nil
}

// CanPurchase evaluates eligibility in order: item exists, item is
// available, item has stock, balance covers the cost. The first failing
// condition determines the reason.
func (service *Service) CanPurchase(ctx context.Context, userID points.UserID, itemID string) (bool, string, error) {
	item, found, err := service.catalog.Item(ctx, itemID)
	if err != nil {
		return false, "", err
	}
	if !found {
		return false, reasonItemNotFound, nil
	}
	if !item.Available {
		return false, reasonItemUnavailable, nil
	}
	if item.Stock <= 0 {
		return false, reasonOutOfStock, nil
	}
	costStorage, err := points.ToStorage(item.PointsCost)
	if err != nil {
		return false, "", err
	}
	balance, err := service.ledger.Balance(ctx, userID)
	if err != nil {
		return false, "", err
	}
	if balance < costStorage {
		reason := fmt.Sprintf("%s: need %s points, have %s", reasonInsufficientBalance, formatPoints(item.PointsCost), formatPoints(points.ToDisplay(balance)))
		return false, reason, nil
	}
	return true, reasonEligible, nil
}

// Purchase redeems an item: it debits the ledger, generates a redemption
// code, and writes the PENDING purchase record in one store transaction.
// The notification fires after commit and never rolls the purchase back.
func (service *Service) Purchase(ctx context.Context, userID points.UserID, itemID string, deliveryInfo map[string]any) (Purchase, error) {
	item, found, err := service.catalog.Item(ctx, itemID)
	if err != nil {
		return Purchase{}, err
	}
	if !found {
		return Purchase{}, fmt.Errorf("%w: %q", ErrItemNotFound, itemID)
	}
	if !item.Available {
		return Purchase{}, fmt.Errorf("%w: %q", ErrItemUnavailable, itemID)
	}
	if item.Stock <= 0 {
		return Purchase{}, fmt.Errorf("%w: %q", ErrOutOfStock, itemID)
	}
	costStorage, err := points.ToStorage(item.PointsCost)
	if err != nil {
		return Purchase{}, err
	}

	var purchase Purchase
	operationError := service.withTxRetries(ctx, func(ctx context.Context, transactionStore Store) error {
		nowUnixUTC := service.nowFn()
		code, err := service.codeFn(nowUnixUTC)
		if err != nil {
			return err
		}
		debit, err := service.ledger.SpendWithin(ctx, transactionStore, userID, costStorage, item.ID, points.ReferencePurchase, fmt.Sprintf("purchase: %s", item.Name))
		if err != nil {
			return err
		}
		purchase, err = transactionStore.CreatePurchase(ctx, Purchase{
			UserID:          userID.String(),
			ItemID:          item.ID,
			ItemName:        item.Name,
			ItemDescription: item.Description,
			PointsCost:      costStorage,
			Status:          PurchaseStatusPending,
			RedemptionCode:  code,
			DeliveryInfo:    deliveryInfo,
			TransactionID:   debit.TransactionID,
			CreatedUnixUTC:  nowUnixUTC,
		})
		return err
	})
	if operationError != nil {
		return Purchase{}, operationError
	}

	service.logger.Info("item redeemed",
		zap.String("user_id", userID.String()),
		zap.String("item_id", item.ID),
		zap.String("purchase_id", purchase.PurchaseID),
		zap.String("redemption_code", purchase.RedemptionCode),
		zap.Int64("points_cost", purchase.PointsCost.Int64()),
	)
	service.notifyRedemption(ctx, purchase, item.PointsCost)
	return purchase, nil
}

// Complete marks a PENDING purchase fulfilled, merging delivery info and
// stamping the completion time.
func (service *Service) Complete(ctx context.Context, purchaseID string, deliveryInfo map[string]any) (Purchase, error) {
	var purchase Purchase
	operationError := service.withTxRetries(ctx, func(ctx context.Context, transactionStore Store) error {
		current, err := transactionStore.GetPurchase(ctx, purchaseID)
		if err != nil {
			return err
		}
		if current.Status != PurchaseStatusPending {
			return fmt.Errorf("%w: purchase %s is %s", ErrInvalidPurchaseState, purchaseID, current.Status)
		}
		merged := mergeDeliveryInfo(current.DeliveryInfo, deliveryInfo)
		if err := transactionStore.UpdatePurchaseStatus(ctx, purchaseID, PurchaseStatusPending, PurchaseStatusCompleted, TerminalUpdate{
			DeliveryInfo:     merged,
			CompletedUnixUTC: service.nowFn(),
		}); err != nil {
			return err
		}
		purchase, err = transactionStore.GetPurchase(ctx, purchaseID)
		return err
	})
	if operationError != nil {
		return Purchase{}, operationError
	}
	service.logger.Info("purchase completed", zap.String("purchase_id", purchaseID))
	return purchase, nil
}

// Cancel refunds a PENDING purchase and flips it to CANCELLED in one store
// transaction. The refund carries no dispute deadline: a refund cannot
// itself be disputed. Concurrent cancels resolve to exactly one success;
// the loser's conditional status update matches zero rows and the refund
// rolls back with it.
func (service *Service) Cancel(ctx context.Context, purchaseID string, reason string) (Purchase, error) {
	var purchase Purchase
	operationError := service.withTxRetries(ctx, func(ctx context.Context, transactionStore Store) error {
		current, err := transactionStore.GetPurchase(ctx, purchaseID)
		if err != nil {
			return err
		}
		if current.Status != PurchaseStatusPending {
			return fmt.Errorf("%w: purchase %s is %s", ErrInvalidPurchaseState, purchaseID, current.Status)
		}
		userID, err := points.NewUserID(current.UserID)
		if err != nil {
			return err
		}
		_, err = service.ledger.EarnWithin(ctx, transactionStore, userID, current.PointsCost, current.PurchaseID, points.ReferencePurchaseRefund, fmt.Sprintf("purchase cancelled: %s", current.ItemName), 0)
		if err != nil {
			return err
		}
		if err := transactionStore.UpdatePurchaseStatus(ctx, purchaseID, PurchaseStatusPending, PurchaseStatusCancelled, TerminalUpdate{
			CancelledUnixUTC: service.nowFn(),
			CancelReason:     reason,
		}); err != nil {
			return err
		}
		purchase, err = transactionStore.GetPurchase(ctx, purchaseID)
		return err
	})
	if operationError != nil {
		return Purchase{}, operationError
	}
	service.logger.Info("purchase cancelled",
		zap.String("purchase_id", purchaseID),
		zap.String("reason", reason),
		zap.Int64("refunded", purchase.PointsCost.Int64()),
	)
	return purchase, nil
}

// ListUserPurchases lists a user's purchases, newest first.
func (service *Service) ListUserPurchases(ctx context.Context, userID points.UserID, status *PurchaseStatus, limit int, offset int) ([]Purchase, error) {
	if limit <= 0 {
		limit = defaultPurchasePageSize
	}
	return service.store.ListUserPurchases(ctx, userID.String(), status, limit, offset)
}

// ListPurchases lists purchases across all users, newest first.
func (service *Service) ListPurchases(ctx context.Context, status *PurchaseStatus, limit int, offset int) ([]Purchase, error) {
	if limit <= 0 {
		limit = defaultAdminPageSize
	}
	return service.store.ListPurchases(ctx, status, limit, offset)
}

// Items lists the catalog.
func (service *Service) Items(ctx context.Context) ([]Item, error) {
	return service.catalog.Items(ctx)
}

// Item fetches one catalog entry.
func (service *Service) Item(ctx context.Context, itemID string) (Item, error) {
	item, found, err := service.catalog.Item(ctx, itemID)
	if err != nil {
		return Item{}, err
	}
	if !found {
		return Item{}, fmt.Errorf("%w: %q", ErrItemNotFound, itemID)
	}
	return item, nil
}

func (service *Service) notifyRedemption(ctx context.Context, purchase Purchase, pointsCostDisplay float64) {
	if service.notifier == nil {
		return
	}
	if err := service.notifier.NotifyRedemption(ctx, purchase.UserID, purchase.ItemName, purchase.RedemptionCode, pointsCostDisplay); err != nil {
		service.logger.Warn("redemption notification failed",
			zap.String("purchase_id", purchase.PurchaseID),
			zap.Error(err),
		)
	}
}

// withTxRetries reruns the transaction on redemption-code collisions (a
// fresh code is drawn each attempt) and on transient storage conflicts.
func (service *Service) withTxRetries(ctx context.Context, fn func(ctx context.Context, transactionStore Store) error) error {
	var lastErr error
	for attempt := 0; attempt < maxTxAttempts; attempt++ {
		lastErr = service.store.WithTx(ctx, fn)
		if lastErr == nil {
			return nil
		}
		if !errors.Is(lastErr, ErrCodeConflict) && !errors.Is(lastErr, points.ErrStorageConflict) {
			return lastErr
		}
	}
	if errors.Is(lastErr, ErrCodeConflict) {
		return lastErr
	}
	return points.WrapError("mall", "tx", "retries_exhausted", fmt.Errorf("%w: %v", points.ErrUnavailable, lastErr))
}

func mergeDeliveryInfo(existing map[string]any, updates map[string]any) map[string]any {
	if len(updates) == 0 {
		return existing
	}
	if existing == nil {
		return updates
	}
	merged := make(map[string]any, len(existing)+len(updates))
	for key, value := range existing {
		merged[key] = value
	}
	for key, value := range updates {
		merged[key] = value
	}
	return merged
}

func formatPoints(display float64) string {
	if display == float64(int64(display)) {
		return fmt.Sprintf("%d", int64(display))
	}
	return fmt.Sprintf("%.1f", display)
}
