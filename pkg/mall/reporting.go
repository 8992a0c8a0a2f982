package mall

import (
	"context"

	"github.com/MarkoPoloResearchLab/rewards/pkg/points"
)

// Statistics aggregates the mall for operational visibility. Cancelled
// purchases count toward totals but never toward points spent or the
// popularity ranking.
func (service *Service) Statistics(ctx context.Context) (Statistics, error) {
	counts, err := service.store.CountPurchasesByStatus(ctx)
	if err != nil {
		return Statistics{}, err
	}
	spent, err := service.store.SumPointsSpent(ctx)
	if err != nil {
		return Statistics{}, err
	}
	popular, err := service.store.TopItems(ctx, popularItemLimit)
	if err != nil {
		return Statistics{}, err
	}
	recent, err := service.store.CountPurchasesSince(ctx, service.nowFn()-recentWindowSeconds)
	if err != nil {
		return Statistics{}, err
	}
	return Statistics{
		TotalPurchases:   counts.Pending + counts.Completed + counts.Cancelled,
		StatusCounts:     counts,
		TotalPointsSpent: spent,
		PopularItems:     popular,
		RecentPurchases:  recent,
	}, nil
}

// UserSummary returns the user's balance, lifetime purchase aggregates
// excluding cancelled, and the most recent purchases.
func (service *Service) UserSummary(ctx context.Context, userID points.UserID) (UserSummary, error) {
	balance, err := service.ledger.Balance(ctx, userID)
	if err != nil {
		return UserSummary{}, err
	}
	stats, err := service.store.UserPurchaseStats(ctx, userID.String())
	if err != nil {
		return UserSummary{}, err
	}
	recent, err := service.store.ListUserPurchases(ctx, userID.String(), nil, userSummaryRecent, 0)
	if err != nil {
		return UserSummary{}, err
	}
	return UserSummary{
		Balance:          balance,
		TotalPurchases:   stats.TotalPurchases,
		TotalPointsSpent: stats.TotalPointsSpent,
		RecentPurchases:  recent,
	}, nil
}

// TransactionSummary returns the user's ledger activity aggregates.
func (service *Service) TransactionSummary(ctx context.Context, userID points.UserID) (TransactionStats, error) {
	return service.store.TransactionStats(ctx, userID.String())
}
