package mall

const (
	reasonEligible            = "eligible"
	reasonItemNotFound        = "item not found"
	reasonItemUnavailable     = "item unavailable"
	reasonOutOfStock          = "item out of stock"
	reasonInsufficientBalance = "insufficient balance"

	maxTxAttempts = 3

	defaultPurchasePageSize = 50
	defaultAdminPageSize    = 100

	popularItemLimit    = 5
	recentWindowSeconds = 30 * 86400
	userSummaryRecent   = 3
)
