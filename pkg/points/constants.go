package points

const (
	operationEarn   = "earn"
	operationSpend  = "spend"
	operationAdjust = "adjust"

	operationStatusOK    = "ok"
	operationStatusError = "error"

	secondsPerDay = 86400

	maxTxAttempts = 3

	defaultTransactionPageSize = 50
)
