package ledger

const (
	operationDeposit  = "deposit"
	operationWithdraw = "withdraw"
	operationReserve  = "reserve"
	operationSettle   = "settle"

	operationStatusOK    = "ok"
	operationStatusError = "error"

	idempotencyKeyDelimiter = ":"

	// MinorUnitsPerMajor is the number of indivisible minor units in one major unit.
	MinorUnitsPerMajor int64 = 1_000_000_000
	minorUnitExponent  int32 = 9
)
