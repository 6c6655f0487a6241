package engine

import "errors"

// Failure taxonomy surfaced to callers. Domain failures (balance, shares,
// position) are returned as-is with amounts attached via wrapping; anything
// the store raises mid-transaction is wrapped in ErrTransactionFailed or
// ErrResolutionFailed after the rollback. Classify with errors.Is.
var (
	// ErrInsufficientBalance is returned when a buy's cost exceeds the
	// user's available balance.
	ErrInsufficientBalance = errors.New("insufficient balance")

	// ErrNoPosition is returned when a sell is attempted with no existing
	// position in the market.
	ErrNoPosition = errors.New("no position to sell")

	// ErrInsufficientShares is returned when a sell quantity exceeds the
	// shares held on that side.
	ErrInsufficientShares = errors.New("insufficient shares")

	// ErrTransactionFailed wraps any underlying store failure during buy or
	// sell execution; the whole transaction has been rolled back.
	ErrTransactionFailed = errors.New("transaction failed")

	// ErrResolutionFailed wraps any failure during batched settlement; the
	// entire resolution, including the status change, has been rolled back.
	ErrResolutionFailed = errors.New("resolution failed")
)

// domainErr reports whether err is one of the caller-facing trade failures
// that must not be re-wrapped as a transaction failure.
func domainErr(err error) bool {
	return errors.Is(err, ErrInsufficientBalance) ||
		errors.Is(err, ErrNoPosition) ||
		errors.Is(err, ErrInsufficientShares)
}
