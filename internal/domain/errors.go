package domain

import "errors"

var (
	ErrNotFound         = errors.New("not found")
	ErrAlreadyExists    = errors.New("already exists")
	ErrLockHeld         = errors.New("lock already held")
	ErrQueueEmpty       = errors.New("queue empty")
	ErrUnauthorized     = errors.New("unauthorized")
	ErrStoreUnavailable = errors.New("store unavailable")
	ErrPositionClosed   = errors.New("position closed")
	ErrPriceUnavailable = errors.New("price unavailable")
	ErrRetryLater       = errors.New("retry later")
)

// IsSystemic reports whether an error indicates a failure of the whole
// worker process (broken credentials, unreachable backing store) rather
// than a failure of the single work item. Worker loops terminate on
// systemic errors and rely on process supervision to restart them.
func IsSystemic(err error) bool {
	return errors.Is(err, ErrUnauthorized) || errors.Is(err, ErrStoreUnavailable)
}

// BusinessError is an expected venue/business outcome of an operation,
// such as an order below the venue minimum or insufficient allocated
// balance. It is carried as a value inside results, never propagated as a
// Go error: a BusinessError marks the specific target as errored/skipped
// while the surrounding position processing continues.
type BusinessError struct {
	Code    string
	Message string
}

// Business-error codes produced by the exchange gateway and the target
// evaluators.
const (
	BusinessInsufficientBalance = "insufficient_balance"
	BusinessBelowMinQuantity    = "below_min_quantity"
	BusinessBelowMinNotional    = "below_min_notional"
	BusinessInvalidPrice        = "invalid_price"
	BusinessAllocationExceeded  = "allocation_exceeded"
	BusinessContractReduced     = "contract_reduced"
)

func (e *BusinessError) Error() string {
	return e.Code + ": " + e.Message
}
