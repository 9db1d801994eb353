package apperrors

import "errors"

// Exchange-transport errors, mapped from venue-specific response codes.
var (
	ErrInsufficientFunds     = errors.New("insufficient funds")
	ErrOrderRejected         = errors.New("order rejected")
	ErrRateLimitExceeded     = errors.New("rate limit exceeded")
	ErrNetwork               = errors.New("network error")
	ErrInvalidSymbol         = errors.New("invalid symbol")
	ErrAuthenticationFailed  = errors.New("authentication failed")
	ErrExchangeMaintenance   = errors.New("exchange maintenance")
	ErrOrderNotFound         = errors.New("order not found")
	ErrDuplicateOrder        = errors.New("duplicate order")
	ErrInvalidOrderParameter = errors.New("invalid order parameter")
	ErrSystemOverload        = errors.New("system overload")
	ErrTimestampOutOfBounds  = errors.New("timestamp out of bounds")
)

// Engine-level error taxonomy (spec §7). Propagation rule: recover locally
// only for retryable transient conditions (StreamDisconnected, a single
// order reject); anything else that cannot be explained by race-with-recovery
// is terminal and should surface as, or wrap, ErrEmergencyStop.
var (
	// ErrConfigurationInvalid is fatal at startup; the caller should report
	// the offending field before exiting.
	ErrConfigurationInvalid = errors.New("configuration invalid")

	// ErrStreamDisconnected is transient: reconnect with backoff, and after
	// the maximum attempt count escalate to ErrEmergencyStop.
	ErrStreamDisconnected = errors.New("stream disconnected")

	// ErrExchangeRejected is the domain-level order-placement rejection, a
	// sentinel distinct from the transport-level ErrOrderRejected; fatal for
	// TP placement, attempt-scoped for averaging.
	ErrExchangeRejected = errors.New("exchange rejected order")

	// ErrInsufficientMargin is a RiskController denial; non-fatal, the
	// caller logs and skips the action.
	ErrInsufficientMargin = errors.New("insufficient margin for requested action")

	// ErrStateMismatch signals a reconstruction diff beyond tolerance
	// (spec §4.4.1/§4.4.2); triggers a retry or, on exhaustion, ErrEmergencyStop.
	ErrStateMismatch = errors.New("local and exchange state mismatch beyond tolerance")

	// ErrOrderHistoryTruncated means pagination hit its page limit without
	// locating the last TP close; the caller should fall back to a grid reset.
	ErrOrderHistoryTruncated = errors.New("order history pagination exhausted before locating last close")

	// ErrEmergencyStop is terminal: a flag file has been (or must be)
	// written, and the account refuses to (re)start until it is removed.
	ErrEmergencyStop = errors.New("emergency stop")
)
