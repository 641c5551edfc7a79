package coordinator

import "errors"

// Contract violations, rejected synchronously. Distinct from runtime
// failures, which land in the session's Failed state instead.
var (
	// ErrPairingInProgress rejects a BeginPairing while the per-key lock is
	// held by a Requesting or AwaitingScan session.
	ErrPairingInProgress = errors.New("pairing already in progress")

	// ErrInvalidTransition rejects calls that the current state does not
	// admit, e.g. Retry from Idle.
	ErrInvalidTransition = errors.New("invalid transition")

	// ErrRetriesExhausted rejects a Retry after the attempt budget is spent.
	// The surface presents "contact support" instead of offering another go.
	ErrRetriesExhausted = errors.New("pairing retries exhausted")

	// ErrInvalidKey rejects empty session or subject identifiers.
	ErrInvalidKey = errors.New("invalid pairing key")
)
