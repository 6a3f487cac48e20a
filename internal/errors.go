package gateway

import "errors"

// Sentinel errors for the gateway domain.
var (
	ErrUnauthorized      = errors.New("unauthorized")
	ErrInsufficientFunds = errors.New("insufficient funds")
	ErrNotFound          = errors.New("not found")
	ErrConflict          = errors.New("conflict")
	ErrBadRequest        = errors.New("bad request")
	ErrNoCandidates      = errors.New("no eligible providers")
	ErrProviderError     = errors.New("provider error")
	ErrKeyBlocked        = errors.New("api key blocked")
	ErrFamilyDisabled    = errors.New("model family disabled")
)
