package credit

import "errors"

var (
	// ErrInvalidType is returned when a credit type is not registered
	ErrInvalidType = errors.New("invalid credit type")

	// ErrInvalidAmount is returned when an amount fails the type's consumption rules or is <= 0
	ErrInvalidAmount = errors.New("invalid amount")

	// ErrInvalidStatus is returned for unknown status values
	ErrInvalidStatus = errors.New("invalid credit status")

	// ErrInvalidTransition is returned when a status move is not allowed
	ErrInvalidTransition = errors.New("credit status transition not allowed")

	// ErrInvalidExpiration is returned when an expiration date is not after the start date
	ErrInvalidExpiration = errors.New("expiration date must be after start date")

	// ErrTransitionVetoed is returned when a status validator rejects a move
	ErrTransitionVetoed = errors.New("credit status transition rejected")

	// ErrInsufficientCredits is returned when available grants cannot cover an amount
	ErrInsufficientCredits = errors.New("insufficient credits")

	// ErrNoCreditsAvailable is returned when the user has no grants to draw from
	ErrNoCreditsAvailable = errors.New("no credits available")

	// ErrCreditNotFound is returned when a grant doesn't exist
	ErrCreditNotFound = errors.New("credit not found")

	// ErrSameUser is returned when a transfer targets its own source
	ErrSameUser = errors.New("cannot transfer credits to the same user")

	// ErrNotTransferable is returned when a transfer names a non-transferable type
	ErrNotTransferable = errors.New("credit type is not transferable")

	// ErrConcurrentUpdate is returned when a grant kept changing underneath a consumption
	ErrConcurrentUpdate = errors.New("credit was modified concurrently")

	// ErrPersistence wraps store failures; the driver error is logged, never surfaced
	ErrPersistence = errors.New("credit persistence failure")
)

// Registry errors.
var (
	ErrTypeExists       = errors.New("credit type already registered")
	ErrTypeNotFound     = errors.New("credit type not found")
	ErrTypeNameRequired = errors.New("credit type name is required")
	ErrCoreType         = errors.New("core credit types cannot be unregistered")
)
