package model

import "errors"

// Sentinel errors, grouped by how the caller recovers. Every rejection
// names the violated rule; handlers map the class to an HTTP status.

// Validation: bad input, user-correctable.
var (
	ErrInvalidSpec        = errors.New("invalid bet spec")
	ErrOptionInvalid      = errors.New("option is not one of the bet's options")
	ErrAmountTooLow       = errors.New("minimum wager not met")
	ErrAccessCodeTooShort = errors.New("access code must be at least 6 characters")
	ErrAccessCodeWrong    = errors.New("access code does not match")
)

// State conflict: refused, current state reported.
var (
	ErrBetNotOpen         = errors.New("bet is not open for wagers")
	ErrAlreadySettled     = errors.New("pool already settled")
	ErrDuplicatePaidWager = errors.New("participant already has a paid wager on this bet")
	ErrCapacityExceeded   = errors.New("bet has reached its participant cap")
	ErrAlreadyPaid        = errors.New("wager is already paid")
	ErrHasPaidWagers      = errors.New("bet has confirmed wagers")
)

// Authorization: always rejected, never downgraded.
var (
	ErrNotOwner          = errors.New("only the bet's creator may do this")
	ErrIncompleteProfile = errors.New("profile needs a display name and a PIX key before wagering")
	ErrProfileSuspended  = errors.New("profile is suspended")
)

// External service: surfaced with retry guidance, never retried here.
var ErrGatewayUnavailable = errors.New("payment gateway unavailable, try again with a new wager")

// Expiration: terminal for the attempt, a new charge is required.
var ErrChargeExpired = errors.New("charge expired before confirmation")

// Lookups.
var (
	ErrBetNotFound    = errors.New("bet not found")
	ErrWagerNotFound  = errors.New("wager not found")
	ErrChargeNotFound = errors.New("charge not found")
)

func IsValidation(err error) bool {
	return errors.Is(err, ErrInvalidSpec) || errors.Is(err, ErrOptionInvalid) ||
		errors.Is(err, ErrAmountTooLow) || errors.Is(err, ErrAccessCodeTooShort) ||
		errors.Is(err, ErrAccessCodeWrong)
}

func IsStateConflict(err error) bool {
	return errors.Is(err, ErrBetNotOpen) || errors.Is(err, ErrAlreadySettled) ||
		errors.Is(err, ErrDuplicatePaidWager) || errors.Is(err, ErrCapacityExceeded) ||
		errors.Is(err, ErrAlreadyPaid) || errors.Is(err, ErrHasPaidWagers) ||
		errors.Is(err, ErrChargeExpired)
}

func IsAuthorization(err error) bool {
	return errors.Is(err, ErrNotOwner) || errors.Is(err, ErrIncompleteProfile) ||
		errors.Is(err, ErrProfileSuspended)
}

func IsNotFound(err error) bool {
	return errors.Is(err, ErrBetNotFound) || errors.Is(err, ErrWagerNotFound) ||
		errors.Is(err, ErrChargeNotFound)
}
