package gatekeeper

import "errors"

var (
	// ErrInvalidParameter is returned when a request carries a malformed
	// value.
	ErrInvalidParameter = errors.New("invalid parameter")

	// ErrMaxSlotsReached is returned when registering again, or shrinking
	// an appointment, would overflow the user's slot counter. It wraps
	// ErrInvalidParameter.
	ErrMaxSlotsReached = wrapInvalid("maximum slots reached")

	// ErrAuthenticationFailure is returned when a signature does not
	// belong to a registered user.
	ErrAuthenticationFailure = errors.New("authentication failure")

	// ErrNotEnoughSlots is returned when the user cannot afford an
	// appointment.
	ErrNotEnoughSlots = errors.New("not enough slots")
)

// invalidParameterError details an ErrInvalidParameter.
type invalidParameterError struct {
	reason string
}

func wrapInvalid(reason string) error {
	return &invalidParameterError{reason: reason}
}

// Error returns the reason of the failure.
func (e *invalidParameterError) Error() string {
	return e.reason
}

// Unwrap lets errors.Is match ErrInvalidParameter.
func (e *invalidParameterError) Unwrap() error {
	return ErrInvalidParameter
}
