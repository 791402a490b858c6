package watcher

import (
	"errors"
	"fmt"
)

var (
	// ErrAppointmentLimitReached is returned when the tower watches as
	// many appointments as it is configured to.
	ErrAppointmentLimitReached = errors.New("appointment limit reached")

	// ErrSubscriptionExpired is matched by every
	// SubscriptionExpiredError.
	ErrSubscriptionExpired = errors.New("subscription expired")

	// ErrAppointmentAlreadyTriggered is returned for appointments the
	// tower already responded to.
	ErrAppointmentAlreadyTriggered = errors.New("appointment already " +
		"in responder")

	// ErrAppointmentNotFound is returned when a user asks for an
	// appointment the tower does not have.
	ErrAppointmentNotFound = errors.New("appointment not found")
)

// SubscriptionExpiredError is returned to users whose subscription expired.
type SubscriptionExpiredError struct {
	Expiry uint32
}

// Error returns the expiry of the subscription.
func (e *SubscriptionExpiredError) Error() string {
	return fmt.Sprintf("subscription expired at block %d", e.Expiry)
}

// Is lets errors.Is match ErrSubscriptionExpired.
func (e *SubscriptionExpiredError) Is(target error) bool {
	return target == ErrSubscriptionExpired
}
