package towerd

import (
	"errors"

	"github.com/lightningnetwork/towerd/chain"
	"github.com/lightningnetwork/towerd/gatekeeper"
	"github.com/lightningnetwork/towerd/watcher"
	"github.com/lightningnetwork/towerd/wtcrypto"
	"github.com/lightningnetwork/towerd/wtdb"
)

// ErrorCategory groups the errors returned by tower operations by the way a
// caller is expected to react to them.
type ErrorCategory uint8

const (
	// CategoryInternal covers database and unexpected failures.
	CategoryInternal ErrorCategory = iota

	// CategoryClientInput means the request was malformed.
	CategoryClientInput

	// CategoryAuthentication means the user could not be authorized to
	// perform the request.
	CategoryAuthentication

	// CategoryResourceExhausted means the tower is full.
	CategoryResourceExhausted

	// CategoryNodeUnreachable means bitcoind could not be reached and
	// the request can be retried later.
	CategoryNodeUnreachable
)

// String returns a human readable name for the category.
func (c ErrorCategory) String() string {
	switch c {
	case CategoryClientInput:
		return "ClientInput"
	case CategoryAuthentication:
		return "Authentication"
	case CategoryResourceExhausted:
		return "ResourceExhausted"
	case CategoryNodeUnreachable:
		return "NodeUnreachable"
	default:
		return "Internal"
	}
}

// ClassifyError maps an error returned by the tower to its category. A nil
// error is reported as internal.
func ClassifyError(err error) ErrorCategory {
	var inspErr *watcher.InspectionError

	switch {
	case errors.As(err, &inspErr),
		errors.Is(err, gatekeeper.ErrInvalidParameter),
		errors.Is(err, wtdb.ErrInvalidLocator),
		errors.Is(err, wtdb.ErrInvalidUserID):

		return CategoryClientInput

	case errors.Is(err, gatekeeper.ErrAuthenticationFailure),
		errors.Is(err, wtcrypto.ErrInvalidSignature),
		errors.Is(err, gatekeeper.ErrNotEnoughSlots),
		errors.Is(err, watcher.ErrSubscriptionExpired),
		errors.Is(err, watcher.ErrAppointmentAlreadyTriggered),
		errors.Is(err, watcher.ErrAppointmentNotFound):

		return CategoryAuthentication

	case errors.Is(err, watcher.ErrAppointmentLimitReached):
		return CategoryResourceExhausted

	case errors.Is(err, chain.ErrNodeUnreachable):
		return CategoryNodeUnreachable

	default:
		return CategoryInternal
	}
}
