package clientsync

import (
	"errors"
	"fmt"
)

// ErrAuthentication is returned when the server rejects the session's
// credentials. It is never retried; the host application is expected to
// force re-authentication.
var ErrAuthentication = errors.New("authentication required")

// TransientError wraps a transport-level failure that is safe to retry:
// connection resets, timeouts, 5xx responses.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("transient: %v", e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// Transient wraps err as a TransientError.
func Transient(err error) error {
	return &TransientError{Err: err}
}

// IsTransient reports whether err is a retryable transport failure.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// Business rejection reason codes returned by the server.
const (
	ReasonLimitReached   = "limit_reached"
	ReasonNotFound       = "not_found"
	ReasonInvalidPlan    = "invalid_plan"
	ReasonAlreadyActive  = "already_subscribed"
	ReasonPaymentPending = "payment_pending"
)

// BusinessError is a definitive server-side rejection of an otherwise
// well-formed request: quota exceeded, unknown order, expired plan. It is
// never retried.
type BusinessError struct {
	// Code is the machine-readable reason, one of the Reason constants or a
	// server-defined string.
	Code string

	// LimitReached marks quota rejections, which additionally trigger an
	// entitlement revalidation in callers.
	LimitReached bool
}

func (e *BusinessError) Error() string {
	return fmt.Sprintf("rejected: %s", e.Code)
}

// AsBusiness extracts a BusinessError from err, if present.
func AsBusiness(err error) (*BusinessError, bool) {
	var be *BusinessError
	ok := errors.As(err, &be)
	return be, ok
}
