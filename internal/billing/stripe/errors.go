package stripe

import (
	"errors"
	"fmt"
)

var (
	// ErrVerification is the parent of every signature verification failure.
	ErrVerification = errors.New("stripe event verification failed")
	// ErrMissingSignature is returned when the signature header is absent.
	ErrMissingSignature = fmt.Errorf("%w: missing Stripe signature", ErrVerification)
	// ErrInvalidSignature is returned when the signature does not match the
	// payload, is outside the tolerance window, or is malformed.
	ErrInvalidSignature = fmt.Errorf("%w: invalid Stripe signature", ErrVerification)
	// ErrMalformedEvent is returned when a correctly signed event cannot be decoded.
	ErrMalformedEvent = fmt.Errorf("%w: malformed event payload", ErrVerification)

	// ErrMissingIdentity is the parent of failures caused by an event that
	// does not carry the identifiers needed to locate local state.
	// Redelivering such an event cannot succeed.
	ErrMissingIdentity = errors.New("event is missing an identifier")
	// ErrMissingUserID is returned when a checkout session has no user id metadata.
	ErrMissingUserID = fmt.Errorf("%w: checkout session has no user id", ErrMissingIdentity)
	// ErrMissingSubscriptionID is returned when a checkout session has no subscription.
	ErrMissingSubscriptionID = fmt.Errorf("%w: checkout session has no subscription", ErrMissingIdentity)
	// ErrMissingCustomerID is returned when an event has no customer reference.
	ErrMissingCustomerID = fmt.Errorf("%w: event has no customer", ErrMissingIdentity)
)

// IsRetryable reports whether redelivering the event could succeed.
func IsRetryable(err error) bool {
	return err != nil && !errors.Is(err, ErrMissingIdentity) && !errors.Is(err, ErrVerification)
}
