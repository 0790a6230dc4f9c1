package broker

import (
	"errors"
	"fmt"

	"alertbridge/internal/model"
)

// AuthenticationError means the static credentials themselves are bad.
// Non-retryable; surfaced to the user.
type AuthenticationError struct {
	Kind   model.BrokerKind
	Reason string
}

func (e *AuthenticationError) Error() string {
	return fmt.Sprintf("%s: authentication failed: %s", e.Kind, e.Reason)
}

// TokenExpiredError means the credentials are fine but the session is stale.
// Triggers the token lifecycle reauthentication path; not a user-facing
// failure by itself.
type TokenExpiredError struct {
	Kind   model.BrokerKind
	Reason string
}

func (e *TokenExpiredError) Error() string {
	return fmt.Sprintf("%s: session expired: %s", e.Kind, e.Reason)
}

// ValidationError means the intent is missing a field this broker requires.
// Raised before any network call.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation: %s: %s", e.Field, e.Reason)
}

// UnsupportedSymbolError means the symbol resolver has no mapping for the
// (symbol, exchange) on this broker.
type UnsupportedSymbolError struct {
	Symbol   string
	Exchange string
	Kind     model.BrokerKind
}

func (e *UnsupportedSymbolError) Error() string {
	return fmt.Sprintf("%s: no instrument mapping for %s:%s", e.Kind, e.Exchange, e.Symbol)
}

// TransientError wraps a network, timeout, or rate-limit failure. Retryable
// with backoff.
type TransientError struct {
	Cause error
}

func (e *TransientError) Error() string { return fmt.Sprintf("transient: %v", e.Cause) }
func (e *TransientError) Unwrap() error { return e.Cause }

// BrokerRejectedOrderError means the broker declined the order. Terminal for
// that order; the broker's raw message is preserved for audit.
type BrokerRejectedOrderError struct {
	Kind       model.BrokerKind
	RawMessage string
}

func (e *BrokerRejectedOrderError) Error() string {
	return fmt.Sprintf("%s: order rejected: %s", e.Kind, e.RawMessage)
}

// IsTransient reports whether err is retryable with backoff.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// IsTokenExpired reports whether err indicates a stale session.
func IsTokenExpired(err error) bool {
	var te *TokenExpiredError
	return errors.As(err, &te)
}

// IsAuthFailure reports whether err indicates bad static credentials.
func IsAuthFailure(err error) bool {
	var ae *AuthenticationError
	return errors.As(err, &ae)
}

// IsRejection reports whether err is a terminal broker-side order rejection.
func IsRejection(err error) bool {
	var re *BrokerRejectedOrderError
	return errors.As(err, &re)
}
