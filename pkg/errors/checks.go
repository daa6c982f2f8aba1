package errors

import (
	"errors"
)

// AsError attempts to convert an error to an *Error.
// Returns the Error and true if successful, nil and false otherwise.
// This function traverses the error chain using errors.As.
func AsError(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

func hasCategory(err error, category string) bool {
	e, ok := AsError(err)
	return ok && e.Code.Category() == category
}

// IsAuthentication checks if the error is an authentication error (AUTH_xxx).
func IsAuthentication(err error) bool {
	return hasCategory(err, "AUTH")
}

// IsAuthorization checks if the error is an authorization error (AUTHZ_xxx).
func IsAuthorization(err error) bool {
	return hasCategory(err, "AUTHZ")
}

// IsRateLimited checks if the error is a rate limit rejection (RATE_xxx).
func IsRateLimited(err error) bool {
	return hasCategory(err, "RATE")
}

// IsRetryable reports whether retrying the same operation later may
// succeed. Timeout and unavailable errors are retryable, as is an
// authentication failure caused by the key source being unreachable.
func IsRetryable(err error) bool {
	e, ok := AsError(err)
	if !ok {
		return false
	}
	if e.Code == CodeAuthenticationKeySourceUnavailable {
		return true
	}
	switch e.Code.Category() {
	case "TIMEOUT", "UNAVAIL", "RATE":
		return true
	default:
		return false
	}
}

// IsServerError checks if the error is a server error (5xx HTTP status).
func IsServerError(err error) bool {
	e, ok := AsError(err)
	if !ok {
		return false
	}
	switch e.Code.Category() {
	case "INT", "UNAVAIL", "TIMEOUT":
		return true
	default:
		return false
	}
}
