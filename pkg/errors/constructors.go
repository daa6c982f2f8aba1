package errors

import (
	"errors"
	"fmt"
)

// New returns an error with code and message.
//
//	err := errors.New(errors.CodeAuthenticationMissingKeyID, "auth: token header has no kid")
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Newf is New with a formatted message.
func Newf(code Code, format string, args ...any) *Error {
	return New(code, fmt.Sprintf(format, args...))
}

// Wrap returns an error with code and message whose Cause is err. A nil
// err yields nil, so call sites can wrap unconditionally.
//
//	keys, err := source.FetchAll(ctx)
//	if err != nil {
//	    return errors.Wrap(err, errors.CodeAuthenticationKeySourceUnavailable, "auth: key set unavailable")
//	}
func Wrap(err error, code Code, message string) *Error {
	if err == nil {
		return nil
	}
	return &Error{Code: code, Message: message, Cause: err}
}

// Wrapf is Wrap with a formatted message.
func Wrapf(err error, code Code, format string, args ...any) *Error {
	if err == nil {
		return nil
	}
	return Wrap(err, code, fmt.Sprintf(format, args...))
}

// FromError returns the *Error in err's chain, or wraps err as INT_001
// when there is none. FromError(nil) is nil.
func FromError(err error) *Error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return Wrap(err, CodeInternal, "an unexpected error occurred")
}
