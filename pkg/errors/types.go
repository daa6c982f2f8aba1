package errors

import (
	"fmt"
	"maps"
	"net/http"
	"slices"
)

// Error is a coded error. Values are never modified after creation; the
// With* methods return copies.
type Error struct {
	// Code is the machine-readable error code (e.g., "AUTH_001").
	Code Code

	// Message is the human-readable error message. For AUTH_xxx errors it is
	// server-side only; the gateway answers clients with a generic message.
	Message string

	// Cause is the underlying error that caused this error, if any.
	// Use Unwrap() to access the cause for error chain inspection.
	Cause error

	// Details holds structured context for logs (kid, route, limit, ...).
	Details map[string]any
}

// Error renders "CODE: message" with the cause appended when present.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the cause.
func (e *Error) Unwrap() error {
	return e.Cause
}

// HTTPStatus maps the code's category to a status code. Unknown
// categories are 500.
func (e *Error) HTTPStatus() int {
	switch e.Code.Category() {
	case "VAL":
		return http.StatusBadRequest
	case "AUTH":
		return http.StatusUnauthorized
	case "AUTHZ":
		return http.StatusForbidden
	case "RATE":
		return http.StatusTooManyRequests
	case "INT":
		return http.StatusInternalServerError
	case "UNAVAIL":
		return http.StatusServiceUnavailable
	case "TIMEOUT":
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// WithDetail returns a copy of e with key set in its Details.
func (e *Error) WithDetail(key string, value any) *Error {
	details := maps.Clone(e.Details)
	if details == nil {
		details = make(map[string]any, 1)
	}
	details[key] = value
	return &Error{Code: e.Code, Message: e.Message, Cause: e.Cause, Details: details}
}

// Detail returns the detail stored under key.
func (e *Error) Detail(key string) (any, bool) {
	v, ok := e.Details[key]
	return v, ok
}

// Format supports %s, %q, %v, and %+v. The verbose form includes details
// and the cause chain.
func (e *Error) Format(s fmt.State, verb rune) {
	switch {
	case verb == 'v' && s.Flag('+'):
		fmt.Fprintf(s, "%s{%q", e.Code, e.Message)
		for _, k := range slices.Sorted(maps.Keys(e.Details)) {
			fmt.Fprintf(s, " %s=%v", k, e.Details[k])
		}
		if e.Cause != nil {
			fmt.Fprintf(s, " cause=%+v", e.Cause)
		}
		fmt.Fprint(s, "}")
	case verb == 'q':
		fmt.Fprintf(s, "%q", e.Error())
	default:
		fmt.Fprint(s, e.Error())
	}
}
