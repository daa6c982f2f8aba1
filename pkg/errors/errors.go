// Package errors provides the structured error type used across AuthGate.
// Every failure that can reach a caller carries a machine-readable code so
// that logs, metrics, and client responses agree on what went wrong.
//
// # Error Codes
//
// Codes follow the pattern CATEGORY_XXX. The category decides the HTTP
// status (see [Error.HTTPStatus]); the numeric suffix distinguishes the
// concrete failure inside that category. For example every token
// verification failure is an AUTH_xxx code and is answered with 401, but
// AUTH_002 (expired) and AUTH_008 (bad signature) remain distinguishable in
// server-side logs.
//
// # Usage
//
//	err := errors.New(errors.CodeAuthenticationExpired, "auth: token has expired")
//
//	if errors.IsAuthentication(err) {
//	    // answer 401 with a generic message
//	}
//
//	if e, ok := errors.AsError(err); ok {
//	    logger.Warn("request rejected", "code", e.Code, "message", e.Message)
//	}
package errors
