package errors

// Code is a stable, machine-readable error code of the form CATEGORY_XXX.
// Codes never change meaning once assigned.
type Code string

// Error code categories:
//
//	VAL_xxx     - Validation errors (400 Bad Request)
//	AUTH_xxx    - Authentication errors (401 Unauthorized)
//	AUTHZ_xxx   - Authorization errors (403 Forbidden)
//	RATE_xxx    - Rate limiting (429 Too Many Requests)
//	INT_xxx     - Internal errors (500 Internal Server Error)
//	UNAVAIL_xxx - Service unavailable (503 Service Unavailable)
//	TIMEOUT_xxx - Timeout errors (504 Gateway Timeout)
const (
	// CodeValidation indicates a general validation failure.
	CodeValidation Code = "VAL_001"

	// CodeValidationRequired indicates a required field is missing.
	CodeValidationRequired Code = "VAL_002"

	// CodeValidationRange indicates a value is outside acceptable range.
	CodeValidationRange Code = "VAL_004"

	// Authentication errors (AUTH_xxx) - HTTP 401.

	// CodeAuthentication is the generic authentication failure. It is the
	// only AUTH code ever shown to clients.
	CodeAuthentication Code = "AUTH_001"

	// CodeAuthenticationExpired indicates the token's exp is in the past.
	CodeAuthenticationExpired Code = "AUTH_002"

	// CodeAuthenticationMalformed indicates the token could not be parsed.
	CodeAuthenticationMalformed Code = "AUTH_003"

	// CodeAuthenticationMissingCredential indicates the Authorization header
	// is absent or does not use the Bearer scheme.
	CodeAuthenticationMissingCredential Code = "AUTH_004"

	// CodeAuthenticationMissingKeyID indicates the token header has no kid.
	CodeAuthenticationMissingKeyID Code = "AUTH_005"

	// CodeAuthenticationUnsupportedAlgorithm indicates the token's alg is not
	// the configured signing algorithm.
	CodeAuthenticationUnsupportedAlgorithm Code = "AUTH_006"

	// CodeAuthenticationUnknownKey indicates the kid is not published by the IdP.
	CodeAuthenticationUnknownKey Code = "AUTH_007"

	// CodeAuthenticationSignatureInvalid indicates the signature did not verify.
	CodeAuthenticationSignatureInvalid Code = "AUTH_008"

	// CodeAuthenticationIssuerMismatch indicates iss is not the expected issuer.
	CodeAuthenticationIssuerMismatch Code = "AUTH_009"

	// CodeAuthenticationKeySourceUnavailable indicates the key set could not
	// be fetched. The request cannot be authenticated, but the condition is
	// transient.
	CodeAuthenticationKeySourceUnavailable Code = "AUTH_010"

	// Authorization errors (AUTHZ_xxx) - HTTP 403.

	// CodeAuthorization is the generic authorization failure shown to clients.
	CodeAuthorization Code = "AUTHZ_001"

	// CodeAuthorizationInsufficientRole indicates none of the caller's roles
	// satisfies the route's requirement.
	CodeAuthorizationInsufficientRole Code = "AUTHZ_004"

	// CodeRateLimitExceeded indicates the client exhausted its request budget.
	CodeRateLimitExceeded Code = "RATE_001"

	// CodeInternal indicates a general internal error.
	CodeInternal Code = "INT_001"

	// CodeInternalConfiguration indicates a configuration or wiring error.
	CodeInternalConfiguration Code = "INT_003"

	// CodeUnavailable indicates a general service unavailable error.
	CodeUnavailable Code = "UNAVAIL_001"

	// CodeUnavailableDependency indicates a dependent service is unavailable.
	CodeUnavailableDependency Code = "UNAVAIL_002"

	// CodeTimeout indicates a general timeout error.
	CodeTimeout Code = "TIMEOUT_001"

	// CodeTimeoutDependency indicates a call to a dependent service timed out.
	CodeTimeoutDependency Code = "TIMEOUT_003"
)

// String returns the string representation of the error code.
func (c Code) String() string {
	return string(c)
}

// Category returns the category prefix of the error code (e.g., "VAL", "AUTH").
func (c Code) Category() string {
	s := string(c)
	for i, r := range s {
		if r == '_' {
			return s[:i]
		}
	}
	return s
}
