package errors

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCode_Category(t *testing.T) {
	t.Parallel()
	tests := []struct {
		code Code
		want string
	}{
		{CodeAuthenticationExpired, "AUTH"},
		{CodeAuthorizationInsufficientRole, "AUTHZ"},
		{CodeRateLimitExceeded, "RATE"},
		{CodeTimeoutDependency, "TIMEOUT"},
		{Code("PLAIN"), "PLAIN"},
	}
	for _, tt := range tests {
		t.Run(string(tt.code), func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, tt.code.Category())
		})
	}
}

func TestError_HTTPStatus(t *testing.T) {
	t.Parallel()
	tests := []struct {
		code Code
		want int
	}{
		{CodeValidationRequired, http.StatusBadRequest},
		{CodeAuthenticationMissingCredential, http.StatusUnauthorized},
		{CodeAuthenticationKeySourceUnavailable, http.StatusUnauthorized},
		{CodeAuthorizationInsufficientRole, http.StatusForbidden},
		{CodeRateLimitExceeded, http.StatusTooManyRequests},
		{CodeInternalConfiguration, http.StatusInternalServerError},
		{CodeUnavailableDependency, http.StatusServiceUnavailable},
		{CodeTimeout, http.StatusGatewayTimeout},
		{Code("???"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(string(tt.code), func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, New(tt.code, "x").HTTPStatus())
		})
	}
}

func TestError_Error(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "AUTH_007: unknown key", New(CodeAuthenticationUnknownKey, "unknown key").Error())

	wrapped := Wrap(fmt.Errorf("dial tcp: refused"), CodeAuthenticationKeySourceUnavailable, "fetch failed")
	assert.Equal(t, "AUTH_010: fetch failed: dial tcp: refused", wrapped.Error())
}

func TestWrap_NilReturnsNil(t *testing.T) {
	t.Parallel()
	assert.Nil(t, Wrap(nil, CodeInternal, "x"))
	assert.Nil(t, Wrapf(nil, CodeInternal, "x %d", 1))
}

func TestWrap_PreservesCauseChain(t *testing.T) {
	t.Parallel()
	sentinel := errors.New("sentinel")
	err := Wrap(sentinel, CodeAuthenticationSignatureInvalid, "bad signature")

	assert.ErrorIs(t, err, sentinel)
	assert.Equal(t, sentinel, err.Unwrap())
}

func TestWithDetail_DoesNotMutateOriginal(t *testing.T) {
	t.Parallel()
	orig := New(CodeAuthenticationUnknownKey, "unknown key").WithDetail("kid", "k1")
	next := orig.WithDetail("issuer", "https://idp")

	assert.Len(t, orig.Details, 1)
	assert.Equal(t, map[string]any{"kid": "k1", "issuer": "https://idp"}, next.Details)
}

func TestFormat_Verbose(t *testing.T) {
	t.Parallel()
	err := New(CodeRateLimitExceeded, "too many").WithDetail("limit", 5).WithDetail("client", "10.0.0.1")
	assert.Equal(t, `RATE_001{"too many" client=10.0.0.1 limit=5}`, fmt.Sprintf("%+v", err))
	assert.Equal(t, `"RATE_001: too many"`, fmt.Sprintf("%q", err))
	assert.Equal(t, "RATE_001: too many", fmt.Sprintf("%v", err))

	v, ok := err.Detail("limit")
	assert.True(t, ok)
	assert.Equal(t, 5, v)
}

func TestFromError(t *testing.T) {
	t.Parallel()
	assert.Nil(t, FromError(nil))

	coded := New(CodeAuthentication, "nope")
	assert.Same(t, coded, FromError(fmt.Errorf("ctx: %w", coded)))

	plain := FromError(errors.New("boom"))
	require.NotNil(t, plain)
	assert.Equal(t, CodeInternal, plain.Code)
}

// ---------------------------------------------------------------------------
// Category checks
// ---------------------------------------------------------------------------

func TestChecks_Categories(t *testing.T) {
	t.Parallel()
	assert.True(t, IsAuthentication(New(CodeAuthenticationExpired, "expired")))
	assert.True(t, IsAuthorization(New(CodeAuthorizationInsufficientRole, "no")))
	assert.True(t, IsRateLimited(New(CodeRateLimitExceeded, "slow down")))
	assert.True(t, IsAuthorization(fmt.Errorf("gate: %w", New(CodeAuthorization, "no"))))

	assert.False(t, IsAuthentication(New(CodeAuthorization, "no")))
	assert.False(t, IsRateLimited(errors.New("plain")))
	assert.False(t, IsAuthorization(nil))
}

func TestIsRetryable(t *testing.T) {
	t.Parallel()
	assert.True(t, IsRetryable(New(CodeAuthenticationKeySourceUnavailable, "idp down")))
	assert.True(t, IsRetryable(New(CodeTimeout, "t")))
	assert.True(t, IsRetryable(New(CodeRateLimitExceeded, "r")))
	assert.False(t, IsRetryable(New(CodeAuthenticationSignatureInvalid, "sig")))
	assert.False(t, IsRetryable(errors.New("plain")))
}

func TestIsServerError(t *testing.T) {
	t.Parallel()
	assert.True(t, IsServerError(New(CodeInternal, "i")))
	assert.True(t, IsServerError(New(CodeUnavailableDependency, "down")))
	assert.False(t, IsServerError(New(CodeAuthorization, "f")))
	assert.False(t, IsServerError(errors.New("plain")))
}
