// Package testutil holds test helpers shared across AuthGate packages:
// coded-error assertions, temp files and environment handling here, and
// signing keys and key-set servers in tokens.go.
//
// Require* helpers stop the test; Assert* helpers record the failure and
// carry on, for table-driven tests.
package testutil

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	sserr "github.com/StricklySoft/stricklysoft-authgate/pkg/errors"
)

// RequireErrorCode stops the test unless err is an *sserr.Error with code.
//
//	_, err := validator.Validate(ctx, expiredToken)
//	testutil.RequireErrorCode(t, err, sserr.CodeAuthenticationExpired)
func RequireErrorCode(t testing.TB, err error, code sserr.Code, msgAndArgs ...any) {
	t.Helper()
	require.Error(t, err, msgAndArgs...)
	got, ok := sserr.AsError(err)
	require.True(t, ok, "want *sserr.Error, got %T: %v", err, err)
	require.Equal(t, code, got.Code, mismatch(got))
}

// AssertErrorCode is RequireErrorCode without stopping the test.
func AssertErrorCode(t testing.TB, err error, code sserr.Code, msgAndArgs ...any) bool {
	t.Helper()
	if !assert.Error(t, err, msgAndArgs...) {
		return false
	}
	got, ok := sserr.AsError(err)
	if !assert.True(t, ok, "want *sserr.Error, got %T: %v", err, err) {
		return false
	}
	return assert.Equal(t, code, got.Code, mismatch(got))
}

// RequireDetail stops the test unless err carries detail key with value
// want.
func RequireDetail(t testing.TB, err error, key string, want any) {
	t.Helper()
	got, ok := sserr.AsError(err)
	require.True(t, ok, "want *sserr.Error, got %T: %v", err, err)
	v, ok := got.Detail(key)
	require.True(t, ok, "detail %q missing from %+v", key, got)
	require.Equal(t, want, v, "detail %q", key)
}

func mismatch(e *sserr.Error) string {
	return fmt.Sprintf("unexpected code (message: %s)", e.Message)
}

// TempConfigFile writes content to a file named config<ext> in a fresh
// temp directory and returns its path.
func TempConfigFile(t testing.TB, content, ext string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config"+ext)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

// SetEnv sets key for the duration of the test. Tests using it cannot
// run in parallel.
func SetEnv(t testing.TB, key, value string) {
	t.Helper()
	t.Setenv(key, value)
}

// UnsetEnv removes key for the duration of the test. Tests using it cannot
// run in parallel.
func UnsetEnv(t testing.TB, key string) {
	t.Helper()
	t.Setenv(key, "")
	require.NoError(t, os.Unsetenv(key))
}
