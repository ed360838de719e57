// Package testutil provides shared test helpers for authorhub packages:
// coded-error assertions, temporary files and a fake OpenID Connect
// identity provider ([IdentityProvider]).
//
// Helpers take [testing.TB] and call t.Helper(). Require* helpers stop the
// test; Assert* helpers record the failure and continue.
package testutil

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	sserr "github.com/StricklySoft/authorhub/pkg/errors"
)

// RequireErrorCode stops the test unless err is an *sserr.Error (anywhere
// in its chain) carrying code.
//
//	_, err := validator.Validate(ctx, "a.b")
//	testutil.RequireErrorCode(t, err, sserr.CodeAuthenticationMalformed)
func RequireErrorCode(t testing.TB, err error, code sserr.Code, msgAndArgs ...any) {
	t.Helper()
	require.Error(t, err, msgAndArgs...)
	ssErr, ok := sserr.AsError(err)
	require.True(t, ok, "expected *sserr.Error, got %T: %v", err, err)
	require.Equal(t, code, ssErr.Code,
		"error code mismatch: got %q, want %q (message: %s)",
		ssErr.Code, code, ssErr.Message)
}

// AssertErrorCode is the non-fatal form of [RequireErrorCode].
func AssertErrorCode(t testing.TB, err error, code sserr.Code, msgAndArgs ...any) bool {
	t.Helper()
	if !assert.Error(t, err, msgAndArgs...) {
		return false
	}
	ssErr, ok := sserr.AsError(err)
	if !assert.True(t, ok, "expected *sserr.Error, got %T: %v", err, err) {
		return false
	}
	return assert.Equal(t, code, ssErr.Code,
		"error code mismatch: got %q, want %q (message: %s)",
		ssErr.Code, code, ssErr.Message)
}

// RequireCategory stops the test unless err carries a code in category
// (e.g. "AUTH").
func RequireCategory(t testing.TB, err error, category string) {
	t.Helper()
	ssErr, ok := sserr.AsError(err)
	require.True(t, ok, "expected *sserr.Error, got %T: %v", err, err)
	require.Equal(t, category, ssErr.Code.Category(), "code %s", ssErr.Code)
}

// TempFile writes content to name inside t.TempDir() and returns the path.
func TempFile(t testing.TB, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600), "write %s", path)
	return path
}
