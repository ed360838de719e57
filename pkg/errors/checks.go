package errors

import (
	"errors"
)

// AsError attempts to convert an error to an *Error by traversing the
// error chain. Returns the Error and true if successful.
func AsError(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// GetCode returns the error code from an error, or "" if err is nil or
// carries no *Error.
func GetCode(err error) Code {
	if e, ok := AsError(err); ok {
		return e.Code
	}
	return ""
}

// HasCode checks if an error has the specified error code.
func HasCode(err error, code Code) bool {
	return GetCode(err) == code
}

func hasCategory(err error, category string) bool {
	e, ok := AsError(err)
	return ok && e.Code.Category() == category
}

// IsValidation checks if the error is a validation error (VAL_xxx).
func IsValidation(err error) bool { return hasCategory(err, "VAL") }

// IsAuthentication checks if the error is an authentication error (AUTH_xxx).
//
// Example:
//
//	if errors.IsAuthentication(err) {
//	    // 401 Unauthorized
//	}
func IsAuthentication(err error) bool { return hasCategory(err, "AUTH") }

// IsAuthorization checks if the error is an authorization error (AUTHZ_xxx).
func IsAuthorization(err error) bool { return hasCategory(err, "AUTHZ") }

// IsUnavailable checks if the error is a service unavailable error (UNAVAIL_xxx).
func IsUnavailable(err error) bool { return hasCategory(err, "UNAVAIL") }

// IsTimeout checks if the error is a timeout error (TIMEOUT_xxx).
func IsTimeout(err error) bool { return hasCategory(err, "TIMEOUT") }

// IsRetryable reports whether the error is worth retrying. Timeout and
// unavailable errors are retryable; authentication failures never are.
func IsRetryable(err error) bool {
	return IsTimeout(err) || IsUnavailable(err)
}
