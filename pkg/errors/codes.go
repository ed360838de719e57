package errors

// Code represents a machine-readable error code. Codes follow the pattern
// CATEGORY_XXX where CATEGORY is a short identifier (VAL, AUTH, AUTHZ, INT,
// UNAVAIL, TIMEOUT) and XXX is a three-digit number. Codes are stable once
// assigned.
type Code string

// Error code categories and their HTTP statuses:
//
//	VAL_xxx     - Validation errors (400 Bad Request)
//	AUTH_xxx    - Authentication errors (401 Unauthorized)
//	AUTHZ_xxx   - Authorization errors (403 Forbidden)
//	INT_xxx     - Internal errors (500 Internal Server Error)
//	UNAVAIL_xxx - Service unavailable (503 Service Unavailable)
//	TIMEOUT_xxx - Timeout errors (504 Gateway Timeout)
const (
	// CodeValidation indicates a general validation failure.
	CodeValidation Code = "VAL_001"

	// CodeValidationRequired indicates a required field is missing.
	CodeValidationRequired Code = "VAL_002"

	// CodeValidationFormat indicates a field has an invalid format.
	CodeValidationFormat Code = "VAL_003"

	// CodeAuthentication indicates a general authentication failure,
	// such as a missing or unusable Authorization header.
	CodeAuthentication Code = "AUTH_001"

	// CodeAuthenticationExpired indicates the token's lifetime has ended
	// (or has not yet begun) beyond the allowed clock skew.
	CodeAuthenticationExpired Code = "AUTH_002"

	// CodeAuthenticationInvalid indicates the token failed cryptographic
	// or claims validation (bad signature, wrong issuer or audience).
	CodeAuthenticationInvalid Code = "AUTH_003"

	// CodeAuthenticationMalformed indicates the token has the wrong number
	// of segments or an empty segment. Malformed tokens are never handed to
	// the signature verifier.
	CodeAuthenticationMalformed Code = "AUTH_004"

	// CodeAuthenticationKeyNotFound indicates the token was signed with a
	// key that is not present in the cached signing key set, even after a
	// forced metadata refresh.
	CodeAuthenticationKeyNotFound Code = "AUTH_005"

	// CodeAuthenticationIntrospection indicates the identity provider
	// rejected an opaque token, or the introspection call failed.
	CodeAuthenticationIntrospection Code = "AUTH_006"

	// CodeAuthenticationConfiguration indicates the validator is missing
	// issuer or audience settings. It is reported to callers as an ordinary
	// authentication failure so configuration state is not disclosed.
	CodeAuthenticationConfiguration Code = "AUTH_007"

	// CodeAuthorization indicates a general authorization failure.
	CodeAuthorization Code = "AUTHZ_001"

	// CodeAuthorizationDenied indicates a role requirement was not met.
	CodeAuthorizationDenied Code = "AUTHZ_002"

	// CodeAuthorizationInsufficientScope indicates the token lacks a
	// required scope.
	CodeAuthorizationInsufficientScope Code = "AUTHZ_003"

	// CodeInternal indicates a general internal error.
	CodeInternal Code = "INT_001"

	// CodeInternalDatabase indicates a cache or database operation failed.
	CodeInternalDatabase Code = "INT_002"

	// CodeInternalConfiguration indicates configuration that prevents a
	// component from being constructed.
	CodeInternalConfiguration Code = "INT_003"

	// CodeUnavailable indicates a general service unavailable error.
	CodeUnavailable Code = "UNAVAIL_001"

	// CodeUnavailableDependency indicates an identity provider endpoint
	// or cache could not be reached.
	CodeUnavailableDependency Code = "UNAVAIL_002"

	// CodeTimeout indicates a general timeout error.
	CodeTimeout Code = "TIMEOUT_001"

	// CodeTimeoutDatabase indicates a cache or database operation timed out.
	CodeTimeoutDatabase Code = "TIMEOUT_002"

	// CodeTimeoutDependency indicates a call to an identity provider timed out.
	CodeTimeoutDependency Code = "TIMEOUT_003"
)

// String returns the string representation of the error code.
func (c Code) String() string {
	return string(c)
}

// Category returns the category prefix of the error code (e.g., "AUTH").
func (c Code) Category() string {
	s := string(c)
	for i, r := range s {
		if r == '_' {
			return s[:i]
		}
	}
	return s
}
