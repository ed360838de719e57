// Package errors provides the coded error type shared by the authorhub
// packages. Every failure that crosses a package boundary is an [*Error]
// carrying a machine-readable [Code]; the code's category decides the HTTP
// status a transport layer reports, and the code itself is the tag that the
// authentication gateway switches on when it translates failures into
// responses.
//
// # Error Categories
//
//   - Validation errors: invalid configuration values or input
//   - Authentication errors: missing, malformed, expired or unverifiable
//     credentials, introspection failures, and authentication
//     misconfiguration (reported to callers as 401)
//   - Authorization errors: a policy denied an authenticated identity
//   - Internal errors: unexpected failures and configuration that prevents
//     startup
//   - Unavailable errors: an identity provider or cache could not be reached
//   - Timeout errors: an outbound call exceeded its deadline
//
// # Usage
//
//	err := errors.New(errors.CodeAuthenticationMalformed, "auth: token is not a JWS")
//
//	if errors.IsAuthentication(err) {
//	    // 401
//	}
//
//	if e, ok := errors.AsError(err); ok {
//	    logger.Warn("token rejected", "code", e.Code, "message", e.Message)
//	}
package errors
