package auth

import (
	"encoding/json"
	"net/http"

	sserr "github.com/StricklySoft/authorhub/pkg/errors"
)

// errorBody is the JSON body of every authentication and authorization
// failure.
type errorBody struct {
	Error string `json:"error"`
}

// HTTPMiddleware authenticates each request with g. On success the
// [Identity] is stored in the request context; otherwise the request is
// answered with the failure's status and {"error": reason}.
//
//	r := chi.NewRouter()
//	r.Use(auth.HTTPMiddleware(gateway))
//	r.With(auth.RequirePolicy(engine, auth.PolicyReadScope)).Get("/api/books", listBooks)
func HTTPMiddleware(g *Gateway) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			identity, failure := g.AuthenticateRequest(r)
			if failure != nil {
				if failure.Status == http.StatusUnauthorized {
					w.Header().Set("WWW-Authenticate", `Bearer`)
				}
				WriteError(w, failure.Status, failure.Reason)
				return
			}
			next.ServeHTTP(w, r.WithContext(ContextWithIdentity(r.Context(), identity)))
		})
	}
}

// RequirePolicy returns middleware that admits only identities satisfying
// the named policy. It must run after [HTTPMiddleware]; a request without
// an identity gets 401, a denied one 403. Only [WithLogger] applies.
func RequirePolicy(engine *PolicyEngine, name string, opts ...Option) func(http.Handler) http.Handler {
	logger := buildOptions(Config{}, opts).logger
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			identity, ok := IdentityFromContext(r.Context())
			if !ok {
				WriteError(w, http.StatusUnauthorized, ReasonInvalidToken)
				return
			}
			if err := engine.Authorize(identity, name); err != nil {
				logger.InfoContext(r.Context(), "auth: request forbidden",
					"policy", name,
					"subject", identity.Subject(),
					"error", err,
				)
				status, reason := denial(err)
				WriteError(w, status, reason)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// denial maps an Authorize error to a status and reason.
func denial(err error) (int, string) {
	if sserr.IsAuthorization(err) {
		return http.StatusForbidden, ReasonForbidden
	}
	return http.StatusInternalServerError, ReasonAuthenticationError
}

// WriteError writes {"error": reason} with status.
func WriteError(w http.ResponseWriter, status int, reason string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(errorBody{Error: reason})
}
