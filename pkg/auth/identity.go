// Package auth authenticates bearer tokens and authorizes the resulting
// identities for authorhub's HTTP and gRPC APIs.
//
// A [Gateway] reads the Authorization header and dispatches by token shape:
//   - three-segment JWS tokens go to a [JWTValidator], which verifies them
//     against signing keys cached by a [MetadataCache] from the OpenID
//     discovery document, refreshing once when a key is unknown
//   - opaque tokens go to an [Introspector], which resolves them through
//     the identity provider's profile endpoint and may cache the result in
//     an [IdentityCache]
//
// Authentication failures become 401 responses with a fixed reason; any
// other failure becomes a 500 carrying an incident id that is logged with
// the cause. A [PolicyEngine] then evaluates named scope and role policies
// against the [Identity] stored in the request context.
//
// Middleware for net/http routers is provided by [HTTPMiddleware] and
// [RequirePolicy]; gRPC servers use [UnaryServerInterceptor],
// [StreamServerInterceptor] and the policy interceptors.
package auth

import (
	"encoding/json"
	"fmt"
	"slices"
	"strconv"
	"strings"
)

// Claim types read or produced by this package. The long URI forms are the
// names some Microsoft identity libraries use for the same claims.
const (
	ClaimSubject           = "sub"
	ClaimObjectID          = "oid"
	ClaimObjectIDURI       = "http://schemas.microsoft.com/identity/claims/objectidentifier"
	ClaimScope             = "scp"
	ClaimScopeURI          = "http://schemas.microsoft.com/identity/claims/scope"
	ClaimRoles             = "roles"
	ClaimRoleURI           = "http://schemas.microsoft.com/ws/2008/06/identity/claims/role"
	ClaimUPN               = "upn"
	ClaimPreferredUsername = "preferred_username"
	ClaimEmail             = "email"
	ClaimName              = "name"
	ClaimIssuer            = "iss"
	ClaimAudience          = "aud"

	// ClaimAccessToken carries the raw bearer token on identities resolved
	// by introspection so handlers can call the identity provider on the
	// caller's behalf. It is never cached or logged.
	ClaimAccessToken = "access_token"
)

// Claims maps a claim type to its values in the order the issuer listed
// them. Multi-valued claims such as roles keep every value.
type Claims map[string][]string

// First returns the first value of the claim type, or "".
func (c Claims) First(claimType string) string {
	if v := c[claimType]; len(v) > 0 {
		return v[0]
	}
	return ""
}

// Values returns a copy of all values of the claim type.
func (c Claims) Values(claimType string) []string {
	return slices.Clone(c[claimType])
}

// Has reports whether value is one of the values of claimType. The
// comparison is exact.
func (c Claims) Has(claimType, value string) bool {
	return slices.Contains(c[claimType], value)
}

// Add appends values to claimType, skipping empty strings.
func (c Claims) Add(claimType string, values ...string) {
	for _, v := range values {
		if v != "" {
			c[claimType] = append(c[claimType], v)
		}
	}
}

// Clone returns a deep copy.
func (c Claims) Clone() Claims {
	out := make(Claims, len(c))
	for k, v := range c {
		out[k] = slices.Clone(v)
	}
	return out
}

// Without returns a deep copy with the given claim types removed.
func (c Claims) Without(claimTypes ...string) Claims {
	out := c.Clone()
	for _, t := range claimTypes {
		delete(out, t)
	}
	return out
}

// IdentitySource records how an identity was established.
type IdentitySource string

const (
	// SourceJWT marks identities built from a verified JWS.
	SourceJWT IdentitySource = "jwt"

	// SourceIntrospection marks identities returned by the identity
	// provider's profile endpoint for an opaque token.
	SourceIntrospection IdentitySource = "introspection"
)

// String returns the string representation of the source.
func (s IdentitySource) String() string {
	return string(s)
}

// Valid reports whether s is a known source.
func (s IdentitySource) Valid() bool {
	switch s {
	case SourceJWT, SourceIntrospection:
		return true
	default:
		return false
	}
}

// Identity is an authenticated caller. It is immutable once built; Claims
// returns a copy so handlers cannot alter what later middleware sees.
type Identity struct {
	subject string
	source  IdentitySource
	claims  Claims
}

// NewIdentity builds an Identity from claims. The subject is the "sub"
// claim, falling back to the object id claims. The claims are copied.
func NewIdentity(source IdentitySource, claims Claims) *Identity {
	c := claims.Clone()
	subject := c.First(ClaimSubject)
	if subject == "" {
		subject = c.First(ClaimObjectID)
	}
	if subject == "" {
		subject = c.First(ClaimObjectIDURI)
	}
	return &Identity{subject: subject, source: source, claims: c}
}

// Subject returns the canonical subject identifier.
func (i *Identity) Subject() string { return i.subject }

// Source returns how the identity was established.
func (i *Identity) Source() IdentitySource { return i.source }

// Claims returns a copy of the identity's claims.
func (i *Identity) Claims() Claims { return i.claims.Clone() }

// Claim returns the first value of claimType.
func (i *Identity) Claim(claimType string) string { return i.claims.First(claimType) }

// ClaimValues returns a copy of every value of claimType.
func (i *Identity) ClaimValues(claimType string) []string { return i.claims.Values(claimType) }

// HasClaim reports whether claimType holds value exactly.
func (i *Identity) HasClaim(claimType, value string) bool { return i.claims.Has(claimType, value) }

// String renders the identity without claim values.
func (i *Identity) String() string {
	return fmt.Sprintf("Identity{subject=%q source=%s claims=%d}", i.subject, i.source, len(i.claims))
}

// claimsFromMap flattens decoded JWT claims into Claims. Arrays become
// multiple values; numbers and booleans are formatted; nested objects are
// kept as their JSON text.
func claimsFromMap(m map[string]any) Claims {
	out := make(Claims, len(m))
	for k, v := range m {
		switch tv := v.(type) {
		case []any:
			for _, item := range tv {
				out.Add(k, claimString(item))
			}
		case []string:
			out.Add(k, tv...)
		default:
			out.Add(k, claimString(tv))
		}
	}
	return out
}

func claimString(v any) string {
	switch tv := v.(type) {
	case nil:
		return ""
	case string:
		return tv
	case bool:
		return strconv.FormatBool(tv)
	case float64:
		return strconv.FormatFloat(tv, 'f', -1, 64)
	case json.Number:
		return tv.String()
	default:
		b, err := json.Marshal(tv)
		if err != nil {
			return fmt.Sprint(tv)
		}
		return strings.TrimSpace(string(b))
	}
}
