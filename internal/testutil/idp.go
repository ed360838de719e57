package testutil

import (
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/stretchr/testify/require"

	"github.com/StricklySoft/authorhub/internal/testutil/fixtures"
)

// SigningKey is an RSA key the fake provider can sign with.
type SigningKey struct {
	ID      string
	Private *rsa.PrivateKey
}

// Profile is the body the fake profile endpoint returns.
type Profile struct {
	ID                string `json:"id"`
	UserPrincipalName string `json:"userPrincipalName,omitempty"`
	Mail              string `json:"mail,omitempty"`
	DisplayName       string `json:"displayName,omitempty"`
}

// IdentityProvider is an httptest OpenID Connect provider laid out like
// Azure AD: a discovery document under {instance}/{tenant}/v2.0, a JWKS
// endpoint and a Graph-style /v1.0/me profile endpoint. It counts requests
// per endpoint and can rotate keys, fail or stall the JWKS endpoint, so
// tests can observe refresh behavior.
type IdentityProvider struct {
	Server   *httptest.Server
	TenantID string

	mu        sync.Mutex
	keys      []*SigningKey
	current   *SigningKey
	profiles  map[string]Profile
	jwksFail  int
	jwksGate  chan struct{}
	issuer    string
	discovery atomic.Int64
	jwks      atomic.Int64
	profile   atomic.Int64
}

// NewIdentityProvider starts a provider for [fixtures.TenantID] with one
// published key and a profile for [fixtures.OpaqueToken]. The server is
// closed with the test.
func NewIdentityProvider(t testing.TB) *IdentityProvider {
	t.Helper()

	p := &IdentityProvider{
		TenantID: fixtures.TenantID,
		profiles: map[string]Profile{
			fixtures.OpaqueToken: {
				ID:                fixtures.ObjectID,
				UserPrincipalName: fixtures.UserPrincipalName,
				Mail:              fixtures.Email,
				DisplayName:       fixtures.DisplayName,
			},
		},
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/"+p.TenantID+"/v2.0/.well-known/openid-configuration", p.serveDiscovery)
	mux.HandleFunc("/"+p.TenantID+"/discovery/v2.0/keys", p.serveJWKS)
	mux.HandleFunc("/v1.0/me", p.serveProfile)
	p.Server = httptest.NewServer(mux)
	t.Cleanup(p.Server.Close)

	p.issuer = p.Server.URL + "/" + p.TenantID + "/v2.0"
	p.current = p.NewKey(t)
	p.keys = []*SigningKey{p.current}
	return p
}

// Instance is the provider's base URL; with TenantID it yields Issuer as
// the authority.
func (p *IdentityProvider) Instance() string { return p.Server.URL }

// Issuer is the iss value of minted tokens.
func (p *IdentityProvider) Issuer() string { return p.issuer }

// MetadataURL is the discovery document URL.
func (p *IdentityProvider) MetadataURL() string {
	return p.issuer + "/.well-known/openid-configuration"
}

// ProfileURL is the introspection endpoint.
func (p *IdentityProvider) ProfileURL() string { return p.Server.URL + "/v1.0/me" }

// NewKey generates a key without publishing it.
func (p *IdentityProvider) NewKey(t testing.TB) *SigningKey {
	t.Helper()
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err, "generate RSA key")
	return &SigningKey{ID: fmt.Sprintf("key-%d", time.Now().UnixNano()), Private: priv}
}

// CurrentKey returns the key [IdentityProvider.Sign] uses.
func (p *IdentityProvider) CurrentKey() *SigningKey {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.current
}

// Rotate publishes a new key and makes it current. The old key stays
// published, as it does at Azure AD during a rollover.
func (p *IdentityProvider) Rotate(t testing.TB) *SigningKey {
	t.Helper()
	k := p.NewKey(t)
	p.mu.Lock()
	p.keys = append(p.keys, k)
	p.current = k
	p.mu.Unlock()
	return k
}

// Retire stops publishing the key with id kid.
func (p *IdentityProvider) Retire(kid string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	kept := p.keys[:0]
	for _, k := range p.keys {
		if k.ID != kid {
			kept = append(kept, k)
		}
	}
	p.keys = kept
}

// FailJWKS makes the JWKS endpoint answer with status; 0 restores it.
func (p *IdentityProvider) FailJWKS(status int) {
	p.mu.Lock()
	p.jwksFail = status
	p.mu.Unlock()
}

// HoldJWKS stalls JWKS responses until the returned release func runs.
func (p *IdentityProvider) HoldJWKS() (release func()) {
	gate := make(chan struct{})
	p.mu.Lock()
	p.jwksGate = gate
	p.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			p.mu.Lock()
			p.jwksGate = nil
			p.mu.Unlock()
			close(gate)
		})
	}
}

// SetProfile makes the profile endpoint return profile for token.
func (p *IdentityProvider) SetProfile(token string, profile Profile) {
	p.mu.Lock()
	p.profiles[token] = profile
	p.mu.Unlock()
}

// DiscoveryFetches, JWKSFetches and ProfileFetches count requests.
func (p *IdentityProvider) DiscoveryFetches() int64 { return p.discovery.Load() }
func (p *IdentityProvider) JWKSFetches() int64      { return p.jwks.Load() }
func (p *IdentityProvider) ProfileFetches() int64   { return p.profile.Load() }

// Claims returns claims for a valid token issued now to the default test
// user, with scope "read write". overrides replace or add claims; a nil
// override value deletes the claim.
func (p *IdentityProvider) Claims(overrides jwt.MapClaims) jwt.MapClaims {
	now := time.Now()
	claims := jwt.MapClaims{
		"iss": p.issuer,
		"aud": fixtures.Audience,
		"sub": fixtures.Subject,
		"oid": fixtures.ObjectID,
		"iat": now.Unix(),
		"nbf": now.Unix(),
		"exp": now.Add(time.Hour).Unix(),
		"scp": "read write",
		"tid": p.TenantID,
	}
	for k, v := range overrides {
		if v == nil {
			delete(claims, k)
			continue
		}
		claims[k] = v
	}
	return claims
}

// Sign mints an RS256 token with the current key.
func (p *IdentityProvider) Sign(t testing.TB, claims jwt.MapClaims) string {
	t.Helper()
	return p.SignWith(t, p.CurrentKey(), claims)
}

// SignWith mints an RS256 token with key, naming it in the kid header.
func (p *IdentityProvider) SignWith(t testing.TB, key *SigningKey, claims jwt.MapClaims) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	token.Header["kid"] = key.ID
	signed, err := token.SignedString(key.Private)
	require.NoError(t, err, "sign token")
	return signed
}

func (p *IdentityProvider) serveDiscovery(w http.ResponseWriter, _ *http.Request) {
	p.discovery.Add(1)
	writeJSON(w, http.StatusOK, map[string]any{
		"issuer":                 p.issuer,
		"jwks_uri":               p.Server.URL + "/" + p.TenantID + "/discovery/v2.0/keys",
		"authorization_endpoint": p.issuer + "/oauth2/v2.0/authorize",
		"token_endpoint":         p.issuer + "/oauth2/v2.0/token",
	})
}

func (p *IdentityProvider) serveJWKS(w http.ResponseWriter, r *http.Request) {
	p.jwks.Add(1)

	p.mu.Lock()
	gate, fail := p.jwksGate, p.jwksFail
	keys := append([]*SigningKey(nil), p.keys...)
	p.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-r.Context().Done():
			return
		}
	}
	if fail != 0 {
		writeJSON(w, fail, map[string]string{"error": "unavailable"})
		return
	}

	set := jwk.NewSet()
	for _, k := range keys {
		pub, err := jwk.FromRaw(&k.Private.PublicKey)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		_ = pub.Set(jwk.KeyIDKey, k.ID)
		_ = pub.Set(jwk.KeyUsageKey, "sig")
		_ = pub.Set(jwk.AlgorithmKey, jwa.RS256)
		_ = set.AddKey(pub)
	}
	writeJSON(w, http.StatusOK, set)
}

func (p *IdentityProvider) serveProfile(w http.ResponseWriter, r *http.Request) {
	p.profile.Add(1)

	token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	p.mu.Lock()
	profile, known := p.profiles[token]
	p.mu.Unlock()

	if !ok || !known {
		writeJSON(w, http.StatusUnauthorized, map[string]any{
			"error": map[string]string{"code": "InvalidAuthenticationToken"},
		})
		return
	}
	writeJSON(w, http.StatusOK, profile)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
