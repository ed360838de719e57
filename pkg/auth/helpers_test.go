package auth

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/StricklySoft/authorhub/internal/testutil"
	"github.com/StricklySoft/authorhub/internal/testutil/fixtures"
)

// ---------------------------------------------------------------------------
// Shared test helpers
// ---------------------------------------------------------------------------

// discardLogger drops all output.
func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// withClock replaces the package clock.
func withClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// fakeClock is a manually advanced clock safe for concurrent use.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// idpConfig returns a Config pointing at the fake identity provider.
func idpConfig(idp *testutil.IdentityProvider) Config {
	return Config{
		Instance:         idp.Instance(),
		TenantID:         idp.TenantID,
		Audience:         fixtures.Audience,
		IntrospectionURL: idp.ProfileURL(),
		FetchTimeout:     5 * time.Second,

		IntrospectionCacheTTL: 5 * time.Minute,
	}
}

// newIDPValidator builds a JWTValidator backed by a MetadataCache on idp.
func newIDPValidator(t *testing.T, idp *testutil.IdentityProvider, opts ...Option) *JWTValidator {
	t.Helper()
	v, err := NewJWTValidator(idpConfig(idp), nil, append([]Option{WithLogger(discardLogger())}, opts...)...)
	require.NoError(t, err, "NewJWTValidator")
	return v
}

// stubKeySource serves key sets in order: the first until ForceRefresh,
// then the next, and so on.
type stubKeySource struct {
	mu        sync.Mutex
	sets      []*SigningKeySet
	idx       int
	err       error
	gets      atomic.Int32
	refreshes atomic.Int32
}

func (s *stubKeySource) GetCurrent(context.Context) (*SigningKeySet, error) {
	s.gets.Add(1)
	if s.err != nil {
		return nil, s.err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sets[s.idx], nil
}

func (s *stubKeySource) ForceRefresh(context.Context) (*SigningKeySet, error) {
	s.refreshes.Add(1)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.idx < len(s.sets)-1 {
		s.idx++
	}
	return s.sets[s.idx], nil
}

// stubValidator and stubIntrospector record calls and return fixed results.
type stubValidator struct {
	identity *Identity
	err      error
	panicVal any
	calls    atomic.Int32
}

func (s *stubValidator) Validate(context.Context, string) (*Identity, error) {
	s.calls.Add(1)
	if s.panicVal != nil {
		panic(s.panicVal)
	}
	return s.identity, s.err
}

type stubIntrospector struct {
	identity *Identity
	err      error
	calls    atomic.Int32
}

func (s *stubIntrospector) Introspect(context.Context, string) (*Identity, error) {
	s.calls.Add(1)
	return s.identity, s.err
}

// httpClientFunc adapts a function to HTTPClient.
type httpClientFunc func(*http.Request) (*http.Response, error)

func (f httpClientFunc) Do(r *http.Request) (*http.Response, error) { return f(r) }

// testIdentity returns a JWT identity with the given scope and roles.
func testIdentity(scope string, roles ...string) *Identity {
	c := Claims{}
	c.Add(ClaimSubject, fixtures.Subject)
	c.Add(ClaimScope, scope)
	c.Add(ClaimRoles, roles...)
	return NewIdentity(SourceJWT, c)
}
