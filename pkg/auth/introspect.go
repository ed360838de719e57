package auth

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"

	sserr "github.com/StricklySoft/authorhub/pkg/errors"
)

// TokenIntrospector resolves opaque bearer tokens.
type TokenIntrospector interface {
	Introspect(ctx context.Context, token string) (*Identity, error)
}

// maxProfileBytes caps the profile response body (64 KiB).
const maxProfileBytes = 64 << 10

// profile holds the fields read from the "current user" endpoint.
type profile struct {
	ID                string `json:"id"`
	UserPrincipalName string `json:"userPrincipalName"`
	Mail              string `json:"mail"`
	DisplayName       string `json:"displayName"`
}

// claims maps the profile onto the claim types a JWT for the same user
// would carry.
func (p profile) claims() Claims {
	c := Claims{}
	c.Add(ClaimSubject, p.ID)
	c.Add(ClaimObjectID, p.ID)
	c.Add(ClaimUPN, p.UserPrincipalName)
	c.Add(ClaimPreferredUsername, p.UserPrincipalName)
	c.Add(ClaimEmail, p.Mail)
	c.Add(ClaimName, p.DisplayName)
	return c
}

// Introspector resolves an opaque token by calling the identity provider's
// profile endpoint with it. A rejected token, an unreachable endpoint and
// an unreadable response all produce [sserr.CodeAuthenticationIntrospection];
// none of them is an internal error.
//
// Concurrent calls for the same token share one request. With an
// [IdentityCache] configured, successful lookups are reused for
// IntrospectionCacheTTL; entries are keyed by the token's SHA-256 and never
// hold the token itself.
type Introspector struct {
	url      string
	client   HTTPClient
	cache    IdentityCache
	cacheTTL time.Duration
	timeout  time.Duration
	logger   *slog.Logger
	metrics  *Metrics
	tracer   trace.Tracer
	group    singleflight.Group
}

var _ TokenIntrospector = (*Introspector)(nil)

// NewIntrospector returns an introspector for cfg.IntrospectionURL.
func NewIntrospector(cfg Config, opts ...Option) (*Introspector, error) {
	cfg = cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	o := buildOptions(cfg, opts)
	return &Introspector{
		url:      cfg.IntrospectionURL,
		client:   o.httpClient,
		cache:    o.cache,
		cacheTTL: cfg.IntrospectionCacheTTL,
		timeout:  cfg.FetchTimeout,
		logger:   o.logger,
		metrics:  o.metrics,
		tracer:   o.tracer,
	}, nil
}

// Introspect implements [TokenIntrospector]. The returned identity always
// carries the token as [ClaimAccessToken].
func (i *Introspector) Introspect(ctx context.Context, token string) (*Identity, error) {
	ctx, span := startSpan(ctx, i.tracer, "auth.Introspector.Introspect")
	defer span.End()

	key := tokenHash(token)

	if claims, ok := i.cached(ctx, key); ok {
		span.SetAttributes(attribute.Bool("auth.cache_hit", true))
		i.metrics.observeIntrospection("cache_hit")
		return withAccessToken(claims, token), nil
	}
	span.SetAttributes(attribute.Bool("auth.cache_hit", false))

	// The shared lookup outlives any single caller's cancellation but
	// keeps its values for tracing.
	shared := context.WithoutCancel(ctx)
	ch := i.group.DoChan(key, func() (any, error) {
		return i.lookup(shared, key, token)
	})

	var claims Claims
	select {
	case <-ctx.Done():
		err := sserr.Wrap(ctx.Err(), sserr.CodeAuthenticationIntrospection, "auth: introspection abandoned")
		finishSpan(span, err)
		return nil, err
	case res := <-ch:
		if res.Err != nil {
			finishSpan(span, res.Err)
			return nil, res.Err
		}
		claims = res.Val.(Claims)
	}

	return withAccessToken(claims, token), nil
}

func withAccessToken(claims Claims, token string) *Identity {
	c := claims.Clone()
	c[ClaimAccessToken] = []string{token}
	return NewIdentity(SourceIntrospection, c)
}

func (i *Introspector) cached(ctx context.Context, key string) (Claims, bool) {
	if i.cache == nil || i.cacheTTL <= 0 {
		return nil, false
	}
	claims, ok, err := i.cache.Get(ctx, key)
	if err != nil {
		i.logger.WarnContext(ctx, "auth: introspection cache read failed", "error", err)
		return nil, false
	}
	return claims, ok
}

// lookup calls the profile endpoint once and caches a success.
func (i *Introspector) lookup(ctx context.Context, key, token string) (Claims, error) {
	ctx, cancel := context.WithTimeout(ctx, i.timeout)
	defer cancel()

	p, status, err := i.fetchProfile(ctx, token)
	if err != nil {
		i.metrics.observeIntrospection("error")
		i.logger.WarnContext(ctx, "auth: introspection request failed",
			"status", status,
			"token_preview", TokenPreview(token),
			"error", err,
		)
		return nil, sserr.Wrap(err, sserr.CodeAuthenticationIntrospection, "auth: introspection failed").
			WithDetail("status", status)
	}
	if status < 200 || status > 299 {
		i.metrics.observeIntrospection("rejected")
		i.logger.WarnContext(ctx, "auth: identity provider rejected opaque token",
			"status", status,
			"token_preview", TokenPreview(token),
		)
		return nil, sserr.Newf(sserr.CodeAuthenticationIntrospection,
			"auth: profile endpoint returned status %d", status).WithDetail("status", status)
	}
	if p.ID == "" {
		i.metrics.observeIntrospection("error")
		i.logger.WarnContext(ctx, "auth: profile response has no id", "token_preview", TokenPreview(token))
		return nil, sserr.New(sserr.CodeAuthenticationIntrospection, "auth: profile response has no id")
	}

	claims := p.claims()
	i.metrics.observeIntrospection("success")

	if i.cache != nil && i.cacheTTL > 0 {
		if err := i.cache.Set(ctx, key, claims, i.cacheTTL); err != nil {
			i.logger.WarnContext(ctx, "auth: introspection cache write failed", "error", err)
		}
	}
	return claims, nil
}

// fetchProfile returns the decoded profile and the HTTP status. A non-2xx
// status is not an error; the body is not decoded then.
func (i *Introspector) fetchProfile(ctx context.Context, token string) (profile, int, error) {
	var p profile

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, i.url, nil)
	if err != nil {
		return p, 0, err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")

	resp, err := i.client.Do(req)
	if err != nil {
		return p, 0, err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxProfileBytes))
		return p, resp.StatusCode, nil
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxProfileBytes))
	if err != nil {
		return p, resp.StatusCode, err
	}
	if err := json.Unmarshal(body, &p); err != nil {
		return p, resp.StatusCode, err
	}
	return p, resp.StatusCode, nil
}
