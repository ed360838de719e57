package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"

	"github.com/golang-jwt/jwt/v5"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	sserr "github.com/StricklySoft/authorhub/pkg/errors"
)

// errSigningKeyNotFound is returned by the key lookup when the token's kid
// is absent from the current key set. It is the only failure that leads to
// a forced metadata refresh.
var errSigningKeyNotFound = errors.New("auth: signing key not found")

// TokenValidator verifies JWS bearer tokens.
type TokenValidator interface {
	Validate(ctx context.Context, token string) (*Identity, error)
}

// JWTValidator verifies JWS access tokens against the signing keys of a
// [KeySource]: signature, issuer, audience and lifetime.
//
// When a token names a key the current set does not contain, typically
// right after the provider rotates keys, the validator forces one metadata
// refresh and retries once against the new set. It never retries more than
// once per call.
//
// JWTValidator is safe for concurrent use.
type JWTValidator struct {
	cfg     Config
	keys    KeySource
	logger  *slog.Logger
	metrics *Metrics
	tracer  trace.Tracer
}

var _ TokenValidator = (*JWTValidator)(nil)

// NewJWTValidator returns a validator reading keys from keys. If keys is
// nil a [MetadataCache] is built from cfg with the same options, which
// fails when cfg names neither a tenant nor a metadata URL.
func NewJWTValidator(cfg Config, keys KeySource, opts ...Option) (*JWTValidator, error) {
	cfg = cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	if keys == nil {
		cache, err := NewMetadataCache(cfg, opts...)
		if err != nil {
			return nil, err
		}
		keys = cache
	}

	o := buildOptions(cfg, opts)
	return &JWTValidator{
		cfg:     cfg,
		keys:    keys,
		logger:  o.logger,
		metrics: o.metrics,
		tracer:  o.tracer,
	}, nil
}

// Validate implements [TokenValidator]. Expected failures are returned as
// *sserr.Error values in the AUTH category:
//
//   - [sserr.CodeAuthenticationConfiguration] when audience or issuer
//     settings are missing (also logged at error level)
//   - [sserr.CodeAuthenticationMalformed] for anything that is not a JWS;
//     such tokens never reach signature verification
//   - [sserr.CodeAuthenticationKeyNotFound] when the key is unknown even
//     after a refresh
//   - [sserr.CodeAuthenticationExpired] and [sserr.CodeAuthenticationInvalid]
//     for lifetime, signature, issuer and audience failures
//
// A key set that cannot be loaded at all is returned with its UNAVAIL or
// TIMEOUT code.
func (v *JWTValidator) Validate(ctx context.Context, token string) (*Identity, error) {
	ctx, span := startSpan(ctx, v.tracer, "auth.JWTValidator.Validate")
	defer span.End()

	identity, err := v.validate(ctx, span, token)
	finishSpan(span, err)
	v.metrics.observeValidation(TokenJWS, err)
	if err != nil {
		return nil, err
	}

	span.SetAttributes(attribute.String("auth.subject", identity.Subject()))
	return identity, nil
}

func (v *JWTValidator) validate(ctx context.Context, span trace.Span, token string) (*Identity, error) {
	if err := v.preflight(); err != nil {
		v.logger.ErrorContext(ctx, "auth: JWT validation is misconfigured", "error", err)
		return nil, err
	}

	if shape := Classify(token); shape != TokenJWS {
		err := sserr.New(sserr.CodeAuthenticationMalformed, "auth: token is not a three-segment JWS").
			WithDetail("segments", SegmentLengths(token))
		v.logRejected(ctx, token, err)
		return nil, err
	}

	keys, err := v.keys.GetCurrent(ctx)
	if err != nil {
		return nil, err
	}

	claims, err := v.verify(token, keys)
	if errors.Is(err, errSigningKeyNotFound) {
		span.AddEvent("auth.signing_key_not_found", trace.WithAttributes(
			attribute.Int("auth.keys", keys.Len()),
		))
		keys, err = v.keys.ForceRefresh(ctx)
		if err != nil {
			return nil, err
		}
		claims, err = v.verify(token, keys)
		span.SetAttributes(attribute.Bool("auth.retried", true))
	}
	if err != nil {
		classified := classifyError(err)
		v.logRejected(ctx, token, classified)
		return nil, classified
	}

	return NewIdentity(SourceJWT, claimsFromMap(claims)), nil
}

// preflight reports missing audience or issuer settings.
func (v *JWTValidator) preflight() error {
	if v.cfg.Audience == "" {
		return sserr.New(sserr.CodeAuthenticationConfiguration,
			"auth: no audience is configured")
	}
	if v.cfg.TenantID == "" && v.cfg.MetadataURL == "" && len(v.cfg.ValidIssuers) == 0 {
		return sserr.New(sserr.CodeAuthenticationConfiguration,
			"auth: no tenant, metadata URL or valid issuers are configured")
	}
	return nil
}

// validIssuers returns the iss values accepted with keys: the configured
// list, else the tenant authority, else the issuer the metadata names.
// It is recomputed for every attempt so a refreshed key set is honored.
func (v *JWTValidator) validIssuers(keys *SigningKeySet) []string {
	if len(v.cfg.ValidIssuers) > 0 {
		return v.cfg.ValidIssuers
	}
	if authority := v.cfg.Authority(); authority != "" {
		return []string{authority}
	}
	if keys != nil && keys.Issuer != "" {
		return []string{keys.Issuer}
	}
	return nil
}

// verify performs one validation attempt against keys.
func (v *JWTValidator) verify(token string, keys *SigningKeySet) (jwt.MapClaims, error) {
	parser := jwt.NewParser(
		jwt.WithValidMethods(v.cfg.AllowedAlgorithms),
		jwt.WithAudience(v.cfg.Audience),
		jwt.WithLeeway(v.cfg.ClockSkew),
		jwt.WithExpirationRequired(),
	)

	claims := jwt.MapClaims{}
	_, err := parser.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		kid, _ := t.Header["kid"].(string)
		if kid == "" {
			if keys.Len() == 0 {
				return nil, errSigningKeyNotFound
			}
			return keys.verificationKeys(), nil
		}
		key, ok := keys.Key(kid)
		if !ok {
			return nil, fmt.Errorf("%w: kid %q", errSigningKeyNotFound, kid)
		}
		return key, nil
	})
	if err != nil {
		return nil, err
	}

	issuer, err := claims.GetIssuer()
	if err != nil {
		return nil, err
	}
	if !slices.Contains(v.validIssuers(keys), issuer) {
		return nil, fmt.Errorf("%w: %q is not an accepted issuer", jwt.ErrTokenInvalidIssuer, issuer)
	}
	return claims, nil
}

// logRejected logs a token failure with shape diagnostics only.
func (v *JWTValidator) logRejected(ctx context.Context, token string, err *sserr.Error) {
	v.logger.WarnContext(ctx, "auth: JWT rejected",
		"code", err.Code,
		"reason", err.Message,
		"segments", SegmentLengths(token),
		"token_preview", TokenPreview(token),
	)
}

// classifyError maps an error from the JWT library or key lookup to a
// coded error. Coded errors are returned unchanged.
func classifyError(err error) *sserr.Error {
	if err == nil {
		return nil
	}

	var coded *sserr.Error
	if errors.As(err, &coded) {
		return coded
	}

	switch {
	case errors.Is(err, errSigningKeyNotFound):
		return sserr.Wrap(err, sserr.CodeAuthenticationKeyNotFound, "auth: token signing key is not published by the issuer")
	case errors.Is(err, jwt.ErrTokenExpired):
		return sserr.Wrap(err, sserr.CodeAuthenticationExpired, "auth: token has expired")
	case errors.Is(err, jwt.ErrTokenNotValidYet):
		return sserr.Wrap(err, sserr.CodeAuthenticationExpired, "auth: token is not yet valid")
	case errors.Is(err, jwt.ErrTokenMalformed):
		return sserr.Wrap(err, sserr.CodeAuthenticationMalformed, "auth: token is malformed")
	case errors.Is(err, jwt.ErrTokenSignatureInvalid):
		return sserr.Wrap(err, sserr.CodeAuthenticationInvalid, "auth: token signature is invalid")
	case errors.Is(err, jwt.ErrTokenInvalidAudience):
		return sserr.Wrap(err, sserr.CodeAuthenticationInvalid, "auth: token audience is invalid")
	case errors.Is(err, jwt.ErrTokenInvalidIssuer):
		return sserr.Wrap(err, sserr.CodeAuthenticationInvalid, "auth: token issuer is invalid")
	case errors.Is(err, jwt.ErrTokenRequiredClaimMissing):
		return sserr.Wrap(err, sserr.CodeAuthenticationInvalid, "auth: token is missing a required claim")
	case errors.Is(err, jwt.ErrTokenUnverifiable):
		return sserr.Wrap(err, sserr.CodeAuthenticationInvalid, "auth: token is unverifiable")
	default:
		return sserr.Wrap(err, sserr.CodeAuthenticationInvalid, "auth: token validation failed")
	}
}

func startSpan(ctx context.Context, tracer trace.Tracer, name string) (context.Context, trace.Span) {
	return tracer.Start(ctx, name)
}

// finishSpan marks span as failed when err is non-nil.
func finishSpan(span trace.Span, err error) {
	if span == nil || err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}
