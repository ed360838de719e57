package auth

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"runtime/debug"
	"strings"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	sserr "github.com/StricklySoft/authorhub/pkg/errors"
)

// HeaderAuthorization is the request header carrying the bearer token. The
// gRPC interceptors read its lower-case form from metadata.
const HeaderAuthorization = "Authorization"

const bearerPrefix = "Bearer "

// Reasons returned to callers. They are the only failure text a client
// ever sees.
const (
	ReasonHeaderRequired       = "Authorization header is required"
	ReasonHeaderEmpty          = "Authorization header is empty"
	ReasonBearerPrefixRequired = "Authorization header must start with 'Bearer '"
	ReasonTokenEmpty           = "Token is empty"
	ReasonInvalidToken         = "Invalid or expired token"
	ReasonAuthenticationError  = "Authentication error"
	ReasonForbidden            = "Insufficient permissions"
)

// Failure is a rejected authentication, ready to be written to a client.
// Err holds the underlying cause for logging and is never sent.
type Failure struct {
	Status int
	Reason string
	Code   sserr.Code

	// IncidentID correlates a 500 with its server-side log entry.
	IncidentID string

	Err error
}

func (f *Failure) Error() string {
	if f.Err != nil {
		return fmt.Sprintf("%d %s: %v", f.Status, f.Reason, f.Err)
	}
	return fmt.Sprintf("%d %s", f.Status, f.Reason)
}

func (f *Failure) Unwrap() error { return f.Err }

// Gateway turns an Authorization header into an [Identity]. Opaque tokens
// go to the introspector and JWS tokens to the validator; everything else
// is rejected without further work.
//
// Expected failures become 401s. Dependency outages, uncoded errors and
// panics become a 500 with a fresh incident id, logged with the cause.
type Gateway struct {
	validator    TokenValidator
	introspector TokenIntrospector
	logger       *slog.Logger
	metrics      *Metrics
	tracer       trace.Tracer
}

// NewGateway returns a gateway. A nil introspector makes every opaque
// token invalid.
func NewGateway(validator TokenValidator, introspector TokenIntrospector, opts ...Option) *Gateway {
	o := buildOptions(Config{}, opts)
	return &Gateway{
		validator:    validator,
		introspector: introspector,
		logger:       o.logger,
		metrics:      o.metrics,
		tracer:       o.tracer,
	}
}

// AuthenticateRequest authenticates r by its Authorization header.
func (g *Gateway) AuthenticateRequest(r *http.Request) (*Identity, *Failure) {
	return g.Authenticate(r.Context(), r.Header.Values(HeaderAuthorization))
}

// Authenticate authenticates the Authorization header values; only the
// first value is used. Exactly one result is non-nil.
func (g *Gateway) Authenticate(ctx context.Context, authorization []string) (identity *Identity, failure *Failure) {
	ctx, span := startSpan(ctx, g.tracer, "auth.Gateway.Authenticate")
	defer span.End()

	defer func() {
		if r := recover(); r != nil {
			identity = nil
			failure = g.internalFailure(ctx, sserr.Internal(fmt.Sprintf("auth: panic during authentication: %v", r)), debug.Stack())
		}
		if failure != nil {
			span.SetAttributes(attribute.Int("http.response.status_code", failure.Status))
			finishSpan(span, failure)
			g.metrics.observeGateway(failure.Status)
			return
		}
		g.metrics.observeGateway(http.StatusOK)
	}()

	token, failure := bearerToken(authorization)
	if failure != nil {
		g.logger.DebugContext(ctx, "auth: request rejected", "reason", failure.Reason)
		return nil, failure
	}

	shape := Classify(token)
	span.SetAttributes(attribute.String("auth.token_shape", shape.String()))

	var err error
	switch shape {
	case TokenOpaque:
		if g.introspector == nil {
			err = sserr.New(sserr.CodeAuthenticationIntrospection, "auth: opaque tokens are not accepted")
		} else {
			identity, err = g.introspector.Introspect(ctx, token)
		}
	case TokenJWS:
		identity, err = g.validator.Validate(ctx, token)
	default:
		err = sserr.New(sserr.CodeAuthenticationMalformed, "auth: token is neither opaque nor a JWS").
			WithDetail("segments", SegmentLengths(token))
	}

	if err != nil {
		return nil, g.failure(ctx, err)
	}
	if identity == nil {
		g.logger.WarnContext(ctx, "auth: token produced no identity", "shape", shape.String())
		return nil, unauthorized(ReasonInvalidToken, sserr.CodeAuthenticationInvalid)
	}

	g.logger.InfoContext(ctx, "auth: request authenticated",
		"subject", identity.Subject(),
		"source", identity.Source().String(),
	)
	return identity, nil
}

// bearerToken extracts the token or returns the header failure.
func bearerToken(authorization []string) (string, *Failure) {
	if len(authorization) == 0 {
		return "", unauthorized(ReasonHeaderRequired, sserr.CodeAuthentication)
	}
	header := authorization[0]
	trimmed := strings.TrimSpace(header)
	if trimmed == "" {
		return "", unauthorized(ReasonHeaderEmpty, sserr.CodeAuthentication)
	}
	// HTTP servers strip trailing whitespace, so "Bearer " arrives as
	// "Bearer".
	if trimmed == strings.TrimSpace(bearerPrefix) {
		return "", unauthorized(ReasonTokenEmpty, sserr.CodeAuthentication)
	}
	if !strings.HasPrefix(header, bearerPrefix) {
		return "", unauthorized(ReasonBearerPrefixRequired, sserr.CodeAuthentication)
	}
	token := strings.TrimSpace(header[len(bearerPrefix):])
	if token == "" {
		return "", unauthorized(ReasonTokenEmpty, sserr.CodeAuthentication)
	}
	return token, nil
}

func unauthorized(reason string, code sserr.Code) *Failure {
	return &Failure{Status: http.StatusUnauthorized, Reason: reason, Code: code}
}

// failure maps a delegate error by category: authentication errors are
// the client's problem, everything else is ours.
func (g *Gateway) failure(ctx context.Context, err error) *Failure {
	if !sserr.IsAuthentication(err) {
		return g.internalFailure(ctx, err, nil)
	}
	code := sserr.GetCode(err)
	if sserr.HasCode(err, sserr.CodeAuthenticationConfiguration) {
		g.logger.ErrorContext(ctx, "auth: token rejected because authentication is misconfigured", "error", err)
	} else {
		g.logger.InfoContext(ctx, "auth: token rejected", "code", code)
	}
	f := unauthorized(ReasonInvalidToken, code)
	f.Err = err
	return f
}

func (g *Gateway) internalFailure(ctx context.Context, err error, stack []byte) *Failure {
	incident := uuid.NewString()
	code := sserr.FromError(err).Code

	attrs := []any{
		"incident_id", incident,
		"code", code,
		"retryable", sserr.IsRetryable(err),
		"error", err,
	}
	if stack != nil {
		attrs = append(attrs, "stack", string(stack))
	}
	if traceID, ok := TraceIDFromContext(ctx); ok {
		attrs = append(attrs, "trace_id", traceID)
	}
	g.logger.ErrorContext(ctx, "auth: authentication failed unexpectedly", attrs...)

	return &Failure{
		Status:     http.StatusInternalServerError,
		Reason:     ReasonAuthenticationError,
		Code:       code,
		IncidentID: incident,
		Err:        err,
	}
}
