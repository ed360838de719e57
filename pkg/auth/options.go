package auth

import (
	"log/slog"
	"net/http"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

// tracerName is the OpenTelemetry instrumentation scope for auth spans.
const tracerName = "github.com/StricklySoft/authorhub/pkg/auth"

// Option configures the components of this package. Options a component
// does not use are ignored.
type Option func(*options)

type options struct {
	logger     *slog.Logger
	metrics    *Metrics
	httpClient HTTPClient
	cache      IdentityCache
	tracer     trace.Tracer
	now        func() time.Time
}

// WithLogger sets the structured logger. Defaults to [slog.Default].
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// WithMetrics records outcomes on m. Without it nothing is recorded.
func WithMetrics(m *Metrics) Option {
	return func(o *options) { o.metrics = m }
}

// WithHTTPClient sets the client for identity provider calls. Defaults to
// an [http.Client] whose timeout is the configured FetchTimeout.
func WithHTTPClient(client HTTPClient) Option {
	return func(o *options) { o.httpClient = client }
}

// WithIdentityCache enables result caching in the [Introspector].
func WithIdentityCache(cache IdentityCache) Option {
	return func(o *options) { o.cache = cache }
}

// WithTracerProvider sets the tracer provider. Defaults to the global one.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(o *options) { o.tracer = tp.Tracer(tracerName) }
}

func buildOptions(cfg Config, opts []Option) options {
	o := options{}
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}
	if o.httpClient == nil {
		o.httpClient = &http.Client{Timeout: cfg.FetchTimeout}
	}
	if o.tracer == nil {
		o.tracer = otel.Tracer(tracerName)
	}
	if o.now == nil {
		o.now = time.Now
	}
	return o
}
