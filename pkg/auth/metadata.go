package auth

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	sserr "github.com/StricklySoft/authorhub/pkg/errors"
)

// Refresh triggers, used as span attributes, log fields and metric labels.
const (
	triggerInitial  = "initial"
	triggerInterval = "interval"
	triggerForced   = "forced"
)

// KeySource supplies signing keys to the [JWTValidator]. [*MetadataCache]
// is the production implementation.
type KeySource interface {
	// GetCurrent returns the current signing key set, fetching it only if
	// none has been loaded yet.
	GetCurrent(ctx context.Context) (*SigningKeySet, error)

	// ForceRefresh fetches the key set again and returns the set fetched
	// after the call. When the refresh is suppressed or fails it returns
	// the current set.
	ForceRefresh(ctx context.Context) (*SigningKeySet, error)
}

// MetadataCache caches the signing key set published through an OpenID
// discovery document.
//
// The first GetCurrent fetches synchronously; callers arriving while that
// fetch runs wait for the same fetch. Once RefreshInterval has elapsed the
// current set keeps being served while one background refresh runs.
// ForceRefresh starts a fetch, at most once per MinRefreshInterval, and
// only its callers wait for it; GetCurrent keeps serving the current set.
// A failed refresh keeps the previous set and is not retried for
// MinRefreshInterval.
//
// Fetches run on a context detached from the caller with their own
// timeout, so a cancelled request abandons its wait without interrupting
// the fetch other callers depend on. MetadataCache is safe for concurrent
// use.
type MetadataCache struct {
	metadataURL string
	cfg         Config
	client      HTTPClient
	logger      *slog.Logger
	metrics     *Metrics
	tracer      trace.Tracer
	now         func() time.Time

	current atomic.Pointer[SigningKeySet]
	group   singleflight.Group
	limiter *rate.Limiter

	mu          sync.Mutex
	nextRefresh time.Time
	forced      *pendingRefresh
	fetchSeq    uint64
	storedSeq   uint64
}

// pendingRefresh is a forced fetch that ForceRefresh callers wait on.
type pendingRefresh struct {
	done chan struct{}
	set  *SigningKeySet
	err  error
}

var _ KeySource = (*MetadataCache)(nil)

// refreshKey is the single singleflight key; every refresh is the same
// operation.
const refreshKey = "metadata"

// NewMetadataCache returns a cache for the discovery URL derived from cfg
// (see [Config.MetadataAddress]). It fails with
// [sserr.CodeInternalConfiguration] when no URL can be derived. Nothing is
// fetched until the first GetCurrent.
func NewMetadataCache(cfg Config, opts ...Option) (*MetadataCache, error) {
	cfg = cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	metadataURL := cfg.MetadataAddress()
	if metadataURL == "" {
		return nil, sserr.New(sserr.CodeInternalConfiguration,
			"auth: a tenant id or an explicit metadata URL is required to discover signing keys")
	}

	o := buildOptions(cfg, opts)

	limit := rate.Inf
	if cfg.MinRefreshInterval > 0 {
		limit = rate.Every(cfg.MinRefreshInterval)
	}

	return &MetadataCache{
		metadataURL: metadataURL,
		cfg:         cfg,
		client:      o.httpClient,
		logger:      o.logger,
		metrics:     o.metrics,
		tracer:      o.tracer,
		now:         o.now,
		limiter:     rate.NewLimiter(limit, 1),
	}, nil
}

// MetadataURL returns the discovery document URL.
func (c *MetadataCache) MetadataURL() string {
	return c.metadataURL
}

// GetCurrent implements [KeySource].
//
// Before a set has been loaded, a failed fetch returns an error with code
// [sserr.CodeUnavailableDependency] (or [sserr.CodeTimeoutDependency]);
// the next call tries again. Once a set exists GetCurrent returns it
// without waiting, starting a background refresh when one is due.
func (c *MetadataCache) GetCurrent(ctx context.Context) (*SigningKeySet, error) {
	cur := c.current.Load()
	if cur == nil {
		return c.wait(ctx, triggerInitial)
	}

	c.mu.Lock()
	due := !c.now().Before(c.nextRefresh)
	c.mu.Unlock()

	if due {
		c.group.DoChan(refreshKey, func() (any, error) {
			return c.refresh(triggerInterval)
		})
	}
	return cur, nil
}

// ForceRefresh implements [KeySource]. Callers arriving while a forced
// fetch runs wait for that fetch. Otherwise calls closer together than
// MinRefreshInterval after the first are ignored, which bounds the load a
// burst of tokens signed with an unknown key can put on the provider.
// The fetch never joins an interval refresh started earlier.
func (c *MetadataCache) ForceRefresh(ctx context.Context) (*SigningKeySet, error) {
	c.mu.Lock()
	p := c.forced
	if p == nil {
		if !c.limiter.AllowN(c.now(), 1) {
			c.mu.Unlock()
			c.logger.DebugContext(ctx, "auth: forced metadata refresh suppressed by cooldown",
				"min_refresh_interval", c.cfg.MinRefreshInterval,
			)
			return c.GetCurrent(ctx)
		}
		p = &pendingRefresh{done: make(chan struct{})}
		c.forced = p
		go c.runForced(p)
	}
	c.mu.Unlock()

	select {
	case <-ctx.Done():
		return nil, contextError(ctx.Err(), "auth: gave up waiting for signing key metadata")
	case <-p.done:
	}
	if p.err != nil {
		if cur := c.current.Load(); cur != nil {
			return cur, nil
		}
		return nil, p.err
	}
	return p.set, nil
}

func (c *MetadataCache) runForced(p *pendingRefresh) {
	p.set, p.err = c.refresh(triggerForced)
	c.mu.Lock()
	c.forced = nil
	c.mu.Unlock()
	close(p.done)
}

// wait starts or joins the in-flight refresh and waits for it or for ctx.
func (c *MetadataCache) wait(ctx context.Context, trigger string) (*SigningKeySet, error) {
	ch := c.group.DoChan(refreshKey, func() (any, error) {
		return c.refresh(trigger)
	})

	select {
	case <-ctx.Done():
		return nil, contextError(ctx.Err(), "auth: gave up waiting for signing key metadata")
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*SigningKeySet), nil
	}
}

// refresh fetches and publishes a new set. A set is only published if no
// fetch started later has published one already.
func (c *MetadataCache) refresh(trigger string) (*SigningKeySet, error) {
	c.mu.Lock()
	c.fetchSeq++
	seq := c.fetchSeq
	c.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.FetchTimeout)
	defer cancel()

	ctx, span := startSpan(ctx, c.tracer, "auth.MetadataCache.refresh")
	defer span.End()
	span.SetAttributes(
		attribute.String("auth.metadata.trigger", trigger),
		attribute.String("auth.metadata.url", c.metadataURL),
	)

	started := c.now()
	set, err := fetchSigningKeySet(ctx, c.client, c.metadataURL, started)

	c.mu.Lock()
	switch {
	case err != nil:
		if seq > c.storedSeq {
			c.nextRefresh = c.now().Add(c.cfg.MinRefreshInterval)
		}
	case seq > c.storedSeq:
		c.storedSeq = seq
		c.current.Store(set)
		c.nextRefresh = c.now().Add(c.cfg.RefreshInterval)
	default:
		set = c.current.Load()
	}
	c.mu.Unlock()

	if err != nil {
		wrapped := contextError(err, "auth: failed to fetch signing key metadata")
		finishSpan(span, wrapped)
		c.metrics.observeRefresh(trigger, false)
		c.logger.Warn("auth: signing key metadata refresh failed",
			"trigger", trigger,
			"metadata_url", c.metadataURL,
			"has_previous", c.current.Load() != nil,
			"error", err,
		)
		return nil, wrapped
	}

	span.SetAttributes(attribute.Int("auth.metadata.keys", set.Len()))
	c.metrics.observeRefresh(trigger, true)
	c.metrics.setSigningKeys(set.Len())
	c.logger.Info("auth: signing key metadata refreshed",
		"trigger", trigger,
		"issuer", set.Issuer,
		"keys", set.Len(),
		"duration", c.now().Sub(started),
	)
	return set, nil
}

// contextError codes err as a timeout when it stems from a deadline and as
// an unavailable dependency otherwise.
func contextError(err error, message string) *sserr.Error {
	if errors.Is(err, context.DeadlineExceeded) {
		return sserr.Wrap(err, sserr.CodeTimeoutDependency, message)
	}
	return sserr.Wrap(err, sserr.CodeUnavailableDependency, message)
}
