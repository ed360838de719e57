package auth

import (
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	sserr "github.com/StricklySoft/authorhub/pkg/errors"
)

// HTTPClient performs the outbound calls to the identity provider:
// discovery, JWKS and the profile endpoint. [*http.Client] satisfies it.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// Config holds the settings shared by the metadata cache, the JWT
// validator and the introspector. Its tags let [config.Loader] fill it
// from the environment:
//
//	cfg := config.MustLoad[auth.Config](config.New().WithDotEnv(".env"))
//
// Either TenantID or MetadataURL must be set for signing keys to be
// discoverable. Audience is checked per request rather than at load time,
// so a missing audience surfaces as rejected tokens plus an error log.
type Config struct {
	// Instance is the login host of the Azure AD cloud.
	Instance string `yaml:"instance" json:"instance" env:"AZURE_AD_INSTANCE" envDefault:"https://login.microsoftonline.com"`

	// TenantID is the directory id. With Instance it yields the authority
	// {Instance}/{TenantID}/v2.0 and the default discovery URL.
	TenantID string `yaml:"tenant_id" json:"tenant_id" env:"AZURE_AD_TENANT_ID"`

	// MetadataURL overrides the discovery document location.
	MetadataURL string `yaml:"metadata_url" json:"metadata_url" env:"AZURE_AD_METADATA_URL"`

	// Audience is the API client id expected in the aud claim.
	Audience string `yaml:"audience" json:"audience" env:"AZURE_AD_CLIENT_ID"`

	// ValidIssuers, when non-empty, replaces the derived authority as the
	// set of accepted iss values. Read from a comma-separated env var.
	ValidIssuers []string `yaml:"valid_issuers" json:"valid_issuers" env:"AZURE_AD_VALID_ISSUERS"`

	// ClockSkew is the leeway applied to exp and nbf.
	ClockSkew time.Duration `yaml:"clock_skew" json:"clock_skew" env:"AUTH_CLOCK_SKEW" envDefault:"5m"`

	// RefreshInterval is how long a signing key set is used before a
	// background refresh is started.
	RefreshInterval time.Duration `yaml:"refresh_interval" json:"refresh_interval" env:"AUTH_METADATA_REFRESH_INTERVAL" envDefault:"6h"`

	// MinRefreshInterval is the minimum spacing between forced refreshes,
	// and the back-off after a failed refresh.
	MinRefreshInterval time.Duration `yaml:"min_refresh_interval" json:"min_refresh_interval" env:"AUTH_METADATA_MIN_REFRESH_INTERVAL" envDefault:"30m"`

	// AllowedAlgorithms lists the accepted JWS alg values.
	AllowedAlgorithms []string `yaml:"allowed_algorithms" json:"allowed_algorithms" env:"AUTH_ALLOWED_ALGORITHMS" envDefault:"RS256"`

	// FetchTimeout bounds each discovery, JWKS and introspection call.
	FetchTimeout time.Duration `yaml:"fetch_timeout" json:"fetch_timeout" env:"AUTH_FETCH_TIMEOUT" envDefault:"10s"`

	// IntrospectionURL is the "current user" profile endpoint called with
	// opaque tokens.
	IntrospectionURL string `yaml:"introspection_url" json:"introspection_url" env:"AUTH_INTROSPECTION_URL" envDefault:"https://graph.microsoft.com/v1.0/me"`

	// IntrospectionCacheTTL is how long an introspected identity may be
	// served from an [IdentityCache]. Zero disables caching.
	IntrospectionCacheTTL time.Duration `yaml:"introspection_cache_ttl" json:"introspection_cache_ttl" env:"AUTH_INTROSPECTION_CACHE_TTL" envDefault:"5m"`
}

// DefaultConfig returns a Config with every default applied and no tenant
// or audience.
func DefaultConfig() Config {
	return Config{
		Instance:              "https://login.microsoftonline.com",
		ClockSkew:             5 * time.Minute,
		RefreshInterval:       6 * time.Hour,
		MinRefreshInterval:    30 * time.Minute,
		AllowedAlgorithms:     []string{"RS256"},
		FetchTimeout:          10 * time.Second,
		IntrospectionURL:      "https://graph.microsoft.com/v1.0/me",
		IntrospectionCacheTTL: 5 * time.Minute,
	}
}

// withDefaults fills zero-valued fields from DefaultConfig. Negative
// durations are left for Validate to reject.
func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Instance == "" {
		c.Instance = d.Instance
	}
	if c.ClockSkew == 0 {
		c.ClockSkew = d.ClockSkew
	}
	if c.RefreshInterval == 0 {
		c.RefreshInterval = d.RefreshInterval
	}
	if c.MinRefreshInterval == 0 {
		c.MinRefreshInterval = d.MinRefreshInterval
	}
	if len(c.AllowedAlgorithms) == 0 {
		c.AllowedAlgorithms = d.AllowedAlgorithms
	}
	if c.FetchTimeout == 0 {
		c.FetchTimeout = d.FetchTimeout
	}
	if c.IntrospectionURL == "" {
		c.IntrospectionURL = d.IntrospectionURL
	}
	return c
}

// Validate checks value ranges. It does not require TenantID, MetadataURL
// or Audience; [NewMetadataCache] and [JWTValidator.Validate] enforce
// those where they are needed.
func (c *Config) Validate() error {
	if c.ClockSkew < 0 {
		return sserr.Validation("auth: clock skew must be non-negative")
	}
	if c.RefreshInterval < 0 {
		return sserr.Validation("auth: metadata refresh interval must be non-negative")
	}
	if c.MinRefreshInterval < 0 {
		return sserr.Validation("auth: minimum metadata refresh interval must be non-negative")
	}
	if c.FetchTimeout < 0 {
		return sserr.Validation("auth: fetch timeout must be non-negative")
	}
	if c.IntrospectionCacheTTL < 0 {
		return sserr.Validation("auth: introspection cache TTL must be non-negative")
	}
	for _, alg := range c.AllowedAlgorithms {
		if strings.EqualFold(alg, "none") || strings.HasPrefix(strings.ToUpper(alg), "HS") {
			return sserr.Newf(sserr.CodeValidationFormat,
				"auth: algorithm %q cannot be verified with published signing keys", alg)
		}
		if jwt.GetSigningMethod(alg) == nil {
			return sserr.Newf(sserr.CodeValidationFormat, "auth: unknown signing algorithm %q", alg)
		}
	}
	return nil
}

// Authority returns {Instance}/{TenantID}/v2.0, or "" without a tenant.
func (c *Config) Authority() string {
	if c.TenantID == "" {
		return ""
	}
	instance := c.Instance
	if instance == "" {
		instance = DefaultConfig().Instance
	}
	return strings.TrimRight(instance, "/") + "/" + c.TenantID + "/v2.0"
}

// MetadataAddress returns MetadataURL, or the discovery URL under the
// authority, or "" when neither can be formed.
func (c *Config) MetadataAddress() string {
	if c.MetadataURL != "" {
		return c.MetadataURL
	}
	if authority := c.Authority(); authority != "" {
		return authority + "/.well-known/openid-configuration"
	}
	return ""
}
