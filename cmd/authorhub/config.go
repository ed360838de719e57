package main

import (
	"strings"
	"time"

	"github.com/StricklySoft/authorhub/pkg/auth"
	"github.com/StricklySoft/authorhub/pkg/clients/redis"
	sserr "github.com/StricklySoft/authorhub/pkg/errors"
)

// envPrefix is prepended to every environment variable, e.g.
// AUTHORHUB_AZURE_AD_TENANT_ID or AUTHORHUB_REDIS_URI.
const envPrefix = "AUTHORHUB"

// ServeConfig configures `authorhub serve`.
type ServeConfig struct {
	Addr            string        `yaml:"addr" json:"addr" env:"ADDR" envDefault:":8080"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" json:"shutdown_timeout" env:"SHUTDOWN_TIMEOUT" envDefault:"15s"`
	LogLevel        string        `yaml:"log_level" json:"log_level" env:"LOG_LEVEL" envDefault:"info"`

	// CacheBackend selects the introspection cache: "memory" or "redis".
	CacheBackend string `yaml:"cache_backend" json:"cache_backend" env:"CACHE_BACKEND" envDefault:"memory"`

	Auth  auth.Config  `yaml:"auth" json:"auth"`
	Redis redis.Config `yaml:"redis" json:"redis" env:"REDIS"`
}

// Validate checks the serve settings and the nested auth config. Redis
// settings are only validated when the redis backend is selected.
func (c *ServeConfig) Validate() error {
	if c.Addr == "" {
		return sserr.New(sserr.CodeValidationRequired, "serve: addr is required")
	}
	if c.ShutdownTimeout <= 0 {
		return sserr.Validationf("serve: shutdown_timeout must be positive, got %s", c.ShutdownTimeout)
	}
	switch strings.ToLower(c.CacheBackend) {
	case "memory":
	case "redis":
		if err := c.Redis.Validate(); err != nil {
			return err
		}
	default:
		return sserr.Newf(sserr.CodeValidationFormat,
			"serve: cache_backend must be \"memory\" or \"redis\", got %q", c.CacheBackend)
	}
	return c.Auth.Validate()
}
