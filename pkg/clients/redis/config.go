package redis

import (
	"crypto/tls"
	"fmt"
	"net/url"
	"time"

	"github.com/redis/go-redis/v9"

	sserr "github.com/StricklySoft/authorhub/pkg/errors"
)

// Defaults applied by [Config.Validate] to zero-valued fields.
const (
	DefaultAddr          = "localhost:6379"
	DefaultPoolSize      = 10
	DefaultDialTimeout   = 5 * time.Second
	DefaultReadTimeout   = 2 * time.Second
	DefaultWriteTimeout  = 2 * time.Second
	DefaultHealthTimeout = 5 * time.Second
)

const maxStatementLen = 100

// Secret hides its value from fmt, logs and text encoders.
type Secret string

const redacted = "[REDACTED]"

func (s Secret) String() string               { return redacted }
func (s Secret) GoString() string             { return redacted }
func (s Secret) MarshalText() ([]byte, error) { return []byte(redacted), nil }

// Value returns the secret itself.
func (s Secret) Value() string { return string(s) }

// Config describes the Redis server used as a shared introspection cache.
// URI, when set, wins over Addr, DB and Password.
type Config struct {
	// URI is a redis:// or rediss:// connection string.
	URI string `yaml:"uri" json:"uri" env:"URI"`

	Addr     string `yaml:"addr" json:"addr" env:"ADDR" envDefault:"localhost:6379"`
	DB       int    `yaml:"db" json:"db" env:"DB"`
	Password Secret `yaml:"-" json:"-" env:"PASSWORD"`

	// TLSEnabled turns on TLS 1.2+ for Addr-based connections. A rediss://
	// URI enables TLS on its own.
	TLSEnabled bool `yaml:"tls_enabled" json:"tls_enabled" env:"TLS_ENABLED"`

	PoolSize     int           `yaml:"pool_size" json:"pool_size" env:"POOL_SIZE" envDefault:"10"`
	DialTimeout  time.Duration `yaml:"dial_timeout" json:"dial_timeout" env:"DIAL_TIMEOUT" envDefault:"5s"`
	ReadTimeout  time.Duration `yaml:"read_timeout" json:"read_timeout" env:"READ_TIMEOUT" envDefault:"2s"`
	WriteTimeout time.Duration `yaml:"write_timeout" json:"write_timeout" env:"WRITE_TIMEOUT" envDefault:"2s"`
}

// Validate applies defaults to zero-valued fields and checks the rest.
func (c *Config) Validate() error {
	if c.Addr == "" {
		c.Addr = DefaultAddr
	}
	if c.PoolSize == 0 {
		c.PoolSize = DefaultPoolSize
	}
	if c.DialTimeout == 0 {
		c.DialTimeout = DefaultDialTimeout
	}
	if c.ReadTimeout == 0 {
		c.ReadTimeout = DefaultReadTimeout
	}
	if c.WriteTimeout == 0 {
		c.WriteTimeout = DefaultWriteTimeout
	}

	if c.URI != "" {
		u, err := url.Parse(c.URI)
		if err != nil {
			return sserr.Wrap(err, sserr.CodeValidationFormat, "redis: config URI is invalid")
		}
		if u.Scheme != "redis" && u.Scheme != "rediss" {
			return sserr.Newf(sserr.CodeValidationFormat,
				"redis: config URI scheme must be redis:// or rediss://, got %q", u.Scheme)
		}
	}
	if c.DB < 0 {
		return sserr.Validationf("redis: config db must be >= 0, got %d", c.DB)
	}
	if c.PoolSize < 1 {
		return sserr.Validationf("redis: config pool_size must be >= 1, got %d", c.PoolSize)
	}
	if c.DialTimeout < 0 || c.ReadTimeout < 0 || c.WriteTimeout < 0 {
		return sserr.Validation("redis: config timeouts must not be negative")
	}
	return nil
}

// options converts a validated Config into go-redis options.
func (c *Config) options() (*redis.Options, error) {
	var opts *redis.Options
	if c.URI != "" {
		var err error
		opts, err = redis.ParseURL(c.URI)
		if err != nil {
			return nil, fmt.Errorf("parse URI: %w", err)
		}
	} else {
		opts = &redis.Options{
			Addr:     c.Addr,
			DB:       c.DB,
			Password: c.Password.Value(),
		}
		if c.TLSEnabled {
			opts.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
		}
	}
	opts.PoolSize = c.PoolSize
	opts.DialTimeout = c.DialTimeout
	opts.ReadTimeout = c.ReadTimeout
	opts.WriteTimeout = c.WriteTimeout
	return opts, nil
}

// truncateStatement shortens s to maxStatementLen runes for span attributes.
func truncateStatement(s string) string {
	runes := []rune(s)
	if len(runes) <= maxStatementLen {
		return s
	}
	return string(runes[:maxStatementLen]) + "..."
}
