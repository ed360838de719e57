package redis

import (
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	sserr "github.com/StricklySoft/authorhub/pkg/errors"
)

// ===========================================================================
// Secret Type Tests
// ===========================================================================

func TestSecret_Redacted(t *testing.T) {
	t.Parallel()
	s := Secret("super-secret-password")

	assert.Equal(t, "[REDACTED]", s.String())
	assert.Equal(t, "[REDACTED]", s.GoString())
	assert.Equal(t, "[REDACTED]", fmt.Sprintf("%v", s))
	assert.NotContains(t, fmt.Sprintf("%+v", Config{Password: s}), "super-secret-password")

	data, err := s.MarshalText()
	require.NoError(t, err)
	assert.Equal(t, "[REDACTED]", string(data))
}

func TestSecret_Value(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "super-secret-password", Secret("super-secret-password").Value())
	assert.Equal(t, "", Secret("").Value())
}

// ===========================================================================
// Validate Tests
// ===========================================================================

func TestConfig_Validate_AppliesDefaults(t *testing.T) {
	t.Parallel()
	var cfg Config
	require.NoError(t, cfg.Validate())

	assert.Equal(t, DefaultAddr, cfg.Addr)
	assert.Equal(t, DefaultPoolSize, cfg.PoolSize)
	assert.Equal(t, DefaultDialTimeout, cfg.DialTimeout)
	assert.Equal(t, DefaultReadTimeout, cfg.ReadTimeout)
	assert.Equal(t, DefaultWriteTimeout, cfg.WriteTimeout)
}

func TestConfig_Validate_KeepsExplicitValues(t *testing.T) {
	t.Parallel()
	cfg := Config{
		Addr:         "cache.internal:6380",
		DB:           2,
		PoolSize:     25,
		DialTimeout:  time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 4 * time.Second,
	}
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "cache.internal:6380", cfg.Addr)
	assert.Equal(t, 25, cfg.PoolSize)
	assert.Equal(t, time.Second, cfg.DialTimeout)
}

func TestConfig_Validate_Errors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		cfg  Config
		code sserr.Code
		msg  string
	}{
		{"negative db", Config{DB: -1}, sserr.CodeValidation, "db"},
		{"negative pool", Config{PoolSize: -5}, sserr.CodeValidation, "pool_size"},
		{"negative dial timeout", Config{DialTimeout: -time.Second}, sserr.CodeValidation, "timeouts"},
		{"negative read timeout", Config{ReadTimeout: -time.Second}, sserr.CodeValidation, "timeouts"},
		{"negative write timeout", Config{WriteTimeout: -time.Second}, sserr.CodeValidation, "timeouts"},
		{"http scheme", Config{URI: "http://localhost:6379"}, sserr.CodeValidationFormat, "scheme"},
		{"no scheme", Config{URI: "localhost:6379"}, sserr.CodeValidationFormat, "scheme"},
		{"unparseable", Config{URI: "redis://[::1"}, sserr.CodeValidationFormat, "URI"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := tt.cfg
			err := cfg.Validate()
			require.Error(t, err)
			requireCode(t, err, tt.code)
			assert.Contains(t, err.Error(), tt.msg)
		})
	}
}

func TestConfig_Validate_URISchemes(t *testing.T) {
	t.Parallel()
	for _, uri := range []string{"redis://localhost:6379/0", "rediss://user:pw@cache:6380/1"} {
		cfg := Config{URI: uri}
		assert.NoError(t, cfg.Validate(), uri)
	}
}

// ===========================================================================
// options Tests
// ===========================================================================

func TestConfig_Options_FromAddr(t *testing.T) {
	t.Parallel()
	cfg := Config{Addr: "cache:6379", DB: 4, Password: "pw", TLSEnabled: true}
	require.NoError(t, cfg.Validate())

	opts, err := cfg.options()
	require.NoError(t, err)
	assert.Equal(t, "cache:6379", opts.Addr)
	assert.Equal(t, 4, opts.DB)
	assert.Equal(t, "pw", opts.Password)
	require.NotNil(t, opts.TLSConfig)
	assert.Equal(t, DefaultPoolSize, opts.PoolSize)
	assert.Equal(t, DefaultReadTimeout, opts.ReadTimeout)
}

func TestConfig_Options_URIWins(t *testing.T) {
	t.Parallel()
	cfg := Config{URI: "redis://:secret@cache.internal:6390/3", Addr: "ignored:1", DB: 9}
	require.NoError(t, cfg.Validate())

	opts, err := cfg.options()
	require.NoError(t, err)
	assert.Equal(t, "cache.internal:6390", opts.Addr)
	assert.Equal(t, 3, opts.DB)
	assert.Equal(t, "secret", opts.Password)
	assert.Nil(t, opts.TLSConfig)
	assert.Equal(t, DefaultDialTimeout, opts.DialTimeout)
}

func TestConfig_Options_RedissEnablesTLS(t *testing.T) {
	t.Parallel()
	cfg := Config{URI: "rediss://cache.internal:6380"}
	require.NoError(t, cfg.Validate())

	opts, err := cfg.options()
	require.NoError(t, err)
	assert.NotNil(t, opts.TLSConfig)
}

// ===========================================================================
// truncateStatement Tests
// ===========================================================================

func TestTruncateStatement(t *testing.T) {
	t.Parallel()

	short := "GET key"
	assert.Equal(t, short, truncateStatement(short))

	exact := strings.Repeat("a", maxStatementLen)
	assert.Equal(t, exact, truncateStatement(exact))

	long := strings.Repeat("é", maxStatementLen+10)
	got := truncateStatement(long)
	assert.Equal(t, strings.Repeat("é", maxStatementLen)+"...", got)
}
