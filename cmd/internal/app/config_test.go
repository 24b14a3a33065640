package app

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"sessiond/cmd/internal/usecase"
	"sessiond/cmd/security/password"
	"sessiond/cmd/security/token"

	"github.com/caarlos0/env/v11"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func parseEnv(t *testing.T, vars map[string]string) (Config, error) {
	t.Helper()
	environ := make(map[string]string, len(vars))
	for k, v := range vars {
		environ[EnvPrefix+k] = v
	}
	return ParseConfig(env.Options{Prefix: EnvPrefix, Environment: environ})
}

func TestParseConfig_Defaults(t *testing.T) {
	t.Parallel()

	cfg, err := parseEnv(t, nil)
	require.NoError(t, err)

	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, "json", cfg.LogFormat)
	assert.Equal(t, "127.0.0.1:9090", cfg.HTTPAddr)
	assert.True(t, cfg.InMemory())
	assert.Equal(t, int32(10), cfg.DBMaxConns)
	assert.Equal(t, uint(3), cfg.DBConnectAttempts)
	assert.Equal(t, 2*time.Second, cfg.DBConnectInterval)
	assert.Equal(t, "sessiond", cfg.GraphSchema)
	assert.Equal(t, 3*time.Second, cfg.GraphTimeout)
	assert.Equal(t, "sessiond-cache.db", cfg.CachePath)
	assert.Equal(t, 500*time.Millisecond, cfg.CacheTimeout)
	assert.Equal(t, 30*time.Second, cfg.CacheRepairInterval)
	assert.Zero(t, cfg.SessionIdleTTL)
	assert.Equal(t, 5*time.Minute, cfg.SweepInterval)
	assert.Equal(t, usecase.GuardGlobal, cfg.Guard())
	assert.False(t, cfg.Token.RequireHMAC)
	assert.Equal(t, password.DefaultConfig(), cfg.Password)
}

func TestParseConfig_Overrides(t *testing.T) {
	t.Parallel()

	cfg, err := parseEnv(t, map[string]string{
		"DATABASE_URL":       "postgres://localhost/sessiond",
		"GRAPH_SCHEMA":       "tenant_a",
		"GUARD_MODE":         "per-session",
		"SESSION_IDLE_TTL":   "24h",
		"TOKEN_HMAC_KEY":     "0123456789abcdef0123456789abcdef",
		"REQUIRE_TOKEN_HMAC": "true",
		"ARGON2_ITERATIONS":  "5",
		"PASSWORD_MIN_BYTES": "16",
	})
	require.NoError(t, err)

	assert.False(t, cfg.InMemory())
	assert.Equal(t, "tenant_a", cfg.GraphSchema)
	assert.Equal(t, usecase.GuardPerSession, cfg.Guard())
	assert.Equal(t, 24*time.Hour, cfg.SessionIdleTTL)
	assert.True(t, cfg.Token.RequireHMAC)
	assert.Equal(t, uint32(5), cfg.Password.Params.Iterations)
	assert.Equal(t, 16, cfg.Password.Policy.MinBytes)
	// Untouched fields keep their defaults.
	assert.Equal(t, password.DefaultConfig().Params.MemoryKiB, cfg.Password.Params.MemoryKiB)
}

func TestParseConfig_Invalid(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		vars map[string]string
		want error
	}{
		{name: "schema", vars: map[string]string{"GRAPH_SCHEMA": "bad-schema;"}},
		{name: "guard", vars: map[string]string{"GUARD_MODE": "sometimes"}},
		{name: "format", vars: map[string]string{"LOG_FORMAT": "xml"}},
		{name: "conns", vars: map[string]string{"DB_MIN_CONNS": "20", "DB_MAX_CONNS": "5"}},
		{name: "timeout", vars: map[string]string{"CACHE_TIMEOUT": "0s"}},
		{name: "negative ttl", vars: map[string]string{"SESSION_IDLE_TTL": "-1m"}},
		{name: "duration syntax", vars: map[string]string{"GRAPH_TIMEOUT": "soon"}},
		{name: "argon2", vars: map[string]string{"ARGON2_ITERATIONS": "99"}, want: password.ErrConfig},
		{name: "hmac missing", vars: map[string]string{"REQUIRE_TOKEN_HMAC": "true"}, want: token.ErrHMACKeyMissing},
		{name: "hmac short", vars: map[string]string{"REQUIRE_TOKEN_HMAC": "true", "TOKEN_HMAC_KEY": "short"}, want: token.ErrHMACKeyTooShort},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			_, err := parseEnv(t, tc.vars)
			require.ErrorIs(t, err, ErrConfig)
			if tc.want != nil {
				assert.ErrorIs(t, err, tc.want)
			}
		})
	}
}

func TestLoadConfig_EnvFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.env")
	require.NoError(t, os.WriteFile(path, []byte("SESSIOND_HTTP_ADDR=127.0.0.1:19090\nSESSIOND_LOG_FORMAT=pretty\n"), 0o600))
	t.Setenv("SESSIOND_HTTP_ADDR", "")
	t.Setenv("SESSIOND_LOG_FORMAT", "")
	require.NoError(t, os.Unsetenv("SESSIOND_HTTP_ADDR"))
	require.NoError(t, os.Unsetenv("SESSIOND_LOG_FORMAT"))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:19090", cfg.HTTPAddr)
	assert.Equal(t, "pretty", cfg.LogFormat)

	_, err = LoadConfig(filepath.Join(t.TempDir(), "missing.env"))
	assert.ErrorIs(t, err, ErrConfig)
}
