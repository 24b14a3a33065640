package app

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"sessiond/cmd/identity"
	"sessiond/cmd/internal/usecase"
	"sessiond/cmd/security/password"
	"sessiond/cmd/security/token"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// EnvPrefix is prepended to every configuration variable.
const EnvPrefix = "SESSIOND_"

// ErrConfig is returned for configuration that cannot be parsed or is out of range.
var ErrConfig = errors.New("app: invalid config")

// Config contains all runtime configuration loaded from environment variables.
type Config struct {
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`

	HTTPAddr          string        `env:"HTTP_ADDR" envDefault:"127.0.0.1:9090"`
	ReadHeaderTimeout time.Duration `env:"HTTP_READ_HEADER_TIMEOUT" envDefault:"5s"`
	ReadTimeout       time.Duration `env:"HTTP_READ_TIMEOUT" envDefault:"15s"`
	WriteTimeout      time.Duration `env:"HTTP_WRITE_TIMEOUT" envDefault:"15s"`
	IdleTimeout       time.Duration `env:"HTTP_IDLE_TIMEOUT" envDefault:"60s"`
	ShutdownTimeout   time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"10s"`

	// Empty selects the in-memory graph.
	DatabaseURL       string        `env:"DATABASE_URL"`
	DBMaxConns        int32         `env:"DB_MAX_CONNS" envDefault:"10"`
	DBMinConns        int32         `env:"DB_MIN_CONNS" envDefault:"0"`
	DBConnectAttempts uint          `env:"DB_CONNECT_ATTEMPTS" envDefault:"3"`
	DBConnectInterval time.Duration `env:"DB_CONNECT_INTERVAL" envDefault:"2s"`
	// Run goose migrations on serve.
	AutoMigrate bool `env:"AUTO_MIGRATE" envDefault:"true"`

	GraphSchema  string        `env:"GRAPH_SCHEMA" envDefault:"sessiond"`
	GraphTimeout time.Duration `env:"GRAPH_TIMEOUT" envDefault:"3s"`

	CachePath           string        `env:"CACHE_PATH" envDefault:"sessiond-cache.db"`
	CacheTimeout        time.Duration `env:"CACHE_TIMEOUT" envDefault:"500ms"`
	CacheRepairInterval time.Duration `env:"CACHE_REPAIR_INTERVAL" envDefault:"30s"`
	CacheLockTimeout    time.Duration `env:"CACHE_LOCK_TIMEOUT" envDefault:"5s"`
	// Tombstones older than this are pruned by the sweeper.
	CacheTombstoneTTL time.Duration `env:"CACHE_TOMBSTONE_TTL" envDefault:"168h"`

	// Zero disables idle expiry.
	SessionIdleTTL time.Duration `env:"SESSION_IDLE_TTL" envDefault:"0s"`
	SweepInterval  time.Duration `env:"SWEEP_INTERVAL" envDefault:"5m"`

	GuardMode string `env:"GUARD_MODE" envDefault:"global"`

	// If true, /readyz returns 503 unless a database is configured.
	ReadinessRequireDB bool `env:"READINESS_REQUIRE_DB" envDefault:"false"`

	Token    token.Config
	Password password.Config
}

// LoadConfig reads .env files (the default ".env" when none are named, which
// may be absent) and overlays SESSIOND_* variables on the defaults.
func LoadConfig(envFiles ...string) (Config, error) {
	if len(envFiles) == 0 {
		_ = godotenv.Load()
	} else if err := godotenv.Load(envFiles...); err != nil {
		return Config{}, errors.Join(ErrConfig, err)
	}
	return ParseConfig(env.Options{Prefix: EnvPrefix})
}

// ParseConfig parses the environment with opts and validates the result.
func ParseConfig(opts env.Options) (Config, error) {
	cfg := Config{Password: password.DefaultConfig()}
	if err := env.ParseWithOptions(&cfg, opts); err != nil {
		return Config{}, errors.Join(ErrConfig, err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks ranges and cross-field rules.
func (c Config) Validate() error {
	var errs []error
	if c.DBMinConns < 0 || c.DBMaxConns < 1 || c.DBMinConns > c.DBMaxConns {
		errs = append(errs, fmt.Errorf("db conns: min=%d max=%d", c.DBMinConns, c.DBMaxConns))
	}
	if c.DBConnectAttempts == 0 {
		errs = append(errs, errors.New("db connect attempts must be positive"))
	}
	if !identity.ValidSchemaName(c.GraphSchema) {
		errs = append(errs, fmt.Errorf("graph schema %q is not a valid identifier", c.GraphSchema))
	}
	if strings.TrimSpace(c.CachePath) == "" {
		errs = append(errs, errors.New("cache path is empty"))
	}
	for _, d := range []struct {
		name string
		v    time.Duration
	}{
		{"graph timeout", c.GraphTimeout},
		{"cache timeout", c.CacheTimeout},
		{"cache repair interval", c.CacheRepairInterval},
		{"sweep interval", c.SweepInterval},
	} {
		if d.v <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive", d.name))
		}
	}
	if c.SessionIdleTTL < 0 {
		errs = append(errs, errors.New("session idle ttl must not be negative"))
	}
	if _, err := usecase.ParseGuardMode(c.GuardMode); err != nil {
		errs = append(errs, err)
	}
	switch strings.ToLower(strings.TrimSpace(c.LogFormat)) {
	case "json", "pretty", "text":
	default:
		errs = append(errs, fmt.Errorf("log format %q", c.LogFormat))
	}
	if err := c.Token.Validate(); err != nil {
		errs = append(errs, err)
	}
	if err := c.Password.Check(); err != nil {
		errs = append(errs, err)
	}
	if len(errs) == 0 {
		return nil
	}
	return errors.Join(append([]error{ErrConfig}, errs...)...)
}

// Guard returns the parsed guard mode. Validate has already accepted it.
func (c Config) Guard() usecase.GuardMode {
	m, _ := usecase.ParseGuardMode(c.GuardMode)
	return m
}

// InMemory reports whether the graph lives in process memory.
func (c Config) InMemory() bool { return strings.TrimSpace(c.DatabaseURL) == "" }
