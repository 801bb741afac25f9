// Package config loads control-plane configuration. Values are layered:
// built-in defaults, then an optional YAML file, then a .env file, then the
// process environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joeshaw/envdecode"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/R3E-Network/dws/internal/app/lock"
)

// EnvConfigPath names the variable holding the YAML config path.
const EnvConfigPath = "DWS_CONFIG"

// ServerConfig controls the HTTP listener.
type ServerConfig struct {
	Addr            string        `yaml:"addr" env:"DWS_HTTP_ADDR"`
	ReadTimeout     time.Duration `yaml:"read_timeout" env:"DWS_HTTP_READ_TIMEOUT"`
	WriteTimeout    time.Duration `yaml:"write_timeout" env:"DWS_HTTP_WRITE_TIMEOUT"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"DWS_HTTP_SHUTDOWN_TIMEOUT"`
	AuditLog        string        `yaml:"audit_log" env:"DWS_AUDIT_LOG"`
	AuditSize       int           `yaml:"audit_size" env:"DWS_AUDIT_SIZE"`
}

// DatabaseConfig selects the Postgres store. An empty DSN keeps state in memory.
type DatabaseConfig struct {
	DSN             string        `yaml:"dsn" env:"DWS_DATABASE_DSN"`
	MaxOpenConns    int           `yaml:"max_open_conns" env:"DWS_DATABASE_MAX_OPEN_CONNS"`
	MaxIdleConns    int           `yaml:"max_idle_conns" env:"DWS_DATABASE_MAX_IDLE_CONNS"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime" env:"DWS_DATABASE_CONN_MAX_LIFETIME"`
	Migrate         bool          `yaml:"migrate" env:"DWS_DATABASE_MIGRATE"`
}

// RedisConfig enables the distributed mutation lock when Addr is set.
type RedisConfig struct {
	Addr       string        `yaml:"addr" env:"DWS_REDIS_ADDR"`
	Password   string        `yaml:"password" env:"DWS_REDIS_PASSWORD"`
	DB         int           `yaml:"db" env:"DWS_REDIS_DB"`
	LockPrefix string        `yaml:"lock_prefix" env:"DWS_REDIS_LOCK_PREFIX"`
	LockTTL    time.Duration `yaml:"lock_ttl" env:"DWS_REDIS_LOCK_TTL"`
}

// LoggingConfig selects level and formatter.
type LoggingConfig struct {
	Level  string `yaml:"level" env:"DWS_LOG_LEVEL"`
	Format string `yaml:"format" env:"DWS_LOG_FORMAT"`
}

// RegistryConfig tunes node liveness tracking.
type RegistryConfig struct {
	HeartbeatTimeout time.Duration `yaml:"heartbeat_timeout" env:"DWS_HEARTBEAT_TIMEOUT"`
	EvictionGrace    time.Duration `yaml:"eviction_grace" env:"DWS_EVICTION_GRACE"`
	SweepSchedule    string        `yaml:"sweep_schedule" env:"DWS_SWEEP_SCHEDULE"`
}

// ProvisionerConfig tunes the stateful provisioner and worker deployer.
type ProvisionerConfig struct {
	Zone             string        `yaml:"zone" env:"DWS_ZONE"`
	LockWait         time.Duration `yaml:"lock_wait" env:"DWS_LOCK_WAIT"`
	OperationTimeout time.Duration `yaml:"operation_timeout" env:"DWS_OPERATION_TIMEOUT"`
}

// DiscoveryConfig tunes the resolver.
type DiscoveryConfig struct {
	TTL int `yaml:"ttl" env:"DWS_DNS_TTL"`
}

// AuthConfig enables bearer token authentication on the API.
type AuthConfig struct {
	Enabled   bool     `yaml:"enabled" env:"DWS_AUTH_ENABLED"`
	JWTSecret string   `yaml:"jwt_secret" env:"DWS_JWT_SECRET"`
	Issuer    string   `yaml:"issuer" env:"DWS_JWT_ISSUER"`
	SkipPaths []string `yaml:"skip_paths" env:"DWS_AUTH_SKIP_PATHS"`
}

// RateLimitConfig bounds requests per client.
type RateLimitConfig struct {
	Enabled           bool    `yaml:"enabled" env:"DWS_RATE_LIMIT_ENABLED"`
	RequestsPerSecond float64 `yaml:"requests_per_second" env:"DWS_RATE_LIMIT_RPS"`
	Burst             int     `yaml:"burst" env:"DWS_RATE_LIMIT_BURST"`
}

// CORSConfig controls cross-origin access to the API.
type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins" env:"DWS_CORS_ORIGINS"`
	AllowedMethods []string `yaml:"allowed_methods" env:"DWS_CORS_METHODS"`
	AllowedHeaders []string `yaml:"allowed_headers" env:"DWS_CORS_HEADERS"`
	MaxAge         int      `yaml:"max_age" env:"DWS_CORS_MAX_AGE"`
}

// Config is the complete control-plane configuration.
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Database    DatabaseConfig    `yaml:"database"`
	Redis       RedisConfig       `yaml:"redis"`
	Logging     LoggingConfig     `yaml:"logging"`
	Registry    RegistryConfig    `yaml:"registry"`
	Provisioner ProvisionerConfig `yaml:"provisioner"`
	Discovery   DiscoveryConfig   `yaml:"discovery"`
	Auth        AuthConfig        `yaml:"auth"`
	RateLimit   RateLimitConfig   `yaml:"rate_limit"`
	CORS        CORSConfig        `yaml:"cors"`
	Workers     WorkersConfig     `yaml:",inline"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:            ":8080",
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 10 * time.Second,
			AuditSize:       500,
		},
		Database: DatabaseConfig{
			MaxOpenConns:    20,
			MaxIdleConns:    5,
			ConnMaxLifetime: 30 * time.Minute,
			Migrate:         true,
		},
		Redis: RedisConfig{
			LockPrefix: "dws:lock:",
			LockTTL:    lock.DefaultRedisTTL,
		},
		Logging: LoggingConfig{Level: "info", Format: "json"},
		Registry: RegistryConfig{
			HeartbeatTimeout: 120 * time.Second,
			EvictionGrace:    600 * time.Second,
			SweepSchedule:    "@every 30s",
		},
		Provisioner: ProvisionerConfig{
			Zone:             "dws.local",
			LockWait:         5 * time.Second,
			OperationTimeout: 30 * time.Second,
		},
		Discovery: DiscoveryConfig{TTL: 30},
		Auth: AuthConfig{
			SkipPaths: []string{"/healthz", "/metrics"},
		},
		RateLimit: RateLimitConfig{RequestsPerSecond: 50, Burst: 100},
		CORS: CORSConfig{
			AllowedOrigins: []string{"*"},
			AllowedMethods: []string{"GET", "POST", "DELETE", "OPTIONS"},
			AllowedHeaders: []string{"Authorization", "Content-Type", "X-Trace-ID"},
			MaxAge:         600,
		},
		Workers: *DefaultWorkersConfig(),
	}
}

// Load builds the configuration. path overrides DWS_CONFIG; envFile names
// the dotenv file and is skipped when missing.
func Load(path, envFile string) (*Config, error) {
	cfg := Default()

	if envFile != "" {
		if _, err := os.Stat(envFile); err == nil {
			if err := godotenv.Load(envFile); err != nil {
				return nil, fmt.Errorf("load %s: %w", envFile, err)
			}
		}
	}

	if path == "" {
		path = os.Getenv(EnvConfigPath)
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	if err := envdecode.Decode(cfg); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return nil, fmt.Errorf("decode environment: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects configurations the control plane cannot run with.
func (c *Config) Validate() error {
	var problems []string
	if c.Server.Addr == "" {
		problems = append(problems, "server.addr is required")
	}
	if c.Registry.HeartbeatTimeout <= 0 {
		problems = append(problems, "registry.heartbeat_timeout must be positive")
	}
	if c.Registry.EvictionGrace < c.Registry.HeartbeatTimeout {
		problems = append(problems, "registry.eviction_grace must not be shorter than the heartbeat timeout")
	}
	if strings.TrimSpace(c.Registry.SweepSchedule) == "" {
		problems = append(problems, "registry.sweep_schedule is required")
	}
	if strings.TrimSpace(c.Provisioner.Zone) == "" {
		problems = append(problems, "provisioner.zone is required")
	}
	if c.Provisioner.LockWait < 0 {
		problems = append(problems, "provisioner.lock_wait must not be negative")
	}
	if c.Redis.Addr != "" {
		op := c.Provisioner.OperationTimeout
		if op <= 0 {
			op = 30 * time.Second
		}
		ttl := c.Redis.LockTTL
		if ttl <= 0 {
			ttl = lock.DefaultRedisTTL
		}
		if floor := lock.MinTTL(op); ttl < floor {
			problems = append(problems, fmt.Sprintf("redis.lock_ttl %s must be at least %s (operation timeout plus rollback)", ttl, floor))
		}
	}
	if c.Discovery.TTL < 0 {
		problems = append(problems, "discovery.ttl must not be negative")
	}
	if c.Auth.Enabled && len(c.Auth.JWTSecret) < 32 {
		problems = append(problems, "auth.jwt_secret must be at least 32 bytes when auth is enabled")
	}
	if c.RateLimit.Enabled && (c.RateLimit.RequestsPerSecond <= 0 || c.RateLimit.Burst <= 0) {
		problems = append(problems, "rate_limit requires positive requests_per_second and burst")
	}
	switch strings.ToLower(c.Logging.Format) {
	case "", "json", "text":
	default:
		problems = append(problems, fmt.Sprintf("logging.format %q must be json or text", c.Logging.Format))
	}
	if err := c.Workers.Validate(); err != nil {
		problems = append(problems, err.Error())
	}
	if len(problems) > 0 {
		return fmt.Errorf("invalid config: %s", strings.Join(problems, "; "))
	}
	return nil
}
