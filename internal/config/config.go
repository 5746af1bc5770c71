package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// Session store backends.
const (
	StoreMemory = "memory"
	StoreSQLite = "sqlite"
	StoreRedis  = "redis"
)

// Config holds all application configuration loaded from environment variables.
type Config struct {
	// General
	Environment string `envconfig:"ENVIRONMENT" default:"production"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info"`

	// HTTP API
	Token       string `envconfig:"TOKEN"` // bearer token callers must present
	Host        string `envconfig:"HOST" default:"0.0.0.0"`
	Port        int    `envconfig:"PORT" default:"3000"`
	ModelName   string `envconfig:"MODEL_NAME" default:"clawd"`
	CORSOrigins string `envconfig:"CORS_ORIGINS"`

	RateLimitRPS   int `envconfig:"RATE_LIMIT_RPS" default:"0"`
	RateLimitBurst int `envconfig:"RATE_LIMIT_BURST" default:"0"`

	// Gateway
	ClawdHost    string        `envconfig:"CLAWD_HOST" default:"127.0.0.1"`
	ClawdPort    int           `envconfig:"CLAWD_PORT" default:"18789"`
	ClawdToken   string        `envconfig:"CLAWD_TOKEN"`
	ClawdAgentID string        `envconfig:"CLAWD_AGENT_ID" default:"main"`
	ClawdTimeout time.Duration `envconfig:"CLAWD_TIMEOUT" default:"60s"`
	ClawdLocale  string        `envconfig:"CLAWD_LOCALE" default:"zh-CN"`

	// Session store
	SessionStore  string `envconfig:"SESSION_STORE" default:"memory"` // memory, sqlite or redis
	SessionDBPath string `envconfig:"SESSION_DB_PATH" default:"clawd-sessions.db"`
	RedisAddr     string `envconfig:"REDIS_ADDR" default:"127.0.0.1:6379"`
	RedisPassword string `envconfig:"REDIS_PASSWORD"`
	RedisDB       int    `envconfig:"REDIS_DB" default:"0"`
	RedisKey      string `envconfig:"REDIS_KEY" default:"clawd:http_sessions"`
}

// ListenAddr returns the HTTP listen address.
func (c *Config) ListenAddr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// IsDevelopment reports whether console logging should be used.
func (c *Config) IsDevelopment() bool {
	return strings.EqualFold(c.Environment, "development")
}

// Validate checks values envconfig cannot.
func (c *Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.Token) == "" {
		errs = append(errs, errors.New("TOKEN is required"))
	}
	if c.Port <= 0 || c.Port > 65535 {
		errs = append(errs, fmt.Errorf("PORT %d out of range", c.Port))
	}
	if c.ClawdPort <= 0 || c.ClawdPort > 65535 {
		errs = append(errs, fmt.Errorf("CLAWD_PORT %d out of range", c.ClawdPort))
	}
	if c.ClawdTimeout <= 0 {
		errs = append(errs, fmt.Errorf("CLAWD_TIMEOUT must be positive, got %s", c.ClawdTimeout))
	}
	if strings.TrimSpace(c.ModelName) == "" {
		errs = append(errs, errors.New("MODEL_NAME must not be empty"))
	}
	switch c.SessionStore {
	case StoreMemory, StoreSQLite, StoreRedis:
	default:
		errs = append(errs, fmt.Errorf("SESSION_STORE %q is not one of memory, sqlite, redis", c.SessionStore))
	}
	if c.RateLimitRPS < 0 || c.RateLimitBurst < 0 {
		errs = append(errs, errors.New("RATE_LIMIT_RPS and RATE_LIMIT_BURST must not be negative"))
	}
	return errors.Join(errs...)
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

// LoadEnvFile loads variables from a dotenv file without overriding the
// environment. A missing file is not an error.
func LoadEnvFile(path string) error {
	if path == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("loading %s: %w", path, err)
	}
	return nil
}
