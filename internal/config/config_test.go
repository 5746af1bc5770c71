// Package config tests.
package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setRequiredEnvs(t *testing.T) {
	t.Helper()
	os.Clearenv()
	t.Setenv("TOKEN", "sk-test")
}

func TestLoad_Defaults(t *testing.T) {
	setRequiredEnvs(t)
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "sk-test", cfg.Token)
	assert.Equal(t, "production", cfg.Environment)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, "0.0.0.0:3000", cfg.ListenAddr())
	assert.Equal(t, "clawd", cfg.ModelName)
	assert.Equal(t, "127.0.0.1", cfg.ClawdHost)
	assert.Equal(t, 18789, cfg.ClawdPort)
	assert.Equal(t, "main", cfg.ClawdAgentID)
	assert.Equal(t, 60*time.Second, cfg.ClawdTimeout)
	assert.Equal(t, "zh-CN", cfg.ClawdLocale)
	assert.Equal(t, StoreMemory, cfg.SessionStore)
	assert.Equal(t, 0, cfg.RateLimitRPS)
	assert.False(t, cfg.IsDevelopment())
}

func TestLoad_Overrides(t *testing.T) {
	setRequiredEnvs(t)
	t.Setenv("PORT", "8088")
	t.Setenv("CLAWD_HOST", "gateway.internal")
	t.Setenv("CLAWD_PORT", "19000")
	t.Setenv("CLAWD_TOKEN", "gw-secret")
	t.Setenv("CLAWD_TIMEOUT", "90s")
	t.Setenv("SESSION_STORE", "sqlite")
	t.Setenv("ENVIRONMENT", "Development")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 8088, cfg.Port)
	assert.Equal(t, "gateway.internal", cfg.ClawdHost)
	assert.Equal(t, 19000, cfg.ClawdPort)
	assert.Equal(t, "gw-secret", cfg.ClawdToken)
	assert.Equal(t, 90*time.Second, cfg.ClawdTimeout)
	assert.Equal(t, StoreSQLite, cfg.SessionStore)
	assert.True(t, cfg.IsDevelopment())
}

func TestLoad_MissingToken(t *testing.T) {
	os.Clearenv()
	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "TOKEN is required")
}

func TestLoad_InvalidNumber(t *testing.T) {
	setRequiredEnvs(t)
	t.Setenv("CLAWD_PORT", "not-a-number")
	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "loading config")
}

func TestValidate(t *testing.T) {
	base := func() Config {
		return Config{
			Token: "t", Port: 3000, ClawdPort: 18789, ClawdTimeout: time.Minute,
			ModelName: "clawd", SessionStore: StoreMemory,
		}
	}
	require.NoError(t, func() error { c := base(); return c.Validate() }())

	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{"blank token", func(c *Config) { c.Token = "  " }, "TOKEN is required"},
		{"port range", func(c *Config) { c.Port = 70000 }, "PORT 70000 out of range"},
		{"gateway port", func(c *Config) { c.ClawdPort = 0 }, "CLAWD_PORT 0 out of range"},
		{"timeout", func(c *Config) { c.ClawdTimeout = 0 }, "CLAWD_TIMEOUT must be positive"},
		{"store", func(c *Config) { c.SessionStore = "etcd" }, `SESSION_STORE "etcd"`},
		{"rate limit", func(c *Config) { c.RateLimitRPS = -1 }, "must not be negative"},
		{"model", func(c *Config) { c.ModelName = "" }, "MODEL_NAME"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := base()
			tt.mutate(&c)
			err := c.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestLoadEnvFile(t *testing.T) {
	os.Clearenv()
	path := filepath.Join(t.TempDir(), ".env")
	require.NoError(t, os.WriteFile(path, []byte("TOKEN=from-file\nCLAWD_PORT=18800\n"), 0o600))
	t.Setenv("CLAWD_PORT", "18789")

	require.NoError(t, LoadEnvFile(path))
	t.Cleanup(func() { os.Unsetenv("TOKEN") })

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "from-file", cfg.Token)
	assert.Equal(t, 18789, cfg.ClawdPort, "existing environment wins over the file")
}

func TestLoadEnvFile_Missing(t *testing.T) {
	assert.NoError(t, LoadEnvFile(filepath.Join(t.TempDir(), "absent.env")))
	assert.NoError(t, LoadEnvFile(""))
}
