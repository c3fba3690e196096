package config

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad(t *testing.T) {
	cleanup := setEnvs(t, map[string]string{
		"DATABASE_URL": "postgres://localhost/test",
	})
	defer cleanup()

	t.Run("defaults", func(t *testing.T) {
		cfg, err := Load(Overrides{EnvFile: "nonexistent.env"})
		require.NoError(t, err)
		assert.Equal(t, ":8080", cfg.HTTPAddr)
		assert.Equal(t, "info", cfg.LogLevel)
		assert.Equal(t, 4, cfg.QueueWorkers)
		assert.Equal(t, 10, cfg.MaxUploadsPerMinute)
		assert.True(t, cfg.RequireSystemID)
	})

	t.Run("cli_overrides_take_priority", func(t *testing.T) {
		cfg, err := Load(Overrides{
			EnvFile:     "nonexistent.env",
			HTTPAddr:    ":9090",
			LogLevel:    "debug",
			DatabaseURL: "postgres://override/db",
		})
		require.NoError(t, err)
		assert.Equal(t, ":9090", cfg.HTTPAddr)
		assert.Equal(t, "postgres://override/db", cfg.DatabaseURL)
	})

	t.Run("auth_token_auto_generated_when_enabled_and_unset", func(t *testing.T) {
		cfg, err := Load(Overrides{EnvFile: "nonexistent.env"})
		require.NoError(t, err)
		assert.NotEmpty(t, cfg.AuthToken)
		assert.True(t, cfg.AuthTokenGenerated)
	})

	t.Run("auth_disabled_clears_tokens", func(t *testing.T) {
		cleanup := setEnvs(t, map[string]string{"AUTH_ENABLED": "false", "AUTH_TOKEN": "shouldbecleared"})
		defer cleanup()
		cfg, err := Load(Overrides{EnvFile: "nonexistent.env"})
		require.NoError(t, err)
		assert.Empty(t, cfg.AuthToken)
	})
}

func TestAPIKeys(t *testing.T) {
	t.Run("empty_returns_nil", func(t *testing.T) {
		c := &Config{}
		keys, err := c.APIKeys()
		require.NoError(t, err)
		assert.Nil(t, keys)
	})

	t.Run("parses_descriptors", func(t *testing.T) {
		c := &Config{IngestAPIKeysJSON: `[{"key":"abc123","allowed_ips":["10.0.0.1"],"allowed_systems":["tac1"]}]`}
		keys, err := c.APIKeys()
		require.NoError(t, err)
		require.Len(t, keys, 1)
		assert.Equal(t, "abc123", keys[0].Key)
		assert.Equal(t, []string{"10.0.0.1"}, keys[0].AllowedIPs)
		assert.Equal(t, []string{"tac1"}, keys[0].AllowedSystems)
	})

	t.Run("invalid_json_errors", func(t *testing.T) {
		c := &Config{IngestAPIKeysJSON: `not json`}
		_, err := c.APIKeys()
		assert.Error(t, err)
	})
}

func TestValidate(t *testing.T) {
	t.Run("rejects_zero_workers", func(t *testing.T) {
		c := &Config{QueueWorkers: 0, QueueSize: 10}
		assert.Error(t, c.Validate())
	})

	t.Run("accepts_defaults", func(t *testing.T) {
		c := &Config{QueueWorkers: 4, QueueSize: 10000}
		assert.NoError(t, c.Validate())
	})
}

func setEnvs(t *testing.T, envs map[string]string) func() {
	t.Helper()
	originals := make(map[string]string)
	unset := make([]string, 0)

	for k, v := range envs {
		if orig, ok := os.LookupEnv(k); ok {
			originals[k] = orig
		} else {
			unset = append(unset, k)
		}
		os.Setenv(k, v)
	}

	return func() {
		for k, v := range originals {
			os.Setenv(k, v)
		}
		for _, k := range unset {
			os.Unsetenv(k)
		}
	}
}
