package config

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// APIKeyDescriptor is one entry in INGEST_API_KEYS_JSON: a key plus optional
// IP and system allow-lists. Config carries this as raw JSON and APIKeys
// unmarshals it, since caarlos0/env has no native support for a
// slice-of-struct field.
type APIKeyDescriptor struct {
	Key            string   `json:"key"`
	Description    string   `json:"description,omitempty"`
	AllowedIPs     []string `json:"allowed_ips,omitempty"`
	AllowedSystems []string `json:"allowed_systems,omitempty"`
}

type Config struct {
	DatabaseURL   string        `env:"DATABASE_URL,required"`
	DBMinPoolSize int           `env:"DB_MIN_POOL_SIZE" envDefault:"4"`
	DBMaxPoolSize int           `env:"DB_MAX_POOL_SIZE" envDefault:"20"`
	QueryTimeout  time.Duration `env:"QUERY_TIMEOUT" envDefault:"60s"`

	HTTPAddr     string        `env:"HTTP_ADDR" envDefault:":8080"`
	ReadTimeout  time.Duration `env:"HTTP_READ_TIMEOUT" envDefault:"5s"`
	WriteTimeout time.Duration `env:"HTTP_WRITE_TIMEOUT" envDefault:"30s"`
	IdleTimeout  time.Duration `env:"HTTP_IDLE_TIMEOUT" envDefault:"120s"`

	AuthEnabled        bool   `env:"AUTH_ENABLED" envDefault:"true"`
	AuthToken          string `env:"AUTH_TOKEN"`
	AuthTokenGenerated bool
	WriteToken         string `env:"WRITE_TOKEN"`

	RateLimitRPS   float64 `env:"RATE_LIMIT_RPS" envDefault:"20"`
	RateLimitBurst int     `env:"RATE_LIMIT_BURST" envDefault:"40"`
	CORSOrigins    string  `env:"CORS_ORIGINS"`
	LogLevel       string  `env:"LOG_LEVEL" envDefault:"info"`
	MetricsEnabled bool    `env:"METRICS_ENABLED" envDefault:"false"`

	// Upload ingest auth — legacy single key plus a descriptor list, each
	// descriptor may restrict by source IP and/or system ID.
	IngestAPIKey      string `env:"INGEST_API_KEY"`
	IngestAPIKeysJSON string `env:"INGEST_API_KEYS_JSON"`
	RequireSystemID   bool   `env:"REQUIRE_SYSTEM_ID" envDefault:"true"`

	// Upload validation
	EnableFileValidation bool   `env:"ENABLE_FILE_VALIDATION" envDefault:"true"`
	MaxFileSizeMB        int    `env:"MAX_FILE_SIZE_MB" envDefault:"100"`
	MinFileSizeKB        int    `env:"MIN_FILE_SIZE_KB" envDefault:"1"`

	// Sliding-window upload rate limiting, distinct from RATE_LIMIT_RPS
	// above which is the blanket per-IP HTTP throttle.
	MaxUploadsPerMinute int `env:"MAX_UPLOADS_PER_MINUTE" envDefault:"10"`
	MaxUploadsPerHour   int `env:"MAX_UPLOADS_PER_HOUR" envDefault:"100"`

	// Work queue
	QueueSize       int `env:"QUEUE_SIZE" envDefault:"10000"`
	QueueWorkers    int `env:"QUEUE_WORKERS" envDefault:"4"`
	QueueMaxRetries int `env:"QUEUE_MAX_RETRIES" envDefault:"3"`

	// Audit retention
	SecurityEventRetentionDays int `env:"SECURITY_EVENT_RETENTION_DAYS" envDefault:"365"`

	// Transcriber selection
	STTProvider     string        `env:"STT_PROVIDER" envDefault:"noop"`
	WhisperURL      string        `env:"WHISPER_URL"`
	WhisperModel    string        `env:"WHISPER_MODEL"`
	WhisperTimeout  time.Duration `env:"WHISPER_TIMEOUT" envDefault:"30s"`
	WhisperLanguage string        `env:"WHISPER_LANGUAGE" envDefault:"en"`
}

// APIKeys parses IngestAPIKeysJSON into a slice of descriptors. Returns nil
// (not an error) when the field is empty, matching the optional-config
// convention the rest of this struct follows.
func (c *Config) APIKeys() ([]APIKeyDescriptor, error) {
	if c.IngestAPIKeysJSON == "" {
		return nil, nil
	}
	var keys []APIKeyDescriptor
	if err := json.Unmarshal([]byte(c.IngestAPIKeysJSON), &keys); err != nil {
		return nil, fmt.Errorf("parse INGEST_API_KEYS_JSON: %w", err)
	}
	return keys, nil
}

// Validate checks cross-field invariants that env tags alone can't express.
func (c *Config) Validate() error {
	if c.QueueWorkers < 1 {
		return fmt.Errorf("QUEUE_WORKERS must be >= 1")
	}
	if c.QueueSize < 1 {
		return fmt.Errorf("QUEUE_SIZE must be >= 1")
	}
	if _, err := c.APIKeys(); err != nil {
		return err
	}
	return nil
}

// Overrides holds CLI flag values that take priority over env vars.
type Overrides struct {
	EnvFile     string
	HTTPAddr    string
	LogLevel    string
	DatabaseURL string
}

// Load reads configuration from .env file, environment variables, and CLI
// overrides. Priority: CLI flags > environment variables > .env file >
// struct defaults.
func Load(overrides Overrides) (*Config, error) {
	envFile := overrides.EnvFile
	if envFile == "" {
		envFile = ".env"
	}
	if _, err := os.Stat(envFile); err == nil {
		_ = godotenv.Load(envFile)
	}

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, err
	}

	if overrides.HTTPAddr != "" {
		cfg.HTTPAddr = overrides.HTTPAddr
	}
	if overrides.LogLevel != "" {
		cfg.LogLevel = overrides.LogLevel
	}
	if overrides.DatabaseURL != "" {
		cfg.DatabaseURL = overrides.DatabaseURL
	}

	if !cfg.AuthEnabled {
		cfg.AuthToken = ""
		cfg.WriteToken = ""
	} else if cfg.AuthToken == "" {
		b := make([]byte, 32)
		if _, err := rand.Read(b); err == nil {
			cfg.AuthToken = base64.URLEncoding.EncodeToString(b)
			cfg.AuthTokenGenerated = true
		}
	}

	return cfg, nil
}
