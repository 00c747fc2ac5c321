package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// MaxIndexedTokens is the highest N read from HUGGING_FACE_TOKEN_N
const MaxIndexedTokens = 20

// Config holds all application configuration
type Config struct {
	// Database configuration (user credit store)
	Database DatabaseConfig `envconfig:"DATABASE"`

	// Redis configuration (task status and result cache)
	Redis RedisConfig `envconfig:"REDIS"`

	// Hugging Face credentials
	Tokens TokenConfig `envconfig:"HUGGING_FACE"`

	// Credential rotation policy
	Pool PoolConfig `envconfig:"TOKEN"`

	// Inference backend configuration
	Gradio GradioConfig `envconfig:"GRADIO"`

	// Transform job configuration
	Transform TransformConfig `envconfig:"TRANSFORM"`

	// HTTP configuration
	HTTP HTTPConfig `envconfig:"HTTP"`

	// Logging configuration
	Log LogConfig `envconfig:"LOG"`
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	URL string `envconfig:"URL"`
}

// RedisConfig holds Redis configuration
type RedisConfig struct {
	URL     string        `envconfig:"URL"`
	TaskTTL time.Duration `envconfig:"TASK_TTL" default:"1h"`
}

// TokenConfig holds the raw credential sources.
// Indexed is filled from HUGGING_FACE_TOKEN_1..HUGGING_FACE_TOKEN_20.
type TokenConfig struct {
	Single  string   `envconfig:"TOKEN"`
	List    []string `envconfig:"TOKENS"`
	Indexed []string `ignored:"true"`
}

// PoolConfig holds the credential rotation policy
type PoolConfig struct {
	DailyLimitMinutes float64       `envconfig:"DAILY_LIMIT_MINUTES" default:"5"`
	QuotaCooldown     time.Duration `envconfig:"QUOTA_COOLDOWN" default:"4h"`
	ResetSchedule     string        `envconfig:"RESET_SCHEDULE" default:"0 0 * * *"`
	Timezone          string        `envconfig:"TIMEZONE" default:"Local"`
}

// GradioConfig holds inference backend configuration
type GradioConfig struct {
	SpaceURL       string        `envconfig:"SPACE_URL" default:"https://jamesliu1217-easycontrol-ghibli.hf.space"`
	Endpoint       string        `envconfig:"ENDPOINT" default:"/single_condition_generate_image"`
	RequestTimeout time.Duration `envconfig:"REQUEST_TIMEOUT" default:"2m"`
}

// TransformConfig holds transform job configuration
type TransformConfig struct {
	JobTimeout    time.Duration `envconfig:"JOB_TIMEOUT" default:"3m"`
	MaxConcurrent int           `envconfig:"MAX_CONCURRENT" default:"10"`
	MaxImageBytes int64         `envconfig:"MAX_IMAGE_BYTES" default:"10485760"`
	SubmitRPS     float64       `envconfig:"SUBMIT_RPS" default:"1"`
	SubmitBurst   int           `envconfig:"SUBMIT_BURST" default:"5"`
	DefaultPrompt string        `envconfig:"DEFAULT_PROMPT" default:"Ghibli Studio style, colorful landscape"`
}

// HTTPConfig holds HTTP server configuration.
// ADMIN_SECRET is accepted as an alias for HTTP_ADMIN_SECRET.
type HTTPConfig struct {
	ListenAddr         string        `envconfig:"LISTEN_ADDR" default:":8080"`
	CORSAllowedOrigins string        `envconfig:"CORS_ALLOWED_ORIGINS" default:"*"`
	RequestTimeout     time.Duration `envconfig:"REQUEST_TIMEOUT" default:"60s"`
	AdminSecret        string        `envconfig:"ADMIN_SECRET"`
}

// LogConfig holds logging configuration
type LogConfig struct {
	Level      string `envconfig:"LEVEL" default:"info"`
	Production bool   `envconfig:"PRODUCTION" default:"false"`
}

// Load loads configuration from environment variables
func Load() (*Config, error) {
	cfg := &Config{}
	if err := envconfig.Process("", cfg); err != nil {
		return nil, fmt.Errorf("failed to process environment: %w", err)
	}

	for i := 1; i <= MaxIndexedTokens; i++ {
		if val := os.Getenv(fmt.Sprintf("HUGGING_FACE_TOKEN_%d", i)); val != "" {
			cfg.Tokens.Indexed = append(cfg.Tokens.Indexed, val)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Pool.DailyLimitMinutes <= 0 {
		return fmt.Errorf("TOKEN_DAILY_LIMIT_MINUTES must be positive, got %.2f", c.Pool.DailyLimitMinutes)
	}
	if c.Pool.QuotaCooldown <= 0 {
		return fmt.Errorf("TOKEN_QUOTA_COOLDOWN must be positive, got %s", c.Pool.QuotaCooldown)
	}
	if strings.TrimSpace(c.Pool.ResetSchedule) == "" {
		return fmt.Errorf("TOKEN_RESET_SCHEDULE must not be empty")
	}
	if _, err := c.Location(); err != nil {
		return fmt.Errorf("TOKEN_TIMEZONE is invalid: %w", err)
	}

	if c.Transform.MaxConcurrent <= 0 {
		return fmt.Errorf("TRANSFORM_MAX_CONCURRENT must be positive, got %d", c.Transform.MaxConcurrent)
	}
	if c.Transform.JobTimeout <= 0 {
		return fmt.Errorf("TRANSFORM_JOB_TIMEOUT must be positive, got %s", c.Transform.JobTimeout)
	}
	if c.Transform.MaxImageBytes <= 0 {
		return fmt.Errorf("TRANSFORM_MAX_IMAGE_BYTES must be positive, got %d", c.Transform.MaxImageBytes)
	}
	if c.Transform.SubmitRPS <= 0 || c.Transform.SubmitBurst <= 0 {
		return fmt.Errorf("TRANSFORM_SUBMIT_RPS and TRANSFORM_SUBMIT_BURST must be positive")
	}

	if c.Gradio.SpaceURL == "" {
		return fmt.Errorf("GRADIO_SPACE_URL is required")
	}
	if !strings.HasPrefix(c.Gradio.Endpoint, "/") {
		return fmt.Errorf("GRADIO_ENDPOINT must start with '/', got %q", c.Gradio.Endpoint)
	}

	if c.Redis.TaskTTL <= 0 {
		return fmt.Errorf("REDIS_TASK_TTL must be positive, got %s", c.Redis.TaskTTL)
	}

	return nil
}

// Location returns the time zone used for the daily usage boundary
func (c *Config) Location() (*time.Location, error) {
	switch c.Pool.Timezone {
	case "", "Local":
		return time.Local, nil
	default:
		return time.LoadLocation(c.Pool.Timezone)
	}
}

// HasDatabase returns true if database configuration is available
func (c *Config) HasDatabase() bool {
	return c.Database.URL != ""
}

// HasRedis returns true if Redis configuration is available
func (c *Config) HasRedis() bool {
	return c.Redis.URL != ""
}

// HasAdminSecret returns true if the token status endpoint can be unlocked
func (c *Config) HasAdminSecret() bool {
	return c.HTTP.AdminSecret != ""
}

// NewTestConfig creates a Config with default values for testing
func NewTestConfig() *Config {
	return &Config{
		Redis: RedisConfig{
			TaskTTL: time.Hour,
		},
		Tokens: TokenConfig{
			List: []string{"hf_test_token_aaaa", "hf_test_token_bbbb"},
		},
		Pool: PoolConfig{
			DailyLimitMinutes: 5,
			QuotaCooldown:     4 * time.Hour,
			ResetSchedule:     "0 0 * * *",
			Timezone:          "UTC",
		},
		Gradio: GradioConfig{
			SpaceURL:       "http://localhost:7860",
			Endpoint:       "/single_condition_generate_image",
			RequestTimeout: 10 * time.Second,
		},
		Transform: TransformConfig{
			JobTimeout:    30 * time.Second,
			MaxConcurrent: 4,
			MaxImageBytes: 1 << 20,
			SubmitRPS:     100,
			SubmitBurst:   100,
			DefaultPrompt: "Ghibli Studio style, colorful landscape",
		},
		HTTP: HTTPConfig{
			ListenAddr:         ":0",
			CORSAllowedOrigins: "*",
			RequestTimeout:     30 * time.Second,
			AdminSecret:        "test-admin-secret",
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}
