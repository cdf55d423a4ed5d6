package config

import (
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

type Config struct {
	Environment string `env:"ENVIRONMENT" envDefault:"production"`
	DevBaseURL  string `env:"DEV_BASE_URL" envDefault:"http://localhost:3000"`
	ProdBaseURL string `env:"PROD_BASE_URL" envDefault:"https://app.sofer.ai"`

	AuthOrigins  []string `env:"AUTH_ORIGINS" envSeparator:"," envDefault:"https://app.sofer.ai,https://sofer.ai,https://auth.sofer.ai"`
	CookieNames  []string `env:"AUTH_COOKIE_NAMES" envSeparator:"," envDefault:"sb-auth-auth-token.0,sb-auth-auth-token.1"`
	CookiePrefix string   `env:"AUTH_COOKIE_PREFIX" envDefault:"sb-auth-auth-token"`
	CookieDBPath string   `env:"COOKIE_DB_PATH,required,notEmpty"`

	StorePath string `env:"STORE_PATH" envDefault:"./transcript-relay.db"`

	LectureBaseURL string `env:"LECTURE_BASE_URL" envDefault:"https://yutorah.org/lectures/"`

	HTTPAddr     string        `env:"HTTP_ADDR" envDefault:":8090"`
	ReadTimeout  time.Duration `env:"HTTP_READ_TIMEOUT" envDefault:"5s"`
	WriteTimeout time.Duration `env:"HTTP_WRITE_TIMEOUT" envDefault:"0"` // 0 = no deadline; the SSE stream is long-lived
	IdleTimeout  time.Duration `env:"HTTP_IDLE_TIMEOUT" envDefault:"120s"`

	PollInterval   time.Duration `env:"POLL_INTERVAL" envDefault:"10s"`
	RequestTimeout time.Duration `env:"REQUEST_TIMEOUT" envDefault:"30s"`
	PendingMaxAge  time.Duration `env:"PENDING_MAX_AGE" envDefault:"5m"`

	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`
}

// Overrides holds CLI flag values that take priority over env vars.
type Overrides struct {
	EnvFile      string
	HTTPAddr     string
	LogLevel     string
	CookieDBPath string
	StorePath    string
}

// Load reads configuration from .env file, environment variables, and CLI overrides.
// Priority: CLI flags > environment variables > .env file > struct defaults.
func Load(overrides Overrides) (*Config, error) {
	// Load .env file (silent if missing)
	envFile := overrides.EnvFile
	if envFile == "" {
		envFile = ".env"
	}
	if _, err := os.Stat(envFile); err == nil {
		_ = godotenv.Load(envFile)
	}

	// COOKIE_DB_PATH is validated by tag parsing, so its override applies up front.
	if overrides.CookieDBPath != "" {
		os.Setenv("COOKIE_DB_PATH", overrides.CookieDBPath)
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
	if overrides.StorePath != "" {
		cfg.StorePath = overrides.StorePath
	}

	return cfg, nil
}
