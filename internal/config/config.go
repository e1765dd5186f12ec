package config

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Config struct for environment variables.
type Config struct {
	Username string `envconfig:"THEIA_USERNAME" required:"true"`
	Password string `envconfig:"THEIA_PASSWORD" required:"true"`
	BaseURL  string `envconfig:"THEIA_BASE_URL" default:"https://m2m.cr.usgs.gov/api/api/json/stable/"`

	TargetDir   string `envconfig:"TARGET_DIR" default:"."`
	MaxParallel int    `envconfig:"MAX_PARALLEL" default:"5"`

	PollInterval        time.Duration `envconfig:"POLL_INTERVAL" default:"30s"`
	PollDeadline        time.Duration `envconfig:"POLL_DEADLINE" default:"1h"`
	RateLimitRetryDelay time.Duration `envconfig:"RATE_LIMIT_RETRY_DELAY" default:"3s"`
	RequestTimeout      time.Duration `envconfig:"REQUEST_TIMEOUT" default:"10m"`
	RelogInterval       time.Duration `envconfig:"RELOG_INTERVAL" default:"2h"`

	LogLevel string `envconfig:"LOG_LEVEL" default:"INFO"`

	Metrics struct {
		Enabled     bool   `split_words:"true"`
		BindAddress string `split_words:"true" default:"0.0.0.0:9090"`
	}
}

// LoadConfig reads environment variables and populates the Config struct.
func LoadConfig() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("error processing env: %w", err)
	}

	return &cfg, nil
}

func (c *Config) SlogLevel() slog.Level {
	switch strings.ToUpper(c.LogLevel) {
	case "DEBUG":
		return slog.LevelDebug
	case "INFO":
		return slog.LevelInfo
	case "WARN":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
