package config

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/italolelis/multi_downloader/internal/download"
	"github.com/italolelis/multi_downloader/internal/logctx"
	"github.com/kelseyhightower/envconfig"
)

// Config struct for environment variables.
type Config struct {
	MaxConcurrent           int    `envconfig:"MAX_CONCURRENT" default:"3"`
	BackgroundMaxConcurrent int    `envconfig:"BACKGROUND_MAX_CONCURRENT" default:"1"`
	TargetDir               string `envconfig:"TARGET_DIR" required:"true"`
	BackgroundTargetDir     string `envconfig:"BACKGROUND_TARGET_DIR"`

	KeepDownloadedFor time.Duration `envconfig:"KEEP_DOWNLOADED_FOR" default:"24h"`
	CleanupInterval   time.Duration `envconfig:"CLEANUP_INTERVAL" default:"10m"`
	HTTPTimeout       time.Duration `envconfig:"HTTP_TIMEOUT" default:"30s"`
	ProgressInterval  time.Duration `envconfig:"PROGRESS_INTERVAL" default:"5s"`
	LogLevel          string        `envconfig:"LOG_LEVEL" default:"INFO"`
	DiscordWebhookURL string        `envconfig:"DISCORD_WEBHOOK_URL"`
	DBPath            string        `envconfig:"DB_PATH" default:"downloads.db"`

	Web struct {
		BindAddress     string        `split_words:"true" default:"0.0.0.0:9091"`
		ReadTimeout     time.Duration `split_words:"true" default:"30s"`
		WriteTimeout    time.Duration `split_words:"true" default:"30s"`
		IdleTimeout     time.Duration `split_words:"true" default:"5s"`
		ShutdownTimeout time.Duration `split_words:"true" default:"30s"`
		// Username and Password enable basic auth on the API when both are set.
		Username        string        `split_words:"true"`
		Password        string        `split_words:"true"`
	}

	Telemetry struct {
		Enabled      bool   `split_words:"true" default:"true"`
		ServiceName  string `split_words:"true" default:"multi-downloader"`
		OTLPEndpoint string `envconfig:"OTLP_ENDPOINT"`
	}
}

// LoadConfig reads environment variables and populates the Config struct.
func LoadConfig() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("error processing env: %w", err)
	}

	if cfg.BackgroundTargetDir == "" {
		cfg.BackgroundTargetDir = cfg.TargetDir
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate rejects settings the download managers cannot run with.
func (c *Config) Validate() error {
	if c.TargetDir == "" {
		return fmt.Errorf("%w: TARGET_DIR is required", download.ErrInvalidConfiguration)
	}

	if c.MaxConcurrent < 1 {
		return fmt.Errorf("%w: MAX_CONCURRENT must be at least 1, got %d", download.ErrInvalidConfiguration, c.MaxConcurrent)
	}

	if c.BackgroundMaxConcurrent < 1 {
		return fmt.Errorf("%w: BACKGROUND_MAX_CONCURRENT must be at least 1, got %d", download.ErrInvalidConfiguration, c.BackgroundMaxConcurrent)
	}

	if c.ProgressInterval < 0 {
		return fmt.Errorf("%w: PROGRESS_INTERVAL must not be negative", download.ErrInvalidConfiguration)
	}

	return nil
}

func (c *Config) SlogLevel() slog.Level {
	return logctx.ParseLevel(c.LogLevel)
}
