package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/italolelis/sftp_sync/internal/remote/sftp"
	"github.com/italolelis/sftp_sync/internal/telemetry"
	"github.com/italolelis/sftp_sync/internal/transfer"
	"github.com/kelseyhightower/envconfig"
)

const (
	BackendSQLite = "sqlite"
	BackendJSON   = "json"
)

// Config struct for environment variables. Nested structs prefix their fields, so SFTP.Host is read
// from SFTP_HOST and Web.BindAddress from WEB_BIND_ADDRESS.
type Config struct {
	SFTP struct {
		Host        string        `required:"true"`
		Port        int           `default:"22"`
		User        string        `required:"true"`
		Password    string
		DialTimeout time.Duration `split_words:"true" default:"10s"`
		HostKeyFile string        `split_words:"true"`
	}

	ProgressBackend string `envconfig:"PROGRESS_BACKEND" default:"sqlite"`
	ProgressDir     string `envconfig:"PROGRESS_DIR" default:".sftp_sync"`
	DBPath          string `envconfig:"DB_PATH" default:"progress.db"`

	ArchiveDir       string        `envconfig:"ARCHIVE_DIR"`
	RemoteArchiveDir string        `envconfig:"REMOTE_ARCHIVE_DIR" default:"/tmp"`
	ArchiveRetention time.Duration `envconfig:"ARCHIVE_RETENTION" default:"24h"`
	CleanupInterval  time.Duration `envconfig:"CLEANUP_INTERVAL" default:"1h"`

	MaxAttempts  int           `envconfig:"MAX_ATTEMPTS" default:"3"`
	RetryBackoff time.Duration `envconfig:"RETRY_BACKOFF" default:"2s"`

	LogLevel          string `envconfig:"LOG_LEVEL" default:"INFO"`
	DiscordWebhookURL string `envconfig:"DISCORD_WEBHOOK_URL"`

	Telemetry struct {
		Enabled      bool   `default:"true"`
		ServiceName  string `split_words:"true" default:"sftp_sync"`
		OTLPEndpoint string `envconfig:"OTLP_ENDPOINT"`
	}

	Web struct {
		BindAddress     string        `split_words:"true" default:"127.0.0.1:7860"`
		ReadTimeout     time.Duration `split_words:"true" default:"30s"`
		WriteTimeout    time.Duration `split_words:"true" default:"0s"`
		IdleTimeout     time.Duration `split_words:"true" default:"60s"`
		ShutdownTimeout time.Duration `split_words:"true" default:"30s"`
		Username        string        `split_words:"true"`
		Password        string        `split_words:"true"`
	}
}

// LoadConfig reads environment variables and populates the Config struct.
func LoadConfig() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("error processing env: %w", err)
	}

	if cfg.ArchiveDir == "" {
		cfg.ArchiveDir = filepath.Join(os.TempDir(), "sftp_sync")
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate checks values envconfig cannot.
func (c *Config) Validate() error {
	var errs []error

	if c.SFTP.Port <= 0 || c.SFTP.Port > 65535 {
		errs = append(errs, fmt.Errorf("SFTP_PORT out of range: %d", c.SFTP.Port))
	}

	if c.MaxAttempts < 1 {
		errs = append(errs, fmt.Errorf("MAX_ATTEMPTS must be at least 1, got %d", c.MaxAttempts))
	}

	if c.RetryBackoff < 0 {
		errs = append(errs, fmt.Errorf("RETRY_BACKOFF must not be negative, got %s", c.RetryBackoff))
	}

	switch c.ProgressBackend {
	case BackendSQLite, BackendJSON:
	default:
		errs = append(errs, fmt.Errorf("PROGRESS_BACKEND must be %q or %q, got %q", BackendSQLite, BackendJSON, c.ProgressBackend))
	}

	if (c.Web.Username == "") != (c.Web.Password == "") {
		errs = append(errs, errors.New("WEB_USERNAME and WEB_PASSWORD must be set together"))
	}

	if c.CleanupInterval <= 0 {
		errs = append(errs, fmt.Errorf("CLEANUP_INTERVAL must be positive, got %s", c.CleanupInterval))
	}

	return errors.Join(errs...)
}

// Credentials returns the remote account to connect with.
func (c *Config) Credentials() transfer.Credentials {
	return transfer.Credentials{
		Host:   c.SFTP.Host,
		Port:   c.SFTP.Port,
		User:   c.SFTP.User,
		Secret: c.SFTP.Password,
	}
}

// DialerConfig returns the SFTP connection settings.
func (c *Config) DialerConfig() sftp.Config {
	return sftp.Config{
		DialTimeout: c.SFTP.DialTimeout,
		HostKeyFile: c.SFTP.HostKeyFile,
	}
}

// TelemetryConfig returns the telemetry settings.
func (c *Config) TelemetryConfig(version string) telemetry.Config {
	return telemetry.Config{
		Enabled:        c.Telemetry.Enabled,
		ServiceName:    c.Telemetry.ServiceName,
		ServiceVersion: version,
		OTLPEndpoint:   c.Telemetry.OTLPEndpoint,
	}
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
